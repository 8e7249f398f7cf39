package extract

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockOCR struct {
	mock.Mock
}

func (m *MockOCR) Recognize(ctx context.Context, image []byte) (string, error) {
	args := m.Called(ctx, image)
	return args.String(0), args.Error(1)
}

type MockRasterizer struct {
	mock.Mock
}

func (m *MockRasterizer) Rasterize(ctx context.Context, pdf []byte, page int) ([]byte, error) {
	args := m.Called(ctx, pdf, page)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockRunner is a test double for CommandRunner.
type mockRunner struct {
	name   string
	args   []string
	output []byte
	err    error
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.name = name
	m.args = args
	return m.output, m.err
}
