package query_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"scoutrag/backend/features/query"
	"scoutrag/backend/internal/retrieval"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAnswerer struct{ mock.Mock }

func (m *MockAnswerer) Answer(ctx context.Context, question string, maxResults int) (*retrieval.Answer, error) {
	args := m.Called(ctx, question, maxResults)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*retrieval.Answer), args.Error(1)
}

func TestHandler_Query(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setupMock  func(m *MockAnswerer)
		wantStatus int
		wantCode   string
	}{
		{
			name: "Answered",
			body: `{"question":"What is the scouting motto?","max_results":3}`,
			setupMock: func(m *MockAnswerer) {
				m.On("Answer", mock.Anything, "What is the scouting motto?", 3).Return(&retrieval.Answer{
					Answer:         "Be Prepared.",
					Sources:        []retrieval.Source{{URL: "https://example.org", Score: 0.9, ContentType: "html"}},
					ProcessingTime: 0.42,
				}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "Default max results passed through",
			body: `{"question":"hi"}`,
			setupMock: func(m *MockAnswerer) {
				m.On("Answer", mock.Anything, "hi", 0).Return(&retrieval.Answer{Answer: "hello", Sources: []retrieval.Source{}}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "Malformed body",
			body:       `{"question":`,
			setupMock:  func(m *MockAnswerer) {},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "Missing question",
			body:       `{"question":"   "}`,
			setupMock:  func(m *MockAnswerer) {},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name: "Query failed",
			body: `{"question":"hi"}`,
			setupMock: func(m *MockAnswerer) {
				m.On("Answer", mock.Anything, "hi", 0).
					Return(nil, fmt.Errorf("%w: the embedding service is unavailable", retrieval.ErrQueryFailed))
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   "QUERY_FAILED",
		},
		{
			name: "Unexpected error",
			body: `{"question":"hi"}`,
			setupMock: func(m *MockAnswerer) {
				m.On("Answer", mock.Anything, "hi", 0).Return(nil, errors.New("boom"))
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockAnswerer)
			tt.setupMock(svc)
			h := query.NewHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.Query(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.wantCode != "" {
				errObj := body["error"].(map[string]interface{})
				assert.Equal(t, tt.wantCode, errObj["code"])
			} else {
				data := body["data"].(map[string]interface{})
				assert.NotEmpty(t, data["answer"])
				assert.Contains(t, data, "sources")
				assert.Contains(t, data, "processing_time")
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestHandler_QueryFailedMessageIsSafe(t *testing.T) {
	svc := new(MockAnswerer)
	svc.On("Answer", mock.Anything, "hi", 0).
		Return(nil, fmt.Errorf("%w: the generation service is unavailable", retrieval.ErrQueryFailed))

	w := httptest.NewRecorder()
	query.NewHandler(svc).Query(w, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question":"hi"}`)))

	assert.Contains(t, w.Body.String(), "the generation service is unavailable")
}
