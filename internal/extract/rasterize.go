package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// CommandRunner runs an external binary and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- binary path comes from config
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// PdftoppmRasterizer renders PDF pages to PNG with poppler's pdftoppm.
type PdftoppmRasterizer struct {
	binary string
	dpi    int
	runner CommandRunner
}

func NewPdftoppmRasterizer(binary string) *PdftoppmRasterizer {
	return NewPdftoppmRasterizerWithRunner(binary, execRunner{})
}

func NewPdftoppmRasterizerWithRunner(binary string, runner CommandRunner) *PdftoppmRasterizer {
	if binary == "" {
		binary = "pdftoppm"
	}
	return &PdftoppmRasterizer{binary: binary, dpi: 200, runner: runner}
}

func (p *PdftoppmRasterizer) Rasterize(ctx context.Context, pdf []byte, page int) ([]byte, error) {
	f, err := os.CreateTemp("", "scan-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(pdf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	pg := strconv.Itoa(page)
	out, err := p.runner.Run(ctx, p.binary,
		"-png", "-r", strconv.Itoa(p.dpi), "-f", pg, "-l", pg, "-singlefile", f.Name())
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s produced no image for page %d", p.binary, page)
	}
	return out, nil
}
