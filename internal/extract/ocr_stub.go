//go:build !cgo

package extract

import "context"

// TesseractOCR is unavailable in builds without cgo.
type TesseractOCR struct {
	language string
}

func NewTesseractOCR(language string) *TesseractOCR {
	return &TesseractOCR{language: language}
}

func (t *TesseractOCR) Recognize(ctx context.Context, image []byte) (string, error) {
	return "", ErrOCRUnavailable
}
