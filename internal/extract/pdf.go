package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfText extracts embedded text page by page. Pages without embedded text
// are rasterised and run through OCR when both are configured.
func (e *Extractor) pdfText(ctx context.Context, source string, body []byte) (string, int, error) {
	pages, err := pdfPages(body)
	if err != nil {
		return "", 0, err
	}

	for i, text := range pages {
		if strings.TrimSpace(text) != "" || e.rasterizer == nil || e.ocr == nil {
			continue
		}
		if ctx.Err() != nil {
			return "", len(pages), ctx.Err()
		}
		img, err := e.rasterizer.Rasterize(ctx, body, i+1)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to rasterize pdf page", "url", source, "page", i+1, "error", err)
			continue
		}
		ocrText, err := e.ocr.Recognize(ctx, img)
		if err != nil {
			e.logger.WarnContext(ctx, "ocr failed on pdf page", "url", source, "page", i+1, "error", err)
			continue
		}
		pages[i] = ocrText
	}

	var parts []string
	for _, text := range pages {
		if t := strings.TrimSpace(text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), len(pages), nil
}

// pdfPages returns the embedded text of each page in page order. Pages that
// fail to decode come back empty so OCR can have a go at them.
func pdfPages(body []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: pdf parser: %v", ErrMalformed, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	n := reader.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}
