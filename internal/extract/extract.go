// Package extract turns fetched resources into plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"scoutrag/backend/internal/crawler"
)

var (
	ErrUnsupportedContent = errors.New("unsupported content type")
	ErrMalformed          = errors.New("malformed content")
	ErrOCRUnavailable     = errors.New("ocr engine unavailable")
)

// Document is the text derived from one resource. A failed extraction yields
// a Document with empty Text and Err set.
type Document struct {
	SourceURL   string
	ContentType crawler.ContentType
	Text        string
	Pages       int
	ExtractedAt time.Time
	Err         error
}

func (d Document) Empty() bool {
	return strings.TrimSpace(d.Text) == ""
}

// OCR recognises text in an encoded image (PNG, JPEG, TIFF, ...).
type OCR interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Rasterizer renders a single 1-based PDF page to an image.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, page int) ([]byte, error)
}

type Extractor struct {
	ocr        OCR
	rasterizer Rasterizer
	logger     *slog.Logger
	now        func() time.Time
}

func New(ocr OCR, rasterizer Rasterizer, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{ocr: ocr, rasterizer: rasterizer, logger: logger, now: time.Now}
}

// Extract never fails: errors are logged and reported on the Document.
func (e *Extractor) Extract(ctx context.Context, res crawler.Resource) (doc Document) {
	doc = Document{
		SourceURL:   res.URL,
		ContentType: res.ContentType,
		ExtractedAt: e.now().UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			doc.Text = ""
			doc.Err = fmt.Errorf("%w: extractor panic: %v", ErrMalformed, r)
			e.logger.ErrorContext(ctx, "extraction panicked", "url", res.URL, "content_type", res.ContentType, "error", doc.Err)
		}
	}()

	var err error
	switch res.ContentType {
	case crawler.ContentHTML:
		doc.Text, err = HTMLText(res.Body)
	case crawler.ContentPDF:
		doc.Text, doc.Pages, err = e.pdfText(ctx, res.URL, res.Body)
	case crawler.ContentImage:
		doc.Text, err = e.imageText(ctx, res.Body)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedContent, res.ContentType)
	}

	if err != nil {
		doc.Text = ""
		doc.Err = err
		e.logger.WarnContext(ctx, "extraction failed", "url", res.URL, "content_type", res.ContentType, "error", err)
		return doc
	}

	doc.Text = strings.TrimSpace(doc.Text)
	e.logger.DebugContext(ctx, "extracted text", "url", res.URL, "content_type", res.ContentType, "chars", len(doc.Text))
	return doc
}

func (e *Extractor) imageText(ctx context.Context, body []byte) (string, error) {
	if e.ocr == nil {
		return "", ErrOCRUnavailable
	}
	if len(body) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrMalformed)
	}
	return e.ocr.Recognize(ctx, body)
}
