package extract

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scoutrag/backend/internal/crawler"
)

// buildPDF writes a minimal PDF with one page per content stream.
func buildPDF(contents ...string) []byte {
	var objs []string
	n := len(contents)
	// 1 catalog, 2 pages, 3 font, then page/content pairs.
	kids := ""
	for i := 0; i < n; i++ {
		kids += fmt.Sprintf("%d 0 R ", 4+i*2)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, n),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	)
	for i, c := range contents {
		page := fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+i*2)
		stream := fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(c)+1, c)
		objs = append(objs, page, stream)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func TestPDFPages_EmbeddedText(t *testing.T) {
	body := buildPDF(
		"BT /F1 12 Tf 72 720 Td (Be Prepared) Tj ET",
		"BT /F1 12 Tf 72 720 Td (Second page) Tj ET",
	)

	pages, err := pdfPages(body)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Contains(t, pages[0], "Be Prepared")
	assert.Contains(t, pages[1], "Second page")
}

func TestExtract_PDFPageOrder(t *testing.T) {
	e := New(nil, nil, nil)
	body := buildPDF(
		"BT /F1 12 Tf 72 720 Td (Alpha) Tj ET",
		"BT /F1 12 Tf 72 720 Td (Omega) Tj ET",
	)

	doc := e.Extract(context.Background(), crawler.Resource{URL: "https://x.org/a.pdf", ContentType: crawler.ContentPDF, Body: body})

	require.NoError(t, doc.Err)
	assert.Equal(t, 2, doc.Pages)
	assert.Less(t, bytes.Index([]byte(doc.Text), []byte("Alpha")), bytes.Index([]byte(doc.Text), []byte("Omega")))
}

func TestExtract_ScannedPDFPageUsesOCR(t *testing.T) {
	ocr := new(MockOCR)
	raster := new(MockRasterizer)
	e := New(ocr, raster, nil)

	body := buildPDF(
		"BT /F1 12 Tf 72 720 Td (Typed page) Tj ET",
		"",
	)
	img := []byte("png-bytes")
	raster.On("Rasterize", mock.Anything, body, 2).Return(img, nil)
	ocr.On("Recognize", mock.Anything, img).Return("Scanned page text", nil)

	doc := e.Extract(context.Background(), crawler.Resource{URL: "https://x.org/s.pdf", ContentType: crawler.ContentPDF, Body: body})

	require.NoError(t, doc.Err)
	assert.Contains(t, doc.Text, "Typed page")
	assert.Contains(t, doc.Text, "Scanned page text")
	raster.AssertExpectations(t)
	ocr.AssertExpectations(t)
}

func TestExtract_ScannedPDFWithoutOCRIsEmpty(t *testing.T) {
	e := New(nil, nil, nil)
	doc := e.Extract(context.Background(), crawler.Resource{URL: "https://x.org/s.pdf", ContentType: crawler.ContentPDF, Body: buildPDF("")})

	assert.NoError(t, doc.Err)
	assert.True(t, doc.Empty())
}

func TestExtract_MalformedPDF(t *testing.T) {
	e := New(nil, nil, nil)
	doc := e.Extract(context.Background(), crawler.Resource{URL: "https://x.org/bad.pdf", ContentType: crawler.ContentPDF, Body: []byte("%PDF-1.4 garbage")})

	assert.ErrorIs(t, doc.Err, ErrMalformed)
	assert.True(t, doc.Empty())
	assert.Equal(t, "https://x.org/bad.pdf", doc.SourceURL)
}
