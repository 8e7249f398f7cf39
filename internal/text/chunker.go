package text

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrInvalidWindow = errors.New("invalid chunk window")

const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200
	DefaultTolerance = 100
)

// Chunk is a window over a document's text. Start and End are rune offsets
// into the normalized document text (see Normalize).
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// Chunker splits text into fixed-size overlapping windows.
type Chunker struct {
	size      int
	overlap   int
	tolerance int
}

func NewChunker(size, overlap, tolerance int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidWindow, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidWindow, overlap, size)
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("%w: tolerance %d", ErrInvalidWindow, tolerance)
	}
	return &Chunker{size: size, overlap: overlap, tolerance: tolerance}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Normalize trims doc, collapses runs of spaces and tabs to one space and
// keeps at most two consecutive line breaks.
func Normalize(doc string) string {
	var b strings.Builder
	b.Grow(len(doc))
	spaces, breaks := 0, 0
	for _, r := range strings.TrimSpace(doc) {
		switch {
		case r == '\n':
			spaces = 0
			breaks++
			if breaks <= 2 {
				b.WriteRune(r)
			}
		case unicode.IsSpace(r):
			if spaces == 0 && breaks == 0 {
				b.WriteRune(' ')
			}
			spaces++
		default:
			spaces, breaks = 0, 0
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Chunk splits the normalized doc into windows of at most size runes.
// Consecutive windows share exactly overlap runes. A window is shortened to
// end before the nearest whitespace within tolerance, otherwise it is cut
// hard. Every window is kept, so the overlap holds between all neighbours.
func (c *Chunker) Chunk(doc string) []Chunk {
	doc = Normalize(doc)
	if doc == "" {
		return nil
	}

	runes := []rune(doc)
	n := len(runes)

	var chunks []Chunk
	start := 0
	for {
		end := start + c.size
		if end >= n {
			end = n
		} else {
			end = c.boundary(runes, start, end)
		}

		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})

		if end == n {
			break
		}
		start = end - c.overlap
	}
	return chunks
}

// boundary moves end back onto whitespace. The window never shrinks to
// overlap runes or fewer so every step advances.
func (c *Chunker) boundary(runes []rune, start, end int) int {
	lo := end - c.tolerance
	if floor := start + c.overlap + 1; lo < floor {
		lo = floor
	}
	for b := end; b >= lo; b-- {
		if unicode.IsSpace(runes[b]) {
			return b
		}
	}
	return end
}
