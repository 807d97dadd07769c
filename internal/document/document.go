// Package document converts PDF and DOCX reports into normalized text
// segments tagged with page and paragraph positions.
package document

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrUnreadableDocument means the document has no extractable text layer.
// It is terminal for the document.
var ErrUnreadableDocument = eris.New("document: no extractable text")

// Format is a supported input format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts "pdf", ".docx", "DOCX" and so on.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".") {
	case "pdf":
		return FormatPDF, nil
	case "docx":
		return FormatDOCX, nil
	}
	return "", eris.Errorf("document: unsupported format %q", s)
}

// DetectFormat sniffs the content first and falls back to the file
// extension.
func DetectFormat(filename string, data []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return FormatPDF, nil
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return FormatDOCX, nil
	}
	return ParseFormat(filepath.Ext(filename))
}

// PageMarker is the line String() writes before page n.
func PageMarker(n int) string {
	return fmt.Sprintf("--- PAGE %d ---", n)
}

// Segment is one paragraph of normalized text.
type Segment struct {
	Page      int    `json:"page"`
	Paragraph int    `json:"paragraph"`
	Text      string `json:"text"`
}

// Text is the ordered output of extraction.
type Text struct {
	Segments []Segment `json:"segments"`
	Pages    int       `json:"pages"`
}

// String renders the text with a marker line before each page and blank
// lines between paragraphs.
func (t *Text) String() string {
	var b strings.Builder
	page := 0
	for i, s := range t.Segments {
		if s.Page != page {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			page = s.Page
			b.WriteString(PageMarker(page))
			b.WriteByte('\n')
		} else if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

// Window returns the slice of String() between the given fractions of its
// length, widened to line boundaries.
func (t *Text) Window(start, end float64) string {
	return Window(t.String(), start, end)
}

// Window cuts s between the fractions start and end of its length (in
// bytes), widening the cut to whole lines.
func Window(s string, start, end float64) string {
	if start < 0 {
		start = 0
	}
	if end > 1 {
		end = 1
	}
	if start >= end || s == "" {
		return ""
	}
	lo := int(float64(len(s)) * start)
	hi := int(float64(len(s)) * end)
	if i := strings.LastIndexByte(s[:lo], '\n'); i >= 0 {
		lo = i + 1
	} else {
		lo = 0
	}
	if i := strings.IndexByte(s[hi:], '\n'); i >= 0 {
		hi += i
	} else {
		hi = len(s)
	}
	return s[lo:hi]
}

// Empty reports whether no segment carries a letter or digit.
func (t *Text) Empty() bool {
	for _, s := range t.Segments {
		if strings.IndexFunc(s.Text, func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		}) >= 0 {
			return false
		}
	}
	return true
}

// PageTextExtractor is an external text-layer reader used when the
// built-in PDF reader finds nothing. Pages are returned in order.
type PageTextExtractor interface {
	ExtractPages(ctx context.Context, pdf []byte) ([]string, error)
}

// Extractor turns document bytes into Text. The zero value is usable.
type Extractor struct {
	fallback PageTextExtractor
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithFallback sets the extractor tried when a PDF yields no text.
func WithFallback(f PageTextExtractor) Option {
	return func(e *Extractor) { e.fallback = f }
}

// NewExtractor creates an Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract reads data in the given format. It returns ErrUnreadableDocument
// when the document cannot be opened or holds no text.
func (e *Extractor) Extract(ctx context.Context, data []byte, format Format) (*Text, error) {
	var (
		pages [][]string
		err   error
	)
	switch format {
	case FormatPDF:
		pages, err = e.extractPDF(ctx, data)
	case FormatDOCX:
		pages, err = extractDOCX(data)
	default:
		return nil, eris.Errorf("document: unsupported format %q", format)
	}
	if err != nil {
		return nil, err
	}

	text := buildText(pages)
	if text.Empty() {
		return nil, eris.Wrapf(ErrUnreadableDocument, "%s: empty text layer", format)
	}
	zap.L().Debug("document: extracted text",
		zap.String("format", string(format)),
		zap.Int("pages", text.Pages),
		zap.Int("segments", len(text.Segments)),
	)
	return text, nil
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte) ([][]string, error) {
	pages, readErr := readPDF(ctx, data)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if e.fallback == nil || (readErr == nil && hasText(pages)) {
		return pages, readErr
	}

	zap.L().Info("document: pdf has no usable text layer, trying fallback extractor", zap.NamedError("read_error", readErr))
	raw, err := e.fallback.ExtractPages(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Warn("document: fallback extractor failed", zap.Error(err))
		return pages, readErr
	}
	out := make([][]string, len(raw))
	for i, p := range raw {
		out[i] = splitParagraphs(p)
	}
	return out, nil
}

func hasText(pages [][]string) bool {
	for _, p := range pages {
		for _, para := range p {
			if strings.TrimSpace(para) != "" {
				return true
			}
		}
	}
	return false
}

// buildText normalizes raw page paragraphs into numbered segments.
func buildText(pages [][]string) *Text {
	t := &Text{Pages: len(pages)}
	for pi, paras := range pages {
		n := 0
		for _, p := range paras {
			for _, sub := range splitParagraphs(Normalize(p)) {
				n++
				t.Segments = append(t.Segments, Segment{Page: pi + 1, Paragraph: n, Text: sub})
			}
		}
	}
	return t
}
