package document

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// readPDF returns one entry per page, each holding the page text as a
// single paragraph-delimited string.
func readPDF(ctx context.Context, data []byte) (pages [][]string, err error) {
	// The reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, eris.Wrapf(ErrUnreadableDocument, "pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrapf(ErrUnreadableDocument, "pdf: open: %v", err)
	}

	n := r.NumPage()
	pages = make([][]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, nil)
			continue
		}
		text, perr := pageText(p)
		if perr != nil {
			zap.L().Warn("document: pdf page unreadable", zap.Int("page", i), zap.Error(perr))
			pages = append(pages, nil)
			continue
		}
		pages = append(pages, []string{text})
	}
	return pages, nil
}

func pageText(p pdf.Page) (string, error) {
	rows, err := p.GetTextByRow()
	if err != nil {
		return p.GetPlainText(nil)
	}

	sorted := make([]*pdf.Row, 0, len(rows))
	for _, row := range rows {
		if row != nil && len(row.Content) > 0 {
			sorted = append(sorted, row)
		}
	}
	// PDF y grows upward; read top to bottom.
	sort.SliceStable(sorted, func(i, j int) bool {
		return avgY(sorted[i].Content) > avgY(sorted[j].Content)
	})

	var b strings.Builder
	prevY := 0.0
	for i, row := range sorted {
		line := rowText(row.Content)
		if strings.TrimSpace(line) == "" {
			continue
		}
		y := avgY(row.Content)
		// A vertical gap of more than two line heights starts a new paragraph.
		if i > 0 && prevY-y > 2*lineHeight(row.Content) {
			b.WriteString("\n")
		}
		b.WriteString(line)
		b.WriteString("\n")
		prevY = y
	}
	return b.String(), nil
}

func avgY(texts []pdf.Text) float64 {
	if len(texts) == 0 {
		return 0
	}
	var sum float64
	for _, t := range texts {
		sum += t.Y
	}
	return sum / float64(len(texts))
}

func lineHeight(texts []pdf.Text) float64 {
	h := 0.0
	for _, t := range texts {
		h = max(h, t.FontSize)
	}
	if h <= 0 {
		h = 12
	}
	return h
}

// rowText joins the glyph runs of a row left to right, inserting a space
// where the horizontal gap exceeds a fifth of the font size.
func rowText(texts []pdf.Text) string {
	sorted := make([]pdf.Text, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var b strings.Builder
	for i, t := range sorted {
		b.WriteString(t.S)
		if i == len(sorted)-1 {
			break
		}
		size := t.FontSize
		if size <= 0 {
			size = 12
		}
		if gap := sorted[i+1].X - (t.X + t.W); gap > size*0.2 {
			b.WriteString(" ")
		}
	}
	return b.String()
}
