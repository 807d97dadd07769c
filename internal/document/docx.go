package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// docxParagraphsPerPage approximates pagination; Word does not store page
// boundaries unless it rendered them.
const docxParagraphsPerPage = 50

// extractDOCX reads word/document.xml. Table rows become one paragraph
// with cells joined by " | ".
func extractDOCX(data []byte) ([][]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrapf(ErrUnreadableDocument, "docx: open: %v", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return nil, eris.Wrap(ErrUnreadableDocument, "docx: word/document.xml not found")
	}
	rc, err := doc.Open()
	if err != nil {
		return nil, eris.Wrapf(ErrUnreadableDocument, "docx: open document.xml: %v", err)
	}
	defer rc.Close() //nolint:errcheck

	w := &docxWalker{}
	if err := w.walk(xml.NewDecoder(rc)); err != nil {
		return nil, eris.Wrapf(ErrUnreadableDocument, "docx: parse document.xml: %v", err)
	}
	return w.finish(), nil
}

type docxWalker struct {
	pages      [][]string
	cur        []string
	para       strings.Builder
	cell       strings.Builder
	cells      []string
	tableDepth int
	inText     bool
	pageBreak  bool
}

func (w *docxWalker) walk(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			w.start(el)
		case xml.EndElement:
			w.end(el.Name.Local)
		case xml.CharData:
			if w.inText {
				w.para.Write(el)
			}
		}
	}
}

func (w *docxWalker) start(el xml.StartElement) {
	switch el.Name.Local {
	case "t":
		w.inText = true
	case "tab":
		w.para.WriteByte('\t')
	case "br", "cr":
		if attr(el, "type") == "page" {
			w.breakPage()
		} else {
			w.para.WriteByte('\n')
		}
	case "lastRenderedPageBreak":
		w.breakPage()
	case "p":
		w.para.Reset()
	case "tbl":
		w.tableDepth++
	case "tr":
		if w.tableDepth == 1 {
			w.cells = w.cells[:0]
		}
	case "tc":
		if w.tableDepth == 1 {
			w.cell.Reset()
		}
	}
}

func (w *docxWalker) end(name string) {
	switch name {
	case "t":
		w.inText = false
	case "p":
		text := strings.TrimSpace(w.para.String())
		w.para.Reset()
		if w.tableDepth > 0 {
			if text != "" {
				if w.cell.Len() > 0 {
					w.cell.WriteByte(' ')
				}
				w.cell.WriteString(text)
			}
			return
		}
		w.addParagraph(text)
	case "tc":
		if w.tableDepth == 1 {
			w.cells = append(w.cells, strings.TrimSpace(w.cell.String()))
		}
	case "tr":
		if w.tableDepth == 1 {
			w.addParagraph(strings.Join(w.cells, " | "))
		}
	case "tbl":
		w.tableDepth--
	}
}

// breakPage starts a new page now if the current paragraph is empty, or
// after it otherwise.
func (w *docxWalker) breakPage() {
	if w.para.Len() == 0 && w.tableDepth == 0 {
		w.newPage()
		return
	}
	w.pageBreak = true
}

func (w *docxWalker) addParagraph(text string) {
	if strings.Trim(text, " |") != "" {
		w.cur = append(w.cur, text)
	}
	if w.pageBreak || len(w.cur) >= docxParagraphsPerPage {
		w.newPage()
	}
}

func (w *docxWalker) newPage() {
	w.pageBreak = false
	if len(w.cur) == 0 {
		return
	}
	w.pages = append(w.pages, w.cur)
	w.cur = nil
}

func (w *docxWalker) finish() [][]string {
	w.newPage()
	return w.pages
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
