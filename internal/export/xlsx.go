// Package export writes stored reports to an Excel workbook for reviewers
// and downstream analytics.
package export

import (
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/mov-extract/internal/model"
)

// Sheet names.
const (
	SheetReports     = "Reports"
	SheetQuestions   = "Questions"
	SheetActionItems = "ActionItems"
)

var (
	reportHeader = []string{
		"document_id", "protocol_number", "site_number", "country", "institution",
		"visit_type", "visit_start_date", "visit_end_date", "status", "version",
		"completeness_score", "overall_confidence", "errors", "warnings", "review_reasons",
	}
	questionHeader = []string{
		"document_id", "question_id", "question_text", "answer", "sentiment",
		"confidence", "source", "key_finding",
	}
	actionHeader = []string{
		"document_id", "item_number", "description", "action_to_be_taken",
		"responsible_party", "due_date", "status",
	}
)

// WriteWorkbook writes reports as a three-sheet workbook to w.
func WriteWorkbook(w io.Writer, reports []model.StoredReport) error {
	f, err := build(reports)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "xlsx: write workbook")
}

// SaveWorkbook writes the workbook to path.
func SaveWorkbook(path string, reports []model.StoredReport) error {
	out, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "xlsx: create %s", path)
	}
	if err := WriteWorkbook(out, reports); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(out.Close(), "xlsx: close %s", path)
}

func build(reports []model.StoredReport) (*xlsx.File, error) {
	f := xlsx.NewFile()
	rs, err := addSheet(f, SheetReports, reportHeader)
	if err != nil {
		return nil, err
	}
	qs, err := addSheet(f, SheetQuestions, questionHeader)
	if err != nil {
		return nil, err
	}
	as, err := addSheet(f, SheetActionItems, actionHeader)
	if err != nil {
		return nil, err
	}

	for _, s := range reports {
		r := s.Report
		row := rs.AddRow()
		addStrings(row, s.ID(), r.ProtocolNumber, r.SiteInfo.SiteNumber, r.SiteInfo.Country,
			r.SiteInfo.Institution, string(r.VisitType), string(r.VisitStartDate), string(r.VisitEndDate),
			string(s.Status))
		row.AddCell().SetInt(s.Version)
		row.AddCell().SetFloat(r.CompletenessScore)
		row.AddCell().SetFloat(r.OverallConfidence)
		row.AddCell().SetInt(len(s.Validation.Errors))
		row.AddCell().SetInt(len(s.Validation.Warnings))
		row.AddCell().SetString(strings.Join(s.Decision.Reasons, "; "))

		for _, q := range r.QuestionResponses {
			row := qs.AddRow()
			row.AddCell().SetString(s.ID())
			row.AddCell().SetInt(q.QuestionID)
			addStrings(row, q.QuestionText, string(q.Answer), string(q.Sentiment))
			row.AddCell().SetFloat(q.Confidence)
			addStrings(row, string(q.Source), q.KeyFinding)
		}

		for _, a := range r.ActionItems {
			row := as.AddRow()
			row.AddCell().SetString(s.ID())
			row.AddCell().SetInt(a.ItemNumber)
			addStrings(row, a.Description, a.ActionToBeTaken, a.ResponsibleParty, a.DueDate, a.Status)
		}
	}
	return f, nil
}

func addSheet(f *xlsx.File, name string, header []string) (*xlsx.Sheet, error) {
	sheet, err := f.AddSheet(name)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: add sheet %s", name)
	}
	addStrings(sheet.AddRow(), header...)
	return sheet, nil
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
