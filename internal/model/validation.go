package model

import "time"

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// ValidationIssue is one rule finding.
type ValidationIssue struct {
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
}

// ValidationReport is the structured outcome of validating a report.
type ValidationReport struct {
	Errors            []ValidationIssue `json:"errors"`
	Warnings          []ValidationIssue `json:"warnings"`
	CompletenessScore float64           `json:"completeness_score"`
	OverallConfidence float64           `json:"overall_confidence"`
}

// Valid reports whether no ERROR-severity issue was raised.
func (v ValidationReport) Valid() bool {
	return len(v.Errors) == 0
}

// HasRule reports whether any issue of the given rule was raised.
func (v ValidationReport) HasRule(rule string) bool {
	for _, list := range [][]ValidationIssue{v.Errors, v.Warnings} {
		for _, i := range list {
			if i.Rule == rule {
				return true
			}
		}
	}
	return false
}

// ReviewDecision is the review policy's verdict.
type ReviewDecision struct {
	Status       ReviewStatus `json:"status"`
	Reasons      []string     `json:"reasons,omitempty"`
	ReviewFields []string     `json:"review_fields,omitempty"`
}

// Transition records one lifecycle move of a stored report.
type Transition struct {
	From  ReviewStatus `json:"from"`
	To    ReviewStatus `json:"to"`
	Actor string       `json:"actor"`
	At    time.Time    `json:"at"`
	Note  string       `json:"note,omitempty"`
}

// StoredReport is the unit of persistence: the aggregate plus everything
// the review surface needs alongside it.
type StoredReport struct {
	Report      MOVReport        `json:"report"`
	Validation  ValidationReport `json:"validation"`
	Decision    ReviewDecision   `json:"decision"`
	Status      ReviewStatus     `json:"status"`
	Transitions []Transition     `json:"transitions"`
	Version     int              `json:"version"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ID is the document id the record is keyed by.
func (s *StoredReport) ID() string {
	return s.Report.SourceDocumentID
}

// Score copies the validator's completeness and confidence onto the report.
func (r *MOVReport) Score(v ValidationReport) {
	r.CompletenessScore = v.CompletenessScore
	r.OverallConfidence = v.OverallConfidence
}
