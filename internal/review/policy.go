// Package review decides which reports need human adjudication and
// enforces the report lifecycle.
package review

import (
	"fmt"
	"sort"

	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/model"
)

// Policy routes validated reports to auto-approval or the review queue.
type Policy struct {
	autoApprove      float64
	reviewConfidence float64
}

// NewPolicy creates a Policy from the configured thresholds.
func NewPolicy(th config.ThresholdsConfig) *Policy {
	return &Policy{autoApprove: th.AutoApprove, reviewConfidence: th.ReviewConfidence}
}

// Decide returns auto-approved only when validation raised nothing, the
// overall confidence reaches the auto-approve threshold and no always-review
// condition holds. Otherwise the decision lists every reason and the fields
// a reviewer should look at.
func (p *Policy) Decide(r *model.MOVReport, vr model.ValidationReport) model.ReviewDecision {
	var reasons []string
	fields := map[string]bool{}

	if n := len(vr.Errors); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d validation errors", n))
	}
	if n := len(vr.Warnings); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d validation warnings", n))
	}
	for _, list := range [][]model.ValidationIssue{vr.Errors, vr.Warnings} {
		for _, i := range list {
			if i.Field != "" {
				fields[i.Field] = true
			}
		}
	}
	if vr.OverallConfidence < p.autoApprove {
		reasons = append(reasons, fmt.Sprintf("overall confidence %.2f below %.2f", vr.OverallConfidence, p.autoApprove))
	}
	for _, f := range r.Fields {
		if f.Resolved() && f.Confidence < p.reviewConfidence {
			fields[f.Key] = true
		}
	}

	// Always-review conditions. A flag that could not be read is treated
	// like a raised one.
	for _, rf := range r.RiskAssessment.Flags() {
		switch {
		case rf.Value == nil:
			reasons = append(reasons, "risk flag unresolved: "+rf.Key)
			fields[rf.Key] = true
		case *rf.Value:
			reasons = append(reasons, "risk flag raised: "+rf.Key)
			fields[rf.Key] = true
		}
	}
	for _, q := range CriticalFindings(r) {
		k := model.QuestionKey(q.QuestionID)
		reasons = append(reasons, fmt.Sprintf("critical finding on question %d", q.QuestionID))
		fields[k] = true
	}
	for _, f := range r.Fields {
		if f.Source == model.SourceHumanReview {
			reasons = append(reasons, "human correction on "+f.Key)
			fields[f.Key] = true
		}
	}

	if len(reasons) == 0 {
		return model.ReviewDecision{Status: model.StatusAutoApproved}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return model.KeyLess(keys[i], keys[j]) })
	return model.ReviewDecision{Status: model.StatusNeedsReview, Reasons: reasons, ReviewFields: keys}
}

// CriticalFindings returns the responses answered No with a key finding.
func CriticalFindings(r *model.MOVReport) []model.QuestionResponse {
	var out []model.QuestionResponse
	for _, q := range r.QuestionResponses {
		if q.Answer == model.AnswerNo && q.KeyFinding != "" {
			out = append(out, q)
		}
	}
	return out
}
