// Package validate checks an assembled report against type and business
// rules and scores it.
package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/model"
)

// Rule names, in evaluation order.
const (
	RuleSchema                = "schema"
	RuleQuestionUniqueness    = "question-uniqueness"
	RuleRecruitmentMissing    = "recruitment-missing"
	RuleRecruitmentArithmetic = "recruitment-arithmetic"
	RuleRecruitmentCompletion = "recruitment-completion"
	RuleDateOrdering          = "date-ordering"
	RuleCompleteness          = "completeness"
	RuleActionItems           = "action-items"
	RuleLowConfidence         = "low-confidence"
)

var siteNumberRe = regexp.MustCompile(`^\d{6}$`)

// requiredHeader lists header fields that must be non-empty.
var requiredHeader = []struct {
	key string
	get func(*model.MOVReport) string
}{
	{model.KeyProtocolNumber, func(r *model.MOVReport) string { return r.ProtocolNumber }},
	{model.KeySiteNumber, func(r *model.MOVReport) string { return r.SiteInfo.SiteNumber }},
	{model.KeyCountry, func(r *model.MOVReport) string { return r.SiteInfo.Country }},
	{model.KeyInstitution, func(r *model.MOVReport) string { return r.SiteInfo.Institution }},
	{model.KeyPIFirstName, func(r *model.MOVReport) string { return r.SiteInfo.PIFirstName }},
	{model.KeyPILastName, func(r *model.MOVReport) string { return r.SiteInfo.PILastName }},
	{model.KeyOversightStaffName, func(r *model.MOVReport) string { return r.SiteInfo.OversightStaffName }},
}

// Validator runs the ordered rule set. It holds no mutable state and is
// safe for concurrent use.
type Validator struct {
	th  config.ThresholdsConfig
	cat *catalog.Catalog
}

// New creates a Validator.
func New(th config.ThresholdsConfig, cat *catalog.Catalog) *Validator {
	return &Validator{th: th, cat: cat}
}

type collector struct {
	rule string
	out  *model.ValidationReport
}

func (c *collector) errorf(field, format string, args ...any) {
	c.out.Errors = append(c.out.Errors, model.ValidationIssue{
		Rule: c.rule, Severity: model.SeverityError, Field: field, Message: fmt.Sprintf(format, args...),
	})
}

func (c *collector) warnf(field, format string, args ...any) {
	c.out.Warnings = append(c.out.Warnings, model.ValidationIssue{
		Rule: c.rule, Severity: model.SeverityWarning, Field: field, Message: fmt.Sprintf(format, args...),
	})
}

// Validate runs every rule against r and returns the findings along with
// the completeness score and overall confidence. r is not modified.
func (v *Validator) Validate(r *model.MOVReport) model.ValidationReport {
	out := model.ValidationReport{
		Errors:   []model.ValidationIssue{},
		Warnings: []model.ValidationIssue{},
	}
	rules := []struct {
		name  string
		check func(*model.MOVReport, *collector)
	}{
		{RuleSchema, v.checkSchema},
		{RuleQuestionUniqueness, v.checkUniqueness},
		{RuleRecruitmentMissing, v.checkRecruitmentMissing},
		{RuleRecruitmentArithmetic, v.checkArithmetic},
		{RuleRecruitmentCompletion, v.checkCompletion},
		{RuleDateOrdering, v.checkDates},
		{RuleCompleteness, func(r *model.MOVReport, c *collector) {
			out.CompletenessScore = v.completeness(r, c)
		}},
		{RuleActionItems, v.checkActions},
		{RuleLowConfidence, v.checkConfidence},
	}
	for _, rule := range rules {
		rule.check(r, &collector{rule: rule.name, out: &out})
	}
	out.OverallConfidence = OverallConfidence(r)
	return out
}

func (v *Validator) checkSchema(r *model.MOVReport, c *collector) {
	for _, h := range requiredHeader {
		if strings.TrimSpace(h.get(r)) == "" {
			c.errorf(h.key, "%s is required", h.key)
		}
	}
	if sn := r.SiteInfo.SiteNumber; sn != "" && !siteNumberRe.MatchString(sn) {
		c.errorf(model.KeySiteNumber, "site number %q is not 6 digits", sn)
	}
	if r.VisitType != "" && !r.VisitType.Valid() {
		c.errorf(model.KeyVisitType, "invalid visit type %q", r.VisitType)
	}
	if !r.VisitStartDate.Valid() {
		c.errorf(model.KeyVisitStartDate, "malformed date %q", r.VisitStartDate)
	}
	if !r.VisitEndDate.Valid() {
		c.errorf(model.KeyVisitEndDate, "malformed date %q", r.VisitEndDate)
	}
	if !r.OverallSiteQuality.Valid() {
		c.errorf(model.KeyOverallSiteQuality, "invalid site quality %q", r.OverallSiteQuality)
	}

	for _, n := range r.RecruitmentStats.Counts() {
		if n.Value != nil && *n.Value < 0 {
			c.errorf(n.Key, "%s is negative (%d)", n.Key, *n.Value)
		}
	}

	if len(r.KeyConcerns) > model.MaxHighlights {
		c.errorf(model.KeyKeyConcerns, "%d key concerns, at most %d allowed", len(r.KeyConcerns), model.MaxHighlights)
	}
	if len(r.KeyStrengths) > model.MaxHighlights {
		c.errorf(model.KeyKeyStrengths, "%d key strengths, at most %d allowed", len(r.KeyStrengths), model.MaxHighlights)
	}

	for _, q := range r.QuestionResponses {
		key := model.QuestionKey(q.QuestionID)
		if !v.cat.Has(q.QuestionID) {
			c.errorf(key, "question %d is not in catalog %s", q.QuestionID, v.cat.Version())
		}
		if !q.Answer.Valid() {
			c.errorf(key, "invalid answer %q", q.Answer)
		}
		if !q.Sentiment.Valid() {
			c.errorf(key, "invalid sentiment %q", q.Sentiment)
		}
		switch {
		case q.Source == "" && q.Answer != model.AnswerNotReported:
			c.errorf(key, "answer %q has no source", q.Answer)
		case q.Source != "" && !validSource(q.Source):
			c.errorf(key, "invalid source %q", q.Source)
		}
		if q.Confidence < 0 || q.Confidence > 1 {
			c.errorf(key, "confidence %.2f outside [0,1]", q.Confidence)
		}
		checkLen(c, key, "narrative summary", q.NarrativeSummary, model.MaxNarrativeLen)
		checkLen(c, key, "key finding", q.KeyFinding, model.MaxKeyFindingLen)
		checkLen(c, key, "evidence", q.Evidence, model.MaxEvidenceLen)
	}

	for _, f := range r.Fields {
		if f.Confidence < 0 || f.Confidence > 1 {
			c.errorf(f.Key, "confidence %.2f outside [0,1]", f.Confidence)
		}
		if !validSource(f.Source) {
			c.errorf(f.Key, "invalid source %q", f.Source)
		}
		checkLen(c, f.Key, "evidence", f.Evidence, model.MaxEvidenceLen)
	}
}

func checkLen(c *collector, key, what, s string, limit int) {
	if n := utf8.RuneCountInString(s); n > limit {
		c.errorf(key, "%s is %d characters, limit %d", what, n, limit)
	}
}

func validSource(s model.Source) bool {
	switch s {
	case model.SourceDeterministic, model.SourceModelAssisted, model.SourceHumanReview:
		return true
	}
	return false
}

func (v *Validator) checkUniqueness(r *model.MOVReport, c *collector) {
	seen := make(map[int]int, len(r.QuestionResponses))
	for _, q := range r.QuestionResponses {
		seen[q.QuestionID]++
	}
	ids := make([]int, 0)
	for id, n := range seen {
		if n > 1 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		c.errorf(model.QuestionKey(id), "question %d answered %d times", id, seen[id])
	}
}

// checkRecruitmentMissing warns once per count the document did not yield.
// The arithmetic checks skip any comparison with a missing operand.
func (v *Validator) checkRecruitmentMissing(r *model.MOVReport, c *collector) {
	for _, n := range r.RecruitmentStats.Counts() {
		if n.Value == nil {
			c.warnf(n.Key, "%s was not found in the document", n.Key)
		}
	}
}

func (v *Validator) checkArithmetic(r *model.MOVReport, c *collector) {
	rs := r.RecruitmentStats
	if rs.Screened == nil || rs.RandomizedEnrolled == nil || rs.ScreenFailures == nil {
		return
	}
	screened, randomized, failures := *rs.Screened, *rs.RandomizedEnrolled, *rs.ScreenFailures
	if screened < randomized+failures-v.th.RecruitmentTolerance {
		c.errorf(model.KeyScreened,
			"screened (%d) is less than randomized (%d) + screen failures (%d) beyond tolerance %d",
			screened, randomized, failures, v.th.RecruitmentTolerance)
	}
}

func (v *Validator) checkCompletion(r *model.MOVReport, c *collector) {
	rs := r.RecruitmentStats
	if rs.RandomizedEnrolled == nil {
		return
	}
	randomized := *rs.RandomizedEnrolled
	if rs.EarlyDiscontinued != nil && rs.CompletedTreatment != nil &&
		randomized < *rs.EarlyDiscontinued+*rs.CompletedTreatment {
		c.warnf(model.KeyRandomizedEnrolled,
			"randomized (%d) is less than early discontinued (%d) + completed treatment (%d)",
			randomized, *rs.EarlyDiscontinued, *rs.CompletedTreatment)
	}
	if rs.EarlyDiscontinued != nil && *rs.EarlyDiscontinued > randomized {
		c.warnf(model.KeyEarlyDiscontinued, "early discontinued (%d) exceeds randomized (%d)",
			*rs.EarlyDiscontinued, randomized)
	}
	if rs.CompletedStudy != nil && *rs.CompletedStudy > randomized {
		c.warnf(model.KeyCompletedStudy, "completed study (%d) exceeds randomized (%d)",
			*rs.CompletedStudy, randomized)
	}
}

func (v *Validator) checkDates(r *model.MOVReport, c *collector) {
	start, end := r.VisitStartDate, r.VisitEndDate
	if start.IsZero() {
		c.warnf(model.KeyVisitStartDate, "visit start date is missing")
	}
	if end.IsZero() {
		c.warnf(model.KeyVisitEndDate, "visit end date is missing")
	}
	if start.IsZero() || end.IsZero() || !start.Valid() || !end.Valid() {
		return
	}
	// DateLayout strings compare chronologically.
	if end < start {
		c.errorf(model.KeyVisitEndDate, "visit end date %s is before start date %s", end, start)
	}
}

func (v *Validator) completeness(r *model.MOVReport, c *collector) float64 {
	score := Completeness(r, v.cat.Len())
	if score < v.th.CompletenessWarning {
		c.warnf("", "completeness %.2f is below %.2f (%d of %d questions answered)",
			score, v.th.CompletenessWarning, r.AnsweredCount(), v.cat.Len())
	}
	return score
}

func (v *Validator) checkActions(r *model.MOVReport, c *collector) {
	if len(r.ActionItems) == 0 {
		c.warnf(model.KeyActionItems, "no action items recorded")
		return
	}
	seen := make(map[int]bool, len(r.ActionItems))
	for i, a := range r.ActionItems {
		switch {
		case a.ItemNumber < 1:
			c.errorf(model.KeyActionItems, "action item %d has non-positive number %d", i+1, a.ItemNumber)
		case seen[a.ItemNumber]:
			c.errorf(model.KeyActionItems, "action item number %d is duplicated", a.ItemNumber)
		}
		seen[a.ItemNumber] = true

		var missing []string
		if strings.TrimSpace(a.Description) == "" {
			missing = append(missing, "description")
		}
		if strings.TrimSpace(a.ActionToBeTaken) == "" {
			missing = append(missing, "action to be taken")
		}
		if strings.TrimSpace(a.ResponsibleParty) == "" {
			missing = append(missing, "responsible party")
		}
		if strings.TrimSpace(a.DueDate) == "" {
			missing = append(missing, "due date")
		}
		if len(missing) > 0 {
			c.warnf(model.KeyActionItems, "action item %d is missing %s", a.ItemNumber, strings.Join(missing, ", "))
		}
	}
}

// checkConfidence flags resolved fields below the review threshold.
// Unresolved fields surface through completeness and required-field checks.
func (v *Validator) checkConfidence(r *model.MOVReport, c *collector) {
	var low []string
	for _, f := range r.Fields {
		if f.Resolved() && f.Confidence < v.th.ReviewConfidence {
			low = append(low, f.Key)
		}
	}
	if len(low) == 0 {
		return
	}
	sort.Slice(low, func(i, j int) bool { return model.KeyLess(low[i], low[j]) })
	c.warnf("", "%d fields below confidence %.2f: %s", len(low), v.th.ReviewConfidence, strings.Join(low, ", "))
}

// Completeness is the share of catalog questions with a non-NR answer,
// clamped to [0,1]. Duplicate responses count once.
func Completeness(r *model.MOVReport, total int) float64 {
	if total <= 0 {
		return 0
	}
	answered := make(map[int]bool, len(r.QuestionResponses))
	for _, q := range r.QuestionResponses {
		if q.Answer != model.AnswerNotReported && q.Answer != "" {
			answered[q.QuestionID] = true
		}
	}
	score := float64(len(answered)) / float64(total)
	if score > 1 {
		return 1
	}
	return score
}

// OverallConfidence is the mean confidence of the merged fields with every
// field weighted equally; unresolved fields count as zero. A report without
// field provenance falls back to its question responses.
func OverallConfidence(r *model.MOVReport) float64 {
	if len(r.Fields) > 0 {
		var sum float64
		for _, f := range r.Fields {
			sum += f.Confidence
		}
		return sum / float64(len(r.Fields))
	}
	if len(r.QuestionResponses) == 0 {
		return 0
	}
	var sum float64
	for _, q := range r.QuestionResponses {
		sum += q.Confidence
	}
	return sum / float64(len(r.QuestionResponses))
}
