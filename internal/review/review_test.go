package review

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/merge"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/validate"
)

var at = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)

func thresholds() config.ThresholdsConfig {
	return config.ThresholdsConfig{
		AutoApprove:             0.85,
		FuzzyMatch:              0.85,
		CompletenessWarning:     0.70,
		ReviewConfidence:        0.70,
		ModelConfidenceCap:      0.75,
		DeterministicConfidence: 0.95,
		RecruitmentTolerance:    2,
	}
}

type fixture struct {
	cat       *catalog.Catalog
	validator *validate.Validator
	policy    *Policy
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cat, err := catalog.Default(0.85)
	require.NoError(t, err)
	return fixture{cat: cat, validator: validate.New(thresholds(), cat), policy: NewPolicy(thresholds())}
}

func f(key string, v any, src model.Source, conf float64) model.ExtractionField {
	return model.ExtractionField{Key: key, Value: v, Source: src, Confidence: conf, Evidence: "excerpt"}
}

// report builds a clean, fully answered report and applies edits to its
// fields before assembly.
func (fx fixture) report(edits ...model.ExtractionField) (*model.MOVReport, model.ValidationReport) {
	d := model.SourceDeterministic
	fields := []model.ExtractionField{
		f(model.KeyProtocolNumber, "ABC-123", d, 0.95),
		f(model.KeySiteNumber, "123456", d, 0.95),
		f(model.KeyCountry, "France", d, 0.95),
		f(model.KeyInstitution, "Hopital Central", d, 0.95),
		f(model.KeyPIFirstName, "Anna", d, 0.95),
		f(model.KeyPILastName, "Martin", d, 0.95),
		f(model.KeyOversightStaffName, "J. Doe", d, 0.95),
		f(model.KeyVisitStartDate, model.Date("2024-03-12"), d, 0.95),
		f(model.KeyVisitEndDate, model.Date("2024-03-13"), d, 0.95),
		f(model.KeyVisitType, model.VisitIMV, d, 0.95),
		f(model.KeyScreened, 50, d, 0.95),
		f(model.KeyScreenFailures, 8, d, 0.95),
		f(model.KeyRandomizedEnrolled, 40, d, 0.95),
		f(model.KeyEarlyDiscontinued, 2, d, 0.95),
		f(model.KeyCompletedTreatment, 30, d, 0.95),
		f(model.KeyCompletedStudy, 20, d, 0.95),
		f(model.KeySiteLevelRisk, false, d, 0.95),
		f(model.KeyCRALevelRisk, false, d, 0.95),
		f(model.KeyCountryLevelImpact, false, d, 0.95),
		f(model.KeyStudyLevelImpact, false, d, 0.95),
		f(model.KeyActionItems, []model.ActionItem{{
			ItemNumber: 1, Description: "ISF incomplete", ActionToBeTaken: "File log",
			ResponsibleParty: "Site", DueDate: "2024-04-01",
		}}, model.SourceModelAssisted, 0.75),
	}
	for _, id := range fx.cat.IDs() {
		fields = append(fields, f(model.QuestionKey(id), model.QuestionValue{Answer: model.AnswerYes}, d, 0.95))
	}
	fields = merge.Override(fields, edits...)
	r := merge.Assemble(merge.Meta{DocumentID: "doc-7", Filename: "MOV_123456_a.pdf", ExtractedAt: at}, fields, fx.cat)
	vr := fx.validator.Validate(r)
	r.Score(vr)
	return r, vr
}

func TestDecide(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	asst := model.SourceModelAssisted
	lowQuestions := func() []model.ExtractionField {
		var out []model.ExtractionField
		for id := 56; id <= 70; id++ {
			out = append(out, f(model.QuestionKey(id), model.QuestionValue{Answer: model.AnswerYes}, asst, 0.6))
		}
		for id := 71; id <= 85; id++ {
			out = append(out, model.Unresolved(model.QuestionKey(id), asst))
		}
		return out
	}
	unresolved := func(src model.Source, keys ...string) []model.ExtractionField {
		out := make([]model.ExtractionField, 0, len(keys))
		for _, k := range keys {
			out = append(out, model.Unresolved(k, src))
		}
		return out
	}

	tests := []struct {
		name       string
		edits      []model.ExtractionField
		want       model.ReviewStatus
		wantField  string
		wantReason string
		notReason  string
	}{
		{name: "clean", want: model.StatusAutoApproved},
		{
			name:       "partial model-assisted extraction",
			edits:      lowQuestions(),
			want:       model.StatusNeedsReview,
			wantField:  model.QuestionKey(56),
			wantReason: "overall confidence",
		},
		{
			name:       "dates out of order",
			edits:      []model.ExtractionField{f(model.KeyVisitStartDate, model.Date("2024-03-20"), model.SourceDeterministic, 0.95)},
			want:       model.StatusNeedsReview,
			wantField:  model.KeyVisitEndDate,
			wantReason: "validation errors",
		},
		{
			name:       "risk flag",
			edits:      []model.ExtractionField{f(model.KeySiteLevelRisk, true, asst, 0.75)},
			want:       model.StatusNeedsReview,
			wantField:  model.KeySiteLevelRisk,
			wantReason: "risk flag raised",
		},
		{
			name:       "risk flags unresolved",
			edits:      unresolved(asst, model.RiskKeys...),
			want:       model.StatusNeedsReview,
			wantField:  model.KeyStudyLevelImpact,
			wantReason: "risk flag unresolved: " + model.KeySiteLevelRisk,
			notReason:  "validation errors",
		},
		{
			name:       "one risk flag unresolved",
			edits:      unresolved(model.SourceDeterministic, model.KeyCountryLevelImpact),
			want:       model.StatusNeedsReview,
			wantField:  model.KeyCountryLevelImpact,
			wantReason: "risk flag unresolved",
		},
		{
			name:       "recruitment count unresolved",
			edits:      unresolved(model.SourceDeterministic, model.KeyScreened),
			want:       model.StatusNeedsReview,
			wantField:  model.KeyScreened,
			wantReason: "validation warnings",
			notReason:  "validation errors",
		},
		{
			name:  "optional header unresolved",
			edits: unresolved(asst, model.KeyCity),
			want:  model.StatusAutoApproved,
		},
		{
			name: "critical finding",
			edits: []model.ExtractionField{f(model.QuestionKey(12),
				model.QuestionValue{Answer: model.AnswerNo, KeyFinding: "consent missing"}, model.SourceDeterministic, 0.95)},
			want:       model.StatusNeedsReview,
			wantField:  model.QuestionKey(12),
			wantReason: "critical finding",
		},
		{
			name:  "no without finding is not critical",
			edits: []model.ExtractionField{f(model.QuestionKey(12), model.QuestionValue{Answer: model.AnswerNo}, model.SourceDeterministic, 0.95)},
			want:  model.StatusAutoApproved,
		},
		{
			name:       "human correction",
			edits:      []model.ExtractionField{f(model.KeyCountry, "Belgium", model.SourceHumanReview, 1)},
			want:       model.StatusNeedsReview,
			wantField:  model.KeyCountry,
			wantReason: "human correction",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, vr := fx.report(tt.edits...)
			d := fx.policy.Decide(r, vr)
			assert.Equal(t, tt.want, d.Status)
			if tt.want == model.StatusAutoApproved {
				assert.Empty(t, d.Reasons)
				return
			}
			assert.Contains(t, d.ReviewFields, tt.wantField)
			found := false
			for _, reason := range d.Reasons {
				if strings.Contains(reason, tt.wantReason) {
					found = true
				}
			}
			assert.True(t, found, "reasons %v", d.Reasons)
			if tt.notReason != "" {
				for _, reason := range d.Reasons {
					assert.NotContains(t, reason, tt.notReason)
				}
			}
		})
	}
}

func TestDecide_ConfidenceBoundary(t *testing.T) {
	t.Parallel()

	p := NewPolicy(thresholds())
	no := false
	r := &model.MOVReport{RiskAssessment: model.RiskAssessment{
		SiteLevelRisk: &no, CRALevelRisk: &no, CountryLevelImpact: &no, StudyLevelImpact: &no,
	}}
	assert.Equal(t, model.StatusAutoApproved, p.Decide(r, model.ValidationReport{OverallConfidence: 0.85}).Status)
	assert.Equal(t, model.StatusNeedsReview, p.Decide(r, model.ValidationReport{OverallConfidence: 0.8499}).Status)

	warn := model.ValidationReport{
		OverallConfidence: 0.99,
		Warnings:          []model.ValidationIssue{{Rule: "completeness", Severity: model.SeverityWarning}},
	}
	assert.Equal(t, model.StatusNeedsReview, p.Decide(r, warn).Status)

	d := p.Decide(&model.MOVReport{}, model.ValidationReport{OverallConfidence: 1})
	assert.Equal(t, model.StatusNeedsReview, d.Status, "unread risk flags are never auto-approved")
	assert.Len(t, d.Reasons, 4)
	assert.Equal(t, []string{
		model.KeyCountryLevelImpact, model.KeyCRALevelRisk, model.KeySiteLevelRisk, model.KeyStudyLevelImpact,
	}, d.ReviewFields)
}

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    model.ReviewStatus
		to      model.ReviewStatus
		actor   string
		wantErr error
	}{
		{model.StatusDraft, model.StatusAutoApproved, "", nil},
		{model.StatusDraft, model.StatusNeedsReview, "", nil},
		{model.StatusNeedsReview, model.StatusApproved, "alice", nil},
		{model.StatusNeedsReview, model.StatusRejected, "alice", nil},
		{model.StatusAutoApproved, model.StatusRejected, "bob", nil},
		{model.StatusNeedsReview, model.StatusApproved, "  ", ErrActorRequired},
		{model.StatusDraft, model.StatusApproved, "alice", ErrIllegalTransition},
		{model.StatusApproved, model.StatusRejected, "alice", ErrIllegalTransition},
		{model.StatusRejected, model.StatusNeedsReview, "alice", ErrIllegalTransition},
		{model.StatusNeedsReview, model.StatusAutoApproved, "alice", ErrIllegalTransition},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			s := &model.StoredReport{Status: tt.from}
			err := Transition(s, tt.to, tt.actor, at, "note")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.from, s.Status)
				assert.Empty(t, s.Transitions)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, s.Status)
			require.Len(t, s.Transitions, 1)
			tr := s.Transitions[0]
			assert.Equal(t, tt.from, tr.From)
			assert.Equal(t, at, tr.At)
			if tt.actor == "" {
				assert.Equal(t, SystemActor, tr.Actor)
			} else {
				assert.Equal(t, tt.actor, tr.Actor)
			}
		})
	}
}

func TestTransitionLog(t *testing.T) {
	t.Parallel()

	s := &model.StoredReport{Status: model.StatusNeedsReview, Report: model.MOVReport{SourceDocumentID: "doc-1"}}
	require.NoError(t, Transition(s, model.StatusApproved, "alice", at, "looks right"))
	e := TransitionLog(s)
	assert.Equal(t, "doc-1", e.DocumentID)
	assert.Equal(t, model.LogTransition, e.Kind)
	assert.Equal(t, "needs-review -> approved", e.Message)
	assert.Equal(t, "alice", e.Detail["actor"])
}

func stored(fx fixture, edits ...model.ExtractionField) *model.StoredReport {
	r, vr := fx.report(edits...)
	return &model.StoredReport{
		Report:     *r,
		Validation: vr,
		Decision:   fx.policy.Decide(r, vr),
		Status:     model.StatusNeedsReview,
		Version:    1,
	}
}

func TestApplyCorrection(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	c := NewCorrector(fx.cat, fx.validator, fx.policy)
	s := stored(fx, f(model.KeyVisitStartDate, model.Date("2024-03-20"), model.SourceDeterministic, 0.95))
	require.False(t, s.Validation.Valid())

	entry, err := c.ApplyCorrection(s, Correction{
		Key: model.KeyVisitStartDate, Value: json.RawMessage(`"12 March 2024"`), Actor: "alice", At: at,
	})
	require.NoError(t, err)

	assert.True(t, s.Validation.Valid())
	assert.Equal(t, model.Date("2024-03-12"), s.Report.VisitStartDate)
	fld := s.Report.Field(model.KeyVisitStartDate)
	require.NotNil(t, fld)
	assert.Equal(t, model.SourceHumanReview, fld.Source)
	assert.Equal(t, 1.0, fld.Confidence)
	assert.Equal(t, model.StatusNeedsReview, s.Status)
	assert.Equal(t, model.StatusNeedsReview, s.Decision.Status)
	assert.Equal(t, s.Validation.OverallConfidence, s.Report.OverallConfidence)

	assert.Equal(t, model.LogCorrection, entry.Kind)
	assert.Equal(t, model.KeyVisitStartDate, entry.Field)
	assert.Equal(t, model.Date("2024-03-20"), entry.Detail["old_value"])
}

func TestApplyCorrection_ResolvesRiskFlag(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	c := NewCorrector(fx.cat, fx.validator, fx.policy)
	s := stored(fx, model.Unresolved(model.KeyCRALevelRisk, model.SourceModelAssisted))
	require.Nil(t, s.Report.RiskAssessment.CRALevelRisk)
	require.Contains(t, s.Decision.Reasons, "risk flag unresolved: "+model.KeyCRALevelRisk)

	_, err := c.ApplyCorrection(s, Correction{
		Key: model.KeyCRALevelRisk, Value: json.RawMessage(`false`), Actor: "alice", At: at,
	})
	require.NoError(t, err)

	require.NotNil(t, s.Report.RiskAssessment.CRALevelRisk)
	assert.False(t, *s.Report.RiskAssessment.CRALevelRisk)
	assert.NotContains(t, s.Decision.Reasons, "risk flag unresolved: "+model.KeyCRALevelRisk)
	assert.Contains(t, s.Decision.Reasons, "human correction on "+model.KeyCRALevelRisk)
}

func TestApplyCorrection_Question(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	c := NewCorrector(fx.cat, fx.validator, fx.policy)
	s := stored(fx)

	_, err := c.ApplyCorrection(s, Correction{
		Key: model.QuestionKey(4), Value: json.RawMessage(`{"answer":"no","key_finding":"Temperature log gaps"}`), Actor: "bob", At: at,
	})
	require.NoError(t, err)
	q := s.Report.Question(4)
	assert.Equal(t, model.AnswerNo, q.Answer)
	assert.Equal(t, model.SentimentNegative, q.Sentiment)
	assert.Equal(t, model.SourceHumanReview, q.Source)
	want, _ := fx.cat.Lookup(4)
	assert.Equal(t, want.Text, q.QuestionText)
	assert.Contains(t, s.Decision.ReviewFields, model.QuestionKey(4))
}

func TestApplyCorrection_Rejects(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	c := NewCorrector(fx.cat, fx.validator, fx.policy)

	tests := []struct {
		name    string
		status  model.ReviewStatus
		corr    Correction
		wantErr error
	}{
		{"unknown key", model.StatusNeedsReview, Correction{Key: "header.favourite_colour", Value: json.RawMessage(`"red"`), Actor: "a"}, ErrInvalidCorrection},
		{"question outside catalog", model.StatusNeedsReview, Correction{Key: "question.99", Value: json.RawMessage(`{"answer":"Yes"}`), Actor: "a"}, ErrInvalidCorrection},
		{"wrong type", model.StatusNeedsReview, Correction{Key: model.KeyScreened, Value: json.RawMessage(`"many"`), Actor: "a"}, ErrInvalidCorrection},
		{"bad answer", model.StatusNeedsReview, Correction{Key: "question.2", Value: json.RawMessage(`{"answer":"Maybe"}`), Actor: "a"}, ErrInvalidCorrection},
		{"null", model.StatusNeedsReview, Correction{Key: model.KeyCountry, Value: json.RawMessage(`null`), Actor: "a"}, ErrInvalidCorrection},
		{"no actor", model.StatusNeedsReview, Correction{Key: model.KeyCountry, Value: json.RawMessage(`"Spain"`)}, ErrActorRequired},
		{"approved report", model.StatusApproved, Correction{Key: model.KeyCountry, Value: json.RawMessage(`"Spain"`), Actor: "a"}, ErrNotUnderReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := stored(fx)
			s.Status = tt.status
			before := s.Report.SiteInfo.Country
			_, err := c.ApplyCorrection(s, tt.corr)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, before, s.Report.SiteInfo.Country)
		})
	}
}
