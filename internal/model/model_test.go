package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnswer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Answer
		err  bool
	}{
		{"Yes", AnswerYes, false},
		{" yes ", AnswerYes, false},
		{"NO", AnswerNo, false},
		{"N/A", AnswerNotApplicable, false},
		{"na", AnswerNotApplicable, false},
		{"Not  Applicable", AnswerNotApplicable, false},
		{"NR", AnswerNotReported, false},
		{"not reported", AnswerNotReported, false},
		{"", AnswerNotReported, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAnswer(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnswerDefaultSentiment(t *testing.T) {
	t.Parallel()
	assert.Equal(t, SentimentPositive, AnswerYes.DefaultSentiment())
	assert.Equal(t, SentimentNegative, AnswerNo.DefaultSentiment())
	assert.Equal(t, SentimentNeutral, AnswerNotApplicable.DefaultSentiment())
	assert.Equal(t, SentimentUnknown, AnswerNotReported.DefaultSentiment())
}

func TestParseVisitType(t *testing.T) {
	t.Parallel()

	vt, err := ParseVisitType("IMV MOV")
	require.NoError(t, err)
	assert.Equal(t, VisitIMV, vt)

	vt, err = ParseVisitType("cov")
	require.NoError(t, err)
	assert.Equal(t, VisitCOV, vt)

	_, err = ParseVisitType("XYZ")
	assert.Error(t, err)
	_, err = ParseVisitType("  ")
	assert.Error(t, err)
}

func TestParseSiteQuality(t *testing.T) {
	t.Parallel()

	q, err := ParseSiteQuality("needs_improvement")
	require.NoError(t, err)
	assert.Equal(t, QualityNeedsImprovement, q)

	q, err = ParseSiteQuality("Needs Improvement")
	require.NoError(t, err)
	assert.Equal(t, QualityNeedsImprovement, q)

	_, err = ParseSiteQuality("stellar")
	assert.Error(t, err)
	assert.True(t, SiteQuality("").Valid())
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Date
	}{
		{"2024-03-15", "2024-03-15"},
		{"15-Mar-2024", "2024-03-15"},
		{"15-MAR-2024", "2024-03-15"},
		{"15 March 2024", "2024-03-15"},
		{"March 15, 2024", "2024-03-15"},
		{"03/15/2024", "2024-03-15"},
		{"15-Mar-2024.", "2024-03-15"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDate("sometime in spring")
	assert.Error(t, err)
}

func TestDateValid(t *testing.T) {
	t.Parallel()
	assert.True(t, Date("").Valid())
	assert.True(t, Date("2024-02-29").Valid())
	assert.False(t, Date("2023-02-29").Valid())
	assert.True(t, Date("2024-01-01") < Date("2024-01-02"))

	tm, err := Date("2024-01-02").Time()
	require.NoError(t, err)
	assert.Equal(t, 2, tm.Day())
}

func TestQuestionKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "question.12", QuestionKey(12))
	id, ok := QuestionID("question.12")
	assert.True(t, ok)
	assert.Equal(t, 12, id)

	_, ok = QuestionID("header.country")
	assert.False(t, ok)
	_, ok = QuestionID("question.zero")
	assert.False(t, ok)
}

func TestExtractionFieldJSONKeepsTypes(t *testing.T) {
	t.Parallel()

	fields := []ExtractionField{
		{Key: KeyScreened, Value: 50, Source: SourceDeterministic, Confidence: 0.95},
		{Key: KeyVisitStartDate, Value: Date("2024-03-15"), Source: SourceDeterministic, Confidence: 0.95},
		{Key: KeyVisitType, Value: VisitIMV, Source: SourceDeterministic, Confidence: 0.95},
		{Key: KeySiteLevelRisk, Value: true, Source: SourceModelAssisted, Confidence: 0.7},
		{Key: QuestionKey(3), Value: QuestionValue{Answer: AnswerNo, KeyFinding: "ICF missing"}, Source: SourceModelAssisted, Confidence: 0.6, Evidence: "no ICF"},
		{Key: KeyActionItems, Value: []ActionItem{{ItemNumber: 1, Description: "d"}}, Source: SourceModelAssisted, Confidence: 0.7},
		{Key: KeyKeyConcerns, Value: []string{"a", "b"}, Source: SourceModelAssisted, Confidence: 0.7},
		{Key: KeyCountry, Value: nil, Source: SourceModelAssisted},
	}

	data, err := json.Marshal(fields)
	require.NoError(t, err)

	var got []ExtractionField
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, fields, got)
	assert.False(t, got[7].Resolved())
}

func TestRiskAssessmentFlags(t *testing.T) {
	t.Parallel()

	yes, no := true, false
	tests := []struct {
		name           string
		risk           RiskAssessment
		wantAny        bool
		wantUnresolved []string
	}{
		{"nothing read", RiskAssessment{}, false, []string{KeySiteLevelRisk, KeyCRALevelRisk, KeyCountryLevelImpact, KeyStudyLevelImpact}},
		{"all cleared", RiskAssessment{SiteLevelRisk: &no, CRALevelRisk: &no, CountryLevelImpact: &no, StudyLevelImpact: &no}, false, nil},
		{"one raised, rest unread", RiskAssessment{CRALevelRisk: &yes}, true, []string{KeySiteLevelRisk, KeyCountryLevelImpact, KeyStudyLevelImpact}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantAny, tt.risk.AnyRisk())
			assert.Equal(t, tt.wantUnresolved, tt.risk.Unresolved())
		})
	}
}

func TestRecruitmentStatsCounts(t *testing.T) {
	t.Parallel()

	n := 8
	counts := RecruitmentStats{ScreenFailures: &n}.Counts()
	require.Len(t, counts, len(RecruitmentKeys))
	for i, c := range counts {
		assert.Equal(t, RecruitmentKeys[i], c.Key)
	}
	assert.Nil(t, counts[0].Value)
	assert.Equal(t, &n, counts[1].Value)
}

func TestStoredReportID(t *testing.T) {
	t.Parallel()
	s := &StoredReport{Report: MOVReport{SourceDocumentID: "doc-1"}}
	assert.Equal(t, "doc-1", s.ID())
}

func TestValidationReportHelpers(t *testing.T) {
	t.Parallel()

	vr := ValidationReport{Warnings: []ValidationIssue{{Rule: "completeness", Severity: SeverityWarning}}}
	assert.True(t, vr.Valid())
	assert.True(t, vr.HasRule("completeness"))
	assert.False(t, vr.HasRule("date-ordering"))

	vr.Errors = append(vr.Errors, ValidationIssue{Rule: "date-ordering", Severity: SeverityError})
	assert.False(t, vr.Valid())
}

func TestMOVReportAnsweredCount(t *testing.T) {
	t.Parallel()

	r := &MOVReport{QuestionResponses: []QuestionResponse{
		{QuestionID: 1, Answer: AnswerYes},
		{QuestionID: 2, Answer: AnswerNotReported},
		{QuestionID: 3, Answer: AnswerNotApplicable},
	}}
	assert.Equal(t, 2, r.AnsweredCount())
	require.NotNil(t, r.Question(3))
	assert.Nil(t, r.Question(4))
}
