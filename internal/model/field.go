package model

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Source is the extraction pathway that produced a field value.
type Source string

const (
	SourceDeterministic Source = "deterministic"
	SourceModelAssisted Source = "model-assisted"
	SourceHumanReview   Source = "human-review"
)

// Field key prefixes and fixed keys.
const (
	PrefixHeader      = "header."
	PrefixRecruitment = "recruitment."
	PrefixQuestion    = "question."
	PrefixRisk        = "risk."
	PrefixSynthesis   = "synthesis."

	KeyProtocolNumber     = "header.protocol_number"
	KeySiteNumber         = "header.site_number"
	KeyCountry            = "header.country"
	KeyInstitution        = "header.institution"
	KeyPIFirstName        = "header.pi_first_name"
	KeyPILastName         = "header.pi_last_name"
	KeyCity               = "header.city"
	KeyOversightStaffName = "header.oversight_staff_name"
	KeyCRAName            = "header.cra_name"
	KeyVisitStartDate     = "header.visit_start_date"
	KeyVisitEndDate       = "header.visit_end_date"
	KeyVisitType          = "header.visit_type"

	KeyScreened           = "recruitment.screened"
	KeyScreenFailures     = "recruitment.screen_failures"
	KeyRandomizedEnrolled = "recruitment.randomized_enrolled"
	KeyEarlyDiscontinued  = "recruitment.early_discontinued"
	KeyCompletedTreatment = "recruitment.completed_treatment"
	KeyCompletedStudy     = "recruitment.completed_study"

	KeyActionItems = "actions"

	KeySiteLevelRisk      = "risk.site_level_risk"
	KeyCRALevelRisk       = "risk.cra_level_risk"
	KeyCountryLevelImpact = "risk.country_level_impact"
	KeyStudyLevelImpact   = "risk.study_level_impact"
	KeyRiskNarrative      = "risk.narrative"

	KeyOverallSiteQuality = "synthesis.overall_site_quality"
	KeyKeyConcerns        = "synthesis.key_concerns"
	KeyKeyStrengths       = "synthesis.key_strengths"
)

// HeaderKeys lists the header fields in report order.
var HeaderKeys = []string{
	KeyProtocolNumber, KeySiteNumber, KeyCountry, KeyInstitution,
	KeyPIFirstName, KeyPILastName, KeyCity, KeyOversightStaffName,
	KeyCRAName, KeyVisitStartDate, KeyVisitEndDate, KeyVisitType,
}

// RecruitmentKeys lists the recruitment counts in report order.
var RecruitmentKeys = []string{
	KeyScreened, KeyScreenFailures, KeyRandomizedEnrolled,
	KeyEarlyDiscontinued, KeyCompletedTreatment, KeyCompletedStudy,
}

// RiskKeys lists the risk assessment fields.
var RiskKeys = []string{
	KeySiteLevelRisk, KeyCRALevelRisk, KeyCountryLevelImpact,
	KeyStudyLevelImpact, KeyRiskNarrative,
}

// SynthesisKeys lists the qualitative synthesis fields.
var SynthesisKeys = []string{KeyOverallSiteQuality, KeyKeyConcerns, KeyKeyStrengths}

// QuestionKey returns the field key of a question.
func QuestionKey(id int) string {
	return PrefixQuestion + strconv.Itoa(id)
}

// QuestionID parses a question key. ok is false for other keys.
func QuestionID(key string) (int, bool) {
	if !strings.HasPrefix(key, PrefixQuestion) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(key, PrefixQuestion))
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// QuestionValue is the value of a question.<id> field.
type QuestionValue struct {
	Answer           Answer    `json:"answer"`
	QuestionText     string    `json:"question_text,omitempty"`
	NarrativeSummary string    `json:"narrative_summary,omitempty"`
	KeyFinding       string    `json:"key_finding,omitempty"`
	Sentiment        Sentiment `json:"sentiment,omitempty"`
}

// ExtractionField is a single extracted value with provenance. A nil Value
// means the field was attempted but could not be resolved.
type ExtractionField struct {
	Key        string  `json:"key"`
	Value      any     `json:"value"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
}

// Resolved reports whether the field carries a value.
func (f ExtractionField) Resolved() bool {
	return f.Value != nil
}

// Unresolved builds the placeholder for a field no pathway could fill.
func Unresolved(key string, src Source) ExtractionField {
	return ExtractionField{Key: key, Source: src}
}

// SameValue reports whether two fields carry equal values.
func SameValue(a, b ExtractionField) bool {
	return reflect.DeepEqual(a.Value, b.Value)
}

// UnmarshalJSON decodes Value into the Go type implied by Key so that a
// stored field round-trips to the same typed value it was created with.
func (f *ExtractionField) UnmarshalJSON(data []byte) error {
	var raw struct {
		Key        string          `json:"key"`
		Value      json.RawMessage `json:"value"`
		Source     Source          `json:"source"`
		Confidence float64         `json:"confidence"`
		Evidence   string          `json:"evidence"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: decode field")
	}
	v, err := DecodeValue(raw.Key, raw.Value)
	if err != nil {
		return err
	}
	*f = ExtractionField{
		Key:        raw.Key,
		Value:      v,
		Source:     raw.Source,
		Confidence: raw.Confidence,
		Evidence:   raw.Evidence,
	}
	return nil
}

// DecodeValue decodes a JSON value into the Go type used for key. JSON
// null decodes to nil.
func DecodeValue(key string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch {
	case strings.HasPrefix(key, PrefixRecruitment):
		var n int
		err = json.Unmarshal(raw, &n)
		out = n
	case strings.HasPrefix(key, PrefixQuestion):
		var q QuestionValue
		err = json.Unmarshal(raw, &q)
		out = q
	case key == KeyActionItems:
		var items []ActionItem
		err = json.Unmarshal(raw, &items)
		out = items
	case key == KeyRiskNarrative:
		var s string
		err = json.Unmarshal(raw, &s)
		out = s
	case strings.HasPrefix(key, PrefixRisk):
		var b bool
		err = json.Unmarshal(raw, &b)
		out = b
	case key == KeyKeyConcerns || key == KeyKeyStrengths:
		var list []string
		err = json.Unmarshal(raw, &list)
		out = list
	case key == KeyOverallSiteQuality:
		var s SiteQuality
		err = json.Unmarshal(raw, &s)
		out = s
	case key == KeyVisitStartDate || key == KeyVisitEndDate:
		var d Date
		err = json.Unmarshal(raw, &d)
		out = d
	case key == KeyVisitType:
		var vt VisitType
		err = json.Unmarshal(raw, &vt)
		out = vt
	default:
		var s string
		err = json.Unmarshal(raw, &s)
		out = s
	}
	if err != nil {
		return nil, eris.Wrapf(err, "model: decode value of %s", key)
	}
	return out, nil
}

// KeyLess orders field keys by group, then questions numerically.
func KeyLess(a, b string) bool {
	ga, gb := keyGroup(a), keyGroup(b)
	if ga != gb {
		return ga < gb
	}
	ia, aq := QuestionID(a)
	ib, bq := QuestionID(b)
	if aq && bq {
		return ia < ib
	}
	return a < b
}

func keyGroup(k string) int {
	switch {
	case strings.HasPrefix(k, PrefixHeader):
		return 0
	case strings.HasPrefix(k, PrefixRecruitment):
		return 1
	case strings.HasPrefix(k, PrefixQuestion):
		return 2
	case k == KeyActionItems:
		return 3
	case strings.HasPrefix(k, PrefixRisk):
		return 4
	}
	return 5
}

// Clip truncates s to at most n runes.
func Clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
