package model

import "time"

// Length caps on free-text question fields, in runes.
const (
	MaxNarrativeLen  = 500
	MaxKeyFindingLen = 200
	MaxEvidenceLen   = 400
	MaxHighlights    = 5 // key concerns / key strengths
)

// CanonicalQuestion is one entry of the question catalog.
type CanonicalQuestion struct {
	ID   int    `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// SiteInfo identifies the monitored site.
type SiteInfo struct {
	SiteNumber         string `json:"site_number"`
	Country            string `json:"country"`
	Institution        string `json:"institution"`
	PIFirstName        string `json:"pi_first_name"`
	PILastName         string `json:"pi_last_name"`
	City               string `json:"city,omitempty"`
	OversightStaffName string `json:"oversight_staff_name"`
	CRAName            string `json:"cra_name,omitempty"`
}

// RecruitmentStats are the patient counts reported for the site. A nil
// count was not found in the document.
type RecruitmentStats struct {
	Screened           *int `json:"screened"`
	ScreenFailures     *int `json:"screen_failures"`
	RandomizedEnrolled *int `json:"randomized_enrolled"`
	EarlyDiscontinued  *int `json:"early_discontinued"`
	CompletedTreatment *int `json:"completed_treatment"`
	CompletedStudy     *int `json:"completed_study"`
}

// RecruitmentCount is one count of RecruitmentStats with its field key.
type RecruitmentCount struct {
	Key   string
	Value *int
}

// Counts lists the counts in RecruitmentKeys order.
func (s RecruitmentStats) Counts() []RecruitmentCount {
	return []RecruitmentCount{
		{KeyScreened, s.Screened},
		{KeyScreenFailures, s.ScreenFailures},
		{KeyRandomizedEnrolled, s.RandomizedEnrolled},
		{KeyEarlyDiscontinued, s.EarlyDiscontinued},
		{KeyCompletedTreatment, s.CompletedTreatment},
		{KeyCompletedStudy, s.CompletedStudy},
	}
}

// QuestionResponse is the answer to one canonical question.
type QuestionResponse struct {
	QuestionID       int       `json:"question_id"`
	QuestionText     string    `json:"question_text"`
	Answer           Answer    `json:"answer"`
	NarrativeSummary string    `json:"narrative_summary,omitempty"`
	KeyFinding       string    `json:"key_finding,omitempty"`
	Evidence         string    `json:"evidence,omitempty"`
	Confidence       float64   `json:"confidence"`
	Sentiment        Sentiment `json:"sentiment"`
	Source           Source    `json:"source,omitempty"`
}

// ActionItem is a follow-up recorded in the report.
type ActionItem struct {
	ItemNumber       int    `json:"item_number"`
	Description      string `json:"description"`
	ActionToBeTaken  string `json:"action_to_be_taken"`
	ResponsibleParty string `json:"responsible_party"`
	DueDate          string `json:"due_date"`
	Status           string `json:"status,omitempty"`
}

// RiskAssessment summarizes site and CRA risk findings. A nil flag could
// not be read from the document and is neither raised nor cleared.
type RiskAssessment struct {
	SiteLevelRisk      *bool  `json:"site_level_risk"`
	CRALevelRisk       *bool  `json:"cra_level_risk"`
	CountryLevelImpact *bool  `json:"country_level_impact"`
	StudyLevelImpact   *bool  `json:"study_level_impact"`
	Narrative          string `json:"narrative"`
}

// RiskFlag is one flag of RiskAssessment with its field key.
type RiskFlag struct {
	Key   string
	Value *bool
}

// Flags lists the four risk flags in RiskKeys order.
func (r RiskAssessment) Flags() []RiskFlag {
	return []RiskFlag{
		{KeySiteLevelRisk, r.SiteLevelRisk},
		{KeyCRALevelRisk, r.CRALevelRisk},
		{KeyCountryLevelImpact, r.CountryLevelImpact},
		{KeyStudyLevelImpact, r.StudyLevelImpact},
	}
}

// AnyRisk reports whether any risk flag is raised.
func (r RiskAssessment) AnyRisk() bool {
	for _, f := range r.Flags() {
		if f.Value != nil && *f.Value {
			return true
		}
	}
	return false
}

// Unresolved returns the keys of flags that could not be read.
func (r RiskAssessment) Unresolved() []string {
	var out []string
	for _, f := range r.Flags() {
		if f.Value == nil {
			out = append(out, f.Key)
		}
	}
	return out
}

// MOVReport is the aggregate extracted from one document. It is replaced
// wholesale on re-processing; only the review layer edits it, and then by
// rebuilding it from fields.
type MOVReport struct {
	// ID is the source document id, the key the report is stored under.
	ID                 string             `json:"id"`
	ProtocolNumber     string             `json:"protocol_number"`
	SiteInfo           SiteInfo           `json:"site_info"`
	VisitStartDate     Date               `json:"visit_start_date,omitempty"`
	VisitEndDate       Date               `json:"visit_end_date,omitempty"`
	VisitType          VisitType          `json:"visit_type,omitempty"`
	RecruitmentStats   RecruitmentStats   `json:"recruitment_stats"`
	QuestionResponses  []QuestionResponse `json:"question_responses"`
	ActionItems        []ActionItem       `json:"action_items"`
	RiskAssessment     RiskAssessment     `json:"risk_assessment"`
	OverallSiteQuality SiteQuality        `json:"overall_site_quality,omitempty"`
	KeyConcerns        []string           `json:"key_concerns"`
	KeyStrengths       []string           `json:"key_strengths"`
	ExtractionTime     time.Time          `json:"extraction_timestamp"`
	CompletenessScore  float64            `json:"completeness_score"`
	OverallConfidence  float64            `json:"overall_confidence"`
	SourceDocumentID   string             `json:"source_document_id"`
	SourceFilename     string             `json:"source_filename,omitempty"`
	CatalogVersion     string             `json:"catalog_version"`
	Fields             []ExtractionField  `json:"fields"`
}

// Question returns the response for id, or nil.
func (r *MOVReport) Question(id int) *QuestionResponse {
	for i := range r.QuestionResponses {
		if r.QuestionResponses[i].QuestionID == id {
			return &r.QuestionResponses[i]
		}
	}
	return nil
}

// Field returns the merged field for key, or nil.
func (r *MOVReport) Field(key string) *ExtractionField {
	for i := range r.Fields {
		if r.Fields[i].Key == key {
			return &r.Fields[i]
		}
	}
	return nil
}

// AnsweredCount is the number of responses whose answer is not NR.
func (r *MOVReport) AnsweredCount() int {
	n := 0
	for _, q := range r.QuestionResponses {
		if q.Answer != AnswerNotReported {
			n++
		}
	}
	return n
}
