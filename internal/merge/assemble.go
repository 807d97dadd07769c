package merge

import (
	"time"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/model"
)

// Meta identifies the document an aggregate is built from.
type Meta struct {
	DocumentID  string
	Filename    string
	ExtractedAt time.Time
}

// Assemble builds the report aggregate from merged fields. Every catalog
// question gets exactly one response; questions without a resolved field
// are NR with zero confidence. Unresolved counts and risk flags stay nil.
// Completeness and overall confidence are left for the validator.
func Assemble(meta Meta, fields []model.ExtractionField, cat *catalog.Catalog) *model.MOVReport {
	byKey := make(map[string]model.ExtractionField, len(fields))
	for _, f := range fields {
		byKey[f.Key] = f
	}
	str := func(k string) string {
		s, _ := byKey[k].Value.(string)
		return s
	}
	num := func(k string) *int {
		n, ok := byKey[k].Value.(int)
		if !ok {
			return nil
		}
		return &n
	}
	flag := func(k string) *bool {
		b, ok := byKey[k].Value.(bool)
		if !ok {
			return nil
		}
		return &b
	}

	r := &model.MOVReport{
		ID:             meta.DocumentID,
		ProtocolNumber: str(model.KeyProtocolNumber),
		SiteInfo: model.SiteInfo{
			SiteNumber:         str(model.KeySiteNumber),
			Country:            str(model.KeyCountry),
			Institution:        str(model.KeyInstitution),
			PIFirstName:        str(model.KeyPIFirstName),
			PILastName:         str(model.KeyPILastName),
			City:               str(model.KeyCity),
			OversightStaffName: str(model.KeyOversightStaffName),
			CRAName:            str(model.KeyCRAName),
		},
		RecruitmentStats: model.RecruitmentStats{
			Screened:           num(model.KeyScreened),
			ScreenFailures:     num(model.KeyScreenFailures),
			RandomizedEnrolled: num(model.KeyRandomizedEnrolled),
			EarlyDiscontinued:  num(model.KeyEarlyDiscontinued),
			CompletedTreatment: num(model.KeyCompletedTreatment),
			CompletedStudy:     num(model.KeyCompletedStudy),
		},
		RiskAssessment: model.RiskAssessment{
			SiteLevelRisk:      flag(model.KeySiteLevelRisk),
			CRALevelRisk:       flag(model.KeyCRALevelRisk),
			CountryLevelImpact: flag(model.KeyCountryLevelImpact),
			StudyLevelImpact:   flag(model.KeyStudyLevelImpact),
			Narrative:          str(model.KeyRiskNarrative),
		},
		ActionItems:      []model.ActionItem{},
		KeyConcerns:      []string{},
		KeyStrengths:     []string{},
		ExtractionTime:   meta.ExtractedAt.UTC(),
		SourceDocumentID: meta.DocumentID,
		SourceFilename:   meta.Filename,
		CatalogVersion:   cat.Version(),
		Fields:           append([]model.ExtractionField(nil), fields...),
	}

	if d, ok := byKey[model.KeyVisitStartDate].Value.(model.Date); ok {
		r.VisitStartDate = d
	}
	if d, ok := byKey[model.KeyVisitEndDate].Value.(model.Date); ok {
		r.VisitEndDate = d
	}
	if vt, ok := byKey[model.KeyVisitType].Value.(model.VisitType); ok {
		r.VisitType = vt
	}
	if q, ok := byKey[model.KeyOverallSiteQuality].Value.(model.SiteQuality); ok {
		r.OverallSiteQuality = q
	}
	if items, ok := byKey[model.KeyActionItems].Value.([]model.ActionItem); ok {
		r.ActionItems = append(r.ActionItems, items...)
	}
	if list, ok := byKey[model.KeyKeyConcerns].Value.([]string); ok {
		r.KeyConcerns = append(r.KeyConcerns, list...)
	}
	if list, ok := byKey[model.KeyKeyStrengths].Value.([]string); ok {
		r.KeyStrengths = append(r.KeyStrengths, list...)
	}

	r.QuestionResponses = make([]model.QuestionResponse, 0, cat.Len())
	for _, q := range cat.All() {
		resp := model.QuestionResponse{
			QuestionID:   q.ID,
			QuestionText: q.Text,
			Answer:       model.AnswerNotReported,
			Sentiment:    model.SentimentUnknown,
		}
		// Provenance is whichever extractor attempted the question; a
		// question no extractor attempted has none.
		f, ok := byKey[model.QuestionKey(q.ID)]
		if ok {
			resp.Source = f.Source
		}
		if v, isQ := f.Value.(model.QuestionValue); ok && isQ {
			resp.Answer = v.Answer
			resp.NarrativeSummary = v.NarrativeSummary
			resp.KeyFinding = v.KeyFinding
			resp.Sentiment = v.Sentiment
			resp.Evidence = f.Evidence
			resp.Confidence = f.Confidence
			if resp.Sentiment == "" {
				resp.Sentiment = v.Answer.DefaultSentiment()
			}
		}
		r.QuestionResponses = append(r.QuestionResponses, resp)
	}
	return r
}
