package review

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/merge"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/validate"
)

var (
	// ErrInvalidCorrection is returned for an unknown key or a value of the
	// wrong shape.
	ErrInvalidCorrection = eris.New("review: invalid correction")
	// ErrNotUnderReview is returned when correcting a report outside the
	// review queue.
	ErrNotUnderReview = eris.New("review: report is not under review")
)

// Correction is a reviewer's replacement value for one field.
type Correction struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Actor string          `json:"-"`
	At    time.Time       `json:"-"`
	Note  string          `json:"note,omitempty"`
}

// Corrector applies human corrections and re-scores the report.
type Corrector struct {
	cat       *catalog.Catalog
	validator *validate.Validator
	policy    *Policy
}

// NewCorrector creates a Corrector.
func NewCorrector(cat *catalog.Catalog, v *validate.Validator, p *Policy) *Corrector {
	return &Corrector{cat: cat, validator: v, policy: p}
}

// ApplyCorrection records c as a human-review field with confidence 1,
// rebuilds the aggregate from the updated fields and re-validates it. The
// report stays in needs-review until a reviewer approves or rejects it.
func (c *Corrector) ApplyCorrection(stored *model.StoredReport, corr Correction) (model.LogEntry, error) {
	if stored.Status != model.StatusNeedsReview {
		return model.LogEntry{}, eris.Wrapf(ErrNotUnderReview, "status %s", stored.Status)
	}
	if strings.TrimSpace(corr.Actor) == "" {
		return model.LogEntry{}, ErrActorRequired
	}
	if !c.knownKey(corr.Key) {
		return model.LogEntry{}, eris.Wrapf(ErrInvalidCorrection, "unknown key %q", corr.Key)
	}
	v, err := model.DecodeValue(corr.Key, corr.Value)
	if err != nil {
		return model.LogEntry{}, eris.Wrapf(ErrInvalidCorrection, "%s: %v", corr.Key, err)
	}
	if v == nil {
		return model.LogEntry{}, eris.Wrapf(ErrInvalidCorrection, "%s: value required", corr.Key)
	}
	if v, err = c.normalize(corr.Key, v); err != nil {
		return model.LogEntry{}, eris.Wrapf(ErrInvalidCorrection, "%s: %v", corr.Key, err)
	}

	old := stored.Report.Field(corr.Key)
	f := model.ExtractionField{
		Key:        corr.Key,
		Value:      v,
		Source:     model.SourceHumanReview,
		Confidence: 1,
		Evidence:   model.Clip("corrected by "+corr.Actor, model.MaxEvidenceLen),
	}
	fields := merge.Override(stored.Report.Fields, f)

	r := merge.Assemble(merge.Meta{
		DocumentID:  stored.Report.SourceDocumentID,
		Filename:    stored.Report.SourceFilename,
		ExtractedAt: stored.Report.ExtractionTime,
	}, fields, c.cat)
	vr := c.validator.Validate(r)
	r.Score(vr)

	stored.Report = *r
	stored.Validation = vr
	stored.Decision = c.policy.Decide(r, vr)

	detail := map[string]any{"actor": corr.Actor, "new_value": v}
	if old != nil {
		detail["old_value"] = old.Value
		detail["old_source"] = string(old.Source)
	}
	if corr.Note != "" {
		detail["note"] = corr.Note
	}
	return model.LogEntry{
		DocumentID: stored.ID(),
		At:         corr.At.UTC(),
		Kind:       model.LogCorrection,
		Field:      corr.Key,
		Message:    "field corrected by " + corr.Actor,
		Detail:     detail,
	}, nil
}

func (c *Corrector) knownKey(key string) bool {
	if id, ok := model.QuestionID(key); ok {
		return c.cat.Has(id)
	}
	if key == model.KeyActionItems {
		return true
	}
	for _, keys := range [][]string{model.HeaderKeys, model.RecruitmentKeys, model.RiskKeys, model.SynthesisKeys} {
		if slices.Contains(keys, key) {
			return true
		}
	}
	return false
}

// normalize maps reviewer input onto the canonical enum spellings.
func (c *Corrector) normalize(key string, v any) (any, error) {
	switch val := v.(type) {
	case model.QuestionValue:
		a, err := model.ParseAnswer(string(val.Answer))
		if err != nil {
			return nil, err
		}
		s, err := model.ParseSentiment(string(val.Sentiment))
		if err != nil {
			return nil, err
		}
		if val.Sentiment == "" {
			s = a.DefaultSentiment()
		}
		id, _ := model.QuestionID(key)
		q, _ := c.cat.Lookup(id)
		return model.QuestionValue{
			Answer:           a,
			QuestionText:     q.Text,
			NarrativeSummary: model.Clip(val.NarrativeSummary, model.MaxNarrativeLen),
			KeyFinding:       model.Clip(val.KeyFinding, model.MaxKeyFindingLen),
			Sentiment:        s,
		}, nil
	case model.Date:
		return model.ParseDate(string(val))
	case model.VisitType:
		return model.ParseVisitType(string(val))
	case model.SiteQuality:
		return model.ParseSiteQuality(string(val))
	case int:
		if val < 0 {
			return nil, eris.Errorf("negative count %d", val)
		}
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, eris.New("empty value")
		}
		return strings.TrimSpace(val), nil
	}
	return v, nil
}
