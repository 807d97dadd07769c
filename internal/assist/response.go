package assist

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/mov-extract/internal/model"
)

//go:embed response.schema.json
var responseSchemaJSON []byte

var (
	responseSchema     *jsonschema.Schema
	responseSchemaErr  error
	responseSchemaOnce sync.Once
)

func compiledSchema() (*jsonschema.Schema, error) {
	responseSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("response.schema.json", bytes.NewReader(responseSchemaJSON)); err != nil {
			responseSchemaErr = eris.Wrap(err, "assist: add response schema")
			return
		}
		responseSchema, responseSchemaErr = c.Compile("response.schema.json")
		if responseSchemaErr != nil {
			responseSchemaErr = eris.Wrap(responseSchemaErr, "assist: compile response schema")
		}
	})
	return responseSchema, responseSchemaErr
}

// errSchema marks a reply that is not JSON or does not fit the schema.
var errSchema = eris.New("assist: reply does not match schema")

type reply struct {
	Fields []replyField `json:"fields"`
}

type replyField struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Evidence   *string         `json:"evidence"`
}

// cleanJSON strips markdown fences and any prose around the outermost
// object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// decodeReply validates text against the response schema and decodes the
// entries for the requested keys. Keys not asked for are ignored; the first
// entry for a key wins.
func decodeReply(text string, keys []string) (map[string]replyField, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	raw := []byte(cleanJSON(text))

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrapf(errSchema, "invalid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, eris.Wrapf(errSchema, "%v", err)
	}

	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrapf(errSchema, "decode: %v", err)
	}

	asked := make(map[string]bool, len(keys))
	for _, k := range keys {
		asked[k] = true
	}
	out := make(map[string]replyField, len(keys))
	for _, f := range r.Fields {
		if !asked[f.Key] {
			continue
		}
		if _, dup := out[f.Key]; dup {
			continue
		}
		out[f.Key] = f
	}
	return out, nil
}

// toField turns one reply entry into a model-assisted field. A rejected
// value comes back unresolved with the reason.
func (a *Assistant) toField(f replyField) (model.ExtractionField, string) {
	field := model.Unresolved(f.Key, model.SourceModelAssisted)

	v, err := model.DecodeValue(f.Key, f.Value)
	if err != nil {
		return field, "value has the wrong type"
	}
	if v == nil {
		return field, ""
	}
	evidence := ""
	if f.Evidence != nil {
		evidence = strings.TrimSpace(*f.Evidence)
	}
	if evidence == "" {
		return field, "value without evidence discarded"
	}
	v, reason := a.normalize(f.Key, v)
	if v == nil {
		return field, reason
	}

	field.Value = v
	field.Evidence = model.Clip(evidence, model.MaxEvidenceLen)
	field.Confidence = min(max(f.Confidence, 0), a.opts.ConfidenceCap)
	return field, ""
}

// normalize applies the same value rules the deterministic pass uses.
func (a *Assistant) normalize(key string, v any) (any, string) {
	switch key {
	case model.KeySiteNumber:
		s := strings.TrimSpace(v.(string))
		if len(s) != 6 || strings.Trim(s, "0123456789") != "" {
			return nil, "site number is not 6 digits"
		}
		return s, ""
	case model.KeyVisitStartDate, model.KeyVisitEndDate:
		d, err := model.ParseDate(string(v.(model.Date)))
		if err != nil {
			return nil, "unparseable date"
		}
		return d, ""
	case model.KeyVisitType:
		vt, err := model.ParseVisitType(string(v.(model.VisitType)))
		if err != nil {
			return nil, "unknown visit type"
		}
		return vt, ""
	case model.KeyOverallSiteQuality:
		q, err := model.ParseSiteQuality(string(v.(model.SiteQuality)))
		if err != nil {
			return nil, "unknown site quality"
		}
		return q, ""
	case model.KeyKeyConcerns, model.KeyKeyStrengths:
		list := v.([]string)
		if len(list) > model.MaxHighlights {
			list = list[:model.MaxHighlights]
		}
		return list, ""
	case model.KeyActionItems:
		return v, ""
	}

	switch val := v.(type) {
	case model.QuestionValue:
		id, _ := model.QuestionID(key)
		q, err := a.catalog.Lookup(id)
		if err != nil {
			return nil, "question not in catalog"
		}
		val.QuestionText = q.Text
		val.NarrativeSummary = model.Clip(strings.TrimSpace(val.NarrativeSummary), model.MaxNarrativeLen)
		val.KeyFinding = model.Clip(strings.TrimSpace(val.KeyFinding), model.MaxKeyFindingLen)
		if val.Sentiment == "" {
			val.Sentiment = val.Answer.DefaultSentiment()
		}
		return val, ""
	case string:
		val = strings.TrimSpace(val)
		if val == "" {
			return nil, "empty value"
		}
		return val, ""
	}
	return v, ""
}
