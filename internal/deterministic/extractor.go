// Package deterministic extracts report fields with exact, anchored
// patterns. Output depends only on the input text and filename.
package deterministic

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/model"
)

// DefaultConfidence is assigned to pattern matches when none is configured.
const DefaultConfidence = 0.95

// filenameSiteConfidence is lower than a text match: filenames are typed
// by hand.
const filenameSiteConfidence = 0.9

var (
	questionAnchor = regexp.MustCompile(`(?mi)^[ \t]*Q[ \t]*(\d{1,3})[ \t]*[.:)\-]?[ \t]+(.+?)[ \t]*$`)
	filenameSite   = regexp.MustCompile(`_(\d{6})_`)
)

// Result is the outcome of a deterministic pass.
type Result struct {
	// Fields are the unambiguous matches, sorted by key.
	Fields []model.ExtractionField
	// Unresolved lists every key the pass attempted or could not attempt,
	// sorted. The model-assisted pass works from this list.
	Unresolved []string
}

// Extractor runs the rule table and question anchors.
type Extractor struct {
	catalog    *catalog.Catalog
	rules      []Rule
	confidence float64
}

// New creates an Extractor. confidence <= 0 uses DefaultConfidence.
func New(cat *catalog.Catalog, confidence float64) *Extractor {
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	return &Extractor{catalog: cat, rules: Rules(), confidence: confidence}
}

type candidate struct {
	value    any
	evidence string
}

// Extract runs every rule over text. filename may be empty.
func (e *Extractor) Extract(text, filename string) Result {
	cands := make(map[string][]candidate)
	for _, r := range e.rules {
		for _, m := range r.Pattern.FindAllStringSubmatch(text, -1) {
			if len(m) < 2 {
				continue
			}
			v, ok := r.Normalize(m[1])
			if !ok {
				// A labelled line that fails to normalize still counts as a
				// competing candidate.
				v = invalid{}
			}
			cands[r.Key] = append(cands[r.Key], candidate{value: v, evidence: m[0]})
		}
	}
	e.collectQuestions(text, cands)

	var res Result
	resolved := make(map[string]bool)
	for key, cs := range cands {
		if v, ev, ok := unanimous(cs); ok {
			res.Fields = append(res.Fields, model.ExtractionField{
				Key:        key,
				Value:      v,
				Source:     model.SourceDeterministic,
				Confidence: e.confidence,
				Evidence:   model.Clip(ev, model.MaxEvidenceLen),
			})
			resolved[key] = true
		}
	}

	if !resolved[model.KeySiteNumber] {
		// Only when the text has no site number line at all.
		if _, seen := cands[model.KeySiteNumber]; !seen {
			if m := filenameSite.FindStringSubmatch(filename); m != nil {
				res.Fields = append(res.Fields, model.ExtractionField{
					Key:        model.KeySiteNumber,
					Value:      m[1],
					Source:     model.SourceDeterministic,
					Confidence: min(filenameSiteConfidence, e.confidence),
					Evidence:   "filename: " + filename,
				})
				resolved[model.KeySiteNumber] = true
			}
		}
	}

	for _, key := range e.attemptedKeys() {
		if !resolved[key] {
			res.Unresolved = append(res.Unresolved, key)
		}
	}

	sort.Slice(res.Fields, func(i, j int) bool { return model.KeyLess(res.Fields[i].Key, res.Fields[j].Key) })
	sort.Slice(res.Unresolved, func(i, j int) bool { return model.KeyLess(res.Unresolved[i], res.Unresolved[j]) })
	return res
}

// invalid marks a labelled line whose value failed normalization.
type invalid struct{}

// unanimous returns the shared value of all candidates, or false when any
// two disagree or any is invalid.
func unanimous(cs []candidate) (any, string, bool) {
	if len(cs) == 0 {
		return nil, "", false
	}
	first := cs[0]
	for _, c := range cs {
		if _, bad := c.value.(invalid); bad {
			return nil, "", false
		}
		if !model.SameValue(model.ExtractionField{Value: c.value}, model.ExtractionField{Value: first.value}) {
			return nil, "", false
		}
	}
	return first.value, strings.TrimSpace(first.evidence), true
}

// collectQuestions adds a candidate for every "Q<n>" line that ends in a
// checkbox run with one box checked.
func (e *Extractor) collectQuestions(text string, cands map[string][]candidate) {
	for _, m := range questionAnchor.FindAllStringSubmatch(text, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil || !e.catalog.Has(id) {
			continue
		}
		key := model.QuestionKey(id)
		ans, prefix, ok := parseCheckboxes(m[2])
		if !ok {
			// An anchor without a clean checkbox run defers the question.
			cands[key] = append(cands[key], candidate{value: invalid{}, evidence: m[0]})
			continue
		}
		if prefix != "" {
			// Inline question text must not point at another question.
			if other, _, err := e.catalog.FuzzyMatch(prefix); err == nil && other != id {
				cands[key] = append(cands[key], candidate{value: invalid{}, evidence: m[0]})
				continue
			}
		}
		q, _ := e.catalog.Lookup(id)
		cands[key] = append(cands[key], candidate{
			value: model.QuestionValue{
				Answer:       ans,
				QuestionText: q.Text,
				Sentiment:    ans.DefaultSentiment(),
			},
			evidence: m[0],
		})
	}
}

// attemptedKeys is every key a complete report needs.
func (e *Extractor) attemptedKeys() []string {
	keys := append([]string(nil), model.HeaderKeys...)
	keys = append(keys, model.RecruitmentKeys...)
	keys = append(keys, model.RiskKeys...)
	keys = append(keys, model.SynthesisKeys...)
	keys = append(keys, model.KeyActionItems)
	for _, id := range e.catalog.IDs() {
		keys = append(keys, model.QuestionKey(id))
	}
	return keys
}
