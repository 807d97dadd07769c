// Package merge resolves competing field values into one per key and
// assembles the report aggregate from the result.
package merge

import (
	"sort"
	"time"

	"github.com/sells-group/mov-extract/internal/model"
)

// rank orders sources on an exact confidence tie.
func rank(s model.Source) int {
	switch s {
	case model.SourceHumanReview:
		return 3
	case model.SourceDeterministic:
		return 2
	case model.SourceModelAssisted:
		return 1
	}
	return 0
}

// better reports whether a should win over b.
func better(a, b model.ExtractionField) bool {
	if a.Resolved() != b.Resolved() {
		return a.Resolved()
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return rank(a.Source) > rank(b.Source)
}

// collapse keeps the best field per key within one source.
func collapse(fields []model.ExtractionField) map[string]model.ExtractionField {
	out := make(map[string]model.ExtractionField, len(fields))
	for _, f := range fields {
		if cur, ok := out[f.Key]; !ok || better(f, cur) {
			out[f.Key] = f
		}
	}
	return out
}

// Resolve merges deterministic and model-assisted fields into one field per
// key. The higher confidence wins; an exact tie goes to the deterministic
// value, and an unresolved candidate never beats a resolved one. Every pair
// of resolved candidates that disagree produces a merge log entry.
func Resolve(docID string, det, asst []model.ExtractionField, now time.Time) ([]model.ExtractionField, []model.LogEntry) {
	d, a := collapse(det), collapse(asst)

	keys := make([]string, 0, len(d)+len(a))
	for k := range d {
		keys = append(keys, k)
	}
	for k := range a {
		if _, dup := d[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return model.KeyLess(keys[i], keys[j]) })

	out := make([]model.ExtractionField, 0, len(keys))
	var log []model.LogEntry
	for _, k := range keys {
		df, hasD := d[k]
		af, hasA := a[k]
		switch {
		case !hasA:
			out = append(out, df)
			continue
		case !hasD:
			out = append(out, af)
			continue
		}

		win, lose := df, af
		if better(af, df) {
			win, lose = af, df
		}
		out = append(out, win)

		if df.Resolved() && af.Resolved() && !model.SameValue(df, af) {
			log = append(log, model.LogEntry{
				DocumentID: docID,
				At:         now,
				Kind:       model.LogMerge,
				Field:      k,
				Message:    "conflicting values, kept " + string(win.Source),
				Detail: map[string]any{
					"winner_source":     string(win.Source),
					"winner_value":      win.Value,
					"winner_confidence": win.Confidence,
					"loser_source":      string(lose.Source),
					"loser_value":       lose.Value,
					"loser_confidence":  lose.Confidence,
				},
			})
		}
	}
	return out, log
}

// Override replaces or adds fields by key, keeping key order. It is how a
// human correction enters an existing field set.
func Override(fields []model.ExtractionField, overrides ...model.ExtractionField) []model.ExtractionField {
	byKey := make(map[string]int, len(fields))
	out := append([]model.ExtractionField(nil), fields...)
	for i, f := range out {
		byKey[f.Key] = i
	}
	for _, o := range overrides {
		if i, ok := byKey[o.Key]; ok {
			out[i] = o
			continue
		}
		byKey[o.Key] = len(out)
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return model.KeyLess(out[i].Key, out[j].Key) })
	return out
}
