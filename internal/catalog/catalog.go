// Package catalog holds the canonical MOV question set used to anchor
// question extraction.
package catalog

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/mov-extract/internal/model"
)

//go:embed questions.yaml
var defaultQuestions []byte

var (
	// ErrNotFound is returned by Lookup for an id outside the catalog.
	ErrNotFound = eris.New("catalog: question not found")
	// ErrNoMatch is returned by FuzzyMatch when no question is similar enough.
	ErrNoMatch = eris.New("catalog: no matching question")
)

// DefaultFuzzyThreshold is the similarity a fuzzy match must reach when the
// catalog is built without an explicit threshold.
const DefaultFuzzyThreshold = 0.85

// Catalog is an immutable, ordered question set. Safe for concurrent use.
type Catalog struct {
	version   string
	questions []model.CanonicalQuestion
	tokens    []map[string]struct{}
	threshold float64
}

type catalogFile struct {
	Version   string                    `yaml:"version"`
	Questions []model.CanonicalQuestion `yaml:"questions"`
}

// Default returns the embedded question set.
func Default(threshold float64) (*Catalog, error) {
	return Load(bytes.NewReader(defaultQuestions), threshold)
}

// LoadFile reads a catalog from path, or the embedded default when path
// is empty.
func LoadFile(path string, threshold float64) (*Catalog, error) {
	if path == "" {
		return Default(threshold)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return Load(f, threshold)
}

// Load parses a YAML catalog. Ids must run 1..N without gaps.
func Load(r io.Reader, threshold float64) (*Catalog, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, eris.Wrap(err, "catalog: decode yaml")
	}
	if file.Version == "" {
		return nil, eris.New("catalog: missing version")
	}
	if len(file.Questions) == 0 {
		return nil, eris.New("catalog: no questions")
	}
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}

	qs := append([]model.CanonicalQuestion(nil), file.Questions...)
	sort.Slice(qs, func(i, j int) bool { return qs[i].ID < qs[j].ID })
	for i, q := range qs {
		if q.ID != i+1 {
			return nil, eris.Errorf("catalog: question ids must run 1..%d without gaps or duplicates (found %d at position %d)", len(qs), q.ID, i+1)
		}
		if strings.TrimSpace(q.Text) == "" {
			return nil, eris.Errorf("catalog: question %d has empty text", q.ID)
		}
	}

	c := &Catalog{
		version:   file.Version,
		questions: qs,
		tokens:    make([]map[string]struct{}, len(qs)),
		threshold: threshold,
	}
	for i, q := range qs {
		c.tokens[i] = tokenSet(q.Text)
	}
	return c, nil
}

// Version identifies the question set.
func (c *Catalog) Version() string { return c.version }

// Len is the number of canonical questions.
func (c *Catalog) Len() int { return len(c.questions) }

// Threshold is the minimum accepted fuzzy similarity.
func (c *Catalog) Threshold() float64 { return c.threshold }

// All returns a copy of the questions in id order.
func (c *Catalog) All() []model.CanonicalQuestion {
	return append([]model.CanonicalQuestion(nil), c.questions...)
}

// IDs returns every question id in order.
func (c *Catalog) IDs() []int {
	ids := make([]int, len(c.questions))
	for i, q := range c.questions {
		ids[i] = q.ID
	}
	return ids
}

// Has reports whether id is a catalog question.
func (c *Catalog) Has(id int) bool {
	return id >= 1 && id <= len(c.questions)
}

// Lookup returns the question with the given id.
func (c *Catalog) Lookup(id int) (model.CanonicalQuestion, error) {
	if !c.Has(id) {
		return model.CanonicalQuestion{}, eris.Wrapf(ErrNotFound, "id %d", id)
	}
	return c.questions[id-1], nil
}

// FuzzyMatch returns the id of the question most similar to text. Ties go
// to the lowest id. Similarities under the threshold yield ErrNoMatch.
func (c *Catalog) FuzzyMatch(text string) (int, float64, error) {
	cand := tokenSet(text)
	if len(cand) == 0 {
		return 0, 0, ErrNoMatch
	}
	bestID, best := 0, 0.0
	for i, qt := range c.tokens {
		if s := similarity(cand, qt); s > best {
			bestID, best = c.questions[i].ID, s
		}
	}
	if best < c.threshold {
		return 0, best, ErrNoMatch
	}
	return bestID, best, nil
}

// Similarity is the normalized token-overlap similarity of two texts, in
// [0,1].
func Similarity(a, b string) float64 {
	return similarity(tokenSet(a), tokenSet(b))
}

func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(max(len(a), len(b)))
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {},
	"for": {}, "in": {}, "on": {}, "at": {}, "by": {}, "with": {}, "per": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"has": {}, "have": {}, "all": {}, "any": {}, "as": {},
}

// Tokens returns the normalized, stop-word-free tokens of s in order.
func Tokens(s string) []string {
	s = strings.ToLower(norm.NFKC.String(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopWords[f]; !stop {
			out = append(out, f)
		}
	}
	return out
}

func tokenSet(s string) map[string]struct{} {
	toks := Tokens(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}
