package assist

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/mov-extract/internal/document"
	"github.com/sells-group/mov-extract/internal/model"
)

// Request groups, one prompt each.
const (
	groupHeader    = "header"
	groupQuestions = "questions"
	groupActions   = "actions"
	groupSynthesis = "synthesis"
)

var anchor = regexp.MustCompile(`(?m)^[ \t]*Q[ \t]*(\d{1,3})\b`)

// Plan holds the windows cut from one document. It is built before the
// deterministic pass finishes and narrowed to the residual keys after.
type Plan struct {
	full      string
	header    string
	actions   string
	synthesis string
	anchors   map[int]int // question id -> byte offset of first anchor
	maxChars  int
	batchSize int
}

// request is one model call.
type request struct {
	group  string
	label  string
	keys   []string
	window string
}

// Prepare cuts the windows for text.
func (a *Assistant) Prepare(text string) *Plan {
	p := &Plan{
		full:      text,
		anchors:   make(map[int]int),
		maxChars:  a.opts.MaxWindowChars,
		batchSize: a.opts.QuestionBatchSize,
	}
	head := document.Window(text, 0, 0.2)
	if tail := document.Window(text, 0.95, 1); tail != "" && !strings.Contains(head, tail) {
		head += "\n...\n" + tail
	}
	p.header = p.capped(head)
	p.actions = p.capped(text)
	p.synthesis = p.capped(document.Window(text, 0.6, 1))

	for _, m := range anchor.FindAllStringSubmatchIndex(text, -1) {
		id, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			continue
		}
		if _, seen := p.anchors[id]; !seen {
			p.anchors[id] = m[0]
		}
	}
	return p
}

func (p *Plan) capped(s string) string {
	if p.maxChars > 0 {
		return model.Clip(s, p.maxChars)
	}
	return s
}

// requests narrows the plan to the keys worth asking about: everything the
// deterministic pass left unresolved plus the risk and synthesis block.
func (p *Plan) requests(unresolved []string) []request {
	want := make(map[string]bool, len(unresolved))
	for _, k := range unresolved {
		want[k] = true
	}
	for _, k := range model.RiskKeys {
		want[k] = true
	}
	for _, k := range model.SynthesisKeys {
		want[k] = true
	}

	var header, synthesis []string
	var ids []int
	actions := false
	for k := range want {
		switch {
		case strings.HasPrefix(k, model.PrefixHeader), strings.HasPrefix(k, model.PrefixRecruitment):
			header = append(header, k)
		case strings.HasPrefix(k, model.PrefixRisk), strings.HasPrefix(k, model.PrefixSynthesis):
			synthesis = append(synthesis, k)
		case k == model.KeyActionItems:
			actions = true
		default:
			if id, ok := model.QuestionID(k); ok {
				ids = append(ids, id)
			}
		}
	}

	var out []request
	if len(header) > 0 {
		out = append(out, request{group: groupHeader, label: groupHeader, keys: sortKeys(header), window: p.header})
	}

	sort.Ints(ids)
	batch := p.batchSize
	if batch <= 0 {
		batch = 15
	}
	for len(ids) > 0 {
		// Batches follow fixed id ranges (1-15, 16-30, ...).
		lo := (ids[0]-1)/batch*batch + 1
		hi := lo + batch - 1
		n := sort.SearchInts(ids, hi+1)
		chunk := ids[:n]
		ids = ids[n:]

		keys := make([]string, len(chunk))
		for i, id := range chunk {
			keys[i] = model.QuestionKey(id)
		}
		out = append(out, request{
			group:  groupQuestions,
			label:  fmt.Sprintf("questions %d-%d", lo, hi),
			keys:   keys,
			window: p.questionWindow(chunk, hi),
		})
	}

	if actions {
		out = append(out, request{group: groupActions, label: groupActions, keys: []string{model.KeyActionItems}, window: p.actions})
	}
	if len(synthesis) > 0 {
		out = append(out, request{group: groupSynthesis, label: groupSynthesis, keys: sortKeys(synthesis), window: p.synthesis})
	}
	return out
}

// questionWindow spans from the first anchor of ids to the next anchor past
// the batch. Without anchors it is the capped full text.
func (p *Plan) questionWindow(ids []int, last int) string {
	lo := -1
	for _, id := range ids {
		if off, ok := p.anchors[id]; ok && (lo < 0 || off < lo) {
			lo = off
		}
	}
	if lo < 0 {
		return p.capped(p.full)
	}
	hi := len(p.full)
	for id, off := range p.anchors {
		if id > last && off > lo && off < hi {
			hi = off
		}
	}
	return p.capped(p.full[lo:hi])
}

// halved keeps the first half of the window, cut back to a line boundary
// when there is one.
func (r request) halved() request {
	n := len(r.window) / 2
	for n > 0 && !utf8.RuneStart(r.window[n]) {
		n--
	}
	cut := r.window[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	r.window = cut
	return r
}

// split divides the keys between two requests over the same window.
func (r request) split() (request, request) {
	mid := len(r.keys) / 2
	first, second := r, r
	first.keys = r.keys[:mid:mid]
	second.keys = r.keys[mid:]
	first.label = r.label + " (part 1)"
	second.label = r.label + " (part 2)"
	return first, second
}

func sortKeys(keys []string) []string {
	sort.Slice(keys, func(i, j int) bool { return model.KeyLess(keys[i], keys[j]) })
	return keys
}
