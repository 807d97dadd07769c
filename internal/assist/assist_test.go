package assist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
	"github.com/sells-group/mov-extract/pkg/anthropic"
	"github.com/sells-group/mov-extract/pkg/anthropic/mocks"
)

const fullReply = `Here is the extraction:
` + "```json" + `
{"fields": [
  {"key": "header.country", "value": "France", "confidence": 0.99, "evidence": "Country: France"},
  {"key": "header.city", "value": "Lyon", "confidence": 0.99, "evidence": "City: Lyon"},
  {"key": "question.5", "value": {"answer": "No", "narrative_summary": "Two sub-investigators missing from the log.", "key_finding": "DOA log incomplete", "sentiment": null}, "confidence": 0.9, "evidence": "Q5 [ ] Yes [X] No"},
  {"key": "actions", "value": [{"item_number": 1, "description": "Update DOA log", "action_to_be_taken": "Add missing staff", "responsible_party": "Site", "due_date": "2024-04-01", "status": "Open"}], "confidence": 0.8, "evidence": "1. Update DOA log"},
  {"key": "risk.site_level_risk", "value": true, "confidence": 0.7, "evidence": "Site level risks identified: Yes"},
  {"key": "risk.narrative", "value": "Staff turnover", "confidence": 0.6, "evidence": ""},
  {"key": "synthesis.overall_site_quality", "value": "needs improvement", "confidence": 0.7, "evidence": "Overall the site needs improvement"},
  {"key": "synthesis.key_concerns", "value": ["a", "b", "c", "d", "e", "f"], "confidence": 0.7, "evidence": "Concerns listed"}
]}
` + "```"

const sampleText = `Protocol Number: ABC-123
Country: France
City: Lyon

Q1. [X] Yes [ ] No
Q5. The delegation log was reviewed.
Comments: two sub-investigators missing.

Action items
1. Update DOA log

Overall the site needs improvement.
`

func textReply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		StopReason: "end_turn",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:      anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

func testOptions() Options {
	return Options{
		Model:             "claude-sonnet-4-5-20250929",
		Concurrency:       2,
		CallTimeout:       time.Second,
		MaxWindowChars:    10000,
		QuestionBatchSize: 15,
		ConfidenceCap:     0.75,
		Retry:             resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		Breaker:           resilience.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute},
	}
}

func newAssistant(t *testing.T, client anthropic.Client) *Assistant {
	t.Helper()
	cat, err := catalog.Default(0.85)
	require.NoError(t, err)
	a, err := New(client, cat, testOptions())
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC) }
	return a
}

func byKey(fields []model.ExtractionField) map[string]model.ExtractionField {
	m := make(map[string]model.ExtractionField, len(fields))
	for _, f := range fields {
		m[f.Key] = f
	}
	return m
}

func logKinds(entries []model.LogEntry) []model.LogKind {
	out := make([]model.LogKind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

func TestExtract_ResolvesRequestedKeys(t *testing.T) {
	t.Parallel()

	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Temperature != nil && *req.Temperature == 0 && len(req.System) == 1
	})).Return(textReply(fullReply), nil)

	a := newAssistant(t, client)
	unresolved := []string{model.KeyCountry, model.QuestionKey(5), model.KeyActionItems}
	res, err := a.Extract(context.Background(), "doc-1", a.Prepare(sampleText), unresolved)
	require.NoError(t, err)

	// header, questions 1-15, actions, synthesis
	assert.Equal(t, 4, res.Calls)
	client.AssertNumberOfCalls(t, "CreateMessage", 4)
	assert.Equal(t, int64(400), res.Usage.InputTokens)

	got := byKey(res.Fields)

	country := got[model.KeyCountry]
	assert.Equal(t, "France", country.Value)
	assert.Equal(t, model.SourceModelAssisted, country.Source)
	assert.InDelta(t, 0.75, country.Confidence, 1e-9, "capped")

	// Not requested.
	assert.NotContains(t, got, model.KeyCity)

	q5 := got[model.QuestionKey(5)].Value.(model.QuestionValue)
	assert.Equal(t, model.AnswerNo, q5.Answer)
	assert.Equal(t, "DOA log incomplete", q5.KeyFinding)
	assert.Equal(t, model.SentimentNegative, q5.Sentiment)
	cq, _ := a.catalog.Lookup(5)
	assert.Equal(t, cq.Text, q5.QuestionText)

	items := got[model.KeyActionItems].Value.([]model.ActionItem)
	require.Len(t, items, 1)
	assert.Equal(t, "Update DOA log", items[0].Description)

	assert.Equal(t, true, got[model.KeySiteLevelRisk].Value)
	assert.InDelta(t, 0.7, got[model.KeySiteLevelRisk].Confidence, 1e-9)
	assert.Equal(t, model.QualityNeedsImprovement, got[model.KeyOverallSiteQuality].Value)
	assert.Len(t, got[model.KeyKeyConcerns].Value, model.MaxHighlights)

	// Value without evidence is dropped, missing keys stay unresolved.
	assert.False(t, got[model.KeyRiskNarrative].Resolved())
	assert.Zero(t, got[model.KeyRiskNarrative].Confidence)
	assert.False(t, got[model.KeyKeyStrengths].Resolved())
	assert.False(t, got[model.KeyCRALevelRisk].Resolved())

	var discarded bool
	for _, e := range res.Log {
		if e.Field == model.KeyRiskNarrative && e.Kind == model.LogSchema {
			discarded = true
		}
	}
	assert.True(t, discarded)

	for i := 1; i < len(res.Fields); i++ {
		assert.False(t, model.KeyLess(res.Fields[i].Key, res.Fields[i-1].Key))
	}
}

func TestExtract_SchemaErrorRetriesWithHalfWindow(t *testing.T) {
	t.Parallel()

	var windows []int
	client := mocks.NewMockClient(t)
	track := func(args mock.Arguments) {
		windows = append(windows, len(args.Get(1).(anthropic.MessageRequest).Messages[0].Content))
	}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textReply("I could not find the fields."), nil).Once().Run(track)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textReply(fullReply), nil).Once().Run(track)

	a := newAssistant(t, client)
	long := strings.Repeat("Narrative line about the site.\n", 200)
	res, err := a.Extract(context.Background(), "doc-2", a.Prepare(long), nil)
	require.NoError(t, err)

	require.Len(t, windows, 2)
	assert.Less(t, windows[1], windows[0])
	assert.Equal(t, 2, res.Calls)
	assert.Equal(t, model.QualityNeedsImprovement, byKey(res.Fields)[model.KeyOverallSiteQuality].Value)
	assert.Contains(t, logKinds(res.Log), model.LogSchema)
	assert.NotContains(t, logKinds(res.Log), model.LogFailure)
}

func TestExtract_SchemaErrorTwiceLeavesUnresolved(t *testing.T) {
	t.Parallel()

	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textReply(`{"fields": [{"key": "question.3", "value": {"answer": "Maybe"}, "confidence": 0.5}]}`), nil).Twice()

	a := newAssistant(t, client)
	res, err := a.Extract(context.Background(), "doc-3", a.Prepare(sampleText), nil)
	require.NoError(t, err)

	for _, f := range res.Fields {
		assert.False(t, f.Resolved(), f.Key)
		assert.Zero(t, f.Confidence)
	}
	assert.Len(t, res.Fields, len(model.RiskKeys)+len(model.SynthesisKeys))
	assert.Equal(t, []model.LogKind{model.LogSchema, model.LogFailure}, logKinds(res.Log))
}

func TestExtract_ServiceErrorRetriesThenGivesUp(t *testing.T) {
	t.Parallel()

	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("503 service unavailable"), 503)).Times(3)

	a := newAssistant(t, client)
	res, err := a.Extract(context.Background(), "doc-4", a.Prepare(sampleText), nil)
	require.NoError(t, err)

	assert.Equal(t, []model.LogKind{model.LogRetry, model.LogRetry, model.LogFailure}, logKinds(res.Log))
	assert.Equal(t, "service_error", res.Log[2].Detail["outcome"])
	for _, f := range res.Fields {
		assert.False(t, f.Resolved())
	}
}

func TestExtract_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid x-api-key")).Once()

	a := newAssistant(t, client)
	res, err := a.Extract(context.Background(), "doc-5", a.Prepare(sampleText), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.LogKind{model.LogFailure}, logKinds(res.Log))
}

func TestExtract_TruncatedReplyIsSchemaError(t *testing.T) {
	t.Parallel()

	truncated := textReply(`{"fields": [`)
	truncated.StopReason = "max_tokens"
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(truncated, nil).Times(3)

	a := newAssistant(t, client)
	res, err := a.Extract(context.Background(), "doc-6", a.Prepare(sampleText), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.LogKind{model.LogSchema, model.LogFailure, model.LogFailure}, logKinds(res.Log))
	assert.Equal(t, 3, res.Calls)
	for _, f := range res.Fields {
		assert.False(t, f.Resolved(), f.Key)
	}
}

func TestExtract_TruncatedReplySplitsKeys(t *testing.T) {
	t.Parallel()

	truncated := textReply(`{"fields": [`)
	truncated.StopReason = "max_tokens"

	var prompts []string
	record := func(args mock.Arguments) {
		prompts = append(prompts, args.Get(1).(anthropic.MessageRequest).Messages[0].Content)
	}
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Run(record).Return(truncated, nil).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Run(record).Return(textReply(fullReply), nil).Twice()

	a := newAssistant(t, client)
	res, err := a.Extract(context.Background(), "doc-8", a.Prepare(sampleText), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Calls)
	require.NotEmpty(t, res.Log)
	assert.Equal(t, model.LogSchema, res.Log[0].Kind)
	assert.Contains(t, res.Log[0].Message, "split")

	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[1], model.KeySiteLevelRisk)
	assert.NotContains(t, prompts[1], model.KeyOverallSiteQuality)
	assert.Contains(t, prompts[2], model.KeyOverallSiteQuality)
	assert.NotContains(t, prompts[2], model.KeySiteLevelRisk)

	got := map[string]model.ExtractionField{}
	for _, f := range res.Fields {
		got[f.Key] = f
	}
	assert.Len(t, got, len(model.RiskKeys)+len(model.SynthesisKeys))
	assert.Equal(t, true, got[model.KeySiteLevelRisk].Value)
	assert.True(t, got[model.KeyOverallSiteQuality].Resolved())
}

func TestExtract_Canceled(t *testing.T) {
	t.Parallel()

	client := mocks.NewMockClient(t)
	a := newAssistant(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Extract(ctx, "doc-7", a.Prepare(sampleText), []string{model.KeyCountry})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RejectsNilClient(t *testing.T) {
	t.Parallel()

	cat, err := catalog.Default(0.85)
	require.NoError(t, err)
	_, err = New(nil, cat, Options{})
	assert.Error(t, err)
}

func TestPlanRequests(t *testing.T) {
	t.Parallel()

	a := newAssistant(t, mocks.NewMockClient(t))
	var b strings.Builder
	b.WriteString("Site Number: 123456\n")
	for id := 1; id <= 40; id++ {
		fmt.Fprintf(&b, "Q%d. answer text for question %d\n", id, id)
	}
	b.WriteString("Overall assessment follows.\n")
	plan := a.Prepare(b.String())

	unresolved := []string{
		model.QuestionKey(3), model.QuestionKey(15), model.QuestionKey(16),
		model.QuestionKey(31), model.KeyScreened,
	}
	reqs := plan.requests(unresolved)

	var labels []string
	for _, r := range reqs {
		labels = append(labels, r.label)
	}
	assert.Equal(t, []string{"header", "questions 1-15", "questions 16-30", "questions 31-45", "synthesis"}, labels)

	assert.Equal(t, []string{model.KeyScreened}, reqs[0].keys)
	assert.Equal(t, []string{model.QuestionKey(3), model.QuestionKey(15)}, reqs[1].keys)

	// The window starts at the first anchor of the batch and stops before
	// the next batch.
	assert.True(t, strings.HasPrefix(reqs[1].window, "Q3."))
	assert.Contains(t, reqs[1].window, "Q15.")
	assert.NotContains(t, reqs[1].window, "Q16.")
	assert.True(t, strings.HasPrefix(reqs[2].window, "Q16."))
	assert.NotContains(t, reqs[2].window, "Q31.")

	// Every risk and synthesis key is always asked.
	assert.ElementsMatch(t, append(append([]string{}, model.RiskKeys...), model.SynthesisKeys...), reqs[4].keys)
}

func TestPlanWindowsAreCapped(t *testing.T) {
	t.Parallel()

	a := newAssistant(t, mocks.NewMockClient(t))
	a.opts.MaxWindowChars = 100
	plan := a.Prepare(strings.Repeat("x", 1000))
	for _, r := range plan.requests([]string{model.KeyActionItems, model.QuestionKey(2)}) {
		assert.LessOrEqual(t, len([]rune(r.window)), 100, r.label)
	}
}

func TestHalved(t *testing.T) {
	t.Parallel()

	r := request{window: "line one\nline two\nline three\nline four"}
	h := r.halved()
	assert.Equal(t, "line one\nline two", h.window)
	assert.Equal(t, "", request{}.halved().window)

	single := request{window: strings.Repeat("é", 10)}
	assert.Equal(t, strings.Repeat("é", 5), single.halved().window)
}

func TestSplit(t *testing.T) {
	t.Parallel()

	r := request{label: "synthesis", window: "w", keys: []string{"a", "b", "c", "d", "e"}}
	first, second := r.split()
	assert.Equal(t, []string{"a", "b"}, first.keys)
	assert.Equal(t, []string{"c", "d", "e"}, second.keys)
	assert.Equal(t, "w", first.window)
	assert.Equal(t, "w", second.window)
	assert.NotEqual(t, first.label, second.label)

	first.keys = append(first.keys, "x")
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, r.keys, "halves do not share backing storage")
}
