// Package assist fills the fields the deterministic pass could not resolve
// by asking a language model about bounded windows of the document.
package assist

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/metrics"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
	"github.com/sells-group/mov-extract/pkg/anthropic"
)

// Options configures an Assistant.
type Options struct {
	Model             string
	MaxTokens         int64
	Concurrency       int
	RequestsPerSecond float64
	CallTimeout       time.Duration
	MaxWindowChars    int
	QuestionBatchSize int
	ConfidenceCap     float64
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
	Pricing           map[string]anthropic.Price
}

// OptionsFromConfig maps application config onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	prices := make(map[string]anthropic.Price, len(cfg.Pricing.Anthropic))
	for m, p := range cfg.Pricing.Anthropic {
		prices[m] = anthropic.Price{Input: p.Input, Output: p.Output, CacheWriteMul: p.CacheWriteMul, CacheReadMul: p.CacheReadMul}
	}
	return Options{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Concurrency:       cfg.Assist.Concurrency,
		RequestsPerSecond: cfg.Assist.RequestsPerSecond,
		CallTimeout:       time.Duration(cfg.Assist.CallTimeoutSecs) * time.Second,
		MaxWindowChars:    cfg.Assist.MaxWindowChars,
		QuestionBatchSize: cfg.Assist.QuestionBatchSize,
		ConfidenceCap:     cfg.Thresholds.ModelConfidenceCap,
		Retry:             resilience.RetryFromConfig(cfg.Assist),
		Breaker:           resilience.BreakerFromConfig(cfg.Assist),
		Pricing:           prices,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.QuestionBatchSize <= 0 {
		o.QuestionBatchSize = 15
	}
	if o.ConfidenceCap <= 0 || o.ConfidenceCap > 1 {
		o.ConfidenceCap = 0.75
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 8192
	}
	return o
}

// OutcomeKind tags the result of one model request.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeSchemaError
	OutcomeServiceError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return metrics.CallOK
	case OutcomeSchemaError:
		return metrics.CallSchemaError
	default:
		return metrics.CallServiceError
	}
}

// Outcome is the result of one model request. Fields is set only for
// OutcomeOK; Err only otherwise. Truncated marks a schema error caused by
// the reply hitting max_tokens.
type Outcome struct {
	Kind      OutcomeKind
	Fields    map[string]replyField
	Err       error
	Usage     anthropic.TokenUsage
	Truncated bool
}

// Result is the output of one assisted pass over a document.
type Result struct {
	// Fields holds one entry per requested key; unresolved entries carry a
	// nil value and zero confidence.
	Fields []model.ExtractionField
	Log    []model.LogEntry
	Usage  anthropic.TokenUsage
	Calls  int
}

// Assistant runs model-assisted extraction. It is safe for concurrent use;
// the rate limiter and circuit breaker are shared across documents.
type Assistant struct {
	client  anthropic.Client
	catalog *catalog.Catalog
	opts    Options
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	system  []anthropic.SystemBlock
	now     func() time.Time
}

// New creates an Assistant.
func New(client anthropic.Client, cat *catalog.Catalog, opts Options) (*Assistant, error) {
	if client == nil {
		return nil, eris.New("assist: nil client")
	}
	if _, err := compiledSchema(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Assistant{
		client:  client,
		catalog: cat,
		opts:    opts,
		limiter: rate.NewLimiter(limit, max(1, opts.Concurrency)),
		breaker: resilience.NewCircuitBreaker(opts.Breaker),
		system:  anthropic.BuildCachedSystemBlocks(systemPrompt(cat), ""),
		now:     time.Now,
	}, nil
}

// Extract asks the model for every residual key in plan. Request failures
// never fail the pass: their keys come back unresolved and the cause is
// logged. Only cancellation of ctx returns an error.
func (a *Assistant) Extract(ctx context.Context, docID string, plan *Plan, unresolved []string) (*Result, error) {
	reqs := plan.requests(unresolved)
	type slot struct {
		fields []model.ExtractionField
		log    []model.LogEntry
		usage  anthropic.TokenUsage
		calls  int
	}
	slots := make([]slot, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			s := &slots[i]
			s.fields, s.log, s.usage, s.calls = a.run(gctx, docID, req)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "assist: extract")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "assist: extract")
	}

	res := &Result{}
	for _, s := range slots {
		res.Fields = append(res.Fields, s.fields...)
		res.Log = append(res.Log, s.log...)
		res.Usage.Add(s.usage)
		res.Calls += s.calls
	}
	sort.SliceStable(res.Fields, func(i, j int) bool { return model.KeyLess(res.Fields[i].Key, res.Fields[j].Key) })
	if res.Calls > 0 {
		res.Usage.LogCost(a.opts.Model, docID, a.opts.Pricing)
	}
	return res, nil
}

// run executes one request. A schema failure is retried once: a truncated
// reply with the keys split across two requests, any other malformed reply
// with half the window. A service failure is retried by the retry policy.
func (a *Assistant) run(ctx context.Context, docID string, req request) ([]model.ExtractionField, []model.LogEntry, anthropic.TokenUsage, int) {
	var log []model.LogEntry
	entry := func(kind model.LogKind, msg string, detail map[string]any) {
		log = append(log, model.LogEntry{DocumentID: docID, At: a.now(), Kind: kind, Message: msg, Detail: detail})
	}

	var usage anthropic.TokenUsage
	calls := 1
	out := a.call(ctx, docID, req, entry)
	usage.Add(out.Usage)
	if out.Kind != OutcomeSchemaError || ctx.Err() != nil {
		return a.collect(ctx, docID, req, out, &log), log, usage, calls
	}

	var retries []request
	if out.Truncated && len(req.keys) > 1 {
		first, second := req.split()
		retries = []request{first, second}
		entry(model.LogSchema, "model reply truncated, retrying with keys split", map[string]any{
			"request": req.label, "error": out.Err.Error(),
		})
	} else {
		retries = []request{req.halved()}
		entry(model.LogSchema, "malformed model reply, retrying with half window", map[string]any{
			"request": req.label, "error": out.Err.Error(),
		})
	}

	var fields []model.ExtractionField
	for _, r := range retries {
		calls++
		out := a.call(ctx, docID, r, entry)
		usage.Add(out.Usage)
		fields = append(fields, a.collect(ctx, docID, r, out, &log)...)
	}
	return fields, log, usage, calls
}

// collect turns an outcome into one field per requested key. A failed
// request leaves every key unresolved.
func (a *Assistant) collect(ctx context.Context, docID string, req request, out Outcome, log *[]model.LogEntry) []model.ExtractionField {
	if out.Kind != OutcomeOK {
		if ctx.Err() == nil {
			*log = append(*log, model.LogEntry{
				DocumentID: docID, At: a.now(), Kind: model.LogFailure,
				Message: "model request failed, fields left unresolved",
				Detail:  map[string]any{"request": req.label, "outcome": out.Kind.String(), "error": out.Err.Error()},
			})
		}
		fields := make([]model.ExtractionField, len(req.keys))
		for i, k := range req.keys {
			fields[i] = model.Unresolved(k, model.SourceModelAssisted)
		}
		return fields
	}

	fields := make([]model.ExtractionField, 0, len(req.keys))
	for _, k := range req.keys {
		rf, ok := out.Fields[k]
		if !ok {
			fields = append(fields, model.Unresolved(k, model.SourceModelAssisted))
			continue
		}
		f, reason := a.toField(rf)
		if reason != "" {
			*log = append(*log, model.LogEntry{
				DocumentID: docID, At: a.now(), Kind: model.LogSchema, Field: k,
				Message: reason,
			})
		}
		fields = append(fields, f)
	}
	return fields
}

// call performs one model request through the limiter, retry policy and
// circuit breaker, and classifies the result.
func (a *Assistant) call(ctx context.Context, docID string, req request, entry func(model.LogKind, string, map[string]any)) Outcome {
	temp := 0.0
	msg := anthropic.MessageRequest{
		Model:       a.opts.Model,
		MaxTokens:   a.opts.MaxTokens,
		System:      a.system,
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(req)}},
		Temperature: &temp,
	}

	retry := a.opts.Retry
	retry.OnRetry = func(attempt int, err error) {
		resilience.RetryLogger(req.label, docID)(attempt, err)
		entry(model.LogRetry, "retrying model request", map[string]any{
			"request": req.label, "attempt": attempt, "error": err.Error(),
		})
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			callCtx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
			defer cancel()
			resp, err := a.client.CreateMessage(callCtx, msg)
			return resp, classify(err)
		})
	})
	if err != nil {
		metrics.ObserveModelCall(metrics.CallServiceError)
		return Outcome{Kind: OutcomeServiceError, Err: err}
	}

	usage := resp.Usage
	if resp.StopReason == "max_tokens" {
		metrics.ObserveModelCall(metrics.CallSchemaError)
		return Outcome{Kind: OutcomeSchemaError, Err: eris.Wrap(errSchema, "reply truncated at max_tokens"), Usage: usage, Truncated: true}
	}
	fields, err := decodeReply(resp.Text(), req.keys)
	if err != nil {
		metrics.ObserveModelCall(metrics.CallSchemaError)
		zap.L().Debug("assist: schema error", zap.String("document_id", docID), zap.String("request", req.label), zap.Error(err))
		return Outcome{Kind: OutcomeSchemaError, Err: err, Usage: usage}
	}
	metrics.ObserveModelCall(metrics.CallOK)
	return Outcome{Kind: OutcomeOK, Fields: fields, Usage: usage}
}

// classify marks retryable API failures as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if code := anthropic.StatusCode(err); code != 0 {
		if resilience.IsTransientHTTPStatus(code) {
			return resilience.NewTransientError(err, code)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}
