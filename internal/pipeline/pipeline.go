package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mov-extract/internal/assist"
	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/deterministic"
	"github.com/sells-group/mov-extract/internal/document"
	"github.com/sells-group/mov-extract/internal/merge"
	"github.com/sells-group/mov-extract/internal/metrics"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
	"github.com/sells-group/mov-extract/internal/review"
	"github.com/sells-group/mov-extract/internal/store"
	"github.com/sells-group/mov-extract/internal/validate"
	"github.com/sells-group/mov-extract/pkg/anthropic"
)

// documentNamespace scopes document ids derived from file content.
var documentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://sells-group.github.io/mov-extract/document"))

// TextExtractor reads document bytes into normalized text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, format document.Format) (*document.Text, error)
}

// Result is the outcome of one extraction.
type Result struct {
	Stored *model.StoredReport
	// Log is the processing log written for this run.
	Log   []model.LogEntry
	Usage anthropic.TokenUsage
}

// Pipeline turns one document into a validated, persisted report.
type Pipeline struct {
	docs      TextExtractor
	det       *deterministic.Extractor
	assistant *assist.Assistant
	catalog   *catalog.Catalog
	validator *validate.Validator
	policy    *review.Policy
	store     store.Store
	now       func() time.Time
}

// New creates a Pipeline. assistant may be nil, in which case keys the
// deterministic pass leaves open stay unresolved.
func New(
	cfg *config.Config,
	st store.Store,
	cat *catalog.Catalog,
	docs TextExtractor,
	assistant *assist.Assistant,
) *Pipeline {
	return &Pipeline{
		docs:      docs,
		det:       deterministic.New(cat, cfg.Thresholds.DeterministicConfidence),
		assistant: assistant,
		catalog:   cat,
		validator: validate.New(cfg.Thresholds, cat),
		policy:    review.NewPolicy(cfg.Thresholds),
		store:     st,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DocumentID derives a stable id from document content, used when the
// caller supplies none.
func DocumentID(data []byte) string {
	return uuid.NewSHA1(documentNamespace, data).String()
}

// Extract runs the full pipeline on one document and persists the result
// under sourceID, replacing any earlier extraction of it. An unreadable
// document is recorded as a failure and nothing else is written. If ctx is
// canceled before the report is stored, nothing is persisted.
func (p *Pipeline) Extract(ctx context.Context, data []byte, format document.Format, sourceID, filename string) (*Result, error) {
	start := time.Now()
	outcome := metrics.DocFailed
	defer func() { metrics.ObserveDocument(outcome, time.Since(start)) }()

	if sourceID == "" {
		sourceID = DocumentID(data)
	}
	log := zap.L().With(zap.String("document_id", sourceID), zap.String("filename", filename))
	log.Info("pipeline: starting extraction", zap.String("format", string(format)), zap.Int("bytes", len(data)))

	canceled := func(err error) (*Result, error) {
		outcome = metrics.DocCanceled
		log.Warn("pipeline: canceled, nothing persisted", zap.Error(err))
		return nil, eris.Wrapf(err, "pipeline: extract %s", sourceID)
	}

	// Read the current version first so a concurrent re-extraction of the
	// same document is detected at write time.
	expected := 0
	prev, err := p.store.Get(ctx, sourceID)
	switch {
	case err == nil:
		expected = prev.Version
	case errors.Is(err, store.ErrNotFound):
	case ctx.Err() != nil:
		return canceled(ctx.Err())
	default:
		return nil, eris.Wrapf(err, "pipeline: read current version of %s", sourceID)
	}

	text, err := p.docs.Extract(ctx, data, format)
	if err != nil {
		if ctx.Err() != nil {
			return canceled(ctx.Err())
		}
		if errors.Is(err, document.ErrUnreadableDocument) {
			outcome = metrics.DocUnreadable
		}
		p.recordFailure(ctx, sourceID, filename, "document", err)
		log.Error("pipeline: document unreadable", zap.Error(err))
		return nil, eris.Wrapf(err, "pipeline: read document %s", sourceID)
	}
	body := text.String()

	var entries []model.LogEntry
	entries = append(entries, model.LogEntry{
		DocumentID: sourceID, At: p.now(), Kind: model.LogInfo,
		Message: "document text extracted",
		Detail: map[string]any{
			"format": string(format), "pages": text.Pages, "segments": len(text.Segments), "filename": filename,
		},
	})

	// The deterministic pass and request planning are independent; both
	// must finish before any model call is made.
	var (
		det  deterministic.Result
		plan *assist.Plan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		det = p.det.Extract(body, filename)
		return gctx.Err()
	})
	if p.assistant != nil {
		g.Go(func() error {
			plan = p.assistant.Prepare(body)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return canceled(err)
	}
	log.Debug("pipeline: deterministic pass complete",
		zap.Int("resolved", len(det.Fields)),
		zap.Int("unresolved", len(det.Unresolved)),
	)

	detFields := make([]model.ExtractionField, 0, len(det.Fields)+len(det.Unresolved))
	detFields = append(detFields, det.Fields...)
	for _, k := range det.Unresolved {
		detFields = append(detFields, model.Unresolved(k, model.SourceDeterministic))
	}

	var (
		asstFields []model.ExtractionField
		usage      anthropic.TokenUsage
	)
	if p.assistant != nil {
		res, err := p.assistant.Extract(ctx, sourceID, plan, det.Unresolved)
		if err != nil {
			return canceled(err)
		}
		asstFields = res.Fields
		usage = res.Usage
		entries = append(entries, res.Log...)
		log.Debug("pipeline: model-assisted pass complete",
			zap.Int("calls", res.Calls),
			zap.Int("fields", len(res.Fields)),
		)
	} else {
		entries = append(entries, model.LogEntry{
			DocumentID: sourceID, At: p.now(), Kind: model.LogInfo,
			Message: "model-assisted extraction disabled",
			Detail:  map[string]any{"unresolved": len(det.Unresolved)},
		})
	}

	now := p.now()
	fields, mergeLog := merge.Resolve(sourceID, detFields, asstFields, now)
	entries = append(entries, mergeLog...)

	report := merge.Assemble(merge.Meta{DocumentID: sourceID, Filename: filename, ExtractedAt: now}, fields, p.catalog)
	vr := p.validator.Validate(report)
	report.Score(vr)
	decision := p.policy.Decide(report, vr)

	stored := &model.StoredReport{
		Report:     *report,
		Validation: vr,
		Decision:   decision,
		Status:     model.StatusDraft,
	}
	if err := review.Transition(stored, decision.Status, "", now, strings.Join(decision.Reasons, "; ")); err != nil {
		return nil, eris.Wrap(err, "pipeline: apply review decision")
	}
	entries = append(entries, review.TransitionLog(stored))

	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	if _, err := p.store.Put(ctx, stored, expected); err != nil {
		if ctx.Err() != nil {
			return canceled(ctx.Err())
		}
		return nil, eris.Wrapf(err, "pipeline: persist report %s", sourceID)
	}
	if err := p.store.AppendLog(ctx, entries...); err != nil {
		log.Warn("pipeline: failed to append processing log", zap.Error(err))
	}

	outcome = metrics.DocOK
	metrics.ObserveReviewStatus(string(stored.Status))
	log.Info("pipeline: extraction complete",
		zap.String("status", string(stored.Status)),
		zap.Int("version", stored.Version),
		zap.Float64("completeness", report.CompletenessScore),
		zap.Float64("confidence", report.OverallConfidence),
		zap.Int("errors", len(vr.Errors)),
		zap.Int("warnings", len(vr.Warnings)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Result{Stored: stored, Log: entries, Usage: usage}, nil
}

// recordFailure writes a dead letter entry. Failures to record are logged
// and otherwise ignored.
func (p *Pipeline) recordFailure(ctx context.Context, docID, filename, stage string, cause error) {
	entry := resilience.DLQEntry{
		SourceDocumentID: docID,
		Filename:         filename,
		Stage:            stage,
		Error:            cause.Error(),
		ErrorType:        resilience.ClassifyError(cause),
		Attempts:         1,
		CreatedAt:        p.now(),
	}
	if err := p.store.RecordFailure(ctx, entry); err != nil {
		zap.L().Warn("pipeline: failed to record failure",
			zap.String("document_id", docID),
			zap.Error(err),
		)
	}
}
