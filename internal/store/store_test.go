package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestMemory(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

func ptrInt(v int) *int { return &v }

func sampleReport(docID, site string, status model.ReviewStatus) *model.StoredReport {
	return &model.StoredReport{
		Report: model.MOVReport{
			ID:               docID,
			ProtocolNumber:   "ABC-123",
			SiteInfo:         model.SiteInfo{SiteNumber: site, Country: "France"},
			VisitStartDate:   "2024-03-12",
			VisitType:        model.VisitIMV,
			RecruitmentStats: model.RecruitmentStats{Screened: ptrInt(50)},
			QuestionResponses: []model.QuestionResponse{
				{QuestionID: 1, QuestionText: "Q one", Answer: model.AnswerYes, Sentiment: model.SentimentPositive, Source: model.SourceDeterministic, Confidence: 0.95},
			},
			ActionItems:      []model.ActionItem{{ItemNumber: 1, Description: "d"}},
			KeyConcerns:      []string{},
			KeyStrengths:     []string{},
			ExtractionTime:   time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC),
			SourceDocumentID: docID,
			CatalogVersion:   "mov-2024.1",
			Fields: []model.ExtractionField{
				{Key: model.KeyVisitStartDate, Value: model.Date("2024-03-12"), Source: model.SourceDeterministic, Confidence: 0.95, Evidence: "Visit Date: 12-Mar-2024"},
				{Key: model.KeyScreened, Value: 50, Source: model.SourceDeterministic, Confidence: 0.95},
				{Key: model.QuestionKey(1), Value: model.QuestionValue{Answer: model.AnswerYes}, Source: model.SourceDeterministic, Confidence: 0.95},
				{Key: model.KeyCity, Source: model.SourceModelAssisted},
			},
		},
		Validation: model.ValidationReport{
			Errors:            []model.ValidationIssue{},
			Warnings:          []model.ValidationIssue{{Rule: "completeness", Severity: model.SeverityWarning, Message: "low"}},
			CompletenessScore: 0.01,
			OverallConfidence: 0.7,
		},
		Decision: model.ReviewDecision{Status: status, Reasons: []string{"1 validation warnings"}},
		Status:   status,
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("PutAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		in := sampleReport("doc-1", "123456", model.StatusNeedsReview)
		v, err := s.Put(ctx, in, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.Equal(t, 1, in.Version)
		assert.False(t, in.UpdatedAt.IsZero())

		got, err := s.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, model.StatusNeedsReview, got.Status)
		assert.Equal(t, in.Report.Fields, got.Report.Fields)
		assert.Equal(t, in.Report.QuestionResponses, got.Report.QuestionResponses)
		assert.Equal(t, in.Validation, got.Validation)
		assert.True(t, in.Report.ExtractionTime.Equal(got.Report.ExtractionTime))
		assert.True(t, in.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("OptimisticVersioning", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := sampleReport("doc-2", "123456", model.StatusNeedsReview)
		_, err := s.Put(ctx, r, 0)
		require.NoError(t, err)

		_, err = s.Put(ctx, sampleReport("doc-2", "123456", model.StatusDraft), 0)
		assert.ErrorIs(t, err, ErrConcurrentModification, "second create")

		r.Status = model.StatusApproved
		v, err := s.Put(ctx, r, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		r.Status = model.StatusRejected
		_, err = s.Put(ctx, r, 1)
		assert.ErrorIs(t, err, ErrConcurrentModification, "stale version")

		got, err := s.Get(ctx, "doc-2")
		require.NoError(t, err)
		assert.Equal(t, model.StatusApproved, got.Status)
		assert.Equal(t, 2, got.Version)

		_, err = s.Put(ctx, sampleReport("doc-none", "123456", model.StatusDraft), 3)
		assert.ErrorIs(t, err, ErrConcurrentModification, "update of missing report")
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Put(ctx, sampleReport("doc-3", "123456", model.StatusNeedsReview), 0)
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := sampleReport("doc-3", "123456", model.StatusApproved)
				if _, err := s.Put(ctx, r, 1); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, r := range []*model.StoredReport{
			sampleReport("a", "111111", model.StatusApproved),
			sampleReport("b", "111111", model.StatusRejected),
			sampleReport("c", "222222", model.StatusNeedsReview),
			sampleReport("d", "222222", model.StatusNeedsReview),
		} {
			_, err := s.Put(ctx, r, 0)
			require.NoError(t, err)
		}

		all, err := s.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		queue, err := s.List(ctx, ListFilter{Status: model.StatusNeedsReview})
		require.NoError(t, err)
		assert.Len(t, queue, 2)

		site, err := s.List(ctx, ListFilter{Site: "111111"})
		require.NoError(t, err)
		assert.Len(t, site, 2)

		analytics, err := s.List(ctx, ListFilter{ForAnalytics: true})
		require.NoError(t, err)
		require.Len(t, analytics, 3)
		for _, r := range analytics {
			assert.NotEqual(t, model.StatusRejected, r.Status)
		}

		limited, err := s.List(ctx, ListFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := s.List(ctx, ListFilter{Site: "999999"})
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Put(ctx, sampleReport("doc-4", "123456", model.StatusApproved), 0)
		require.NoError(t, err)
		require.NoError(t, s.AppendLog(ctx, model.LogEntry{DocumentID: "doc-4", At: time.Now(), Kind: model.LogInfo, Message: "x"}))

		require.NoError(t, s.Delete(ctx, "doc-4"))
		_, err = s.Get(ctx, "doc-4")
		assert.ErrorIs(t, err, ErrNotFound)
		log, err := s.GetLog(ctx, "doc-4")
		require.NoError(t, err)
		assert.Empty(t, log)

		assert.ErrorIs(t, s.Delete(ctx, "doc-4"), ErrNotFound)
	})

	t.Run("ProcessingLog", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)

		require.NoError(t, s.AppendLog(ctx,
			model.LogEntry{DocumentID: "doc-5", At: at, Kind: model.LogMerge, Field: model.KeyCountry, Message: "conflict",
				Detail: map[string]any{"winner_value": "France", "winner_confidence": 0.95}},
			model.LogEntry{DocumentID: "doc-6", At: at, Kind: model.LogInfo, Message: "other"},
		))
		require.NoError(t, s.AppendLog(ctx,
			model.LogEntry{DocumentID: "doc-5", At: at.Add(time.Second), Kind: model.LogTransition, Message: "draft -> needs-review"},
		))
		require.NoError(t, s.AppendLog(ctx))

		log, err := s.GetLog(ctx, "doc-5")
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, model.LogMerge, log[0].Kind)
		assert.Equal(t, model.KeyCountry, log[0].Field)
		assert.Equal(t, "France", log[0].Detail["winner_value"])
		assert.Equal(t, 0.95, log[0].Detail["winner_confidence"])
		assert.True(t, at.Equal(log[0].At))
		assert.Equal(t, model.LogTransition, log[1].Kind)
		assert.Nil(t, log[1].Detail)

		empty, err := s.GetLog(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Failures", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.RecordFailure(ctx, resilience.DLQEntry{
			SourceDocumentID: "scan-1", Filename: "scan.pdf", Stage: "document",
			Error: "no text layer", ErrorType: resilience.ErrorPermanent, Attempts: 1,
			CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		}))
		require.NoError(t, s.RecordFailure(ctx, resilience.DLQEntry{
			SourceDocumentID: "doc-9", Stage: "store", Error: "timeout", ErrorType: resilience.ErrorTransient, Attempts: 3,
			CreatedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		}))

		all, err := s.ListFailures(ctx, resilience.DLQFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "doc-9", all[0].SourceDocumentID, "newest first")
		assert.NotEmpty(t, all[0].ID)

		perm, err := s.ListFailures(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorPermanent})
		require.NoError(t, err)
		require.Len(t, perm, 1)
		assert.Equal(t, "scan.pdf", perm[0].Filename)
		assert.False(t, perm[0].Retryable())
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestMemoryStore(t *testing.T) {
	storeTestSuite(t, newTestMemory)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	r := sampleReport("doc-1", "123456", model.StatusNeedsReview)
	_, err := s.Put(ctx, r, 0)
	require.NoError(t, err)

	got, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	got.Status = model.StatusRejected
	got.Report.QuestionResponses[0].Answer = model.AnswerNo

	again, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, again.Status)
	assert.Equal(t, model.AnswerYes, again.Report.QuestionResponses[0].Answer)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}
