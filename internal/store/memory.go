package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
)

// MemoryStore implements Store in process memory. Records are stored as
// JSON so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	reports  map[string][]byte
	versions map[string]int
	updated  map[string]time.Time
	logs     map[string][]model.LogEntry
	failures []resilience.DLQEntry
	now      func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		reports:  make(map[string][]byte),
		versions: make(map[string]int),
		updated:  make(map[string]time.Time),
		logs:     make(map[string][]model.LogEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Get(_ context.Context, id string) (*model.StoredReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decode(id)
}

func (s *MemoryStore) decode(id string) (*model.StoredReport, error) {
	data, ok := s.reports[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "report %s", id)
	}
	var r model.StoredReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "memory: unmarshal report")
	}
	r.Version = s.versions[id]
	r.UpdatedAt = s.updated[id]
	return &r, nil
}

func (s *MemoryStore) Put(ctx context.Context, r *model.StoredReport, expectedVersion int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrap(err, "memory: put")
	}
	id := r.ID()
	if id == "" {
		return 0, eris.New("memory: report has no source document id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.versions[id]; cur != expectedVersion {
		return 0, eris.Wrapf(ErrConcurrentModification, "report %s at version %d, expected %d", id, cur, expectedVersion)
	}
	next := expectedVersion + 1
	now := s.now()
	r.Version, r.UpdatedAt = next, now
	data, err := json.Marshal(r)
	if err != nil {
		return 0, eris.Wrap(err, "memory: marshal report")
	}
	s.reports[id] = data
	s.versions[id] = next
	s.updated[id] = now
	return next, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]model.StoredReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.reports))
	for id := range s.reports {
		ids = append(ids, id)
	}
	// Newest first, like the SQL stores.
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := s.updated[ids[i]], s.updated[ids[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ids[i] < ids[j]
	})

	out := []model.StoredReport{}
	skipped := 0
	for _, id := range ids {
		r, err := s.decode(id)
		if err != nil {
			return nil, err
		}
		if !matches(filter, r) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, *r)
		if len(out) == filter.limit() {
			break
		}
	}
	return out, nil
}

func matches(f ListFilter, r *model.StoredReport) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Site != "" && r.Report.SiteInfo.SiteNumber != f.Site {
		return false
	}
	if f.ForAnalytics && r.Status == model.StatusRejected {
		return false
	}
	return true
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return eris.Wrapf(ErrNotFound, "report %s", id)
	}
	delete(s.reports, id)
	delete(s.versions, id)
	delete(s.updated, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entries ...model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.logs[e.DocumentID] = append(s.logs[e.DocumentID], e)
	}
	return nil
}

func (s *MemoryStore) GetLog(_ context.Context, id string) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.LogEntry{}, s.logs[id]...), nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, entry)
	return nil
}

func (s *MemoryStore) ListFailures(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	out := []resilience.DLQEntry{}
	for i := len(s.failures) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.failures[i]
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
