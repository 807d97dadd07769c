package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
)

var (
	// ErrNotFound is returned when no report exists for an id.
	ErrNotFound = eris.New("store: not found")
	// ErrConcurrentModification is returned by Put when the stored version
	// differs from the version the caller read.
	ErrConcurrentModification = eris.New("store: concurrent modification")
)

// ListFilter specifies criteria for listing reports.
type ListFilter struct {
	Status model.ReviewStatus `json:"status,omitempty"`
	Site   string             `json:"site,omitempty"`
	// ForAnalytics excludes rejected reports.
	ForAnalytics bool `json:"for_analytics,omitempty"`
	Limit        int  `json:"limit,omitempty"`
	Offset       int  `json:"offset,omitempty"`
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Store persists report aggregates keyed by source document id. Writes
// replace the whole aggregate and are guarded by a version number.
type Store interface {
	// Reports
	Get(ctx context.Context, id string) (*model.StoredReport, error)
	// Put writes r if the stored version equals expectedVersion (0 for a
	// new report) and returns the new version.
	Put(ctx context.Context, r *model.StoredReport, expectedVersion int) (int, error)
	List(ctx context.Context, filter ListFilter) ([]model.StoredReport, error)
	Delete(ctx context.Context, id string) error

	// Processing log
	AppendLog(ctx context.Context, entries ...model.LogEntry) error
	GetLog(ctx context.Context, id string) ([]model.LogEntry, error)

	// Dead letter queue
	RecordFailure(ctx context.Context, entry resilience.DLQEntry) error
	ListFailures(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "movx.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
