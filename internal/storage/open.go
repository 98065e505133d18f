package storage

import (
	"context"
	"errors"
	"strings"

	logx "pushsched/pkg/logx"
)

// ErrNotFound is returned by GetJob for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Store is the persistence API used by the scheduler core.
//
// PutJob is an atomic single-key upsert; it is the only consistency primitive
// the scheduler needs (every mutation touches exactly one job record).
type Store interface {
	PutJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	// ListJobs returns every job record, ordered by (fire_at, id).
	// Used only during reconciliation; O(n) scans are fine at reminder volumes.
	ListJobs(ctx context.Context) ([]Job, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
