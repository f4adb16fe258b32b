package storage

import (
	"context"
	"errors"
	"strings"

	logx "warden/pkg/logx"
)

// Store is the persistence API used by core/services. Documents are
// whole-snapshot blobs keyed by name; writes replace the previous value.
type Store interface {
	SaveDocument(ctx context.Context, name string, data []byte) error
	LoadDocument(ctx context.Context, name string) ([]byte, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store. An empty driver defaults to "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
