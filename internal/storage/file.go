package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "warden/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.<name>.json  (one snapshot file per document)
//   - <prefix>.audit.jsonl  (append-only JSON Lines)
//
// Document writes go through a temp file and rename so a crash never
// leaves a half-written snapshot behind.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	prefix    string
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		prefix:    prefix,
		auditFile: af,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) documentPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return "", errors.New("invalid document name: " + name)
	}
	return s.prefix + "." + name + ".json", nil
}

func (s *fileStore) SaveDocument(ctx context.Context, name string, data []byte) error {
	_ = ctx
	path, err := s.documentPath(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	_ = ctx
	path, err := s.documentPath(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
