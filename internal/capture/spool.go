package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"go.uber.org/zap"
)

const spoolExt = ".json"

var _ Store = (*SpoolStore)(nil)

// SpoolStore is the secondary durable store: one JSON file per record in a
// directory. It has no dependency beyond the filesystem so it still works when
// the database file is locked or corrupt.
type SpoolStore struct {
	dir    string
	logger *zap.Logger
}

func NewSpoolStore(dir string, logger *zap.Logger) (*SpoolStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: spool directory is required", domain.ErrValidation)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpoolStore{dir: dir, logger: logger}, nil
}

func (s *SpoolStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: invalid capture id %q", domain.ErrValidation, id)
	}
	return filepath.Join(s.dir, id+spoolExt), nil
}

// Put writes through a temp file and rename so a crash never leaves a
// half-written record behind.
func (s *SpoolStore) Put(ctx context.Context, record domain.CaptureRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	target, err := s.path(record.ID)
	if err != nil {
		return err
	}

	if existing, err := s.Get(ctx, record.ID); err == nil {
		record.Payload = existing.Payload
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode capture record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".spool-*")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close spool file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to commit spool file: %w", err)
	}
	return nil
}

func (s *SpoolStore) Get(_ context.Context, id string) (domain.CaptureRecord, error) {
	p, err := s.path(id)
	if err != nil {
		return domain.CaptureRecord{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.CaptureRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CaptureRecord{}, fmt.Errorf("failed to read spool file: %w", err)
	}

	var record domain.CaptureRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return domain.CaptureRecord{}, fmt.Errorf("corrupt spool file %s: %w", filepath.Base(p), err)
	}
	return record, nil
}

func (s *SpoolStore) Delete(_ context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete spool file: %w", err)
	}
	return nil
}

// Iterate walks spool files in name order. os.ReadDir sorts by filename and
// file names are record ids. Unreadable files are logged and skipped.
func (s *SpoolStore) Iterate(ctx context.Context, fn func(domain.CaptureRecord) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list spool directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != spoolExt {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := s.Get(ctx, strings.TrimSuffix(name, spoolExt))
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("skipping unreadable spool file", zap.String("file", name), zap.Error(err))
			continue
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}
