package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/i474232898/water-quality-aggregation/internal/quality"
)

var (
	// ErrInvalidID is returned for INSEE codes that cannot name a cache file.
	ErrInvalidID = errors.New("invalid municipality id")

	// ErrPersistence is returned when a record could not be written.
	ErrPersistence = errors.New("cache write failed")

	// ErrUnusableRoot is returned when the cache root cannot be created or written.
	ErrUnusableRoot = errors.New("cache root unusable")
)

// FileStore keeps one JSON document per municipality under
// <root>/<department>/<insee>.json.
//
// Writes go to a temporary file in the target directory and are renamed into
// place, so a concurrent Read sees either the previous document or the new one.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates the cache root if needed and checks that it is writable.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusableRoot, err)
	}

	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusableRoot, err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	return &FileStore{root: root, logger: logger}, nil
}

// Root returns the cache root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Path returns the file holding the record for inseeCode.
func (s *FileStore) Path(inseeCode string) (string, error) {
	if !validID(inseeCode) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, inseeCode)
	}
	return filepath.Join(s.root, quality.DepartmentOf(inseeCode), inseeCode+".json"), nil
}

// Read returns the stored record for inseeCode. Absent, unreadable and
// malformed documents all report false.
func (s *FileStore) Read(inseeCode string) (quality.CachedRecord, bool) {
	path, err := s.Path(inseeCode)
	if err != nil {
		return quality.CachedRecord{}, false
	}

	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("cache read failed", "insee", inseeCode, "error", err)
		}
		return quality.CachedRecord{}, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Warn("cache stat failed", "insee", inseeCode, "error", err)
		return quality.CachedRecord{}, false
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		s.logger.Warn("cache read failed", "insee", inseeCode, "error", err)
		return quality.CachedRecord{}, false
	}

	var doc struct {
		Data *struct {
			Count int                    `json:"count"`
			Data  *[]quality.Measurement `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Data == nil || doc.Data.Data == nil {
		s.logger.Warn("ignoring malformed cache record", "insee", inseeCode, "path", path, "error", err)
		return quality.CachedRecord{}, false
	}

	payload := quality.QualityPayload{Count: doc.Data.Count, Data: *doc.Data.Data}

	return quality.CachedRecord{
		Record:   quality.CacheRecord{Data: payload},
		StoredAt: info.ModTime(),
	}, true
}

// Write replaces the record for inseeCode with {"data": payload}.
func (s *FileStore) Write(inseeCode string, payload quality.QualityPayload) error {
	path, err := s.Path(inseeCode)
	if err != nil {
		return err
	}

	if payload.Data == nil {
		payload.Data = []quality.Measurement{}
	}
	body, err := json.MarshalIndent(quality.CacheRecord{Data: payload}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, inseeCode, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, "."+inseeCode+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()

	if err := writeAndClose(tmp, body); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrPersistence, inseeCode, err)
	}

	// Same directory, so the rename is atomic on POSIX filesystems.
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrPersistence, inseeCode, err)
	}
	return nil
}

func writeAndClose(f *os.File, body []byte) error {
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// validID accepts alphanumeric codes of at least two characters, which covers
// numeric codes and Corsican ones such as 2A004.
func validID(id string) bool {
	if len(id) < 2 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		default:
			return false
		}
	}
	return true
}
