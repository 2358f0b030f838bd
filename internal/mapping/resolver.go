package mapping

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i474232898/water-quality-aggregation/internal/quality"
)

// table is an immutable postal code -> municipalities index.
type table struct {
	entries map[string][]quality.MunicipalityRef
	modTime time.Time
	size    int64
}

// FileResolver serves lookups from a JSON mapping file of the form
// {"75001": [{"insee": "75101", "nom": "Paris 1er"}]}.
//
// The table is loaded on first use (or by an explicit Load) and replaced as a
// whole on reload; readers never observe a partially built table.
type FileResolver struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[table]
	loadMu  sync.Mutex
}

// NewFileResolver creates a resolver for the mapping file at path. It does not touch the file.
func NewFileResolver(path string, logger *slog.Logger) *FileResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileResolver{path: path, logger: logger}
}

// Resolve returns the municipalities for postalCode in file order.
func (r *FileResolver) Resolve(postalCode string) ([]quality.MunicipalityRef, error) {
	t, err := r.table()
	if err != nil {
		return nil, err
	}

	refs, ok := t.entries[postalCode]
	if !ok {
		return nil, fmt.Errorf("postal code %q: %w", postalCode, quality.ErrLookupMiss)
	}

	out := make([]quality.MunicipalityRef, len(refs))
	copy(out, refs)
	return out, nil
}

// Load reads the mapping file and swaps it in. On failure the previous table, if any, is kept.
func (r *FileResolver) Load() error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.loadLocked()
}

// ReloadIfChanged reloads the table when the file's size or modification time changed.
func (r *FileResolver) ReloadIfChanged() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("%w: %v", quality.ErrMappingUnavailable, err)
	}

	if cur := r.current.Load(); cur != nil && cur.modTime.Equal(info.ModTime()) && cur.size == info.Size() {
		return false, nil
	}

	if err := r.Load(); err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of postal codes in the loaded table.
func (r *FileResolver) Len() int {
	if t := r.current.Load(); t != nil {
		return len(t.entries)
	}
	return 0
}

func (r *FileResolver) table() (*table, error) {
	if t := r.current.Load(); t != nil {
		return t, nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	// Another caller may have loaded it while we waited.
	if t := r.current.Load(); t != nil {
		return t, nil
	}
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r.current.Load(), nil
}

func (r *FileResolver) loadLocked() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("%w: %v", quality.ErrMappingUnavailable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", quality.ErrMappingUnavailable, err)
	}

	entries := make(map[string][]quality.MunicipalityRef)
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return fmt.Errorf("%w: decode %s: %v", quality.ErrMappingUnavailable, r.path, err)
	}

	r.current.Store(&table{
		entries: entries,
		modTime: info.ModTime(),
		size:    info.Size(),
	})
	r.logger.Info("postal mapping loaded", "path", r.path, "postal_codes", len(entries))
	return nil
}
