package population

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/AY-49047/yumemi-test/internal/observability"
)

// DirectoryFetcher loads the prefecture universe.
type DirectoryFetcher interface {
	Prefectures(ctx context.Context) ([]Prefecture, error)
}

// Directory loads the prefecture list once per process and serves it read-only.
type Directory struct {
	fetcher DirectoryFetcher
	once    sync.Once

	mu     sync.RWMutex
	prefs  []Prefecture
	byCode map[int]string
	err    error
	loaded bool
}

// NewDirectory wires a directory to its fetcher.
func NewDirectory(fetcher DirectoryFetcher) *Directory {
	return &Directory{fetcher: fetcher, byCode: map[int]string{}}
}

// Load fetches the prefecture list on the first call. Later calls return the
// first outcome without touching the network; a failure is not retried.
func (d *Directory) Load(ctx context.Context) ([]Prefecture, error) {
	d.once.Do(func() {
		prefs, err := d.fetcher.Prefectures(ctx)
		d.mu.Lock()
		defer d.mu.Unlock()
		d.loaded = true
		if err != nil {
			d.err = &DirectoryFetchError{Err: err}
			observability.FromContext(ctx).Error("prefecture directory load failed", zap.Error(err))
			return
		}
		d.prefs = append([]Prefecture(nil), prefs...)
		for _, p := range prefs {
			d.byCode[p.Code] = p.Name
		}
		observability.FromContext(ctx).Info("prefecture directory loaded", zap.Int("count", len(prefs)))
	})
	return d.Prefectures(), d.Err()
}

// Prefectures returns a copy of the loaded list, empty before Load or after a failure.
func (d *Directory) Prefectures() []Prefecture {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Prefecture, len(d.prefs))
	copy(out, d.prefs)
	return out
}

// Err returns the load failure, if any.
func (d *Directory) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// Loaded reports whether Load has completed.
func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// Name returns the prefecture name for code.
func (d *Directory) Name(code int) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.byCode[code]
	return name, ok
}

// Has reports whether code is part of the directory.
func (d *Directory) Has(code int) bool {
	_, ok := d.Name(code)
	return ok
}
