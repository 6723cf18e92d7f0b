package population

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout     = 8 * time.Second
	defaultFetchConcurrency = 4
)

// CompositionFetcher fetches one prefecture's population composition.
type CompositionFetcher interface {
	Composition(ctx context.Context, code int) (Composition, error)
}

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithFetchTimeout bounds a single upstream fetch.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConcurrency caps concurrent fetches started by one Ensure call.
func WithConcurrency(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithLogger sets the logger used for fetch outcomes.
func WithLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache keeps fetched compositions for the life of the process. Entries are
// never refetched or evicted; failed codes stay absent and are retried by the
// next Ensure that names them.
type Cache struct {
	fetcher CompositionFetcher
	timeout time.Duration
	limit   int
	logger  *zap.Logger

	group   singleflight.Group
	batches sync.WaitGroup

	mu       sync.RWMutex
	entries  map[int]Composition
	failures map[int]error
	inflight map[int]int
	changed  chan struct{}
}

// NewCache constructs an empty cache backed by fetcher.
func NewCache(fetcher CompositionFetcher, opts ...CacheOption) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		timeout:  defaultFetchTimeout,
		limit:    defaultFetchConcurrency,
		logger:   zap.NewNop(),
		entries:  map[int]Composition{},
		failures: map[int]error{},
		inflight: map[int]int{},
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ensure starts one fetch for every code that is not cached yet and waits for
// them until ctx is done. Fetches run detached from ctx: a cancelled caller
// leaves them running and their results still land in the cache.
//
// The returned map holds one entry per code that is not cached on return:
// a *CompositionFetchError for failures, ErrPending for fetches still running.
func (c *Cache) Ensure(ctx context.Context, codes []int) map[int]error {
	return c.ensure(ctx, codes, func(int) bool { return true })
}

// Fill is Ensure for codes that have not failed yet. A recorded failure is
// kept and reported unless its code is listed in retry.
func (c *Cache) Fill(ctx context.Context, codes []int, retry ...int) map[int]error {
	return c.ensure(ctx, codes, func(code int) bool {
		return slices.Contains(retry, code)
	})
}

func (c *Cache) ensure(ctx context.Context, codes []int, retry func(code int) bool) map[int]error {
	codes = uniqueCodes(codes)

	var missing []int
	c.mu.Lock()
	for _, code := range codes {
		if _, ok := c.entries[code]; ok {
			cacheLookups.WithLabelValues("hit").Inc()
			continue
		}
		if _, failed := c.failures[code]; failed && !retry(code) {
			continue
		}
		cacheLookups.WithLabelValues("miss").Inc()
		delete(c.failures, code)
		c.inflight[code]++
		missing = append(missing, code)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return map[int]error{}
	}

	fetchCtx := context.WithoutCancel(ctx)
	done := make(chan struct{})
	c.batches.Add(1)
	go func() {
		defer c.batches.Done()
		defer close(done)
		var g errgroup.Group
		g.SetLimit(c.limit)
		for _, code := range missing {
			g.Go(func() error {
				c.load(fetchCtx, code)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return c.outcome(codes)
}

// Await waits until none of codes has a fetch in flight or ctx is done. It
// never starts a fetch.
func (c *Cache) Await(ctx context.Context, codes []int) error {
	for {
		c.mu.RLock()
		pending := false
		for _, code := range codes {
			if c.inflight[code] > 0 {
				pending = true
				break
			}
		}
		changed := c.changed
		c.mu.RUnlock()

		if !pending {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Lookup returns the cached composition for code.
func (c *Cache) Lookup(code int) (Composition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.entries[code]
	return comp, ok
}

// Len returns the number of cached compositions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot copies the state of codes without triggering any fetch.
func (c *Cache) Snapshot(codes []int) Snapshot {
	snap := Snapshot{
		Compositions: map[int]Composition{},
		Failures:     map[int]error{},
		Pending:      map[int]bool{},
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, code := range uniqueCodes(codes) {
		if comp, ok := c.entries[code]; ok {
			snap.Compositions[code] = comp
			continue
		}
		if c.inflight[code] > 0 {
			snap.Pending[code] = true
			continue
		}
		if err, ok := c.failures[code]; ok {
			snap.Failures[code] = err
		}
	}
	return snap
}

// Wait blocks until every fetch started so far has finished.
func (c *Cache) Wait() {
	c.batches.Wait()
}

func (c *Cache) load(ctx context.Context, code int) {
	defer c.release(code)

	_, err, shared := c.group.Do(strconv.Itoa(code), func() (any, error) {
		if _, ok := c.Lookup(code); ok {
			return nil, nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		logger := c.logger.With(zap.String("fetch_id", ulid.Make().String()), zap.Int("pref_code", code))
		started := time.Now()
		logger.Debug("composition fetch started")
		comp, err := c.fetcher.Composition(fetchCtx, code)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.failures[code] = &CompositionFetchError{Code: code, Err: err}
			cacheFetches.WithLabelValues("error").Inc()
			logger.Warn("composition fetch failed",
				zap.Duration("latency", time.Since(started)),
				zap.Error(err),
			)
			return nil, err
		}
		c.entries[code] = comp
		delete(c.failures, code)
		cacheFetches.WithLabelValues("ok").Inc()
		logger.Debug("composition cached",
			zap.Int("series", len(comp.Series)),
			zap.Duration("latency", time.Since(started)),
		)
		return nil, nil
	})
	if shared && err == nil {
		c.logger.Debug("composition fetch shared", zap.Int("pref_code", code))
	}
}

func (c *Cache) release(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[code] <= 1 {
		delete(c.inflight, code)
	} else {
		c.inflight[code]--
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Cache) outcome(codes []int) map[int]error {
	out := map[int]error{}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, code := range codes {
		if _, ok := c.entries[code]; ok {
			continue
		}
		if err, ok := c.failures[code]; ok {
			out[code] = err
			continue
		}
		if c.inflight[code] > 0 {
			out[code] = ErrPending
		}
	}
	return out
}

// Snapshot is a read-only view of part of the cache.
type Snapshot struct {
	Compositions map[int]Composition
	Failures     map[int]error
	Pending      map[int]bool
}

// Lookup returns the composition captured for code.
func (s Snapshot) Lookup(code int) (Composition, bool) {
	comp, ok := s.Compositions[code]
	return comp, ok
}

func uniqueCodes(codes []int) []int {
	seen := make(map[int]struct{}, len(codes))
	out := make([]int, 0, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
