package population

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[int]int
	data  map[int]Composition
	errs  map[int]error
	gate  chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls: map[int]int{},
		data: map[int]Composition{
			1: sampleComposition(100, 110),
			2: sampleComposition(200, 220),
			3: sampleComposition(300, 330),
			5: sampleComposition(500, 550),
		},
		errs: map[int]error{},
	}
}

func (f *fakeFetcher) Composition(ctx context.Context, code int) (Composition, error) {
	f.mu.Lock()
	f.calls[code]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Composition{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[code]; err != nil {
		return Composition{}, err
	}
	comp, ok := f.data[code]
	if !ok {
		return Composition{}, errors.New("unknown prefecture")
	}
	return comp, nil
}

func (f *fakeFetcher) callCount(code int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[code]
}

func sampleComposition(v2015, v2020 float64) Composition {
	return Composition{
		BoundaryYear: 2020,
		Series: []Series{
			{Label: "総人口", Points: []Point{{Year: 2015, Value: v2015}, {Year: 2020, Value: v2020}}},
		},
	}
}

func TestEnsureFetchesMissingCodesOnce(t *testing.T) {
	fetcher := newFakeFetcher()
	cache := NewCache(fetcher)

	errs := cache.Ensure(context.Background(), []int{1, 2})
	require.Empty(t, errs)
	require.Equal(t, 2, cache.Len())

	hits := testutil.ToFloat64(cacheLookups.WithLabelValues("hit"))
	errs = cache.Ensure(context.Background(), []int{1, 2})
	require.Empty(t, errs)
	require.Equal(t, 1, fetcher.callCount(1), "cached code must not be refetched")
	require.Equal(t, 1, fetcher.callCount(2), "cached code must not be refetched")
	require.Equal(t, hits+2, testutil.ToFloat64(cacheLookups.WithLabelValues("hit")))

	comp, ok := cache.Lookup(1)
	require.True(t, ok)
	require.Equal(t, 2020, comp.BoundaryYear)
}

func TestEnsureDeduplicatesCodes(t *testing.T) {
	fetcher := newFakeFetcher()
	cache := NewCache(fetcher)

	require.Empty(t, cache.Ensure(context.Background(), []int{3, 3, 3}))
	require.Equal(t, 1, fetcher.callCount(3))
}

func TestEnsureRecordsOneFailurePerCode(t *testing.T) {
	boom := errors.New("HTTP 500 Internal Server Error")
	fetcher := newFakeFetcher()
	fetcher.errs[2] = boom
	cache := NewCache(fetcher)

	errs := cache.Ensure(context.Background(), []int{1, 2, 3})
	require.Len(t, errs, 1)

	var fetchErr *CompositionFetchError
	require.ErrorAs(t, errs[2], &fetchErr)
	require.Equal(t, 2, fetchErr.Code)
	require.ErrorIs(t, errs[2], boom)

	_, ok := cache.Lookup(2)
	require.False(t, ok, "failed code must stay absent")
	for _, code := range []int{1, 3} {
		_, ok := cache.Lookup(code)
		require.True(t, ok, "code %d unaffected by sibling failure", code)
	}

	snap := cache.Snapshot([]int{1, 2, 3})
	require.Len(t, snap.Failures, 1)
	require.Contains(t, snap.Failures, 2)
	require.Len(t, snap.Compositions, 2)
	require.Empty(t, snap.Pending)
}

func TestEnsureRetriesFailedCodeOnNextCall(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.errs[2] = errors.New("unavailable")
	cache := NewCache(fetcher)

	require.Len(t, cache.Ensure(context.Background(), []int{2}), 1)

	fetcher.mu.Lock()
	delete(fetcher.errs, 2)
	fetcher.mu.Unlock()

	require.Empty(t, cache.Ensure(context.Background(), []int{2}))
	require.Equal(t, 2, fetcher.callCount(2))
	require.Empty(t, cache.Snapshot([]int{2}).Failures)
}

func TestFillKeepsFailureUntilRetried(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.errs[2] = errors.New("unavailable")
	cache := NewCache(fetcher)

	errs := cache.Fill(context.Background(), []int{1, 2})
	require.Len(t, errs, 1)
	require.Equal(t, 1, fetcher.callCount(2))

	fetcher.mu.Lock()
	delete(fetcher.errs, 2)
	fetcher.mu.Unlock()

	errs = cache.Fill(context.Background(), []int{1, 2})
	var fetchErr *CompositionFetchError
	require.ErrorAs(t, errs[2], &fetchErr)
	require.Equal(t, 1, fetcher.callCount(2), "failure must not be retried implicitly")
	require.Equal(t, 1, fetcher.callCount(1))

	require.Empty(t, cache.Fill(context.Background(), []int{1, 2}, 2))
	require.Equal(t, 2, fetcher.callCount(2))
	_, ok := cache.Lookup(2)
	require.True(t, ok)
}

func TestFillFetchesUntriedCodes(t *testing.T) {
	fetcher := newFakeFetcher()
	cache := NewCache(fetcher)

	require.Empty(t, cache.Fill(context.Background(), []int{3, 5}))
	require.Equal(t, 1, fetcher.callCount(3))
	require.Equal(t, 1, fetcher.callCount(5))
	require.Equal(t, 2, cache.Len())
}

func TestEnsureLeavesFetchRunningWhenCallerGivesUp(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	cache := NewCache(fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	errs := cache.Ensure(ctx, []int{1})
	require.ErrorIs(t, errs[1], ErrPending)
	require.True(t, cache.Snapshot([]int{1}).Pending[1])

	close(fetcher.gate)
	cache.Wait()

	_, ok := cache.Lookup(1)
	require.True(t, ok, "fetch must complete after the caller stopped waiting")
	require.Empty(t, cache.Snapshot([]int{1}).Pending)
}

func TestConcurrentEnsureSharesFetch(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	cache := NewCache(fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Ensure(context.Background(), []int{5})
		}()
	}
	require.Eventually(t, func() bool { return fetcher.callCount(5) == 1 }, time.Second, 5*time.Millisecond)
	close(fetcher.gate)
	wg.Wait()
	cache.Wait()

	require.Equal(t, 1, fetcher.callCount(5))
	_, ok := cache.Lookup(5)
	require.True(t, ok)
}

func TestAwaitWaitsForInflightFetch(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	cache := NewCache(fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	cache.Ensure(ctx, []int{1})

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(fetcher.gate)
	}()
	require.NoError(t, cache.Await(context.Background(), []int{1}))
	_, ok := cache.Lookup(1)
	require.True(t, ok)
	cache.Wait()
	require.Equal(t, 1, fetcher.callCount(1))
}

func TestAwaitHonoursContext(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	cache := NewCache(fetcher)

	short, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	cache.Ensure(short, []int{2})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	require.ErrorIs(t, cache.Await(waitCtx, []int{2}), context.DeadlineExceeded)

	close(fetcher.gate)
	cache.Wait()
}

func TestAwaitWithoutInflightReturnsImmediately(t *testing.T) {
	cache := NewCache(newFakeFetcher())
	require.NoError(t, cache.Await(context.Background(), []int{1, 2}))
}

func TestFetchTimeoutRecordsFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	defer close(fetcher.gate)
	cache := NewCache(fetcher, WithFetchTimeout(10*time.Millisecond))

	errs := cache.Ensure(context.Background(), []int{3})
	require.ErrorIs(t, errs[3], context.DeadlineExceeded)
}
