package pricing_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/pricing"
)

const priceList = `[
	{"id": "anthropic/claude-3-haiku", "pricing": {"prompt": "0.00000025", "completion": "0.00000125"}},
	{"id": "openai/gpt-4o-mini", "pricing": {"prompt": "0.00000015", "completion": "0.0000006"}}
]`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newPriceServer(t *testing.T, hits *atomic.Int32, status *atomic.Int32, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if code := int(status.Load()); code != 0 && code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOracle(srv *httptest.Server, clock *fakeClock, opts ...pricing.Option) *pricing.Oracle {
	base := []pricing.Option{
		pricing.WithEndpoint(srv.URL),
		pricing.WithAPIKey("test-key"),
		pricing.WithHTTPClient(srv.Client()),
		pricing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		pricing.WithClock(clock.Now),
	}
	return pricing.New(append(base, opts...)...)
}

func TestWeightedRate(t *testing.T) {
	got := pricing.WeightedRate(decimal.RequireFromString("0.00000015"), decimal.RequireFromString("0.0000006"))
	assert.True(t, got.Equal(decimal.RequireFromString("0.24")), "got %s", got)
}

func TestUnitPrice_FetchesAndCaches(t *testing.T) {
	var hits, status atomic.Int32
	srv := newPriceServer(t, &hits, &status, priceList)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOracle(srv, clock)

	p1 := o.UnitPrice(context.Background())
	p2 := o.UnitPrice(context.Background())

	assert.True(t, p1.Equal(decimal.RequireFromString("0.24")), "got %s", p1)
	assert.True(t, p1.Equal(p2))
	assert.Equal(t, int32(1), hits.Load())
}

func TestUnitPrice_RefetchesAfterTTL(t *testing.T) {
	var hits, status atomic.Int32
	srv := newPriceServer(t, &hits, &status, priceList)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOracle(srv, clock)

	o.UnitPrice(context.Background())
	clock.Advance(59 * time.Minute)
	o.UnitPrice(context.Background())
	assert.Equal(t, int32(1), hits.Load())

	clock.Advance(time.Minute)
	o.UnitPrice(context.Background())
	assert.Equal(t, int32(2), hits.Load())
}

func TestUnitPrice_FallbackIsNotCached(t *testing.T) {
	var hits, status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := newPriceServer(t, &hits, &status, priceList)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	fallback := decimal.RequireFromString("0.5")
	o := newTestOracle(srv, clock, pricing.WithFallback(fallback))

	assert.True(t, o.UnitPrice(context.Background()).Equal(fallback))

	status.Store(http.StatusOK)
	got := o.UnitPrice(context.Background())
	assert.True(t, got.Equal(decimal.RequireFromString("0.24")), "got %s", got)
	assert.Equal(t, int32(2), hits.Load())
}

func TestUnitPrice_FallbackCases(t *testing.T) {
	tests := []struct {
		name string
		body string
		opts []pricing.Option
	}{
		{name: "malformed payload", body: `{"data": "nope"`},
		{name: "model missing", body: priceList, opts: []pricing.Option{pricing.WithModel("meta/llama-3")}},
		{name: "zero price", body: `[{"id": "openai/gpt-4o-mini", "pricing": {"prompt": "0", "completion": "0"}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits, status atomic.Int32
			srv := newPriceServer(t, &hits, &status, tt.body)
			clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
			o := newTestOracle(srv, clock, tt.opts...)

			got := o.UnitPrice(context.Background())
			assert.True(t, got.Equal(tokenmeter.DefaultUnitPrice), "got %s", got)

			_, err := o.Fetch(context.Background())
			assert.ErrorIs(t, err, tokenmeter.ErrPricingFetchFailed)
		})
	}
}

func TestUnitPrice_MissingAPIKeySkipsNetwork(t *testing.T) {
	var hits, status atomic.Int32
	srv := newPriceServer(t, &hits, &status, priceList)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOracle(srv, clock, pricing.WithAPIKey(""))

	got := o.UnitPrice(context.Background())
	assert.True(t, got.Equal(tokenmeter.DefaultUnitPrice))
	assert.Equal(t, int32(0), hits.Load())
}

func TestFetch_WrappedDataAndNumericPrices(t *testing.T) {
	body := `{"data": [{"id": "openai/gpt-4o-mini", "pricing": {"prompt": 0.000001, "completion": 0.000002}}]}`
	var hits, status atomic.Int32
	srv := newPriceServer(t, &hits, &status, body)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOracle(srv, clock)

	got, err := o.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("1.2")), "got %s", got)
}

func TestUnitPrice_ConcurrentCallersShareOneFetch(t *testing.T) {
	var hits, status atomic.Int32
	srv := newPriceServer(t, &hits, &status, priceList)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOracle(srv, clock)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := o.UnitPrice(context.Background())
			assert.True(t, p.Equal(decimal.RequireFromString("0.24")))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestInvalidate(t *testing.T) {
	var hits, status atomic.Int32
	srv := newPriceServer(t, &hits, &status, priceList)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOracle(srv, clock)

	o.UnitPrice(context.Background())
	o.Invalidate()
	o.UnitPrice(context.Background())
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewFromConfig(t *testing.T) {
	cfg := tokenmeter.DefaultConfig()
	cfg.Pricing.Fallback = "0.30"

	o, err := pricing.NewFromConfig(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.True(t, o.Fallback().Equal(decimal.RequireFromString("0.30")))

	cfg.Pricing.Fallback = "-1"
	_, err = pricing.NewFromConfig(cfg, nil)
	assert.ErrorIs(t, err, tokenmeter.ErrInvalidPrice)
}

func TestUnitPrice_BreakerSkipsUnhealthyEndpoint(t *testing.T) {
	var hits, status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := newPriceServer(t, &hits, &status, priceList)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOracle(srv, clock, pricing.WithBreaker(2, time.Minute, 30*time.Second))
	ctx := context.Background()

	o.UnitPrice(ctx)
	o.UnitPrice(ctx)
	assert.Equal(t, pricing.EndpointUnhealthy, o.Health())

	got := o.UnitPrice(ctx)
	assert.True(t, got.Equal(tokenmeter.DefaultUnitPrice))
	assert.Equal(t, int32(2), hits.Load())

	// After the cooldown a probe goes through; a failed probe reopens.
	clock.Advance(30 * time.Second)
	assert.Equal(t, pricing.EndpointHalfOpen, o.Health())
	o.UnitPrice(ctx)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, pricing.EndpointUnhealthy, o.Health())

	clock.Advance(30 * time.Second)
	status.Store(http.StatusOK)
	got = o.UnitPrice(ctx)
	assert.True(t, got.Equal(decimal.RequireFromString("0.24")), "got %s", got)
	assert.Equal(t, pricing.EndpointHealthy, o.Health())
}

func TestUnitPrice_FailuresOutsideWindowDoNotTrip(t *testing.T) {
	var hits, status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := newPriceServer(t, &hits, &status, priceList)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOracle(srv, clock, pricing.WithBreaker(2, time.Minute, time.Hour))

	o.UnitPrice(context.Background())
	clock.Advance(2 * time.Minute)
	o.UnitPrice(context.Background())

	assert.Equal(t, pricing.EndpointHealthy, o.Health())
	assert.Equal(t, int32(2), hits.Load())
}
