// Package pricing fetches the USD price of model tokens from an
// OpenRouter-style price list.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ineyio/tokenmeter"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultEndpoint = "https://openrouter.ai/api/v1/models"
	DefaultModel    = "openai/gpt-4o-mini"
	DefaultTTL      = time.Hour
)

var (
	promptWeight     = decimal.RequireFromString("0.8")
	completionWeight = decimal.RequireFromString("0.2")
	perMillion       = decimal.NewFromInt(1_000_000)
)

// Oracle is a tokenmeter.PriceSource backed by a remote price list. Only
// successfully fetched prices are cached; failures degrade to the fallback
// price for that call and the next call fetches again.
type Oracle struct {
	endpoint   string
	model      string
	apiKey     string
	ttl        time.Duration
	fallback   decimal.Decimal
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	price     decimal.Decimal
	fetchedAt time.Time
	cached    bool

	group  singleflight.Group
	health *endpointHealth
}

var _ tokenmeter.PriceSource = (*Oracle)(nil)

var errEndpointUnhealthy = fmt.Errorf("%w: endpoint unhealthy, waiting for cooldown", tokenmeter.ErrPricingFetchFailed)

// Option configures the Oracle.
type Option func(*Oracle)

// WithEndpoint sets the price list URL.
func WithEndpoint(url string) Option {
	return func(o *Oracle) { o.endpoint = url }
}

// WithModel sets the model id whose prices are used.
func WithModel(model string) Option {
	return func(o *Oracle) { o.model = model }
}

// WithAPIKey sets the bearer token sent with every fetch.
func WithAPIKey(key string) Option {
	return func(o *Oracle) { o.apiKey = key }
}

// WithTTL sets how long a fetched price stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(o *Oracle) { o.ttl = ttl }
}

// WithFallback sets the price returned when a fetch fails.
func WithFallback(price decimal.Decimal) Option {
	return func(o *Oracle) { o.fallback = price }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Oracle) { o.httpClient = c }
}

// WithBreaker tunes the endpoint circuit breaker: after threshold failures
// within window, fetching pauses for cooldown.
func WithBreaker(threshold int, window, cooldown time.Duration) Option {
	return func(o *Oracle) {
		o.health.threshold = max(1, threshold)
		o.health.window = window
		o.health.cooldown = cooldown
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.logger = l }
}

// WithClock sets the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// New creates an Oracle.
func New(opts ...Option) *Oracle {
	o := &Oracle{
		endpoint:   DefaultEndpoint,
		model:      DefaultModel,
		ttl:        DefaultTTL,
		fallback:   tokenmeter.DefaultUnitPrice,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
		health:     newEndpointHealth(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// NewFromConfig creates an Oracle from the pricing section of a config.
func NewFromConfig(cfg tokenmeter.Config, logger *slog.Logger) (*Oracle, error) {
	fallback, err := cfg.FallbackPrice()
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithModel(cfg.Pricing.Model),
		WithAPIKey(cfg.Pricing.APIKey),
		WithFallback(fallback),
		WithLogger(logger),
	}
	if cfg.Pricing.Endpoint != "" {
		opts = append(opts, WithEndpoint(cfg.Pricing.Endpoint))
	}
	if cfg.Pricing.CacheTTL > 0 {
		opts = append(opts, WithTTL(cfg.Pricing.CacheTTL))
	}
	if cfg.Pricing.Timeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Pricing.Timeout}))
	}
	return New(opts...), nil
}

// UnitPrice returns the USD price per million tokens. It never fails.
func (o *Oracle) UnitPrice(ctx context.Context) decimal.Decimal {
	if p, ok := o.cachedPrice(); ok {
		return p
	}

	v, err, _ := o.group.Do(o.model, func() (any, error) {
		if p, ok := o.cachedPrice(); ok {
			return p, nil
		}
		if o.health.State(o.now()) == EndpointUnhealthy {
			return nil, errEndpointUnhealthy
		}
		p, err := o.Fetch(ctx)
		if err != nil {
			o.health.RecordFailure(o.now())
			return nil, err
		}
		o.health.RecordSuccess()
		o.mu.Lock()
		o.price, o.fetchedAt, o.cached = p, o.now(), true
		o.mu.Unlock()
		return p, nil
	})
	if err != nil {
		o.logger.Warn("price fetch failed, using fallback",
			"model", o.model,
			"fallback", o.fallback.String(),
			"error", err,
		)
		return o.fallback
	}
	return v.(decimal.Decimal)
}

// Health returns the circuit breaker state of the price endpoint.
func (o *Oracle) Health() EndpointState {
	return o.health.State(o.now())
}

// Fallback returns the price used when fetching fails.
func (o *Oracle) Fallback() decimal.Decimal {
	return o.fallback
}

// Invalidate drops the cached price.
func (o *Oracle) Invalidate() {
	o.mu.Lock()
	o.cached = false
	o.mu.Unlock()
}

func (o *Oracle) cachedPrice() (decimal.Decimal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.cached || o.now().Sub(o.fetchedAt) >= o.ttl {
		return decimal.Zero, false
	}
	return o.price, true
}

type modelEntry struct {
	ID      string `json:"id"`
	Pricing struct {
		Prompt     decimal.Decimal `json:"prompt"`
		Completion decimal.Decimal `json:"completion"`
	} `json:"pricing"`
}

// Fetch retrieves the current price without touching the cache. Every
// failure wraps tokenmeter.ErrPricingFetchFailed.
func (o *Oracle) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if o.apiKey == "" {
		return decimal.Zero, fmt.Errorf("%w: api key not configured", tokenmeter.ErrPricingFetchFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", tokenmeter.ErrPricingFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", tokenmeter.ErrPricingFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read body: %v", tokenmeter.ErrPricingFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("%w: status %d", tokenmeter.ErrPricingFetchFailed, resp.StatusCode)
	}

	entries, err := decodeEntries(body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", tokenmeter.ErrPricingFetchFailed, err)
	}
	for _, e := range entries {
		if e.ID != o.model {
			continue
		}
		price := WeightedRate(e.Pricing.Prompt, e.Pricing.Completion)
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: model %s has no price", tokenmeter.ErrPricingFetchFailed, o.model)
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("%w: model %s not listed", tokenmeter.ErrPricingFetchFailed, o.model)
}

// decodeEntries accepts a bare array or an object with a "data" array.
func decodeEntries(body []byte) ([]modelEntry, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var entries []modelEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("decode price list: %w", err)
		}
		return entries, nil
	}

	var wrapped struct {
		Data []modelEntry `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode price list: %w", err)
	}
	if wrapped.Data == nil {
		return nil, fmt.Errorf("decode price list: no data array")
	}
	return wrapped.Data, nil
}

// WeightedRate converts per-token prompt and completion prices into USD per
// million tokens, weighted 80/20 toward prompt tokens.
func WeightedRate(prompt, completion decimal.Decimal) decimal.Decimal {
	return prompt.Mul(promptWeight).Add(completion.Mul(completionWeight)).Mul(perMillion)
}
