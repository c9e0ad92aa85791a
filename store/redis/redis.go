// Package redis provides a Redis-backed LedgerStore for tokenmeter.
//
// Each tenant's ledger is a Redis hash; usage entries are hashes indexed by
// an append-only list, and purchases are JSON documents in a list. Every
// mutation is a single Lua script, so it is atomic across engine instances.
// All keys of a tenant share a hash tag and land on the same cluster slot.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenmeter"
)

// Store is a Redis-backed LedgerStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var (
	_ tokenmeter.LedgerStore  = (*Store)(nil)
	_ tokenmeter.TenantLister = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tokenmeter:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed LedgerStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "tokenmeter:",
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tenantKey(tenant, kind string) string {
	return s.keyPrefix + "{" + tenant + "}:" + kind
}

func (s *Store) ledgerKey(tenant string) string    { return s.tenantKey(tenant, "ledger") }
func (s *Store) entriesKey(tenant string) string   { return s.tenantKey(tenant, "entries") }
func (s *Store) purchasesKey(tenant string) string { return s.tenantKey(tenant, "purchases") }
func (s *Store) chargesKey(tenant string) string   { return s.tenantKey(tenant, "charges") }
func (s *Store) entryKey(tenant, id string) string { return s.tenantKey(tenant, "entry:"+id) }

func stamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func unstamp(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || v == "" {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}

// luaPrelude is shared by every script. Numbers are written with %d so large
// balances never turn into exponent notation.
const luaPrelude = `
local function int(n) return string.format("%d", n) end
local function num(key, field)
    return tonumber(redis.call("HGET", key, field) or "0")
end
`

// reserveScript debits a reservation.
// KEYS[1] = ledger hash, KEYS[2] = entry hash, KEYS[3] = entries list
// ARGV[1] = amount, ARGV[2] = source, ARGV[3] = reservation id,
// ARGV[4] = feature, ARGV[5] = metadata json, ARGV[6] = now
//
// Returns {1, balance, from_included} on success, {0, available, 0} when the
// balance is short and {-1, 0, 0} for a reused reservation id.
var reserveScript = goredis.NewScript(luaPrelude + `
redis.call("HSETNX", KEYS[1], "created_at", ARGV[6])
if redis.call("EXISTS", KEYS[2]) == 1 then
    return {-1, 0, 0}
end

local amount = tonumber(ARGV[1])
local balance = num(KEYS[1], "balance")
local included = num(KEYS[1], "included_pool")
local available = balance
if ARGV[2] == "purchased-tokens" then
    available = balance - included
end
if available < amount then
    return {0, available, 0}
end

local from = 0
if ARGV[2] == "included-pool" and included > 0 then
    from = math.min(included, amount)
end
balance = balance - amount

redis.call("HSET", KEYS[1], "balance", int(balance), "included_pool", int(included - from), "updated_at", ARGV[6])
redis.call("HINCRBY", KEYS[1], "revision", 1)
redis.call("HSET", KEYS[2],
    "id", ARGV[3], "reservation_id", ARGV[3], "feature", ARGV[4], "status", "reserved",
    "source", ARGV[2], "tokens_reserved", int(amount), "from_included", int(from),
    "refunded_amount", "0", "delta", "0", "metadata", ARGV[5], "created_at", ARGV[6])
redis.call("RPUSH", KEYS[3], ARGV[3])
return {1, balance, from}
`)

// settleScript finalizes or cancels an open reservation.
// KEYS[1] = ledger hash, KEYS[2] = entry hash
// ARGV[1] = "finalized" or "cancelled", ARGV[2] = actual, ARGV[3] = now
//
// Returns {1, reserved, balance_delta, refunded, balance} or {0} when the
// reservation is unknown or already settled.
var settleScript = goredis.NewScript(luaPrelude + `
if redis.call("HGET", KEYS[2], "status") ~= "reserved" then
    return {0}
end

local reserved = num(KEYS[2], "tokens_reserved")
local from = num(KEYS[2], "from_included")
local source = redis.call("HGET", KEYS[2], "source")
local balance = num(KEYS[1], "balance")
local included = num(KEYS[1], "included_pool")

local diff, inc_delta, refunded, used = reserved, from, reserved, 0
if ARGV[1] == "finalized" then
    local actual = tonumber(ARGV[2])
    used = actual
    diff = reserved - actual
    if diff >= 0 then
        refunded = diff
        inc_delta = from - math.min(actual, from)
    else
        refunded = 0
        inc_delta = 0
        if source == "included-pool" and included > 0 then
            inc_delta = -math.min(included, -diff)
        end
    end
    redis.call("HSET", KEYS[2], "tokens_actual", int(actual))
end

balance = balance + diff
redis.call("HSET", KEYS[1], "balance", int(balance), "included_pool", int(included + inc_delta), "updated_at", ARGV[3])
redis.call("HINCRBY", KEYS[1], "total_used", int(used))
redis.call("HINCRBY", KEYS[1], "revision", 1)
redis.call("HSET", KEYS[2], "status", ARGV[1], "refunded_amount", int(refunded), "settled_at", ARGV[3])
return {1, reserved, diff, refunded, balance}
`)

// purchaseScript credits a purchase.
// KEYS[1] = ledger hash, KEYS[2] = purchases list, KEYS[3] = charges set
// ARGV[1] = tokens, ARGV[2] = charge id, ARGV[3] = purchase json, ARGV[4] = now
//
// Returns the new balance, or -1 for a duplicate charge id.
var purchaseScript = goredis.NewScript(luaPrelude + `
redis.call("HSETNX", KEYS[1], "created_at", ARGV[4])
if ARGV[2] ~= "" then
    if redis.call("SADD", KEYS[3], ARGV[2]) == 0 then
        return -1
    end
end
redis.call("RPUSH", KEYS[2], ARGV[3])
redis.call("HINCRBY", KEYS[1], "total_purchased", ARGV[1])
redis.call("HINCRBY", KEYS[1], "revision", 1)
redis.call("HSET", KEYS[1], "updated_at", ARGV[4])
return redis.call("HINCRBY", KEYS[1], "balance", ARGV[1])
`)

// poolScript swaps the included pool and writes the adjustment entry.
// KEYS[1] = ledger hash, KEYS[2] = entry hash, KEYS[3] = entries list
// ARGV[1] = pool, ARGV[2] = plan, ARGV[3] = entry id, ARGV[4] = metadata json,
// ARGV[5] = now, ARGV[6] = feature tag
//
// Returns {old_included, delta, balance}.
var poolScript = goredis.NewScript(luaPrelude + `
redis.call("HSETNX", KEYS[1], "created_at", ARGV[5])
local pool = tonumber(ARGV[1])
local balance = num(KEYS[1], "balance")
local included = num(KEYS[1], "included_pool")

balance = balance - included + pool
local delta = included - pool

redis.call("HSET", KEYS[1], "balance", int(balance), "included_pool", int(pool),
    "included_plan", ARGV[2], "updated_at", ARGV[5])
redis.call("HINCRBY", KEYS[1], "revision", 1)
redis.call("HSET", KEYS[2],
    "id", ARGV[3], "reservation_id", "", "feature", ARGV[6], "status", "adjustment",
    "source", "", "tokens_reserved", "0", "from_included", "0", "refunded_amount", "0",
    "delta", int(delta), "metadata", ARGV[4], "created_at", ARGV[5])
redis.call("RPUSH", KEYS[3], ARGV[3])
return {included, delta, balance}
`)

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("tokenmeter/redis: encode metadata: %w", err)
	}
	return string(b), nil
}

func toInt64s(v any) ([]int64, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("tokenmeter/redis: unexpected script result %T", v)
	}
	out := make([]int64, len(raw))
	for i, r := range raw {
		n, ok := r.(int64)
		if !ok {
			return nil, fmt.Errorf("tokenmeter/redis: unexpected script value %T", r)
		}
		out[i] = n
	}
	return out, nil
}

// Reserve debits the reservation amount.
func (s *Store) Reserve(ctx context.Context, req tokenmeter.ReserveRequest) (tokenmeter.Reservation, error) {
	if req.Tenant == "" {
		return tokenmeter.Reservation{}, tokenmeter.ErrTenantRequired
	}
	if req.Amount < 0 {
		return tokenmeter.Reservation{}, fmt.Errorf("%w: reserve %d", tokenmeter.ErrInvalidAmount, req.Amount)
	}
	md, err := encodeMetadata(req.Metadata)
	if err != nil {
		return tokenmeter.Reservation{}, err
	}

	v, err := reserveScript.Run(ctx, s.client,
		[]string{s.ledgerKey(req.Tenant), s.entryKey(req.Tenant, req.ReservationID), s.entriesKey(req.Tenant)},
		req.Amount, string(req.Source), req.ReservationID, req.Feature, md, stamp(req.At),
	).Result()
	if err != nil {
		return tokenmeter.Reservation{}, fmt.Errorf("tokenmeter/redis: reserve: %w", err)
	}
	r, err := toInt64s(v)
	if err != nil {
		return tokenmeter.Reservation{}, err
	}

	switch r[0] {
	case -1:
		return tokenmeter.Reservation{}, fmt.Errorf("%w: %s", tokenmeter.ErrDuplicateReservation, req.ReservationID)
	case 0:
		return tokenmeter.Reservation{}, &tokenmeter.InsufficientBalanceError{
			Tenant:    req.Tenant,
			Feature:   req.Feature,
			Source:    req.Source,
			Required:  req.Amount,
			Available: r[1],
		}
	}

	return tokenmeter.Reservation{
		ID:           req.ReservationID,
		Tenant:       req.Tenant,
		Feature:      req.Feature,
		Amount:       req.Amount,
		Source:       req.Source,
		FromIncluded: r[2],
		BalanceAfter: r[1],
		CreatedAt:    req.At,
	}, nil
}

func (s *Store) settle(ctx context.Context, tenant, reservationID string, status tokenmeter.EntryStatus, actual int64, at time.Time) (tokenmeter.Settlement, error) {
	if tenant == "" {
		return tokenmeter.Settlement{}, tokenmeter.ErrTenantRequired
	}

	v, err := settleScript.Run(ctx, s.client,
		[]string{s.ledgerKey(tenant), s.entryKey(tenant, reservationID)},
		string(status), actual, stamp(at),
	).Result()
	if err != nil {
		return tokenmeter.Settlement{}, fmt.Errorf("tokenmeter/redis: %s: %w", status, err)
	}
	r, err := toInt64s(v)
	if err != nil {
		return tokenmeter.Settlement{}, err
	}
	if r[0] == 0 {
		return tokenmeter.Settlement{}, tokenmeter.ErrReservationNotFound
	}

	st := tokenmeter.Settlement{
		ReservationID: reservationID,
		Tenant:        tenant,
		Status:        status,
		Reserved:      r[1],
		Difference:    r[2],
		Refunded:      r[3],
		BalanceAfter:  r[4],
		Applied:       true,
	}
	if status == tokenmeter.EntryFinalized {
		st.Actual = actual
	}
	return st, nil
}

// Finalize settles a reservation to its actual cost.
func (s *Store) Finalize(ctx context.Context, tenant, reservationID string, actual int64, at time.Time) (tokenmeter.Settlement, error) {
	if actual < 0 {
		return tokenmeter.Settlement{}, fmt.Errorf("%w: actual %d", tokenmeter.ErrInvalidAmount, actual)
	}
	return s.settle(ctx, tenant, reservationID, tokenmeter.EntryFinalized, actual, at)
}

// Cancel refunds a reservation in full.
func (s *Store) Cancel(ctx context.Context, tenant, reservationID string, at time.Time) (tokenmeter.Settlement, error) {
	return s.settle(ctx, tenant, reservationID, tokenmeter.EntryCancelled, 0, at)
}

// RecordPurchase credits a purchase. A repeated external charge id is rejected.
func (s *Store) RecordPurchase(ctx context.Context, tenant string, p tokenmeter.Purchase) error {
	if tenant == "" {
		return tokenmeter.ErrTenantRequired
	}
	if p.TokensReceived < 0 {
		return fmt.Errorf("%w: tokens %d", tokenmeter.ErrInvalidAmount, p.TokensReceived)
	}
	if p.Status == "" {
		p.Status = tokenmeter.PurchaseCompleted
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("tokenmeter/redis: encode purchase: %w", err)
	}

	n, err := purchaseScript.Run(ctx, s.client,
		[]string{s.ledgerKey(tenant), s.purchasesKey(tenant), s.chargesKey(tenant)},
		p.TokensReceived, p.ExternalChargeID, string(doc), stamp(p.Timestamp),
	).Int64()
	if err != nil {
		return fmt.Errorf("tokenmeter/redis: record purchase: %w", err)
	}
	if n == -1 {
		return fmt.Errorf("%w: %s", tokenmeter.ErrDuplicateCharge, p.ExternalChargeID)
	}
	return nil
}

// ReplaceIncludedPool swaps the included allotment and records the delta.
func (s *Store) ReplaceIncludedPool(ctx context.Context, r tokenmeter.PoolReplacement) (tokenmeter.PoolChange, error) {
	if r.Tenant == "" {
		return tokenmeter.PoolChange{}, tokenmeter.ErrTenantRequired
	}
	if r.Pool < 0 {
		return tokenmeter.PoolChange{}, fmt.Errorf("%w: pool %d", tokenmeter.ErrInvalidAmount, r.Pool)
	}
	adj := tokenmeter.PoolAdjustmentEntry(r, 0)
	md, err := encodeMetadata(adj.Metadata)
	if err != nil {
		return tokenmeter.PoolChange{}, err
	}

	v, err := poolScript.Run(ctx, s.client,
		[]string{s.ledgerKey(r.Tenant), s.entryKey(r.Tenant, r.EntryID), s.entriesKey(r.Tenant)},
		r.Pool, r.Plan, r.EntryID, md, stamp(r.At), tokenmeter.PoolAdjustmentFeature,
	).Result()
	if err != nil {
		return tokenmeter.PoolChange{}, fmt.Errorf("tokenmeter/redis: replace pool: %w", err)
	}
	res, err := toInt64s(v)
	if err != nil {
		return tokenmeter.PoolChange{}, err
	}

	return tokenmeter.PoolChange{
		Tenant:       r.Tenant,
		Plan:         r.Plan,
		OldIncluded:  res[0],
		NewIncluded:  r.Pool,
		Delta:        res[1],
		BalanceAfter: res[2],
	}, nil
}

// GetOrCreate loads the tenant's ledger with its full history. Usage entries
// are read after the index; history is append-only so the snapshot is
// consistent up to the moment the index was read.
func (s *Store) GetOrCreate(ctx context.Context, tenant string) (*tokenmeter.Ledger, error) {
	if tenant == "" {
		return nil, tokenmeter.ErrTenantRequired
	}
	lk := s.ledgerKey(tenant)

	var (
		fields    *goredis.MapStringStringCmd
		ids       *goredis.StringSliceCmd
		purchases *goredis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, lk, "created_at", stamp(s.now()))
		fields = pipe.HGetAll(ctx, lk)
		ids = pipe.LRange(ctx, s.entriesKey(tenant), 0, -1)
		purchases = pipe.LRange(ctx, s.purchasesKey(tenant), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/redis: load ledger: %w", err)
	}

	h := fields.Val()
	l := &tokenmeter.Ledger{
		Tenant:         tenant,
		Balance:        parseInt(h["balance"]),
		IncludedPool:   parseInt(h["included_pool"]),
		IncludedPlan:   h["included_plan"],
		TotalPurchased: parseInt(h["total_purchased"]),
		TotalUsed:      parseInt(h["total_used"]),
		Revision:       parseInt(h["revision"]),
		CreatedAt:      unstamp(h["created_at"]),
		UpdatedAt:      unstamp(h["updated_at"]),
		Purchases:      []tokenmeter.Purchase{},
		UsageEntries:   []tokenmeter.UsageEntry{},
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}

	for _, doc := range purchases.Val() {
		var p tokenmeter.Purchase
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("tokenmeter/redis: decode purchase: %w", err)
		}
		l.Purchases = append(l.Purchases, p)
	}
	if n := len(l.Purchases); n > 0 {
		last := l.Purchases[n-1]
		l.LastPurchase = &tokenmeter.PurchaseSummary{
			USDAmount:      last.USDAmount,
			TokensReceived: last.TokensReceived,
			Timestamp:      last.Timestamp,
		}
	}

	if len(ids.Val()) == 0 {
		return l, nil
	}
	cmds := make([]*goredis.MapStringStringCmd, 0, len(ids.Val()))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range ids.Val() {
			cmds = append(cmds, pipe.HGetAll(ctx, s.entryKey(tenant, id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/redis: load usage: %w", err)
	}
	for _, cmd := range cmds {
		e, err := decodeEntry(cmd.Val())
		if err != nil {
			return nil, err
		}
		l.UsageEntries = append(l.UsageEntries, e)
	}
	return l, nil
}

func decodeEntry(h map[string]string) (tokenmeter.UsageEntry, error) {
	e := tokenmeter.UsageEntry{
		ID:             h["id"],
		ReservationID:  h["reservation_id"],
		Feature:        h["feature"],
		Status:         tokenmeter.EntryStatus(h["status"]),
		Source:         tokenmeter.FundingSource(h["source"]),
		TokensReserved: parseInt(h["tokens_reserved"]),
		RefundedAmount: parseInt(h["refunded_amount"]),
		FromIncluded:   parseInt(h["from_included"]),
		Delta:          parseInt(h["delta"]),
		Timestamp:      unstamp(h["created_at"]),
	}
	if v, ok := h["tokens_actual"]; ok {
		n := parseInt(v)
		e.TokensActual = &n
	}
	if v, ok := h["settled_at"]; ok {
		at := unstamp(v)
		e.SettledAt = &at
	}
	if md := h["metadata"]; md != "" {
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return e, fmt.Errorf("tokenmeter/redis: decode metadata: %w", err)
		}
	}
	return e, nil
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// Tenants lists every tenant with a ledger hash. It scans the keyspace, so it
// is meant for maintenance jobs, not request paths.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	head, tail := s.keyPrefix+"{", "}:ledger"
	var (
		tenants []string
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, head+"*"+tail, 500).Result()
		if err != nil {
			return nil, fmt.Errorf("tokenmeter/redis: scan tenants: %w", err)
		}
		for _, k := range keys {
			if strings.HasPrefix(k, head) && strings.HasSuffix(k, tail) {
				tenants = append(tenants, k[len(head):len(k)-len(tail)])
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	slices.Sort(tenants)
	return slices.Compact(tenants), nil
}
