// Package postgres provides a PostgreSQL-backed LedgerStore for tokenmeter.
//
// Each tenant has one row in the ledgers table; purchases and usage entries
// are append-only child tables. Every mutation runs in a transaction that
// locks the tenant row, so concurrent reservations against the same balance
// are serialized across all engine instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ineyio/tokenmeter"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed LedgerStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ tokenmeter.LedgerStore  = (*Store)(nil)
	_ tokenmeter.TenantLister = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokenmeter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed LedgerStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tokenmeter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ledgersTable() string   { return s.tablePrefix + "ledgers" }
func (s *Store) purchasesTable() string { return s.tablePrefix + "purchases" }
func (s *Store) usageTable() string     { return s.tablePrefix + "usage" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			tenant TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			included_pool BIGINT NOT NULL DEFAULT 0,
			included_plan TEXT NOT NULL DEFAULT '',
			total_purchased BIGINT NOT NULL DEFAULT 0,
			total_used BIGINT NOT NULL DEFAULT 0,
			revision BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			seq BIGSERIAL PRIMARY KEY,
			tenant TEXT NOT NULL REFERENCES %[1]s (tenant),
			usd_amount NUMERIC NOT NULL,
			app_revenue_share NUMERIC NOT NULL,
			token_budget_share NUMERIC NOT NULL,
			unit_price NUMERIC NOT NULL,
			tokens_received BIGINT NOT NULL,
			external_charge_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %[2]s_charge_idx
			ON %[2]s (tenant, external_charge_id) WHERE external_charge_id <> '';
		CREATE TABLE IF NOT EXISTS %[3]s (
			seq BIGSERIAL PRIMARY KEY,
			tenant TEXT NOT NULL REFERENCES %[1]s (tenant),
			id TEXT NOT NULL,
			reservation_id TEXT NOT NULL DEFAULT '',
			feature TEXT NOT NULL,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			tokens_reserved BIGINT NOT NULL DEFAULT 0,
			tokens_actual BIGINT,
			refunded_amount BIGINT NOT NULL DEFAULT 0,
			from_included BIGINT NOT NULL DEFAULT 0,
			delta BIGINT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ,
			UNIQUE (tenant, id)
		);
	`, s.ledgersTable(), s.purchasesTable(), s.usageTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: ensure schema: %w", err)
	}
	return nil
}

// ledgerRow is the locked scalar state of a tenant ledger.
type ledgerRow struct {
	balance      int64
	includedPool int64
}

// withLedger runs fn inside a transaction holding the tenant's row lock.
func (s *Store) withLedger(ctx context.Context, tenant string, fn func(tx pgx.Tx, row ledgerRow) error) error {
	if tenant == "" {
		return tokenmeter.ErrTenantRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureLedger(ctx, tx, tenant); err != nil {
		return err
	}

	var row ledgerRow
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, included_pool FROM %s WHERE tenant = $1 FOR UPDATE`, s.ledgersTable()),
		tenant,
	).Scan(&row.balance, &row.includedPool)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: lock ledger: %w", err)
	}

	if err := fn(tx, row); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tokenmeter/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) ensureLedger(ctx context.Context, tx pgx.Tx, tenant string) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (tenant) VALUES ($1) ON CONFLICT (tenant) DO NOTHING`, s.ledgersTable()),
		tenant,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: create ledger: %w", err)
	}
	return nil
}

// GetOrCreate loads the tenant's ledger with its full history.
func (s *Store) GetOrCreate(ctx context.Context, tenant string) (*tokenmeter.Ledger, error) {
	if tenant == "" {
		return nil, tokenmeter.ErrTenantRequired
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureLedger(ctx, tx, tenant); err != nil {
		return nil, err
	}

	l := &tokenmeter.Ledger{Tenant: tenant}
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, included_pool, included_plan, total_purchased, total_used,
			revision, created_at, updated_at FROM %s WHERE tenant = $1`, s.ledgersTable()),
		tenant,
	).Scan(&l.Balance, &l.IncludedPool, &l.IncludedPlan, &l.TotalPurchased, &l.TotalUsed,
		&l.Revision, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/postgres: load ledger: %w", err)
	}

	if l.Purchases, err = s.loadPurchases(ctx, tx, tenant); err != nil {
		return nil, err
	}
	if n := len(l.Purchases); n > 0 {
		last := l.Purchases[n-1]
		l.LastPurchase = &tokenmeter.PurchaseSummary{
			USDAmount:      last.USDAmount,
			TokensReceived: last.TokensReceived,
			Timestamp:      last.Timestamp,
		}
	}
	if l.UsageEntries, err = s.loadUsage(ctx, tx, tenant); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tokenmeter/postgres: commit: %w", err)
	}
	return l, nil
}

func (s *Store) loadPurchases(ctx context.Context, tx pgx.Tx, tenant string) ([]tokenmeter.Purchase, error) {
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT usd_amount::text, app_revenue_share::text, token_budget_share::text,
			unit_price::text, tokens_received, external_charge_id, status, created_at
			FROM %s WHERE tenant = $1 ORDER BY seq`, s.purchasesTable()),
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/postgres: load purchases: %w", err)
	}
	defer rows.Close()

	out := []tokenmeter.Purchase{}
	for rows.Next() {
		var (
			p                    tokenmeter.Purchase
			usd, app, budget, up string
		)
		if err := rows.Scan(&usd, &app, &budget, &up, &p.TokensReceived, &p.ExternalChargeID, &p.Status, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("tokenmeter/postgres: scan purchase: %w", err)
		}
		if p.USDAmount, err = decimal.NewFromString(usd); err != nil {
			return nil, fmt.Errorf("tokenmeter/postgres: parse usd_amount: %w", err)
		}
		p.AppRevenueShare, _ = decimal.NewFromString(app)
		p.TokenBudgetShare, _ = decimal.NewFromString(budget)
		p.UnitPrice, _ = decimal.NewFromString(up)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadUsage(ctx context.Context, tx pgx.Tx, tenant string) ([]tokenmeter.UsageEntry, error) {
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT id, reservation_id, feature, status, source, tokens_reserved, tokens_actual,
			refunded_amount, from_included, delta, metadata, created_at, settled_at
			FROM %s WHERE tenant = $1 ORDER BY seq`, s.usageTable()),
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/postgres: load usage: %w", err)
	}
	defer rows.Close()

	out := []tokenmeter.UsageEntry{}
	for rows.Next() {
		var e tokenmeter.UsageEntry
		if err := rows.Scan(&e.ID, &e.ReservationID, &e.Feature, &e.Status, &e.Source, &e.TokensReserved,
			&e.TokensActual, &e.RefundedAmount, &e.FromIncluded, &e.Delta, &e.Metadata, &e.Timestamp, &e.SettledAt); err != nil {
			return nil, fmt.Errorf("tokenmeter/postgres: scan usage: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) updateLedger(ctx context.Context, tx pgx.Tx, tenant string, balance, includedPool, usedDelta, purchasedDelta int64, at time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $2, included_pool = $3,
			total_used = total_used + $4, total_purchased = total_purchased + $5,
			revision = revision + 1, updated_at = $6
			WHERE tenant = $1`, s.ledgersTable()),
		tenant, balance, includedPool, usedDelta, purchasedDelta, at,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: update ledger: %w", err)
	}
	return nil
}

func (s *Store) insertUsage(ctx context.Context, tx pgx.Tx, tenant string, e tokenmeter.UsageEntry) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (tenant, id, reservation_id, feature, status, source,
			tokens_reserved, from_included, delta, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.usageTable()),
		tenant, e.ID, e.ReservationID, e.Feature, string(e.Status), string(e.Source),
		e.TokensReserved, e.FromIncluded, e.Delta, e.Metadata, e.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", tokenmeter.ErrDuplicateReservation, e.ID)
	}
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: insert usage: %w", err)
	}
	return nil
}

// Reserve debits the reservation amount under the tenant row lock.
func (s *Store) Reserve(ctx context.Context, req tokenmeter.ReserveRequest) (tokenmeter.Reservation, error) {
	var res tokenmeter.Reservation
	err := s.withLedger(ctx, req.Tenant, func(tx pgx.Tx, row ledgerRow) error {
		if req.ReservationID != "" {
			var dup bool
			err := tx.QueryRow(ctx,
				fmt.Sprintf(`SELECT true FROM %s WHERE tenant = $1 AND (id = $2 OR reservation_id = $2) LIMIT 1`, s.usageTable()),
				req.Tenant, req.ReservationID,
			).Scan(&dup)
			if err == nil {
				return fmt.Errorf("%w: %s", tokenmeter.ErrDuplicateReservation, req.ReservationID)
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("tokenmeter/postgres: check reservation: %w", err)
			}
		}

		from, err := tokenmeter.CheckReserve(req.Tenant, row.balance, row.includedPool, req)
		if err != nil {
			return err
		}

		balance := row.balance - req.Amount
		if err := s.updateLedger(ctx, tx, req.Tenant, balance, row.includedPool-from, 0, 0, req.At); err != nil {
			return err
		}
		err = s.insertUsage(ctx, tx, req.Tenant, tokenmeter.UsageEntry{
			ID:             req.ReservationID,
			ReservationID:  req.ReservationID,
			Feature:        req.Feature,
			Status:         tokenmeter.EntryReserved,
			Source:         req.Source,
			TokensReserved: req.Amount,
			FromIncluded:   from,
			Metadata:       req.Metadata,
			Timestamp:      req.At,
		})
		if err != nil {
			return err
		}

		res = tokenmeter.Reservation{
			ID:           req.ReservationID,
			Tenant:       req.Tenant,
			Feature:      req.Feature,
			Amount:       req.Amount,
			Source:       req.Source,
			FromIncluded: from,
			BalanceAfter: balance,
			CreatedAt:    req.At,
		}
		return nil
	})
	return res, err
}

type openEntry struct {
	reserved     int64
	fromIncluded int64
	source       tokenmeter.FundingSource
}

func (s *Store) lockOpenEntry(ctx context.Context, tx pgx.Tx, tenant, reservationID string) (openEntry, error) {
	var e openEntry
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT tokens_reserved, from_included, source FROM %s
			WHERE tenant = $1 AND reservation_id = $2 AND status = $3 FOR UPDATE`, s.usageTable()),
		tenant, reservationID, string(tokenmeter.EntryReserved),
	).Scan(&e.reserved, &e.fromIncluded, &e.source)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, tokenmeter.ErrReservationNotFound
	}
	if err != nil {
		return e, fmt.Errorf("tokenmeter/postgres: load reservation: %w", err)
	}
	return e, nil
}

func (s *Store) settleEntry(ctx context.Context, tx pgx.Tx, tenant, reservationID string, status tokenmeter.EntryStatus, actual *int64, refunded int64, at time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $3, tokens_actual = $4, refunded_amount = $5, settled_at = $6
			WHERE tenant = $1 AND reservation_id = $2 AND status = 'reserved'`, s.usageTable()),
		tenant, reservationID, string(status), actual, refunded, at,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: settle reservation: %w", err)
	}
	return nil
}

// Finalize settles a reservation to its actual cost.
func (s *Store) Finalize(ctx context.Context, tenant, reservationID string, actual int64, at time.Time) (tokenmeter.Settlement, error) {
	if actual < 0 {
		return tokenmeter.Settlement{}, fmt.Errorf("%w: actual %d", tokenmeter.ErrInvalidAmount, actual)
	}

	var st tokenmeter.Settlement
	err := s.withLedger(ctx, tenant, func(tx pgx.Tx, row ledgerRow) error {
		e, err := s.lockOpenEntry(ctx, tx, tenant, reservationID)
		if err != nil {
			return err
		}

		m := tokenmeter.SettleFinal(e.reserved, e.fromIncluded, actual, row.includedPool, e.source)
		balance := row.balance + m.BalanceDelta
		if err := s.updateLedger(ctx, tx, tenant, balance, row.includedPool+m.IncludedDelta, actual, 0, at); err != nil {
			return err
		}
		if err := s.settleEntry(ctx, tx, tenant, reservationID, tokenmeter.EntryFinalized, &actual, m.Refunded, at); err != nil {
			return err
		}

		st = tokenmeter.Settlement{
			ReservationID: reservationID,
			Tenant:        tenant,
			Status:        tokenmeter.EntryFinalized,
			Reserved:      e.reserved,
			Actual:        actual,
			Difference:    m.BalanceDelta,
			Refunded:      m.Refunded,
			BalanceAfter:  balance,
			Applied:       true,
		}
		return nil
	})
	return st, err
}

// Cancel refunds a reservation in full.
func (s *Store) Cancel(ctx context.Context, tenant, reservationID string, at time.Time) (tokenmeter.Settlement, error) {
	var st tokenmeter.Settlement
	err := s.withLedger(ctx, tenant, func(tx pgx.Tx, row ledgerRow) error {
		e, err := s.lockOpenEntry(ctx, tx, tenant, reservationID)
		if err != nil {
			return err
		}

		m := tokenmeter.SettleCancel(e.reserved, e.fromIncluded)
		balance := row.balance + m.BalanceDelta
		if err := s.updateLedger(ctx, tx, tenant, balance, row.includedPool+m.IncludedDelta, 0, 0, at); err != nil {
			return err
		}
		if err := s.settleEntry(ctx, tx, tenant, reservationID, tokenmeter.EntryCancelled, nil, m.Refunded, at); err != nil {
			return err
		}

		st = tokenmeter.Settlement{
			ReservationID: reservationID,
			Tenant:        tenant,
			Status:        tokenmeter.EntryCancelled,
			Reserved:      e.reserved,
			Difference:    m.BalanceDelta,
			Refunded:      m.Refunded,
			BalanceAfter:  balance,
			Applied:       true,
		}
		return nil
	})
	return st, err
}

// RecordPurchase credits a purchase. A repeated external charge id is rejected.
func (s *Store) RecordPurchase(ctx context.Context, tenant string, p tokenmeter.Purchase) error {
	if p.TokensReceived < 0 {
		return fmt.Errorf("%w: tokens %d", tokenmeter.ErrInvalidAmount, p.TokensReceived)
	}
	if p.Status == "" {
		p.Status = tokenmeter.PurchaseCompleted
	}

	return s.withLedger(ctx, tenant, func(tx pgx.Tx, row ledgerRow) error {
		if p.ExternalChargeID != "" {
			var dup bool
			err := tx.QueryRow(ctx,
				fmt.Sprintf(`SELECT true FROM %s WHERE tenant = $1 AND external_charge_id = $2`, s.purchasesTable()),
				tenant, p.ExternalChargeID,
			).Scan(&dup)
			if err == nil {
				return fmt.Errorf("%w: %s", tokenmeter.ErrDuplicateCharge, p.ExternalChargeID)
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("tokenmeter/postgres: check charge: %w", err)
			}
		}

		_, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (tenant, usd_amount, app_revenue_share, token_budget_share,
				unit_price, tokens_received, external_charge_id, status, created_at)
				VALUES ($1, ($2::text)::numeric, ($3::text)::numeric, ($4::text)::numeric,
				($5::text)::numeric, $6, $7, $8, $9)`, s.purchasesTable()),
			tenant, p.USDAmount.String(), p.AppRevenueShare.String(), p.TokenBudgetShare.String(),
			p.UnitPrice.String(), p.TokensReceived, p.ExternalChargeID, string(p.Status), p.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("tokenmeter/postgres: insert purchase: %w", err)
		}

		return s.updateLedger(ctx, tx, tenant, row.balance+p.TokensReceived, row.includedPool, 0, p.TokensReceived, p.Timestamp)
	})
}

// ReplaceIncludedPool swaps the included allotment and records the delta.
func (s *Store) ReplaceIncludedPool(ctx context.Context, r tokenmeter.PoolReplacement) (tokenmeter.PoolChange, error) {
	if r.Pool < 0 {
		return tokenmeter.PoolChange{}, fmt.Errorf("%w: pool %d", tokenmeter.ErrInvalidAmount, r.Pool)
	}

	var pc tokenmeter.PoolChange
	err := s.withLedger(ctx, r.Tenant, func(tx pgx.Tx, row ledgerRow) error {
		balance, delta := tokenmeter.ReplacePool(row.balance, row.includedPool, r.Pool)
		if err := s.updateLedger(ctx, tx, r.Tenant, balance, r.Pool, 0, 0, r.At); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET included_plan = $2 WHERE tenant = $1`, s.ledgersTable()),
			r.Tenant, r.Plan,
		)
		if err != nil {
			return fmt.Errorf("tokenmeter/postgres: update plan: %w", err)
		}
		if err := s.insertUsage(ctx, tx, r.Tenant, tokenmeter.PoolAdjustmentEntry(r, delta)); err != nil {
			return err
		}

		pc = tokenmeter.PoolChange{
			Tenant:       r.Tenant,
			Plan:         r.Plan,
			OldIncluded:  row.includedPool,
			NewIncluded:  r.Pool,
			Delta:        delta,
			BalanceAfter: balance,
		}
		return nil
	})
	return pc, err
}

// Tenants lists every tenant with a ledger row.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT tenant FROM %s ORDER BY tenant`, s.ledgersTable()))
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/postgres: list tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/postgres: list tenants: %w", err)
	}
	return tenants, nil
}
