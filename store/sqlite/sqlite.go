// Package sqlite provides a single-node LedgerStore backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/ineyio/tokenmeter"
)

// Store implements tokenmeter.LedgerStore backed by SQLite. SQLite has a
// single writer, so the pool is capped at one connection and every mutation
// runs in its own transaction.
type Store struct {
	db *sql.DB
}

var (
	_ tokenmeter.LedgerStore  = (*Store)(nil)
	_ tokenmeter.TenantLister = (*Store)(nil)
)

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tokenmeter/sqlite: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tokenmeter/sqlite: busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS ledgers (
	tenant TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0,
	included_pool INTEGER NOT NULL DEFAULT 0,
	included_plan TEXT NOT NULL DEFAULT '',
	total_purchased INTEGER NOT NULL DEFAULT 0,
	total_used INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS purchases (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant TEXT NOT NULL,
	usd_amount TEXT NOT NULL,
	app_revenue_share TEXT NOT NULL,
	token_budget_share TEXT NOT NULL,
	unit_price TEXT NOT NULL,
	tokens_received INTEGER NOT NULL,
	external_charge_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK(status IN ('completed','refunded')),
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_purchases_charge ON purchases(tenant, external_charge_id) WHERE external_charge_id <> '';
CREATE TABLE IF NOT EXISTS usage_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant TEXT NOT NULL,
	id TEXT NOT NULL,
	reservation_id TEXT NOT NULL DEFAULT '',
	feature TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('reserved','finalized','cancelled','adjustment')),
	source TEXT NOT NULL DEFAULT '',
	tokens_reserved INTEGER NOT NULL DEFAULT 0,
	tokens_actual INTEGER,
	refunded_amount INTEGER NOT NULL DEFAULT 0,
	from_included INTEGER NOT NULL DEFAULT 0,
	delta INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at TEXT NOT NULL,
	settled_at TEXT,
	UNIQUE(tenant, id)
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_reservation ON usage_entries(tenant, reservation_id, status);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("tokenmeter/sqlite: apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

type ledgerRow struct {
	balance      int64
	includedPool int64
	revision     int64
}

// withLedger runs fn in a transaction after loading the tenant's row.
func (s *Store) withLedger(ctx context.Context, tenant string, fn func(tx *sql.Tx, row ledgerRow) error) error {
	if tenant == "" {
		return tokenmeter.ErrTenantRequired
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tokenmeter/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := ensureLedger(ctx, tx, tenant); err != nil {
		return err
	}

	var row ledgerRow
	err = tx.QueryRowContext(ctx,
		`SELECT balance, included_pool, revision FROM ledgers WHERE tenant = ?`, tenant,
	).Scan(&row.balance, &row.includedPool, &row.revision)
	if err != nil {
		return fmt.Errorf("tokenmeter/sqlite: load ledger: %w", err)
	}

	if err := fn(tx, row); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tokenmeter/sqlite: commit: %w", err)
	}
	return nil
}

func ensureLedger(ctx context.Context, tx *sql.Tx, tenant string) error {
	now := formatTime(time.Now())
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledgers(tenant, created_at, updated_at) VALUES(?, ?, ?) ON CONFLICT(tenant) DO NOTHING`,
		tenant, now, now,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/sqlite: create ledger: %w", err)
	}
	return nil
}

// updateLedger writes new scalar state only if the row still has the revision
// it was read at.
func updateLedger(ctx context.Context, tx *sql.Tx, tenant string, row ledgerRow, balance, includedPool, usedDelta, purchasedDelta int64, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
UPDATE ledgers SET balance = ?, included_pool = ?, total_used = total_used + ?,
	total_purchased = total_purchased + ?, revision = revision + 1, updated_at = ?
WHERE tenant = ? AND revision = ?`,
		balance, includedPool, usedDelta, purchasedDelta, formatTime(at), tenant, row.revision,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/sqlite: update ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tokenmeter/sqlite: update ledger: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("tokenmeter/sqlite: ledger %s changed concurrently", tenant)
	}
	return nil
}

func insertUsage(ctx context.Context, tx *sql.Tx, tenant string, e tokenmeter.UsageEntry) error {
	var md sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("tokenmeter/sqlite: encode metadata: %w", err)
		}
		md = sql.NullString{String: string(b), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO usage_entries(tenant, id, reservation_id, feature, status, source, tokens_reserved, from_included, delta, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant, e.ID, e.ReservationID, e.Feature, string(e.Status), string(e.Source),
		e.TokensReserved, e.FromIncluded, e.Delta, md, formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/sqlite: insert usage: %w", err)
	}
	return nil
}

// GetOrCreate loads the tenant's ledger with its full history.
func (s *Store) GetOrCreate(ctx context.Context, tenant string) (*tokenmeter.Ledger, error) {
	if tenant == "" {
		return nil, tokenmeter.ErrTenantRequired
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := ensureLedger(ctx, tx, tenant); err != nil {
		return nil, err
	}

	l := &tokenmeter.Ledger{Tenant: tenant}
	var created, updated string
	err = tx.QueryRowContext(ctx, `
SELECT balance, included_pool, included_plan, total_purchased, total_used, revision, created_at, updated_at
FROM ledgers WHERE tenant = ?`, tenant,
	).Scan(&l.Balance, &l.IncludedPool, &l.IncludedPlan, &l.TotalPurchased, &l.TotalUsed, &l.Revision, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: load ledger: %w", err)
	}
	l.CreatedAt, _ = parseTime(created)
	l.UpdatedAt, _ = parseTime(updated)

	if l.Purchases, err = loadPurchases(ctx, tx, tenant); err != nil {
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
	if l.UsageEntries, err = loadUsage(ctx, tx, tenant); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: commit: %w", err)
	}
	return l, nil
}

func loadPurchases(ctx context.Context, tx *sql.Tx, tenant string) ([]tokenmeter.Purchase, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT usd_amount, app_revenue_share, token_budget_share, unit_price, tokens_received, external_charge_id, status, created_at
FROM purchases WHERE tenant = ? ORDER BY seq`, tenant)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: load purchases: %w", err)
	}
	defer rows.Close()

	out := []tokenmeter.Purchase{}
	for rows.Next() {
		var (
			p                       tokenmeter.Purchase
			usd, app, budget, price string
			status, created         string
		)
		if err := rows.Scan(&usd, &app, &budget, &price, &p.TokensReceived, &p.ExternalChargeID, &status, &created); err != nil {
			return nil, fmt.Errorf("tokenmeter/sqlite: scan purchase: %w", err)
		}
		if p.USDAmount, err = decimal.NewFromString(usd); err != nil {
			return nil, fmt.Errorf("tokenmeter/sqlite: parse usd_amount: %w", err)
		}
		p.AppRevenueShare, _ = decimal.NewFromString(app)
		p.TokenBudgetShare, _ = decimal.NewFromString(budget)
		p.UnitPrice, _ = decimal.NewFromString(price)
		p.Status = tokenmeter.PurchaseStatus(status)
		p.Timestamp, _ = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func loadUsage(ctx context.Context, tx *sql.Tx, tenant string) ([]tokenmeter.UsageEntry, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT id, reservation_id, feature, status, source, tokens_reserved, tokens_actual, refunded_amount,
	from_included, delta, metadata, created_at, settled_at
FROM usage_entries WHERE tenant = ? ORDER BY seq`, tenant)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: load usage: %w", err)
	}
	defer rows.Close()

	out := []tokenmeter.UsageEntry{}
	for rows.Next() {
		var (
			e              tokenmeter.UsageEntry
			status, source string
			actual         sql.NullInt64
			md, settled    sql.NullString
			created        string
		)
		if err := rows.Scan(&e.ID, &e.ReservationID, &e.Feature, &status, &source, &e.TokensReserved, &actual,
			&e.RefundedAmount, &e.FromIncluded, &e.Delta, &md, &created, &settled); err != nil {
			return nil, fmt.Errorf("tokenmeter/sqlite: scan usage: %w", err)
		}
		e.Status = tokenmeter.EntryStatus(status)
		e.Source = tokenmeter.FundingSource(source)
		if actual.Valid {
			v := actual.Int64
			e.TokensActual = &v
		}
		if md.Valid {
			if err := json.Unmarshal([]byte(md.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("tokenmeter/sqlite: decode metadata: %w", err)
			}
		}
		e.Timestamp, _ = parseTime(created)
		if settled.Valid {
			at, err := parseTime(settled.String)
			if err == nil {
				e.SettledAt = &at
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reserve debits the reservation amount.
func (s *Store) Reserve(ctx context.Context, req tokenmeter.ReserveRequest) (tokenmeter.Reservation, error) {
	var res tokenmeter.Reservation
	err := s.withLedger(ctx, req.Tenant, func(tx *sql.Tx, row ledgerRow) error {
		if req.ReservationID != "" {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM usage_entries WHERE tenant = ? AND (id = ? OR reservation_id = ?)`,
				req.Tenant, req.ReservationID, req.ReservationID,
			).Scan(&n)
			if err != nil {
				return fmt.Errorf("tokenmeter/sqlite: check reservation: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", tokenmeter.ErrDuplicateReservation, req.ReservationID)
			}
		}

		from, err := tokenmeter.CheckReserve(req.Tenant, row.balance, row.includedPool, req)
		if err != nil {
			return err
		}

		balance := row.balance - req.Amount
		if err := updateLedger(ctx, tx, req.Tenant, row, balance, row.includedPool-from, 0, 0, req.At); err != nil {
			return err
		}
		err = insertUsage(ctx, tx, req.Tenant, tokenmeter.UsageEntry{
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

func loadOpenEntry(ctx context.Context, tx *sql.Tx, tenant, reservationID string) (openEntry, error) {
	var (
		e      openEntry
		source string
	)
	err := tx.QueryRowContext(ctx, `
SELECT tokens_reserved, from_included, source FROM usage_entries
WHERE tenant = ? AND reservation_id = ? AND status = 'reserved'`, tenant, reservationID,
	).Scan(&e.reserved, &e.fromIncluded, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return e, tokenmeter.ErrReservationNotFound
	}
	if err != nil {
		return e, fmt.Errorf("tokenmeter/sqlite: load reservation: %w", err)
	}
	e.source = tokenmeter.FundingSource(source)
	return e, nil
}

func settleEntry(ctx context.Context, tx *sql.Tx, tenant, reservationID string, status tokenmeter.EntryStatus, actual sql.NullInt64, refunded int64, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
UPDATE usage_entries SET status = ?, tokens_actual = ?, refunded_amount = ?, settled_at = ?
WHERE tenant = ? AND reservation_id = ? AND status = 'reserved'`,
		string(status), actual, refunded, formatTime(at), tenant, reservationID,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/sqlite: settle reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tokenmeter.ErrReservationNotFound
	}
	return nil
}

// Finalize settles a reservation to its actual cost.
func (s *Store) Finalize(ctx context.Context, tenant, reservationID string, actual int64, at time.Time) (tokenmeter.Settlement, error) {
	if actual < 0 {
		return tokenmeter.Settlement{}, fmt.Errorf("%w: actual %d", tokenmeter.ErrInvalidAmount, actual)
	}

	var st tokenmeter.Settlement
	err := s.withLedger(ctx, tenant, func(tx *sql.Tx, row ledgerRow) error {
		e, err := loadOpenEntry(ctx, tx, tenant, reservationID)
		if err != nil {
			return err
		}

		m := tokenmeter.SettleFinal(e.reserved, e.fromIncluded, actual, row.includedPool, e.source)
		balance := row.balance + m.BalanceDelta
		if err := updateLedger(ctx, tx, tenant, row, balance, row.includedPool+m.IncludedDelta, actual, 0, at); err != nil {
			return err
		}
		if err := settleEntry(ctx, tx, tenant, reservationID, tokenmeter.EntryFinalized, sql.NullInt64{Int64: actual, Valid: true}, m.Refunded, at); err != nil {
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
	err := s.withLedger(ctx, tenant, func(tx *sql.Tx, row ledgerRow) error {
		e, err := loadOpenEntry(ctx, tx, tenant, reservationID)
		if err != nil {
			return err
		}

		m := tokenmeter.SettleCancel(e.reserved, e.fromIncluded)
		balance := row.balance + m.BalanceDelta
		if err := updateLedger(ctx, tx, tenant, row, balance, row.includedPool+m.IncludedDelta, 0, 0, at); err != nil {
			return err
		}
		if err := settleEntry(ctx, tx, tenant, reservationID, tokenmeter.EntryCancelled, sql.NullInt64{}, m.Refunded, at); err != nil {
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

	return s.withLedger(ctx, tenant, func(tx *sql.Tx, row ledgerRow) error {
		if p.ExternalChargeID != "" {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM purchases WHERE tenant = ? AND external_charge_id = ?`,
				tenant, p.ExternalChargeID,
			).Scan(&n)
			if err != nil {
				return fmt.Errorf("tokenmeter/sqlite: check charge: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", tokenmeter.ErrDuplicateCharge, p.ExternalChargeID)
			}
		}

		_, err := tx.ExecContext(ctx, `
INSERT INTO purchases(tenant, usd_amount, app_revenue_share, token_budget_share, unit_price, tokens_received, external_charge_id, status, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tenant, p.USDAmount.String(), p.AppRevenueShare.String(), p.TokenBudgetShare.String(), p.UnitPrice.String(),
			p.TokensReceived, p.ExternalChargeID, string(p.Status), formatTime(p.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("tokenmeter/sqlite: insert purchase: %w", err)
		}

		return updateLedger(ctx, tx, tenant, row, row.balance+p.TokensReceived, row.includedPool, 0, p.TokensReceived, p.Timestamp)
	})
}

// ReplaceIncludedPool swaps the included allotment and records the delta.
func (s *Store) ReplaceIncludedPool(ctx context.Context, r tokenmeter.PoolReplacement) (tokenmeter.PoolChange, error) {
	if r.Pool < 0 {
		return tokenmeter.PoolChange{}, fmt.Errorf("%w: pool %d", tokenmeter.ErrInvalidAmount, r.Pool)
	}

	var pc tokenmeter.PoolChange
	err := s.withLedger(ctx, r.Tenant, func(tx *sql.Tx, row ledgerRow) error {
		balance, delta := tokenmeter.ReplacePool(row.balance, row.includedPool, r.Pool)
		if err := updateLedger(ctx, tx, r.Tenant, row, balance, r.Pool, 0, 0, r.At); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ledgers SET included_plan = ? WHERE tenant = ?`, r.Plan, r.Tenant); err != nil {
			return fmt.Errorf("tokenmeter/sqlite: update plan: %w", err)
		}
		if err := insertUsage(ctx, tx, r.Tenant, tokenmeter.PoolAdjustmentEntry(r, delta)); err != nil {
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
	rows, err := s.db.QueryContext(ctx, `SELECT tenant FROM ledgers ORDER BY tenant`)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/sqlite: list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("tokenmeter/sqlite: scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
