// Package sweep finds reservations that were never settled.
//
// A reservation whose worker crashed between reserve and finalize keeps its
// tokens debited. Its true cost is unknown, so by default the Sweeper only
// reports open reservations older than a maximum age, together with ledgers
// whose balance no longer reconciles. Releasing them (a full refund through
// Engine.Cancel) is an explicit operator choice made with WithRelease.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ineyio/tokenmeter"
)

// DefaultMaxAge is the age after which an open reservation counts as stale.
const DefaultMaxAge = time.Hour

// StaleReservation is an open reservation older than the maximum age.
type StaleReservation struct {
	Tenant        string        `json:"tenant"`
	ReservationID string        `json:"reservationId"`
	Feature       string        `json:"feature"`
	Reserved      int64         `json:"reserved"`
	Age           time.Duration `json:"age"`
	Released      bool          `json:"released"`
}

// Report summarizes one sweep. Released and Tokens stay zero unless the
// sweeper releases stale reservations.
type Report struct {
	Tenants  int                `json:"tenants"`
	Stale    []StaleReservation `json:"stale"`
	Released int                `json:"released"`
	Tokens   int64              `json:"tokens"`
	Drifted  []string           `json:"drifted"`
}

// Sweeper cancels stale reservations across all tenants of a store.
type Sweeper struct {
	engine  *tokenmeter.Engine
	tenants tokenmeter.TenantLister
	maxAge  time.Duration
	release bool
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithMaxAge sets the age after which an open reservation counts as stale.
func WithMaxAge(d time.Duration) Option {
	return func(s *Sweeper) { s.maxAge = d }
}

// WithRelease makes the sweeper cancel stale reservations instead of only
// reporting them. A finalize arriving after the release is a no-op, so the
// work it measured is never charged.
func WithRelease(release bool) Option {
	return func(s *Sweeper) { s.release = release }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper that settles through engine and enumerates tenants
// with lister.
func New(engine *tokenmeter.Engine, lister tokenmeter.TenantLister, opts ...Option) *Sweeper {
	s := &Sweeper{
		engine:  engine,
		tenants: lister,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
		logger:  slog.Default().With("component", "sweep"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxAge
	}
	return s
}

// Sweep runs one pass over every tenant. A failing tenant does not stop the
// pass; its error is returned joined with the others.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	tenants, err := s.tenants.Tenants(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("sweep: list tenants: %w", err)
	}

	var (
		rep  Report
		errs []error
	)
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.sweepTenant(ctx, tenant, &rep); err != nil {
			errs = append(errs, fmt.Errorf("sweep: tenant %s: %w", tenant, err))
		}
		rep.Tenants++
	}
	return rep, errors.Join(errs...)
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenant string, rep *Report) error {
	l, err := s.engine.Ledger(ctx, tenant)
	if err != nil {
		return err
	}

	now := s.now()
	for _, e := range l.OpenReservations() {
		age := now.Sub(e.Timestamp)
		if age < s.maxAge {
			continue
		}
		stale := StaleReservation{
			Tenant:        tenant,
			ReservationID: e.ReservationID,
			Feature:       e.Feature,
			Reserved:      e.TokensReserved,
			Age:           age,
		}
		if !s.release {
			rep.Stale = append(rep.Stale, stale)
			s.logger.Warn("stale reservation",
				"tenant", tenant,
				"reservation_id", e.ReservationID,
				"feature", e.Feature,
				"reserved", e.TokensReserved,
				"age", age.Round(time.Second),
			)
			continue
		}

		st, err := s.engine.Cancel(ctx, tenant, e.ReservationID)
		if err != nil {
			return err
		}
		stale.Released = st.Applied
		rep.Stale = append(rep.Stale, stale)
		if !st.Applied {
			continue
		}
		rep.Released++
		rep.Tokens += st.Refunded
		s.logger.Warn("stale reservation released",
			"tenant", tenant,
			"reservation_id", e.ReservationID,
			"feature", e.Feature,
			"refunded", st.Refunded,
			"age", age.Round(time.Second),
		)
	}

	l, err = s.engine.Ledger(ctx, tenant)
	if err != nil {
		return err
	}
	if err := l.Reconcile(); err != nil {
		rep.Drifted = append(rep.Drifted, tenant)
		s.logger.Error("ledger does not reconcile", "tenant", tenant, "error", err)
	}
	return nil
}
