// Package mongo provides a MongoDB-backed LedgerStore for tokenmeter.
//
// Each tenant is one document holding its balance, totals and the full
// purchase and usage history. Writes replace the document only if its
// revision is unchanged since it was read and retry on conflict, so two
// concurrent reservations can never both spend the same balance.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ineyio/tokenmeter"
)

// DefaultCollection is the collection ledgers are stored in.
const DefaultCollection = "token_ledgers"

// ErrConflict is returned when a write keeps losing the revision race.
var ErrConflict = errors.New("tokenmeter/mongo: too many concurrent updates")

// compile-time interface check
var (
	_ tokenmeter.LedgerStore  = (*Store)(nil)
	_ tokenmeter.TenantLister = (*Store)(nil)
)

// Store implements tokenmeter.LedgerStore using MongoDB.
type Store struct {
	col        *mongo.Collection
	maxRetries int
	now        func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithMaxRetries sets how many times a conflicting write is retried
// (default 32).
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a store over the given database.
func New(db *mongo.Database, collection string, opts ...Option) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	s := &Store{
		col:        db.Collection(collection),
		maxRetries: 32,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the unique tenant index.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("tenant_unique"),
	})
	if err != nil {
		return fmt.Errorf("tokenmeter/mongo: migrate indexes: %w", err)
	}
	return nil
}

// GetOrCreate returns the tenant's ledger, inserting an empty one on first use.
func (s *Store) GetOrCreate(ctx context.Context, tenant string) (*tokenmeter.Ledger, error) {
	if tenant == "" {
		return nil, tokenmeter.ErrTenantRequired
	}

	now := s.now()
	empty := toLedgerModel(tokenmeter.NewLedger(tenant, now))
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var m ledgerModel
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"tenant": tenant},
		bson.M{"$setOnInsert": empty},
		opts,
	).Decode(&m)
	if mongo.IsDuplicateKeyError(err) {
		// Lost a concurrent upsert; the document exists now.
		err = s.col.FindOne(ctx, bson.M{"tenant": tenant}).Decode(&m)
	}
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/mongo: get ledger: %w", err)
	}
	return fromLedgerModel(&m), nil
}

// update loads the ledger, applies fn and writes it back if nobody else
// changed it in between. Errors from fn are returned without retrying.
func (s *Store) update(ctx context.Context, tenant string, fn func(l *tokenmeter.Ledger) error) error {
	if tenant == "" {
		return tokenmeter.ErrTenantRequired
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		l, err := s.GetOrCreate(ctx, tenant)
		if err != nil {
			return err
		}
		revision := l.Revision
		if err := fn(l); err != nil {
			return err
		}

		res, err := s.col.ReplaceOne(ctx,
			bson.M{"tenant": tenant, "revision": revision},
			toLedgerModel(l),
		)
		if err != nil {
			return fmt.Errorf("tokenmeter/mongo: write ledger: %w", err)
		}
		if res.MatchedCount == 1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: tenant %s", ErrConflict, tenant)
}

// Reserve debits the reservation amount.
func (s *Store) Reserve(ctx context.Context, req tokenmeter.ReserveRequest) (tokenmeter.Reservation, error) {
	var res tokenmeter.Reservation
	err := s.update(ctx, req.Tenant, func(l *tokenmeter.Ledger) error {
		var err error
		res, err = l.Reserve(req)
		return err
	})
	return res, err
}

// Finalize settles a reservation to its actual cost.
func (s *Store) Finalize(ctx context.Context, tenant, reservationID string, actual int64, at time.Time) (tokenmeter.Settlement, error) {
	var st tokenmeter.Settlement
	err := s.update(ctx, tenant, func(l *tokenmeter.Ledger) error {
		var err error
		st, err = l.Finalize(reservationID, actual, at)
		return err
	})
	return st, err
}

// Cancel refunds a reservation in full.
func (s *Store) Cancel(ctx context.Context, tenant, reservationID string, at time.Time) (tokenmeter.Settlement, error) {
	var st tokenmeter.Settlement
	err := s.update(ctx, tenant, func(l *tokenmeter.Ledger) error {
		var err error
		st, err = l.Cancel(reservationID, at)
		return err
	})
	return st, err
}

// RecordPurchase credits a purchase. A repeated external charge id is rejected.
func (s *Store) RecordPurchase(ctx context.Context, tenant string, p tokenmeter.Purchase) error {
	return s.update(ctx, tenant, func(l *tokenmeter.Ledger) error {
		return l.RecordPurchase(p)
	})
}

// ReplaceIncludedPool swaps the included allotment and records the delta.
func (s *Store) ReplaceIncludedPool(ctx context.Context, r tokenmeter.PoolReplacement) (tokenmeter.PoolChange, error) {
	var pc tokenmeter.PoolChange
	err := s.update(ctx, r.Tenant, func(l *tokenmeter.Ledger) error {
		var err error
		pc, err = l.ReplaceIncludedPool(r)
		return err
	})
	return pc, err
}

// Tenants lists every tenant with a ledger document.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"tenant": 1, "_id": 0}).
		SetSort(bson.D{{Key: "tenant", Value: 1}})
	cur, err := s.col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/mongo: list tenants: %w", err)
	}

	var docs []struct {
		Tenant string `bson:"tenant"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("tokenmeter/mongo: list tenants: %w", err)
	}
	tenants := make([]string, len(docs))
	for i, d := range docs {
		tenants[i] = d.Tenant
	}
	return tenants, nil
}
