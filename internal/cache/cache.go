// Package cache keeps recently read records so repeated profile and
// organization lookups do not reach the data provider.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gatekeep.dev/internal/provider"
)

// Default per-table lifetimes.
const (
	DefaultProfileTTL      = 5 * time.Minute
	DefaultOrganizationTTL = 10 * time.Minute
)

// Backend stores encoded records under string keys.
type Backend interface {
	// Get reports ok=false on a miss.
	Get(ctx context.Context, key string) (provider.Record, bool, error)
	Set(ctx context.Context, key string, rec provider.Record, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// lookup columns whose keys are refreshed after a write.
var indexColumns = map[string][]string{
	provider.TableProfiles:      {"user_id", "id"},
	provider.TableOrganizations: {"id", "slug"},
}

// Records is a read-through cache in front of another provider.Records.
// Tables without a TTL are not cached.
type Records struct {
	next    provider.Records
	backend Backend
	ttl     map[string]time.Duration
	log     zerolog.Logger
}

var _ provider.Records = (*Records)(nil)

// Option configures Records.
type Option func(*Records)

// WithTTL sets the lifetime for table; zero disables caching for it.
func WithTTL(table string, ttl time.Duration) Option {
	return func(r *Records) {
		if ttl <= 0 {
			delete(r.ttl, table)
			return
		}
		r.ttl[table] = ttl
	}
}

// WithLogger sets the logger used for backend failures.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Records) { r.log = l }
}

// New wraps next with backend.
func New(next provider.Records, backend Backend, opts ...Option) *Records {
	r := &Records{
		next:    next,
		backend: backend,
		ttl: map[string]time.Duration{
			provider.TableProfiles:      DefaultProfileTTL,
			provider.TableOrganizations: DefaultOrganizationTTL,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(table, column string, value any) string {
	return fmt.Sprintf("gatekeep:%s:%s:%v", table, column, value)
}

func (r *Records) ReadRecord(ctx context.Context, table string, filter provider.Filter) (provider.Record, error) {
	ttl, ok := r.ttl[table]
	if !ok {
		return r.next.ReadRecord(ctx, table, filter)
	}
	k := key(table, filter.Column, filter.Value)
	if rec, hit, err := r.backend.Get(ctx, k); err != nil {
		r.log.Warn().Err(err).Str("key", k).Msg("cache get failed")
	} else if hit {
		return rec, nil
	}
	rec, err := r.next.ReadRecord(ctx, table, filter)
	if err != nil {
		return nil, err
	}
	if err := r.backend.Set(ctx, k, rec, ttl); err != nil {
		r.log.Warn().Err(err).Str("key", k).Msg("cache set failed")
	}
	return rec, nil
}

// UpdateRecord writes through and refreshes every cached key of the row.
func (r *Records) UpdateRecord(ctx context.Context, table string, filter provider.Filter, fields provider.Record) (provider.Record, error) {
	if _, ok := r.ttl[table]; ok {
		// Drop the stale entry first so a failed write cannot leave it behind.
		if err := r.backend.Delete(ctx, key(table, filter.Column, filter.Value)); err != nil {
			r.log.Warn().Err(err).Str("table", table).Msg("cache delete failed")
		}
	}
	rec, err := r.next.UpdateRecord(ctx, table, filter, fields)
	if err != nil {
		return nil, err
	}
	r.store(ctx, table, rec)
	return rec, nil
}

func (r *Records) InsertRecord(ctx context.Context, table string, fields provider.Record) (provider.Record, error) {
	rec, err := r.next.InsertRecord(ctx, table, fields)
	if err != nil {
		return nil, err
	}
	r.store(ctx, table, rec)
	return rec, nil
}

func (r *Records) store(ctx context.Context, table string, rec provider.Record) {
	ttl, ok := r.ttl[table]
	if !ok || rec == nil {
		return
	}
	for _, col := range indexColumns[table] {
		v := rec.String(col)
		if v == "" {
			continue
		}
		if err := r.backend.Set(ctx, key(table, col, v), rec, ttl); err != nil {
			r.log.Warn().Err(err).Str("table", table).Msg("cache set failed")
		}
	}
}
