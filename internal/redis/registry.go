package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/db"
)

const (
	registryKey       = "tenants:registry"
	registrySyncedKey = "tenants:registry:synced_at"
)

var (
	// ErrRegistryNotSynced means the registry has never been populated.
	ErrRegistryNotSynced = errors.New("tenant registry has not been synced")
	// ErrRegistryStale means the last sync is older than the allowed age.
	ErrRegistryStale = errors.New("tenant registry is stale")
	// ErrTenantNotRegistered is returned by SetAvailability for unknown tenants.
	ErrTenantNotRegistered = errors.New("tenant not in registry")
)

type registryEntry struct {
	Name        string    `json:"name"`
	Unavailable bool      `json:"unavailable"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TenantRegistry is a Redis hash of tenant id to availability, refreshed
// from Postgres. The scheduler reads tenants from here first so a tick does
// not need the database to learn who to process.
type TenantRegistry struct {
	client *Client
	logger *zap.Logger
	maxAge time.Duration
	now    func() time.Time
}

// NewTenantRegistry creates a registry. Reads fail with ErrRegistryStale once
// the last sync is older than maxAge; maxAge <= 0 disables the check.
func NewTenantRegistry(client *Client, maxAge time.Duration, logger *zap.Logger) *TenantRegistry {
	return &TenantRegistry{
		client: client,
		logger: logger,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// maxRegistryRetries bounds optimistic-lock retries when Sync and
// SetAvailability race on the registry hash.
const maxRegistryRetries = 5

// Sync replaces the registry contents with tenants in one transaction.
// tenants is a Postgres snapshot that may predate a SetAvailability made
// while it was being read; an entry updated after its snapshot row is kept.
func (r *TenantRegistry) Sync(ctx context.Context, tenants []*db.Tenant) error {
	entries := make(map[string]registryEntry, len(tenants))
	for _, t := range tenants {
		if t == nil || t.ID == "" {
			continue
		}
		entries[t.ID] = registryEntry{
			Name:        t.Name,
			Unavailable: t.Unavailable,
			CreatedAt:   t.CreatedAt,
			UpdatedAt:   t.UpdatedAt,
		}
	}

	syncedAt := r.now().UTC()
	kept := 0
	err := r.watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGetAll(ctx, registryKey).Result()
		if err != nil {
			return fmt.Errorf("redis hgetall failed: %w", err)
		}

		kept = 0
		fields := make(map[string]interface{}, len(entries))
		for id, e := range entries {
			var existing registryEntry
			if raw, ok := current[id]; ok && json.Unmarshal([]byte(raw), &existing) == nil && existing.UpdatedAt.After(e.UpdatedAt) {
				fields[id] = raw
				kept++
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal tenant %s: %w", id, err)
			}
			fields[id] = data
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, registryKey)
			if len(fields) > 0 {
				pipe.HSet(ctx, registryKey, fields)
			}
			pipe.Set(ctx, registrySyncedKey, syncedAt.Format(time.RFC3339Nano), 0)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis registry sync failed: %w", err)
	}

	r.logger.Debug("tenant registry synced",
		zap.Int("tenants", len(entries)),
		zap.Int("kept_newer", kept),
	)
	return nil
}

// watch runs fn under WATCH on the registry hash, retrying when another
// writer changed it first.
func (r *TenantRegistry) watch(ctx context.Context, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < maxRegistryRetries; i++ {
		err = r.client.rdb.Watch(ctx, fn, registryKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// ListTenants returns every registered tenant, sorted by id.
func (r *TenantRegistry) ListTenants(ctx context.Context) ([]*db.Tenant, error) {
	syncedAt, err := r.SyncedAt(ctx)
	if err != nil {
		return nil, err
	}
	if r.maxAge > 0 && r.now().Sub(syncedAt) > r.maxAge {
		return nil, fmt.Errorf("%w: last sync %s", ErrRegistryStale, syncedAt.Format(time.RFC3339))
	}

	raw, err := r.client.rdb.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	tenants := make([]*db.Tenant, 0, len(raw))
	for id, val := range raw {
		var e registryEntry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			r.logger.Warn("skipping malformed registry entry",
				zap.String("tenant_id", id),
				zap.Error(err),
			)
			continue
		}
		tenants = append(tenants, &db.Tenant{
			ID:          id,
			Name:        e.Name,
			Unavailable: e.Unavailable,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.UpdatedAt,
		})
	}

	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

// SetAvailability flips one tenant's availability without a full sync. The
// entry's UpdatedAt moves forward so a Sync working from an older snapshot
// keeps the new value.
func (r *TenantRegistry) SetAvailability(ctx context.Context, tenantID string, unavailable bool) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.HGet(ctx, registryKey, tenantID).Result()
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrTenantNotRegistered, tenantID)
		}
		if err != nil {
			return fmt.Errorf("redis hget failed: %w", err)
		}

		var e registryEntry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return fmt.Errorf("invalid registry entry for %s: %w", tenantID, err)
		}
		e.Unavailable = unavailable
		if now := r.now().UTC(); now.After(e.UpdatedAt) {
			e.UpdatedAt = now
		} else {
			e.UpdatedAt = e.UpdatedAt.Add(time.Microsecond)
		}

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal tenant %s: %w", tenantID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, registryKey, tenantID, data)
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("redis hset failed: %w", err)
		}
		return err
	})
}

// SyncedAt returns the time of the last successful Sync.
func (r *TenantRegistry) SyncedAt(ctx context.Context) (time.Time, error) {
	val, err := r.client.rdb.Get(ctx, registrySyncedKey).Result()
	if err == redis.Nil {
		return time.Time{}, ErrRegistryNotSynced
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get failed: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sync timestamp %q: %w", val, err)
	}
	return t, nil
}
