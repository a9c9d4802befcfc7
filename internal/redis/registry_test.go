package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/db"
)

func TestTenantRegistry_NotSynced(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	reg := NewTenantRegistry(client, time.Minute, zap.NewNop())

	if _, err := reg.ListTenants(context.Background()); !errors.Is(err, ErrRegistryNotSynced) {
		t.Fatalf("expected ErrRegistryNotSynced, got %v", err)
	}
}

func TestTenantRegistry_SyncAndList(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	reg := NewTenantRegistry(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	err := reg.Sync(ctx, []*db.Tenant{
		{ID: "beta", Name: "Beta", Unavailable: true},
		{ID: "alpha", Name: "Alpha"},
		nil,
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	tenants, err := reg.ListTenants(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(tenants))
	}
	if tenants[0].ID != "alpha" || tenants[0].Name != "Alpha" || tenants[0].Unavailable {
		t.Errorf("unexpected first tenant: %+v", tenants[0])
	}
	if tenants[1].ID != "beta" || !tenants[1].Unavailable {
		t.Errorf("unexpected second tenant: %+v", tenants[1])
	}
}

func TestTenantRegistry_SyncReplaces(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	reg := NewTenantRegistry(client, 0, zap.NewNop())
	ctx := context.Background()

	reg.Sync(ctx, []*db.Tenant{{ID: "old"}})
	if err := reg.Sync(ctx, []*db.Tenant{}); err != nil {
		t.Fatalf("empty sync failed: %v", err)
	}

	tenants, err := reg.ListTenants(ctx)
	if err != nil {
		t.Fatalf("list after empty sync should succeed: %v", err)
	}
	if len(tenants) != 0 {
		t.Fatalf("expected no tenants, got %+v", tenants)
	}
}

func TestTenantRegistry_Stale(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	reg := NewTenantRegistry(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	now := time.Now()
	reg.now = func() time.Time { return now }
	reg.Sync(ctx, []*db.Tenant{{ID: "a"}})

	reg.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := reg.ListTenants(ctx); !errors.Is(err, ErrRegistryStale) {
		t.Fatalf("expected ErrRegistryStale, got %v", err)
	}
}

func TestTenantRegistry_SetAvailability(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	reg := NewTenantRegistry(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	reg.Sync(ctx, []*db.Tenant{{ID: "a", Name: "A"}})

	if err := reg.SetAvailability(ctx, "a", true); err != nil {
		t.Fatalf("set availability failed: %v", err)
	}
	tenants, _ := reg.ListTenants(ctx)
	if !tenants[0].Unavailable || tenants[0].Name != "A" {
		t.Fatalf("unexpected tenant: %+v", tenants[0])
	}

	if err := reg.SetAvailability(ctx, "ghost", true); !errors.Is(err, ErrTenantNotRegistered) {
		t.Fatalf("expected ErrTenantNotRegistered, got %v", err)
	}
}

func TestTenantRegistry_SyncKeepsNewerAvailability(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	reg := NewTenantRegistry(client, 0, zap.NewNop())
	ctx := context.Background()

	read := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snapshot := []*db.Tenant{{ID: "a", Name: "A", UpdatedAt: read}, {ID: "b", UpdatedAt: read}}
	if err := reg.Sync(ctx, snapshot); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// An operator disables "a" after a sync job read Postgres but before it
	// wrote the registry.
	reg.now = func() time.Time { return read.Add(time.Minute) }
	if err := reg.SetAvailability(ctx, "a", true); err != nil {
		t.Fatalf("set availability failed: %v", err)
	}
	if err := reg.Sync(ctx, snapshot); err != nil {
		t.Fatalf("stale sync failed: %v", err)
	}

	tenants, _ := reg.ListTenants(ctx)
	if len(tenants) != 2 || !tenants[0].Unavailable || tenants[1].Unavailable {
		t.Fatalf("stale snapshot overwrote availability: %+v %+v", tenants[0], tenants[1])
	}

	// A later snapshot wins again.
	fresh := []*db.Tenant{{ID: "a", Name: "A", UpdatedAt: read.Add(2 * time.Minute)}}
	if err := reg.Sync(ctx, fresh); err != nil {
		t.Fatalf("fresh sync failed: %v", err)
	}
	tenants, _ = reg.ListTenants(ctx)
	if len(tenants) != 1 || tenants[0].Unavailable {
		t.Fatalf("fresh snapshot should apply: %+v", tenants)
	}
}

func TestTenantRegistry_SkipsMalformedEntries(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	reg := NewTenantRegistry(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	reg.Sync(ctx, []*db.Tenant{{ID: "a"}})
	client.rdb.HSet(ctx, registryKey, "broken", "{not json")

	tenants, err := reg.ListTenants(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tenants) != 1 || tenants[0].ID != "a" {
		t.Fatalf("unexpected tenants: %+v", tenants)
	}
}
