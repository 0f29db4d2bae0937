package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return client, cleanup
}

func TestRedisStore_Get_CacheMiss(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 0)
	got, err := store.Get(context.Background(), NamespaceArtifacts, "video:/a.mp4:")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for cache miss, got %v", got)
	}
}

func TestRedisStore_PutGet_RoundTrip(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 0)
	ctx := context.Background()
	meta := Metadata{
		ContentType:   "video/mp4",
		ContentLength: 4,
		CreatedAt:     time.Now().Truncate(time.Second),
		TTLSeconds:    300,
		CacheTags:     []string{"path:/a.mp4"},
		CacheVersion:  1,
	}

	if err := store.Put(ctx, NamespaceArtifacts, "video:/a.mp4:", []byte("data"), meta, 5*time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, NamespaceArtifacts, "video:/a.mp4:")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if string(got.Body) != "data" {
		t.Errorf("Body = %q, want %q", got.Body, "data")
	}
	if got.Metadata.ContentType != "video/mp4" {
		t.Errorf("ContentType = %q, want video/mp4", got.Metadata.ContentType)
	}
	if got.Metadata.CacheVersion != 1 {
		t.Errorf("CacheVersion = %d, want 1", got.Metadata.CacheVersion)
	}
}

func TestRedisStore_Put_RejectsOversized(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 3)
	err := store.Put(context.Background(), NamespaceArtifacts, "video:/a.mp4:", []byte("data"), Metadata{}, time.Minute)
	if err != ErrTooLarge {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestRedisStore_Delete(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 0)
	ctx := context.Background()

	if err := store.Put(ctx, NamespaceArtifacts, "k", []byte("v"), Metadata{}, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, NamespaceArtifacts, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err := store.Get(ctx, NamespaceArtifacts, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %v", got)
	}
}

func TestRedisStore_Delete_NonExistent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 0)
	if err := store.Delete(context.Background(), NamespaceArtifacts, "missing"); err != nil {
		t.Fatalf("Delete failed for non-existent key: %v", err)
	}
}

func TestRedisStore_ListVariants(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 0)
	ctx := context.Background()

	keys := []string{
		"video:/a.mp4:derivative=mobile",
		"video:/a.mp4:derivative=desktop",
		"video:/b.mp4:derivative=mobile",
	}
	for _, k := range keys {
		if err := store.Put(ctx, NamespaceArtifacts, k, []byte("x"), Metadata{}, time.Minute); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}

	got, err := store.ListVariants(ctx, "video:/a.mp4:")
	if err != nil {
		t.Fatalf("ListVariants failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d variants, want 2: %v", len(got), got)
	}
}

func TestRedisStore_Version_DefaultsToZero(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 0)
	v, err := store.CurrentVersion(context.Background(), "video:/a.mp4:")
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if v != 0 {
		t.Errorf("got %d, want 0", v)
	}
}

func TestRedisStore_Version_IncrementPersists(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 0)
	ctx := context.Background()
	baseKey := "video:/a.mp4:"

	v1, err := store.IncrementVersion(ctx, baseKey)
	if err != nil {
		t.Fatalf("IncrementVersion failed: %v", err)
	}
	if v1 != 1 {
		t.Errorf("first increment = %d, want 1", v1)
	}

	v2, err := store.IncrementVersion(ctx, baseKey)
	if err != nil {
		t.Fatalf("IncrementVersion failed: %v", err)
	}
	if v2 != 2 {
		t.Errorf("second increment = %d, want 2", v2)
	}

	current, err := store.CurrentVersion(ctx, baseKey)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if current != 2 {
		t.Errorf("CurrentVersion = %d, want 2", current)
	}
}
