package cursor

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/paygrid-labs/escrowstream/internal/feed"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, found, err := store.Load(ctx); err != nil || found {
		t.Fatalf("Load on empty store = found %v, err %v", found, err)
	}

	want := feed.Cursor{Token: "tok-99", Block: 99}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("Load found = false after Save")
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func newMiniredisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client, "test:cursor")
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMiniredisStore(t)

	want := feed.Cursor{Token: "tok-500", Block: 500}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("Load found = false after Save")
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestRedisStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	store := newMiniredisStore(t)

	cur, found, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Error("found = true for missing key")
	}
	if !cur.IsZero() {
		t.Errorf("cursor = %+v, want zero", cur)
	}
}

func TestRedisStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newMiniredisStore(t)

	if err := store.Save(ctx, feed.Cursor{Token: "old", Block: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, feed.Cursor{Token: "new", Block: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Token != "new" || got.Block != 2 {
		t.Errorf("Load = %+v, want token new block 2", got)
	}
}

func TestRedisStoreCorruptValue(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mr.Set("test:cursor", "{broken")

	store := NewRedisStoreWithClient(client, "test:cursor")
	if _, _, err := store.Load(ctx); err == nil {
		t.Error("expected error for corrupt cursor value")
	}
}
