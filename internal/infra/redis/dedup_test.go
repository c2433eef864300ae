package redis

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
)

func TestDedupStoreClaim(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)

	store, err := NewDedupStore(rdb, time.Hour)
	if err != nil {
		t.Fatalf("NewDedupStore() error = %v", err)
	}

	claimed, err := store.Claim(context.Background(), "resend", "evt-1")
	if err != nil || !claimed {
		t.Fatalf("first Claim() = %v, %v; want true, nil", claimed, err)
	}
	claimed, err = store.Claim(context.Background(), "resend", "evt-1")
	if err != nil || claimed {
		t.Fatalf("second Claim() = %v, %v; want false, nil", claimed, err)
	}

	if err := store.Resolve(context.Background(), "resend", "evt-1", domain.IngestStatusSuccess); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got, err := mr.Get("dedup:resend:evt-1")
	if err != nil {
		t.Fatalf("miniredis Get() error = %v", err)
	}
	if got != "success" {
		t.Fatalf("stored status = %q, want success", got)
	}

	mr.FastForward(time.Hour)
	claimed, err = store.Claim(context.Background(), "resend", "evt-1")
	if err != nil || !claimed {
		t.Fatalf("Claim() after ttl = %v, %v; want true, nil", claimed, err)
	}
}

func TestDedupStoreRelease(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)

	store, err := NewDedupStore(rdb, time.Hour)
	if err != nil {
		t.Fatalf("NewDedupStore() error = %v", err)
	}

	ctx := context.Background()
	if _, err := store.Claim(ctx, "resend", "evt-1"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.Release(ctx, "Resend", " evt-1 "); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if mr.Exists("dedup:resend:evt-1") {
		t.Fatal("dedup key still present after Release")
	}

	claimed, err := store.Claim(ctx, "resend", "evt-1")
	if err != nil || !claimed {
		t.Fatalf("Claim() after release = %v, %v; want true, nil", claimed, err)
	}
}
