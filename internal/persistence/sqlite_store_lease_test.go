package persistence

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteInstanceStore_LeaseAcquireRenewRelease(t *testing.T) {
	db := newSQLiteDB(t)
	store, err := NewSQLiteInstanceStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteInstanceStore: %v", err)
	}
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "i1", "owner1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner1: %v", err)
	}
	if !acq {
		t.Fatalf("expected owner1 to acquire")
	}

	// Re-entrant for the same owner.
	acq, err = store.TryAcquireLease(ctx, "i1", "owner1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner1 again: %v", err)
	}
	if !acq {
		t.Fatalf("expected re-entrant acquire for owner1")
	}

	acq2, err := store.TryAcquireLease(ctx, "i1", "owner2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if acq2 {
		t.Fatalf("expected owner2 not to acquire while active")
	}

	if err := store.RenewLease(ctx, "i1", "owner1", 100*time.Millisecond); err != nil {
		t.Fatalf("RenewLease owner1: %v", err)
	}
	if err := store.RenewLease(ctx, "i1", "owner2", 100*time.Millisecond); err == nil {
		t.Fatalf("expected RenewLease owner2 to fail")
	}

	if err := store.ReleaseLease(ctx, "i1", "owner1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	acq3, err := store.TryAcquireLease(ctx, "i1", "owner2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2 after release: %v", err)
	}
	if !acq3 {
		t.Fatalf("expected owner2 to acquire after release")
	}
}

func TestSQLiteInstanceStore_LeaseExpires(t *testing.T) {
	db := newSQLiteDB(t)
	store, err := NewSQLiteInstanceStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteInstanceStore: %v", err)
	}
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "i1", "owner1", 20*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease owner1: acq=%v err=%v", acq, err)
	}

	time.Sleep(40 * time.Millisecond)

	acq2, err := store.TryAcquireLease(ctx, "i1", "owner2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if !acq2 {
		t.Fatalf("expected owner2 to acquire an expired lease")
	}

	if err := store.RenewLease(ctx, "i1", "owner1", 100*time.Millisecond); err == nil {
		t.Fatalf("expected RenewLease by the old owner to fail")
	}
}
