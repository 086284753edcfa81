package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/convograph/convograph-go/graph/auth"
)

func newTestSQLite(t *testing.T, cfg Config) *SQLiteStore[testState] {
	t.Helper()
	st, err := NewSQLiteStore[testState](filepath.Join(t.TempDir(), "checkpoints.db"), cfg)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	cipher, err := NewFieldCipher(testKey(t), []string{"messages", "answer"})
	if err != nil {
		t.Fatalf("NewFieldCipher failed: %v", err)
	}
	st := newTestSQLite(t, Config{Cipher: cipher})
	ctx := context.Background()

	in := testState{Messages: []string{"hello", "world"}, Answer: "42", Step: 5}
	if err := st.Put(ctx, "run-1", 1, in, alice); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rec, err := st.Get(ctx, "run-1", alice)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.OwnerID != "alice" || rec.Step != 1 {
		t.Errorf("unexpected record metadata: %+v", rec)
	}
	if rec.State.Answer != "42" || len(rec.State.Messages) != 2 {
		t.Errorf("state did not round-trip: %+v", rec.State)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("timestamps not populated")
	}
}

func TestSQLiteStoreUpdateInPlace(t *testing.T) {
	st := newTestSQLite(t, Config{})
	ctx := context.Background()

	if err := st.Put(ctx, "run-1", 1, testState{Answer: "first"}, alice); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := st.Put(ctx, "run-1", 2, testState{Answer: "second"}, alice); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	rec, err := st.Get(ctx, "run-1", alice)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Step != 2 || rec.State.Answer != "second" {
		t.Errorf("row not updated in place: step=%d answer=%q", rec.Step, rec.State.Answer)
	}

	stats, err := st.Stats(ctx, admin)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("update should not create a second row, total=%d", stats.Total)
	}
}

func TestSQLiteStoreOwnershipAndStaleStep(t *testing.T) {
	st := newTestSQLite(t, Config{})
	ctx := context.Background()

	if err := st.Put(ctx, "run-1", 2, testState{}, alice); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err := st.Get(ctx, "run-1", bob)
	var denied *auth.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected access denied for bob, got %v", err)
	}

	if err := st.Put(ctx, "run-1", 2, testState{}, alice); !errors.Is(err, ErrStaleStep) {
		t.Fatalf("expected ErrStaleStep, got %v", err)
	}

	if _, err := st.Get(ctx, "run-1", admin); err != nil {
		t.Fatalf("admin Get failed: %v", err)
	}
	if err := st.Delete(ctx, "run-1", admin); err != nil {
		t.Fatalf("admin Delete failed: %v", err)
	}
	if _, err := st.Get(ctx, "run-1", alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStoreCleanup(t *testing.T) {
	st := newTestSQLite(t, Config{})
	ctx := context.Background()

	if err := st.Put(ctx, "fresh", 1, testState{}, alice); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	deleted, err := st.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("fresh row reaped: deleted=%d", deleted)
	}

	// Everything is stale against a zero retention window.
	deleted, err = st.Cleanup(ctx, -time.Second)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestSQLiteStoreClosedStore(t *testing.T) {
	st := newTestSQLite(t, Config{})
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := st.Put(context.Background(), "run-1", 1, testState{}, alice); err == nil {
		t.Fatal("expected error on closed store")
	}
}
