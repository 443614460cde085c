package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

func TestCheckpointStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewCheckpointStore()
	ctx := context.Background()
	id := caseid.MustParse("0000001-90.2023.1.00.0000")
	at := time.Unix(1700000000, 0).UTC()

	if err := store.Upsert(ctx, "ns", []casefetch.CheckpointEntry{{CaseID: id, Status: casefetch.StatusInProgress, LastAttemptAt: at}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := store.Upsert(ctx, "ns", []casefetch.CheckpointEntry{{CaseID: id, Status: casefetch.StatusDoneSuccess, LastAttemptAt: at}}); err != nil {
		t.Fatalf("Upsert() replace error = %v", err)
	}
	rows, err := store.Load(ctx, "ns")
	if err != nil || len(rows) != 1 || rows[id].Status != casefetch.StatusDoneSuccess {
		t.Fatalf("Load() unexpected result: rows=%v err=%v", rows, err)
	}
	rows[id] = casefetch.CheckpointEntry{}
	if again, _ := store.Load(ctx, "ns"); again[id].Status != casefetch.StatusDoneSuccess {
		t.Fatal("expected Load to return a copy")
	}
	if other, _ := store.Load(ctx, "other"); len(other) != 0 {
		t.Fatalf("expected namespaces to be isolated, got %v", other)
	}

	if err := store.Delete(ctx, "ns", []caseid.ID{id}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if rows, _ := store.Load(ctx, "ns"); len(rows) != 0 {
		t.Fatalf("expected empty namespace after delete, got %v", rows)
	}
	if store.Upserts() != 2 {
		t.Fatalf("expected 2 upserts, got %d", store.Upserts())
	}
}

func TestCheckpointStoreFailWrites(t *testing.T) {
	t.Parallel()

	store := NewCheckpointStore()
	store.FailWrites(1)
	err := store.Upsert(context.Background(), "ns", nil)
	if !errors.Is(err, ErrInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := store.Upsert(context.Background(), "ns", nil); err != nil {
		t.Fatalf("expected second write to succeed, got %v", err)
	}
}
