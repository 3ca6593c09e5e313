package ports

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/repository/memory"
)

func newAllocator(t *testing.T) (*Allocator, *memory.Store) {
	t.Helper()
	store := memory.New()
	a, err := NewAllocator(store, store, 18000, 18004, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a, store
}

func seedModule(t *testing.T, store *memory.Store, id, name string) {
	t.Helper()
	err := store.CreateModule(context.Background(), &domain.ModuleRecord{
		ID: id, Name: name, Status: domain.StatusRunning, InstalledAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed module: %v", err)
	}
}

func TestClaimExplicitPortConflictNamesOwner(t *testing.T) {
	a, store := newAllocator(t)
	ctx := context.Background()
	seedModule(t, store, "id-1", "analytics")

	if err := a.Claim(ctx, "id-1", 18500, 8080); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := a.Claim(ctx, "id-2", 18500, 9090)
	if err == nil {
		t.Fatal("second claim of the same port succeeded")
	}
	if domain.KindOf(err) != domain.KindPortConflict {
		t.Fatalf("expected port_conflict, got %v", domain.KindOf(err))
	}
	if !strings.Contains(err.Error(), "analytics") {
		t.Fatalf("conflict does not name the owning module: %v", err)
	}
}

func TestClaimNextScansRange(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	if err := a.Claim(ctx, "id-1", 18000, 80); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := a.Claim(ctx, "id-1", 18001, 81); err != nil {
		t.Fatalf("claim: %v", err)
	}
	port, err := a.ClaimNext(ctx, "id-2", 8080)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if port != 18002 {
		t.Fatalf("expected 18002, got %d", port)
	}
}

func TestClaimNextExhaustedRange(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := a.ClaimNext(ctx, "id-1", 8080); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}
	_, err := a.ClaimNext(ctx, "id-2", 8080)
	if err == nil || domain.KindOf(err) != domain.KindPortConflict {
		t.Fatalf("expected port_conflict on exhausted range, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	if err := a.Claim(ctx, "id-1", 18000, 80); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := a.Release(ctx, "id-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Release(ctx, "id-1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := a.Claim(ctx, "id-2", 18000, 80); err != nil {
		t.Fatalf("released port not reusable: %v", err)
	}
}

func TestClaimRejectsInvalidPort(t *testing.T) {
	a, _ := newAllocator(t)
	err := a.Claim(context.Background(), "id-1", 70000, 80)
	if err == nil || domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}
