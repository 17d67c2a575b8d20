package ledger

import (
	"log/slog"
	"io"
	"testing"

	"lp-rewards-bot/internal/store"
	"lp-rewards-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpsertAndGet(t *testing.T) {
	t.Parallel()
	l := New(nil, testLogger())

	pos := &types.MarketPosition{ConditionID: "c1", YesInventory: 5}
	l.Upsert(pos)

	got, ok := l.Get("c1")
	if !ok {
		t.Fatal("expected position to be tracked")
	}
	if got.YesInventory != 5 {
		t.Errorf("YesInventory = %v, want 5", got.YesInventory)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	l := New(nil, testLogger())
	if _, ok := l.Get("missing"); ok {
		t.Fatal("expected missing position to report not found")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	l := New(nil, testLogger())
	l.Upsert(&types.MarketPosition{ConditionID: "c1"})
	l.Remove("c1")
	if _, ok := l.Get("c1"); ok {
		t.Fatal("expected position to be removed")
	}
}

func TestAll(t *testing.T) {
	t.Parallel()
	l := New(nil, testLogger())
	l.Upsert(&types.MarketPosition{ConditionID: "c1"})
	l.Upsert(&types.MarketPosition{ConditionID: "c2"})

	all := l.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(all))
	}
}

func TestIsEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pos  *types.MarketPosition
		want bool
	}{
		{"fresh position", &types.MarketPosition{}, true},
		{"has inventory", &types.MarketPosition{YesInventory: 1}, false},
		{"has orders", &types.MarketPosition{Orders: []types.ActiveOrder{{OrderID: "o1"}}}, false},
	}
	for _, tt := range tests {
		if got := IsEmpty(tt.pos); got != tt.want {
			t.Errorf("%s: IsEmpty = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l := New(st, testLogger())
	l.Upsert(&types.MarketPosition{ConditionID: "c1", YesInventory: 10})

	l2 := New(st, testLogger())
	if err := l2.LoadSnapshot(); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	pos, ok := l2.Get("c1")
	if !ok {
		t.Fatal("expected snapshot to be loaded")
	}
	if pos.YesInventory != 10 {
		t.Errorf("YesInventory = %v, want 10", pos.YesInventory)
	}
}
