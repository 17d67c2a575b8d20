package exchangeclient

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"lp-rewards-bot/pkg/types"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun: true,
		rl:     NewRateLimiter(),
		logger: logger,
		auth:   &Auth{},
	}
}

func TestDryRunPlaceOrders(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	orders := []types.OrderRequest{
		{TokenID: "tok1", Price: 0.50, Size: 10, Side: types.BUY, OrderType: "GTC", TickSize: types.Tick001},
		{TokenID: "tok1", Price: 0.55, Size: 10, Side: types.SELL, OrderType: "GTC", TickSize: types.Tick001},
	}

	results, err := c.PlaceOrders(context.Background(), orders)
	if err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result[%d].Success = false, want true", i)
		}
		if r.OrderID == "" {
			t.Errorf("result[%d].OrderID is empty", i)
		}
	}
}

func TestDryRunPlaceOrdersEmpty(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	results, err := c.PlaceOrders(context.Background(), nil)
	if err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil for empty orders, got %v", results)
	}
}

func TestPlaceOrdersRejectsOversizedBatch(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	c.dryRun = false

	orders := make([]types.OrderRequest, 16)
	_, err := c.PlaceOrders(context.Background(), orders)
	if err == nil {
		t.Fatal("expected error for batch over 15 orders")
	}
}

func TestDryRunCancelOrders(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelOrders(context.Background(), []string{"order-1", "order-2"}); err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
}

func TestDryRunCancelOrdersEmpty(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelOrders(context.Background(), nil); err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
}

func TestDryRunCancelAll(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelAll(context.Background()); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   Kind
	}{
		{429, Transient},
		{500, Transient},
		{503, Transient},
		{400, Client4xx},
		{404, Client4xx},
		{200, Unknown},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()
	inner := context.DeadlineExceeded
	e := newError(Transient, "timed out", inner)
	if e.Unwrap() != inner {
		t.Fatal("expected Unwrap to return inner error")
	}
	if e.Error() == "" {
		t.Fatal("expected non-empty error string")
	}
}
