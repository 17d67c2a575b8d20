package ordermanager

import (
	"context"
	"fmt"
	"sync"

	"lp-rewards-bot/pkg/types"
)

// fakeExchange is a minimal, in-memory stand-in for ExchangeAPI used
// across this package's tests.
type fakeExchange struct {
	mu sync.Mutex

	placeOrderErr   error
	placeRejectAll  bool
	cancelErr       error
	cancelAllErr    error
	cancelMarketErr error

	midpoint float64
	book     *types.BookResponse
	openOrders map[string][]types.OpenOrder
	positions  []types.PositionEntry
	orderStatus map[string]string // orderID -> status returned by GetOrder, defaults to LIVE

	placedOrders   []types.OrderRequest
	cancelledIDs   []string
	cancelledAll   int
	cancelledMkt   []string
	nextID         int
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placedOrders = append(f.placedOrders, order)
	if f.placeOrderErr != nil {
		return nil, f.placeOrderErr
	}
	if f.placeRejectAll {
		return nil, fmt.Errorf("order_rejected: rejected")
	}
	f.nextID++
	return &types.OrderResponse{Success: true, OrderID: fmt.Sprintf("ord-%d", f.nextID), Status: "LIVE"}, nil
}

func (f *fakeExchange) PlaceOrders(ctx context.Context, orders []types.OrderRequest) ([]types.OrderResponse, error) {
	out := make([]types.OrderResponse, len(orders))
	for i, o := range orders {
		resp, err := f.PlaceOrder(ctx, o)
		if err != nil {
			return nil, err
		}
		out[i] = *resp
	}
	return out, nil
}

func (f *fakeExchange) CancelOrders(ctx context.Context, orderIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledIDs = append(f.cancelledIDs, orderIDs...)
	return f.cancelErr
}

func (f *fakeExchange) CancelMarketOrders(ctx context.Context, conditionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledMkt = append(f.cancelledMkt, conditionID)
	return f.cancelMarketErr
}

func (f *fakeExchange) CancelAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledAll++
	return f.cancelAllErr
}

func (f *fakeExchange) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	return f.midpoint, nil
}

func (f *fakeExchange) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if f.book != nil {
		return f.book, nil
	}
	return &types.BookResponse{}, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	status := "LIVE"
	if s, ok := f.orderStatus[orderID]; ok {
		status = s
	}
	return &types.OpenOrder{ID: orderID, Status: status}, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, conditionID string) ([]types.OpenOrder, error) {
	return f.openOrders[conditionID], nil
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]types.PositionEntry, error) {
	return f.positions, nil
}
