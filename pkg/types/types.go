// Package types defines the shared vocabulary used across all packages:
// order sides, tick sizes, the market opportunity and position shapes, and
// the wire payloads for the exchange's REST and streaming surfaces. It has
// no dependency on any internal package so every layer can import it.
package types

import "time"

// Side is the direction of an order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderStatus is the exchange-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusLive      OrderStatus = "LIVE"
	StatusMatched   OrderStatus = "MATCHED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusUnknown   OrderStatus = "UNKNOWN" // exchange unreachable or order not found
)

// TickSize is the minimum price increment for a market.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01"
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// Decimals returns the number of fractional digits implied by the tick.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// Float returns the tick size as a float64.
func (t TickSize) Float() float64 {
	switch t {
	case Tick01:
		return 0.1
	case Tick0001:
		return 0.001
	case Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}

// AmountDecimals returns the fractional precision used when rounding
// USDC maker/taker amounts for this tick size, before scaling to the
// token's 6-decimal on-chain representation.
func (t TickSize) AmountDecimals() int {
	return 6 - t.Decimals()
}

// ————————————————————————————————————————————————————————————————————————
// Data model (spec.md §3)
// ————————————————————————————————————————————————————————————————————————

// MarketOpportunity is produced by the scanner and consumed at entry.
type MarketOpportunity struct {
	ConditionID string
	YesTokenID  string
	NoTokenID   string
	Question    string

	Midpoint float64 // price of YES, in (0,1)

	RewardDailyRate float64
	MinSize         float64 // shares
	MaxSpread       float64 // price-unit half-window around midpoint
	BookDepthUSDC   float64
	CurrentSpread   float64
	TickSize        TickSize
	NegRisk         bool
	Score           float64
}

// ActiveOrder is a single resting order tracked by the ledger.
type ActiveOrder struct {
	OrderID             string
	TokenID             string
	Side                Side
	Price               float64
	Size                float64 // remaining, not original
	ConditionID         string
	PlacedAt            time.Time
	MidpointAtPlacement float64
}

// MarketPosition is the per-condition-id state the Order Manager owns.
type MarketPosition struct {
	ConditionID string
	YesTokenID  string
	NoTokenID   string
	MaxSpread   float64
	MinSize     float64
	TickSize    TickSize

	LastMidpoint float64

	YesInventory float64
	NoInventory  float64

	YesEntryPrice float64
	NoEntryPrice  float64

	Orders []ActiveOrder

	YesFillTimes []time.Time
	NoFillTimes  []time.Time

	YesLastSellFill time.Time
	NoLastSellFill  time.Time

	YesBlocked bool
	NoBlocked  bool
}

// Fill is a normalized fill event, regardless of whether it arrived via the
// streaming trade channel or was inferred from a REST status check.
type Fill struct {
	ConditionID string
	OrderID     string // the maker order id, may not match anything we still track
	TokenID     string
	Side        Side // the maker (our) side — never trusted from the wire
	Size        float64
	Price       float64
}

// ————————————————————————————————————————————————————————————————————————
// Exchange REST payloads
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one bid or ask level, price/size as strings per the
// exchange's wire format (preserves decimal precision — never parse early).
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response for a single token's order book.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// MidpointResponse is the REST response for GET /midpoint.
type MidpointResponse struct {
	Mid string `json:"mid"`
}

// PricePoint is one entry of a short price-history series.
type PricePoint struct {
	T int64   `json:"t"`
	P float64 `json:"p"`
}

// PriceHistoryResponse is the REST response for GET /prices-history.
type PriceHistoryResponse struct {
	History []PricePoint `json:"history"`
}

// OrderRequest is the order manager's intent to place one order. The
// exchange client turns this into a signed on-chain payload — callers
// never construct the wire format themselves.
type OrderRequest struct {
	TokenID     string
	ConditionID string
	Price       float64
	Size        float64
	Side        Side
	OrderType   string // "GTC" or "FOK"
	TickSize    TickSize
	Expiration  int64 // unix seconds, 0 means good-till-cancelled
}

// OrderResponse is the REST response for a single placed order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// OpenOrder is a live resting order as returned by GET /orders.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// PositionEntry is one row of the data-api positions response.
type PositionEntry struct {
	Asset string `json:"asset"`
	Size  string `json:"size"`
	Title string `json:"title"`
}

// BalanceAllowanceResponse is the REST response for the USDC collateral
// balance-allowance check.
type BalanceAllowanceResponse struct {
	Balance string `json:"balance"`
}

// ————————————————————————————————————————————————————————————————————————
// Streaming payloads (spec.md §6)
// ————————————————————————————————————————————————————————————————————————

// PriceChangeEvent is the market-channel price_change event, coalesced down
// to the fields the Price Monitor needs.
type PriceChangeEvent struct {
	AssetID string
	BestBid float64
	BestAsk float64
}

// Midpoint returns (bid+ask)/2.
func (p PriceChangeEvent) Midpoint() float64 {
	return (p.BestBid + p.BestAsk) / 2.0
}

// MakerOrderFill is one entry in a trade event's maker_orders[] array.
type MakerOrderFill struct {
	OrderID       string
	AssetID       string
	Price         float64
	MatchedAmount float64
}

// TradeEvent is the user-channel trade (fill) event.
type TradeEvent struct {
	Status      string // MATCHED, MINED, CONFIRMED — only MATCHED is consumed
	TakerSide   string // the taker's side; our maker side is always the opposite
	MakerOrders []MakerOrderFill
}

// OrderEvent is the user-channel order lifecycle event.
type OrderEvent struct {
	OrderID     string
	AssetID     string
	Type        string // PLACEMENT, UPDATE, CANCELLATION
	SizeMatched float64
}
