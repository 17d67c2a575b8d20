// Package exchangeclient implements the Polymarket CLOB REST client: order
// placement/cancellation, order book and midpoint reads, tick size and
// balance-allowance lookups, and data-api position reads.
//
// Every request is rate-limited via per-category token buckets, retried on
// 5xx/network errors by resty, and authenticated with L2 HMAC headers
// (except public book/midpoint reads). Every method returns (or wraps) an
// *Error so callers switch on its Kind instead of matching error strings.
package exchangeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"lp-rewards-bot/internal/config"
	"lp-rewards-bot/pkg/types"
)

// Client is the Polymarket CLOB REST API client.
type Client struct {
	http       *resty.Client
	dataAPI    *resty.Client
	auth       *Auth
	rl         *RateLimiter
	dryRun     bool
	funderHex  string
	logger     *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	build := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		http:      build(cfg.API.CLOBBaseURL),
		dataAPI:   build(cfg.API.DataAPIBaseURL),
		auth:      auth,
		rl:        NewRateLimiter(),
		dryRun:    cfg.DryRun,
		funderHex: cfg.Wallet.FunderAddress,
		logger:    logger,
	}
}

// DeriveAPIKey derives L2 API credentials via L1 authentication. Call once
// at startup when no pre-derived credentials are configured.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, newError(Unknown, "build l1 headers", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, newError(Transient, "derive api key", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, newError(classifyStatus(resp.StatusCode()), "derive api key: "+resp.String(), nil)
	}

	c.auth.SetCredentials(result)
	c.logger.Info("derived L2 api key", "api_key", result.ApiKey)
	return &result, nil
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, newError(Transient, "get book", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, newError(classifyStatus(resp.StatusCode()), "get book: "+resp.String(), nil)
	}
	return &result, nil
}

// GetMidpoint fetches the current midpoint for a token, rejecting
// exchange-reported values outside the open interval (0,1).
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var result types.MidpointResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/midpoint")
	if err != nil {
		return 0, newError(Transient, "get midpoint", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, newError(classifyStatus(resp.StatusCode()), "get midpoint: "+resp.String(), nil)
	}

	mid, err := strconv.ParseFloat(result.Mid, 64)
	if err != nil {
		return 0, newError(Unknown, "parse midpoint", err)
	}
	if mid <= 0 || mid >= 1 {
		return 0, newError(DeadMarket, fmt.Sprintf("midpoint out of range: %v", mid), nil)
	}
	return mid, nil
}

// GetTickSize fetches the minimum price increment for a token.
func (c *Client) GetTickSize(ctx context.Context, tokenID string) (types.TickSize, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return "", err
	}

	var result struct {
		MinimumTickSize string `json:"minimum_tick_size"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/tick-size")
	if err != nil {
		return "", newError(Transient, "get tick size", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", newError(classifyStatus(resp.StatusCode()), "get tick size: "+resp.String(), nil)
	}
	return types.TickSize(result.MinimumTickSize), nil
}

// GetPriceHistory fetches a recent price series for volatility checks.
func (c *Client) GetPriceHistory(ctx context.Context, tokenID string, startTs int64, interval string) ([]types.PricePoint, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.PriceHistoryResponse
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("market", tokenID).
		SetResult(&result)
	if interval != "" {
		req.SetQueryParam("interval", interval)
	}
	if startTs > 0 {
		req.SetQueryParam("startTs", strconv.FormatInt(startTs, 10))
	}
	resp, err := req.Get("/prices-history")
	if err != nil {
		return nil, newError(Transient, "get price history", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, newError(classifyStatus(resp.StatusCode()), "get price history: "+resp.String(), nil)
	}
	return result.History, nil
}

// GetBalanceAllowance fetches the signer's USDC collateral balance.
func (c *Client) GetBalanceAllowance(ctx context.Context) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return 0, err
	}

	var result types.BalanceAllowanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil {
		return 0, newError(Transient, "get balance", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, newError(classifyStatus(resp.StatusCode()), "get balance: "+resp.String(), nil)
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, newError(Unknown, "parse balance", err)
	}
	return raw / 1e6, nil
}

// GetPositions fetches the funder wallet's current token positions from
// the data-api, used by startup recovery to discover untracked shares.
func (c *Client) GetPositions(ctx context.Context) ([]types.PositionEntry, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.PositionEntry
	resp, err := c.dataAPI.R().
		SetContext(ctx).
		SetQueryParam("user", c.funderHex).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, newError(Transient, "get positions", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, newError(classifyStatus(resp.StatusCode()), "get positions: "+resp.String(), nil)
	}
	return result, nil
}

// GetOpenOrders lists live orders, optionally filtered to one market.
func (c *Client) GetOpenOrders(ctx context.Context, conditionID string) ([]types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/orders", "")
	if err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if conditionID != "" {
		req.SetQueryParam("market", conditionID)
	}

	var result []types.OpenOrder
	resp, err := req.SetResult(&result).Get("/orders")
	if err != nil {
		return nil, newError(Transient, "list orders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, newError(classifyStatus(resp.StatusCode()), "list orders: "+resp.String(), nil)
	}
	return result, nil
}

// GetOrder fetches the current status of a single order by ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, err
	}

	var result types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, newError(Transient, "get order status", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, newError(Unknown, "order not found", nil)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, newError(classifyStatus(resp.StatusCode()), "get order status: "+resp.String(), nil)
	}
	return &result, nil
}

// signedOrder is the on-chain order structure the CLOB expects to verify
// the maker's signature against — never exposed outside this package.
type signedOrder struct {
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   string        `json:"makerAmount"`
	TakerAmount   string        `json:"takerAmount"`
	Side          types.Side    `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

type orderWirePayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// buildOrderPayload converts a high-level order intent into the signed
// wire payload the REST API expects.
func (c *Client) buildOrderPayload(req types.OrderRequest) (orderWirePayload, error) {
	tickSize := req.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(req.Price, req.Size, req.Side, tickSize)

	order := signedOrder{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Side:          req.Side,
		Expiration:    strconv.FormatInt(req.Expiration, 10),
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.auth.sigType,
	}

	orderType := req.OrderType
	if orderType == "" {
		orderType = "GTC"
	}

	return orderWirePayload{Order: order, Owner: c.funderHex, OrderType: orderType}, nil
}

// PlaceOrders places up to 15 orders in a single batch request.
func (c *Client) PlaceOrders(ctx context.Context, orders []types.OrderRequest) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, newError(Unknown, fmt.Sprintf("batch limit is 15 orders, got %d", len(orders)), nil)
	}
	if c.dryRun {
		c.logger.Info("dry-run: would post orders", "count", len(orders))
		results := make([]types.OrderResponse, len(orders))
		for i := range orders {
			results[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%d", i), Status: "live"}
		}
		return results, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payloads := make([]orderWirePayload, len(orders))
	for i, o := range orders {
		p, err := c.buildOrderPayload(o)
		if err != nil {
			return nil, err
		}
		payloads[i] = p
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, newError(Unknown, "marshal orders", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, err
	}

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return nil, newError(Transient, "post orders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, newError(classifyStatus(resp.StatusCode()), "post orders: "+resp.String(), nil)
	}
	return results, nil
}

// PlaceOrder is a single-order convenience wrapper over PlaceOrders.
func (c *Client) PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.OrderResponse, error) {
	results, err := c.PlaceOrders(ctx, []types.OrderRequest{order})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, newError(Unknown, "no order response returned", nil)
	}
	result := results[0]
	if !result.Success {
		return &result, newError(OrderRejected, result.ErrorMsg, nil)
	}
	return &result, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	if c.dryRun {
		c.logger.Info("dry-run: would cancel orders", "count", len(orderIDs))
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs})
	if err != nil {
		return newError(Unknown, "marshal cancel request", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/orders")
	if err != nil {
		return newError(Transient, "cancel orders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return newError(classifyStatus(resp.StatusCode()), "cancel orders: "+resp.String(), nil)
	}
	return nil
}

// CancelAll cancels every open order across all markets. Used on startup
// recovery and as a last-resort on unrecoverable errors.
func (c *Client) CancelAll(ctx context.Context) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel all orders")
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete("/cancel-all")
	if err != nil {
		return newError(Transient, "cancel all", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return newError(classifyStatus(resp.StatusCode()), "cancel all: "+resp.String(), nil)
	}
	c.logger.Warn("all orders cancelled")
	return nil
}

// CancelMarketOrders cancels all orders for a single market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel market orders", "market", conditionID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/cancel-market-orders")
	if err != nil {
		return newError(Transient, "cancel market orders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return newError(classifyStatus(resp.StatusCode()), "cancel market orders: "+resp.String(), nil)
	}
	return nil
}
