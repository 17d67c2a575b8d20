package supervisor

import (
	"context"

	"lp-rewards-bot/pkg/types"
)

// processEvents is phase 2 of the main loop (spec.md §4.4/§4.5): drain
// whatever has queued up on the user and market streams since the last
// tick, converting user-channel trades into fills and routing
// price-change events into the Price Monitor's stream-driven path. When
// either feed is down, fall back to the Price Monitor's REST polling
// instead of waiting for events that will never arrive.
func (s *Supervisor) processEvents(ctx context.Context) error {
	fills := s.drainFills()
	for _, fill := range fills {
		if err := s.om.HandleFill(ctx, fill); err != nil {
			s.logger.Warn("handle fill failed", "token_id", fill.TokenID, "error", err)
		}
	}

	priceEvents := s.drainPriceChanges()
	if len(priceEvents) > 0 {
		if err := s.pm.HandlePriceEvents(ctx, priceEvents); err != nil {
			s.logger.Warn("handle price events failed", "error", err)
		}
	}

	s.drainOrderEvents()

	if !s.marketFeed.Connected() || !s.userFeed.Connected() {
		if err := s.pm.CheckAllPositions(ctx); err != nil {
			s.logger.Warn("rest fallback price check failed", "error", err)
		}
	}

	return nil
}

// fillKey aggregates maker fills within a batch: spec.md's "multiple
// fills arriving together for the same (condition, token, side) are
// summed before any placement logic" (§4.4). Fills are only ever batched
// this way when they land on the same stream drain; fills that arrive on
// separate ticks are handled independently, which is correct since each
// tick is its own placement decision point.
type fillKey struct {
	tokenID string
	side    types.Side
}

// drainFills pulls every queued trade off the user feed and reduces it to
// a batch of fills via aggregateFills.
func (s *Supervisor) drainFills() []types.Fill {
	var trades []types.TradeEvent
drainLoop:
	for {
		select {
		case trade, ok := <-s.userFeed.Trades():
			if !ok {
				break drainLoop
			}
			trades = append(trades, trade)
		default:
			break drainLoop
		}
	}

	fills := aggregateFills(trades)
	for i := range fills {
		fills[i].ConditionID = s.resolveConditionID(fills[i].TokenID)
	}
	return fills
}

// aggregateFills infers the maker side as the opposite of each trade's
// reported taker side (never trusted directly — see internal/stream's
// decodeTrade) and aggregates same-token same-side maker fills into a
// single types.Fill with a size-weighted average price, in first-seen
// order. Only MATCHED trades carry real fills; other statuses are ignored.
func aggregateFills(trades []types.TradeEvent) []types.Fill {
	agg := make(map[fillKey]*types.Fill)
	var order []fillKey

	for _, trade := range trades {
		if trade.Status != "MATCHED" {
			continue
		}
		makerSide := types.SELL
		if trade.TakerSide == "SELL" {
			makerSide = types.BUY
		}

		for _, mo := range trade.MakerOrders {
			if mo.MatchedAmount <= 0 {
				continue
			}
			key := fillKey{tokenID: mo.AssetID, side: makerSide}
			existing, ok := agg[key]
			if !ok {
				agg[key] = &types.Fill{
					OrderID: mo.OrderID,
					TokenID: mo.AssetID,
					Side:    makerSide,
					Size:    mo.MatchedAmount,
					Price:   mo.Price,
				}
				order = append(order, key)
				continue
			}
			totalSize := existing.Size + mo.MatchedAmount
			existing.Price = (existing.Price*existing.Size + mo.Price*mo.MatchedAmount) / totalSize
			existing.Size = totalSize
		}
	}

	fills := make([]types.Fill, 0, len(order))
	for _, key := range order {
		fills = append(fills, *agg[key])
	}
	return fills
}

// resolveConditionID is best-effort: HandleFill falls back to its own
// token lookup when ConditionID is empty, so a miss here just means one
// extra lookup downstream rather than a dropped fill.
func (s *Supervisor) resolveConditionID(tokenID string) string {
	for _, pos := range s.ledger.All() {
		if pos.YesTokenID == tokenID || pos.NoTokenID == tokenID {
			return pos.ConditionID
		}
	}
	return ""
}

func (s *Supervisor) drainPriceChanges() []types.PriceChangeEvent {
	var events []types.PriceChangeEvent
	for {
		select {
		case evt, ok := <-s.marketFeed.PriceChanges():
			if !ok {
				return events
			}
			events = append(events, evt)
		default:
			return events
		}
	}
}

// drainOrderEvents empties the user feed's order-lifecycle channel. Order
// placements/cancellations/updates are already reflected in the ledger by
// whichever call site issued them; this channel exists for observability
// and future reconciliation hooks, not as a second source of truth.
func (s *Supervisor) drainOrderEvents() {
	for {
		select {
		case evt, ok := <-s.userFeed.Orders():
			if !ok {
				return
			}
			s.logger.Debug("order event", "order_id", evt.OrderID, "type", evt.Type, "size_matched", evt.SizeMatched)
		default:
			return
		}
	}
}
