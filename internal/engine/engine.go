// Package engine implements the core operations of the prediction market
// and parametric insurance service: market registry, trade execution
// against the pricing curve, resolution, redemption, and policy lifecycle.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/cpmm"
	"github.com/cedibets/engine/internal/model"
	"github.com/cedibets/engine/internal/store"
)

// Engine executes state transitions against the store. Mutations to one
// market are serialized by a per-market mutex; reads are unsynchronized.
type Engine struct {
	store      store.Store
	curve      *cpmm.Curve
	collateral model.Address

	// Default policy terms, from config.
	policyPremium decimal.Decimal
	policyPayout  decimal.Decimal

	now      func() time.Time
	nonce    atomic.Uint64
	salt     string
	locks    sync.Map // model.Address -> *sync.Mutex
	policyMu sync.Mutex

	hub *WSHub // optional, nil disables broadcasting
}

// New creates an engine. Pass nil for hub if WebSocket broadcasting is not
// needed.
func New(st store.Store, curve *cpmm.Curve, collateral model.Address, policyPremium, policyPayout decimal.Decimal, hub *WSHub) *Engine {
	return &Engine{
		store:         st,
		curve:         curve,
		collateral:    collateral,
		policyPremium: policyPremium,
		policyPayout:  policyPayout,
		now:           func() time.Time { return time.Now().UTC() },
		salt:          uuid.NewString(),
		hub:           hub,
	}
}

// Collateral returns the address of the collateral asset.
func (e *Engine) Collateral() model.Address { return e.collateral }

// lockMarket serializes mutations to one market. The returned function
// releases the lock.
func (e *Engine) lockMarket(id model.Address) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetMarket retrieves a market with its effective state materialized.
func (e *Engine) GetMarket(ctx context.Context, id model.Address) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	m.State = m.EffectiveState(e.now())
	return m, nil
}

// Prices returns the current display prices for both sides of a market.
func (e *Engine) Prices(m *model.Market) (yes, no decimal.Decimal) {
	yes = e.curve.SpotPrice(m.YesReserve, m.NoReserve)
	no = e.curve.SpotPrice(m.NoReserve, m.YesReserve)
	return yes, no
}

// Quote is a priced, non-binding preview of a trade.
type Quote struct {
	MarketID  model.Address   `json:"market_id"`
	Side      model.Side      `json:"side"`
	Direction model.Direction `json:"direction"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Fee       decimal.Decimal `json:"fee"`
	PriceYes  decimal.Decimal `json:"price_yes"` // post-trade
	PriceNo   decimal.Decimal `json:"price_no"`
}

// QuoteTrade prices a prospective trade without mutating anything. For
// buys, amount is collateral in (6dp); for sells, tokens in (18dp).
func (e *Engine) QuoteTrade(ctx context.Context, marketID model.Address, side model.Side, direction model.Direction, amount decimal.Decimal) (*Quote, error) {
	if !side.Valid() || !direction.Valid() {
		return nil, fmt.Errorf("%w: side and direction must be YES|NO and buy|sell", ErrInvalidParameters)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParameters)
	}

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if st := m.EffectiveState(e.now()); st != model.MarketOpen {
		return nil, fmt.Errorf("%w: market is %s", ErrMarketNotOpen, st)
	}

	target, other := m.YesReserve, m.NoReserve
	if side == model.SideNo {
		target, other = other, target
	}

	q := &Quote{MarketID: marketID, Side: side, Direction: direction, AmountIn: amount}

	switch direction {
	case model.DirectionBuy:
		bq, err := e.curve.QuoteBuy(target, other, amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		q.AmountOut, q.Fee = bq.TokensOut, bq.Fee
		target, other = bq.NewTarget, bq.NewOther
	case model.DirectionSell:
		sq, err := e.curve.QuoteSell(target, other, amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		q.AmountOut, q.Fee = sq.CollateralOut, sq.Fee
		target, other = sq.NewTarget, sq.NewOther
	}

	if side == model.SideNo {
		target, other = other, target
	}
	q.PriceYes = e.curve.SpotPrice(target, other)
	q.PriceNo = e.curve.SpotPrice(other, target)
	return q, nil
}

// Balance returns a holder's balance of any token, collateral included.
func (e *Engine) Balance(ctx context.Context, holder, token model.Address) (decimal.Decimal, error) {
	return e.store.GetBalance(ctx, holder, token)
}

// Portfolio aggregates a holder's collateral, outcome-token positions, and
// their mark-to-market value across all markets.
func (e *Engine) Portfolio(ctx context.Context, holder model.Address) (*model.Portfolio, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}

	collateral, err := e.store.GetBalance(ctx, holder, e.collateral)
	if err != nil {
		return nil, err
	}

	now := e.now()
	total := collateral
	var positions []model.Position

	for i := range markets {
		m := &markets[i]
		yes, err := e.store.GetBalance(ctx, holder, m.YesToken)
		if err != nil {
			return nil, err
		}
		no, err := e.store.GetBalance(ctx, holder, m.NoToken)
		if err != nil {
			return nil, err
		}
		if yes.IsZero() && no.IsZero() {
			continue
		}

		value := e.markToMarket(m, yes, no, now)
		total = total.Add(value)

		positions = append(positions, model.Position{
			MarketID:     m.ID,
			Question:     m.Question,
			State:        m.EffectiveState(now),
			YesBalance:   yes,
			NoBalance:    no,
			CurrentValue: value,
		})
	}

	return &model.Portfolio{
		Holder:            holder,
		CollateralBalance: collateral,
		Positions:         positions,
		TotalValue:        total,
	}, nil
}

// markToMarket values a holding in collateral minor units. Resolved markets
// value the winning side at par and the loser at zero; live markets use
// spot prices.
func (e *Engine) markToMarket(m *model.Market, yes, no decimal.Decimal, now time.Time) decimal.Decimal {
	if m.EffectiveState(now) == model.MarketResolved {
		winning := yes
		if m.WinningToken == m.NoToken {
			winning = no
		}
		return model.ScaleTokensToCollateral(winning)
	}
	priceYes, priceNo := e.Prices(m)
	value := yes.Mul(priceYes).Add(no.Mul(priceNo))
	return model.ScaleTokensToCollateral(value)
}

// TradesByMarket returns the immutable trade ledger for a market.
func (e *Engine) TradesByMarket(ctx context.Context, marketID model.Address) ([]model.TradeRecord, error) {
	return e.store.ListTradesByMarket(ctx, marketID)
}
