package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/metrics"
	"github.com/cedibets/engine/internal/model"
	"github.com/cedibets/engine/internal/store"
)

// TradeResult is the confirmed outcome of a trade, including the post-trade
// prices for broadcasting and display.
type TradeResult struct {
	Record   *model.TradeRecord `json:"record"`
	PriceYes decimal.Decimal    `json:"price_yes"`
	PriceNo  decimal.Decimal    `json:"price_no"`
}

// Buy spends collateralIn (6dp minor units) of the trader's collateral on
// outcome tokens of the given side. minTokensOut is the slippage floor;
// pass zero to accept any fill.
func (e *Engine) Buy(ctx context.Context, marketID, trader model.Address, side model.Side, collateralIn, minTokensOut decimal.Decimal) (*TradeResult, error) {
	start := time.Now()
	if err := validateTrader(trader, side); err != nil {
		return nil, err
	}
	if collateralIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: collateral amount must be positive", ErrInvalidParameters)
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if st := m.EffectiveState(e.now()); st != model.MarketOpen {
		return nil, fmt.Errorf("%w: market is %s", ErrMarketNotOpen, st)
	}

	balance, err := e.store.GetBalance(ctx, trader, e.collateral)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(collateralIn) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, collateralIn)
	}

	allowance, err := e.store.Allowance(ctx, trader)
	if err != nil {
		return nil, err
	}
	if allowance.LessThan(collateralIn) {
		return nil, fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowance, collateralIn)
	}

	target, other := m.YesReserve, m.NoReserve
	if side == model.SideNo {
		target, other = other, target
	}

	q, err := e.curve.QuoteBuy(target, other, collateralIn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if q.TokensOut.LessThan(minTokensOut) {
		return nil, fmt.Errorf("%w: fill %s below minimum %s", ErrSlippageExceeded, q.TokensOut, minTokensOut)
	}

	newYes, newNo := q.NewTarget, q.NewOther
	if side == model.SideNo {
		newYes, newNo = newNo, newYes
	}

	// Net collateral mints this much of each side; the fee stays in the
	// pool's collateral reserve.
	minted := model.ScaleCollateralToTokens(collateralIn.Sub(q.Fee))

	record := &model.TradeRecord{
		ID:         uuid.NewString(),
		MarketID:   marketID,
		Trader:     trader,
		Side:       side,
		Direction:  model.DirectionBuy,
		Collateral: collateralIn,
		Tokens:     q.TokensOut,
		Fee:        q.Fee,
		Timestamp:  e.now(),
	}

	app := &store.TradeApplication{
		MarketID:          marketID,
		CollateralReserve: m.CollateralReserve.Add(collateralIn),
		YesReserve:        newYes,
		NoReserve:         newNo,
		Trader:            trader,
		Token:             m.TokenForSide(side),
		TokenDelta:        q.TokensOut,
		CollateralDelta:   collateralIn.Neg(),
		AllowanceSpent:    collateralIn,
		YesSupplyDelta:    minted,
		NoSupplyDelta:     minted,
		Record:            record,
	}
	if err := e.store.ApplyTrade(ctx, app); err != nil {
		return nil, err
	}

	priceYes := e.curve.SpotPrice(newYes, newNo)
	priceNo := e.curve.SpotPrice(newNo, newYes)

	metrics.TradesTotal.WithLabelValues(string(side), string(model.DirectionBuy)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(marketID.Hex(), string(side)).Add(collateralIn.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", record.ID,
		"market", marketID,
		"trader", trader,
		"side", side,
		"direction", "buy",
		"collateral", collateralIn.String(),
		"tokens", q.TokensOut.String(),
		"fee", q.Fee.String(),
		"price_yes", priceYes.String(),
	)

	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: marketID.Hex(),
			Side:     string(side),
			PriceYes: priceYes.String(),
			PriceNo:  priceNo.String(),
			Amount:   collateralIn.String(),
		})
	}

	return &TradeResult{Record: record, PriceYes: priceYes, PriceNo: priceNo}, nil
}

// Sell returns tokensIn (18dp minor units) of the given side to the pool
// for collateral. minCollateralOut is the slippage floor.
func (e *Engine) Sell(ctx context.Context, marketID, trader model.Address, side model.Side, tokensIn, minCollateralOut decimal.Decimal) (*TradeResult, error) {
	start := time.Now()
	if err := validateTrader(trader, side); err != nil {
		return nil, err
	}
	if tokensIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: token amount must be positive", ErrInvalidParameters)
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if st := m.EffectiveState(e.now()); st != model.MarketOpen {
		return nil, fmt.Errorf("%w: market is %s", ErrMarketNotOpen, st)
	}

	token := m.TokenForSide(side)
	balance, err := e.store.GetBalance(ctx, trader, token)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(tokensIn) {
		return nil, fmt.Errorf("%w: have %s tokens, selling %s", ErrInsufficientBalance, balance, tokensIn)
	}

	target, other := m.YesReserve, m.NoReserve
	if side == model.SideNo {
		target, other = other, target
	}

	q, err := e.curve.QuoteSell(target, other, tokensIn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if q.CollateralOut.LessThan(minCollateralOut) {
		return nil, fmt.Errorf("%w: fill %s below minimum %s", ErrSlippageExceeded, q.CollateralOut, minCollateralOut)
	}

	newYes, newNo := q.NewTarget, q.NewOther
	if side == model.SideNo {
		newYes, newNo = newNo, newYes
	}

	record := &model.TradeRecord{
		ID:         uuid.NewString(),
		MarketID:   marketID,
		Trader:     trader,
		Side:       side,
		Direction:  model.DirectionSell,
		Collateral: q.CollateralOut,
		Tokens:     tokensIn,
		Fee:        q.Fee,
		Timestamp:  e.now(),
	}

	app := &store.TradeApplication{
		MarketID:          marketID,
		CollateralReserve: m.CollateralReserve.Sub(q.CollateralOut),
		YesReserve:        newYes,
		NoReserve:         newNo,
		Trader:            trader,
		Token:             token,
		TokenDelta:        tokensIn.Neg(),
		CollateralDelta:   q.CollateralOut,
		AllowanceSpent:    decimal.Zero,
		YesSupplyDelta:    q.Burned.Neg(),
		NoSupplyDelta:     q.Burned.Neg(),
		Record:            record,
	}
	if err := e.store.ApplyTrade(ctx, app); err != nil {
		return nil, err
	}

	priceYes := e.curve.SpotPrice(newYes, newNo)
	priceNo := e.curve.SpotPrice(newNo, newYes)

	metrics.TradesTotal.WithLabelValues(string(side), string(model.DirectionSell)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(marketID.Hex(), string(side)).Add(q.CollateralOut.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", record.ID,
		"market", marketID,
		"trader", trader,
		"side", side,
		"direction", "sell",
		"tokens", tokensIn.String(),
		"collateral", q.CollateralOut.String(),
		"fee", q.Fee.String(),
		"price_yes", priceYes.String(),
	)

	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: marketID.Hex(),
			Side:     string(side),
			PriceYes: priceYes.String(),
			PriceNo:  priceNo.String(),
			Amount:   tokensIn.String(),
		})
	}

	return &TradeResult{Record: record, PriceYes: priceYes, PriceNo: priceNo}, nil
}

// AddLiquidity deposits collateral into the pool, minting equal amounts of
// both outcome tokens into the reserves. No LP share token is issued; the
// deposit deepens the pool.
func (e *Engine) AddLiquidity(ctx context.Context, marketID, provider model.Address, amount decimal.Decimal) (*model.Market, error) {
	if provider.IsZero() {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidParameters)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParameters)
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if st := m.EffectiveState(e.now()); st != model.MarketOpen {
		return nil, fmt.Errorf("%w: market is %s", ErrMarketNotOpen, st)
	}

	balance, err := e.store.GetBalance(ctx, provider, e.collateral)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}

	allowance, err := e.store.Allowance(ctx, provider)
	if err != nil {
		return nil, err
	}
	if allowance.LessThan(amount) {
		return nil, fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}

	q, err := e.curve.QuoteLiquidity(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	app := &store.LiquidityApplication{
		MarketID:          marketID,
		CollateralReserve: m.CollateralReserve.Add(amount),
		YesReserve:        m.YesReserve.Add(q.TokensMinted),
		NoReserve:         m.NoReserve.Add(q.TokensMinted),
		Provider:          provider,
		CollateralDelta:   amount.Neg(),
		AllowanceSpent:    amount,
		SupplyDelta:       q.TokensMinted,
	}
	if err := e.store.ApplyLiquidity(ctx, app); err != nil {
		return nil, err
	}

	m.CollateralReserve = app.CollateralReserve
	m.YesReserve = app.YesReserve
	m.NoReserve = app.NoReserve

	slog.Info("liquidity added",
		"market", marketID,
		"provider", provider,
		"collateral", amount.String(),
		"minted", q.TokensMinted.String(),
	)
	return m, nil
}

func validateTrader(trader model.Address, side model.Side) error {
	if trader.IsZero() {
		return fmt.Errorf("%w: trader is required", ErrInvalidParameters)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: side must be YES or NO", ErrInvalidParameters)
	}
	return nil
}
