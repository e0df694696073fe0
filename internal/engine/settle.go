package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/metrics"
	"github.com/cedibets/engine/internal/model"
	"github.com/cedibets/engine/internal/store"
)

// Resolve finalizes a market. Only the market's registered oracle may call
// it; the winning side's token becomes redeemable and the pool's reserves
// freeze as redemption backing.
func (e *Engine) Resolve(ctx context.Context, marketID, caller model.Address, winningSide model.Side) (*model.Market, error) {
	if !winningSide.Valid() {
		return nil, fmt.Errorf("%w: winning side must be YES or NO", ErrInvalidParameters)
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if caller != m.Oracle {
		return nil, fmt.Errorf("%w: only the market oracle may resolve", ErrUnauthorized)
	}
	if m.State == model.MarketResolved {
		return nil, fmt.Errorf("%w: market %s", ErrAlreadyResolved, marketID)
	}

	winning := m.TokenForSide(winningSide)
	if err := e.store.ApplyResolution(ctx, &store.ResolutionApplication{
		MarketID:     marketID,
		WinningToken: winning,
	}); err != nil {
		return nil, err
	}

	m.State = model.MarketResolved
	m.WinningToken = winning

	metrics.ActiveMarkets.Dec()
	slog.Info("market resolved",
		"market", marketID,
		"winning_side", winningSide,
		"winning_token", winning,
		"backing", m.CollateralReserve.String(),
	)

	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: marketID.Hex(),
			Side:     string(winningSide),
		})
	}
	return m, nil
}

// Redeem pays out the holder's full winning-token balance against the
// market's frozen backing. The rate is one collateral unit per winning
// token when the backing covers the outstanding winning supply, pro-rata
// otherwise. A second call after full redemption pays zero without error.
func (e *Engine) Redeem(ctx context.Context, marketID, holder model.Address) (decimal.Decimal, error) {
	if holder.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: holder is required", ErrInvalidParameters)
	}

	unlock := e.lockMarket(marketID)
	defer unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	if m.State != model.MarketResolved {
		return decimal.Zero, fmt.Errorf("%w: market is not resolved", ErrMarketNotOpen)
	}

	winning := m.WinningToken
	balance, err := e.store.GetBalance(ctx, holder, winning)
	if err != nil {
		return decimal.Zero, err
	}
	if balance.Sign() <= 0 {
		redeemed, err := e.store.HasRedeemed(ctx, marketID, holder)
		if err != nil {
			return decimal.Zero, err
		}
		if redeemed {
			// Replay after full redemption is benign.
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("%w: no winning tokens held", ErrNothingToRedeem)
	}

	supply, err := e.store.TokenSupply(ctx, winning)
	if err != nil {
		return decimal.Zero, err
	}

	// Outstanding supply excludes the pool's own frozen reserve: those
	// tokens can never be presented for redemption.
	poolReserve := m.YesReserve
	if winning == m.NoToken {
		poolReserve = m.NoReserve
	}
	outstanding := supply.Sub(poolReserve)
	if outstanding.LessThan(balance) {
		outstanding = balance
	}

	paid := model.ScaleTokensToCollateral(balance)
	if m.CollateralReserve.LessThan(model.ScaleTokensToCollateral(outstanding)) {
		// Underfunded: pro-rata share of the remaining backing.
		paid = balance.Mul(m.CollateralReserve).Div(outstanding).Floor()
	}
	if paid.GreaterThan(m.CollateralReserve) {
		paid = m.CollateralReserve
	}

	if err := e.store.ApplyRedemption(ctx, &store.RedemptionApplication{
		MarketID:          marketID,
		Holder:            holder,
		Token:             winning,
		TokensBurned:      balance,
		CollateralPaid:    paid,
		CollateralReserve: m.CollateralReserve.Sub(paid),
	}); err != nil {
		return decimal.Zero, err
	}

	metrics.RedemptionsTotal.Inc()
	slog.Info("redemption paid",
		"market", marketID,
		"holder", holder,
		"tokens_burned", balance.String(),
		"collateral_paid", paid.String(),
	)
	return paid, nil
}

// PurchasePolicy issues a parametric-insurance policy to the holder on the
// engine's configured premium and payout terms. The premium moves through
// the holder's allowance like any other collateral spend.
func (e *Engine) PurchasePolicy(ctx context.Context, holder model.Address, strikePrice decimal.Decimal, expiration time.Time) (*model.Policy, error) {
	if holder.IsZero() {
		return nil, fmt.Errorf("%w: holder is required", ErrInvalidParameters)
	}
	if strikePrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: strike price must be positive", ErrInvalidParameters)
	}
	now := e.now()
	if !expiration.After(now) {
		return nil, fmt.Errorf("%w: expiration must be in the future", ErrInvalidParameters)
	}

	balance, err := e.store.GetBalance(ctx, holder, e.collateral)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(e.policyPremium) {
		return nil, fmt.Errorf("%w: have %s, premium is %s", ErrInsufficientBalance, balance, e.policyPremium)
	}

	allowance, err := e.store.Allowance(ctx, holder)
	if err != nil {
		return nil, err
	}
	if allowance.LessThan(e.policyPremium) {
		return nil, fmt.Errorf("%w: approved %s, premium is %s", ErrInsufficientAllowance, allowance, e.policyPremium)
	}

	p := &model.Policy{
		PolicyHolder:        holder,
		PremiumPaid:         e.policyPremium,
		PayoutAmount:        e.policyPayout,
		StrikePrice:         strikePrice,
		ExpirationTimestamp: expiration.UTC(),
		CreatedAt:           now,
	}
	if err := e.store.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}

	slog.Info("policy purchased",
		"policy_id", p.ID,
		"holder", holder,
		"strike", strikePrice.String(),
		"premium", p.PremiumPaid.String(),
		"payout", p.PayoutAmount.String(),
		"expires_at", p.ExpirationTimestamp,
	)
	return p, nil
}

// SettlePolicy settles an expired policy against the observed value. Any
// caller may trigger settlement; the payout condition, not the caller,
// decides the outcome. Pays the holder iff observedValue strictly exceeds
// the strike. One-shot per policy.
func (e *Engine) SettlePolicy(ctx context.Context, id uint64, observedValue decimal.Decimal) (*model.Policy, error) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()

	p, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Settled {
		return nil, fmt.Errorf("%w: policy %d", ErrPolicySettled, id)
	}
	now := e.now()
	if now.Before(p.ExpirationTimestamp) {
		return nil, fmt.Errorf("%w: policy %d expires at %s", ErrPolicyNotExpired, id, p.ExpirationTimestamp)
	}

	// Strict comparison: observed equal to strike pays nothing.
	paidOut := observedValue.GreaterThan(p.StrikePrice)

	if err := e.store.ApplyPolicySettlement(ctx, &store.PolicySettlementApplication{
		PolicyID:  id,
		Holder:    p.PolicyHolder,
		PaidOut:   paidOut,
		Payout:    p.PayoutAmount,
		SettledAt: now,
	}); err != nil {
		return nil, err
	}

	p.Settled = true
	p.PaidOut = paidOut
	p.SettledAt = &now

	outcome := "no-payout"
	if paidOut {
		outcome = "paid-out"
	}
	metrics.PoliciesSettledTotal.WithLabelValues(outcome).Inc()
	slog.Info("policy settled",
		"policy_id", id,
		"holder", p.PolicyHolder,
		"observed", observedValue.String(),
		"strike", p.StrikePrice.String(),
		"paid_out", paidOut,
	)

	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:     "policy_settled",
			PolicyID: id,
			Outcome:  outcome,
		})
	}
	return p, nil
}

// GetPolicy retrieves a policy by its monotonic ID.
func (e *Engine) GetPolicy(ctx context.Context, id uint64) (*model.Policy, error) {
	return e.store.GetPolicy(ctx, id)
}

// ListPolicies returns a holder's policies in purchase order.
func (e *Engine) ListPolicies(ctx context.Context, holder model.Address) ([]model.Policy, error) {
	return e.store.ListPoliciesByHolder(ctx, holder)
}

// ApproveSpend sets the amount of the owner's collateral the engine may
// move on their behalf. Overwrites any previous allowance.
func (e *Engine) ApproveSpend(ctx context.Context, owner model.Address, amount decimal.Decimal) error {
	if owner.IsZero() {
		return fmt.Errorf("%w: owner is required", ErrInvalidParameters)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: allowance cannot be negative", ErrInvalidParameters)
	}
	if err := e.store.SetAllowance(ctx, owner, amount); err != nil {
		return err
	}
	slog.Info("allowance set", "owner", owner, "amount", amount.String())
	return nil
}

// Faucet credits collateral to a holder. Exposed only when enabled in
// config; intended for development and test environments.
func (e *Engine) Faucet(ctx context.Context, holder model.Address, amount decimal.Decimal) error {
	if holder.IsZero() {
		return fmt.Errorf("%w: holder is required", ErrInvalidParameters)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParameters)
	}
	if err := e.store.CreditCollateral(ctx, holder, amount); err != nil {
		return err
	}
	slog.Info("faucet credit", "holder", holder, "amount", amount.String())
	return nil
}
