// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Amounts are integer-valued decimals in minor units: collateral at 6
// implied decimal places, outcome tokens at 18, strike prices at 2.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Implied decimal places for the asset classes the engine handles.
const (
	CollateralDecimals = 6
	TokenDecimals      = 18
	StrikeDecimals     = 2
)

// CollateralToTokenScale converts collateral minor units to outcome-token
// minor units (10^12).
var CollateralToTokenScale = decimal.New(1, TokenDecimals-CollateralDecimals)

// ScaleCollateralToTokens converts a collateral amount (6dp minor units) to
// the equivalent outcome-token amount (18dp minor units).
func ScaleCollateralToTokens(c decimal.Decimal) decimal.Decimal {
	return c.Mul(CollateralToTokenScale)
}

// ScaleTokensToCollateral converts an outcome-token amount to collateral
// minor units, rounding down. Rounding always favors the pool.
func ScaleTokensToCollateral(t decimal.Decimal) decimal.Decimal {
	return t.Div(CollateralToTokenScale).Floor()
}

// Side identifies an outcome token side.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether the side is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Direction identifies the trade direction.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Valid reports whether the direction is buy or sell.
func (d Direction) Valid() bool { return d == DirectionBuy || d == DirectionSell }

// MarketState is the lifecycle state of a market.
type MarketState string

const (
	// MarketOpen accepts trades and liquidity.
	MarketOpen MarketState = "open"
	// MarketResolving is derived, not stored: the resolution window has
	// opened but the oracle has not reported. Trading is closed.
	MarketResolving MarketState = "resolving"
	// MarketResolved is terminal. Winning tokens redeem for collateral.
	MarketResolved MarketState = "resolved"
)

// Market is a binary-outcome prediction market with its pool reserves.
type Market struct {
	ID                  Address     `json:"id" db:"id"`
	Question            string      `json:"question" db:"question"`
	ResolutionTimestamp time.Time   `json:"resolution_timestamp" db:"resolution_timestamp"`
	Oracle              Address     `json:"oracle" db:"oracle"`
	CollateralToken     Address     `json:"collateral_token" db:"collateral_token"`
	YesToken            Address     `json:"yes_token" db:"yes_token"`
	NoToken             Address     `json:"no_token" db:"no_token"`
	State               MarketState `json:"state" db:"state"`
	WinningToken        Address     `json:"winning_token,omitempty" db:"winning_token"`

	// Pool reserves. Collateral in 6dp minor units; token reserves in
	// 18dp minor units. After resolution these are frozen redemption
	// backing, not a live pool.
	CollateralReserve decimal.Decimal `json:"collateral_reserve" db:"collateral_reserve"`
	YesReserve        decimal.Decimal `json:"yes_reserve" db:"yes_reserve"`
	NoReserve         decimal.Decimal `json:"no_reserve" db:"no_reserve"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EffectiveState derives the externally visible state at the given instant.
// A stored-open market whose resolution window has passed reports resolving;
// resolved is always terminal. The trade engine gates on this, not on the
// stored state alone.
func (m *Market) EffectiveState(now time.Time) MarketState {
	if m.State == MarketResolved {
		return MarketResolved
	}
	if !now.Before(m.ResolutionTimestamp) {
		return MarketResolving
	}
	return MarketOpen
}

// TokenForSide returns the outcome token address for a side.
func (m *Market) TokenForSide(s Side) Address {
	if s == SideYes {
		return m.YesToken
	}
	return m.NoToken
}

// TradeRecord is an immutable record of a trade execution. Once created,
// these are never modified or deleted.
type TradeRecord struct {
	ID         string          `json:"id" db:"id"`
	MarketID   Address         `json:"market_id" db:"market_id"`
	Trader     Address         `json:"trader" db:"trader"`
	Side       Side            `json:"side" db:"side"`
	Direction  Direction       `json:"direction" db:"direction"`
	Collateral decimal.Decimal `json:"collateral" db:"collateral"` // collateral moved, 6dp
	Tokens     decimal.Decimal `json:"tokens" db:"tokens"`         // tokens moved, 18dp
	Fee        decimal.Decimal `json:"fee" db:"fee"`               // protocol fee, 6dp
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a holder's derived stake in one market; it is a query over the
// ledger, not stored state.
type Position struct {
	MarketID     Address         `json:"market_id"`
	Question     string          `json:"question"`
	State        MarketState     `json:"state"`
	YesBalance   decimal.Decimal `json:"yes_balance"`
	NoBalance    decimal.Decimal `json:"no_balance"`
	CurrentValue decimal.Decimal `json:"current_value"` // mark-to-market, 6dp collateral
}

// Portfolio aggregates a holder's positions and collateral balance.
type Portfolio struct {
	Holder            Address         `json:"holder"`
	CollateralBalance decimal.Decimal `json:"collateral_balance"`
	Positions         []Position      `json:"positions"`
	TotalValue        decimal.Decimal `json:"total_value"`
}
