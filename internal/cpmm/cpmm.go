// Package cpmm implements the constant-product market maker for binary
// outcome markets backed by a collateral reserve.
//
// For token reserves (Y, N), any trade that does not add or remove net
// liquidity holds the product Y*N constant; the protocol fee makes the
// product strictly increase. The spot price of YES reads as N/(Y+N), so
// priceYes + priceNo == 1 by construction.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Amounts are integer-valued decimals in minor units (collateral 6dp
// input, token reserves 18dp); outputs are floored so rounding always
// favors the pool. The square root in the sell formula is seeded from
// float64 and refined in decimal, so precision never leaks into money.
package cpmm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/model"
)

var (
	// ErrInvalidFee is returned when the fee rate is negative or >= 100%.
	ErrInvalidFee = errors.New("cpmm: fee must be in [0, 10000) basis points")

	// ErrInvalidAmount is returned for non-positive trade amounts.
	ErrInvalidAmount = errors.New("cpmm: amount must be positive")

	// ErrNoLiquidity is returned when quoting against empty reserves.
	ErrNoLiquidity = errors.New("cpmm: pool has no liquidity")

	// PriceScale is the number of decimal places for display prices.
	PriceScale int32 = 8

	bpsDenominator = decimal.NewFromInt(10000)
	two            = decimal.NewFromInt(2)
	four           = decimal.NewFromInt(4)
	half           = decimal.NewFromFloat(0.5)
)

// Curve prices trades against constant-product reserves. It is stateless —
// reserves are passed as arguments, not stored. The only configuration is
// the protocol fee in basis points, taken off collateral on the way in
// (buys) and off proceeds on the way out (sells).
type Curve struct {
	feeBps decimal.Decimal
}

// New creates a curve with the given fee rate in basis points.
func New(feeBps int64) (*Curve, error) {
	if feeBps < 0 || feeBps >= 10000 {
		return nil, ErrInvalidFee
	}
	return &Curve{feeBps: decimal.NewFromInt(feeBps)}, nil
}

// FeeBps returns the configured fee rate in basis points.
func (c *Curve) FeeBps() decimal.Decimal { return c.feeBps }

// Fee computes the protocol fee on a collateral amount, floored.
func (c *Curve) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.feeBps).Div(bpsDenominator).Floor()
}

// SpotPrice returns the instantaneous price of the target side whose
// reserve is `target` against the complementary reserve `other`:
//
//	p = other / (target + other)
//
// The price of a side falls as its reserve deepens. An empty pool prices
// both sides at 0.5. For display only — settlement never uses prices.
func (c *Curve) SpotPrice(target, other decimal.Decimal) decimal.Decimal {
	sum := target.Add(other)
	if sum.IsZero() {
		return half
	}
	return other.DivRound(sum, PriceScale)
}

// BuyQuote is the outcome of quoting a buy against the curve.
type BuyQuote struct {
	TokensOut decimal.Decimal // 18dp, floored
	Fee       decimal.Decimal // 6dp collateral
	NewTarget decimal.Decimal // reserve of the side bought
	NewOther  decimal.Decimal // complementary reserve
}

// QuoteBuy computes the outcome tokens received for spending collateralIn
// (6dp minor units) on the side whose reserve is `target`.
//
// The net collateral a (fee deducted, scaled to 18dp) mints a of each side
// into the pool; the buyer then takes t of the target side such that the
// product is preserved:
//
//	(T + a − t) · (O + a) = T·O  ⇒  t = T + a − T·O/(O + a)
//
// Pure function: no state is mutated.
func (c *Curve) QuoteBuy(target, other, collateralIn decimal.Decimal) (BuyQuote, error) {
	if collateralIn.Sign() <= 0 {
		return BuyQuote{}, ErrInvalidAmount
	}
	if target.Sign() <= 0 || other.Sign() <= 0 {
		return BuyQuote{}, ErrNoLiquidity
	}

	fee := c.Fee(collateralIn)
	a := model.ScaleCollateralToTokens(collateralIn.Sub(fee))
	if a.Sign() <= 0 {
		return BuyQuote{}, ErrInvalidAmount
	}

	// t = T + a − T·O/(O + a). The retained reserve rounds up and the
	// output rounds down, so the pool keeps the dust.
	keep := target.Mul(other).Div(other.Add(a)).Ceil()
	out := target.Add(a).Sub(keep).Floor()
	if out.Sign() <= 0 {
		return BuyQuote{}, ErrInvalidAmount
	}

	return BuyQuote{
		TokensOut: out,
		Fee:       fee,
		NewTarget: target.Add(a).Sub(out),
		NewOther:  other.Add(a),
	}, nil
}

// SellQuote is the outcome of quoting a sell against the curve.
type SellQuote struct {
	CollateralOut decimal.Decimal // 6dp, net of fee, floored
	Fee           decimal.Decimal // 6dp collateral
	Burned        decimal.Decimal // 18dp pair amount burned from reserves
	NewTarget     decimal.Decimal // reserve of the side sold
	NewOther      decimal.Decimal // complementary reserve
}

// QuoteSell computes the collateral received for returning tokensIn (18dp)
// of the side whose reserve is `target`.
//
// The seller returns t target tokens; the pool burns r of each side to
// release r collateral, preserving the product:
//
//	(T + t − r) · (O − r) = T·O
//
// The positive root, in the numerically stable form, is
//
//	r = 2·t·O / (s + sqrt(s² − 4·t·O)),  s = T + t + O
//
// The fee comes off the released collateral.
func (c *Curve) QuoteSell(target, other, tokensIn decimal.Decimal) (SellQuote, error) {
	if tokensIn.Sign() <= 0 {
		return SellQuote{}, ErrInvalidAmount
	}
	if target.Sign() <= 0 || other.Sign() <= 0 {
		return SellQuote{}, ErrNoLiquidity
	}

	s := target.Add(tokensIn).Add(other)
	disc := s.Mul(s).Sub(four.Mul(tokensIn).Mul(other))
	r := two.Mul(tokensIn).Mul(other).
		DivRound(s.Add(sqrt(disc)), int32(model.TokenDecimals))
	r = r.Floor()

	// Guard against sqrt dust pushing r one unit past the exact root:
	// back off until the burned pair provably preserves the product.
	k := target.Mul(other)
	one := decimal.New(1, 0)
	for r.Sign() > 0 && target.Add(tokensIn).Sub(r).Mul(other.Sub(r)).LessThan(k) {
		r = r.Sub(one)
	}
	if r.Sign() <= 0 || r.GreaterThanOrEqual(other) {
		return SellQuote{}, ErrNoLiquidity
	}

	gross := model.ScaleTokensToCollateral(r)
	fee := c.Fee(gross)
	out := gross.Sub(fee)
	if out.Sign() <= 0 {
		return SellQuote{}, ErrInvalidAmount
	}

	return SellQuote{
		CollateralOut: out,
		Fee:           fee,
		Burned:        r,
		NewTarget:     target.Add(tokensIn).Sub(r),
		NewOther:      other.Sub(r),
	}, nil
}

// LiquidityQuote is the reserve change for a liquidity deposit.
type LiquidityQuote struct {
	TokensMinted decimal.Decimal // 18dp minted into each reserve
}

// QuoteLiquidity converts a collateral deposit into paired token minting:
// `amount` collateral mints the scaled amount of both YES and NO into the
// pool's own reserves, keeping YES and NO issuance equal. No LP share token
// is issued; the contribution deepens the reserves.
func (c *Curve) QuoteLiquidity(amount decimal.Decimal) (LiquidityQuote, error) {
	if amount.Sign() <= 0 {
		return LiquidityQuote{}, ErrInvalidAmount
	}
	return LiquidityQuote{TokensMinted: model.ScaleCollateralToTokens(amount)}, nil
}

// sqrt computes the square root of a non-negative decimal. The seed comes
// from math.Sqrt on the float64 approximation; Newton iterations in decimal
// recover the precision float64 cannot carry for 18dp reserves.
func sqrt(x decimal.Decimal) decimal.Decimal {
	if x.Sign() <= 0 {
		return decimal.Zero
	}

	guess := decimal.NewFromFloat(math.Sqrt(x.InexactFloat64()))
	if guess.Sign() <= 0 {
		guess = decimal.New(1, 0)
	}

	// Newton: g' = (g + x/g) / 2. Converges quadratically; 12dp of slack
	// beyond token precision absorbs intermediate rounding.
	const iterScale = int32(model.TokenDecimals) + 12
	prev := decimal.Zero
	for i := 0; i < 64; i++ {
		next := guess.Add(x.DivRound(guess, iterScale)).DivRound(two, iterScale)
		if next.Equal(guess) || next.Equal(prev) {
			break
		}
		prev = guess
		guess = next
	}
	return guess
}
