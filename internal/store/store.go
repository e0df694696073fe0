// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Mutations arrive as composite applications: every balance, reserve,
// supply, and record change belonging to one state transition is applied
// together or not at all. The engine computes the transition; the store
// only persists it atomically.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/model"
)

// ErrNotFound is returned when a market, policy, or record does not exist.
var ErrNotFound = errors.New("store: not found")

// TradeApplication is the full effect of one executed trade.
type TradeApplication struct {
	MarketID model.Address

	// New pool reserves after the trade.
	CollateralReserve decimal.Decimal
	YesReserve        decimal.Decimal
	NoReserve         decimal.Decimal

	// Trader-side effects.
	Trader          model.Address
	Token           model.Address   // outcome token traded
	TokenDelta      decimal.Decimal // signed change to trader's token balance
	CollateralDelta decimal.Decimal // signed change to trader's collateral balance
	AllowanceSpent  decimal.Decimal // reduction of trader's allowance (buys)

	// Supply changes from pair minting/burning.
	YesSupplyDelta decimal.Decimal
	NoSupplyDelta  decimal.Decimal

	Record *model.TradeRecord
}

// LiquidityApplication is the effect of a liquidity deposit.
type LiquidityApplication struct {
	MarketID model.Address

	CollateralReserve decimal.Decimal
	YesReserve        decimal.Decimal
	NoReserve         decimal.Decimal

	Provider        model.Address
	CollateralDelta decimal.Decimal // signed change to provider's balance
	AllowanceSpent  decimal.Decimal
	SupplyDelta     decimal.Decimal // minted into each outcome token supply
}

// ResolutionApplication finalizes a market.
type ResolutionApplication struct {
	MarketID     model.Address
	WinningToken model.Address
}

// RedemptionApplication is the effect of one holder's redemption.
type RedemptionApplication struct {
	MarketID model.Address
	Holder   model.Address
	Token    model.Address // winning token

	TokensBurned      decimal.Decimal // removed from holder balance and supply
	CollateralPaid    decimal.Decimal // credited to holder
	CollateralReserve decimal.Decimal // remaining backing after payout
}

// PolicySettlementApplication is the one-shot settlement of a policy.
type PolicySettlementApplication struct {
	PolicyID  uint64
	Holder    model.Address
	PaidOut   bool
	Payout    decimal.Decimal // credited to the holder when PaidOut
	SettledAt time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market. Duplicate IDs are an error.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its address.
	GetMarket(ctx context.Context, id model.Address) (*model.Market, error)

	// ListMarkets returns all markets in insertion order.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Atomic applications ---

	ApplyTrade(ctx context.Context, app *TradeApplication) error
	ApplyLiquidity(ctx context.Context, app *LiquidityApplication) error
	ApplyResolution(ctx context.Context, app *ResolutionApplication) error
	ApplyRedemption(ctx context.Context, app *RedemptionApplication) error

	// --- Immutable trade ledger ---

	ListTradesByMarket(ctx context.Context, marketID model.Address) ([]model.TradeRecord, error)
	ListTradesByHolder(ctx context.Context, holder model.Address) ([]model.TradeRecord, error)

	// --- Balances, supplies, allowances ---

	// GetBalance returns a holder's balance of a token. The collateral
	// asset is addressed like any other token.
	GetBalance(ctx context.Context, holder, token model.Address) (decimal.Decimal, error)

	// TokenSupply returns the total minted supply of a token.
	TokenSupply(ctx context.Context, token model.Address) (decimal.Decimal, error)

	// Allowance returns how much of the owner's collateral the engine may
	// move on their behalf.
	Allowance(ctx context.Context, owner model.Address) (decimal.Decimal, error)

	// SetAllowance overwrites the owner's allowance (approve semantics).
	SetAllowance(ctx context.Context, owner model.Address, amount decimal.Decimal) error

	// CreditCollateral mints collateral to a holder (dev faucet).
	CreditCollateral(ctx context.Context, holder model.Address, amount decimal.Decimal) error

	// HasRedeemed reports whether the holder already redeemed winnings
	// from the market. Makes redemption replay-safe.
	HasRedeemed(ctx context.Context, marketID, holder model.Address) (bool, error)

	// --- Policies ---

	// CreatePolicy appends a policy and assigns its monotonic ID,
	// debiting the premium from the holder in the same transaction.
	CreatePolicy(ctx context.Context, policy *model.Policy) error

	// GetPolicy retrieves a policy by ID.
	GetPolicy(ctx context.Context, id uint64) (*model.Policy, error)

	// ListPoliciesByHolder returns a holder's policies in purchase order.
	ListPoliciesByHolder(ctx context.Context, holder model.Address) ([]model.Policy, error)

	// ApplyPolicySettlement marks the policy settled and, when the payout
	// condition was met, credits the payout in the same transaction.
	ApplyPolicySettlement(ctx context.Context, app *PolicySettlementApplication) error
}
