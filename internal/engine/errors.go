package engine

import "errors"

// Operation error taxonomy. The HTTP layer maps these to status codes;
// the engine itself only ever returns wrapped sentinels.
var (
	// ErrInvalidParameters is returned for malformed input. The caller
	// must correct the request before retrying.
	ErrInvalidParameters = errors.New("engine: invalid parameters")

	// ErrUnauthorized is returned when the caller identity is not
	// permitted to perform the operation.
	ErrUnauthorized = errors.New("engine: unauthorized")

	// ErrMarketNotOpen is returned when trading or liquidity operations
	// hit a market past its resolution window or already resolved.
	ErrMarketNotOpen = errors.New("engine: market not open")

	// ErrAlreadyResolved is returned on a second resolution attempt.
	ErrAlreadyResolved = errors.New("engine: market already resolved")

	// ErrSlippageExceeded is returned when execution would deliver less
	// than the caller's stated minimum. Safe to retry with a wider bound.
	ErrSlippageExceeded = errors.New("engine: slippage exceeded")

	// ErrInsufficientBalance is returned when the caller cannot fund the
	// operation.
	ErrInsufficientBalance = errors.New("engine: insufficient balance")

	// ErrInsufficientAllowance is returned when the engine has not been
	// approved to move enough of the caller's collateral.
	ErrInsufficientAllowance = errors.New("engine: insufficient allowance")

	// ErrNothingToRedeem is returned when the holder has no winning
	// tokens and has never redeemed from the market.
	ErrNothingToRedeem = errors.New("engine: nothing to redeem")

	// ErrPolicyNotExpired is returned when settling a policy before its
	// expiration timestamp.
	ErrPolicyNotExpired = errors.New("engine: policy not yet expired")

	// ErrPolicySettled is returned on a second settlement attempt.
	ErrPolicySettled = errors.New("engine: policy already settled")
)
