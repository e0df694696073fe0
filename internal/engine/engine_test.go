package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/cpmm"
	"github.com/cedibets/engine/internal/model"
	"github.com/cedibets/engine/internal/store"
)

var (
	testStart     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testPremium   = decimal.NewFromInt(10_000_000)  // 10.00
	testPayout    = decimal.NewFromInt(100_000_000) // 100.00
	testOracle    = model.DeriveAddress(100, "oracle")
	testProvider  = model.DeriveAddress(101, "provider")
	testTrader    = model.DeriveAddress(102, "trader")
	testStranger  = model.DeriveAddress(103, "stranger")
	zeroDec       = decimal.Zero
	tenCollateral = decimal.NewFromInt(10_000_000)
	oneCollateral = decimal.NewFromInt(1_000_000)
)

// testClock lets tests advance the engine's notion of now.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestEngine(t *testing.T, feeBps int64) (*Engine, *store.MemoryStore, *testClock) {
	t.Helper()
	collateral := model.DeriveAddress(1, "usdc")
	st := store.NewMemoryStore(collateral)
	curve, err := cpmm.New(feeBps)
	if err != nil {
		t.Fatalf("cpmm.New: %v", err)
	}
	clock := &testClock{now: testStart}
	e := New(st, curve, collateral, testPremium, testPayout, nil)
	e.now = clock.Now
	return e, st, clock
}

func fund(t *testing.T, e *Engine, holder model.Address, amount decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	if err := e.Faucet(ctx, holder, amount); err != nil {
		t.Fatalf("Faucet: %v", err)
	}
	if err := e.ApproveSpend(ctx, holder, amount); err != nil {
		t.Fatalf("ApproveSpend: %v", err)
	}
}

func createTestMarket(t *testing.T, e *Engine) *model.Market {
	t.Helper()
	m, err := e.CreateMarket(context.Background(), "Will it rain in Accra on June 1?",
		testStart.Add(30*24*time.Hour), testOracle)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func seedLiquidity(t *testing.T, e *Engine, marketID model.Address, amount decimal.Decimal) {
	t.Helper()
	fund(t, e, testProvider, amount)
	if _, err := e.AddLiquidity(context.Background(), marketID, testProvider, amount); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
}

func TestCreateMarketValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	future := testStart.Add(time.Hour)

	if _, err := e.CreateMarket(ctx, "", future, testOracle); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("empty question: %v, want ErrInvalidParameters", err)
	}
	if _, err := e.CreateMarket(ctx, "q", testStart, testOracle); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("past timestamp: %v, want ErrInvalidParameters", err)
	}
	if _, err := e.CreateMarket(ctx, "q", future, model.ZeroAddress); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("zero oracle: %v, want ErrInvalidParameters", err)
	}

	m, err := e.CreateMarket(ctx, "q", future, testOracle)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if m.State != model.MarketOpen {
		t.Errorf("state = %s, want open", m.State)
	}
	if m.ID == m.YesToken || m.ID == m.NoToken || m.YesToken == m.NoToken {
		t.Error("market and token addresses must be distinct")
	}
	if !m.YesReserve.IsZero() || !m.NoReserve.IsZero() || !m.CollateralReserve.IsZero() {
		t.Error("new market must have empty reserves")
	}
	if !m.WinningToken.IsZero() {
		t.Error("winning token must be unset before resolution")
	}
}

// Exercises the whole market lifecycle with exact minor-unit amounts:
// 10.00 liquidity, a 1.00 YES buy at 5% fee, oracle resolution, and a
// fully-covered redemption followed by a benign replay.
func TestMarketLifecycle(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()

	m := createTestMarket(t, e)
	seedLiquidity(t, e, m.ID, tenCollateral)

	m2, err := e.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !m2.CollateralReserve.Equal(tenCollateral) {
		t.Errorf("collateral reserve = %s, want 10000000", m2.CollateralReserve)
	}
	wantReserve := decimal.New(1, 19) // 10.00 scaled to 18dp
	if !m2.YesReserve.Equal(wantReserve) || !m2.NoReserve.Equal(wantReserve) {
		t.Errorf("token reserves = %s/%s, want %s each", m2.YesReserve, m2.NoReserve, wantReserve)
	}

	fund(t, e, testTrader, oneCollateral)
	res, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, oneCollateral, zeroDec)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// fee = 5% of 1_000_000; net 950_000 mints 9.5e17 of each side.
	if !res.Record.Fee.Equal(decimal.NewFromInt(50_000)) {
		t.Errorf("fee = %s, want 50000", res.Record.Fee)
	}
	wantTokens, _ := decimal.NewFromString("1817579908675799086")
	if !res.Record.Tokens.Equal(wantTokens) {
		t.Errorf("tokens out = %s, want %s", res.Record.Tokens, wantTokens)
	}
	if res.PriceYes.LessThanOrEqual(decimal.NewFromFloat(0.5)) {
		t.Errorf("price yes = %s, should rise above 0.5 after a YES buy", res.PriceYes)
	}
	if !res.PriceYes.Add(res.PriceNo).Sub(decimal.NewFromInt(1)).Abs().LessThan(decimal.New(1, -6)) {
		t.Errorf("prices %s + %s should sum to ~1", res.PriceYes, res.PriceNo)
	}

	balance, err := e.Balance(ctx, testTrader, m.YesToken)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !balance.Equal(wantTokens) {
		t.Errorf("trader YES balance = %s, want %s", balance, wantTokens)
	}

	// Resolve by the oracle and redeem the winning side.
	if _, err := e.Resolve(ctx, m.ID, testOracle, model.SideYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	paid, err := e.Redeem(ctx, m.ID, testTrader)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	// Fully covered: par rate, floor of tokens/1e12.
	if !paid.Equal(decimal.NewFromInt(1_817_579)) {
		t.Errorf("redemption paid = %s, want 1817579", paid)
	}

	collateral, _ := e.Balance(ctx, testTrader, e.Collateral())
	if !collateral.Equal(decimal.NewFromInt(1_817_579)) {
		t.Errorf("trader collateral = %s, want 1817579", collateral)
	}

	// Replay after full redemption pays zero without error.
	paid, err = e.Redeem(ctx, m.ID, testTrader)
	if err != nil {
		t.Fatalf("second Redeem: %v", err)
	}
	if !paid.IsZero() {
		t.Errorf("second redemption paid = %s, want 0", paid)
	}
}

func TestResolveAuthorization(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	m := createTestMarket(t, e)

	if _, err := e.Resolve(ctx, m.ID, testStranger, model.SideYes); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-oracle resolve: %v, want ErrUnauthorized", err)
	}

	if _, err := e.Resolve(ctx, m.ID, testOracle, model.SideNo); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Second and third attempts both report AlreadyResolved.
	for i := 0; i < 2; i++ {
		if _, err := e.Resolve(ctx, m.ID, testOracle, model.SideYes); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("repeat resolve %d: %v, want ErrAlreadyResolved", i, err)
		}
	}

	m2, _ := e.GetMarket(ctx, m.ID)
	if m2.WinningToken != m2.NoToken {
		t.Error("winning token must stay at the first resolution outcome")
	}
}

func TestTradingGatedByResolutionWindow(t *testing.T) {
	e, _, clock := newTestEngine(t, 500)
	ctx := context.Background()
	m := createTestMarket(t, e)
	seedLiquidity(t, e, m.ID, tenCollateral)
	fund(t, e, testTrader, oneCollateral)

	// Advance past the resolution timestamp: market is resolving, trades
	// and liquidity are rejected, resolution still works.
	clock.now = m.ResolutionTimestamp.Add(time.Minute)

	if _, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, oneCollateral, zeroDec); !errors.Is(err, ErrMarketNotOpen) {
		t.Errorf("buy in resolving window: %v, want ErrMarketNotOpen", err)
	}
	if _, err := e.AddLiquidity(ctx, m.ID, testTrader, oneCollateral); !errors.Is(err, ErrMarketNotOpen) {
		t.Errorf("liquidity in resolving window: %v, want ErrMarketNotOpen", err)
	}
	if _, err := e.QuoteTrade(ctx, m.ID, model.SideYes, model.DirectionBuy, oneCollateral); !errors.Is(err, ErrMarketNotOpen) {
		t.Errorf("quote in resolving window: %v, want ErrMarketNotOpen", err)
	}

	m2, _ := e.GetMarket(ctx, m.ID)
	if m2.State != model.MarketResolving {
		t.Errorf("effective state = %s, want resolving", m2.State)
	}

	if _, err := e.Resolve(ctx, m.ID, testOracle, model.SideYes); err != nil {
		t.Fatalf("Resolve after window: %v", err)
	}
}

func TestBuyPreconditions(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	m := createTestMarket(t, e)
	seedLiquidity(t, e, m.ID, tenCollateral)

	// No balance at all.
	if _, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, oneCollateral, zeroDec); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("unfunded buy: %v, want ErrInsufficientBalance", err)
	}

	// Funded but under-approved.
	if err := e.Faucet(ctx, testTrader, oneCollateral); err != nil {
		t.Fatal(err)
	}
	if err := e.ApproveSpend(ctx, testTrader, decimal.NewFromInt(500_000)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, oneCollateral, zeroDec); !errors.Is(err, ErrInsufficientAllowance) {
		t.Errorf("under-approved buy: %v, want ErrInsufficientAllowance", err)
	}

	// Invalid side and amount.
	if _, err := e.Buy(ctx, m.ID, testTrader, "MAYBE", oneCollateral, zeroDec); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("bad side: %v, want ErrInvalidParameters", err)
	}
	if _, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, zeroDec, zeroDec); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("zero amount: %v, want ErrInvalidParameters", err)
	}
}

func TestSlippageRejectionLeavesStateUntouched(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	m := createTestMarket(t, e)
	seedLiquidity(t, e, m.ID, tenCollateral)
	fund(t, e, testTrader, oneCollateral)

	q, err := e.QuoteTrade(ctx, m.ID, model.SideYes, model.DirectionBuy, oneCollateral)
	if err != nil {
		t.Fatalf("QuoteTrade: %v", err)
	}

	// Demand one token unit more than the quote can deliver.
	minOut := q.AmountOut.Add(decimal.NewFromInt(1))
	if _, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, oneCollateral, minOut); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("over-tight buy: %v, want ErrSlippageExceeded", err)
	}

	m2, _ := e.GetMarket(ctx, m.ID)
	if !m2.CollateralReserve.Equal(tenCollateral) {
		t.Error("failed trade must not move reserves")
	}
	balance, _ := e.Balance(ctx, testTrader, e.Collateral())
	if !balance.Equal(oneCollateral) {
		t.Error("failed trade must not move balances")
	}

	// The exact quoted amount fills.
	if _, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, oneCollateral, q.AmountOut); err != nil {
		t.Fatalf("buy at quoted minimum: %v", err)
	}
}

func TestSellRoundTripNeverProfits(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	m := createTestMarket(t, e)
	seedLiquidity(t, e, m.ID, tenCollateral)
	fund(t, e, testTrader, oneCollateral)

	buy, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, oneCollateral, zeroDec)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// Selling tokens the trader does not hold fails.
	tooMany := buy.Record.Tokens.Add(decimal.NewFromInt(1))
	if _, err := e.Sell(ctx, m.ID, testTrader, model.SideYes, tooMany, zeroDec); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("oversell: %v, want ErrInsufficientBalance", err)
	}

	sell, err := e.Sell(ctx, m.ID, testTrader, model.SideYes, buy.Record.Tokens, zeroDec)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if !sell.Record.Collateral.LessThan(oneCollateral) {
		t.Errorf("round trip returned %s for %s in; fee must make this a loss",
			sell.Record.Collateral, oneCollateral)
	}

	balance, _ := e.Balance(ctx, testTrader, m.YesToken)
	if !balance.IsZero() {
		t.Errorf("trader YES balance after full sell = %s, want 0", balance)
	}
	collateral, _ := e.Balance(ctx, testTrader, e.Collateral())
	if !collateral.Equal(sell.Record.Collateral) {
		t.Errorf("trader collateral = %s, want %s", collateral, sell.Record.Collateral)
	}
}

func TestRedeemPreconditions(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	m := createTestMarket(t, e)
	seedLiquidity(t, e, m.ID, tenCollateral)

	// Trader buys NO; market resolves YES.
	fund(t, e, testTrader, oneCollateral)
	if _, err := e.Buy(ctx, m.ID, testTrader, model.SideNo, oneCollateral, zeroDec); err != nil {
		t.Fatalf("Buy NO: %v", err)
	}

	// Redemption before resolution is rejected.
	if _, err := e.Redeem(ctx, m.ID, testTrader); !errors.Is(err, ErrMarketNotOpen) {
		t.Errorf("redeem before resolution: %v, want ErrMarketNotOpen", err)
	}

	if _, err := e.Resolve(ctx, m.ID, testOracle, model.SideYes); err != nil {
		t.Fatal(err)
	}

	// Losing-side holder has nothing to redeem.
	if _, err := e.Redeem(ctx, m.ID, testTrader); !errors.Is(err, ErrNothingToRedeem) {
		t.Errorf("losing redeem: %v, want ErrNothingToRedeem", err)
	}
	if _, err := e.Redeem(ctx, m.ID, testStranger); !errors.Is(err, ErrNothingToRedeem) {
		t.Errorf("stranger redeem: %v, want ErrNothingToRedeem", err)
	}
}

// Seeds an underfunded resolved market directly through the store: 3e18
// winning tokens outstanding against 1.50 collateral of backing, so each
// token redeems at half par, pro-rata.
func TestProRataRedemptionWhenUnderfunded(t *testing.T) {
	e, st, _ := newTestEngine(t, 0)
	ctx := context.Background()
	m := createTestMarket(t, e)

	holderA := model.DeriveAddress(200, "a")
	holderB := model.DeriveAddress(201, "b")

	grant := func(holder model.Address, tokens, yesSupply decimal.Decimal, reserve decimal.Decimal) {
		err := st.ApplyTrade(ctx, &store.TradeApplication{
			MarketID:          m.ID,
			CollateralReserve: reserve,
			YesReserve:        decimal.New(1, 18),
			NoReserve:         decimal.New(1, 18),
			Trader:            holder,
			Token:             m.YesToken,
			TokenDelta:        tokens,
			CollateralDelta:   decimal.Zero,
			AllowanceSpent:    decimal.Zero,
			YesSupplyDelta:    yesSupply,
			NoSupplyDelta:     decimal.Zero,
			Record:            &model.TradeRecord{ID: "seed-" + holder.Hex(), MarketID: m.ID, Trader: holder},
		})
		if err != nil {
			t.Fatalf("seed trade: %v", err)
		}
	}

	reserve := decimal.NewFromInt(1_500_000)
	grant(holderA, decimal.New(2, 18), decimal.New(3, 18), reserve)
	grant(holderB, decimal.New(1, 18), decimal.New(1, 18), reserve)
	// Total YES supply 4e18: 1e18 frozen in the pool, 3e18 outstanding
	// across the two holders.

	if _, err := e.Resolve(ctx, m.ID, testOracle, model.SideYes); err != nil {
		t.Fatal(err)
	}

	// Outstanding 3e18 would need 3.00 collateral; backing is 1.50, so
	// the rate is one half.
	paidA, err := e.Redeem(ctx, m.ID, holderA)
	if err != nil {
		t.Fatalf("Redeem A: %v", err)
	}
	if !paidA.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("holder A paid %s, want 1000000", paidA)
	}

	paidB, err := e.Redeem(ctx, m.ID, holderB)
	if err != nil {
		t.Fatalf("Redeem B: %v", err)
	}
	if !paidB.Equal(decimal.NewFromInt(500_000)) {
		t.Errorf("holder B paid %s, want 500000", paidB)
	}

	m2, _ := e.GetMarket(ctx, m.ID)
	if m2.CollateralReserve.Sign() < 0 {
		t.Errorf("backing went negative: %s", m2.CollateralReserve)
	}
}

func TestPolicyLifecycle(t *testing.T) {
	e, _, clock := newTestEngine(t, 500)
	ctx := context.Background()
	holder := model.DeriveAddress(300, "insured")
	fund(t, e, holder, decimal.NewFromInt(50_000_000))

	strike := decimal.NewFromInt(3050) // 30.50
	expiry := testStart.Add(7 * 24 * time.Hour)

	p, err := e.PurchasePolicy(ctx, holder, strike, expiry)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}
	if p.ID != 1 {
		t.Errorf("first policy ID = %d, want 1", p.ID)
	}
	if p.Status(clock.now) != model.PolicyActive {
		t.Errorf("fresh policy status = %s, want active", p.Status(clock.now))
	}

	balance, _ := e.Balance(ctx, holder, e.Collateral())
	if !balance.Equal(decimal.NewFromInt(40_000_000)) {
		t.Errorf("balance after premium = %s, want 40000000", balance)
	}

	// IDs are monotonic.
	p2, err := e.PurchasePolicy(ctx, holder, strike, expiry)
	if err != nil {
		t.Fatal(err)
	}
	if p2.ID != 2 {
		t.Errorf("second policy ID = %d, want 2", p2.ID)
	}

	// Settlement before expiry is rejected.
	observed := decimal.NewFromInt(3500)
	if _, err := e.SettlePolicy(ctx, p.ID, observed); !errors.Is(err, ErrPolicyNotExpired) {
		t.Errorf("early settle: %v, want ErrPolicyNotExpired", err)
	}

	clock.now = expiry.Add(time.Hour)

	settled, err := e.SettlePolicy(ctx, p.ID, observed)
	if err != nil {
		t.Fatalf("SettlePolicy: %v", err)
	}
	if !settled.PaidOut {
		t.Error("observed above strike must pay out")
	}
	if settled.Status(clock.now) != model.PolicyPaidOut {
		t.Errorf("status = %s, want paid-out", settled.Status(clock.now))
	}

	balance, _ = e.Balance(ctx, holder, e.Collateral())
	want := decimal.NewFromInt(130_000_000) // 50 - 10 - 10 + 100
	if !balance.Equal(want) {
		t.Errorf("balance after payout = %s, want %s", balance, want)
	}

	// One-shot settlement.
	if _, err := e.SettlePolicy(ctx, p.ID, observed); !errors.Is(err, ErrPolicySettled) {
		t.Errorf("double settle: %v, want ErrPolicySettled", err)
	}
}

func TestPolicyStrikeEqualityPaysNothing(t *testing.T) {
	e, _, clock := newTestEngine(t, 500)
	ctx := context.Background()
	holder := model.DeriveAddress(301, "insured")
	fund(t, e, holder, testPremium)

	strike := decimal.NewFromInt(3050)
	expiry := testStart.Add(24 * time.Hour)
	p, err := e.PurchasePolicy(ctx, holder, strike, expiry)
	if err != nil {
		t.Fatal(err)
	}

	clock.now = expiry

	// Observed exactly at the strike: strictly-greater comparison fails.
	settled, err := e.SettlePolicy(ctx, p.ID, strike)
	if err != nil {
		t.Fatalf("SettlePolicy: %v", err)
	}
	if settled.PaidOut {
		t.Error("observed == strike must not pay out")
	}
	if settled.Status(clock.now) != model.PolicyExpiredNoPayout {
		t.Errorf("status = %s, want expired-no-payout", settled.Status(clock.now))
	}

	balance, _ := e.Balance(ctx, holder, e.Collateral())
	if !balance.IsZero() {
		t.Errorf("balance = %s, want 0 (premium spent, no payout)", balance)
	}
}

func TestPolicyPurchasePreconditions(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	holder := model.DeriveAddress(302, "insured")
	expiry := testStart.Add(24 * time.Hour)
	strike := decimal.NewFromInt(3050)

	if _, err := e.PurchasePolicy(ctx, holder, strike, expiry); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("unfunded purchase: %v, want ErrInsufficientBalance", err)
	}
	if err := e.Faucet(ctx, holder, testPremium); err != nil {
		t.Fatal(err)
	}
	if _, err := e.PurchasePolicy(ctx, holder, strike, expiry); !errors.Is(err, ErrInsufficientAllowance) {
		t.Errorf("unapproved purchase: %v, want ErrInsufficientAllowance", err)
	}
	if err := e.ApproveSpend(ctx, holder, testPremium); err != nil {
		t.Fatal(err)
	}
	if _, err := e.PurchasePolicy(ctx, holder, strike, testStart); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("past expiry: %v, want ErrInvalidParameters", err)
	}
	if _, err := e.PurchasePolicy(ctx, holder, decimal.Zero, expiry); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("zero strike: %v, want ErrInvalidParameters", err)
	}

	unknown := uint64(999)
	if _, err := e.SettlePolicy(ctx, unknown, strike); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown policy: %v, want ErrNotFound", err)
	}
}

func TestQuoteIsPure(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	m := createTestMarket(t, e)
	seedLiquidity(t, e, m.ID, tenCollateral)

	q1, err := e.QuoteTrade(ctx, m.ID, model.SideNo, model.DirectionBuy, oneCollateral)
	if err != nil {
		t.Fatal(err)
	}
	q2, err := e.QuoteTrade(ctx, m.ID, model.SideNo, model.DirectionBuy, oneCollateral)
	if err != nil {
		t.Fatal(err)
	}
	if !q1.AmountOut.Equal(q2.AmountOut) || !q1.Fee.Equal(q2.Fee) {
		t.Error("repeated quotes must be identical")
	}

	m2, _ := e.GetMarket(ctx, m.ID)
	if !m2.CollateralReserve.Equal(tenCollateral) {
		t.Error("quoting must not move reserves")
	}
}

func TestListMarketsStateFilter(t *testing.T) {
	e, _, clock := newTestEngine(t, 500)
	ctx := context.Background()

	open := createTestMarket(t, e)
	resolved, err := e.CreateMarket(ctx, "second question", testStart.Add(time.Hour), testOracle)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resolve(ctx, resolved.ID, testOracle, model.SideYes); err != nil {
		t.Fatal(err)
	}

	all, err := e.ListMarkets(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("ListMarkets returned %d markets, want 2", len(all))
	}
	// Insertion order.
	if all[0].ID != open.ID || all[1].ID != resolved.ID {
		t.Error("markets out of insertion order")
	}

	onlyOpen, _ := e.ListMarkets(ctx, model.MarketOpen)
	if len(onlyOpen) != 1 || onlyOpen[0].ID != open.ID {
		t.Errorf("open filter returned %d markets", len(onlyOpen))
	}

	onlyResolved, _ := e.ListMarkets(ctx, model.MarketResolved)
	if len(onlyResolved) != 1 || onlyResolved[0].ID != resolved.ID {
		t.Errorf("resolved filter returned %d markets", len(onlyResolved))
	}

	// The open market slides into resolving once its window passes.
	clock.now = open.ResolutionTimestamp.Add(time.Minute)
	resolving, _ := e.ListMarkets(ctx, model.MarketResolving)
	if len(resolving) != 1 || resolving[0].ID != open.ID {
		t.Errorf("resolving filter returned %d markets", len(resolving))
	}
}

func TestPortfolioAggregation(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	ctx := context.Background()
	m := createTestMarket(t, e)
	seedLiquidity(t, e, m.ID, tenCollateral)

	fund(t, e, testTrader, decimal.NewFromInt(2_000_000))
	buy, err := e.Buy(ctx, m.ID, testTrader, model.SideYes, oneCollateral, zeroDec)
	if err != nil {
		t.Fatal(err)
	}

	pf, err := e.Portfolio(ctx, testTrader)
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if !pf.CollateralBalance.Equal(oneCollateral) {
		t.Errorf("collateral balance = %s, want 1000000", pf.CollateralBalance)
	}
	if len(pf.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(pf.Positions))
	}
	pos := pf.Positions[0]
	if !pos.YesBalance.Equal(buy.Record.Tokens) {
		t.Errorf("position YES balance = %s, want %s", pos.YesBalance, buy.Record.Tokens)
	}
	if pos.CurrentValue.Sign() <= 0 {
		t.Error("live position must carry positive mark-to-market value")
	}
	if !pf.TotalValue.Equal(pf.CollateralBalance.Add(pos.CurrentValue)) {
		t.Error("total value must equal collateral plus position value")
	}

	// A holder with no positions gets an empty portfolio, not an error.
	empty, err := e.Portfolio(ctx, testStranger)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.Positions) != 0 {
		t.Errorf("stranger positions = %d, want 0", len(empty.Positions))
	}
}
