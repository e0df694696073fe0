package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/chain"
	"github.com/cedibets/engine/internal/model"
)

// newServiceEnv wires a Service to an in-memory engine behind a zero-latency
// broker, the way main does, with the faucet enabled for funding test
// accounts over HTTP.
func newServiceEnv(t *testing.T) (*Engine, *testClock, chi.Router) {
	t.Helper()
	e, _, clock := newTestEngine(t, 500)

	broker := chain.NewBroker(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	svc := NewService(e, broker, true)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
	})
	return e, clock, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func fundOverHTTP(t *testing.T, router chi.Router, holder model.Address, amount int64) {
	t.Helper()
	amt := decimal.NewFromInt(amount)
	if w := doJSON(t, router, "POST", "/api/v1/faucet", FaucetRequest{Holder: holder, Amount: amt}); w.Code != http.StatusOK {
		t.Fatalf("faucet: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, router, "POST", "/api/v1/approve", ApproveRequest{Owner: holder, Amount: amt}); w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
}

func createMarketOverHTTP(t *testing.T, router chi.Router) marketView {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/markets", CreateMarketRequest{
		Question:            "Will rainfall in Tamale exceed 25mm by June 1?",
		ResolutionTimestamp: testStart.Add(30 * 24 * time.Hour),
		Oracle:              testOracle,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		TxHash string     `json:"tx_hash"`
		Market marketView `json:"market"`
	}
	decodeBody(t, w, &resp)
	if len(resp.TxHash) != 66 || resp.TxHash[:2] != "0x" {
		t.Errorf("tx_hash = %q, want 0x-prefixed 32-byte hash", resp.TxHash)
	}
	return resp.Market
}

func TestHTTPMarketLifecycle(t *testing.T) {
	_, _, router := newServiceEnv(t)

	m := createMarketOverHTTP(t, router)
	if m.State != model.MarketOpen {
		t.Fatalf("market state = %s, want open", m.State)
	}

	fundOverHTTP(t, router, testProvider, 10_000_000)
	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID.Hex()+"/liquidity",
		LiquidityRequest{Provider: testProvider, Amount: tenCollateral})
	if w.Code != http.StatusOK {
		t.Fatalf("add liquidity: %d %s", w.Code, w.Body.String())
	}

	// Quote before trading; the fill must match the quote exactly.
	w = doJSON(t, router, "GET",
		"/api/v1/markets/"+m.ID.Hex()+"/quote?side=YES&direction=buy&amount=1000000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", w.Code, w.Body.String())
	}
	var q Quote
	decodeBody(t, w, &q)
	if !q.Fee.Equal(decimal.NewFromInt(50_000)) {
		t.Errorf("quoted fee = %s, want 50000", q.Fee)
	}

	fundOverHTTP(t, router, testTrader, 1_000_000)
	w = doJSON(t, router, "POST", "/api/v1/trade", TradeRequest{
		MarketID:  m.ID,
		Trader:    testTrader,
		Side:      model.SideYes,
		Direction: model.DirectionBuy,
		Amount:    oneCollateral,
		MinOut:    q.AmountOut,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade: %d %s", w.Code, w.Body.String())
	}
	var tr TradeResponse
	decodeBody(t, w, &tr)
	if tr.TxHash == "" {
		t.Error("trade response missing tx_hash")
	}
	if !tr.Record.Tokens.Equal(q.AmountOut) {
		t.Errorf("fill %s differs from quote %s", tr.Record.Tokens, q.AmountOut)
	}

	// Market view reflects the YES buy.
	w = doJSON(t, router, "GET", "/api/v1/markets/"+m.ID.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get market: %d %s", w.Code, w.Body.String())
	}
	var view marketView
	decodeBody(t, w, &view)
	if view.PriceYes.LessThanOrEqual(decimal.NewFromFloat(0.5)) {
		t.Errorf("price_yes = %s, want > 0.5", view.PriceYes)
	}

	// Trade ledger has the single fill.
	w = doJSON(t, router, "GET", "/api/v1/markets/"+m.ID.Hex()+"/trades", nil)
	var trades []model.TradeRecord
	decodeBody(t, w, &trades)
	if len(trades) != 1 {
		t.Fatalf("ledger has %d trades, want 1", len(trades))
	}

	// Positions report the open YES stake.
	w = doJSON(t, router, "GET", "/api/v1/positions/"+testTrader.Hex(), nil)
	var pf model.Portfolio
	decodeBody(t, w, &pf)
	if len(pf.Positions) != 1 || !pf.Positions[0].YesBalance.Equal(tr.Record.Tokens) {
		t.Errorf("positions = %+v, want one YES stake of %s", pf.Positions, tr.Record.Tokens)
	}

	// Resolve and redeem.
	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID.Hex()+"/resolve",
		ResolveRequest{Caller: testOracle, WinningSide: model.SideYes})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID.Hex()+"/redeem",
		RedeemRequest{Holder: testTrader})
	if w.Code != http.StatusOK {
		t.Fatalf("redeem: %d %s", w.Code, w.Body.String())
	}
	var rr RedeemResponse
	decodeBody(t, w, &rr)
	if !rr.CollateralPaid.Equal(decimal.NewFromInt(1_817_579)) {
		t.Errorf("collateral_paid = %s, want 1817579", rr.CollateralPaid)
	}

	// Balance endpoint agrees with the payout.
	w = doJSON(t, router, "GET",
		"/api/v1/balances/"+testTrader.Hex()+"/"+view.CollateralToken.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get balance: %d %s", w.Code, w.Body.String())
	}
	var bal struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decodeBody(t, w, &bal)
	if !bal.Balance.Equal(decimal.NewFromInt(1_817_579)) {
		t.Errorf("balance = %s, want 1817579", bal.Balance)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	_, _, router := newServiceEnv(t)
	m := createMarketOverHTTP(t, router)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed body", "POST", "/api/v1/markets", "not json", http.StatusBadRequest},
		{"bad market address", "GET", "/api/v1/markets/zzz", nil, http.StatusBadRequest},
		{"unknown market", "GET", "/api/v1/markets/" + model.DeriveAddress(999, "missing").Hex(), nil, http.StatusNotFound},
		{"empty question", "POST", "/api/v1/markets",
			CreateMarketRequest{Question: "", ResolutionTimestamp: testStart.Add(time.Hour), Oracle: testOracle},
			http.StatusBadRequest},
		{"non-oracle resolve", "POST", "/api/v1/markets/" + m.ID.Hex() + "/resolve",
			ResolveRequest{Caller: testStranger, WinningSide: model.SideYes},
			http.StatusForbidden},
		{"unfunded trade", "POST", "/api/v1/trade",
			TradeRequest{MarketID: m.ID, Trader: testStranger, Side: model.SideYes,
				Direction: model.DirectionBuy, Amount: oneCollateral},
			http.StatusConflict},
		{"bad direction", "POST", "/api/v1/trade",
			TradeRequest{MarketID: m.ID, Trader: testStranger, Side: model.SideYes,
				Direction: "hold", Amount: oneCollateral},
			http.StatusBadRequest},
		{"unknown policy", "GET", "/api/v1/policies/999", nil, http.StatusNotFound},
		{"bad policy id", "GET", "/api/v1/policies/abc", nil, http.StatusBadRequest},
		{"redeem unresolved", "POST", "/api/v1/markets/" + m.ID.Hex() + "/redeem",
			RedeemRequest{Holder: testTrader}, http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, tc.method, tc.path, tc.body)
			if w.Code != tc.want {
				t.Errorf("%s %s = %d, want %d (body %s)", tc.method, tc.path, w.Code, tc.want, w.Body.String())
			}
			var errResp struct {
				Error string `json:"error"`
			}
			decodeBody(t, w, &errResp)
			if errResp.Error == "" {
				t.Error("error responses must carry an error message")
			}
		})
	}
}

func TestHTTPPolicyLifecycle(t *testing.T) {
	_, clock, router := newServiceEnv(t)
	holder := model.DeriveAddress(400, "farmer")
	fundOverHTTP(t, router, holder, 10_000_000)

	expiry := testStart.Add(7 * 24 * time.Hour)
	w := doJSON(t, router, "POST", "/api/v1/policies", PurchasePolicyRequest{
		Holder:              holder,
		StrikePrice:         decimal.NewFromInt(3050),
		ExpirationTimestamp: expiry,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("purchase policy: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		TxHash string     `json:"tx_hash"`
		Policy policyView `json:"policy"`
	}
	decodeBody(t, w, &created)
	if created.TxHash == "" {
		t.Error("purchase response missing tx_hash")
	}
	if created.Policy.Status != model.PolicyActive {
		t.Errorf("status = %s, want active", created.Policy.Status)
	}

	// Settling before expiry conflicts.
	path := fmt.Sprintf("/api/v1/policies/%d/settle", created.Policy.ID)
	w = doJSON(t, router, "POST", path, SettlePolicyRequest{ObservedValue: decimal.NewFromInt(3500)})
	if w.Code != http.StatusConflict {
		t.Fatalf("early settle: %d, want 409", w.Code)
	}

	clock.now = expiry.Add(time.Hour)

	w = doJSON(t, router, "POST", path, SettlePolicyRequest{ObservedValue: decimal.NewFromInt(3500)})
	if w.Code != http.StatusOK {
		t.Fatalf("settle: %d %s", w.Code, w.Body.String())
	}
	var settled struct {
		Policy policyView `json:"policy"`
	}
	decodeBody(t, w, &settled)
	if settled.Policy.Status != model.PolicyPaidOut {
		t.Errorf("settled status = %s, want paid-out", settled.Policy.Status)
	}

	// The holder's list shows the one settled policy.
	w = doJSON(t, router, "GET", "/api/v1/policies?holder="+holder.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list policies: %d %s", w.Code, w.Body.String())
	}
	var list []policyView
	decodeBody(t, w, &list)
	if len(list) != 1 || !list[0].PaidOut {
		t.Errorf("policy list = %+v, want one paid-out policy", list)
	}
}

func TestFaucetDisabledIsNotMounted(t *testing.T) {
	e, _, _ := newTestEngine(t, 500)
	broker := chain.NewBroker(0)
	ctx, cancel := context.WithCancel(context.Background())
	go broker.Run(ctx)
	t.Cleanup(cancel)

	svc := NewService(e, broker, false)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
	})

	w := doJSON(t, r, "POST", "/api/v1/faucet",
		FaucetRequest{Holder: testTrader, Amount: oneCollateral})
	if w.Code != http.StatusNotFound {
		t.Errorf("disabled faucet = %d, want 404", w.Code)
	}
}
