package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseAddressRoundTrip(t *testing.T) {
	a := DeriveAddress(7, "market", "will it rain")
	parsed, err := ParseAddress(a.Hex())
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if parsed != a {
		t.Errorf("round trip mismatch: %s != %s", parsed, a)
	}

	// Bare hex without the 0x prefix also parses.
	parsed, err = ParseAddress(a.Hex()[2:])
	if err != nil {
		t.Fatalf("ParseAddress bare: %v", err)
	}
	if parsed != a {
		t.Errorf("bare round trip mismatch")
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "0x1234", "0xzz", "not-an-address"} {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("ParseAddress(%q) should fail", s)
		}
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	a := DeriveAddress(1, "x")
	b := DeriveAddress(1, "x")
	c := DeriveAddress(2, "x")
	if a != b {
		t.Error("same inputs must derive the same address")
	}
	if a == c {
		t.Error("different nonces must derive different addresses")
	}
	if a.IsZero() {
		t.Error("derived address must not be zero")
	}
}

func TestScaling(t *testing.T) {
	c := decimal.NewFromInt(1_000_000) // 1.00 collateral
	tok := ScaleCollateralToTokens(c)
	if !tok.Equal(decimal.New(1, 18)) {
		t.Errorf("ScaleCollateralToTokens(1e6) = %s, want 1e18", tok)
	}
	back := ScaleTokensToCollateral(tok)
	if !back.Equal(c) {
		t.Errorf("round trip = %s, want %s", back, c)
	}

	// Sub-unit token dust floors away.
	dust := decimal.NewFromInt(999_999_999_999) // just under 1e12
	if !ScaleTokensToCollateral(dust).IsZero() {
		t.Error("dust below one collateral minor unit must floor to zero")
	}
}

func TestEffectiveState(t *testing.T) {
	resolution := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m := &Market{State: MarketOpen, ResolutionTimestamp: resolution}

	if got := m.EffectiveState(resolution.Add(-time.Hour)); got != MarketOpen {
		t.Errorf("before window: %s, want open", got)
	}
	if got := m.EffectiveState(resolution); got != MarketResolving {
		t.Errorf("at window: %s, want resolving", got)
	}
	if got := m.EffectiveState(resolution.Add(time.Hour)); got != MarketResolving {
		t.Errorf("after window: %s, want resolving", got)
	}

	m.State = MarketResolved
	if got := m.EffectiveState(resolution.Add(-time.Hour)); got != MarketResolved {
		t.Errorf("resolved is terminal, got %s", got)
	}
}

func TestPolicyStatus(t *testing.T) {
	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	before := expiry.Add(-24 * time.Hour)
	after := expiry.Add(24 * time.Hour)

	tests := []struct {
		name    string
		settled bool
		paidOut bool
		now     time.Time
		want    PolicyStatus
	}{
		{"active before expiry", false, false, before, PolicyActive},
		{"pending at expiry", false, false, expiry, PolicyExpiredPending},
		{"pending after expiry", false, false, after, PolicyExpiredPending},
		{"paid out", true, true, after, PolicyPaidOut},
		{"expired no payout", true, false, after, PolicyExpiredNoPayout},
		{"settled wins over clock", true, true, before, PolicyPaidOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{
				Settled:             tt.settled,
				PaidOut:             tt.paidOut,
				ExpirationTimestamp: expiry,
			}
			if got := p.Status(tt.now); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}
