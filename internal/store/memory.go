package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	collateral model.Address

	markets map[model.Address]*model.Market
	order   []model.Address // insertion order for ListMarkets
	trades  []model.TradeRecord

	// balances: token -> holder -> amount. The collateral asset is a
	// token like any other.
	balances   map[model.Address]map[model.Address]decimal.Decimal
	supplies   map[model.Address]decimal.Decimal
	allowances map[model.Address]decimal.Decimal
	redeemed   map[model.Address]map[model.Address]bool

	policies     []model.Policy
	policyIdx    map[uint64]int
	nextPolicyID uint64
}

// NewMemoryStore creates a new in-memory store. The collateral address
// identifies which token premium debits and payouts settle against.
func NewMemoryStore(collateral model.Address) *MemoryStore {
	return &MemoryStore{
		collateral: collateral,
		markets:    make(map[model.Address]*model.Market),
		balances:   make(map[model.Address]map[model.Address]decimal.Decimal),
		supplies:   make(map[model.Address]decimal.Decimal),
		allowances: make(map[model.Address]decimal.Decimal),
		redeemed:   make(map[model.Address]map[model.Address]bool),
		policyIdx:  make(map[uint64]int),
	}
}

// --- internal helpers (callers hold s.mu) ---

func (s *MemoryStore) balance(token, holder model.Address) decimal.Decimal {
	if m, ok := s.balances[token]; ok {
		return m[holder]
	}
	return decimal.Zero
}

func (s *MemoryStore) addBalance(token, holder model.Address, delta decimal.Decimal) {
	m, ok := s.balances[token]
	if !ok {
		m = make(map[model.Address]decimal.Decimal)
		s.balances[token] = m
	}
	m[holder] = m[holder].Add(delta)
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.ID]; exists {
		return fmt.Errorf("market %s already exists", m.ID)
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id model.Address) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.order))
	for _, id := range s.order {
		markets = append(markets, *s.markets[id])
	}
	return markets, nil
}

// --- Atomic applications ---

func (s *MemoryStore) ApplyTrade(_ context.Context, app *TradeApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[app.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", app.MarketID, ErrNotFound)
	}

	m.CollateralReserve = app.CollateralReserve
	m.YesReserve = app.YesReserve
	m.NoReserve = app.NoReserve

	s.addBalance(app.Token, app.Trader, app.TokenDelta)
	s.addBalance(s.collateral, app.Trader, app.CollateralDelta)
	if app.AllowanceSpent.Sign() > 0 {
		s.allowances[app.Trader] = s.allowances[app.Trader].Sub(app.AllowanceSpent)
	}

	s.supplies[m.YesToken] = s.supplies[m.YesToken].Add(app.YesSupplyDelta)
	s.supplies[m.NoToken] = s.supplies[m.NoToken].Add(app.NoSupplyDelta)

	s.trades = append(s.trades, *app.Record)
	return nil
}

func (s *MemoryStore) ApplyLiquidity(_ context.Context, app *LiquidityApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[app.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", app.MarketID, ErrNotFound)
	}

	m.CollateralReserve = app.CollateralReserve
	m.YesReserve = app.YesReserve
	m.NoReserve = app.NoReserve

	s.addBalance(s.collateral, app.Provider, app.CollateralDelta)
	if app.AllowanceSpent.Sign() > 0 {
		s.allowances[app.Provider] = s.allowances[app.Provider].Sub(app.AllowanceSpent)
	}
	s.supplies[m.YesToken] = s.supplies[m.YesToken].Add(app.SupplyDelta)
	s.supplies[m.NoToken] = s.supplies[m.NoToken].Add(app.SupplyDelta)
	return nil
}

func (s *MemoryStore) ApplyResolution(_ context.Context, app *ResolutionApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[app.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", app.MarketID, ErrNotFound)
	}
	m.State = model.MarketResolved
	m.WinningToken = app.WinningToken
	return nil
}

func (s *MemoryStore) ApplyRedemption(_ context.Context, app *RedemptionApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[app.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", app.MarketID, ErrNotFound)
	}

	s.addBalance(app.Token, app.Holder, app.TokensBurned.Neg())
	s.supplies[app.Token] = s.supplies[app.Token].Sub(app.TokensBurned)
	s.addBalance(s.collateral, app.Holder, app.CollateralPaid)
	m.CollateralReserve = app.CollateralReserve

	r, ok := s.redeemed[app.MarketID]
	if !ok {
		r = make(map[model.Address]bool)
		s.redeemed[app.MarketID] = r
	}
	r[app.Holder] = true
	return nil
}

// --- Trade ledger ---

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID model.Address) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, tr := range s.trades {
		if tr.MarketID == marketID {
			result = append(result, tr)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByHolder(_ context.Context, holder model.Address) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, tr := range s.trades {
		if tr.Trader == holder {
			result = append(result, tr)
		}
	}
	return result, nil
}

// --- Balances, supplies, allowances ---

func (s *MemoryStore) GetBalance(_ context.Context, holder, token model.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(token, holder), nil
}

func (s *MemoryStore) TokenSupply(_ context.Context, token model.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supplies[token], nil
}

func (s *MemoryStore) Allowance(_ context.Context, owner model.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowances[owner], nil
}

func (s *MemoryStore) SetAllowance(_ context.Context, owner model.Address, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[owner] = amount
	return nil
}

func (s *MemoryStore) CreditCollateral(_ context.Context, holder model.Address, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addBalance(s.collateral, holder, amount)
	return nil
}

func (s *MemoryStore) HasRedeemed(_ context.Context, marketID, holder model.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redeemed[marketID][holder], nil
}

// --- Policies ---

func (s *MemoryStore) CreatePolicy(_ context.Context, p *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPolicyID++
	p.ID = s.nextPolicyID

	// Premium debit and allowance spend happen with the append.
	s.addBalance(s.collateral, p.PolicyHolder, p.PremiumPaid.Neg())
	s.allowances[p.PolicyHolder] = s.allowances[p.PolicyHolder].Sub(p.PremiumPaid)

	s.policies = append(s.policies, *p)
	s.policyIdx[p.ID] = len(s.policies) - 1
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, id uint64) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.policyIdx[id]
	if !ok {
		return nil, fmt.Errorf("policy %d: %w", id, ErrNotFound)
	}
	cp := s.policies[idx]
	return &cp, nil
}

func (s *MemoryStore) ListPoliciesByHolder(_ context.Context, holder model.Address) ([]model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Policy
	for _, p := range s.policies {
		if p.PolicyHolder == holder {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ApplyPolicySettlement(_ context.Context, app *PolicySettlementApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.policyIdx[app.PolicyID]
	if !ok {
		return fmt.Errorf("policy %d: %w", app.PolicyID, ErrNotFound)
	}

	p := &s.policies[idx]
	p.Settled = true
	p.PaidOut = app.PaidOut
	settledAt := app.SettledAt
	p.SettledAt = &settledAt

	if app.PaidOut {
		s.addBalance(s.collateral, app.Holder, app.Payout)
	}
	return nil
}
