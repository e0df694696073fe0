package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	if err := s.primary.ApplyTrade(ctx, app); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(app.MarketID),
		balanceKey(app.Trader, app.Token))
	s.invalidateHolderCollateral(ctx, app.Trader)
	return nil
}

func (s *CachedStore) ApplyLiquidity(ctx context.Context, app *LiquidityApplication) error {
	if err := s.primary.ApplyLiquidity(ctx, app); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(app.MarketID))
	s.invalidateHolderCollateral(ctx, app.Provider)
	return nil
}

func (s *CachedStore) ApplyResolution(ctx context.Context, app *ResolutionApplication) error {
	if err := s.primary.ApplyResolution(ctx, app); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(app.MarketID))
	return nil
}

func (s *CachedStore) ApplyRedemption(ctx context.Context, app *RedemptionApplication) error {
	if err := s.primary.ApplyRedemption(ctx, app); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(app.MarketID),
		balanceKey(app.Holder, app.Token))
	s.invalidateHolderCollateral(ctx, app.Holder)
	return nil
}

func (s *CachedStore) SetAllowance(ctx context.Context, owner model.Address, amount decimal.Decimal) error {
	return s.primary.SetAllowance(ctx, owner, amount)
}

func (s *CachedStore) CreditCollateral(ctx context.Context, holder model.Address, amount decimal.Decimal) error {
	if err := s.primary.CreditCollateral(ctx, holder, amount); err != nil {
		return err
	}
	s.invalidateHolderCollateral(ctx, holder)
	return nil
}

func (s *CachedStore) CreatePolicy(ctx context.Context, p *model.Policy) error {
	if err := s.primary.CreatePolicy(ctx, p); err != nil {
		return err
	}
	s.cachePolicy(ctx, p)
	s.invalidateHolderCollateral(ctx, p.PolicyHolder)
	return nil
}

func (s *CachedStore) ApplyPolicySettlement(ctx context.Context, app *PolicySettlementApplication) error {
	if err := s.primary.ApplyPolicySettlement(ctx, app); err != nil {
		return err
	}
	s.rdb.Del(ctx, policyKey(app.PolicyID))
	if app.PaidOut {
		s.invalidateHolderCollateral(ctx, app.Holder)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id model.Address) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPolicy(ctx context.Context, id uint64) (*model.Policy, error) {
	data, err := s.rdb.Get(ctx, policyKey(id)).Bytes()
	if err == nil {
		var p model.Policy
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePolicy(ctx, p)
	return p, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, holder, token model.Address) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, balanceKey(holder, token)).Result()
	if err == nil {
		if d, perr := decimal.NewFromString(raw); perr == nil {
			return d, nil
		}
	}

	d, err := s.primary.GetBalance(ctx, holder, token)
	if err != nil {
		return decimal.Zero, err
	}

	s.rdb.Set(ctx, balanceKey(holder, token), d.String(), s.ttl)
	return d, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID model.Address) ([]model.TradeRecord, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) ListTradesByHolder(ctx context.Context, holder model.Address) ([]model.TradeRecord, error) {
	return s.primary.ListTradesByHolder(ctx, holder)
}

func (s *CachedStore) TokenSupply(ctx context.Context, token model.Address) (decimal.Decimal, error) {
	return s.primary.TokenSupply(ctx, token)
}

func (s *CachedStore) Allowance(ctx context.Context, owner model.Address) (decimal.Decimal, error) {
	return s.primary.Allowance(ctx, owner)
}

func (s *CachedStore) HasRedeemed(ctx context.Context, marketID, holder model.Address) (bool, error) {
	return s.primary.HasRedeemed(ctx, marketID, holder)
}

func (s *CachedStore) ListPoliciesByHolder(ctx context.Context, holder model.Address) ([]model.Policy, error) {
	return s.primary.ListPoliciesByHolder(ctx, holder)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) cachePolicy(ctx context.Context, p *model.Policy) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, policyKey(p.ID), data, s.ttl)
	}
}

// invalidateHolderCollateral drops every cached balance for the holder.
// Collateral moves on most operations, so the broad wildcard is simpler
// than tracking which token keys exist.
func (s *CachedStore) invalidateHolderCollateral(ctx context.Context, holder model.Address) {
	iter := s.rdb.Scan(ctx, 0, fmt.Sprintf("balance:%s:*", holder.Hex()), 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
}

func marketKey(id model.Address) string { return fmt.Sprintf("market:%s", id.Hex()) }
func policyKey(id uint64) string        { return fmt.Sprintf("policy:%d", id) }

func balanceKey(holder, token model.Address) string {
	return fmt.Sprintf("balance:%s:%s", holder.Hex(), token.Hex())
}
