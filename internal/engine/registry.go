package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/metrics"
	"github.com/cedibets/engine/internal/model"
)

// CreateMarket registers a new binary-outcome market with an empty pool.
// The market, its YES token, and its NO token each get a derived address.
func (e *Engine) CreateMarket(ctx context.Context, question string, resolutionTimestamp time.Time, oracle model.Address) (*model.Market, error) {
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidParameters)
	}
	if oracle.IsZero() {
		return nil, fmt.Errorf("%w: oracle is required", ErrInvalidParameters)
	}
	now := e.now()
	if !resolutionTimestamp.After(now) {
		return nil, fmt.Errorf("%w: resolution timestamp must be in the future", ErrInvalidParameters)
	}

	n := e.nonce.Add(1)
	market := &model.Market{
		ID:                  model.DeriveAddress(n, e.salt, "market", question),
		Question:            question,
		ResolutionTimestamp: resolutionTimestamp.UTC(),
		Oracle:              oracle,
		CollateralToken:     e.collateral,
		YesToken:            model.DeriveAddress(n, e.salt, "yes"),
		NoToken:             model.DeriveAddress(n, e.salt, "no"),
		State:               model.MarketOpen,
		CollateralReserve:   decimal.Zero,
		YesReserve:          decimal.Zero,
		NoReserve:           decimal.Zero,
		CreatedAt:           now,
	}

	if err := e.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"question", question,
		"oracle", oracle,
		"resolves_at", market.ResolutionTimestamp,
	)
	return market, nil
}

// ListMarkets returns all markets in insertion order, with effective states
// materialized. stateFilter narrows by effective state when non-empty.
func (e *Engine) ListMarkets(ctx context.Context, stateFilter model.MarketState) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	out := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		m.State = m.EffectiveState(now)
		if stateFilter != "" && m.State != stateFilter {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
