package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// addresses are stored as 0x-prefixed hex TEXT. Composite applications run
// inside a single transaction so a state transition commits whole or not
// at all.
type PostgresStore struct {
	pool       *pgxpool.Pool
	collateral model.Address
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, collateral model.Address) *PostgresStore {
	return &PostgresStore{pool: pool, collateral: collateral}
}

const marketColumns = `id, question, resolution_timestamp, oracle, collateral_token,
	yes_token, no_token, state, winning_token,
	collateral_reserve::TEXT, yes_reserve::TEXT, no_reserve::TEXT, created_at`

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, resolution_timestamp, oracle, collateral_token,
		                      yes_token, no_token, state, winning_token,
		                      collateral_reserve, yes_reserve, no_reserve, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
		m.ID.Hex(), m.Question, m.ResolutionTimestamp, m.Oracle.Hex(), m.CollateralToken.Hex(),
		m.YesToken.Hex(), m.NoToken.Hex(), string(m.State), m.WinningToken.Hex(),
		m.CollateralReserve.String(), m.YesReserve.String(), m.NoReserve.String(), m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id model.Address) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id.Hex())
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var id, oracle, collateralToken, yesToken, noToken, winning, state string
	var collateralReserve, yesReserve, noReserve string

	if err := row.Scan(&id, &m.Question, &m.ResolutionTimestamp, &oracle, &collateralToken,
		&yesToken, &noToken, &state, &winning,
		&collateralReserve, &yesReserve, &noReserve, &m.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	if m.ID, err = model.ParseAddress(id); err != nil {
		return nil, err
	}
	if m.Oracle, err = model.ParseAddress(oracle); err != nil {
		return nil, err
	}
	if m.CollateralToken, err = model.ParseAddress(collateralToken); err != nil {
		return nil, err
	}
	if m.YesToken, err = model.ParseAddress(yesToken); err != nil {
		return nil, err
	}
	if m.NoToken, err = model.ParseAddress(noToken); err != nil {
		return nil, err
	}
	if m.WinningToken, err = model.ParseAddress(winning); err != nil {
		return nil, err
	}
	m.State = model.MarketState(state)
	m.CollateralReserve, _ = decimal.NewFromString(collateralReserve)
	m.YesReserve, _ = decimal.NewFromString(yesReserve)
	m.NoReserve, _ = decimal.NewFromString(noReserve)
	return &m, nil
}

// --- Atomic applications ---

func (s *PostgresStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateReserves(ctx, tx, app.MarketID,
			app.CollateralReserve, app.YesReserve, app.NoReserve); err != nil {
			return err
		}
		if err := addBalanceTx(ctx, tx, app.Token, app.Trader, app.TokenDelta); err != nil {
			return err
		}
		if err := addBalanceTx(ctx, tx, s.collateral, app.Trader, app.CollateralDelta); err != nil {
			return err
		}
		if app.AllowanceSpent.Sign() > 0 {
			if err := spendAllowanceTx(ctx, tx, app.Trader, app.AllowanceSpent); err != nil {
				return err
			}
		}

		m, err := s.getMarketTx(ctx, tx, app.MarketID)
		if err != nil {
			return err
		}
		if err := addSupplyTx(ctx, tx, m.YesToken, app.YesSupplyDelta); err != nil {
			return err
		}
		if err := addSupplyTx(ctx, tx, m.NoToken, app.NoSupplyDelta); err != nil {
			return err
		}

		r := app.Record
		_, err = tx.Exec(ctx,
			`INSERT INTO trades (id, market_id, trader, side, direction, collateral, tokens, fee, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
			r.ID, r.MarketID.Hex(), r.Trader.Hex(), string(r.Side), string(r.Direction),
			r.Collateral.String(), r.Tokens.String(), r.Fee.String(), r.Timestamp,
		)
		return err
	})
}

func (s *PostgresStore) ApplyLiquidity(ctx context.Context, app *LiquidityApplication) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateReserves(ctx, tx, app.MarketID,
			app.CollateralReserve, app.YesReserve, app.NoReserve); err != nil {
			return err
		}
		if err := addBalanceTx(ctx, tx, s.collateral, app.Provider, app.CollateralDelta); err != nil {
			return err
		}
		if app.AllowanceSpent.Sign() > 0 {
			if err := spendAllowanceTx(ctx, tx, app.Provider, app.AllowanceSpent); err != nil {
				return err
			}
		}

		m, err := s.getMarketTx(ctx, tx, app.MarketID)
		if err != nil {
			return err
		}
		if err := addSupplyTx(ctx, tx, m.YesToken, app.SupplyDelta); err != nil {
			return err
		}
		return addSupplyTx(ctx, tx, m.NoToken, app.SupplyDelta)
	})
}

func (s *PostgresStore) ApplyResolution(ctx context.Context, app *ResolutionApplication) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET state = $2, winning_token = $3 WHERE id = $1`,
		app.MarketID.Hex(), string(model.MarketResolved), app.WinningToken.Hex(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", app.MarketID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ApplyRedemption(ctx context.Context, app *RedemptionApplication) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := addBalanceTx(ctx, tx, app.Token, app.Holder, app.TokensBurned.Neg()); err != nil {
			return err
		}
		if err := addSupplyTx(ctx, tx, app.Token, app.TokensBurned.Neg()); err != nil {
			return err
		}
		if err := addBalanceTx(ctx, tx, s.collateral, app.Holder, app.CollateralPaid); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE markets SET collateral_reserve = $2::NUMERIC WHERE id = $1`,
			app.MarketID.Hex(), app.CollateralReserve.String())
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO redemptions (market_id, holder, tokens_burned, collateral_paid)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
			 ON CONFLICT (market_id, holder) DO NOTHING`,
			app.MarketID.Hex(), app.Holder.Hex(),
			app.TokensBurned.String(), app.CollateralPaid.String())
		return err
	})
}

// --- Trade ledger ---

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID model.Address) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, trader, side, direction,
		        collateral::TEXT, tokens::TEXT, fee::TEXT, timestamp
		 FROM trades WHERE market_id = $1 ORDER BY timestamp`, marketID.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByHolder(ctx context.Context, holder model.Address) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, trader, side, direction,
		        collateral::TEXT, tokens::TEXT, fee::TEXT, timestamp
		 FROM trades WHERE trader = $1 ORDER BY timestamp`, holder.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var tr model.TradeRecord
		var marketID, trader, side, direction string
		var collateral, tokens, fee string

		if err := rows.Scan(&tr.ID, &marketID, &trader, &side, &direction,
			&collateral, &tokens, &fee, &tr.Timestamp); err != nil {
			return nil, err
		}

		var err error
		if tr.MarketID, err = model.ParseAddress(marketID); err != nil {
			return nil, err
		}
		if tr.Trader, err = model.ParseAddress(trader); err != nil {
			return nil, err
		}
		tr.Side = model.Side(side)
		tr.Direction = model.Direction(direction)
		tr.Collateral, _ = decimal.NewFromString(collateral)
		tr.Tokens, _ = decimal.NewFromString(tokens)
		tr.Fee, _ = decimal.NewFromString(fee)

		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// --- Balances, supplies, allowances ---

func (s *PostgresStore) GetBalance(ctx context.Context, holder, token model.Address) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE token = $1 AND holder = $2`,
		token.Hex(), holder.Hex()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(amount)
	return d, nil
}

func (s *PostgresStore) TokenSupply(ctx context.Context, token model.Address) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM supplies WHERE token = $1`, token.Hex()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(amount)
	return d, nil
}

func (s *PostgresStore) Allowance(ctx context.Context, owner model.Address) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM allowances WHERE owner = $1`, owner.Hex()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(amount)
	return d, nil
}

func (s *PostgresStore) SetAllowance(ctx context.Context, owner model.Address, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO allowances (owner, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (owner) DO UPDATE SET amount = EXCLUDED.amount`,
		owner.Hex(), amount.String())
	return err
}

func (s *PostgresStore) CreditCollateral(ctx context.Context, holder model.Address, amount decimal.Decimal) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return addBalanceTx(ctx, tx, s.collateral, holder, amount)
	})
}

func (s *PostgresStore) HasRedeemed(ctx context.Context, marketID, holder model.Address) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM redemptions WHERE market_id = $1 AND holder = $2)`,
		marketID.Hex(), holder.Hex()).Scan(&exists)
	return exists, err
}

// --- Policies ---

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *model.Policy) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO policies (policy_holder, premium_paid, payout_amount, strike_price,
			                       expiration_timestamp, settled, paid_out, created_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, FALSE, FALSE, $6)
			 RETURNING id`,
			p.PolicyHolder.Hex(), p.PremiumPaid.String(), p.PayoutAmount.String(),
			p.StrikePrice.String(), p.ExpirationTimestamp, p.CreatedAt,
		).Scan(&p.ID)
		if err != nil {
			return err
		}
		if err := addBalanceTx(ctx, tx, s.collateral, p.PolicyHolder, p.PremiumPaid.Neg()); err != nil {
			return err
		}
		return spendAllowanceTx(ctx, tx, p.PolicyHolder, p.PremiumPaid)
	})
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id uint64) (*model.Policy, error) {
	var p model.Policy
	var holder, premium, payout, strike string

	err := s.pool.QueryRow(ctx,
		`SELECT id, policy_holder, premium_paid::TEXT, payout_amount::TEXT, strike_price::TEXT,
		        expiration_timestamp, settled, paid_out, created_at, settled_at
		 FROM policies WHERE id = $1`, id).
		Scan(&p.ID, &holder, &premium, &payout, &strike,
			&p.ExpirationTimestamp, &p.Settled, &p.PaidOut, &p.CreatedAt, &p.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("policy %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if p.PolicyHolder, err = model.ParseAddress(holder); err != nil {
		return nil, err
	}
	p.PremiumPaid, _ = decimal.NewFromString(premium)
	p.PayoutAmount, _ = decimal.NewFromString(payout)
	p.StrikePrice, _ = decimal.NewFromString(strike)
	return &p, nil
}

func (s *PostgresStore) ListPoliciesByHolder(ctx context.Context, holder model.Address) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, policy_holder, premium_paid::TEXT, payout_amount::TEXT, strike_price::TEXT,
		        expiration_timestamp, settled, paid_out, created_at, settled_at
		 FROM policies WHERE policy_holder = $1 ORDER BY id`, holder.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var p model.Policy
		var holderS, premium, payout, strike string
		if err := rows.Scan(&p.ID, &holderS, &premium, &payout, &strike,
			&p.ExpirationTimestamp, &p.Settled, &p.PaidOut, &p.CreatedAt, &p.SettledAt); err != nil {
			return nil, err
		}
		if p.PolicyHolder, err = model.ParseAddress(holderS); err != nil {
			return nil, err
		}
		p.PremiumPaid, _ = decimal.NewFromString(premium)
		p.PayoutAmount, _ = decimal.NewFromString(payout)
		p.StrikePrice, _ = decimal.NewFromString(strike)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *PostgresStore) ApplyPolicySettlement(ctx context.Context, app *PolicySettlementApplication) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE policies SET settled = TRUE, paid_out = $2, settled_at = $3 WHERE id = $1`,
			app.PolicyID, app.PaidOut, app.SettledAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("policy %d: %w", app.PolicyID, ErrNotFound)
		}
		if app.PaidOut {
			return addBalanceTx(ctx, tx, s.collateral, app.Holder, app.Payout)
		}
		return nil
	})
}

// --- transaction helpers ---

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) getMarketTx(ctx context.Context, tx pgx.Tx, id model.Address) (*model.Market, error) {
	row := tx.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id.Hex())
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return m, err
}

func updateReserves(ctx context.Context, tx pgx.Tx, id model.Address, collateral, yes, no decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET collateral_reserve = $2::NUMERIC, yes_reserve = $3::NUMERIC, no_reserve = $4::NUMERIC
		 WHERE id = $1`,
		id.Hex(), collateral.String(), yes.String(), no.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return nil
}

func addBalanceTx(ctx context.Context, tx pgx.Tx, token, holder model.Address, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO balances (token, holder, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (token, holder) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		token.Hex(), holder.Hex(), delta.String())
	return err
}

func addSupplyTx(ctx context.Context, tx pgx.Tx, token model.Address, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO supplies (token, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (token) DO UPDATE SET amount = supplies.amount + EXCLUDED.amount`,
		token.Hex(), delta.String())
	return err
}

func spendAllowanceTx(ctx context.Context, tx pgx.Tx, owner model.Address, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`UPDATE allowances SET amount = amount - $2::NUMERIC WHERE owner = $1`,
		owner.Hex(), amount.String())
	return err
}
