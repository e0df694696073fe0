package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cedibets/engine/internal/chain"
	"github.com/cedibets/engine/internal/model"
	"github.com/cedibets/engine/internal/store"
)

// Service exposes the engine over HTTP. State-changing endpoints route
// through the submission broker so every mutation returns a confirmation
// carrying a transaction hash.
type Service struct {
	engine        *Engine
	broker        *chain.Broker
	faucetEnabled bool
}

// NewService creates the HTTP service.
func NewService(e *Engine, broker *chain.Broker, faucetEnabled bool) *Service {
	return &Service{engine: e, broker: broker, faucetEnabled: faucetEnabled}
}

// Routes mounts all API handlers on the router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/quote", s.QuoteTrade)
	r.Get("/markets/{marketID}/trades", s.MarketTrades)
	r.Post("/markets/{marketID}/liquidity", s.AddLiquidity)
	r.Post("/markets/{marketID}/resolve", s.Resolve)
	r.Post("/markets/{marketID}/redeem", s.Redeem)

	r.Post("/trade", s.ExecuteTrade)

	r.Get("/policies", s.ListPolicies)
	r.Post("/policies", s.PurchasePolicy)
	r.Get("/policies/{policyID}", s.GetPolicy)
	r.Post("/policies/{policyID}/settle", s.SettlePolicy)

	r.Post("/approve", s.Approve)
	r.Get("/balances/{holder}/{token}", s.GetBalance)
	r.Get("/positions/{holder}", s.GetPositions)

	if s.faucetEnabled {
		r.Post("/faucet", s.Faucet)
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question            string        `json:"question"`
	ResolutionTimestamp time.Time     `json:"resolution_timestamp"`
	Oracle              model.Address `json:"oracle"`
}

// TradeRequest is the JSON body for POST /trade. For buys, amount is
// collateral in 6dp minor units and min_out bounds tokens received; for
// sells, amount is tokens in 18dp minor units and min_out bounds
// collateral received.
type TradeRequest struct {
	MarketID  model.Address   `json:"market_id"`
	Trader    model.Address   `json:"trader"`
	Side      model.Side      `json:"side"`
	Direction model.Direction `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	MinOut    decimal.Decimal `json:"min_out"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TxHash   string             `json:"tx_hash"`
	Record   *model.TradeRecord `json:"record"`
	PriceYes decimal.Decimal    `json:"price_yes"`
	PriceNo  decimal.Decimal    `json:"price_no"`
}

// LiquidityRequest is the JSON body for POST /markets/{id}/liquidity.
type LiquidityRequest struct {
	Provider model.Address   `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	Caller      model.Address `json:"caller"`
	WinningSide model.Side    `json:"winning_side"`
}

// RedeemRequest is the JSON body for POST /markets/{id}/redeem.
type RedeemRequest struct {
	Holder model.Address `json:"holder"`
}

// RedeemResponse reports the collateral paid by a redemption.
type RedeemResponse struct {
	TxHash         string          `json:"tx_hash"`
	CollateralPaid decimal.Decimal `json:"collateral_paid"`
}

// PurchasePolicyRequest is the JSON body for POST /policies.
type PurchasePolicyRequest struct {
	Holder              model.Address   `json:"holder"`
	StrikePrice         decimal.Decimal `json:"strike_price"` // 2dp fixed point
	ExpirationTimestamp time.Time       `json:"expiration_timestamp"`
}

// SettlePolicyRequest is the JSON body for POST /policies/{id}/settle.
type SettlePolicyRequest struct {
	ObservedValue decimal.Decimal `json:"observed_value"` // 2dp fixed point
}

// ApproveRequest is the JSON body for POST /approve.
type ApproveRequest struct {
	Owner  model.Address   `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

// FaucetRequest is the JSON body for POST /faucet.
type FaucetRequest struct {
	Holder model.Address   `json:"holder"`
	Amount decimal.Decimal `json:"amount"`
}

// policyView decorates a policy with its derived display status.
type policyView struct {
	model.Policy
	Status model.PolicyStatus `json:"status"`
}

// marketView decorates a market with its display prices.
type marketView struct {
	model.Market
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	receipt, err := s.broker.Execute(ctx, func(opCtx context.Context) (any, error) {
		return s.engine.CreateMarket(opCtx, req.Question, req.ResolutionTimestamp, req.Oracle)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	m := receipt.Result.(*model.Market)
	writeJSON(w, http.StatusCreated, map[string]any{
		"tx_hash": receipt.TxHash,
		"market":  s.viewMarket(m),
	})
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAddressParam(w, r, "marketID")
	if !ok {
		return
	}

	m, err := s.engine.GetMarket(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewMarket(m))
}

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?state=open|resolving|resolved.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	filter := model.MarketState(r.URL.Query().Get("state"))
	markets, err := s.engine.ListMarkets(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	views := make([]marketView, 0, len(markets))
	for i := range markets {
		views = append(views, *s.viewMarket(&markets[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// QuoteTrade handles GET /api/v1/markets/{marketID}/quote
// Query params: side, direction, amount.
func (s *Service) QuoteTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAddressParam(w, r, "marketID")
	if !ok {
		return
	}

	side := model.Side(r.URL.Query().Get("side"))
	direction := model.Direction(r.URL.Query().Get("direction"))
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}

	q, err := s.engine.QuoteTrade(r.Context(), id, side, direction, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// MarketTrades handles GET /api/v1/markets/{marketID}/trades
// Returns the immutable trade ledger to reconstruct price history.
func (s *Service) MarketTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAddressParam(w, r, "marketID")
	if !ok {
		return
	}

	trades, err := s.engine.TradesByMarket(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// AddLiquidity handles POST /api/v1/markets/{marketID}/liquidity
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAddressParam(w, r, "marketID")
	if !ok {
		return
	}
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.broker.Execute(r.Context(), func(opCtx context.Context) (any, error) {
		return s.engine.AddLiquidity(opCtx, id, req.Provider, req.Amount)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	m := receipt.Result.(*model.Market)
	writeJSON(w, http.StatusOK, map[string]any{
		"tx_hash": receipt.TxHash,
		"market":  s.viewMarket(m),
	})
}

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Direction.Valid() {
		writeError(w, "direction must be buy or sell", http.StatusBadRequest)
		return
	}

	receipt, err := s.broker.Execute(r.Context(), func(opCtx context.Context) (any, error) {
		if req.Direction == model.DirectionBuy {
			return s.engine.Buy(opCtx, req.MarketID, req.Trader, req.Side, req.Amount, req.MinOut)
		}
		return s.engine.Sell(opCtx, req.MarketID, req.Trader, req.Side, req.Amount, req.MinOut)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	res := receipt.Result.(*TradeResult)
	writeJSON(w, http.StatusOK, TradeResponse{
		TxHash:   receipt.TxHash,
		Record:   res.Record,
		PriceYes: res.PriceYes,
		PriceNo:  res.PriceNo,
	})
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAddressParam(w, r, "marketID")
	if !ok {
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.broker.Execute(r.Context(), func(opCtx context.Context) (any, error) {
		return s.engine.Resolve(opCtx, id, req.Caller, req.WinningSide)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	m := receipt.Result.(*model.Market)
	writeJSON(w, http.StatusOK, map[string]any{
		"tx_hash": receipt.TxHash,
		"market":  s.viewMarket(m),
	})
}

// Redeem handles POST /api/v1/markets/{marketID}/redeem
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAddressParam(w, r, "marketID")
	if !ok {
		return
	}
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.broker.Execute(r.Context(), func(opCtx context.Context) (any, error) {
		return s.engine.Redeem(opCtx, id, req.Holder)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	writeJSON(w, http.StatusOK, RedeemResponse{
		TxHash:         receipt.TxHash,
		CollateralPaid: receipt.Result.(decimal.Decimal),
	})
}

// --- Policy handlers ---

// PurchasePolicy handles POST /api/v1/policies
func (s *Service) PurchasePolicy(w http.ResponseWriter, r *http.Request) {
	var req PurchasePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.broker.Execute(r.Context(), func(opCtx context.Context) (any, error) {
		return s.engine.PurchasePolicy(opCtx, req.Holder, req.StrikePrice, req.ExpirationTimestamp)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	p := receipt.Result.(*model.Policy)
	writeJSON(w, http.StatusCreated, map[string]any{
		"tx_hash": receipt.TxHash,
		"policy":  s.viewPolicy(p),
	})
}

// GetPolicy handles GET /api/v1/policies/{policyID}
func (s *Service) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(w, r, "policyID")
	if !ok {
		return
	}

	p, err := s.engine.GetPolicy(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPolicy(p))
}

// ListPolicies handles GET /api/v1/policies?holder=0x...
func (s *Service) ListPolicies(w http.ResponseWriter, r *http.Request) {
	holder, err := model.ParseAddress(r.URL.Query().Get("holder"))
	if err != nil {
		writeError(w, "holder query parameter is required", http.StatusBadRequest)
		return
	}

	policies, err := s.engine.ListPolicies(r.Context(), holder)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	views := make([]policyView, 0, len(policies))
	for i := range policies {
		views = append(views, *s.viewPolicy(&policies[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// SettlePolicy handles POST /api/v1/policies/{policyID}/settle
func (s *Service) SettlePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUintParam(w, r, "policyID")
	if !ok {
		return
	}
	var req SettlePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.broker.Execute(r.Context(), func(opCtx context.Context) (any, error) {
		return s.engine.SettlePolicy(opCtx, id, req.ObservedValue)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	p := receipt.Result.(*model.Policy)
	writeJSON(w, http.StatusOK, map[string]any{
		"tx_hash": receipt.TxHash,
		"policy":  s.viewPolicy(p),
	})
}

// --- Collateral handlers ---

// Approve handles POST /api/v1/approve
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.broker.Execute(r.Context(), func(opCtx context.Context) (any, error) {
		return nil, s.engine.ApproveSpend(opCtx, req.Owner, req.Amount)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tx_hash": receipt.TxHash,
		"owner":   req.Owner,
		"amount":  req.Amount,
	})
}

// GetBalance handles GET /api/v1/balances/{holder}/{token}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	holder, ok := parseAddressParam(w, r, "holder")
	if !ok {
		return
	}
	token, ok := parseAddressParam(w, r, "token")
	if !ok {
		return
	}

	balance, err := s.engine.Balance(r.Context(), holder, token)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holder":  holder,
		"token":   token,
		"balance": balance,
	})
}

// GetPositions handles GET /api/v1/positions/{holder}
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	holder, ok := parseAddressParam(w, r, "holder")
	if !ok {
		return
	}

	portfolio, err := s.engine.Portfolio(r.Context(), holder)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if portfolio.Positions == nil {
		portfolio.Positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// Faucet handles POST /api/v1/faucet (mounted only when enabled).
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.broker.Execute(r.Context(), func(opCtx context.Context) (any, error) {
		return nil, s.engine.Faucet(opCtx, req.Holder, req.Amount)
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if receipt.Err != nil {
		writeEngineError(w, receipt.Err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tx_hash": receipt.TxHash,
		"holder":  req.Holder,
		"amount":  req.Amount,
	})
}

// --- helpers ---

func (s *Service) viewMarket(m *model.Market) *marketView {
	yes, no := s.engine.Prices(m)
	return &marketView{Market: *m, PriceYes: yes, PriceNo: no}
}

func (s *Service) viewPolicy(p *model.Policy) *policyView {
	return &policyView{Policy: *p, Status: p.Status(s.engine.now())}
}

func parseAddressParam(w http.ResponseWriter, r *http.Request, name string) (model.Address, bool) {
	a, err := model.ParseAddress(chi.URLParam(r, name))
	if err != nil {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return model.ZeroAddress, false
	}
	return a, true
}

func parseUintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeEngineError maps sentinel errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidParameters):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrMarketNotOpen),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientAllowance),
		errors.Is(err, ErrNothingToRedeem),
		errors.Is(err, ErrPolicyNotExpired),
		errors.Is(err, ErrPolicySettled):
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
