// Package api exposes the ledger over HTTP for operators and dashboards.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/narivals/rivals-ledger/internal/award"
	"github.com/narivals/rivals-ledger/internal/challonge"
	"github.com/narivals/rivals-ledger/internal/ledger"
	"github.com/narivals/rivals-ledger/internal/model"
)

// APIKeyHeader carries the admin key.
const APIKeyHeader = "X-API-Key"

// Ledger is the ledger surface served over HTTP.
type Ledger interface {
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	GetHoldings(ctx context.Context, userID string) (model.Holdings, error)
	GetMarket(ctx context.Context) (model.Market, error)
	History(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error)
	Purchase(ctx context.Context, userID string, symbol model.Symbol, quantity int64) (*ledger.TradeResult, error)
	Sell(ctx context.Context, userID string, symbol model.Symbol, quantity int64) (*ledger.TradeResult, error)
	GrantBonus(ctx context.Context, userID string, amount int64) (int64, error)
	SetMarketOpen(ctx context.Context, open bool)
	AdjustCommodityValue(ctx context.Context, symbol model.Symbol, delta int64) (int64, error)
	LinkExternalAccount(ctx context.Context, userID, externalID string) error
}

// Awarder runs tournament awards.
type Awarder interface {
	Award(ctx context.Context, tournament string) (*award.Report, error)
	Preview(ctx context.Context, tournament string) (*award.Report, error)
}

// Handler serves the HTTP API.
type Handler struct {
	ledger   Ledger
	awarder  Awarder
	adminKey string
}

// NewHandler creates a handler. awarder may be nil. An empty adminKey
// disables the admin routes.
func NewHandler(l Ledger, awarder Awarder, adminKey string) *Handler {
	return &Handler{ledger: l, awarder: awarder, adminKey: adminKey}
}

// Routes mounts the API under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/market", h.GetMarket)
		r.Get("/wallets/by-external/{externalID}", h.FindByExternal)
		r.Get("/wallets/{userID}", h.GetWallet)
		r.Get("/wallets/{userID}/holdings", h.GetHoldings)
		r.Get("/wallets/{userID}/history", h.GetHistory)
		r.Post("/trade", h.Trade)
		r.Get("/rewards", h.ComputeReward)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/bonus", h.GrantBonus)
			r.Put("/market", h.SetMarket)
			r.Post("/commodities/{symbol}/adjust", h.AdjustValue)
			r.Post("/links", h.Link)
			r.Post("/awards/{tournament}", h.Award)
		})
	})
}

// --- Request/response types ---

// TradeRequest is the JSON body for POST /api/v1/trade.
type TradeRequest struct {
	UserID    string `json:"user_id"`
	Commodity string `json:"commodity"`
	Side      string `json:"side"` // "buy" or "sell"
	Quantity  int64  `json:"quantity"`
}

// MarketResponse is the JSON body of GET /api/v1/market.
type MarketResponse struct {
	Open             bool              `json:"open"`
	Commodities      []model.Commodity `json:"commodities"`
	TotalOutstanding int64             `json:"total_outstanding"`
}

// HoldingsResponse pairs holdings with their current token value.
type HoldingsResponse struct {
	UserID   string         `json:"user_id"`
	Holdings []HoldingValue `json:"holdings"`
	Value    int64          `json:"total_value"`
}

// HoldingValue is one line of HoldingsResponse.
type HoldingValue struct {
	Commodity model.Symbol `json:"commodity"`
	Shares    int64        `json:"shares"`
	Value     int64        `json:"value"`
}

type bonusRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type marketRequest struct {
	Open *bool `json:"open"`
}

type adjustRequest struct {
	Delta int64 `json:"delta"`
}

type linkRequest struct {
	UserID     string `json:"user_id"`
	ExternalID string `json:"external_id"`
}

// --- Public handlers ---

// GetMarket handles GET /api/v1/market.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.ledger.GetMarket(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	resp := MarketResponse{Open: m.Open, TotalOutstanding: m.TotalOutstanding()}
	for _, sym := range model.Symbols {
		resp.Commodities = append(resp.Commodities, m.Commodities[sym])
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetWallet handles GET /api/v1/wallets/{userID}.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetHoldings handles GET /api/v1/wallets/{userID}/holdings.
func (h *Handler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	holdings, err := h.ledger.GetHoldings(ctx, userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	m, err := h.ledger.GetMarket(ctx)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := HoldingsResponse{UserID: userID, Holdings: make([]HoldingValue, 0, len(model.Symbols))}
	for _, sym := range model.Symbols {
		v := holdings[sym] * m.Commodities[sym].UnitValue
		resp.Holdings = append(resp.Holdings, HoldingValue{Commodity: sym, Shares: holdings[sym], Value: v})
		resp.Value += v
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory handles GET /api/v1/wallets/{userID}/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// FindByExternal handles GET /api/v1/wallets/by-external/{externalID}.
func (h *Handler) FindByExternal(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.FindWalletByExternalID(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Trade handles POST /api/v1/trade.
func (h *Handler) Trade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	exec := h.ledger.Purchase
	switch req.Side {
	case "buy":
	case "sell":
		exec = h.ledger.Sell
	default:
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	// Symbol validity is checked by the ledger after the market state.
	res, err := exec(r.Context(), req.UserID, symbolParam(req.Commodity), req.Quantity)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ComputeReward handles GET /api/v1/rewards?rank=&participants=[&tournament=|&base=&weight=].
func (h *Handler) ComputeReward(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rank, err1 := strconv.Atoi(q.Get("rank"))
	n, err2 := strconv.Atoi(q.Get("participants"))
	if err1 != nil || err2 != nil {
		writeError(w, "rank and participants must be integers", http.StatusBadRequest)
		return
	}

	tier := ledger.TierFor(q.Get("tournament"))
	if q.Has("base") || q.Has("weight") {
		base, err1 := strconv.ParseInt(q.Get("base"), 10, 64)
		weight, err2 := strconv.ParseInt(q.Get("weight"), 10, 64)
		if err1 != nil || err2 != nil {
			writeError(w, "base and weight must be integers", http.StatusBadRequest)
			return
		}
		tier = ledger.Tier{Base: base, Weight: weight}
	}

	reward, err := ledger.ComputeTournamentReward(rank, n, tier.Base, tier.Weight)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rank":         rank,
		"participants": n,
		"base":         tier.Base,
		"weight":       tier.Weight,
		"reward":       reward,
	})
}

// --- Admin handlers ---

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminKey == "" {
			writeError(w, "admin API is disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminKey)) != 1 {
			writeError(w, "invalid API key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GrantBonus handles POST /api/v1/admin/bonus.
func (h *Handler) GrantBonus(w http.ResponseWriter, r *http.Request) {
	var req bonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	balance, err := h.ledger.GrantBonus(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "new_balance": balance})
}

// SetMarket handles PUT /api/v1/admin/market.
func (h *Handler) SetMarket(w http.ResponseWriter, r *http.Request) {
	var req marketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Open == nil {
		writeError(w, "body must be {\"open\": true|false}", http.StatusBadRequest)
		return
	}
	h.ledger.SetMarketOpen(r.Context(), *req.Open)
	writeJSON(w, http.StatusOK, map[string]bool{"open": *req.Open})
}

// AdjustValue handles POST /api/v1/admin/commodities/{symbol}/adjust.
func (h *Handler) AdjustValue(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "delta must be an integer", http.StatusBadRequest)
		return
	}
	sym := symbolParam(chi.URLParam(r, "symbol"))
	value, err := h.ledger.AdjustCommodityValue(r.Context(), sym, req.Delta)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commodity": sym, "unit_value": value})
}

// Link handles POST /api/v1/admin/links.
func (h *Handler) Link(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.ledger.LinkExternalAccount(r.Context(), req.UserID, req.ExternalID); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Award handles POST /api/v1/admin/awards/{tournament}[?dry_run=true].
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	if h.awarder == nil {
		writeError(w, "tournament awards are not configured", http.StatusServiceUnavailable)
		return
	}
	tournament := chi.URLParam(r, "tournament")

	run := h.awarder.Award
	if dry, _ := strconv.ParseBool(r.URL.Query().Get("dry_run")); dry {
		run = h.awarder.Preview
	}
	report, err := run(r.Context(), tournament)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

// statusFor maps ledger errors to HTTP status codes.
// symbolParam folds case the way the chat parser does. Unknown names still
// reach the ledger so a closed market is reported first.
func symbolParam(raw string) model.Symbol {
	return model.Symbol(strings.ToLower(strings.TrimSpace(raw)))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrUnknownCommodity),
		errors.Is(err, ledger.ErrInvalidDelta),
		errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, challonge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrMarketClosed),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, ledger.ErrDuplicateExternalID):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		msg = http.StatusText(status)
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
