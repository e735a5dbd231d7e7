// Package api provides the HTTP handlers for the spread market: market
// administration, spread bidding, trading and settlement.
//
// Callers are identified by the X-User-ID header; authentication happens
// upstream. All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/lifecycle"
	"github.com/atmx/spread-market/internal/model"
)

// UserHeader carries the caller's user ID.
const UserHeader = "X-User-ID"

// Service adapts the lifecycle controller to HTTP.
type Service struct {
	ctl *lifecycle.Controller
}

// NewService creates a new HTTP service over ctl.
func NewService(ctl *lifecycle.Controller) *Service {
	return &Service{ctl: ctl}
}

// Routes mounts every market endpoint on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/stats", s.Stats)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Delete("/markets/{marketID}", s.DeleteMarket)

	r.Get("/markets/{marketID}/bids", s.ListBids)
	r.Post("/markets/{marketID}/bids", s.PlaceBid)

	r.Get("/markets/{marketID}/trades", s.ListTrades)
	r.Get("/markets/{marketID}/trades/mine", s.GetMyTrade)
	r.Post("/markets/{marketID}/trades", s.PlaceTrade)
	r.Delete("/markets/{marketID}/trades", s.CancelTrade)

	r.Post("/markets/{marketID}/activate", s.Activate)
	r.Post("/markets/{marketID}/close", s.CloseTrading)
	r.Post("/markets/{marketID}/reopen", s.Reopen)
	r.Post("/markets/{marketID}/settlement-price", s.SetSettlementPrice)
	r.Post("/markets/{marketID}/settlement/preview", s.PreviewSettlement)
	r.Post("/markets/{marketID}/settlement/execute", s.ExecuteSettlement)
}

// --- Request/Response types ---

// MarketView is a market plus its human-readable phase.
type MarketView struct {
	*model.Market
	Phase string `json:"phase"`
}

// BidRequest is the JSON body for POST /markets/{id}/bids.
type BidRequest struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// TradeRequest is the JSON body for POST /markets/{id}/trades.
type TradeRequest struct {
	Position model.Position `json:"position"` // "LONG" or "SHORT"
	Quantity int64          `json:"quantity"`
}

// SettlementPriceRequest is the JSON body for POST /markets/{id}/settlement-price.
type SettlementPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// ExecuteRequest is the JSON body for POST /markets/{id}/settlement/execute.
type ExecuteRequest struct {
	Confirmed bool `json:"confirmed"`
}

// ReopenRequest is the JSON body for POST /markets/{id}/reopen.
type ReopenRequest struct {
	TradeClose time.Time `json:"trade_close"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.NewMarket
	if !decode(w, r, &req) {
		return
	}
	m, err := s.ctl.CreateMarket(r.Context(), caller(r), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(m))
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.ctl.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(m))
}

// ListMarkets handles GET /api/v1/markets?status=OPEN&active_only=true.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.MarketFilter{
		Status:     model.Status(q.Get("status")),
		ActiveOnly: q.Get("active_only") == "true",
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, "status must be one of CREATED, OPEN, CLOSED, SETTLED", http.StatusBadRequest)
		return
	}
	markets, err := s.ctl.ListMarkets(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, s.view(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// DeleteMarket handles DELETE /api/v1/markets/{marketID}.
func (s *Service) DeleteMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.DeleteMarket(r.Context(), caller(r), chi.URLParam(r, "marketID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/v1/markets/stats. Admin only.
func (s *Service) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Stats(r.Context(), caller(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Bids ---

// PlaceBid handles POST /api/v1/markets/{marketID}/bids.
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if !decode(w, r, &req) {
		return
	}
	bid, err := s.ctl.PlaceBid(r.Context(), chi.URLParam(r, "marketID"), caller(r), req.Low, req.High)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// ListBids handles GET /api/v1/markets/{marketID}/bids.
func (s *Service) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.ctl.ListBids(r.Context(), chi.URLParam(r, "marketID"), caller(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if bids == nil {
		bids = []model.SpreadBid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// --- Trades ---

// PlaceTrade handles POST /api/v1/markets/{marketID}/trades.
func (s *Service) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.ctl.PlaceOrUpdateTrade(r.Context(), chi.URLParam(r, "marketID"), caller(r), req.Position, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTrade handles DELETE /api/v1/markets/{marketID}/trades.
func (s *Service) CancelTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.ctl.CancelTrade(r.Context(), chi.URLParam(r, "marketID"), caller(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": t.ID,
		"refund":    t.Cost(),
	})
}

// ListTrades handles GET /api/v1/markets/{marketID}/trades.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ctl.ListTrades(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if trades == nil {
		trades = []*model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetMyTrade handles GET /api/v1/markets/{marketID}/trades/mine.
func (s *Service) GetMyTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.ctl.GetTrade(r.Context(), chi.URLParam(r, "marketID"), caller(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Admin lifecycle ---

// Activate handles POST /api/v1/markets/{marketID}/activate.
func (s *Service) Activate(w http.ResponseWriter, r *http.Request) {
	m, err := s.ctl.Activate(r.Context(), caller(r), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(m))
}

// CloseTrading handles POST /api/v1/markets/{marketID}/close.
func (s *Service) CloseTrading(w http.ResponseWriter, r *http.Request) {
	m, err := s.ctl.CloseTrading(r.Context(), caller(r), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(m))
}

// Reopen handles POST /api/v1/markets/{marketID}/reopen.
func (s *Service) Reopen(w http.ResponseWriter, r *http.Request) {
	var req ReopenRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.ctl.ReopenTrading(r.Context(), caller(r), chi.URLParam(r, "marketID"), req.TradeClose)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(m))
}

// SetSettlementPrice handles POST /api/v1/markets/{marketID}/settlement-price.
func (s *Service) SetSettlementPrice(w http.ResponseWriter, r *http.Request) {
	var req SettlementPriceRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.ctl.SetSettlementPrice(r.Context(), caller(r), chi.URLParam(r, "marketID"), req.Price)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(m))
}

// PreviewSettlement handles POST /api/v1/markets/{marketID}/settlement/preview.
func (s *Service) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctl.PreviewSettlement(r.Context(), caller(r), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ExecuteSettlement handles POST /api/v1/markets/{marketID}/settlement/execute.
func (s *Service) ExecuteSettlement(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := s.ctl.ExecuteSettlement(r.Context(), caller(r), chi.URLParam(r, "marketID"), req.Confirmed)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func (s *Service) view(m *model.Market) MarketView {
	return MarketView{Market: m, Phase: s.ctl.Describe(m)}
}

func caller(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// StatusFor maps a domain error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrIneligibleTrader):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrNoSuchTrade):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrNotEligible),
		errors.Is(err, model.ErrMarketNotTradable),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrAlreadySettled),
		errors.Is(err, model.ErrAlreadyActivated),
		errors.Is(err, model.ErrInvalidMarketState),
		errors.Is(err, model.ErrPreviewRequired),
		errors.Is(err, model.ErrConfirmationRequired):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  lifecycle.Classify(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
