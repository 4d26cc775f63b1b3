// Package api exposes the matching engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"exchange/internal/engine"
	"exchange/internal/ledger"
	"exchange/internal/market"
	"exchange/internal/orderbook"
	"exchange/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Server struct {
	engine      *engine.Engine
	ledger      *ledger.Ledger
	pairs       *market.Registry
	store       *store.Store
	rateLimiter *RateLimiter
	validate    *validator.Validate
	corsOrigins []string // empty = allow all
}

func NewServer(e *engine.Engine, l *ledger.Ledger, pairs *market.Registry, st *store.Store) *Server {
	return &Server{
		engine:      e,
		ledger:      l,
		pairs:       pairs,
		store:       st,
		rateLimiter: NewRateLimiter(600, 1*time.Minute),
		validate:    validator.New(),
	}
}

// SetCORSOrigins restricts CORS to the given origins. An empty slice
// allows all origins (development mode).
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimiter.Middleware)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", s.placeOrder)
		r.Get("/orders", s.openOrders)
		r.Delete("/orders/{id}", s.cancelOrder)
		r.Get("/orders/{id}", s.getOrder)

		r.Get("/book", s.getBook)
		r.Get("/trades", s.getTrades)

		r.Get("/wallets/{user}", s.getWallet)
		r.Post("/wallets/{user}/deposit", s.deposit)
		r.Post("/wallets/{user}/withdraw", s.withdraw)

		r.Get("/pairs", s.listPairs)
		r.Post("/pairs", s.upsertPair)

		r.Get("/circuit-breaker", s.breakerStatus)
		r.Post("/circuit-breaker/reset", s.resetBreaker)
	})

	return r
}

// writeError maps the engine's failure taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation), errors.Is(err, ledger.ErrBadAmount),
		errors.Is(err, market.ErrPairInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, engine.ErrTradingHalted):
		status = http.StatusLocked
	case errors.Is(err, engine.ErrOrderNotFound), errors.Is(err, market.ErrPairNotFound),
		errors.Is(err, store.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrOrderTerminal):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type placeOrderRequest struct {
	UserID string          `json:"user_id" validate:"required"`
	Symbol string          `json:"symbol" validate:"required"`
	Side   string          `json:"side" validate:"required,oneof=buy sell"`
	Type   string          `json:"type" validate:"required,oneof=limit market ioc"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount" validate:"required"`
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	side, _ := orderbook.ParseSide(req.Side)
	typ, _ := orderbook.ParseOrderType(req.Type)

	order, err := s.engine.ProcessOrder(req.UserID, req.Symbol, side, typ, req.Price, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) openOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	user := r.URL.Query().Get("user")
	if symbol == "" || user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol and user are required"})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.OpenOrders(symbol, user))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order lookup unavailable"})
		return
	}
	order, err := s.store.GetOrder(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.CancelOrder(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	if _, err := s.pairs.Get(symbol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.BookSnapshot(symbol))
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*orderbook.Trade{})
		return
	}
	trades, err := s.store.RecentTrades(symbol, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []*orderbook.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	writeJSON(w, http.StatusOK, s.ledger.BalancesForUser(user))
}

type fundsRequest struct {
	Asset  string          `json:"asset" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"required"`
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.ledger.Deposit(user, req.Asset, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Get(user, req.Asset))
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.ledger.Withdraw(user, req.Asset, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Get(user, req.Asset))
}

func (s *Server) listPairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pairs.List())
}

func (s *Server) upsertPair(w http.ResponseWriter, r *http.Request) {
	var pair market.Pair
	if err := json.NewDecoder(r.Body).Decode(&pair); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.pairs.Upsert(pair); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pair)
}

func (s *Server) breakerStatus(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	if _, err := s.pairs.Get(symbol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.BreakerStatus(symbol))
}

type resetRequest struct {
	Symbol string `json:"symbol"` // empty resets every symbol
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Symbol == "" {
		s.engine.ResetAllBreakers()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
		return
	}
	if _, err := s.pairs.Get(req.Symbol); err != nil {
		writeError(w, err)
		return
	}
	s.engine.ResetBreaker(req.Symbol)
	writeJSON(w, http.StatusOK, s.engine.BreakerStatus(req.Symbol))
}

// Shutdown stops internal goroutines.
func (s *Server) Shutdown() {
	s.rateLimiter.Stop()
}
