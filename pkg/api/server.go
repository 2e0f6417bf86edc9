// Package api serves the simulator's admin surface: read-only REST views of
// accounts, contracts, quotes and sessions, a WebSocket stream of fills,
// orders and quotes, and the Prometheus endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/marketdata"
	"github.com/uhyunpark/twsim/pkg/session"
	"github.com/uhyunpark/twsim/pkg/storage"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	shutdownTimeout   = 5 * time.Second
)

// SessionLister reports live API sessions
type SessionLister interface {
	Sessions() []session.Info
	Count() int
}

// Deps are the components the admin surface reads from. Sessions, Audit
// and Metrics are optional; a nil Stream gets a private one.
type Deps struct {
	Ledger    *account.Ledger
	Engine    *execution.Engine
	Contracts *market.ContractRegistry
	Quotes    marketdata.Source
	Stream    *Stream
	Sessions  SessionLister
	Audit     storage.Reader
	Metrics   http.Handler
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg     params.Admin
	deps    Deps
	logger  *zap.SugaredLogger
	router  *mux.Router
	stream  *Stream
	hub     *Hub
	started time.Time
}

// NewServer creates a new API server
func NewServer(cfg params.Admin, deps Deps, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.stream = deps.Stream
	if s.stream == nil {
		s.stream = NewStream(deps.Ledger, deps.Contracts, deps.Quotes, logger)
	}
	s.hub = s.stream.Hub()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Account endpoints
	api.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	api.HandleFunc("/accounts/{code}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{code}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{code}/orders", s.handleGetOrders).Methods("GET")

	// Contract endpoints
	api.HandleFunc("/contracts", s.handleListContracts).Methods("GET")
	api.HandleFunc("/contracts/{conId:[0-9]+}", s.handleGetContract).Methods("GET")
	api.HandleFunc("/contracts/{conId:[0-9]+}/halt", s.handleSetStatus(market.Halted)).Methods("POST")
	api.HandleFunc("/contracts/{conId:[0-9]+}/resume", s.handleSetStatus(market.Active)).Methods("POST")
	api.HandleFunc("/quotes/{conId:[0-9]+}", s.handleGetQuote).Methods("GET")

	// Gateway endpoints
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/audit", s.handleAudit).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods("GET")
	}

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.stream.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("admin_server_starting", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve admin api: %w", err)
	case <-ctx.Done():
	}

	// hijacked websocket connections are not covered by Shutdown
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin api: %w", err)
	}
	s.logger.Infow("admin_server_stopped")
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Accounts:  len(s.deps.Ledger.Codes()),
		Contracts: s.deps.Contracts.Count(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Count()
	}
	respondJSON(w, resp)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	codes := s.deps.Ledger.Codes()
	response := make([]AccountInfo, 0, len(codes))
	for _, code := range codes {
		acc, err := s.deps.Ledger.Snapshot(code)
		if err != nil {
			continue
		}
		response = append(response, s.accountInfo(acc))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	respondJSON(w, s.accountInfo(acc))
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	positions := make([]PositionInfo, 0, len(acc.Positions))
	for _, p := range acc.Positions {
		if p.Qty.IsZero() {
			continue // Skip closed positions
		}
		info := PositionInfo{
			ConID:       p.ConID,
			Symbol:      p.Symbol,
			Position:    p.Qty,
			AvgCost:     p.AvgCost(),
			RealizedPnL: p.RealizedPnL,
		}
		if mark, ok := s.deps.Engine.Mark(p.ConID); ok {
			info.MarkPrice = mark
			info.MarketValue = p.MarketValue(mark)
			info.UnrealizedPnL = p.UnrealizedPnL(mark)
		}
		positions = append(positions, info)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ConID < positions[j].ConID })
	respondJSON(w, positions)
}

// handleGetOrders lists orders by id. ?status=open keeps non-terminal ones.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	openOnly := false
	switch strings.ToLower(r.URL.Query().Get("status")) {
	case "", "all":
	case "open":
		openOnly = true
	default:
		respondError(w, http.StatusBadRequest, "invalid status filter", "expected open or all")
		return
	}

	orders := make([]OrderInfo, 0, acc.Orders.Len())
	acc.Orders.Ascend(func(o *account.Order) bool {
		if !openOnly || !o.State.Terminal() {
			orders = append(orders, orderInfo(o))
		}
		return true
	})
	respondJSON(w, orders)
}

// handleListContracts lists contracts by id. ?secType=OPT filters.
func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	secType := strings.ToUpper(r.URL.Query().Get("secType"))
	contracts := s.deps.Contracts.ListContracts()
	response := make([]ContractInfo, 0, len(contracts))
	for _, c := range contracts {
		if secType != "" && string(c.SecType) != secType {
			continue
		}
		response = append(response, contractInfo(c))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, ok := s.contract(w, r)
	if !ok {
		return
	}
	respondJSON(w, contractInfo(c))
}

// handleSetStatus halts or resumes trading in a contract. Quotes keep
// flowing while halted; new orders are rejected.
func (s *Server) handleSetStatus(status market.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.contract(w, r)
		if !ok {
			return
		}
		if err := s.deps.Contracts.UpdateStatus(c.ConID, status); err != nil {
			respondError(w, http.StatusNotFound, "contract not found", err.Error())
			return
		}
		s.logger.Infow("contract_status_changed", "con_id", c.ConID, "symbol", c.LocalSymbol, "status", status.String())
		updated, _ := s.deps.Contracts.GetContract(c.ConID)
		respondJSON(w, contractInfo(updated))
	}
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	conID, _ := strconv.ParseInt(mux.Vars(r)["conId"], 10, 64)
	q, err := s.deps.Quotes.CurrentQuote(conID)
	if err != nil {
		respondError(w, http.StatusNotFound, "quote not found", err.Error())
		return
	}
	respondJSON(w, quoteInfo(q))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		respondJSON(w, []session.Info{})
		return
	}
	respondJSON(w, s.deps.Sessions.Sessions())
}

// handleAudit returns the newest audit records. ?limit bounds the count.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		respondError(w, http.StatusNotImplemented, "audit log unavailable", "persistence backend cannot be read back")
		return
	}
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxAuditLimit)
	}
	recs, err := s.deps.Audit.RecentRecords(limit)
	if err != nil {
		s.logger.Errorw("audit_read_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to read audit log", err.Error())
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	respondJSON(w, recs)
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (*account.Account, bool) {
	code := mux.Vars(r)["code"]
	acc, err := s.deps.Ledger.Snapshot(code)
	if err != nil {
		if errors.Is(err, account.ErrUnknownAccount) {
			respondError(w, http.StatusNotFound, "account not found", code)
		} else {
			respondError(w, http.StatusInternalServerError, "failed to read account", err.Error())
		}
		return nil, false
	}
	return acc, true
}

func (s *Server) contract(w http.ResponseWriter, r *http.Request) (*market.Contract, bool) {
	conID, _ := strconv.ParseInt(mux.Vars(r)["conId"], 10, 64)
	c, err := s.deps.Contracts.GetContract(conID)
	if err != nil {
		respondError(w, http.StatusNotFound, "contract not found", err.Error())
		return nil, false
	}
	return c, true
}

func (s *Server) accountInfo(acc *account.Account) AccountInfo {
	sum := s.deps.Engine.Summarize(acc)
	open := 0
	for _, p := range acc.Positions {
		if !p.Qty.IsZero() {
			open++
		}
	}
	return AccountInfo{
		Code:               acc.Code,
		Type:               acc.Type,
		Currency:           acc.BaseCurrency,
		NetLiquidation:     sum.NetLiquidation,
		TotalCashValue:     sum.TotalCashValue,
		GrossPositionValue: sum.GrossPositionValue,
		BuyingPower:        sum.BuyingPower,
		AvailableFunds:     sum.AvailableFunds,
		UnrealizedPnL:      sum.UnrealizedPnL,
		RealizedPnL:        sum.RealizedPnL,
		Commissions:        sum.Commissions,
		OpenPositions:      open,
		WorkingOrders:      len(acc.WorkingOrders()),
		Subscribers:        s.deps.Ledger.Subscribers(acc.Code),
		Version:            acc.Version,
		UpdatedAt:          acc.UpdatedAt,
	}
}

func orderInfo(o *account.Order) OrderInfo {
	return OrderInfo{
		OrderID:      o.ID,
		PermID:       o.PermID,
		ClientID:     o.ClientID,
		ConID:        o.ConID,
		Symbol:       o.Symbol,
		Action:       o.Side.String(),
		Type:         string(o.Type),
		Quantity:     o.Qty,
		LimitPrice:   o.LimitPrice,
		StopPrice:    o.StopPrice,
		TIF:          o.TIF,
		Status:       o.State.String(),
		Filled:       o.Filled,
		Remaining:    o.Remaining(),
		AvgFillPrice: o.AvgFillPrice,
		RejectCode:   o.RejectCode,
		RejectReason: o.RejectReason,
		SubmittedAt:  o.SubmittedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func contractInfo(c *market.Contract) ContractInfo {
	return ContractInfo{
		ConID:           c.ConID,
		Symbol:          c.Symbol,
		SecType:         string(c.SecType),
		Exchange:        c.Exchange,
		Currency:        c.Currency,
		LocalSymbol:     c.LocalSymbol,
		Multiplier:      c.Multiplier,
		MinTick:         c.MinTick,
		Status:          c.Status.String(),
		UnderlyingConID: c.UnderlyingConID,
		Expiry:          c.Expiry,
		Strike:          c.Strike,
		Right:           c.Right,
	}
}

func quoteInfo(q marketdata.Quote) QuoteInfo {
	return QuoteInfo{
		ConID:   q.ConID,
		Bid:     q.Bid,
		Ask:     q.Ask,
		Last:    q.Last,
		BidSize: q.BidSize,
		AskSize: q.AskSize,
		Volume:  q.Volume,
		High:    q.High,
		Low:     q.Low,
		Close:   q.Close,
		Time:    q.Time,
	}
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
