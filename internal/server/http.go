package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"VenueLedger/internal/access"
	"VenueLedger/internal/batch"
	"VenueLedger/internal/command"
	"VenueLedger/internal/core"
	"VenueLedger/internal/ingestion"
	"VenueLedger/internal/intent"
	"VenueLedger/internal/ledger"
	"VenueLedger/internal/market"
	"VenueLedger/internal/observability"
	"VenueLedger/internal/perp"
	"VenueLedger/internal/query"
	"VenueLedger/internal/token"
)

// Server is the HTTP surface. Writes go through core.Submit; engine reads go
// through core.Inspect so they never race the processing goroutine; account
// and history reads come from the projection tables via the query service.
type Server struct {
	core   *core.VenueCore
	query  *query.QueryService
	health *observability.HealthChecker
	logger zerolog.Logger

	httpServer *http.Server
}

func NewServer(
	addr string,
	venueCore *core.VenueCore,
	queryService *query.QueryService,
	health *observability.HealthChecker,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		core:   venueCore,
		query:  queryService,
		health: health,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.requestLogger)

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/credit/topup", s.handleTopup)
		r.Post("/credit/topup-system", s.handleTopupSystem)
		r.Post("/credit/withdraw", s.handleWithdraw)
		r.Get("/credit/{account}", s.handleGetCredit)

		r.Post("/events", s.handleCreateEvent)
		r.Get("/events", s.handleListEvents)
		r.Post("/events/{id}/resolve-initial", s.handleResolveInitial)
		r.Post("/events/{id}/resolve", s.handleResolveEvent)
		r.Get("/events/{id}", s.handleGetEvent)
		r.Get("/events/{id}/volume", s.handleGetEventVolume)
		r.Get("/outcomes/{word}/volume", s.handleGetOutcomeVolume)

		r.Post("/positions/buy", s.handleBuyPosition)
		r.Post("/positions/sell", s.handleSellPosition)
		r.Get("/positions/{id}", s.handleGetMarketPosition)
		r.Get("/tickets/{id}", s.handleGetTicket)

		r.Post("/perp/open", s.handlePerpOpen)
		r.Post("/perp/close", s.handlePerpClose)
		r.Post("/perp/set", s.handlePerpSet)
		r.Get("/perp/positions/{id}", s.handleGetPerpPosition)

		r.Post("/batch/open", s.handleBatch("OpenBatch"))
		r.Post("/batch/close", s.handleBatch("CloseBatch"))

		r.Get("/accounts/{account}/positions", s.handleGetAccountPositions)
		r.Get("/accounts/{account}/settlements", s.handleGetSettlements)
		r.Get("/accounts/{account}/journal", s.handleGetJournal)

		r.Get("/admin/integrity", s.handleIntegrity)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// --- credit ---

type creditRequest struct {
	CommandID string `json:"command_id,omitempty"`
	Account   string `json:"account"`
	Amount    int64  `json:"amount"`
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, commandID, ok := s.addressAndID(w, req.Account, req.CommandID)
	if !ok {
		return
	}

	s.submit(w, &command.Topup{
		CommandID: commandID,
		Account:   account,
		Amount:    req.Amount,
		Timestamp: time.Now(),
	}, nil)
}

func (s *Server) handleTopupSystem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID string `json:"command_id,omitempty"`
		Funder    string `json:"funder"`
		Amount    int64  `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	funder, commandID, ok := s.addressAndID(w, req.Funder, req.CommandID)
	if !ok {
		return
	}

	s.submit(w, &command.TopupSystem{
		CommandID: commandID,
		Funder:    funder,
		Amount:    req.Amount,
		Timestamp: time.Now(),
	}, nil)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, commandID, ok := s.addressAndID(w, req.Account, req.CommandID)
	if !ok {
		return
	}

	s.submit(w, &command.Withdraw{
		CommandID: commandID,
		Account:   account,
		Amount:    req.Amount,
		Timestamp: time.Now(),
	}, nil)
}

func (s *Server) handleGetCredit(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAddress(w, r, "account")
	if !ok {
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset, _ = ledger.GetAssetName(ledger.AssetUSDC)
	}

	resp, err := s.query.GetCredit(r.Context(), account, asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- market events ---

type outcomeRef struct {
	MarketID uint32 `json:"market_id"`
	Index    uint32 `json:"index"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID        string       `json:"command_id,omitempty"`
		Caller           string       `json:"caller"`
		EventID          uint64       `json:"event_id"`
		StartTime        int64        `json:"start_time"`
		ExpireTime       int64        `json:"expire_time"`
		MarketIDs        []uint32     `json:"market_ids"`
		Outcomes         []outcomeRef `json:"outcomes"`
		InitialLiquidity int64        `json:"initial_liquidity"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, commandID, ok := s.addressAndID(w, req.Caller, req.CommandID)
	if !ok {
		return
	}

	outcomes := make([]market.OutcomeID, len(req.Outcomes))
	for i, o := range req.Outcomes {
		outcomes[i] = market.OutcomeID{EventID: req.EventID, MarketID: o.MarketID, Index: o.Index}
	}

	s.submit(w, &command.CreateEvent{
		CommandID:        commandID,
		Caller:           caller,
		Event:            req.EventID,
		StartTime:        req.StartTime,
		ExpireTime:       req.ExpireTime,
		MarketIDs:        req.MarketIDs,
		Outcomes:         outcomes,
		InitialLiquidity: req.InitialLiquidity,
		Timestamp:        time.Now(),
	}, func(value any) any {
		if evt, ok := value.(*market.Event); ok {
			return eventView(evt)
		}
		return nil
	})
}

func (s *Server) handleResolveInitial(w http.ResponseWriter, r *http.Request) {
	s.handleResolve(w, r, func(commandID uuid.UUID, caller common.Address, eventID uint64) command.Command {
		return &command.ResolveInitialPool{
			CommandID: commandID,
			Caller:    caller,
			Event:     eventID,
			Timestamp: time.Now(),
		}
	})
}

func (s *Server) handleResolveEvent(w http.ResponseWriter, r *http.Request) {
	s.handleResolve(w, r, func(commandID uuid.UUID, caller common.Address, eventID uint64) command.Command {
		return &command.ResolveEvent{
			CommandID: commandID,
			Caller:    caller,
			Event:     eventID,
			Timestamp: time.Now(),
		}
	})
}

func (s *Server) handleResolve(
	w http.ResponseWriter,
	r *http.Request,
	build func(uuid.UUID, common.Address, uint64) command.Command,
) {
	eventID, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		CommandID string `json:"command_id,omitempty"`
		Caller    string `json:"caller"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, commandID, ok := s.addressAndID(w, req.Caller, req.CommandID)
	if !ok {
		return
	}

	s.submit(w, build(commandID, caller, eventID), func(value any) any {
		if evt, ok := value.(*market.Event); ok {
			return eventView(evt)
		}
		return nil
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}

	var view *eventJSON
	var err error
	s.core.Inspect(func() {
		var evt *market.Event
		evt, err = s.core.Market().GetEventData(eventID)
		if err == nil {
			view = eventView(evt)
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	events, err := s.query.ListEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEventVolume(w http.ResponseWriter, r *http.Request) {
	eventID, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}

	var volume int64
	var err error
	s.core.Inspect(func() {
		volume, err = s.core.Market().GetEventVolume(eventID)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "volume": volume})
}

func (s *Server) handleGetOutcomeVolume(w http.ResponseWriter, r *http.Request) {
	word, ok := new(big.Int).SetString(chi.URLParam(r, "word"), 0)
	if !ok {
		s.writeBadRequest(w, "invalid outcome word")
		return
	}
	outcome, err := market.OutcomeFromWord(word)
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}

	var volume int64
	s.core.Inspect(func() {
		volume, err = s.core.Market().GetOutcomeVolume(outcome)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome.String(), "volume": volume})
}

// --- market positions ---

func (s *Server) handleBuyPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID string `json:"command_id,omitempty"`
		Account   string `json:"account"`
		Amount    int64  `json:"amount"`
		EventID   uint64 `json:"event_id"`
		MarketID  uint32 `json:"market_id"`
		Index     uint32 `json:"outcome_index"`
		Nonce     uint64 `json:"nonce"`
		Signature string `json:"signature"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	account, commandID, ok := s.addressAndID(w, req.Account, req.CommandID)
	if !ok {
		return
	}

	s.submit(w, &command.BuyPosition{
		CommandID: commandID,
		Account:   account,
		Amount:    req.Amount,
		Outcome:   market.OutcomeID{EventID: req.EventID, MarketID: req.MarketID, Index: req.Index},
		Nonce:     req.Nonce,
		Signature: common.FromHex(req.Signature),
		Timestamp: time.Now(),
	}, func(value any) any {
		if res, ok := value.(*market.BuyResult); ok {
			return map[string]any{
				"position":  marketPositionView(res.Position),
				"ticket_id": hexBytes32(res.TicketID),
			}
		}
		return nil
	})
}

func (s *Server) handleSellPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID   string   `json:"command_id,omitempty"`
		Account     string   `json:"account"`
		Ticket      string   `json:"ticket"`
		Amount      int64    `json:"amount"`
		PositionIDs []uint64 `json:"position_ids"`
		Signature   string   `json:"signature"`
		EventID     uint64   `json:"event_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	account, commandID, ok := s.addressAndID(w, req.Account, req.CommandID)
	if !ok {
		return
	}
	ticket, err := parseBytes32(req.Ticket)
	if err != nil {
		s.writeBadRequest(w, fmt.Sprintf("ticket: %v", err))
		return
	}

	s.submit(w, &command.SellPosition{
		CommandID:   commandID,
		Account:     account,
		Ticket:      ticket,
		Amount:      req.Amount,
		PositionIDs: req.PositionIDs,
		Signature:   common.FromHex(req.Signature),
		Event:       req.EventID,
		Timestamp:   time.Now(),
	}, func(value any) any {
		if res, ok := value.(*market.SellResult); ok {
			return map[string]any{
				"payout":           res.Payout,
				"closed_positions": res.ClosedPositions,
			}
		}
		return nil
	})
}

func (s *Server) handleGetMarketPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}

	var view *marketPositionJSON
	var err error
	s.core.Inspect(func() {
		var pos *market.Position
		pos, err = s.core.Market().GetPosition(id)
		if err == nil {
			view = marketPositionView(pos)
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, err := parseBytes32(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, fmt.Sprintf("ticket id: %v", err))
		return
	}

	var view map[string]any
	s.core.Inspect(func() {
		var ticket *market.Ticket
		ticket, err = s.core.Market().GetTicketData(id)
		if err == nil {
			view = map[string]any{
				"ticket_id":    hexBytes32(ticket.ID),
				"owner":        ticket.Owner.Hex(),
				"outcome":      ticket.Outcome.String(),
				"position_ids": ticket.PositionIDs,
			}
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- leveraged positions ---

func (s *Server) handlePerpOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID string `json:"command_id,omitempty"`
		Caller    string `json:"caller"`
		Account   string `json:"account"`
		Pool      string `json:"pool"`
		Value     int64  `json:"value"`
		Leverage  int64  `json:"leverage"`
		Price     int64  `json:"price"`
		Direction string `json:"direction"`
		ClientRef uint64 `json:"client_ref"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, commandID, ok := s.addressAndID(w, req.Caller, req.CommandID)
	if !ok {
		return
	}
	account, ok := s.address(w, req.Account, "account")
	if !ok {
		return
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}

	s.submit(w, &command.OpenLeveraged{
		CommandID: commandID,
		Caller:    caller,
		Order: perp.OpenParams{
			Account:   account,
			Pool:      perp.PoolFromString(req.Pool),
			Value:     req.Value,
			Leverage:  req.Leverage,
			Price:     req.Price,
			Direction: direction,
			ClientRef: req.ClientRef,
		},
		Timestamp: time.Now(),
	}, func(value any) any {
		if res, ok := value.(*perp.OpenResult); ok {
			return map[string]any{"position": perpPositionView(res.Position)}
		}
		return nil
	})
}

func (s *Server) handlePerpClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID string `json:"command_id,omitempty"`
		Caller    string `json:"caller"`
		Position  uint64 `json:"position_id"`
		Price     int64  `json:"price"`
		Forced    bool   `json:"forced"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, commandID, ok := s.addressAndID(w, req.Caller, req.CommandID)
	if !ok {
		return
	}

	s.submit(w, &command.CloseLeveraged{
		CommandID: commandID,
		Caller:    caller,
		Position:  req.Position,
		Price:     req.Price,
		Forced:    req.Forced,
		Timestamp: time.Now(),
	}, func(value any) any {
		if res, ok := value.(*perp.CloseResult); ok {
			return map[string]any{
				"position": perpPositionView(res.Position),
				"pnl":      res.PnL,
				"credited": res.Credited,
			}
		}
		return nil
	})
}

func (s *Server) handlePerpSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID        string `json:"command_id,omitempty"`
		Caller           string `json:"caller"`
		Account          string `json:"account"`
		Pool             string `json:"pool"`
		Value            int64  `json:"value"`
		Leverage         int64  `json:"leverage"`
		Price            int64  `json:"price"`
		LiquidationPrice int64  `json:"liquidation_price"`
		Direction        string `json:"direction"`
		ClientRef        uint64 `json:"client_ref"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, commandID, ok := s.addressAndID(w, req.Caller, req.CommandID)
	if !ok {
		return
	}
	account, ok := s.address(w, req.Account, "account")
	if !ok {
		return
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}

	s.submit(w, &command.SetLeveraged{
		CommandID: commandID,
		Caller:    caller,
		Params: perp.SetParams{
			Account:          account,
			Pool:             perp.PoolFromString(req.Pool),
			Value:            req.Value,
			Leverage:         req.Leverage,
			Price:            req.Price,
			LiquidationPrice: req.LiquidationPrice,
			Direction:        direction,
			ClientRef:        req.ClientRef,
		},
		Timestamp: time.Now(),
	}, func(value any) any {
		if res, ok := value.(*perp.OpenResult); ok {
			return map[string]any{"position": perpPositionView(res.Position)}
		}
		return nil
	})
}

func (s *Server) handleGetPerpPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}

	var view *perpPositionJSON
	var err error
	s.core.Inspect(func() {
		var pos *perp.Position
		pos, err = s.core.Perp().GetPosition(id)
		if err == nil {
			view = perpPositionView(pos)
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- batches ---

// handleBatch accepts the same wire format the NATS surface carries, so the
// batcher can fall back to HTTP without re-encoding.
func (s *Server) handleBatch(commandType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeBadRequest(w, "read body")
			return
		}

		cmd, err := ingestion.ParseRawCommand(ingestion.RawCommand{Data: body}, commandType)
		if err != nil {
			s.writeBadRequest(w, err.Error())
			return
		}

		s.submit(w, cmd, batchItemsView)
	}
}

func batchItemsView(value any) any {
	switch items := value.(type) {
	case []batch.OpenItem:
		views := make([]map[string]any, len(items))
		for i, item := range items {
			views[i] = openItemView(item)
		}
		return map[string]any{"items": views}
	case []batch.CloseItem:
		views := make([]map[string]any, len(items))
		for i, item := range items {
			v := closeItemView(item)
			views[i] = v
		}
		return map[string]any{"items": views}
	default:
		return nil
	}
}

func openItemView(item batch.OpenItem) map[string]any {
	v := map[string]any{"index": item.Index, "status": "applied"}
	if item.Err != nil {
		v["status"] = "rejected"
		v["error"] = item.Err.Error()
		_, v["error_code"] = errorStatus(item.Err)
		return v
	}
	v["position_id"] = item.Position.ID
	return v
}

func closeItemView(item batch.CloseItem) map[string]any {
	v := map[string]any{"index": item.Index, "status": "applied"}
	if item.Err != nil {
		v["status"] = "rejected"
		v["error"] = item.Err.Error()
		_, v["error_code"] = errorStatus(item.Err)
		return v
	}
	v["position_id"] = item.Position.ID
	v["pnl"] = item.PnL
	v["credited"] = item.Credited
	return v
}

// --- account reads ---

func (s *Server) handleGetAccountPositions(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAddress(w, r, "account")
	if !ok {
		return
	}
	kind := r.URL.Query().Get("kind")
	openOnly := r.URL.Query().Get("open") == "true"

	positions, err := s.query.GetPositions(r.Context(), account, kind, openOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleGetSettlements(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAddress(w, r, "account")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)

	settlements := s.query.GetSettlements(account, limit)
	writeJSON(w, http.StatusOK, map[string]any{"settlements": settlements})
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAddress(w, r, "account")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)

	var after *int64
	if v := r.URL.Query().Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeBadRequest(w, "invalid after cursor")
			return
		}
		after = &seq
	}

	entries, err := s.query.GetJournalHistory(r.Context(), account, limit, after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.query.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- submission plumbing ---

type submitResponse struct {
	Sequence int64 `json:"sequence"`
	Result   any   `json:"result,omitempty"`
}

// submit sends a command to the core and writes the outcome. view shapes the
// dispatch value for the response; nil means sequence-only.
func (s *Server) submit(w http.ResponseWriter, cmd command.Command, view func(any) any) {
	outcome := s.core.Submit(cmd)
	if outcome.Err != nil {
		s.writeError(w, outcome.Err)
		return
	}

	resp := submitResponse{Sequence: outcome.Sequence}
	if view != nil {
		resp.Result = view(outcome.Value)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- views ---

type eventJSON struct {
	EventID          uint64            `json:"event_id"`
	Status           int32             `json:"status"`
	StartTime        int64             `json:"start_time"`
	ExpireTime       int64             `json:"expire_time"`
	MarketIDs        []uint32          `json:"market_ids"`
	InitialLiquidity int64             `json:"initial_liquidity"`
	Volume           int64             `json:"volume"`
	Outcomes         []outcomeDataJSON `json:"outcomes"`
}

type outcomeDataJSON struct {
	MarketID  uint32 `json:"market_id"`
	Index     uint32 `json:"index"`
	Volume    int64  `json:"volume"`
	LastPrice int64  `json:"last_price"`
}

func eventView(evt *market.Event) *eventJSON {
	view := &eventJSON{
		EventID:          evt.ID,
		Status:           int32(evt.Status),
		StartTime:        evt.StartTime,
		ExpireTime:       evt.ExpireTime,
		MarketIDs:        evt.MarketIDs,
		InitialLiquidity: evt.InitialLiquidity,
		Volume:           evt.Volume,
	}
	for outcome, volume := range evt.OutcomeVolumes {
		view.Outcomes = append(view.Outcomes, outcomeDataJSON{
			MarketID:  outcome.MarketID,
			Index:     outcome.Index,
			Volume:    volume,
			LastPrice: evt.LastPrices[outcome],
		})
	}
	return view
}

type marketPositionJSON struct {
	ID         uint64 `json:"id"`
	Owner      string `json:"owner"`
	EventID    uint64 `json:"event_id"`
	MarketID   uint32 `json:"market_id"`
	Index      uint32 `json:"outcome_index"`
	Amount     int64  `json:"amount"`
	EntryPrice int64  `json:"entry_price"`
	Status     int32  `json:"status"`
	OpenedAt   int64  `json:"opened_at"`
	ClosedAt   int64  `json:"closed_at,omitempty"`
}

func marketPositionView(pos *market.Position) *marketPositionJSON {
	return &marketPositionJSON{
		ID:         pos.ID,
		Owner:      pos.Owner.Hex(),
		EventID:    pos.Outcome.EventID,
		MarketID:   pos.Outcome.MarketID,
		Index:      pos.Outcome.Index,
		Amount:     pos.Amount,
		EntryPrice: pos.EntryPrice,
		Status:     int32(pos.Status),
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   pos.ClosedAt,
	}
}

type perpPositionJSON struct {
	ID               uint64 `json:"id"`
	Owner            string `json:"owner"`
	Pool             string `json:"pool"`
	Margin           int64  `json:"margin"`
	Leverage         int64  `json:"leverage"`
	Notional         int64  `json:"notional"`
	Direction        string `json:"direction"`
	EntryPrice       int64  `json:"entry_price"`
	LiquidationPrice int64  `json:"liquidation_price"`
	Status           int32  `json:"status"`
	ClientRef        uint64 `json:"client_ref,omitempty"`
	OpenedAt         int64  `json:"opened_at"`
	ClosedAt         int64  `json:"closed_at,omitempty"`
	ClosePrice       int64  `json:"close_price,omitempty"`
	RealizedPnL      int64  `json:"realized_pnl"`
}

func perpPositionView(pos *perp.Position) *perpPositionJSON {
	return &perpPositionJSON{
		ID:               pos.ID,
		Owner:            pos.Owner.Hex(),
		Pool:             pos.Pool.String(),
		Margin:           pos.Margin,
		Leverage:         pos.Leverage,
		Notional:         pos.Notional,
		Direction:        pos.Direction.String(),
		EntryPrice:       pos.EntryPrice,
		LiquidationPrice: pos.LiquidationPrice,
		Status:           int32(pos.Status),
		ClientRef:        pos.ClientRef,
		OpenedAt:         pos.OpenedAt,
		ClosedAt:         pos.ClosedAt,
		ClosePrice:       pos.ClosePrice,
		RealizedPnL:      pos.RealizedPnL,
	}
}

// --- request helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) address(w http.ResponseWriter, raw, field string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		s.writeBadRequest(w, fmt.Sprintf("%s: %q is not an address", field, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// addressAndID validates the primary address field and mints or parses the
// command id. A client-supplied command_id makes retries idempotent.
func (s *Server) addressAndID(w http.ResponseWriter, rawAddr, rawID string) (common.Address, uuid.UUID, bool) {
	addr, ok := s.address(w, rawAddr, "account")
	if !ok {
		return common.Address{}, uuid.UUID{}, false
	}

	if rawID == "" {
		return addr, uuid.New(), true
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		s.writeBadRequest(w, fmt.Sprintf("command_id: %v", err))
		return common.Address{}, uuid.UUID{}, false
	}
	return addr, id, true
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request, param string) (common.Address, bool) {
	return s.address(w, chi.URLParam(r, param), param)
}

func (s *Server) pathUint(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil {
		s.writeBadRequest(w, fmt.Sprintf("invalid %s", param))
		return 0, false
	}
	return v, true
}

func queryInt(r *http.Request, param string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(param))
	if err != nil || v <= 0 {
		return fallback
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func parseBytes32(raw string) ([32]byte, error) {
	var out [32]byte
	data := common.FromHex(raw)
	if len(data) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(data))
	}
	copy(out[:], data)
	return out, nil
}

func hexBytes32(b [32]byte) string {
	return common.Hash(b).Hex()
}

func parseDirection(raw string) (perp.Direction, error) {
	switch strings.ToLower(raw) {
	case "long":
		return perp.DirectionLong, nil
	case "short":
		return perp.DirectionShort, nil
	default:
		return perp.DirectionLong, fmt.Errorf("direction must be \"long\" or \"short\", got %q", raw)
	}
}

// --- error mapping ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: "bad_request", Message: msg}})
}

// errorStatus maps domain errors to HTTP statuses and stable error codes.
// Codes are part of the API contract; clients branch on them.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusUnprocessableEntity, "insufficient_credit"
	case errors.Is(err, ledger.ErrAmountOutOfBounds):
		return http.StatusBadRequest, "amount_out_of_bounds"
	case errors.Is(err, intent.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, intent.ErrUnauthorizedSigner):
		return http.StatusForbidden, "unauthorized_signer"
	case errors.Is(err, intent.ErrReplayedIntent):
		return http.StatusConflict, "replayed_intent"
	case errors.Is(err, access.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, market.ErrDuplicateEvent):
		return http.StatusConflict, "duplicate_event"
	case errors.Is(err, market.ErrUnknownEvent):
		return http.StatusNotFound, "unknown_event"
	case errors.Is(err, market.ErrEventStateMismatch):
		return http.StatusConflict, "event_state_mismatch"
	case errors.Is(err, market.ErrEventExpired):
		return http.StatusGone, "event_expired"
	case errors.Is(err, market.ErrUnknownPosition), errors.Is(err, perp.ErrUnknownPosition):
		return http.StatusNotFound, "unknown_position"
	case errors.Is(err, market.ErrUnknownTicket):
		return http.StatusNotFound, "unknown_ticket"
	case errors.Is(err, market.ErrPositionNotOpen):
		return http.StatusConflict, "position_not_open"
	case errors.Is(err, market.ErrAmountExceedsTicket):
		return http.StatusUnprocessableEntity, "amount_exceeds_ticket"
	case errors.Is(err, perp.ErrAlreadyClosed):
		return http.StatusConflict, "already_closed"
	case errors.Is(err, perp.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_order"
	case errors.Is(err, batch.ErrArrayLengthMismatch):
		return http.StatusBadRequest, "array_length_mismatch"
	case errors.Is(err, batch.ErrEmptyBatch):
		return http.StatusBadRequest, "empty_batch"
	case errors.Is(err, token.ErrTransferRejected):
		return http.StatusBadGateway, "transfer_rejected"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
