// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opwallet/sponsord/relay/executor"
	"github.com/opwallet/sponsord/relay/wallet"
	"github.com/opwallet/sponsord/server/store"
	"github.com/opwallet/sponsord/server/stream"
)

const httpTimeout = 10 * time.Second

// Stream channel names.
const (
	ChannelRounds = "rounds"
	ChannelQueue  = "queue"
	ChannelNotes  = "notes"
)

// WalletReader resolves smart-wallet accounts and checks balances.
type WalletReader interface {
	ResolveAccount(ctx context.Context, user common.Address) (*wallet.Account, error)
	GuardBalance(ctx context.Context, addr common.Address, value *big.Int) (wallet.Verdict, error)
}

// OpExecutor submits sponsored call batches.
type OpExecutor interface {
	Execute(ctx context.Context, walletAddr common.Address, calls []executor.Call) (common.Hash, error)
}

// EventSource is the chain event manager surface the server needs: lazy
// startup on the first stream consumer, and the active flag for /status.
type EventSource interface {
	Start(ctx context.Context) error
	Active() bool
}

// Config is the Server configuration.
type Config struct {
	Addr     string
	Wallets  WalletReader
	Executor OpExecutor
	Events   EventSource
	Store    *store.Store
	Hub      *stream.Hub
}

// Server is the HTTP surface: the push-stream endpoint plus the JSON action
// routes. Action routes mutate the store and broadcast through the hub; the
// chain-event path converges on the same hub.
type Server struct {
	addr     string
	wallets  WalletReader
	executor OpExecutor
	events   EventSource
	store    *store.Store
	hub      *stream.Hub
	limiters *limiterPool

	// runCtx is the server's lifetime context, set by Run. The lazily
	// started event manager binds to it rather than to a request.
	ctxMtx sync.RWMutex
	runCtx context.Context
}

// NewServer creates a Server.
func NewServer(cfg *Config) *Server {
	return &Server{
		addr:     cfg.Addr,
		wallets:  cfg.Wallets,
		executor: cfg.Executor,
		events:   cfg.Events,
		store:    cfg.Store,
		hub:      cfg.Hub,
		limiters: newLimiterPool(),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Get("/events", s.handleEvents)

	mux.Group(func(rr chi.Router) {
		rr.Use(s.limitRate)
		rr.Post("/relay/execute", s.handleExecute)
		rr.Get("/wallet/{addr}", s.handleWallet)
		rr.Post("/round/advance", s.handleRoundAdvance)
		rr.Post("/queue/join", s.handleQueueJoin)
		rr.Post("/notes", s.handleNotes)
		rr.Get("/status", s.handleStatus)
	})

	return mux
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.ctxMtx.Lock()
	s.runCtx = ctx
	s.ctxMtx.Unlock()

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	httpServer := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: httpTimeout,
		// No WriteTimeout: the stream endpoint holds connections open.
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("HTTP server listening on %s", listener.Addr())
		err := httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("unexpected (http.Server).Serve error: %v", err)
		}
	}()

	// Keep the per-IP limiter map clean.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.limiters.clean()
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	log.Infof("HTTP server shutting down...")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutCtx)
	wg.Wait()
	return nil
}

// handleEvents is the push-stream subscription endpoint. Channel selection
// happens at subscribe time via ?channels=a,b. The connection is held open
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The first stream consumer starts the chain event watchers. A start
	// failure degrades push freshness but the stream itself still works.
	s.ctxMtx.RLock()
	startCtx := s.runCtx
	s.ctxMtx.RUnlock()
	if startCtx == nil {
		startCtx = r.Context()
	}
	if err := s.events.Start(startCtx); err != nil {
		log.Warnf("Event watchers unavailable, stream clients should poll: %v", err)
	}

	var channels []string
	if raw := r.URL.Query().Get("channels"); raw != "" {
		channels = strings.Split(raw, ",")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := s.hub.Register(w, flusher, channels)
	defer s.hub.Unregister(client.ID)
	<-r.Context().Done()
}

type executeRequest struct {
	Wallet string `json:"wallet"`
	Calls  []struct {
		Target string `json:"target"`
		Value  string `json:"value"`
		Data   string `json:"data"`
	} `json:"calls"`
}

type executeResponse struct {
	TxHash string `json:"txHash"`
}

// errPayload is the structured error body. It carries enough taxonomy detail
// for the caller to render an actionable message.
type errPayload struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Category  string `json:"category,omitempty"`
	Wallet    string `json:"wallet,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`
	OpHash    string `json:"opHash,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, &errPayload{Error: "malformed request: " + err.Error()}, http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Wallet) {
		writeJSONWithStatus(w, &errPayload{Error: "invalid wallet address"}, http.StatusBadRequest)
		return
	}
	if len(req.Calls) == 0 {
		writeJSONWithStatus(w, &errPayload{Error: "empty call batch"}, http.StatusBadRequest)
		return
	}
	walletAddr := common.HexToAddress(req.Wallet)

	calls := make([]executor.Call, 0, len(req.Calls))
	for i, c := range req.Calls {
		if !common.IsHexAddress(c.Target) {
			writeJSONWithStatus(w, &errPayload{Error: fmt.Sprintf("invalid target in call %d", i)}, http.StatusBadRequest)
			return
		}
		value := new(big.Int)
		if c.Value != "" {
			if _, ok := value.SetString(c.Value, 10); !ok {
				writeJSONWithStatus(w, &errPayload{Error: fmt.Sprintf("invalid value in call %d", i)}, http.StatusBadRequest)
				return
			}
		}
		calls = append(calls, executor.Call{
			Target: common.HexToAddress(c.Target),
			Value:  value,
			Data:   common.FromHex(c.Data),
		})
	}

	txHash, err := s.executor.Execute(r.Context(), walletAddr, calls)
	if err != nil {
		payload, code := executeErrPayload(walletAddr, txHash, err)
		writeJSONWithStatus(w, payload, code)
		return
	}
	writeJSONWithStatus(w, &executeResponse{TxHash: txHash.Hex()}, http.StatusOK)
}

// executeErrPayload maps the execution failure taxonomy onto response bodies
// and status codes.
func executeErrPayload(walletAddr common.Address, txHash common.Hash, err error) (*errPayload, int) {
	payload := &errPayload{Error: err.Error(), Wallet: walletAddr.Hex()}

	var pending *executor.PendingTimeoutError
	if errors.As(err, &pending) {
		// Unresolved, not failed. The caller can check later.
		payload.Kind = "pendingTimeout"
		payload.OpHash = pending.OpHash.Hex()
		return payload, http.StatusAccepted
	}
	var simErr *executor.SimulationRevertError
	if errors.As(err, &simErr) {
		payload.Kind = "simulationRevert"
		payload.Category = string(simErr.Category)
		return payload, http.StatusUnprocessableEntity
	}
	switch {
	case errors.Is(err, executor.ErrInsufficientBalance):
		payload.Kind = "insufficientBalance"
		return payload, http.StatusUnprocessableEntity
	case errors.Is(err, executor.ErrSponsorshipExhausted):
		payload.Kind = "fallbackFailed"
		return payload, http.StatusBadGateway
	case errors.Is(err, executor.ErrInternalExecutionFailed):
		payload.Kind = "internalExecutionFailed"
		payload.OpHash = txHash.Hex()
		return payload, http.StatusBadGateway
	}
	return payload, http.StatusInternalServerError
}

type walletResponse struct {
	Owner     string `json:"owner"`
	Address   string `json:"address"`
	Deployed  bool   `json:"deployed"`
	Balance   string `json:"balance"`
	Spendable bool   `json:"spendable"`
	Shortfall string `json:"shortfall"`
}

// handleWallet resolves the counterfactual account for a user address and
// reports whether its balance covers ?value= plus the gas buffer.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	addrStr := chi.URLParam(r, "addr")
	if !common.IsHexAddress(addrStr) {
		writeJSONWithStatus(w, &errPayload{Error: "invalid address"}, http.StatusBadRequest)
		return
	}
	user := common.HexToAddress(addrStr)

	acct, err := s.wallets.ResolveAccount(r.Context(), user)
	if err != nil {
		writeJSONWithStatus(w, &errPayload{Error: err.Error(), Kind: "chainRead"}, http.StatusBadGateway)
		return
	}

	value := new(big.Int)
	if raw := r.URL.Query().Get("value"); raw != "" {
		if _, ok := value.SetString(raw, 10); !ok {
			writeJSONWithStatus(w, &errPayload{Error: "invalid value"}, http.StatusBadRequest)
			return
		}
	}
	verdict := wallet.CheckBalance(acct.Balance, value, wallet.DefaultGasBuffer)

	writeJSONWithStatus(w, &walletResponse{
		Owner:     acct.Owner.Hex(),
		Address:   acct.Address.Hex(),
		Deployed:  acct.Deployed,
		Balance:   acct.Balance.String(),
		Spendable: verdict.Sufficient,
		Shortfall: verdict.Shortfall.String(),
	}, http.StatusOK)
}

// handleRoundAdvance moves the round state forward and broadcasts the new
// round. The HTTP path and the event path write the same derived record, so
// last-write-wins is safe.
func (s *Server) handleRoundAdvance(w http.ResponseWriter, r *http.Request) {
	var round store.RoundState
	err := s.store.Get(store.KeyRound, &round)
	if err != nil && !errors.Is(err, store.ErrKeyNotFound) {
		writeJSONWithStatus(w, &errPayload{Error: err.Error()}, http.StatusInternalServerError)
		return
	}
	round.Number++
	round.Phase = "open"
	round.UpdatedAt = time.Now().UTC()
	if err := s.store.Set(store.KeyRound, &round); err != nil {
		writeJSONWithStatus(w, &errPayload{Error: err.Error()}, http.StatusInternalServerError)
		return
	}

	s.hub.Broadcast(ChannelRounds, "round_advanced", &round)
	writeJSONWithStatus(w, &round, http.StatusOK)
}

type queueJoinRequest struct {
	Wallet string `json:"wallet"`
}

func (s *Server) handleQueueJoin(w http.ResponseWriter, r *http.Request) {
	var req queueJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, &errPayload{Error: "malformed request: " + err.Error()}, http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Wallet) {
		writeJSONWithStatus(w, &errPayload{Error: "invalid wallet address"}, http.StatusBadRequest)
		return
	}

	entry := &store.QueueEntry{Wallet: common.HexToAddress(req.Wallet).Hex(), JoinedAt: time.Now().UTC()}
	if err := s.store.Append(store.KeyQueue, entry); err != nil {
		writeJSONWithStatus(w, &errPayload{Error: err.Error()}, http.StatusInternalServerError)
		return
	}
	var queue []store.QueueEntry
	if err := s.store.List(store.KeyQueue, &queue); err != nil {
		writeJSONWithStatus(w, &errPayload{Error: err.Error()}, http.StatusInternalServerError)
		return
	}

	s.hub.Broadcast(ChannelQueue, "queue_joined", map[string]any{
		"wallet": entry.Wallet,
		"length": len(queue),
	})
	writeJSONWithStatus(w, map[string]int{"position": len(queue)}, http.StatusOK)
}

type noteRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, &errPayload{Error: "malformed request: " + err.Error()}, http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		writeJSONWithStatus(w, &errPayload{Error: "empty note body"}, http.StatusBadRequest)
		return
	}

	note := &store.Note{Author: req.Author, Body: req.Body, PostedAt: time.Now().UTC()}
	if err := s.store.Append(store.KeyNotes, note); err != nil {
		writeJSONWithStatus(w, &errPayload{Error: err.Error()}, http.StatusInternalServerError)
		return
	}

	s.hub.Broadcast(ChannelNotes, "note_posted", note)
	writeJSONWithStatus(w, note, http.StatusOK)
}

type statusResponse struct {
	EventsActive  bool   `json:"eventsActive"`
	StreamClients int    `json:"streamClients"`
	Round         uint64 `json:"round"`
}

// handleStatus reports whether push updates can be trusted. Clients seeing
// eventsActive=false should poll.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var round store.RoundState
	err := s.store.Get(store.KeyRound, &round)
	if err != nil && !errors.Is(err, store.ErrKeyNotFound) {
		writeJSONWithStatus(w, &errPayload{Error: err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSONWithStatus(w, &statusResponse{
		EventsActive:  s.events.Active(),
		StreamClients: s.hub.NumClients(),
		Round:         round.Number,
	}, http.StatusOK)
}
