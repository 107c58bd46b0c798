// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"

	"github.com/opwallet/sponsord/relay"
)

const (
	// eventBuffSize is the buffer size of the dispatch channel filled by
	// the socket read pump.
	eventBuffSize = 128

	// readLimit caps a single inbound frame.
	readLimit = 1 << 20

	handshakeTimeout = 10 * time.Second

	// maxReconnects bounds the consecutive reconnection budget. Exceeding
	// it moves the manager to StatePermanentlyFailed and consumers should
	// fall back to polling.
	maxReconnects = 10

	// maxBackoff caps the reconnect delay.
	maxBackoff = 30 * time.Second
)

// ErrPermanentlyFailed is returned by Start once the reconnection budget has
// been exhausted.
const ErrPermanentlyFailed = relay.ErrorKind("event subscriptions permanently failed")

// State is the manager's lifecycle state.
type State uint32

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateReconnecting
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StatePermanentlyFailed:
		return "permanently failed"
	}
	return "unknown"
}

// Subscription is one watched (contract, event signature) pair. The handler
// receives the raw log. Handlers should treat the log as a trigger and
// re-read authoritative state rather than trusting the log's payload, since
// the store may already reflect newer writes from the HTTP path.
type Subscription struct {
	Contract common.Address
	EventSig common.Hash
	Handler  func(*types.Log)
}

// socket is the transport surface the manager uses. Satisfied by
// *websocket.Conn.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(msgType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type rpcNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// chainEvent pairs a received log with the subscription it arrived on.
type chainEvent struct {
	subID string
	log   *types.Log
}

// Config is the Manager configuration.
type Config struct {
	// URL is the node's websocket endpoint.
	URL string
	// Subscriptions is the fixed watcher set. The active set on the socket
	// is always either empty or exactly this set.
	Subscriptions []*Subscription
}

// Manager maintains a single persistent event subscription socket. It is a
// process-wide singleton with an init/teardown lifecycle: Start is lazy and
// guarded, and on socket errors the manager reconnects with exponential
// backoff, re-registering the entire subscription set each time.
type Manager struct {
	url  string
	subs []*Subscription

	// dial, backoff and respTimeout are swappable for testing.
	dial        func(ctx context.Context) (socket, error)
	backoff     func(attempt int) time.Duration
	respTimeout time.Duration

	mtx         sync.Mutex
	state       State
	conn        socket
	subIDs      map[string]*Subscription
	reconnectCh chan struct{}
	eventC      chan *chainEvent
	wg          sync.WaitGroup
}

// NewManager creates an unstarted Manager.
func NewManager(cfg *Config) *Manager {
	m := &Manager{
		url:         cfg.URL,
		subs:        cfg.Subscriptions,
		backoff:     backoffDelay,
		respTimeout: handshakeTimeout,
		reconnectCh: make(chan struct{}, 1),
		eventC:      make(chan *chainEvent, eventBuffSize),
	}
	m.dial = func(ctx context.Context) (socket, error) {
		dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		ws, _, err := dialer.DialContext(ctx, m.url, nil)
		if err != nil {
			return nil, err
		}
		ws.SetReadLimit(readLimit)
		return ws, nil
	}
	return m
}

// backoffDelay is the reconnect delay for the nth consecutive attempt,
// starting at 1: 1s, 2s, 4s, 8s, 16s, then capped at 30s.
func backoffDelay(attempt int) time.Duration {
	delay := time.Second << (attempt - 1)
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

// State returns the manager's lifecycle state.
func (m *Manager) State() State {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.state
}

// Active reports whether push updates can currently be trusted. Callers
// seeing false should poll instead.
func (m *Manager) Active() bool {
	return m.State() == StateActive
}

func (m *Manager) setState(s State) {
	m.mtx.Lock()
	m.state = s
	m.mtx.Unlock()
}

// Start connects the socket and registers the watcher set. It is safe to
// call from concurrent consumers: the first caller initializes, later calls
// are no-ops. Once StatePermanentlyFailed is reached, Start reports
// ErrPermanentlyFailed. The manager runs until the context is canceled.
func (m *Manager) Start(ctx context.Context) error {
	m.mtx.Lock()
	switch m.state {
	case StatePermanentlyFailed:
		m.mtx.Unlock()
		return relay.NewError(ErrPermanentlyFailed, "reconnection budget exhausted")
	case StateUninitialized:
	default:
		m.mtx.Unlock()
		return nil
	}
	m.state = StateInitializing
	m.mtx.Unlock()

	if err := m.connect(ctx); err != nil {
		m.setState(StateUninitialized)
		return fmt.Errorf("event socket connect: %w", err)
	}
	m.setState(StateActive)
	log.Infof("Event subscriptions active (%d watchers)", len(m.subs))

	m.wg.Add(2)
	go m.keepAlive(ctx)
	go m.dispatch(ctx)
	return nil
}

// connect dials the socket, registers the full watcher set, and launches a
// read pump for the new connection. Any subscription failure tears the
// connection back down so no partial set survives.
func (m *Manager) connect(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	subIDs, err := m.subscribeAll(conn)
	if err != nil {
		conn.Close()
		return err
	}

	m.mtx.Lock()
	m.conn = conn
	m.subIDs = subIDs
	m.mtx.Unlock()

	m.wg.Add(1)
	go m.readPump(ctx, conn)
	return nil
}

// subscribeAll registers every configured watcher on the connection. The
// read pump for this connection is not running yet, so responses are read
// directly, under a deadline so a mute peer cannot stall the reconnect loop.
func (m *Manager) subscribeAll(conn socket) (map[string]*Subscription, error) {
	defer conn.SetReadDeadline(time.Time{})

	subIDs := make(map[string]*Subscription, len(m.subs))
	for i, sub := range m.subs {
		req := &rpcRequest{
			Jsonrpc: "2.0",
			ID:      uint64(i + 1),
			Method:  "eth_subscribe",
			Params: []any{"logs", map[string]any{
				"address": sub.Contract,
				"topics":  [][]common.Hash{{sub.EventSig}},
			}},
		}
		b, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return nil, fmt.Errorf("subscribe write: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(m.respTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("subscribe read: %w", err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("subscribe response decode: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("subscribe error for %s/%s: %s",
				sub.Contract, sub.EventSig, resp.Error.Message)
		}
		var subID string
		if err := json.Unmarshal(resp.Result, &subID); err != nil {
			return nil, fmt.Errorf("subscription id decode: %w", err)
		}
		subIDs[subID] = sub
	}
	return subIDs, nil
}

// readPump reads the connection until it errors, pushing event notifications
// onto the dispatch channel. A read error signals keepAlive.
func (m *Manager) readPump(ctx context.Context, conn socket) {
	defer m.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Event socket read error: %v", err)
			select {
			case m.reconnectCh <- struct{}{}:
			default:
			}
			return
		}
		var note rpcNotification
		if err := json.Unmarshal(raw, &note); err != nil || note.Method != "eth_subscription" {
			continue
		}
		lg := new(types.Log)
		if err := json.Unmarshal(note.Params.Result, lg); err != nil {
			log.Errorf("Malformed event log on subscription %s: %v", note.Params.Subscription, err)
			continue
		}
		select {
		case m.eventC <- &chainEvent{subID: note.Params.Subscription, log: lg}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch consumes the event channel and runs the matching subscription
// handler. Handlers run sequentially on this goroutine.
func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.eventC:
			m.mtx.Lock()
			sub := m.subIDs[ev.subID]
			m.mtx.Unlock()
			if sub == nil {
				// A late delivery from a torn-down connection.
				continue
			}
			sub.Handler(ev.log)
		case <-ctx.Done():
			return
		}
	}
}

// keepAlive reconnects with exponential backoff whenever the read pump
// reports an error, up to maxReconnects consecutive failures.
func (m *Manager) keepAlive(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.reconnectCh:
			m.setState(StateReconnecting)
			m.closeConn()
			if !m.reconnect(ctx) {
				if ctx.Err() == nil {
					m.setState(StatePermanentlyFailed)
					log.Errorf("Event subscriptions permanently failed after %d reconnect attempts", maxReconnects)
				}
				return
			}
			m.setState(StateActive)
			log.Infof("Event socket reconnected, %d watchers re-registered", len(m.subs))
		case <-ctx.Done():
			m.closeConn()
			return
		}
	}
}

// reconnect runs the bounded backoff loop. True means a connection with the
// full watcher set is live again.
func (m *Manager) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		delay := m.backoff(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
		if err := m.connect(ctx); err != nil {
			log.Errorf("Reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		return true
	}
	return false
}

func (m *Manager) closeConn() {
	m.mtx.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.subIDs = nil
	m.mtx.Unlock()
}

// Wait blocks until all manager goroutines have exited following context
// cancellation.
func (m *Manager) Wait() {
	m.wg.Wait()
}
