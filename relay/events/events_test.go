// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	tContractA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tContractB = common.HexToAddress("0x2222222222222222222222222222222222222222")
	tSigA      = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tSigB      = common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// tSocket scripts a subscription socket. Writes of eth_subscribe requests
// queue the matching responses for the next reads, unless muted.
type tSocket struct {
	readC     chan []byte
	closeOnce sync.Once
	mtx       sync.Mutex
	subs      int
	deadline  time.Time
	mute      bool // swallow subscription requests without answering
}

func newTSocket() *tSocket {
	return &tSocket{readC: make(chan []byte, 16)}
}

func (s *tSocket) ReadMessage() (int, []byte, error) {
	s.mtx.Lock()
	deadline := s.deadline
	s.mtx.Unlock()
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timeout = time.After(time.Until(deadline))
	}
	select {
	case b, ok := <-s.readC:
		if !ok {
			return 0, nil, errors.New("use of closed connection")
		}
		return 1, b, nil
	case <-timeout:
		return 0, nil, errors.New("read timeout")
	}
}

func (s *tSocket) WriteMessage(_ int, b []byte) error {
	var req rpcRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return err
	}
	if req.Method != "eth_subscribe" {
		return fmt.Errorf("unexpected method %s", req.Method)
	}
	s.mtx.Lock()
	if s.mute {
		s.mtx.Unlock()
		return nil
	}
	s.subs++
	subID := fmt.Sprintf("0xsub%d", s.subs)
	s.mtx.Unlock()
	s.readC <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"%s"}`, req.ID, subID))
	return nil
}

func (s *tSocket) SetReadDeadline(t time.Time) error {
	s.mtx.Lock()
	s.deadline = t
	s.mtx.Unlock()
	return nil
}

func (s *tSocket) Close() error {
	s.closeOnce.Do(func() { close(s.readC) })
	return nil
}

// drop simulates a transport failure.
func (s *tSocket) drop() { s.Close() }

// notify queues an eth_subscription notification for subID.
func (s *tSocket) notify(subID string, lg *types.Log) {
	result, _ := json.Marshal(map[string]any{
		"address": lg.Address,
		"topics":  lg.Topics,
		"data":    "0x",
	})
	s.readC <- []byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"%s","result":%s}}`,
		subID, result))
}

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	if len(want) != maxReconnects {
		t.Fatalf("sequence length %d does not cover the %d-attempt budget", len(want), maxReconnects)
	}
	for i, wantDelay := range want {
		if got := backoffDelay(i + 1); got != wantDelay {
			t.Fatalf("attempt %d: delay %s, wanted %s", i+1, got, wantDelay)
		}
	}
}

func TestStartAndDispatch(t *testing.T) {
	handledA := make(chan *types.Log, 1)
	handledB := make(chan *types.Log, 1)
	m := NewManager(&Config{
		URL: "ws://unused",
		Subscriptions: []*Subscription{
			{Contract: tContractA, EventSig: tSigA, Handler: func(lg *types.Log) { handledA <- lg }},
			{Contract: tContractB, EventSig: tSigB, Handler: func(lg *types.Log) { handledB <- lg }},
		},
	})

	sock := newTSocket()
	dials := 0
	m.dial = func(context.Context) (socket, error) {
		dials++
		return sock, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !m.Active() {
		t.Fatalf("manager not active after Start, state %s", m.State())
	}
	// Second Start is a guarded no-op.
	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start errored: %v", err)
	}
	if dials != 1 {
		t.Fatalf("second Start dialed again (%d dials)", dials)
	}

	// A notification for the first watcher reaches only its handler.
	sock.notify("0xsub1", &types.Log{Address: tContractA, Topics: []common.Hash{tSigA}})
	select {
	case lg := <-handledA:
		if lg.Address != tContractA {
			t.Fatalf("handler got log for %s", lg.Address)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler A never fired")
	}
	select {
	case <-handledB:
		t.Fatalf("handler B fired for watcher A's event")
	default:
	}
}

func TestReconnectReregistersFullSet(t *testing.T) {
	m := NewManager(&Config{
		Subscriptions: []*Subscription{
			{Contract: tContractA, EventSig: tSigA, Handler: func(*types.Log) {}},
			{Contract: tContractB, EventSig: tSigB, Handler: func(*types.Log) {}},
		},
	})
	m.backoff = func(int) time.Duration { return time.Millisecond }

	var socks []*tSocket
	var sockMtx sync.Mutex
	m.dial = func(context.Context) (socket, error) {
		sock := newTSocket()
		sockMtx.Lock()
		socks = append(socks, sock)
		sockMtx.Unlock()
		return sock, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	socks[0].drop()
	deadline := time.After(2 * time.Second)
	for {
		sockMtx.Lock()
		n := len(socks)
		sockMtx.Unlock()
		if n >= 2 && m.Active() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no reconnect after drop, state %s", m.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The replacement connection carries the entire watcher set.
	sockMtx.Lock()
	resubbed := socks[1].subs
	sockMtx.Unlock()
	if resubbed != 2 {
		t.Fatalf("reconnect registered %d watchers, wanted the full set of 2", resubbed)
	}
}

func TestPermanentFailure(t *testing.T) {
	m := NewManager(&Config{
		Subscriptions: []*Subscription{
			{Contract: tContractA, EventSig: tSigA, Handler: func(*types.Log) {}},
		},
	})
	m.backoff = func(int) time.Duration { return time.Millisecond }

	first := newTSocket()
	dials := 0
	m.dial = func(context.Context) (socket, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	first.drop()
	deadline := time.After(2 * time.Second)
	for m.State() != StatePermanentlyFailed {
		select {
		case <-deadline:
			t.Fatalf("never reached permanent failure, state %s", m.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The budget is the initial dial plus exactly maxReconnects retries.
	if dials != 1+maxReconnects {
		t.Fatalf("%d dials, wanted %d", dials, 1+maxReconnects)
	}

	if err := m.Start(ctx); err == nil {
		t.Fatalf("Start after permanent failure did not error")
	}
}

func TestSubscribeHandshakeDeadline(t *testing.T) {
	m := NewManager(&Config{
		Subscriptions: []*Subscription{
			{Contract: tContractA, EventSig: tSigA, Handler: func(*types.Log) {}},
		},
	})
	m.respTimeout = 10 * time.Millisecond

	// The peer accepts the dial but never answers the subscription request.
	sock := newTSocket()
	sock.mute = true
	m.dial = func(context.Context) (socket, error) { return sock, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	if err := m.Start(ctx); err == nil {
		t.Fatalf("Start succeeded against a mute peer")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("handshake stalled for %s before failing", elapsed)
	}
	if m.State() != StateUninitialized {
		t.Fatalf("state after handshake timeout = %s, wanted uninitialized", m.State())
	}
}

func TestStartDialFailure(t *testing.T) {
	m := NewManager(&Config{
		Subscriptions: []*Subscription{
			{Contract: tContractA, EventSig: tSigA, Handler: func(*types.Log) {}},
		},
	})
	fail := true
	m.dial = func(context.Context) (socket, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return newTSocket(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err == nil {
		t.Fatalf("Start succeeded with failing dial")
	}
	if m.State() != StateUninitialized {
		t.Fatalf("state after failed init = %s, wanted uninitialized", m.State())
	}

	// A later attempt may succeed.
	fail = false
	if err := m.Start(ctx); err != nil {
		t.Fatalf("retry Start error: %v", err)
	}
	if !m.Active() {
		t.Fatalf("manager not active after retry")
	}
}
