// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opwallet/sponsord/relay"
	"github.com/opwallet/sponsord/relay/executor"
	"github.com/opwallet/sponsord/relay/wallet"
	"github.com/opwallet/sponsord/server/store"
	"github.com/opwallet/sponsord/server/stream"
)

var (
	tUser   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tWallet = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tTxHash = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
)

type tWallets struct {
	acct    *wallet.Account
	acctErr error
}

func (t *tWallets) ResolveAccount(context.Context, common.Address) (*wallet.Account, error) {
	return t.acct, t.acctErr
}

func (t *tWallets) GuardBalance(_ context.Context, _ common.Address, value *big.Int) (wallet.Verdict, error) {
	return wallet.CheckBalance(t.acct.Balance, value, wallet.DefaultGasBuffer), nil
}

type tExecutor struct {
	txHash common.Hash
	err    error
	calls  []executor.Call
}

func (t *tExecutor) Execute(_ context.Context, _ common.Address, calls []executor.Call) (common.Hash, error) {
	t.calls = calls
	return t.txHash, t.err
}

type tEvents struct {
	started atomic.Bool
	active  bool
}

func (t *tEvents) Start(context.Context) error { t.started.Store(true); return nil }
func (t *tEvents) Active() bool                { return t.active }

type tServer struct {
	srv    *Server
	store  *store.Store
	hub    *stream.Hub
	exec   *tExecutor
	events *tEvents
}

func newTestServer(t *testing.T) *tServer {
	t.Helper()
	s, err := store.New(&store.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		Log:  relay.StdOutLogger("T", relay.LevelInfo),
	})
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	hub := stream.NewHub(relay.StdOutLogger("THUB", relay.LevelInfo))
	exec := &tExecutor{txHash: tTxHash}
	events := &tEvents{active: true}
	srv := NewServer(&Config{
		Wallets: &tWallets{acct: &wallet.Account{
			Owner:    tUser,
			Address:  tWallet,
			Deployed: true,
			Balance:  big.NewInt(2e17),
		}},
		Executor: exec,
		Events:   events,
		Store:    s,
		Hub:      hub,
	})
	return &tServer{srv: srv, store: s, hub: hub, exec: exec, events: events}
}

func request(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("request encode: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	resp := make(map[string]any)
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("response decode (%q): %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func TestWalletRoute(t *testing.T) {
	ts := newTestServer(t)
	h := ts.srv.Handler()

	// Balance 0.2, value 0.1, buffer 0.05 => spendable.
	w, resp := request(t, h, "GET", "/wallet/"+tUser.Hex()+"?value=100000000000000000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	if resp["address"] != tWallet.Hex() {
		t.Fatalf("derived address %v", resp["address"])
	}
	if resp["spendable"] != true {
		t.Fatalf("0.2 balance not spendable for 0.1 value: %v", resp)
	}

	// Value 0.2 => shortfall of exactly the buffer.
	w, resp = request(t, h, "GET", "/wallet/"+tUser.Hex()+"?value=200000000000000000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if resp["spendable"] != false || resp["shortfall"] != wallet.DefaultGasBuffer.String() {
		t.Fatalf("wrong verdict: %v", resp)
	}

	w, _ = request(t, h, "GET", "/wallet/nonsense", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad address accepted with status %d", w.Code)
	}
}

func TestExecuteRoute(t *testing.T) {
	ts := newTestServer(t)
	h := ts.srv.Handler()

	body := map[string]any{
		"wallet": tWallet.Hex(),
		"calls": []map[string]string{
			{"target": tUser.Hex(), "value": "1000", "data": "0xdeadbeef"},
		},
	}
	w, resp := request(t, h, "POST", "/relay/execute", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	if resp["txHash"] != tTxHash.Hex() {
		t.Fatalf("txHash %v", resp["txHash"])
	}
	if len(ts.exec.calls) != 1 || ts.exec.calls[0].Value.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("executor got calls %+v", ts.exec.calls)
	}

	w, _ = request(t, h, "POST", "/relay/execute", map[string]any{"wallet": tWallet.Hex()})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty batch accepted with status %d", w.Code)
	}
}

func TestExecuteErrorTaxonomy(t *testing.T) {
	ts := newTestServer(t)
	h := ts.srv.Handler()
	body := map[string]any{
		"wallet": tWallet.Hex(),
		"calls":  []map[string]string{{"target": tUser.Hex(), "data": "0x01"}},
	}

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{{
		name:     "insufficient balance",
		err:      relay.NewError(executor.ErrInsufficientBalance, "0.05 short"),
		wantCode: http.StatusUnprocessableEntity,
		wantKind: "insufficientBalance",
	}, {
		name:     "simulation revert",
		err:      &executor.SimulationRevertError{Category: executor.RevertOwnership, Wallet: tWallet, Reason: "caller is not the owner"},
		wantCode: http.StatusUnprocessableEntity,
		wantKind: "simulationRevert",
	}, {
		name:     "fallback failed",
		err:      &executor.FallbackFailedError{RelayErr: errors.New("aa31"), DirectErr: errors.New("no funds")},
		wantCode: http.StatusBadGateway,
		wantKind: "fallbackFailed",
	}, {
		name:     "pending timeout",
		err:      &executor.PendingTimeoutError{OpHash: tTxHash},
		wantCode: http.StatusAccepted,
		wantKind: "pendingTimeout",
	}}

	for _, test := range tests {
		ts.exec.err = test.err
		w, resp := request(t, h, "POST", "/relay/execute", body)
		if w.Code != test.wantCode {
			t.Fatalf("%s: status %d, wanted %d", test.name, w.Code, test.wantCode)
		}
		if resp["kind"] != test.wantKind {
			t.Fatalf("%s: kind %v, wanted %s", test.name, resp["kind"], test.wantKind)
		}
		if test.wantKind == "pendingTimeout" && resp["opHash"] != tTxHash.Hex() {
			t.Fatalf("pending timeout payload missing tracking hash: %v", resp)
		}
	}
}

func TestActionRoutesMutateAndBroadcast(t *testing.T) {
	ts := newTestServer(t)
	h := ts.srv.Handler()

	var streamBuf bytes.Buffer
	ts.hub.Register(&streamBuf, nil, []string{ChannelRounds, ChannelQueue, ChannelNotes})

	w, resp := request(t, h, "POST", "/round/advance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("round advance status %d: %s", w.Code, w.Body)
	}
	if resp["number"] != float64(1) {
		t.Fatalf("first round number %v", resp["number"])
	}
	var round store.RoundState
	if err := ts.store.Get(store.KeyRound, &round); err != nil || round.Number != 1 {
		t.Fatalf("round not stored: %+v, %v", round, err)
	}
	if !strings.Contains(streamBuf.String(), "event: round_advanced") {
		t.Fatalf("round advance not broadcast: %q", streamBuf.String())
	}

	w, resp = request(t, h, "POST", "/queue/join", map[string]string{"wallet": tWallet.Hex()})
	if w.Code != http.StatusOK {
		t.Fatalf("queue join status %d: %s", w.Code, w.Body)
	}
	if resp["position"] != float64(1) {
		t.Fatalf("queue position %v", resp["position"])
	}
	if !strings.Contains(streamBuf.String(), "event: queue_joined") {
		t.Fatalf("queue join not broadcast")
	}

	w, _ = request(t, h, "POST", "/notes", map[string]string{"author": "a", "body": "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("notes status %d: %s", w.Code, w.Body)
	}
	var notes []store.Note
	if err := ts.store.List(store.KeyNotes, &notes); err != nil || len(notes) != 1 {
		t.Fatalf("notes not stored: %v, %v", notes, err)
	}
	if !strings.Contains(streamBuf.String(), "event: note_posted") {
		t.Fatalf("note not broadcast")
	}

	// Status reflects the round and registered clients.
	w, resp = request(t, h, "GET", "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status status %d", w.Code)
	}
	if resp["eventsActive"] != true || resp["round"] != float64(1) || resp["streamClients"] != float64(1) {
		t.Fatalf("status payload %v", resp)
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/events?channels=rounds")
	if err != nil {
		t.Fatalf("stream connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// Wait for the hub registration before broadcasting.
	deadline := time.After(2 * time.Second)
	for ts.hub.NumClients() == 0 {
		select {
		case <-deadline:
			t.Fatalf("stream client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !ts.events.started.Load() {
		t.Fatalf("first stream consumer did not start the event watchers")
	}

	ts.hub.Broadcast(ChannelRounds, "round_advanced", map[string]uint64{"number": 2})

	rdr := bufio.NewReader(resp.Body)
	line, err := rdr.ReadString('\n')
	if err != nil {
		t.Fatalf("stream read: %v", err)
	}
	if line != "event: round_advanced\n" {
		t.Fatalf("first frame line %q", line)
	}
	line, err = rdr.ReadString('\n')
	if err != nil {
		t.Fatalf("stream read: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("second frame line %q", line)
	}
}
