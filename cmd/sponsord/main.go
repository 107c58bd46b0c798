// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/opwallet/sponsord/relay"
	"github.com/opwallet/sponsord/relay/events"
	"github.com/opwallet/sponsord/relay/executor"
	"github.com/opwallet/sponsord/relay/oracle"
	"github.com/opwallet/sponsord/relay/wait"
	"github.com/opwallet/sponsord/relay/wallet"
	"github.com/opwallet/sponsord/server/api"
	"github.com/opwallet/sponsord/server/store"
	"github.com/opwallet/sponsord/server/stream"
)

var log relay.Logger

func main() {
	// Wrap the actual main so defers run in it.
	if err := mainCore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func mainCore() error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel() // don't leak on the earliest returns

	cfg, err := configure()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logMaker, closeLogger, err := initLogging(cfg.LogPath, cfg.DebugLevel, cfg.Stdout)
	if err != nil {
		return err
	}
	defer closeLogger()
	log = logMaker.NewLogger("MAIN")
	log.Infof("sponsord starting (Go version %s)", runtime.Version())

	wait.UseLogger(logMaker.NewLogger("WAIT"))
	events.UseLogger(logMaker.NewLogger("EVTS"))
	api.UseLogger(logMaker.NewLogger("API"))

	// Catch interrupt signals.
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-killChan
		log.Infof("Received signal %s, shutting down...", sig)
		cancel()
	}()

	// Owner signing key.
	keyHex, err := os.ReadFile(cfg.OwnerKeyPath)
	if err != nil {
		return fmt.Errorf("reading owner key: %w", err)
	}
	ownerKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(keyHex)), "0x"))
	if err != nil {
		return fmt.Errorf("parsing owner key: %w", err)
	}
	ownerAddr := crypto.PubkeyToAddress(ownerKey.PublicKey)
	log.Infof("Owner signer is %s", ownerAddr)

	// Upstream connections.
	relayClient, err := rpc.DialContext(appCtx, cfg.RelayURL)
	if err != nil {
		return fmt.Errorf("connecting to relay at %s: %w", cfg.RelayURL, err)
	}
	defer relayClient.Close()
	node, err := ethclient.DialContext(appCtx, cfg.NodeURL)
	if err != nil {
		return fmt.Errorf("connecting to node at %s: %w", cfg.NodeURL, err)
	}
	defer node.Close()

	// Core relay components.
	resolver := wallet.NewResolver(cfg.FactoryAddr, cfg.ImplAddr, ownerAddr, node)
	gasOracle := oracle.NewOracle(relayClient, func(ctx context.Context) (*big.Int, error) {
		header, err := node.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, err
		}
		return header.BaseFee, nil
	}, logMaker.NewLogger("GAS"))
	exec := executor.New(&executor.Config{
		RelayClient: relayClient,
		Node:        node,
		Quoter:      gasOracle,
		OwnerKey:    ownerKey,
		EntryPoint:  cfg.EntryPointAddr,
		MultiSend:   cfg.MultiSendAddr,
		ChainID:     big.NewInt(cfg.ChainID),
		Logger:      logMaker.NewLogger("EXEC"),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exec.Run(appCtx)
	}()

	// State store.
	db, err := store.New(&store.Config{
		Path: cfg.DBPath,
		Log:  logMaker.NewLogger("DB"),
	})
	if err != nil {
		return fmt.Errorf("opening state store at %s: %w", cfg.DBPath, err)
	}
	dbWG, err := db.Connect(appCtx)
	if err != nil {
		return fmt.Errorf("starting state store: %w", err)
	}

	hub := stream.NewHub(logMaker.NewLogger("HUB"))

	// Chain event watchers. Every handler treats the log as a trigger and
	// re-reads the store, which may already carry fresher writes from the
	// HTTP-action path.
	userOpEvent := crypto.Keccak256Hash([]byte(
		"UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)"))
	accountCreated := crypto.Keccak256Hash([]byte("AccountCreated(address,address,uint256)"))
	eventMgr := events.NewManager(&events.Config{
		URL: cfg.NodeWS,
		Subscriptions: []*events.Subscription{{
			Contract: cfg.EntryPointAddr,
			EventSig: userOpEvent,
			Handler: func(lg *types.Log) {
				var round store.RoundState
				if err := db.Get(store.KeyRound, &round); err != nil {
					log.Debugf("No round state to push after operation event: %v", err)
					return
				}
				hub.Broadcast(api.ChannelRounds, "round_state", &round)
			},
		}, {
			Contract: cfg.FactoryAddr,
			EventSig: accountCreated,
			Handler: func(lg *types.Log) {
				var queue []store.QueueEntry
				if err := db.List(store.KeyQueue, &queue); err != nil {
					log.Errorf("Queue read failed after account creation event: %v", err)
					return
				}
				hub.Broadcast(api.ChannelQueue, "queue_state", map[string]int{"length": len(queue)})
			},
		}},
	})

	srv := api.NewServer(&api.Config{
		Addr:     cfg.Addr,
		Wallets:  resolver,
		Executor: exec,
		Events:   eventMgr,
		Store:    db,
		Hub:      hub,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(appCtx); err != nil {
			log.Errorf("HTTP server error: %v", err)
			cancel()
		}
	}()

	wg.Wait()
	eventMgr.Wait()
	dbWG.Wait()
	log.Infof("sponsord shut down")
	return nil
}
