// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/opwallet/sponsord/relay"
	"github.com/opwallet/sponsord/relay/oracle"
	"github.com/opwallet/sponsord/relay/wait"
)

const (
	// defaultConfirmTimeout bounds the receipt wait. Past it, the operation
	// is not cancelled on-chain; the caller gets a tracking hash to check
	// later.
	defaultConfirmTimeout = 5 * time.Minute

	// Receipt polling starts at confirmPollFastest and tapers to
	// confirmPollSlowest.
	confirmPollFastest = 2 * time.Second
	confirmPollSlowest = 15 * time.Second
)

// userOpEventTopic is the entry point's UserOperationEvent signature hash.
// The event's data carries the operation's internal success flag.
var userOpEventTopic = common.HexToHash("0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f")

// Empirical gas profiles. The fixed profile covers approve-then-spend batches
// that cannot be simulated. The initial and maximum profiles seed simulation
// attempts.
var (
	fixedGasProfile  = gasLimits{call: 400_000, verification: 1_000_000, preVerification: 60_000}
	initialGasLimits = gasLimits{call: 500_000, verification: 1_500_000, preVerification: 60_000}
	maximumGasLimits = gasLimits{call: 3_000_000, verification: 3_000_000, preVerification: 200_000}
	fixedProfileCeil = uint64(150) // percent buffer on the fixed profile
	estimateCeil     = uint64(120) // percent buffer on simulated estimates
)

// opStatus is a PendingOperation's lifecycle state.
type opStatus uint8

const (
	opBuilt opStatus = iota
	opGasEstimated
	opSubmitted
	opConfirmed
	opFailed
	opTimedOut
)

func (s opStatus) String() string {
	switch s {
	case opBuilt:
		return "built"
	case opGasEstimated:
		return "gas estimated"
	case opSubmitted:
		return "submitted"
	case opConfirmed:
		return "confirmed"
	case opFailed:
		return "failed"
	case opTimedOut:
		return "timed out"
	}
	return "unknown"
}

// estimateStage tags the outcome of the gas estimation state machine.
type estimateStage uint8

const (
	estimateInitial estimateStage = iota
	estimateRetriedWithMaxLimits
	estimateFailed
)

type gasLimits struct {
	call            uint64
	verification    uint64
	preVerification uint64
}

func (g gasLimits) buffered(pct uint64) gasLimits {
	return gasLimits{
		call:            g.call * pct / 100,
		verification:    g.verification * pct / 100,
		preVerification: g.preVerification * pct / 100,
	}
}

// gasFees is a fee pair applied to a submission attempt.
type gasFees struct {
	feeCap *big.Int
	tipCap *big.Int
}

// Quoter supplies per-attempt fee recommendations.
type Quoter interface {
	Quote(ctx context.Context) *oracle.GasQuote
}

// pendingOp is the in-flight state of one Execute invocation. It is owned
// exclusively by that invocation and never shared across requests.
type pendingOp struct {
	wallet         common.Address
	calls          []Call
	approvePattern bool
	limits         gasLimits
	status         opStatus
	opHash         common.Hash
}

// Config is the Executor configuration.
type Config struct {
	// RelayClient is a JSON-RPC client for the sponsoring relay.
	RelayClient rpcCaller
	// Node is the chain backend for the direct execution fallback.
	Node ChainBackend
	// Quoter supplies fee recommendations, normally an oracle.Oracle.
	Quoter Quoter
	// OwnerKey signs operations and direct fallback transactions.
	OwnerKey *ecdsa.PrivateKey
	// EntryPoint is the account-abstraction entry point contract.
	EntryPoint common.Address
	// MultiSend is the delegatecall helper for owner-signed batches.
	MultiSend common.Address
	ChainID   *big.Int
	// ConfirmTimeout overrides the 5 minute default receipt wait.
	ConfirmTimeout time.Duration
	Logger         relay.Logger
}

// Executor submits sponsored batched operations and confirms their effect.
// Each Execute call is strictly sequential internally. Executions for
// different wallets are fully independent.
type Executor struct {
	relaySvc       relayService
	node           ChainBackend
	quoter         Quoter
	ownerKey       *ecdsa.PrivateKey
	entryPoint     common.Address
	multiSend      common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	waitQ          *wait.TickerQueue
	log            relay.Logger
}

// New creates an Executor. Run must be called before Execute.
func New(cfg *Config) *Executor {
	timeout := cfg.ConfirmTimeout
	if timeout == 0 {
		timeout = defaultConfirmTimeout
	}
	return &Executor{
		relaySvc:       newRPCRelay(cfg.RelayClient, cfg.EntryPoint),
		node:           cfg.Node,
		quoter:         cfg.Quoter,
		ownerKey:       cfg.OwnerKey,
		entryPoint:     cfg.EntryPoint,
		multiSend:      cfg.MultiSend,
		chainID:        cfg.ChainID,
		confirmTimeout: timeout,
		waitQ:          wait.NewTickerQueue(confirmPollFastest, confirmPollSlowest),
		log:            cfg.Logger,
	}
}

// Run runs the confirmation poll queue until the context is canceled.
func (ex *Executor) Run(ctx context.Context) {
	ex.waitQ.Run(ctx)
}

// setStatus advances the operation through its lifecycle, tracing each
// transition.
func (ex *Executor) setStatus(op *pendingOp, status opStatus) {
	op.status = status
	ex.log.Tracef("Operation for wallet %s now %s", op.wallet, status)
}

// Execute submits the batch on behalf of the wallet. On return, either the
// batch was applied on-chain with its internal success flag set, or the error
// describes precisely why it was not. The returned hash is the operation's
// tracking hash (or the fallback transaction hash).
func (ex *Executor) Execute(ctx context.Context, walletAddr common.Address, calls []Call) (common.Hash, error) {
	op := &pendingOp{
		wallet:         walletAddr,
		calls:          calls,
		approvePattern: usesApproveThenSpend(calls),
		status:         opBuilt,
	}

	callData, err := batchCallData(calls)
	if err != nil {
		ex.setStatus(op, opFailed)
		return common.Hash{}, err
	}

	nonce, err := ex.walletNonce(ctx, walletAddr)
	if err != nil {
		ex.setStatus(op, opFailed)
		return common.Hash{}, err
	}

	quote := ex.quoter.Quote(ctx)
	fees := &gasFees{feeCap: quote.MaxFeePerGas, tipCap: quote.MaxPriorityFeePerGas}
	uop := ex.buildUserOp(walletAddr, nonce, callData, fees)

	// Gas limit determination.
	if op.approvePattern {
		// Simulators evaluate the spend against pre-approve state, so
		// simulation would report a false failure. Use the fixed empirical
		// profile instead.
		ex.log.Debugf("Approve-then-spend pattern in batch for %s, skipping simulation", walletAddr)
		op.limits = fixedGasProfile.buffered(fixedProfileCeil)
	} else {
		limits, stage, estErr := ex.estimateGasLimits(ctx, uop)
		if estErr != nil {
			ex.setStatus(op, opFailed)
			if stage != estimateFailed {
				// The relay answered but the estimate was unusable.
				return common.Hash{}, fmt.Errorf("gas estimate: %w", estErr)
			}
			category, reason := categorizeRevert(estErr)
			if category == RevertBalance {
				return common.Hash{}, relay.NewError(ErrInsufficientBalance, reason)
			}
			return common.Hash{}, &SimulationRevertError{Category: category, Wallet: walletAddr, Reason: reason}
		}
		if stage == estimateRetriedWithMaxLimits {
			ex.log.Debugf("Gas estimate for %s required maximum limit retry", walletAddr)
		}
		op.limits = limits.buffered(estimateCeil)
	}
	ex.setStatus(op, opGasEstimated)
	applyLimits(uop, op.limits)

	// Sign and submit.
	if err := ex.signUserOp(uop); err != nil {
		ex.setStatus(op, opFailed)
		return common.Hash{}, err
	}

	opHash, err := ex.relaySvc.sendUserOp(ctx, uop)
	if err != nil {
		if isSponsorshipExhausted(err) {
			ex.log.Warnf("Relay sponsorship exhausted, falling back to direct execution: %v", err)
			txHash, directErr := ex.directExecute(ctx, walletAddr, calls, fees)
			if directErr != nil {
				var pending *PendingTimeoutError
				if errors.As(directErr, &pending) {
					ex.setStatus(op, opTimedOut)
					return txHash, directErr
				}
				ex.setStatus(op, opFailed)
				return common.Hash{}, &FallbackFailedError{RelayErr: err, DirectErr: directErr}
			}
			ex.setStatus(op, opConfirmed)
			return txHash, nil
		}
		ex.setStatus(op, opFailed)
		return common.Hash{}, formatRelayError("submission", err)
	}
	ex.setStatus(op, opSubmitted)
	op.opHash = opHash
	ex.log.Infof("Sponsored operation %s submitted for wallet %s (%d calls)", opHash, walletAddr, len(calls))

	// Confirmation.
	result, err := ex.confirmUserOp(ctx, opHash)
	if err != nil {
		ex.setStatus(op, opTimedOut)
		return opHash, err
	}

	// Silent-failure detection. A receipt with on-chain success does not
	// guarantee the batch's intended effect occurred.
	if !operationSucceeded(result, ex.entryPoint, opHash) {
		ex.setStatus(op, opFailed)
		return opHash, relay.NewError(ErrInternalExecutionFailed,
			fmt.Sprintf("operation %s for wallet %s", opHash, walletAddr))
	}

	ex.setStatus(op, opConfirmed)
	ex.log.Infof("Operation %s confirmed for wallet %s", opHash, walletAddr)
	return opHash, nil
}

// buildUserOp assembles the wire-format operation without gas limits or
// signature.
func (ex *Executor) buildUserOp(wallet common.Address, nonce *big.Int, callData []byte, fees *gasFees) *userOp {
	return &userOp{
		Sender:               wallet.Hex(),
		Nonce:                hexBig(nonce),
		InitCode:             "0x",
		CallData:             "0x" + common.Bytes2Hex(callData),
		MaxFeePerGas:         hexBig(fees.feeCap),
		MaxPriorityFeePerGas: hexBig(fees.tipCap),
		PaymasterAndData:     "0x",
		Signature:            "0x",
	}
}

func applyLimits(uop *userOp, limits gasLimits) {
	uop.CallGasLimit = hexUint(limits.call)
	uop.VerificationGasLimit = hexUint(limits.verification)
	uop.PreVerificationGas = hexUint(limits.preVerification)
}

// estimateGasLimits runs the simulation state machine: an attempt at the
// initial limit profile, one retry at the maximum profile, then failure. An
// error at any stage other than estimateFailed means the relay answered but
// the estimate itself was unusable.
func (ex *Executor) estimateGasLimits(ctx context.Context, uop *userOp) (gasLimits, estimateStage, error) {
	applyLimits(uop, initialGasLimits)
	res, err := ex.relaySvc.estimateGas(ctx, uop)
	if err == nil {
		limits, err := limitsFromEstimate(res)
		return limits, estimateInitial, err
	}
	firstErr := err

	applyLimits(uop, maximumGasLimits)
	res, err = ex.relaySvc.estimateGas(ctx, uop)
	if err == nil {
		limits, err := limitsFromEstimate(res)
		return limits, estimateRetriedWithMaxLimits, err
	}
	ex.log.Debugf("Gas estimation failed at both profiles: initial %v, maximum %v", firstErr, err)
	return gasLimits{}, estimateFailed, err
}

// limitsFromEstimate decodes the relay's estimate. A malformed or zero field
// is an error rather than a zero limit, which would doom the submission.
func limitsFromEstimate(res *gasEstimateResult) (gasLimits, error) {
	call, err := parseHexUint(res.CallGasLimit)
	if err != nil {
		return gasLimits{}, fmt.Errorf("callGasLimit: %w", err)
	}
	verification, err := parseHexUint(res.VerificationGasLimit)
	if err != nil {
		return gasLimits{}, fmt.Errorf("verificationGasLimit: %w", err)
	}
	preVerification, err := parseHexUint(res.PreVerificationGas)
	if err != nil {
		return gasLimits{}, fmt.Errorf("preVerificationGas: %w", err)
	}
	if call == 0 || verification == 0 {
		return gasLimits{}, fmt.Errorf("zero gas limit in estimate (%d/%d/%d)",
			call, verification, preVerification)
	}
	return gasLimits{
		call:            call,
		verification:    verification,
		preVerification: preVerification,
	}, nil
}

// signUserOp signs the operation hash with the owner key using the signed-
// message convention the wallet's validation expects.
func (ex *Executor) signUserOp(uop *userOp) error {
	opHash, err := uop.hash(ex.entryPoint, ex.chainID)
	if err != nil {
		return fmt.Errorf("operation hash: %w", err)
	}
	sig, err := crypto.Sign(accounts.TextHash(opHash.Bytes()), ex.ownerKey)
	if err != nil {
		return fmt.Errorf("operation signing: %w", err)
	}
	sig[64] += 27
	uop.Signature = "0x" + common.Bytes2Hex(sig)
	return nil
}

// confirmUserOp polls the relay for the operation receipt within the
// confirmation budget. On expiration it makes one final out-of-band check
// before returning PendingTimeoutError.
func (ex *Executor) confirmUserOp(ctx context.Context, opHash common.Hash) (*opReceiptResult, error) {
	type receiptOrErr struct {
		res *opReceiptResult
		err error
	}
	resultC := make(chan *receiptOrErr, 1)

	ex.waitQ.Wait(&wait.Waiter{
		Expiration: time.Now().Add(ex.confirmTimeout),
		TryFunc: func() wait.TryDirective {
			res, err := ex.relaySvc.getUserOpReceipt(ctx, opHash)
			if err != nil {
				ex.log.Debugf("Receipt poll error for %s: %v", opHash, err)
				return wait.TryAgain
			}
			if res.Receipt == nil {
				return wait.TryAgain
			}
			resultC <- &receiptOrErr{res: res}
			return wait.DontTryAgain
		},
		ExpireFunc: func() {
			// One manual out-of-band check before giving up.
			res, err := ex.relaySvc.getUserOpReceipt(ctx, opHash)
			if err == nil && res.Receipt != nil {
				resultC <- &receiptOrErr{res: res}
				return
			}
			resultC <- &receiptOrErr{err: &PendingTimeoutError{OpHash: opHash}}
		},
	})

	select {
	case r := <-resultC:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitForReceipt runs a generic receipt poll through the shared queue.
func (ex *Executor) waitForReceipt(ctx context.Context, try func(ctx context.Context) (*types.Receipt, bool, error)) (*types.Receipt, error) {
	type receiptOrErr struct {
		receipt *types.Receipt
		err     error
	}
	resultC := make(chan *receiptOrErr, 1)

	ex.waitQ.Wait(&wait.Waiter{
		Expiration: time.Now().Add(ex.confirmTimeout),
		TryFunc: func() wait.TryDirective {
			r, done, err := try(ctx)
			if err != nil {
				resultC <- &receiptOrErr{err: err}
				return wait.DontTryAgain
			}
			if !done {
				return wait.TryAgain
			}
			resultC <- &receiptOrErr{receipt: r}
			return wait.DontTryAgain
		},
		ExpireFunc: func() {
			resultC <- &receiptOrErr{err: fmt.Errorf("receipt wait expired")}
		},
	})

	select {
	case r := <-resultC:
		return r.receipt, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// operationSucceeded checks the operation's internal success flag. The
// emitted operation-result event is authoritative; the relay's summary field
// is used when the event is absent from the receipt.
func operationSucceeded(res *opReceiptResult, entryPoint common.Address, opHash common.Hash) bool {
	for _, lg := range res.Receipt.Logs {
		if lg.Address != entryPoint || len(lg.Topics) < 2 {
			continue
		}
		if lg.Topics[0] != userOpEventTopic || lg.Topics[1] != opHash {
			continue
		}
		// Data layout: nonce, success, actualGasCost, actualGasUsed, each a
		// 32-byte word. The success flag is the last byte of the second word.
		if len(lg.Data) >= 64 {
			return lg.Data[63] == 1
		}
	}
	return res.Success
}
