// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// opReceiptResult is the relay's view of a submitted operation. A nil Receipt
// means the operation has not yet been included in a block. Success is the
// operation's internal success flag, distinct from the transaction's own
// status.
type opReceiptResult struct {
	Success bool           `json:"success"`
	Nonce   string         `json:"nonce"`
	Receipt *types.Receipt `json:"receipt"`
}

// gasEstimateResult holds gas estimation results for an operation. Each field
// is a hex string starting with "0x".
type gasEstimateResult struct {
	PreVerificationGas   string `json:"preVerificationGas"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	CallGasLimit         string `json:"callGasLimit"`
}

// relayService is the interface to the sponsoring relay. The production
// implementation speaks JSON-RPC; tests use a stub.
type relayService interface {
	sendUserOp(ctx context.Context, op *userOp) (common.Hash, error)
	estimateGas(ctx context.Context, op *userOp) (*gasEstimateResult, error)
	getUserOpReceipt(ctx context.Context, opHash common.Hash) (*opReceiptResult, error)
}

// rpcCaller is the subset of an rpc.Client the relay client needs.
type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// rpcRelay implements relayService over the relay's JSON-RPC endpoint.
type rpcRelay struct {
	client     rpcCaller
	entryPoint common.Address
}

var _ relayService = (*rpcRelay)(nil)

func newRPCRelay(client rpcCaller, entryPoint common.Address) *rpcRelay {
	return &rpcRelay{client: client, entryPoint: entryPoint}
}

// sendUserOp submits the operation via eth_sendUserOperation, returning the
// operation's tracking hash.
func (r *rpcRelay) sendUserOp(ctx context.Context, op *userOp) (common.Hash, error) {
	var res string
	err := r.client.CallContext(ctx, &res, "eth_sendUserOperation", *op, r.entryPoint)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(res), nil
}

// estimateGas simulates the operation via eth_estimateUserOperationGas.
func (r *rpcRelay) estimateGas(ctx context.Context, op *userOp) (*gasEstimateResult, error) {
	var res gasEstimateResult
	err := r.client.CallContext(ctx, &res, "eth_estimateUserOperationGas", *op, r.entryPoint)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// getUserOpReceipt fetches the operation receipt, if any.
func (r *rpcRelay) getUserOpReceipt(ctx context.Context, opHash common.Hash) (*opReceiptResult, error) {
	var res opReceiptResult
	err := r.client.CallContext(ctx, &res, "eth_getUserOperationReceipt", opHash)
	if err != nil {
		return nil, err
	}
	if res.Receipt == nil {
		return &opReceiptResult{}, nil
	}
	return &res, nil
}

// isSponsorshipExhausted recognizes the relay's refusal codes for a spent
// sponsorship budget. AA31 is the entry point's "paymaster deposit too low"
// validation code.
func isSponsorshipExhausted(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "aa31") ||
		strings.Contains(s, "paymaster deposit") ||
		strings.Contains(s, "sponsorship") ||
		strings.Contains(s, "paymaster balance")
}

// categorizeRevert translates a simulation revert into a user-facing
// category.
func categorizeRevert(err error) (RevertCategory, string) {
	if err == nil {
		return RevertGeneric, ""
	}
	reason := err.Error()
	s := strings.ToLower(reason)
	switch {
	case strings.Contains(s, "insufficient funds") ||
		strings.Contains(s, "insufficient balance") ||
		strings.Contains(s, "transfer amount exceeds balance") ||
		strings.Contains(s, "aa21"):
		return RevertBalance, reason
	case strings.Contains(s, "not owner") ||
		strings.Contains(s, "caller is not the owner") ||
		strings.Contains(s, "unauthorized") ||
		strings.Contains(s, "aa24"):
		return RevertOwnership, reason
	}
	return RevertGeneric, reason
}

// formatRelayError gives submission errors a stable prefix for logs.
func formatRelayError(op string, err error) error {
	return fmt.Errorf("relay %s: %w", op, err)
}
