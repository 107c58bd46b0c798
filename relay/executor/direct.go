// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// directFallbackGasLimit is used when gas estimation for the direct call
// fails. The wallet's execute path plus a handful of inner calls fits well
// under it.
const directFallbackGasLimit = 1_500_000

// ChainBackend is the subset of an ethclient-style node client needed for
// direct owner-signed execution and confirmation.
type ChainBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// walletNonce reads the wallet contract's own sequence number.
func (ex *Executor) walletNonce(ctx context.Context, wallet common.Address) (*big.Int, error) {
	data, err := walletABI.Pack("getNonce")
	if err != nil {
		return nil, err
	}
	out, err := ex.node.CallContract(ctx, ethereum.CallMsg{To: &wallet, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet nonce read: %w", err)
	}
	res, err := walletABI.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("wallet nonce decode: %w", err)
	}
	nonce, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("wallet nonce: unexpected type %T", res[0])
	}
	return nonce, nil
}

// executeDigest builds the digest the wallet contract verifies for
// owner-signed execution: the wallet address, its sequence number, the hash
// of the encoded calls, and the chain ID.
func executeDigest(wallet common.Address, nonce *big.Int, encodedCalls []byte, chainID *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		wallet.Bytes(),
		common.LeftPadBytes(nonce.Bytes(), 32),
		crypto.Keccak256(encodedCalls),
		common.LeftPadBytes(chainID.Bytes(), 32),
	)
}

// directCallData builds the calldata for the wallet's owner-signed entry
// point. A single call goes through execute. A batch is packed with the
// multi-send encoding and run through a single executeDelegate step.
func (ex *Executor) directCallData(wallet common.Address, calls []Call, nonce *big.Int) ([]byte, error) {
	if len(calls) == 1 {
		c := &calls[0]
		encoded := append(append(c.Target.Bytes(), common.LeftPadBytes(callValue(c).Bytes(), 32)...), c.Data...)
		digest := executeDigest(wallet, nonce, encoded, ex.chainID)
		sig, err := ex.signDigest(digest)
		if err != nil {
			return nil, err
		}
		return walletABI.Pack("execute", c.Target, callValue(c), c.Data, nonce, sig)
	}

	blob := multiSendData(calls)
	digest := executeDigest(wallet, nonce, blob, ex.chainID)
	sig, err := ex.signDigest(digest)
	if err != nil {
		return nil, err
	}
	return walletABI.Pack("executeDelegate", ex.multiSend, blob, nonce, sig)
}

// signDigest signs with the owner key, adjusting the recovery byte to the
// 27/28 convention contracts expect.
func (ex *Executor) signDigest(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), ex.ownerKey)
	if err != nil {
		return nil, fmt.Errorf("owner signing: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// directExecute pays gas from the owner's own balance rather than the
// relay's: it signs the wallet's execute digest with the owner key and sends
// an ordinary transaction to the wallet contract.
func (ex *Executor) directExecute(ctx context.Context, wallet common.Address, calls []Call, quote *gasFees) (common.Hash, error) {
	nonce, err := ex.walletNonce(ctx, wallet)
	if err != nil {
		return common.Hash{}, err
	}

	callData, err := ex.directCallData(wallet, calls, nonce)
	if err != nil {
		return common.Hash{}, err
	}

	owner := crypto.PubkeyToAddress(ex.ownerKey.PublicKey)
	msg := ethereum.CallMsg{From: owner, To: &wallet, Data: callData}
	gasLimit, err := ex.node.EstimateGas(ctx, msg)
	if err != nil {
		ex.log.Warnf("Direct execution gas estimate failed, using fallback limit: %v", err)
		gasLimit = directFallbackGasLimit
	} else {
		gasLimit = gasLimit * 12 / 10
	}

	eoaNonce, err := ex.node.PendingNonceAt(ctx, owner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("owner nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   ex.chainID,
		Nonce:     eoaNonce,
		GasTipCap: quote.tipCap,
		GasFeeCap: quote.feeCap,
		Gas:       gasLimit,
		To:        &wallet,
		Data:      callData,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(ex.chainID), ex.ownerKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transaction signing: %w", err)
	}

	if err := ex.node.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("direct send: %w", err)
	}

	txHash := signedTx.Hash()
	ex.log.Infof("Direct owner-signed execution sent for wallet %s: %s", wallet, txHash)

	if err := ex.confirmDirect(ctx, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// confirmDirect waits for the direct transaction to mine and checks its
// status.
func (ex *Executor) confirmDirect(ctx context.Context, txHash common.Hash) error {
	receipt, err := ex.waitForReceipt(ctx, func(ctx context.Context) (*types.Receipt, bool, error) {
		r, err := ex.node.TransactionReceipt(ctx, txHash)
		if err != nil || r == nil {
			return nil, false, nil // not mined yet
		}
		return r, true, nil
	})
	if err != nil {
		return &PendingTimeoutError{OpHash: txHash}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("direct transaction %s reverted", txHash)
	}
	return nil
}
