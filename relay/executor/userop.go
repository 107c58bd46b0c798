// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// userOp is a batched account-abstraction operation in the relay's wire
// format. Each numeric field is a hex string starting with "0x".
type userOp struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

func hexBig(v *big.Int) string {
	return "0x" + v.Text(16)
}

func hexUint(v uint64) string {
	return hexBig(new(big.Int).SetUint64(v))
}

func parseHexUint(s string) (uint64, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok || !v.IsUint64() {
		return 0, fmt.Errorf("malformed hex quantity %q", s)
	}
	return v.Uint64(), nil
}

// hash computes the operation hash the entry point uses to identify the
// operation, bound to the entry point address and chain ID.
func (op *userOp) hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	parseBigInt := func(hexStr string) *big.Int {
		result := new(big.Int)
		result.SetBytes(common.FromHex(hexStr))
		return result
	}

	address, _ := abi.NewType("address", "", nil)
	uint256, _ := abi.NewType("uint256", "", nil)
	bytes32, _ := abi.NewType("bytes32", "", nil)

	args := abi.Arguments{
		{Name: "sender", Type: address},
		{Name: "nonce", Type: uint256},
		{Name: "hashInitCode", Type: bytes32},
		{Name: "hashCallData", Type: bytes32},
		{Name: "callGasLimit", Type: uint256},
		{Name: "verificationGasLimit", Type: uint256},
		{Name: "preVerificationGas", Type: uint256},
		{Name: "maxFeePerGas", Type: uint256},
		{Name: "maxPriorityFeePerGas", Type: uint256},
		{Name: "hashPaymasterAndData", Type: bytes32},
	}

	packed, err := args.Pack(
		common.HexToAddress(op.Sender),
		parseBigInt(op.Nonce),
		crypto.Keccak256Hash(common.FromHex(op.InitCode)),
		crypto.Keccak256Hash(common.FromHex(op.CallData)),
		parseBigInt(op.CallGasLimit),
		parseBigInt(op.VerificationGasLimit),
		parseBigInt(op.PreVerificationGas),
		parseBigInt(op.MaxFeePerGas),
		parseBigInt(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(common.FromHex(op.PaymasterAndData)),
	)
	if err != nil {
		return common.Hash{}, err
	}

	return crypto.Keccak256Hash(
		crypto.Keccak256(packed),
		common.LeftPadBytes(entryPoint.Bytes(), 32),
		common.LeftPadBytes(chainID.Bytes(), 32),
	), nil
}
