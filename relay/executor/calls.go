// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call is one element of a batched operation: a target contract, a native
// value, and the encoded call data.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// walletABI is the smart wallet's execution surface. execute runs a single
// call, executeBatch runs calls sequentially, executeDelegate delegatecalls a
// helper (used with the multi-send encoder for owner-signed batches), and
// getNonce reports the wallet's own sequence number.
const walletABIJSON = `[
	{"type":"function","name":"execute","inputs":[
		{"name":"target","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"nonce","type":"uint256"},
		{"name":"signature","type":"bytes"}]},
	{"type":"function","name":"executeBatch","inputs":[
		{"name":"targets","type":"address[]"},
		{"name":"values","type":"uint256[]"},
		{"name":"datas","type":"bytes[]"}]},
	{"type":"function","name":"executeDelegate","inputs":[
		{"name":"target","type":"address"},
		{"name":"data","type":"bytes"},
		{"name":"nonce","type":"uint256"},
		{"name":"signature","type":"bytes"}]},
	{"type":"function","name":"getNonce","inputs":[],
		"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

var walletABI abi.ABI

func init() {
	var err error
	walletABI, err = abi.JSON(strings.NewReader(walletABIJSON))
	if err != nil {
		panic(fmt.Sprintf("wallet ABI parse: %v", err))
	}
}

// approveSelector is the ERC-20 approve(address,uint256) method ID.
var approveSelector = [4]byte{0x09, 0x5e, 0xa7, 0xb3}

// callValue returns a call's value, treating nil as zero.
func callValue(c *Call) *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// TotalValue sums the native value transferred by the batch.
func TotalValue(calls []Call) *big.Int {
	sum := new(big.Int)
	for i := range calls {
		sum.Add(sum, callValue(&calls[i]))
	}
	return sum
}

// usesApproveThenSpend reports whether the batch contains an ERC-20 approve
// immediately followed by a call to the approved spender. Gas simulators
// evaluate each call against pre-batch state, so a simulated approve has not
// taken effect when the simulator evaluates the following spend, and the
// simulation reports failure even though real sequential execution succeeds.
func usesApproveThenSpend(calls []Call) bool {
	for i := 0; i+1 < len(calls); i++ {
		data := calls[i].Data
		if len(data) < 4+64 {
			continue
		}
		if data[0] != approveSelector[0] || data[1] != approveSelector[1] ||
			data[2] != approveSelector[2] || data[3] != approveSelector[3] {
			continue
		}
		// approve's first argument is the spender, right-aligned in the first
		// 32-byte word.
		spender := common.BytesToAddress(data[4+12 : 4+32])
		if calls[i+1].Target == spender {
			return true
		}
	}
	return false
}

// batchCallData encodes the batch for the wallet's sponsored execution entry.
// The entry point has already validated the operation signature, so
// executeBatch carries no signature of its own.
func batchCallData(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("no calls in batch")
	}
	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))
	for i := range calls {
		targets[i] = calls[i].Target
		values[i] = callValue(&calls[i])
		datas[i] = calls[i].Data
	}
	return walletABI.Pack("executeBatch", targets, values, datas)
}

// multiSendData packs the batch into the multi-send helper's wire format: for
// each call, a zero operation byte, the target, the value, the data length,
// and the data, all concatenated.
func multiSendData(calls []Call) []byte {
	var out []byte
	for i := range calls {
		c := &calls[i]
		out = append(out, 0) // CALL operation
		out = append(out, c.Target.Bytes()...)
		out = append(out, common.LeftPadBytes(callValue(c).Bytes(), 32)...)
		out = append(out, common.LeftPadBytes(big.NewInt(int64(len(c.Data))).Bytes(), 32)...)
		out = append(out, c.Data...)
	}
	return out
}
