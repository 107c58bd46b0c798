// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opwallet/sponsord/relay"
)

// DefaultGasBuffer is the native-unit reserve required on top of the value
// transferred, 0.05 in 18-decimal units. The relay rejects operations from
// wallets that can't cover it.
var DefaultGasBuffer = new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))

// Verdict is the result of a balance precondition check. When Sufficient is
// false, Shortfall is the exact additional balance needed.
type Verdict struct {
	Sufficient bool
	Shortfall  *big.Int
}

// CheckBalance decides whether a balance snapshot covers the transferred
// value plus the gas buffer. It is a pure function and safe to call
// speculatively before building a transaction.
func CheckBalance(balance, value, gasBuffer *big.Int) Verdict {
	required := new(big.Int).Add(value, gasBuffer)
	if balance.Cmp(required) >= 0 {
		return Verdict{Sufficient: true, Shortfall: new(big.Int)}
	}
	return Verdict{
		Sufficient: false,
		Shortfall:  new(big.Int).Sub(required, balance),
	}
}

// GuardBalance snapshots the wallet's current balance and runs CheckBalance
// against it with the default gas buffer.
func (r *Resolver) GuardBalance(ctx context.Context, addr common.Address, value *big.Int) (Verdict, error) {
	bal, err := r.node.BalanceAt(ctx, addr, nil)
	if err != nil {
		return Verdict{}, relay.NewError(ErrChainRead, fmt.Sprintf("balance lookup for %s: %v", addr, err))
	}
	return CheckBalance(bal, value, DefaultGasBuffer), nil
}
