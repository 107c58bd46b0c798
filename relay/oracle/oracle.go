// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/opwallet/sponsord/relay"
)

// getGasPriceMethod is the relay's fee recommendation endpoint. The response
// carries fast/standard/slow tiers. Only the fast tier is used.
const getGasPriceMethod = "relay_getUserOperationGasPrice"

// Static floor used when both the relay and the chain base fee are
// unreachable. 2 gwei max fee, 0.1 gwei tip.
var (
	floorMaxFee = big.NewInt(2_000_000_000)
	floorTipCap = big.NewInt(100_000_000)
)

// RPCCaller is the subset of an rpc.Client used to query the relay service.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// BaseFeeFunc reports the chain's current base fee.
type BaseFeeFunc func(ctx context.Context) (*big.Int, error)

// GasQuote is a short-lived fee recommendation, fetched per submission
// attempt and never persisted.
type GasQuote struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	FetchedAt            time.Time
}

// Oracle fetches recommended fee parameters from the relay service, falling
// back to a buffered estimate from the chain's base fee when the relay is
// unreachable.
type Oracle struct {
	relayClient RPCCaller
	baseFee     BaseFeeFunc
	log         relay.Logger
}

// NewOracle constructs an Oracle on the relay RPC client and a chain base fee
// source.
func NewOracle(relayClient RPCCaller, baseFee BaseFeeFunc, log relay.Logger) *Oracle {
	return &Oracle{
		relayClient: relayClient,
		baseFee:     baseFee,
		log:         log,
	}
}

// feeTier is one tier of the relay's gas price response. Fee fields are hex
// strings starting with "0x".
type feeTier struct {
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

type gasPriceResult struct {
	Fast     feeTier `json:"fast"`
	Standard feeTier `json:"standard"`
	Slow     feeTier `json:"slow"`
}

func parseHexBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("malformed fee value %q", s)
	}
	return v, nil
}

// Quote returns a usable fee recommendation. It never returns an error. The
// relay's fast tier is preferred. On any relay failure the quote is derived
// from the chain base fee with a 1.5x buffer on the max fee and baseFee/10 as
// the tip, because the relay enforces a minimum acceptable fee and a naive
// chain-reported fee is frequently rejected.
func (o *Oracle) Quote(ctx context.Context) *GasQuote {
	var res gasPriceResult
	err := o.relayClient.CallContext(ctx, &res, getGasPriceMethod)
	if err == nil {
		maxFee, feeErr := parseHexBig(res.Fast.MaxFeePerGas)
		tip, tipErr := parseHexBig(res.Fast.MaxPriorityFeePerGas)
		if feeErr == nil && tipErr == nil {
			return &GasQuote{
				MaxFeePerGas:         maxFee,
				MaxPriorityFeePerGas: tip,
				FetchedAt:            time.Now(),
			}
		}
		err = fmt.Errorf("parsing fast tier: %v / %v", feeErr, tipErr)
	}

	o.log.Warnf("Relay gas price unavailable, using chain base fee fallback: %v", err)
	return o.fallbackQuote(ctx)
}

// fallbackQuote buffers the chain's base fee. The max fee is baseFee*1.5 and
// the tip is baseFee/10.
func (o *Oracle) fallbackQuote(ctx context.Context) *GasQuote {
	baseFee, err := o.baseFee(ctx)
	if err != nil || baseFee == nil || baseFee.Sign() <= 0 {
		o.log.Errorf("Chain base fee unavailable, quoting static floor: %v", err)
		return &GasQuote{
			MaxFeePerGas:         new(big.Int).Set(floorMaxFee),
			MaxPriorityFeePerGas: new(big.Int).Set(floorTipCap),
			FetchedAt:            time.Now(),
		}
	}

	maxFee := new(big.Int).Mul(baseFee, big.NewInt(3))
	maxFee.Div(maxFee, big.NewInt(2))
	return &GasQuote{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: new(big.Int).Div(baseFee, big.NewInt(10)),
		FetchedAt:            time.Now(),
	}
}
