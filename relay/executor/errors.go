// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package executor

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opwallet/sponsord/relay"
)

const (
	// ErrInsufficientBalance is a local precondition failure. It is reported
	// immediately and never retried automatically.
	ErrInsufficientBalance = relay.ErrorKind("insufficient balance")

	// ErrSponsorshipExhausted indicates the relay refused the operation
	// because its sponsorship budget is spent. It triggers the direct
	// execution fallback and is only surfaced if the fallback fails too.
	ErrSponsorshipExhausted = relay.ErrorKind("relay sponsorship exhausted")

	// ErrInternalExecutionFailed means the transaction mined but the
	// operation's internal success flag was false: none of the intended state
	// changes happened. Always fatal. Retrying an already-executed batch
	// risks double effects.
	ErrInternalExecutionFailed = relay.ErrorKind("operation executed with internal failure")
)

// RevertCategory classifies a simulation revert for user-facing reporting.
type RevertCategory string

const (
	RevertBalance   RevertCategory = "balance"
	RevertOwnership RevertCategory = "ownership"
	RevertGeneric   RevertCategory = "generic"
)

// SimulationRevertError is returned when gas estimation reverted at both the
// initial and maximum limit profiles.
type SimulationRevertError struct {
	Category RevertCategory
	Wallet   common.Address
	Reason   string
}

func (e *SimulationRevertError) Error() string {
	return fmt.Sprintf("simulation reverted (%s) for wallet %s: %s", e.Category, e.Wallet, e.Reason)
}

// PendingTimeoutError is returned when the confirmation wait budget is spent
// without a receipt. It is not a fatal failure. OpHash is the operation's
// tracking hash, usable for an out-of-band receipt check later.
type PendingTimeoutError struct {
	OpHash common.Hash
}

func (e *PendingTimeoutError) Error() string {
	return fmt.Sprintf("operation %s still unresolved after confirmation timeout", e.OpHash)
}

// FallbackFailedError reports a sponsorship-exhausted submission whose direct
// owner-signed fallback also failed. Both causes are carried.
type FallbackFailedError struct {
	RelayErr  error
	DirectErr error
}

func (e *FallbackFailedError) Error() string {
	return fmt.Sprintf("sponsored submission failed (%v) and direct execution failed (%v)", e.RelayErr, e.DirectErr)
}

func (e *FallbackFailedError) Unwrap() error {
	return ErrSponsorshipExhausted
}
