// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/opwallet/sponsord/relay"
)

// ErrChainRead is returned when an upstream RPC read fails. Use errors.Is to
// test for it.
const ErrChainRead = relay.ErrorKind("chain read error")

// saltDomain is the fixed domain separator hashed with the user address to
// produce the account salt. Changing it changes every derived address.
const saltDomain = "sponsord.wallet.v1"

// ChainReader is the subset of an ethclient-style node client needed to
// resolve an account's deployment status and balance.
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Account describes a user's smart-contract wallet. Accounts are looked up
// fresh per call. The balance changes between calls, so an Account should
// never outlive the request that fetched it.
type Account struct {
	Owner    common.Address
	Address  common.Address
	Deployed bool
	Balance  *big.Int
}

// Resolver derives counterfactual smart-wallet addresses and reads their
// current on-chain state. The derived address is a pure function of the user
// address, the factory, the implementation and the owner signer, so it is
// computable before the wallet is deployed.
type Resolver struct {
	factory        common.Address
	implementation common.Address
	owner          common.Address
	node           ChainReader
}

// NewResolver creates a Resolver for the fixed factory, wallet implementation
// and owner signer addresses.
func NewResolver(factory, implementation, owner common.Address, node ChainReader) *Resolver {
	return &Resolver{
		factory:        factory,
		implementation: implementation,
		owner:          owner,
		node:           node,
	}
}

// accountSalt hashes the domain separator with the normalized user address.
func accountSalt(user common.Address) common.Hash {
	return crypto.Keccak256Hash([]byte(saltDomain), user.Bytes())
}

// initCodeHash is the hash of the proxy deployment code the factory would run
// for this owner: the implementation address and the initializer call packed
// as constructor arguments.
func (r *Resolver) initCodeHash(user common.Address) common.Hash {
	address, _ := abi.NewType("address", "", nil)
	bytes32, _ := abi.NewType("bytes32", "", nil)
	args := abi.Arguments{
		{Name: "implementation", Type: address},
		{Name: "initializerHash", Type: bytes32},
	}
	initializer := crypto.Keccak256Hash(r.owner.Bytes(), user.Bytes())
	// Pack cannot fail for static types.
	packed, _ := args.Pack(r.implementation, initializer)
	return crypto.Keccak256Hash(packed)
}

// DeriveAddress computes the counterfactual wallet address for the user.
// Nothing is deployed and no network round trip is made.
func (r *Resolver) DeriveAddress(user common.Address) common.Address {
	salt := accountSalt(user)
	return crypto.CreateAddress2(r.factory, salt, r.initCodeHash(user).Bytes())
}

// ResolveAccount derives the user's wallet address and fetches its current
// deployment status and native balance. RPC failures wrap ErrChainRead.
func (r *Resolver) ResolveAccount(ctx context.Context, user common.Address) (*Account, error) {
	addr := r.DeriveAddress(user)

	code, err := r.node.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, relay.NewError(ErrChainRead, fmt.Sprintf("code lookup for %s: %v", addr, err))
	}
	bal, err := r.node.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, relay.NewError(ErrChainRead, fmt.Sprintf("balance lookup for %s: %v", addr, err))
	}

	return &Account{
		Owner:    r.owner,
		Address:  addr,
		Deployed: len(code) > 0,
		Balance:  bal,
	}, nil
}
