// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type tChainReader struct {
	code    []byte
	codeErr error
	bal     *big.Int
	balErr  error
}

func (n *tChainReader) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return n.code, n.codeErr
}

func (n *tChainReader) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return n.bal, n.balErr
}

var (
	tFactory = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tImpl    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	tOwner   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	tUser    = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func TestDeriveAddressDeterministic(t *testing.T) {
	r := NewResolver(tFactory, tImpl, tOwner, nil)
	addr1 := r.DeriveAddress(tUser)
	addr2 := r.DeriveAddress(tUser)
	if addr1 != addr2 {
		t.Fatalf("derived addresses differ: %s != %s", addr1, addr2)
	}
	if addr1 == (common.Address{}) {
		t.Fatalf("derived zero address")
	}
	// A different user must land on a different address.
	other := r.DeriveAddress(common.HexToAddress("0x5555555555555555555555555555555555555555"))
	if other == addr1 {
		t.Fatalf("different users derived the same address %s", addr1)
	}
}

func TestResolveAccount(t *testing.T) {
	node := &tChainReader{
		code: []byte{0x60, 0x80},
		bal:  big.NewInt(1e18),
	}
	r := NewResolver(tFactory, tImpl, tOwner, node)

	acct, err := r.ResolveAccount(context.Background(), tUser)
	if err != nil {
		t.Fatalf("ResolveAccount error: %v", err)
	}
	if !acct.Deployed {
		t.Fatalf("expected deployed account")
	}
	if acct.Balance.Cmp(big.NewInt(1e18)) != 0 {
		t.Fatalf("wrong balance %s", acct.Balance)
	}
	if acct.Address != r.DeriveAddress(tUser) {
		t.Fatalf("account address does not match derived address")
	}

	// Undeployed wallet.
	node.code = nil
	acct, err = r.ResolveAccount(context.Background(), tUser)
	if err != nil {
		t.Fatalf("ResolveAccount error: %v", err)
	}
	if acct.Deployed {
		t.Fatalf("expected undeployed account")
	}

	// RPC errors wrap ErrChainRead.
	node.balErr = errors.New("rpc down")
	if _, err = r.ResolveAccount(context.Background(), tUser); !errors.Is(err, ErrChainRead) {
		t.Fatalf("expected ErrChainRead, got %v", err)
	}
}

func TestCheckBalance(t *testing.T) {
	ether := func(milli int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(milli), new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil))
	}

	tests := []struct {
		name       string
		balance    *big.Int
		value      *big.Int
		buffer     *big.Int
		sufficient bool
		shortfall  *big.Int
	}{{
		name:       "covered with room",
		balance:    ether(200), // 0.2
		value:      ether(100), // 0.1
		buffer:     ether(50),  // 0.05
		sufficient: true,
		shortfall:  new(big.Int),
	}, {
		name:       "exact boundary",
		balance:    ether(150),
		value:      ether(100),
		buffer:     ether(50),
		sufficient: true,
		shortfall:  new(big.Int),
	}, {
		name:       "buffer not covered",
		balance:    ether(200),
		value:      ether(200),
		buffer:     ether(50),
		sufficient: false,
		shortfall:  ether(50),
	}, {
		name:       "zero balance",
		balance:    new(big.Int),
		value:      ether(100),
		buffer:     ether(50),
		sufficient: false,
		shortfall:  ether(150),
	}}

	for _, test := range tests {
		v := CheckBalance(test.balance, test.value, test.buffer)
		if v.Sufficient != test.sufficient {
			t.Fatalf("%s: sufficient = %t, wanted %t", test.name, v.Sufficient, test.sufficient)
		}
		if v.Shortfall.Cmp(test.shortfall) != 0 {
			t.Fatalf("%s: shortfall = %s, wanted %s", test.name, v.Shortfall, test.shortfall)
		}
	}
}

func TestGuardBalance(t *testing.T) {
	ether := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	fifth := new(big.Int).Div(ether, big.NewInt(5)) // 0.2
	tenth := new(big.Int).Div(ether, big.NewInt(10))

	node := &tChainReader{bal: fifth}
	r := NewResolver(tFactory, tImpl, tOwner, node)

	v, err := r.GuardBalance(context.Background(), tUser, tenth)
	if err != nil {
		t.Fatalf("GuardBalance error: %v", err)
	}
	if !v.Sufficient {
		t.Fatalf("0.2 balance should cover 0.1 value + 0.05 buffer, shortfall %s", v.Shortfall)
	}

	v, err = r.GuardBalance(context.Background(), tUser, fifth)
	if err != nil {
		t.Fatalf("GuardBalance error: %v", err)
	}
	if v.Sufficient {
		t.Fatalf("0.2 balance should not cover 0.2 value + 0.05 buffer")
	}
	if v.Shortfall.Cmp(DefaultGasBuffer) != 0 {
		t.Fatalf("shortfall = %s, wanted the 0.05 buffer %s", v.Shortfall, DefaultGasBuffer)
	}
}
