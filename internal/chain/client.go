// Package chain is the boundary to host and vault chains: RPC access, contract bindings and signing.
package chain

import (
	"context"
	"encoding/hex"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the chain RPC surface the core consumes.
// Reverted calls surface as *RevertError carrying the raw revert data.
type Client interface {
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	// Broadcast submits a signed, RLP or typed-envelope encoded transaction.
	Broadcast(ctx context.Context, raw []byte) (common.Hash, error)
	// KnownTransaction reports whether the node holds hash, pending or mined.
	KnownTransaction(ctx context.Context, hash common.Hash) (bool, error)
	// WaitMined blocks until the transaction has a receipt or ctx ends.
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// RevertError is a call that executed and reverted.
type RevertError struct {
	Data    []byte
	Message string
}

func (e *RevertError) Error() string {
	if reason, ok := e.Reason(); ok {
		return "execution reverted: " + reason
	}
	if len(e.Data) > 0 {
		return "execution reverted: 0x" + hex.EncodeToString(e.Data)
	}
	if e.Message != "" {
		return e.Message
	}
	return "execution reverted"
}

// Reason decodes a standard Error(string) revert.
func (e *RevertError) Reason() (string, bool) {
	reason, err := abi.UnpackRevert(e.Data)
	if err != nil {
		return "", false
	}
	return reason, true
}

// Selector returns the first four bytes of the revert data.
func (e *RevertError) Selector() ([4]byte, bool) {
	var sel [4]byte
	if len(e.Data) < 4 {
		return sel, false
	}
	copy(sel[:], e.Data[:4])
	return sel, true
}
