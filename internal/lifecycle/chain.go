package lifecycle

import (
	"context"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"automation/internal/chain"
	"automation/internal/failure"
	"automation/internal/loop"
	"automation/internal/schema"
	"automation/internal/store"
	"automation/pkg/exception"
)

// Program is a strategy program whose lifecycle can be observed.
type Program interface {
	loop.Contract
	LifecycleStatus(ctx context.Context) (chain.LifecycleStatus, error)
}

// Vault is the read side of a funding vault.
type Vault interface {
	Balance(ctx context.Context) (*big.Int, error)
	GasPool(ctx context.Context) (*big.Int, error)
	IsShutdown(ctx context.Context) (bool, error)
}

// Resolver binds stored strategies to their chains.
type Resolver interface {
	Program(ctx context.Context, s store.Strategy) (Program, error)
	Vault(ctx context.Context, v store.Vault) (Vault, error)
}

// ChainResolver resolves programs on the host chain and vaults on their own chain.
type ChainResolver struct {
	HostChainID uint64
	Transactors map[uint64]*chain.Transactor
}

func (r ChainResolver) transactor(chainID uint64) (*chain.Transactor, error) {
	tx, ok := r.Transactors[chainID]
	if !ok {
		return nil, failure.Wrap(exception.ErrInvalidConfig, "no chain configured for id "+strconv.FormatUint(chainID, 10))
	}
	return tx, nil
}

func (r ChainResolver) Program(ctx context.Context, s store.Strategy) (Program, error) {
	tx, err := r.transactor(r.HostChainID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(s.ID) {
		return nil, failure.Wrap(exception.ErrInvalidArgument, "strategy id "+s.ID+" is not a contract address")
	}
	return chain.NewProgram(s.ID, common.HexToAddress(s.ID), s.Operator, tx), nil
}

func (r ChainResolver) Vault(ctx context.Context, v store.Vault) (Vault, error) {
	tx, err := r.transactor(v.ChainID)
	if err != nil {
		return nil, err
	}
	return chain.NewVault(tx.Client(), v.Address), nil
}

var commandArgs = func() abi.Arguments {
	typ, err := abi.NewType("uint8", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: typ}}
}()

// EncodeCommand packs a lifecycle command as abi(uint8), the payload of a lifecycle step event.
func EncodeCommand(c schema.LifecycleCommand) ([]byte, error) {
	if !c.IsAvailable() {
		return nil, failure.Wrap(exception.ErrInvalidArgument, "unknown lifecycle command "+strconv.Itoa(int(c)))
	}
	return commandArgs.Pack(uint8(c))
}

// DecodeCommand unpacks a lifecycle step event payload.
func DecodeCommand(payload []byte) (schema.LifecycleCommand, error) {
	values, err := commandArgs.Unpack(payload)
	if err != nil || len(values) != 1 {
		return 0, failure.Wrap(exception.ErrInvalidArgument, "lifecycle payload is not abi(uint8)")
	}
	n, ok := values[0].(uint8)
	if !ok || !schema.LifecycleCommand(n).IsAvailable() {
		return 0, failure.Wrap(exception.ErrInvalidArgument, "unknown lifecycle command")
	}
	return schema.LifecycleCommand(n), nil
}
