package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"automation/internal/failure"
	"automation/pkg/exception"
)

// DefaultReceiptPoll is the receipt polling interval of WaitMined.
const DefaultReceiptPoll = time.Second

// EthClient implements Client over a JSON-RPC endpoint.
type EthClient struct {
	c           *ethclient.Client
	receiptPoll time.Duration
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, url string, receiptPoll time.Duration) (*EthClient, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, failure.Wrap(err, "dial "+url)
	}
	if receiptPoll <= 0 {
		receiptPoll = DefaultReceiptPoll
	}
	return &EthClient{c: c, receiptPoll: receiptPoll}, nil
}

// Close releases the RPC connection.
func (e *EthClient) Close() {
	e.c.Close()
}

func (e *EthClient) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	out, err := e.c.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, asRevert(err)
	}
	return out, nil
}

func (e *EthClient) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return e.c.CodeAt(ctx, account, nil)
}

func (e *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return e.c.PendingNonceAt(ctx, account)
}

func (e *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return e.c.SuggestGasPrice(ctx)
}

func (e *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := e.c.EstimateGas(ctx, msg)
	if err != nil {
		return 0, asRevert(err)
	}
	return gas, nil
}

func (e *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return e.c.ChainID(ctx)
}

func (e *EthClient) Broadcast(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, failure.Wrap(err, "decode signed transaction")
	}
	if err := e.c.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, failure.Wrap(err, "send transaction "+tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

func (e *EthClient) KnownTransaction(ctx context.Context, hash common.Hash) (bool, error) {
	_, _, err := e.c.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, failure.Wrap(err, "fetch transaction "+hash.Hex())
	}
	return true, nil
}

func (e *EthClient) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := e.c.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, failure.Wrap(exception.ErrTransactionFailed, hash.Hex())
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, failure.Wrap(err, "fetch receipt "+hash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// asRevert extracts revert data from a JSON-RPC error. Only this boundary inspects RPC error internals.
func asRevert(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		if strings.Contains(err.Error(), "execution reverted") {
			return &RevertError{Message: err.Error()}
		}
		return err
	}
	revert := &RevertError{Message: dataErr.Error()}
	switch data := dataErr.ErrorData().(type) {
	case string:
		if b, decodeErr := hexutil.Decode(data); decodeErr == nil {
			revert.Data = b
		}
	case []byte:
		revert.Data = data
	}
	return revert
}
