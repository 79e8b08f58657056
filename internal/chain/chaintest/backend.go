// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"automation/internal/failure"
	"automation/pkg/exception"
)

// CallFunc answers a read-only call routed by selector.
type CallFunc func(msg ethereum.CallMsg) ([]byte, error)

// Backend is a programmable chain. Calls are answered by selector; broadcasts are recorded and mined at once.
type Backend struct {
	mu sync.Mutex

	chainID  *big.Int
	gasPrice *big.Int
	gasUsed  uint64
	code     map[common.Address][]byte
	calls    map[[4]byte]CallFunc
	estimate map[[4]byte]error
	failing  map[[4]byte]bool
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	onSend   func(tx *types.Transaction)
	waitErrs []error
	sendErrs []error
	rejects  []error
}

// NewBackend allocates a backend on chainID.
func NewBackend(chainID int64) *Backend {
	return &Backend{
		chainID:  big.NewInt(chainID),
		gasPrice: big.NewInt(2_000_000_000),
		gasUsed:  50_000,
		code:     make(map[common.Address][]byte),
		calls:    make(map[[4]byte]CallFunc),
		estimate: make(map[[4]byte]error),
		failing:  make(map[[4]byte]bool),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// Selector returns the 4-byte selector of a canonical signature such as "balance()".
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// Pack encodes values with the given ABI type names, for canned call outputs.
func Pack(typeNames []string, values ...interface{}) []byte {
	args := make(abi.Arguments, 0, len(typeNames))
	for _, name := range typeNames {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	out, err := args.Pack(values...)
	if err != nil {
		panic(err)
	}
	return out
}

// Returns answers calls to signature with fixed output.
func (b *Backend) Returns(signature string, out []byte) {
	b.OnCall(signature, func(ethereum.CallMsg) ([]byte, error) { return out, nil })
}

// OnCall answers calls to signature with fn.
func (b *Backend) OnCall(signature string, fn CallFunc) {
	b.mu.Lock()
	b.calls[Selector(signature)] = fn
	b.mu.Unlock()
}

// FailEstimate makes gas estimation for signature fail with err.
func (b *Backend) FailEstimate(signature string, err error) {
	b.mu.Lock()
	b.estimate[Selector(signature)] = err
	b.mu.Unlock()
}

// FailReceipt makes mined transactions calling signature report a failed status.
func (b *Backend) FailReceipt(signature string) {
	b.mu.Lock()
	b.failing[Selector(signature)] = true
	b.mu.Unlock()
}

// SetCode deploys placeholder code at address.
func (b *Backend) SetCode(address common.Address, code []byte) {
	b.mu.Lock()
	b.code[address] = code
	b.mu.Unlock()
}

// SetGas fixes gasUsed and the effective gas price of mined transactions.
func (b *Backend) SetGas(gasUsed uint64, gasPrice *big.Int) {
	b.mu.Lock()
	b.gasUsed, b.gasPrice = gasUsed, gasPrice
	b.mu.Unlock()
}

// FailWaitMined makes the next times receipt waits fail with err, as a lost RPC connection would.
// The transactions stay mined.
func (b *Backend) FailWaitMined(times int, err error) {
	b.mu.Lock()
	for range times {
		b.waitErrs = append(b.waitErrs, err)
	}
	b.mu.Unlock()
}

// FailBroadcast makes the next times broadcasts fail with err after the transaction was accepted,
// as a read timeout on the send would.
func (b *Backend) FailBroadcast(times int, err error) {
	b.mu.Lock()
	for range times {
		b.sendErrs = append(b.sendErrs, err)
	}
	b.mu.Unlock()
}

// RejectBroadcast makes the next times broadcasts fail with err without the transaction
// reaching the chain, as a node refusing it from its pool would.
func (b *Backend) RejectBroadcast(times int, err error) {
	b.mu.Lock()
	for range times {
		b.rejects = append(b.rejects, err)
	}
	b.mu.Unlock()
}

// OnSend observes every broadcast transaction.
func (b *Backend) OnSend(fn func(tx *types.Transaction)) {
	b.mu.Lock()
	b.onSend = fn
	b.mu.Unlock()
}

// Sent returns the broadcast transactions in order.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// SentTo returns the broadcast transactions calling signature.
func (b *Backend) SentTo(signature string) []*types.Transaction {
	sel := Selector(signature)
	var out []*types.Transaction
	for _, tx := range b.Sent() {
		if len(tx.Data()) >= 4 && [4]byte(tx.Data()[:4]) == sel {
			out = append(out, tx)
		}
	}
	return out
}

func selectorOf(data []byte) ([4]byte, bool) {
	var sel [4]byte
	if len(data) < 4 {
		return sel, false
	}
	copy(sel[:], data[:4])
	return sel, true
}

func (b *Backend) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	sel, ok := selectorOf(msg.Data)
	if !ok {
		return nil, nil
	}
	b.mu.Lock()
	fn, ok := b.calls[sel]
	b.mu.Unlock()
	if !ok {
		return nil, failure.Wrap(exception.ErrArgumentUnsupported, "no call handler")
	}
	return fn(msg)
}

func (b *Backend) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.code[account], nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if sel, ok := selectorOf(msg.Data); ok {
		b.mu.Lock()
		err := b.estimate[sel]
		b.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
	return 60_000, nil
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) Broadcast(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return common.Hash{}, err
	}

	b.mu.Lock()
	if len(b.rejects) > 0 {
		err := b.rejects[0]
		b.rejects = b.rejects[1:]
		b.mu.Unlock()
		return common.Hash{}, err
	}
	if _, ok := b.receipts[tx.Hash()]; ok {
		b.mu.Unlock()
		return common.Hash{}, errors.New("already known")
	}
	b.nonces[from] = tx.Nonce() + 1
	b.sent = append(b.sent, tx)
	status := types.ReceiptStatusSuccessful
	if sel, ok := selectorOf(tx.Data()); ok && b.failing[sel] {
		status = types.ReceiptStatusFailed
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           b.gasUsed,
		EffectiveGasPrice: new(big.Int).Set(b.gasPrice),
	}
	onSend := b.onSend
	var sendErr error
	if len(b.sendErrs) > 0 {
		sendErr = b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
	}
	b.mu.Unlock()

	if onSend != nil {
		onSend(tx)
	}
	if sendErr != nil {
		return common.Hash{}, sendErr
	}
	return tx.Hash(), nil
}

func (b *Backend) KnownTransaction(ctx context.Context, hash common.Hash) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.receipts[hash]
	return ok, nil
}

func (b *Backend) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	if len(b.waitErrs) > 0 {
		err := b.waitErrs[0]
		b.waitErrs = b.waitErrs[1:]
		b.mu.Unlock()
		return nil, err
	}
	receipt, ok := b.receipts[hash]
	b.mu.Unlock()
	if !ok {
		return nil, ethereum.NotFound
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, failure.Wrap(exception.ErrTransactionFailed, hash.Hex())
	}
	return receipt, nil
}
