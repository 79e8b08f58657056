package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"automation/internal/failure"
	"automation/pkg/exception"
)

// TxRequest is a state-changing call to sign, broadcast and confirm.
type TxRequest struct {
	StrategyID string
	Purpose    Purpose
	From       common.Address
	To         common.Address
	Value      *big.Int
	Data       []byte
}

// Transactor fills, signs, broadcasts and confirms transactions on one chain.
// Sends from the same account are serialized from nonce fetch to broadcast.
type Transactor struct {
	client Client
	signer Signer

	// GasMargin is the percentage added on top of the gas estimate.
	GasMargin uint64

	chainMu sync.Mutex
	chainID *big.Int

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

// NewTransactor builds a transactor signing through signer.
func NewTransactor(client Client, signer Signer) *Transactor {
	return &Transactor{
		client:    client,
		signer:    signer,
		GasMargin: 20,
		locks:     make(map[common.Address]*sync.Mutex),
	}
}

// Client returns the chain the transactor sends to.
func (t *Transactor) Client() Client {
	return t.client
}

func (t *Transactor) chain(ctx context.Context) (*big.Int, error) {
	t.chainMu.Lock()
	defer t.chainMu.Unlock()
	if t.chainID != nil {
		return t.chainID, nil
	}
	id, err := t.client.ChainID(ctx)
	if err != nil {
		return nil, failure.Wrap(err, "read chain id")
	}
	t.chainID = id
	return id, nil
}

func (t *Transactor) lock(from common.Address) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[from]
	if !ok {
		l = &sync.Mutex{}
		t.locks[from] = l
	}
	return l
}

// Send signs and broadcasts req, then waits for its receipt.
// A reverted estimate surfaces as *RevertError; a failed receipt as exception.ErrTransactionFailed.
func (t *Transactor) Send(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	hash, err := t.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx, req.Purpose, hash)
}

// Wait blocks until the transaction hash has a receipt.
func (t *Transactor) Wait(ctx context.Context, purpose Purpose, hash common.Hash) (*types.Receipt, error) {
	receipt, err := t.client.WaitMined(ctx, hash)
	if err != nil {
		return receipt, failure.Wrap(err, string(purpose)+" "+hash.Hex())
	}
	return receipt, nil
}

// SignedTx is a signed transaction that has not necessarily reached the chain.
type SignedTx struct {
	Hash common.Hash
	Raw  []byte
}

// Checkpoint records a signed transaction before it is broadcast.
type Checkpoint func(ctx context.Context, signed SignedTx) error

// Submit signs and broadcasts req without waiting for it to be mined.
func (t *Transactor) Submit(ctx context.Context, req TxRequest) (common.Hash, error) {
	return t.SubmitWith(ctx, req, nil)
}

// SubmitWith signs req, hands the signed bytes to checkpoint and only then broadcasts them.
// A checkpoint error aborts before anything reaches the chain.
func (t *Transactor) SubmitWith(ctx context.Context, req TxRequest, checkpoint Checkpoint) (common.Hash, error) {
	chainID, err := t.chain(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	l := t.lock(req.From)
	l.Lock()
	defer l.Unlock()

	to := req.To
	gas, err := t.client.EstimateGas(ctx, ethereum.CallMsg{From: req.From, To: &to, Value: req.Value, Data: req.Data})
	if err != nil {
		return common.Hash{}, failure.Wrap(err, "estimate "+string(req.Purpose))
	}
	gas += gas * t.GasMargin / 100
	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, failure.Wrap(err, "suggest gas price")
	}
	nonce, err := t.client.PendingNonceAt(ctx, req.From)
	if err != nil {
		return common.Hash{}, failure.Wrap(err, "read nonce")
	}

	raw, err := t.signer.Sign(ctx, SignRequest{
		StrategyID: req.StrategyID,
		Purpose:    req.Purpose,
		ChainID:    chainID,
		From:       req.From,
		To:         req.To,
		Nonce:      nonce,
		Gas:        gas,
		GasPrice:   gasPrice,
		Value:      req.Value,
		Data:       req.Data,
	})
	if err != nil {
		return common.Hash{}, failure.Wrap(err, "sign "+string(req.Purpose))
	}
	hash, err := SignedHash(raw)
	if err != nil {
		return common.Hash{}, failure.Wrap(err, "sign "+string(req.Purpose))
	}
	if checkpoint != nil {
		if err := checkpoint(ctx, SignedTx{Hash: hash, Raw: raw}); err != nil {
			return common.Hash{}, failure.Wrap(err, "checkpoint "+string(req.Purpose)+" "+hash.Hex())
		}
	}
	if _, err := t.client.Broadcast(ctx, raw); err != nil {
		if err := t.refused(ctx, req.Purpose, hash, err); err != nil {
			return common.Hash{}, err
		}
	}
	return hash, nil
}

// Rebroadcast sends already signed bytes again. A node that already holds the
// transaction, pooled or mined, counts as accepted.
func (t *Transactor) Rebroadcast(ctx context.Context, purpose Purpose, raw []byte) (common.Hash, error) {
	hash, err := SignedHash(raw)
	if err != nil {
		return common.Hash{}, failure.Wrap(err, "broadcast "+string(purpose))
	}
	if _, err := t.client.Broadcast(ctx, raw); err != nil && !IsKnownTransaction(err) {
		if err := t.refused(ctx, purpose, hash, err); err != nil {
			return common.Hash{}, err
		}
	}
	return hash, nil
}

// refused classifies a failed broadcast of hash. It returns nil when the node holds the
// transaction anyway, and exception.ErrTransactionRejected when the node turned it away
// and does not know it. Any other failure leaves the outcome open.
func (t *Transactor) refused(ctx context.Context, purpose Purpose, hash common.Hash, cause error) error {
	subject := "broadcast " + string(purpose) + " " + hash.Hex()
	if !IsRejectedTransaction(cause) {
		return failure.Wrap(cause, subject)
	}
	known, err := t.client.KnownTransaction(ctx, hash)
	if err != nil {
		return failure.Wrap(cause, subject+" (lookup: "+err.Error()+")")
	}
	if known {
		return nil
	}
	return failure.Wrap(exception.ErrTransactionRejected, subject+": "+cause.Error())
}

// SignedHash decodes a signed transaction and returns its hash.
func SignedHash(raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, failure.Wrap(err, "decode signed transaction")
	}
	return tx.Hash(), nil
}

// IsKnownTransaction reports whether a broadcast was refused because the node already holds the transaction.
func IsKnownTransaction(err error) bool {
	return errorContains(err, "already known", "known transaction")
}

// IsRejectedTransaction reports whether a broadcast was refused outright by the node's pool rules.
// The transaction is not pooled unless the node says otherwise when asked for its hash.
func IsRejectedTransaction(err error) bool {
	return errorContains(err,
		"nonce too low",
		"insufficient funds",
		"replacement transaction underpriced",
		"transaction underpriced",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"fee cap less than block base fee",
		"max fee per gas less than block base fee",
		"invalid sender",
	)
}

func errorContains(err error, fragments ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// GasCost is the fee paid by a mined transaction: gasUsed × effectiveGasPrice.
func GasCost(receipt *types.Receipt) *big.Int {
	if receipt == nil || receipt.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
}
