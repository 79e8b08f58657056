package effect

import (
	"context"
	"errors"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/yanun0323/logs"

	"automation/internal/chain"
	"automation/internal/failure"
	"automation/internal/schema"
	"automation/internal/store"
	"automation/pkg/exception"
)

// Progress marks of a transfer, recorded after signing and before broadcast.
const (
	progressTransfer    = "transfer"
	progressTransferRaw = "transfer_raw"
)

// FundsHandler moves funds between a strategy's vault and its operator wallet on the vault's chain.
// After a confirmed transfer the operator's gas is reimbursed from the vault gas pool.
type FundsHandler struct {
	store  store.Store
	chains map[uint64]*chain.Transactor
	use    bool
}

// NewUseFundsHandler withdraws from the vault to the operator.
func NewUseFundsHandler(st store.Store, chains map[uint64]*chain.Transactor) *FundsHandler {
	return &FundsHandler{store: st, chains: chains, use: true}
}

// NewReturnFundsHandler deposits from the operator back into the vault.
func NewReturnFundsHandler(st store.Store, chains map[uint64]*chain.Transactor) *FundsHandler {
	return &FundsHandler{store: st, chains: chains}
}

func (h *FundsHandler) Handle(ctx context.Context, req schema.EffectRequest) (Outcome, error) {
	amount, err := decodeAmount(req.Payload)
	if err != nil {
		return Failed("invalid funds payload: " + err.Error()), nil
	}
	if amount.Sign() <= 0 {
		return Failed("amount must be positive"), nil
	}

	s, err := h.store.Strategy(ctx, req.StrategyID)
	if errors.Is(err, exception.ErrStrategyNotFound) {
		return Failed(err.Error()), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if s.Vault == nil {
		return Failed(exception.ErrVaultNotConfigured.Error()), nil
	}

	tx, ok := h.chains[s.Vault.ChainID]
	if !ok {
		return Failed("no chain configured for vault chain " + strconv.FormatUint(s.Vault.ChainID, 10)), nil
	}
	vault := chain.NewVault(tx.Client(), s.Vault.Address)

	operator, err := vault.Operator(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if operator != s.Operator {
		return Failed("vault operator " + operator.Hex() + " does not match strategy operator " + s.Operator.Hex()), nil
	}

	progress := ProgressFrom(ctx)
	marks, err := progress.Load(ctx)
	if err != nil {
		return Outcome{}, failure.Wrap(err, "load progress")
	}

	transfer := chain.TxRequest{
		StrategyID: req.StrategyID,
		Purpose:    chain.PurposeDeposit,
		From:       operator,
		To:         vault.Address(),
	}
	if h.use {
		transfer.Purpose = chain.PurposeWithdraw
	}

	var hash common.Hash
	if sent, ok := marks[progressTransfer]; ok {
		hash = common.HexToHash(sent)
		logs.Infof("resume %s %s of %s", transfer.Purpose, hash.Hex(), req.StrategyID)
		if raw, ok := marks[progressTransferRaw]; ok {
			signed, err := hexutil.Decode(raw)
			if err != nil {
				return Outcome{}, failure.Wrap(exception.ErrEffectUnsettled, "decode recorded "+string(transfer.Purpose)+": "+err.Error())
			}
			_, err = tx.Rebroadcast(ctx, transfer.Purpose, signed)
			if reason, business := businessFailure(err); business {
				return Failed(string(transfer.Purpose) + " failed: " + reason), nil
			}
			if err != nil {
				return Outcome{}, failure.Wrap(exception.ErrEffectUnsettled, err.Error())
			}
		}
	} else {
		if h.use {
			balance, err := vault.Balance(ctx)
			if err != nil {
				return Outcome{}, err
			}
			if balance.Cmp(amount) < 0 {
				return Failed("insufficient vault balance: have " + balance.String() + ", need " + amount.String()), nil
			}
			transfer.Data, err = vault.WithdrawCalldata(operator, amount)
			if err != nil {
				return Outcome{}, err
			}
		} else {
			transfer.Value = new(big.Int).Set(amount)
			transfer.Data, err = vault.DepositCalldata()
			if err != nil {
				return Outcome{}, err
			}
		}

		recorded := false
		hash, err = tx.SubmitWith(ctx, transfer, func(ctx context.Context, signed chain.SignedTx) error {
			if err := progress.Save(ctx, progressTransferRaw, hexutil.Encode(signed.Raw)); err != nil {
				return err
			}
			if err := progress.Save(ctx, progressTransfer, signed.Hash.Hex()); err != nil {
				return err
			}
			recorded = true
			return nil
		})
		if reason, business := businessFailure(err); business {
			return Failed(string(transfer.Purpose) + " failed: " + reason), nil
		}
		if err != nil && recorded {
			// the node may hold the transfer even though the broadcast failed
			return Outcome{}, failure.Wrap(exception.ErrEffectUnsettled, err.Error())
		}
		if err != nil {
			return Outcome{}, err
		}
	}

	receipt, err := tx.Wait(ctx, transfer.Purpose, hash)
	if reason, business := businessFailure(err); business {
		return Failed(string(transfer.Purpose) + " failed: " + reason), nil
	}
	if err != nil {
		// the transfer is on its way; the claim must outlive this attempt
		return Outcome{}, failure.Wrap(exception.ErrEffectUnsettled, err.Error())
	}

	h.reimburse(ctx, tx, vault, req.StrategyID, operator, receipt.GasUsed, chain.GasCost(receipt))

	return Succeeded(EncodeTxHash(receipt.TxHash)), nil
}

func (h *FundsHandler) reimburse(ctx context.Context, tx *chain.Transactor, vault *chain.Vault, strategyID string, operator common.Address, gasUsed uint64, cost *big.Int) {
	if cost.Sign() == 0 {
		return
	}
	data, err := vault.ReimburseCalldata(operator, cost)
	if err != nil {
		logs.Errorf("encode gas reimbursement of %s, err: %+v", strategyID, err)
		return
	}
	_, err = tx.Send(ctx, chain.TxRequest{
		StrategyID: strategyID,
		Purpose:    chain.PurposeReimburse,
		From:       operator,
		To:         vault.Address(),
		Data:       data,
	})
	if err != nil {
		logs.Errorf("reimburse %s wei (%d gas) to operator of %s, err: %+v", cost, gasUsed, strategyID, err)
		return
	}
	logs.Infof("reimbursed %s wei (%d gas) to operator of %s", cost, gasUsed, strategyID)
}

// businessFailure reports whether err is a chain-level rejection the strategy should see.
func businessFailure(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var revert *chain.RevertError
	if errors.As(err, &revert) {
		if reason, ok := revert.Reason(); ok {
			return reason, true
		}
		return revert.Error(), true
	}
	if errors.Is(err, exception.ErrTransactionFailed) || errors.Is(err, exception.ErrTransactionRejected) {
		return err.Error(), true
	}
	return "", false
}
