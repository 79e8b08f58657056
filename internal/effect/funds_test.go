package effect

import (
	"context"
	"errors"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/internal/chain"
	"automation/internal/chain/chaintest"
	"automation/internal/schema"
	"automation/internal/store"
	"automation/pkg/exception"
)

const (
	vaultChainID = 31337
	withdrawSig  = "withdrawTo(address,uint256)"
	depositSig   = "deposit()"
	reimburseSig = "reimburseGas(address,uint256)"
)

var vaultAddr = common.HexToAddress("0xe7f1725e7734ce288f8367e1bb143e90bb3f0512")

type fundsFixture struct {
	backend  *chaintest.Backend
	store    *store.Memory
	chains   map[uint64]*chain.Transactor
	operator common.Address
}

func newFundsFixture(t *testing.T) *fundsFixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := chain.NewLocalSigner(hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)

	backend := chaintest.NewBackend(vaultChainID)
	backend.Returns("operator()", chaintest.Pack([]string{"address"}, signer.Address()))
	backend.Returns("balance()", chaintest.Pack([]string{"uint256"}, big.NewInt(1_000)))

	st := store.NewMemory()
	st.PutStrategy(store.Strategy{
		ID:       strategyID,
		Operator: signer.Address(),
		Vault:    &store.Vault{ChainID: vaultChainID, Address: vaultAddr},
	})

	return &fundsFixture{
		backend:  backend,
		store:    st,
		chains:   map[uint64]*chain.Transactor{vaultChainID: chain.NewTransactor(backend, signer)},
		operator: signer.Address(),
	}
}

func revertWithReason(reason string) []byte {
	sel := chaintest.Selector("Error(string)")
	return append(sel[:], chaintest.Pack([]string{"string"}, reason)...)
}

func TestUseFunds(t *testing.T) {
	f := newFundsFixture(t)
	h := NewUseFundsHandler(f.store, f.chains)

	out, err := h.Handle(context.Background(), request(schema.EffectUseFunds, amountPayload(t, 400)))
	require.NoError(t, err)
	require.True(t, out.OK)

	withdrawals := f.backend.SentTo(withdrawSig)
	require.Len(t, withdrawals, 1)
	assert.Equal(t, vaultAddr, *withdrawals[0].To())
	args, err := mustArguments("address", "uint256").Unpack(withdrawals[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, f.operator, args[0].(common.Address))
	assert.Equal(t, big.NewInt(400), args[1].(*big.Int))

	hash, err := DecodeTxHash(out.Data)
	require.NoError(t, err)
	assert.Equal(t, withdrawals[0].Hash(), hash)

	reimbursements := f.backend.SentTo(reimburseSig)
	require.Len(t, reimbursements, 1)
	args, err = mustArguments("address", "uint256").Unpack(reimbursements[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, f.operator, args[0].(common.Address))
	// 50000 gas at 2 gwei
	assert.Equal(t, big.NewInt(100_000_000_000_000), args[1].(*big.Int))
}

func TestReturnFunds(t *testing.T) {
	f := newFundsFixture(t)
	h := NewReturnFundsHandler(f.store, f.chains)

	out, err := h.Handle(context.Background(), request(schema.EffectReturnFunds, amountPayload(t, 5_000)))
	require.NoError(t, err)
	require.True(t, out.OK, "return is not bounded by the vault balance")

	deposits := f.backend.SentTo(depositSig)
	require.Len(t, deposits, 1)
	assert.Equal(t, big.NewInt(5_000), deposits[0].Value())
	assert.Len(t, f.backend.SentTo(reimburseSig), 1)
}

func TestReimbursementFailureKeepsSuccess(t *testing.T) {
	f := newFundsFixture(t)
	f.backend.FailReceipt(reimburseSig)

	out, err := NewUseFundsHandler(f.store, f.chains).Handle(context.Background(), request(schema.EffectUseFunds, amountPayload(t, 10)))
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Len(t, f.backend.SentTo(reimburseSig), 1)
}

func TestFundsBusinessFailures(t *testing.T) {
	testCases := []struct {
		desc    string
		setup   func(f *fundsFixture)
		payload func(t *testing.T) []byte
		reason  string
	}{
		{
			desc:   "insufficient balance",
			reason: "insufficient vault balance",
			payload: func(t *testing.T) []byte {
				return amountPayload(t, 1_001)
			},
		},
		{
			desc:   "zero amount",
			reason: "amount must be positive",
			payload: func(t *testing.T) []byte {
				return amountPayload(t, 0)
			},
		},
		{
			desc:   "garbage payload",
			reason: "invalid funds payload",
			payload: func(*testing.T) []byte {
				return []byte{0xff}
			},
		},
		{
			desc:   "operator mismatch",
			reason: "does not match strategy operator",
			setup: func(f *fundsFixture) {
				f.backend.Returns("operator()", chaintest.Pack([]string{"address"}, common.HexToAddress("0xdead")))
			},
		},
		{
			desc:   "unknown strategy",
			reason: "strategy not found",
			setup: func(f *fundsFixture) {
				f.store = store.NewMemory()
			},
		},
		{
			desc:   "no vault",
			reason: "vault not configured",
			setup: func(f *fundsFixture) {
				f.store.PutStrategy(store.Strategy{ID: strategyID, Operator: f.operator})
			},
		},
		{
			desc:   "vault chain not served",
			reason: "no chain configured for vault chain 31337",
			setup: func(f *fundsFixture) {
				delete(f.chains, vaultChainID)
			},
		},
		{
			desc:   "withdraw reverts",
			reason: "withdraw failed: vault paused",
			setup: func(f *fundsFixture) {
				f.backend.FailEstimate(withdrawSig, &chain.RevertError{Data: revertWithReason("vault paused")})
			},
		},
		{
			desc:   "withdraw mined with failure",
			reason: "withdraw failed",
			setup: func(f *fundsFixture) {
				f.backend.FailReceipt(withdrawSig)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFundsFixture(t)
			if tc.setup != nil {
				tc.setup(f)
			}
			payload := amountPayload(t, 100)
			if tc.payload != nil {
				payload = tc.payload(t)
			}

			out, err := NewUseFundsHandler(f.store, f.chains).Handle(context.Background(), request(schema.EffectUseFunds, payload))
			require.NoError(t, err)
			assert.Contains(t, failureReason(t, out), tc.reason)
			assert.Empty(t, f.backend.SentTo(reimburseSig))
		})
	}
}

func TestFundsTransientFailure(t *testing.T) {
	f := newFundsFixture(t)
	f.backend.OnCall("operator()", func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("rpc timeout")
	})

	_, err := NewUseFundsHandler(f.store, f.chains).Handle(context.Background(), request(schema.EffectUseFunds, amountPayload(t, 100)))
	assert.ErrorContains(t, err, "rpc timeout")
	assert.Empty(t, f.backend.Sent())
}

// mapProgress is a Progress kept in memory across handler attempts.
type mapProgress map[string]string

func (p mapProgress) Load(context.Context) (map[string]string, error) {
	return p, nil
}

func (p mapProgress) Save(_ context.Context, name, value string) error {
	p[name] = value
	return nil
}

func TestLostReceiptResumesSameTransfer(t *testing.T) {
	f := newFundsFixture(t)
	f.backend.FailWaitMined(1, errors.New("fetch receipt: i/o timeout"))
	h := NewUseFundsHandler(f.store, f.chains)
	progress := mapProgress{}
	ctx := WithProgress(context.Background(), progress)

	_, err := h.Handle(ctx, request(schema.EffectUseFunds, amountPayload(t, 400)))
	require.ErrorIs(t, err, exception.ErrEffectUnsettled)
	withdrawals := f.backend.SentTo(withdrawSig)
	require.Len(t, withdrawals, 1)
	assert.Equal(t, withdrawals[0].Hash().Hex(), progress["transfer"])
	assert.Empty(t, f.backend.SentTo(reimburseSig))

	// the vault balance is already spent; the retry must not look at it again
	f.backend.Returns("balance()", chaintest.Pack([]string{"uint256"}, big.NewInt(0)))
	out, err := h.Handle(ctx, request(schema.EffectUseFunds, amountPayload(t, 400)))
	require.NoError(t, err)
	require.True(t, out.OK)

	assert.Len(t, f.backend.SentTo(withdrawSig), 1)
	assert.Len(t, f.backend.SentTo(reimburseSig), 1)
	hash, err := DecodeTxHash(out.Data)
	require.NoError(t, err)
	assert.Equal(t, withdrawals[0].Hash(), hash)
}

func TestLostBroadcastReplyResumesSameTransfer(t *testing.T) {
	f := newFundsFixture(t)
	f.backend.FailBroadcast(1, errors.New("send raw transaction: i/o timeout"))
	h := NewUseFundsHandler(f.store, f.chains)
	progress := mapProgress{}
	ctx := WithProgress(context.Background(), progress)

	_, err := h.Handle(ctx, request(schema.EffectUseFunds, amountPayload(t, 400)))
	require.ErrorIs(t, err, exception.ErrEffectUnsettled)
	withdrawals := f.backend.SentTo(withdrawSig)
	require.Len(t, withdrawals, 1)
	assert.Equal(t, withdrawals[0].Hash().Hex(), progress["transfer"])
	assert.NotEmpty(t, progress["transfer_raw"])

	out, err := h.Handle(ctx, request(schema.EffectUseFunds, amountPayload(t, 400)))
	require.NoError(t, err)
	require.True(t, out.OK)

	assert.Len(t, f.backend.SentTo(withdrawSig), 1)
	hash, err := DecodeTxHash(out.Data)
	require.NoError(t, err)
	assert.Equal(t, withdrawals[0].Hash(), hash)
}

func TestRejectedTransferFailsInsteadOfHanging(t *testing.T) {
	f := newFundsFixture(t)
	h := NewUseFundsHandler(f.store, f.chains)

	f.backend.RejectBroadcast(1, errors.New("insufficient funds for gas * price + value"))
	out, err := h.Handle(WithProgress(context.Background(), mapProgress{}), request(schema.EffectUseFunds, amountPayload(t, 400)))
	require.NoError(t, err)
	assert.False(t, out.OK)
	reason, err := DecodeReason(out.Data)
	require.NoError(t, err)
	assert.Contains(t, reason, "insufficient funds")
	assert.Empty(t, f.backend.Sent())

	// the first broadcast's fate is unknown; the resumed one is turned away for good
	progress := mapProgress{}
	ctx := WithProgress(context.Background(), progress)
	f.backend.RejectBroadcast(1, errors.New("send raw transaction: i/o timeout"))
	_, err = h.Handle(ctx, request(schema.EffectUseFunds, amountPayload(t, 400)))
	require.ErrorIs(t, err, exception.ErrEffectUnsettled)
	require.NotEmpty(t, progress["transfer_raw"])

	f.backend.RejectBroadcast(1, errors.New("replacement transaction underpriced"))
	out, err = h.Handle(ctx, request(schema.EffectUseFunds, amountPayload(t, 400)))
	require.NoError(t, err)
	assert.False(t, out.OK)
	reason, err = DecodeReason(out.Data)
	require.NoError(t, err)
	assert.Contains(t, reason, "replacement transaction underpriced")
	assert.Empty(t, f.backend.Sent())
}
