package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"automation/internal/failure"
	"automation/pkg/exception"
)

const vaultABIJSON = `[
  {"type":"function","name":"balance","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"gasPool","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isShutdown","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"operator","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"withdrawTo","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"reimburseGas","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amountWei","type":"uint256"}],"outputs":[]}
]`

var vaultABI = mustParseABI(vaultABIJSON)

// Vault binds an external funding vault on its own chain.
type Vault struct {
	client  Client
	address common.Address
}

// NewVault binds the vault at address.
func NewVault(client Client, address common.Address) *Vault {
	return &Vault{client: client, address: address}
}

func (v *Vault) Address() common.Address {
	return v.address
}

// Balance reads the funds available to the strategy.
func (v *Vault) Balance(ctx context.Context) (*big.Int, error) {
	return v.uint256(ctx, "balance")
}

// GasPool reads the funds reserved for operator gas reimbursement.
func (v *Vault) GasPool(ctx context.Context) (*big.Int, error) {
	return v.uint256(ctx, "gasPool")
}

// IsShutdown reports whether the vault refuses further movements.
func (v *Vault) IsShutdown(ctx context.Context) (bool, error) {
	values, err := callView(ctx, v.client, vaultABI, v.address, "isShutdown")
	if err != nil {
		return false, err
	}
	shutdown, ok := values[0].(bool)
	if !ok {
		return false, failure.Wrap(exception.ErrInternal, "isShutdown output is not bool")
	}
	return shutdown, nil
}

// Operator reads the wallet the vault releases funds to.
func (v *Vault) Operator(ctx context.Context) (common.Address, error) {
	values, err := callView(ctx, v.client, vaultABI, v.address, "operator")
	if err != nil {
		return common.Address{}, err
	}
	operator, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, failure.Wrap(exception.ErrInternal, "operator output is not address")
	}
	return operator, nil
}

// WithdrawCalldata packs withdrawTo(to, amount), moving vault funds to the operator.
func (v *Vault) WithdrawCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	return vaultABI.Pack("withdrawTo", to, amount)
}

// DepositCalldata packs deposit(); the amount travels as the transaction value.
func (v *Vault) DepositCalldata() ([]byte, error) {
	return vaultABI.Pack("deposit")
}

// ReimburseCalldata packs reimburseGas(to, amountWei), paying the operator from the gas pool.
func (v *Vault) ReimburseCalldata(to common.Address, amountWei *big.Int) ([]byte, error) {
	return vaultABI.Pack("reimburseGas", to, amountWei)
}

func (v *Vault) uint256(ctx context.Context, method string) (*big.Int, error) {
	values, err := callView(ctx, v.client, vaultABI, v.address, method)
	if err != nil {
		return nil, err
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, failure.Wrap(exception.ErrInternal, method+" output is not uint256")
	}
	return n, nil
}
