package ops

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/internal/chain"
	"automation/pkg/exception"
)

func TestLoadExample(t *testing.T) {
	cfg, err := Load("testdata/strategyd.yaml")
	require.NoError(t, err)

	assert.Equal(t, "strategyd-1", cfg.InstanceID)
	assert.Equal(t, BrokerAMQP, cfg.Broker.Kind)
	assert.Equal(t, 10000, cfg.AMQP().MaxLength)
	assert.Equal(t, 250*time.Millisecond, cfg.AMQP().Backoff.Min)
	assert.Equal(t, 6, cfg.Publisher.MaxAttempts)
	assert.Equal(t, []string{"redis:6379"}, cfg.Redis.Addrs)

	require.NotNil(t, cfg.Postgres)
	assert.Equal(t, "db", cfg.Postgres.Host)
	assert.Equal(t, 16, cfg.Postgres.MaxOpenConns)

	assert.EqualValues(t, 31337, cfg.HostChain)
	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, 500*time.Millisecond, cfg.Chains[0].ReceiptPoll)
	assert.EqualValues(t, 30, cfg.Chains[1].GasMargin)

	assert.Equal(t, chain.SignerModeAPI, cfg.Signer.Mode)
	assert.Equal(t, time.Minute, cfg.Signer.TokenTTL)

	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Executor.Lease)
	assert.Equal(t, 12, cfg.Lifecycle.Loop.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Lifecycle.Loop.ChainTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Lifecycle.ShutdownTimeout)
	assert.Equal(t, "50000000000000000", cfg.Lifecycle.MinGasPool.String())
	assert.Equal(t, 12, cfg.Direct.MaxIterations)

	assert.Equal(t, "strategyd", cfg.Pyroscope.ApplicationName)
	assert.True(t, cfg.OTel.Insecure)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	base := `
host_chain_id: 1
chains: [{id: 1, rpc_url: "http://node"}]
signer: {mode: local, private_key: "0x01"}
broker: {kind: memory}
`
	_, err := Parse([]byte(base))
	require.NoError(t, err)

	tests := map[string]string{
		"not yaml":         "broker: [",
		"unknown broker":   "host_chain_id: 1\nchains: [{id: 1, rpc_url: x}]\nsigner: {mode: local}\nbroker: {kind: kafka}",
		"amqp without url": "host_chain_id: 1\nchains: [{id: 1, rpc_url: x}]\nsigner: {mode: local}\nbroker: {kind: amqp}",
		"no chains":        "signer: {mode: local}\nbroker: {kind: memory}",
		"duplicate chain":  "host_chain_id: 1\nchains: [{id: 1, rpc_url: x}, {id: 1, rpc_url: y}]\nsigner: {mode: local}\nbroker: {kind: memory}",
		"missing rpc":      "host_chain_id: 1\nchains: [{id: 1}]\nsigner: {mode: local}\nbroker: {kind: memory}",
		"host not listed":  "host_chain_id: 2\nchains: [{id: 1, rpc_url: x}]\nsigner: {mode: local}\nbroker: {kind: memory}",
		"unknown signer":   "host_chain_id: 1\nchains: [{id: 1, rpc_url: x}]\nsigner: {mode: hsm}\nbroker: {kind: memory}",
		"bad gas pool":     base + "\nlifecycle: {min_gas_pool: lots}",
		"bad chaos rate":   "host_chain_id: 1\nchains: [{id: 1, rpc_url: x}]\nsigner: {mode: local}\nbroker: {kind: memory, chaos: {refuse_rate: 2}}",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, exception.ErrInvalidConfig)
		})
	}
}

func TestEtherToWei(t *testing.T) {
	tests := []struct {
		in   string
		want *big.Int
		err  bool
	}{
		{in: "", want: new(big.Int)},
		{in: "0", want: new(big.Int)},
		{in: "1", want: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)},
		{in: "0.000000000000000001", want: big.NewInt(1)},
		{in: "0.0000000000000000001", err: true},
		{in: "-1", err: true},
		{in: "abc", err: true},
	}
	for _, tt := range tests {
		got, err := EtherToWei(tt.in)
		if tt.err {
			assert.ErrorIs(t, err, exception.ErrInvalidConfig, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, 0, tt.want.Cmp(got), tt.in)
	}
}
