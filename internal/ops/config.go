// Package ops loads the process configuration.
package ops

import (
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"automation/internal/broker"
	"automation/internal/chain"
	"automation/internal/chaos"
	"automation/internal/direct"
	"automation/internal/executor"
	"automation/internal/failure"
	"automation/internal/lifecycle"
	"automation/internal/loop"
	"automation/internal/obs"
	"automation/pkg/backoff"
	"automation/pkg/conn"
	"automation/pkg/exception"
)

// BrokerKind selects the transport.
type BrokerKind string

const (
	BrokerAMQP   BrokerKind = "amqp"
	BrokerMemory BrokerKind = "memory"
)

func (k BrokerKind) IsAvailable() bool {
	return k == BrokerAMQP || k == BrokerMemory
}

// FileConfig mirrors the YAML config layout.
type FileConfig struct {
	InstanceID string           `yaml:"instance_id"`
	Broker     BrokerConfig     `yaml:"broker"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   *conn.Option     `yaml:"postgres"`
	HostChain  uint64           `yaml:"host_chain_id"`
	Chains     []ChainConfig    `yaml:"chains"`
	Signer     SignerConfig     `yaml:"signer"`
	Executor   executor.Config  `yaml:"executor"`
	Loop       loop.Config      `yaml:"loop"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Direct     direct.Config    `yaml:"direct"`
	Pyroscope  PyroscopeConfig  `yaml:"pyroscope"`
	OTel       obs.ExportConfig `yaml:"otel"`
}

// BrokerConfig describes the message broker.
type BrokerConfig struct {
	Kind           BrokerKind      `yaml:"kind"`
	URL            string          `yaml:"url"`
	Heartbeat      time.Duration   `yaml:"heartbeat"`
	ConfirmTimeout time.Duration   `yaml:"confirm_timeout"`
	MaxLength      int             `yaml:"max_length"`
	Capacity       int             `yaml:"capacity"`
	Backoff        backoff.Backoff `yaml:"backoff"`
	// Chaos injects transport faults when set. Test environments only.
	Chaos *chaos.Config `yaml:"chaos"`
}

// PublisherConfig bounds publish retries.
type PublisherConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Backoff     backoff.Backoff `yaml:"backoff"`
}

// RedisConfig locates the idempotency ledger. An empty address keeps the ledger in memory.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

// ChainConfig is one JSON-RPC endpoint.
type ChainConfig struct {
	ID          uint64        `yaml:"id"`
	RPCURL      string        `yaml:"rpc_url"`
	ReceiptPoll time.Duration `yaml:"receipt_poll"`
	GasMargin   uint64        `yaml:"gas_margin"`
}

// SignerConfig selects and configures the signer.
type SignerConfig struct {
	Mode       string        `yaml:"mode"`
	URL        string        `yaml:"url"`
	Secret     string        `yaml:"secret"`
	Issuer     string        `yaml:"issuer"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	Timeout    time.Duration `yaml:"timeout"`
	PrivateKey string        `yaml:"private_key"`
}

// LifecycleConfig tunes start and shutdown operations.
type LifecycleConfig struct {
	// MinGasPool is a decimal amount in ether.
	MinGasPool      string        `yaml:"min_gas_pool"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// PyroscopeConfig enables continuous profiling when ServerAddress is set.
type PyroscopeConfig struct {
	ServerAddress   string `yaml:"server_address"`
	ApplicationName string `yaml:"application_name"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	InstanceID string
	Broker     BrokerConfig
	Publisher  broker.PublisherConfig
	Redis      RedisConfig
	Postgres   *conn.Option
	HostChain  uint64
	Chains     []ChainConfig
	Signer     chain.SignerConfig
	Executor   executor.Config
	Lifecycle  lifecycle.Config
	Direct     direct.Config
	Pyroscope  PyroscopeConfig
	OTel       obs.ExportConfig
}

// AMQP converts the broker section into the transport config.
func (l Loaded) AMQP() broker.AMQPConfig {
	return broker.AMQPConfig{
		URL:            l.Broker.URL,
		Heartbeat:      l.Broker.Heartbeat,
		ConfirmTimeout: l.Broker.ConfirmTimeout,
		MaxLength:      l.Broker.MaxLength,
		Backoff:        l.Broker.Backoff,
	}
}

// Load reads a YAML config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, failure.Wrap(err, "read config "+path)
	}
	return Parse(data)
}

// Parse resolves YAML config bytes.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, failure.Wrap(exception.ErrInvalidConfig, "decode yaml: "+err.Error())
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	brokerCfg, err := resolveBroker(cfg.Broker)
	if err != nil {
		return Loaded{}, err
	}
	if err := validateChains(cfg.HostChain, cfg.Chains); err != nil {
		return Loaded{}, err
	}
	signer, err := resolveSigner(cfg.Signer)
	if err != nil {
		return Loaded{}, err
	}
	life, err := resolveLifecycle(cfg.Lifecycle, cfg.Loop)
	if err != nil {
		return Loaded{}, err
	}
	if cfg.Pyroscope.ServerAddress != "" && cfg.Pyroscope.ApplicationName == "" {
		cfg.Pyroscope.ApplicationName = "strategyd"
	}

	return Loaded{
		InstanceID: cfg.InstanceID,
		Broker:     brokerCfg,
		Publisher:  broker.PublisherConfig{MaxAttempts: cfg.Publisher.MaxAttempts, Backoff: cfg.Publisher.Backoff},
		Redis:      cfg.Redis,
		Postgres:   cfg.Postgres,
		HostChain:  cfg.HostChain,
		Chains:     cfg.Chains,
		Signer:     signer,
		Executor:   cfg.Executor,
		Lifecycle:  life,
		Direct:     cfg.Direct,
		Pyroscope:  cfg.Pyroscope,
		OTel:       cfg.OTel,
	}, nil
}

func resolveBroker(cfg BrokerConfig) (BrokerConfig, error) {
	if cfg.Kind == "" {
		cfg.Kind = BrokerAMQP
	}
	if !cfg.Kind.IsAvailable() {
		return BrokerConfig{}, failure.Wrap(exception.ErrInvalidConfig, "unknown broker kind "+string(cfg.Kind))
	}
	if cfg.Kind == BrokerAMQP && cfg.URL == "" {
		return BrokerConfig{}, failure.Wrap(exception.ErrInvalidConfig, "broker url is required for amqp")
	}
	if cfg.Chaos != nil {
		if err := cfg.Chaos.Validate(); err != nil {
			return BrokerConfig{}, err
		}
	}
	return cfg, nil
}

func validateChains(host uint64, chains []ChainConfig) error {
	if len(chains) == 0 {
		return failure.Wrap(exception.ErrInvalidConfig, "at least one chain is required")
	}
	seen := make(map[uint64]bool, len(chains))
	for _, c := range chains {
		id := strconv.FormatUint(c.ID, 10)
		if c.RPCURL == "" {
			return failure.Wrap(exception.ErrInvalidConfig, "chain "+id+" has no rpc_url")
		}
		if seen[c.ID] {
			return failure.Wrap(exception.ErrInvalidConfig, "chain "+id+" is configured twice")
		}
		seen[c.ID] = true
	}
	if !seen[host] {
		return failure.Wrap(exception.ErrInvalidConfig, "host chain "+strconv.FormatUint(host, 10)+" is not configured")
	}
	return nil
}

func resolveSigner(cfg SignerConfig) (chain.SignerConfig, error) {
	mode := chain.SignerMode(cfg.Mode)
	if !mode.IsAvailable() {
		return chain.SignerConfig{}, failure.Wrap(exception.ErrInvalidConfig, "unknown signer mode "+cfg.Mode)
	}
	return chain.SignerConfig{
		Mode:       mode,
		URL:        cfg.URL,
		Secret:     cfg.Secret,
		Issuer:     cfg.Issuer,
		TokenTTL:   cfg.TokenTTL,
		Timeout:    cfg.Timeout,
		PrivateKey: cfg.PrivateKey,
	}, nil
}

func resolveLifecycle(cfg LifecycleConfig, loopCfg loop.Config) (lifecycle.Config, error) {
	minGasPool, err := EtherToWei(cfg.MinGasPool)
	if err != nil {
		return lifecycle.Config{}, err
	}
	return lifecycle.Config{
		MinGasPool:      minGasPool,
		PollInterval:    cfg.PollInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
		StopTimeout:     cfg.StopTimeout,
		Loop:            loopCfg,
	}, nil
}

var weiPerEther = decimal.New(1, 18)

// EtherToWei parses a non-negative decimal ether amount. An empty string is zero.
func EtherToWei(amount string) (*big.Int, error) {
	if amount == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, failure.Wrap(exception.ErrInvalidConfig, "amount "+amount+" is not a decimal")
	}
	if d.IsNegative() {
		return nil, failure.Wrap(exception.ErrInvalidConfig, "amount "+amount+" is negative")
	}
	wei := d.Mul(weiPerEther)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, failure.Wrap(exception.ErrInvalidConfig, "amount "+amount+" is finer than one wei")
	}
	return wei.BigInt(), nil
}
