package main

import (
	"context"
	"strconv"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"automation/internal/broker"
	"automation/internal/chain"
	"automation/internal/chaos"
	"automation/internal/effect"
	"automation/internal/executor"
	"automation/internal/failure"
	"automation/internal/idempotency"
	"automation/internal/obs"
	"automation/internal/ops"
	"automation/internal/store"
	"automation/internal/topology"
	"automation/pkg/conn"
	"automation/pkg/exception"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg      ops.Loaded
	metrics  *obs.Metrics
	broker   broker.Broker
	amqp     *broker.AMQP
	topology *topology.Manager
	pub      *broker.Publisher
	store    store.Store
	ledger   idempotency.Ledger
	chains   map[uint64]*chain.Transactor
	effects  *effect.Registry
	topics   *effect.TopicRegistry

	closers []func()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := ops.Load(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: obs.NewMetrics()}

	if err := a.openProfiler(); err != nil {
		a.close()
		return nil, err
	}
	stopExport, err := obs.StartExport(ctx, cfg.OTel)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := stopExport(context.Background()); err != nil {
			logs.Errorf("stop metric export, err: %+v", err)
		}
	})
	if err := a.openBroker(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openProfiler() error {
	if a.cfg.Pyroscope.ServerAddress == "" {
		return nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: a.cfg.Pyroscope.ApplicationName,
		ServerAddress:   a.cfg.Pyroscope.ServerAddress,
		Tags:            map[string]string{"instance": a.cfg.InstanceID},
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return failure.Wrap(err, "start pyroscope")
	}
	a.closers = append(a.closers, func() { _ = profiler.Stop() })
	return nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(string, ...interface{})  {}
func (profilerLogger) Debugf(string, ...interface{}) {}
func (profilerLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf("pyroscope: "+format, args...)
}

func (a *app) openBroker() error {
	switch a.cfg.Broker.Kind {
	case ops.BrokerMemory:
		m := broker.NewMemory(a.cfg.Broker.Capacity)
		a.broker = m
		a.topology = topology.New(m)
	default:
		amqpCfg := a.cfg.AMQP()
		amqpCfg.OnConnect = func(ctx context.Context) error {
			return a.topology.Restore(ctx)
		}
		amqpCfg.OnDisconnect = func(err error) {
			logs.Errorf("broker disconnected, err: %+v", err)
		}
		b, err := broker.NewAMQP(amqpCfg)
		if err != nil {
			return err
		}
		a.amqp = b
		a.broker = b
		a.topology = topology.New(b)
	}
	if c := a.cfg.Broker.Chaos; c != nil {
		noisy, err := chaos.Wrap(a.broker, *c)
		if err != nil {
			return err
		}
		logs.Infof("broker chaos enabled with seed %d", c.Seed)
		a.broker = noisy
	}
	a.pub = broker.NewPublisher(a.broker, a.cfg.Publisher, a.metrics)
	a.closers = append(a.closers, func() {
		if err := a.broker.Close(); err != nil {
			logs.Errorf("close broker, err: %+v", err)
		}
	})
	return nil
}

// runBroker keeps the AMQP connection alive until ctx ends. The memory broker needs nothing.
func (a *app) runBroker(ctx context.Context) error {
	if a.amqp == nil {
		<-ctx.Done()
		return nil
	}
	if err := a.amqp.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// ready blocks until the broker is connected and the shared topology is declared.
func (a *app) ready(ctx context.Context) error {
	if a.amqp != nil {
		if err := a.amqp.WaitReady(ctx); err != nil {
			return err
		}
	}
	return a.topology.DeclareShared(ctx)
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Postgres == nil {
		logs.Infof("no postgres configured, keeping strategies and logs in memory")
		a.store = store.NewMemory()
		return nil
	}
	client, err := conn.New(ctx, *a.cfg.Postgres)
	if err != nil {
		return failure.Wrap(err, "connect postgres")
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	g := store.NewGorm(client.DB())
	if err := g.Migrate(ctx); err != nil {
		return err
	}
	a.store = g
	return nil
}

func (a *app) openLedger(ctx context.Context) error {
	if len(a.cfg.Redis.Addrs) == 0 {
		logs.Infof("no redis configured, idempotency ledger is process local")
		a.ledger = idempotency.NewMemory()
		return nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addrs,
		Username: a.cfg.Redis.Username,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return failure.Wrap(err, "ping redis")
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.ledger = idempotency.NewRedis(client, a.cfg.Redis.Prefix)
	return nil
}

func (a *app) openChains(ctx context.Context) error {
	signer, err := chain.NewSigner(a.cfg.Signer)
	if err != nil {
		return err
	}
	a.chains = make(map[uint64]*chain.Transactor, len(a.cfg.Chains))
	for _, c := range a.cfg.Chains {
		client, err := chain.Dial(ctx, c.RPCURL, c.ReceiptPoll)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)

		id, err := client.ChainID(ctx)
		if err != nil {
			return failure.Wrap(err, "read chain id of "+c.RPCURL)
		}
		if !id.IsUint64() || id.Uint64() != c.ID {
			return failure.Wrap(exception.ErrInvalidConfig, "rpc "+c.RPCURL+" serves chain "+id.String()+", not "+strconv.FormatUint(c.ID, 10))
		}

		tx := chain.NewTransactor(client, signer)
		if c.GasMargin > 0 {
			tx.GasMargin = c.GasMargin
		}
		a.chains[c.ID] = tx
	}
	return nil
}

// openExecution opens everything an executor needs and registers the built-in handlers.
func (a *app) openExecution(ctx context.Context) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openLedger(ctx); err != nil {
		return err
	}
	if err := a.openChains(ctx); err != nil {
		return err
	}
	a.effects = effect.NewRegistry()
	a.topics = effect.NewTopicRegistry(a.store)
	return effect.RegisterBuiltins(a.effects, effect.Builtins{
		Store:  a.store,
		Binder: a.topology,
		Chains: a.chains,
		Topics: a.topics,
	})
}

func (a *app) executor() *executor.Executor {
	return executor.New(a.cfg.InstanceID, a.cfg.Executor, a.broker, a.pub, a.effects, a.ledger, a.metrics)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
