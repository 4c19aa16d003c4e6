package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Prismer-AI/offsync"
)

// app holds the wired sync core of one host process.
type app struct {
	cfg      *offsync.Config
	logger   *slog.Logger
	emitter  *offsync.Emitter
	metrics  *offsync.VMCollector
	store    offsync.Store
	remote   *offsync.RemoteClient
	monitor  *offsync.ConnectivityMonitor
	registry *offsync.SyncRegistry
	queues   map[string]*offsync.SyncQueue[*offsync.Document]
	adapters map[string]*offsync.CollectionAdapter[*offsync.Document]
	realtime *offsync.RealtimeChannelManager
	closers  []func()
}

type appOptions struct {
	// offline builds the core without touching the network: the monitor
	// starts offline and realtime is not wired.
	offline bool
}

func newApp(ctx context.Context, cfg *offsync.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		emitter:  offsync.NewEmitter(),
		metrics:  offsync.NewVMCollector(),
		queues:   make(map[string]*offsync.SyncQueue[*offsync.Document]),
		adapters: make(map[string]*offsync.CollectionAdapter[*offsync.Document]),
		registry: offsync.NewSyncRegistry(logger),
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	a.remote = offsync.NewRemoteClient(cfg.Remote.URL,
		offsync.WithToken(cfg.Remote.Token),
		offsync.WithTimeout(cfg.Remote.Timeout),
	)

	monitor, err := offsync.NewConnectivityMonitor(&offsync.MonitorOptions{
		FailureThreshold: cfg.Connectivity.FailureThreshold,
		ProbeTimeout:     cfg.Connectivity.ProbeTimeout,
		Prober:           offsync.ProberFunc(a.remote.Probe),
		ProbeOnResume:    true,
		StartOffline:     opts.offline,
		Logger:           logger,
		Emitter:          a.emitter,
		Metrics:          a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.monitor = monitor
	if cfg.Connectivity.SimulateOffline {
		monitor.SetSimulatedOffline(true)
	}

	for _, name := range cfg.Sync.Collections {
		if err := a.addCollection(name, opts.offline); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Realtime.Enabled && !opts.offline {
		if err := a.wireRealtime(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) addCollection(name string, offline bool) error {
	items, err := offsync.NewItemStore(a.store, name, func() *offsync.Document { return &offsync.Document{} })
	if err != nil {
		return err
	}
	adapter, err := offsync.NewCollectionAdapter(a.remote, name, items, nil)
	if err != nil {
		return err
	}
	queue, err := offsync.NewSyncQueue(name, offsync.Adapter[*offsync.Document](adapter), a.monitor, &offsync.QueueOptions{
		DisableAutoSync: offline || !a.cfg.Sync.AutoSync,
		Concurrency:     a.cfg.Sync.Concurrency,
		Scheduler:       a.cfg.SchedulerConfig(),
		OnRefresh:       func() { go a.refresh(adapter) },
		Logger:          a.logger,
		Emitter:         a.emitter,
		Metrics:         a.metrics,
	})
	if err != nil {
		return err
	}
	a.queues[name] = queue
	a.adapters[name] = adapter
	a.registry.Register(name, queue)
	a.closers = append(a.closers, queue.Close)
	return nil
}

// refresh pulls the collection after a sweep pushed local changes.
func (a *app) refresh(adapter *offsync.CollectionAdapter[*offsync.Document]) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Remote.Timeout)
	defer cancel()
	n, err := adapter.Refresh(ctx, "")
	if err != nil {
		a.logger.Warn("collection refresh failed", "collection", adapter.Collection(), "error", err)
		return
	}
	a.logger.Debug("collection refreshed", "collection", adapter.Collection(), "records", n)
}

func (a *app) wireRealtime() error {
	sub, closeSub, err := newSubscriber(a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeSub)

	m, err := offsync.NewRealtimeChannelManager(sub, a.monitor, &offsync.RealtimeOptions{
		Topics:    a.cfg.TopicProvider(),
		Sink:      offsync.NotificationSinkFunc(a.logNotification),
		Scheduler: a.cfg.SchedulerConfig(),
		Logger:    a.logger,
		Emitter:   a.emitter,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.realtime = m
	a.closers = append(a.closers, m.Close)
	return nil
}

func (a *app) logNotification(msg offsync.RealtimeMessage) {
	level := slog.LevelInfo
	switch msg.Severity {
	case offsync.SeverityError:
		level = slog.LevelError
	case offsync.SeverityWarning:
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "notification", "topic", msg.Topic, "message", msg.Text, "variant", msg.Severity)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) bridge() *offsync.Bridge {
	opts := []offsync.BridgeOption{
		offsync.WithBridgeEmitter(a.emitter),
		offsync.WithBridgeMetrics(a.metrics.Handler()),
		offsync.WithBridgeSecret(a.cfg.Bridge.Secret),
		offsync.WithBridgeLogger(a.logger),
	}
	if a.realtime != nil {
		opts = append(opts, offsync.WithBridgeRealtime(a.realtime))
	}
	return offsync.NewBridge(a.registry, a.monitor, opts...)
}

func openStore(ctx context.Context, cfg offsync.StoreConfig) (offsync.Store, error) {
	switch cfg.Driver {
	case "memory":
		return offsync.NewMemoryStore(), nil
	case "sqlite":
		return offsync.OpenSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newSubscriber builds the configured realtime transport and a func that
// shuts it down.
func newSubscriber(cfg *offsync.Config, logger *slog.Logger) (offsync.Subscriber, func(), error) {
	rc := cfg.Realtime
	switch rc.Transport {
	case "sse":
		s := offsync.NewSSESubscriber(cfg.Remote.URL,
			offsync.WithSSEToken(cfg.Remote.Token),
			offsync.WithSSEIdleTimeout(rc.IdleTimeout),
			offsync.WithSSELogger(logger),
		)
		return s, func() { s.Disconnect() }, nil
	case "ws":
		s := offsync.NewWSSubscriber(cfg.Remote.URL,
			offsync.WithWSToken(cfg.Remote.Token),
			offsync.WithWSHeartbeat(rc.Heartbeat),
			offsync.WithWSLogger(logger),
		)
		return s, func() { s.Disconnect() }, nil
	case "nats":
		nc, err := offsync.DialNATS(rc.NATSURL, "offsync")
		if err != nil {
			return nil, nil, err
		}
		s := offsync.NewNATSSubscriber(nc,
			offsync.WithSubjectPrefix(rc.SubjectPrefix),
			offsync.WithNATSLogger(logger),
		)
		return s, nc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown realtime transport %q", rc.Transport)
	}
}

// shutdownTimeout bounds graceful shutdown of the bridge server.
const shutdownTimeout = 5 * time.Second
