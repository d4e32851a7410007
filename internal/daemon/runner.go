// Package daemon wires one meshterm node together: identity, event log,
// sync engine, gossip transport, discovery, the SSH gateway and the ops API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"meshterm/internal/config"
	"meshterm/internal/debuglog"
	"meshterm/internal/discovery"
	"meshterm/internal/event"
	"meshterm/internal/gossip"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
	"meshterm/internal/opsapi"
	"meshterm/internal/render"
	"meshterm/internal/sshgw"
	"meshterm/internal/store"
	"meshterm/internal/syncengine"
)

const (
	TopicEvents = "meshterm/events/v1"
	TopicSync   = "meshterm/sync/v1"

	EventsFile = "events.db"
	BookFile   = "peers.jsonl"

	shutdownGrace = 5 * time.Second
)

// Runner owns every component of a node. Build it with NewRunner, start it
// with Run and release the event log with Close once Run has returned.
type Runner struct {
	Self     *node.Node
	Metrics  *metrics.Metrics
	EventLog *store.EventLog
	Engine   *syncengine.Engine
	Gossip   *gossip.Transport
	Table    *discovery.Table
	Gateway  *sshgw.Gateway
	Ops      *opsapi.Server

	cfg      config.Config
	log      zerolog.Logger
	beaconer *discovery.Beaconer
	bridge   *render.Bridge
	warn     *debuglog.Limiter
	gaps     *debuglog.Limiter

	mu      sync.Mutex
	ran     bool
	closed  bool
	readyCh chan struct{}
}

// NewRunner loads (or creates) the identity under cfg.Node.Home, opens the
// event log and builds every component. Nothing listens until Run.
func NewRunner(cfg config.Config, logger zerolog.Logger) (*Runner, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Node.Home, 0700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}
	self, err := node.LoadOrCreateIdentity(cfg.Node.Home, node.Options{Name: cfg.Node.Name})
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("node", self.ID.Short()).Logger()
	r := &Runner{
		Self:    self,
		Metrics: metrics.New(),
		cfg:     cfg,
		log:     logger,
		warn:    debuglog.NewLimiter(30 * time.Second),
		gaps:    debuglog.NewLimiter(2 * time.Second),
		readyCh: make(chan struct{}),
	}

	r.EventLog, err = store.Open(filepath.Join(cfg.Node.Home, EventsFile))
	if err != nil {
		return nil, err
	}
	if err := r.build(); err != nil {
		_ = r.EventLog.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runner) build() error {
	cfg := r.cfg
	var err error
	r.Gossip, err = gossip.New(r.Self, gossip.Config{
		ListenAddr:        cfg.Gossip.ListenAddr,
		HeartbeatInterval: cfg.Gossip.HeartbeatInterval,
		HeartbeatMisses:   cfg.Gossip.HeartbeatMisses,
		DedupCapacity:     cfg.Gossip.DedupCapacity,
		MaxConnsPerIP:     cfg.Gossip.MaxConnsPerIP,
		MaxStreamsPerIP:   cfg.Gossip.MaxStreamsPerIP,
		InboundRate:       cfg.Gossip.InboundRate,
		InboundBurst:      cfg.Gossip.InboundBurst,
		StrikeLimit:       cfg.Gossip.StrikeLimit,
		OutboundQueue:     cfg.Gossip.OutboundQueue,
		HandshakeTimeout:  cfg.Gossip.HandshakeTimeout,
	}, debuglog.Component(r.log, "gossip"), r.Metrics)
	if err != nil {
		return err
	}

	r.Engine, err = syncengine.New(r.Self, r.EventLog, syncengine.Options{
		Config: syncengine.Config{
			VerifyWorkers:    cfg.Sync.VerifyWorkers,
			MaxBuffered:      cfg.Sync.MaxBuffered,
			BufferRetention:  cfg.Sync.BufferRetention,
			CompactInterval:  cfg.Sync.CompactInterval,
			Retention:        cfg.Sync.Retention,
			KeepGenerations:  cfg.Sync.KeepGenerations,
			SubscriberBuffer: cfg.Sync.SubscriberBuffer,
			MissingLimit:     cfg.Sync.MissingLimit,
		},
		Logger:  debuglog.Component(r.log, "sync"),
		Metrics: r.Metrics,
		OnLocal: r.publishLocal,
	})
	if err != nil {
		return err
	}

	r.Table = discovery.NewTable(r.Self.ID, discovery.Config{
		BackoffBase:  cfg.Discovery.BackoffBase,
		BackoffMax:   cfg.Discovery.BackoffMax,
		RetryCeiling: cfg.Discovery.RetryCeiling,
		Cooldown:     cfg.Discovery.Cooldown,
		DialTimeout:  2 * cfg.Gossip.HandshakeTimeout,
		BookPath:     filepath.Join(cfg.Node.Home, BookFile),
	}, debuglog.Component(r.log, "discovery"), r.Metrics)

	seeds, err := discovery.ParseBootstrap(cfg.Discovery.Bootstrap)
	if err != nil {
		return err
	}
	for _, c := range seeds {
		r.Table.Add(c, discovery.SourceBootstrap)
	}

	title := fmt.Sprintf("%s (%s)", r.Self.Name, r.Self.ID.Short())
	r.bridge = render.New(r.Engine, render.Config{
		Mode:         cfg.Render.Mode,
		TickInterval: cfg.Render.TickInterval,
		WatchPrefix:  cfg.Render.WatchPrefix,
		Title:        title,
	}, debuglog.Component(r.log, "render"), r.Metrics)

	if cfg.SSH.Enabled {
		if err := r.buildGateway(); err != nil {
			return err
		}
	}

	deps := opsapi.Deps{
		Self:      r.Self,
		State:     r.Engine,
		Peers:     r.Gossip,
		Directory: r.Table,
		Metrics:   r.Metrics,
	}
	if r.Gateway != nil {
		deps.Sessions = r.Gateway
	}
	if cfg.Ops.ListenAddr != "" {
		r.Ops, err = opsapi.NewServer(opsapi.Config{
			ListenAddr: cfg.Ops.ListenAddr,
			Profiling:  cfg.Ops.Profiling,
		}, deps, debuglog.Component(r.log, "ops"))
		if err != nil {
			return err
		}
	}
	return nil
}

// buildGateway leaves the gateway off, with a warning, when no auth method
// is configured: the node still syncs.
func (r *Runner) buildGateway() error {
	cfg := r.cfg.SSH
	auth, err := sshgw.LoadAuthPolicy(cfg.AuthorizedKeysFile, cfg.PasswordHash, cfg.PasswordFile)
	if errors.Is(err, sshgw.ErrNoAuthMethod) {
		r.log.Warn().
			Str("authorized_keys", cfg.AuthorizedKeysFile).
			Str("password_file", cfg.PasswordFile).
			Msg("ssh gateway disabled: no authorized keys or password configured")
		return nil
	}
	if err != nil {
		return err
	}
	h := sshgw.HandlerFunc(func(ctx context.Context, t *sshgw.Terminal) error {
		return r.bridge.Serve(ctx, t)
	})
	r.Gateway, err = sshgw.New(r.Self, sshgw.Config{
		ListenAddr:   cfg.ListenAddr,
		MaxAuthTries: cfg.MaxAuthTries,
		MaxSessions:  cfg.MaxSessions,
		IdleTimeout:  cfg.IdleTimeout,
		MaxFPS:       cfg.MaxFPS,
	}, auth, h, debuglog.Component(r.log, "ssh"), r.Metrics)
	return err
}

// Ready is closed once every listener is bound.
func (r *Runner) Ready() <-chan struct{} {
	return r.readyCh
}

func (r *Runner) listen() error {
	if err := r.Gossip.Listen(); err != nil {
		return err
	}
	if r.Gateway != nil {
		if err := r.Gateway.Listen(); err != nil {
			return err
		}
	}
	if r.Ops != nil {
		if err := r.Ops.Listen(); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Components get shutdownGrace to stop once the first returns.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.ran || r.closed {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.ran = true
	r.mu.Unlock()

	if err := r.listen(); err != nil {
		r.Gossip.Close()
		return err
	}
	if err := r.Gossip.Subscribe(TopicEvents, r.handleEvent); err != nil {
		return err
	}
	if err := r.Gossip.Subscribe(TopicSync, r.handleSummary); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Engine.Run(gctx) })
	g.Go(func() error { return r.Gossip.Run(gctx) })
	g.Go(func() error { return r.Table.Run(gctx) })
	g.Go(func() error { return r.dialLoop(gctx) })
	g.Go(func() error { return r.peerLoop(gctx) })
	g.Go(func() error { return r.antiEntropyLoop(gctx) })
	g.Go(func() error { return r.snapshotLoop(gctx) })
	if r.cfg.Discovery.Multicast {
		b, err := discovery.NewBeaconer(r.Self, discovery.BeaconConfig{
			Group:      r.cfg.Discovery.MulticastGroup,
			Interval:   r.cfg.Discovery.Interval,
			ListenAddr: advertiseListen(r.Gossip.Addr()),
		}, r.Table, debuglog.Component(r.log, "beacon"), r.Metrics)
		if err != nil {
			r.log.Warn().Err(err).Msg("multicast discovery disabled")
		} else {
			r.beaconer = b
			g.Go(func() error { return b.Run(gctx) })
		}
	}
	if r.Gateway != nil {
		g.Go(func() error { return r.Gateway.Run(gctx) })
	}
	if r.Ops != nil {
		g.Go(func() error { return r.Ops.Run(gctx) })
	}

	r.log.Info().
		Str("name", r.Self.Name).
		Str("gossip", r.Gossip.Addr()).
		Str("ssh", r.sshAddr()).
		Str("ops", r.opsAddr()).
		Msg("node started")
	close(r.readyCh)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-gctx.Done():
		select {
		case err = <-done:
		case <-time.After(shutdownGrace):
			err = errors.New("shutdown timed out")
			r.log.Error().Dur("grace", shutdownGrace).Msg("components did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error().Err(err).Msg("node stopped")
		return err
	}
	r.log.Info().Msg("node stopped")
	return nil
}

// Close releases the event log. It is safe to call more than once.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.Gossip.Close()
	return r.EventLog.Close()
}

func (r *Runner) sshAddr() string {
	if r.Gateway == nil {
		return ""
	}
	return r.Gateway.Addr()
}

func (r *Runner) opsAddr() string {
	if r.Ops == nil {
		return ""
	}
	return r.Ops.Addr()
}

// advertiseListen turns a wildcard bind like "[::]:7420" into something a
// beacon can carry; receivers substitute the packet source for it.
func advertiseListen(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort("0.0.0.0", port)
	}
	return addr
}

// snapshotLoop writes the metrics file every SnapshotTick and once more on
// the way out so `meshterm status` sees final counters.
func (r *Runner) snapshotLoop(ctx context.Context) error {
	path := r.cfg.Ops.MetricsPath
	if path == "" {
		<-ctx.Done()
		return nil
	}
	tick := time.NewTicker(r.cfg.Ops.SnapshotTick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Metrics.WriteSnapshot(path); err != nil {
				r.log.Warn().Err(err).Msg("final metrics snapshot failed")
			}
			return nil
		case <-tick.C:
			if err := r.Metrics.WriteSnapshot(path); err != nil {
				debuglog.RateLimited(r.warn, "snapshot", r.log.Warn()).Err(err).Msg("metrics snapshot failed")
			}
		}
	}
}

// publishLocal floods a locally signed event. Peers that are offline catch
// up through summaries when they reconnect.
func (r *Runner) publishLocal(ev event.Event) {
	data, err := event.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Str("hash", ev.Hash.Short()).Msg("encode local event")
		return
	}
	n, err := r.Gossip.Publish(TopicEvents, data)
	if err != nil {
		r.log.Warn().Err(err).Msg("publish local event")
		return
	}
	r.log.Debug().Str("hash", ev.Hash.Short()).Uint64("seq", ev.Seq).Int("peers", n).Msg("event published")
}
