// Package config loads the node configuration from MESHTERM_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const Prefix = "MESHTERM_"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Node      NodeConfig      `envPrefix:"NODE_"`
	Gossip    GossipConfig    `envPrefix:"GOSSIP_"`
	Discovery DiscoveryConfig `envPrefix:"DISCOVERY_"`
	Sync      SyncConfig      `envPrefix:"SYNC_"`
	SSH       SSHConfig       `envPrefix:"SSH_"`
	Render    RenderConfig    `envPrefix:"RENDER_"`
	Ops       OpsConfig       `envPrefix:"OPS_"`
	Log       LogConfig       `envPrefix:"LOG_"`
}

type NodeConfig struct {
	// Home holds identity/, events.db and metrics.json. Empty means
	// ~/.meshterm.
	Home string `env:"HOME"`
	Name string `env:"NAME"`
}

type GossipConfig struct {
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:"0.0.0.0:7420"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	HeartbeatMisses   int           `env:"HEARTBEAT_MISSES" envDefault:"3"`
	DedupCapacity     int           `env:"DEDUP_CAPACITY" envDefault:"4096"`
	MaxConnsPerIP     int           `env:"MAX_CONNS_PER_IP" envDefault:"8"`
	MaxStreamsPerIP   int           `env:"MAX_STREAMS_PER_IP" envDefault:"64"`
	InboundRate       float64       `env:"INBOUND_RATE" envDefault:"200"`
	InboundBurst      int           `env:"INBOUND_BURST" envDefault:"400"`
	StrikeLimit       int           `env:"STRIKE_LIMIT" envDefault:"20"`
	OutboundQueue     int           `env:"OUTBOUND_QUEUE" envDefault:"256"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"5s"`
}

type DiscoveryConfig struct {
	Multicast      bool          `env:"MULTICAST" envDefault:"true"`
	MulticastGroup string        `env:"MULTICAST_GROUP" envDefault:"239.255.74.20:7421"`
	Interval       time.Duration `env:"INTERVAL" envDefault:"3s"`
	Bootstrap      []string      `env:"BOOTSTRAP" envSeparator:","`
	BackoffBase    time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX" envDefault:"2m"`
	RetryCeiling   int           `env:"RETRY_CEILING" envDefault:"6"`
	Cooldown       time.Duration `env:"COOLDOWN" envDefault:"10m"`
}

type SyncConfig struct {
	VerifyWorkers    int           `env:"VERIFY_WORKERS" envDefault:"4"`
	MaxBuffered      int           `env:"MAX_BUFFERED" envDefault:"10000"`
	BufferRetention  time.Duration `env:"BUFFER_RETENTION" envDefault:"10m"`
	CompactInterval  time.Duration `env:"COMPACT_INTERVAL" envDefault:"5m"`
	Retention        time.Duration `env:"RETENTION" envDefault:"24h"`
	KeepGenerations  uint64        `env:"KEEP_GENERATIONS" envDefault:"10000"`
	SubscriberBuffer int           `env:"SUBSCRIBER_BUFFER" envDefault:"64"`
	MissingLimit     int           `env:"MISSING_LIMIT" envDefault:"512"`
}

type SSHConfig struct {
	Enabled            bool          `env:"ENABLED" envDefault:"true"`
	ListenAddr         string        `env:"LISTEN_ADDR" envDefault:"127.0.0.1:2222"`
	// AuthorizedKeysFile defaults to <home>/authorized_keys.
	AuthorizedKeysFile string        `env:"AUTHORIZED_KEYS"`
	PasswordHash       string        `env:"PASSWORD_HASH"`
	// PasswordFile holds a bcrypt hash written by `meshterm passwd`; it is
	// read when PasswordHash is empty.
	PasswordFile       string        `env:"PASSWORD_FILE"`
	MaxAuthTries       int           `env:"MAX_AUTH_TRIES" envDefault:"3"`
	MaxSessions        int           `env:"MAX_SESSIONS" envDefault:"32"`
	IdleTimeout        time.Duration `env:"IDLE_TIMEOUT" envDefault:"10m"`
	MaxFPS             float64       `env:"MAX_FPS" envDefault:"20"`
}

type RenderConfig struct {
	Mode         string        `env:"MODE" envDefault:"change"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"250ms"`
	WatchPrefix  string        `env:"WATCH_PREFIX"`
}

type OpsConfig struct {
	ListenAddr   string        `env:"LISTEN_ADDR" envDefault:"127.0.0.1:7480"`
	MetricsPath  string        `env:"METRICS_PATH"`
	SnapshotTick time.Duration `env:"SNAPSHOT_TICK" envDefault:"10s"`
	// Profiling serves pprof under /debug on the ops listener.
	Profiling bool `env:"PPROF"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load parses the environment, fills derived defaults and validates.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("%w: parse env: %v", ErrInvalid, err)
	}
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultHome is ~/.meshterm, or ./.meshterm when the home dir is unknown.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".meshterm"
	}
	return filepath.Join(home, ".meshterm")
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Node.Home) == "" {
		c.Node.Home = DefaultHome()
	}
	if c.Ops.MetricsPath == "" {
		c.Ops.MetricsPath = filepath.Join(c.Node.Home, "metrics.json")
	}
	if c.SSH.AuthorizedKeysFile == "" {
		c.SSH.AuthorizedKeysFile = filepath.Join(c.Node.Home, "authorized_keys")
	}
	if c.SSH.PasswordFile == "" {
		c.SSH.PasswordFile = filepath.Join(c.Node.Home, "ssh_password.hash")
	}
	bootstrap := c.Discovery.Bootstrap[:0]
	for _, b := range c.Discovery.Bootstrap {
		if b = strings.TrimSpace(b); b != "" {
			bootstrap = append(bootstrap, b)
		}
	}
	c.Discovery.Bootstrap = bootstrap
	c.Render.Mode = strings.ToLower(strings.TrimSpace(c.Render.Mode))
	return c
}

// Normalize applies derived defaults after flags have overridden fields.
func (c Config) Normalize() Config {
	return c.normalized()
}

func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.Gossip.ListenAddr == "" {
		bad("gossip listen addr is required")
	}
	if c.Gossip.HeartbeatInterval <= 0 || c.Gossip.HeartbeatMisses < 1 {
		bad("heartbeat interval and misses must be positive")
	}
	if c.Gossip.DedupCapacity < 1 || c.Gossip.OutboundQueue < 1 {
		bad("dedup capacity and outbound queue must be positive")
	}
	if c.Gossip.InboundRate <= 0 || c.Gossip.InboundBurst < 1 {
		bad("inbound rate and burst must be positive")
	}
	if c.Discovery.Interval <= 0 || c.Discovery.BackoffBase <= 0 || c.Discovery.BackoffMax < c.Discovery.BackoffBase {
		bad("discovery interval and backoff must be positive with max >= base")
	}
	if c.Discovery.RetryCeiling < 1 || c.Discovery.Cooldown <= 0 {
		bad("retry ceiling and cooldown must be positive")
	}
	if c.Sync.VerifyWorkers < 1 || c.Sync.SubscriberBuffer < 1 || c.Sync.MaxBuffered < 1 {
		bad("sync workers, buffers and limits must be positive")
	}
	if c.Sync.BufferRetention <= 0 || c.Sync.CompactInterval <= 0 {
		bad("buffer retention and compaction interval must be positive")
	}
	if c.SSH.Enabled {
		if c.SSH.ListenAddr == "" {
			bad("ssh listen addr is required")
		}
		if c.SSH.MaxAuthTries < 1 || c.SSH.MaxSessions < 1 || c.SSH.IdleTimeout <= 0 || c.SSH.MaxFPS <= 0 {
			bad("ssh limits must be positive")
		}
	}
	switch c.Render.Mode {
	case "tick", "change":
	default:
		bad("render mode %q (want tick or change)", c.Render.Mode)
	}
	if c.Render.TickInterval <= 0 {
		bad("render tick interval must be positive")
	}
	if c.Ops.SnapshotTick <= 0 {
		bad("ops snapshot tick must be positive")
	}
	return errors.Join(errs...)
}
