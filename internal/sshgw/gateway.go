// Package sshgw is the SSH front door: it authenticates operators, runs
// one interactive session per connection and hands the session's terminal
// to a Handler until the session closes.
package sshgw

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"meshterm/internal/debuglog"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
)

var ErrClosed = errors.New("ssh gateway closed")

// State is where a connection is in its lifecycle. It only moves forward.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reason says why a connection ended.
type Reason string

const (
	ReasonAuthFailed      Reason = "auth_failed"
	ReasonTooManySessions Reason = "too_many_sessions"
	ReasonIdleTimeout     Reason = "idle_timeout"
	ReasonProtocolError   Reason = "protocol_error"
	ReasonClientClosed    Reason = "client_closed"
	ReasonServerShutdown  Reason = "server_shutdown"
)

// Handler drives an established session. It must return once ctx is done;
// returning on its own ends the session as closed by the client.
type Handler interface {
	ServeTerminal(ctx context.Context, term *Terminal) error
}

type HandlerFunc func(ctx context.Context, term *Terminal) error

func (f HandlerFunc) ServeTerminal(ctx context.Context, term *Terminal) error { return f(ctx, term) }

type Config struct {
	ListenAddr       string
	MaxAuthTries     int
	MaxSessions      int
	IdleTimeout      time.Duration
	MaxFPS           float64
	HandshakeTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:2222"
	}
	if c.MaxAuthTries <= 0 {
		c.MaxAuthTries = 3
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 32
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.MaxFPS <= 0 {
		c.MaxFPS = 20
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	return c
}

type SessionInfo struct {
	ID     string    `json:"id"`
	User   string    `json:"user,omitempty"`
	Remote string    `json:"remote"`
	Method string    `json:"method,omitempty"`
	State  State     `json:"state"`
	Since  time.Time `json:"since"`
}

type Stats struct {
	Active       int               `json:"active"`
	Started      uint64            `json:"started"`
	AuthFailures uint64            `json:"auth_failures"`
	Closes       map[Reason]uint64 `json:"closes"`
}

type Gateway struct {
	cfg     Config
	auth    *AuthPolicy
	handler Handler
	signer  ssh.Signer
	log     zerolog.Logger
	lim     *debuglog.Limiter
	metrics *metrics.Metrics

	wg sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn
	active   int
	started  uint64
	authFail uint64
	closes   map[Reason]uint64
	closed   bool
}

func New(self *node.Node, cfg Config, auth *AuthPolicy, h Handler, logger zerolog.Logger, m *metrics.Metrics) (*Gateway, error) {
	if auth == nil {
		return nil, ErrNoAuthMethod
	}
	if h == nil {
		return nil, errors.New("ssh gateway needs a handler")
	}
	signer, err := HostSigner(self)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:     cfg.normalized(),
		auth:    auth,
		handler: h,
		signer:  signer,
		log:     logger,
		lim:     debuglog.NewLimiter(30 * time.Second),
		metrics: m,
		conns:   make(map[string]*conn),
		closes:  make(map[Reason]uint64),
	}, nil
}

// HostSigner presents the node identity key as the SSH host key.
func HostSigner(self *node.Node) (ssh.Signer, error) {
	if self == nil || len(self.PrivKey) != ed25519.PrivateKeySize {
		return nil, errors.New("ssh host key: node identity missing")
	}
	signer, err := ssh.NewSignerFromKey(ed25519.PrivateKey(self.PrivKey))
	if err != nil {
		return nil, fmt.Errorf("ssh host key: %w", err)
	}
	return signer, nil
}

func (g *Gateway) HostKey() ssh.PublicKey { return g.signer.PublicKey() }

func (g *Gateway) Listen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if g.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ssh listen %s: %w", g.cfg.ListenAddr, err)
	}
	g.listener = ln
	g.log.Info().Str("addr", ln.Addr().String()).Strs("auth", g.auth.Methods()).Msg("ssh gateway listening")
	return nil
}

func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.cfg.ListenAddr
}

// Run accepts connections until ctx is done, then waits for every session
// to close with server_shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Listen(); err != nil {
		return err
	}
	g.mu.Lock()
	ln := g.listener
	g.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		_ = ln.Close()
	})
	defer stop()
	defer g.wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("ssh accept: %w", err)
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.serve(ctx, nc)
		}()
	}
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Stats{
		Active:       g.active,
		Started:      g.started,
		AuthFailures: g.authFail,
		Closes:       make(map[Reason]uint64, len(g.closes)),
	}
	for r, n := range g.closes {
		st.Closes[r] = n
	}
	return st
}

// Sessions lists connections that have not finished closing.
func (g *Gateway) Sessions() []SessionInfo {
	g.mu.Lock()
	out := make([]SessionInfo, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c.info())
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

type conn struct {
	id     string
	remote string
	since  time.Time

	lastInput atomic.Int64

	mu         sync.Mutex
	state      State
	user       string
	method     string
	authFailed bool // the latest auth attempt was rejected
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	if s > c.state {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *conn) info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{ID: c.id, User: c.user, Remote: c.remote, Method: c.method, State: c.state, Since: c.since}
}

func (c *conn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastInput.Load()))
}

func (g *Gateway) serverConfig(c *conn) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		MaxAuthTries:  g.cfg.MaxAuthTries,
		ServerVersion: "SSH-2.0-meshterm",
		AuthLogCallback: func(md ssh.ConnMetadata, method string, err error) {
			if method == "none" {
				return
			}
			c.mu.Lock()
			c.authFailed = err != nil
			if err == nil {
				c.user = md.User()
				c.method = method
			}
			c.mu.Unlock()
			if err != nil {
				g.mu.Lock()
				g.authFail++
				g.mu.Unlock()
				g.metrics.IncAuthFailure()
				if g.lim.Allow("auth:" + c.remote) {
					g.log.Warn().Str("conn", c.id).Str("remote", c.remote).Str("user", md.User()).Str("method", method).Msg("ssh auth failed")
				}
			}
		},
	}
	if len(g.auth.keys) > 0 {
		cfg.PublicKeyCallback = func(md ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			comment, ok := g.auth.checkKey(key)
			if !ok {
				return nil, errors.New("key not authorized")
			}
			return &ssh.Permissions{Extensions: map[string]string{
				"key-fp":      ssh.FingerprintSHA256(key),
				"key-comment": comment,
			}}, nil
		}
	}
	if g.auth.passwordHash != nil {
		cfg.PasswordCallback = func(md ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if !g.auth.checkPassword(password) {
				return nil, errors.New("wrong password")
			}
			return &ssh.Permissions{}, nil
		}
	}
	cfg.AddHostKey(g.signer)
	return cfg
}

func (g *Gateway) track(c *conn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) reserve() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active >= g.cfg.MaxSessions {
		return false
	}
	g.active++
	g.started++
	return true
}

func (g *Gateway) finish(c *conn, reason Reason, established bool) {
	c.setState(StateClosed)
	g.mu.Lock()
	delete(g.conns, c.id)
	g.closes[reason]++
	if established {
		g.active--
	}
	g.mu.Unlock()
	g.metrics.IncClose(string(reason))
	if established {
		g.metrics.SessionEnded()
	}
	info := c.info()
	g.log.Info().Str("conn", c.id).Str("remote", c.remote).Str("user", info.User).
		Str("reason", string(reason)).Dur("age", time.Since(c.since)).Msg("ssh connection closed")
}

func (g *Gateway) serve(ctx context.Context, nc net.Conn) {
	now := time.Now()
	c := &conn{id: uuid.NewString(), remote: nc.RemoteAddr().String(), since: now, state: StateConnecting}
	c.lastInput.Store(now.UnixNano())
	g.track(c)

	_ = nc.SetDeadline(now.Add(g.cfg.HandshakeTimeout))
	stopHandshake := context.AfterFunc(ctx, func() { _ = nc.Close() })
	c.setState(StateAuthenticating)
	sc, chans, reqs, err := ssh.NewServerConn(nc, g.serverConfig(c))
	if !stopHandshake() || err != nil {
		reason := ReasonProtocolError
		var authErr *ssh.ServerAuthError
		c.mu.Lock()
		switch {
		case ctx.Err() != nil:
			reason = ReasonServerShutdown
		case errors.As(err, &authErr) && c.authFailed:
			// Gave up or ran out of tries right after a rejected attempt.
			reason = ReasonAuthFailed
		}
		c.mu.Unlock()
		c.setState(StateClosing)
		if sc != nil {
			_ = sc.Close()
		}
		_ = nc.Close()
		g.finish(c, reason, false)
		return
	}
	_ = nc.SetDeadline(time.Time{})
	go ssh.DiscardRequests(reqs)

	if !g.reserve() {
		c.setState(StateClosing)
		rejectSessions(chans, ReasonTooManySessions)
		_ = sc.Close()
		g.finish(c, ReasonTooManySessions, false)
		return
	}
	c.setState(StateEstablished)
	c.lastInput.Store(time.Now().UnixNano())
	g.metrics.SessionStarted()
	info := c.info()
	g.log.Info().Str("conn", c.id).Str("remote", c.remote).Str("user", info.User).Str("method", info.Method).Msg("ssh session established")

	reason := g.runSession(ctx, c, sc, chans)
	c.setState(StateClosing)
	_ = sc.Close()
	g.finish(c, reason, true)
}

// rejectSessions refuses the first channel the client opens so it sees the
// reason, then gives up.
func rejectSessions(chans <-chan ssh.NewChannel, reason Reason) {
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case nch, ok := <-chans:
		if ok {
			_ = nch.Reject(ssh.ResourceShortage, string(reason))
		}
	case <-timer.C:
	}
}

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type exitStatus struct {
	Status uint32
}

func (g *Gateway) runSession(ctx context.Context, c *conn, sc *ssh.ServerConn, chans <-chan ssh.NewChannel) Reason {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reasons := make(chan Reason, 4)
	report := func(r Reason) {
		select {
		case reasons <- r:
		default:
		}
	}
	shells := make(chan *Terminal, 1)
	var (
		termMu sync.Mutex
		term   *Terminal
	)

	go func() {
		accepted := false
		for nch := range chans {
			if nch.ChannelType() != "session" {
				_ = nch.Reject(ssh.UnknownChannelType, "only session channels are served")
				continue
			}
			if accepted {
				_ = nch.Reject(ssh.Prohibited, "one session per connection")
				continue
			}
			ch, reqs, err := nch.Accept()
			if err != nil {
				report(ReasonProtocolError)
				return
			}
			accepted = true
			info := c.info()
			t := newTerminal(c.id, info.User, c.remote, ch, g.cfg.MaxFPS, &c.lastInput)
			termMu.Lock()
			term = t
			termMu.Unlock()
			go g.sessionRequests(t, reqs, shells, report)
		}
		report(ReasonClientClosed)
	}()

	tick := g.cfg.IdleTimeout / 4
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var handlerDone chan struct{}
	reason := ReasonClientClosed
loop:
	for {
		select {
		case <-ctx.Done():
			reason = ReasonServerShutdown
			break loop
		case reason = <-reasons:
			break loop
		case t := <-shells:
			handlerDone = make(chan struct{})
			go func() {
				defer close(handlerDone)
				err := g.handler.ServeTerminal(sctx, t)
				switch {
				case sctx.Err() != nil:
				case err != nil:
					g.log.Warn().Err(err).Str("conn", c.id).Msg("ssh session handler failed")
					report(ReasonProtocolError)
				default:
					report(ReasonClientClosed)
				}
			}()
		case now := <-ticker.C:
			if c.idleFor(now) > g.cfg.IdleTimeout {
				reason = ReasonIdleTimeout
				break loop
			}
		}
	}

	termMu.Lock()
	t := term
	termMu.Unlock()
	if t != nil {
		switch reason {
		case ReasonIdleTimeout, ReasonServerShutdown:
			_ = t.write([]byte("\r\nmeshterm: session closed (" + string(reason) + ")\r\n"))
		}
		_, _ = t.ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{}))
		_ = t.ch.Close()
	}
	cancel()
	if handlerDone != nil {
		select {
		case <-handlerDone:
		case <-time.After(2 * time.Second):
			g.log.Warn().Str("conn", c.id).Msg("ssh session handler did not stop")
		}
	}
	return reason
}

func (g *Gateway) sessionRequests(t *Terminal, reqs <-chan *ssh.Request, shells chan<- *Terminal, report func(Reason)) {
	shell := false
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				report(ReasonProtocolError)
				return
			}
			t.setPty(p.Term, p.Cols, p.Rows)
			_ = req.Reply(true, nil)
		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err != nil {
				report(ReasonProtocolError)
				return
			}
			t.resize(w.Cols, w.Rows)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell":
			if shell {
				_ = req.Reply(false, nil)
				continue
			}
			shell = true
			_ = req.Reply(true, nil)
			shells <- t
		default:
			// exec, subsystem, env and forwarding are not served.
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}
