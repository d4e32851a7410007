// Package gossip is the peer transport: QUIC connections authenticated by
// the signed node handshake, a sealed control stream per connection and
// lazily opened topic substreams carrying flood-with-dedup messages.
package gossip

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"meshterm/internal/crypto"
	"meshterm/internal/debuglog"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
	"meshterm/internal/proto"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrHandshake    = errors.New("gossip handshake failed")
	ErrClosed       = errors.New("transport closed")

	errDuplicate = errors.New("duplicate connection")
	errStrikes   = errors.New("strike limit reached")
	errHeartbeat = errors.New("heartbeat timeout")
	errShutdown  = errors.New("shutting down")
)

const (
	codeNormal quic.ApplicationErrorCode = iota
	codeHandshake
	codeRefused
	codeDuplicate
	codeStrikes
	codeHeartbeat
)

type Config struct {
	ListenAddr string
	// AdvertiseAddr is sent in hello1; empty uses the bound listen address.
	AdvertiseAddr     string
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	DedupCapacity     int
	DedupTTL          time.Duration
	MaxConnsPerIP     int
	MaxStreamsPerIP   int
	InboundRate       float64
	InboundBurst      int
	StrikeLimit       int
	OutboundQueue     int
	HandshakeTimeout  time.Duration
}

func (c Config) normalized() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:7420"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 1
	}
	if c.StrikeLimit <= 0 {
		c.StrikeLimit = 20
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	return c
}

// Message is a received topic message. Direct messages were addressed to
// this node only.
type Message struct {
	Topic  string
	ID     [32]byte
	Data   []byte
	From   node.PeerID
	Direct bool
}

// Handler consumes messages of one topic. A non-nil error rejects the
// message: it is not forwarded and the sender gets a strike.
type Handler func(ctx context.Context, m Message) error

// PeerEvent reports a connection coming up or going down.
type PeerEvent struct {
	ID   node.PeerID
	Name string
	// ListenAddr is the address the peer advertised in its handshake.
	ListenAddr string
	// Dialed is the address this node dialed; empty for inbound peers.
	Dialed  string
	Remote  net.Addr
	Inbound bool
	Up      bool
	Err     error
}

type PeerInfo struct {
	ID      node.PeerID `json:"id"`
	Name    string      `json:"name,omitempty"`
	Remote  string      `json:"remote"`
	Inbound bool        `json:"inbound"`
	Topics  []string    `json:"topics"`
	Since   time.Time   `json:"since"`
	Strikes int         `json:"strikes"`
}

type topic struct {
	handler Handler
	seen    *dedupCache
}

type Transport struct {
	self    *node.Node
	cfg     Config
	log     zerolog.Logger
	lim     *debuglog.Limiter
	metrics *metrics.Metrics
	cert    tls.Certificate
	ipLim   *ipLimiter
	events  chan PeerEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener *quic.Listener
	peers    map[node.PeerID]*peerConn
	topics   map[string]*topic
	closed   bool
}

func New(self *node.Node, cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Transport, error) {
	cert, err := selfCert(self)
	if err != nil {
		return nil, err
	}
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		self:    self,
		cfg:     cfg,
		log:     logger,
		lim:     debuglog.NewLimiter(30 * time.Second),
		metrics: m,
		cert:    cert,
		ipLim:   newIPLimiter(cfg.MaxConnsPerIP, cfg.MaxStreamsPerIP),
		events:  make(chan PeerEvent, 64),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[node.PeerID]*peerConn),
		topics:  make(map[string]*topic),
	}, nil
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:  t.cfg.HandshakeTimeout,
		MaxIdleTimeout:        time.Duration(t.cfg.HeartbeatMisses+1) * t.cfg.HeartbeatInterval,
		MaxIncomingStreams:    2,
		MaxIncomingUniStreams: 256,
	}
}

// Listen binds the listener without accepting yet.
func (t *Transport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.listener != nil {
		return nil
	}
	ln, err := quic.ListenAddr(t.cfg.ListenAddr, serverTLSConfig(t.cert), t.quicConfig())
	if err != nil {
		return fmt.Errorf("gossip listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = ln
	t.log.Info().Str("addr", ln.Addr().String()).Msg("gossip listening")
	return nil
}

// Addr is the bound listen address, or the configured one before Listen.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.cfg.ListenAddr
}

func (t *Transport) advertised() string {
	if t.cfg.AdvertiseAddr != "" {
		return t.cfg.AdvertiseAddr
	}
	return t.Addr()
}

// Events reports peers coming up and going down. Nothing is sent once the
// transport is closed.
func (t *Transport) Events() <-chan PeerEvent {
	return t.events
}

func (t *Transport) emit(ev PeerEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Run accepts inbound connections until ctx is done, then closes every
// peer connection.
func (t *Transport) Run(ctx context.Context) error {
	if err := t.Listen(); err != nil {
		return err
	}
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-t.ctx.Done():
		}
		t.Close()
	}()
	for {
		conn, err := ln.Accept(t.ctx)
		if err != nil {
			if ctx.Err() != nil || t.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gossip accept: %w", err)
		}
		go t.accept(conn)
	}
}

// Close tears down every connection and the listener.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	ln := t.listener
	t.mu.Unlock()

	t.cancel()
	for _, p := range peers {
		p.close(errShutdown)
	}
	if ln != nil {
		_ = ln.Close()
	}
}

func (t *Transport) accept(conn *quic.Conn) {
	ip := hostOf(conn.RemoteAddr())
	if !t.ipLim.acquireConn(ip) {
		_ = conn.CloseWithError(codeRefused, "too many connections")
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	p, err := t.respond(ctx, conn)
	if err != nil {
		t.ipLim.releaseConn(ip)
		t.metrics.IncHandshakeFail()
		debuglog.RateLimited(t.lim, "handshake:"+ip, t.log.Debug()).Err(err).Str("remote", conn.RemoteAddr().String()).Msg("inbound handshake failed")
		_ = conn.CloseWithError(codeHandshake, "handshake")
		return
	}
	p.countedConn = true
	_ = t.register(p)
}

// Dial connects to addr. want may be zero when only the address is known;
// otherwise the responder must prove it owns want. Dialing a peer that is
// already connected returns its id without a new connection.
func (t *Transport) Dial(ctx context.Context, addr string, want node.PeerID) (node.PeerID, error) {
	if !want.IsZero() && t.connected(want) {
		return want, nil
	}
	if t.ctx.Err() != nil {
		return node.PeerID{}, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(t.cert), t.quicConfig())
	if err != nil {
		return node.PeerID{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	p, err := t.initiate(ctx, conn, want)
	if err != nil {
		t.metrics.IncHandshakeFail()
		_ = conn.CloseWithError(codeHandshake, "handshake")
		if !want.IsZero() && t.connected(want) {
			return want, nil
		}
		return node.PeerID{}, err
	}
	p.dialed = addr
	if err := t.register(p); err != nil && !errors.Is(err, errDuplicate) {
		return node.PeerID{}, err
	}
	return p.id, nil
}

func deadlineOf(ctx context.Context) time.Time {
	dl, _ := ctx.Deadline()
	return dl
}

func (t *Transport) initiate(ctx context.Context, conn *quic.Conn, want node.PeerID) (*peerConn, error) {
	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open control: %v", ErrHandshake, err)
	}
	_ = ctrl.SetDeadline(deadlineOf(ctx))
	h1, pending, err := t.self.BuildHello1(want, t.advertised())
	if err != nil {
		return nil, err
	}
	data, err := proto.EncodeHello1Msg(h1)
	if err != nil {
		pending.Destroy()
		return nil, err
	}
	if err := proto.WriteFrame(ctrl, data); err != nil {
		pending.Destroy()
		return nil, fmt.Errorf("%w: send hello1: %v", ErrHandshake, err)
	}
	raw, err := proto.ReadFrameWithTypeCap(ctrl, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		pending.Destroy()
		return nil, fmt.Errorf("%w: read hello2: %v", ErrHandshake, err)
	}
	h2, err := proto.DecodeHello2Msg(raw)
	if err != nil {
		pending.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	sess, err := t.self.HandleHello2(h2, pending)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if !certMatches(conn.ConnectionState().TLS, sess.PeerPub) {
		t.self.Sessions.Delete(sess.Peer, sess)
		return nil, fmt.Errorf("%w: certificate key mismatch", ErrHandshake)
	}
	_ = ctrl.SetDeadline(time.Time{})
	return newPeerConn(t, conn, ctrl, sess, false), nil
}

func (t *Transport) respond(ctx context.Context, conn *quic.Conn) (*peerConn, error) {
	ctrl, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: accept control: %v", ErrHandshake, err)
	}
	_ = ctrl.SetDeadline(deadlineOf(ctx))
	raw, err := proto.ReadFrameWithTypeCap(ctrl, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		return nil, fmt.Errorf("%w: read hello1: %v", ErrHandshake, err)
	}
	h1, err := proto.DecodeHello1Msg(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	h2, sess, err := t.self.HandleHello1(h1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if !certMatches(conn.ConnectionState().TLS, sess.PeerPub) {
		t.self.Sessions.Delete(sess.Peer, sess)
		return nil, fmt.Errorf("%w: certificate key mismatch", ErrHandshake)
	}
	data, err := proto.EncodeHello2Msg(h2)
	if err != nil {
		return nil, err
	}
	if err := proto.WriteFrame(ctrl, data); err != nil {
		t.self.Sessions.Delete(sess.Peer, sess)
		return nil, fmt.Errorf("%w: send hello2: %v", ErrHandshake, err)
	}
	_ = ctrl.SetDeadline(time.Time{})
	return newPeerConn(t, conn, ctrl, sess, true), nil
}

// register installs p. Of two connections between the same pair, both
// sides keep the one initiated by the lower peer id.
func (t *Transport) register(p *peerConn) error {
	lower := t.self.ID
	if p.id.Less(lower) {
		lower = p.id
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.close(ErrClosed)
		return ErrClosed
	}
	old, exists := t.peers[p.id]
	if exists && !(p.initiator() == lower && old.initiator() != lower) {
		t.mu.Unlock()
		p.close(errDuplicate)
		return errDuplicate
	}
	t.peers[p.id] = p
	topics := t.topicNamesLocked()
	t.mu.Unlock()

	if exists {
		old.close(errDuplicate)
	} else {
		t.metrics.AddPeers(1)
	}
	p.start(topics)
	t.log.Info().Str("peer", p.id.Short()).Str("name", p.name).Bool("inbound", p.inbound).Msg("peer connected")
	t.emit(PeerEvent{
		ID:         p.id,
		Name:       p.name,
		ListenAddr: p.listenAddr,
		Dialed:     p.dialed,
		Remote:     p.conn.RemoteAddr(),
		Inbound:    p.inbound,
		Up:         true,
	})
	return nil
}

func (t *Transport) remove(p *peerConn, err error) {
	t.mu.Lock()
	cur, ok := t.peers[p.id]
	removed := ok && cur == p
	if removed {
		delete(t.peers, p.id)
	}
	t.mu.Unlock()
	if !removed {
		return
	}
	t.metrics.AddPeers(-1)
	t.log.Info().Err(err).Str("peer", p.id.Short()).Msg("peer disconnected")
	t.emit(PeerEvent{
		ID:         p.id,
		Name:       p.name,
		ListenAddr: p.listenAddr,
		Dialed:     p.dialed,
		Remote:     p.conn.RemoteAddr(),
		Inbound:    p.inbound,
		Err:        err,
	})
}

func (t *Transport) connected(id node.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[id]
	return ok
}

func (t *Transport) peer(id node.PeerID) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[id]
}

func (t *Transport) snapshotPeers() []*peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *Transport) topicNamesLocked() []string {
	names := make([]string, 0, len(t.topics))
	for name := range t.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe installs h for topic and announces interest to every peer.
// Resubscribing replaces the handler and keeps the dedup cache.
func (t *Transport) Subscribe(name string, h Handler) error {
	if err := proto.ValidateTopic(name); err != nil {
		return err
	}
	if h == nil {
		return errors.New("nil handler")
	}
	t.mu.Lock()
	if tp, ok := t.topics[name]; ok {
		tp.handler = h
		t.mu.Unlock()
		return nil
	}
	t.topics[name] = &topic{handler: h, seen: newDedupCache(t.cfg.DedupCapacity, t.cfg.DedupTTL)}
	t.mu.Unlock()
	t.announce(proto.MsgTypeSubscribe, name)
	return nil
}

func (t *Transport) Unsubscribe(name string) {
	t.mu.Lock()
	_, ok := t.topics[name]
	delete(t.topics, name)
	t.mu.Unlock()
	if ok {
		t.announce(proto.MsgTypeUnsubscribe, name)
	}
}

func (t *Transport) announce(msgType, name string) {
	for _, p := range t.snapshotPeers() {
		p.sendControl(proto.ControlMsg{Type: msgType, Topics: []string{name}})
	}
}

func (t *Transport) topic(name string) (Handler, *dedupCache, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[name]
	if !ok {
		return nil, nil, false
	}
	return tp.handler, tp.seen, true
}

func messageID(data []byte) [32]byte {
	var id [32]byte
	copy(id[:], crypto.SHA3_256(data))
	return id
}

// Publish floods data to every peer subscribed to topic and returns how
// many peers it was queued for. Data already seen on the topic is not
// sent again.
func (t *Transport) Publish(name string, data []byte) (int, error) {
	if err := proto.ValidateTopic(name); err != nil {
		return 0, err
	}
	id := messageID(data)
	if _, seen, ok := t.topic(name); ok && !seen.Add(id, time.Now()) {
		return 0, nil
	}
	enc, err := proto.EncodeGossipMsg(proto.GossipMsg{Topic: name, ID: hex.EncodeToString(id[:]), Data: proto.EncodeBytes(data)})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range t.snapshotPeers() {
		if p.wants(name) && p.enqueue(name, enc) {
			n++
		}
	}
	return n, nil
}

// SendDirect delivers data to one peer on topic. The receiver never
// forwards it.
func (t *Transport) SendDirect(to node.PeerID, name string, data []byte) error {
	p := t.peer(to)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, to.Short())
	}
	id := messageID(data)
	enc, err := proto.EncodeGossipMsg(proto.GossipMsg{Topic: name, ID: hex.EncodeToString(id[:]), Data: proto.EncodeBytes(data), Direct: true})
	if err != nil {
		return err
	}
	if !p.enqueue(name, enc) {
		return fmt.Errorf("outbound queue full for %s", to.Short())
	}
	return nil
}

// receive runs the dedup, handler and forward steps for one message.
func (t *Transport) receive(from *peerConn, m proto.GossipMsg) {
	t.metrics.IncGossipReceived(m.Topic)
	if !from.limiter.Allow() {
		t.metrics.IncGossipDropRate()
		debuglog.RateLimited(t.lim, "rate:"+from.id.String(), t.log.Debug()).Str("peer", from.id.Short()).Msg("inbound rate exceeded")
		return
	}
	data, err := proto.DecodeBytes(m.Data)
	if err != nil {
		from.strike(fmt.Errorf("message data: %w", err))
		return
	}
	id := messageID(data)
	if claimed, err := proto.DecodeNodeIDHex(m.ID); err != nil || claimed != id {
		from.strike(errors.New("message id does not match content"))
		return
	}
	h, seen, ok := t.topic(m.Topic)
	if !ok {
		return
	}
	if !m.Direct && !seen.Add(id, time.Now()) {
		t.metrics.IncGossipDropDuplicate()
		return
	}
	msg := Message{Topic: m.Topic, ID: id, Data: data, From: from.id, Direct: m.Direct}
	if err := h(from.ctx, msg); err != nil {
		from.strike(err)
		return
	}
	if m.Direct || m.Hops+1 >= proto.MaxHops {
		return
	}
	m.Hops++
	enc, err := proto.EncodeGossipMsg(m)
	if err != nil {
		return
	}
	for _, p := range t.snapshotPeers() {
		if p == from || p.id == from.id || !p.wants(m.Topic) {
			continue
		}
		if p.enqueue(m.Topic, enc) {
			t.metrics.IncGossipForwarded()
		}
	}
}

// Peers lists live connections ordered by peer id.
func (t *Transport) Peers() []PeerInfo {
	peers := t.snapshotPeers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Disconnect closes the connection to id, if any.
func (t *Transport) Disconnect(id node.PeerID) {
	if p := t.peer(id); p != nil {
		p.close(nil)
	}
}
