package gossip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"meshterm/internal/debuglog"
	"meshterm/internal/node"
	"meshterm/internal/proto"
)

const (
	controlChannel  = "ctrl"
	maxRemoteTopics = 256
)

func topicChannel(topic string) string {
	return "t/" + topic
}

type outFrame struct {
	topic string
	data  []byte
}

// peerConn is one authenticated connection. Topic streams are written only
// by writeLoop; the control stream is shared under ctrlMu.
type peerConn struct {
	t          *Transport
	id         node.PeerID
	name       string
	listenAddr string
	dialed     string
	inbound    bool
	ip         string
	since      time.Time

	conn *quic.Conn
	ctrl *quic.Stream
	sess *node.SessionState

	countedConn bool
	ctrlMu      sync.Mutex
	limiter     *rate.Limiter
	strikes     atomic.Int32
	lastSeen    atomic.Int64
	queue       chan outFrame
	out         map[string]*quic.SendStream

	mu     sync.Mutex
	topics map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newPeerConn(t *Transport, conn *quic.Conn, ctrl *quic.Stream, sess *node.SessionState, inbound bool) *peerConn {
	limit := rate.Inf
	if t.cfg.InboundRate > 0 {
		limit = rate.Limit(t.cfg.InboundRate)
	}
	ctx, cancel := context.WithCancel(t.ctx)
	p := &peerConn{
		t:          t,
		id:         sess.Peer,
		name:       sess.PeerName,
		listenAddr: sess.PeerListenAddr,
		inbound:    inbound,
		ip:         hostOf(conn.RemoteAddr()),
		since:      time.Now(),
		conn:       conn,
		ctrl:       ctrl,
		sess:       sess,
		limiter:    rate.NewLimiter(limit, t.cfg.InboundBurst),
		queue:      make(chan outFrame, t.cfg.OutboundQueue),
		out:        make(map[string]*quic.SendStream),
		topics:     make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.touch()
	return p
}

func (p *peerConn) initiator() node.PeerID {
	if p.inbound {
		return p.id
	}
	return p.t.self.ID
}

func (p *peerConn) touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

func (p *peerConn) start(localTopics []string) {
	go p.watch()
	go p.controlLoop()
	go p.acceptStreams()
	go p.writeLoop()
	go p.heartbeat()
	if len(localTopics) > 0 {
		p.sendControl(proto.ControlMsg{Type: proto.MsgTypeSubscribe, Topics: localTopics})
	}
}

func (p *peerConn) watch() {
	select {
	case <-p.conn.Context().Done():
		p.close(context.Cause(p.conn.Context()))
	case <-p.ctx.Done():
	}
}

func closeCode(err error) (quic.ApplicationErrorCode, string) {
	switch {
	case err == nil, errors.Is(err, errShutdown):
		return codeNormal, "closed"
	case errors.Is(err, errDuplicate):
		return codeDuplicate, "duplicate"
	case errors.Is(err, errStrikes):
		return codeStrikes, "strikes"
	case errors.Is(err, errHeartbeat):
		return codeHeartbeat, "heartbeat"
	default:
		return codeNormal, "error"
	}
}

func (p *peerConn) close(err error) {
	p.closeOnce.Do(func() {
		p.cancel()
		code, reason := closeCode(err)
		_ = p.conn.CloseWithError(code, reason)
		if p.countedConn {
			p.t.ipLim.releaseConn(p.ip)
		}
		p.t.self.Sessions.Delete(p.id, p.sess)
		p.t.remove(p, err)
	})
}

// strike counts a misbehaving message; the connection is dropped at the
// configured limit.
func (p *peerConn) strike(err error) {
	n := p.strikes.Add(1)
	p.t.metrics.IncGossipStrike()
	debuglog.RateLimited(p.t.lim, "strike:"+p.id.String(), p.t.log.Debug()).Err(err).Str("peer", p.id.Short()).Int32("strikes", n).Msg("peer strike")
	if int(n) >= p.t.cfg.StrikeLimit {
		p.close(fmt.Errorf("%w: %v", errStrikes, err))
	}
}

func (p *peerConn) wants(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[topic]
}

func (p *peerConn) info() PeerInfo {
	p.mu.Lock()
	topics := make([]string, 0, len(p.topics))
	for name := range p.topics {
		topics = append(topics, name)
	}
	p.mu.Unlock()
	sort.Strings(topics)
	return PeerInfo{
		ID:      p.id,
		Name:    p.name,
		Remote:  p.conn.RemoteAddr().String(),
		Inbound: p.inbound,
		Topics:  topics,
		Since:   p.since,
		Strikes: int(p.strikes.Load()),
	}
}

func (p *peerConn) enqueue(topic string, data []byte) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case p.queue <- outFrame{topic: topic, data: data}:
		return true
	default:
		p.t.metrics.IncGossipDropQueue()
		return false
	}
}

func (p *peerConn) writeSealed(w io.Writer, channel, msgType string, data []byte) error {
	f, err := p.sess.Seal(p.t.self.ID, channel, msgType, data)
	if err != nil {
		return err
	}
	enc, err := proto.EncodeSealedFrame(f)
	if err != nil {
		return err
	}
	return proto.WriteFrame(w, enc)
}

func (p *peerConn) readSealed(r io.Reader, channel string) (string, []byte, error) {
	raw, err := proto.ReadFrameWithTypeCap(r, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		return "", nil, err
	}
	p.touch()
	f, err := proto.DecodeSealedFrame(raw)
	if err != nil {
		return "", nil, errMalformed{err}
	}
	if f.Channel != channel {
		return "", nil, errMalformed{fmt.Errorf("frame for channel %q on %q", f.Channel, channel)}
	}
	plain, err := p.sess.Open(p.t.self.ID, f)
	if err != nil {
		return "", nil, errMalformed{err}
	}
	return f.Kind, plain, nil
}

// errMalformed marks a frame that was read whole but failed to decode or
// authenticate; the stream itself is still usable.
type errMalformed struct{ err error }

func (e errMalformed) Error() string { return e.err.Error() }
func (e errMalformed) Unwrap() error { return e.err }

func (p *peerConn) sendControl(m proto.ControlMsg) {
	data, err := proto.EncodeControlMsg(m)
	if err != nil {
		return
	}
	p.ctrlMu.Lock()
	_ = p.ctrl.SetWriteDeadline(time.Now().Add(p.t.cfg.HeartbeatInterval))
	err = p.writeSealed(p.ctrl, controlChannel, m.Type, data)
	p.ctrlMu.Unlock()
	if err != nil {
		p.close(fmt.Errorf("control write: %w", err))
	}
}

func (p *peerConn) controlLoop() {
	for {
		msgType, plain, err := p.readSealed(p.ctrl, controlChannel)
		if err != nil {
			var bad errMalformed
			if errors.As(err, &bad) {
				p.strike(err)
				continue
			}
			p.close(fmt.Errorf("control read: %w", err))
			return
		}
		m, err := proto.DecodeControlMsg(plain)
		if err != nil || m.Type != msgType {
			p.strike(fmt.Errorf("control message: %v", err))
			continue
		}
		switch m.Type {
		case proto.MsgTypePing:
			p.sendControl(proto.ControlMsg{Type: proto.MsgTypePong, Nonce: m.Nonce})
		case proto.MsgTypePong:
		case proto.MsgTypeSubscribe:
			p.mu.Lock()
			for _, name := range m.Topics {
				if len(p.topics) >= maxRemoteTopics {
					break
				}
				p.topics[name] = true
			}
			p.mu.Unlock()
		case proto.MsgTypeUnsubscribe:
			p.mu.Lock()
			for _, name := range m.Topics {
				delete(p.topics, name)
			}
			p.mu.Unlock()
		}
	}
}

// heartbeat pings every interval and closes the connection once nothing
// has arrived for misses × interval.
func (p *peerConn) heartbeat() {
	interval := p.t.cfg.HeartbeatInterval
	limit := time.Duration(p.t.cfg.HeartbeatMisses) * interval
	tick := time.NewTicker(interval)
	defer tick.Stop()
	var nonce uint64
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-tick.C:
			if now.Sub(time.Unix(0, p.lastSeen.Load())) > limit {
				p.close(errHeartbeat)
				return
			}
			nonce++
			p.sendControl(proto.ControlMsg{Type: proto.MsgTypePing, Nonce: nonce})
		}
	}
}

func (p *peerConn) acceptStreams() {
	for {
		s, err := p.conn.AcceptUniStream(p.ctx)
		if err != nil {
			p.close(err)
			return
		}
		if !p.t.ipLim.acquireStream(p.ip) {
			s.CancelRead(quic.StreamErrorCode(codeRefused))
			debuglog.RateLimited(p.t.lim, "streams:"+p.ip, p.t.log.Debug()).Str("peer", p.id.Short()).Msg("stream cap reached")
			continue
		}
		go func() {
			defer p.t.ipLim.releaseStream(p.ip)
			p.readTopic(s)
		}()
	}
}

func (p *peerConn) readTopic(s *quic.ReceiveStream) {
	raw, err := proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		return
	}
	p.touch()
	f, err := proto.DecodeSealedFrame(raw)
	if err != nil || f.Kind != proto.MsgTypeTopicOpen {
		p.strike(errors.New("topic stream without topic_open"))
		s.CancelRead(quic.StreamErrorCode(codeRefused))
		return
	}
	plain, err := p.sess.Open(p.t.self.ID, f)
	if err != nil {
		p.strike(err)
		s.CancelRead(quic.StreamErrorCode(codeRefused))
		return
	}
	open, err := proto.DecodeTopicOpenMsg(plain)
	if err != nil || f.Channel != topicChannel(open.Topic) {
		p.strike(fmt.Errorf("topic_open: %v", err))
		s.CancelRead(quic.StreamErrorCode(codeRefused))
		return
	}
	channel := topicChannel(open.Topic)
	for {
		msgType, plain, err := p.readSealed(s, channel)
		if err != nil {
			var bad errMalformed
			if errors.As(err, &bad) {
				p.strike(err)
				continue
			}
			return
		}
		if msgType != proto.MsgTypeGossip {
			p.strike(fmt.Errorf("unexpected %s on topic stream", msgType))
			continue
		}
		m, err := proto.DecodeGossipMsg(plain)
		if err != nil || m.Topic != open.Topic {
			p.strike(fmt.Errorf("gossip message: %v", err))
			continue
		}
		p.t.receive(p, m)
	}
}

func (p *peerConn) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.queue:
			if err := p.writeTopic(f); err != nil {
				p.close(fmt.Errorf("topic write: %w", err))
				return
			}
		}
	}
}

func (p *peerConn) writeTopic(f outFrame) error {
	channel := topicChannel(f.topic)
	s, ok := p.out[f.topic]
	if !ok {
		ctx, cancel := context.WithTimeout(p.ctx, p.t.cfg.HandshakeTimeout)
		var err error
		s, err = p.conn.OpenUniStreamSync(ctx)
		cancel()
		if err != nil {
			return err
		}
		open, err := proto.EncodeTopicOpenMsg(f.topic)
		if err != nil {
			return err
		}
		if err := p.writeSealed(s, channel, proto.MsgTypeTopicOpen, open); err != nil {
			return err
		}
		p.out[f.topic] = s
	}
	_ = s.SetWriteDeadline(time.Now().Add(p.t.cfg.HeartbeatInterval))
	return p.writeSealed(s, channel, proto.MsgTypeGossip, f.data)
}
