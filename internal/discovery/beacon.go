package discovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"meshterm/internal/debuglog"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
	"meshterm/internal/proto"
)

var (
	ErrBeaconSig   = errors.New("beacon signature invalid")
	ErrBeaconStale = errors.New("beacon outside clock skew")
)

const DefaultMaxSkew = 2 * time.Minute

type BeaconConfig struct {
	// Group is the multicast group as ip:port.
	Group    string
	Interval time.Duration
	MaxSkew  time.Duration
	// ListenAddr is the gossip address advertised in beacons.
	ListenAddr string
}

// BuildBeacon signs an announcement of self listening on listenAddr.
func BuildBeacon(self *node.Node, listenAddr string, now time.Time) ([]byte, error) {
	ts := now.Unix()
	sig, err := self.Sign(proto.BeaconSigInput(self.ID, self.PubKey, listenAddr, self.Name, ts))
	if err != nil {
		return nil, err
	}
	return proto.EncodeBeaconMsg(proto.BeaconMsg{
		NodeID:     self.ID.String(),
		Pub:        hex.EncodeToString(self.PubKey),
		ListenAddr: listenAddr,
		Name:       self.Name,
		TS:         ts,
		Sig:        hex.EncodeToString(sig),
	})
}

// ParseBeacon decodes and verifies a beacon. It fails closed.
func ParseBeacon(data []byte, now time.Time, maxSkew time.Duration) (Candidate, error) {
	m, err := proto.DecodeBeaconMsg(data)
	if err != nil {
		return Candidate{}, err
	}
	id, pub, sig, err := proto.DecodeBeaconFields(m)
	if err != nil {
		return Candidate{}, err
	}
	if node.DeriveNodeID(pub) != node.PeerID(id) {
		return Candidate{}, ErrBeaconSig
	}
	if !node.Verify(pub, proto.BeaconSigInput(id, pub, m.ListenAddr, m.Name, m.TS), sig) {
		return Candidate{}, ErrBeaconSig
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	skew := now.Sub(time.Unix(m.TS, 0))
	if skew > maxSkew || skew < -maxSkew {
		return Candidate{}, ErrBeaconStale
	}
	if !validAddr(m.ListenAddr) {
		return Candidate{}, fmt.Errorf("beacon listen addr %q", m.ListenAddr)
	}
	return Candidate{ID: node.PeerID(id), Addr: m.ListenAddr, Name: m.Name}, nil
}

// AdvertisedAddr fills an unspecified listen host with the source address
// the announcement arrived from.
func AdvertisedAddr(listen string, src net.Addr) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	ip := net.ParseIP(host)
	if host != "" && (ip == nil || !ip.IsUnspecified()) {
		return listen
	}
	udp, ok := src.(*net.UDPAddr)
	if !ok || udp.IP == nil {
		return listen
	}
	return net.JoinHostPort(udp.IP.String(), port)
}

// Beaconer announces this node on the multicast group and feeds beacons
// from other nodes into the table.
type Beaconer struct {
	self    *node.Node
	cfg     BeaconConfig
	group   *net.UDPAddr
	table   *Table
	log     zerolog.Logger
	lim     *debuglog.Limiter
	metrics *metrics.Metrics
}

func NewBeaconer(self *node.Node, cfg BeaconConfig, table *Table, logger zerolog.Logger, m *metrics.Metrics) (*Beaconer, error) {
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("multicast group %q: %w", cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("multicast group %q is not a multicast address", cfg.Group)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	return &Beaconer{
		self:    self,
		cfg:     cfg,
		group:   group,
		table:   table,
		log:     logger,
		lim:     debuglog.NewLimiter(time.Minute),
		metrics: m,
	}, nil
}

// Run returns nil when multicast is unavailable on this host; bootstrap
// peers still work without it.
func (b *Beaconer) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(b.group.Port))
	if err != nil {
		b.log.Warn().Err(err).Msg("multicast discovery disabled")
		return nil
	}
	defer conn.Close()
	p := ipv4.NewPacketConn(conn)
	if joined := b.join(p); joined == 0 {
		b.log.Warn().Str("group", b.group.String()).Msg("no interface joined multicast group; discovery disabled")
		return nil
	}
	_ = p.SetMulticastLoopback(true)
	_ = p.SetMulticastTTL(1)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go b.readLoop(ctx, p)

	b.announce(p)
	tick := time.NewTicker(b.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			b.announce(p)
		}
	}
}

func (b *Beaconer) join(p *ipv4.PacketConn) int {
	group := &net.UDPAddr{IP: b.group.IP}
	ifaces, err := net.Interfaces()
	joined := 0
	if err == nil {
		for i := range ifaces {
			ifi := ifaces[i]
			if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
				continue
			}
			if err := p.JoinGroup(&ifi, group); err == nil {
				joined++
			}
		}
	}
	if joined == 0 && p.JoinGroup(nil, group) == nil {
		joined++
	}
	return joined
}

func (b *Beaconer) announce(p *ipv4.PacketConn) {
	data, err := BuildBeacon(b.self, b.cfg.ListenAddr, time.Now())
	if err != nil {
		b.log.Error().Err(err).Msg("build beacon")
		return
	}
	if _, err := p.WriteTo(data, nil, b.group); err != nil {
		debuglog.RateLimited(b.lim, "beacon:send", b.log.Debug()).Err(err).Msg("beacon send failed")
	}
}

func (b *Beaconer) readLoop(ctx context.Context, p *ipv4.PacketConn) {
	buf := make([]byte, proto.MaxBeaconSize+1)
	for {
		n, _, src, err := p.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			debuglog.RateLimited(b.lim, "beacon:read", b.log.Debug()).Err(err).Msg("beacon read failed")
			continue
		}
		b.handle(buf[:n], src, time.Now())
	}
}

func (b *Beaconer) handle(data []byte, src net.Addr, now time.Time) {
	c, err := ParseBeacon(data, now, b.cfg.MaxSkew)
	if err != nil {
		debuglog.RateLimited(b.lim, "beacon:bad:"+src.String(), b.log.Debug()).Err(err).Msg("beacon dropped")
		return
	}
	if c.ID == b.self.ID {
		return
	}
	c.Addr = AdvertisedAddr(c.Addr, src)
	b.metrics.IncBeacon()
	b.table.Add(c, SourceBeacon)
}
