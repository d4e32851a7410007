package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshterm"

// Activity is one line of the recent-events ring shown by terminals.
type Activity struct {
	At      time.Time `json:"at"`
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Seq     uint64    `json:"seq"`
	Outcome string    `json:"outcome"`
	Keys    []string  `json:"keys,omitempty"`
}

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Events      EventMetrics     `json:"events"`
	Gossip      GossipMetrics    `json:"gossip"`
	Discovery   DiscoveryMetrics `json:"discovery"`
	SSH         SSHMetrics       `json:"ssh"`
	Render      RenderMetrics    `json:"render"`
	Recent      []Activity       `json:"recent"`
}

type EventMetrics struct {
	Local     uint64 `json:"local"`
	Applied   uint64 `json:"applied"`
	Buffered  uint64 `json:"buffered"`
	Duplicate uint64 `json:"duplicate"`
	Rejected  uint64 `json:"rejected"`
	Evicted   uint64 `json:"evicted"`
	Compacted uint64 `json:"compacted"`
}

type GossipMetrics struct {
	Received       uint64            `json:"received"`
	Forwarded      uint64            `json:"forwarded"`
	DropDuplicate  uint64            `json:"drop_duplicate"`
	DropRate       uint64            `json:"drop_rate"`
	DropQueue      uint64            `json:"drop_queue"`
	Strikes        uint64            `json:"strikes"`
	HandshakeFail  uint64            `json:"handshake_fail"`
	PeersConnected int64             `json:"peers_connected"`
	RecvByTopic    map[string]uint64 `json:"recv_by_topic"`
}

type DiscoveryMetrics struct {
	Beacons     uint64 `json:"beacons"`
	DialFail    uint64 `json:"dial_fail"`
	Unreachable int64  `json:"unreachable"`
}

type SSHMetrics struct {
	Started        uint64            `json:"started"`
	Active         int64             `json:"active"`
	AuthFailures   uint64            `json:"auth_failures"`
	ClosesByReason map[string]uint64 `json:"closes_by_reason"`
}

type RenderMetrics struct {
	Frames  uint64 `json:"frames"`
	Dropped uint64 `json:"dropped"`
}

// Metrics is a set of process-wide counters. A nil *Metrics is valid and
// counts nothing.
type Metrics struct {
	evLocal     atomic.Uint64
	evApplied   atomic.Uint64
	evBuffered  atomic.Uint64
	evDuplicate atomic.Uint64
	evRejected  atomic.Uint64
	evEvicted   atomic.Uint64
	evCompacted atomic.Uint64

	gReceived      atomic.Uint64
	gForwarded     atomic.Uint64
	gDropDuplicate atomic.Uint64
	gDropRate      atomic.Uint64
	gDropQueue     atomic.Uint64
	gStrikes       atomic.Uint64
	gHandshakeFail atomic.Uint64
	gPeers         atomic.Int64
	recvByTopic    labelCounts

	dBeacons     atomic.Uint64
	dDialFail    atomic.Uint64
	dUnreachable atomic.Int64

	sshStarted  atomic.Uint64
	sshActive   atomic.Int64
	sshAuthFail atomic.Uint64
	sshCloses   labelCounts

	frames        atomic.Uint64
	framesDropped atomic.Uint64

	recent *Recent

	regOnce sync.Once
	reg     *prometheus.Registry
}

func New() *Metrics {
	return &Metrics{recent: NewRecent(64)}
}

func (m *Metrics) Recent() *Recent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncLocal() {
	if m != nil {
		m.evLocal.Add(1)
	}
}

func (m *Metrics) IncApplied() {
	if m != nil {
		m.evApplied.Add(1)
	}
}

func (m *Metrics) IncBuffered() {
	if m != nil {
		m.evBuffered.Add(1)
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.evDuplicate.Add(1)
	}
}

func (m *Metrics) IncRejected() {
	if m != nil {
		m.evRejected.Add(1)
	}
}

func (m *Metrics) AddEvicted(n int) {
	if m != nil && n > 0 {
		m.evEvicted.Add(uint64(n))
	}
}

func (m *Metrics) AddCompacted(n int) {
	if m != nil && n > 0 {
		m.evCompacted.Add(uint64(n))
	}
}

func (m *Metrics) IncGossipReceived(topic string) {
	if m != nil {
		m.gReceived.Add(1)
		m.recvByTopic.inc(topic)
	}
}

func (m *Metrics) IncGossipForwarded() {
	if m != nil {
		m.gForwarded.Add(1)
	}
}

func (m *Metrics) IncGossipDropDuplicate() {
	if m != nil {
		m.gDropDuplicate.Add(1)
	}
}

func (m *Metrics) IncGossipDropRate() {
	if m != nil {
		m.gDropRate.Add(1)
	}
}

func (m *Metrics) IncGossipDropQueue() {
	if m != nil {
		m.gDropQueue.Add(1)
	}
}

func (m *Metrics) IncGossipStrike() {
	if m != nil {
		m.gStrikes.Add(1)
	}
}

func (m *Metrics) IncHandshakeFail() {
	if m != nil {
		m.gHandshakeFail.Add(1)
	}
}

func (m *Metrics) AddPeers(delta int64) {
	if m != nil {
		m.gPeers.Add(delta)
	}
}

func (m *Metrics) IncBeacon() {
	if m != nil {
		m.dBeacons.Add(1)
	}
}

func (m *Metrics) IncDialFail() {
	if m != nil {
		m.dDialFail.Add(1)
	}
}

func (m *Metrics) SetUnreachable(n int) {
	if m != nil {
		m.dUnreachable.Store(int64(n))
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sshStarted.Add(1)
		m.sshActive.Add(1)
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.sshActive.Add(-1)
	}
}

func (m *Metrics) IncAuthFailure() {
	if m != nil {
		m.sshAuthFail.Add(1)
	}
}

func (m *Metrics) IncClose(reason string) {
	if m != nil {
		m.sshCloses.inc(reason)
	}
}

func (m *Metrics) IncFrame() {
	if m != nil {
		m.frames.Add(1)
	}
}

func (m *Metrics) IncFrameDropped() {
	if m != nil {
		m.framesDropped.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	recent := []Activity{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Events: EventMetrics{
			Local:     m.evLocal.Load(),
			Applied:   m.evApplied.Load(),
			Buffered:  m.evBuffered.Load(),
			Duplicate: m.evDuplicate.Load(),
			Rejected:  m.evRejected.Load(),
			Evicted:   m.evEvicted.Load(),
			Compacted: m.evCompacted.Load(),
		},
		Gossip: GossipMetrics{
			Received:       m.gReceived.Load(),
			Forwarded:      m.gForwarded.Load(),
			DropDuplicate:  m.gDropDuplicate.Load(),
			DropRate:       m.gDropRate.Load(),
			DropQueue:      m.gDropQueue.Load(),
			Strikes:        m.gStrikes.Load(),
			HandshakeFail:  m.gHandshakeFail.Load(),
			PeersConnected: m.gPeers.Load(),
			RecvByTopic:    m.recvByTopic.snapshot(),
		},
		Discovery: DiscoveryMetrics{
			Beacons:     m.dBeacons.Load(),
			DialFail:    m.dDialFail.Load(),
			Unreachable: m.dUnreachable.Load(),
		},
		SSH: SSHMetrics{
			Started:        m.sshStarted.Load(),
			Active:         m.sshActive.Load(),
			AuthFailures:   m.sshAuthFail.Load(),
			ClosesByReason: m.sshCloses.snapshot(),
		},
		Render: RenderMetrics{
			Frames:  m.frames.Load(),
			Dropped: m.framesDropped.Load(),
		},
		Recent: recent,
	}
}

// WriteSnapshot dumps Snapshot as indented JSON; an empty path is a no-op.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a file written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

// Registry exposes the counters to prometheus on a private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	m.regOnce.Do(func() {
		reg := prometheus.NewRegistry()
		counter := func(sub, name, help string, v *atomic.Uint64) prometheus.Collector {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: sub, Name: name, Help: help,
			}, func() float64 { return float64(v.Load()) })
		}
		gauge := func(sub, name, help string, v *atomic.Int64) prometheus.Collector {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: sub, Name: name, Help: help,
			}, func() float64 { return float64(v.Load()) })
		}
		reg.MustRegister(
			counter("events", "local_total", "Events signed locally.", &m.evLocal),
			counter("events", "applied_total", "Events applied to state.", &m.evApplied),
			counter("events", "buffered_total", "Events buffered on missing deps.", &m.evBuffered),
			counter("events", "duplicate_total", "Events already known.", &m.evDuplicate),
			counter("events", "rejected_total", "Events failing verification.", &m.evRejected),
			counter("events", "evicted_total", "Buffered events evicted.", &m.evEvicted),
			counter("events", "compacted_total", "Events folded into a snapshot.", &m.evCompacted),
			counter("gossip", "received_total", "Gossip messages received.", &m.gReceived),
			counter("gossip", "forwarded_total", "Gossip messages forwarded.", &m.gForwarded),
			counter("gossip", "drop_duplicate_total", "Gossip messages dropped as seen.", &m.gDropDuplicate),
			counter("gossip", "drop_rate_total", "Gossip messages dropped by rate limit.", &m.gDropRate),
			counter("gossip", "drop_queue_total", "Outbound frames dropped on a full queue.", &m.gDropQueue),
			counter("gossip", "strikes_total", "Handler rejections charged to peers.", &m.gStrikes),
			counter("gossip", "handshake_fail_total", "Failed peer handshakes.", &m.gHandshakeFail),
			gauge("gossip", "peers", "Connected peers.", &m.gPeers),
			counter("discovery", "beacons_total", "Valid multicast beacons.", &m.dBeacons),
			counter("discovery", "dial_fail_total", "Failed peer dials.", &m.dDialFail),
			gauge("discovery", "unreachable", "Peers in cooldown.", &m.dUnreachable),
			counter("ssh", "sessions_started_total", "SSH sessions established.", &m.sshStarted),
			gauge("ssh", "sessions_active", "SSH sessions open.", &m.sshActive),
			counter("ssh", "auth_failures_total", "Failed SSH authentications.", &m.sshAuthFail),
			counter("render", "frames_total", "Frames written to terminals.", &m.frames),
			counter("render", "frames_dropped_total", "Frames superseded before write.", &m.framesDropped),
			&labelCollector{desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "gossip", "received_by_topic_total"),
				"Gossip messages received per topic.", []string{"topic"}, nil), counts: &m.recvByTopic},
			&labelCollector{desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "ssh", "closes_total"),
				"SSH connection closes per reason.", []string{"reason"}, nil), counts: &m.sshCloses},
		)
		m.reg = reg
	})
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
}

type labelCounts struct {
	mu sync.Mutex
	m  map[string]uint64
}

func (c *labelCounts) inc(label string) {
	if label == "" {
		label = "unknown"
	}
	c.mu.Lock()
	if c.m == nil {
		c.m = make(map[string]uint64)
	}
	c.m[label]++
	c.mu.Unlock()
}

func (c *labelCounts) snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

type labelCollector struct {
	desc   *prometheus.Desc
	counts *labelCounts
}

func (c *labelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *labelCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.counts.snapshot()
	labels := make([]string, 0, len(snap))
	for k := range snap {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, l := range labels {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(snap[l]), l)
	}
}

// Recent is a bounded FIFO of Activity.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Activity
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(a Activity) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = a
		return
	}
	r.list = append(r.list, a)
}

// List returns the entries oldest first.
func (r *Recent) List() []Activity {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Activity, len(r.list))
	copy(out, r.list)
	return out
}
