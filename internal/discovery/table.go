// Package discovery keeps the table of known peer addresses and decides
// when each one is due for a dial. It never opens data streams itself:
// due peers are emitted on Available and the transport reports back.
package discovery

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"meshterm/internal/debuglog"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
	"meshterm/internal/store"
)

type State int

const (
	StateIdle State = iota
	StateDialing
	StateConnected
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

type Source string

const (
	SourceBootstrap Source = "bootstrap"
	SourceBeacon    Source = "beacon"
	SourceInbound   Source = "inbound"
	SourceBook      Source = "book"
)

// Candidate is a dialable address. ID is zero for bootstrap entries given
// without a peer id; the handshake then learns it.
type Candidate struct {
	ID   node.PeerID
	Addr string
	Name string
}

func (c Candidate) key() string {
	if c.ID.IsZero() {
		return "@" + c.Addr
	}
	return c.ID.String()
}

type Entry struct {
	ID        node.PeerID `json:"-"`
	Addr      string      `json:"addr"`
	Name      string      `json:"name,omitempty"`
	Source    Source      `json:"source"`
	State     State       `json:"-"`
	Failures  int         `json:"failures"`
	NextTry   time.Time   `json:"next_try"`
	LastSeen  time.Time   `json:"last_seen"`
	dialSince time.Time
}

func (e Entry) Candidate() Candidate {
	return Candidate{ID: e.ID, Addr: e.Addr, Name: e.Name}
}

type Config struct {
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Jitter       time.Duration
	RetryCeiling int
	Cooldown     time.Duration
	// Tick is how often due entries are looked for.
	Tick time.Duration
	// DialTimeout fails an entry whose dial was never reported on.
	DialTimeout time.Duration
	MaxEntries  int
	// BookPath persists known peer ids and addresses across restarts.
	BookPath string
}

func (c Config) normalized() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 2 * time.Minute
	}
	if c.Jitter <= 0 {
		c.Jitter = time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 6
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	if c.Tick <= 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 512
	}
	return c
}

// table is owned by the Run goroutine.
type table struct {
	cfg     Config
	self    node.PeerID
	rng     *rand.Rand
	entries map[string]*Entry
	// connected tracks live connections by peer id, including ones whose
	// entry was keyed by address.
	connected map[node.PeerID]bool
}

func newTable(cfg Config, self node.PeerID, rng *rand.Rand) *table {
	return &table{
		cfg:       cfg,
		self:      self,
		rng:       rng,
		entries:   make(map[string]*Entry),
		connected: make(map[node.PeerID]bool),
	}
}

// backoff is base<<(failures-1) plus jitter, capped at BackoffMax.
func (t *table) backoff(failures int) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	d := t.cfg.BackoffBase * time.Duration(1<<shift)
	if d <= 0 || d > t.cfg.BackoffMax {
		d = t.cfg.BackoffMax
	}
	d += time.Duration(t.rng.Int63n(int64(t.cfg.Jitter)))
	if d > t.cfg.BackoffMax {
		d = t.cfg.BackoffMax
	}
	return d
}

func (t *table) add(c Candidate, src Source, now time.Time) {
	if c.Addr == "" || c.ID == t.self {
		return
	}
	if !c.ID.IsZero() {
		// A known id supersedes an address-only bootstrap entry.
		if old, ok := t.entries["@"+c.Addr]; ok && old.State != StateDialing {
			delete(t.entries, "@"+c.Addr)
		}
	}
	if e, ok := t.entries[c.key()]; ok {
		e.LastSeen = now
		if c.Name != "" {
			e.Name = c.Name
		}
		if e.Addr != c.Addr && e.State != StateConnected && e.State != StateDialing {
			e.Addr = c.Addr
		}
		return
	}
	if len(t.entries) >= t.cfg.MaxEntries {
		t.evictOne()
	}
	t.entries[c.key()] = &Entry{
		ID:       c.ID,
		Addr:     c.Addr,
		Name:     c.Name,
		Source:   src,
		LastSeen: now,
		NextTry:  now,
	}
}

// evictOne drops the least recently seen entry that is not connected or
// bootstrap.
func (t *table) evictOne() {
	var victim string
	var oldest time.Time
	for k, e := range t.entries {
		if e.State == StateConnected || e.State == StateDialing || e.Source == SourceBootstrap {
			continue
		}
		if victim == "" || e.LastSeen.Before(oldest) {
			victim, oldest = k, e.LastSeen
		}
	}
	if victim != "" {
		delete(t.entries, victim)
	}
}

// due returns entries ready for a dial and marks them dialing.
func (t *table) due(now time.Time) []Candidate {
	var out []Candidate
	for _, e := range t.entries {
		switch e.State {
		case StateDialing:
			if now.Sub(e.dialSince) >= t.cfg.DialTimeout {
				t.fail(e, now)
			}
			continue
		case StateConnected:
			continue
		}
		if !e.ID.IsZero() && t.connected[e.ID] {
			continue
		}
		if now.Before(e.NextTry) {
			continue
		}
		e.State = StateDialing
		e.dialSince = now
		out = append(out, e.Candidate())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// undial returns a candidate that could not be handed out to idle.
func (t *table) undial(c Candidate) {
	if e, ok := t.entries[c.key()]; ok && e.State == StateDialing {
		e.State = StateIdle
	}
}

func (t *table) fail(e *Entry, now time.Time) {
	e.Failures++
	if e.Failures >= t.cfg.RetryCeiling {
		e.State = StateUnreachable
		e.NextTry = now.Add(t.cfg.Cooldown)
		return
	}
	e.State = StateIdle
	e.NextTry = now.Add(t.backoff(e.Failures))
}

func (t *table) reportFailed(c Candidate, now time.Time) {
	if e, ok := t.entries[c.key()]; ok {
		t.fail(e, now)
	}
}

// reportConnected records a live connection to id, reached at addr. An
// address-only entry for addr is rekeyed by id.
func (t *table) reportConnected(c Candidate, id node.PeerID, src Source, now time.Time) {
	t.connected[id] = true
	if c.ID.IsZero() && c.Addr != "" {
		if e, ok := t.entries["@"+c.Addr]; ok {
			delete(t.entries, "@"+c.Addr)
			e.ID = id
			if old, ok := t.entries[id.String()]; ok && old.Source == SourceBootstrap {
				e.Source = SourceBootstrap
			}
			t.entries[id.String()] = e
		}
	}
	key := id.String()
	e, ok := t.entries[key]
	if !ok {
		if c.Addr == "" {
			return
		}
		if len(t.entries) >= t.cfg.MaxEntries {
			t.evictOne()
		}
		e = &Entry{ID: id, Addr: c.Addr, Name: c.Name, Source: src}
		t.entries[key] = e
	}
	if c.Addr != "" {
		e.Addr = c.Addr
	}
	if c.Name != "" {
		e.Name = c.Name
	}
	e.State = StateConnected
	e.Failures = 0
	e.LastSeen = now
}

// reportLost demotes a peer whose connection died: it counts as a failure
// for backoff purposes.
func (t *table) reportLost(id node.PeerID, now time.Time) {
	delete(t.connected, id)
	if e, ok := t.entries[id.String()]; ok {
		t.fail(e, now)
	}
}

func (t *table) snapshot() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID.Less(out[j].ID)
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

func (t *table) unreachable() int {
	n := 0
	for _, e := range t.entries {
		if e.State == StateUnreachable {
			n++
		}
	}
	return n
}

var ErrClosed = errors.New("discovery closed")

// bookEntry is one line of the persisted peer book.
type bookEntry struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
	Name string `json:"name,omitempty"`
}

// Table is the discovery task. Every access goes through its channel.
type Table struct {
	cfg     Config
	self    node.PeerID
	log     zerolog.Logger
	lim     *debuglog.Limiter
	metrics *metrics.Metrics

	t       *table
	ops     chan func(*table)
	avail   chan Candidate
	stopped chan struct{}
}

func NewTable(self node.PeerID, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Table {
	cfg = cfg.normalized()
	return &Table{
		cfg:     cfg,
		self:    self,
		log:     logger,
		lim:     debuglog.NewLimiter(30 * time.Second),
		metrics: m,
		t:       newTable(cfg, self, rand.New(rand.NewSource(time.Now().UnixNano()))),
		ops:     make(chan func(*table), 64),
		avail:   make(chan Candidate, 16),
		stopped: make(chan struct{}),
	}
}

// Available emits candidates that are due for a dial.
func (d *Table) Available() <-chan Candidate {
	return d.avail
}

// Run owns the table until ctx is done.
func (d *Table) Run(ctx context.Context) error {
	defer close(d.stopped)
	d.loadBook()
	tick := time.NewTicker(d.cfg.Tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			d.saveBook()
			return nil
		case op := <-d.ops:
			op(d.t)
		case now := <-tick.C:
			for _, c := range d.t.due(now) {
				select {
				case d.avail <- c:
				default:
					d.t.undial(c)
				}
			}
			d.metrics.SetUnreachable(d.t.unreachable())
		}
	}
}

func (d *Table) send(op func(*table)) {
	select {
	case <-d.stopped:
		return
	default:
	}
	select {
	case d.ops <- op:
	case <-d.stopped:
	}
}

func (d *Table) Add(c Candidate, src Source) {
	now := time.Now()
	d.send(func(t *table) { t.add(c, src, now) })
}

// ReportConnected marks id connected. c is the candidate that was dialed,
// or the peer's advertised listen address for inbound connections.
func (d *Table) ReportConnected(c Candidate, id node.PeerID, inbound bool) {
	now := time.Now()
	src := SourceBeacon
	if inbound {
		src = SourceInbound
	}
	d.send(func(t *table) { t.reportConnected(c, id, src, now) })
}

func (d *Table) ReportFailed(c Candidate, err error) {
	now := time.Now()
	d.metrics.IncDialFail()
	debuglog.RateLimited(d.lim, "dial:"+c.Addr, d.log.Debug()).Err(err).Str("addr", c.Addr).Msg("dial failed")
	d.send(func(t *table) { t.reportFailed(c, now) })
}

func (d *Table) ReportLost(id node.PeerID) {
	now := time.Now()
	d.send(func(t *table) { t.reportLost(id, now) })
}

// Snapshot copies the table. It returns ErrClosed once Run has exited.
func (d *Table) Snapshot(ctx context.Context) ([]Entry, error) {
	select {
	case <-d.stopped:
		return nil, ErrClosed
	default:
	}
	reply := make(chan []Entry, 1)
	select {
	case d.ops <- func(t *table) { reply <- t.snapshot() }:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopped:
		return nil, ErrClosed
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopped:
		return nil, ErrClosed
	}
}

func (d *Table) loadBook() {
	if d.cfg.BookPath == "" {
		return
	}
	now := time.Now()
	err := store.ReadJSONL(d.cfg.BookPath, func(b bookEntry) {
		id, err := node.ParsePeerID(b.ID)
		if err != nil {
			return
		}
		d.t.add(Candidate{ID: id, Addr: b.Addr, Name: b.Name}, SourceBook, now)
	})
	if err != nil {
		d.log.Warn().Err(err).Str("path", d.cfg.BookPath).Msg("peer book unreadable")
	}
}

func (d *Table) saveBook() {
	if d.cfg.BookPath == "" {
		return
	}
	var book []bookEntry
	for _, e := range d.t.snapshot() {
		if e.ID.IsZero() || e.Source == SourceInbound && e.Failures > 0 {
			continue
		}
		book = append(book, bookEntry{ID: e.ID.String(), Addr: e.Addr, Name: e.Name})
	}
	if err := store.RewriteJSONL(d.cfg.BookPath, book); err != nil {
		d.log.Warn().Err(err).Str("path", d.cfg.BookPath).Msg("peer book not saved")
	}
}
