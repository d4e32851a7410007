package syncengine

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meshterm/internal/event"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
)

// vclock maps an author to the highest seq in an event's causal past,
// the event itself included. Clocks are never mutated once attached to a
// record.
type vclock map[node.PeerID]uint64

func (v vclock) covers(author node.PeerID, seq uint64) bool {
	return v[author] >= seq
}

type record struct {
	hash   event.Hash
	author node.PeerID
	seq    uint64
	deps   []event.Hash
	clock  vclock
	gen    uint64
	at     time.Time
	inLog  bool
	folded bool
	// live counts the key entries still holding a write of this event.
	live int
}

type authorSeq struct {
	author node.PeerID
	seq    uint64
}

type write struct {
	rec   *record
	value json.RawMessage
}

// beats is the total tie-break among concurrent writes: higher seq, then
// higher author id, then higher event hash.
func (w write) beats(o write) bool {
	if w.rec.seq != o.rec.seq {
		return w.rec.seq > o.rec.seq
	}
	if w.rec.author != o.rec.author {
		return o.rec.author.Less(w.rec.author)
	}
	return w.rec.hash.Compare(o.rec.hash) > 0
}

// keyEntry holds the writes to one key that no other write to it
// descends from. Deletions stay as null writes so later concurrent writes
// still compete with them.
type keyEntry struct {
	writes []write
}

func (k *keyEntry) winner() (write, bool) {
	if len(k.writes) == 0 {
		return write{}, false
	}
	best := k.writes[0]
	for _, w := range k.writes[1:] {
		if w.beats(best) {
			best = w
		}
	}
	return best, true
}

// add folds w in and reports whether the winner changed. precedes is the
// causal order between records.
func (k *keyEntry) add(w write, precedes func(a, b *record) bool) bool {
	for _, x := range k.writes {
		if precedes(w.rec, x.rec) {
			return false
		}
	}
	prev, had := k.winner()
	kept := k.writes[:0]
	for _, x := range k.writes {
		if precedes(x.rec, w.rec) {
			x.rec.live--
			continue
		}
		kept = append(kept, x)
	}
	k.writes = append(kept, w)
	w.rec.live++
	cur, _ := k.winner()
	return !had || prev.rec != cur.rec
}

type pendingEvent struct {
	ev      event.Event
	missing map[event.Hash]struct{}
	at      time.Time
	persist bool
	el      *list.Element
}

// core is the engine state. Only the Run goroutine touches it.
type core struct {
	cfg     Config
	self    node.PeerID
	log     Log
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	gen        uint64
	applied    map[event.Hash]*record
	frontier   map[node.PeerID]uint64
	authorHead map[node.PeerID]*record
	bySeq      map[authorSeq]event.Hash
	forked     map[node.PeerID]bool
	heads      map[event.Hash]struct{}
	keys       map[string]*keyEntry

	pending      map[event.Hash]*pendingEvent
	arrivals     *list.List
	waiters      map[event.Hash][]event.Hash
	bufferedRefs map[event.Hash]int

	subs     map[uint64]*Subscription
	subToken uint64

	lastCompaction time.Time
	fatal          error
}

func newCore(cfg Config, self node.PeerID, l Log, logger zerolog.Logger, m *metrics.Metrics) *core {
	return &core{
		cfg:          cfg,
		self:         self,
		log:          l,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		applied:      make(map[event.Hash]*record),
		frontier:     make(map[node.PeerID]uint64),
		authorHead:   make(map[node.PeerID]*record),
		bySeq:        make(map[authorSeq]event.Hash),
		forked:       make(map[node.PeerID]bool),
		heads:        make(map[event.Hash]struct{}),
		keys:         make(map[string]*keyEntry),
		pending:      make(map[event.Hash]*pendingEvent),
		arrivals:     list.New(),
		waiters:      make(map[event.Hash][]event.Hash),
		bufferedRefs: make(map[event.Hash]int),
		subs:         make(map[uint64]*Subscription),
	}
}

func (c *core) storageFailed(op string, err error) error {
	if c.fatal == nil {
		c.fatal = fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
	}
	return c.fatal
}

func (c *core) submitLocal(self *node.Node, payload []byte, deps []event.Hash) (event.Event, error) {
	for _, d := range deps {
		if _, ok := c.applied[d]; !ok {
			return event.Event{}, fmt.Errorf("%w: %s", ErrUnknownDep, d.Short())
		}
	}
	if head, ok := c.authorHead[c.self]; ok {
		deps = append(append([]event.Hash(nil), deps...), head.hash)
	}
	ev, err := event.New(self, c.frontier[c.self]+1, deps, payload)
	if err != nil {
		return event.Event{}, err
	}
	if _, err := c.ingest(ev, true); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// ingest runs the dependency check on a verified event.
func (c *core) ingest(ev event.Event, persist bool) (Outcome, error) {
	if rec, ok := c.applied[ev.Hash]; ok {
		if rec.folded && !ev.Folded {
			took, err := c.unfold(rec, ev, persist)
			if err != nil {
				return 0, err
			}
			if took {
				return OutcomeApplied, nil
			}
		}
		c.metrics.IncDuplicate()
		return OutcomeDuplicate, nil
	}
	if p, ok := c.pending[ev.Hash]; ok {
		if p.ev.Folded && !ev.Folded {
			p.ev = ev
		}
		c.metrics.IncDuplicate()
		return OutcomeDuplicate, nil
	}
	var missing map[event.Hash]struct{}
	for _, d := range ev.Deps {
		if _, ok := c.applied[d]; ok {
			continue
		}
		if missing == nil {
			missing = make(map[event.Hash]struct{})
		}
		missing[d] = struct{}{}
	}
	if len(missing) > 0 {
		c.buffer(ev, missing, persist)
		return OutcomeBuffered, nil
	}
	if err := c.checkChain(ev); err != nil {
		c.reject(ev, err)
		return OutcomeRejected, err
	}
	if err := c.applyReady(ev, persist); err != nil {
		return 0, err
	}
	return OutcomeApplied, nil
}

// checkChain holds an event whose deps are all applied to its author's
// chain: seq n > 1 depends directly on the author's seq n-1, and nothing in
// its causal past is by the same author at seq n or later.
func (c *core) checkChain(ev event.Event) error {
	linked := ev.Seq == 1
	for _, d := range ev.Deps {
		r := c.applied[d]
		if s := r.clock[ev.Author]; s >= ev.Seq {
			return fmt.Errorf("%w: seq %d already follows seq %d of its author", ErrBrokenChain, ev.Seq, s)
		}
		if r.author == ev.Author && r.seq == ev.Seq-1 {
			linked = true
		}
	}
	if !linked {
		return fmt.Errorf("%w: seq %d does not depend on seq %d", ErrBrokenChain, ev.Seq, ev.Seq-1)
	}
	return nil
}

func (c *core) reject(ev event.Event, err error) {
	c.metrics.IncRejected()
	c.activity(ev, OutcomeRejected, nil)
	c.logger.Debug().Err(err).Str("author", ev.Author.Short()).Str("hash", ev.Hash.Short()).Msg("event rejected")
}

func (c *core) buffer(ev event.Event, missing map[event.Hash]struct{}, persist bool) {
	if len(c.pending) >= c.cfg.MaxBuffered {
		c.evictOldest()
	}
	p := &pendingEvent{ev: ev, missing: missing, at: c.now(), persist: persist}
	p.el = c.arrivals.PushBack(ev.Hash)
	c.pending[ev.Hash] = p
	for d := range missing {
		c.waiters[d] = append(c.waiters[d], ev.Hash)
	}
	for _, d := range ev.Deps {
		c.bufferedRefs[d]++
	}
	c.metrics.IncBuffered()
	c.activity(ev, OutcomeBuffered, nil)
	c.logger.Debug().Str("hash", ev.Hash.Short()).Int("missing", len(missing)).Msg("event buffered")
}

// unbuffer drops h from the pending set and every index pointing at it.
func (c *core) unbuffer(h event.Hash) *pendingEvent {
	p, ok := c.pending[h]
	if !ok {
		return nil
	}
	delete(c.pending, h)
	c.arrivals.Remove(p.el)
	for _, d := range p.ev.Deps {
		if c.bufferedRefs[d] <= 1 {
			delete(c.bufferedRefs, d)
		} else {
			c.bufferedRefs[d]--
		}
	}
	for d := range p.missing {
		ws := c.waiters[d]
		for i, w := range ws {
			if w == h {
				ws = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(ws) == 0 {
			delete(c.waiters, d)
		} else {
			c.waiters[d] = ws
		}
	}
	return p
}

func (c *core) evictOldest() {
	front := c.arrivals.Front()
	if front == nil {
		return
	}
	c.unbuffer(front.Value.(event.Hash))
	c.metrics.AddEvicted(1)
}

// sweep evicts buffered events older than BufferRetention. Arrival order is
// age order, so it stops at the first event still within retention.
func (c *core) sweep(now time.Time) int {
	cutoff := now.Add(-c.cfg.BufferRetention)
	n := 0
	for el := c.arrivals.Front(); el != nil; el = c.arrivals.Front() {
		h := el.Value.(event.Hash)
		if !c.pending[h].at.Before(cutoff) {
			break
		}
		c.unbuffer(h)
		n++
	}
	if n > 0 {
		c.metrics.AddEvicted(n)
		c.logger.Info().Int("evicted", n).Msg("evicted buffered events past retention")
	}
	return n
}

// applyReady applies ev, whose deps are all applied, then every buffered
// event it unblocks.
func (c *core) applyReady(ev event.Event, persist bool) error {
	type item struct {
		ev      event.Event
		persist bool
	}
	queue := []item{{ev, persist}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if err := c.apply(it.ev, it.persist); err != nil {
			return err
		}
		waiting := c.waiters[it.ev.Hash]
		delete(c.waiters, it.ev.Hash)
		for _, h := range waiting {
			p, ok := c.pending[h]
			if !ok {
				continue
			}
			delete(p.missing, it.ev.Hash)
			if len(p.missing) > 0 {
				continue
			}
			c.unbuffer(h)
			if err := c.checkChain(p.ev); err != nil {
				c.reject(p.ev, err)
				continue
			}
			queue = append(queue, item{p.ev, p.persist})
		}
	}
	return nil
}

func (c *core) apply(ev event.Event, persist bool) error {
	if persist {
		if err := c.log.Append(ev); err != nil {
			return c.storageFailed("append", err)
		}
	}
	clock := vclock{ev.Author: ev.Seq}
	for _, d := range ev.Deps {
		for a, s := range c.applied[d].clock {
			if s > clock[a] {
				clock[a] = s
			}
		}
	}
	c.gen++
	rec := &record{
		hash:   ev.Hash,
		author: ev.Author,
		seq:    ev.Seq,
		deps:   ev.Deps,
		clock:  clock,
		gen:    c.gen,
		at:     c.now(),
		inLog:  true,
		folded: ev.Folded,
	}
	c.track(rec)
	for _, d := range ev.Deps {
		delete(c.heads, d)
	}
	c.heads[ev.Hash] = struct{}{}

	keys := c.materialize(rec, ev.Payload)
	c.metrics.IncApplied()
	c.activity(ev, OutcomeApplied, keys)
	return nil
}

// materialize folds the writes of payload, authored as rec, into the key
// entries and returns the keys it touched.
func (c *core) materialize(rec *record, payload []byte) []string {
	writes, _ := event.DecodeWrites(payload)
	keys := make([]string, 0, len(writes))
	for _, w := range writes {
		keys = append(keys, w.Key)
		entry := c.keys[w.Key]
		if entry == nil {
			entry = &keyEntry{}
			c.keys[w.Key] = entry
		}
		if entry.add(write{rec: rec, value: w.Value}, c.precedes) {
			win, _ := entry.winner()
			c.notify(w.Key, win)
		}
	}
	return keys
}

// unfold materializes the payload of an event that was applied folded. The
// full copy is kept only when one of its writes still stands.
func (c *core) unfold(rec *record, ev event.Event, persist bool) (bool, error) {
	keys := c.materialize(rec, ev.Payload)
	if rec.live == 0 {
		return false, nil
	}
	if persist {
		if err := c.log.Append(ev); err != nil {
			return false, c.storageFailed("append", err)
		}
	}
	rec.folded = false
	c.activity(ev, OutcomeApplied, keys)
	return true, nil
}

// precedes reports whether r is in the causal past of o. Clocks decide it
// exactly while r's author has one event per seq. Once the author has
// signed two events with the same seq, the dep graph is walked instead.
func (c *core) precedes(r, o *record) bool {
	if r == o || !o.clock.covers(r.author, r.seq) {
		return false
	}
	if !c.forked[r.author] {
		return true
	}
	return c.reaches(o, r)
}

// reaches walks the deps of from looking for target, skipping branches
// whose clock cannot contain it.
func (c *core) reaches(from, target *record) bool {
	seen := make(map[event.Hash]struct{})
	stack := append([]event.Hash(nil), from.deps...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h == target.hash {
			return true
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		r := c.applied[h]
		if r == nil || !r.clock.covers(target.author, target.seq) {
			continue
		}
		if r.author == target.author && r.seq <= target.seq {
			continue
		}
		stack = append(stack, r.deps...)
	}
	return false
}

// track indexes rec as applied.
func (c *core) track(rec *record) {
	c.applied[rec.hash] = rec
	if rec.seq > c.frontier[rec.author] {
		c.frontier[rec.author] = rec.seq
	}
	head, ok := c.authorHead[rec.author]
	if !ok || rec.seq > head.seq || (rec.seq == head.seq && rec.hash.Compare(head.hash) > 0) {
		c.authorHead[rec.author] = rec
	}
	at := authorSeq{rec.author, rec.seq}
	if h, ok := c.bySeq[at]; !ok {
		c.bySeq[at] = rec.hash
	} else if h != rec.hash && !c.forked[rec.author] {
		c.forked[rec.author] = true
		c.logger.Warn().Str("author", rec.author.Short()).Uint64("seq", rec.seq).Msg("author signed two events with one seq")
	}
}

func (c *core) activity(ev event.Event, out Outcome, keys []string) {
	c.metrics.Recent().Add(metrics.Activity{
		At:      c.now().UTC(),
		Hash:    ev.Hash.Short(),
		Author:  ev.Author.Short(),
		Seq:     ev.Seq,
		Outcome: out.String(),
		Keys:    keys,
	})
}

func valueOf(key string, e *keyEntry) (Value, bool) {
	w, ok := e.winner()
	if !ok || event.IsNull(w.value) {
		return Value{}, false
	}
	return Value{
		Key:        key,
		Data:       append(json.RawMessage(nil), w.value...),
		Author:     w.rec.author,
		Seq:        w.rec.seq,
		Hash:       w.rec.hash,
		Concurrent: len(e.writes),
	}, true
}

func (c *core) query(key string) (Value, bool) {
	e, ok := c.keys[key]
	if !ok {
		return Value{}, false
	}
	return valueOf(key, e)
}

func (c *core) scan(prefix string) []Value {
	out := []Value{}
	for k, e := range c.keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v, ok := valueOf(k, e); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *core) headList() []event.Hash {
	out := make([]event.Hash, 0, len(c.heads))
	for h := range c.heads {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (c *core) missing(remote map[node.PeerID]uint64, limit int) ([]event.Event, error) {
	authors := make([]node.PeerID, 0, len(c.frontier))
	for a, seq := range c.frontier {
		if seq > remote[a] {
			authors = append(authors, a)
		}
	}
	sort.Slice(authors, func(i, j int) bool { return authors[i].Less(authors[j]) })
	var out []event.Event
	for _, a := range authors {
		if len(out) >= limit {
			break
		}
		evs, err := c.log.Since(a, remote[a], limit-len(out))
		if err != nil {
			return nil, c.storageFailed("read log", err)
		}
		out = append(out, evs...)
	}
	return out, nil
}

func (c *core) stats() Stats {
	inLog, folded := 0, 0
	for _, r := range c.applied {
		if r.inLog {
			inLog++
		}
		if r.folded {
			folded++
		}
	}
	return Stats{
		Generation:     c.gen,
		Applied:        len(c.applied),
		InLog:          inLog,
		Folded:         folded,
		Buffered:       len(c.pending),
		Keys:           len(c.keys),
		Authors:        len(c.frontier),
		Heads:          len(c.heads),
		Subscribers:    len(c.subs),
		LastCompaction: c.lastCompaction,
	}
}
