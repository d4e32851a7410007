// Package syncengine owns the applied event set and the materialized
// key/value state. One goroutine (Run) holds every mutable structure;
// callers reach it by sending closures over a channel and waiting for the
// reply. Signature checks run on a separate worker pool so a burst of
// remote events does not stall the owner.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meshterm/internal/event"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
)

var (
	ErrClosed     = errors.New("sync engine closed")
	ErrStorage    = errors.New("event storage failure")
	ErrUnknownDep = errors.New("unknown dependency")

	// ErrBrokenChain rejects an event that does not extend its author's
	// chain. It wraps event.ErrMalformed.
	ErrBrokenChain = fmt.Errorf("%w: broken author chain", event.ErrMalformed)
)

// Outcome is the terminal state of one ingested event.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeBuffered
	OutcomeDuplicate
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Log is the persistent side of the engine.
type Log interface {
	Append(ev event.Event) error
	ForEach(fn func(event.Event) error) error
	Since(author node.PeerID, afterSeq uint64, limit int) ([]event.Event, error)
	Compact(snapshot []byte, fold []event.Hash) error
	LoadSnapshot() ([]byte, error)
	LoadSnapshotBackup() ([]byte, error)
}

type Config struct {
	VerifyWorkers int
	// MaxBuffered caps the pending buffer; the oldest entry is evicted.
	MaxBuffered int
	// BufferRetention is how long an event may wait for its deps.
	BufferRetention time.Duration
	// CompactInterval zero disables periodic compaction.
	CompactInterval time.Duration
	// An applied event is compactable once it is older than Retention or
	// more than KeepGenerations applies have happened since. Zero disables
	// the respective horizon.
	Retention        time.Duration
	KeepGenerations  uint64
	SubscriberBuffer int
	MissingLimit     int
}

func (c Config) normalized() Config {
	if c.VerifyWorkers <= 0 {
		c.VerifyWorkers = 4
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10000
	}
	if c.BufferRetention <= 0 {
		c.BufferRetention = 10 * time.Minute
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.MissingLimit <= 0 {
		c.MissingLimit = 512
	}
	return c
}

// Value is the visible write for one key.
type Value struct {
	Key    string          `json:"key"`
	Data   json.RawMessage `json:"value"`
	Author node.PeerID     `json:"-"`
	Seq    uint64          `json:"seq"`
	Hash   event.Hash      `json:"-"`
	// Concurrent counts the causally unordered writes still competing
	// for the key, the winner included.
	Concurrent int `json:"concurrent"`
}

type Stats struct {
	Generation     uint64    `json:"generation"`
	Applied        int       `json:"applied"`
	InLog          int       `json:"in_log"`
	Folded         int       `json:"folded"`
	Buffered       int       `json:"buffered"`
	Keys           int       `json:"keys"`
	Authors        int       `json:"authors"`
	Heads          int       `json:"heads"`
	Subscribers    int       `json:"subscribers"`
	LastCompaction time.Time `json:"last_compaction"`
}

// CompactResult counts events folded by one compaction pass and those held
// back because a buffered event refers to them.
type CompactResult struct {
	Dropped  int `json:"dropped"`
	Deferred int `json:"deferred"`
}

type request struct {
	fn   func(*core)
	done chan struct{}
}

type verifyJob struct {
	ev    event.Event
	reply chan error
}

type Engine struct {
	cfg     Config
	self    *node.Node
	log     zerolog.Logger
	metrics *metrics.Metrics
	onLocal func(event.Event)

	core *core

	reqs    chan request
	jobs    chan verifyJob
	stopped chan struct{}
	running atomic.Bool
	errMu   sync.Mutex
	err     error
}

type Options struct {
	Config  Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// OnLocal is called with every locally signed event after it has been
	// applied, from the submitting goroutine.
	OnLocal func(event.Event)
}

// New restores state from l (snapshot, then logged events) and returns an
// engine ready to Run.
func New(self *node.Node, l Log, opts Options) (*Engine, error) {
	if self == nil || l == nil {
		return nil, errors.New("sync engine needs an identity and a log")
	}
	cfg := opts.Config.normalized()
	e := &Engine{
		cfg:     cfg,
		self:    self,
		log:     opts.Logger,
		metrics: opts.Metrics,
		onLocal: opts.OnLocal,
		reqs:    make(chan request),
		jobs:    make(chan verifyJob, cfg.VerifyWorkers),
		stopped: make(chan struct{}),
	}
	e.core = newCore(cfg, self.ID, l, opts.Logger, opts.Metrics)
	if err := e.core.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

// Run serves requests until ctx is done, then writes a final snapshot.
// It returns an error wrapping ErrStorage when the log fails.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("sync engine already running")
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.VerifyWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.verifyLoop(workerCtx)
		}()
	}
	sweepEvery := e.cfg.BufferRetention / 4
	if sweepEvery < 100*time.Millisecond {
		sweepEvery = 100 * time.Millisecond
	}
	sweep := time.NewTicker(sweepEvery)
	var compactC <-chan time.Time
	if e.cfg.CompactInterval > 0 {
		t := time.NewTicker(e.cfg.CompactInterval)
		defer t.Stop()
		compactC = t.C
	}
	err := e.loop(ctx, sweep.C, compactC)
	sweep.Stop()
	cancel()
	wg.Wait()
	e.core.closeSubscriptions()
	e.errMu.Lock()
	e.err = err
	e.errMu.Unlock()
	close(e.stopped)
	return err
}

func (e *Engine) loop(ctx context.Context, sweepC, compactC <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			if err := e.core.writeSnapshot(nil); err != nil {
				return err
			}
			e.log.Info().Uint64("generation", e.core.gen).Msg("final snapshot written")
			return nil
		case req := <-e.reqs:
			req.fn(e.core)
			close(req.done)
		case now := <-sweepC:
			e.core.sweep(now)
		case now := <-compactC:
			res, err := e.core.compact(now)
			if err == nil && res.Dropped > 0 {
				e.log.Info().Int("dropped", res.Dropped).Int("deferred", res.Deferred).Msg("compacted event log")
			}
		}
		if e.core.fatal != nil {
			e.log.Error().Err(e.core.fatal).Msg("sync engine stopping")
			return e.core.fatal
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// Err is the error Run returned, valid after Done is closed.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Engine) call(ctx context.Context, fn func(*core)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case e.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrClosed
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrClosed
	}
}

// SubmitLocal signs payload as the next event of this node, applies it and
// hands it to OnLocal. The author's previous event is always added to deps.
func (e *Engine) SubmitLocal(ctx context.Context, payload []byte, deps []event.Hash) (event.Event, error) {
	if _, err := event.DecodeWrites(payload); err != nil {
		return event.Event{}, err
	}
	var ev event.Event
	var opErr error
	err := e.call(ctx, func(c *core) {
		ev, opErr = c.submitLocal(e.self, payload, deps)
	})
	if err != nil {
		return event.Event{}, err
	}
	if opErr != nil {
		return event.Event{}, opErr
	}
	e.metrics.IncLocal()
	if e.onLocal != nil {
		e.onLocal(ev)
	}
	return ev, nil
}

// IngestRemote verifies ev on the worker pool and feeds it through the
// dependency check. A rejected event returns OutcomeRejected with an error
// wrapping event.ErrBadSignature or event.ErrMalformed and leaves no trace
// in the engine. A full copy of an event applied folded is materialized
// and reports OutcomeApplied when any of its writes still stands.
func (e *Engine) IngestRemote(ctx context.Context, ev event.Event) (Outcome, error) {
	if err := e.verify(ctx, ev); err != nil {
		if errors.Is(err, event.ErrBadSignature) || errors.Is(err, event.ErrMalformed) {
			e.metrics.IncRejected()
			e.metrics.Recent().Add(metrics.Activity{
				At: time.Now().UTC(), Hash: ev.Hash.Short(), Author: ev.Author.Short(),
				Seq: ev.Seq, Outcome: OutcomeRejected.String(),
			})
			e.log.Debug().Err(err).Str("author", ev.Author.Short()).Str("hash", ev.Hash.Short()).Msg("event rejected")
			return OutcomeRejected, err
		}
		return 0, err
	}
	var out Outcome
	var opErr error
	err := e.call(ctx, func(c *core) {
		out, opErr = c.ingest(ev, true)
	})
	if err != nil {
		return 0, err
	}
	return out, opErr
}

func (e *Engine) verify(ctx context.Context, ev event.Event) error {
	job := verifyJob{ev: ev, reply: make(chan error, 1)}
	select {
	case e.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrClosed
	}
	select {
	case err := <-job.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrClosed
	}
}

func (e *Engine) verifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.jobs:
			job.reply <- checkEvent(job.ev)
		}
	}
}

func checkEvent(ev event.Event) error {
	if err := ev.Verify(); err != nil {
		return err
	}
	if _, err := event.DecodeWrites(ev.Payload); err != nil {
		return err
	}
	return nil
}

// Query returns the visible value of key. A deleted or never written key
// reports false.
func (e *Engine) Query(ctx context.Context, key string) (Value, bool, error) {
	var v Value
	var ok bool
	err := e.call(ctx, func(c *core) {
		v, ok = c.query(key)
	})
	return v, ok, err
}

// Scan returns every visible key with the given prefix, sorted by key.
func (e *Engine) Scan(ctx context.Context, prefix string) ([]Value, error) {
	var out []Value
	err := e.call(ctx, func(c *core) {
		out = c.scan(prefix)
	})
	return out, err
}

// Summary is the per-author frontier.
func (e *Engine) Summary(ctx context.Context) (map[node.PeerID]uint64, error) {
	var out map[node.PeerID]uint64
	err := e.call(ctx, func(c *core) {
		out = make(map[node.PeerID]uint64, len(c.frontier))
		for k, v := range c.frontier {
			out[k] = v
		}
	})
	return out, err
}

// Missing lists logged events a peer with the given frontier lacks, by
// author then seq, capped at limit (MissingLimit when limit <= 0). Compacted
// events come back folded.
func (e *Engine) Missing(ctx context.Context, remote map[node.PeerID]uint64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = e.cfg.MissingLimit
	}
	var out []event.Event
	var opErr error
	err := e.call(ctx, func(c *core) {
		out, opErr = c.missing(remote, limit)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// Heads are the applied events no other applied event depends on.
func (e *Engine) Heads(ctx context.Context) ([]event.Hash, error) {
	var out []event.Hash
	err := e.call(ctx, func(c *core) {
		out = c.headList()
	})
	return out, err
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := e.call(ctx, func(c *core) {
		st = c.stats()
	})
	return st, err
}

// Compact writes a snapshot now and folds logged events past the retention
// horizon whose writes have all been superseded.
func (e *Engine) Compact(ctx context.Context) (CompactResult, error) {
	var res CompactResult
	var opErr error
	err := e.call(ctx, func(c *core) {
		res, opErr = c.compact(time.Now())
	})
	if err != nil {
		return CompactResult{}, err
	}
	return res, opErr
}

// Subscribe registers for changes of visible values under prefix. The
// returned channel is closed by Unsubscribe or when the engine stops.
func (e *Engine) Subscribe(ctx context.Context, prefix string) (*Subscription, error) {
	var sub *Subscription
	err := e.call(ctx, func(c *core) {
		sub = c.subscribe(prefix)
	})
	return sub, err
}

func (e *Engine) Unsubscribe(ctx context.Context, token uint64) error {
	return e.call(ctx, func(c *core) {
		c.unsubscribe(token)
	})
}

func (e *Engine) String() string {
	return fmt.Sprintf("syncengine(%s)", e.self.ID.Short())
}
