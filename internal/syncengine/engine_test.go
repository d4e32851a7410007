package syncengine

import (
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshterm/internal/event"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
	"meshterm/internal/store"
)

type harness struct {
	eng    *Engine
	log    *store.EventLog
	cancel context.CancelFunc
	done   chan error
	stop   func() error
}

func newIdentity(t *testing.T) *node.Node {
	t.Helper()
	n, err := node.LoadOrCreateIdentity(t.TempDir(), node.Options{})
	require.NoError(t, err)
	return n
}

func startEngine(t *testing.T, self *node.Node, path string, cfg Config) *harness {
	t.Helper()
	l, err := store.Open(path)
	require.NoError(t, err)
	eng, err := New(self, l, Options{Config: cfg, Logger: zerolog.Nop(), Metrics: metrics.New()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{eng: eng, log: l, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- eng.Run(ctx) }()
	stopped := false
	var runErr error
	h.stop = func() error {
		if stopped {
			return runErr
		}
		stopped = true
		cancel()
		select {
		case runErr = <-h.done:
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
		}
		_ = l.Close()
		return runErr
	}
	t.Cleanup(func() { _ = h.stop() })
	return h
}

func newEngine(t *testing.T) *harness {
	t.Helper()
	return startEngine(t, newIdentity(t), filepath.Join(t.TempDir(), "events.db"), Config{})
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustEvent(t *testing.T, author *node.Node, seq uint64, deps []event.Hash, payload string) event.Event {
	t.Helper()
	ev, err := event.New(author, seq, deps, []byte(payload))
	require.NoError(t, err)
	return ev
}

// history signs seqs 1..n-1 for author with empty payloads and returns them
// with the hash the author's seq n has to depend on.
func history(t *testing.T, author *node.Node, n uint64) ([]event.Event, event.Hash) {
	t.Helper()
	var out []event.Event
	var deps []event.Hash
	for seq := uint64(1); seq < n; seq++ {
		ev := mustEvent(t, author, seq, deps, `{}`)
		out = append(out, ev)
		deps = []event.Hash{ev.Hash}
	}
	return out, out[len(out)-1].Hash
}

// feed ingests evs in order and ignores rejections.
func feed(t *testing.T, h *harness, evs ...event.Event) {
	t.Helper()
	for _, ev := range evs {
		out, err := h.eng.IngestRemote(ctxT(t), ev)
		if out != OutcomeRejected {
			require.NoError(t, err)
		}
	}
}

func scanAll(t *testing.T, h *harness) []Value {
	t.Helper()
	vals, err := h.eng.Scan(ctxT(t), "")
	require.NoError(t, err)
	return vals
}

func queryRaw(t *testing.T, h *harness, key string) (string, bool) {
	t.Helper()
	v, ok, err := h.eng.Query(ctxT(t), key)
	require.NoError(t, err)
	return string(v.Data), ok
}

func TestRemoteEventVisibleAfterIngest(t *testing.T) {
	a := newIdentity(t)
	b := newEngine(t)
	e1 := mustEvent(t, a, 1, nil, `{"score":1}`)

	out, err := b.eng.IngestRemote(ctxT(t), e1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	got, ok := queryRaw(t, b, "score")
	require.True(t, ok)
	assert.Equal(t, "1", got)
}

func TestDuplicateAppliedOnce(t *testing.T) {
	a := newIdentity(t)
	h := newEngine(t)
	e1 := mustEvent(t, a, 1, nil, `{"n":1}`)

	out, err := h.eng.IngestRemote(ctxT(t), e1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	for i := 0; i < 3; i++ {
		out, err = h.eng.IngestRemote(ctxT(t), e1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, out)
	}
	st, err := h.eng.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, uint64(1), st.Generation)
}

func TestForgedEventLeavesNoTrace(t *testing.T) {
	a := newIdentity(t)
	h := newEngine(t)
	good := mustEvent(t, a, 1, nil, `{"score":1}`)
	_, err := h.eng.IngestRemote(ctxT(t), good)
	require.NoError(t, err)

	forged := mustEvent(t, a, 2, []event.Hash{good.Hash}, `{"score":99}`)
	forged.Sig[0] ^= 0xff
	out, err := h.eng.IngestRemote(ctxT(t), forged)
	assert.Equal(t, OutcomeRejected, out)
	assert.ErrorIs(t, err, event.ErrBadSignature)

	got, _ := queryRaw(t, h, "score")
	assert.Equal(t, "1", got)
	st, err := h.eng.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Applied)
	assert.Zero(t, st.Buffered)
	has, err := h.log.Has(forged.Hash)
	require.NoError(t, err)
	assert.False(t, has)

	// The genuine event with the same fields still applies afterwards.
	forged.Sig[0] ^= 0xff
	out, err = h.eng.IngestRemote(ctxT(t), forged)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
}

func TestMalformedPayloadRejected(t *testing.T) {
	a := newIdentity(t)
	h := newEngine(t)
	ev := mustEvent(t, a, 1, nil, `{"":1}`)
	out, err := h.eng.IngestRemote(ctxT(t), ev)
	assert.Equal(t, OutcomeRejected, out)
	assert.ErrorIs(t, err, event.ErrMalformed)
}

func TestDependentBufferedUntilPredecessor(t *testing.T) {
	a := newIdentity(t)
	h := newEngine(t)
	sub, err := h.eng.Subscribe(ctxT(t), "")
	require.NoError(t, err)

	ea := mustEvent(t, a, 1, nil, `{"x":"a"}`)
	eb := mustEvent(t, a, 2, []event.Hash{ea.Hash}, `{"y":"b"}`)

	out, err := h.eng.IngestRemote(ctxT(t), eb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)
	_, ok := queryRaw(t, h, "y")
	assert.False(t, ok)
	out, err = h.eng.IngestRemote(ctxT(t), eb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	out, err = h.eng.IngestRemote(ctxT(t), ea)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, "x", first.Key)
	assert.Equal(t, ea.Hash, first.Hash)
	assert.Equal(t, "y", second.Key)
	assert.Equal(t, eb.Hash, second.Hash)

	st, err := h.eng.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Zero(t, st.Buffered)
	assert.Equal(t, 2, st.Applied)
	heads, err := h.eng.Heads(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, []event.Hash{eb.Hash}, heads)
}

func TestConcurrentWritesTieBreak(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)
	base := mustEvent(t, newIdentity(t), 1, nil, `{"score":1}`)
	histA, headA := history(t, a, 5)
	histB, headB := history(t, b, 5)
	fromA := mustEvent(t, a, 5, []event.Hash{headA, base.Hash}, `{"score":2}`)
	fromB := mustEvent(t, b, 5, []event.Hash{headB, base.Hash}, `{"score":3}`)
	want := "2"
	if a.ID.Less(b.ID) {
		want = "3"
	}

	forward := append([]event.Event{base}, histA...)
	forward = append(append(forward, histB...), fromA, fromB)
	backward := make([]event.Event, 0, len(forward))
	for i := len(forward) - 1; i >= 0; i-- {
		backward = append(backward, forward[i])
	}

	x := newEngine(t)
	y := newEngine(t)
	feed(t, x, forward...)
	feed(t, y, backward...)
	vx, ok, err := x.eng.Query(ctxT(t), "score")
	require.NoError(t, err)
	require.True(t, ok)
	vy, _, err := y.eng.Query(ctxT(t), "score")
	require.NoError(t, err)
	assert.Equal(t, want, string(vx.Data))
	assert.Equal(t, vx, vy)
	assert.Equal(t, 2, vx.Concurrent)

	// A later write that has seen both supersedes them regardless of seq.
	merge := mustEvent(t, a, 6, []event.Hash{fromA.Hash, fromB.Hash}, `{"score":4}`)
	out, err := x.eng.IngestRemote(ctxT(t), merge)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	vx, _, err = x.eng.Query(ctxT(t), "score")
	require.NoError(t, err)
	assert.Equal(t, "4", string(vx.Data))
	assert.Equal(t, 1, vx.Concurrent)
}

func TestCausalSuccessorWinsOverHigherSeq(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)
	h := newEngine(t)
	hist, head := history(t, a, 9)
	high := mustEvent(t, a, 9, []event.Hash{head}, `{"k":"old"}`)
	low := mustEvent(t, b, 1, []event.Hash{high.Hash}, `{"k":"new"}`)
	feed(t, h, append(hist, high, low)...)
	got, _ := queryRaw(t, h, "k")
	assert.Equal(t, `"new"`, got)
}

func TestEquivocatingAuthorConverges(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)
	// a signs two different events as seq 1; b has only seen the second.
	first := mustEvent(t, a, 1, nil, `{"score":1}`)
	second := mustEvent(t, a, 1, nil, `{"score":2}`)
	child := mustEvent(t, b, 1, []event.Hash{second.Hash}, `{"score":3}`)
	want := "1"
	if a.ID.Less(b.ID) {
		want = "3"
	}

	orders := [][]event.Event{
		{first, second, child},
		{first, child, second},
		{second, first, child},
		{second, child, first},
		{child, first, second},
		{child, second, first},
	}
	var results [][]Value
	for _, order := range orders {
		h := newEngine(t)
		feed(t, h, order...)
		st, err := h.eng.Stats(ctxT(t))
		require.NoError(t, err)
		require.Equal(t, 3, st.Applied)
		results = append(results, scanAll(t, h))
	}
	require.Len(t, results[0], 1)
	assert.Equal(t, want, string(results[0][0].Data))
	assert.Equal(t, 2, results[0][0].Concurrent)
	for i := 1; i < len(results); i++ {
		assert.Equal(t, results[0], results[i], "order %d", i)
	}

	// Without the child the two forks compete on their hashes alone.
	x := newEngine(t)
	y := newEngine(t)
	feed(t, x, first, second)
	feed(t, y, second, first)
	assert.Equal(t, scanAll(t, x), scanAll(t, y))
	wantFork := first
	if second.Hash.Compare(first.Hash) > 0 {
		wantFork = second
	}
	v, ok, err := x.eng.Query(ctxT(t), "score")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wantFork.Hash, v.Hash)
	assert.Equal(t, 2, v.Concurrent)
}

func TestEventsOffTheAuthorChainRejected(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)
	h := newEngine(t)

	orphan := mustEvent(t, a, 3, nil, `{"k":"orphan"}`)
	out, err := h.eng.IngestRemote(ctxT(t), orphan)
	assert.Equal(t, OutcomeRejected, out)
	assert.ErrorIs(t, err, event.ErrMalformed)

	a1 := mustEvent(t, a, 1, nil, `{}`)
	b1 := mustEvent(t, b, 1, []event.Hash{a1.Hash}, `{}`)
	// Seq 2 reaching its seq 1 only through another author.
	skip := mustEvent(t, a, 2, []event.Hash{b1.Hash}, `{"k":"skip"}`)
	out, err = h.eng.IngestRemote(ctxT(t), skip)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)
	feed(t, h, a1, b1)
	st, err := h.eng.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Applied)
	assert.Zero(t, st.Buffered)

	// Seq 1 whose past already holds its author's seq 1.
	back := mustEvent(t, a, 1, []event.Hash{b1.Hash}, `{"k":"back"}`)
	out, err = h.eng.IngestRemote(ctxT(t), back)
	assert.Equal(t, OutcomeRejected, out)
	assert.ErrorIs(t, err, ErrBrokenChain)
	assert.ErrorIs(t, err, event.ErrMalformed)

	_, ok := queryRaw(t, h, "k")
	assert.False(t, ok)
	has, err := h.log.Has(back.Hash)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCrossAuthorCycleConverges(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)
	a3 := mustEvent(t, a, 3, nil, `{"k":"A"}`)
	b5 := mustEvent(t, b, 5, nil, `{"k":"B"}`)
	a1 := mustEvent(t, a, 1, []event.Hash{b5.Hash}, `{"k":"A"}`)
	b2 := mustEvent(t, b, 2, []event.Hash{a3.Hash}, `{"k":"B"}`)

	x := newEngine(t)
	y := newEngine(t)
	feed(t, x, a3, b5, a1, b2)
	feed(t, y, b2, a1, b5, a3)
	assert.Equal(t, scanAll(t, x), scanAll(t, y))
	_, ok := queryRaw(t, x, "k")
	assert.False(t, ok)
}

func TestConvergenceAnyArrivalOrder(t *testing.T) {
	authors := []*node.Node{newIdentity(t), newIdentity(t), newIdentity(t)}
	prev := make(map[node.PeerID]event.Hash)
	var all []event.Event
	var heads []event.Hash
	keys := []string{"a", "b", "c"}
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 4; round++ {
		var next []event.Hash
		for i, au := range authors {
			payload, _ := json.Marshal(map[string]int{keys[rng.Intn(len(keys))]: round*10 + i})
			deps := append([]event.Hash(nil), heads...)
			if h, ok := prev[au.ID]; ok {
				deps = append(deps, h)
			}
			ev := mustEvent(t, au, uint64(round+1), deps, string(payload))
			prev[au.ID] = ev.Hash
			all = append(all, ev)
			next = append(next, ev.Hash)
		}
		heads = next[:1+rng.Intn(len(next))]
	}
	// authors[0] equivocates on seq 1 and authors[1] builds on the fork.
	fork := mustEvent(t, authors[0], 1, nil, `{"a":-1}`)
	onFork := mustEvent(t, authors[1], 5, []event.Hash{prev[authors[1].ID], fork.Hash}, `{"b":-2}`)
	all = append(all, fork, onFork)

	var results [][]Value
	for trial := 0; trial < 3; trial++ {
		order := append([]event.Event(nil), all...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		h := newEngine(t)
		for _, ev := range order {
			out, err := h.eng.IngestRemote(ctxT(t), ev)
			require.NoError(t, err)
			require.NotEqual(t, OutcomeRejected, out)
		}
		st, err := h.eng.Stats(ctxT(t))
		require.NoError(t, err)
		require.Equal(t, len(all), st.Applied)
		vals, err := h.eng.Scan(ctxT(t), "")
		require.NoError(t, err)
		results = append(results, vals)
	}
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
}

func TestSubmitLocalChainsAuthor(t *testing.T) {
	var published []event.Event
	self := newIdentity(t)
	l, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer l.Close()
	eng, err := New(self, l, Options{Logger: zerolog.Nop(), OnLocal: func(ev event.Event) {
		published = append(published, ev)
	}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	defer func() { cancel(); <-done }()

	e1, err := eng.SubmitLocal(ctxT(t), []byte(`{"score":1}`), nil)
	require.NoError(t, err)
	e2, err := eng.SubmitLocal(ctxT(t), []byte(`{"score":2}`), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, []event.Hash{e1.Hash}, e2.Deps)
	require.NoError(t, e2.Verify())
	assert.Len(t, published, 2)

	_, err = eng.SubmitLocal(ctxT(t), []byte(`{}`), []event.Hash{{7}})
	assert.ErrorIs(t, err, ErrUnknownDep)
	_, err = eng.SubmitLocal(ctxT(t), []byte(`{"":1}`), nil)
	assert.ErrorIs(t, err, event.ErrMalformed)

	v, ok, err := eng.Query(ctxT(t), "score")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(v.Data))
	assert.Equal(t, self.ID, v.Author)
}

func TestDeleteHidesKey(t *testing.T) {
	h := newEngine(t)
	_, err := h.eng.SubmitLocal(ctxT(t), []byte(`{"k":1,"j":2}`), nil)
	require.NoError(t, err)
	_, err = h.eng.SubmitLocal(ctxT(t), []byte(`{"k":null}`), nil)
	require.NoError(t, err)
	_, ok := queryRaw(t, h, "k")
	assert.False(t, ok)
	vals, err := h.eng.Scan(ctxT(t), "")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "j", vals[0].Key)
}

func TestSubscriptionPrefixAndDrops(t *testing.T) {
	self := newIdentity(t)
	h := startEngine(t, self, filepath.Join(t.TempDir(), "events.db"), Config{SubscriberBuffer: 1})
	sub, err := h.eng.Subscribe(ctxT(t), "game/")
	require.NoError(t, err)

	_, err = h.eng.SubmitLocal(ctxT(t), []byte(`{"other":1}`), nil)
	require.NoError(t, err)
	_, err = h.eng.SubmitLocal(ctxT(t), []byte(`{"game/a":1}`), nil)
	require.NoError(t, err)
	_, err = h.eng.SubmitLocal(ctxT(t), []byte(`{"game/b":null}`), nil)
	require.NoError(t, err)

	n := <-sub.C
	assert.Equal(t, "game/a", n.Key)
	assert.Equal(t, uint64(1), sub.Dropped())

	require.NoError(t, h.eng.Unsubscribe(ctxT(t), sub.Token()))
	_, open := <-sub.C
	assert.False(t, open)
}

func TestRestartRestoresState(t *testing.T) {
	self := newIdentity(t)
	other := newIdentity(t)
	path := filepath.Join(t.TempDir(), "events.db")

	h := startEngine(t, self, path, Config{})
	e1, err := h.eng.SubmitLocal(ctxT(t), []byte(`{"score":1}`), nil)
	require.NoError(t, err)
	remote := mustEvent(t, other, 1, []event.Hash{e1.Hash}, `{"name":"b"}`)
	_, err = h.eng.IngestRemote(ctxT(t), remote)
	require.NoError(t, err)
	require.NoError(t, h.stop())

	h = startEngine(t, self, path, Config{})
	got, ok := queryRaw(t, h, "name")
	require.True(t, ok)
	assert.Equal(t, `"b"`, got)
	e2, err := h.eng.SubmitLocal(ctxT(t), []byte(`{"score":2}`), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Contains(t, e2.Deps, e1.Hash)

	sum, err := h.eng.Summary(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sum[self.ID])
	assert.Equal(t, uint64(1), sum[other.ID])
}

func TestRestartReplaysEventsAfterSnapshot(t *testing.T) {
	self := newIdentity(t)
	path := filepath.Join(t.TempDir(), "events.db")

	// Drive the core directly so no final snapshot is written: the second
	// event exists only in the log, as after a crash.
	l, err := store.Open(path)
	require.NoError(t, err)
	eng, err := New(self, l, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = eng.core.submitLocal(self, []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	require.NoError(t, eng.core.writeSnapshot(nil))
	_, err = eng.core.submitLocal(self, []byte(`{"b":2}`), nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = store.Open(path)
	require.NoError(t, err)
	defer l.Close()
	eng, err = New(self, l, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	st := eng.core.stats()
	assert.Equal(t, 2, st.Applied)
	assert.Equal(t, 2, st.InLog)
	v, ok := eng.core.query("b")
	require.True(t, ok)
	assert.Equal(t, "2", string(v.Data))
	assert.Equal(t, []event.Hash{v.Hash}, eng.core.headList())
}

func TestCompactionDefersReferencedEvents(t *testing.T) {
	a := newIdentity(t)
	self := newIdentity(t)
	h := startEngine(t, self, filepath.Join(t.TempDir(), "events.db"), Config{KeepGenerations: 1})

	e1 := mustEvent(t, a, 1, nil, `{"k":1}`)
	e2 := mustEvent(t, a, 2, []event.Hash{e1.Hash}, `{"k":2}`)
	e4 := mustEvent(t, a, 4, []event.Hash{e1.Hash, {3}}, `{"k":4}`)
	feed(t, h, e1, e2, e4)

	res, err := h.eng.Compact(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dropped)
	assert.Equal(t, 1, res.Deferred)
	stored, err := h.log.Get(e1.Hash)
	require.NoError(t, err)
	assert.False(t, stored.Folded)

	require.NoError(t, h.eng.call(ctxT(t), func(c *core) {
		c.sweep(c.now().Add(time.Hour))
	}))
	res, err = h.eng.Compact(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	stored, err = h.log.Get(e1.Hash)
	require.NoError(t, err)
	assert.True(t, stored.Folded)
	assert.Empty(t, stored.Payload)
	require.NoError(t, stored.Verify())

	// Compacted state still answers and still satisfies deps.
	got, _ := queryRaw(t, h, "k")
	assert.Equal(t, "2", got)
	e3 := mustEvent(t, a, 3, []event.Hash{e2.Hash, e1.Hash}, `{"j":3}`)
	out, err := h.eng.IngestRemote(ctxT(t), e3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
}

func TestCompactionKeepsStandingWrites(t *testing.T) {
	h := startEngine(t, newIdentity(t), filepath.Join(t.TempDir(), "events.db"), Config{KeepGenerations: 1})
	_, err := h.eng.SubmitLocal(ctxT(t), []byte(`{"kept":1}`), nil)
	require.NoError(t, err)
	_, err = h.eng.SubmitLocal(ctxT(t), []byte(`{"other":1}`), nil)
	require.NoError(t, err)
	_, err = h.eng.SubmitLocal(ctxT(t), []byte(`{"other":2}`), nil)
	require.NoError(t, err)

	res, err := h.eng.Compact(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	st, err := h.eng.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Folded)
	got, _ := queryRaw(t, h, "kept")
	assert.Equal(t, "1", got)
}

func TestLateJoinerCatchesUpAfterCompaction(t *testing.T) {
	src := startEngine(t, newIdentity(t), filepath.Join(t.TempDir(), "events.db"), Config{KeepGenerations: 1})
	for i := 1; i <= 3; i++ {
		_, err := src.eng.SubmitLocal(ctxT(t), []byte(`{"score":`+string(rune('0'+i))+`}`), nil)
		require.NoError(t, err)
	}
	res, err := src.eng.Compact(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, 2, res.Dropped)

	missing, err := src.eng.Missing(ctxT(t), nil, 0)
	require.NoError(t, err)
	require.Len(t, missing, 3)
	assert.True(t, missing[0].Folded)
	assert.True(t, missing[1].Folded)
	assert.False(t, missing[2].Folded)

	joiner := newEngine(t)
	for _, ev := range missing {
		data, err := event.Marshal(ev)
		require.NoError(t, err)
		wire, err := event.Unmarshal(data)
		require.NoError(t, err)
		out, err := joiner.eng.IngestRemote(ctxT(t), wire)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out, "seq %d", ev.Seq)
	}
	got, ok := queryRaw(t, joiner, "score")
	require.True(t, ok)
	assert.Equal(t, "3", got)
	assert.Equal(t, scanAll(t, src), scanAll(t, joiner))
	st, err := joiner.eng.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Folded)
}

func TestFullCopyUnfoldsFoldedEvent(t *testing.T) {
	a := newIdentity(t)
	h := newEngine(t)
	e1 := mustEvent(t, a, 1, nil, `{"k":1}`)

	out, err := h.eng.IngestRemote(ctxT(t), e1.Fold())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	_, ok := queryRaw(t, h, "k")
	assert.False(t, ok)

	out, err = h.eng.IngestRemote(ctxT(t), e1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	got, ok := queryRaw(t, h, "k")
	require.True(t, ok)
	assert.Equal(t, "1", got)
	stored, err := h.log.Get(e1.Hash)
	require.NoError(t, err)
	assert.False(t, stored.Folded)

	out, err = h.eng.IngestRemote(ctxT(t), e1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	// A full copy whose writes are already superseded stays folded.
	e2 := mustEvent(t, a, 1, nil, `{"j":1}`)
	e3 := mustEvent(t, a, 2, []event.Hash{e2.Hash}, `{"j":2}`)
	other := newEngine(t)
	feed(t, other, e2.Fold(), e3)
	out, err = other.eng.IngestRemote(ctxT(t), e2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
	got, _ = queryRaw(t, other, "j")
	assert.Equal(t, "2", got)
	stored, err = other.log.Get(e2.Hash)
	require.NoError(t, err)
	assert.True(t, stored.Folded)
}

func TestCompactedStateSurvivesRestart(t *testing.T) {
	self := newIdentity(t)
	path := filepath.Join(t.TempDir(), "events.db")
	h := startEngine(t, self, path, Config{KeepGenerations: 1})
	for i := 0; i < 3; i++ {
		_, err := h.eng.SubmitLocal(ctxT(t), []byte(`{"n":`+string(rune('1'+i))+`}`), nil)
		require.NoError(t, err)
	}
	res, err := h.eng.Compact(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dropped)
	require.NoError(t, h.stop())

	h = startEngine(t, self, path, Config{})
	got, _ := queryRaw(t, h, "n")
	assert.Equal(t, "3", got)
	ev, err := h.eng.SubmitLocal(ctxT(t), []byte(`{"n":4}`), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Seq)
	back, err := h.log.LoadSnapshotBackup()
	require.NoError(t, err)
	assert.NotEmpty(t, back)
}

func TestBufferCapEvictsOldest(t *testing.T) {
	a := newIdentity(t)
	h := startEngine(t, newIdentity(t), filepath.Join(t.TempDir(), "events.db"), Config{MaxBuffered: 2})
	var evs []event.Event
	for i := 1; i <= 3; i++ {
		ev := mustEvent(t, a, uint64(i+1), []event.Hash{{byte(i)}}, `{}`)
		evs = append(evs, ev)
		out, err := h.eng.IngestRemote(ctxT(t), ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeBuffered, out)
	}
	st, err := h.eng.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Buffered)

	// The newest two are still held; the first went.
	out, err := h.eng.IngestRemote(ctxT(t), evs[2])
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
	out, err = h.eng.IngestRemote(ctxT(t), evs[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)
	require.NoError(t, h.eng.call(ctxT(t), func(c *core) {
		assert.Equal(t, c.arrivals.Len(), len(c.pending))
		_, held := c.pending[evs[1].Hash]
		assert.False(t, held)
	}))
}

func TestMissingListsEventsPeerLacks(t *testing.T) {
	a := newIdentity(t)
	h := newEngine(t)
	var evs []event.Event
	var deps []event.Hash
	for i := 1; i <= 4; i++ {
		ev := mustEvent(t, a, uint64(i), deps, `{}`)
		deps = []event.Hash{ev.Hash}
		evs = append(evs, ev)
		_, err := h.eng.IngestRemote(ctxT(t), ev)
		require.NoError(t, err)
	}
	local, err := h.eng.SubmitLocal(ctxT(t), []byte(`{"x":1}`), nil)
	require.NoError(t, err)

	got, err := h.eng.Missing(ctxT(t), map[node.PeerID]uint64{a.ID: 2}, 0)
	require.NoError(t, err)
	var hashes []event.Hash
	for _, ev := range got {
		hashes = append(hashes, ev.Hash)
	}
	assert.Contains(t, hashes, evs[2].Hash)
	assert.Contains(t, hashes, evs[3].Hash)
	assert.Contains(t, hashes, local.Hash)
	assert.Len(t, hashes, 3)

	got, err = h.eng.Missing(ctxT(t), nil, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCallsAfterStopReturnErrClosed(t *testing.T) {
	h := newEngine(t)
	require.NoError(t, h.stop())
	_, _, err := h.eng.Query(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.eng.IngestRemote(context.Background(), event.Event{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
