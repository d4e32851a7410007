package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshterm/internal/event"
	"meshterm/internal/node"
)

func openTestLog(t *testing.T) *EventLog {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func testEvents(t *testing.T, n int) (*node.Node, []event.Event) {
	t.Helper()
	self, err := node.LoadOrCreateIdentity(t.TempDir(), node.Options{})
	require.NoError(t, err)
	var out []event.Event
	var prev []event.Hash
	for i := 1; i <= n; i++ {
		ev, err := event.New(self, uint64(i), prev, []byte(`{"n":1}`))
		require.NoError(t, err)
		out = append(out, ev)
		prev = []event.Hash{ev.Hash}
	}
	return self, out
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestAppendGetIdempotent(t *testing.T) {
	l := openTestLog(t)
	_, evs := testEvents(t, 1)

	require.NoError(t, l.Append(evs[0]))
	require.NoError(t, l.Append(evs[0]))
	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := l.Get(evs[0].Hash)
	require.NoError(t, err)
	assert.Equal(t, evs[0].Hash, got.Hash)
	require.NoError(t, got.Verify())

	ok, err := l.Has(evs[0].Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.Get(event.Hash{9})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSinceOrdersBySeq(t *testing.T) {
	l := openTestLog(t)
	self, evs := testEvents(t, 5)
	for i := len(evs) - 1; i >= 0; i-- {
		require.NoError(t, l.Append(evs[i]))
	}

	got, err := l.Since(self.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, uint64(i+3), ev.Seq)
	}

	got, err = l.Since(self.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)

	got, err = l.Since(node.PeerID{1}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSnapshotBackupSlot(t *testing.T) {
	l := openTestLog(t)
	_, err := l.LoadSnapshot()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.SaveSnapshot([]byte("one")))
	_, err = l.LoadSnapshotBackup()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.SaveSnapshot([]byte("two")))
	cur, err := l.LoadSnapshot()
	require.NoError(t, err)
	back, err := l.LoadSnapshotBackup()
	require.NoError(t, err)
	assert.Equal(t, "two", string(cur))
	assert.Equal(t, "one", string(back))

	assert.Error(t, l.SaveSnapshot(nil))
}

func TestCompactFoldsEvents(t *testing.T) {
	l := openTestLog(t)
	self, evs := testEvents(t, 3)
	for _, ev := range evs {
		require.NoError(t, l.Append(ev))
	}
	require.NoError(t, l.Compact([]byte("snap"), []event.Hash{evs[0].Hash, evs[1].Hash, {9}}))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	got, err := l.Since(self.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, i < 2, ev.Folded, "seq %d", ev.Seq)
		assert.Equal(t, evs[i].Hash, ev.Hash)
		require.NoError(t, ev.Verify())
	}
	assert.Empty(t, got[0].Payload)
	assert.Equal(t, evs[2].Payload, got[2].Payload)

	snap, err := l.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "snap", string(snap))

	// The full event replaces its folded form; folding never downgrades.
	require.NoError(t, l.Append(evs[0]))
	back, err := l.Get(evs[0].Hash)
	require.NoError(t, err)
	assert.False(t, back.Folded)
	assert.Equal(t, evs[0].Payload, back.Payload)
	require.NoError(t, l.Append(evs[2].Fold()))
	back, err = l.Get(evs[2].Hash)
	require.NoError(t, err)
	assert.False(t, back.Folded)
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := Open(path)
	require.NoError(t, err)
	_, evs := testEvents(t, 2)
	for _, ev := range evs {
		require.NoError(t, l.Append(ev))
	}
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	var seen []uint64
	require.NoError(t, l.ForEach(func(ev event.Event) error {
		seen = append(seen, ev.Seq)
		return nil
	}))
	assert.ElementsMatch(t, []uint64{1, 2}, seen)
}

type bookEntry struct {
	Addr string `json:"addr"`
}

func TestJSONLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "peers.jsonl")
	var got []bookEntry
	require.NoError(t, ReadJSONL(path, func(e bookEntry) { got = append(got, e) }))
	assert.Empty(t, got)

	require.NoError(t, AppendJSONL(path, bookEntry{Addr: "a:1"}))
	require.NoError(t, AppendJSONL(path, bookEntry{Addr: "b:2"}))
	require.NoError(t, ReadJSONL(path, func(e bookEntry) { got = append(got, e) }))
	assert.Equal(t, []bookEntry{{"a:1"}, {"b:2"}}, got)

	require.NoError(t, RewriteJSONL(path, []bookEntry{{Addr: "c:3"}}))
	got = nil
	require.NoError(t, ReadJSONL(path, func(e bookEntry) { got = append(got, e) }))
	assert.Equal(t, []bookEntry{{"c:3"}}, got)
}
