package metrics

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncApplied()
	m.IncApplied()
	m.IncDuplicate()
	m.IncRejected()
	m.AddEvicted(3)
	m.IncGossipReceived("meshterm/events/v1")
	m.IncGossipReceived("meshterm/events/v1")
	m.IncGossipDropDuplicate()
	m.AddPeers(2)
	m.AddPeers(-1)
	m.SessionStarted()
	m.IncClose("auth_failed")

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Events.Applied)
	assert.Equal(t, uint64(1), snap.Events.Duplicate)
	assert.Equal(t, uint64(1), snap.Events.Rejected)
	assert.Equal(t, uint64(3), snap.Events.Evicted)
	assert.Equal(t, uint64(2), snap.Gossip.RecvByTopic["meshterm/events/v1"])
	assert.Equal(t, int64(1), snap.Gossip.PeersConnected)
	assert.Equal(t, int64(1), snap.SSH.Active)
	assert.Equal(t, uint64(1), snap.SSH.ClosesByReason["auth_failed"])
}

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	m.IncApplied()
	m.IncClose("x")
	assert.Nil(t, m.Recent())
	assert.Zero(t, m.Snapshot().Events.Applied)
}

func TestRecentEvictsOldest(t *testing.T) {
	r := NewRecent(2)
	r.Add(Activity{Seq: 1})
	r.Add(Activity{Seq: 2})
	r.Add(Activity{Seq: 3})
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, uint64(2), list[0].Seq)
	assert.Equal(t, uint64(3), list[1].Seq)
}

func TestWriteAndReadSnapshot(t *testing.T) {
	m := New()
	m.IncLocal()
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, m.WriteSnapshot(path))
	snap, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Events.Local)
	assert.NoError(t, m.WriteSnapshot(""))
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.IncApplied()
	m.IncClose("idle_timeout")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "meshterm_events_applied_total 1")
	assert.Contains(t, string(body), `meshterm_ssh_closes_total{reason="idle_timeout"} 1`)
}
