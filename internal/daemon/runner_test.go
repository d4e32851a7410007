package daemon

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"meshterm/internal/config"
	"meshterm/internal/discovery"
	"meshterm/internal/gossip"
	"meshterm/internal/metrics"
	"meshterm/internal/testutil"
)

func testConfig(t *testing.T, home string) config.Config {
	t.Helper()
	t.Setenv(config.Prefix+"NODE_HOME", home)
	t.Setenv(config.Prefix+"NODE_NAME", filepath.Base(home))
	t.Setenv(config.Prefix+"GOSSIP_LISTEN_ADDR", "127.0.0.1:0")
	t.Setenv(config.Prefix+"GOSSIP_HEARTBEAT_INTERVAL", "200ms")
	t.Setenv(config.Prefix+"DISCOVERY_MULTICAST", "false")
	t.Setenv(config.Prefix+"DISCOVERY_BACKOFF_BASE", "100ms")
	t.Setenv(config.Prefix+"DISCOVERY_BACKOFF_MAX", "500ms")
	t.Setenv(config.Prefix+"SSH_ENABLED", "false")
	t.Setenv(config.Prefix+"OPS_LISTEN_ADDR", "127.0.0.1:0")
	t.Setenv(config.Prefix+"OPS_SNAPSHOT_TICK", "100ms")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

type running struct {
	*Runner
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg config.Config) *running {
	t.Helper()
	r, err := NewRunner(cfg, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	rr := &running{Runner: r, cancel: cancel, done: make(chan error, 1)}
	go func() { rr.done <- r.Run(ctx) }()
	select {
	case <-r.Ready():
	case err := <-rr.done:
		t.Fatalf("runner exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner not ready")
	}
	t.Cleanup(func() { rr.stop(t) })
	return rr
}

func (rr *running) stop(t *testing.T) {
	t.Helper()
	rr.cancel()
	select {
	case err, ok := <-rr.done:
		if ok {
			assert.NoError(t, err)
			close(rr.done)
		}
	case <-time.After(10 * time.Second):
		t.Error("runner did not stop")
	}
	assert.NoError(t, rr.Close())
}

func hasValue(t *testing.T, r *Runner, key, want string) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, ok, err := r.Engine.Query(ctx, key)
	return err == nil && ok && string(v.Data) == want
}

func TestTwoNodesConverge(t *testing.T) {
	base := t.TempDir()
	a := start(t, testConfig(t, filepath.Join(base, "alpha")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Written before beta exists, so beta must catch up through a summary.
	_, err := a.Engine.SubmitLocal(ctx, []byte(`{"greeting":"hello"}`), nil)
	require.NoError(t, err)

	cfgB := testConfig(t, filepath.Join(base, "beta"))
	cfgB.Discovery.Bootstrap = []string{a.Self.ID.String() + "@" + a.Gossip.Addr()}
	b := start(t, cfgB)

	testutil.WaitFor(t, 10*time.Second, "beta connected to alpha", func() bool {
		return len(b.Gossip.Peers()) == 1 && len(a.Gossip.Peers()) == 1
	})
	testutil.WaitFor(t, 10*time.Second, "catch-up on beta", func() bool {
		return hasValue(t, b.Runner, "greeting", `"hello"`)
	})

	// Written while connected, so it floods.
	_, err = b.Engine.SubmitLocal(ctx, []byte(`{"count":2}`), nil)
	require.NoError(t, err)
	testutil.WaitFor(t, 10*time.Second, "flood to alpha", func() bool {
		return hasValue(t, a.Runner, "count", "2")
	})

	resp, err := http.Get("http://" + a.Ops.Addr() + "/v1/state/count")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Value  json.RawMessage `json:"value"`
		Author string          `json:"author"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.JSONEq(t, "2", string(got.Value))
	assert.Equal(t, b.Self.ID.String(), got.Author)

	entries, err := b.Table.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, a.Self.ID, entries[0].ID)
}

func TestLostPeerReportedToTable(t *testing.T) {
	base := t.TempDir()
	a := start(t, testConfig(t, filepath.Join(base, "alpha")))
	cfgB := testConfig(t, filepath.Join(base, "beta"))
	cfgB.Discovery.Bootstrap = []string{a.Self.ID.String() + "@" + a.Gossip.Addr()}
	b := start(t, cfgB)

	entry := func() discovery.Entry {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		entries, err := b.Table.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		return entries[0]
	}
	testutil.WaitFor(t, 10*time.Second, "beta connected to alpha", func() bool {
		return entry().State == discovery.StateConnected
	})

	a.stop(t)
	testutil.WaitFor(t, 10*time.Second, "alpha marked lost", func() bool {
		e := entry()
		return e.State != discovery.StateConnected && e.Failures >= 1
	})
	assert.Empty(t, b.Gossip.Peers())
}

func TestMetricsSnapshotWrittenOnShutdown(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "solo"))
	r := start(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.Engine.SubmitLocal(ctx, []byte(`{"k":true}`), nil)
	require.NoError(t, err)

	r.stop(t)

	snap, err := metrics.ReadSnapshot(cfg.Ops.MetricsPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Events.Local)
}

func TestRestartKeepsStateAndIdentity(t *testing.T) {
	home := filepath.Join(t.TempDir(), "node")
	cfg := testConfig(t, home)
	first := start(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := first.Engine.SubmitLocal(ctx, []byte(`{"persisted":"yes"}`), nil)
	require.NoError(t, err)
	id := first.Self.ID
	first.stop(t)

	second := start(t, cfg)
	assert.Equal(t, id, second.Self.ID)
	assert.True(t, hasValue(t, second.Runner, "persisted", `"yes"`))
}

func TestGatewayDisabledWithoutAuth(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "noauth"))
	cfg.SSH.Enabled = true
	cfg.SSH.ListenAddr = "127.0.0.1:0"
	r, err := NewRunner(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	assert.Nil(t, r.Gateway)
	assert.NotNil(t, r.Ops)
}

func TestGatewayEnabledWithAuthorizedKey(t *testing.T) {
	home := filepath.Join(t.TempDir(), "withkey")
	require.NoError(t, os.MkdirAll(home, 0700))
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, "authorized_keys"), ssh.MarshalAuthorizedKey(sshPub), 0600))

	cfg := testConfig(t, home)
	cfg.SSH.Enabled = true
	cfg.SSH.ListenAddr = "127.0.0.1:0"
	r := start(t, cfg)
	require.NotNil(t, r.Gateway)
	assert.NotEqual(t, "127.0.0.1:0", r.Gateway.Addr())
}

func TestSummaryMustBeDirect(t *testing.T) {
	r, err := NewRunner(testConfig(t, filepath.Join(t.TempDir(), "direct")), zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	err = r.handleSummary(context.Background(), gossip.Message{Topic: TopicSync, Data: []byte(`{}`)})
	assert.Error(t, err)
}

func TestAdvertiseListen(t *testing.T) {
	cases := map[string]string{
		"[::]:7420":      "0.0.0.0:7420",
		":7420":          "0.0.0.0:7420",
		"0.0.0.0:7420":   "0.0.0.0:7420",
		"127.0.0.1:7420": "127.0.0.1:7420",
		"10.1.2.3:9":     "10.1.2.3:9",
	}
	for in, want := range cases {
		assert.Equal(t, want, advertiseListen(in), in)
	}
}
