package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MESHTERM_NODE_HOME", home)
	t.Setenv("MESHTERM_SSH_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Node.Home)
	assert.Equal(t, "0.0.0.0:7420", cfg.Gossip.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Gossip.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Gossip.HeartbeatMisses)
	assert.Equal(t, "change", cfg.Render.Mode)
	assert.Equal(t, filepath.Join(home, "metrics.json"), cfg.Ops.MetricsPath)
	assert.True(t, cfg.Discovery.Multicast)
	assert.Empty(t, cfg.Discovery.Bootstrap)
	assert.Equal(t, filepath.Join(home, "authorized_keys"), cfg.SSH.AuthorizedKeysFile)
	assert.Equal(t, filepath.Join(home, "ssh_password.hash"), cfg.SSH.PasswordFile)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MESHTERM_NODE_HOME", t.TempDir())
	t.Setenv("MESHTERM_SSH_ENABLED", "false")
	t.Setenv("MESHTERM_DISCOVERY_BOOTSTRAP", "10.0.0.1:7420, ,abcd@10.0.0.2:7420")
	t.Setenv("MESHTERM_RENDER_MODE", "TICK")
	t.Setenv("MESHTERM_SYNC_VERIFY_WORKERS", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.SSH.Enabled)
	assert.Equal(t, []string{"10.0.0.1:7420", "abcd@10.0.0.2:7420"}, cfg.Discovery.Bootstrap)
	assert.Equal(t, "tick", cfg.Render.Mode)
	assert.Equal(t, 9, cfg.Sync.VerifyWorkers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("MESHTERM_NODE_HOME", t.TempDir())

	t.Setenv("MESHTERM_SSH_MAX_AUTH_TRIES", "0")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalid)

	t.Setenv("MESHTERM_SSH_ENABLED", "false")
	t.Setenv("MESHTERM_RENDER_MODE", "sometimes")
	_, err = Load()
	assert.ErrorIs(t, err, ErrInvalid)

	t.Setenv("MESHTERM_RENDER_MODE", "tick")
	t.Setenv("MESHTERM_GOSSIP_HEARTBEAT_MISSES", "many")
	_, err = Load()
	assert.ErrorIs(t, err, ErrInvalid)
}
