package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"meshterm/internal/config"
	"meshterm/internal/metrics"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func withHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "node")
	t.Setenv(config.Prefix+"NODE_HOME", home)
	return home
}

func TestHelp(t *testing.T) {
	code, out, _ := runCLI(t, "", "--help")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "meshterm")
	for _, sub := range []string{"run", "id", "status", "passwd", "reset"} {
		assert.Contains(t, out, sub)
	}
}

func TestIDIsStable(t *testing.T) {
	withHome(t)
	code, first, errOut := runCLI(t, "", "id")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, first, "node_id:")
	assert.Contains(t, first, "host_key: SHA256:")

	code, second, _ := runCLI(t, "", "id")
	require.Equal(t, 0, code)
	assert.Equal(t, first, second)
}

func TestHomeFlagOverridesEnv(t *testing.T) {
	withHome(t)
	other := filepath.Join(t.TempDir(), "other")
	code, _, errOut := runCLI(t, "", "--home", other, "id")
	require.Equal(t, 0, code, errOut)
	_, err := os.Stat(filepath.Join(other, "identity"))
	assert.NoError(t, err)
}

func TestPasswdWritesBcryptHash(t *testing.T) {
	home := withHome(t)
	code, out, errOut := runCLI(t, "hunter2\n", "passwd")
	require.Equal(t, 0, code, errOut)
	path := filepath.Join(home, "ssh_password.hash")
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	hash := strings.TrimSpace(string(data))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPasswdRejectsEmpty(t *testing.T) {
	withHome(t)
	code, _, errOut := runCLI(t, "\n", "passwd")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "password is required")
}

func TestStatusReadsSnapshot(t *testing.T) {
	home := withHome(t)
	code, _, errOut := runCLI(t, "", "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no snapshot")

	require.NoError(t, os.MkdirAll(home, 0700))
	m := metrics.New()
	m.IncLocal()
	m.IncApplied()
	m.IncClose("idle_timeout")
	require.NoError(t, m.WriteSnapshot(filepath.Join(home, "metrics.json")))

	code, out, errOut := runCLI(t, "", "status")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "local=1 applied=1")
	assert.Contains(t, out, "ssh closes: idle_timeout=1")
}

func TestResetKeepsIdentityWhenAsked(t *testing.T) {
	home := withHome(t)
	code, _, _ := runCLI(t, "", "id")
	require.Equal(t, 0, code)
	require.NoError(t, os.WriteFile(filepath.Join(home, "events.db"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(home, "metrics.json"), []byte("{}"), 0600))

	code, out, errOut := runCLI(t, "", "reset", "--keep-identity")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "events.db")
	assert.NoFileExists(t, filepath.Join(home, "events.db"))
	assert.NoFileExists(t, filepath.Join(home, "metrics.json"))
	assert.DirExists(t, filepath.Join(home, "identity"))

	code, _, _ = runCLI(t, "", "reset")
	require.Equal(t, 0, code)
	assert.NoDirExists(t, filepath.Join(home, "identity"))
}

func TestInvalidConfigExitsTwo(t *testing.T) {
	withHome(t)
	t.Setenv(config.Prefix+"RENDER_MODE", "sometimes")
	code, _, errOut := runCLI(t, "", "status")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "render mode")
}
