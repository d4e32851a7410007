package debuglog

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "warn", Out: &buf})
	require.NoError(t, err)

	log.Info().Msg("hidden")
	syncLog := Component(log, "sync")
	syncLog.Warn().Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "sync", line["component"])
	assert.Contains(t, line, "time")
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "debug", Format: "console", Out: &buf})
	require.NoError(t, err)
	lim := NewLimiter(time.Hour)

	for i := 0; i < 3; i++ {
		RateLimited(lim, "dial:a", log.Debug()).Int("i", i).Msg("dial failed")
	}
	RateLimited(lim, "dial:b", log.Debug()).Msg("dial failed")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("dial failed")))

	assert.False(t, lim.Allow(""))
	var nilLim *Limiter
	assert.False(t, nilLim.Allow("x"))
}
