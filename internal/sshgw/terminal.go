package sshgw

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

const (
	maxTermCols = 500
	maxTermRows = 200
)

// Terminal is the interactive side of one established session: input
// bytes from the client and rate-capped output frames back to it.
type Terminal struct {
	id     string
	user   string
	remote string

	ch        ssh.Channel
	limiter   *rate.Limiter
	lastInput *atomic.Int64
	writeMu   sync.Mutex

	mu      sync.Mutex
	term    string
	cols    int
	rows    int
	resized chan struct{}
}

func newTerminal(id, user, remote string, ch ssh.Channel, maxFPS float64, lastInput *atomic.Int64) *Terminal {
	limit := rate.Inf
	if maxFPS > 0 {
		limit = rate.Limit(maxFPS)
	}
	return &Terminal{
		id:        id,
		user:      user,
		remote:    remote,
		ch:        ch,
		limiter:   rate.NewLimiter(limit, 1),
		lastInput: lastInput,
		term:      "xterm",
		cols:      80,
		rows:      24,
		resized:   make(chan struct{}, 1),
	}
}

func (t *Terminal) ID() string     { return t.id }
func (t *Terminal) User() string   { return t.user }
func (t *Terminal) Remote() string { return t.remote }

func (t *Terminal) TermType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.term
}

// Size is the pty geometry in columns and rows.
func (t *Terminal) Size() (cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// Resized fires after the client changes the window size.
func (t *Terminal) Resized() <-chan struct{} {
	return t.resized
}

func clampDim(v uint32, max, fallback int) int {
	if v == 0 {
		return fallback
	}
	if int(v) > max {
		return max
	}
	return int(v)
}

func (t *Terminal) setPty(term string, cols, rows uint32) {
	t.mu.Lock()
	if term != "" {
		t.term = term
	}
	t.cols = clampDim(cols, maxTermCols, t.cols)
	t.rows = clampDim(rows, maxTermRows, t.rows)
	t.mu.Unlock()
	t.notifyResize()
}

func (t *Terminal) resize(cols, rows uint32) {
	t.setPty("", cols, rows)
}

func (t *Terminal) notifyResize() {
	select {
	case t.resized <- struct{}{}:
	default:
	}
}

// Read returns client input. Every read counts as activity for the idle
// timeout.
func (t *Terminal) Read(p []byte) (int, error) {
	n, err := t.ch.Read(p)
	if n > 0 {
		t.lastInput.Store(time.Now().UnixNano())
	}
	return n, err
}

// WriteFrame sends one rendered frame, waiting for the frame-rate cap.
func (t *Terminal) WriteFrame(ctx context.Context, frame []byte) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.write(frame)
}

func (t *Terminal) write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.ch.Write(p)
	return err
}
