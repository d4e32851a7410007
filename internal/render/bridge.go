// Package render projects the synchronized state onto SSH terminals and
// turns keystrokes into locally signed writes.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meshterm/internal/debuglog"
	"meshterm/internal/event"
	"meshterm/internal/metrics"
	"meshterm/internal/syncengine"
)

const (
	ModeTick   = "tick"
	ModeChange = "change"

	maxCommandLen = 512
)

// Engine is the part of the sync engine a session reads and writes.
type Engine interface {
	Query(ctx context.Context, key string) (syncengine.Value, bool, error)
	Scan(ctx context.Context, prefix string) ([]syncengine.Value, error)
	SubmitLocal(ctx context.Context, payload []byte, deps []event.Hash) (event.Event, error)
	Subscribe(ctx context.Context, prefix string) (*syncengine.Subscription, error)
	Unsubscribe(ctx context.Context, token uint64) error
	Stats(ctx context.Context) (syncengine.Stats, error)
}

// Terminal is one interactive session as the SSH gateway exposes it.
type Terminal interface {
	io.Reader
	WriteFrame(ctx context.Context, frame []byte) error
	Size() (cols, rows int)
	Resized() <-chan struct{}
	TermType() string
	User() string
	ID() string
}

type Config struct {
	Mode         string
	TickInterval time.Duration
	WatchPrefix  string
	// Title is shown in the header, usually the node name and short id.
	Title string
}

func (c Config) normalized() Config {
	if c.Mode != ModeTick {
		c.Mode = ModeChange
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	return c
}

type Bridge struct {
	eng     Engine
	cfg     Config
	log     zerolog.Logger
	lim     *debuglog.Limiter
	metrics *metrics.Metrics
}

func New(eng Engine, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		eng:     eng,
		cfg:     cfg.normalized(),
		log:     logger,
		lim:     debuglog.NewLimiter(30 * time.Second),
		metrics: m,
	}
}

// Serve runs one session until the user quits, the terminal fails or ctx
// is done. Quitting returns nil.
func (b *Bridge) Serve(ctx context.Context, term Terminal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Tick mode redraws on its own clock, so it takes no notifications.
	var sub *syncengine.Subscription
	var notes <-chan syncengine.Notification
	if b.cfg.Mode == ModeChange {
		var err error
		sub, err = b.eng.Subscribe(ctx, b.cfg.WatchPrefix)
		if err != nil {
			return fmt.Errorf("render subscribe: %w", err)
		}
		defer func() {
			uctx, ucancel := context.WithTimeout(context.Background(), time.Second)
			defer ucancel()
			_ = b.eng.Unsubscribe(uctx, sub.Token())
		}()
		notes = sub.C
	}

	s := newSession(b, term, sub)
	out := newFrameQueue()
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.writeLoop(ctx, out)
		cancel()
	}()
	input := make(chan []byte, 16)
	go readInput(ctx, term, input)

	var tick <-chan time.Time
	if b.cfg.Mode == ModeTick {
		t := time.NewTicker(b.cfg.TickInterval)
		defer t.Stop()
		tick = t.C
	}

	s.draw(ctx, out)
	for {
		select {
		case <-ctx.Done():
			select {
			case err := <-writeErr:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			default:
			}
			return nil
		case data, ok := <-input:
			if !ok {
				return nil
			}
			for _, a := range s.parser.Feed(data) {
				if s.apply(ctx, a) {
					return nil
				}
			}
			s.draw(ctx, out)
		case <-term.Resized():
			s.draw(ctx, out)
		case _, ok := <-notes:
			if !ok {
				return nil
			}
			drain(notes)
			s.draw(ctx, out)
		case <-tick:
			s.draw(ctx, out)
		}
	}
}

func drain(c <-chan syncengine.Notification) {
	for {
		select {
		case _, ok := <-c:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func readInput(ctx context.Context, r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- append([]byte(nil), buf[:n]...):
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// frameQueue holds at most one pending frame; a newer frame replaces an
// unsent one.
type frameQueue struct {
	ch chan []byte
}

func newFrameQueue() *frameQueue {
	return &frameQueue{ch: make(chan []byte, 1)}
}

// offer reports whether an unsent frame was replaced. Only one goroutine
// may offer.
func (q *frameQueue) offer(f []byte) bool {
	replaced := false
	for {
		select {
		case q.ch <- f:
			return replaced
		default:
		}
		select {
		case <-q.ch:
			replaced = true
		default:
		}
	}
}

type session struct {
	b      *Bridge
	term   Terminal
	sub    *syncengine.Subscription
	theme  theme
	parser Parser

	values   []syncengine.Value
	cursor   int
	panel    panel
	debug    bool
	command  []rune
	editing  bool
	quitting bool
	status   string
	statusOK bool

	frames  atomic.Uint64
	dropped atomic.Uint64
}

func newSession(b *Bridge, term Terminal, sub *syncengine.Subscription) *session {
	return &session{b: b, term: term, sub: sub, theme: newTheme(term.TermType())}
}

func (s *session) writeLoop(ctx context.Context, q *frameQueue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-q.ch:
			if err := s.term.WriteFrame(ctx, f); err != nil {
				return err
			}
			s.frames.Add(1)
			s.b.metrics.IncFrame()
		}
	}
}

func (s *session) setStatus(ok bool, format string, args ...any) {
	s.status = fmt.Sprintf(format, args...)
	s.statusOK = ok
}

// apply runs one action and reports whether the session should end.
func (s *session) apply(ctx context.Context, a Action) bool {
	switch a.Kind {
	case CursorUp:
		if s.cursor > 0 {
			s.cursor--
		}
	case CursorDown:
		if s.cursor < len(s.values)-1 {
			s.cursor++
		}
	case Increment:
		s.adjust(ctx, 1)
	case Decrement:
		s.adjust(ctx, -1)
	case BeginCommand:
		s.editing = true
		s.command = s.command[:0]
		s.status = ""
	case CommandInput:
		if a.Rune == '\b' {
			if len(s.command) > 0 {
				s.command = s.command[:len(s.command)-1]
			}
		} else if len(s.command) < maxCommandLen {
			s.command = append(s.command, a.Rune)
		}
	case CommandSubmit:
		s.editing = false
		s.runCommand(ctx, string(s.command))
	case CommandCancel:
		s.editing = false
	case ToggleDebug:
		s.debug = !s.debug
	case Refresh:
		s.status = ""
	case NextPanel:
		s.panel = (s.panel + 1) % panelCount
	case PromptQuit:
		s.quitting = true
	case CancelQuit:
		s.quitting = false
	case ConfirmQuit:
		return true
	}
	return false
}

// parseNumber reads a JSON number. ok is false for anything else.
func parseNumber(raw json.RawMessage) (i int64, f float64, isInt, ok bool) {
	text := strings.TrimSpace(string(raw))
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return v, 0, true, true
	}
	if text == "" || strings.ContainsAny(text, `"tfn[{`) {
		return 0, 0, false, false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, 0, false, false
	}
	return 0, v, false, true
}

// adjust adds delta to the selected numeric value. The write names the
// value it was computed from as its causal predecessor.
func (s *session) adjust(ctx context.Context, delta int64) {
	if s.panel != panelState || len(s.values) == 0 {
		s.setStatus(false, "nothing selected")
		return
	}
	v := s.values[s.cursor]
	i, f, isInt, ok := parseNumber(v.Data)
	if !ok {
		s.setStatus(false, "%s is not a number", v.Key)
		return
	}
	var next string
	if isInt {
		next = strconv.FormatInt(i+delta, 10)
	} else {
		next = strconv.FormatFloat(f+float64(delta), 'g', -1, 64)
	}
	s.write(ctx, v.Key, json.RawMessage(next), []event.Hash{v.Hash})
}

func (s *session) runCommand(ctx context.Context, text string) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "":
		return
	case "set":
		key, raw, _ := strings.Cut(rest, " ")
		raw = strings.TrimSpace(raw)
		if key == "" || raw == "" {
			s.setStatus(false, "usage: set <key> <json>")
			return
		}
		if !json.Valid([]byte(raw)) {
			s.setStatus(false, "value for %s is not JSON", key)
			return
		}
		s.write(ctx, key, json.RawMessage(raw), s.observed(ctx, key))
	case "del":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			s.setStatus(false, "usage: del <key>")
			return
		}
		s.write(ctx, rest, json.RawMessage("null"), s.observed(ctx, rest))
	default:
		s.setStatus(false, "unknown command %q", verb)
	}
}

// observed is the hash of the write currently visible for key, if any.
func (s *session) observed(ctx context.Context, key string) []event.Hash {
	v, ok, err := s.b.eng.Query(ctx, key)
	if err != nil || !ok {
		return nil
	}
	return []event.Hash{v.Hash}
}

func (s *session) write(ctx context.Context, key string, value json.RawMessage, deps []event.Hash) {
	payload, err := json.Marshal(map[string]json.RawMessage{key: value})
	if err != nil {
		s.setStatus(false, "encode %s: %v", key, err)
		return
	}
	ev, err := s.b.eng.SubmitLocal(ctx, payload, deps)
	if err != nil {
		s.setStatus(false, "write %s: %v", key, err)
		if s.b.lim.Allow("submit:" + s.term.ID()) {
			s.b.log.Warn().Err(err).Str("session", s.term.ID()).Str("key", key).Msg("local write failed")
		}
		return
	}
	s.setStatus(true, "%s = %s (seq %d)", key, value, ev.Seq)
}

func (s *session) refresh(ctx context.Context) {
	values, err := s.b.eng.Scan(ctx, s.b.cfg.WatchPrefix)
	if err != nil {
		if ctx.Err() == nil && s.b.lim.Allow("scan:"+s.term.ID()) {
			s.b.log.Warn().Err(err).Str("session", s.term.ID()).Msg("state scan failed")
		}
		return
	}
	s.values = values
	if s.cursor >= len(values) {
		s.cursor = len(values) - 1
	}
	if s.cursor < 0 {
		s.cursor = 0
	}
}

func (s *session) view(ctx context.Context) view {
	cols, rows := s.term.Size()
	v := view{
		title:    s.b.cfg.Title,
		user:     s.term.User(),
		cols:     cols,
		rows:     rows,
		panel:    s.panel,
		values:   s.values,
		cursor:   s.cursor,
		quitting: s.quitting,
		status:   s.status,
		statusOK: s.statusOK,
	}
	if s.panel == panelActivity {
		v.activity = s.b.metrics.Recent().List()
	}
	if s.editing {
		cmd := string(s.command)
		v.command = &cmd
	}
	if s.debug {
		st, _ := s.b.eng.Stats(ctx)
		v.debug = &debugInfo{
			stats:   st,
			frames:  s.frames.Load(),
			dropped: s.dropped.Load(),
			mode:    s.b.cfg.Mode,
		}
		if s.sub != nil {
			v.debug.lagged = s.sub.Dropped()
		}
	}
	return v
}

// draw renders the latest state and queues it, replacing any frame the
// writer has not sent yet.
func (s *session) draw(ctx context.Context, q *frameQueue) {
	s.refresh(ctx)
	f := s.theme.render(s.view(ctx))
	if q.offer([]byte(f)) {
		s.dropped.Add(1)
		s.b.metrics.IncFrameDropped()
	}
}
