package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"meshterm/internal/metrics"
	"meshterm/internal/syncengine"
)

const (
	clearScreen = "\x1b[H\x1b[2J"
	maxValueLen = 120
)

type panel int

const (
	panelState panel = iota
	panelActivity
	panelCount
)

func (p panel) String() string {
	if p == panelActivity {
		return "activity"
	}
	return "state"
}

type theme struct {
	header      lipgloss.Style
	tabActive   lipgloss.Style
	tabInactive lipgloss.Style
	key         lipgloss.Style
	value       lipgloss.Style
	selected    lipgloss.Style
	conflict    lipgloss.Style
	muted       lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	debug       lipgloss.Style
	prompt      lipgloss.Style
}

// profileFor picks the color profile from the pty's TERM value.
func profileFor(term string) termenv.Profile {
	term = strings.ToLower(term)
	switch {
	case term == "" || term == "dumb":
		return termenv.Ascii
	case strings.Contains(term, "truecolor") || strings.Contains(term, "24bit") || strings.Contains(term, "direct"):
		return termenv.TrueColor
	case strings.Contains(term, "256color"):
		return termenv.ANSI256
	}
	return termenv.ANSI
}

func newTheme(term string) theme {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(profileFor(term))
	r.SetHasDarkBackground(true)
	accent := lipgloss.AdaptiveColor{Light: "#005f87", Dark: "#5fd7ff"}
	warn := lipgloss.AdaptiveColor{Light: "#af0000", Dark: "#ff5f87"}
	muted := lipgloss.AdaptiveColor{Light: "#6c6c6c", Dark: "#8a8a8a"}
	return theme{
		header:      r.NewStyle().Bold(true).Foreground(accent),
		tabActive:   r.NewStyle().Bold(true).Reverse(true).Padding(0, 1),
		tabInactive: r.NewStyle().Foreground(muted).Padding(0, 1),
		key:         r.NewStyle().Foreground(accent),
		value:       r.NewStyle(),
		selected:    r.NewStyle().Reverse(true),
		conflict:    r.NewStyle().Foreground(warn),
		muted:       r.NewStyle().Foreground(muted),
		status:      r.NewStyle().Foreground(accent).Bold(true),
		errorStatus: r.NewStyle().Foreground(warn).Bold(true),
		debug:       r.NewStyle().Foreground(muted).Italic(true),
		prompt:      r.NewStyle().Bold(true),
	}
}

// view is everything one frame shows.
type view struct {
	title    string
	user     string
	cols     int
	rows     int
	panel    panel
	values   []syncengine.Value
	cursor   int
	activity []metrics.Activity
	debug    *debugInfo
	command  *string
	quitting bool
	status   string
	statusOK bool
}

type debugInfo struct {
	stats   syncengine.Stats
	frames  uint64
	dropped uint64
	lagged  uint64
	mode    string
}

func (t theme) render(v view) string {
	var lines []string
	lines = append(lines, t.header.Render(fmt.Sprintf("meshterm %s", v.title))+t.muted.Render("  "+v.user))
	lines = append(lines, t.tabs(v.panel))

	footer := t.footer(v)
	body := v.rows - len(lines) - len(footer)
	if v.debug != nil {
		body -= 2
	}
	if body < 1 {
		body = 1
	}
	switch v.panel {
	case panelActivity:
		lines = append(lines, t.activity(v.activity, body)...)
	default:
		lines = append(lines, t.state(v.values, v.cursor, body)...)
	}
	if v.debug != nil {
		lines = append(lines, t.debugLines(*v.debug)...)
	}
	lines = append(lines, footer...)
	return frame(lines, v.cols, v.rows)
}

func (t theme) tabs(active panel) string {
	var segs []string
	for p := panel(0); p < panelCount; p++ {
		if p == active {
			segs = append(segs, t.tabActive.Render(p.String()))
		} else {
			segs = append(segs, t.tabInactive.Render(p.String()))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, segs...)
}

// window returns the slice bounds that keep cursor visible in height rows.
func window(n, cursor, height int) (int, int) {
	if n <= height {
		return 0, n
	}
	start := cursor - height/2
	if start < 0 {
		start = 0
	}
	if start+height > n {
		start = n - height
	}
	return start, start + height
}

func (t theme) state(values []syncengine.Value, cursor, height int) []string {
	if len(values) == 0 {
		return []string{t.muted.Render("(no state yet, press : to set a key)")}
	}
	width := 0
	for _, v := range values {
		if len(v.Key) > width {
			width = len(v.Key)
		}
	}
	if width > 32 {
		width = 32
	}
	start, end := window(len(values), cursor, height)
	out := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		v := values[i]
		val := printable(string(v.Data))
		if len(val) > maxValueLen {
			val = val[:maxValueLen] + "…"
		}
		keyStyle := t.key
		if i == cursor {
			keyStyle = t.selected
		}
		line := keyStyle.Render(fmt.Sprintf("%-*s", width, printable(v.Key))) + "  " + t.value.Render(val)
		if v.Concurrent > 1 {
			line += t.conflict.Render(fmt.Sprintf("  (%d concurrent)", v.Concurrent))
		}
		out = append(out, line)
	}
	return out
}

func (t theme) activity(list []metrics.Activity, height int) []string {
	if len(list) == 0 {
		return []string{t.muted.Render("(no activity)")}
	}
	// newest first
	out := make([]string, 0, height)
	for i := len(list) - 1; i >= 0 && len(out) < height; i-- {
		a := list[i]
		line := fmt.Sprintf("%s %-9s %s#%d", a.At.Format("15:04:05"), a.Outcome, a.Author, a.Seq)
		if len(a.Keys) > 0 {
			line += " " + strings.Join(a.Keys, ",")
		}
		out = append(out, t.value.Render(line))
	}
	return out
}

func (t theme) debugLines(d debugInfo) []string {
	s := d.stats
	return []string{
		t.debug.Render(fmt.Sprintf("gen %d  applied %d  log %d  buffered %d  keys %d  heads %d  authors %d",
			s.Generation, s.Applied, s.InLog, s.Buffered, s.Keys, s.Heads, s.Authors)),
		t.debug.Render(fmt.Sprintf("mode %s  frames %d  dropped %d  lagged %d  subscribers %d",
			d.mode, d.frames, d.dropped, d.lagged, s.Subscribers)),
	}
}

func (t theme) footer(v view) []string {
	switch {
	case v.quitting:
		return []string{t.prompt.Render("quit? (y/n)")}
	case v.command != nil:
		return []string{t.prompt.Render(":" + *v.command + "_")}
	case v.status != "":
		if v.statusOK {
			return []string{t.status.Render(v.status)}
		}
		return []string{t.errorStatus.Render(v.status)}
	}
	return []string{t.muted.Render("j/k move  +/- adjust  : set/del  tab panel  d debug  q quit")}
}

// printable keeps control bytes from remote writes out of the frame.
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '?'
		}
		return r
	}, s)
}

// frame clips lines to the pty geometry and prefixes cursor-home and clear.
func frame(lines []string, cols, rows int) string {
	if rows > 0 && len(lines) > rows {
		lines = lines[:rows]
	}
	clip := lipgloss.NewStyle().MaxWidth(cols)
	var b strings.Builder
	b.WriteString(clearScreen)
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		if cols > 0 {
			l = clip.Render(l)
		}
		b.WriteString(l)
	}
	return b.String()
}
