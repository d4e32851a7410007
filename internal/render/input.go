package render

import "unicode/utf8"

// ActionKind is the closed set of things a keystroke can mean.
type ActionKind int

const (
	CursorUp ActionKind = iota + 1
	CursorDown
	Increment
	Decrement
	BeginCommand
	CommandInput
	CommandSubmit
	CommandCancel
	ToggleDebug
	Refresh
	NextPanel
	PromptQuit
	ConfirmQuit
	CancelQuit
)

var actionNames = map[ActionKind]string{
	CursorUp:      "cursor_up",
	CursorDown:    "cursor_down",
	Increment:     "increment",
	Decrement:     "decrement",
	BeginCommand:  "begin_command",
	CommandInput:  "command_input",
	CommandSubmit: "command_submit",
	CommandCancel: "command_cancel",
	ToggleDebug:   "toggle_debug",
	Refresh:       "refresh",
	NextPanel:     "next_panel",
	PromptQuit:    "prompt_quit",
	ConfirmQuit:   "confirm_quit",
	CancelQuit:    "cancel_quit",
}

func (k ActionKind) String() string {
	if s, ok := actionNames[k]; ok {
		return s
	}
	return "unknown"
}

// Action is one parsed keystroke. Rune is set for CommandInput only; a
// backspace arrives as CommandInput with Rune '\b'.
type Action struct {
	Kind ActionKind
	Rune rune
}

type inputMode int

const (
	modeNormal inputMode = iota
	modeCommand
	modeQuitPrompt
)

const (
	keyCtrlC     = 0x03
	keyCtrlD     = 0x04
	keyBackspace = 0x08
	keyTab       = 0x09
	keyCtrlL     = 0x0c
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

// Parser turns raw terminal input into actions. It tracks the input mode
// itself and holds incomplete escape sequences across reads.
type Parser struct {
	mode    inputMode
	pending []byte
}

// Feed parses b and returns the actions it completes.
func (p *Parser) Feed(b []byte) []Action {
	buf := append(p.pending, b...)
	p.pending = nil
	var out []Action
	emit := func(a Action) {
		out = append(out, a)
		switch a.Kind {
		case BeginCommand:
			p.mode = modeCommand
		case CommandSubmit, CommandCancel, CancelQuit:
			p.mode = modeNormal
		case PromptQuit:
			p.mode = modeQuitPrompt
		}
	}
	for i := 0; i < len(buf); {
		c := buf[i]
		if c == keyCtrlC || c == keyCtrlD {
			emit(Action{Kind: ConfirmQuit})
			i++
			continue
		}
		if c == keyEscape {
			n, a, ok := parseEscape(buf[i:])
			if n == 0 {
				p.pending = append([]byte(nil), buf[i:]...)
				break
			}
			i += n
			if ok {
				if p.mode == modeNormal {
					emit(a)
				}
				continue
			}
			switch p.mode {
			case modeCommand:
				emit(Action{Kind: CommandCancel})
			case modeQuitPrompt:
				emit(Action{Kind: CancelQuit})
			}
			continue
		}
		n, r := decodeRune(buf[i:])
		if n == 0 {
			p.pending = append([]byte(nil), buf[i:]...)
			break
		}
		i += n
		switch p.mode {
		case modeCommand:
			switch {
			case r == '\r' || r == '\n':
				emit(Action{Kind: CommandSubmit})
			case r == keyBackspace || r == keyDelete:
				emit(Action{Kind: CommandInput, Rune: '\b'})
			case r >= 0x20:
				emit(Action{Kind: CommandInput, Rune: r})
			}
		case modeQuitPrompt:
			if r == 'y' || r == 'Y' {
				emit(Action{Kind: ConfirmQuit})
			} else {
				emit(Action{Kind: CancelQuit})
			}
		default:
			if a, ok := normalKey(r); ok {
				emit(a)
			}
		}
	}
	return out
}

func normalKey(r rune) (Action, bool) {
	switch r {
	case 'k':
		return Action{Kind: CursorUp}, true
	case 'j':
		return Action{Kind: CursorDown}, true
	case '+', '=':
		return Action{Kind: Increment}, true
	case '-', '_':
		return Action{Kind: Decrement}, true
	case ':':
		return Action{Kind: BeginCommand}, true
	case 'd':
		return Action{Kind: ToggleDebug}, true
	case keyCtrlL:
		return Action{Kind: Refresh}, true
	case keyTab:
		return Action{Kind: NextPanel}, true
	case 'q':
		return Action{Kind: PromptQuit}, true
	}
	return Action{}, false
}

// parseEscape reads one escape sequence at the start of b. n is zero when
// the sequence is incomplete. ok is false for a bare escape or a sequence
// that maps to no action.
func parseEscape(b []byte) (n int, a Action, ok bool) {
	if len(b) == 1 {
		// A lone ESC at the end of a read is the Escape key itself.
		return 1, Action{}, false
	}
	if b[1] != '[' && b[1] != 'O' {
		return 1, Action{}, false
	}
	// CSI: parameters and intermediates up to a final byte in 0x40..0x7e.
	for i := 2; i < len(b); i++ {
		c := b[i]
		if c >= 0x40 && c <= 0x7e {
			switch c {
			case 'A':
				return i + 1, Action{Kind: CursorUp}, true
			case 'B':
				return i + 1, Action{Kind: CursorDown}, true
			}
			return i + 1, Action{}, false
		}
		if i > 16 {
			return i + 1, Action{}, false
		}
	}
	return 0, Action{}, false
}

// decodeRune decodes one UTF-8 rune; n is zero when b ends mid-rune.
func decodeRune(b []byte) (int, rune) {
	if !utf8.FullRune(b) {
		return 0, 0
	}
	r, n := utf8.DecodeRune(b)
	return n, r
}
