package telnet

import (
	"bufio"
	"fmt"
	"strings"
)

// Telnet protocol bytes (RFC 854).
const (
	IAC  = 255
	DONT = 254
	DO   = 253
	WONT = 252
	WILL = 251
	SB   = 250
	SE   = 240
)

const (
	keyBackspace = 0x08
	keyDelete    = 0x7f
	keyKillLine  = 0x15 // Ctrl+U
	keyKillWord  = 0x17 // Ctrl+W
)

// InputKind classifies a rejected input line.
type InputKind int

const (
	InputTooLong InputKind = iota + 1
	InputForbidden
)

// InputError reports a line the editor refused. The session stays open.
type InputError struct {
	Kind  InputKind
	Limit int
	Byte  byte
}

func (e *InputError) Error() string {
	if e.Kind == InputTooLong {
		return fmt.Sprintf("command exceeds %d-byte limit", e.Limit)
	}
	return fmt.Sprintf("command contains forbidden byte 0x%02X", e.Byte)
}

// Message is the text shown to the operator.
func (e *InputError) Message() string {
	if e.Kind == InputTooLong {
		return fmt.Sprintf("Input too long (limit %d bytes).\n", e.Limit)
	}
	return "Invalid character in command. Allowed: " + allowedDescription + ".\n"
}

const allowedDescription = "letters, numbers, space, '-', '_', '.', ',', '/'"

// commandByte reports whether b may appear in a command line. Numbers may be
// signed or fractional and set lists are comma separated.
func commandByte(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	}
	return strings.IndexByte(" -_.,/", b) >= 0
}

// iacState tracks where the filter is inside a telnet command sequence.
type iacState int

const (
	stateData iacState = iota
	stateCommand
	stateOption
	stateSub
	stateSubIAC
)

// iacFilter strips telnet negotiation from the byte stream. Option requests
// and subnegotiation payloads are dropped; IAC IAC yields a literal 0xFF.
type iacFilter struct {
	state iacState
}

// feed consumes one byte and reports whether it is user data.
func (f *iacFilter) feed(b byte) (byte, bool) {
	switch f.state {
	case stateCommand:
		switch b {
		case IAC:
			f.state = stateData
			return b, true
		case DO, DONT, WILL, WONT:
			f.state = stateOption
		case SB:
			f.state = stateSub
		default:
			f.state = stateData
		}
	case stateOption:
		f.state = stateData
	case stateSub:
		if b == IAC {
			f.state = stateSubIAC
		}
	case stateSubIAC:
		if b == SE {
			f.state = stateData
		} else {
			f.state = stateSub
		}
	default:
		if b == IAC {
			f.state = stateCommand
			return 0, false
		}
		return b, true
	}
	return 0, false
}

// lineEditor assembles operator lines from a telnet byte stream, echoing
// keystrokes when the server owns the echo.
type lineEditor struct {
	in      *bufio.Reader
	out     *bufio.Writer
	echo    bool
	filter  iacFilter
	pending bool // a CR ended the last line; drop one LF or NUL
}

// ReadLine returns the next line without its terminator. BS and DEL erase one
// byte, Ctrl+U the whole line and Ctrl+W the last word. Lines longer than
// limit or holding bytes outside the command alphabet return *InputError.
func (e *lineEditor) ReadLine(limit int) (string, error) {
	if limit <= 0 {
		limit = defaultCommandLineLimit
	}
	buf := make([]byte, 0, 32)
	for {
		raw, err := e.in.ReadByte()
		if err != nil {
			return "", err
		}
		b, ok := e.filter.feed(raw)
		if !ok {
			continue
		}
		if e.pending {
			e.pending = false
			if b == '\n' || b == 0 {
				continue
			}
		}

		switch b {
		case '\r', '\n':
			e.pending = b == '\r'
			if err := e.write("\r\n"); err != nil {
				return "", err
			}
			return string(buf), nil
		case keyBackspace, keyDelete:
			buf, err = e.erase(buf, min(1, len(buf)))
		case keyKillLine:
			buf, err = e.erase(buf, len(buf))
		case keyKillWord:
			buf, err = e.erase(buf, lastWordLen(buf))
		default:
			if len(buf) >= limit {
				return "", e.reject(&InputError{Kind: InputTooLong, Limit: limit})
			}
			if !commandByte(b) {
				return "", e.reject(&InputError{Kind: InputForbidden, Limit: limit, Byte: b})
			}
			buf = append(buf, b)
			err = e.write(string(b))
		}
		if err != nil {
			return "", err
		}
	}
}

// reject drops the rest of the offending line so its tail is not read as a
// command, then returns inputErr.
func (e *lineEditor) reject(inputErr *InputError) error {
	for {
		raw, err := e.in.ReadByte()
		if err != nil {
			return err
		}
		if b, ok := e.filter.feed(raw); ok && (b == '\r' || b == '\n') {
			e.pending = b == '\r'
			_ = e.write("\r\n")
			return inputErr
		}
	}
}

func (e *lineEditor) erase(buf []byte, n int) ([]byte, error) {
	if n == 0 {
		return buf, nil
	}
	return buf[:len(buf)-n], e.write(strings.Repeat("\b \b", n))
}

func (e *lineEditor) write(s string) error {
	if !e.echo {
		return nil
	}
	if _, err := e.out.WriteString(s); err != nil {
		return err
	}
	return e.out.Flush()
}

// lastWordLen counts the trailing word and the blanks after it.
func lastWordLen(buf []byte) int {
	end := len(buf)
	for end > 0 && buf[end-1] == ' ' {
		end--
	}
	start := strings.LastIndexByte(string(buf[:end]), ' ') + 1
	return len(buf) - start
}
