package telnet

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestEditor(input string, echo bool) (*lineEditor, *bytes.Buffer) {
	var out bytes.Buffer
	return &lineEditor{
		in:   bufio.NewReader(strings.NewReader(input)),
		out:  bufio.NewWriter(&out),
		echo: echo,
	}, &out
}

func readOne(t *testing.T, input string, echo bool) (string, string) {
	t.Helper()
	ed, out := newTestEditor(input, echo)
	line, err := ed.ReadLine(128)
	if err != nil {
		t.Fatalf("ReadLine(%q): %v", input, err)
	}
	return line, out.String()
}

func TestReadLineEditing(t *testing.T) {
	erase := func(n int) string { return strings.Repeat("\b \b", n) }
	cases := []struct {
		name  string
		input string
		line  string
		echo  string
	}{
		{"backspace", "AB\bC\n", "AC", "AB" + erase(1) + "C\r\n"},
		{"delete", "AB\x7fC\n", "AC", "AB" + erase(1) + "C\r\n"},
		{"backspace on empty line", "\bN\n", "N", "N\r\n"},
		{"kill line", "HELLO\x15OK\n", "OK", "HELLO" + erase(5) + "OK\r\n"},
		{"kill word", "SETS DEFAULT\x17" + "1\n", "SETS 1", "SETS DEFAULT" + erase(7) + "1\r\n"},
		{"kill word with trailing blanks", "GOTO 12  \x17" + "3\n", "GOTO 3", "GOTO 12  " + erase(4) + "3\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			line, echo := readOne(t, tc.input, true)
			if line != tc.line {
				t.Fatalf("expected line %q, got %q", tc.line, line)
			}
			if echo != tc.echo {
				t.Fatalf("expected echo %q, got %q", tc.echo, echo)
			}
		})
	}
}

func TestReadLineWithoutEchoWritesNothing(t *testing.T) {
	line, echo := readOne(t, "HELLO\bX\n", false)
	if line != "HELLX" || echo != "" {
		t.Fatalf("got line %q echo %q", line, echo)
	}
}

func TestReadLinePreservesCase(t *testing.T) {
	line, _ := readOne(t, "start Default_2024 0,1\r\n", false)
	if line != "start Default_2024 0,1" {
		t.Fatalf("expected case preserved, got %q", line)
	}
}

func TestReadLineStripsTelnetNegotiation(t *testing.T) {
	input := string([]byte{IAC, WILL, optEcho}) + "NE" +
		string([]byte{IAC, SB, 24, 0, 'x', 't', 'e', 'r', 'm', IAC, SE}) + "XT\r\x00"
	line, _ := readOne(t, input, false)
	if line != "NEXT" {
		t.Fatalf("expected %q, got %q", "NEXT", line)
	}
}

func TestIACFilterEscapedIACInsideSubnegotiation(t *testing.T) {
	var f iacFilter
	var got []byte
	for _, b := range []byte{IAC, SB, 1, IAC, IAC, 2, IAC, SE, 'A', IAC, IAC} {
		if d, ok := f.feed(b); ok {
			got = append(got, d)
		}
	}
	if string(got) != "A\xff" {
		t.Fatalf("unexpected data %q", got)
	}
}

func TestReadLineCRLFConsumedOnce(t *testing.T) {
	ed, _ := newTestEditor("N\r\nP\r\n\n", false)
	var lines []string
	for i := 0; i < 3; i++ {
		line, err := ed.ReadLine(128)
		if err != nil {
			t.Fatalf("ReadLine %d: %v", i, err)
		}
		lines = append(lines, line)
	}
	if strings.Join(lines, "|") != "N|P|" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestReadLineRejectsForbiddenByte(t *testing.T) {
	ed, _ := newTestEditor("MARKER 1;2\n", false)
	_, err := ed.ReadLine(128)
	var inputErr *InputError
	if !errors.As(err, &inputErr) || inputErr.Kind != InputForbidden || inputErr.Byte != ';' {
		t.Fatalf("expected forbidden byte error, got %v", err)
	}
	if !strings.HasPrefix(inputErr.Message(), "Invalid character in command.") {
		t.Fatalf("unexpected message %q", inputErr.Message())
	}
}

func TestReadLineRejectsOverlongInput(t *testing.T) {
	ed, _ := newTestEditor("ABCDEFGHIJ\n", false)
	_, err := ed.ReadLine(4)
	var inputErr *InputError
	if !errors.As(err, &inputErr) || inputErr.Kind != InputTooLong {
		t.Fatalf("expected too-long error, got %v", err)
	}
	if msg := inputErr.Message(); msg != "Input too long (limit 4 bytes).\n" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestCommandByte(t *testing.T) {
	for _, b := range []byte("azAZ09 -_.,/") {
		if !commandByte(b) {
			t.Fatalf("%q should be allowed", b)
		}
	}
	for _, b := range []byte{';', '\t', 0, '"', 0xff} {
		if commandByte(b) {
			t.Fatalf("%q should be rejected", b)
		}
	}
}

func TestRejectedLineIsDiscarded(t *testing.T) {
	ed, _ := newTestEditor("GOTO 1;2 NEXT\r\nPREV\r\n", false)
	if _, err := ed.ReadLine(128); err == nil {
		t.Fatalf("expected rejection")
	}
	line, err := ed.ReadLine(128)
	if err != nil || line != "PREV" {
		t.Fatalf("expected PREV after rejected line, got %q (%v)", line, err)
	}
}
