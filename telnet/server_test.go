package telnet

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"calibkit/commands"
	"calibkit/datatype"
)

// stubController answers DataType only; HELP and BYE need nothing else.
type stubController struct {
	commands.Controller
}

func (stubController) DataType() datatype.Type { return datatype.CBEnergy }

func startTestServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	opts.Port = 0
	opts.SkipHandshake = true
	srv := NewServer(opts, commands.NewProcessor(stubController{}, nil, nil))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dialTestServer(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	port := srv.Addr().(*net.TCPAddr).Port
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func readUntil(t *testing.T, r *bufio.Reader, marker string) string {
	t.Helper()
	var b strings.Builder
	for !strings.Contains(b.String(), marker) {
		c, err := r.ReadByte()
		if err != nil {
			t.Fatalf("read waiting for %q (have %q): %v", marker, b.String(), err)
		}
		b.WriteByte(c)
	}
	return b.String()
}

func TestServerSessionHelpAndBye(t *testing.T) {
	srv := startTestServer(t, ServerOptions{WelcomeMessage: "calibkit control", Prompt: "> "})
	conn, r := dialTestServer(t, srv)

	readUntil(t, r, "calibkit control\r\n")
	readUntil(t, r, "> ")

	if _, err := conn.Write([]byte("help\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := readUntil(t, r, "> ")
	if !strings.Contains(out, "Available commands (CB_E1)") {
		t.Fatalf("expected help text, got %q", out)
	}
	if !strings.Contains(out, "\r\n") {
		t.Fatalf("expected CRLF line endings, got %q", out)
	}

	if _, err := conn.Write([]byte("BYE\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, r, "Bye.\r\n")
	if _, err := r.ReadByte(); err == nil {
		t.Fatalf("expected connection closed after BYE")
	}
}

func TestServerReportsInvalidInputAndContinues(t *testing.T) {
	srv := startTestServer(t, ServerOptions{Prompt: "> "})
	conn, r := dialTestServer(t, srv)
	readUntil(t, r, "> ")

	if _, err := conn.Write([]byte("GOTO 1;\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := readUntil(t, r, "> ")
	if !strings.Contains(out, "Invalid character in command") {
		t.Fatalf("expected validation message, got %q", out)
	}
	if _, err := conn.Write([]byte("QUIT\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, r, "Bye.")
}

func TestServerRejectsWhenFull(t *testing.T) {
	srv := startTestServer(t, ServerOptions{MaxConnections: 1, Prompt: "> "})
	_, r1 := dialTestServer(t, srv)
	readUntil(t, r1, "> ")

	deadline := time.Now().Add(2 * time.Second)
	for srv.GetClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.GetClientCount() != 1 {
		t.Fatalf("expected one registered client, got %d", srv.GetClientCount())
	}

	_, r2 := dialTestServer(t, srv)
	readUntil(t, r2, "Server full.")
}

func TestServerIdleTimeout(t *testing.T) {
	srv := startTestServer(t, ServerOptions{IdleTimeout: 100 * time.Millisecond, Prompt: "> "})
	_, r := dialTestServer(t, srv)
	readUntil(t, r, "> ")
	readUntil(t, r, "Idle timeout. Bye.")
}

func TestServerStopIsIdempotent(t *testing.T) {
	srv := startTestServer(t, ServerOptions{})
	srv.Stop()
	srv.Stop()
}

func TestNormalizeServerOptionsDefaults(t *testing.T) {
	got := normalizeServerOptions(ServerOptions{Port: -1, Transport: " Ziutek "})
	if got.Port != defaultPort {
		t.Fatalf("expected default port, got %d", got.Port)
	}
	if got.Transport != "ziutek" {
		t.Fatalf("expected normalized transport, got %q", got.Transport)
	}
	if got.Prompt != defaultPrompt || got.CommandLineLimit != defaultCommandLineLimit {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got := normalizeServerOptions(ServerOptions{IdleTimeout: -time.Second}); got.IdleTimeout != 0 || got.Transport != "native" {
		t.Fatalf("unexpected normalisation: %+v", got)
	}
}
