// Package telnet serves the operator command language over a line-oriented
// telnet session. Every session shares the same controller through a single
// commands.Processor, so two operators see and drive the same calibration.
package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	ztelnet "github.com/ziutek/telnet"

	"calibkit/commands"
)

const (
	defaultPort             = 7373
	defaultPrompt           = "calib> "
	defaultSendDeadline     = 2 * time.Second
	defaultCommandLineLimit = 128
	keepAlivePeriod         = 2 * time.Minute

	optEcho            = 1
	optSuppressGoAhead = 3
)

// ServerOptions configures the control server.
type ServerOptions struct {
	Port             int
	Transport        string // "native" or "ziutek"
	MaxConnections   int
	WelcomeMessage   string
	Prompt           string
	IdleTimeout      time.Duration
	CommandLineLimit int
	SkipHandshake    bool
}

// Server accepts operator sessions.
type Server struct {
	opts      ServerOptions
	processor *commands.Processor

	listener net.Listener
	shutdown chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Session is one connected operator.
type Session struct {
	conn      net.Conn
	addr      string
	since     time.Time
	out       *bufio.Writer
	editor    *lineEditor
	negotiate bool
}

// NewServer creates a control server bound to processor.
func NewServer(opts ServerOptions, processor *commands.Processor) *Server {
	return &Server{
		opts:      normalizeServerOptions(opts),
		processor: processor,
		shutdown:  make(chan struct{}),
		sessions:  make(map[string]*Session),
	}
}

func normalizeServerOptions(opts ServerOptions) ServerOptions {
	if opts.Port < 0 {
		opts.Port = defaultPort
	}
	opts.Transport = strings.ToLower(strings.TrimSpace(opts.Transport))
	if opts.Transport == "" {
		opts.Transport = "native"
	}
	if opts.Prompt == "" {
		opts.Prompt = defaultPrompt
	}
	if opts.CommandLineLimit <= 0 {
		opts.CommandLineLimit = defaultCommandLineLimit
	}
	opts.IdleTimeout = max(opts.IdleTimeout, 0)
	return opts
}

// Start binds the listener and accepts sessions in the background. Port 0
// binds an ephemeral port; Addr reports it.
func (s *Server) Start() error {
	ln, err := listen(fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("telnet: listen on port %d: %w", s.opts.Port, err)
	}
	s.listener = ln
	log.Printf("Control: listening on %s (transport=%s)", ln.Addr(), s.opts.Transport)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// listen sets SO_REUSEADDR so a restarted daemon can rebind at once, and
// retries with a plain listener when the socket option is refused.
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var optErr error
			if err := rc.Control(func(fd uintptr) { optErr = setReuseAddr(fd) }); err != nil {
				return err
			}
			return optErr
		},
	}
	if ln, err := lc.Listen(context.Background(), "tcp", addr); err == nil {
		return ln, nil
	}
	return net.Listen("tcp", addr)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			log.Printf("Control: accept failed: %v", err)
			continue
		}
		if limit := s.opts.MaxConnections; limit > 0 && s.GetClientCount() >= limit {
			_, _ = io.WriteString(conn, "Server full. Try again later.\r\n")
			conn.Close()
			log.Printf("Control: refused %s, %d sessions already open", conn.RemoteAddr(), limit)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
		}
		go s.serve(conn)
	}
}

// newSession wraps conn, optionally behind the ziutek telnet codec.
func (s *Server) newSession(conn net.Conn) (*Session, error) {
	var rw io.ReadWriter = conn
	if s.opts.Transport == "ziutek" {
		tc, err := ztelnet.NewConn(conn)
		if err != nil {
			return nil, err
		}
		rw = tc
	}
	out := bufio.NewWriter(rw)
	return &Session{
		conn:      conn,
		addr:      conn.RemoteAddr().String(),
		since:     time.Now(),
		out:       out,
		editor:    &lineEditor{in: bufio.NewReader(rw), out: out, echo: !s.opts.SkipHandshake},
		negotiate: !s.opts.SkipHandshake,
	}, nil
}

// serve runs one session until BYE, a read error, idle timeout or shutdown.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	sess, err := s.newSession(conn)
	if err != nil {
		log.Printf("Control: %s: telnet setup failed: %v", conn.RemoteAddr(), err)
		return
	}
	if sess.negotiate {
		sess.sendOptions()
	}
	s.track(sess, true)
	defer s.track(sess, false)

	if msg := strings.TrimSpace(s.opts.WelcomeMessage); msg != "" {
		_ = sess.Send(msg + "\n")
	}
	for {
		_ = sess.Send(s.opts.Prompt)
		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		line, err := sess.editor.ReadLine(s.opts.CommandLineLimit)
		var inputErr *InputError
		var netErr net.Error
		switch {
		case errors.As(err, &inputErr):
			log.Printf("Control: %s: rejected input: %v", sess.addr, inputErr)
			_ = sess.Send(inputErr.Message())
			continue
		case errors.As(err, &netErr) && netErr.Timeout():
			_ = sess.Send("\nIdle timeout. Bye.\n")
			log.Printf("Control: %s idle for %s, closing", sess.addr, s.opts.IdleTimeout)
			return
		case err != nil:
			log.Printf("Control: %s disconnected: %v", sess.addr, err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		resp := s.processor.ProcessCommand(line)
		if resp == "BYE" {
			_ = sess.Send("Bye.\n")
			log.Printf("Control: %s logged out after %s", sess.addr, time.Since(sess.since).Round(time.Second))
			return
		}
		if resp != "" {
			_ = sess.Send(resp)
		}
	}
}

// sendOptions asks the peer to suppress go-ahead and leave echo to the
// server. The bytes go to the raw connection so no codec escapes them.
func (sess *Session) sendOptions() {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline))
	defer sess.conn.SetWriteDeadline(time.Time{})
	_, _ = sess.conn.Write([]byte{
		IAC, WILL, optSuppressGoAhead,
		IAC, DO, optSuppressGoAhead,
		IAC, WILL, optEcho,
		IAC, DONT, optEcho,
	})
}

func (s *Server) track(sess *Session, open bool) {
	s.mu.Lock()
	if open {
		s.sessions[sess.addr] = sess
	} else if s.sessions[sess.addr] == sess {
		delete(s.sessions, sess.addr)
	}
	n := len(s.sessions)
	s.mu.Unlock()
	if open {
		log.Printf("Control: %s connected (%d open)", sess.addr, n)
	} else {
		log.Printf("Control: %s closed (%d open)", sess.addr, n)
	}
}

// GetClientCount returns the number of open sessions.
func (s *Server) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stop closes the listener and every session. Safe to call twice.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Println("Control: stopping server")
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for _, sess := range s.sessions {
			sess.conn.Close()
		}
		s.mu.Unlock()
	})
}

// Send writes message with CRLF line endings.
func (sess *Session) Send(message string) error {
	if sess.conn != nil {
		if err := sess.conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
			return err
		}
		defer sess.conn.SetWriteDeadline(time.Time{})
	}
	message = strings.ReplaceAll(strings.ReplaceAll(message, "\r\n", "\n"), "\n", "\r\n")
	if _, err := sess.out.WriteString(message); err != nil {
		return err
	}
	return sess.out.Flush()
}
