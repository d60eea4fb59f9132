// Package smtpserver implements the server side of the SMTP dialogue: the
// per-connection state machine (ServerFSM) that walks HELO/EHLO through
// MAIL/RCPT/DATA/QUIT, and the Listener that accepts connections, builds a
// smtpconn.Conn for each, and hands completed envelopes to an
// application-supplied "mail" event handler.
//
// It generalizes the teacher's daemon/smtpd/smtpd.go (live-conn set,
// per-IP rate limit, start/stop lifecycle) and daemon/smtpd/smtp/smtp.go
// (per-verb dispatch table, conState transitions) into the spec's explicit
// state set and EventBus-based extensibility.
package smtpserver

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/calderamtp/smtpkit/lalog"
	"github.com/calderamtp/smtpkit/mailaddr"
	"github.com/calderamtp/smtpkit/smtpconn"
	"github.com/calderamtp/smtpkit/smtpevent"
)

// state is the ServerFSM's current position in the SMTP dialogue.
type state int

const (
	stateGreeted state = iota // connected, pre-HELO
	stateIdle                 // HELO done, no MAIL yet
	stateHaveFrom
	stateHaveRcpt
	stateInData
	stateClosed
)

// Envelope is the per-transaction tuple assembled by MAIL/RCPT/DATA. It is
// handed to the "mail" event as an immutable snapshot; the ServerFSM holds
// no reference to it afterwards.
type Envelope struct {
	Helo string
	From string
	To   []string
	Data []byte
}

// CommandHandler implements one SMTP verb against the session it is given.
// It is responsible for writing whatever reply the verb requires.
type CommandHandler func(sess *Session, args []string) error

// recognizedVerbs is the fixed set of verbs the ServerFSM's dispatch table
// will consider; anything else receives 500 without a table lookup.
var recognizedVerbs = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true, "QUIT": true,
	"DATA": true, "EXPN": true, "VRFY": true, "NOOP": true, "HELP": true, "RSET": true,
}

func defaultVerbs() map[string]CommandHandler {
	return map[string]CommandHandler{
		"HELO": handleHELO,
		"EHLO": handleHELO,
		"MAIL": handleMAIL,
		"RCPT": handleRCPT,
		"DATA": handleDATA,
		"RSET": handleRSET,
		"NOOP": handleNOOP,
		"HELP": handleHELP,
		"EXPN": handleExpnVrfy,
		"VRFY": handleExpnVrfy,
		"QUIT": handleQUIT,
	}
}

// Session is one connection's live ServerFSM state: its Conn, its current
// state, and the envelope under construction.
type Session struct {
	conn  *smtpconn.Conn
	srv   *Server
	state state
	env   Envelope
}

// Conn exposes the session's underlying Conn, e.g. so a custom
// CommandHandler can reply or inspect the remote address.
func (sess *Session) Conn() *smtpconn.Conn { return sess.conn }

func handleHELO(sess *Session, args []string) error {
	if len(args) < 1 {
		return sess.conn.Reply("501 Usage: HELO hostname")
	}
	sess.env = Envelope{Helo: args[0]}
	sess.state = stateIdle
	return sess.conn.Ok("Go on.")
}

func handleMAIL(sess *Session, args []string) error {
	if sess.state != stateIdle {
		return sess.conn.Reply("503 Error: send HELO/EHLO first")
	}
	if len(args) < 2 || !strings.EqualFold(args[0], "FROM:") {
		return sess.conn.Reply("501 Usage: MAIL FROM: mail addr")
	}
	addr, err := mailaddr.ExtractOne(strings.Join(args[1:], " "))
	if err != nil {
		return sess.conn.Reply("501 Usage: MAIL FROM: mail addr")
	}
	sess.env.From = addr
	sess.state = stateHaveFrom
	return sess.conn.Ok("OK")
}

func handleRCPT(sess *Session, args []string) error {
	switch sess.state {
	case stateGreeted:
		return sess.conn.Reply("503 Error: send HELO/EHLO first")
	case stateHaveFrom, stateHaveRcpt:
		// proceed
	default:
		return sess.conn.Reply("503 Error: need MAIL command")
	}
	if len(args) < 2 || !strings.EqualFold(args[0], "TO:") {
		return sess.conn.Reply("501 Usage: RCPT TO: mail addr")
	}
	addr, err := mailaddr.ExtractOne(strings.Join(args[1:], " "))
	if err != nil {
		return sess.conn.Reply("501 Usage: RCPT TO: mail addr")
	}
	sess.env.To = append(sess.env.To, addr)
	sess.state = stateHaveRcpt
	return sess.conn.Ok("OK")
}

func handleDATA(sess *Session, args []string) error {
	switch sess.state {
	case stateHaveFrom:
		return sess.conn.Reply("554 Error: need RCPT command")
	case stateIdle:
		return sess.conn.Reply("503 Error: need MAIL command")
	case stateHaveRcpt:
		// proceed
	default:
		return sess.conn.Reply("503 Error: send HELO/EHLO first")
	}
	if err := sess.conn.Reply("354 End data with <CR><LF>.<CR><LF>"); err != nil {
		return err
	}
	sess.state = stateInData
	body, err := sess.conn.Data()
	if err != nil {
		if err == smtpconn.ErrDataTooLarge {
			_ = sess.conn.Reply("552 Error: message exceeds maximum size")
			_ = sess.conn.Close()
		}
		return err
	}
	sess.env.Data = body
	delivered := sess.env
	// Reset state/envelope before Emit, not after: if a "mail" handler
	// panics, Session.handle's recover must still find a session that
	// completed its DATA transaction, not one stuck in stateInData.
	sess.state = stateIdle
	sess.env = Envelope{Helo: delivered.Helo}
	sess.srv.events.Emit("mail", sess.conn, &delivered)
	return sess.conn.Ok("I'll take it")
}

func handleRSET(sess *Session, args []string) error {
	sess.env = Envelope{Helo: sess.env.Helo}
	sess.state = stateIdle
	return sess.conn.Ok("OK")
}

func handleNOOP(sess *Session, args []string) error { return sess.conn.Reply("252 Ok.") }

func handleHELP(sess *Session, args []string) error { return sess.conn.Reply("214 No help available.") }

func handleExpnVrfy(sess *Session, args []string) error { return sess.conn.Reply("252 Nice try.") }

func handleQUIT(sess *Session, args []string) error {
	err := sess.conn.Reply("221 Bye.")
	sess.state = stateClosed
	_ = sess.conn.Close()
	return err
}

// Server accepts SMTP connections and drives each one through the
// ServerFSM. The zero value is not usable; use NewServer.
type Server struct {
	// Hostname is advertised in the greeting ("220 <Hostname> Ready.").
	Hostname string
	// Debug, when true, is passed through to every accepted Conn and
	// appends handler panic text to the 500 reply.
	Debug bool
	// Timeout is the per-Conn inactivity timeout. Zero disables it.
	Timeout time.Duration
	// MaxDataBytes bounds a DATA body. Zero means unbounded.
	MaxDataBytes int64
	// RateLimit, if set, is consulted per accepted connection keyed by
	// the peer's address; a rejected peer receives 421 and is closed
	// immediately.
	RateLimit *lalog.RateLimit

	host, port string
	logger     *lalog.Logger
	events     *smtpevent.Bus

	verbsMu sync.RWMutex
	verbs   map[string]CommandHandler

	mu       sync.Mutex
	listener net.Listener
	conns    map[*smtpconn.Conn]struct{}
}

// NewServer constructs a Server bound to host:port (host may be empty to
// bind all interfaces) that greets with hostname.
func NewServer(host, port, hostname string, debug bool) *Server {
	srv := &Server{
		Hostname:     hostname,
		Debug:        debug,
		Timeout:      5 * time.Minute,
		MaxDataBytes: 25 * 1024 * 1024,
		host:         host,
		port:         port,
		logger:       &lalog.Logger{ComponentName: "smtpserver.Server", ComponentID: []lalog.LoggerIDField{{Key: "addr", Value: net.JoinHostPort(host, port)}}},
		events:       smtpevent.New(nil),
		verbs:        defaultVerbs(),
		conns:        make(map[*smtpconn.Conn]struct{}),
	}
	// Internal bookkeeping runs first so that any application-registered
	// "disconnect" handler observes the live set already updated.
	srv.events.On("disconnect", func(args ...interface{}) {
		if len(args) == 0 {
			return
		}
		conn, ok := args[0].(*smtpconn.Conn)
		if !ok {
			return
		}
		srv.mu.Lock()
		delete(srv.conns, conn)
		srv.mu.Unlock()
	})
	return srv
}

// On registers handler for name ("client", "disconnect", "mail", or any
// application-defined notification). Handlers run in registration order;
// see smtpevent.Bus for the exact semantics.
func (srv *Server) On(name string, handler smtpevent.Handler) {
	srv.events.On(name, handler)
}

// OnVerb replaces the default handler for verb (one of the recognized SMTP
// verbs) with handler, implementing an application-specific acceptance
// policy for e.g. RCPT or MAIL.
func (srv *Server) OnVerb(verb string, handler CommandHandler) {
	srv.verbsMu.Lock()
	defer srv.verbsMu.Unlock()
	srv.verbs[strings.ToUpper(verb)] = handler
}

func (srv *Server) verbHandler(verb string) (CommandHandler, bool) {
	srv.verbsMu.RLock()
	defer srv.verbsMu.RUnlock()
	h, ok := srv.verbs[verb]
	return h, ok
}

// Start binds the listening socket and begins accepting connections in a
// background goroutine. It returns once the socket is bound.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(srv.host, srv.port))
	if err != nil {
		return fmt.Errorf("smtpserver: listen: %w", err)
	}
	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()
	go srv.acceptLoop(ln)
	return nil
}

func (srv *Server) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			srv.events.EmitIf("error", err)
			return
		}
		go srv.serve(nc)
	}
}

// Stop closes the listening socket and every live connection (each of
// which fires its own "disconnect"). After Stop, Start may be called
// again to listen on a fresh socket.
func (srv *Server) Stop() {
	srv.mu.Lock()
	ln := srv.listener
	srv.listener = nil
	live := make([]*smtpconn.Conn, 0, len(srv.conns))
	for c := range srv.conns {
		live = append(live, c)
	}
	srv.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range live {
		_ = c.Close()
	}
}

func (srv *Server) serve(nc net.Conn) {
	conn := smtpconn.New(nc, smtpconn.Options{
		Timeout:      srv.Timeout,
		MaxDataBytes: srv.MaxDataBytes,
		Debug:        srv.Debug,
		Events:       srv.events,
		Logger:       srv.logger,
	})

	if srv.RateLimit != nil {
		actor := conn.RemoteAddr()
		if host, _, err := net.SplitHostPort(actor); err == nil {
			actor = host
		}
		if !srv.RateLimit.Add(actor, true) {
			_ = conn.Reply("421 Too many connections, slow down.")
			_ = conn.Close()
			return
		}
	}

	srv.mu.Lock()
	srv.conns[conn] = struct{}{}
	srv.mu.Unlock()

	if err := conn.Reply(fmt.Sprintf("220 %s Ready.", srv.Hostname)); err != nil {
		return
	}
	srv.events.EmitIf("client", conn)

	sess := &Session{conn: conn, srv: srv, state: stateGreeted}
	for {
		line, err := conn.WantCommand()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		verb, args := parseCommandLine(line)
		sess.handle(verb, args)
		if sess.state == stateClosed {
			return
		}
	}
}

func parseCommandLine(line string) (verb string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}

// handle dispatches one command line against the session's current state,
// recovering from a handler panic with a 500 reply per the spec's
// exception policy. The session is kept open across a recovered panic.
func (sess *Session) handle(verb string, args []string) {
	defer func() {
		if r := recover(); r != nil {
			sess.srv.logger.Warning(sess.conn.RemoteAddr(), nil, "panic handling %s: %v", verb, r)
			msg := "500 INTERNAL ERROR"
			if sess.srv.Debug {
				msg = fmt.Sprintf("%s (%v)", msg, r)
			}
			_ = sess.conn.Reply(msg)
		}
	}()
	if !recognizedVerbs[verb] {
		_ = sess.conn.Reply("500 Learn to type!")
		return
	}
	handler, ok := sess.srv.verbHandler(verb)
	if !ok {
		_ = sess.conn.Reply("500 Not Supported")
		return
	}
	if err := handler(sess, args); err != nil {
		sess.srv.logger.Info(sess.conn.RemoteAddr(), err, "command %s", verb)
	}
}
