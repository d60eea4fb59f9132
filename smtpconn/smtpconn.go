// Package smtpconn implements the line-framed, CRLF-terminated I/O endpoint
// shared by both the server and client state machines: a command/reply
// reader, a reply writer, and a DATA-mode body accumulator that performs
// dot-unstuffing while preserving the wire's original CRLF line endings.
//
// It generalizes the teacher's hand-rolled smtpd connection reader
// (daemon/smtpd/smtp/smtp.go's readCmd/readData/reply helpers) into a
// reusable type that both smtpserver and smtpclient build their state
// machines on top of.
package smtpconn

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/calderamtp/smtpkit/lalog"
	"github.com/calderamtp/smtpkit/smtpevent"
)

// Mode records which kind of read the Conn is currently waiting on. It is
// bookkeeping only; callers drive the mode transitions by calling the
// matching method.
type Mode int

const (
	ModeIdle Mode = iota
	ModeAwaitCommand
	ModeAwaitSingleLine
	ModeAwaitDataBody
)

// ErrDataTooLarge is returned by Data when the accumulated body exceeds the
// Conn's configured MaxDataBytes. The caller is expected to reply 552 and
// close the connection.
var ErrDataTooLarge = errors.New("smtpconn: DATA body exceeds maximum size")

// Options configures a new Conn.
type Options struct {
	// Timeout is applied as a deadline before every read and write. Zero
	// disables the deadline.
	Timeout time.Duration
	// MaxDataBytes bounds the size of a DATA body. Zero means unbounded.
	MaxDataBytes int64
	// Debug, when true, retains the latest wire bytes (both directions) in
	// a rolling buffer for later inspection via DebugBytes.
	Debug bool
	// Events, if set, receives a "disconnect" emission (args: the Conn,
	// the reason string) exactly once when the Conn is closed.
	Events *smtpevent.Bus
	// Logger, if set, receives structured log lines for protocol errors.
	Logger *lalog.Logger
}

const debugWindowBytes = 4096

// Conn wraps a net.Conn with the line-oriented read/write primitives an SMTP
// dialogue (server or client side) is built from. A Conn is driven by
// exactly one goroutine at a time; it does not synchronize concurrent reads
// or concurrent writes against each other, only Close against everything
// else.
type Conn struct {
	netConn net.Conn
	text    *textproto.Reader
	writer  io.Writer

	inboundLog  *lalog.ByteLogWriter
	outboundLog *lalog.ByteLogWriter

	timeout      time.Duration
	maxDataBytes int64
	events       *smtpevent.Bus
	logger       *lalog.Logger

	mode Mode

	closeOnce sync.Once
	closeErr  error
}

// New wraps netConn in a Conn configured by opts.
func New(netConn net.Conn, opts Options) *Conn {
	c := &Conn{
		netConn:      netConn,
		timeout:      opts.Timeout,
		maxDataBytes: opts.MaxDataBytes,
		events:       opts.Events,
		logger:       opts.Logger,
	}
	var reader io.Reader = netConn
	var writer io.Writer = netConn
	if opts.Debug {
		c.inboundLog = lalog.NewByteLogWriter(io.Discard, debugWindowBytes)
		c.outboundLog = lalog.NewByteLogWriter(io.Discard, debugWindowBytes)
		reader = io.TeeReader(netConn, c.inboundLog)
		writer = io.MultiWriter(netConn, c.outboundLog)
	}
	c.writer = writer
	c.text = textproto.NewReader(bufio.NewReader(reader))
	return c
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() string {
	if c.netConn == nil || c.netConn.RemoteAddr() == nil {
		return ""
	}
	return c.netConn.RemoteAddr().String()
}

// Mode reports the Conn's current read mode.
func (c *Conn) Mode() Mode { return c.mode }

// DebugBytes returns the latest bytes seen in each direction, if the Conn
// was constructed with Debug: true. It returns (nil, nil) otherwise.
func (c *Conn) DebugBytes() (inbound, outbound []byte) {
	if c.inboundLog == nil {
		return nil, nil
	}
	return c.inboundLog.Retrieve(true), c.outboundLog.Retrieve(true)
}

func (c *Conn) touchDeadline() error {
	if c.timeout <= 0 {
		return nil
	}
	return c.netConn.SetDeadline(time.Now().Add(c.timeout))
}

// WantCommand enters AwaitCommand and blocks for one CRLF-terminated line,
// returning it with leading/trailing whitespace trimmed.
func (c *Conn) WantCommand() (string, error) {
	c.mode = ModeAwaitCommand
	if err := c.touchDeadline(); err != nil {
		return "", c.closeWithReason(err.Error())
	}
	line, err := c.text.ReadLine()
	if err != nil {
		return "", c.closeWithReason("read command: " + err.Error())
	}
	return strings.TrimSpace(line), nil
}

// Line enters AwaitSingleLine and reads one SMTP reply, accumulating any
// "NNN-" continuation lines until the terminal "NNN " line arrives. If the
// terminal status code does not equal expectCode, reply is empty and err
// carries the full reply text; a transport failure is returned as-is.
func (c *Conn) Line(expectCode int) (reply string, err error) {
	c.mode = ModeAwaitSingleLine
	if err := c.touchDeadline(); err != nil {
		return "", c.closeWithReason(err.Error())
	}
	code, msg, err := c.text.ReadResponse(expectCode)
	if err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			return "", fmt.Errorf("%d %s", tpErr.Code, tpErr.Msg)
		}
		return "", c.closeWithReason("read reply: " + err.Error())
	}
	return fmt.Sprintf("%d %s", code, msg), nil
}

// Command writes "cmd\r\n" then performs Line with expectCode.
func (c *Conn) Command(cmd string, expectCode int) (string, error) {
	if err := c.writeLine(cmd); err != nil {
		return "", err
	}
	return c.Line(expectCode)
}

// Reply writes "text\r\n". If text already contains a CRLF, it is written
// verbatim instead, which is how the raw DATA body is sent between the
// DATA command and the terminating dot line.
func (c *Conn) Reply(text string) error {
	if err := c.touchDeadline(); err != nil {
		return c.closeWithReason(err.Error())
	}
	var err error
	if strings.Contains(text, "\r\n") {
		_, err = c.writer.Write([]byte(text))
	} else {
		_, err = c.writer.Write([]byte(text + "\r\n"))
	}
	if err != nil {
		return c.closeWithReason("write reply: " + err.Error())
	}
	return nil
}

func (c *Conn) writeLine(text string) error {
	if err := c.touchDeadline(); err != nil {
		return c.closeWithReason(err.Error())
	}
	if _, err := c.writer.Write([]byte(text + "\r\n")); err != nil {
		return c.closeWithReason("write command: " + err.Error())
	}
	return nil
}

// Ok writes a 250 reply. An empty msg defaults to "OK".
func (c *Conn) Ok(msg string) error {
	if msg == "" {
		msg = "OK"
	}
	return c.Reply("250 " + msg)
}

// Data enters AwaitDataBody and accumulates lines until a line consisting
// solely of ".", applying dot-unstuffing (a line beginning with ".." loses
// one leading dot) along the way. The returned body has every original
// CRLF preserved between lines and does not include the terminating dot
// line. If the body would exceed the Conn's configured MaxDataBytes,
// ErrDataTooLarge is returned and the connection is left open so the
// caller can reply 552 before closing it.
func (c *Conn) Data() ([]byte, error) {
	c.mode = ModeAwaitDataBody
	var body bytes.Buffer
	for {
		if err := c.touchDeadline(); err != nil {
			return nil, c.closeWithReason(err.Error())
		}
		line, err := c.text.R.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 {
				return nil, c.closeWithReason("read data: " + err.Error())
			}
			return nil, c.closeWithReason("read data: unterminated line")
		}
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "." {
			return body.Bytes(), nil
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}
		if c.maxDataBytes > 0 && int64(body.Len()+len(line)) > c.maxDataBytes {
			return nil, ErrDataTooLarge
		}
		body.Write(line)
	}
}

// Close closes the underlying connection. It is safe to call more than
// once; only the first call has effect, and every call observes the same
// result.
func (c *Conn) Close() error {
	_ = c.closeWithReason("closed")
	return c.closeErr
}

// closeWithReason closes the Conn (once) and returns an error carrying
// reason, which the read/write paths hand back to their callers.
func (c *Conn) closeWithReason(reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn.Close()
		if c.logger != nil {
			c.logger.Info(c.RemoteAddr(), nil, "connection closed: %s", reason)
		}
		if c.events != nil {
			c.events.EmitIf("disconnect", c, reason)
		}
	})
	return fmt.Errorf("smtpconn: %s", reason)
}

// StatusCode parses the leading 3-digit status code off an SMTP reply
// line, as returned by Line or carried in the error text it produces on a
// code mismatch.
func StatusCode(reply string) (int, bool) {
	if len(reply) < 3 {
		return 0, false
	}
	code, err := strconv.Atoi(reply[:3])
	if err != nil {
		return 0, false
	}
	return code, true
}
