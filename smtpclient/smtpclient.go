// Package smtpclient implements the client side of an SMTP dialogue:
// greeting, HELO, MAIL FROM, one or more RCPT TO, DATA, the raw body, the
// terminating dot, and a best-effort QUIT.
//
// It generalizes the dial-and-converse shape of the teacher's
// inet/mail_client.go (MailClient.sendMail) into an explicit, reply-code
// driven state walk over a smtpconn.Conn, with per-recipient partial
// failure instead of a single pass/fail result.
package smtpclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/calderamtp/smtpkit/lalog"
	"github.com/calderamtp/smtpkit/smtpconn"
)

// RecipientResult is the outcome of one RCPT TO for one recipient.
type RecipientResult struct {
	Reply string // the 250 reply line, on success
	Err   error  // non-nil on failure
}

// Result is the outcome of a full client session against one host for one
// or more recipients.
type Result struct {
	// Recipients maps every requested recipient address to its outcome.
	// A recipient present here with Err set to nil succeeded; all others
	// failed.
	Recipients map[string]RecipientResult
	// FinalReply is the reply to the terminating "." on success.
	FinalReply string
	// Err is set when the session failed. If the greeting, HELO, MAIL,
	// DATA, the body write or the terminating "." failed, every
	// recipient's RecipientResult.Err is that same error. If every RCPT
	// failed, each recipient keeps its own RCPT error and Err is the
	// first of them.
	Err error
}

// defaultLogger is used whenever a caller passes a nil *lalog.Logger, so
// Dial and Session are always safe to call without one.
var defaultLogger = &lalog.Logger{ComponentName: "smtpclient"}

// Dial opens a TCP connection to addr (host:port) and runs Session against
// it, closing the connection afterwards. logger may be nil, in which case a
// package-level default is used.
func Dial(ctx context.Context, addr, helo, from string, to []string, data []byte, timeout time.Duration, debug bool, logger *lalog.Logger) Result {
	if logger == nil {
		logger = defaultLogger
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.Warning(addr, err, "dial failed for recipients %v", to)
		return failAll(to, fmt.Errorf("smtpclient: dial %s: %w", addr, err))
	}
	conn := smtpconn.New(nc, smtpconn.Options{Timeout: timeout, Debug: debug, Logger: logger})
	defer conn.Close()
	return Session(ctx, conn, helo, from, to, data, logger)
}

// Session walks conn through greeting→HELO→MAIL→RCPT*→DATA→body→.→QUIT for
// one sender and one or more recipients. conn is assumed freshly connected
// and is left closed by the caller (Session does not close it; Dial does).
// logger may be nil, in which case a package-level default is used.
func Session(ctx context.Context, conn *smtpconn.Conn, helo, from string, to []string, data []byte, logger *lalog.Logger) Result {
	if logger == nil {
		logger = defaultLogger
	}
	if len(to) == 0 {
		return Result{Err: fmt.Errorf("smtpclient: no recipients")}
	}

	if err := ctx.Err(); err != nil {
		return failAll(to, err)
	}

	if _, err := conn.Line(220); err != nil {
		logger.Warning(conn.RemoteAddr(), err, "greeting rejected for sender %s", from)
		return failAll(to, err)
	}
	if _, err := conn.Command("HELO "+helo, 250); err != nil {
		logger.Warning(conn.RemoteAddr(), err, "HELO %s rejected", helo)
		return failAll(to, err)
	}
	if _, err := conn.Command("MAIL FROM: <"+from+">", 250); err != nil {
		logger.Warning(conn.RemoteAddr(), err, "MAIL FROM <%s> rejected", from)
		return failAll(to, err)
	}

	recipients := make(map[string]RecipientResult, len(to))
	succeeded := 0
	var firstErr error
	for _, rcpt := range to {
		if err := ctx.Err(); err != nil {
			recipients[rcpt] = RecipientResult{Err: err}
			continue
		}
		reply, err := conn.Command("RCPT TO: <"+rcpt+">", 250)
		if err != nil {
			recipients[rcpt] = RecipientResult{Err: err}
			if firstErr == nil {
				firstErr = err
			}
			logger.Warning(rcpt, err, "RCPT TO <%s> rejected", rcpt)
			continue
		}
		recipients[rcpt] = RecipientResult{Reply: reply}
		succeeded++
	}
	if succeeded == 0 {
		logger.Warning(from, firstErr, "every recipient of %v was rejected", to)
		return Result{Recipients: recipients, Err: firstErr}
	}

	if _, err := conn.Command("DATA", 354); err != nil {
		logger.Warning(conn.RemoteAddr(), err, "DATA rejected for %v", to)
		return Result{Recipients: failAllResults(to, err), Err: err}
	}
	if err := conn.Reply(string(data)); err != nil {
		logger.Warning(conn.RemoteAddr(), err, "failed to write DATA body for %v", to)
		return Result{Recipients: failAllResults(to, err), Err: err}
	}
	finalReply, err := conn.Command(".", 250)
	if err != nil {
		logger.Warning(conn.RemoteAddr(), err, "message body rejected for %v", to)
		return Result{Recipients: failAllResults(to, err), Err: err}
	}

	// Best-effort QUIT; its reply does not affect the outcome already
	// determined by the terminating ".".
	_, _ = conn.Command("QUIT", 221)

	logger.Info(from, nil, "delivered message to %v", to)
	return Result{Recipients: recipients, FinalReply: finalReply}
}

func failAll(to []string, err error) Result {
	return Result{Recipients: failAllResults(to, err), Err: err}
}

func failAllResults(to []string, err error) map[string]RecipientResult {
	out := make(map[string]RecipientResult, len(to))
	for _, rcpt := range to {
		out[rcpt] = RecipientResult{Err: err}
	}
	return out
}
