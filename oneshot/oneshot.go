// Package oneshot is a thin facade over smtpserver for the common case of
// "listen on one address, deliver every message to one callback, run until
// stopped" — no verb customization, no rate limiting, no manual event
// wiring.
//
// It mirrors the shape of the teacher's daemon/smtpd/smtpd.go
// StartAndBlock/Stop pair: StartAndBlock blocks the calling goroutine until
// Stop is called (or the listener fails), at which point it returns.
package oneshot

import (
	"fmt"
	"sync"

	"github.com/calderamtp/smtpkit/smtpserver"
)

// Listener runs a single-purpose receiving SMTP endpoint: one bind address,
// one delivery callback, default verb behavior.
type Listener struct {
	// Host, Port, and Hostname are passed through to smtpserver.NewServer.
	Host, Port, Hostname string
	// Debug enables wire capture and panic-detail replies on the
	// underlying Server.
	Debug bool
	// OnMail is invoked once per successfully received message, before the
	// 250 reply is queued to be written. It must not block for long; it
	// runs on the connection's own goroutine.
	OnMail func(env *smtpserver.Envelope)

	srv *smtpserver.Server
}

// StartAndBlock constructs the underlying Server, registers OnMail, starts
// listening, and blocks the calling goroutine until Stop closes the
// listener (or the accept loop fails on its own).
func (l *Listener) StartAndBlock() error {
	if l.OnMail == nil {
		return fmt.Errorf("oneshot: OnMail is required")
	}
	l.srv = smtpserver.NewServer(l.Host, l.Port, l.Hostname, l.Debug)
	l.srv.On("mail", func(args ...interface{}) {
		if len(args) < 2 {
			return
		}
		env, ok := args[1].(*smtpserver.Envelope)
		if !ok {
			return
		}
		l.OnMail(env)
	})

	stopped := make(chan struct{})
	var once sync.Once
	l.srv.On("error", func(args ...interface{}) { once.Do(func() { close(stopped) }) })

	if err := l.srv.Start(); err != nil {
		return err
	}
	<-stopped
	return nil
}

// Stop closes the listener and every live connection, which unblocks
// StartAndBlock.
func (l *Listener) Stop() {
	if l.srv != nil {
		l.srv.Stop()
	}
}
