// Package dispatch groups a message's recipients by MX domain, runs one
// smtpclient session per domain group (or a single session against an
// explicit host override), and aggregates the per-recipient outcomes into
// a single callback invocation.
//
// It generalizes the teacher's inet/mail_client.go sendMailWithRetry
// fan-out shape (one goroutine per recipient, aggregated via a
// sync.WaitGroup) into a per-domain fan-out with context.Context
// cancellation in place of retry-with-sleep.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/calderamtp/smtpkit/lalog"
	"github.com/calderamtp/smtpkit/mailaddr"
	"github.com/calderamtp/smtpkit/mxlookup"
	"github.com/calderamtp/smtpkit/smtpclient"
)

// SendRequest describes one message to be delivered to one or more
// recipients.
type SendRequest struct {
	// Host, if set, overrides MX resolution: every recipient is sent in
	// a single session against Host:Port.
	Host string
	// Port defaults to "25".
	Port string
	// Helo defaults to the local hostname.
	Helo string
	// From is the envelope sender (required).
	From string
	// To is one or more envelope recipients (required).
	To []string
	// Data is the raw message body, including headers; the caller is
	// responsible for any dot-stuffing (required).
	Data []byte
	// Timeout is the inactivity deadline applied before each read and
	// write of a per-domain session; zero disables it. It does not bound
	// the session's total duration.
	Timeout time.Duration
	// Debug enables the underlying Conn's wire byte capture.
	Debug bool
	// WaitGroup, if set, receives one Add(1) at submission and one
	// Done() once Callback has been invoked, letting a caller await
	// several independent sends together.
	WaitGroup *sync.WaitGroup
	// Callback receives the aggregated result (required).
	Callback func(*Result)

	// Resolver overrides MX resolution, mainly for tests.
	Resolver *mxlookup.Resolver
}

// Result is the aggregated outcome of a Send call. For a single recipient
// it collapses to the (OkReply, Err) pair described by the spec; for
// multiple recipients, OkMap and ErrMap partition the full recipient set.
type Result struct {
	// Single is true when the request had exactly one recipient.
	Single bool
	// OkReply and Err are populated only when Single is true.
	OkReply string
	Err     error
	// OkMap and ErrMap partition the requested recipients; every
	// recipient appears in exactly one of the two. Populated only when
	// Single is false.
	OkMap  map[string]string
	ErrMap map[string]error
}

var cancelledErr = fmt.Errorf("Cancelled")

func defaultHelo() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// Send groups req.To by domain (or uses req.Host for all of them if set),
// runs one smtpclient session per group in its own goroutine, and invokes
// req.Callback exactly once with the aggregated Result. It returns a
// context.CancelFunc; calling it aborts every in-flight session, and every
// recipient still pending at that point is reported as failed with the
// reason "Cancelled".
func Send(req SendRequest) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	if req.WaitGroup != nil {
		req.WaitGroup.Add(1)
	}
	go run(ctx, req)
	return cancel
}

func run(ctx context.Context, req SendRequest) {
	defer func() {
		if req.WaitGroup != nil {
			req.WaitGroup.Done()
		}
	}()

	logger := &lalog.Logger{ComponentName: "dispatch"}

	port := req.Port
	if port == "" {
		port = "25"
	}
	helo := req.Helo
	if helo == "" {
		helo = defaultHelo()
	}

	from, err := mailaddr.ExtractOne(req.From)
	if err != nil {
		req.Callback(failAll(req.To, fmt.Errorf("dispatch: invalid sender: %w", err)))
		return
	}

	// rawFailures holds recipients that never parse, keyed by the exact
	// text the caller passed in. canonResults holds the outcome of every
	// recipient that did parse, keyed by its canonical mailbox (the form
	// actually sent on the wire in RCPT TO) once all group sessions
	// finish. The two are merged back into the caller's original
	// terms (one entry per req.To, in req.To's own text) at the end.
	rawFailures := make(map[string]error)
	rawToCanon := make(map[string]string, len(req.To))
	var toSend []string
	for _, raw := range req.To {
		addr, err := mailaddr.ExtractOne(raw)
		if err != nil {
			rawFailures[raw] = fmt.Errorf("dispatch: invalid recipient: %w", err)
			continue
		}
		rawToCanon[raw] = addr
		toSend = append(toSend, addr)
	}
	if len(toSend) == 0 {
		failed := make(map[string]smtpclient.RecipientResult, len(rawFailures))
		for raw, err := range rawFailures {
			failed[raw] = smtpclient.RecipientResult{Err: err}
		}
		req.Callback(buildResult(req.To, failed))
		return
	}

	var groups map[string][]string // group key -> canonical mailboxes
	if req.Host != "" {
		groups = map[string][]string{req.Host: toSend}
	} else {
		groups = groupByDomain(toSend)
	}

	var mu sync.Mutex
	canonResults := make(map[string]smtpclient.RecipientResult, len(toSend))
	var wg sync.WaitGroup
	for key, group := range groups {
		wg.Add(1)
		go func(key string, group []string) {
			defer wg.Done()
			groupResults := sendToGroup(ctx, req, from, helo, port, key, group, logger)
			mu.Lock()
			for addr, r := range groupResults {
				canonResults[addr] = r
			}
			mu.Unlock()
		}(key, group)
	}
	wg.Wait()

	final := make(map[string]smtpclient.RecipientResult, len(req.To))
	for raw, err := range rawFailures {
		final[raw] = smtpclient.RecipientResult{Err: err}
	}
	for raw, canon := range rawToCanon {
		final[raw] = canonResults[canon]
	}
	req.Callback(buildResult(req.To, final))
}

// sendToGroup resolves (or uses) a host for one domain group and runs a
// single smtpclient session against it for every recipient in the group.
func sendToGroup(ctx context.Context, req SendRequest, from, helo, port, key string, group []string, logger *lalog.Logger) map[string]smtpclient.RecipientResult {
	if err := ctx.Err(); err != nil {
		return failGroup(group, cancelledErr)
	}

	host := key
	if req.Host == "" {
		resolver := req.Resolver
		if resolver == nil {
			resolver = &mxlookup.Resolver{}
		}
		hosts, err := resolver.Resolve(ctx, key)
		if err != nil {
			logger.Warning(key, err, "MX resolution failed")
			return failGroup(group, fmt.Errorf("No MX record for domain %s", key))
		}
		if len(hosts) == 0 {
			return failGroup(group, fmt.Errorf("No MX record for domain %s", key))
		}
		host = hosts[0]
	}

	addr := fmt.Sprintf("%s:%s", host, port)
	resultCh := make(chan smtpclient.Result, 1)
	go func() {
		resultCh <- smtpclient.Dial(ctx, addr, helo, from, group, req.Data, req.Timeout, req.Debug, logger)
	}()

	select {
	case <-ctx.Done():
		return failGroup(group, cancelledErr)
	case result := <-resultCh:
		if result.Recipients == nil {
			return failGroup(group, result.Err)
		}
		out := make(map[string]smtpclient.RecipientResult, len(result.Recipients))
		for addr, r := range result.Recipients {
			out[addr] = r
		}
		return out
	}
}

func groupByDomain(recipients []string) map[string][]string {
	groups := make(map[string][]string)
	for _, addr := range recipients {
		domain := strings.ToLower(mailaddr.Domain(addr))
		groups[domain] = append(groups[domain], addr)
	}
	return groups
}

func failGroup(group []string, err error) map[string]smtpclient.RecipientResult {
	out := make(map[string]smtpclient.RecipientResult, len(group))
	for _, addr := range group {
		out[addr] = smtpclient.RecipientResult{Err: err}
	}
	return out
}

func failAll(to []string, err error) *Result {
	if len(to) == 1 {
		return &Result{Single: true, Err: err}
	}
	errMap := make(map[string]error, len(to))
	for _, addr := range to {
		errMap[addr] = err
	}
	return &Result{ErrMap: errMap, OkMap: map[string]string{}}
}

func buildResult(originalTo []string, results map[string]smtpclient.RecipientResult) *Result {
	if len(originalTo) == 1 {
		addr := originalTo[0]
		r, ok := results[addr]
		if !ok {
			return &Result{Single: true, Err: fmt.Errorf("dispatch: no outcome recorded for %s", addr)}
		}
		return &Result{Single: true, OkReply: r.Reply, Err: r.Err}
	}
	okMap := make(map[string]string)
	errMap := make(map[string]error)
	for _, addr := range originalTo {
		r, ok := results[addr]
		if !ok {
			errMap[addr] = fmt.Errorf("dispatch: no outcome recorded for %s", addr)
			continue
		}
		if r.Err != nil {
			errMap[addr] = r.Err
		} else {
			okMap[addr] = r.Reply
		}
	}
	return &Result{OkMap: okMap, ErrMap: errMap}
}
