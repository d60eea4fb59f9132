package smtpserver

import (
	"bufio"
	"net"
	"strings"
	"time"

	"github.com/calderamtp/smtpkit/testingstub"
)

// Exchange is one step of a scripted SMTP dialogue: an optional line to
// send, and the status-code prefix the next reply must carry. An empty
// WantPrefix means this step sends a line (e.g. a DATA body line) without
// expecting a reply, since the server only replies once per command.
type Exchange struct {
	Send       string
	WantPrefix string
}

// RunRoundTripCheck dials addr, checks the initial greeting carries
// wantGreeting as a prefix, then walks dialogue in order, failing t on the
// first mismatch. It mirrors the teacher's own daemon/smtpd/smtpd.go
// TestSMTPD helper: round-trip dialogue logic shared across test files
// (and packages) without requiring a *testing.T directly, so it can live
// outside a _test.go file.
func RunRoundTripCheck(t testingstub.T, addr, wantGreeting string, dialogue []Exchange) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	readLine := func() string {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read reply: %v", err)
			return ""
		}
		return strings.TrimRight(line, "\r\n")
	}

	if wantGreeting != "" {
		if line := readLine(); !strings.HasPrefix(line, wantGreeting) {
			t.Fatalf("greeting = %q, want prefix %q", line, wantGreeting)
		}
	}
	for _, ex := range dialogue {
		if ex.Send != "" {
			if _, err := conn.Write([]byte(ex.Send + "\r\n")); err != nil {
				t.Fatalf("write %q: %v", ex.Send, err)
				return
			}
		}
		if ex.WantPrefix == "" {
			continue
		}
		line := readLine()
		if !strings.HasPrefix(line, ex.WantPrefix) {
			t.Fatalf("reply = %q, want prefix %q (after sending %q)", line, ex.WantPrefix, ex.Send)
		}
	}
}
