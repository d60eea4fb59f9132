package smtpclient

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/calderamtp/smtpkit/smtpconn"
)

// fakeServer reads one line at a time from conn and replies according to
// script, a map from the expected command prefix to the reply to send.
// Once DATA has been acknowledged with a 354, it stops replying per line
// (as a real server would) until the terminating "." line, whose reply
// comes from script["."]. It runs until the connection closes.
func fakeServer(t *testing.T, conn net.Conn, greeting string, script map[string]string) {
	t.Helper()
	w := conn
	r := bufio.NewReader(conn)
	if _, err := w.Write([]byte(greeting + "\r\n")); err != nil {
		return
	}
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if inData {
			if line != "." {
				continue
			}
			inData = false
		}
		reply, ok := script[firstWord(line)]
		if !ok {
			reply = "500 unscripted command"
		}
		if _, err := w.Write([]byte(reply + "\r\n")); err != nil {
			return
		}
		if firstWord(line) == "DATA" && strings.HasPrefix(reply, "354") {
			inData = true
		}
	}
}

func firstWord(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}
	return line
}

func TestSessionHappyPath(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go fakeServer(t, serverSide, "220 mail.example.com Ready.", map[string]string{
		"HELO": "250 Go on.",
		"MAIL": "250 OK",
		"RCPT": "250 OK",
		"DATA": "354 End data with <CR><LF>.<CR><LF>",
		".":    "250 I'll take it",
		"QUIT": "221 Bye.",
	})

	conn := smtpconn.New(clientSide, smtpconn.Options{Timeout: 5 * time.Second})
	result := Session(context.Background(), conn, "me.example.com", "a@b", []string{"c@d"}, []byte("hello\r\n"), nil)
	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}
	if !strings.HasPrefix(result.FinalReply, "250") {
		t.Fatalf("FinalReply = %q", result.FinalReply)
	}
	rr, ok := result.Recipients["c@d"]
	if !ok || rr.Err != nil {
		t.Fatalf("Recipients[c@d] = %+v, ok=%v", rr, ok)
	}
}

func TestSessionPartialRCPTFailureContinues(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	var rcptCount int
	go func() {
		w := serverSide
		r := bufio.NewReader(serverSide)
		w.Write([]byte("220 mail.example.com Ready.\r\n"))
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "HELO"):
				w.Write([]byte("250 Go on.\r\n"))
			case strings.HasPrefix(line, "MAIL"):
				w.Write([]byte("250 OK\r\n"))
			case strings.HasPrefix(line, "RCPT"):
				rcptCount++
				if rcptCount == 1 {
					w.Write([]byte("550 no such user\r\n"))
				} else {
					w.Write([]byte("250 OK\r\n"))
				}
			case strings.HasPrefix(line, "DATA"):
				w.Write([]byte("354 End data with <CR><LF>.<CR><LF>\r\n"))
			case line == ".":
				w.Write([]byte("250 I'll take it\r\n"))
			case strings.HasPrefix(line, "QUIT"):
				w.Write([]byte("221 Bye.\r\n"))
			}
		}
	}()

	conn := smtpconn.New(clientSide, smtpconn.Options{Timeout: 5 * time.Second})
	result := Session(context.Background(), conn, "me.example.com", "a@b", []string{"bad@d", "good@d"}, []byte("hello\r\n"), nil)
	if result.Err != nil {
		t.Fatalf("Err = %v, want nil since one RCPT succeeded", result.Err)
	}
	if result.Recipients["bad@d"].Err == nil {
		t.Fatal("bad@d should have failed")
	}
	if result.Recipients["good@d"].Err != nil {
		t.Fatalf("good@d should have succeeded, got %v", result.Recipients["good@d"].Err)
	}
}

func TestSessionAllRCPTFailureAbortsBeforeData(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go fakeServer(t, serverSide, "220 mail.example.com Ready.", map[string]string{
		"HELO": "250 Go on.",
		"MAIL": "250 OK",
		"RCPT": "550 no such user",
	})

	conn := smtpconn.New(clientSide, smtpconn.Options{Timeout: 5 * time.Second})
	result := Session(context.Background(), conn, "me.example.com", "a@b", []string{"c@d"}, []byte("hello\r\n"), nil)
	if result.Err == nil {
		t.Fatal("expected Err when every RCPT fails")
	}
	if result.Recipients["c@d"].Err == nil {
		t.Fatal("expected c@d to carry the RCPT error")
	}
}

func TestSessionUnexpectedGreetingAborts(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		serverSide.Write([]byte("421 Service not available\r\n"))
	}()

	conn := smtpconn.New(clientSide, smtpconn.Options{Timeout: 5 * time.Second})
	result := Session(context.Background(), conn, "me.example.com", "a@b", []string{"c@d"}, []byte("hello\r\n"), nil)
	if result.Err == nil {
		t.Fatal("expected Err on bad greeting")
	}
	if !strings.Contains(result.Err.Error(), "421") {
		t.Fatalf("Err = %v, want to contain 421", result.Err)
	}
}

func TestSessionCancelledContextAbortsBeforeDialogue(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := smtpconn.New(clientSide, smtpconn.Options{Timeout: 5 * time.Second})
	result := Session(ctx, conn, "me.example.com", "a@b", []string{"c@d"}, []byte("hello\r\n"), nil)
	if result.Err == nil {
		t.Fatal("expected Err for cancelled context")
	}
}
