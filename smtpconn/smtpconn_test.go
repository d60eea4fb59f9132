package smtpconn

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	server, client := net.Pipe()
	return New(server, Options{Timeout: 5 * time.Second}), New(client, Options{Timeout: 5 * time.Second})
}

func TestWantCommandTrimsWhitespace(t *testing.T) {
	server, client := pipePair(t)
	defer server.Close()
	defer client.Close()

	go func() {
		_ = client.writeLine("  MAIL FROM:<a@b>  ")
	}()

	line, err := server.WantCommand()
	require.NoError(t, err)
	require.Equal(t, "MAIL FROM:<a@b>", line)
}

func TestReplyAndLineRoundTrip(t *testing.T) {
	server, client := pipePair(t)
	defer server.Close()
	defer client.Close()

	go func() {
		_ = server.Reply("250 OK")
	}()

	reply, err := client.Line(250)
	require.NoError(t, err)
	require.Equal(t, "250 OK", reply)
}

func TestLineCodeMismatchCarriesFullLineAsError(t *testing.T) {
	server, client := pipePair(t)
	defer server.Close()
	defer client.Close()

	go func() {
		_ = server.Reply("550 no such user")
	}()

	reply, err := client.Line(250)
	if err == nil {
		t.Fatal("expected error on code mismatch")
	}
	if reply != "" {
		t.Fatalf("reply = %q, want empty on mismatch", reply)
	}
	if !strings.Contains(err.Error(), "550") || !strings.Contains(err.Error(), "no such user") {
		t.Fatalf("err = %v, want full reply line", err)
	}
}

func TestLineMultiLineReplyAccumulates(t *testing.T) {
	server, client := pipePair(t)
	defer server.Close()
	defer client.Close()

	go func() {
		_ = server.Reply("250-first")
		_ = server.Reply("250-second")
		_ = server.Reply("250 third")
	}()

	reply, err := client.Line(250)
	if err != nil {
		t.Fatalf("Line: %v", err)
	}
	if !strings.Contains(reply, "first") || !strings.Contains(reply, "second") || !strings.Contains(reply, "third") {
		t.Fatalf("reply = %q, want all three continuation lines", reply)
	}
}

func TestCommandWritesThenReadsReply(t *testing.T) {
	server, client := pipePair(t)
	defer server.Close()
	defer client.Close()

	go func() {
		line, err := server.WantCommand()
		if err != nil {
			t.Errorf("server WantCommand: %v", err)
			return
		}
		if line != "HELO there" {
			t.Errorf("line = %q", line)
		}
		_ = server.Ok("Go on.")
	}()

	reply, err := client.Command("HELO there", 250)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if reply != "250 Go on." {
		t.Fatalf("reply = %q", reply)
	}
}

func TestDataAccumulatesBodyAndUnstuffs(t *testing.T) {
	server, client := pipePair(t)
	defer server.Close()
	defer client.Close()

	go func() {
		_ = client.Reply("hello\r\n")
		_ = client.Reply("..leading dot line\r\n")
		_ = client.Reply(".\r\n")
	}()

	body, err := server.Data()
	require.NoError(t, err)
	require.Equal(t, "hello\r\n.leading dot line\r\n", string(body))
}

func TestDataSingleLineBodyPreservesCRLF(t *testing.T) {
	server, client := pipePair(t)
	defer server.Close()
	defer client.Close()

	go func() {
		_ = client.Reply("hello\r\n.\r\n")
	}()

	body, err := server.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if string(body) != "hello\r\n" {
		t.Fatalf("body = %q", string(body))
	}
}

func TestDataOverflowReturnsErrDataTooLarge(t *testing.T) {
	server, client := pipePair(t)
	server.maxDataBytes = 4
	defer server.Close()
	defer client.Close()

	go func() {
		_ = client.Reply("toolong\r\n")
		_ = client.Reply(".\r\n")
	}()

	_, err := server.Data()
	if err != ErrDataTooLarge {
		t.Fatalf("err = %v, want ErrDataTooLarge", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server, client := pipePair(t)
	defer client.Close()

	if err := server.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStatusCode(t *testing.T) {
	code, ok := StatusCode("250 OK")
	if !ok || code != 250 {
		t.Fatalf("StatusCode = %d, %v", code, ok)
	}
	if _, ok := StatusCode("xx"); ok {
		t.Fatal("expected ok=false for short string")
	}
}
