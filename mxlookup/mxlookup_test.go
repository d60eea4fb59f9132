package mxlookup

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startFakeDNS runs a miekg/dns server in-process over a UDP socket bound
// to an ephemeral port and returns its "host:port" address plus a stop
// function. Grounded on the teacher's own use of github.com/miekg/dns for
// both its DNS client and server sides.
func startFakeDNS(t *testing.T, handler dns.HandlerFunc) (string, func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go srv.ActivateAndServe()
	// Give the server a moment to be ready to accept queries; ActivateAndServe
	// races with the caller only in degenerate cases since the socket is
	// already bound, but a short yield keeps the test robust.
	time.Sleep(10 * time.Millisecond)
	return pc.LocalAddr().String(), func() { srv.Shutdown() }
}

func TestResolveSortsByPreference(t *testing.T) {
	addr, stop := startFakeDNS(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer,
			&dns.MX{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeMX, Class: dns.ClassINET}, Preference: 20, Mx: "backup.example.com."},
			&dns.MX{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeMX, Class: dns.ClassINET}, Preference: 10, Mx: "primary.example.com."},
		)
		_ = w.WriteMsg(m)
	})
	defer stop()

	r := &Resolver{Servers: []string{addr}}
	hosts, err := r.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "primary.example.com." || hosts[1] != "backup.example.com." {
		t.Fatalf("hosts = %v, want primary before backup", hosts)
	}
}

func TestResolveEmptyMXReturnsEmptySlice(t *testing.T) {
	addr, stop := startFakeDNS(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	})
	defer stop()

	r := &Resolver{Servers: []string{addr}}
	hosts, err := r.Resolve(context.Background(), "nomx.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(hosts) != 0 {
		t.Fatalf("hosts = %v, want empty", hosts)
	}
}

func TestResolveNormalizesInternationalDomain(t *testing.T) {
	var gotName string
	addr, stop := startFakeDNS(t, func(w dns.ResponseWriter, r *dns.Msg) {
		gotName = r.Question[0].Name
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.MX{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeMX, Class: dns.ClassINET}, Preference: 10, Mx: "mail.xn--mnchen-3ya.de."})
		_ = w.WriteMsg(m)
	})
	defer stop()

	r := &Resolver{Servers: []string{addr}}
	if _, err := r.Resolve(context.Background(), "münchen.de"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotName != "xn--mnchen-3ya.de." {
		t.Fatalf("queried name = %q, want punycode form", gotName)
	}
}
