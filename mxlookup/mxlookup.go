// Package mxlookup resolves MX records for outbound mail delivery.
//
// It repurposes the teacher's DNS-client query pattern (dnsclient/client.go's
// dns.Client + dns.Msg.SetQuestion + Exchange, there used to talk to the
// teacher's own DNS-proxy product) into an ordinary outbound MX lookup
// against the system's configured resolvers.
package mxlookup

import (
	"context"
	"fmt"
	"sort"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Resolver resolves MX records. The zero value uses the system's
// /etc/resolv.conf configuration.
type Resolver struct {
	// Servers overrides the resolvers read from /etc/resolv.conf, mainly
	// for tests. Each entry is a "host:port" address.
	Servers []string
}

// systemServers reads /etc/resolv.conf once per call; it is cheap enough
// relative to the network round trip that follows.
func systemServers() ([]string, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("mxlookup: read resolver config: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("mxlookup: no resolvers configured")
	}
	servers := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		servers[i] = fmt.Sprintf("%s:%s", s, cfg.Port)
	}
	return servers, nil
}

type byPreference []*dns.MX

func (b byPreference) Len() int      { return len(b) }
func (b byPreference) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byPreference) Less(i, j int) bool {
	return b[i].Preference < b[j].Preference
}

// Resolve returns the MX hostnames for domain, ordered ascending by
// preference with ties broken by the order DNS returned them in (Go's sort
// is stable). domain is normalized to its ASCII (punycode) form before the
// query, so internationalized domains resolve correctly. An empty, nil
// error result means the domain has no MX records.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]string, error) {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return nil, fmt.Errorf("mxlookup: normalize domain %q: %w", domain, err)
	}

	servers := r.Servers
	if len(servers) == 0 {
		servers, err = systemServers()
		if err != nil {
			return nil, err
		}
	}

	client := new(dns.Client)
	query := new(dns.Msg)
	query.RecursionDesired = true
	query.SetQuestion(dns.Fqdn(ascii), dns.TypeMX)

	var lastErr error
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		response, _, err := client.ExchangeContext(ctx, query, server)
		if err != nil {
			lastErr = err
			continue
		}
		return extractHosts(response), nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("mxlookup: query %s: %w", domain, lastErr)
	}
	return nil, fmt.Errorf("mxlookup: no resolvers answered for %s", domain)
}

func extractHosts(response *dns.Msg) []string {
	var records []*dns.MX
	for _, rr := range response.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, mx)
		}
	}
	sort.Stable(byPreference(records))
	hosts := make([]string, len(records))
	for i, mx := range records {
		hosts[i] = dns.Fqdn(mx.Mx)
	}
	return hosts
}

// Resolve is a package-level convenience that uses the default Resolver
// (system resolvers, no override).
func Resolve(ctx context.Context, domain string) ([]string, error) {
	return (&Resolver{}).Resolve(ctx, domain)
}
