package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

var ErrNoRecords = errors.New("no A records")

// DefaultServer is used when no server is configured and resolv.conf is
// unreadable.
const DefaultServer = "8.8.8.8:53"

// DNS resolves host names to IPv4 addresses with A queries.
type DNS struct {
	client  *dns.Client
	servers []string
}

// New builds a resolver for server ("host:port"). An empty server means the
// nameservers from /etc/resolv.conf.
func New(server string, timeout time.Duration) *DNS {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	r := &DNS{client: &dns.Client{Net: "udp", Timeout: timeout}}

	if server != "" {
		r.servers = []string{server}
		return r
	}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range conf.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(r.servers) == 0 {
		r.servers = []string{DefaultServer}
	}
	return r
}

// Resolve returns the first A record for host. IPv4 literals are returned
// as-is.
func (r *DNS) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("ipv6 target %s not supported", host)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", server, dns.RcodeToString[in.Rcode])
			continue
		}
		for _, ans := range in.Answer {
			if a, ok := ans.(*dns.A); ok {
				return a.A.To4(), nil
			}
		}
		lastErr = ErrNoRecords
	}
	return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
}
