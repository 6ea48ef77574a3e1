package resolver

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
)

// DNSClient queries a configured upstream DNS server directly over UDP (with
// TCP fallback left to the miekg/dns client's own truncation handling),
// bypassing the system resolver and its cache. It is an explicit opt-in
// (config field "resolver: direct") for deployments that want predictable,
// uncached resolution.
type DNSClient struct {
	upstream string // "host:port"
	client   *dns.Client
}

// NewDNSClient returns a DNSClient querying upstream directly.
func NewDNSClient(upstream string) *DNSClient {
	return &DNSClient{
		upstream: upstream,
		client:   &dns.Client{},
	}
}

func (d *DNSClient) Resolve(ctx context.Context, hostname string) ([]netip.Addr, error) {
	v4, err4 := d.query(ctx, hostname, dns.TypeA)
	v6, err6 := d.query(ctx, hostname, dns.TypeAAAA)
	addrs := append(v4, v6...)
	if len(addrs) == 0 {
		if err4 != nil {
			return nil, err4
		}
		return nil, err6
	}
	return addrs, nil
}

func (d *DNSClient) query(ctx context.Context, hostname string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	m.RecursionDesired = true

	resp, _, err := d.client.ExchangeContext(ctx, m, d.upstream)
	if err != nil {
		return nil, fmt.Errorf("resolver: query %s upstream %s: %w", hostname, d.upstream, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolver: query %s upstream %s: rcode %s", hostname, d.upstream, dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				addrs = append(addrs, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolver: query %s upstream %s: no records", hostname, d.upstream)
	}
	return addrs, nil
}
