package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Stdlib resolves through the operating system's resolver (cache, hosts
// file, search domains included). It is the default Resolver.
type Stdlib struct {
	res *net.Resolver
}

// NewStdlib returns a Stdlib resolver. A nil *net.Resolver may be passed to
// use net.DefaultResolver.
func NewStdlib(res *net.Resolver) *Stdlib {
	if res == nil {
		res = net.DefaultResolver
	}
	return &Stdlib{res: res}
}

func (s *Stdlib) Resolve(ctx context.Context, hostname string) ([]netip.Addr, error) {
	ipAddrs, err := s.res.LookupIP(ctx, "ip", hostname)
	if err != nil {
		return nil, fmt.Errorf("resolver: lookup %s: %w", hostname, err)
	}
	addrs := make([]netip.Addr, 0, len(ipAddrs))
	for _, ip := range ipAddrs {
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, a.Unmap())
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolver: lookup %s: no addresses returned", hostname)
	}
	return addrs, nil
}
