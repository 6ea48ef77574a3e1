// Package resolver abstracts hostname-to-address resolution so the
// connection state machine's Connecting phase doesn't care whether lookups
// go through the system resolver or a directly-queried upstream.
package resolver

import (
	"context"
	"net/netip"
)

// Resolver resolves a hostname to the addresses a caller should try to dial,
// in the order they should be tried.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) ([]netip.Addr, error)
}
