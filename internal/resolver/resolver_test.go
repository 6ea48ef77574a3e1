package resolver

import (
	"context"
	"testing"
	"time"
)

func TestStdlibResolvesLocalhost(t *testing.T) {
	r := NewStdlib(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := r.Resolve(ctx, "localhost")
	if err != nil {
		t.Fatalf("Resolve(localhost): %v", err)
	}
	if len(addrs) == 0 {
		t.Fatal("expected at least one address for localhost")
	}
}

func TestStdlibErrorsOnUnresolvable(t *testing.T) {
	r := NewStdlib(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.Resolve(ctx, "this-host-should-not-resolve.invalid")
	if err == nil {
		t.Fatal("expected an error resolving a .invalid hostname")
	}
}

func TestDNSClientImplementsResolver(t *testing.T) {
	var _ Resolver = (*DNSClient)(nil)
	var _ Resolver = (*Stdlib)(nil)
}
