package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/jcodybaker/sniproxy/internal/resolver"
	"github.com/jcodybaker/sniproxy/internal/routing"
	"github.com/jcodybaker/sniproxy/internal/snapshot"
)

var actionTable = map[Action]routing.Action{
	ActionHangup:   routing.Hangup,
	ActionSendText: routing.SendText,
	ActionSendFile: routing.SendFile,
	ActionTLSAlert: routing.TLSAlert,
	ActionProxy:    routing.Proxy,
}

var alertTable = map[AlertSubtype]routing.AlertSubtype{
	AlertCloseNotify:      routing.CloseNotify,
	AlertHandshakeFailure: routing.HandshakeFailure,
	AlertProtocolVersion:  routing.ProtocolVersion,
	AlertDecodeError:      routing.DecodeError,
	AlertInternalError:    routing.InternalError,
	AlertUnrecognizedName: routing.UnrecognizedName,
}

// compileRoute converts a validated config.Route into a routing.Route.
// Validate must have already been called on the owning File; compileRoute
// does not re-check for malformed targets or unknown actions.
func compileRoute(r Route) routing.Route {
	out := routing.Route{
		Action:     actionTable[r.Action],
		AlertSub:   alertTable[r.Subtype],
		SNIPattern: strings.ToLower(r.SNI),
		SendText:   r.Text,
		SendFile:   r.File,
	}
	if r.Action == ActionProxy {
		host, port, _ := ParseTarget(r.Target)
		out.DestHost = host
		out.DestPort = port
	}
	return out
}

func compileSlotRoute(r *Route) *routing.Route {
	if r == nil {
		return nil
	}
	compiled := compileRoute(*r)
	return &compiled
}

func compileSlots(d Defaults) routing.SlotRoutes {
	return routing.SlotRoutes{
		Default:             compileSlotRoute(d.DefaultRoute),
		NoSNI:               compileSlotRoute(d.NoSNIRoute),
		TLSError:            compileSlotRoute(d.TLSErrorRoute),
		HTTPFallback:        compileSlotRoute(d.HTTPFallbackRoute),
		ProxyConnectFailure: compileSlotRoute(d.ProxyConnectFailureRoute),
	}
}

// Compile validates f and, if valid, compiles it into an immutable
// snapshot.Snapshot ready for listener startup and the connection hot path.
// onZero is forwarded to snapshot.New (see its doc).
func (f *File) Compile(onZero func()) (*snapshot.Snapshot, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	global := compileSlots(f.Defaults)

	listeners := make([]snapshot.Listener, 0, len(f.Listeners))
	for i, l := range f.Listeners {
		addr, port, err := ParseBind(l.Bind)
		if err != nil {
			// Validate already checked this; unreachable in practice, but
			// compile must not silently mis-bind on a future code path
			// that calls it without Validate first.
			return nil, fmt.Errorf("config: listener[%d]: %w", i, err)
		}

		routes := make([]routing.Route, 0, len(l.Routes))
		for _, r := range l.Routes {
			routes = append(routes, compileRoute(r))
		}

		enableV4, enableV6 := addressFamilies(addr)

		listeners = append(listeners, snapshot.Listener{
			Name:        l.Bind,
			BindAddress: addr,
			BindPort:    port,
			EnableIPv4:  enableV4 && !f.DisableIPv4,
			EnableIPv6:  enableV6 && !f.DisableIPv6,
			Routes: routing.Table{
				Routes: routes,
				Slots:  compileSlots(l.Defaults),
				Global: global,
			},
		})
	}

	return snapshot.New(listeners, global, onZero), nil
}

// BuildResolver returns the resolver.Resolver f's "resolver" field selects:
// resolver.Stdlib (default, or explicit "system") or resolver.DNSClient
// ("direct", querying ResolverUpstream or DefaultResolverUpstream).
func (f *File) BuildResolver() resolver.Resolver {
	if f.Resolver == "direct" {
		upstream := f.ResolverUpstream
		if upstream == "" {
			upstream = DefaultResolverUpstream
		}
		return resolver.NewDNSClient(upstream)
	}
	return resolver.NewStdlib(nil)
}

// addressFamilies reports which families a listener's bind address implies
// it should serve. An explicit literal address ("0.0.0.0:443" or
// "[::]:443") serves only its own family; a bind string with the address
// omitted (":443", parsed by ParseBind to the invalid zero Addr) serves
// both families per spec.md §4.D and §6 — subject to the caller applying
// the global disable_ipv4/disable_ipv6 flags on top.
func addressFamilies(addr netip.Addr) (v4, v6 bool) {
	if !addr.IsValid() {
		return true, true
	}
	if addr.Is4() || addr.Is4In6() {
		return true, false
	}
	return false, true
}
