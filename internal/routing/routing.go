// Package routing implements the SNI-to-route matcher: given a listener's
// ordered route table, its slot routes, and a candidate SNI, it returns the
// Route that should handle the connection.
package routing

import "strings"

// Action identifies what a Route instructs the connection state machine to
// do once selected.
type Action int

const (
	// Hangup closes the connection immediately with no data sent.
	Hangup Action = iota
	// SendText writes a fixed text payload, then closes.
	SendText
	// SendFile streams a file's contents, then closes.
	SendFile
	// TLSAlert writes a synthetic TLS fatal alert record, then closes.
	TLSAlert
	// Proxy connects to an upstream and splices.
	Proxy
)

// AlertSubtype names the TLS alert description to send for a TLSAlert route.
type AlertSubtype int

const (
	CloseNotify AlertSubtype = iota
	HandshakeFailure
	ProtocolVersion
	DecodeError
	InternalError
	UnrecognizedName
)

// Route is an immutable routing decision. Fields are only meaningful for
// the action they pertain to, per spec.
type Route struct {
	Action      Action
	AlertSub    AlertSubtype
	SNIPattern  string // empty for a slot/default route
	DestHost    string
	DestPort    uint16
	SendText    string
	SendFile    string
}

// SlotRoutes holds the five distinguished fallback routes a listener (or
// the global defaults) may define. A nil field means "not configured here";
// resolution falls through to the global defaults and finally to a
// synthetic Hangup.
type SlotRoutes struct {
	Default              *Route
	NoSNI                *Route
	TLSError             *Route
	HTTPFallback         *Route
	ProxyConnectFailure  *Route
}

var hangupRoute = Route{Action: Hangup}

func pick(listener, global *Route) Route {
	if listener != nil {
		return *listener
	}
	if global != nil {
		return *global
	}
	return hangupRoute
}

// Table is the ordered route list plus slot routes for one listener, paired
// with the global defaults it inherits from when a slot is unset.
type Table struct {
	Routes []Route
	Slots  SlotRoutes
	Global SlotRoutes
}

// Result is the outcome of a match: the selected route, with any wildcard
// backreference in DestHost already substituted.
type Result struct {
	Route Route
}

// NoSNI returns the route to use when the ClientHello carried no SNI
// extension (or no host_name entry within it).
func (t Table) NoSNI() Result {
	return Result{Route: pick(t.Slots.NoSNI, t.Global.NoSNI)}
}

// TLSError returns the route to use on a parser error or NotTls(false).
func (t Table) TLSError() Result {
	return Result{Route: pick(t.Slots.TLSError, t.Global.TLSError)}
}

// HTTPFallback returns the route to use on NotTls(true).
func (t Table) HTTPFallback() Result {
	return Result{Route: pick(t.Slots.HTTPFallback, t.Global.HTTPFallback)}
}

// ProxyConnectFailure returns the route to use when every upstream address
// failed to connect, or the resolver errored. If that route is itself a
// Proxy action (a configuration error — there is no further upstream to
// fall back to), it degrades to Hangup per spec.
func (t Table) ProxyConnectFailure() Result {
	r := pick(t.Slots.ProxyConnectFailure, t.Global.ProxyConnectFailure)
	if r.Action == Proxy {
		r = hangupRoute
	}
	return Result{Route: r}
}

// Match resolves the route for a concrete SNI hostname (already
// ASCII-lowercased by the ClientHello parser). It walks the ordered route
// list in configuration order — order is authoritative, there is no
// specificity ranking — and returns the first matching entry, substituting
// any wildcard backreference token in a Proxy route's DestHost.
func (t Table) Match(sni string) Result {
	for _, route := range t.Routes {
		capture, ok := matchPattern(route.SNIPattern, sni)
		if !ok {
			continue
		}
		route.DestHost = substituteBackreference(route, sni, capture)
		return Result{Route: route}
	}

	r := pick(t.Slots.Default, t.Global.Default)
	r.DestHost = substituteBackreference(r, sni, sni)
	return Result{Route: r}
}

// matchPattern reports whether sni matches pattern, and the wildcard
// capture (the leftmost label(s) before the literal suffix) if pattern is
// a left-wildcard. For an exact pattern, capture equals sni.
func matchPattern(pattern, sni string) (capture string, matched bool) {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		if !strings.HasSuffix(sni, "."+suffix) {
			return "", false
		}
		capture = strings.TrimSuffix(sni, "."+suffix)
		if capture == "" {
			return "", false
		}
		return capture, true
	}
	if strings.EqualFold(pattern, sni) {
		return sni, true
	}
	return "", false
}

// substituteBackreference replaces every "{1}" and "\1" token in a
// Proxy route's DestHost with capture. Non-Proxy routes and routes whose
// DestHost has no token are returned unchanged.
func substituteBackreference(route Route, sni, capture string) string {
	if route.Action != Proxy {
		return route.DestHost
	}
	host := route.DestHost
	host = strings.ReplaceAll(host, "{1}", capture)
	host = strings.ReplaceAll(host, `\1`, capture)
	return host
}
