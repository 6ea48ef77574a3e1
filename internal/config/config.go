// Package config defines the on-disk configuration schema and compiles it
// into the immutable snapshot the rest of the proxy runs against.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jcodybaker/sniproxy/internal/routing"
	"github.com/jcodybaker/sniproxy/internal/snapshot"
)

// Action names the action field of a route as it appears in the file.
type Action string

const (
	ActionHangup   Action = "hangup"
	ActionSendText Action = "send_text"
	ActionSendFile Action = "send_file"
	ActionTLSAlert Action = "tls_alert"
	ActionProxy    Action = "proxy"
)

// AlertSubtype names the tls_alert subtype field.
type AlertSubtype string

const (
	AlertCloseNotify        AlertSubtype = "close_notify"
	AlertHandshakeFailure   AlertSubtype = "handshake_failure"
	AlertProtocolVersion    AlertSubtype = "protocol_version"
	AlertDecodeError        AlertSubtype = "decode_error"
	AlertInternalError      AlertSubtype = "internal_error"
	AlertUnrecognizedName   AlertSubtype = "unrecognized_name"
)

// Route is one entry of a listener's ordered route list, or a slot route.
type Route struct {
	SNI     string       `yaml:"sni,omitempty"`
	Action  Action       `yaml:"action"`
	Target  string       `yaml:"target,omitempty"`
	Text    string       `yaml:"text,omitempty"`
	File    string       `yaml:"file,omitempty"`
	Subtype AlertSubtype `yaml:"subtype,omitempty"`
}

// Defaults is the slot-route set, usable both at listener scope and at the
// top-level "defaults" scope that listeners inherit from.
type Defaults struct {
	DefaultRoute             *Route `yaml:"default_route,omitempty"`
	NoSNIRoute               *Route `yaml:"no_sni_route,omitempty"`
	TLSErrorRoute            *Route `yaml:"tls_error_route,omitempty"`
	HTTPFallbackRoute        *Route `yaml:"http_fallback_route,omitempty"`
	ProxyConnectFailureRoute *Route `yaml:"proxy_connect_failure_route,omitempty"`
}

// Listener is one listeners[] entry.
type Listener struct {
	Bind     string   `yaml:"bind"`
	Routes   []Route  `yaml:"routes,omitempty"`
	Defaults `yaml:",inline"`
}

// File is the top-level configuration document.
type File struct {
	Listeners        []Listener `yaml:"listeners"`
	Defaults         Defaults   `yaml:"defaults,omitempty"`
	User             string     `yaml:"user,omitempty"`
	Group            string     `yaml:"group,omitempty"`
	DisableIPv4      bool       `yaml:"disable_ipv4,omitempty"`
	DisableIPv6      bool       `yaml:"disable_ipv6,omitempty"`
	Resolver         string     `yaml:"resolver,omitempty"`          // "system" (default) or "direct"
	ResolverUpstream string     `yaml:"resolver_upstream,omitempty"` // "host:port", used when resolver=="direct"
}

// DefaultResolverUpstream is used when resolver is "direct" and
// resolver_upstream is left unset.
const DefaultResolverUpstream = "1.1.1.1:53"

// Load reads and parses path. YAML is the native format; a JSON document
// parses identically since it is a structural subset of YAML 1.1 for the
// object/array/scalar shapes used here, so no separate codec is needed.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &f, nil
}

// ParsePort parses a port string using snip_parse_port semantics: 1-5
// decimal digits, no sign, no surrounding whitespace, value must fit in a
// uint16. "0" is a valid port (it means "unset"/"use the listener port" in
// target context).
func ParsePort(s string) (uint16, error) {
	if s == "" || len(s) > 5 {
		return 0, fmt.Errorf("config: port %q: must be 1-5 digits", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("config: port %q: contains non-digit characters", s)
		}
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("config: port %q: out of range: %w", s, err)
	}
	return uint16(n), nil
}

// ParseTarget parses a "host:port" or bare "host" target per spec: the
// final colon separates host from port (so an IPv6 literal target would
// need bracket syntax, out of scope here since targets are hostnames); a
// bare host defaults the port to 0, meaning "use the listener port".
func ParseTarget(s string) (host string, port uint16, err error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		if s == "" {
			return "", 0, fmt.Errorf("config: target is empty")
		}
		return s, 0, nil
	}
	host, portStr := s[:idx], s[idx+1:]
	if host == "" {
		return "", 0, fmt.Errorf("config: target %q: empty host", s)
	}
	p, err := ParsePort(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("config: target %q: %w", s, err)
	}
	return host, p, nil
}

// ParseBind parses a "bind_address:port" listener bind string. "0.0.0.0:443"
// and "[::]:443" name one family explicitly; ":443" (address omitted)
// returns the invalid zero Addr, this package's "any family" sentinel —
// addressFamilies turns that into both families rather than picking one.
func ParseBind(s string) (addr netip.Addr, port uint16, err error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return netip.Addr{}, 0, fmt.Errorf("config: bind %q: missing port", s)
	}
	addrStr, portStr := s[:idx], s[idx+1:]
	addrStr = strings.TrimPrefix(strings.TrimSuffix(addrStr, "]"), "[")

	p, err := ParsePort(portStr)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("config: bind %q: %w", s, err)
	}
	if addrStr == "" {
		return netip.Addr{}, p, nil
	}
	a, parseErr := netip.ParseAddr(addrStr)
	if parseErr != nil {
		return netip.Addr{}, 0, fmt.Errorf("config: bind %q: invalid address: %w", s, parseErr)
	}
	return a, p, nil
}

// Validate checks the whole document and returns every error found, joined,
// rather than failing at the first — mirrors the teacher's multi-error
// validateConfig.
func (f *File) Validate() error {
	var errs []error
	for i, l := range f.Listeners {
		if _, _, err := ParseBind(l.Bind); err != nil {
			errs = append(errs, fmt.Errorf("listener[%d]: %w", i, err))
		}
		for j, r := range l.Routes {
			if err := validateRoute(r); err != nil {
				errs = append(errs, fmt.Errorf("listener[%d].routes[%d]: %w", i, j, err))
			}
			if r.SNI == "" {
				errs = append(errs, fmt.Errorf("listener[%d].routes[%d]: sni is required for a non-slot route", i, j))
			} else if err := routing.ValidatePattern(r.SNI); err != nil {
				errs = append(errs, fmt.Errorf("listener[%d].routes[%d]: sni: %w", i, j, err))
			}
		}
		errs = append(errs, validateSlots(fmt.Sprintf("listener[%d]", i), l.Defaults)...)
	}
	errs = append(errs, validateSlots("defaults", f.Defaults)...)
	if f.Resolver != "" && f.Resolver != "system" && f.Resolver != "direct" {
		errs = append(errs, fmt.Errorf("resolver: must be \"system\" or \"direct\", got %q", f.Resolver))
	}
	if f.Resolver == "direct" && f.ResolverUpstream != "" {
		if _, _, err := net.SplitHostPort(f.ResolverUpstream); err != nil {
			errs = append(errs, fmt.Errorf("resolver_upstream %q: %w", f.ResolverUpstream, err))
		}
	}
	if f.DisableIPv4 && f.DisableIPv6 {
		errs = append(errs, fmt.Errorf("disable_ipv4 and disable_ipv6 cannot both be true"))
	}
	return errors.Join(errs...)
}

func validateSlots(where string, d Defaults) []error {
	var errs []error
	for name, r := range map[string]*Route{
		"default_route":                 d.DefaultRoute,
		"no_sni_route":                  d.NoSNIRoute,
		"tls_error_route":               d.TLSErrorRoute,
		"http_fallback_route":           d.HTTPFallbackRoute,
		"proxy_connect_failure_route":   d.ProxyConnectFailureRoute,
	} {
		if r == nil {
			continue
		}
		if err := validateRoute(*r); err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", where, name, err))
		}
	}
	return errs
}

func validateRoute(r Route) error {
	switch r.Action {
	case ActionHangup:
		return nil
	case ActionSendText:
		if r.Text == "" {
			return fmt.Errorf("send_text route requires text")
		}
		return nil
	case ActionSendFile:
		if r.File == "" {
			return fmt.Errorf("send_file route requires file")
		}
		return nil
	case ActionTLSAlert:
		switch r.Subtype {
		case AlertCloseNotify, AlertHandshakeFailure, AlertProtocolVersion,
			AlertDecodeError, AlertInternalError, AlertUnrecognizedName:
			return nil
		default:
			return fmt.Errorf("tls_alert route has unknown subtype %q", r.Subtype)
		}
	case ActionProxy:
		if r.Target == "" {
			return fmt.Errorf("proxy route requires target")
		}
		if _, _, err := ParseTarget(r.Target); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
}
