package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParsePort(t *testing.T) {
	cases := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"0", 0, false},
		{"443", 443, false},
		{"65535", 65535, false},
		{"65536", 0, true},
		{"", 0, true},
		{"123 ", 0, true},
		{"+123", 0, true},
		{"-1", 0, true},
		{"00443", 443, false},
		{"12C", 0, true},
	}
	for _, c := range cases {
		got, err := ParsePort(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePort(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePort(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParsePort(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{"a.b:1", "a.b", 1, false},
		{"a.b", "a.b", 0, false},
		{"a.b:", "", 0, true},
		{"a.b:65536", "", 0, true},
		{"a.b:12C", "", 0, true},
		{"", "", 0, true},
		{":443", "", 0, true},
	}
	for _, c := range cases {
		host, port, err := ParseTarget(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseTarget(%q): expected error, got (%q, %d)", c.in, host, port)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTarget(%q): unexpected error: %v", c.in, err)
			continue
		}
		if host != c.wantHost || port != c.wantPort {
			t.Errorf("ParseTarget(%q) = (%q, %d), want (%q, %d)", c.in, host, port, c.wantHost, c.wantPort)
		}
	}
}

func TestParseBind(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"0.0.0.0:443", false},
		{"[::]:443", false},
		{":443", false},
		{"0.0.0.0", true},
		{"0.0.0.0:99999", true},
	}
	for _, c := range cases {
		_, _, err := ParseBind(c.in)
		if c.wantErr && err == nil {
			t.Errorf("ParseBind(%q): expected error", c.in)
		}
		if !c.wantErr && err != nil {
			t.Errorf("ParseBind(%q): unexpected error: %v", c.in, err)
		}
	}
}

func TestFileValidateCatchesMultipleErrors(t *testing.T) {
	f := &File{
		Listeners: []Listener{
			{
				Bind: "not-a-bind-string",
				Routes: []Route{
					{SNI: "*.example.com", Action: ActionProxy, Target: "backend:not-a-port"},
					{SNI: "", Action: ActionHangup},
				},
			},
		},
		Resolver: "bogus",
	}
	err := f.Validate()
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	// errors.Join concatenates with newlines; a config with this many
	// distinct problems should report more than one.
	msg := err.Error()
	if len(msg) == 0 {
		t.Fatal("expected a non-empty combined error message")
	}
	if n := strings.Count(msg, "\n") + 1; n < 2 {
		t.Fatalf("expected more than one validation error, got %d: %q", n, msg)
	}
}

func TestFileValidateAcceptsWellFormedConfig(t *testing.T) {
	f := &File{
		Listeners: []Listener{
			{
				Bind: "0.0.0.0:443",
				Routes: []Route{
					{SNI: "*.example.com", Action: ActionProxy, Target: "backend.internal:8443"},
					{SNI: "legacy.example.org", Action: ActionSendText, Text: "HTTP/1.0 410 Gone\r\n\r\n"},
				},
			},
		},
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sniproxy.yaml")
	doc := `
listeners:
  - bind: "0.0.0.0:443"
    routes:
      - sni: "*.example.com"
        action: proxy
        target: "backend.internal:8443"
    default_route: { action: hangup }
    no_sni_route: { action: tls_alert, subtype: unrecognized_name }
disable_ipv6: true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(f.Listeners))
	}
	if f.Listeners[0].Bind != "0.0.0.0:443" {
		t.Errorf("unexpected bind: %q", f.Listeners[0].Bind)
	}
	if !f.DisableIPv6 {
		t.Errorf("expected disable_ipv6 true")
	}
	if f.Listeners[0].NoSNIRoute == nil || f.Listeners[0].NoSNIRoute.Subtype != AlertUnrecognizedName {
		t.Errorf("expected no_sni_route subtype unrecognized_name, got %+v", f.Listeners[0].NoSNIRoute)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCompileProducesSnapshot(t *testing.T) {
	f := &File{
		Listeners: []Listener{
			{
				Bind: "0.0.0.0:443",
				Routes: []Route{
					{SNI: "*.example.com", Action: ActionProxy, Target: "backend.internal:8443"},
				},
			},
		},
	}
	snap, err := f.Compile(nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(snap.Listeners) != 1 {
		t.Fatalf("expected 1 compiled listener, got %d", len(snap.Listeners))
	}
	l := snap.Listeners[0]
	if !l.EnableIPv4 || l.EnableIPv6 {
		t.Errorf("expected IPv4-only listener, got v4=%v v6=%v", l.EnableIPv4, l.EnableIPv6)
	}
	if len(l.Routes.Routes) != 1 || l.Routes.Routes[0].DestHost != "backend.internal" {
		t.Fatalf("unexpected compiled route: %+v", l.Routes.Routes)
	}
}

func TestCompileRejectsInvalidConfig(t *testing.T) {
	f := &File{Listeners: []Listener{{Bind: "garbage"}}}
	if _, err := f.Compile(nil); err == nil {
		t.Fatal("expected Compile to surface Validate's error")
	}
}

func TestCompileUnspecifiedBindEnablesBothFamilies(t *testing.T) {
	f := &File{
		Listeners: []Listener{
			{Bind: ":443", Routes: []Route{{SNI: "*.example.com", Action: ActionHangup}}},
		},
	}
	snap, err := f.Compile(nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	l := snap.Listeners[0]
	if !l.EnableIPv4 || !l.EnableIPv6 {
		t.Errorf("expected dual-stack listener for \":443\", got v4=%v v6=%v", l.EnableIPv4, l.EnableIPv6)
	}
	keys := l.SocketKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 socket keys, got %d: %+v", len(keys), keys)
	}
}

func TestCompileIPv6LiteralBindIsV6Only(t *testing.T) {
	f := &File{
		Listeners: []Listener{
			{Bind: "[::]:443", Routes: []Route{{SNI: "*.example.com", Action: ActionHangup}}},
		},
	}
	snap, err := f.Compile(nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	l := snap.Listeners[0]
	if l.EnableIPv4 || !l.EnableIPv6 {
		t.Errorf("expected IPv6-only listener for \"[::]:443\", got v4=%v v6=%v", l.EnableIPv4, l.EnableIPv6)
	}
}

func TestCompileUnspecifiedBindHonorsDisableFlags(t *testing.T) {
	f := &File{
		DisableIPv6: true,
		Listeners: []Listener{
			{Bind: ":443", Routes: []Route{{SNI: "*.example.com", Action: ActionHangup}}},
		},
	}
	snap, err := f.Compile(nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	l := snap.Listeners[0]
	if !l.EnableIPv4 || l.EnableIPv6 {
		t.Errorf("expected disable_ipv6 to suppress the v6 socket, got v4=%v v6=%v", l.EnableIPv4, l.EnableIPv6)
	}
}
