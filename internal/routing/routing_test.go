package routing

import "testing"

func TestValidateHostname(t *testing.T) {
	cases := []struct {
		host    string
		wantErr bool
	}{
		{"example.com", false},
		{"a.b.c.example.com", false},
		{"", true},
		{".example.com", true},
		{"example.com.", true},
		{"nodot", true},
		{"exa..mple.com", true},
		{"-bad.example.com", true},
		{"bad-.example.com", true},
		{"under_score.example.com", true},
	}
	for _, c := range cases {
		err := ValidateHostname(c.host)
		if c.wantErr && err == nil {
			t.Errorf("ValidateHostname(%q): expected error, got nil", c.host)
		}
		if !c.wantErr && err != nil {
			t.Errorf("ValidateHostname(%q): unexpected error: %v", c.host, err)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	cases := []struct {
		pattern string
		wantErr bool
	}{
		{"*.example.com", false},
		{"example.com", false},
		{"*.", true},
		{"*", true},
	}
	for _, c := range cases {
		err := ValidatePattern(c.pattern)
		if c.wantErr && err == nil {
			t.Errorf("ValidatePattern(%q): expected error, got nil", c.pattern)
		}
		if !c.wantErr && err != nil {
			t.Errorf("ValidatePattern(%q): unexpected error: %v", c.pattern, err)
		}
	}
}

func exactRoute(pattern, dest string) Route {
	return Route{Action: Proxy, SNIPattern: pattern, DestHost: dest, DestPort: 443}
}

func TestMatchExact(t *testing.T) {
	table := Table{
		Routes: []Route{
			exactRoute("foo.example.com", "upstream-foo.internal"),
			exactRoute("bar.example.com", "upstream-bar.internal"),
		},
	}
	result := table.Match("bar.example.com")
	if result.Route.DestHost != "upstream-bar.internal" {
		t.Fatalf("expected upstream-bar.internal, got %q", result.Route.DestHost)
	}
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	table := Table{Routes: []Route{exactRoute("Foo.Example.COM", "upstream.internal")}}
	result := table.Match("foo.example.com")
	if result.Route.DestHost != "upstream.internal" {
		t.Fatalf("expected match regardless of case, got %q", result.Route.DestHost)
	}
}

func TestMatchOrderWins(t *testing.T) {
	table := Table{
		Routes: []Route{
			exactRoute("*.example.com", "wildcard.internal"),
			exactRoute("foo.example.com", "exact.internal"),
		},
	}
	// The wildcard route is listed first, so it wins even though an exact
	// match also exists further down the list — order is authoritative.
	result := table.Match("foo.example.com")
	if result.Route.DestHost != "wildcard.internal" {
		t.Fatalf("expected first-listed wildcard route to win, got %q", result.Route.DestHost)
	}
}

func TestMatchWildcardCapture(t *testing.T) {
	table := Table{
		Routes: []Route{
			{Action: Proxy, SNIPattern: "*.example.com", DestHost: "{1}.internal.svc", DestPort: 443},
		},
	}
	result := table.Match("foo.example.com")
	if result.Route.DestHost != "foo.internal.svc" {
		t.Fatalf("expected backreference substitution, got %q", result.Route.DestHost)
	}
}

func TestMatchWildcardRequiresAtLeastOneLabel(t *testing.T) {
	table := Table{Routes: []Route{exactRoute("*.example.com", "upstream.internal")}}
	result := table.Match("example.com")
	// "example.com" has nothing before ".example.com", so the wildcard must
	// not match it; falls through to the synthetic Hangup default.
	if result.Route.Action != Hangup {
		t.Fatalf("expected no match to fall through to Hangup, got %+v", result.Route)
	}
}

func TestMatchFallsBackToDefault(t *testing.T) {
	def := Route{Action: Hangup}
	table := Table{
		Routes: []Route{exactRoute("foo.example.com", "upstream.internal")},
		Slots:  SlotRoutes{Default: &def},
	}
	result := table.Match("unmatched.example.com")
	if result.Route.Action != Hangup {
		t.Fatalf("expected default route, got %+v", result.Route)
	}
}

func TestMatchDefaultInheritsFromGlobal(t *testing.T) {
	globalDefault := Route{Action: SendText, SendText: "no such host\n"}
	table := Table{Global: SlotRoutes{Default: &globalDefault}}
	result := table.Match("unmatched.example.com")
	if result.Route.Action != SendText || result.Route.SendText != "no such host\n" {
		t.Fatalf("expected global default route to be inherited, got %+v", result.Route)
	}
}

func TestNoSNIPrefersListenerOverGlobal(t *testing.T) {
	listenerRoute := Route{Action: Hangup}
	globalRoute := Route{Action: SendText, SendText: "global\n"}
	table := Table{
		Slots:  SlotRoutes{NoSNI: &listenerRoute},
		Global: SlotRoutes{NoSNI: &globalRoute},
	}
	result := table.NoSNI()
	if result.Route.Action != Hangup {
		t.Fatalf("expected listener's NoSNI route to win, got %+v", result.Route)
	}
}

func TestSlotRoutesDefaultToHangupWhenUnset(t *testing.T) {
	var table Table
	if got := table.NoSNI().Route.Action; got != Hangup {
		t.Errorf("NoSNI: expected synthetic Hangup, got %v", got)
	}
	if got := table.TLSError().Route.Action; got != Hangup {
		t.Errorf("TLSError: expected synthetic Hangup, got %v", got)
	}
	if got := table.HTTPFallback().Route.Action; got != Hangup {
		t.Errorf("HTTPFallback: expected synthetic Hangup, got %v", got)
	}
}

func TestProxyConnectFailureDegradesFromProxy(t *testing.T) {
	misconfigured := Route{Action: Proxy, DestHost: "somewhere.internal", DestPort: 443}
	table := Table{Global: SlotRoutes{ProxyConnectFailure: &misconfigured}}
	result := table.ProxyConnectFailure()
	if result.Route.Action != Hangup {
		t.Fatalf("expected a Proxy action on this slot to degrade to Hangup, got %+v", result.Route)
	}
}

func TestMatchNonWildcardBackreferenceUsesFullSNI(t *testing.T) {
	table := Table{
		Routes: []Route{
			{Action: Proxy, SNIPattern: "foo.example.com", DestHost: `\1.internal.svc`, DestPort: 443},
		},
	}
	result := table.Match("foo.example.com")
	if result.Route.DestHost != "foo.example.com.internal.svc" {
		t.Fatalf("expected full SNI substitution, got %q", result.Route.DestHost)
	}
}
