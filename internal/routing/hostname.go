package routing

import (
	"fmt"
	"strings"
)

// isLabelChar reports whether r is a valid character inside a DNS label as
// used by hostnames and SNI patterns in this proxy: letters, digits, and
// hyphens. This is adapted from the teacher's cloudflared-tunnel-hostname
// validator, generalized from "derived tunnel hostname" to "any configured
// SNI pattern or dest_hostname".
func isLabelChar(r byte) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		return true
	default:
		return false
	}
}

// ValidateHostname checks basic DNS label constraints for a configured
// hostname (an SNI pattern's literal portion, or a dest_hostname). Unlike
// the ClientHello's wire-format host_name, this also rejects the leading
// "*." of a wildcard pattern — callers validate the suffix separately via
// ValidatePattern.
func ValidateHostname(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("hostname is empty")
	}
	if len(host) > 253 {
		return fmt.Errorf("hostname too long")
	}
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return fmt.Errorf("hostname must not start or end with a dot")
	}
	if !strings.Contains(host, ".") {
		return fmt.Errorf("hostname must contain at least one dot")
	}
	if strings.Contains(host, "..") {
		return fmt.Errorf("hostname has empty label")
	}

	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 {
			return fmt.Errorf("hostname has empty label")
		}
		if len(label) > 63 {
			return fmt.Errorf("label %q too long", label)
		}
		for i := 0; i < len(label); i++ {
			if !isLabelChar(label[i]) {
				return fmt.Errorf("label %q contains invalid characters", label)
			}
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("label %q must not start or end with a hyphen", label)
		}
	}
	return nil
}

// ValidatePattern checks an sni_pattern from configuration: either a plain
// hostname, or a left-wildcard "*.suffix" pattern.
func ValidatePattern(pattern string) error {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return ValidateHostname(suffix)
	}
	return ValidateHostname(pattern)
}
