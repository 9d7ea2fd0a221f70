package types

import (
	"fmt"
	"net/url"
)

// Preference field limits.
const (
	MaxProjectIDLength = 255
	MaxChangesRendered = 5
)

// ValidateWebhookURL checks that a URL is well formed and, when requireHTTPS
// is set, uses HTTPS. Address checks happen at dial time.
func ValidateWebhookURL(urlStr string, requireHTTPS bool) error {
	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Host == "" {
		return NewNotifyError(KindInvalidConfig, "malformed webhook URL", err)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if requireHTTPS {
			return NewNotifyError(KindInvalidConfig, fmt.Sprintf("webhook must use HTTPS, got %q", parsed.Scheme), nil)
		}
	default:
		return NewNotifyError(KindInvalidConfig, fmt.Sprintf("unsupported webhook scheme %q", parsed.Scheme), nil)
	}
	return nil
}

// SSRFBlockedCIDRs defines the IP ranges that MUST be blocked for SSRF protection.
var SSRFBlockedCIDRs = []string{
	"127.0.0.0/8",    // Localhost
	"10.0.0.0/8",     // Private Class A
	"172.16.0.0/12",  // Private Class B
	"192.168.0.0/16", // Private Class C
	"169.254.0.0/16", // Link-local (AWS Metadata!)
	"0.0.0.0/8",      // Current network
	"224.0.0.0/4",    // Multicast
	"240.0.0.0/4",    // Reserved
	"100.64.0.0/10",  // Shared Address Space (CGN)
	"198.18.0.0/15",  // Benchmark testing
	"fc00::/7",       // IPv6 private
	"fe80::/10",      // IPv6 link-local
	"::1/128",        // IPv6 localhost
}
