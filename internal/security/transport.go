// Package security guards outbound webhook calls against SSRF.
//
// Subscriber-supplied webhook URLs are resolved and every address is checked
// against types.SSRFBlockedCIDRs before a connection is opened, so a
// preference cannot point the relay at the AWS metadata service, localhost,
// or the VPC.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"chimenotify/internal/types"
)

// dnsTimeout is the maximum time allowed for DNS resolution.
const dnsTimeout = 500 * time.Millisecond

// ErrSSRFBlocked is returned when a request targets a blocked IP range.
var ErrSSRFBlocked = errors.New("ssrf: request to blocked IP range")

// ErrSSRFDNSTimeout is returned when DNS resolution exceeds the timeout.
var ErrSSRFDNSTimeout = errors.New("ssrf: DNS resolution timeout")

// ErrSSRFTooManyRedirects is returned when the redirect limit is exceeded.
var ErrSSRFTooManyRedirects = errors.New("ssrf: too many redirects")

// ErrSSRFDNSFailed is returned when DNS resolution fails entirely.
var ErrSSRFDNSFailed = errors.New("ssrf: DNS resolution failed")

// metadataCIDRs stay blocked even when private networks are allowed.
var metadataCIDRs = []string{
	"169.254.0.0/16",
	"fe80::/10",
}

var (
	blockedNets  []*net.IPNet
	metadataNets []*net.IPNet
	initOnce     sync.Once
	initErr      error
)

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("ssrf: failed to parse CIDR %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// initBlockedNets parses the CIDR lists once on first use.
func initBlockedNets() {
	initOnce.Do(func() {
		blockedNets, initErr = parseCIDRs(types.SSRFBlockedCIDRs)
		if initErr != nil {
			return
		}
		metadataNets, initErr = parseCIDRs(metadataCIDRs)
	})
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, ipNet := range nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Policy decides which resolved addresses a webhook may reach.
type Policy struct {
	// AllowPrivateNetworks permits RFC 1918, loopback and similar ranges.
	// Link-local (cloud metadata) stays blocked regardless.
	AllowPrivateNetworks bool
}

// Blocked reports whether ip may not be dialed under this policy.
func (p Policy) Blocked(ip net.IP) bool {
	if containsIP(metadataNets, ip) {
		return true
	}
	if p.AllowPrivateNetworks {
		return false
	}
	return containsIP(blockedNets, ip)
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// resolveAndCheck returns the first address for host after checking that
// none of its addresses is blocked. Checking all of them defeats DNS
// rebinding with a mixed record set.
func resolveAndCheck(ctx context.Context, r Resolver, p Policy, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if p.Blocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrSSRFBlocked, ip.String())
		}
		return ip, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := r.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrSSRFDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrSSRFDNSFailed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrSSRFDNSFailed, host)
	}

	for _, ipAddr := range ips {
		if p.Blocked(ipAddr.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrSSRFBlocked, ipAddr.IP.String(), host)
		}
	}
	return ips[0].IP, nil
}

// SafeTransport wraps http.Transport and validates every dial target.
type SafeTransport struct {
	Base   *http.Transport
	Policy Policy

	// Resolver is used for DNS lookups. If nil, net.DefaultResolver is used.
	Resolver Resolver
}

// NewSafeTransport creates a SafeTransport wrapping base. If base is nil, a
// default http.Transport is used.
func NewSafeTransport(base *http.Transport, policy Policy) (*SafeTransport, error) {
	initBlockedNets()
	if initErr != nil {
		return nil, fmt.Errorf("ssrf: initialization failed: %w", initErr)
	}

	if base == nil {
		base = &http.Transport{
			Proxy:               nil,
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		}
	}

	st := &SafeTransport{Base: base, Policy: policy}
	base.DialContext = st.safeDialContext
	return st, nil
}

// RoundTrip implements http.RoundTripper.
func (st *SafeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return st.Base.RoundTrip(req)
}

func (st *SafeTransport) safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}

	ip, err := resolveAndCheck(ctx, st.resolver(), st.Policy, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

func (st *SafeTransport) resolver() Resolver {
	if st.Resolver != nil {
		return st.Resolver
	}
	return net.DefaultResolver
}

// CheckRedirect returns an http.Client CheckRedirect function that applies
// the same policy to redirect targets and caps the redirect count.
func CheckRedirect(maxRedirects int, policy Policy, resolver Resolver) func(req *http.Request, via []*http.Request) error {
	initBlockedNets()

	if resolver == nil {
		resolver = net.DefaultResolver
	}

	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrSSRFTooManyRedirects, maxRedirects)
		}

		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrSSRFBlocked)
		}

		if _, err := resolveAndCheck(req.Context(), resolver, policy, host); err != nil {
			return fmt.Errorf("redirect: %w", err)
		}
		return nil
	}
}

// ClientOptions configures NewSafeHTTPClient.
type ClientOptions struct {
	Timeout              time.Duration
	MaxRedirects         int
	AllowPrivateNetworks bool
	Resolver             Resolver
}

// NewSafeHTTPClient creates an http.Client with SafeTransport and
// SSRF-aware redirect checking. This is the client the Chime sender uses
// in production.
func NewSafeHTTPClient(opts ClientOptions) (*http.Client, error) {
	policy := Policy{AllowPrivateNetworks: opts.AllowPrivateNetworks}

	transport, err := NewSafeTransport(nil, policy)
	if err != nil {
		return nil, err
	}
	transport.Resolver = opts.Resolver

	return &http.Client{
		Transport:     transport,
		Timeout:       opts.Timeout,
		CheckRedirect: CheckRedirect(opts.MaxRedirects, policy, opts.Resolver),
	}, nil
}

// IsSSRFError reports whether err was produced by the address guard.
func IsSSRFError(err error) bool {
	return errors.Is(err, ErrSSRFBlocked) ||
		errors.Is(err, ErrSSRFDNSTimeout) ||
		errors.Is(err, ErrSSRFDNSFailed) ||
		errors.Is(err, ErrSSRFTooManyRedirects)
}
