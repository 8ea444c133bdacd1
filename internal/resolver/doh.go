// Package resolver implements a minimal DNS-over-HTTPS client used to
// resolve proxy targets without going through the (potentially
// poisoned) system resolver, plus the TTL-aware cache that sits in
// front of it.
package resolver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/miekg/dns"
)

// DefaultEndpoint is the DoH resolver used when none is configured.
const DefaultEndpoint = "https://1.1.1.1/dns-query"

// dohContentType is mandated by RFC 8484 for the wire-format message
// body.
const dohContentType = "application/dns-message"

// ErrResolveFailed marks any failure (transport, HTTP status, message
// parsing, or an empty answer) encountered while resolving a hostname.
// Every error Resolve returns wraps it (test with errors.Is); the
// underlying causes appear only in the error's message text.
var ErrResolveFailed = errors.New("resolver: resolve failed")

// Resolver is a DNS-over-HTTPS client bound to a single resolver
// endpoint, reached over TLS using the endpoint's literal IP address
// so that the resolver lookup itself does not depend on (and cannot be
// poisoned by) the system's ordinary DNS path.
type Resolver struct {
	endpointURL string
	sni         string
	client      *http.Client
	cache       *Cache
	timeout     time.Duration
}

// Options configures New.
type Options struct {
	// Endpoint is the DoH URL, e.g. "https://1.1.1.1/dns-query".
	Endpoint string
	// ResolverIP is the literal IP address to dial for Endpoint's
	// host, bypassing any recursive DNS bootstrap.
	ResolverIP string
	// Timeout bounds the total time a single Resolve call may take.
	Timeout time.Duration
	// CacheTTLCeiling caps how long a resolved answer is trusted for.
	CacheTTLCeiling time.Duration
}

// New creates a Resolver. If opts.Endpoint is empty, DefaultEndpoint is
// used. If opts.ResolverIP is empty, it is derived from the endpoint's
// own host when that host is already a literal IP address (true of
// DefaultEndpoint); an endpoint with a DNS-name host has no safe
// literal to derive (resolving it would reintroduce the poisoned
// lookup this resolver exists to avoid), so ResolverIP must be set
// explicitly in that case.
func New(opts Options) (*Resolver, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	resolverIP := opts.ResolverIP
	if resolverIP == "" {
		resolverIP = literalHostOf(endpoint)
	}
	if resolverIP == "" {
		return nil, fmt.Errorf("resolver: endpoint %q has no literal IP host; set ResolverIP explicitly", endpoint)
	}
	if net.ParseIP(resolverIP) == nil {
		return nil, fmt.Errorf("resolver: invalid resolver IP %q", resolverIP)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	sni := "cloudflare-dns.com"
	if u, err := url.Parse(endpoint); err == nil && u.Hostname() != "" {
		sni = u.Hostname()
	}

	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			raw, err := dialer.DialContext(ctx, network, net.JoinHostPort(resolverIP, "443"))
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(raw, &tls.Config{ServerName: sni, MinVersion: tls.VersionTLS12})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, err
			}
			return tlsConn, nil
		},
	}

	return &Resolver{
		endpointURL: endpoint,
		sni:         sni,
		client:      &http.Client{Transport: transport, Timeout: timeout},
		cache:       NewCache(opts.CacheTTLCeiling),
		timeout:     timeout,
	}, nil
}

// literalHostOf returns endpoint's host when it is already a literal
// IP address, or "" when it is a DNS name (or endpoint fails to parse).
func literalHostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}

// NewWithTransport builds a Resolver around an arbitrary
// http.RoundTripper, bypassing the literal-IP TLS dialer New uses.
// Production code always goes through New; tests substitute a fake
// transport to exercise the DoH request/response handling, call
// counting, and caching behavior without a real network call.
func NewWithTransport(endpoint string, transport http.RoundTripper, ceiling, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{
		endpointURL: endpoint,
		client:      &http.Client{Transport: transport, Timeout: timeout},
		cache:       NewCache(ceiling),
		timeout:     timeout,
	}
}

// Resolve returns the set of A and AAAA addresses for hostname,
// serving from cache when possible and de-duplicating concurrent
// lookups for the same hostname via the cache's single-flight group.
func (r *Resolver) Resolve(ctx context.Context, hostname string) ([]net.IP, error) {
	return r.cache.GetOrResolve(hostname, func() ([]net.IP, time.Duration, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		aIPs, aTTL, aErr := r.query(ctx, hostname, dns.TypeA)
		aaaaIPs, aaaaTTL, aaaaErr := r.query(ctx, hostname, dns.TypeAAAA)

		if aErr != nil && aaaaErr != nil {
			return nil, 0, fmt.Errorf("%w: %s: %v / %v", ErrResolveFailed, hostname, aErr, aaaaErr)
		}

		ips := append(aIPs, aaaaIPs...)
		if len(ips) == 0 {
			return nil, 0, fmt.Errorf("%w: %s: empty answer", ErrResolveFailed, hostname)
		}

		ttl := aTTL
		if aErr != nil || (aaaaErr == nil && aaaaTTL < ttl) {
			ttl = aaaaTTL
		}
		return ips, ttl, nil
	})
}

// query performs a single DoH exchange for one record type and
// extracts the resulting addresses and minimum TTL.
func (r *Resolver) query(ctx context.Context, hostname string, qtype uint16) ([]net.IP, time.Duration, error) {
	msg := new(dns.Msg)
	msg.Id = 0
	msg.RecursionDesired = true
	msg.SetQuestion(dns.Fqdn(hostname), qtype)

	wire, err := msg.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("pack query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpointURL, bytes.NewReader(wire))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", dohContentType)
	req.Header.Set("Accept", dohContentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("https exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(body); err != nil {
		return nil, 0, fmt.Errorf("unpack answer: %w", err)
	}

	var ips []net.IP
	minTTL := uint32(0)
	for _, rr := range answer.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		ips = append(ips, ip)
		if minTTL == 0 || rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
		}
	}

	if len(ips) == 0 {
		return nil, 0, errors.New("no matching records in answer")
	}
	return ips, time.Duration(minTTL) * time.Second, nil
}
