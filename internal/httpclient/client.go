// Package httpclient is the outbound HTTP client used by webhook jobs.
// Tenants supply the URLs, so by default requests to loopback, private and
// other special-use addresses are refused, both before the request and at
// dial time (after DNS resolution), and on every redirect.
package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/teranos/jobkeeper/errors"
)

// ErrBlocked is returned when a URL or resolved address is refused.
var ErrBlocked = errors.New("destination blocked")

// Options configures a Client.
type Options struct {
	Timeout      time.Duration // whole request, default 10s
	MaxRedirects int           // default 5
	AllowPrivate bool          // allow loopback/private destinations (tests, trusted networks)
}

// Client wraps http.Client with destination checks.
type Client struct {
	http *http.Client
	opts Options
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}

	c := &Client{opts: opts}
	dialer := &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: 30 * time.Second,
	}
	if !opts.AllowPrivate {
		// Control sees the resolved address, which defeats DNS rebinding
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			addrPort, err := netip.ParseAddrPort(address)
			if err != nil {
				return errors.Wrapf(err, "dial address %q", address)
			}
			if blockedAddr(addrPort.Addr()) {
				return errors.Wrapf(ErrBlocked, "address %s", addrPort.Addr())
			}
			return nil
		}
	}

	c.http = &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
			}
			return errors.Wrap(c.Check(req.URL), "redirect")
		},
	}
	return c
}

// Check validates a destination URL without contacting it.
func (c *Client) Check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Wrapf(ErrBlocked, "scheme %q", u.Scheme)
	}
	if u.User != nil {
		return errors.Wrap(ErrBlocked, "credentials in URL")
	}
	host := u.Hostname()
	if host == "" {
		return errors.NewInvalidRequestError("URL %q has no host", u.Redacted())
	}
	if c.opts.AllowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.Wrapf(ErrBlocked, "host %s", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && blockedAddr(addr) {
		return errors.Wrapf(ErrBlocked, "address %s", addr)
	}
	return nil
}

// Do sends req after checking its destination.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.Check(req.URL); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
	}
	return resp, nil
}

// NewRequest builds a request after parsing and checking rawURL.
func (c *Client) NewRequest(ctx context.Context, method, rawURL string, body string) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid URL %q: %v", rawURL, err)
	}
	if err := c.Check(u); err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", method)
	}
	return req, nil
}

// blockedAddr reports loopback, private, link-local, multicast, unspecified
// and documentation addresses.
func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(), addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(), addr.IsUnspecified():
		return true
	}
	for _, p := range specialPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var specialPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fec0::/10"), // deprecated site-local
	netip.MustParsePrefix("2001:db8::/32"),
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}
