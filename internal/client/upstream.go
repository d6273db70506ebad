// Package client provides the upstream HTTP client used to fetch relayed media.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"iptv-relay/internal/config"
	"iptv-relay/internal/metrics"
	"iptv-relay/internal/model"
	"iptv-relay/internal/redact"
	"iptv-relay/internal/resolve"
)

var (
	// ErrTooManyRedirects is returned when the redirect chain exceeds the hop limit.
	ErrTooManyRedirects = errors.New("too many upstream redirects")
	// ErrRedirectLoop is returned when a redirect points back at a URL already visited.
	ErrRedirectLoop = errors.New("upstream redirect loop")
	// ErrBadRedirect is returned for a Location that cannot be followed.
	ErrBadRedirect = errors.New("invalid upstream redirect")
)

// drainLimit caps how much of a redirect body is read so the connection can be reused.
const drainLimit = 64 * 1024

// UpstreamClient fetches resources from IPTV origins. It is created once and
// shared; the transport pools keep-alive connections per host.
type UpstreamClient struct {
	httpClient   *http.Client
	transport    *http.Transport
	cfg          config.UpstreamConfig
	maxRedirects int
	pacer        *hostPacer
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, lenient
// TLS (unless strict_tls is set) and bounded connect/header timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	up := cfg.Upstream
	timeout := up.Timeout()

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:          up.IdleConnections,
		MaxIdleConnsPerHost:   min(up.IdleConnections, up.MaxConnsPerHost),
		MaxConnsPerHost:       up.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		// Content-Encoding is handled in decodeBody so that Range requests
		// and length headers stay under our control.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !up.StrictTLS, //nolint:gosec // IPTV origins routinely serve self-signed or mismatched certificates
		},
	}

	switch {
	case up.Socks5URL != "":
		socks, err := socksDialer(up.Socks5URL, dialer)
		if err != nil {
			return nil, err
		}
		transport.DialContext = socks.DialContext
	case !up.DisableDNSCache && up.DNSCacheTTLSeconds > 0:
		transport.DialContext = newDNSCache(up.DNSCacheTTL(), m).dialContext(dialer)
	default:
		transport.DialContext = dialer.DialContext
	}

	maxRedirects := up.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are followed in Fetch so the hop limit, loop
			// detection and final URL stay explicit.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			// No overall timeout: live streams run for hours. Connect and
			// header waits are bounded by the transport.
		},
		transport:    transport,
		cfg:          up,
		maxRedirects: maxRedirects,
		pacer:        newHostPacer(up.RequestsPerSecondPerHost),
		logger:       logger.With("component", "upstream_client"),
		metrics:      m,
	}, nil
}

// socksDialer builds a SOCKS5 dialer from a socks5:// URL. Host names are
// resolved by the proxy.
func socksDialer(raw string, forward *net.Dialer) (proxy.ContextDialer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse socks5 url: %w", err)
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	d, err := proxy.SOCKS5("tcp", u.Host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// Fetch requests rr.Target, following redirects internally, and returns the
// final response. The caller is responsible for closing the response body.
// Cancelling ctx (for example when the client disconnects) aborts the
// upstream request and any body read in progress.
func (c *UpstreamClient) Fetch(ctx context.Context, rr *model.RelayRequest) (*model.UpstreamResponse, error) {
	current := rr.Target
	seen := map[string]bool{current.String(): true}

	for hop := 0; ; hop++ {
		resp, err := c.do(ctx, current, rr.Range)
		if err != nil {
			c.countError(ctx, err)
			return nil, fmt.Errorf("upstream request: %w", err)
		}

		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return c.finish(resp, current, hop)
		}
		drainAndClose(resp.Body)

		if hop >= c.maxRedirects {
			c.countReason("redirect")
			return nil, fmt.Errorf("%w: more than %d hops", ErrTooManyRedirects, c.maxRedirects)
		}

		next, err := current.Parse(location)
		if err != nil || !resolve.Fetchable(next.Scheme) || next.Host == "" {
			c.countReason("redirect")
			return nil, fmt.Errorf("%w: %q", ErrBadRedirect, redact.String(location))
		}
		next.Fragment = ""
		next.RawFragment = ""

		if seen[next.String()] {
			c.countReason("redirect")
			return nil, fmt.Errorf("%w: %s", ErrRedirectLoop, redact.String(next.String()))
		}
		seen[next.String()] = true

		if c.metrics != nil {
			c.metrics.UpstreamRedirects.Inc()
		}
		c.logger.Debug("following redirect",
			"status", resp.StatusCode,
			"hop", hop+1,
			"to", redact.String(next.String()),
		)
		current = next
	}
}

// finish decodes the final response body and builds the response descriptor.
func (c *UpstreamClient) finish(resp *http.Response, final *url.URL, hops int) (*model.UpstreamResponse, error) {
	body, decoded, err := decodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		c.countReason("decode")
		return nil, fmt.Errorf("decode upstream body: %w", err)
	}

	header := resp.Header.Clone()
	if decoded {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		FinalURL:   final,
		Redirects:  hops,
		Decoded:    decoded,
	}, nil
}

// do performs a single hop.
func (c *UpstreamClient) do(ctx context.Context, target *url.URL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	c.setHeaders(req, rangeHeader)

	c.pacer.wait(target.Host)

	c.logger.Debug("upstream request",
		"url", redact.String(target.String()),
		"range", rangeHeader,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
		if err == nil {
			c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()
		}
	}
	return resp, err
}

func (c *UpstreamClient) setHeaders(req *http.Request, rangeHeader string) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")

	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	} else {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	if c.cfg.Referer != "" {
		req.Header.Set("Referer", c.cfg.Referer)
	}
	if c.cfg.Origin != "" {
		req.Header.Set("Origin", c.cfg.Origin)
	}
}

// CloseIdleConnections releases pooled upstream connections.
func (c *UpstreamClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

func (c *UpstreamClient) countError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		// Client went away; not an upstream failure.
		return
	}
	c.countReason(ErrorReason(err))
}

func (c *UpstreamClient) countReason(reason string) {
	if c.metrics != nil {
		c.metrics.UpstreamErrors.WithLabelValues(reason).Inc()
	}
}

// ErrorReason returns a bounded label describing why an upstream fetch failed.
func ErrorReason(err error) string {
	var (
		dnsErr  *net.DNSError
		netErr  net.Error
		certErr *tls.CertificateVerificationError
		recErr  tls.RecordHeaderError
	)
	switch {
	case errors.Is(err, ErrTooManyRedirects), errors.Is(err, ErrRedirectLoop), errors.Is(err, ErrBadRedirect):
		return "redirect"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.As(err, &certErr), errors.As(err, &recErr):
		return "tls"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	}
	return "connect"
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, drainLimit)
	_ = body.Close()
}
