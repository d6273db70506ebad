package client

import (
	"context"
	"net"
	"time"

	"github.com/maypok86/otter/v2"

	"iptv-relay/internal/metrics"
)

// dnsCacheSize bounds the number of distinct upstream hosts kept.
const dnsCacheSize = 4096

// minDialAttempt is the shortest slice of the connect deadline given to a
// single address while others remain.
const minDialAttempt = 2 * time.Second

// dnsCache keeps resolved upstream addresses for a fixed TTL. A live HLS
// session hits the same origin every few seconds, so lookups dominate
// otherwise.
type dnsCache struct {
	cache    *otter.Cache[string, []string]
	resolver *net.Resolver
	metrics  *metrics.Metrics
}

func newDNSCache(ttl time.Duration, m *metrics.Metrics) *dnsCache {
	return &dnsCache{
		cache: otter.Must(&otter.Options[string, []string]{
			MaximumSize:      dnsCacheSize,
			ExpiryCalculator: otter.ExpiryWriting[string, []string](ttl),
		}),
		resolver: net.DefaultResolver,
		metrics:  m,
	}
}

func (d *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := d.cache.GetIfPresent(host); ok {
		d.count("hit")
		return addrs, nil
	}

	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		d.count("error")
		return nil, err
	}
	d.count("miss")
	d.cache.Set(host, addrs)
	return addrs, nil
}

func (d *dnsCache) count(result string) {
	if d.metrics != nil {
		d.metrics.DNSLookups.WithLabelValues(result).Inc()
	}
}

// dialContext resolves through the cache and tries each address in order.
// The connect deadline covers all attempts and is split across the
// remaining addresses, so blackholed records cannot stack full timeouts.
func (d *dnsCache) dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, addr)
		}

		addrs, err := d.lookup(ctx, host)
		if err != nil {
			return nil, err
		}

		deadline := dialDeadline(ctx, dialer.Timeout)
		var firstErr error
		for i, a := range addrs {
			attemptCtx, cancel := ctx, context.CancelFunc(func() {})
			if !deadline.IsZero() {
				attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout(time.Until(deadline), len(addrs)-i))
			}
			conn, err := dialer.DialContext(attemptCtx, network, net.JoinHostPort(a, port))
			cancel()
			if err == nil {
				return conn, nil
			}
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil || (!deadline.IsZero() && !time.Now().Before(deadline)) {
				break
			}
		}
		if firstErr == nil {
			firstErr = &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
		return nil, firstErr
	}
}

// dialDeadline returns the earlier of the context deadline and now+timeout,
// or the zero time when neither is set.
func dialDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

// attemptTimeout gives one address an equal share of what is left, but no
// less than minDialAttempt unless less than that remains.
func attemptTimeout(remaining time.Duration, addrsLeft int) time.Duration {
	if addrsLeft < 1 {
		addrsLeft = 1
	}
	t := remaining / time.Duration(addrsLeft)
	if t < minDialAttempt {
		t = min(remaining, minDialAttempt)
	}
	return t
}
