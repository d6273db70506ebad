package client

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// hostPacer spaces out requests to each upstream host. Small IPTV origins
// ban clients that burst segment and playlist requests.
type hostPacer struct {
	rate     int
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// newHostPacer returns nil when pacing is disabled; a nil pacer never waits.
func newHostPacer(rps int) *hostPacer {
	if rps <= 0 {
		return nil
	}
	return &hostPacer{
		rate:     rps,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// wait blocks until host may receive another request.
func (p *hostPacer) wait(host string) {
	if p == nil {
		return
	}
	limiter, _ := p.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(p.rate)
	})
	limiter.Take()
}
