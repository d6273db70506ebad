// Package service implements the relay pipeline: validate, fetch, classify,
// rewrite and the response header policy.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"iptv-relay/internal/classify"
	"iptv-relay/internal/client"
	"iptv-relay/internal/config"
	"iptv-relay/internal/hls"
	"iptv-relay/internal/metrics"
	"iptv-relay/internal/model"
	"iptv-relay/internal/redact"
	"iptv-relay/internal/resolve"
)

// ErrUpstreamBody is returned when a manifest body cannot be read from the upstream.
var ErrUpstreamBody = errors.New("upstream body read failed")

// forwardableResponseHeaders are the upstream headers relayed to the client.
// Content-Length is handled separately.
var forwardableResponseHeaders = []string{
	"Content-Type",
	"Content-Range",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
}

const exposedHeaders = "Content-Length, Content-Range, Accept-Ranges"

// Fetcher retrieves an upstream resource.
type Fetcher interface {
	Fetch(ctx context.Context, rr *model.RelayRequest) (*model.UpstreamResponse, error)
}

// RelayService turns a client relay request into a response ready to be
// written back.
type RelayService struct {
	fetcher     Fetcher
	rewriter    hls.Rewriter
	maxManifest int64
	logger      *slog.Logger
	metrics     *metrics.Metrics
	active      atomic.Int64
}

// NewRelayService creates a RelayService backed by the shared upstream client.
// The metrics parameter is optional.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return newRelayService(c, cfg, logger, m)
}

func newRelayService(f Fetcher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		fetcher: f,
		rewriter: hls.Rewriter{
			RelayPath:         cfg.Relay.Path,
			RewriteAttributes: cfg.Relay.RewritesAttributes(),
		},
		maxManifest: cfg.Relay.MaxManifestBytes,
		logger:      logger.With("component", "relay_service"),
		metrics:     m,
	}
}

// Relay validates rawTarget, fetches it with the optional Range header and
// classifies the result. Manifests come back rewritten and fully buffered;
// everything else comes back as a streaming body. The caller must close the
// returned body. Cancelling ctx aborts the upstream request.
func (s *RelayService) Relay(ctx context.Context, rawTarget, rangeHeader string) (*model.RelayResponse, error) {
	target, err := resolve.Target(rawTarget)
	if err != nil {
		return nil, err
	}

	up, err := s.fetcher.Fetch(ctx, &model.RelayRequest{Target: target, Range: rangeHeader})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redact.String(target.String()), err)
	}

	res, err := classify.Classify(up.StatusCode, up.Header, up.FinalURL, up.Body, s.maxManifest)
	if err != nil {
		_ = up.Body.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("classify: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamBody, err)
	}

	var resp *model.RelayResponse
	if res.Kind == model.Manifest {
		_ = up.Body.Close()
		resp = s.manifestResponse(up, res.Manifest)
	} else {
		resp = s.binaryResponse(up, res)
	}

	if s.metrics != nil {
		s.metrics.RelayResponses.WithLabelValues(resp.Kind.String()).Inc()
	}

	s.logger.Debug("relaying",
		"target", redact.String(target.String()),
		"final", redact.String(up.FinalURL.String()),
		"redirects", up.Redirects,
		"status", up.StatusCode,
		"kind", resp.Kind.String(),
		"mislabeled", res.Mislabeled,
	)
	return resp, nil
}

func (s *RelayService) manifestResponse(up *model.UpstreamResponse, manifest []byte) *model.RelayResponse {
	out := s.rewriter.Rewrite(manifest, up.FinalURL)
	playlistType := hls.Inspect(manifest)
	if s.metrics != nil {
		s.metrics.Manifests.WithLabelValues(playlistType).Inc()
	}

	header := filterResponseHeaders(up.Header)
	header.Set("Content-Type", hls.ContentType)
	header.Set("Content-Length", strconv.Itoa(len(out)))
	// Validators describe the upstream bytes, not the rewritten ones.
	header.Del("ETag")
	header.Del("Content-Range")
	header.Del("Accept-Ranges")

	return &model.RelayResponse{
		Kind:         model.Manifest,
		StatusCode:   up.StatusCode,
		Header:       header,
		Body:         io.NopCloser(bytes.NewReader(out)),
		PlaylistType: playlistType,
	}
}

func (s *RelayService) binaryResponse(up *model.UpstreamResponse, res classify.Result) *model.RelayResponse {
	header := filterResponseHeaders(up.Header)

	switch {
	case res.Size >= 0:
		header.Set("Content-Length", strconv.FormatInt(res.Size, 10))
	case !up.Decoded:
		if cl := up.Header.Get("Content-Length"); cl != "" {
			header.Set("Content-Length", cl)
		}
	}
	if res.Mislabeled {
		header.Set("Content-Type", res.ContentType)
	}

	return &model.RelayResponse{
		Kind:       model.Binary,
		StatusCode: up.StatusCode,
		Header:     header,
		Body:       readCloser{Reader: res.Body, Closer: up.Body},
	}
}

// filterResponseHeaders copies the forwardable upstream headers and adds
// the headers every relayed response carries.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableResponseHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("Cache-Control", "no-cache, no-store")
	dst.Set("Access-Control-Allow-Origin", "*")
	dst.Set("Access-Control-Expose-Headers", exposedHeaders)
	return dst
}

// Track marks one response body as being streamed to a client. The
// returned function must be called when streaming ends.
func (s *RelayService) Track() (release func()) {
	s.active.Add(1)
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
	}
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		s.active.Add(-1)
		if s.metrics != nil {
			s.metrics.ActiveStreams.Dec()
		}
	}
}

// ActiveStreams returns the number of bodies currently being streamed.
func (s *RelayService) ActiveStreams() int64 {
	return s.active.Load()
}

// RelayPath returns the configured relay endpoint path.
func (s *RelayService) RelayPath() string {
	return s.rewriter.RelayPath
}

type readCloser struct {
	io.Reader
	io.Closer
}
