package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"iptv-relay/internal/client"
	"iptv-relay/internal/config"
	"iptv-relay/internal/metrics"
	"iptv-relay/internal/model"
	"iptv-relay/internal/redact"
	"iptv-relay/internal/resolve"
	"iptv-relay/internal/service"
	"iptv-relay/internal/stream"
)

// RelayHandler serves GET <relay path>?url=<upstream>.
type RelayHandler struct {
	service     *service.RelayService
	bufferBytes int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRelayHandler creates a RelayHandler. The metrics parameter is optional.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	return &RelayHandler{
		service:     svc,
		bufferBytes: cfg.Relay.StreamBufferBytes,
		logger:      logger.With("component", "relay_handler"),
		metrics:     m,
	}
}

// Handle relays the upstream named by the url query parameter. Manifests
// are written in one piece; binary bodies are pumped chunk by chunk until
// the upstream ends or the client goes away.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	// Cancelled when the client disconnects or when this handler returns,
	// which tears down the upstream request.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	resp, err := h.service.Relay(ctx, c.QueryParam("url"), req.Header.Get("Range"))
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if resp.Kind == model.Manifest {
		n, err := io.Copy(c.Response(), resp.Body)
		h.countBytes(n)
		if err != nil {
			h.logger.Debug("client disconnected during manifest", "err", err)
		}
		return nil
	}

	release := h.service.Track()
	defer release()

	n, err := stream.Copy(ctx, c.Response(), resp.Body, h.bufferBytes)
	h.countBytes(n)
	if err != nil {
		// Headers are already sent; the client sees a truncated body.
		if errors.Is(err, stream.ErrClientWrite) || errors.Is(err, context.Canceled) {
			h.logger.Debug("client disconnected", "bytes", n)
		} else {
			h.logger.Warn("upstream stream interrupted",
				"err", redact.Error(err),
				"bytes", n,
			)
		}
	}
	return nil
}

func (h *RelayHandler) countBytes(n int64) {
	if h.metrics != nil && n > 0 {
		h.metrics.BytesStreamed.Add(float64(n))
	}
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	// Error bodies describe a transient upstream state.
	c.Response().Header().Set("Cache-Control", "no-cache, no-store")

	if errors.Is(err, resolve.ErrInvalidTarget) {
		h.logger.Debug("rejected relay target", "err", redact.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": redact.Error(err),
		})
	}

	if errors.Is(err, service.ErrUpstreamBody) {
		h.logger.Warn("relay error", "err", redact.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream body read failed",
		})
	}

	reason := client.ErrorReason(err)
	if reason == "canceled" {
		h.logger.Debug("client disconnected before response", "err", redact.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	h.logger.Warn("relay error",
		"err", redact.Error(err),
		"reason", reason,
	)

	switch reason {
	case "timeout":
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	case "redirect":
		msg := "upstream redirect failed"
		switch {
		case errors.Is(err, client.ErrTooManyRedirects):
			msg = "too many upstream redirects"
		case errors.Is(err, client.ErrRedirectLoop):
			msg = "upstream redirect loop"
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": msg,
		})
	case "dns":
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	case "tls":
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream tls handshake failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream connection failed",
	})
}
