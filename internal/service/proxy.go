// Package service implements the relay forwarding rules.
package service

import (
	"context"
	"errors"
	"log/slog"

	"zotero-wsl-proxy/internal/client"
	"zotero-wsl-proxy/internal/model"
)

// RelayService forwards sanitized requests to the upstream and classifies
// the result.
type RelayService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, logger *slog.Logger) *RelayService {
	return &RelayService{
		client: c,
		logger: logger.With("component", "relay_service"),
	}
}

// Forward sends req upstream with its Host entries removed. Exactly one
// upstream attempt is made. On success the caller owns the response body.
func (s *RelayService) Forward(ctx context.Context, req *model.Request) model.RelayOutcome {
	out := *req
	out.Header = SanitizeHeader(req.Header)

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"target", out.Target,
	)

	resp, err := s.client.Do(ctx, &out)
	if err != nil {
		return model.RelayOutcome{Kind: Classify(err), Err: err}
	}
	return model.RelayOutcome{Kind: model.Forwarded, Response: resp}
}

// UpstreamAlive probes the upstream health-check path.
func (s *RelayService) UpstreamAlive(ctx context.Context) bool {
	return s.client.Ping(ctx)
}

// UpstreamAddr returns the upstream host:port.
func (s *RelayService) UpstreamAddr() string {
	return s.client.Addr()
}

// SanitizeHeader returns h without any Host entry. The upstream rejects a
// Host that names the relay's address instead of its own. Every other entry,
// hop-by-hop fields included, is kept in order.
func SanitizeHeader(h model.Header) model.Header {
	return h.Without("Host")
}

// Classify maps an upstream client error to a relay outcome kind.
func Classify(err error) model.OutcomeKind {
	if errors.Is(err, client.ErrProtocol) {
		return model.UpstreamError
	}
	return model.UpstreamUnavailable
}
