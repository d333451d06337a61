// Package client provides the single-shot client for the loopback upstream.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"zotero-wsl-proxy/internal/config"
	"zotero-wsl-proxy/internal/metrics"
	"zotero-wsl-proxy/internal/model"
	"zotero-wsl-proxy/internal/wire"
)

var (
	// ErrUnavailable marks failures where the upstream refused, reset or
	// timed out the connection, or went away before answering.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrProtocol marks failures where the upstream answered with something
	// that is not a well-formed HTTP/1.x response.
	ErrProtocol = errors.New("upstream protocol error")
	// ErrRequestBody marks failures reading the request body from the
	// inbound side while sending it upstream.
	ErrRequestBody = errors.New("read request body")
)

// UpstreamClient sends requests to the loopback upstream. Every call uses its
// own connection; nothing is pooled or retried.
type UpstreamClient struct {
	addr     string
	dialer   *net.Dialer
	probe    *http.Client
	probeURL string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient for cfg.Upstream.Addr.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := &net.Dialer{Timeout: time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second}

	return &UpstreamClient{
		addr:   cfg.Upstream.Addr,
		dialer: dialer,
		probe: &http.Client{
			Transport: &http.Transport{
				DialContext:       dialer.DialContext,
				DisableKeepAlives: true,
			},
			Timeout: time.Duration(cfg.Upstream.ProbeTimeoutSeconds) * time.Second,
		},
		probeURL: "http://" + cfg.Upstream.Addr + cfg.Upstream.ProbePath,
		logger:   logger.With("component", "upstream_client"),
		metrics:  m,
	}
}

// Addr returns the upstream host:port.
func (c *UpstreamClient) Addr() string {
	return c.addr
}

// Do writes req to a fresh upstream connection and returns once the response
// status line and header block have been read. The response body streams from
// the same connection; the caller must close it. Cancelling ctx closes the
// connection at any point.
func (c *UpstreamClient) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"target", req.Target,
	)

	start := time.Now()
	resp, err := c.do(ctx, req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(failureLabel(err)).Inc()
		}
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func (c *UpstreamClient) do(ctx context.Context, req *model.Request) (*model.Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnavailable, c.addr, err)
	}
	uc := &upstreamConn{
		Conn: conn,
		stop: context.AfterFunc(ctx, func() { _ = conn.Close() }),
	}

	resp, err := exchange(uc, req)
	if err != nil {
		_ = uc.Close()
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return nil, fmt.Errorf("upstream exchange: %w", ctxErr)
		}
		return nil, err
	}
	return resp, nil
}

// exchange writes the request and reads the final response head. Interim 1xx
// responses other than 101 are discarded.
func exchange(conn *upstreamConn, req *model.Request) (*model.Response, error) {
	bw := bufio.NewWriter(conn)
	if err := wire.WriteRequestHead(bw, req); err != nil {
		return nil, fmt.Errorf("%w: write request head: %w", ErrUnavailable, err)
	}
	if req.Body != nil {
		if _, err := io.Copy(bw, requestBody{req.Body}); err != nil {
			if errors.Is(err, ErrRequestBody) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: write request body: %w", ErrUnavailable, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: write request: %w", ErrUnavailable, err)
	}

	br := bufio.NewReader(conn)
	for {
		resp, err := readResponseHead(br, req.Method)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		resp.Body = &responseBody{
			Reader: wire.BodyReader(br, resp.Framing, resp.ContentLength),
			conn:   conn,
		}
		return resp, nil
	}
}

func readResponseHead(br *bufio.Reader, method string) (*model.Response, error) {
	line, err := wire.ReadLine(br, wire.MaxLineBytes)
	if err != nil {
		if errors.Is(err, wire.ErrLineTooLong) {
			return nil, fmt.Errorf("%w: status line: %w", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: read status line: %w", ErrUnavailable, err)
	}
	sl, err := wire.ParseStatusLine(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	h, err := wire.ReadHeader(br)
	if err != nil {
		if isFramingError(err) {
			return nil, fmt.Errorf("%w: response header: %w", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: read response header: %w", ErrUnavailable, err)
	}
	framing, n, err := wire.ResponseFraming(h, sl.StatusCode, method)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &model.Response{
		Proto:         sl.Proto,
		StatusCode:    sl.StatusCode,
		Reason:        sl.Reason,
		Header:        h,
		Framing:       framing,
		ContentLength: n,
	}, nil
}

func isFramingError(err error) bool {
	return errors.Is(err, wire.ErrMalformed) ||
		errors.Is(err, wire.ErrTooManyHeaders) ||
		errors.Is(err, wire.ErrLineTooLong)
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrRequestBody):
		return "request_body"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}

// upstreamConn detaches the cancellation hook when the connection closes.
type upstreamConn struct {
	net.Conn
	stop func() bool
}

func (c *upstreamConn) Close() error {
	c.stop()
	err := c.Conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type responseBody struct {
	io.Reader
	conn *upstreamConn
}

func (b *responseBody) Close() error {
	return b.conn.Close()
}

type requestBody struct {
	r io.Reader
}

func (b requestBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrRequestBody, err)
	}
	return n, err
}

// Ping reports whether the upstream answers its health-check path with
// 200 OK within the probe timeout.
func (c *UpstreamClient) Ping(ctx context.Context) bool {
	ok := c.ping(ctx)
	if c.metrics != nil {
		c.metrics.UpstreamProbes.WithLabelValues(strconv.FormatBool(ok)).Inc()
	}
	return ok
}

func (c *UpstreamClient) ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, http.NoBody)
	if err != nil {
		c.logger.Debug("build probe request", "err", err)
		return false
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		c.logger.Debug("upstream probe failed", "err", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}
