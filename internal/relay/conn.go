// Package relay serves inbound HTTP/1.x connections and relays each request
// to the upstream through the relay service.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"zotero-wsl-proxy/internal/client"
	"zotero-wsl-proxy/internal/config"
	"zotero-wsl-proxy/internal/metrics"
	"zotero-wsl-proxy/internal/model"
	"zotero-wsl-proxy/internal/service"
	"zotero-wsl-proxy/internal/wire"
)

const (
	// drainLimit bounds how much unread request body is discarded to keep a
	// connection reusable.
	drainLimit = 256 << 10
	// maxSkipBytes bounds how much of an over-long request line is discarded.
	maxSkipBytes = 1 << 20
)

// Handler runs the per-request relay state machine on inbound connections.
type Handler struct {
	service     *service.RelayService
	logger      *slog.Logger
	metrics     *metrics.Metrics
	logRequests bool
	idleTimeout time.Duration
}

// NewHandler creates a Handler. Request logging is taken from
// cfg.Relay.LogRequests: when set, every relayed request is logged at Info,
// otherwise at Debug. The metrics parameter may be nil.
func NewHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		service:     svc,
		logger:      logger.With("component", "relay"),
		metrics:     m,
		logRequests: cfg.Relay.LogRequests,
		idleTimeout: time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}
}

// ServeConn serves requests on rwc one at a time until the peer goes away,
// a connection-fatal error occurs, or ctx is done. It closes rwc.
func (h *Handler) ServeConn(ctx context.Context, rwc net.Conn) {
	cr := newConnReader(rwc, h.idleTimeout)
	c := &conn{
		h:   h,
		rwc: rwc,
		cr:  cr,
		br:  bufio.NewReader(cr),
		bw:  bufio.NewWriter(rwc),
		logger: h.logger.With(
			"conn_id", uuid.NewString(),
			"remote", rwc.RemoteAddr().String(),
		),
	}

	defer func() {
		if v := recover(); v != nil {
			c.logger.Error("panic serving connection",
				"panic", v,
				"stack", string(debug.Stack()),
			)
		}
		c.cr.stopWatch()
		_ = rwc.Close()
		c.logger.Debug("connection closed")
	}()

	c.logger.Debug("connection opened")
	for ctx.Err() == nil && c.serveRequest(ctx) {
	}
}

// state is one step of the relay state machine.
type state int

const (
	stateReadRequestLine state = iota
	stateReadHeaders
	stateStreamBody
	stateForward
	stateWriteResponse
	stateDone
	stateError
)

func (s state) String() string {
	switch s {
	case stateReadRequestLine:
		return "read_request_line"
	case stateReadHeaders:
		return "read_headers"
	case stateStreamBody:
		return "stream_body"
	case stateForward:
		return "forward"
	case stateWriteResponse:
		return "write_response"
	case stateDone:
		return "done"
	case stateError:
		return "error"
	}
	return "unknown"
}

type conn struct {
	h      *Handler
	rwc    net.Conn
	cr     *connReader
	br     *bufio.Reader
	bw     *bufio.Writer
	logger *slog.Logger
}

// transaction carries one request through the state machine.
type transaction struct {
	start  time.Time
	req    *model.Request
	body   *countingReader
	resp   *model.Response
	cancel context.CancelCauseFunc

	status   int // status sent to the client; 0 when nothing was sent
	written  int64
	closing  bool
	settled  bool
	peerGone bool
}

// serveRequest runs one request through the state machine and reports
// whether the connection may carry another request.
func (c *conn) serveRequest(ctx context.Context) bool {
	t := &transaction{start: time.Now()}
	st := stateReadRequestLine
	for {
		switch st {
		case stateReadRequestLine:
			st = c.readRequestLine(t)
		case stateReadHeaders:
			st = c.readHeaders(t)
		case stateStreamBody:
			st = c.streamBody(t)
		case stateForward:
			st = c.forward(ctx, t)
		case stateWriteResponse:
			st = c.writeResponse(t)
		case stateError:
			c.writeError(t)
			return c.finish(t)
		case stateDone:
			return c.finish(t)
		default:
			panic("relay: unknown state " + st.String())
		}
	}
}

func (c *conn) readRequestLine(t *transaction) state {
	for {
		line, err := wire.ReadLine(c.br, wire.MaxLineBytes)
		if err != nil {
			t.closing = true
			switch {
			case errors.Is(err, wire.ErrLineTooLong):
				t.status = http.StatusRequestURITooLong
				t.closing = !c.skipRequest(bytes.HasSuffix(line, []byte("\n")))
			case errors.Is(err, io.EOF):
				// Peer closed before sending a request.
			case isTimeout(err):
				c.logger.Info("inbound read timed out", "err", err)
			default:
				c.logger.Debug("read request line", "err", err)
			}
			return stateError
		}
		// Stray line terminators between requests are ignored.
		if wire.IsBlank(line) {
			continue
		}

		t.start = time.Now()
		rl, err := wire.ParseRequestLine(line)
		if err != nil {
			t.closing = true
			t.status = http.StatusBadRequest
			if errors.Is(err, wire.ErrUnsupportedVersion) {
				t.status = http.StatusHTTPVersionNotSupported
			}
			c.logger.Debug("bad request line", "err", err)
			return stateError
		}
		t.req = &model.Request{Method: rl.Method, Target: rl.Target, Proto: rl.Proto}
		return stateReadHeaders
	}
}

// skipRequest discards the remainder of an over-long request line and its
// header block. It reports whether the connection is positioned at the start
// of the next request afterwards.
func (c *conn) skipRequest(lineDone bool) bool {
	if !lineDone {
		if err := wire.DiscardLine(c.br, maxSkipBytes); err != nil {
			return false
		}
	}
	h, err := wire.ReadHeader(c.br)
	if err != nil {
		return false
	}
	framing, _, err := wire.RequestFraming(h)
	if err != nil || framing != model.FramingNone {
		return false
	}
	return !wire.HasToken(h, "Connection", "close")
}

func (c *conn) readHeaders(t *transaction) state {
	h, err := wire.ReadHeader(c.br)
	if err != nil {
		t.closing = true
		switch {
		case errors.Is(err, wire.ErrTooManyHeaders), errors.Is(err, wire.ErrLineTooLong):
			t.status = http.StatusRequestHeaderFieldsTooLarge
			c.logger.Debug("request header too large", "err", err)
		case errors.Is(err, wire.ErrMalformed):
			t.status = http.StatusBadRequest
			c.logger.Debug("bad request header", "err", err)
		case isTimeout(err):
			c.logger.Info("inbound read timed out", "err", err)
		default:
			c.logger.Debug("read request header", "err", err)
		}
		return stateError
	}
	t.req.Header = h
	if !wire.KeepAlive(t.req.Proto, h) {
		t.closing = true
	}
	return stateStreamBody
}

func (c *conn) streamBody(t *transaction) state {
	framing, n, err := wire.RequestFraming(t.req.Header)
	if err != nil {
		c.logger.Debug("bad request framing", "err", err)
		t.status = http.StatusBadRequest
		t.closing = true
		return stateError
	}
	if framing == model.FramingNone {
		return stateForward
	}

	t.body = &countingReader{r: wire.BodyReader(c.br, framing, n)}
	t.req.Body = t.body
	t.req.Framing = framing
	t.req.ContentLength = n

	if t.req.Proto != "HTTP/1.0" && wire.HasToken(t.req.Header, "Expect", "100-continue") {
		if err := wire.WriteContinue(c.bw); err != nil {
			c.logger.Debug("write 100 continue", "err", err)
			t.closing = true
			return stateError
		}
	}
	return stateForward
}

func (c *conn) forward(ctx context.Context, t *transaction) state {
	ctx, cancel := context.WithCancelCause(ctx)
	t.cancel = cancel

	// Once the request is fully read and nothing is pipelined, the socket is
	// idle until the response is written, so a read there means a hang-up.
	watch := func() {
		if c.br.Buffered() == 0 {
			c.cr.startWatch(cancel)
		}
	}
	if t.body == nil {
		watch()
	} else {
		t.body.onEOF = watch
	}

	out := c.h.service.Forward(ctx, t.req)
	if out.Kind == model.Forwarded {
		t.resp = out.Response
		return stateWriteResponse
	}

	t.closing = t.closing || ctx.Err() != nil
	switch {
	case errors.Is(context.Cause(ctx), errPeerGone):
		t.peerGone = true
		t.closing = true
		c.logger.Debug("client disconnected during upstream exchange", "err", out.Err)
		return stateError
	case errors.Is(out.Err, client.ErrRequestBody):
		t.closing = true
		if errors.Is(out.Err, wire.ErrMalformed) {
			t.status = http.StatusBadRequest
		}
		c.logger.Info("reading request body failed", "err", out.Err, "target", t.req.Target)
		return stateError
	}

	c.diagnose(ctx, t, out)
	t.status = http.StatusServiceUnavailable
	return stateError
}

// diagnose probes the upstream health-check path to pick the log message for
// a failed exchange. The client-visible outcome is the same either way.
func (c *conn) diagnose(ctx context.Context, t *transaction, out model.RelayOutcome) {
	msg := "unknown proxy error"
	if !c.h.service.UpstreamAlive(context.WithoutCancel(ctx)) {
		msg = "upstream service is not running"
	}
	c.logger.Error(msg,
		"err", out.Err,
		"outcome", out.Kind.String(),
		"method", t.req.Method,
		"target", t.req.Target,
	)
}

func (c *conn) writeResponse(t *transaction) state {
	resp := t.resp
	defer func() { _ = resp.Body.Close() }()

	t.status = resp.StatusCode
	// Clients always get an HTTP/1.1 status line; the upstream's version only
	// feeds the keep-alive decision below.
	if err := wire.WriteResponseHead(c.bw, resp); err != nil {
		c.logger.Debug("write response head", "err", err)
		t.closing = true
		return stateDone
	}

	n, err := io.Copy(c.bw, resp.Body)
	t.written = n
	if err != nil {
		c.logger.Error("streaming response body",
			"err", err,
			"target", t.req.Target,
		)
		t.closing = true
		return stateDone
	}
	if err := c.bw.Flush(); err != nil {
		c.logger.Debug("flush response", "err", err)
		t.closing = true
		return stateDone
	}

	if resp.Framing == model.FramingClose ||
		resp.StatusCode == http.StatusSwitchingProtocols ||
		!wire.KeepAlive(resp.Proto, resp.Header) {
		t.closing = true
	}
	return stateDone
}

// writeError sends the proxy-generated status for a failed request, if any.
func (c *conn) writeError(t *transaction) {
	c.settle(t)
	if t.status == 0 || t.peerGone {
		return
	}
	err := wire.WriteStatus(c.bw, t.status, t.closing)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		c.logger.Debug("write status", "status", t.status, "err", err)
		t.closing = true
	}
}

// settle ends the exchange: it stops the hang-up watcher, releases the
// upstream context and discards any unread request body.
func (c *conn) settle(t *transaction) {
	if t.settled {
		return
	}
	t.settled = true
	if t.body != nil {
		t.body.onEOF = nil
	}
	c.cr.stopWatch()
	if t.cancel != nil {
		t.cancel(nil)
	}
	if t.body != nil && !t.closing && !drain(t.body) {
		t.closing = true
	}
}

func (c *conn) finish(t *transaction) bool {
	c.settle(t)
	if t.req != nil || t.status != 0 {
		c.record(t)
	}
	return !t.closing
}

// record writes the request log line and relay metrics.
func (c *conn) record(t *transaction) {
	req := t.req
	if req == nil {
		// Rejected before the request line could be parsed.
		req = &model.Request{}
	}
	duration := time.Since(t.start)
	var in int64
	if t.body != nil {
		in = t.body.n
	}

	level := slog.LevelDebug
	if c.h.logRequests {
		level = slog.LevelInfo
	}
	c.logger.Log(context.Background(), level, "request",
		"method", req.Method,
		"target", req.Target,
		"proto", req.Proto,
		"status", t.status,
		"duration_ms", duration.Milliseconds(),
		"bytes_in", humanize.Bytes(uint64(in)),
		"bytes_out", humanize.Bytes(uint64(t.written)),
	)

	if c.h.metrics == nil {
		return
	}
	method := metrics.NormalizeMethod(req.Method)
	if t.status != 0 {
		c.h.metrics.RelayRequests.WithLabelValues(method, strconv.Itoa(t.status)).Inc()
	}
	c.h.metrics.RelayDuration.WithLabelValues(method).Observe(duration.Seconds())
	c.h.metrics.RelayBytes.WithLabelValues("in").Add(float64(in))
	c.h.metrics.RelayBytes.WithLabelValues("out").Add(float64(t.written))
}

// drain discards what is left of a request body and reports whether it was
// fully consumed within drainLimit.
func drain(r io.Reader) bool {
	_, err := io.CopyN(io.Discard, r, drainLimit+1)
	return errors.Is(err, io.EOF)
}

// countingReader counts request body bytes. onEOF, if set, runs once when
// the body has been read to the end.
type countingReader struct {
	r     io.Reader
	n     int64
	onEOF func()
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	if errors.Is(err, io.EOF) && r.onEOF != nil {
		f := r.onEOF
		r.onEOF = nil
		f()
	}
	return n, err
}
