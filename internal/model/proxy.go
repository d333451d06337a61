// Package model defines shared types for the relay.
package model

import (
	"io"
	"strings"
)

// HeaderField is a single header line as received on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered header multimap. Names keep their received spelling,
// duplicates stay as separate entries, and lookups are case-insensitive.
type Header []HeaderField

// Get returns the first value for name, or "" when absent.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in received order.
func (h Header) Values(name string) []string {
	var vals []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Has reports whether at least one entry for name exists.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Without returns a copy of h with every entry named name removed.
func (h Header) Without(name string) Header {
	out := make(Header, 0, len(h))
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

// BodyFraming describes how a message body is delimited on the wire.
type BodyFraming int

const (
	// FramingNone means the message carries no body.
	FramingNone BodyFraming = iota
	// FramingLength means the body is exactly Content-Length bytes.
	FramingLength
	// FramingChunked means the body uses chunked transfer coding.
	FramingChunked
	// FramingClose means the body runs until the sender closes the connection.
	FramingClose
)

// Request is one inbound request to be relayed upstream.
type Request struct {
	Method string // opaque token, never branched on
	Target string // path and query exactly as received
	Proto  string
	Header Header

	// Body yields the raw body bytes exactly as framed on the wire.
	// Nil when Framing is FramingNone.
	Body          io.Reader
	Framing       BodyFraming
	ContentLength int64
}

// Response is the upstream response streamed back to the client.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     Header

	// Body yields the raw body bytes exactly as framed by the upstream.
	// Closing it releases the upstream connection.
	Body          io.ReadCloser
	Framing       BodyFraming
	ContentLength int64
}

// OutcomeKind classifies the result of a single relay attempt.
type OutcomeKind int

const (
	// Forwarded means the upstream produced a response.
	Forwarded OutcomeKind = iota
	// UpstreamUnavailable means the upstream refused, reset or timed out.
	UpstreamUnavailable
	// UpstreamError means the exchange failed at the protocol level.
	UpstreamError
)

func (k OutcomeKind) String() string {
	switch k {
	case Forwarded:
		return "forwarded"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case UpstreamError:
		return "upstream_error"
	}
	return "unknown"
}

// RelayOutcome is the result of forwarding one request.
// Response is set only for Forwarded; Err only for the failure kinds.
type RelayOutcome struct {
	Kind     OutcomeKind
	Response *Response
	Err      error
}
