// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"strings"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Context contains the transport metadata of the session a request arrived on.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// RemoteAddr is the peer's network address
	RemoteAddr string

	// Protocol indicates the transport being used (udp, tcp)
	Protocol string

	// Reliable is set for stream transports, where messages are matched by
	// token and never retransmitted
	Reliable bool
}

// Request is a decoded LWM2M request.
type Request struct {
	Context *Context

	Method  codes.Code
	URI     uri.URI
	Path    []string
	Queries []string
	Token   []byte

	ContentFormat    data.MediaType
	HasContentFormat bool
	Accept           data.MediaType
	HasAccept        bool
	Observe          uint32
	HasObserve       bool

	Payload []byte
}

// Query returns the value of the first name=value query parameter.
func (r *Request) Query(name string) (string, bool) {
	for _, q := range r.Queries {
		if q == name {
			return "", true
		}
		if strings.HasPrefix(q, name+"=") {
			return q[len(name)+1:], true
		}
	}
	return "", false
}

// QueryAll returns the values of every name=value query parameter.
func (r *Request) QueryAll(name string) []string {
	var out []string
	for _, q := range r.Queries {
		if strings.HasPrefix(q, name+"=") {
			out = append(out, q[len(name)+1:])
		}
	}
	return out
}

// Response is what a Handler returns.
type Response struct {
	Code codes.Code

	ContentFormat    data.MediaType
	HasContentFormat bool
	Payload          []byte

	LocationPath []string

	// Observe is set when the handler accepted an observation.
	Observe bool
}

// NewResponse returns a payload-less response.
func NewResponse(code codes.Code) *Response {
	return &Response{Code: code}
}

// Content returns a response carrying a payload of the given format.
func Content(code codes.Code, mt data.MediaType, payload []byte) *Response {
	return &Response{
		Code:             code,
		ContentFormat:    mt,
		HasContentFormat: true,
		Payload:          payload,
	}
}

// ErrorResponse maps err to its CoAP code.
func ErrorResponse(err error) *Response {
	return &Response{Code: errors.Code(err)}
}

// Handler serves one request class. A nil response means the request is
// dropped without an answer.
type Handler interface {
	ServeLwM2M(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// ServeLwM2M calls f.
func (f HandlerFunc) ServeLwM2M(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// NoopHandler is a Handler that accepts every request without acting on it.
// Useful for testing.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) ServeLwM2M(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case codes.GET:
		return NewResponse(codes.Content)
	case codes.DELETE:
		return NewResponse(codes.Deleted)
	default:
		return NewResponse(codes.Changed)
	}
}
