// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/discover"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var _ handler.Handler = (*Registry)(nil)

// ServeLwM2M serves the device management class.
func (r *Registry) ServeLwM2M(ctx context.Context, req *handler.Request) *handler.Response {
	resp := r.serve(ctx, req)
	if resp.Code>>5 != 2 {
		r.logger.Debug("device management request failed",
			slog.String("session", sessionID(req)),
			slog.String("method", req.Method.String()),
			slog.String("uri", req.URI.String()),
			slog.String("code", resp.Code.String()))
	}
	return resp
}

func (r *Registry) serve(ctx context.Context, req *handler.Request) *handler.Response {
	u := req.URI
	switch req.Method {
	case codes.GET:
		if req.HasAccept && req.Accept == data.LinkFormat {
			return r.discover(u)
		}
		return r.read(req)

	case codes.PUT:
		if len(req.Payload) == 0 && !req.HasContentFormat && len(req.Queries) > 0 {
			return r.writeAttributes(req)
		}
		return r.writeRequest(ctx, req, true)

	case codes.POST:
		switch {
		case u.HasResource():
			if err := r.Execute(ctx, u, req.Payload); err != nil {
				return handler.ErrorResponse(err)
			}
			return handler.NewResponse(codes.Changed)
		case u.HasInstance():
			return r.writeRequest(ctx, req, false)
		}
		values, err := r.parse(req)
		if err != nil {
			return handler.ErrorResponse(err)
		}
		iid, err := r.Create(ctx, u, values)
		if err != nil {
			return handler.ErrorResponse(err)
		}
		resp := handler.NewResponse(codes.Created)
		resp.LocationPath = []string{strconv.Itoa(int(u.ObjectID)), strconv.Itoa(int(iid))}
		return resp

	case codes.DELETE:
		if err := r.Delete(ctx, u); err != nil {
			return handler.ErrorResponse(err)
		}
		return handler.NewResponse(codes.Deleted)
	}
	return handler.NewResponse(codes.MethodNotAllowed)
}

func (r *Registry) read(req *handler.Request) *handler.Response {
	values, err := r.Read(req.URI)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	mt := data.TextPlain
	if req.HasAccept {
		mt = req.Accept
	}
	b, mt, err := data.Serialize(req.URI, mt, values)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	resp := handler.Content(codes.Content, mt, b)
	resp.Observe = req.HasObserve && req.Observe == 0
	return resp
}

func (r *Registry) discover(u uri.URI) *handler.Response {
	values, err := r.discoverValues(u)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	b, err := discover.Serialize(u, values, r, discover.Options{})
	if err != nil {
		return handler.ErrorResponse(err)
	}
	return handler.Content(codes.Content, data.LinkFormat, b)
}

func (r *Registry) writeAttributes(req *handler.Request) *handler.Response {
	set, cleared, err := discover.ParseAttributes(req.Queries)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	if err := r.WriteAttributes(sessionID(req), req.URI, set, cleared); err != nil {
		return handler.ErrorResponse(err)
	}
	return handler.NewResponse(codes.Changed)
}

func (r *Registry) writeRequest(ctx context.Context, req *handler.Request, replace bool) *handler.Response {
	values, err := r.parse(req)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	if err := r.Write(ctx, req.URI, values, replace); err != nil {
		return handler.ErrorResponse(err)
	}
	return handler.NewResponse(codes.Changed)
}

func (r *Registry) parse(req *handler.Request) ([]data.Value, error) {
	mt := data.TLV
	switch {
	case req.HasContentFormat:
		mt = req.ContentFormat
	case req.URI.HasResource():
		mt = data.TextPlain
	}
	return data.Parse(req.URI, mt, req.Payload)
}

func sessionID(req *handler.Request) string {
	if req.Context == nil {
		return ""
	}
	return req.Context.SessionID
}
