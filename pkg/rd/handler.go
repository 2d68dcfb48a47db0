// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Handler serves the registration class (/rd) on top of a Store.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

var _ handler.Handler = (*Handler)(nil)

// NewHandler returns a Handler for store.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// ServeLwM2M publishes, queries and deletes directory entries.
func (h *Handler) ServeLwM2M(ctx context.Context, req *handler.Request) *handler.Response {
	resp := h.serve(ctx, req)
	if resp.Code>>5 != 2 {
		h.logger.Debug("registration request failed",
			slog.String("method", req.Method.String()),
			slog.String("uri", req.URI.String()),
			slog.String("code", resp.Code.String()))
	}
	return resp
}

func (h *Handler) serve(ctx context.Context, req *handler.Request) *handler.Response {
	loc := req.URI.Location
	if len(loc) > 1 {
		return handler.NewResponse(codes.NotFound)
	}
	switch req.Method {
	case codes.POST:
		if len(loc) == 1 {
			return h.update(ctx, req, loc[0])
		}
		return h.publish(ctx, req)
	case codes.GET:
		if len(loc) == 1 {
			dev, err := h.store.Get(loc[0])
			if err != nil {
				return handler.ErrorResponse(err)
			}
			return h.groups(req, []Group{{DeviceID: dev.ID, Links: dev.Links}})
		}
		return h.query(ctx, req)
	case codes.DELETE:
		return h.delete(ctx, req)
	}
	return handler.NewResponse(codes.MethodNotAllowed)
}

func (h *Handler) publish(ctx context.Context, req *handler.Request) *handler.Response {
	p, err := decodeRequest(req)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	created, err := h.store.Publish(ctx, p)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	if !created {
		return handler.NewResponse(codes.Changed)
	}
	h.logger.Info("device registered",
		slog.String("device", p.DeviceID),
		slog.Int("links", len(p.Links)))
	resp := handler.NewResponse(codes.Created)
	resp.LocationPath = []string{"rd", p.DeviceID}
	return resp
}

// update refreshes the lifetime of a registration and merges any links
// carried in the payload.
func (h *Handler) update(ctx context.Context, req *handler.Request, deviceID string) *handler.Response {
	dev, err := h.store.Get(deviceID)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	p := Publication{DeviceID: deviceID, TTL: dev.TTL}
	if len(req.Payload) > 0 {
		body, err := decodeRequest(req)
		if err != nil && !errors.Is(err, errMissingDevice) {
			return handler.ErrorResponse(err)
		}
		if body.DeviceID != "" && body.DeviceID != deviceID {
			return handler.ErrorResponse(fmt.Errorf("payload names device %q: %w", body.DeviceID, errors.ErrMalformed))
		}
		p.Links = body.Links
		if body.TTL > 0 {
			p.TTL = body.TTL
		}
	} else if ttl, ok, err := lifetime(req); err != nil {
		return handler.ErrorResponse(err)
	} else if ok {
		p.TTL = ttl
	}
	if _, err := h.store.Publish(ctx, p); err != nil {
		return handler.ErrorResponse(err)
	}
	return handler.NewResponse(codes.Changed)
}

func (h *Handler) query(ctx context.Context, req *handler.Request) *handler.Response {
	var q Query
	q.ResourceType, _ = req.Query("rt")
	q.Interface, _ = req.Query("if")
	if di, ok := req.Query("di"); ok {
		q.DeviceID = di
	} else {
		q.DeviceID, _ = req.Query("ep")
	}
	groups, err := h.store.Query(ctx, q)
	if err != nil {
		return handler.ErrorResponse(err)
	}
	return h.groups(req, groups)
}

func (h *Handler) groups(req *handler.Request, groups []Group) *handler.Response {
	mt := data.LinkFormat
	if req.HasAccept {
		mt = req.Accept.Normalize()
	}
	switch mt {
	case data.LinkFormat:
		return handler.Content(codes.Content, data.LinkFormat, FormatGroups(groups))
	case data.TLV, data.JSON:
		values, err := EncodeGroups(groups)
		if err != nil {
			return handler.ErrorResponse(err)
		}
		b, mt, err := data.Serialize(PayloadURI, mt, values)
		if err != nil {
			return handler.ErrorResponse(err)
		}
		return handler.Content(codes.Content, mt, b)
	}
	return handler.NewResponse(codes.NotAcceptable)
}

func (h *Handler) delete(ctx context.Context, req *handler.Request) *handler.Response {
	var deviceID string
	if loc := req.URI.Location; len(loc) == 1 {
		deviceID = loc[0]
	} else if di, ok := req.Query("di"); ok {
		deviceID = di
	} else {
		deviceID, _ = req.Query("ep")
	}
	if deviceID == "" {
		return handler.NewResponse(codes.BadRequest)
	}
	if err := h.store.Delete(ctx, deviceID, req.QueryAll("href")...); err != nil {
		return handler.ErrorResponse(err)
	}
	h.logger.Info("device deregistered", slog.String("device", deviceID))
	return handler.NewResponse(codes.Deleted)
}

var errMissingDevice = fmt.Errorf("publication without device id: %w", errors.ErrMalformed)

// decodeRequest reads a publication in link-format (the default), TLV or
// JSON. The lt query overrides a lifetime carried in the payload.
func decodeRequest(req *handler.Request) (Publication, error) {
	mt := data.LinkFormat
	if req.HasContentFormat {
		mt = req.ContentFormat.Normalize()
	}
	var (
		p   Publication
		err error
	)
	switch mt {
	case data.LinkFormat:
		p, err = ParseLinkRegistration(req.Queries, req.Payload)
	case data.TLV, data.JSON:
		var values []data.Value
		values, err = data.Parse(PayloadURI, mt, req.Payload)
		if err == nil {
			p, err = DecodePublication(values)
		}
	default:
		return Publication{}, fmt.Errorf("registration payload in %s: %w", mt, errors.ErrUnsupportedFormat)
	}
	if err != nil {
		return Publication{}, err
	}
	if ttl, ok, err := lifetime(req); err != nil {
		return Publication{}, err
	} else if ok {
		p.TTL = ttl
	}
	if p.DeviceID == "" {
		return p, errMissingDevice
	}
	return p, nil
}

func lifetime(req *handler.Request) (time.Duration, bool, error) {
	v, ok := req.Query("lt")
	if !ok {
		return 0, false, nil
	}
	secs, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid lifetime %q: %w", v, errors.ErrMalformed)
	}
	return time.Duration(secs) * time.Second, true, nil
}
