// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the CoAP engine to
// LWM2M application logic.
//
// # Data Flow
//
//	Peer → Server (framing) → coap.Engine (dedup, blocks) → Handler → Response
//
// The engine decodes every confirmable or non-confirmable request into a
// Request, routes it by URI class (device management, registration or
// bootstrap) and calls the Handler registered for that class. The Handler
// answers with a Response; the engine takes care of piggy-backing, block-wise
// transfer of large payloads and observation bookkeeping.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this peer session
//   - RemoteAddr: Peer's network address
//   - Protocol: Transport name (udp, tcp)
//   - Reliable: Set for stream transports
//
// # Example
//
//	h := handler.HandlerFunc(func(ctx context.Context, req *handler.Request) *handler.Response {
//		if req.Method != codes.GET {
//			return handler.NewResponse(codes.MethodNotAllowed)
//		}
//		return handler.Content(codes.Content, data.TextPlain, []byte("42"))
//	})
package handler
