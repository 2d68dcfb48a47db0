// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements the CoAP message and transaction layer of the
// LWM2M stack on top of the plgd-dev/go-coap/v3 wire codecs.
//
// # Inbound
//
// Transports feed every received datagram or stream frame to
// Engine.HandlePacket. The engine decodes it, answers malformed frames with
// 4.00 (confirmable) or Reset (non-confirmable), answers duplicates from a
// cache keyed by session and message id, reassembles Block1 bodies, routes
// the request by URI class to the registered handler.Handler and paginates
// large replies with Block2. Requests that resolve to no registered class are
// dropped without a reply.
//
// # Outbound
//
// Engine.Send returns a Transaction that completes on the peer's response,
// fails on Reset or timeout, or is cancelled. The engine never blocks on
// timers: the embedding loop calls Step, which retransmits confirmable
// messages with exponential back-off, expires idle block transfers and fires
// observation timers, and returns the next time it needs to run.
//
// # Observation
//
// A GET with Observe=0 answered with handler.Response.Observe registers an
// observer. ResourceChanged re-reads the target and notifies observers,
// honouring pmin, pmax, gt, lt and st from the configured attribute lookup.
// Every Nth notification is confirmable; observers that stop acknowledging
// are cancelled by the engine.
package coap
