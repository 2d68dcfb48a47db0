// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the CoAP over UDP transport of the LWM2M stack.
//
// # Overview
//
// The server reads datagrams from one socket, keeps a session per peer
// address and hands every datagram to an Engine (the CoAP engine). It also
// implements the engine's transport: Send writes a datagram to the peer of
// a session.
//
//	┌──────┐         ┌────────┐  HandlePacket  ┌────────┐
//	│ Peer │ ←─UDP─→ │ Server │ ─────────────→ │ Engine │
//	└──────┘         └────────┘ ←───────────── └────────┘
//	                     │           Send
//	                     ↓
//	               ┌──────────┐
//	               │ Session  │
//	               │ Manager  │
//	               └──────────┘
//
// # Session Management
//
//	Session Key: Peer IP:Port
//	Session Contents:
//	  - ID: uuid, used as handler.Context.SessionID
//	  - RemoteAddr: Peer's UDP address
//	  - LastActivity: Timestamp of the last datagram in either direction
//
// # Packet Flow
//
//	1. Peer sends a datagram
//	2. The rate limiter, when configured, drops it if the peer exceeds its rate
//	3. The datagram is queued on the worker that owns the peer, so the
//	   datagrams of one peer are handled in order
//	4. The worker gets or creates the session and calls Engine.HandlePacket
//
// # Session Cleanup
//
// A background goroutine closes sessions that were idle for SessionTimeout.
// Closing a session calls Engine.CloseSession, which cancels the session's
// pending transactions and drops its observations.
//
// # Graceful Shutdown
//
// When the context is cancelled the socket is closed, the workers finish the
// queued datagrams (bounded by ShutdownTimeout) and every session is closed.
// ErrShutdownTimeout is returned when the workers did not finish in time.
//
// # Example
//
//	srv := udp.New(udp.Config{Address: ":5683"})
//	engine, err := coap.New(coap.Config{}, srv)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Listen(ctx, engine); err != nil {
//		log.Fatal(err)
//	}
package udp
