// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the CoAP over TCP and TLS transport of the LWM2M
// stack (RFC 8323).
//
// # Overview
//
// Every accepted connection is one session. The server splits the stream
// into frames using the length field of the RFC 8323 header and hands each
// frame to an Engine (the CoAP engine). It also implements the engine's
// transport: Send writes to the connection of a session.
//
//	┌──────┐         ┌────────┐  HandlePacket  ┌────────┐
//	│ Peer │ ←─TCP─→ │ Server │ ─────────────→ │ Engine │
//	└──────┘         └────────┘ ←───────────── └────────┘
//	                                 Send
//
// # Connection Flow
//
//  1. Peer connects; the TLS handshake runs when TLSConfig is set
//  2. The server registers a session and sends a CSM through Engine.Hello
//  3. Frames are read one at a time and passed to Engine.HandlePacket
//  4. On EOF, a read error, an idle timeout or an oversized frame the
//     connection is closed and Engine.CloseSession forgets its state
//
// # Graceful Shutdown
//
// When the context is cancelled the listener is closed and the server waits
// for peers to close their connections. After ShutdownTimeout the remaining
// connections are closed and ErrShutdownTimeout is returned.
//
// # Configuration
//
//   - Address: listen address (e.g., ":5683")
//   - TLSConfig: optional TLS configuration
//   - MaxConnections: concurrent connection limit
//   - MaxFrameSize: largest accepted message
//   - IdleTimeout: read inactivity limit
//   - Limiter: per-host rate limit
//
// # Example
//
//	srv := tcp.New(tcp.Config{Address: ":5683"})
//	engine, err := coap.New(coap.Config{}, srv)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Listen(ctx, engine); err != nil {
//		log.Fatal(err)
//	}
package tcp
