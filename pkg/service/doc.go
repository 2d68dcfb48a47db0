// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package service assembles the LWM2M stack.
//
// # Overview
//
// A Service owns one CoAP engine and routes its requests by class: device
// management requests go to the object registry, registration requests go
// to the resource directory. The UDP and TCP listeners feed the engine and
// carry its replies back; which one answers is chosen by the session
// protocol.
//
//	┌──────┐  UDP/TCP  ┌──────────┐        ┌────────┐  /3/0/9  ┌──────────┐
//	│ Peer │ ←───────→ │ Listener │ ←────→ │ Engine │ ───────→ │ Registry │
//	└──────┘           └──────────┘        └────────┘  /rd     ┌──────────┐
//	                                            └────────────→ │ RD Store │
//	                                                           └──────────┘
//
// # Timers
//
// Run drives Engine.Step in a loop that sleeps until the next engine
// deadline. Every outgoing frame wakes the loop early. Expired registrations
// are evicted lazily by the store and on a fixed ExpireInterval.
//
// # Example
//
//	svc, err := service.New(service.Config{
//		UDP: udp.Config{Address: ":5683"},
//	}, registry, store)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//	if err := svc.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
package service
