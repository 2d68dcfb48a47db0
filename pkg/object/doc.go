// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package object keeps the LWM2M objects a device exposes and serves the
// device management interface on them.
//
// Object, resource and initial instance definitions come from a YAML file:
//
//	objects:
//	  - id: 3
//	    name: Device
//	    resources:
//	      - {id: 9, name: Battery Level, type: integer, operations: R}
//	      - {id: 4, name: Reboot, operations: E}
//	    instances:
//	      - id: 0
//	        values: {9: 95}
//
// A Registry implements handler.Handler for Read, Discover, Write,
// Write-Attributes, Execute, Create and Delete, and discover.AttributeLookup
// over the attributes servers attached with Write-Attributes. Every change
// is reported through the OnChange hook, which the service wires to the
// engine's observation layer.
package object
