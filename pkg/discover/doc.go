// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package discover renders LWM2M Discover responses in CoRE Link-Format
// (RFC 6690) and parses link-format documents.
//
// Serialize walks an object, instance or resource subtree and emits each link
// once. Observation attributes (pmin, pmax, gt, lt, st) come from an
// AttributeLookup; when more than one server has attached attributes to the
// same target every group is prefixed with ssid=<peer>. Multiple resources
// carry dim=<count>.
//
//	</3/0>,</3/0/7>;dim=2,</3/0/9>;pmin=10;pmax=60
//
// Options.MaxSize bounds the output for constrained callers. A link that does
// not fit fails the whole call with errors.ErrCapacity and no output.
package discover
