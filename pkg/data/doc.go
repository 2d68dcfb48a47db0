// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package data implements the LWM2M value model and its wire codecs.
//
// # Values
//
// A Value is a tree node tagged with a 16-bit id. Leaves hold a string,
// opaque bytes, an integer, a float, a boolean or an object link. Composite
// values (ObjectInstance, Object and MultipleResource) hold their children by
// value, so a tree is never shared between owners.
//
//	v := data.Instance(0,
//		data.String(0, "Open Mobile Alliance"),
//		data.Int(9, 95),
//		data.EncodeInstances(7, data.Int(0, 3800), data.Int(1, 5000)),
//	)
//
// DecodeInt, DecodeFloat and DecodeBool accept the native kind and also
// reinterpret strings (decimal text without exponents) and opaque bytes
// (fixed-width big-endian).
//
// # Formats
//
// Parse and Serialize handle plain text (0), opaque (42), TLV (11542) and
// JSON (11543). Serialize upgrades plain text and opaque requests to the
// encoder fallback when the values cannot be represented that way and reports
// the format it produced:
//
//	payload, format, err := data.Serialize(uri.Resource(3, 0, 9), data.TextPlain, values)
//
// TLV does not carry leaf types, so parsed TLV leaves are Opaque. Callers that
// know the resource type convert them with Coerce.
package data
