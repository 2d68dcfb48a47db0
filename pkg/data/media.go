// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import "strconv"

// MediaType is a CoAP Content-Format identifier.
type MediaType uint16

const (
	TextPlain   MediaType = 0
	LinkFormat  MediaType = 40
	OctetStream MediaType = 42
	TLV         MediaType = 11542
	JSON        MediaType = 11543

	// Pre-registration identifiers still sent by older clients.
	LegacyTLV  MediaType = 1542
	LegacyJSON MediaType = 1543
)

// Normalize maps legacy identifiers to their registered values.
func (m MediaType) Normalize() MediaType {
	switch m {
	case LegacyTLV:
		return TLV
	case LegacyJSON:
		return JSON
	}
	return m
}

func (m MediaType) String() string {
	switch m.Normalize() {
	case TextPlain:
		return "text/plain"
	case LinkFormat:
		return "application/link-format"
	case OctetStream:
		return "application/octet-stream"
	case TLV:
		return "application/vnd.oma.lwm2m+tlv"
	case JSON:
		return "application/vnd.oma.lwm2m+json"
	}
	return "format(" + strconv.Itoa(int(m)) + ")"
}
