// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned for a frame above the configured limit. The
// stream cannot be resynchronised after it, so the connection is closed.
var ErrFrameTooLarge = errors.New("frame too large")

// Extended length offsets of RFC 8323 section 3.2.
const (
	len8Offset  = 13
	len16Offset = 269
	len32Offset = 65805
)

// readFrame reads one CoAP over TCP message. io.EOF is returned only when
// the stream ends on a frame boundary.
func readFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	nibble := first[0] >> 4
	tkl := int(first[0] & 0x0f)

	ext := 0
	switch nibble {
	case 13:
		ext = 1
	case 14:
		ext = 2
	case 15:
		ext = 4
	}
	head, err := r.Peek(1 + ext)
	if err != nil {
		return nil, unexpected(err)
	}

	var length int
	switch nibble {
	case 13:
		length = int(head[1]) + len8Offset
	case 14:
		length = int(binary.BigEndian.Uint16(head[1:3])) + len16Offset
	case 15:
		length = int(binary.BigEndian.Uint32(head[1:5])) + len32Offset
	default:
		length = int(nibble)
	}

	total := 1 + ext + 1 + tkl + length
	if maxSize > 0 && total > maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, total, maxSize)
	}
	frame := make([]byte, total)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, unexpected(err)
	}
	return frame, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
