// Package format provides binary encoding/decoding for fileq file formats.
//
// This package implements:
//   - Numeric fields: non-negative integers stored as fixed-width ASCII
//     base-2 text ('0'/'1'), left-padded with '0'
//   - Boolean fields: a single byte, nonzero = true
//   - String fields: a length field followed by raw UTF-8 bytes
//   - Queue file layout: header cursors and message records
//   - Message status values and their allowed transitions
package format

import (
	"errors"
	"fmt"
	"strconv"
)

// Field widths in bytes.
const (
	// IntWidth is the width of ordinary integer fields (cursors, lengths).
	IntWidth = 32

	// StatusWidth is the width of a record's status field.
	StatusWidth = 4

	// BoolWidth is the width of a boolean field.
	BoolWidth = 1
)

var (
	// ErrEndOfData indicates a numeric field decoded to blank text.
	// This only happens when reading bytes that were never written.
	ErrEndOfData = errors.New("format: end of data")

	// ErrMalformed indicates a field that contains bytes other than '0'/'1'.
	ErrMalformed = errors.New("format: malformed field")

	// ErrOverflow indicates a value that does not fit its field width.
	ErrOverflow = errors.New("format: value overflows field")
)

// MaxValue returns the largest value representable in a field of the given width.
func MaxValue(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

// PutInt writes v into buf as len(buf) ASCII base-2 digits, left-padded with '0'.
func PutInt(buf []byte, v uint64) error {
	width := len(buf)
	if width == 0 {
		return fmt.Errorf("%w: zero width", ErrOverflow)
	}
	if v > MaxValue(width) {
		return fmt.Errorf("%w: %d does not fit in %d bits", ErrOverflow, v, width)
	}

	for i := width - 1; i >= 0; i-- {
		buf[i] = '0' + byte(v&1)
		v >>= 1
	}
	return nil
}

// EncodeInt returns the width-byte encoding of v.
func EncodeInt(v uint64, width int) ([]byte, error) {
	buf := make([]byte, width)
	if err := PutInt(buf, v); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeInt parses all of buf as ASCII base-2 digits.
// Blank input (NUL or whitespace only) returns ErrEndOfData.
func DecodeInt(buf []byte) (uint64, error) {
	if isBlank(buf) {
		return 0, ErrEndOfData
	}
	if len(buf) > 64 {
		return 0, fmt.Errorf("%w: %d-bit field", ErrOverflow, len(buf))
	}

	var v uint64
	for i, b := range buf {
		switch b {
		case '0':
			v <<= 1
		case '1':
			v = v<<1 | 1
		default:
			return 0, fmt.Errorf("%w: byte %d is %s", ErrMalformed, i, strconv.QuoteRune(rune(b)))
		}
	}
	return v, nil
}

// EncodeBool returns the one-byte encoding of b.
func EncodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// DecodeBool reports whether the stored byte is nonzero.
func DecodeBool(b byte) bool {
	return b != 0
}

// EncodeString returns the length field followed by the raw payload bytes.
func EncodeString(s []byte) ([]byte, error) {
	buf := make([]byte, IntWidth+len(s))
	if err := PutInt(buf[:IntWidth], uint64(len(s))); err != nil {
		return nil, fmt.Errorf("string length: %w", err)
	}
	copy(buf[IntWidth:], s)
	return buf, nil
}

// DecodeString decodes a length-prefixed string from the start of buf.
// It returns the payload and the number of bytes consumed.
func DecodeString(buf []byte) ([]byte, int, error) {
	if len(buf) < IntWidth {
		return nil, 0, fmt.Errorf("%w: need %d bytes for length, have %d", ErrMalformed, IntWidth, len(buf))
	}

	n, err := DecodeInt(buf[:IntWidth])
	if err != nil {
		return nil, 0, err
	}

	end := uint64(IntWidth) + n
	if end > uint64(len(buf)) {
		return nil, 0, fmt.Errorf("%w: string length %d exceeds buffer", ErrMalformed, n)
	}

	payload := make([]byte, n)
	copy(payload, buf[IntWidth:end])
	return payload, int(end), nil
}

func isBlank(buf []byte) bool {
	for _, b := range buf {
		switch b {
		case 0, ' ', '\t', '\n', '\r', '\v', '\f':
		default:
			return false
		}
	}
	return true
}
