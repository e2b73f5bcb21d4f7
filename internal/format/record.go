package format

import "fmt"

// Queue file header layout.
//
//	[0,32)  pull cursor: offset of the next record to read
//	[32,64) push cursor: offset of the next record to write
//	[64,..) records
const (
	PullCursorOffset = 0
	PushCursorOffset = IntWidth
	HeaderSize       = 2 * IntWidth
)

// RecordOverhead is the number of non-payload bytes in a record.
const RecordOverhead = IntWidth + StatusWidth

// RecordSize returns the on-disk size of a record carrying n payload bytes.
func RecordSize(n int) uint64 {
	return uint64(RecordOverhead) + uint64(n) //nolint:gosec // G115: n is a slice length
}

// Record is a single message record in a queue file.
//
// Binary format:
//
//	[Length:32 ASCII base-2][Payload:Length bytes][Status:4 ASCII base-2]
//
// Length and Payload are write-once; only Status mutates after creation.
type Record struct {
	// Offset is where the record starts; it doubles as the message id.
	Offset uint64

	// Payload is the raw UTF-8 message body.
	Payload []byte

	// Status is the record's lifecycle state.
	Status Status
}

// Size returns the on-disk size of the record.
func (r *Record) Size() uint64 {
	return RecordSize(len(r.Payload))
}

// Next returns the offset immediately after the record.
func (r *Record) Next() uint64 {
	return r.Offset + r.Size()
}

// StatusOffset returns the absolute offset of the record's status field.
func (r *Record) StatusOffset() uint64 {
	return r.Offset + IntWidth + uint64(len(r.Payload)) //nolint:gosec // G115: slice length
}

// Marshal encodes the record (without its offset) into wire format.
func (r *Record) Marshal() ([]byte, error) {
	if !r.Status.Valid() {
		return nil, fmt.Errorf("%w: status %d", ErrMalformed, r.Status)
	}

	buf := make([]byte, r.Size())
	if err := PutInt(buf[:IntWidth], uint64(len(r.Payload))); err != nil {
		return nil, fmt.Errorf("record length: %w", err)
	}
	copy(buf[IntWidth:], r.Payload)
	if err := PutInt(buf[IntWidth+len(r.Payload):], uint64(r.Status)); err != nil {
		return nil, fmt.Errorf("record status: %w", err)
	}
	return buf, nil
}

// UnmarshalRecord decodes a record that starts at the beginning of buf.
// The returned record's Offset is left zero.
func UnmarshalRecord(buf []byte) (*Record, error) {
	payload, n, err := DecodeString(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < n+StatusWidth {
		return nil, fmt.Errorf("%w: record truncated before status", ErrMalformed)
	}

	status, err := ParseStatus(buf[n : n+StatusWidth])
	if err != nil {
		return nil, fmt.Errorf("record status: %w", err)
	}

	return &Record{Payload: payload, Status: status}, nil
}
