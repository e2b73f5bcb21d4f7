package format

import "fmt"

// Status is the lifecycle state of a message record.
type Status uint8

// Message states.
const (
	StatusUnprocessed Status = 0 // Pushed, not yet handed to a consumer
	StatusInProcess   Status = 1 // Checked out to a processing callback
	StatusProcessed   Status = 2 // Callback reported success
	StatusDeleted     Status = 3 // Removed before delivery, skipped by pull
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUnprocessed:
		return "UNPROCESSED"
	case StatusInProcess:
		return "IN_PROCESS"
	case StatusProcessed:
		return "PROCESSED"
	case StatusDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s <= StatusDeleted
}

// CanTransition reports whether a record may move from one status to another.
//
//	UNPROCESSED -> IN_PROCESS -> PROCESSED
//	UNPROCESSED | IN_PROCESS -> DELETED
func CanTransition(from, to Status) bool {
	switch to {
	case StatusInProcess:
		return from == StatusUnprocessed
	case StatusProcessed:
		return from == StatusInProcess
	case StatusDeleted:
		return from == StatusUnprocessed || from == StatusInProcess
	case StatusUnprocessed:
		// Only the watchdog resets an in-flight record.
		return from == StatusInProcess
	default:
		return false
	}
}

// ParseStatus decodes a status field.
func ParseStatus(buf []byte) (Status, error) {
	v, err := DecodeInt(buf)
	if err != nil {
		return 0, err
	}
	s := Status(v)
	if v > uint64(StatusDeleted) {
		return 0, fmt.Errorf("%w: unknown status %d", ErrMalformed, v)
	}
	return s, nil
}
