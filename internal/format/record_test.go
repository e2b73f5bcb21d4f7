package format

import (
	"bytes"
	"errors"
	"testing"
)

func TestRecord_Marshal_Unmarshal_Roundtrip(t *testing.T) {
	tests := []struct {
		name   string
		record *Record
	}{
		{"unprocessed", &Record{Payload: []byte("a"), Status: StatusUnprocessed}},
		{"in process", &Record{Payload: []byte("message-42"), Status: StatusInProcess}},
		{"processed", &Record{Payload: []byte("done"), Status: StatusProcessed}},
		{"deleted empty payload", &Record{Payload: nil, Status: StatusDeleted}},
		{"multibyte", &Record{Payload: []byte("ünïcödé"), Status: StatusUnprocessed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.record.Marshal()
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			wantSize := IntWidth + len(tt.record.Payload) + StatusWidth
			if len(data) != wantSize {
				t.Errorf("marshaled size = %d, want %d", len(data), wantSize)
			}
			if uint64(len(data)) != tt.record.Size() {
				t.Errorf("Size() = %d, want %d", tt.record.Size(), len(data))
			}

			got, err := UnmarshalRecord(data)
			if err != nil {
				t.Fatalf("UnmarshalRecord() error = %v", err)
			}
			if !bytes.Equal(got.Payload, tt.record.Payload) {
				t.Errorf("Payload = %q, want %q", got.Payload, tt.record.Payload)
			}
			if got.Status != tt.record.Status {
				t.Errorf("Status = %v, want %v", got.Status, tt.record.Status)
			}
		})
	}
}

func TestRecord_WireFormat(t *testing.T) {
	r := &Record{Offset: 64, Payload: []byte("abc"), Status: StatusProcessed}
	data, err := r.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	want := "00000000000000000000000000000011" + "abc" + "0010"
	if string(data) != want {
		t.Errorf("wire = %q, want %q", data, want)
	}
	if r.Next() != 64+39 {
		t.Errorf("Next() = %d, want %d", r.Next(), 64+39)
	}
	if r.StatusOffset() != 64+35 {
		t.Errorf("StatusOffset() = %d, want %d", r.StatusOffset(), 64+35)
	}
}

func TestRecord_InvalidStatus(t *testing.T) {
	r := &Record{Payload: []byte("x"), Status: Status(9)}
	if _, err := r.Marshal(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Marshal() error = %v, want ErrMalformed", err)
	}

	data := []byte("00000000000000000000000000000001" + "x" + "1001")
	if _, err := UnmarshalRecord(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("UnmarshalRecord() error = %v, want ErrMalformed", err)
	}
}

func TestUnmarshalRecord_Truncated(t *testing.T) {
	data := []byte("00000000000000000000000000000001" + "x" + "00")
	if _, err := UnmarshalRecord(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("UnmarshalRecord() error = %v, want ErrMalformed", err)
	}
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusUnprocessed, StatusInProcess, true},
		{StatusInProcess, StatusProcessed, true},
		{StatusUnprocessed, StatusDeleted, true},
		{StatusInProcess, StatusDeleted, true},
		{StatusInProcess, StatusUnprocessed, true},
		{StatusProcessed, StatusDeleted, false},
		{StatusDeleted, StatusDeleted, false},
		{StatusUnprocessed, StatusProcessed, false},
		{StatusProcessed, StatusInProcess, false},
		{StatusDeleted, StatusInProcess, false},
		{StatusDeleted, StatusProcessed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatus_String(t *testing.T) {
	if StatusInProcess.String() != "IN_PROCESS" {
		t.Errorf("String() = %q", StatusInProcess.String())
	}
	if Status(7).String() != "Status(7)" {
		t.Errorf("String() = %q", Status(7).String())
	}
}
