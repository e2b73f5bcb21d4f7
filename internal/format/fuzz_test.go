package format

import (
	"bytes"
	"testing"
	"unicode/utf8"
)

// FuzzString_RoundTrip checks decode(encode(s)) == s for arbitrary UTF-8 input.
func FuzzString_RoundTrip(f *testing.F) {
	f.Add("")
	f.Add("a")
	f.Add("producer0-99")
	f.Add("日本語")

	f.Fuzz(func(t *testing.T, s string) {
		if !utf8.ValidString(s) {
			t.Skip()
		}
		buf, err := EncodeString([]byte(s))
		if err != nil {
			t.Fatalf("EncodeString() error = %v", err)
		}
		got, _, err := DecodeString(buf)
		if err != nil {
			t.Fatalf("DecodeString() error = %v", err)
		}
		if string(got) != s {
			t.Fatalf("round trip %q -> %q", s, got)
		}
	})
}

// FuzzInt_RoundTrip checks decode(encode(n)) == n for n in [0, 2^32).
func FuzzInt_RoundTrip(f *testing.F) {
	f.Add(uint32(0))
	f.Add(uint32(64))
	f.Add(^uint32(0))

	f.Fuzz(func(t *testing.T, n uint32) {
		buf, err := EncodeInt(uint64(n), IntWidth)
		if err != nil {
			t.Fatalf("EncodeInt() error = %v", err)
		}
		got, err := DecodeInt(buf)
		if err != nil {
			t.Fatalf("DecodeInt() error = %v", err)
		}
		if got != uint64(n) {
			t.Fatalf("round trip %d -> %d", n, got)
		}
	})
}

// FuzzUnmarshalRecord ensures arbitrary bytes never panic the decoder.
func FuzzUnmarshalRecord(f *testing.F) {
	valid, _ := (&Record{Payload: []byte("seed"), Status: StatusUnprocessed}).Marshal()
	f.Add(valid)
	f.Add(bytes.Repeat([]byte{0}, 40))
	f.Add([]byte("1111111111111111111111111111111100"))

	f.Fuzz(func(t *testing.T, data []byte) {
		r, err := UnmarshalRecord(data)
		if err != nil {
			return
		}
		if !r.Status.Valid() {
			t.Fatalf("decoded invalid status %d", r.Status)
		}
		if r.Size() > uint64(len(data)) {
			t.Fatalf("decoded record larger than input: %d > %d", r.Size(), len(data))
		}
	})
}
