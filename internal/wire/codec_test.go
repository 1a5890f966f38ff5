package wire

import (
	"bytes"
	"math/big"
	"testing"
)

func TestUint32RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 255, 65536, 0xFFFFFFFF} {
		w := NewWriter()
		w.Uint32(v)
		got, err := NewReader(w.Bytes()).Uint32()
		if err != nil {
			t.Fatalf("Uint32() error = %v", err)
		}
		if got != v {
			t.Errorf("Uint32 round trip: got %d, want %d", got, v)
		}
	}
}

func TestBoolRoundTrip(t *testing.T) {
	for _, v := range []bool{true, false} {
		w := NewWriter()
		w.Bool(v)
		if v && w.Bytes()[0] != 1 {
			t.Errorf("Bool(true) encoded as %d, want 1", w.Bytes()[0])
		}
		if !v && w.Bytes()[0] != 0 {
			t.Errorf("Bool(false) encoded as %d, want 0", w.Bytes()[0])
		}
		got, err := NewReader(w.Bytes()).Bool()
		if err != nil {
			t.Fatalf("Bool() error = %v", err)
		}
		if got != v {
			t.Errorf("Bool round trip: got %v, want %v", got, v)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := [][]byte{nil, []byte("hello"), []byte{0x00, 0xff, 0x10}, bytes.Repeat([]byte("x"), 1000)}
	for _, c := range cases {
		w := NewWriter()
		w.String(c)
		got, err := NewReader(w.Bytes()).String()
		if err != nil {
			t.Fatalf("String() error = %v", err)
		}
		if !bytes.Equal(got, c) {
			t.Errorf("String round trip: got %v, want %v", got, c)
		}
	}
}

func TestNameListRoundTrip(t *testing.T) {
	names := []string{"curve25519-sha256", "ext-info-c"}
	w := NewWriter()
	w.NameList(names)
	got, err := NewReader(w.Bytes()).NameList()
	if err != nil {
		t.Fatalf("NameList() error = %v", err)
	}
	if len(got) != len(names) {
		t.Fatalf("NameList round trip: got %v, want %v", got, names)
	}
	for i := range names {
		if got[i] != names[i] {
			t.Errorf("NameList[%d] = %q, want %q", i, got[i], names[i])
		}
	}
}

func TestNameListEmpty(t *testing.T) {
	w := NewWriter()
	w.NameList(nil)
	got, err := NewReader(w.Bytes()).NameList()
	if err != nil {
		t.Fatalf("NameList() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("NameList(nil) round trip = %v, want empty", got)
	}
}

func TestMpintRoundTrip(t *testing.T) {
	values := []int64{0, 1, 127, 128, 255, 256, 1 << 30}
	for _, v := range values {
		n := big.NewInt(v)
		w := NewWriter()
		w.Mpint(n)
		got, err := NewReader(w.Bytes()).Mpint()
		if err != nil {
			t.Fatalf("Mpint() error = %v", err)
		}
		if got.Cmp(n) != 0 {
			t.Errorf("Mpint round trip: got %v, want %v", got, n)
		}
	}
}

func TestMpintHighBitGetsLeadingZero(t *testing.T) {
	// 0x80 alone has its high bit set and must be padded with 0x00 so it
	// decodes as +128, not -128.
	n := big.NewInt(128)
	w := NewWriter()
	w.Mpint(n)
	encoded := w.Bytes()
	// u32 length (4 bytes) + 0x00 + 0x80
	if len(encoded) != 6 {
		t.Fatalf("Mpint(128) encoded length = %d, want 6", len(encoded))
	}
	if encoded[4] != 0x00 || encoded[5] != 0x80 {
		t.Errorf("Mpint(128) bytes = %v, want [0x00 0x80]", encoded[4:])
	}
}

func TestMpintFromBytesMatchesWriterMpint(t *testing.T) {
	mag := []byte{0xFF, 0x01} // high bit set on first byte
	got := MpintFromBytes(mag)

	n := new(big.Int).SetBytes(mag)
	w := NewWriter()
	w.Mpint(n)

	if !bytes.Equal(got, w.Bytes()) {
		t.Errorf("MpintFromBytes(%v) = %v, want %v", mag, got, w.Bytes())
	}
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader([]byte{0x00, 0x00})
	if _, err := r.Uint32(); err != ErrTruncated {
		t.Errorf("Uint32() on short buffer error = %v, want ErrTruncated", err)
	}
}
