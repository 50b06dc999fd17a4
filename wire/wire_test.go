package wire

import "testing"

func TestUintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 0x7f, 0x80, 0xff,
		0x0102, 0xffff,
		0x01020304, 0xffffffff,
		0x0123456789abcdef, ^uint64(0),
	}
	for _, n := range []int{1, 2, 4, 8} {
		for _, v := range values {
			want := v
			if n < 8 {
				want = v & (1<<(8*n) - 1)
			}
			enc := NewEncoder(nil)
			enc.Uint(v, n)
			b := enc.Bytes()
			if len(b) != n {
				t.Fatalf("width %d: encoded %d bytes", n, len(b))
			}
			dec := NewDecoder(b)
			if got := dec.Uint(n); got != want {
				t.Errorf("width %d: round-trip %#x: got %#x, want %#x", n, v, got, want)
			}
			if err := dec.Err(); err != nil {
				t.Errorf("width %d: unexpected error: %v", n, err)
			}
		}
	}
}

func TestUintIsBigEndian(t *testing.T) {
	enc := NewEncoder(nil)
	enc.Uint(0x01020304, 4)
	b := enc.Bytes()
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, b[i], want[i])
		}
	}
}

func TestStrRoundTrip(t *testing.T) {
	for _, s := range []string{"", "mlx5_0", "mlx5_0:1", "4xQDR"} {
		enc := NewEncoder(nil)
		enc.Str(s, 64)
		b := enc.Bytes()
		if len(b) != 64 {
			t.Fatalf("encoded %d bytes, want 64", len(b))
		}
		if b[63] != 0 {
			t.Fatalf("field not null-terminated")
		}
		dec := NewDecoder(b)
		if got := dec.Str(64); got != s {
			t.Errorf("round-trip %q: got %q", s, got)
		}
	}
}

func TestStrTruncates(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	enc := NewEncoder(nil)
	enc.Str(string(long), 8)
	b := enc.Bytes()
	if len(b) != 8 {
		t.Fatalf("encoded %d bytes, want 8", len(b))
	}
	dec := NewDecoder(b)
	if got := dec.Str(8); got != "aaaaaaa" {
		t.Errorf("got %q, want 7 a's", got)
	}
}

func TestDecoderShortBuffer(t *testing.T) {
	dec := NewDecoder([]byte{1, 2})
	dec.Uint(4)
	if dec.Err() != ErrShortBuffer {
		t.Fatalf("got %v, want ErrShortBuffer", dec.Err())
	}
	// Subsequent reads stay zero once the decoder failed.
	if v := dec.Uint(1); v != 0 {
		t.Fatalf("read after error returned %d", v)
	}
}

func TestDecoderRemaining(t *testing.T) {
	dec := NewDecoder([]byte{0, 0, 0, 7, 9, 9})
	if dec.Uint(4) != 7 {
		t.Fatal("bad value")
	}
	if dec.Remaining() != 2 {
		t.Fatalf("remaining = %d, want 2", dec.Remaining())
	}
}
