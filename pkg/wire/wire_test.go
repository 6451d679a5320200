package wire

import (
	"bytes"
	"net/netip"
	"testing"
)

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}

func TestMessageRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 0xFFFE, 0xFFFF, 0x10000, 0x1FFFE} {
		p := testPayload(n)
		packed := PackMessage(p)

		var u Unpacker
		msg, consumed, err := u.Next(packed)
		if err != nil {
			t.Fatalf("size %#x: unexpected error: %v", n, err)
		}
		if msg == nil {
			t.Fatalf("size %#x: message incomplete", n)
		}
		if consumed != len(packed) {
			t.Errorf("size %#x: consumed %d bytes, packed %d", n, consumed, len(packed))
		}
		if !bytes.Equal(msg, p) {
			t.Errorf("size %#x: payload mismatch", n)
		}
	}
}

func TestMessageRoundTripIncremental(t *testing.T) {
	for _, n := range []int{0, 1, 0xFFFE, 0xFFFF, 0x10000, 0x1FFFE} {
		p := testPayload(n)
		packed := PackMessage(p)

		var u Unpacker
		var buf []byte
		var got [][]byte
		for _, b := range packed {
			buf = append(buf, b)
			for {
				msg, consumed, err := u.Next(buf)
				if err != nil {
					t.Fatalf("size %#x: unexpected error: %v", n, err)
				}
				buf = buf[consumed:]
				if msg == nil {
					break
				}
				got = append(got, bytes.Clone(msg))
			}
		}
		if len(got) != 1 {
			t.Fatalf("size %#x: got %d messages, want 1", n, len(got))
		}
		if !bytes.Equal(got[0], p) {
			t.Errorf("size %#x: payload mismatch", n)
		}
	}
}

func TestChunkBoundary(t *testing.T) {
	for _, n := range []int{0, MaxChunk, 2 * MaxChunk} {
		packed := PackMessage(testPayload(n))
		if tail := packed[len(packed)-2:]; tail[0] != 0 || tail[1] != 0 {
			t.Errorf("size %#x: packed message does not end in a zero-length chunk", n)
		}
		wantLen := n + 2*(n/MaxChunk+1)
		if len(packed) != wantLen {
			t.Errorf("size %#x: packed length %d, want %d", n, len(packed), wantLen)
		}
	}
}

func TestMessageLimit(t *testing.T) {
	u := Unpacker{Limit: 16}
	_, _, err := u.Next(PackMessage(testPayload(17)))
	if err == nil {
		t.Fatal("expected an error for an oversized message")
	}
}

func TestAddrRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0.0.0:0", "127.0.0.1:16261", "255.255.255.255:65535"} {
		a := netip.MustParseAddrPort(s)
		b, err := AppendAddr(nil, a)
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if len(b) != AddrSize {
			t.Fatalf("%s: encoded to %d bytes", s, len(b))
		}
		got, err := UnpackAddr(b)
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if got != a {
			t.Errorf("%s: round-tripped to %s", s, got)
		}
	}
}

func TestAddrRejectsIPv6(t *testing.T) {
	if _, err := AppendAddr(nil, netip.MustParseAddrPort("[::1]:80")); err == nil {
		t.Error("expected an error for an ipv6 address")
	}
}

func TestAddrAcceptsMapped(t *testing.T) {
	b, err := AppendAddr(nil, netip.MustParseAddrPort("[::ffff:10.0.0.1]:53"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackAddr(b)
	if err != nil {
		t.Fatal(err)
	}
	if want := netip.MustParseAddrPort("10.0.0.1:53"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestFlowRoundTrip(t *testing.T) {
	for _, payload := range [][]byte{nil, []byte("ping"), testPayload(2000)} {
		f := Flow{Type: TCP, Port: 40000, Peer: netip.MustParseAddrPort("192.0.2.7:1234")}
		b, err := AppendFlow(nil, f, payload)
		if err != nil {
			t.Fatal(err)
		}
		got, p, err := UnpackFlow(b)
		if err != nil {
			t.Fatal(err)
		}
		if got != f {
			t.Errorf("header round-tripped to %v", got)
		}
		if !bytes.Equal(p, payload) {
			t.Errorf("payload mismatch")
		}
		if len(payload) == 0 && p == nil {
			t.Errorf("empty payload decoded as nil")
		}
	}
}

func TestFlowShortFrame(t *testing.T) {
	if _, _, err := UnpackFlow(make([]byte, FlowHeaderSize-1)); err == nil {
		t.Error("expected an error for a truncated frame")
	}
}

func FuzzUnpacker(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0, 0})
	f.Add(PackMessage([]byte("hello")))
	f.Add(PackMessage(testPayload(0x10000))[:100])

	f.Fuzz(func(t *testing.T, data []byte) {
		var u Unpacker
		for {
			msg, n, err := u.Next(data)
			if n < 0 || n > len(data) {
				t.Fatalf("consumed %d of %d bytes", n, len(data))
			}
			data = data[n:]
			if err != nil || msg == nil {
				return
			}
			if n == 0 {
				t.Fatal("returned a message without consuming input")
			}
		}
	})
}

func FuzzMessageRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("ping"))

	f.Fuzz(func(t *testing.T, p []byte) {
		var u Unpacker
		packed := PackMessage(p)
		msg, n, err := u.Next(packed)
		if err != nil || msg == nil || n != len(packed) || !bytes.Equal(msg, p) {
			t.Fatalf("round trip failed: msg=%v n=%d err=%v", msg != nil, n, err)
		}
	})
}
