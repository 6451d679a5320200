package relay

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

func TestStreamWriteOrder(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	s := NewStream(a, 16, 0)
	go s.Run(func([]byte) error { return nil })
	defer s.Close(nil)

	var want []byte
	for _, m := range []string{"one", "two", "three"} {
		if err := s.Enqueue([]byte(m)); err != nil {
			t.Fatal(err)
		}
		want = append(want, m...)
	}

	got := make([]byte, 0, len(want))
	buf := make([]byte, 64)
	for len(got) < len(want) {
		b.SetReadDeadline(time.Now().Add(time.Second))
		n, err := b.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStreamCloseAfterFlush(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	var hooks atomic.Int32
	s := NewStream(a, 16, 0)
	s.OnClose(func(error) { hooks.Add(1) })
	go s.Run(func([]byte) error { return nil })

	if err := s.Enqueue([]byte("last words")); err != nil {
		t.Fatal(err)
	}
	s.CloseAfterFlush()
	if err := s.Enqueue([]byte("too late")); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue after CloseAfterFlush: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(time.Second))
	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("last words")) {
		t.Errorf("got %q", got)
	}

	s.Close(nil) // no-op; the flush already closed it
	if n := hooks.Load(); n != 1 {
		t.Errorf("close hook ran %d times", n)
	}
}

func TestStreamIdleTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	var cause error
	done := make(chan struct{})
	s := NewStream(a, 4, 50*time.Millisecond)
	s.OnClose(func(err error) { cause = err; close(done) })

	errc := make(chan error, 1)
	go func() { errc <- s.Run(func([]byte) error { return nil }) }()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrIdleTimeout) {
			t.Errorf("run returned %v, want idle timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not time out")
	}
	<-done
	if !errors.Is(cause, ErrIdleTimeout) {
		t.Errorf("close cause %v, want idle timeout", cause)
	}
}

func TestStreamQueueOverflow(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	const max = 4
	s := NewStream(a, max, 0)
	go s.Run(func([]byte) error { return nil })
	defer s.Close(nil)

	// Nothing reads from b, so at most one write is in flight and the queue
	// fills behind it.
	var err error
	for i := 0; i < max+2; i++ {
		if err = s.Enqueue([]byte("x")); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("got %v, want %v", err, ErrQueueFull)
	}
}

func TestStreamEOF(t *testing.T) {
	a, b := net.Pipe()

	s := NewStream(a, 4, 0)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(func([]byte) error { return nil }) }()

	b.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, io.EOF) {
			t.Errorf("run returned %v, want EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	s.Close(nil)
}

func newUDPPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		a.Close()
		t.Fatal(err)
	}
	return a, b
}

func TestDatagramRoundTrip(t *testing.T) {
	a, b := newUDPPair(t)
	defer b.Close()

	baddr := b.LocalAddr().(*net.UDPAddr).AddrPort()

	type rx struct {
		data []byte
		from netip.AddrPort
	}
	rxc := make(chan rx, 16)

	d := NewDatagram(a, 16, 0)
	go d.Run(func(data []byte, from netip.AddrPort) {
		rxc <- rx{bytes.Clone(data), from}
	}, nil)
	defer d.Close(nil)

	for _, m := range []string{"first", "second"} {
		if err := d.Enqueue(Packet{Data: []byte(m), Addr: baddr}); err != nil {
			t.Fatal(err)
		}
	}
	buf := make([]byte, 64)
	for _, want := range []string{"first", "second"} {
		b.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := b.ReadFromUDPAddrPort(buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != want {
			t.Errorf("got %q, want %q", buf[:n], want)
		}
	}
	if last := d.LastSent(); last != baddr {
		t.Errorf("last sent %s, want %s", last, baddr)
	}

	if _, err := b.WriteToUDPAddrPort([]byte("pong"), d.LocalAddr().(*net.UDPAddr).AddrPort()); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-rxc:
		if string(r.data) != "pong" || r.from != baddr {
			t.Errorf("got %q from %s", r.data, r.from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestDatagramIdleTimeout(t *testing.T) {
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	var cause error
	done := make(chan struct{})
	d := NewDatagram(a, 4, 50*time.Millisecond)
	d.OnClose(func(err error) { cause = err; close(done) })

	errc := make(chan error, 1)
	go func() { errc <- d.Run(func([]byte, netip.AddrPort) {}, nil) }()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrIdleTimeout) {
			t.Errorf("run returned %v, want idle timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram pump did not time out")
	}
	<-done
	if !errors.Is(cause, ErrIdleTimeout) {
		t.Errorf("close cause %v, want idle timeout", cause)
	}
}

func TestDatagramDropOldest(t *testing.T) {
	a, b := newUDPPair(t)
	defer a.Close()
	defer b.Close()

	// No writer goroutine is draining, so every enqueue past the cap must
	// displace the oldest entry rather than fail.
	d := NewDatagram(a, 2, 0)
	baddr := b.LocalAddr().(*net.UDPAddr).AddrPort()
	for i := 0; i < 5; i++ {
		if err := d.Enqueue(Packet{Data: []byte{byte(i)}, Addr: baddr}); err != nil {
			t.Fatal(err)
		}
	}
	if got := d.Dropped(); got != 3 {
		t.Errorf("dropped %d datagrams, want 3", got)
	}
}
