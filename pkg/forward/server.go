package forward

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"github.com/stfujnkk/zomboid-forward/pkg/relay"
	"github.com/stfujnkk/zomboid-forward/pkg/transit"
	"github.com/stfujnkk/zomboid-forward/pkg/wire"
)

const (
	// flowQueueSize bounds the write queue of a single TCP flow. Overflow
	// closes the flow.
	flowQueueSize = 256

	// udpQueueSize bounds the write queue of a UDP listener or virtual
	// peer. Overflow drops the oldest datagram.
	udpQueueSize = 256
)

// A FrameSender is the transit session as seen by the flow managers.
type FrameSender interface {
	// SendFlow multiplexes a flow frame; an empty payload signals
	// flow-closed.
	SendFlow(f wire.Flow, payload []byte) error

	// Close ends the session.
	Close(cause error)
}

// ServerMetrics counts public-leg activity on the server side.
type ServerMetrics struct {
	UDPDatagrams   *metrics.Counter
	TCPConnections *metrics.Counter
	UnknownFlows   *metrics.Counter
}

// NewServerMetrics creates the server-side counters in set, or in the
// default set if set is nil.
func NewServerMetrics(set *metrics.Set) *ServerMetrics {
	c := func(name string) *metrics.Counter {
		if set != nil {
			return set.GetOrCreateCounter(name)
		}
		return metrics.GetOrCreateCounter(name)
	}
	return &ServerMetrics{
		UDPDatagrams:   c(`zf_public_udp_datagrams_total`),
		TCPConnections: c(`zf_public_tcp_connections_total`),
		UnknownFlows:   c(`zf_unknown_flows_total`),
	}
}

// Server owns the public listeners bound on behalf of one authenticated
// client and relays between them and the transit session. It implements
// transit.ServerHandler.
type Server struct {
	log  zerolog.Logger
	sess FrameSender
	used *PortSet
	m    *ServerMetrics

	mu       sync.Mutex
	udp      map[uint16]*udpListener
	tcp      map[uint16]*tcpListener
	reserved []uint16
	closed   bool
	done     chan struct{} // closed once teardown finished
}

// NewServer creates the flow manager for one transit session. used is shared
// by the process so ports held by an earlier session stay reserved until it
// fully tears down.
func NewServer(sess FrameSender, used *PortSet, log zerolog.Logger, m *ServerMetrics) *Server {
	if m == nil {
		m = NewServerMetrics(nil)
	}
	return &Server{
		log:  log,
		sess: sess,
		used: used,
		m:    m,
		udp:  make(map[uint16]*udpListener),
		tcp:  make(map[uint16]*tcpListener),
		done: make(chan struct{}),
	}
}

// Config implements transit.ServerHandler by binding the requested ports.
func (s *Server) Config(raw map[string]map[string]string) error {
	sections, err := ParseSections(raw)
	if err != nil {
		return err
	}
	return s.Bind(sections)
}

// Bind validates the requested ports and binds a listener for each. Either
// every port binds and starts serving, or none does.
func (s *Server) Bind(sections []Section) error {
	var ports []uint16
	seen := make(map[uint16]bool)
	for _, sec := range sections {
		for _, p := range sec.RemotePorts {
			if seen[p] {
				return fmt.Errorf("port %d is already occupied", p)
			}
			seen[p] = true
			ports = append(ports, p)
		}
	}
	if len(ports) == 0 {
		return errors.New("configuration requests no ports")
	}
	if err := s.used.Reserve(ports); err != nil {
		return err
	}

	udp := make(map[uint16]*udpListener)
	tcp := make(map[uint16]*tcpListener)
	fail := func(err error) error {
		for _, l := range udp {
			l.d.Close(nil)
		}
		for _, l := range tcp {
			l.close()
		}
		s.used.Release(ports)
		return err
	}
	for _, sec := range sections {
		for _, port := range sec.RemotePorts {
			switch sec.Type {
			case wire.UDP:
				conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
				if err != nil {
					return fail(fmt.Errorf("bind udp port %d: %w", port, err))
				}
				udp[port] = &udpListener{
					srv:   s,
					port:  port,
					d:     relay.NewDatagram(conn, udpQueueSize, 0),
					peers: make(map[netip.AddrPort]struct{}),
				}
			case wire.TCP:
				ln, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: int(port)})
				if err != nil {
					return fail(fmt.Errorf("bind tcp port %d: %w", port, err))
				}
				tcp[port] = &tcpListener{
					srv:   s,
					port:  port,
					ln:    ln,
					conns: make(map[netip.AddrPort]*tcpConn),
				}
			}
			s.log.Info().Str("section", sec.Name).Stringer("type", sec.Type).Uint16("port", port).Msg("bound public port")
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fail(errors.New("session already closed"))
	}
	s.udp, s.tcp, s.reserved = udp, tcp, ports
	s.mu.Unlock()

	for _, l := range udp {
		go l.run()
	}
	for _, l := range tcp {
		go l.accept()
	}
	return nil
}

// Flow implements transit.ServerHandler by routing a demultiplexed frame to
// its listener.
func (s *Server) Flow(f wire.Flow, payload []byte) {
	switch f.Type {
	case wire.UDP:
		s.mu.Lock()
		l := s.udp[f.Port]
		s.mu.Unlock()
		if l == nil {
			s.m.UnknownFlows.Inc()
			s.log.Warn().Stringer("flow", f).Msg("frame for unknown public port")
			return
		}
		if len(payload) == 0 {
			l.dropPeer(f.Peer)
			return
		}
		l.d.Enqueue(relay.Packet{Data: bytes.Clone(payload), Addr: f.Peer})
	case wire.TCP:
		s.mu.Lock()
		l := s.tcp[f.Port]
		s.mu.Unlock()
		if l == nil {
			s.m.UnknownFlows.Inc()
			s.log.Warn().Stringer("flow", f).Msg("frame for unknown public port")
			return
		}
		l.forward(f.Peer, payload)
	default:
		s.log.Warn().Stringer("flow", f).Msg("frame with unknown port type")
	}
}

// Closed implements transit.ServerHandler: when the transit session ends,
// every listener and accepted connection goes with it.
func (s *Server) Closed(cause error) {
	if cause != nil && !errors.Is(cause, io.EOF) {
		s.log.Err(cause).Msg("session closed")
	} else {
		s.log.Info().Msg("client closed")
	}
	s.Close()
}

// Close tears down every listener and releases the reserved ports. It is
// idempotent; concurrent callers block until the teardown finished.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	udp, tcp, ports := s.udp, s.tcp, s.reserved
	s.udp, s.tcp, s.reserved = nil, nil, nil
	s.mu.Unlock()

	for _, l := range udp {
		l.d.Close(nil)
	}
	for _, l := range tcp {
		l.close()
	}
	s.used.Release(ports)
	close(s.done)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send multiplexes a frame onto the transit session. Failures mean the
// session is going away; they are logged and otherwise ignored.
func (s *Server) send(f wire.Flow, payload []byte) {
	if err := s.sess.SendFlow(f, payload); err != nil {
		s.log.Debug().Err(err).Stringer("flow", f).Msg("dropped frame for closing session")
	}
}

// A udpListener is one bound public UDP port. Peers are observed, not
// allocated: all traffic shares the one socket.
type udpListener struct {
	srv  *Server
	port uint16
	d    *relay.Datagram

	mu    sync.Mutex
	peers map[netip.AddrPort]struct{}
}

func (l *udpListener) run() {
	err := l.d.Run(l.handle, l.unreachable)
	if !errors.Is(err, relay.ErrClosed) && !l.srv.isClosed() {
		l.srv.log.Err(err).Uint16("port", l.port).Msg("udp listener failed")
		l.srv.sess.Close(err)
	}
}

func (l *udpListener) handle(data []byte, from netip.AddrPort) {
	l.mu.Lock()
	if _, ok := l.peers[from]; !ok {
		l.peers[from] = struct{}{}
		l.srv.log.Debug().Stringer("peer", from).Uint16("port", l.port).Msg("new udp peer")
	}
	l.mu.Unlock()
	l.srv.m.UDPDatagrams.Inc()
	l.srv.send(wire.Flow{Type: wire.UDP, Port: l.port, Peer: from}, data)
}

// unreachable relays an ICMP-unreachable observation. The socket cannot
// attribute it, so the last peer sent to is used, which can misattribute on
// a busy multi-peer port.
func (l *udpListener) unreachable(last netip.AddrPort) {
	if !last.IsValid() {
		return
	}
	l.srv.log.Info().Stringer("peer", last).Uint16("port", l.port).Msg("udp peer unreachable")
	l.dropPeer(last)
	l.srv.send(wire.Flow{Type: wire.UDP, Port: l.port, Peer: last}, nil)
}

func (l *udpListener) dropPeer(peer netip.AddrPort) {
	l.mu.Lock()
	delete(l.peers, peer)
	l.mu.Unlock()
}

// A tcpListener is one bound public TCP port and its accepted connections.
type tcpListener struct {
	srv  *Server
	port uint16
	ln   *net.TCPListener

	mu     sync.Mutex
	conns  map[netip.AddrPort]*tcpConn
	closed bool
}

type tcpConn struct {
	stream *relay.Stream

	// closeSent records that the flow-closed frame for this connection went
	// out, whichever side initiated.
	closeSent atomic.Bool
}

func (l *tcpListener) accept() {
	for {
		c, err := l.ln.AcceptTCP()
		if err != nil {
			if l.isClosed() || l.srv.isClosed() {
				return
			}
			l.srv.log.Err(err).Uint16("port", l.port).Msg("accept failed")
			l.srv.sess.Close(err)
			return
		}
		peer := mustAddrPort(c.RemoteAddr())
		if err := transit.SetKeepAlive(c); err != nil {
			l.srv.log.Warn().Err(err).Stringer("peer", peer).Msg("configure keepalive")
		}
		l.srv.m.TCPConnections.Inc()
		l.srv.log.Info().Stringer("peer", peer).Uint16("port", l.port).Msg("new tcp connection")

		fc := &tcpConn{stream: relay.NewStream(c, flowQueueSize, 0)}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			c.Close()
			return
		}
		old := l.conns[peer]
		l.conns[peer] = fc
		l.mu.Unlock()
		if old != nil {
			// Closed outside the lock: the close hook re-enters l.mu.
			old.stream.Close(nil)
		}

		fc.stream.OnClose(func(error) {
			l.remove(peer, fc)
			if !fc.closeSent.Swap(true) && !l.srv.isClosed() {
				l.srv.send(wire.Flow{Type: wire.TCP, Port: l.port, Peer: peer}, nil)
			}
			l.srv.log.Info().Stringer("peer", peer).Uint16("port", l.port).Msg("tcp connection closed")
		})
		go l.serve(fc, peer)
	}
}

func (l *tcpListener) serve(fc *tcpConn, peer netip.AddrPort) {
	err := fc.stream.Run(func(data []byte) error {
		l.srv.send(wire.Flow{Type: wire.TCP, Port: l.port, Peer: peer}, data)
		return nil
	})
	if errors.Is(err, io.EOF) {
		// The peer finished sending. Relay end-of-stream but keep the
		// connection writable until the far side closes its half too.
		if !fc.closeSent.Swap(true) {
			l.srv.send(wire.Flow{Type: wire.TCP, Port: l.port, Peer: peer}, nil)
		}
	}
}

// forward routes a frame from the transit channel to the accepted
// connection it belongs to.
func (l *tcpListener) forward(peer netip.AddrPort, payload []byte) {
	l.mu.Lock()
	fc := l.conns[peer]
	l.mu.Unlock()
	if fc == nil {
		l.srv.m.UnknownFlows.Inc()
		l.srv.log.Warn().Stringer("peer", peer).Uint16("port", l.port).Msg("frame for unknown tcp connection")
		l.srv.send(wire.Flow{Type: wire.TCP, Port: l.port, Peer: peer}, nil)
		return
	}
	if len(payload) == 0 {
		fc.stream.CloseAfterFlush()
		return
	}
	if err := fc.stream.Enqueue(bytes.Clone(payload)); err != nil {
		if errors.Is(err, relay.ErrQueueFull) {
			l.srv.log.Warn().Stringer("peer", peer).Uint16("port", l.port).Msg("tcp flow write queue overflow")
			fc.stream.Close(err)
		}
	}
}

// remove drops the table entry for peer, but only if it still refers to fc:
// a replacement accepted for the same peer must not be evicted by the old
// connection's close hook.
func (l *tcpListener) remove(peer netip.AddrPort, fc *tcpConn) {
	l.mu.Lock()
	if l.conns[peer] == fc {
		delete(l.conns, peer)
	}
	l.mu.Unlock()
}

func (l *tcpListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *tcpListener) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	conns := make([]*tcpConn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	l.ln.Close()
	for _, c := range conns {
		c.stream.Close(nil)
	}
}

func mustAddrPort(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch a := a.(type) {
	case *net.TCPAddr:
		ap = a.AddrPort()
	case *net.UDPAddr:
		ap = a.AddrPort()
	default:
		panic(fmt.Sprintf("unexpected address type %T", a))
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
