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
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"github.com/stfujnkk/zomboid-forward/pkg/relay"
	"github.com/stfujnkk/zomboid-forward/pkg/wire"
)

// DefaultIdleTimeout is how long a virtual peer may stay silent before its
// flow is torn down, unless overridden on the command line.
const DefaultIdleTimeout = 300 * time.Second

const dialTimeout = 10 * time.Second

type portKey struct {
	typ  wire.PortType
	port uint16
}

type localKey struct {
	typ  wire.PortType
	addr netip.AddrPort
}

type peerKey struct {
	typ  wire.PortType
	peer netip.AddrPort
}

// ClientMetrics counts virtual-peer activity on the client side.
type ClientMetrics struct {
	PeersOpened  *metrics.Counter
	PeersExpired *metrics.Counter
}

// NewClientMetrics creates the client-side counters in set, or in the
// default set if set is nil.
func NewClientMetrics(set *metrics.Set) *ClientMetrics {
	c := func(name string) *metrics.Counter {
		if set != nil {
			return set.GetOrCreateCounter(name)
		}
		return metrics.GetOrCreateCounter(name)
	}
	return &ClientMetrics{
		PeersOpened:  c(`zf_virtual_peers_opened_total`),
		PeersExpired: c(`zf_virtual_peers_expired_total`),
	}
}

// Client maps every (protocol, remote peer) tuple received from the transit
// channel onto a dedicated socket to a local service and relays both ways.
// It implements transit.ClientHandler.
type Client struct {
	log  zerolog.Logger
	sess FrameSender
	idle time.Duration
	m    *ClientMetrics

	remote2local map[portKey]netip.AddrPort
	local2remote map[localKey]uint16

	mu     sync.Mutex
	peers  map[peerKey]*virtualPeer
	closed bool
}

// NewClient builds the virtual-peer manager from the forwarding sections.
// Both mapping directions must be unambiguous; duplicates are rejected
// before anything connects. idle bounds per-flow silence, with
// DefaultIdleTimeout applied when zero.
func NewClient(sections []Section, sess FrameSender, idle time.Duration, log zerolog.Logger, m *ClientMetrics) (*Client, error) {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if m == nil {
		m = NewClientMetrics(nil)
	}
	c := &Client{
		log:          log,
		sess:         sess,
		idle:         idle,
		m:            m,
		remote2local: make(map[portKey]netip.AddrPort),
		local2remote: make(map[localKey]uint16),
		peers:        make(map[peerKey]*virtualPeer),
	}
	for _, sec := range sections {
		if !sec.LocalIP.IsValid() {
			return nil, fmt.Errorf("section %q: missing local_ip", sec.Name)
		}
		if len(sec.LocalPorts) != len(sec.RemotePorts) {
			return nil, fmt.Errorf("section %q: local_port and remote_port must pair up (%d vs %d)",
				sec.Name, len(sec.LocalPorts), len(sec.RemotePorts))
		}
		for i, rp := range sec.RemotePorts {
			pk := portKey{sec.Type, rp}
			la := netip.AddrPortFrom(sec.LocalIP, sec.LocalPorts[i])
			lk := localKey{sec.Type, la}
			if _, dup := c.remote2local[pk]; dup {
				return nil, fmt.Errorf("section %q: remote %s port %d mapped twice", sec.Name, sec.Type, rp)
			}
			if _, dup := c.local2remote[lk]; dup {
				return nil, fmt.Errorf("section %q: local %s %s mapped twice", sec.Name, sec.Type, la)
			}
			c.remote2local[pk] = la
			c.local2remote[lk] = rp
		}
	}
	if len(c.remote2local) == 0 {
		return nil, errors.New("configuration has no forwarding sections")
	}
	return c, nil
}

// Flow implements transit.ClientHandler by routing a demultiplexed frame to
// its virtual peer, creating it on first contact.
func (c *Client) Flow(f wire.Flow, payload []byte) {
	key := peerKey{f.Type, f.Peer}
	c.mu.Lock()
	p := c.peers[key]
	c.mu.Unlock()

	if len(payload) == 0 {
		if p != nil {
			p.remoteClose()
		}
		return
	}
	if p == nil {
		local, ok := c.remote2local[portKey{f.Type, f.Port}]
		if !ok {
			c.log.Warn().Stringer("flow", f).Msg("frame for unmapped public port")
			return
		}
		var err error
		if p, err = c.spawn(key, f.Port, local); err != nil {
			c.log.Err(err).Stringer("flow", f).Msg("open virtual peer")
			c.send(wire.Flow{Type: f.Type, Port: f.Port, Peer: f.Peer}, nil)
			return
		}
		if p == nil {
			return
		}
	}
	p.deliver(f.Port, payload)
}

// Closed implements transit.ClientHandler: when the transit session ends,
// every virtual peer goes with it.
func (c *Client) Closed(cause error) {
	if cause != nil && !errors.Is(cause, io.EOF) {
		c.log.Err(cause).Msg("session closed")
	} else {
		c.log.Info().Msg("server closed the session")
	}
	c.Close()
}

// Close tears down every virtual peer. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	peers := make([]*virtualPeer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peers = make(map[peerKey]*virtualPeer)
	c.mu.Unlock()

	for _, p := range peers {
		p.shutdown()
	}
}

func (c *Client) spawn(key peerKey, port uint16, local netip.AddrPort) (*virtualPeer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil
	}
	if p := c.peers[key]; p != nil {
		return p, nil
	}
	p := &virtualPeer{c: c, key: key}
	p.port.Store(uint32(port))
	switch key.typ {
	case wire.UDP:
		conn, err := net.ListenUDP("udp4", nil)
		if err != nil {
			return nil, err
		}
		p.d = relay.NewDatagram(conn, udpQueueSize, c.idle)
		p.d.OnClose(func(cause error) { c.drop(key, p, cause) })
		go p.runUDP()
	case wire.TCP:
		go p.dialTCP(local)
	default:
		return nil, fmt.Errorf("unknown port type %d", key.typ)
	}
	c.peers[key] = p
	c.m.PeersOpened.Inc()
	c.log.Debug().Stringer("type", key.typ).Stringer("peer", key.peer).Stringer("local", local).Msg("new virtual peer")
	return p, nil
}

// drop removes p from the table and, unless the far side already closed a
// UDP flow or the whole session is going away, announces the teardown.
func (c *Client) drop(key peerKey, p *virtualPeer, cause error) {
	c.mu.Lock()
	if c.peers[key] == p {
		delete(c.peers, key)
	}
	closed := c.closed
	c.mu.Unlock()

	if errors.Is(cause, relay.ErrIdleTimeout) {
		c.m.PeersExpired.Inc()
		c.log.Info().Stringer("type", key.typ).Stringer("peer", key.peer).Msg("virtual peer timed out")
	}
	// A TCP flow always answers the far side's flow-closed so both ends can
	// finish the close exchange; a UDP flow only announces closes it
	// initiated (timeouts, errors).
	announce := key.typ == wire.TCP || !p.remote.Load()
	if !closed && announce && !p.closeSent.Swap(true) {
		c.send(wire.Flow{Type: key.typ, Port: uint16(p.port.Load()), Peer: key.peer}, nil)
	}
}

// send multiplexes a frame onto the transit session. Failures mean the
// session is going away; they are logged and otherwise ignored.
func (c *Client) send(f wire.Flow, payload []byte) {
	if err := c.sess.SendFlow(f, payload); err != nil {
		c.log.Debug().Err(err).Stringer("flow", f).Msg("dropped frame for closing session")
	}
}

// A virtualPeer is the local-facing socket dedicated to one remote peer's
// traffic: an unconnected UDP socket with an idle deadline, or an outbound
// TCP connection that buffers writes while connecting.
type virtualPeer struct {
	c   *Client
	key peerKey

	// port is the public port of the most recent frame for this peer, used
	// to address its flow-closed announcement.
	port atomic.Uint32

	d *relay.Datagram // udp only

	mu      sync.Mutex // tcp state
	stream  *relay.Stream
	pending [][]byte
	closed  bool

	closeSent atomic.Bool
	remote    atomic.Bool // far side already closed the flow
}

// deliver enqueues a payload from the transit channel toward the local
// service.
func (p *virtualPeer) deliver(port uint16, payload []byte) {
	p.port.Store(uint32(port))
	if p.key.typ == wire.UDP {
		local, ok := p.c.remote2local[portKey{wire.UDP, port}]
		if !ok {
			p.c.log.Warn().Uint16("port", port).Msg("frame for unmapped public port")
			return
		}
		p.d.Enqueue(relay.Packet{Data: bytes.Clone(payload), Addr: local})
		return
	}

	data := bytes.Clone(payload)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.stream == nil {
		if len(p.pending) >= flowQueueSize {
			p.closed = true
			p.pending = nil
			p.mu.Unlock()
			p.c.log.Warn().Stringer("peer", p.key.peer).Msg("tcp flow write queue overflow while connecting")
			p.c.drop(p.key, p, relay.ErrQueueFull)
			return
		}
		p.pending = append(p.pending, data)
		p.mu.Unlock()
		return
	}
	st := p.stream
	p.mu.Unlock()
	if err := st.Enqueue(data); err != nil && errors.Is(err, relay.ErrQueueFull) {
		p.c.log.Warn().Stringer("peer", p.key.peer).Msg("tcp flow write queue overflow")
		st.Close(err)
	}
}

// remoteClose handles a flow-closed frame from the server. A TCP peer
// finishes its pending writes before it is torn down; a UDP peer is closed
// at once and its queued datagrams are discarded.
func (p *virtualPeer) remoteClose() {
	p.remote.Store(true)
	if p.key.typ == wire.UDP {
		p.d.Close(nil)
		return
	}
	p.mu.Lock()
	st := p.stream
	p.mu.Unlock()
	if st == nil {
		// Still connecting; dialTCP closes after flushing what was queued.
		return
	}
	st.CloseAfterFlush()
}

// shutdown tears the peer down silently during session teardown.
func (p *virtualPeer) shutdown() {
	p.remote.Store(true)
	if p.key.typ == wire.UDP {
		p.d.Close(nil)
		return
	}
	p.mu.Lock()
	st := p.stream
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	if st != nil {
		st.Close(nil)
	}
}

func (p *virtualPeer) runUDP() {
	p.d.Run(func(data []byte, from netip.AddrPort) {
		rport, ok := p.c.local2remote[localKey{wire.UDP, from}]
		if !ok {
			p.c.log.Debug().Stringer("from", from).Msg("datagram from unexpected source")
			return
		}
		p.c.send(wire.Flow{Type: wire.UDP, Port: rport, Peer: p.key.peer}, data)
	}, nil)
}

func (p *virtualPeer) dialTCP(local netip.AddrPort) {
	conn, err := net.DialTimeout("tcp", local.String(), dialTimeout)
	if err != nil {
		p.c.log.Warn().Err(err).Stringer("local", local).Msg("connect to local service")
		p.mu.Lock()
		p.closed = true
		p.pending = nil
		p.mu.Unlock()
		p.c.drop(p.key, p, err)
		return
	}

	st := relay.NewStream(conn, flowQueueSize, 0)
	st.OnClose(func(cause error) { p.c.drop(p.key, p, cause) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.stream = st
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, data := range pending {
		if err := st.Enqueue(data); err != nil {
			break
		}
	}
	if p.remote.Load() {
		st.CloseAfterFlush()
	}

	err = st.Run(func(data []byte) error {
		p.c.send(wire.Flow{Type: wire.TCP, Port: uint16(p.port.Load()), Peer: p.key.peer}, data)
		return nil
	})
	if errors.Is(err, io.EOF) {
		// The local service finished sending; relay end-of-stream and close
		// once both halves are done.
		if !p.closeSent.Swap(true) {
			p.c.send(wire.Flow{Type: wire.TCP, Port: uint16(p.port.Load()), Peer: p.key.peer}, nil)
		}
		if p.remote.Load() {
			st.Close(nil)
		}
	}
}
