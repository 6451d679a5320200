// Package transit implements the authenticated control channel between the
// forwarding client and the public server: chunk framing over a single TCP
// stream, the two-nonce token handshake, and the multiplexing of flow frames
// once a session is running.
package transit

import (
	"errors"
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stfujnkk/zomboid-forward/pkg/relay"
	"github.com/stfujnkk/zomboid-forward/pkg/wire"
)

var (
	// ErrVerificationFailed means the client's token digest did not match.
	ErrVerificationFailed = errors.New("transit: verification failed")

	// ErrAuthTimeout means the client did not complete the handshake within
	// the grace period.
	ErrAuthTimeout = errors.New("transit: handshake timed out")

	// ErrProtocol covers malformed transit traffic; it is terminal for the
	// session.
	ErrProtocol = errors.New("transit: protocol error")

	// ErrBusy means a forwarding client is already connected.
	ErrBusy = errors.New("transit: a client is already connected")
)

// State is the position of a session in the handshake.
type State int32

const (
	StateAwaitChallenge State = iota
	StateAwaitToken
	StateAwaitConfig
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitChallenge:
		return "AWAIT_CHALLENGE"
	case StateAwaitToken:
		return "AWAIT_TOKEN"
	case StateAwaitConfig:
		return "AWAIT_CONFIG"
	case StateRunning:
		return "RUNNING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// transitQueueSize bounds the transit write queue. Overflow means the
// session cannot drain and is treated as a protocol failure.
const transitQueueSize = 4096

// A Conn frames logical messages over the transit TCP stream.
type Conn struct {
	stream *relay.Stream
	unp    wire.Unpacker
	buf    []byte
	m      *Metrics
}

func newConn(stream *relay.Stream, m *Metrics) *Conn {
	return &Conn{stream: stream, m: m}
}

// SendMessage frames msg and enqueues it.
func (c *Conn) SendMessage(msg []byte) error {
	if err := c.stream.Enqueue(wire.PackMessage(msg)); err != nil {
		if errors.Is(err, relay.ErrQueueFull) {
			err = fmt.Errorf("%w: write queue overflow", ErrProtocol)
			c.stream.Close(err)
		}
		return err
	}
	if c.m != nil {
		c.m.TxMessages.Inc()
		c.m.TxBytes.Add(len(msg))
	}
	return nil
}

// SendFlow frames a flow message for f carrying payload. An empty payload
// signals flow-closed.
func (c *Conn) SendFlow(f wire.Flow, payload []byte) error {
	b := make([]byte, 0, wire.FlowHeaderSize+len(payload))
	b, err := wire.AppendFlow(b, f, payload)
	if err != nil {
		return err
	}
	return c.SendMessage(b)
}

// feed consumes raw stream bytes, invoking fn for each complete logical
// message. The message slice is only valid during the call.
func (c *Conn) feed(data []byte, fn func(msg []byte) error) error {
	c.buf = append(c.buf, data...)
	for {
		msg, n, err := c.unp.Next(c.buf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if msg == nil {
			c.buf = append(c.buf[:0], c.buf[n:]...)
			return nil
		}
		if c.m != nil {
			c.m.RxMessages.Inc()
			c.m.RxBytes.Add(len(msg))
		}
		err = fn(msg)
		c.buf = append(c.buf[:0], c.buf[n:]...)
		if err != nil {
			return err
		}
	}
}

// Metrics counts transit traffic for one endpoint. All fields are created by
// NewMetrics and safe for concurrent use.
type Metrics struct {
	RxMessages *metrics.Counter
	RxBytes    *metrics.Counter
	TxMessages *metrics.Counter
	TxBytes    *metrics.Counter

	Sessions       *metrics.Counter
	SessionsFailed *metrics.Counter
}

// NewMetrics creates the transit counters in set, or in the default set if
// set is nil.
func NewMetrics(set *metrics.Set) *Metrics {
	c := func(name string) *metrics.Counter {
		if set != nil {
			return set.GetOrCreateCounter(name)
		}
		return metrics.GetOrCreateCounter(name)
	}
	return &Metrics{
		RxMessages:     c(`zf_transit_messages_total{direction="rx"}`),
		RxBytes:        c(`zf_transit_bytes_total{direction="rx"}`),
		TxMessages:     c(`zf_transit_messages_total{direction="tx"}`),
		TxBytes:        c(`zf_transit_bytes_total{direction="tx"}`),
		Sessions:       c(`zf_transit_sessions_total`),
		SessionsFailed: c(`zf_transit_sessions_failed_total`),
	}
}
