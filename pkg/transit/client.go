package transit

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stfujnkk/zomboid-forward/pkg/relay"
	"github.com/stfujnkk/zomboid-forward/pkg/token"
	"github.com/stfujnkk/zomboid-forward/pkg/wire"
)

// A ClientHandler receives the demultiplexed side of a client session.
type ClientHandler interface {
	// Flow is invoked for every flow frame received while running. payload
	// is only valid during the call; an empty payload is a flow-closed
	// indication.
	Flow(f wire.Flow, payload []byte)

	// Closed is invoked exactly once when the session ends.
	Closed(err error)
}

// A ClientSession is the client end of the transit connection.
type ClientSession struct {
	log  zerolog.Logger
	conn *Conn

	tok     []byte
	config  []byte
	running atomic.Bool
	handler ClientHandler
}

// Dial connects to the server at addr and prepares a session that will
// answer the challenge with tok and then submit configJSON. The session does
// nothing further until Run is called.
func Dial(addr string, tok, configJSON []byte, log zerolog.Logger, m *Metrics) (*ClientSession, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to server: %w", err)
	}
	tc := conn.(*net.TCPConn)
	if err := SetKeepAlive(tc); err != nil {
		tc.Close()
		return nil, fmt.Errorf("configure keepalive: %w", err)
	}
	c := &ClientSession{
		log:    log,
		tok:    tok,
		config: configJSON,
	}
	c.conn = newConn(relay.NewStream(tc, transitQueueSize, 0), m)
	return c, nil
}

// SendFlow multiplexes a flow frame to the server.
func (c *ClientSession) SendFlow(f wire.Flow, payload []byte) error {
	return c.conn.SendFlow(f, payload)
}

// Running reports whether the handshake completed.
func (c *ClientSession) Running() bool { return c.running.Load() }

// Close ends the session. The handler's Closed hook runs exactly once.
func (c *ClientSession) Close(cause error) {
	c.conn.stream.Close(cause)
}

// Run drives the session: it answers the server's challenge, submits the
// configuration, and then demultiplexes flow frames into h. It blocks until
// the session ends; io.EOF means the server hung up, which before the
// handshake completes usually means the token was rejected.
func (c *ClientSession) Run(h ClientHandler) error {
	c.handler = h
	c.conn.stream.OnClose(func(cause error) {
		h.Closed(cause)
	})

	err := c.conn.stream.Run(func(data []byte) error {
		return c.conn.feed(data, c.message)
	})
	if errors.Is(err, io.EOF) {
		c.conn.stream.Close(io.EOF)
	}
	return err
}

func (c *ClientSession) message(msg []byte) error {
	if !c.running.Load() {
		digest, err := token.Respond(c.tok, msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err := c.conn.SendMessage(digest[:]); err != nil {
			return err
		}
		if err := c.conn.SendMessage(c.config); err != nil {
			return err
		}
		c.running.Store(true)
		c.log.Info().Msg("connected to server")
		return nil
	}
	f, payload, err := wire.UnpackFlow(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	c.handler.Flow(f, payload)
	return nil
}
