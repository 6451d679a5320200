package transit

import (
	"encoding/json"
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

// authGrace bounds how long a client may take to answer the challenge.
const authGrace = 3 * time.Second

// A ServerHandler receives the demultiplexed side of a server session.
type ServerHandler interface {
	// Config is invoked once with the client's forwarding request, after the
	// token was verified. Returning an error rejects the session.
	Config(sections map[string]map[string]string) error

	// Flow is invoked for every flow frame received while running. payload
	// is only valid during the call; an empty payload is a flow-closed
	// indication.
	Flow(f wire.Flow, payload []byte)

	// Closed is invoked exactly once when the session ends, whatever the
	// cause.
	Closed(err error)
}

// A ServerSession is the server end of one authenticated transit connection.
type ServerSession struct {
	log  zerolog.Logger
	conn *Conn

	expect    [token.DigestSize]byte
	challenge [token.ChallengeSize]byte

	state     atomic.Int32
	authTimer *time.Timer
	handler   ServerHandler
}

// NewServerSession prepares a session over tc for a client that must prove
// knowledge of tok. The session does nothing until Run is called.
func NewServerSession(tc *net.TCPConn, tok []byte, log zerolog.Logger, m *Metrics) (*ServerSession, error) {
	if err := SetKeepAlive(tc); err != nil {
		return nil, fmt.Errorf("configure keepalive: %w", err)
	}
	s := &ServerSession{log: log}
	var err error
	if s.expect, s.challenge, err = token.Challenge(tok); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	s.conn = newConn(relay.NewStream(tc, transitQueueSize, 0), m)
	return s, nil
}

// State returns the session's current handshake state.
func (s *ServerSession) State() State { return State(s.state.Load()) }

// SendFlow multiplexes a flow frame to the client.
func (s *ServerSession) SendFlow(f wire.Flow, payload []byte) error {
	return s.conn.SendFlow(f, payload)
}

// Close ends the session. The handler's Closed hook runs exactly once.
func (s *ServerSession) Close(cause error) {
	s.conn.stream.Close(cause)
}

// Run drives the session to completion: it sends the challenge, verifies the
// token response, hands the configuration to h, and then demultiplexes flow
// frames into it. It blocks until the session ends and returns the cause;
// io.EOF means the client hung up.
func (s *ServerSession) Run(h ServerHandler) error {
	s.handler = h
	s.conn.stream.OnClose(func(cause error) {
		s.state.Store(int32(StateClosed))
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		h.Closed(cause)
	})

	if err := s.conn.SendMessage(s.challenge[:]); err != nil {
		s.Close(err)
		return err
	}
	s.state.Store(int32(StateAwaitToken))
	s.authTimer = time.AfterFunc(authGrace, func() {
		if s.State() <= StateAwaitToken {
			s.log.Info().Msg("closing client: handshake timed out")
			s.Close(ErrAuthTimeout)
		}
	})

	err := s.conn.stream.Run(func(data []byte) error {
		return s.conn.feed(data, s.message)
	})
	if errors.Is(err, io.EOF) {
		s.conn.stream.Close(io.EOF)
	}
	return err
}

func (s *ServerSession) message(msg []byte) error {
	switch s.State() {
	case StateAwaitToken:
		if !token.Verify(s.expect, msg) {
			s.log.Info().Msg("closing client: verification failed")
			return ErrVerificationFailed
		}
		s.authTimer.Stop()
		s.state.Store(int32(StateAwaitConfig))
		s.log.Debug().Msg("client token verified")
		return nil
	case StateAwaitConfig:
		var sections map[string]map[string]string
		if err := json.Unmarshal(msg, &sections); err != nil {
			return fmt.Errorf("%w: decode client config: %v", ErrProtocol, err)
		}
		delete(sections, "common")
		delete(sections, "DEFAULT")
		if err := s.handler.Config(sections); err != nil {
			return fmt.Errorf("start forwarding: %w", err)
		}
		s.state.Store(int32(StateRunning))
		s.log.Info().Msg("session running")
		return nil
	case StateRunning:
		f, payload, err := wire.UnpackFlow(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		s.handler.Flow(f, payload)
		return nil
	}
	return nil
}
