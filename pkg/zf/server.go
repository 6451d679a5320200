package zf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stfujnkk/zomboid-forward/pkg/forward"
	"github.com/stfujnkk/zomboid-forward/pkg/transit"
)

// Server is the public endpoint: it accepts one authenticated forwarding
// client and exposes public ports on its behalf.
type Server struct {
	Logger zerolog.Logger

	bind   netip.AddrPort
	tok    []byte
	used   *forward.PortSet
	tm     *transit.Metrics
	fm     *forward.ServerMetrics
	reopen func()

	mu     sync.Mutex
	ln     *net.TCPListener
	active *transit.ServerSession
	closed bool
}

// NewServer configures a server from c. The token is consumed from c here;
// it is not kept in its string form.
func NewServer(c *ServerConfig) (*Server, error) {
	l, reopen, err := ConfigureLogging(&c.Common)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	tok, err := c.TakeToken()
	if err != nil {
		return nil, err
	}
	return &Server{
		Logger: l,
		bind:   netip.AddrPortFrom(c.BindAddr, c.BindPort),
		tok:    tok,
		used:   forward.NewPortSet(),
		tm:     transit.NewMetrics(nil),
		fm:     forward.NewServerMetrics(nil),
		reopen: reopen,
	}, nil
}

// HandleSIGHUP reopens the log file.
func (s *Server) HandleSIGHUP() {
	if s.reopen != nil {
		s.reopen()
	}
}

// Addr returns the address of the transit listener, or nil if Run has not
// bound it yet.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run listens for transit connections until ctx is canceled. Only one
// forwarding client is served at a time; a second connection is refused
// while a session is active.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(s.bind))
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.bind, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.Logger.Info().Msg("waiting for client connection...")
	s.Logger.Info().Stringer("addr", s.bind).Msg("listening")

	stop := context.AfterFunc(ctx, func() { s.shutdown(ctx.Err()) })
	defer stop()

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		peer := conn.RemoteAddr()

		s.mu.Lock()
		if s.active != nil {
			s.mu.Unlock()
			s.Logger.Warn().Stringer("peer", peer).Msg("refusing client: a session is already active")
			conn.Close()
			continue
		}
		sess, err := transit.NewServerSession(conn, s.tok, s.Logger.With().Str("component", "transit").Logger(), s.tm)
		if err != nil {
			s.mu.Unlock()
			s.Logger.Err(err).Stringer("peer", peer).Msg("initialize session")
			conn.Close()
			continue
		}
		s.active = sess
		s.mu.Unlock()

		s.tm.Sessions.Inc()
		s.Logger.Info().Stringer("peer", peer).Msg("client connected")

		fwd := forward.NewServer(sess, s.used, s.Logger.With().Str("component", "forward").Logger(), s.fm)
		go s.serve(sess, fwd, peer)
	}
}

func (s *Server) serve(sess *transit.ServerSession, fwd *forward.Server, peer net.Addr) {
	err := sess.Run(fwd)
	if err != nil && !errors.Is(err, io.EOF) {
		s.tm.SessionsFailed.Inc()
		s.Logger.Err(err).Stringer("peer", peer).Msg("session ended")
	} else {
		s.Logger.Info().Stringer("peer", peer).Msg("session ended")
	}
	// The close hook may still be mid-flight on another goroutine; Close is
	// idempotent and makes sure the ports are released before the slot
	// frees up for the next client.
	fwd.Close()
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *Server) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln, active := s.ln, s.active
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if active != nil {
		active.Close(cause)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
