package zf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stfujnkk/zomboid-forward/pkg/forward"
	"github.com/stfujnkk/zomboid-forward/pkg/relay"
	"github.com/stfujnkk/zomboid-forward/pkg/transit"
	"github.com/stfujnkk/zomboid-forward/pkg/wire"
)

// Client is the private endpoint: it connects to the server, authenticates,
// submits its forwarding configuration, and relays flows to local services.
type Client struct {
	Logger zerolog.Logger

	addr    string
	tok     []byte
	cfgJSON []byte
	fwd     *forward.Client
	sender  *sessionSender
	tm      *transit.Metrics
	reopen  func()
}

// NewClient configures a client from c. idle overrides the per-flow idle
// timeout when positive. Mapping conflicts are rejected here, before
// anything connects.
func NewClient(c *ClientConfig, idle time.Duration) (*Client, error) {
	l, reopen, err := ConfigureLogging(&c.Common)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	tok, err := c.TakeToken()
	if err != nil {
		return nil, err
	}
	cfgJSON, err := json.Marshal(forward.MarshalSections(c.Sections))
	if err != nil {
		return nil, err
	}

	cl := &Client{
		Logger:  l,
		addr:    net.JoinHostPort(c.ServerAddr, strconv.Itoa(int(c.ServerPort))),
		tok:     tok,
		cfgJSON: cfgJSON,
		sender:  &sessionSender{},
		tm:      transit.NewMetrics(nil),
		reopen:  reopen,
	}
	cl.fwd, err = forward.NewClient(c.Sections, cl.sender,
		idle, l.With().Str("component", "forward").Logger(), nil)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// HandleSIGHUP reopens the log file.
func (c *Client) HandleSIGHUP() {
	if c.reopen != nil {
		c.reopen()
	}
}

// Run connects to the server and relays until the session ends or ctx is
// canceled. There is no automatic reconnect; the caller decides whether to
// restart.
func (c *Client) Run(ctx context.Context) error {
	c.Logger.Info().Str("addr", c.addr).Msg("attempting to connect")
	sess, err := transit.Dial(c.addr, c.tok, c.cfgJSON, c.Logger.With().Str("component", "transit").Logger(), c.tm)
	if err != nil {
		return err
	}
	c.sender.set(sess)
	c.tm.Sessions.Inc()

	stop := context.AfterFunc(ctx, func() { sess.Close(ctx.Err()) })
	defer stop()

	err = sess.Run(c.fwd)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.EOF):
		if !sess.Running() {
			return errors.New("server closed the connection during the handshake (wrong token?)")
		}
		c.Logger.Info().Msg("server closed the connection")
		return nil
	}
	return err
}

// sessionSender lets the virtual-peer manager exist before the transit
// session it sends through.
type sessionSender struct {
	p atomic.Pointer[transit.ClientSession]
}

func (s *sessionSender) set(sess *transit.ClientSession) { s.p.Store(sess) }

func (s *sessionSender) SendFlow(f wire.Flow, payload []byte) error {
	if sess := s.p.Load(); sess != nil {
		return sess.SendFlow(f, payload)
	}
	return relay.ErrClosed
}

func (s *sessionSender) Close(cause error) {
	if sess := s.p.Load(); sess != nil {
		sess.Close(cause)
	}
}
