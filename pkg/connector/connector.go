package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mineroot/p2pshare/pkg/peer"
)

type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Negotiator interface {
	Negotiate(ctx context.Context, conn net.Conn, addr peer.Address) (*peer.Session, error)
	Respond(ctx context.Context, conn net.Conn) (*peer.Session, error)
}

type Registrar interface {
	Register(ctx context.Context, s *peer.Session) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, s *peer.Session)
}

// Connector drives opened connections through negotiation, registration
// and worker dispatch. Failures are contained per peer and only logged.
type Connector struct {
	dialer      ContextDialer
	negotiator  Negotiator
	registrar   Registrar
	dispatcher  Dispatcher
	parallelism int
}

type Option func(c *Connector)

// WithParallelism dials up to n addresses at once. n <= 1 keeps dialing sequential.
func WithParallelism(n int) Option {
	return func(c *Connector) {
		c.parallelism = n
	}
}

func New(dialer ContextDialer, negotiator Negotiator, registrar Registrar, dispatcher Dispatcher, opts ...Option) *Connector {
	c := &Connector{
		dialer:      dialer,
		negotiator:  negotiator,
		registrar:   registrar,
		dispatcher:  dispatcher,
		parallelism: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to every address in list order and returns the number of
// sessions established. An unreachable or misbehaving peer is skipped.
func (c *Connector) Dial(ctx context.Context, addrs []peer.Address) int {
	var established atomic.Int32
	if c.parallelism <= 1 {
		for _, addr := range addrs {
			if ctx.Err() != nil {
				break
			}
			if c.dial(ctx, addr) {
				established.Add(1)
			}
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(c.parallelism)
		for _, addr := range addrs {
			addr := addr
			g.Go(func() error {
				if c.dial(ctx, addr) {
					established.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	n := int(established.Load())
	log.Ctx(ctx).Info().
		Int("peers", len(addrs)).
		Int("established", n).
		Msg("done dialing preceding peers")
	return n
}

func (c *Connector) dial(ctx context.Context, addr peer.Address) bool {
	l := log.Ctx(ctx).With().Stringer("remote_peer", addr.PeerID).Str("addr", addr.String()).Logger()
	ctx = l.WithContext(ctx)
	conn, err := c.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		l.Warn().Err(err).Msg("unable to dial remote peer")
		return false
	}
	s, err := c.negotiator.Negotiate(ctx, conn, addr)
	if err != nil {
		c.logRejected(ctx, err)
		return false
	}
	if err = c.admit(ctx, s); err != nil {
		l.Warn().Err(err).Msg("unable to register session")
		return false
	}
	return true
}

// Accept runs the accepting side for an inbound connection.
func (c *Connector) Accept(ctx context.Context, conn net.Conn) error {
	l := log.Ctx(ctx).With().Str("addr", conn.RemoteAddr().String()).Logger()
	ctx = l.WithContext(ctx)
	s, err := c.negotiator.Respond(ctx, conn)
	if err != nil {
		c.logRejected(ctx, err)
		return fmt.Errorf("unable to accept connection: %w", err)
	}
	if err = c.admit(ctx, s); err != nil {
		l.Warn().Err(err).Msg("unable to register session")
		return err
	}
	return nil
}

func (c *Connector) admit(ctx context.Context, s *peer.Session) error {
	if err := c.registrar.Register(ctx, s); err != nil {
		_ = s.Close()
		return err
	}
	c.dispatcher.Dispatch(ctx, s)
	return nil
}

func (c *Connector) logRejected(ctx context.Context, err error) {
	l := log.Ctx(ctx)
	if errors.Is(err, peer.ErrInvalidHandshake) || errors.Is(err, peer.ErrMalformedHandshake) {
		l.Warn().Err(err).Msg("unexpected peer connection")
		return
	}
	l.Warn().Err(err).Msg("unable to negotiate session")
}
