package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mineroot/p2pshare/pkg/bitfield"
)

const DefaultTimeout = 10 * time.Second

var ErrInvalidHandshake = fmt.Errorf("invalid handshake")

// Negotiator turns an opened connection into a validated Session.
type Negotiator struct {
	localID ID
	known   KnownPeers
	local   *bitfield.Bitfield
	timeout time.Duration
}

// NewNegotiator creates a Negotiator. Every socket operation is bounded by timeout,
// zero disables deadlines.
func NewNegotiator(localID ID, known KnownPeers, local *bitfield.Bitfield, timeout time.Duration) *Negotiator {
	return &Negotiator{
		localID: localID,
		known:   known,
		local:   local,
		timeout: timeout,
	}
}

// Negotiate runs the dialing side of the exchange:
// send handshake, receive handshake, receive bitfield, send bitfield.
// conn is closed on any error.
func (n *Negotiator) Negotiate(ctx context.Context, conn net.Conn, addr Address) (s *Session, err error) {
	defer func() {
		if err != nil {
			err = withCancelCause(ctx, err)
			_ = conn.Close()
		}
	}()
	defer conn.SetDeadline(time.Time{})
	defer watchCancel(ctx, conn)()

	if err = n.write(ctx, conn, EncodeHandshake(n.localID)); err != nil {
		return nil, fmt.Errorf("unable to send handshake: %w", err)
	}
	remoteID, err := n.readHandshake(ctx, conn)
	if err != nil {
		return nil, err
	}
	if remoteID != addr.PeerID {
		log.Ctx(ctx).Warn().
			Stringer("expected_peer", addr.PeerID).
			Stringer("remote_peer", remoteID).
			Msg("handshake peer id differs from directory")
	}
	// receive before send, the accepting side sends its bitfield first
	remoteBf, err := n.readBitfield(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err = n.write(ctx, conn, NewBitfield(n.local).Encode()); err != nil {
		return nil, fmt.Errorf("unable to send bitfield: %w", err)
	}
	return NewSession(n.localID, remoteID, conn, true, remoteBf), nil
}

// Respond runs the accepting side of the exchange:
// receive handshake, send handshake, send bitfield, receive bitfield.
// conn is closed on any error.
func (n *Negotiator) Respond(ctx context.Context, conn net.Conn) (s *Session, err error) {
	defer func() {
		if err != nil {
			err = withCancelCause(ctx, err)
			_ = conn.Close()
		}
	}()
	defer conn.SetDeadline(time.Time{})
	defer watchCancel(ctx, conn)()

	remoteID, err := n.readHandshake(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err = n.write(ctx, conn, EncodeHandshake(n.localID)); err != nil {
		return nil, fmt.Errorf("unable to send handshake: %w", err)
	}
	if err = n.write(ctx, conn, NewBitfield(n.local).Encode()); err != nil {
		return nil, fmt.Errorf("unable to send bitfield: %w", err)
	}
	remoteBf, err := n.readBitfield(ctx, conn)
	if err != nil {
		return nil, err
	}
	return NewSession(n.localID, remoteID, conn, false, remoteBf), nil
}

func (n *Negotiator) readHandshake(ctx context.Context, conn net.Conn) (ID, error) {
	buf := make([]byte, HandshakeLen)
	if err := n.arm(ctx, conn.SetReadDeadline); err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, fmt.Errorf("unable to read handshake: %w", err)
	}
	header, remoteID, err := DecodeHandshake(buf)
	if err != nil {
		return 0, err
	}
	if !IsValidHandshake(header, remoteID, n.localID, n.known) {
		return 0, fmt.Errorf("%w: header %q, peer %s", ErrInvalidHandshake, header, remoteID)
	}
	return remoteID, nil
}

func (n *Negotiator) readBitfield(ctx context.Context, conn net.Conn) (*bitfield.Bitfield, error) {
	if err := n.arm(ctx, conn.SetReadDeadline); err != nil {
		return nil, err
	}
	msg, err := ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("unable to read bitfield: %w", err)
	}
	if msg.ID != MsgBitfield {
		return nil, fmt.Errorf("%w: expected bitfield, got %d", ErrUnexpectedMessage, msg.ID)
	}
	bf, err := bitfield.FromPayload(msg.Payload, n.local.ChunksCount())
	if err != nil {
		return nil, fmt.Errorf("unable to decode bitfield: %w", err)
	}
	return bf, nil
}

func (n *Negotiator) write(ctx context.Context, conn net.Conn, b []byte) error {
	if err := n.arm(ctx, conn.SetWriteDeadline); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

func (n *Negotiator) deadline(ctx context.Context) time.Time {
	var d time.Time
	if n.timeout > 0 {
		d = time.Now().Add(n.timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}

// arm sets the deadline of the next socket operation. A cancelled ctx
// expires it immediately, since watchCancel may have fired before the set.
func (n *Negotiator) arm(ctx context.Context, set func(time.Time) error) error {
	_ = set(n.deadline(ctx))
	if err := ctx.Err(); err != nil {
		_ = set(time.Now())
		return err
	}
	return nil
}

// watchCancel unblocks pending socket operations on conn once ctx is done.
// The returned func stops the watcher and waits for it.
func watchCancel(ctx context.Context, conn net.Conn) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func withCancelCause(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil || errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w: %w", ctxErr, err)
}
