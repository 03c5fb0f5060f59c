package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mineroot/p2pshare/pkg/bitfield"
)

var ErrSessionClosed = fmt.Errorf("session closed")

// Session is a validated connection between two peers after the handshake
// and bitfield exchange.
type Session struct {
	ID       uuid.UUID
	LocalID  ID
	RemoteID ID
	Conn     net.Conn
	Outbound bool

	remoteBitfield []byte
	availability   *bitfield.Bitfield
	outbox         chan *Message
	arrivals       chan int
	peerChoking    atomic.Bool
	peerInterested atomic.Bool
	closeOnce      sync.Once
	done           chan struct{}
}

func NewSession(local, remote ID, conn net.Conn, outbound bool, remoteBf *bitfield.Bitfield) *Session {
	return &Session{
		ID:             uuid.New(),
		LocalID:        local,
		RemoteID:       remote,
		Conn:           conn,
		Outbound:       outbound,
		remoteBitfield: remoteBf.Bitfield(),
		availability:   remoteBf.Clone(),
		outbox:         make(chan *Message, 512),
		arrivals:       make(chan int, 16),
		done:           make(chan struct{}),
	}
}

// RemoteBitfield returns the bitfield received during negotiation.
func (s *Session) RemoteBitfield() []byte {
	buf := make([]byte, len(s.remoteBitfield))
	copy(buf, s.remoteBitfield)
	return buf
}

// Availability is the remote's possession map, kept current by have messages.
func (s *Session) Availability() *bitfield.Bitfield {
	return s.availability
}

func (s *Session) Send(ctx context.Context, m *Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.outbox <- m:
		return nil
	}
}

func (s *Session) Outbox() <-chan *Message {
	return s.outbox
}

// NotifyArrival reports a chunk received on this session. Drops when nobody listens.
func (s *Session) NotifyArrival(chunkIndex int) {
	select {
	case s.arrivals <- chunkIndex:
	default:
	}
}

func (s *Session) Arrivals() <-chan int {
	return s.arrivals
}

func (s *Session) SetPeerChoking(v bool) {
	s.peerChoking.Store(v)
}

func (s *Session) PeerChoking() bool {
	return s.peerChoking.Load()
}

func (s *Session) SetPeerInterested(v bool) {
	s.peerInterested.Store(v)
}

func (s *Session) PeerInterested() bool {
	return s.peerInterested.Load()
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() (err error) {
	err = ErrSessionClosed
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.Conn.Close()
	})
	return
}

func (s *Session) String() string {
	return fmt.Sprintf("%s->%s", s.LocalID, s.RemoteID)
}
