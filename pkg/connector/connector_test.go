package connector

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mineroot/p2pshare/mocks/github.com/mineroot/p2pshare/pkg/connector"
	"github.com/mineroot/p2pshare/pkg/bitfield"
	"github.com/mineroot/p2pshare/pkg/eventlog"
	"github.com/mineroot/p2pshare/pkg/peer"
	"github.com/mineroot/p2pshare/pkg/registry"
	"github.com/mineroot/p2pshare/pkg/worker"
)

const chunksCount = 10

var known = []peer.ID{1000, 1001, 1002, 1003, 1004}

type recorder struct {
	lock        sync.Mutex
	established []peer.ID
	accepted    []peer.ID
}

func (r *recorder) RecordConnectionEstablished(remote peer.ID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.established = append(r.established, remote)
}

func (r *recorder) RecordConnectionAccepted(remote peer.ID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.accepted = append(r.accepted, remote)
}

type recordingDispatcher struct {
	lock     sync.Mutex
	sessions []*peer.Session
}

func (d *recordingDispatcher) Dispatch(_ context.Context, s *peer.Session) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.sessions = append(d.sessions, s)
}

func (d *recordingDispatcher) remoteIDs() []peer.ID {
	d.lock.Lock()
	defer d.lock.Unlock()
	ids := make([]peer.ID, 0, len(d.sessions))
	for _, s := range d.sessions {
		ids = append(ids, s.RemoteID)
	}
	return ids
}

func testContext(t *testing.T) context.Context {
	l := log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Caller().Logger().Level(zerolog.InfoLevel)
	ctx, cancel := context.WithTimeout(l.WithContext(context.Background()), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newNegotiator(id peer.ID) *peer.Negotiator {
	return peer.NewNegotiator(id, registry.New(known, &recorder{}), bitfield.New(chunksCount), time.Second)
}

// respond plays a well-behaved accepting peer on conn.
func respond(ctx context.Context, t *testing.T, id peer.ID, conn net.Conn) <-chan *peer.Session {
	sessions := make(chan *peer.Session, 1)
	go func() {
		defer close(sessions)
		s, err := newNegotiator(id).Respond(ctx, conn)
		if assert.NoError(t, err) {
			sessions <- s
		}
	}()
	return sessions
}

func TestConnector_Dial_skipsUnreachablePeer(t *testing.T) {
	ctx := testContext(t)
	local, remote := net.Pipe()
	defer remote.Close()
	remoteSessions := respond(ctx, t, 1002, remote)

	dialer := connector.NewMockContextDialer(t)
	dialer.EXPECT().DialContext(mock.Anything, "tcp", "10.0.0.1:6001").Return(nil, errors.New("connection refused"))
	dialer.EXPECT().DialContext(mock.Anything, "tcp", "127.0.0.1:6002").Return(local, nil)

	events := &recorder{}
	reg := registry.New(known, events)
	dispatcher := &recordingDispatcher{}
	c := New(dialer, peer.NewNegotiator(1001, reg, bitfield.New(chunksCount), time.Second), reg, dispatcher)

	established := c.Dial(ctx, []peer.Address{
		{PeerID: 1003, Host: "10.0.0.1", Port: 6001},
		{PeerID: 1002, Host: "127.0.0.1", Port: 6002},
	})
	assert.Equal(t, 1, established)
	require.NotNil(t, <-remoteSessions)

	sessions := reg.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, peer.ID(1002), sessions[0].RemoteID)
	assert.True(t, sessions[0].Outbound)
	assert.Equal(t, []registry.Completion{{RemoteID: 1002, Conn: local, IsComplete: false}}, reg.Completions())
	assert.Equal(t, []peer.ID{1002}, dispatcher.remoteIDs())
	assert.Equal(t, []peer.ID{1002}, events.established)
	assert.Empty(t, events.accepted)
}

func TestConnector_Dial_invalidHandshake(t *testing.T) {
	tests := map[string]struct {
		handshake []byte
	}{
		"wrong header": {
			handshake: []byte(strings.Repeat("X", 28) + "1002"),
		},
		"unknown peer": {
			handshake: peer.EncodeHandshake(4242),
		},
		"own id": {
			handshake: peer.EncodeHandshake(1001),
		},
		"malformed id": {
			handshake: []byte(peer.HandshakeHeader + "10x2"),
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := testContext(t)
			local, remote := net.Pipe()
			defer remote.Close()
			remoteDone := make(chan error, 1)
			go func() {
				buf := make([]byte, peer.HandshakeLen)
				if _, err := io.ReadFull(remote, buf); err != nil {
					remoteDone <- err
					return
				}
				if _, err := remote.Write(test.handshake); err != nil {
					remoteDone <- err
					return
				}
				// the dialing side must hang up
				_, err := remote.Read(buf)
				remoteDone <- err
			}()

			dialer := connector.NewMockContextDialer(t)
			dialer.EXPECT().DialContext(mock.Anything, "tcp", "127.0.0.1:6002").Return(local, nil)
			events := &recorder{}
			reg := registry.New(known, events)
			dispatcher := &recordingDispatcher{}
			c := New(dialer, peer.NewNegotiator(1001, reg, bitfield.New(chunksCount), time.Second), reg, dispatcher)

			assert.Zero(t, c.Dial(ctx, []peer.Address{{PeerID: 1002, Host: "127.0.0.1", Port: 6002}}))
			assert.ErrorIs(t, <-remoteDone, io.EOF)
			assert.Zero(t, reg.Len())
			assert.Empty(t, reg.Completions())
			assert.Empty(t, dispatcher.remoteIDs())
			assert.Empty(t, events.established)
		})
	}
}

func TestConnector_Dial_parallel(t *testing.T) {
	ctx := testContext(t)
	remotes := []peer.ID{1000, 1002, 1003, 1004}
	conns := make(map[string]net.Conn, len(remotes))
	addrs := make([]peer.Address, 0, len(remotes))
	remoteSessions := make([]<-chan *peer.Session, 0, len(remotes))
	for i, id := range remotes {
		local, remote := net.Pipe()
		defer remote.Close()
		addr := peer.Address{PeerID: id, Host: "127.0.0.1", Port: uint16(7000 + i)}
		addrs = append(addrs, addr)
		conns[addr.String()] = local
		remoteSessions = append(remoteSessions, respond(ctx, t, id, remote))
	}
	dialer := connector.NewMockContextDialer(t)
	dialer.EXPECT().
		DialContext(mock.Anything, "tcp", mock.Anything).
		RunAndReturn(func(_ context.Context, _ string, address string) (net.Conn, error) {
			conn, ok := conns[address]
			if !ok {
				return nil, fmt.Errorf("no route to %s", address)
			}
			return conn, nil
		}).
		Times(len(remotes))

	events := &recorder{}
	reg := registry.New(known, events)
	dispatcher := &recordingDispatcher{}
	c := New(dialer, peer.NewNegotiator(1001, reg, bitfield.New(chunksCount), time.Second), reg, dispatcher, WithParallelism(3))

	assert.Equal(t, len(remotes), c.Dial(ctx, addrs))
	for _, ch := range remoteSessions {
		require.NotNil(t, <-ch)
	}
	assert.Equal(t, len(remotes), reg.Len())
	assert.ElementsMatch(t, remotes, dispatcher.remoteIDs())
	assert.ElementsMatch(t, remotes, events.established)
	for _, completion := range reg.Completions() {
		assert.False(t, completion.IsComplete)
	}
}

func TestConnector_Accept(t *testing.T) {
	ctx := testContext(t)
	local, remote := net.Pipe()
	defer remote.Close()
	remoteErr := make(chan error, 1)
	go func() {
		_, err := newNegotiator(1004).Negotiate(ctx, remote, peer.Address{PeerID: 1001, Host: "127.0.0.1", Port: 6001})
		remoteErr <- err
	}()

	events := &recorder{}
	reg := registry.New(known, events)
	dispatcher := &recordingDispatcher{}
	c := New(&net.Dialer{}, peer.NewNegotiator(1001, reg, bitfield.New(chunksCount), time.Second), reg, dispatcher)

	require.NoError(t, c.Accept(ctx, local))
	require.NoError(t, <-remoteErr)
	s, ok := reg.Session(1004)
	require.True(t, ok)
	assert.False(t, s.Outbound)
	assert.Equal(t, []peer.ID{1004}, dispatcher.remoteIDs())
	assert.Equal(t, []peer.ID{1004}, events.accepted)
	assert.Empty(t, events.established)

	// the same peer can't connect twice
	local2, remote2 := net.Pipe()
	defer remote2.Close()
	go func() {
		_, err := newNegotiator(1004).Negotiate(ctx, remote2, peer.Address{PeerID: 1001, Host: "127.0.0.1", Port: 6001})
		remoteErr <- err
	}()
	assert.ErrorIs(t, c.Accept(ctx, local2), registry.ErrDuplicateSession)
	<-remoteErr
	assert.Equal(t, 1, reg.Len())
}

func TestConnector_Accept_malformedHandshake(t *testing.T) {
	ctx := testContext(t)
	local, remote := net.Pipe()
	defer remote.Close()
	go func() {
		_, _ = remote.Write([]byte(peer.HandshakeHeader + "abcd"))
	}()
	reg := registry.New(known, &recorder{})
	dispatcher := &recordingDispatcher{}
	c := New(&net.Dialer{}, peer.NewNegotiator(1001, reg, bitfield.New(chunksCount), time.Second), reg, dispatcher)

	assert.ErrorIs(t, c.Accept(ctx, local), peer.ErrMalformedHandshake)
	assert.Zero(t, reg.Len())
	assert.Empty(t, dispatcher.remoteIDs())
}

type countingRunner struct {
	started *atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.started.Add(1)
	<-ctx.Done()
	return nil
}

type countingFactory struct {
	started atomic.Int32
}

func (f *countingFactory) NewSender(*peer.Session) worker.Runner {
	return &countingRunner{started: &f.started}
}

func (f *countingFactory) NewRequester(*peer.Session, int, bool, int64, int) worker.Runner {
	return &countingRunner{started: &f.started}
}

func (f *countingFactory) NewReceiver(*peer.Session, int) worker.Runner {
	return &countingRunner{started: &f.started}
}

func TestConnector_Dial_overTCP(t *testing.T) {
	ctx := testContext(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	remoteSessions := make(chan *peer.Session, 1)
	go func() {
		defer close(remoteSessions)
		conn, err := lis.Accept()
		if !assert.NoError(t, err) {
			return
		}
		s, err := newNegotiator(1002).Respond(ctx, conn)
		if assert.NoError(t, err) {
			remoteSessions <- s
		}
	}()
	port := uint16(lis.Addr().(*net.TCPAddr).Port)

	fs := afero.NewMemMapFs()
	events, err := eventlog.Open(fs, "logs", 1001)
	require.NoError(t, err)
	defer events.Close()
	reg := registry.New(known, events)
	defer reg.CloseAll()
	factory := &countingFactory{}
	dispatcher := worker.NewDispatcher(factory, worker.Params{ChunksCount: chunksCount, ChunkSize: 64, FileSize: 640})
	c := New(&net.Dialer{}, peer.NewNegotiator(1001, reg, bitfield.New(chunksCount), time.Second), reg, dispatcher)

	assert.Equal(t, 1, c.Dial(ctx, []peer.Address{{PeerID: 1002, Host: "127.0.0.1", Port: port}}))
	remoteSession := <-remoteSessions
	require.NotNil(t, remoteSession)
	defer remoteSession.Close()
	assert.Equal(t, peer.ID(1001), remoteSession.RemoteID)

	sessions := reg.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, peer.ID(1002), sessions[0].RemoteID)
	assert.Equal(t, make([]byte, 2), sessions[0].RemoteBitfield())
	completions := reg.Completions()
	require.Len(t, completions, 1)
	assert.Equal(t, peer.ID(1002), completions[0].RemoteID)
	assert.False(t, completions[0].IsComplete)
	assert.Eventually(t, func() bool { return factory.started.Load() == 3 }, time.Second, time.Millisecond)

	raw, err := afero.ReadFile(fs, "logs/"+eventlog.FileName(1001))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Peer 1001 makes a connection to Peer 1002.")
}
