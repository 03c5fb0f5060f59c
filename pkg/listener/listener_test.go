package listener

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"testing"
	"time"
)

func TestListener_Listen(t *testing.T) {
	const numCons = 100
	const msg = "hello"
	listener := New(nil)
	connCh, err := listener.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	addr := listener.Addr().String()
	go func() {
		for i := 0; i < numCons; i++ {
			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			_, err = conn.Write([]byte(msg))
			require.NoError(t, err)
			err = conn.Close()
			assert.NoError(t, err)
		}
	}()
	for i := 0; i < numCons; i++ {
		conn := <-connCh
		err = conn.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, err)
		data, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, msg, string(data))
		_ = conn.Close()
	}
	require.NoError(t, listener.Close())
	_, ok := <-connCh
	assert.False(t, ok)
	_, err = listener.Listen("127.0.0.1", 0)
	assert.ErrorIs(t, err, errAlreadyListened)
}

func TestListener_Close(t *testing.T) {
	listener := New(nil)
	assert.Nil(t, listener.Addr())
	_, err := listener.Listen("127.0.0.1", 0)
	require.NoError(t, err)

	// pending connection nobody receives must not block Close
	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = listener.Close()
	require.NoError(t, err)
	err = listener.Close()
	require.ErrorIs(t, err, errNothingToClose)
}
