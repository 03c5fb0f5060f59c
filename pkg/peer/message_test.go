package peer

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"testing"

	"github.com/mineroot/p2pshare/pkg/bitfield"
)

func TestMessage_Encode(t *testing.T) {
	bf, err := bitfield.FromPayload([]byte{0b11100100, 0b10110000}, 12)
	require.NoError(t, err)
	tests := map[string]struct {
		msg      *Message
		expected []byte
	}{
		"choke": {
			msg:      NewChoke(),
			expected: []byte{0x0, 0x0, 0x0, 0x1, 0x0},
		},
		"unchoke": {
			msg:      NewUnChoke(),
			expected: []byte{0x0, 0x0, 0x0, 0x1, 0x1},
		},
		"interested": {
			msg:      NewInterested(),
			expected: []byte{0x0, 0x0, 0x0, 0x1, 0x2},
		},
		"not interested": {
			msg:      NewNotInterested(),
			expected: []byte{0x0, 0x0, 0x0, 0x1, 0x3},
		},
		"have": {
			msg:      NewHave(258),
			expected: []byte{0x0, 0x0, 0x0, 0x5, 0x4, 0x0, 0x0, 0x1, 0x2},
		},
		"bitfield": {
			msg:      NewBitfield(bf),
			expected: []byte{0x0, 0x0, 0x0, 0x3, 0x5, 0b11100100, 0b10110000},
		},
		"request": {
			msg:      NewRequest(8),
			expected: []byte{0x0, 0x0, 0x0, 0x5, 0x6, 0x0, 0x0, 0x0, 0x8},
		},
		"piece": {
			msg:      NewPiece(8, []byte{0xFF, 0xFA, 0xAA}),
			expected: []byte{0x0, 0x0, 0x0, 0x8, 0x7, 0x0, 0x0, 0x0, 0x8, 0xff, 0xfa, 0xaa},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.msg.Encode())
		})
	}
}

func TestReadMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteMessage(buf, NewPiece(3, []byte("data"))))
	require.NoError(t, WriteMessage(buf, NewHave(11)))

	msg, err := ReadMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, MsgPiece, msg.ID)
	index, err := msg.ChunkIndex()
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, []byte("data"), msg.ChunkData())

	msg, err = ReadMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, MsgHave, msg.ID)
	index, err = msg.ChunkIndex()
	require.NoError(t, err)
	assert.Equal(t, 11, index)

	_, err = ReadMessage(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessage_malformed(t *testing.T) {
	tests := map[string]struct {
		raw []byte
		err error
	}{
		"zero length":      {raw: []byte{0x0, 0x0, 0x0, 0x0}, err: ErrMalformedMessage},
		"too long":         {raw: []byte{0x7F, 0x0, 0x0, 0x0}, err: ErrMalformedMessage},
		"truncated prefix": {raw: []byte{0x0, 0x0}, err: io.ErrUnexpectedEOF},
		"truncated body":   {raw: []byte{0x0, 0x0, 0x0, 0x5, 0x4}, err: io.ErrUnexpectedEOF},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.raw))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMessage_ChunkIndex_short(t *testing.T) {
	_, err := (&Message{ID: MsgHave, Payload: []byte{0x1}}).ChunkIndex()
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Nil(t, (&Message{ID: MsgPiece}).ChunkData())
}
