package peer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mineroot/p2pshare/pkg/bitfield"
)

type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnChoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
)

const (
	lenPrefixSize  = 4
	messageIdSize  = 1
	chunkIndexSize = 4
	maxMessageLen  = 16 << 20
)

var (
	ErrMalformedMessage  = fmt.Errorf("malformed message")
	ErrUnexpectedMessage = fmt.Errorf("unexpected message")
)

type Message struct {
	ID      MessageID
	Payload []byte
}

func (m *Message) Encode() []byte {
	buf := make([]byte, lenPrefixSize+messageIdSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf, uint32(messageIdSize+len(m.Payload)))
	buf[lenPrefixSize] = byte(m.ID)
	copy(buf[lenPrefixSize+messageIdSize:], m.Payload)
	return buf
}

// ChunkIndex decodes the leading chunk index of have, request and piece payloads.
func (m *Message) ChunkIndex() (int, error) {
	if len(m.Payload) < chunkIndexSize {
		return 0, fmt.Errorf("%w: payload of message %d is too short", ErrMalformedMessage, m.ID)
	}
	return int(binary.BigEndian.Uint32(m.Payload[:chunkIndexSize])), nil
}

// ChunkData returns the chunk bytes of a piece message.
func (m *Message) ChunkData() []byte {
	if len(m.Payload) < chunkIndexSize {
		return nil
	}
	return m.Payload[chunkIndexSize:]
}

func ReadMessage(r io.Reader) (*Message, error) {
	bufLen := make([]byte, lenPrefixSize)
	if _, err := io.ReadFull(r, bufLen); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(bufLen)
	if msgLen == 0 || msgLen > maxMessageLen {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedMessage, msgLen)
	}
	msgBuf := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msgBuf); err != nil {
		return nil, err
	}
	return &Message{
		ID:      MessageID(msgBuf[0]),
		Payload: msgBuf[messageIdSize:],
	}, nil
}

func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(m.Encode())
	return err
}

func NewChoke() *Message {
	return &Message{ID: MsgChoke}
}

func NewUnChoke() *Message {
	return &Message{ID: MsgUnChoke}
}

func NewInterested() *Message {
	return &Message{ID: MsgInterested}
}

func NewNotInterested() *Message {
	return &Message{ID: MsgNotInterested}
}

func NewBitfield(bf *bitfield.Bitfield) *Message {
	return &Message{
		ID:      MsgBitfield,
		Payload: bf.Bitfield(),
	}
}

func NewHave(chunkIndex int) *Message {
	return &Message{
		ID:      MsgHave,
		Payload: encodeChunkIndex(chunkIndex),
	}
}

func NewRequest(chunkIndex int) *Message {
	return &Message{
		ID:      MsgRequest,
		Payload: encodeChunkIndex(chunkIndex),
	}
}

func NewPiece(chunkIndex int, data []byte) *Message {
	buf := make([]byte, chunkIndexSize, chunkIndexSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(chunkIndex))
	return &Message{
		ID:      MsgPiece,
		Payload: append(buf, data...),
	}
}

func encodeChunkIndex(chunkIndex int) []byte {
	buf := make([]byte, chunkIndexSize)
	binary.BigEndian.PutUint32(buf, uint32(chunkIndex))
	return buf
}
