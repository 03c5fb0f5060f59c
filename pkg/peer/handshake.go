package peer

import (
	"fmt"
	"strconv"
)

const (
	HandshakeHeader = "P2PFILESHARINGPROJ0000000000"
	headerLen       = len(HandshakeHeader)
	idLen           = 4
	HandshakeLen    = headerLen + idLen
)

var ErrMalformedHandshake = fmt.Errorf("malformed handshake")

// EncodeHandshake returns the 32-byte handshake announcing id.
// An id outside [0, MaxID] is a configuration error and panics.
func EncodeHandshake(id ID) []byte {
	if !id.Valid() {
		panic(fmt.Sprintf("peer id %d doesn't fit into handshake", id))
	}
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, HandshakeHeader...)
	buf = append(buf, fmt.Sprintf("%0*d", idLen, int(id))...)
	return buf
}

// DecodeHandshake splits buf into the header and the sender's id.
func DecodeHandshake(buf []byte) (header string, id ID, err error) {
	if len(buf) != HandshakeLen {
		return "", 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedHandshake, HandshakeLen, len(buf))
	}
	rawID := buf[headerLen:]
	for _, c := range rawID {
		if c < '0' || c > '9' {
			return "", 0, fmt.Errorf("%w: peer id %q is not decimal", ErrMalformedHandshake, rawID)
		}
	}
	n, err := strconv.Atoi(string(rawID))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrMalformedHandshake, err)
	}
	return string(buf[:headerLen]), ID(n), nil
}

// IsValidHandshake reports whether a decoded handshake comes from a legitimate remote peer.
func IsValidHandshake(header string, remote, local ID, known KnownPeers) bool {
	return header == HandshakeHeader && remote != local && known.Known(remote)
}
