package peer

import (
	"net"
	"strconv"
)

// MaxID is the largest id representable in the 4-digit handshake field.
const MaxID ID = 9999

type ID int

func (id ID) Valid() bool {
	return id >= 0 && id <= MaxID
}

func (id ID) String() string {
	return strconv.Itoa(int(id))
}

// KnownPeers is the configured peer id universe.
type KnownPeers interface {
	Known(id ID) bool
}

// Address is a peer as listed in the peer directory.
type Address struct {
	PeerID ID
	Host   string
	Port   uint16
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}
