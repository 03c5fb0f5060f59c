package config

import (
	"fmt"
	"github.com/spf13/afero"
	"io"
	"strconv"

	"github.com/mineroot/p2pshare/pkg/peer"
)

type PeerInfo struct {
	ID      peer.ID
	Host    string
	Port    uint16
	HasFile bool
}

func (p PeerInfo) Address() peer.Address {
	return peer.Address{PeerID: p.ID, Host: p.Host, Port: p.Port}
}

// Directory is the ordered list of peers in the swarm.
type Directory struct {
	peers []PeerInfo
}

func NewDirectory(peers []PeerInfo) (*Directory, error) {
	seen := make(map[peer.ID]struct{}, len(peers))
	for _, p := range peers {
		if !p.ID.Valid() {
			return nil, fmt.Errorf("%w: peer id %d must be in [0, %d]", ErrInvalidConfig, p.ID, peer.MaxID)
		}
		if _, ok := seen[p.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate peer id %d", ErrInvalidConfig, p.ID)
		}
		if p.Port == 0 {
			return nil, fmt.Errorf("%w: peer %d has no port", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return &Directory{peers: peers}, nil
}

func LoadDirectory(fs afero.Fs, path string) (*Directory, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open peer info: %w", err)
	}
	defer f.Close()
	return ParseDirectory(f)
}

// ParseDirectory reads "<id> <host> <port> <hasFile>" lines.
func ParseDirectory(r io.Reader) (*Directory, error) {
	peers := make([]PeerInfo, 0)
	err := scanLines(r, func(lineNo int, fields []string) error {
		if len(fields) != 4 {
			return fmt.Errorf("%w: line %d: expected \"id host port hasFile\"", ErrInvalidConfig, lineNo)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("%w: line %d: peer id: %w", ErrInvalidConfig, lineNo, err)
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return fmt.Errorf("%w: line %d: port: %w", ErrInvalidConfig, lineNo, err)
		}
		var hasFile bool
		switch fields[3] {
		case "0":
		case "1":
			hasFile = true
		default:
			return fmt.Errorf("%w: line %d: hasFile must be 0 or 1", ErrInvalidConfig, lineNo)
		}
		peers = append(peers, PeerInfo{
			ID:      peer.ID(id),
			Host:    fields[1],
			Port:    uint16(port),
			HasFile: hasFile,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewDirectory(peers)
}

// PrecedingPeers returns the addresses listed before local, in directory order.
// These are the peers local dials at startup.
func (d *Directory) PrecedingPeers(local peer.ID) []peer.Address {
	addrs := make([]peer.Address, 0, len(d.peers))
	for _, p := range d.peers {
		if p.ID == local {
			return addrs
		}
		addrs = append(addrs, p.Address())
	}
	return nil
}

func (d *Directory) IDs() []peer.ID {
	ids := make([]peer.ID, 0, len(d.peers))
	for _, p := range d.peers {
		ids = append(ids, p.ID)
	}
	return ids
}

func (d *Directory) Lookup(id peer.ID) (PeerInfo, bool) {
	for _, p := range d.peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}

func (d *Directory) Len() int {
	return len(d.peers)
}
