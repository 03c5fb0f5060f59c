package bitfield

import (
	"bytes"
	"fmt"
	"sync"
)

const bits = 8

var ErrMalformedBitfield = fmt.Errorf("malformed bitfield")

// Bitfield tracks chunk possession, one bit per chunk, most significant bit first.
// It is safe for concurrent use.
type Bitfield struct {
	chunksCount       int
	lock              sync.RWMutex
	bitfield          []byte
	completedBitfield []byte
}

func New(chunksCount int) *Bitfield {
	size := sizeFor(chunksCount)
	bf := &Bitfield{
		chunksCount:       chunksCount,
		bitfield:          make([]byte, size),
		completedBitfield: make([]byte, size),
	}
	bf.initCompletedBitfield()
	return bf
}

// Full returns a bitfield with every chunk set.
func Full(chunksCount int) *Bitfield {
	bf := New(chunksCount)
	copy(bf.bitfield, bf.completedBitfield)
	return bf
}

func FromPayload(payload []byte, chunksCount int) (*Bitfield, error) {
	size := sizeFor(chunksCount)
	if size != len(payload) {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedBitfield, size, len(payload))
	}
	b := make([]byte, size)
	copy(b, payload)

	// spare bits should always be 0
	if chunksCount%bits != 0 {
		spareBitsCount := bits - chunksCount%bits
		if b[len(b)-1]&byte((1<<spareBitsCount)-1) != 0 {
			return nil, fmt.Errorf("%w: spare bits are set", ErrMalformedBitfield)
		}
	}

	bf := &Bitfield{
		chunksCount:       chunksCount,
		bitfield:          b,
		completedBitfield: make([]byte, size),
	}
	bf.initCompletedBitfield()
	return bf, nil
}

func (bf *Bitfield) ChunksCount() int {
	return bf.chunksCount
}

func (bf *Bitfield) DownloadedChunksCount() int {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	total := 0
	for _, b := range bf.bitfield {
		total += countSetBits(b)
	}
	return total
}

// Bitfield returns a copy of the raw bytes.
func (bf *Bitfield) Bitfield() []byte {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	buf := make([]byte, len(bf.bitfield))
	copy(buf, bf.bitfield)
	return buf
}

func (bf *Bitfield) Clone() *Bitfield {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	clone := New(bf.chunksCount)
	copy(clone.bitfield, bf.bitfield)
	return clone
}

func (bf *Bitfield) IsCompleted() bool {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	return bytes.Equal(bf.bitfield, bf.completedBitfield)
}

func (bf *Bitfield) Set(chunkIndex int) error {
	if chunkIndex < 0 || chunkIndex >= bf.chunksCount {
		return fmt.Errorf("chunkIndex is out of range [0, %d)", bf.chunksCount)
	}
	bf.lock.Lock()
	defer bf.lock.Unlock()
	bf.bitfield[chunkIndex/bits] |= 1 << (7 - chunkIndex%bits)
	return nil
}

// Has reports whether chunkIndex is set. Out of range indexes are never set.
func (bf *Bitfield) Has(chunkIndex int) bool {
	if chunkIndex < 0 || chunkIndex >= bf.chunksCount {
		return false
	}
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	mask := byte(1 << (7 - chunkIndex%bits))
	return bf.bitfield[chunkIndex/bits]&mask != 0
}

// Interested reports whether other has at least one chunk bf lacks.
func (bf *Bitfield) Interested(other *Bitfield) bool {
	if bf.chunksCount != other.chunksCount {
		panic("chunks count mismatch")
	}
	mine, theirs := bf.Bitfield(), other.Bitfield()
	for i := range mine {
		if theirs[i]&^mine[i] != 0 {
			return true
		}
	}
	return false
}

// Missing returns indexes set in other but not in bf.
func (bf *Bitfield) Missing(other *Bitfield) []int {
	missing := make([]int, 0)
	for i := 0; i < bf.chunksCount; i++ {
		if !bf.Has(i) && other.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (bf *Bitfield) initCompletedBitfield() {
	hasSpareBits := bf.chunksCount%bits != 0
	for i := range bf.completedBitfield {
		val := byte(0xFF)
		if hasSpareBits && i == len(bf.completedBitfield)-1 {
			val = val>>(bf.chunksCount%bits) ^ val
		}
		bf.completedBitfield[i] = val
	}
}

func sizeFor(chunksCount int) int {
	size := chunksCount / bits
	if chunksCount%bits != 0 {
		size++
	}
	return size
}

func countSetBits(b byte) int {
	count := 0
	for b != 0 {
		count += int(b & 1)
		b >>= 1
	}
	return count
}
