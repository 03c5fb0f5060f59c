package storage

import (
	"errors"
	"fmt"
	"github.com/spf13/afero"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mineroot/p2pshare/pkg/bitfield"
)

var (
	ErrChunkMissing    = fmt.Errorf("chunk is missing")
	ErrChunkOutOfRange = fmt.Errorf("chunk index out of range")
	ErrChunkSize       = fmt.Errorf("chunk size mismatch")
	ErrIncompleteFile  = fmt.Errorf("file is incomplete")
)

type Reader interface {
	Name() string
	Size() int64
	ChunkSize() int
	ChunksCount() int
	ChunkLen(chunkIndex int) int
	Bitfield() *bitfield.Bitfield
	ReadChunk(chunkIndex int) ([]byte, error)
}

// Storage is the shared file split into fixed-size chunks.
// It owns the local bitfield.
type Storage struct {
	lock sync.Mutex
	fd   afero.File

	name      string
	size      int64
	chunkSize int
	bitfield  *bitfield.Bitfield
}

// Open opens the file at path. A peer that has the file must already hold
// all size bytes, otherwise an empty sparse file is created.
func Open(fs afero.Fs, path string, size int64, chunkSize int, hasFile bool) (*Storage, error) {
	if size <= 0 || chunkSize <= 0 {
		return nil, fmt.Errorf("storage: size and chunk size must be positive")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("storage: unable to create directory(es): %w", err)
	}
	s := &Storage{
		name:      filepath.Base(path),
		size:      size,
		chunkSize: chunkSize,
	}
	chunksCount := ChunksCount(size, chunkSize)
	var err error
	if hasFile {
		s.fd, err = openComplete(fs, path, size)
		if err != nil {
			return nil, err
		}
		s.bitfield = bitfield.Full(chunksCount)
		return s, nil
	}
	s.fd, err = fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		return nil, fmt.Errorf("storage: unable to open file: %w", err)
	}
	// create sparse file
	if err = s.fd.Truncate(size); err != nil {
		_ = s.fd.Close()
		return nil, fmt.Errorf("storage: unable to truncate: %w", err)
	}
	s.bitfield = bitfield.New(chunksCount)
	return s, nil
}

func openComplete(fs afero.Fs, path string, size int64) (afero.File, error) {
	fInfo, err := fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: %w: %s doesn't exist", ErrIncompleteFile, path)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: unable to get file stat: %w", err)
	}
	if fInfo.Size() != size {
		return nil, fmt.Errorf("storage: %w: expected %d bytes, got %d", ErrIncompleteFile, size, fInfo.Size())
	}
	fd, err := fs.OpenFile(path, os.O_RDWR, 0664)
	if err != nil {
		return nil, fmt.Errorf("storage: unable to open file: %w", err)
	}
	return fd, nil
}

func ChunksCount(size int64, chunkSize int) int {
	count := size / int64(chunkSize)
	if size%int64(chunkSize) != 0 {
		count++
	}
	return int(count)
}

func (s *Storage) Name() string {
	return s.name
}

func (s *Storage) Size() int64 {
	return s.size
}

func (s *Storage) ChunkSize() int {
	return s.chunkSize
}

func (s *Storage) ChunksCount() int {
	return s.bitfield.ChunksCount()
}

// ChunkLen is chunkSize for every chunk but the last one.
func (s *Storage) ChunkLen(chunkIndex int) int {
	if chunkIndex < 0 || chunkIndex >= s.ChunksCount() {
		return 0
	}
	offset := int64(chunkIndex) * int64(s.chunkSize)
	if rest := s.size - offset; rest < int64(s.chunkSize) {
		return int(rest)
	}
	return s.chunkSize
}

func (s *Storage) Bitfield() *bitfield.Bitfield {
	return s.bitfield
}

func (s *Storage) IsCompleted() bool {
	return s.bitfield.IsCompleted()
}

func (s *Storage) ReadChunk(chunkIndex int) ([]byte, error) {
	if chunkIndex < 0 || chunkIndex >= s.ChunksCount() {
		return nil, fmt.Errorf("%w: %d", ErrChunkOutOfRange, chunkIndex)
	}
	if !s.bitfield.Has(chunkIndex) {
		return nil, fmt.Errorf("%w: %d", ErrChunkMissing, chunkIndex)
	}
	buf := make([]byte, s.ChunkLen(chunkIndex))
	s.lock.Lock()
	defer s.lock.Unlock()
	_, err := s.fd.ReadAt(buf, int64(chunkIndex)*int64(s.chunkSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("storage: unable to read chunk %d: %w", chunkIndex, err)
	}
	return buf, nil
}

// WriteChunk stores data and marks the chunk as downloaded.
// It reports false if the chunk was already present.
func (s *Storage) WriteChunk(chunkIndex int, data []byte) (bool, error) {
	if chunkIndex < 0 || chunkIndex >= s.ChunksCount() {
		return false, fmt.Errorf("%w: %d", ErrChunkOutOfRange, chunkIndex)
	}
	if len(data) != s.ChunkLen(chunkIndex) {
		return false, fmt.Errorf("%w: chunk %d expects %d bytes, got %d", ErrChunkSize, chunkIndex, s.ChunkLen(chunkIndex), len(data))
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.bitfield.Has(chunkIndex) {
		return false, nil
	}
	if _, err := s.fd.WriteAt(data, int64(chunkIndex)*int64(s.chunkSize)); err != nil {
		return false, fmt.Errorf("storage: unable to write chunk %d: %w", chunkIndex, err)
	}
	if err := s.bitfield.Set(chunkIndex); err != nil {
		return false, fmt.Errorf("storage: %w", err)
	}
	return true, nil
}

func (s *Storage) Close() error {
	return s.fd.Close()
}
