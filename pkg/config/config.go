package config

import (
	"bufio"
	"fmt"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"io"
	"strings"

	"github.com/mineroot/p2pshare/pkg/storage"
)

const (
	CommonFile   = "Common.cfg"
	PeerInfoFile = "PeerInfo.cfg"
)

var ErrInvalidConfig = fmt.Errorf("invalid config")

// Common is the swarm-wide configuration shared by every peer.
type Common struct {
	PreferredNeighbors          int    `mapstructure:"NumberOfPreferredNeighbors"`
	UnchokingInterval           int    `mapstructure:"UnchokingInterval"`
	OptimisticUnchokingInterval int    `mapstructure:"OptimisticUnchokingInterval"`
	FileName                    string `mapstructure:"FileName"`
	FileSize                    int64  `mapstructure:"FileSize"`
	PieceSize                   int    `mapstructure:"PieceSize"`
}

func (c *Common) ChunksCount() int {
	return storage.ChunksCount(c.FileSize, c.PieceSize)
}

func LoadCommon(fs afero.Fs, path string) (*Common, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open common config: %w", err)
	}
	defer f.Close()
	return ParseCommon(f)
}

// ParseCommon reads "Key Value" lines.
func ParseCommon(r io.Reader) (*Common, error) {
	raw := make(map[string]interface{})
	err := scanLines(r, func(lineNo int, fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("%w: line %d: expected \"key value\"", ErrInvalidConfig, lineNo)
		}
		raw[fields[0]] = fields[1]
		return nil
	})
	if err != nil {
		return nil, err
	}

	c := &Common{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           c,
	})
	if err != nil {
		return nil, err
	}
	if err = decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.FileName == "" {
		return nil, fmt.Errorf("%w: FileName is required", ErrInvalidConfig)
	}
	if c.FileSize <= 0 || c.PieceSize <= 0 {
		return nil, fmt.Errorf("%w: FileSize and PieceSize must be positive", ErrInvalidConfig)
	}
	return c, nil
}

func scanLines(r io.Reader, f func(lineNo int, fields []string) error) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := f(lineNo, strings.Fields(line)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("unable to read config: %w", err)
	}
	return nil
}
