// Package eventlog keeps the append-only audit trail of a peer's connection
// and transfer events in log_peer_<id>.log.
package eventlog

import (
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"os"
	"path/filepath"
	"sync"

	"github.com/mineroot/p2pshare/pkg/peer"
)

type Logger struct {
	lock    sync.Mutex
	localID peer.ID
	file    afero.File
	log     zerolog.Logger
}

func FileName(id peer.ID) string {
	return fmt.Sprintf("log_peer_%s.log", id)
}

func Open(fs afero.Fs, dir string, localID peer.ID) (*Logger, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("eventlog: unable to create directory: %w", err)
	}
	f, err := fs.OpenFile(filepath.Join(dir, FileName(localID)), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("eventlog: unable to open file: %w", err)
	}
	l := &Logger{
		localID: localID,
		file:    f,
	}
	l.log = zerolog.New(f).With().Timestamp().Stringer("peer_id", localID).Logger()
	return l, nil
}

func (l *Logger) RecordConnectionEstablished(remote peer.ID) {
	l.record("tcp_connection_made", remote, fmt.Sprintf("Peer %s makes a connection to Peer %s.", l.localID, remote))
}

func (l *Logger) RecordConnectionAccepted(remote peer.ID) {
	l.record("tcp_connection_accepted", remote, fmt.Sprintf("Peer %s is connected from Peer %s.", l.localID, remote))
}

func (l *Logger) RecordChunkDownloaded(remote peer.ID, chunkIndex, chunksOwned int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.log.Info().
		Str("event", "piece_downloaded").
		Stringer("remote_peer", remote).
		Int("piece", chunkIndex).
		Int("pieces_owned", chunksOwned).
		Msgf("Peer %s has downloaded the piece %d from %s. Now the number of pieces it has is %d.",
			l.localID, chunkIndex, remote, chunksOwned)
}

func (l *Logger) RecordFileCompleted() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.log.Info().
		Str("event", "download_completed").
		Msgf("Peer %s has downloaded the complete file.", l.localID)
}

func (l *Logger) record(event string, remote peer.ID, msg string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.log.Info().Str("event", event).Stringer("remote_peer", remote).Msg(msg)
}

func (l *Logger) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.file.Close()
}
