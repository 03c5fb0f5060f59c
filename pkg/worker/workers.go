package worker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/mineroot/p2pshare/pkg/bitfield"
	"github.com/mineroot/p2pshare/pkg/event"
	"github.com/mineroot/p2pshare/pkg/peer"
)

type ChunkStore interface {
	Bitfield() *bitfield.Bitfield
	ReadChunk(chunkIndex int) ([]byte, error)
	WriteChunk(chunkIndex int, data []byte) (bool, error)
}

type Registry interface {
	Sessions() []*peer.Session
	MarkComplete(remote peer.ID) bool
}

type EventRecorder interface {
	RecordChunkDownloaded(remote peer.ID, chunkIndex, chunksOwned int)
	RecordFileCompleted()
}

// Workers is the Factory used in production. Its workers share the local
// chunk store and the session registry.
type Workers struct {
	store             ChunkStore
	registry          Registry
	events            EventRecorder
	progressConnReads chan<- *event.ProgressConnRead
	progressChunks    chan<- *event.ProgressChunkDownloaded
	completedOnce     sync.Once
}

// NewWorkers creates the factory. Progress channels may be nil.
func NewWorkers(
	store ChunkStore,
	registry Registry,
	events EventRecorder,
	progressConnReads chan<- *event.ProgressConnRead,
	progressChunks chan<- *event.ProgressChunkDownloaded,
) *Workers {
	return &Workers{
		store:             store,
		registry:          registry,
		events:            events,
		progressConnReads: progressConnReads,
		progressChunks:    progressChunks,
	}
}

func (w *Workers) NewSender(s *peer.Session) Runner {
	return &sender{s: s, writeTimeout: writeTimeout}
}

func (w *Workers) NewRequester(s *peer.Session, chunksCount int, isFileComplete bool, fileSize int64, chunkSize int) Runner {
	return &requester{
		Workers:        w,
		s:              s,
		chunksCount:    chunksCount,
		isFileComplete: isFileComplete,
		fileSize:       fileSize,
		chunkSize:      chunkSize,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
		requestTimeout: requestTimeout,
		idleInterval:   idleInterval,
	}
}

func (w *Workers) NewReceiver(s *peer.Session, chunkSize int) Runner {
	return &receiver{Workers: w, s: s, chunkSize: chunkSize}
}

func (w *Workers) reportConnRead(from peer.ID, n int) {
	select {
	case w.progressConnReads <- event.NewProgressConnRead(from, n):
	default:
	}
}

func (w *Workers) reportChunk(from peer.ID, owned int) {
	select {
	case w.progressChunks <- event.NewProgressChunkDownloaded(from, owned):
	default:
	}
}
