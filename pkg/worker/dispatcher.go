package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mineroot/p2pshare/pkg/peer"
)

type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the three long-lived workers of a session.
type Factory interface {
	NewSender(s *peer.Session) Runner
	NewRequester(s *peer.Session, chunksCount int, isFileComplete bool, fileSize int64, chunkSize int) Runner
	NewReceiver(s *peer.Session, chunkSize int) Runner
}

type Params struct {
	ChunksCount    int
	IsFileComplete bool
	FileSize       int64
	ChunkSize      int
}

// Dispatcher launches the workers of registered sessions. It does not supervise them.
type Dispatcher struct {
	factory Factory
	params  Params
}

func NewDispatcher(factory Factory, params Params) *Dispatcher {
	return &Dispatcher{
		factory: factory,
		params:  params,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, s *peer.Session) {
	l := log.Ctx(ctx).With().Stringer("remote_peer", s.RemoteID).Stringer("session", s.ID).Logger()
	ctx = l.WithContext(ctx)
	workers := []struct {
		name   string
		runner Runner
	}{
		{"sender", d.factory.NewSender(s)},
		{"requester", d.factory.NewRequester(s, d.params.ChunksCount, d.params.IsFileComplete, d.params.FileSize, d.params.ChunkSize)},
		{"receiver", d.factory.NewReceiver(s, d.params.ChunkSize)},
	}
	for _, w := range workers {
		w := w
		go func() {
			err := w.runner.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				l.Error().Err(err).Str("worker", w.name).Msg("worker is dying...")
				return
			}
			l.Debug().Str("worker", w.name).Msg("worker finished")
		}()
	}
}
