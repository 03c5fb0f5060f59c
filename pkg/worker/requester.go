package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mineroot/p2pshare/pkg/peer"
	"github.com/mineroot/p2pshare/utils"
)

const (
	requestTimeout = 5 * time.Second
	idleInterval   = 200 * time.Millisecond
)

// requester asks the remote peer for chunks we lack, one request in flight.
type requester struct {
	*Workers
	s              *peer.Session
	chunksCount    int
	isFileComplete bool
	fileSize       int64
	chunkSize      int
	rand           *rand.Rand
	requestTimeout time.Duration
	idleInterval   time.Duration
}

func (w *requester) Run(ctx context.Context) error {
	err := w.run(ctx)
	if errors.Is(err, peer.ErrSessionClosed) {
		return nil
	}
	return err
}

func (w *requester) run(ctx context.Context) error {
	l := log.Ctx(ctx)
	local := w.store.Bitfield()
	// chunks stored between the exchange and registration missed the have broadcast
	if !w.isFileComplete && local.DownloadedChunksCount() > 0 {
		if err := w.s.Send(ctx, peer.NewBitfield(local)); err != nil {
			return err
		}
	}
	if w.isFileComplete || local.IsCompleted() {
		return w.s.Send(ctx, peer.NewNotInterested())
	}
	missingCount := w.chunksCount - local.DownloadedChunksCount()
	l.Info().
		Int("chunks_missing", missingCount).
		Str("file_size", utils.FormatBytes(uint64(w.fileSize))).
		Str("chunk_size", utils.FormatBytes(uint(w.chunkSize))).
		Msg("requesting chunks")

	interested := false
	for {
		if local.IsCompleted() {
			l.Info().Msg("nothing left to request")
			if interested {
				return w.s.Send(ctx, peer.NewNotInterested())
			}
			return nil
		}
		availability := w.s.Availability()
		if !local.Interested(availability) {
			if interested {
				if err := w.s.Send(ctx, peer.NewNotInterested()); err != nil {
					return err
				}
				interested = false
			}
			if err := w.wait(ctx, w.idleInterval); err != nil {
				return err
			}
			continue
		}
		if !interested {
			if err := w.s.Send(ctx, peer.NewInterested()); err != nil {
				return err
			}
			interested = true
		}
		if w.s.PeerChoking() {
			if err := w.wait(ctx, w.idleInterval); err != nil {
				return err
			}
			continue
		}
		// may have been stored over another session meanwhile
		candidates := local.Missing(availability)
		if len(candidates) == 0 {
			continue
		}
		index := candidates[w.rand.Intn(len(candidates))]
		if err := w.s.Send(ctx, peer.NewRequest(index)); err != nil {
			return err
		}
		if err := w.await(ctx, index); err != nil {
			return err
		}
	}
}

// await blocks until chunk index is stored locally or the request times out.
func (w *requester) await(ctx context.Context, index int) error {
	timeout := time.NewTimer(w.requestTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(w.idleInterval)
	defer ticker.Stop()
	local := w.store.Bitfield()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.s.Done():
			return peer.ErrSessionClosed
		case arrived := <-w.s.Arrivals():
			if arrived == index {
				return nil
			}
		case <-ticker.C:
			// may have arrived over another session
			if local.Has(index) {
				return nil
			}
		case <-timeout.C:
			log.Ctx(ctx).Debug().Int("chunk", index).Msg("request timed out")
			return nil
		}
	}
}

func (w *requester) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.s.Done():
		return peer.ErrSessionClosed
	case <-timer.C:
		return nil
	}
}
