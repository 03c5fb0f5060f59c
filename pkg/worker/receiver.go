package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mineroot/p2pshare/pkg/bitfield"
	"github.com/mineroot/p2pshare/pkg/peer"
	"github.com/mineroot/p2pshare/utils"
)

const lenPrefixSize = 4

// receiver decodes incoming messages and applies them to local state.
type receiver struct {
	*Workers
	s         *peer.Session
	chunkSize int
	log       *zerolog.Logger
}

func (w *receiver) Run(ctx context.Context) error {
	w.log = log.Ctx(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-w.s.Done():
		}
		_ = w.s.Close()
	}()
	w.checkRemoteComplete()

	for {
		message, err := peer.ReadMessage(w.s.Conn)
		if err != nil {
			_ = w.s.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				w.log.Info().Msg("connection closed")
				return nil
			}
			return fmt.Errorf("unable to read message: %w", err)
		}
		w.reportConnRead(w.s.RemoteID, lenPrefixSize+1+len(message.Payload))
		w.log.Debug().
			Int("message_id", int(message.ID)).Str("payload_len", utils.FormatBytes(uint(len(message.Payload)))).
			Msg("msg received")
		if err = w.handle(ctx, message); err != nil {
			_ = w.s.Close()
			return err
		}
	}
}

func (w *receiver) handle(ctx context.Context, message *peer.Message) error {
	switch message.ID {
	case peer.MsgChoke:
		w.s.SetPeerChoking(true)
	case peer.MsgUnChoke:
		w.s.SetPeerChoking(false)
	case peer.MsgInterested:
		w.s.SetPeerInterested(true)
	case peer.MsgNotInterested:
		w.s.SetPeerInterested(false)
	case peer.MsgHave:
		return w.handleHave(message)
	case peer.MsgBitfield:
		return w.handleBitfield(message)
	case peer.MsgRequest:
		return w.handleRequest(ctx, message)
	case peer.MsgPiece:
		return w.handlePiece(ctx, message)
	default:
		w.log.Warn().Int("message_id", int(message.ID)).Bytes("payload", message.Payload).Msg("unknown message id")
	}
	return nil
}

func (w *receiver) handleHave(message *peer.Message) error {
	index, err := message.ChunkIndex()
	if err != nil {
		return err
	}
	// ignoring if peer sent the wrong chunk index
	if err = w.s.Availability().Set(index); err != nil {
		w.log.Warn().Err(err).Msg("have discarded")
		return nil
	}
	w.checkRemoteComplete()
	return nil
}

// handleBitfield merges a late bitfield into the remote's availability.
func (w *receiver) handleBitfield(message *peer.Message) error {
	availability := w.s.Availability()
	bf, err := bitfield.FromPayload(message.Payload, availability.ChunksCount())
	if err != nil {
		return err
	}
	for i := 0; i < bf.ChunksCount(); i++ {
		if bf.Has(i) {
			_ = availability.Set(i)
		}
	}
	w.checkRemoteComplete()
	return nil
}

func (w *receiver) handleRequest(ctx context.Context, message *peer.Message) error {
	index, err := message.ChunkIndex()
	if err != nil {
		return err
	}
	data, err := w.store.ReadChunk(index)
	if err != nil {
		w.log.Warn().Err(err).Int("chunk", index).Msg("requested chunk is unavailable")
		return nil
	}
	return w.s.Send(ctx, peer.NewPiece(index, data))
}

func (w *receiver) handlePiece(ctx context.Context, message *peer.Message) error {
	index, err := message.ChunkIndex()
	if err != nil {
		return err
	}
	data := message.ChunkData()
	if len(data) > w.chunkSize {
		return fmt.Errorf("%w: chunk %d has %d bytes", peer.ErrMalformedMessage, index, len(data))
	}
	written, err := w.store.WriteChunk(index, data)
	if err != nil {
		return err
	}
	w.s.NotifyArrival(index)
	// discard chunk if we already have it
	if !written {
		w.log.Debug().Int("chunk", index).Msg("chunk discarded")
		return nil
	}
	local := w.store.Bitfield()
	owned := local.DownloadedChunksCount()
	w.events.RecordChunkDownloaded(w.s.RemoteID, index, owned)
	w.reportChunk(w.s.RemoteID, owned)
	w.log.Debug().Int("chunk", index).Str("len", utils.FormatBytes(uint(len(data)))).Msg("chunk downloaded")

	for _, s := range w.registry.Sessions() {
		// a closed session just drops the have
		_ = s.Send(ctx, peer.NewHave(index))
	}
	if local.IsCompleted() {
		w.completedOnce.Do(func() {
			w.events.RecordFileCompleted()
			w.log.Info().Msg("file download completed")
		})
	}
	return nil
}

func (w *receiver) checkRemoteComplete() {
	if w.s.Availability().IsCompleted() {
		w.registry.MarkComplete(w.s.RemoteID)
	}
}
