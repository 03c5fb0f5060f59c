package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mineroot/p2pshare/pkg/peer"
	"github.com/mineroot/p2pshare/utils"
)

const writeTimeout = 10 * time.Second

// sender pumps the session outbox onto the connection.
type sender struct {
	s            *peer.Session
	writeTimeout time.Duration
}

func (w *sender) Run(ctx context.Context) error {
	l := log.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.s.Done():
			return nil
		case message := <-w.s.Outbox():
			_ = w.s.Conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			if err := peer.WriteMessage(w.s.Conn, message); err != nil {
				select {
				case <-w.s.Done():
					return nil
				default:
				}
				_ = w.s.Close()
				return fmt.Errorf("unable to write message: %w", err)
			}
			l.Debug().
				Int("message_id", int(message.ID)).Str("payload_len", utils.FormatBytes(uint(len(message.Payload)))).
				Msg("msg sent")
		}
	}
}
