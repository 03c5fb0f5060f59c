package listener

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"net"
	"strconv"
	"sync"
)

var errAlreadyListened = fmt.Errorf("already listened")
var errNothingToClose = fmt.Errorf("nothing to close")

func New(logger *zerolog.Logger) *Listener {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Listener{
		logger: logger,
		connCh: make(chan net.Conn),
		done:   make(chan struct{}),
	}
}

func NewFromContext(ctx context.Context) *Listener {
	return New(log.Ctx(ctx))
}

// Listener accepts inbound peer connections and hands them over through a channel.
type Listener struct {
	once   sync.Once
	lock   sync.Mutex
	lis    net.Listener
	logger *zerolog.Logger
	connCh chan net.Conn
	done   chan struct{}
	stop   chan struct{}
}

// Listen starts accepting on host:port. An empty host listens on all interfaces.
func (l *Listener) Listen(host string, port uint16) (connCh <-chan net.Conn, err error) {
	err = errAlreadyListened
	l.once.Do(func() {
		connCh, err = l.listen(host, port)
	})
	return
}

func (l *Listener) listen(host string, port uint16) (<-chan net.Conn, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("unable to listen port %d: %w", port, err)
	}
	l.lock.Lock()
	l.lis = lis
	l.stop = make(chan struct{})
	l.lock.Unlock()
	l.logger.Info().Str("addr", lis.Addr().String()).Msg("listening for peers")
	go func() {
		defer close(l.done)
		for {
			conn, err := lis.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				l.logger.Warn().Err(err).Msg("unable to accept connection")
				continue
			}
			l.logger.Info().
				Str("remote_addr", conn.RemoteAddr().String()).
				Msg("incoming connection from remote peer")
			select {
			case l.connCh <- conn:
			case <-l.stop:
				_ = conn.Close()
				return
			}
		}
	}()
	return l.connCh, nil
}

// Addr is the bound address, nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.lis == nil {
		return nil
	}
	return l.lis.Addr()
}

func (l *Listener) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.lis == nil {
		return errNothingToClose
	}
	close(l.stop)
	err := l.lis.Close()
	<-l.done
	close(l.connCh)
	l.lis = nil
	return err
}
