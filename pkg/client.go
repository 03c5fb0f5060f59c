package pkg

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/mineroot/p2pshare/pkg/config"
	"github.com/mineroot/p2pshare/pkg/connector"
	"github.com/mineroot/p2pshare/pkg/event"
	"github.com/mineroot/p2pshare/pkg/eventlog"
	"github.com/mineroot/p2pshare/pkg/listener"
	"github.com/mineroot/p2pshare/pkg/peer"
	"github.com/mineroot/p2pshare/pkg/registry"
	"github.com/mineroot/p2pshare/pkg/storage"
	"github.com/mineroot/p2pshare/pkg/worker"
	"github.com/mineroot/p2pshare/utils"
)

const (
	completionCheckInterval = 500 * time.Millisecond
	flushTimeout            = 2 * time.Second
)

var errSwarmComplete = fmt.Errorf("every peer has the complete file")

type Option func(c *Client)

// WithDialParallelism dials up to n preceding peers at once.
func WithDialParallelism(n int) Option {
	return func(c *Client) {
		c.dialParallelism = n
	}
}

// WithTimeout bounds every socket operation of the handshake and bitfield exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDialer replaces the net.Dialer used for outbound connections.
func WithDialer(d connector.ContextDialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// Client is a single peer of the swarm. Its working files live in
// dataDir/peer_<id>, the event log in dataDir.
type Client struct {
	once            sync.Once
	self            config.PeerInfo
	common          *config.Common
	directory       *config.Directory
	storage         *storage.Storage
	events          *eventlog.Logger
	registry        *registry.Registry
	dialer          connector.ContextDialer
	dialParallelism int
	timeout         time.Duration
	connCh          <-chan net.Conn
	ready           chan struct{}

	progressConnReads chan *event.ProgressConnRead
	progressSpeed     chan *event.ProgressSpeed
	progressChunks    chan *event.ProgressChunkDownloaded
}

func NewClient(
	fs afero.Fs,
	dataDir string,
	localID peer.ID,
	common *config.Common,
	directory *config.Directory,
	opts ...Option,
) (*Client, error) {
	self, ok := directory.Lookup(localID)
	if !ok {
		return nil, fmt.Errorf("%w: peer %s is not listed", config.ErrInvalidConfig, localID)
	}
	c := &Client{
		self:              self,
		common:            common,
		directory:         directory,
		dialer:            &net.Dialer{},
		dialParallelism:   1,
		timeout:           peer.DefaultTimeout,
		ready:             make(chan struct{}),
		progressConnReads: make(chan *event.ProgressConnRead, 512),
		progressChunks:    make(chan *event.ProgressChunkDownloaded, 512),
		progressSpeed:     make(chan *event.ProgressSpeed),
	}
	for _, opt := range opts {
		opt(c)
	}
	var err error
	c.storage, err = storage.Open(fs, filepath.Join(dataDir, WorkDir(localID), common.FileName), common.FileSize, common.PieceSize, self.HasFile)
	if err != nil {
		return nil, fmt.Errorf("unable to open shared file: %w", err)
	}
	c.events, err = eventlog.Open(fs, dataDir, localID)
	if err != nil {
		_ = c.storage.Close()
		return nil, fmt.Errorf("unable to open event log: %w", err)
	}
	c.registry = registry.New(directory.IDs(), c.events)
	return c, nil
}

// WorkDir is the per-peer directory holding the shared file.
func WorkDir(id peer.ID) string {
	return fmt.Sprintf("peer_%s", id)
}

// Run serves the peer until every known peer, this one included, has the complete file.
func (c *Client) Run(ctx context.Context) (err error) {
	err = fmt.Errorf("client already run")
	c.once.Do(func() {
		err = c.run(ctx)
	})
	return
}

func (c *Client) run(ctx context.Context) (err error) {
	defer c.events.Close()
	defer c.storage.Close()
	l := log.Ctx(ctx).With().Stringer("local_peer", c.self.ID).Logger()
	ctx = l.WithContext(ctx)

	lis := listener.NewFromContext(ctx)
	c.connCh, err = lis.Listen("", c.self.Port)
	if err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	defer lis.Close()
	close(c.ready)

	c.sendInitialProgress()
	workers := worker.NewWorkers(c.storage, c.registry, c.events, c.progressConnReads, c.progressChunks)
	dispatcher := worker.NewDispatcher(workers, worker.Params{
		ChunksCount:    c.storage.ChunksCount(),
		IsFileComplete: c.storage.IsCompleted(),
		FileSize:       c.storage.Size(),
		ChunkSize:      c.storage.ChunkSize(),
	})
	negotiator := peer.NewNegotiator(c.self.ID, c.registry, c.storage.Bitfield(), c.timeout)
	conn := connector.New(c.dialer, negotiator, c.registry, dispatcher, connector.WithParallelism(c.dialParallelism))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.managePeers(ctx, conn)
	})
	g.Go(func() error {
		conn.Dial(ctx, c.directory.PrecedingPeers(c.self.ID))
		return nil
	})
	g.Go(utils.WithCtx(ctx, c.watchCompletion))
	go c.calculateDownloadSpeed(ctx)

	err = g.Wait()
	c.registry.CloseAll()
	if errors.Is(err, errSwarmComplete) {
		l.Info().Msg("all peers have the complete file, exiting")
		return nil
	}
	return err
}

// Ready is closed once the client accepts connections.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

func (c *Client) ID() peer.ID {
	return c.self.ID
}

func (c *Client) Registry() *registry.Registry {
	return c.registry
}

func (c *Client) Storage() storage.Reader {
	return c.storage
}

func (c *Client) ProgressSpeed() <-chan *event.ProgressSpeed {
	return c.progressSpeed
}

func (c *Client) ProgressChunks() <-chan *event.ProgressChunkDownloaded {
	return c.progressChunks
}

func (c *Client) sendInitialProgress() {
	downloaded := c.storage.Bitfield().DownloadedChunksCount()
	c.progressChunks <- event.NewProgressChunkDownloaded(c.self.ID, downloaded)
}

func (c *Client) managePeers(ctx context.Context, conn *connector.Connector) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case inbound, ok := <-c.connCh:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				// rejected connections are already logged
				_ = conn.Accept(ctx, inbound)
			}()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchCompletion ends the run once the local file is complete and
// every other known peer is connected with the complete file.
func (c *Client) watchCompletion(ctx context.Context) error {
	ticker := time.NewTicker(completionCheckInterval)
	defer ticker.Stop()
	others := c.directory.Len() - 1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.storage.IsCompleted() || !c.registry.AllComplete(others) {
				continue
			}
			c.flush(ctx)
			return errSwarmComplete
		}
	}
}

// flush waits for queued messages, the last haves especially, to reach the wire.
func (c *Client) flush(ctx context.Context) {
	deadline := time.NewTimer(flushTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := 0
		for _, s := range c.registry.Sessions() {
			pending += len(s.Outbox())
		}
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Ctx(ctx).Warn().Int("pending", pending).Msg("exiting with unsent messages")
			return
		case <-ticker.C:
		}
	}
}
