package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/gdamore/tcell/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mineroot/p2pshare/pkg"
	"github.com/mineroot/p2pshare/pkg/config"
	"github.com/mineroot/p2pshare/pkg/peer"
	"github.com/mineroot/p2pshare/ui"
)

var (
	localID         peer.ID
	configDir       string
	dataDir         string
	withUI          bool
	dialParallelism int
	timeout         time.Duration
	debug           bool
)

var rootCmd = &cobra.Command{
	DisableFlagsInUseLine: true,
	Version:               "0.1",
	Use:                   "peer peer_id [flags]",
	Example:               "  peer 1002 --config-dir ./project --data-dir ./project",
	Short:                 "Peer of a P2P file sharing swarm",
	RunE:                  run,
	SilenceUsage:          true,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("requires exactly 1 arg, received %d", len(args))
		}
		id, err := strconv.Atoi(args[0])
		if err != nil || !peer.ID(id).Valid() {
			return fmt.Errorf("peer id must be a number in [0, %d], received %q", peer.MaxID, args[0])
		}
		localID = peer.ID(id)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&configDir, "config-dir", ".", "directory holding "+config.CommonFile+" and "+config.PeerInfoFile)
	rootCmd.Flags().StringVar(&dataDir, "data-dir", ".", "directory holding peer_<id> directories and event logs")
	rootCmd.Flags().BoolVar(&withUI, "ui", false, "show terminal dashboard, logs go to ~/.p2pshare")
	rootCmd.Flags().IntVar(&dialParallelism, "dial-parallelism", 1, "number of preceding peers dialed at once")
	rootCmd.Flags().DurationVar(&timeout, "timeout", peer.DefaultTimeout, "timeout of every handshake and bitfield socket operation, 0 disables it")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "log every message")
}

func run(cmd *cobra.Command, _ []string) error {
	var out io.Writer = os.Stderr
	if withUI {
		logFile, err := openLogFile(localID)
		if err != nil {
			return err
		}
		defer logFile.Close()
		out = logFile
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	l := log.Output(zerolog.ConsoleWriter{Out: out}).With().Caller().Logger().Level(level)

	fs := afero.NewOsFs()
	common, err := config.LoadCommon(fs, filepath.Join(configDir, config.CommonFile))
	if err != nil {
		return err
	}
	directory, err := config.LoadDirectory(fs, filepath.Join(configDir, config.PeerInfoFile))
	if err != nil {
		return err
	}
	client, err := pkg.NewClient(fs, dataDir, localID, common, directory,
		pkg.WithDialParallelism(dialParallelism),
		pkg.WithTimeout(timeout),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	ctx = l.WithContext(ctx)
	if !withUI {
		go drain(client)
		if err = client.Run(ctx); errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	app := ui.CreateApp(ctx, client.ID(), client.Storage(), client.Registry(), client.ProgressSpeed(), client.ProgressChunks())
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || event.Key() == tcell.KeyEscape {
			cancel()
			app.Stop()
		}
		return event
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(app.Run)
	g.Go(func() error {
		defer app.Stop()
		return client.Run(ctx)
	})
	if err = g.Wait(); errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain discards progress events nobody displays.
func drain(client *pkg.Client) {
	speed := client.ProgressSpeed()
	for {
		select {
		case _, ok := <-speed:
			if !ok {
				return
			}
		case <-client.ProgressChunks():
		}
	}
}

func openLogFile(id peer.ID) (*os.File, error) {
	const logDir = ".p2pshare"
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("unable get user's home directory: %w", err)
	}
	logDirPath := path.Join(homeDir, logDir)
	if _, err = os.Stat(logDirPath); os.IsNotExist(err) {
		if err = os.Mkdir(logDirPath, 0755); err != nil {
			return nil, fmt.Errorf("unable to create log directory: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("unable to check log directory: %w", err)
	}
	logFilePath := path.Join(logDirPath, fmt.Sprintf("peer_%s.log", id))

	logFileFd, err := os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	return logFileFd, nil
}
