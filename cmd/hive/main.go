package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prxssh/hive/internal/config"
	"github.com/prxssh/hive/internal/metrics"
	"github.com/prxssh/hive/internal/swarm"
	"github.com/prxssh/hive/internal/wire"
	"github.com/prxssh/hive/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	flagInfoHash string
	flagPort     int
	flagPeers    []string
	flagDebug    bool
	flagMetrics  string
)

func main() {
	root := &cobra.Command{
		Use:          "hive",
		Short:        "Join a BitTorrent swarm and manage its peer connections",
		RunE:         run,
		SilenceUsage: true,
	}

	root.Flags().StringVar(&flagInfoHash, "info-hash", "", "torrent info-hash (40 hex chars)")
	root.Flags().IntVar(&flagPort, "port", 6881, "TCP listen port (0 = OS assigned)")
	root.Flags().StringSliceVar(&flagPeers, "peer", nil, "peer address host:port (repeatable)")
	root.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	root.Flags().StringVar(&flagMetrics, "metrics", "", "serve Prometheus metrics on this address")
	_ = root.MarkFlagRequired("info-hash")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	setupLogger()

	infoHash, err := swarm.ParseInfoHash(flagInfoHash)
	if err != nil {
		return err
	}
	peerID, err := swarm.NewPeerID("-HV0001-")
	if err != nil {
		return err
	}

	if flagMetrics != "" {
		config.Update(func(c *config.Config) {
			c.MetricsEnabled = true
			c.MetricsBindAddr = flagMetrics
		})
		go func() {
			if err := metrics.Serve(flagMetrics); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	closed := make(chan struct{})

	s := swarm.New(infoHash, peerID, &swarm.Options{
		Events: swarm.Events{
			OnClose: func() { close(closed) },
			OnWire: func(w *wire.Wire) {
				remote := w.Remote()
				slog.Info("wire up",
					"addr", w.RemoteAddr(),
					"peer_id", fmt.Sprintf("%q", remote.PeerID[:8]),
				)
			},
			OnListening: func(port int) {
				slog.Info("listening", "port", port)
			},
			OnError: func(err error) {
				slog.Error("swarm error", "error", err)
			},
		},
	})

	s.Listen(flagPort)
	for _, addr := range flagPeers {
		s.Add(addr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	stats := s.Stats()
	slog.Info("shutting down",
		"downloaded", stats.Downloaded,
		"uploaded", stats.Uploaded,
		"wires", stats.NumWires,
	)

	s.Destroy()
	<-closed

	return nil
}

func setupLogger() {
	opts := logging.DefaultOptions()
	if flagDebug {
		opts.SlogOpts.Level = slog.LevelDebug
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
