package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/samelat/bogeyman/internal/config"
	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/metrics"
	"github.com/samelat/bogeyman/internal/tunnel"
	"github.com/samelat/bogeyman/pkg/logger"
)

// app carries what every subcommand needs after the root has loaded the
// configuration.
type app struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
}

func main() {
	if err := newRootCommand(&app{cfg: config.Default()}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bogeyman:", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "bogeyman",
		Short:         "SOCKS5 pivot over a TCP or HTTP tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML configuration file")
	pf.String("log-level", a.cfg.Log.Level, "log level (debug, info, warn, error)")
	pf.String("log-file", "", "also write logs to this rotated file")
	pf.String("metrics-listen", "", "serve prometheus metrics on this address")

	root.AddCommand(newLocalCommand(a), newRemoteCommand(a))
	return root
}

// load reads the config file and lays every flag the user set on top of it.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("log-level", &cfg.Log.Level)
	str("log-file", &cfg.Log.File)
	str("metrics-listen", &cfg.Metrics.Listen)

	str("listen", &cfg.Local.Listen)
	str("tunnel", &cfg.Tunnel.Type)
	str("role", &cfg.Tunnel.Role)
	str("address", &cfg.Tunnel.Address)
	str("network", &cfg.Tunnel.Network)
	str("url", &cfg.Tunnel.URL)
	str("dns", &cfg.Remote.DNS)
	if flags.Changed("compress") {
		cfg.Tunnel.Compress, _ = flags.GetBool("compress")
	}
	if flags.Changed("workers") {
		cfg.Tunnel.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("connect-timeout") {
		d, _ := flags.GetDuration("connect-timeout")
		if cmd.Name() == "remote" {
			cfg.Remote.ConnectTimeout = d
		} else {
			cfg.Local.ConnectTimeout = d
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.log = logger.Setup(cfg.Log.Level, cfg.Log.File)
	slog.SetDefault(a.log)
	return nil
}

// tunnelFlags registers the binding flags shared by both subcommands.
func tunnelFlags(cmd *cobra.Command, cfg config.Config) {
	f := cmd.Flags()
	f.String("tunnel", cfg.Tunnel.Type, "tunnel binding (tcp or http)")
	f.String("role", cfg.Tunnel.Role, "tcp binding role (listen or connect)")
	f.String("address", cfg.Tunnel.Address, "tcp binding address, or http server listen address")
	f.String("network", cfg.Tunnel.Network, "tcp binding transport (tcp or kcp)")
	f.Bool("compress", cfg.Tunnel.Compress, "snappy-compress the tcp binding")
}

// serveMetrics starts the prometheus endpoint when one is configured. The
// returned function shuts it down.
func (a *app) serveMetrics() func() {
	if a.cfg.Metrics.Listen == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.log.Info("Metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func (a *app) tcpTunnel() *tunnel.TCP {
	tc := a.cfg.Tunnel
	return tunnel.NewTCP(a.log, tunnel.TCPOptions{
		Role:       tunnel.Role(tc.Role),
		Address:    tc.Address,
		Network:    tc.Network,
		Compress:   tc.Compress,
		RetryDelay: tc.RetryDelay,
	})
}

type peer interface {
	domain.Peer
	StopRequested() <-chan struct{}
	Stop()
}

// run waits for a signal, a stop from the far side or a fatal error, then
// stops the peer before the tunnel.
func (a *app) run(p peer, t domain.Tunnel, fatal <-chan error) error {
	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	select {
	case <-ctx.Done():
		a.log.Info("Signal received, shutting down")
	case <-p.StopRequested():
		a.log.Info("Stop received from tunnel, shutting down")
	case err = <-fatal:
		a.log.Error("Fatal error, shutting down", "error", err)
	}

	p.Stop()
	if terr := t.Stop(); terr != nil {
		a.log.Warn("Tunnel stop failed", "error", terr)
	}
	return err
}
