package main

import (
	"context"
	"net"

	"github.com/spf13/cobra"

	"github.com/samelat/bogeyman/internal/application"
	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/tunnel"
)

func newLocalCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Accept SOCKS5 clients and carry their streams over the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLocal(cmd.Context())
		},
	}
	tunnelFlags(cmd, a.cfg)
	f := cmd.Flags()
	f.String("listen", a.cfg.Local.Listen, "SOCKS5 listen address")
	f.String("url", a.cfg.Tunnel.URL, "remote HTTP endpoint for the http binding")
	f.Int("workers", a.cfg.Tunnel.Workers, "concurrent HTTP exchanges")
	f.Duration("connect-timeout", a.cfg.Local.ConnectTimeout, "give up on a connect status after this long (0 waits forever)")
	return cmd
}

func (a *app) runLocal(ctx context.Context) error {
	cfg := a.cfg

	fatal := make(chan error, 1)
	var t domain.Tunnel
	switch cfg.Tunnel.Type {
	case "http":
		hc := tunnel.NewHTTPClient(a.log, tunnel.HTTPClientOptions{
			URL:     cfg.Tunnel.URL,
			Workers: cfg.Tunnel.Workers,
		})
		go func() {
			<-hc.Lost()
			select {
			case fatal <- tunnel.ErrSessionLost:
			default:
			}
		}()
		t = hc
	default:
		t = a.tcpTunnel()
	}

	adapter := application.NewAdapter(t, a.log, application.AdapterOptions{
		ConnectTimeout: cfg.Local.ConnectTimeout,
		RetryDelay:     cfg.Local.RetryDelay,
	})
	t.SetPeer(adapter)

	ln, err := net.Listen("tcp", cfg.Local.Listen)
	if err != nil {
		return err
	}
	if err := t.Start(ctx); err != nil {
		ln.Close()
		return err
	}

	go func() {
		if err := adapter.Serve(ln); err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}()
	return a.run(adapter, t, fatal)
}
