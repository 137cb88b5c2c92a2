package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/samelat/bogeyman/internal/application"
	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/infrastructure/epoll"
	"github.com/samelat/bogeyman/internal/infrastructure/resolver"
	"github.com/samelat/bogeyman/internal/tunnel"
)

func newRemoteCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Open the destination connections requested over the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRemote(cmd.Context())
		},
	}
	tunnelFlags(cmd, a.cfg)
	f := cmd.Flags()
	f.String("dns", a.cfg.Remote.DNS, "DNS server for domain targets (host:port, default from resolv.conf)")
	f.Duration("connect-timeout", a.cfg.Remote.ConnectTimeout, "fail connects that take longer than this")
	return cmd
}

func (a *app) runRemote(ctx context.Context) error {
	cfg := a.cfg

	var t domain.Tunnel
	switch cfg.Tunnel.Type {
	case "http":
		t = tunnel.NewHTTPServer(a.log, tunnel.HTTPServerOptions{Address: cfg.Tunnel.Address})
	default:
		t = a.tcpTunnel()
	}

	loop, err := epoll.New(a.log, epoll.DefaultInterval)
	if err != nil {
		return err
	}
	d := application.NewDispatcher(t, loop, resolver.New(cfg.Remote.DNS, 0), a.log, application.DispatcherOptions{
		ConnectTimeout: cfg.Remote.ConnectTimeout,
	})
	t.SetPeer(d)

	if err := t.Start(ctx); err != nil {
		return err
	}

	fatal := make(chan error, 1)
	go func() {
		if err := d.Run(); err != nil {
			fatal <- err
		}
	}()
	return a.run(d, t, fatal)
}
