package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samelat/bogeyman/internal/config"
)

func loadFor(t *testing.T, args ...string) *app {
	t.Helper()
	a := &app{cfg: config.Default()}
	root := newRootCommand(a)
	cmd, rest, err := root.Find(args)
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.ParseFlags(rest); err != nil {
		t.Fatal(err)
	}
	if err := a.load(cmd); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogeyman.yaml")
	yaml := "local:\n  listen: 127.0.0.1:2080\ntunnel:\n  type: http\n  workers: 4\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	a := loadFor(t, "local", "--config", path, "--workers", "6", "--connect-timeout", "5s")
	if a.cfg.Local.Listen != "127.0.0.1:2080" {
		t.Errorf("listen %q, want file value", a.cfg.Local.Listen)
	}
	if a.cfg.Tunnel.Type != "http" {
		t.Errorf("tunnel %q", a.cfg.Tunnel.Type)
	}
	if a.cfg.Tunnel.Workers != 6 {
		t.Errorf("workers %d, want flag value", a.cfg.Tunnel.Workers)
	}
	if a.cfg.Local.ConnectTimeout != 5*time.Second {
		t.Errorf("connect timeout %v", a.cfg.Local.ConnectTimeout)
	}
}

func TestRemoteConnectTimeoutFlag(t *testing.T) {
	a := loadFor(t, "remote", "--connect-timeout", "3s", "--role", "connect", "--dns", "10.0.0.1:53")
	if a.cfg.Remote.ConnectTimeout != 3*time.Second {
		t.Errorf("remote connect timeout %v", a.cfg.Remote.ConnectTimeout)
	}
	if a.cfg.Local.ConnectTimeout != config.Default().Local.ConnectTimeout {
		t.Error("local timeout changed by remote flag")
	}
	if a.cfg.Tunnel.Role != "connect" || a.cfg.Remote.DNS != "10.0.0.1:53" {
		t.Errorf("tunnel %+v remote %+v", a.cfg.Tunnel, a.cfg.Remote)
	}
}

func TestInvalidFlagRejected(t *testing.T) {
	a := &app{cfg: config.Default()}
	root := newRootCommand(a)
	cmd, rest, _ := root.Find([]string{"local", "--tunnel", "udp"})
	if err := cmd.ParseFlags(rest); err != nil {
		t.Fatal(err)
	}
	if err := a.load(cmd); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSubcommands(t *testing.T) {
	root := newRootCommand(&app{cfg: config.Default()})
	for _, name := range []string{"local", "remote"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %s: %v", name, err)
		}
	}
}
