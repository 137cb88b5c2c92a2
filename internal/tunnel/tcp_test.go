package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/samelat/bogeyman/internal/domain"
)

func startPair(t *testing.T, network string, compress bool) (*TCP, *TCP, *recordingPeer, *recordingPeer) {
	t.Helper()
	server := NewTCP(testLog, TCPOptions{Role: RoleListen, Address: "127.0.0.1:0", Network: network, Compress: compress})
	serverPeer := newRecordingPeer()
	server.SetPeer(serverPeer)
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Stop() })

	client := NewTCP(testLog, TCPOptions{
		Role:       RoleConnect,
		Address:    server.Addr().String(),
		Network:    network,
		Compress:   compress,
		RetryDelay: 50 * time.Millisecond,
	})
	clientPeer := newRecordingPeer()
	client.SetPeer(clientPeer)
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Stop() })

	eventually(t, "tunnel connection", func() bool { return client.Connected() && server.Connected() })
	return server, client, serverPeer, clientPeer
}

func exchangeBothWays(t *testing.T, server, client *TCP, serverPeer, clientPeer *recordingPeer) {
	t.Helper()
	if !client.Dispatch(domain.Message{Cmd: domain.CmdConnect, ID: 1, Addr: "10.0.0.1", Port: 80}) {
		t.Fatal("client dispatch refused")
	}
	if !client.Dispatch(domain.Message{Cmd: domain.CmdSync, ID: 1, Data: []byte("hello")}) {
		t.Fatal("client dispatch refused")
	}
	got := serverPeer.waitFor(t, 2)
	if got[0].Cmd != domain.CmdConnect || got[0].Addr != "10.0.0.1" || string(got[1].Data) != "hello" {
		t.Errorf("server received %+v", got)
	}

	if !server.Dispatch(domain.Message{Cmd: domain.CmdStatus, ID: 1, Value: 0}) {
		t.Fatal("server dispatch refused")
	}
	back := clientPeer.waitFor(t, 1)
	if back[0].Cmd != domain.CmdStatus || back[0].ID != 1 {
		t.Errorf("client received %+v", back)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	server, client, serverPeer, clientPeer := startPair(t, NetworkTCP, false)
	exchangeBothWays(t, server, client, serverPeer, clientPeer)
}

func TestTCPCompressed(t *testing.T) {
	server, client, serverPeer, clientPeer := startPair(t, NetworkTCP, true)
	exchangeBothWays(t, server, client, serverPeer, clientPeer)
}

func TestKCPRoundTrip(t *testing.T) {
	server := NewTCP(testLog, TCPOptions{Role: RoleListen, Address: "127.0.0.1:0", Network: NetworkKCP})
	serverPeer := newRecordingPeer()
	server.SetPeer(serverPeer)
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()

	client := NewTCP(testLog, TCPOptions{Role: RoleConnect, Address: server.Addr().String(), Network: NetworkKCP})
	client.SetPeer(newRecordingPeer())
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Stop()

	// A KCP dial succeeds before the listener has seen a packet, so the
	// first frame is what makes the server side live.
	eventually(t, "kcp dial", client.Connected)
	client.Dispatch(domain.Message{Cmd: domain.CmdDisconnect, ID: 3})
	got := serverPeer.waitFor(t, 1)
	if got[0].Cmd != domain.CmdDisconnect || got[0].ID != 3 {
		t.Errorf("server received %+v", got)
	}
}

func TestDispatchWithoutConnection(t *testing.T) {
	client := NewTCP(testLog, TCPOptions{Role: RoleConnect, Address: "127.0.0.1:1", RetryDelay: time.Hour})
	if client.Dispatch(domain.Message{Cmd: domain.CmdStop}) {
		t.Fatal("dispatch must fail with no live connection")
	}
}

func TestConnectorReconnects(t *testing.T) {
	server, client, serverPeer, clientPeer := startPair(t, NetworkTCP, false)

	// Drop the live connection from the listening side.
	server.writeMu.Lock()
	server.conn.Close()
	server.writeMu.Unlock()

	eventually(t, "disconnect noticed", func() bool { return !client.Connected() })
	eventually(t, "reconnect", func() bool { return client.Connected() && server.Connected() })
	exchangeBothWays(t, server, client, serverPeer, clientPeer)
}

func TestStopJoinsReadLoop(t *testing.T) {
	server, client, serverPeer, _ := startPair(t, NetworkTCP, false)
	if err := server.Stop(); err != nil {
		t.Fatal(err)
	}
	before := len(serverPeer.snapshot())
	client.Dispatch(domain.Message{Cmd: domain.CmdStop})
	time.Sleep(50 * time.Millisecond)
	if len(serverPeer.snapshot()) != before {
		t.Error("message delivered after Stop returned")
	}
	if server.Dispatch(domain.Message{Cmd: domain.CmdStop}) {
		t.Error("stopped tunnel accepted a message")
	}
}

func TestUnknownRole(t *testing.T) {
	tun := NewTCP(testLog, TCPOptions{Role: "sideways", Address: "127.0.0.1:0"})
	if err := tun.Start(context.Background()); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
