// Package tunnel implements the transports that carry stream messages
// between the adapter and the dispatcher.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/snappy"
	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/metrics"
	"github.com/samelat/bogeyman/internal/protocol"
)

var ErrUnavailable = errors.New("tunnel: no live connection")

type Role string

const (
	RoleListen  Role = "listen"
	RoleConnect Role = "connect"
)

const (
	NetworkTCP = "tcp"
	NetworkKCP = "kcp"
)

type TCPOptions struct {
	Role    Role
	Address string
	// Network is "tcp" or "kcp". Both ends must agree.
	Network string
	// Compress wraps the connection in snappy streams. Both ends must agree.
	Compress bool
	// RetryDelay is the pause before a connector dials again.
	RetryDelay time.Duration
}

// TCP is the persistent length-framed binding. At most one connection is
// live at a time. Messages dispatched while none is live are refused.
type TCP struct {
	log  *slog.Logger
	opts TCPOptions

	peerMu sync.RWMutex
	peer   domain.Peer

	writeMu sync.Mutex
	conn    net.Conn

	listener net.Listener
	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sessions atomic.Int64
}

func NewTCP(log *slog.Logger, opts TCPOptions) *TCP {
	if opts.Network == "" {
		opts.Network = NetworkTCP
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 8 * time.Second
	}
	return &TCP{log: log.With("component", "tunnel", "binding", opts.Network, "role", opts.Role), opts: opts}
}

func (t *TCP) SetPeer(peer domain.Peer) {
	t.peerMu.Lock()
	t.peer = peer
	t.peerMu.Unlock()
}

// Start opens the listener (listen role) or begins dialing (connect role).
// Listen errors are returned; dial errors are retried.
func (t *TCP) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running.Store(true)

	switch t.opts.Role {
	case RoleListen:
		ln, err := t.listen()
		if err != nil {
			cancel()
			t.running.Store(false)
			return fmt.Errorf("listen %s %s: %w", t.opts.Network, t.opts.Address, err)
		}
		t.listener = ln
		t.log.Info("Tunnel listening", "addr", ln.Addr().String())
		t.wg.Add(1)
		go t.acceptLoop(ln)
	case RoleConnect:
		t.wg.Add(1)
		go t.connectLoop(ctx)
	default:
		cancel()
		t.running.Store(false)
		return fmt.Errorf("unknown tunnel role %q", t.opts.Role)
	}
	return nil
}

// Addr is the listening address, or nil for a connector.
func (t *TCP) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Connected reports whether a tunnel connection is live.
func (t *TCP) Connected() bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn != nil
}

func (t *TCP) listen() (net.Listener, error) {
	if t.opts.Network == NetworkKCP {
		return kcp.ListenWithOptions(t.opts.Address, nil, 0, 0)
	}
	return net.Listen("tcp", t.opts.Address)
}

func (t *TCP) dial(ctx context.Context) (net.Conn, error) {
	if t.opts.Network == NetworkKCP {
		return kcp.DialWithOptions(t.opts.Address, nil, 0, 0)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", t.opts.Address)
}

func (t *TCP) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !t.running.Load() {
				return
			}
			t.log.Warn("Accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		t.log.Info("Tunnel connection accepted", "remote", conn.RemoteAddr().String())
		t.serve(conn)
	}
}

func (t *TCP) connectLoop(ctx context.Context) {
	defer t.wg.Done()
	for t.running.Load() {
		t.log.Info("Connecting tunnel", "addr", t.opts.Address)
		conn, err := t.dial(ctx)
		switch {
		case err == nil:
			t.serve(conn)
		case errors.Is(err, syscall.ECONNREFUSED):
			t.log.Info("Tunnel connection refused", "addr", t.opts.Address)
		case ctx.Err() != nil:
			return
		default:
			t.log.Warn("Tunnel dial failed", "addr", t.opts.Address, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.opts.RetryDelay):
		}
	}
}

// serve makes conn the live connection and feeds its frames to the peer
// until it fails.
func (t *TCP) serve(conn net.Conn) {
	if t.opts.Compress {
		conn = newSnappyConn(conn)
	}

	t.writeMu.Lock()
	if !t.running.Load() {
		t.writeMu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.writeMu.Unlock()
	if t.sessions.Add(1) > 1 {
		metrics.Reconnects.Inc()
	}
	t.log.Info("Tunnel connected")

	err := t.readLoop(conn)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		t.log.Info("Tunnel disconnected")
	default:
		t.log.Warn("Tunnel connection dropped", "error", err)
	}

	t.writeMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.writeMu.Unlock()
	conn.Close()
}

func (t *TCP) readLoop(r io.Reader) error {
	for t.running.Load() {
		msg, err := protocol.ReadFrame(r)
		if err != nil {
			return err
		}
		t.log.Debug("Message received", "cmd", msg.Cmd, "stream_id", msg.ID)

		t.peerMu.RLock()
		peer := t.peer
		t.peerMu.RUnlock()
		if peer == nil {
			t.log.Warn("No peer attached, dropping message", "cmd", msg.Cmd)
			continue
		}
		peer.Dispatch(msg)
	}
	return nil
}

// Dispatch writes msg on the live connection. Concurrent callers are
// serialized.
func (t *TCP) Dispatch(msg domain.Message) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return false
	}
	if err := protocol.WriteFrame(t.conn, msg); err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			t.log.Error("Dropping oversized message", "cmd", msg.Cmd, "stream_id", msg.ID)
			return true
		}
		t.log.Warn("Tunnel write failed", "error", err)
		t.conn.Close()
		t.conn = nil
		return false
	}
	return true
}

// Stop closes the listener and live connection and waits for the read loop
// to return, so no message reaches the peer afterwards.
func (t *TCP) Stop() error {
	if !t.running.Swap(false) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.writeMu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.writeMu.Unlock()

	t.wg.Wait()
	t.log.Info("Tunnel stopped")
	return nil
}

// snappyConn compresses both directions. Writes are flushed per call and
// serialized by the caller.
type snappyConn struct {
	net.Conn
	reader *snappy.Reader
	writer *snappy.Writer
}

func newSnappyConn(conn net.Conn) *snappyConn {
	return &snappyConn{
		Conn:   conn,
		reader: snappy.NewReader(conn),
		writer: snappy.NewBufferedWriter(conn),
	}
}

func (sc *snappyConn) Read(p []byte) (int, error) {
	return sc.reader.Read(p)
}

func (sc *snappyConn) Write(p []byte) (int, error) {
	n, err := sc.writer.Write(p)
	if err != nil {
		return n, err
	}
	return n, sc.writer.Flush()
}
