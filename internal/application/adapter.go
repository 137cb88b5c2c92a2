package application

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/metrics"
	"github.com/samelat/bogeyman/internal/protocol"
	"github.com/samelat/bogeyman/internal/registry"
	"github.com/samelat/bogeyman/internal/socks5"
)

const (
	relayChunk   = 8 * 1024
	clientWrite  = 30 * time.Second
	shutdownWait = 2 * time.Second
	// streamQueue is how many inbound sync payloads a stream may have
	// waiting for its socket before it is cut off.
	streamQueue = 64
)

type AdapterOptions struct {
	// ConnectTimeout bounds the wait for a status. Zero waits until shutdown.
	ConnectTimeout time.Duration
	// RetryDelay is the pause between attempts when the tunnel refuses a message.
	RetryDelay time.Duration
}

// clientStream is the adapter's handle on one SOCKS client. Inbound data
// goes through out to the stream's writer goroutine.
type clientStream struct {
	conn     net.Conn
	out      chan []byte
	done     chan struct{}
	shutOnce sync.Once
}

func newClientStream(conn net.Conn) *clientStream {
	return &clientStream{conn: conn, out: make(chan []byte, streamQueue), done: make(chan struct{})}
}

// shut closes the socket, which also fails any write in progress, and stops
// the writer.
func (s *clientStream) shut() {
	s.shutOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Adapter terminates SOCKS5 clients and maps each one to a stream carried
// by the tunnel.
type Adapter struct {
	log     *slog.Logger
	tunnel  domain.Tunnel
	streams *registry.Registry[*clientStream]
	opts    AdapterOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopReq  chan struct{}
	reqOnce  sync.Once
}

func NewAdapter(tunnel domain.Tunnel, log *slog.Logger, opts AdapterOptions) *Adapter {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		log:     log.With("component", "adapter"),
		tunnel:  tunnel,
		streams: registry.New[*clientStream](),
		opts:    opts,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stopReq: make(chan struct{}),
	}
}

// Serve accepts clients on ln until Stop. Each client runs independently.
func (a *Adapter) Serve(ln net.Listener) error {
	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		ln.Close()
		return nil
	}
	a.listener = ln
	a.mu.Unlock()

	a.log.Info("SOCKS5 listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		a.mu.Lock()
		if a.ctx.Err() != nil {
			a.mu.Unlock()
			conn.Close()
			return nil
		}
		a.conns[conn] = struct{}{}
		a.wg.Add(1)
		a.mu.Unlock()
		go a.handle(conn)
	}
}

func (a *Adapter) handle(conn net.Conn) {
	defer a.wg.Done()
	defer a.untrack(conn)
	log := a.log.With("client", conn.RemoteAddr().String())

	version, err := socks5.Negotiate(conn)
	if err != nil {
		log.Debug("Negotiation failed", "error", err)
		conn.Close()
		return
	}
	req, err := socks5.ReadRequest(conn)
	if err != nil {
		log.Debug("Request rejected", "error", err)
		conn.Close()
		return
	}

	stream := newClientStream(conn)
	id, err := a.register(stream)
	if err != nil {
		log.Warn("Cannot register stream", "error", err)
		conn.Close()
		return
	}
	log = log.With("stream_id", id)
	log.Info("Connecting", "target", req.String())

	if !a.send(domain.Message{Cmd: domain.CmdConnect, ID: id, Addr: req.Addr, Port: req.Port}) {
		a.drop(id)
		return
	}

	status, err := a.streams.Wait(a.ctx, id, a.opts.ConnectTimeout)
	switch {
	case errors.Is(err, registry.ErrTimeout):
		if a.streams.Resolve(id, domain.StatusTimeout) {
			status = domain.StatusTimeout
			a.send(domain.Message{Cmd: domain.CmdDisconnect, ID: id})
		} else {
			status, _ = a.streams.Status(id)
		}
	case err != nil:
		log.Debug("Abandoning handshake", "error", err)
		a.drop(id)
		return
	}
	metrics.ObserveStatus(metrics.SideAdapter, status)

	if err := socks5.WriteReply(conn, version, status); err != nil {
		log.Debug("Reply failed", "error", err)
		a.finish(id, status == domain.StatusSuccess)
		return
	}
	if status != domain.StatusSuccess {
		log.Info("Connect failed", "status", status, "reason", domain.StatusText(status))
		a.drop(id)
		return
	}

	log.Info("Stream established")
	a.wg.Add(1)
	go a.pump(id, stream)
	a.relay(id, conn)
	a.finish(id, true)
	log.Info("Stream closed")
}

// register draws random ids until one is free.
func (a *Adapter) register(stream *clientStream) (uint32, error) {
	for {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		_, err := a.streams.Register(id, stream)
		if errors.Is(err, registry.ErrDuplicate) {
			continue
		}
		if err != nil {
			return 0, err
		}
		metrics.StreamsOpened.WithLabelValues(metrics.SideAdapter).Inc()
		metrics.StreamsActive.WithLabelValues(metrics.SideAdapter).Inc()
		return id, nil
	}
}

func (a *Adapter) relay(id uint32, conn net.Conn) {
	buf := make([]byte, relayChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			for _, msg := range protocol.SyncMessages(id, data) {
				if !a.send(msg) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// finish closes a stream from the client side. When the far side already
// disconnected it, nothing is sent.
func (a *Adapter) finish(id uint32, notify bool) {
	if a.abort(id) && notify {
		a.send(domain.Message{Cmd: domain.CmdDisconnect, ID: id})
	}
	a.remove(id)
}

func (a *Adapter) drop(id uint32) {
	a.abort(id)
	a.remove(id)
}

// abort shuts the stream's socket and marks it terminated. It reports
// whether this call did the termination.
func (a *Adapter) abort(id uint32) bool {
	e, ok := a.streams.Get(id)
	if !ok {
		return false
	}
	e.Handle.shut()
	_, ok = a.streams.Terminate(id)
	return ok
}

// pump writes queued inbound data to the client until the stream ends. A
// slow client only ever stalls its own pump.
func (a *Adapter) pump(id uint32, s *clientStream) {
	defer a.wg.Done()
	for {
		select {
		case data := <-s.out:
			err := a.streams.Write(id, func(s *clientStream) error {
				s.conn.SetWriteDeadline(time.Now().Add(clientWrite))
				_, err := s.conn.Write(data)
				return err
			})
			if errors.Is(err, registry.ErrNotFound) {
				return
			}
			if err != nil {
				a.log.Info("Client write failed", "stream_id", id, "error", err)
				if a.abort(id) {
					a.send(domain.Message{Cmd: domain.CmdDisconnect, ID: id})
				}
				return
			}
		case <-s.done:
			return
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Adapter) untrack(conn net.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
}

func (a *Adapter) remove(id uint32) {
	if _, ok := a.streams.Remove(id); ok {
		metrics.StreamsActive.WithLabelValues(metrics.SideAdapter).Dec()
	}
}

// send hands msg to the tunnel, retrying while the adapter runs.
func (a *Adapter) send(msg domain.Message) bool {
	return sendWithRetry(a.ctx, a.log, a.tunnel, msg, a.opts.RetryDelay)
}

// reply sends from inside Dispatch. It must not hold up the tunnel's read
// goroutine, so it makes one attempt.
func (a *Adapter) reply(msg domain.Message) {
	sendOnce(a.log, a.tunnel, msg)
}

// Dispatch applies a message received from the tunnel.
func (a *Adapter) Dispatch(msg domain.Message) bool {
	metrics.Messages.WithLabelValues("in", string(msg.Cmd)).Inc()
	log := a.log.With("stream_id", msg.ID)

	switch msg.Cmd {
	case domain.CmdStatus:
		if !a.streams.Resolve(msg.ID, msg.Value) {
			log.Debug("Ignoring status for resolved or unknown stream", "status", msg.Value)
		}

	case domain.CmdSync:
		e, ok := a.streams.Get(msg.ID)
		if status, _ := a.streams.Status(msg.ID); !ok || status == domain.StatusDisconnected {
			log.Debug("Dropping data for closed stream", "bytes", len(msg.Data))
			break
		}
		select {
		case e.Handle.out <- msg.Data:
		default:
			log.Warn("Client not keeping up, closing stream", "queued", streamQueue)
			if a.abort(msg.ID) {
				a.reply(domain.Message{Cmd: domain.CmdDisconnect, ID: msg.ID})
			}
		}

	case domain.CmdDisconnect:
		a.abort(msg.ID)
		log.Debug("Disconnected by remote")

	case domain.CmdStop:
		a.log.Info("Stop requested by remote")
		a.requestStop()

	default:
		log.Warn("Unexpected command", "cmd", msg.Cmd)
	}
	return true
}

func (a *Adapter) requestStop() {
	a.reqOnce.Do(func() { close(a.stopReq) })
}

// StopRequested is closed when the far side sends stop.
func (a *Adapter) StopRequested() <-chan struct{} {
	return a.stopReq
}

// Stop closes the listener, wakes pending handshakes, closes every client
// and waits briefly for handlers to return.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.cancel()
		if a.listener != nil {
			a.listener.Close()
		}
		handshaking := make([]net.Conn, 0, len(a.conns))
		for conn := range a.conns {
			handshaking = append(handshaking, conn)
		}
		a.mu.Unlock()

		a.streams.Close()
		a.streams.Range(func(e *registry.Entry[*clientStream]) {
			a.abort(e.ID)
		})
		for _, conn := range handshaking {
			conn.Close()
		}

		if !waitGroup(&a.wg, shutdownWait) {
			a.log.Warn("Stream handlers still running after grace period")
		}
		a.log.Info("Adapter stopped")
	})
}
