package application

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/infrastructure/network"
	"github.com/samelat/bogeyman/internal/metrics"
	"github.com/samelat/bogeyman/internal/protocol"
	"github.com/samelat/bogeyman/internal/registry"
)

type DispatcherOptions struct {
	// ConnectTimeout is the age at which a connecting socket is given up.
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
}

// outbound is one destination socket. fd and state are guarded by the
// dispatcher's mu.
type outbound struct {
	fd       int
	state    domain.State
	target   string
	out      chan []byte
	done     chan struct{}
	shutOnce sync.Once
}

func newOutbound(target string) *outbound {
	return &outbound{
		fd:     -1,
		state:  domain.StateConnecting,
		target: target,
		out:    make(chan []byte, streamQueue),
		done:   make(chan struct{}),
	}
}

// Dispatcher owns the real outbound sockets on the far side of the tunnel.
// Connects complete and destination data is read on the event loop
// goroutine. Tunnel messages arrive on the tunnel's goroutines.
type Dispatcher struct {
	log      *slog.Logger
	tunnel   domain.Tunnel
	loop     domain.EventLoop
	resolver domain.Resolver
	streams  *registry.Registry[*outbound]
	opts     DispatcherOptions

	mu  sync.Mutex
	fds map[int]uint32

	buf []byte // loop goroutine only

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}
	stopOnce sync.Once
	stopReq  chan struct{}
	reqOnce  sync.Once
}

func NewDispatcher(tunnel domain.Tunnel, loop domain.EventLoop, resolver domain.Resolver, log *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 8 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:      log.With("component", "dispatcher"),
		tunnel:   tunnel,
		loop:     loop,
		resolver: resolver,
		streams:  registry.New[*outbound](),
		opts:     opts,
		fds:      make(map[int]uint32),
		buf:      make([]byte, protocol.MaxChunk),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		stopReq:  make(chan struct{}),
	}
}

// Run drives the event loop until Stop.
func (d *Dispatcher) Run() error {
	defer close(d.loopDone)
	d.log.Info("Dispatcher running")
	return d.loop.Run(d)
}

// Dispatch applies a message received from the tunnel.
func (d *Dispatcher) Dispatch(msg domain.Message) bool {
	metrics.Messages.WithLabelValues("in", string(msg.Cmd)).Inc()
	log := d.log.With("stream_id", msg.ID)

	switch msg.Cmd {
	case domain.CmdConnect:
		e, err := d.streams.Register(msg.ID, newOutbound(joinTarget(msg.Addr, msg.Port)))
		if err != nil {
			log.Warn("Rejecting connect", "error", err)
			return true
		}
		metrics.StreamsOpened.WithLabelValues(metrics.SideDispatcher).Inc()
		metrics.StreamsActive.WithLabelValues(metrics.SideDispatcher).Inc()
		log.Info("Connecting", "target", e.Handle.target)

		d.wg.Add(1)
		go d.connect(e, msg.Addr, msg.Port)

	case domain.CmdSync:
		d.write(msg)

	case domain.CmdDisconnect:
		if d.close(msg.ID) {
			log.Info("Stream closed by adapter")
		}

	case domain.CmdStop:
		d.log.Info("Stop requested by adapter")
		d.requestStop()

	default:
		log.Warn("Unexpected command", "cmd", msg.Cmd)
	}
	return true
}

func (d *Dispatcher) connect(e *registry.Entry[*outbound], addr string, port int) {
	defer d.wg.Done()
	log := d.log.With("stream_id", e.ID)

	ip, err := d.resolver.Resolve(d.ctx, addr)
	if err != nil {
		log.Info("Resolve failed", "host", addr, "error", err)
		d.fail(e, domain.StatusUnknown)
		return
	}

	fd, err := network.DialNonblock(ip, port)
	if err != nil {
		log.Info("Connect failed", "target", e.Handle.target, "error", err)
		d.fail(e, network.StatusFromError(err))
		return
	}

	d.mu.Lock()
	if e.Handle.state != domain.StateConnecting {
		d.mu.Unlock()
		network.Close(fd)
		return
	}
	e.Handle.fd = fd
	d.fds[fd] = e.ID
	err = d.loop.Register(fd, domain.EventWrite)
	d.mu.Unlock()

	if err != nil {
		log.Error("Event loop registration failed", "error", err)
		d.fail(e, domain.StatusUnknown)
	}
}

// write queues data for the stream's writer. It runs on a tunnel goroutine,
// so nothing here waits on the destination.
func (d *Dispatcher) write(msg domain.Message) {
	log := d.log.With("stream_id", msg.ID)
	e, ok := d.streams.Get(msg.ID)
	if !ok {
		log.Debug("Data for unknown stream, reporting disconnect")
		d.reply(domain.Message{Cmd: domain.CmdDisconnect, ID: msg.ID})
		return
	}

	d.mu.Lock()
	state := e.Handle.state
	d.mu.Unlock()
	switch state {
	case domain.StateEstablished:
	case domain.StateConnecting:
		log.Warn("Data for a stream still connecting", "bytes", len(msg.Data))
		return
	default:
		log.Debug("Dropping data for finished stream", "state", state, "bytes", len(msg.Data))
		return
	}

	select {
	case e.Handle.out <- msg.Data:
	default:
		log.Warn("Destination not keeping up, closing stream", "queued", streamQueue)
		if d.close(msg.ID) {
			d.reply(domain.Message{Cmd: domain.CmdDisconnect, ID: msg.ID})
		}
	}
}

// pump writes queued data to the destination until the stream ends.
func (d *Dispatcher) pump(e *registry.Entry[*outbound]) {
	defer d.wg.Done()
	o := e.Handle
	for {
		select {
		case data := <-o.out:
			err := d.streams.Write(e.ID, func(o *outbound) error {
				return network.Write(o.fd, data)
			})
			if errors.Is(err, registry.ErrNotFound) {
				return
			}
			if err != nil {
				d.log.Info("Destination write failed", "stream_id", e.ID, "error", err)
				if d.close(e.ID) {
					d.send(domain.Message{Cmd: domain.CmdDisconnect, ID: e.ID})
				}
				return
			}
		case <-o.done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) HandleEvent(fd int, event domain.EventType) error {
	d.mu.Lock()
	var e *registry.Entry[*outbound]
	id, ok := d.fds[fd]
	if ok {
		e, ok = d.streams.Get(id)
	}
	var state domain.State
	if ok {
		state = e.Handle.state
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	switch {
	case state == domain.StateConnecting && event&domain.EventWrite != 0:
		return d.finalizeConnect(e, fd)
	case state == domain.StateEstablished && event&domain.EventRead != 0:
		d.drain(e, fd)
	}
	return nil
}

// owns reports whether fd still belongs to stream id. Callers hold d.mu.
func (d *Dispatcher) owns(fd int, id uint32) bool {
	owner, ok := d.fds[fd]
	return ok && owner == id
}

func (d *Dispatcher) finalizeConnect(e *registry.Entry[*outbound], fd int) error {
	log := d.log.With("stream_id", e.ID)

	d.mu.Lock()
	if !d.owns(fd, e.ID) {
		d.mu.Unlock()
		return nil
	}
	err := network.ConnectResult(fd)
	status := network.StatusFromError(err)
	if status != domain.StatusSuccess {
		d.mu.Unlock()
		log.Info("Connect failed", "target", e.Handle.target, "error", err)
		d.fail(e, status)
		return nil
	}
	if !d.streams.Resolve(e.ID, domain.StatusSuccess) {
		d.mu.Unlock()
		return nil
	}
	d.transition(e, domain.StateEstablished)
	// Modify re-arms readiness, so bytes that arrived with the handshake
	// still raise a read event.
	modErr := d.loop.Modify(fd, domain.EventRead)
	d.wg.Add(1)
	go d.pump(e)
	d.mu.Unlock()

	metrics.ObserveStatus(metrics.SideDispatcher, status)
	log.Info("Connected", "target", e.Handle.target)
	d.send(domain.Message{Cmd: domain.CmdStatus, ID: e.ID, Value: status})
	return modErr
}

// drain reads until the socket would block. The loop is edge-triggered.
func (d *Dispatcher) drain(e *registry.Entry[*outbound], fd int) {
	for {
		d.mu.Lock()
		if !d.owns(fd, e.ID) {
			d.mu.Unlock()
			return
		}
		n, err := network.Read(fd, d.buf)
		var data []byte
		if n > 0 {
			data = make([]byte, n)
			copy(data, d.buf[:n])
		}
		d.mu.Unlock()

		if n > 0 {
			d.send(domain.Message{Cmd: domain.CmdSync, ID: e.ID, Data: data})
			continue
		}
		if err == nil {
			return
		}

		d.log.Info("Destination closed", "stream_id", e.ID, "reason", err)
		if d.close(e.ID) {
			d.send(domain.Message{Cmd: domain.CmdDisconnect, ID: e.ID})
		}
		return
	}
}

// fail reports status for a stream that never connected. Only the first
// terminal transition is reported.
func (d *Dispatcher) fail(e *registry.Entry[*outbound], status int) {
	if !d.streams.Resolve(e.ID, status) {
		return
	}
	d.mu.Lock()
	d.transition(e, domain.StateFailed)
	d.mu.Unlock()
	metrics.ObserveStatus(metrics.SideDispatcher, status)
	d.release(e)
	d.send(domain.Message{Cmd: domain.CmdStatus, ID: e.ID, Value: status})
}

// close terminates a stream and frees its socket. It reports whether this
// call did the termination.
func (d *Dispatcher) close(id uint32) bool {
	e, ok := d.streams.Get(id)
	if !ok {
		return false
	}
	d.shut(e)
	if _, ok := d.streams.Terminate(id); !ok {
		return false
	}
	d.mu.Lock()
	d.transition(e, domain.StateClosed)
	d.mu.Unlock()
	d.release(e)
	return true
}

// shut stops the stream's writer and shuts the socket down, failing any
// write in progress so Terminate does not wait on a stalled destination.
func (d *Dispatcher) shut(e *registry.Entry[*outbound]) {
	e.Handle.shutOnce.Do(func() { close(e.Handle.done) })
	d.mu.Lock()
	if e.Handle.fd >= 0 {
		network.Shutdown(e.Handle.fd)
	}
	d.mu.Unlock()
}

// transition moves a stream to state. Callers hold d.mu.
func (d *Dispatcher) transition(e *registry.Entry[*outbound], state domain.State) {
	if e.Handle.state == state {
		return
	}
	d.log.Debug("Stream state", "stream_id", e.ID, "from", e.Handle.state, "to", state)
	e.Handle.state = state
}

func (d *Dispatcher) release(e *registry.Entry[*outbound]) {
	d.mu.Lock()
	fd := e.Handle.fd
	e.Handle.fd = -1
	if fd >= 0 {
		delete(d.fds, fd)
	}
	d.mu.Unlock()

	if fd >= 0 {
		d.loop.Unregister(fd)
		network.Close(fd)
	}
	if _, ok := d.streams.Remove(e.ID); ok {
		metrics.StreamsActive.WithLabelValues(metrics.SideDispatcher).Dec()
	}
}

// Tick fails connects older than the connect timeout.
func (d *Dispatcher) Tick(now time.Time) {
	var expired []*registry.Entry[*outbound]
	d.streams.Range(func(e *registry.Entry[*outbound]) {
		if status, ok := d.streams.Status(e.ID); ok && status == domain.StatusPending &&
			now.Sub(e.Created) >= d.opts.ConnectTimeout {
			expired = append(expired, e)
		}
	})
	for _, e := range expired {
		d.log.Info("Connect timed out", "stream_id", e.ID, "target", e.Handle.target)
		d.fail(e, domain.StatusTimeout)
	}
}

func (d *Dispatcher) send(msg domain.Message) bool {
	return sendWithRetry(d.ctx, d.log, d.tunnel, msg, d.opts.RetryDelay)
}

// reply is send for messages produced inside Dispatch. One attempt only, so
// the tunnel's read goroutine is never held.
func (d *Dispatcher) reply(msg domain.Message) {
	sendOnce(d.log, d.tunnel, msg)
}

func (d *Dispatcher) requestStop() {
	d.reqOnce.Do(func() { close(d.stopReq) })
}

// StopRequested is closed when the adapter sends stop.
func (d *Dispatcher) StopRequested() <-chan struct{} {
	return d.stopReq
}

// Stop ends the event loop and closes every outbound socket.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.streams.Close()
		d.loop.Stop()

		select {
		case <-d.loopDone:
		case <-time.After(shutdownWait):
			d.log.Warn("Event loop still running after grace period")
		}
		if !waitGroup(&d.wg, shutdownWait) {
			d.log.Warn("Connect attempts still running after grace period")
		}

		d.streams.Range(func(e *registry.Entry[*outbound]) {
			d.close(e.ID)
		})
		d.log.Info("Dispatcher stopped")
	})
}

func joinTarget(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}
