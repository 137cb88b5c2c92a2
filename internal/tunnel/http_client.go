package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/metrics"
)

// ErrSessionLost means the server rejected the session or a seq it can no
// longer answer. The inbound sequence cannot recover from it.
var ErrSessionLost = errors.New("http tunnel: session lost")

const (
	// MaxBatch is the most messages carried by one request or response.
	MaxBatch = 64
	// MaxPollDelay caps the idle backoff between empty exchanges.
	MaxPollDelay = 8 * time.Second
)

type HTTPClientOptions struct {
	URL     string
	Workers int
	// RetryDelay is the pause before a failed exchange is repeated.
	RetryDelay time.Duration
	// PollStep is the first idle backoff delay. Each empty exchange doubles
	// it up to MaxPollDelay.
	PollStep time.Duration
	Client   *http.Client
}

// HTTPClient polls the dispatcher's HTTP endpoint with a pool of workers.
// Outgoing batches carry an increasing seq. Response batches are applied in
// the order of their own seq, whichever worker receives them first.
type HTTPClient struct {
	log    *slog.Logger
	opts   HTTPClientOptions
	client *http.Client

	peerMu sync.RWMutex
	peer   domain.Peer

	mu      sync.Mutex
	turn    *sync.Cond
	queue   []domain.Message
	outSeq  uint64
	inSeq   uint64
	running bool
	notify  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lost     chan struct{}
	lostOnce sync.Once
}

func NewHTTPClient(log *slog.Logger, opts HTTPClientOptions) *HTTPClient {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.PollStep <= 0 {
		opts.PollStep = time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	t := &HTTPClient{
		log:    log.With("component", "tunnel", "binding", "http"),
		opts:   opts,
		client: client,
		notify: make(chan struct{}, 1),
		lost:   make(chan struct{}),
	}
	t.turn = sync.NewCond(&t.mu)
	return t
}

func (t *HTTPClient) SetPeer(peer domain.Peer) {
	t.peerMu.Lock()
	t.peer = peer
	t.peerMu.Unlock()
}

// Start opens the session with one GET and starts the workers.
func (t *HTTPClient) Start(ctx context.Context) error {
	if t.client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return err
		}
		t.client.Jar = jar
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.URL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open session: %s", resp.Status)
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	for i := 0; i < t.opts.Workers; i++ {
		t.wg.Add(1)
		go t.worker(i)
	}
	t.log.Info("HTTP tunnel session opened", "url", t.opts.URL, "workers", t.opts.Workers)
	return nil
}

// Dispatch queues msg for the next batch.
func (t *HTTPClient) Dispatch(msg domain.Message) bool {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return false
	}
	t.queue = append(t.queue, msg)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return true
}

func (t *HTTPClient) worker(n int) {
	defer t.wg.Done()
	log := t.log.With("worker", n)

	var delay time.Duration
	for {
		if !t.waitOutgoing(delay) {
			return
		}
		batch, seq, ok := t.pop()
		if !ok {
			return
		}

		resp, err := t.exchange(seq, batch)
		if errors.Is(err, ErrSessionLost) {
			log.Error("HTTP tunnel session lost", "seq", seq, "error", err)
			t.fail()
			return
		}
		if err != nil {
			log.Debug("Worker exiting", "error", err)
			return
		}
		if !t.deliver(resp) {
			return
		}

		if len(batch) > 0 || len(resp.Msgs) > 0 {
			delay = 0
		} else {
			delay = nextPollDelay(delay, t.opts.PollStep)
		}
	}
}

// nextPollDelay doubles the idle delay, starting at step and capped at
// MaxPollDelay.
func nextPollDelay(delay, step time.Duration) time.Duration {
	return max(step, min(delay*2, MaxPollDelay))
}

// waitOutgoing returns once there is something to send or delay passed. It
// returns false when the tunnel is stopping.
func (t *HTTPClient) waitOutgoing(delay time.Duration) bool {
	t.mu.Lock()
	pending, running := len(t.queue), t.running
	t.mu.Unlock()
	if !running {
		return false
	}
	if pending > 0 || delay == 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-t.notify:
	case <-timer.C:
	case <-t.ctx.Done():
		return false
	}
	return true
}

func (t *HTTPClient) pop() ([]domain.Message, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil, 0, false
	}
	n := min(len(t.queue), MaxBatch)
	batch := make([]domain.Message, n)
	copy(batch, t.queue[:n])
	t.queue = t.queue[n:]
	seq := t.outSeq
	t.outSeq++
	return batch, seq, true
}

// exchange posts one batch, repeating the same seq until it gets through.
func (t *HTTPClient) exchange(seq uint64, batch []domain.Message) (domain.Batch, error) {
	body, err := json.Marshal(domain.Batch{Cmd: domain.CmdSync, Msgs: batch, Seq: seq})
	if err != nil {
		return domain.Batch{}, err
	}
	for {
		resp, err := t.post(t.ctx, body)
		if err == nil {
			metrics.Batches.WithLabelValues("out").Inc()
			return resp, nil
		}
		if t.ctx.Err() != nil {
			return domain.Batch{}, t.ctx.Err()
		}
		if errors.Is(err, ErrSessionLost) {
			return domain.Batch{}, err
		}
		t.log.Warn("Exchange failed, retrying", "seq", seq, "error", err)

		select {
		case <-time.After(t.opts.RetryDelay):
		case <-t.ctx.Done():
			return domain.Batch{}, t.ctx.Err()
		}
	}
}

func (t *HTTPClient) post(ctx context.Context, body []byte) (domain.Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Batch{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "br")

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.Batch{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return domain.Batch{}, fmt.Errorf("%w: %s", ErrSessionLost, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return domain.Batch{}, fmt.Errorf("unexpected response %s", resp.Status)
	}

	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		r = brotli.NewReader(resp.Body)
	}
	var batch domain.Batch
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return domain.Batch{}, fmt.Errorf("decode response: %w", err)
	}
	return batch, nil
}

// deliver waits for the batch's turn, hands its messages to the peer, then
// lets the next seq through.
func (t *HTTPClient) deliver(batch domain.Batch) bool {
	t.mu.Lock()
	if batch.Seq < t.inSeq {
		t.mu.Unlock()
		t.log.Warn("Discarding replayed response", "seq", batch.Seq)
		return true
	}
	for t.running && t.inSeq != batch.Seq {
		t.turn.Wait()
	}
	if !t.running {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	if len(batch.Msgs) > 0 {
		metrics.Batches.WithLabelValues("in").Inc()
	}
	t.peerMu.RLock()
	peer := t.peer
	t.peerMu.RUnlock()
	for _, msg := range batch.Msgs {
		if peer != nil {
			peer.Dispatch(msg)
		}
	}

	t.mu.Lock()
	t.inSeq++
	t.turn.Broadcast()
	t.mu.Unlock()
	return true
}

// fail ends the session after an unrecoverable exchange. Nothing more is
// accepted and Lost is closed.
func (t *HTTPClient) fail() {
	t.mu.Lock()
	t.running = false
	t.turn.Broadcast()
	t.mu.Unlock()
	t.cancel()
	t.lostOnce.Do(func() { close(t.lost) })
}

// Lost is closed when the session can no longer make progress, such as
// when the server no longer holds the reply for a retried seq.
func (t *HTTPClient) Lost() <-chan struct{} {
	return t.lost
}

// Stop halts the workers, then tells the dispatcher to stop and deletes the
// session.
func (t *HTTPClient) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		t.wg.Wait()
		return nil
	}
	t.running = false
	t.turn.Broadcast()
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop, _ := json.Marshal(domain.Batch{Cmd: domain.CmdStop})
	if _, err := t.post(ctx, stop); err != nil {
		t.log.Warn("Remote stop failed", "error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.opts.URL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	resp.Body.Close()
	t.log.Info("HTTP tunnel session closed")
	return nil
}
