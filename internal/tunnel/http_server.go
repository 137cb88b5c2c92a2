package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/metrics"
)

const (
	SessionCookie = "BOGEYMAN_SESSION"
	// replyCache is how many answered request seqs are kept for replays.
	replyCache = 256
)

// session is the server half of one HTTP tunnel.
type session struct {
	id      string
	inSeq   uint64
	pending map[uint64][]domain.Message
	outSeq  uint64
	replies map[uint64]domain.Batch
}

func newSession() *session {
	return &session{
		id:      uuid.NewString(),
		pending: make(map[uint64][]domain.Message),
		replies: make(map[uint64]domain.Batch),
	}
}

type HTTPServerOptions struct {
	Address string
}

// HTTPServer is the dispatcher side of the HTTP binding. Request batches are
// applied in seq order however the requests race. Outgoing messages wait in
// a queue until the next request picks them up.
type HTTPServer struct {
	log  *slog.Logger
	opts HTTPServerOptions

	peerMu sync.RWMutex
	peer   domain.Peer

	mu       sync.Mutex
	session  *session
	outgoing []domain.Message
	inbox    []domain.Message
	running  bool
	wake     chan struct{}

	srv      *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

func NewHTTPServer(log *slog.Logger, opts HTTPServerOptions) *HTTPServer {
	return &HTTPServer{
		log:  log.With("component", "tunnel", "binding", "http-server"),
		opts: opts,
		wake: make(chan struct{}, 1),
	}
}

func (s *HTTPServer) SetPeer(peer domain.Peer) {
	s.peerMu.Lock()
	s.peer = peer
	s.peerMu.Unlock()
}

func (s *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Address, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.apply()
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP tunnel server failed", "error", err)
		}
	}()
	s.log.Info("HTTP tunnel listening", "addr", ln.Addr().String())
	return nil
}

func (s *HTTPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Dispatch queues msg for the next response.
func (s *HTTPServer) Dispatch(msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.outgoing = append(s.outgoing, msg)
	return true
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.open(w)
	case http.MethodPost:
		s.exchange(w, r)
	case http.MethodDelete:
		s.close(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *HTTPServer) open(w http.ResponseWriter) {
	sess := newSession()
	s.mu.Lock()
	if s.session != nil {
		s.log.Warn("Replacing tunnel session", "old", s.session.id)
	}
	s.session = sess
	s.outgoing = nil
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: sess.id, Path: "/", HttpOnly: true})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"session": sess.id})
	s.log.Info("Tunnel session opened", "session", sess.id)
}

// current returns the session named by the request cookie. Callers hold s.mu.
func (s *HTTPServer) current(r *http.Request) *session {
	c, err := r.Cookie(SessionCookie)
	if err != nil || s.session == nil || c.Value != s.session.id {
		return nil
	}
	return s.session
}

func (s *HTTPServer) exchange(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "br") {
		body = brotli.NewReader(r.Body)
	}
	var req domain.Batch
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "malformed batch", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess := s.current(r)
	if sess == nil {
		s.mu.Unlock()
		http.Error(w, "no session", http.StatusForbidden)
		return
	}

	var resp domain.Batch
	switch req.Cmd {
	case domain.CmdSync:
		var ok bool
		resp, ok = s.syncLocked(sess, req)
		if !ok {
			s.mu.Unlock()
			http.Error(w, "sequence already answered", http.StatusConflict)
			return
		}
	case domain.CmdStop:
		s.inbox = append(s.inbox, domain.Message{Cmd: domain.CmdStop})
		resp = domain.Batch{Cmd: domain.CmdStop}
	default:
		s.mu.Unlock()
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}
	s.mu.Unlock()
	s.signal()

	s.writeBatch(w, r, resp)
}

// syncLocked files the request batch and builds its reply. A replayed seq
// gets the reply it got the first time.
func (s *HTTPServer) syncLocked(sess *session, req domain.Batch) (domain.Batch, bool) {
	if resp, ok := sess.replies[req.Seq]; ok {
		return resp, true
	}
	if req.Seq < sess.inSeq {
		return domain.Batch{}, false
	}

	metrics.Batches.WithLabelValues("in").Inc()
	sess.pending[req.Seq] = req.Msgs
	for {
		msgs, ok := sess.pending[sess.inSeq]
		if !ok {
			break
		}
		s.inbox = append(s.inbox, msgs...)
		delete(sess.pending, sess.inSeq)
		sess.inSeq++
	}

	n := min(len(s.outgoing), MaxBatch)
	out := make([]domain.Message, n)
	copy(out, s.outgoing[:n])
	s.outgoing = s.outgoing[n:]

	resp := domain.Batch{Cmd: domain.CmdSync, Msgs: out, Seq: sess.outSeq}
	sess.outSeq++
	sess.replies[req.Seq] = resp
	if req.Seq >= replyCache {
		delete(sess.replies, req.Seq-replyCache)
	}
	if n > 0 {
		metrics.Batches.WithLabelValues("out").Inc()
	}
	return resp, true
}

func (s *HTTPServer) writeBatch(w http.ResponseWriter, r *http.Request, batch domain.Batch) {
	w.Header().Set("Content-Type", "application/json")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
		json.NewEncoder(w).Encode(batch)
		return
	}
	w.Header().Set("Content-Encoding", "br")
	bw := brotli.NewWriter(w)
	json.NewEncoder(bw).Encode(batch)
	bw.Close()
}

func (s *HTTPServer) close(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.current(r)
	if sess != nil {
		s.session = nil
		s.outgoing = nil
	}
	s.mu.Unlock()

	if sess == nil {
		http.Error(w, "no session", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	s.log.Info("Tunnel session closed", "session", sess.id)
}

func (s *HTTPServer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// apply hands inbox messages to the peer in order, on one goroutine, so the
// peer may call Dispatch without holding up request handling.
func (s *HTTPServer) apply() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		msgs := s.inbox
		s.inbox = nil
		running := s.running
		s.mu.Unlock()

		if len(msgs) == 0 {
			if !running {
				return
			}
			<-s.wake
			continue
		}

		s.peerMu.RLock()
		peer := s.peer
		s.peerMu.RUnlock()
		for _, msg := range msgs {
			if peer != nil {
				peer.Dispatch(msg)
			}
		}
	}
}

func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.inbox = nil
	s.mu.Unlock()
	s.signal()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	s.log.Info("HTTP tunnel stopped")
	return err
}
