package tunnel

import (
	"sync"
	"testing"
	"time"

	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/pkg/logger"
)

var testLog = logger.Discard()

type recordingPeer struct {
	mu   sync.Mutex
	msgs []domain.Message
	got  chan struct{}
}

func newRecordingPeer() *recordingPeer {
	return &recordingPeer{got: make(chan struct{}, 1024)}
}

func (p *recordingPeer) Dispatch(msg domain.Message) bool {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	p.got <- struct{}{}
	return true
}

func (p *recordingPeer) snapshot() []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Message(nil), p.msgs...)
}

// waitFor blocks until n messages were recorded.
func (p *recordingPeer) waitFor(t *testing.T, n int) []domain.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if msgs := p.snapshot(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-p.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, have %d", n, len(p.snapshot()))
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
