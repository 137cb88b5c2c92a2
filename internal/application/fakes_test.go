package application

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/pkg/logger"
)

var testLog = logger.Discard()

// fakeTunnel records what its owner sends and refuses the first `refuse`
// messages.
type fakeTunnel struct {
	mu     sync.Mutex
	sent   []domain.Message
	refuse int
	got    chan struct{}
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{got: make(chan struct{}, 4096)}
}

func (f *fakeTunnel) Dispatch(msg domain.Message) bool {
	f.mu.Lock()
	if f.refuse > 0 {
		f.refuse--
		f.mu.Unlock()
		return false
	}
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	select {
	case f.got <- struct{}{}:
	default:
	}
	return true
}

func (f *fakeTunnel) refuseAll() {
	f.mu.Lock()
	f.refuse = 1 << 30
	f.mu.Unlock()
}

func (f *fakeTunnel) SetPeer(domain.Peer)             {}
func (f *fakeTunnel) Start(ctx context.Context) error { return nil }
func (f *fakeTunnel) Stop() error                     { return nil }

func (f *fakeTunnel) messages() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.sent...)
}

// waitCmd returns the first sent message matching cmd (and id when nonzero).
func (f *fakeTunnel) waitCmd(t *testing.T, cmd domain.Command, id uint32) domain.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, m := range f.messages() {
			if m.Cmd == cmd && (id == 0 || m.ID == id) {
				return m
			}
		}
		select {
		case <-f.got:
		case <-deadline:
			t.Fatalf("no %s message for stream %d; sent %+v", cmd, id, f.messages())
		}
	}
}

func (f *fakeTunnel) count(cmd domain.Command, id uint32) int {
	n := 0
	for _, m := range f.messages() {
		if m.Cmd == cmd && m.ID == id {
			n++
		}
	}
	return n
}

type literalResolver struct{}

func (literalResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4(), nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// blockingResolver never answers until its context ends.
type blockingResolver struct{}

func (blockingResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
