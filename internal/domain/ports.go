package domain

import (
	"context"
	"net"
	"time"
)

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
	// Tick runs on the loop goroutine after every wait, at least once per
	// loop interval.
	Tick(now time.Time)
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// Peer consumes messages coming out of a tunnel. Dispatch is called from the
// tunnel's own goroutines, in the order the messages were received.
type Peer interface {
	Dispatch(msg Message) bool
}

// Tunnel carries messages to the peer on the other side. Dispatch reports
// whether the message was written or accepted for sending.
type Tunnel interface {
	Dispatch(msg Message) bool
	SetPeer(peer Peer)
	Start(ctx context.Context) error
	Stop() error
}
