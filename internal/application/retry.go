package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samelat/bogeyman/internal/domain"
	"github.com/samelat/bogeyman/internal/metrics"
)

func sendWithRetry(ctx context.Context, log *slog.Logger, tunnel domain.Tunnel, msg domain.Message, delay time.Duration) bool {
	for {
		if tunnel.Dispatch(msg) {
			metrics.Messages.WithLabelValues("out", string(msg.Cmd)).Inc()
			return true
		}
		log.Debug("Tunnel unavailable, retrying", "cmd", msg.Cmd, "stream_id", msg.ID, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

// sendOnce makes a single attempt and logs a refusal. It is for replies
// sent on a tunnel goroutine, where the stream is already finished locally
// and a lost message only delays the far side's cleanup.
func sendOnce(log *slog.Logger, tunnel domain.Tunnel, msg domain.Message) bool {
	if tunnel.Dispatch(msg) {
		metrics.Messages.WithLabelValues("out", string(msg.Cmd)).Inc()
		return true
	}
	log.Info("Tunnel unavailable, reply dropped", "cmd", msg.Cmd, "stream_id", msg.ID)
	return false
}

// waitGroup waits for wg up to timeout and reports whether it finished.
func waitGroup(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
