package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/hub"
	"github.com/espgw/espnow-server/internal/metrics"
	"github.com/espgw/espnow-server/internal/queue"
)

// pumpPollInterval bounds how long the pump blocks in Dequeue so it notices
// context cancellation promptly.
const pumpPollInterval = 250 * time.Millisecond

// startPump drains the inbound queue and fans packets out to TCP clients
// and, when configured, the MQTT sink. A corrupt queue is unrecoverable:
// the pump reports it and stops the process via cancel.
func startPump(ctx context.Context, cancel context.CancelFunc, q *queue.Queue, h *hub.Hub, publish func(espnow.Packet), l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("pump_end")
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			p, err := q.Dequeue(pumpPollInterval)
			if err != nil {
				if errors.Is(err, queue.ErrTimeout) {
					continue
				}
				if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
					return
				}
				metrics.IncError(metrics.ErrQueueCorrupt)
				l.Error("recv_queue_corrupt", "error", err)
				cancel()
				return
			}
			h.Broadcast(p)
			if publish != nil {
				publish(p)
			}
		}
	}()
}
