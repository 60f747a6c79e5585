package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/espgw/espnow-server/internal/link"
	"github.com/espgw/espnow-server/internal/queue"
)

// initBackend selects the radio backend, starts its RX loop and returns a
// transmit function plus cleanup. Received packets land in q; delivery
// reports go to lnk. It returns an error instead of exiting the process to
// allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, q *queue.Queue, lnk *link.Link, l *slog.Logger, wg *sync.WaitGroup) (link.TransmitFunc, func(), error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, q, lnk, l, wg)
	case "udpsim":
		return initUDPSimBackend(ctx, cfg, q, lnk, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use serial|udpsim)", cfg.backend)
	}
}
