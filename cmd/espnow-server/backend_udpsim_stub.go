//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/espgw/espnow-server/internal/link"
	"github.com/espgw/espnow-server/internal/queue"
)

// Placeholder so non-linux builds compile; the udpsim backend relies on
// SO_REUSEPORT and raw multicast socket options.
func initUDPSimBackend(ctx context.Context, cfg *appConfig, q *queue.Queue, lnk *link.Link, l *slog.Logger, wg *sync.WaitGroup) (link.TransmitFunc, func(), error) {
	return nil, func() {}, fmt.Errorf("udpsim backend unsupported on this platform")
}
