package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/espgw/espnow-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"radio_rx", snap.RadioRx,
					"radio_dropped", snap.RadioDropped,
					"radio_tx", snap.RadioTx,
					"tx_acks", snap.TxAcks,
					"tx_failures", snap.TxFailures,
					"serial_rx", snap.SerialRx,
					"serial_tx", snap.SerialTx,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"hub_drops", snap.HubDrops,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
