package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/link"
	"github.com/espgw/espnow-server/internal/metrics"
	"github.com/espgw/espnow-server/internal/queue"
	"github.com/espgw/espnow-server/internal/serial"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend talks to the radio co-processor over UART: EvSend frames
// out, EvRecv and EvAck events in.
func initSerialBackend(ctx context.Context, cfg *appConfig, q *queue.Queue, lnk *link.Link, l *slog.Logger, wg *sync.WaitGroup) (link.TransmitFunc, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	serCodec := serial.Codec{}
	w := serial.NewTXWriter(ctx, sp, txQueueSize)
	handle := func(ev serial.Event) {
		switch ev.Type {
		case serial.EvRecv:
			q.TryEnqueue(ev.Pkt.Peer, ev.Pkt.Payload())
		case serial.EvAck:
			lnk.Ack(ev.OK)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = serCodec.DecodeStream(acc, handle)
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return // device removed or fatal
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // ignore transient EOF
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()
	tx := func(peer *espnow.Addr, payload []byte) error {
		if err := w.Send(peer, payload); err != nil {
			if errors.Is(err, serial.ErrTxOverflow) {
				// TX ring full means the radio cannot keep up right now;
				// callers retry for the send timeout.
				return link.ErrAgain
			}
			return err
		}
		return nil
	}
	return tx, func() { _ = sp.Close(); w.Close() }, nil
}
