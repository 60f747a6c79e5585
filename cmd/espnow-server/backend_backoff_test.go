package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/link"
	"github.com/espgw/espnow-server/internal/queue"
	"github.com/espgw/espnow-server/internal/serial"
)

// errPort fails every read with a non-fatal error so the RX loop backs off.
type errPort struct{}

func (errPort) Read(b []byte) (int, error)  { return 0, io.ErrNoProgress }
func (errPort) Write(b []byte) (int, error) { return len(b), nil }
func (errPort) Close() error                { return nil }

func TestSerialBackend_ReadErrorBackoff(t *testing.T) {
	old := openSerialPort
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return errPort{}, nil }
	t.Cleanup(func() { openSerialPort = old })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var sleeps []time.Duration
	oldSleep := sleepFn
	sleepFn = func(d time.Duration) {
		mu.Lock()
		sleeps = append(sleeps, d)
		n := len(sleeps)
		mu.Unlock()
		if n >= 6 {
			cancel()
		}
	}
	t.Cleanup(func() { sleepFn = oldSleep })

	q := queue.New(espnow.DefaultRecvBufferSize, time.Second)
	lnk := link.New(link.TransmitFunc(func(*espnow.Addr, []byte) error { return nil }), time.Second)
	var wg sync.WaitGroup
	_, cleanup, err := initSerialBackend(ctx, validConfig(), q, lnk, testLogger(), &wg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wg.Wait()
	cleanup()

	mu.Lock()
	defer mu.Unlock()
	if len(sleeps) < 6 {
		t.Fatalf("expected at least 6 backoff sleeps, got %d", len(sleeps))
	}
	if sleeps[0] != rxBackoffMin {
		t.Fatalf("first backoff should be %v, got %v", rxBackoffMin, sleeps[0])
	}
	for i := 1; i < len(sleeps); i++ {
		if sleeps[i] < sleeps[i-1] {
			t.Fatalf("backoff decreased at %d: %v -> %v", i, sleeps[i-1], sleeps[i])
		}
		if sleeps[i] > rxBackoffMax {
			t.Fatalf("backoff exceeded cap: %v", sleeps[i])
		}
	}
}
