package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/link"
	"github.com/espgw/espnow-server/internal/queue"
	"github.com/espgw/espnow-server/internal/serial"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wireFrame builds one radio event frame as the co-processor would emit it.
func wireFrame(typ byte, peer espnow.Addr, data []byte) []byte {
	f := make([]byte, 0, 11+len(data))
	f = append(f, 0x2D, 0xD5, typ, byte(len(data)))
	f = append(f, peer[:]...)
	f = append(f, data...)
	cs := byte(0x2D) + typ + byte(len(data))
	for _, b := range peer {
		cs += b
	}
	for _, b := range data {
		cs += b
	}
	return append(f, cs)
}

// fakeSerialPort serves canned reads, then idles like a port with a read
// timeout. Writes are recorded.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	writes [][]byte
}

func (p *fakeSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.reads) > 0 {
		chunk := p.reads[0]
		p.reads = p.reads[1:]
		p.mu.Unlock()
		return copy(b, chunk), nil
	}
	p.mu.Unlock()
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *fakeSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	p.mu.Unlock()
	return len(b), nil
}

func (p *fakeSerialPort) Close() error { return nil }

func (p *fakeSerialPort) written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func TestSerialBackend_RxAckAndTx(t *testing.T) {
	peer := espnow.Addr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	fp := &fakeSerialPort{reads: [][]byte{
		wireFrame(serial.EvRecv, peer, []byte("ping")),
		wireFrame(serial.EvAck, peer, []byte{0x00}),
	}}
	old := openSerialPort
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return fp, nil }
	t.Cleanup(func() { openSerialPort = old })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.New(espnow.DefaultRecvBufferSize, time.Second)
	lnk := link.New(link.TransmitFunc(func(*espnow.Addr, []byte) error { return nil }), time.Second)
	var wg sync.WaitGroup
	tx, cleanup, err := initSerialBackend(ctx, validConfig(), q, lnk, testLogger(), &wg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	p, err := q.Dequeue(time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if p.Peer != peer || string(p.Payload()) != "ping" {
		t.Fatalf("unexpected packet: peer=%s payload=%q", p.Peer, p.Payload())
	}

	deadline := time.Now().Add(time.Second)
	for lnk.Tracker().Snapshot().Acked == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("delivery report never reached tracker")
		}
		time.Sleep(time.Millisecond)
	}

	if err := tx(&peer, []byte{0x09}); err != nil {
		t.Fatalf("tx: %v", err)
	}
	deadline = time.Now().Add(time.Second)
	for fp.written() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("frame never written to port")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	cleanup()
	wg.Wait()
}
