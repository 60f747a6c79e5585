package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/frame"
	"github.com/espgw/espnow-server/internal/hub"
)

// startInMemoryServer launches the server on :0 for benchmarks.
func startInMemoryServer(b *testing.B, h *hub.Hub) (*Server, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(WithHub(h), WithCodec(&frame.Codec{}), WithSend(func(espnow.Packet) error { return nil }))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	return srv, cancel
}

func BenchmarkServerWriterFlush(b *testing.B) {
	h := hub.New()
	srv, cancel := startInMemoryServer(b, h)
	defer cancel()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write([]byte(hello)); err != nil {
		b.Fatalf("handshake write: %v", err)
	}
	buf := make([]byte, len(hello))
	if _, err := conn.Read(buf); err != nil {
		b.Fatalf("handshake read: %v", err)
	}

	// Drain whatever the writer flushes so the connection never backs up.
	go func() {
		sink := make([]byte, 4096)
		_ = conn.SetDeadline(time.Time{})
		for {
			if _, err := conn.Read(sink); err != nil {
				return
			}
		}
	}()

	// Wait for the accepted client to register.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}

	p := espnow.NewPacket(espnow.Addr{1, 2, 3, 4, 5, 6}, []byte{0xAA})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Broadcast(p)
	}
	b.StopTimer()
}
