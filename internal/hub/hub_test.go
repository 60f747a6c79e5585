package hub

import (
	"testing"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
)

func pkt(seed byte) espnow.Packet {
	return espnow.NewPacket(espnow.Addr{seed, seed, seed, seed, seed, seed}, []byte{seed})
}

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := &Client{Out: make(chan espnow.Packet, 4), Closed: make(chan struct{})}
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow client
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(pkt(0x01))
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	// Buffer should be full
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := &Client{Out: make(chan espnow.Packet, 1), Closed: make(chan struct{})}
	fast := &Client{Out: make(chan espnow.Packet, 16), Closed: make(chan struct{})}
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	// Fill slow buffer
	h.Broadcast(pkt(0x01))

	// Now send bursts that would drop on slow but must be delivered to fast
	for i := 0; i < 10; i++ {
		h.Broadcast(pkt(0x02))
	}

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-fast.Out:
			got++
			if got >= 5 { // at least some got through
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if got == 0 {
		t.Fatalf("fast client did not receive any packets while slow was backpressured")
	}
}

func TestHub_KickPolicyClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := &Client{Out: make(chan espnow.Packet, 1), Closed: make(chan struct{})}
	h.Add(slow)
	defer h.Remove(slow)

	for i := 0; i < 5; i++ {
		h.Broadcast(pkt(0x03))
	}
	select {
	case <-slow.Closed:
	case <-time.After(time.Second):
		t.Fatal("slow client was not kicked")
	}
}

func TestHub_Count(t *testing.T) {
	h := New()
	a := &Client{Out: make(chan espnow.Packet, 1), Closed: make(chan struct{})}
	b := &Client{Out: make(chan espnow.Packet, 1), Closed: make(chan struct{})}
	h.Add(a)
	h.Add(b)
	if h.Count() != 2 {
		t.Fatalf("count = %d, want 2", h.Count())
	}
	h.Remove(a)
	h.Remove(a) // idempotent
	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.Count())
	}
	h.Remove(b)
}
