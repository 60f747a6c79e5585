// Package queue implements the inbound packet queue between the radio
// receive callback and application reads. One producer (the callback), one
// consumer (the application); the ring buffer underneath carries framed
// packets and the queue adds drop accounting, timeout-bounded reads and
// deferred receive notification.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/frame"
	"github.com/espgw/espnow-server/internal/metrics"
	"github.com/espgw/espnow-server/internal/ring"
	"github.com/espgw/espnow-server/internal/transport"
)

// ErrTimeout is returned by Dequeue when no packet arrived in time. It is
// the expected no-data result, not a failure.
var ErrTimeout = errors.New("queue: timeout")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue: closed")

// notifyBuf bounds the deferred receive-notification dispatcher. One slot
// per buffered max-size packet is plenty: the callback coalesces naturally
// because the consumer drains multiple packets per wakeup.
const notifyBuf = 16

// Queue is an inbound packet queue with a fixed-capacity ring. Capacity and
// the default dequeue timeout are set at construction and never change.
type Queue struct {
	rb       *ring.Ring
	timeout  time.Duration
	received atomic.Uint64
	dropped  atomic.Uint64
	cb       atomic.Pointer[func()]
	notify   *transport.AsyncTx[struct{}]
	closed   atomic.Bool
}

// New creates a Queue. capacity <= 0 selects the default (two maximum-size
// packets); timeout <= 0 selects the default receive timeout.
func New(capacity int, timeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = espnow.DefaultRecvBufferSize
	}
	if timeout <= 0 {
		timeout = espnow.DefaultRecvTimeout
	}
	q := &Queue{
		rb:      ring.New(capacity),
		timeout: timeout,
	}
	q.notify = transport.NewAsyncTx(context.Background(), notifyBuf, func(struct{}) error {
		if fn := q.cb.Load(); fn != nil {
			(*fn)()
		}
		return nil
	}, transport.Hooks{})
	return q
}

// OnReceive registers fn to be invoked (from a dispatcher goroutine, never
// from the producer path) after a packet is enqueued. A nil fn unregisters.
func (q *Queue) OnReceive(fn func()) {
	if fn == nil {
		q.cb.Store(nil)
		return
	}
	q.cb.Store(&fn)
}

// TryEnqueue frames and appends one received packet. Called from the radio
// receive callback: it never blocks, never allocates and returns in bounded
// time. When the frame does not fit the packet is dropped and counted; the
// caller cannot be signalled any other way from that context.
func (q *Queue) TryEnqueue(peer espnow.Addr, payload []byte) bool {
	if !frame.EncodeToRing(q.rb, peer, payload) {
		q.dropped.Add(1)
		metrics.IncRadioDropped()
		return false
	}
	q.received.Add(1)
	metrics.IncRadioRx()
	if q.cb.Load() != nil {
		// Best effort: a full dispatcher means a wakeup is already pending.
		_ = q.notify.Send(struct{}{})
	}
	return true
}

// Dequeue waits up to timeout for a packet. timeout == 0 is a non-blocking
// poll; timeout < 0 selects the queue's default. Returns ErrTimeout when no
// packet arrived, or a frame corruption error (fatal for this queue).
func (q *Queue) Dequeue(timeout time.Duration) (espnow.Packet, error) {
	var p espnow.Packet
	n, err := q.DequeueInto(&p.Peer, p.Data[:], timeout)
	if err != nil {
		return espnow.Packet{}, err
	}
	p.Len = uint8(n)
	return p, nil
}

// DequeueInto is the allocation-free variant: the peer address and payload
// are copied into caller-owned storage and the payload length returned.
// frame.ErrShortBuffer is returned without consuming the packet when payload
// is too small for it.
func (q *Queue) DequeueInto(peer *espnow.Addr, payload []byte, timeout time.Duration) (int, error) {
	if timeout < 0 {
		timeout = q.timeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if q.closed.Load() {
			return 0, ErrClosed
		}
		n, ok, err := frame.Pop(q.rb, peer, payload)
		if err != nil {
			return n, err
		}
		if ok {
			return n, nil
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
		sleep := espnow.PollQuantum
		if rem := time.Until(deadline); rem < sleep {
			sleep = rem
		}
		time.Sleep(sleep)
	}
}

// PollReadable reports whether a packet can be dequeued right now. O(1),
// non-blocking; producer commits whole frames so any available byte implies
// a complete packet.
func (q *Queue) PollReadable() bool { return q.rb.Available() > 0 }

// DropCount returns the cumulative number of packets rejected for lack of
// buffer space.
func (q *Queue) DropCount() uint64 { return q.dropped.Load() }

// ReceivedCount returns the cumulative number of packets enqueued.
func (q *Queue) ReceivedCount() uint64 { return q.received.Load() }

// Capacity returns the fixed ring capacity in bytes.
func (q *Queue) Capacity() int { return q.rb.Capacity() }

// Close stops the notification dispatcher and makes pending and future
// dequeues fail with ErrClosed. The producer side simply starts dropping.
func (q *Queue) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.cb.Store(nil)
	q.notify.Close()
}
