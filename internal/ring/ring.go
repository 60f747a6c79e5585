// Package ring implements the fixed-capacity circular byte buffer that
// decouples the radio receive callback (producer) from application reads
// (consumer). Exactly one goroutine may write and exactly one may read;
// under that discipline no lock is required.
package ring

import "sync/atomic"

// Ring is a single-producer/single-consumer byte ring.
//
// head is owned by the producer, tail by the consumer. The used counter is
// the only shared commit point: the producer copies bytes into buf first and
// publishes them with used.Add, so a reader that observes the new count also
// observes the data. An explicit used count (rather than a sentinel slot)
// means the full capacity is usable and empty-vs-full is unambiguous.
type Ring struct {
	buf  []byte
	head int // next write offset, producer only
	tail int // next read offset, consumer only
	used atomic.Int64
}

// New creates a Ring with the given capacity in bytes. Capacity is clamped
// to a minimum of 1 and is immutable afterwards.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Capacity returns the fixed buffer size in bytes.
func (r *Ring) Capacity() int { return len(r.buf) }

// Available returns the number of committed, unread bytes.
func (r *Ring) Available() int { return int(r.used.Load()) }

// Free returns the number of bytes that can still be written. From the
// producer's view the value can only grow concurrently (the consumer only
// releases space), so a fit check based on it never over-commits.
func (r *Ring) Free() int { return len(r.buf) - int(r.used.Load()) }

// Write copies p into the ring, splitting the copy at the wrap boundary.
// It is all-or-nothing: if fewer than len(p) bytes are free nothing is
// written and false is returned. Non-blocking and allocation-free; safe to
// call from the receive callback. The used update is the commit: it must
// stay the last store so the consumer never sees a half-written region.
func (r *Ring) Write(p []byte) bool {
	n := len(p)
	if n == 0 {
		return true
	}
	if n > r.Free() {
		return false
	}
	first := len(r.buf) - r.head
	if first > n {
		first = n
	}
	copy(r.buf[r.head:], p[:first])
	copy(r.buf, p[first:])
	r.head = (r.head + n) % len(r.buf)
	r.used.Add(int64(n))
	return true
}

// Read copies exactly len(p) bytes out of the ring and advances the read
// cursor. All-or-nothing: returns false without side effects when fewer
// bytes are available, so a partial frame is never exposed.
func (r *Ring) Read(p []byte) bool {
	if !r.Peek(p) {
		return false
	}
	r.release(len(p))
	return true
}

// Peek copies exactly len(p) bytes without consuming them. Used to inspect
// a frame header before committing to pop the frame.
func (r *Ring) Peek(p []byte) bool {
	n := len(p)
	if n > r.Available() {
		return false
	}
	first := len(r.buf) - r.tail
	if first > n {
		first = n
	}
	copy(p[:first], r.buf[r.tail:])
	copy(p[first:], r.buf)
	return true
}

// Skip discards n bytes from the read side. Returns false if fewer than n
// bytes are available.
func (r *Ring) Skip(n int) bool {
	if n < 0 || n > r.Available() {
		return false
	}
	r.release(n)
	return true
}

func (r *Ring) release(n int) {
	r.tail = (r.tail + n) % len(r.buf)
	r.used.Add(int64(-n))
}
