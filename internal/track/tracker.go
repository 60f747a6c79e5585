// Package track counts in-flight sends and their delivery reports, and
// provides the bounded wait that gives synchronous send semantics.
package track

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
)

// ErrSettleTimeout is returned when delivery reports for earlier sends did
// not all arrive within the timeout. It is an expected condition on a lossy
// link, distinct from transport errors.
var ErrSettleTimeout = errors.New("track: settle timeout")

// Tracker holds three monotonically non-decreasing counters. Sent is bumped
// by the sender at transmit time; acks and failures are bumped from the
// radio's delivery-report callback. Invariants: acks <= sent and
// failures <= acks. The only externally visible states are pending
// (acks < sent) and settled (acks == sent); there is no per-send retry.
type Tracker struct {
	sent     atomic.Uint64
	acks     atomic.Uint64
	failures atomic.Uint64
}

// New returns a zeroed Tracker.
func New() *Tracker { return &Tracker{} }

// RecordSent adds n logical sends (1 for unicast, the peer count for a
// broadcast, one report being expected per reachable peer).
func (t *Tracker) RecordSent(n uint64) { t.sent.Add(n) }

// RecordUnsent backs out sends the radio never accepted. Callers undo only
// their own RecordSent, so the count cannot go below the acks already
// reported for packets that did leave.
func (t *Tracker) RecordUnsent(n uint64) { t.sent.Add(^(n - 1)) }

// RecordAck records one delivery report. Callable from the radio callback:
// atomic increments only, no blocking, no allocation.
func (t *Tracker) RecordAck(ok bool) {
	if !ok {
		t.failures.Add(1)
	}
	t.acks.Add(1)
}

// Pending returns the number of sends still awaiting a delivery report.
func (t *Tracker) Pending() uint64 {
	s, a := t.sent.Load(), t.acks.Load()
	if a >= s {
		return 0
	}
	return s - a
}

// Settled reports whether every send has a delivery report.
func (t *Tracker) Settled() bool { return t.Pending() == 0 }

// Mark snapshots the failure counter; pass it to FailuresSince after a
// settle to learn how many of the intervening sends failed.
func (t *Tracker) Mark() uint64 { return t.failures.Load() }

// FailuresSince returns the number of failures recorded after mark.
func (t *Tracker) FailuresSince(mark uint64) uint64 { return t.failures.Load() - mark }

// AwaitSettled polls until acks == sent or timeout elapses, sleeping one
// quantum per round so cooperative tasks keep running. It returns
// immediately when already settled; ErrSettleTimeout otherwise once the
// deadline passes (timeout <= 0 means a single non-blocking check).
func (t *Tracker) AwaitSettled(timeout time.Duration) error {
	if t.Settled() {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		if timeout <= 0 || !time.Now().Before(deadline) {
			return ErrSettleTimeout
		}
		sleep := espnow.PollQuantum
		if rem := time.Until(deadline); rem < sleep {
			sleep = rem
		}
		time.Sleep(sleep)
		if t.Settled() {
			return nil
		}
	}
}

// Reset settles all outstanding sends without marking them failed
// (sent = acks). Used at radio deinit, when no more reports can arrive.
// Not safe concurrently with RecordSent/RecordAck.
func (t *Tracker) Reset() { t.sent.Store(t.acks.Load()) }

// Stats is a point-in-time copy of the counters.
type Stats struct {
	Sent    uint64
	Acked   uint64
	Failed  uint64
	Pending uint64
}

// Snapshot returns the current counter values.
func (t *Tracker) Snapshot() Stats {
	s := Stats{
		Sent:   t.sent.Load(),
		Acked:  t.acks.Load(),
		Failed: t.failures.Load(),
	}
	if s.Sent > s.Acked {
		s.Pending = s.Sent - s.Acked
	}
	return s
}
