// Package link implements the outbound send path: transmit with bounded
// retry while the radio is busy, delivery-report tracking, and the optional
// synchronous mode that waits for every report before declaring success.
package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/metrics"
	"github.com/espgw/espnow-server/internal/track"
)

// ErrAgain means the radio's own transmit buffers are full right now.
// Transmitters return it to request a retry; Send surfaces it only after
// retrying for the full send timeout.
var ErrAgain = errors.New("link: radio busy")

// ErrPayload is returned for payloads over the protocol maximum.
var ErrPayload = errors.New("link: payload too long")

// Transmitter is the boundary to the radio driver. A nil peer addresses all
// registered peers (broadcast-style send). Implementations must be safe for
// use from a single sending goroutine.
type Transmitter interface {
	Transmit(peer *espnow.Addr, payload []byte) error
}

// TransmitFunc adapts a function to the Transmitter interface.
type TransmitFunc func(peer *espnow.Addr, payload []byte) error

func (f TransmitFunc) Transmit(peer *espnow.Addr, payload []byte) error { return f(peer, payload) }

// Link binds a Transmitter to a send tracker and the peer registry used to
// size broadcast fan-out.
type Link struct {
	tx          Transmitter
	tracker     *track.Tracker
	sendTimeout time.Duration

	mu    sync.Mutex
	peers map[espnow.Addr]struct{}
}

// New creates a Link. sendTimeout <= 0 selects the default.
func New(tx Transmitter, sendTimeout time.Duration) *Link {
	if sendTimeout <= 0 {
		sendTimeout = espnow.DefaultSendTimeout
	}
	return &Link{
		tx:          tx,
		tracker:     track.New(),
		sendTimeout: sendTimeout,
		peers:       make(map[espnow.Addr]struct{}),
	}
}

// Tracker exposes the underlying send tracker (stats, Reset at deinit).
func (l *Link) Tracker() *track.Tracker { return l.tracker }

// Ack forwards one delivery report from the radio callback.
func (l *Link) Ack(ok bool) {
	l.tracker.RecordAck(ok)
	metrics.IncAck(ok)
}

// AddPeer registers a peer address. Broadcast sends expect one delivery
// report per registered peer, so the registry must mirror the radio's peer
// table. Returns false if already present.
func (l *Link) AddPeer(a espnow.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.peers[a]; ok {
		return false
	}
	l.peers[a] = struct{}{}
	return true
}

// RemovePeer unregisters a peer address. Returns false if unknown.
func (l *Link) RemovePeer(a espnow.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.peers[a]; !ok {
		return false
	}
	delete(l.peers, a)
	return true
}

// PeerCount returns the number of registered peers.
func (l *Link) PeerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Send transmits payload to peer (nil = all registered peers).
//
// With sync=false the result is true as soon as the radio accepted the
// packet; delivery reports are only tallied. With sync=true, Send first
// waits for reports of all earlier sends (a burst of async sends may still
// be settling), transmits, waits again, and returns true iff no new failure
// was reported.
//
// A busy radio is retried once per poll quantum for the send timeout; after
// that ErrAgain is returned and nothing was counted. A settle timeout is
// returned as track.ErrSettleTimeout.
func (l *Link) Send(peer *espnow.Addr, payload []byte, sync bool) (bool, error) {
	if len(payload) > espnow.MaxPayloadLen {
		return false, ErrPayload
	}
	if sync {
		if err := l.tracker.AwaitSettled(l.sendTimeout); err != nil {
			metrics.IncError(metrics.ErrSettleTimeout)
			return false, err
		}
	}
	mark := l.tracker.Mark()

	n := uint64(1)
	if peer == nil {
		n = uint64(l.PeerCount())
	}
	deadline := time.Now().Add(l.sendTimeout)
	for {
		// Count before handing the packet to the radio: a delivery report
		// that fires during Transmit must never find more acks than sends.
		l.tracker.RecordSent(n)
		err := l.tx.Transmit(peer, payload)
		if err == nil {
			break
		}
		l.tracker.RecordUnsent(n)
		if !errors.Is(err, ErrAgain) {
			metrics.IncError(metrics.ErrRadioTx)
			return false, fmt.Errorf("transmit: %w", err)
		}
		if !time.Now().Before(deadline) {
			metrics.IncError(metrics.ErrRadioBusy)
			return false, ErrAgain
		}
		sleep := espnow.PollQuantum
		if rem := time.Until(deadline); rem < sleep {
			sleep = rem
		}
		time.Sleep(sleep)
	}

	metrics.AddRadioTx(n)

	if !sync {
		return true, nil
	}
	if err := l.tracker.AwaitSettled(l.sendTimeout); err != nil {
		metrics.IncError(metrics.ErrSettleTimeout)
		return false, err
	}
	return l.tracker.FailuresSince(mark) == 0, nil
}
