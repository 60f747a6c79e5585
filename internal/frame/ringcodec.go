package frame

import (
	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/metrics"
	"github.com/espgw/espnow-server/internal/ring"
)

// Ring-level framing. The producer side assembles the whole frame in a stack
// buffer and commits it with a single ring write, so the consumer can never
// observe a frame whose payload is still being copied.

// EncodeToRing appends one framed packet to r. Returns false (nothing
// written) when the payload is oversized or the complete frame does not fit
// in r.Free(). Allocation-free; callable from the receive callback.
func EncodeToRing(r *ring.Ring, peer espnow.Addr, payload []byte) bool {
	if len(payload) > espnow.MaxPayloadLen {
		return false
	}
	var buf [espnow.MaxFrameLen]byte
	buf[0] = espnow.Magic
	buf[1] = byte(len(payload))
	copy(buf[espnow.HeaderLen:], peer[:])
	copy(buf[espnow.HeaderLen+espnow.AddrLen:], payload)
	return r.Write(buf[:espnow.FrameLen(len(payload))])
}

// PeekLen inspects the next frame header without consuming anything.
// ok is false when no complete header is buffered yet. A non-nil error
// means the ring content is corrupt (bad magic or impossible length) and
// the ring can no longer be trusted.
func PeekLen(r *ring.Ring) (n int, ok bool, err error) {
	var hdr [espnow.HeaderLen]byte
	if !r.Peek(hdr[:]) {
		return 0, false, nil
	}
	if hdr[0] != espnow.Magic {
		metrics.IncMalformed()
		return 0, false, ErrBadMagic
	}
	n = int(hdr[1])
	if n > espnow.MaxPayloadLen {
		metrics.IncMalformed()
		return 0, false, ErrLength
	}
	return n, true, nil
}

// Pop consumes exactly one frame from r, writing the peer address to peer
// and the payload to payload. It returns the payload length.
//
// ok is false with a nil error when no frame is buffered. ErrShortBuffer is
// returned (with the frame's length) when payload cannot hold it; the frame
// stays queued for a better-equipped caller; a frame is never partially
// consumed. ErrBadMagic/ErrLength/ErrTruncated indicate corruption.
func Pop(r *ring.Ring, peer *espnow.Addr, payload []byte) (n int, ok bool, err error) {
	n, ok, err = PeekLen(r)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(payload) < n {
		return n, false, ErrShortBuffer
	}
	var buf [espnow.MaxFrameLen]byte
	total := espnow.FrameLen(n)
	if !r.Read(buf[:total]) {
		// The header promised more bytes than were committed; the producer
		// contract was violated.
		metrics.IncMalformed()
		return 0, false, ErrTruncated
	}
	copy(peer[:], buf[espnow.HeaderLen:])
	copy(payload[:n], buf[espnow.HeaderLen+espnow.AddrLen:total])
	return n, true, nil
}
