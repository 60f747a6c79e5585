package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/metrics"
)

// Codec encodes/decodes framed packets on a byte stream. Stateless and safe
// for concurrent use.
type Codec struct{}

// ErrBadMagic is returned when the sentinel byte is wrong; the stream or
// ring is desynchronized and cannot be trusted further.
var ErrBadMagic = errors.New("frame: bad magic")

// ErrLength is returned when the length byte exceeds the protocol maximum.
var ErrLength = errors.New("frame: length out of range")

// ErrTruncated is returned when the source ends mid-frame.
var ErrTruncated = errors.New("frame: truncated")

// ErrShortBuffer is returned when the caller's payload buffer is smaller
// than the pending frame. The frame is left unconsumed.
var ErrShortBuffer = errors.New("frame: destination buffer too small")

// Encode packs packets into a single byte slice.
func (c *Codec) Encode(pkts []espnow.Packet) []byte {
	if len(pkts) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(pkts) * espnow.MaxFrameLen)
	_, _ = c.EncodeTo(&buf, pkts)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of pkts to w and returns bytes
// written. Each packet is encoded as: magic, length byte, 6-byte peer
// address, payload.
func (c *Codec) EncodeTo(w io.Writer, pkts []espnow.Packet) (int, error) {
	var total int
	for i := range pkts {
		p := &pkts[i]
		hdr := [espnow.HeaderLen]byte{espnow.Magic, p.Len}
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("frame encode header: %w", err)
		}
		n, err = w.Write(p.Peer[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("frame encode peer: %w", err)
		}
		if p.Len > 0 {
			n, err = w.Write(p.Data[:p.Len])
			total += n
			if err != nil {
				return total, fmt.Errorf("frame encode payload: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one packet from r.
// It returns io.EOF if called at a clean frame boundary and no more data is
// available.
func (c *Codec) Decode(r io.Reader) (espnow.Packet, error) {
	var p espnow.Packet
	var hdr [espnow.HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return p, fmt.Errorf("frame decode header: %w", ErrTruncated)
		}
		return p, err
	}
	if hdr[0] != espnow.Magic {
		metrics.IncMalformed()
		return p, fmt.Errorf("frame decode: %w (0x%02X)", ErrBadMagic, hdr[0])
	}
	ln := int(hdr[1])
	if ln > espnow.MaxPayloadLen {
		metrics.IncMalformed()
		return p, fmt.Errorf("frame decode: %w (%d)", ErrLength, ln)
	}
	p.Len = uint8(ln)
	if _, err := io.ReadFull(r, p.Peer[:]); err != nil {
		metrics.IncMalformed()
		return p, fmt.Errorf("frame decode peer: %w", ErrTruncated)
	}
	if ln > 0 {
		if _, err := io.ReadFull(r, p.Data[:ln]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				metrics.IncMalformed()
				return p, fmt.Errorf("frame decode payload: %w", ErrTruncated)
			}
			metrics.IncMalformed()
			return p, fmt.Errorf("frame decode payload: %w", err)
		}
	}
	return p, nil
}

// DecodeN decodes up to max packets (if max>0) or until EOF (if max<=0)
// invoking onPkt for each. It returns the number of packets decoded and the
// terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onPkt func(espnow.Packet)) (int, error) {
	var n int
	for max <= 0 || n < max {
		p, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onPkt(p)
		n++
	}
	return n, nil
}
