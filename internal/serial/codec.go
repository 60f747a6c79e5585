package serial

import (
	"bytes"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/metrics"
)

// The radio co-processor speaks a simple event protocol over UART. Every
// frame is:
//
//	2D D5      - preamble
//	type       - event type (recv/ack/send)
//	len        - payload length (recv/send: 0..250, ack: always 1)
//	peer       - 6-byte peer address (Broadcast for send-to-all)
//	data       - len bytes (recv/send: message, ack: status byte, 0 = delivered)
//	checksum   - 0x2D + type + len + sum(peer, data) (mod 256)
//
// Example ack frame (peer 11:22:33:44:55:66, delivered):
// 2D D5 02 01 11 22 33 44 55 66 00 95
const (
	pre0 = 0x2D
	pre1 = 0xD5

	// Event types
	EvRecv = 0x01 // radio -> host: packet received from a peer
	EvAck  = 0x02 // radio -> host: delivery report for an earlier send
	EvSend = 0x03 // host -> radio: transmit a packet

	// frame = preamble(2) + type + len + peer + data + checksum
	overhead = 2 + 1 + 1 + espnow.AddrLen + 1

	// StatusOK is the ack status byte for a delivered packet.
	StatusOK = 0x00
)

// Event is one decoded radio event. Pkt.Peer is always set; Pkt carries the
// message for EvRecv and OK the delivery status for EvAck.
type Event struct {
	Type byte
	OK   bool
	Pkt  espnow.Packet
}

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	// If buffer size < 1KB, skip.
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// EncodeSend builds an EvSend frame. A nil peer becomes the broadcast
// address, which the co-processor expands to all registered peers.
func (Codec) EncodeSend(peer *espnow.Addr, payload []byte) []byte {
	dst := espnow.Broadcast
	if peer != nil {
		dst = *peer
	}
	n := len(payload)
	frame := make([]byte, overhead+n)
	frame[0] = pre0
	frame[1] = pre1
	frame[2] = EvSend
	frame[3] = byte(n)
	copy(frame[4:], dst[:])
	copy(frame[4+espnow.AddrLen:], payload)

	sum := byte(pre0) + EvSend + byte(n)
	for _, b := range frame[4 : overhead+n-1] {
		sum += b
	}
	frame[overhead+n-1] = sum
	return frame
}

// DecodeStream reads from in and emits complete events via out. The UART
// only ever carries EvRecv and EvAck towards the host, but EvSend is decoded
// too so the UDP simulator can reuse this codec for peer traffic.
// It resynchronizes on garbage (UART noise, partial frames after reconnect)
// by scanning for the preamble and counts every discarded frame.
func (Codec) DecodeStream(in *bytes.Buffer, out func(Event)) error {
	header := []byte{pre0, pre1}

	for {
		data := in.Bytes()
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		if len(data) < 4 { // need preamble + type + len
			return nil
		}

		// align to preamble
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		typ := data[2]
		ln := int(data[3])
		switch {
		case typ == EvRecv && ln <= espnow.MaxPayloadLen:
		case typ == EvSend && ln <= espnow.MaxPayloadLen:
		case typ == EvAck && ln == 1:
		default:
			// unknown type or impossible length; advance one byte to resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		req := overhead + ln
		if len(data) < req {
			return nil
		}

		sum := byte(pre0) + typ + byte(ln)
		for _, b := range data[4 : req-1] {
			sum += b
		}
		if sum != data[req-1] {
			// checksum mismatch: count and attempt resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		var ev Event
		ev.Type = typ
		copy(ev.Pkt.Peer[:], data[4:4+espnow.AddrLen])
		body := data[4+espnow.AddrLen : req-1]
		if typ == EvAck {
			ev.OK = body[0] == StatusOK
		} else {
			ev.Pkt.Len = uint8(len(body))
			copy(ev.Pkt.Data[:], body)
		}

		out(ev)
		metrics.IncSerialRx()
		in.Next(req)
	}
}
