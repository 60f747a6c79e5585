package espnow

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Wire layout of a framed packet as stored in the receive ring and on the
// TCP stream:
//
//	magic   1 byte  = 0x99
//	len     1 byte  = payload length (0..250)
//	peer    6 bytes = MAC address of the sending/receiving peer
//	payload len bytes
const (
	Magic         = 0x99
	AddrLen       = 6
	HeaderLen     = 2 // magic + length byte
	MaxPayloadLen = 250
	MaxFrameLen   = HeaderLen + AddrLen + MaxPayloadLen // 258
)

// Runtime defaults. The receive buffer holds exactly two maximum-size
// packets; the poll quantum must exceed a cooperative scheduler tick so
// wait loops actually yield.
const (
	DefaultRecvBufferSize = 2 * MaxFrameLen // 516 bytes
	DefaultRecvTimeout    = 5 * time.Minute
	DefaultSendTimeout    = 2 * time.Second
	PollQuantum           = 25 * time.Millisecond
)

// Addr is a peer MAC address.
type Addr [AddrLen]byte

// Broadcast is the all-ones MAC; sends addressed to it reach every listener.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// String renders the address as lowercase hex without separators (stable for
// metrics labels and MQTT topic segments).
func (a Addr) String() string { return hex.EncodeToString(a[:]) }

// IsBroadcast reports whether a is the broadcast address.
func (a Addr) IsBroadcast() bool { return a == Broadcast }

// ParseAddr decodes a 12 hex digit address; ":" and "-" separators are
// accepted and ignored.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return a, fmt.Errorf("peer address %q: %w", s, err)
	}
	if len(raw) != AddrLen {
		return a, fmt.Errorf("peer address %q: want %d bytes, got %d", s, AddrLen, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// Packet is one received or outbound message. Only the first Len bytes of
// Data are valid.
//
// Note: This is a convenience type. Codecs map this to/from their wires.
type Packet struct {
	Peer Addr
	Len  uint8
	Data [MaxPayloadLen]byte
}

// Payload returns the valid portion of Data.
func (p *Packet) Payload() []byte { return p.Data[:p.Len] }

// NewPacket builds a Packet from a peer address and payload slice.
// Oversized payloads are truncated to MaxPayloadLen.
func NewPacket(peer Addr, payload []byte) Packet {
	var p Packet
	p.Peer = peer
	n := len(payload)
	if n > MaxPayloadLen {
		n = MaxPayloadLen
	}
	p.Len = uint8(n)
	copy(p.Data[:], payload[:n])
	return p
}

// FrameLen returns the on-wire size of a frame carrying payloadLen bytes.
func FrameLen(payloadLen int) int { return HeaderLen + AddrLen + payloadLen }

func (p Packet) CopyShallow() Packet { // handy for tests
	var q Packet
	q.Peer, q.Len = p.Peer, p.Len
	copy(q.Data[:], p.Data[:])
	return q
}
