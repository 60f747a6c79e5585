package transport

import (
	"io"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/frame"
)

// PacketDecoder decodes a single packet from a stream.
type PacketDecoder interface {
	Decode(r io.Reader) (espnow.Packet, error)
}

// MultiPacketDecoder optionally drains multiple packets from a stream.
type MultiPacketDecoder interface {
	DecodeN(r io.Reader, max int, onPkt func(espnow.Packet)) (int, error)
}

// PacketBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type PacketBatchEncoder interface {
	Encode([]espnow.Packet) []byte
	EncodeTo(w io.Writer, pkts []espnow.Packet) (int, error)
}

// PacketSink is a generic packet transmission target.
type PacketSink interface {
	SendPacket(espnow.Packet) error
}

// Compile-time assertions that *frame.Codec satisfies the optional capabilities.
var (
	_ PacketDecoder      = (*frame.Codec)(nil)
	_ MultiPacketDecoder = (*frame.Codec)(nil)
	_ PacketBatchEncoder = (*frame.Codec)(nil)
)
