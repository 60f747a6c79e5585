package serial

import (
	"context"
	"errors"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/logging"
	"github.com/espgw/espnow-server/internal/metrics"
	"github.com/espgw/espnow-server/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial writes through one goroutine. The frame is
// encoded at enqueue time so callers may reuse their payload buffer
// immediately.
type TXWriter struct{ base *transport.AsyncTx[[]byte] }

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, sp Port, buf int) *TXWriter {
	send := func(frame []byte) error {
		_, err := sp.Write(frame)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Send queues one EvSend frame for asynchronous write (ErrTxOverflow if the
// buffer is full).
func (w *TXWriter) Send(peer *espnow.Addr, payload []byte) error {
	return w.base.Send(Codec{}.EncodeSend(peer, payload))
}

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
