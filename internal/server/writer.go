package server

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/hub"
	"github.com/espgw/espnow-server/internal/metrics"
)

// startWriter launches the goroutine draining one client's hub channel into
// its TCP connection. Packets are coalesced into batches so a chatty radio
// does not turn into one syscall per packet.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			if s.Hub != nil {
				s.Hub.Remove(cl)
			}
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]espnow.Packet, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			err := s.writeBatch(conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case p := <-cl.Out:
				batch = append(batch, p)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

// writeBatch encodes a batch onto the connection, preferring a codec that
// can stream directly into the writer over one that allocates a buffer.
func (s *Server) writeBatch(conn net.Conn, batch []espnow.Packet) error {
	if c, ok := s.Codec.(interface {
		EncodeTo(io.Writer, []espnow.Packet) (int, error)
	}); ok {
		_, err := c.EncodeTo(conn, batch)
		return err
	}
	var payload []byte
	if c, ok := s.Codec.(interface{ Encode([]espnow.Packet) []byte }); ok {
		payload = c.Encode(batch)
	}
	_, err := conn.Write(payload)
	return err
}
