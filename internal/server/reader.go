package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/hub"
	"github.com/espgw/espnow-server/internal/link"
	"github.com/espgw/espnow-server/internal/metrics"
)

// retryableTimeout reports whether err is, or wraps, an expired read
// deadline. The codec wraps read errors, so the raw cause must be unwrapped
// before the timeout check.
func retryableTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		submit := func(p espnow.Packet) {
			if s.pktFilter != nil && !s.pktFilter(&p) {
				return
			}
			metrics.IncTCPRx()
			if err := s.Send(p); err != nil {
				if errors.Is(err, link.ErrAgain) {
					s.totalLinkBusy.Add(1)
					logger.Debug("link_busy_drop", "peer", p.Peer.String(), "len", p.Len)
				} else {
					s.totalLinkErrors.Add(1)
					logger.Error("link_tx_error", "error", err, "peer", p.Peer.String())
				}
			}
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var count int
			if mfd, ok := s.Codec.(interface {
				DecodeN(io.Reader, int, func(espnow.Packet)) (int, error)
			}); ok {
				var err error
				count, err = mfd.DecodeN(conn, 16, submit)
				if err != nil {
					if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
						return
					}
					if retryableTimeout(err) {
						continue
					}
					wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					return
				}
			} else {
				p, err := s.Codec.Decode(conn)
				if err != nil {
					if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
						return
					}
					if retryableTimeout(err) {
						continue
					}
					wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					return
				}
				submit(p)
				count = 1
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
