package server

import (
	"errors"

	"github.com/espgw/espnow-server/internal/metrics"
)

// Sentinel errors wrapped into failures so callers and the metrics layer
// can classify them via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrLinkTx    = errors.New("link_tx")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric picks the metrics label for a wrapped sentinel.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrLinkTx):
		return metrics.ErrRadioTx
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
