package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/espgw/espnow-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sugawarayuuta/sonnet"
)

// Prometheus counters
var (
	RadioRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radio_rx_packets_total",
		Help: "Total packets received from the radio and queued.",
	})
	RadioRxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radio_rx_dropped_total",
		Help: "Total received packets dropped because the receive buffer was full.",
	})
	RadioTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radio_tx_packets_total",
		Help: "Total packets handed to the radio for transmission.",
	})
	RadioTxAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radio_tx_acks_total",
		Help: "Total delivery reports received from the radio (success or failure).",
	})
	RadioTxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radio_tx_failures_total",
		Help: "Total delivery reports indicating the peer did not receive the packet.",
	})
	SerialRxEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_events_total",
		Help: "Total events decoded from the radio serial link.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total frames written to the radio serial link.",
	})
	UDPTxDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_tx_datagrams_total",
		Help: "Total datagrams written to the UDP simulator group.",
	})
	UDPRxDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_rx_datagrams_total",
		Help: "Total datagrams read from the UDP simulator group.",
	})
	TCPRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_packets_total",
		Help: "Total send requests received from TCP clients.",
	})
	TCPTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_packets_total",
		Help: "Total packets streamed to TCP clients.",
	})
	MQTTPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_published_total",
		Help: "Total received packets published to the MQTT sink.",
	})
	HubDroppedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_packets_total",
		Help: "Total packets dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad magic, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead       = "tcp_read"
	ErrTCPWrite      = "tcp_write"
	ErrHandshake     = "handshake"
	ErrSerialWrite   = "serial_write"
	ErrSerialOver    = "serial_tx_overflow"
	ErrSerialRead    = "serial_read"
	ErrRadioBusy     = "radio_busy"
	ErrRadioTx       = "radio_tx"
	ErrUDPRead       = "udp_read"
	ErrUDPWrite      = "udp_write"
	ErrMQTTPublish   = "mqtt_publish"
	ErrQueueCorrupt  = "queue_corrupt"
	ErrSettleTimeout = "settle_timeout"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address,
// plus /ready and a JSON counter snapshot at /stats.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		b, err := sonnet.Marshal(Snap())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// SetReadinessFunc installs the readiness probe callback.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady reports service readiness (false until a probe is installed).
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	return fn != nil && fn()
}

// InitBuildInfo publishes build metadata.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRadioRx      uint64
	localRadioDropped uint64
	localRadioTx      uint64
	localAcks         uint64
	localFailures     uint64
	localSerialRx     uint64
	localSerialTx     uint64
	localUDPRx        uint64
	localUDPTx        uint64
	localTCPRx        uint64
	localTCPTx        uint64
	localMQTT         uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localErrors       uint64
	localHubClients   uint64
	localFanout       uint64
	localMalformed    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RadioRx      uint64 `json:"radio_rx"`
	RadioDropped uint64 `json:"radio_dropped"`
	RadioTx      uint64 `json:"radio_tx"`
	TxAcks       uint64 `json:"tx_acks"`
	TxFailures   uint64 `json:"tx_failures"`
	SerialRx     uint64 `json:"serial_rx"`
	SerialTx     uint64 `json:"serial_tx"`
	UDPRx        uint64 `json:"udp_rx"`
	UDPTx        uint64 `json:"udp_tx"`
	TCPRx        uint64 `json:"tcp_rx"`
	TCPTx        uint64 `json:"tcp_tx"`
	MQTT         uint64 `json:"mqtt_published"`
	HubDrops     uint64 `json:"hub_drops"`
	HubKicks     uint64 `json:"hub_kicks"`
	HubRejects   uint64 `json:"hub_rejects"`
	Errors       uint64 `json:"errors"` // sum across error labels
	HubClients   uint64 `json:"hub_clients"`
	Fanout       uint64 `json:"fanout"`
	Malformed    uint64 `json:"malformed"`
}

func Snap() Snapshot {
	return Snapshot{
		RadioRx:      atomic.LoadUint64(&localRadioRx),
		RadioDropped: atomic.LoadUint64(&localRadioDropped),
		RadioTx:      atomic.LoadUint64(&localRadioTx),
		TxAcks:       atomic.LoadUint64(&localAcks),
		TxFailures:   atomic.LoadUint64(&localFailures),
		SerialRx:     atomic.LoadUint64(&localSerialRx),
		SerialTx:     atomic.LoadUint64(&localSerialTx),
		UDPRx:        atomic.LoadUint64(&localUDPRx),
		UDPTx:        atomic.LoadUint64(&localUDPTx),
		TCPRx:        atomic.LoadUint64(&localTCPRx),
		TCPTx:        atomic.LoadUint64(&localTCPTx),
		MQTT:         atomic.LoadUint64(&localMQTT),
		HubDrops:     atomic.LoadUint64(&localHubDrop),
		HubKicks:     atomic.LoadUint64(&localHubKick),
		HubRejects:   atomic.LoadUint64(&localHubReject),
		Errors:       atomic.LoadUint64(&localErrors),
		HubClients:   atomic.LoadUint64(&localHubClients),
		Fanout:       atomic.LoadUint64(&localFanout),
		Malformed:    atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRadioRx() {
	RadioRxPackets.Inc()
	atomic.AddUint64(&localRadioRx, 1)
}

func IncRadioDropped() {
	RadioRxDropped.Inc()
	atomic.AddUint64(&localRadioDropped, 1)
}

// AddRadioTx counts n logical sends (n > 1 for broadcast fan-out).
func AddRadioTx(n uint64) {
	RadioTxPackets.Add(float64(n))
	atomic.AddUint64(&localRadioTx, n)
}

// IncAck counts one delivery report and, when ok is false, one failure.
func IncAck(ok bool) {
	RadioTxAcks.Inc()
	atomic.AddUint64(&localAcks, 1)
	if !ok {
		RadioTxFailures.Inc()
		atomic.AddUint64(&localFailures, 1)
	}
}

func IncSerialRx() {
	SerialRxEvents.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func IncUDPRx() {
	UDPRxDatagrams.Inc()
	atomic.AddUint64(&localUDPRx, 1)
}

func IncUDPTx() {
	UDPTxDatagrams.Inc()
	atomic.AddUint64(&localUDPTx, 1)
}

func IncTCPRx() {
	TCPRxPackets.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxPackets.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncMQTTPublished() {
	MQTTPublished.Inc()
	atomic.AddUint64(&localMQTT, 1)
}

func IncHubDrop() {
	HubDroppedPackets.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(where string) {
	Errors.WithLabelValues(where).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}
