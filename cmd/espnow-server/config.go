package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
)

type appConfig struct {
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	backend         string
	udpGroup        string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	mqttURL         string
	mqttQoS         int
	recvBuffer      int
	recvTimeout     time.Duration
	sendTimeout     time.Duration
	peers           string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device of the radio co-processor")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	listen := flag.String("listen", ":20025", "TCP listen address")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-client hub buffer (packets)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	backend := flag.String("backend", "serial", "Radio backend: serial|udpsim")
	udpGroup := flag.String("udp-group", "239.88.99.1:17788", "UDP multicast group (when --backend=udpsim)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default espnow-gw-<machine-id>)")
	mqttURL := flag.String("mqtt-url", "", "MQTT broker URL (mqtt://host:1883/prefix); empty disables")
	mqttQoS := flag.Int("mqtt-qos", 0, "MQTT publish/subscribe QoS (0..2)")
	recvBuffer := flag.Int("recv-buffer", espnow.DefaultRecvBufferSize, "Receive buffer size in bytes")
	recvTimeout := flag.Duration("recv-timeout", espnow.DefaultRecvTimeout, "Default receive wait")
	sendTimeout := flag.Duration("send-timeout", espnow.DefaultSendTimeout, "Send timeout (busy retry and settle wait)")
	peers := flag.String("peers", "", "Comma-separated peer MACs to register at startup")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.backend = *backend
	cfg.udpGroup = *udpGroup
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.mqttURL = *mqttURL
	cfg.mqttQoS = *mqttQoS
	cfg.recvBuffer = *recvBuffer
	cfg.recvTimeout = *recvTimeout
	cfg.sendTimeout = *sendTimeout
	cfg.peers = *peers

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values and
// ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial", "udpsim":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.mqttQoS < 0 || c.mqttQoS > 2 {
		return fmt.Errorf("mqtt-qos must be 0..2 (got %d)", c.mqttQoS)
	}
	if c.recvBuffer < espnow.MaxFrameLen {
		return fmt.Errorf("recv-buffer must hold at least one maximum packet (%d bytes, got %d)", espnow.MaxFrameLen, c.recvBuffer)
	}
	if c.recvTimeout <= 0 {
		return fmt.Errorf("recv-timeout must be > 0")
	}
	if c.sendTimeout <= 0 {
		return fmt.Errorf("send-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps ESPNOW_SERVER_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values are
// ignored. Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int, min int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= min {
				*dst = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}

	str("serial", "ESPNOW_SERVER_SERIAL", &c.serialDev)
	num("baud", "ESPNOW_SERVER_BAUD", &c.baud, 1)
	dur("serial-read-timeout", "ESPNOW_SERVER_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("listen", "ESPNOW_SERVER_LISTEN", &c.listenAddr)
	str("log-format", "ESPNOW_SERVER_LOG_FORMAT", &c.logFormat)
	str("log-level", "ESPNOW_SERVER_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ESPNOW_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	num("hub-buffer", "ESPNOW_SERVER_HUB_BUFFER", &c.hubBuffer, 1)
	str("hub-policy", "ESPNOW_SERVER_HUB_POLICY", &c.hubPolicy)
	str("backend", "ESPNOW_SERVER_BACKEND", &c.backend)
	str("udp-group", "ESPNOW_SERVER_UDP_GROUP", &c.udpGroup)
	num("max-clients", "ESPNOW_SERVER_MAX_CLIENTS", &c.maxClients, 0)
	dur("handshake-timeout", "ESPNOW_SERVER_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("client-read-timeout", "ESPNOW_SERVER_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("ESPNOW_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	str("mdns-name", "ESPNOW_SERVER_MDNS_NAME", &c.mdnsName)
	str("mqtt-url", "ESPNOW_SERVER_MQTT_URL", &c.mqttURL)
	num("mqtt-qos", "ESPNOW_SERVER_MQTT_QOS", &c.mqttQoS, 0)
	num("recv-buffer", "ESPNOW_SERVER_RECV_BUFFER", &c.recvBuffer, 1)
	dur("recv-timeout", "ESPNOW_SERVER_RECV_TIMEOUT", &c.recvTimeout)
	dur("send-timeout", "ESPNOW_SERVER_SEND_TIMEOUT", &c.sendTimeout)
	str("peers", "ESPNOW_SERVER_PEERS", &c.peers)
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("ESPNOW_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ESPNOW_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
