package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/frame"
	"github.com/espgw/espnow-server/internal/link"
	"github.com/espgw/espnow-server/internal/metrics"
	"github.com/espgw/espnow-server/internal/mqtt"
	"github.com/espgw/espnow-server/internal/queue"
	"github.com/espgw/espnow-server/internal/server"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, hub_init.go, metrics_logger.go, backend.go, pump.go, mdns.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("espnow-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	q := queue.New(cfg.recvBuffer, cfg.recvTimeout)

	// The link is created before the backend (RX events carry delivery
	// reports into it), so its transmitter is bound indirectly; until the
	// backend stores one the radio simply reports busy.
	var radioTx atomic.Pointer[link.TransmitFunc]
	lnk := link.New(link.TransmitFunc(func(peer *espnow.Addr, payload []byte) error {
		fn := radioTx.Load()
		if fn == nil {
			return link.ErrAgain
		}
		return (*fn)(peer, payload)
	}), cfg.sendTimeout)

	tx, cleanup, berr := initBackend(ctx, cfg, q, lnk, l, &wg)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		return
	}
	radioTx.Store(&tx)

	if err := registerPeers(lnk, cfg.peers); err != nil {
		l.Error("peer_config_error", "error", err)
		cleanup()
		return
	}
	l.Info("link_up", "backend", cfg.backend, "peers", lnk.PeerCount(), "send_timeout", cfg.sendTimeout)

	sendPacket := func(p espnow.Packet) error {
		peer := p.Peer
		var dst *espnow.Addr
		if !peer.IsBroadcast() {
			dst = &peer
		}
		_, err := lnk.Send(dst, p.Payload(), false)
		return err
	}

	var publish func(espnow.Packet)
	var sinkClose func() error
	if cfg.mqttURL != "" {
		sink, err := mqtt.New(cfg.mqttURL, byte(cfg.mqttQoS), func(peer espnow.Addr, payload []byte) error {
			return sendPacket(espnow.NewPacket(peer, payload))
		})
		if err != nil {
			l.Error("mqtt_init_error", "error", err)
			cleanup()
			return
		}
		publish = sink.Publish
		sinkClose = sink.Close
	}

	startPump(ctx, cancel, q, h, publish, l, &wg)

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&frame.Codec{}),
		server.WithSend(sendPacket),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	cleanup()
	q.Close()
	lnk.Tracker().Reset()
	if sinkClose != nil {
		_ = sinkClose()
	}
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		l.Warn("server_shutdown_error", "error", err)
	}
	wg.Wait()
}

// registerPeers adds every comma-separated MAC from list to the link's peer
// registry (used to size broadcast delivery accounting).
func registerPeers(lnk *link.Link, list string) error {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		a, err := espnow.ParseAddr(tok)
		if err != nil {
			return err
		}
		lnk.AddPeer(a)
	}
	return nil
}

// listenPort extracts the numeric port from a bound address (host:port or
// :port), 0 if it cannot be determined.
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}
