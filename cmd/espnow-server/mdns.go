package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_espnow-gw._tcp"

// startMDNS registers the service via mDNS and returns a cleanup function.
// It is safe to call even if disabled (no-op).
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		instance = defaultInstanceName()
	}
	meta := []string{
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
	}
	// Hardcoded service type; domain local.
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// defaultInstanceName derives a stable per-host instance name. The machine
// id survives hostname changes; hostname is the fallback.
func defaultInstanceName() string {
	if id, err := machineid.ProtectedID("espnow-server"); err == nil && len(id) >= 8 {
		return "espnow-gw-" + id[:8]
	}
	host, _ := os.Hostname()
	return "espnow-gw-" + host
}
