package main

import (
	"testing"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
)

func validConfig() *appConfig {
	return &appConfig{
		serialDev:    "/dev/null",
		baud:         115200,
		serialReadTO: 10 * time.Millisecond,
		listenAddr:   ":20025",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    8,
		hubPolicy:    "drop",
		backend:      "serial",
		udpGroup:     "239.88.99.1:17788",
		maxClients:   0,
		handshakeTO:  time.Second,
		clientReadTO: time.Second,
		mqttQoS:      0,
		recvBuffer:   espnow.DefaultRecvBufferSize,
		recvTimeout:  time.Second,
		sendTimeout:  time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badQoS", func(c *appConfig) { c.mqttQoS = 3 }},
		{"tinyRecvBuffer", func(c *appConfig) { c.recvBuffer = espnow.MaxFrameLen - 1 }},
		{"badRecvTO", func(c *appConfig) { c.recvTimeout = 0 }},
		{"badSendTO", func(c *appConfig) { c.sendTimeout = 0 }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
