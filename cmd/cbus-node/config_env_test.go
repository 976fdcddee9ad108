package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()
	t.Setenv("CBUS_NODE_BAUD", "230400")
	t.Setenv("CBUS_NODE_MDNS_ENABLE", "true")
	t.Setenv("CBUS_NODE_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("CBUS_NODE_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CBUS_NODE_NAME", "SERVO8")
	t.Setenv("CBUS_NODE_CONSUME_OWN_EVENTS", "yes")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable || !base.consumeOwn {
		t.Fatalf("expected boolean overrides")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.name != "SERVO8" {
		t.Fatalf("expected name override, got %q", base.name)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	t.Setenv("CBUS_NODE_BAUD", "230400")
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("flag value should win, got %d", base.baud)
	}
}

func TestApplyEnvOverrides_EmptyListenDisables(t *testing.T) {
	base := validConfig()
	t.Setenv("CBUS_NODE_LISTEN", "")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.listenAddr != "" {
		t.Fatalf("expected listener disabled, got %q", base.listenAddr)
	}
}

func TestApplyEnvOverrides_Invalid(t *testing.T) {
	base := validConfig()
	t.Setenv("CBUS_NODE_SPI_SPEED", "fast")
	t.Setenv("CBUS_NODE_POLL_INTERVAL", "soon")
	t.Setenv("CBUS_NODE_PRODUCER", "maybe")
	t.Setenv("CBUS_NODE_MODULE", "77")
	err := applyEnvOverrides(base, map[string]struct{}{})
	if err == nil {
		t.Fatalf("expected error")
	}
	// Valid variables still apply.
	if base.module != 77 {
		t.Fatalf("expected module 77, got %d", base.module)
	}
}
