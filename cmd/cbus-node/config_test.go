package main

import (
	"flag"
	"io"
	"testing"
	"time"
)

func validConfig() *appConfig {
	c := defaultConfig()
	c.backend = backendGridConnect
	c.serialDev = "/dev/null"
	c.dataDir = "/tmp/cbus-node"
	return c
}

func TestConfigValidate_OK(t *testing.T) {
	for _, b := range []string{backendMCP2515, backendGridConnect, backendSocketCAN} {
		c := validConfig()
		c.backend = b
		if err := c.validate(); err != nil {
			t.Fatalf("%s: expected ok got %v", b, err)
		}
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
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badCANIDLow", func(c *appConfig) { c.canID = 0 }},
		{"badCANIDHigh", func(c *appConfig) { c.canID = 128 }},
		{"noDataDir", func(c *appConfig) { c.dataDir = "" }},
		{"badPoll", func(c *appConfig) { c.pollInterval = 0 }},
		{"badModule", func(c *appConfig) { c.module = 256 }},
		{"badMinor", func(c *appConfig) { c.minorVersion = "AB" }},
		{"badNVs", func(c *appConfig) { c.nodeVariables = -1 }},
		{"badOsc", func(c *appConfig) {
			c.backend = backendMCP2515
			c.oscHz = 4_000_000
		}},
		{"badMCPMode", func(c *appConfig) {
			c.backend = backendMCP2515
			c.mcpMode = "turbo"
		}},
		{"badIntGPIO", func(c *appConfig) {
			c.backend = backendMCP2515
			c.intGPIO = -1
		}},
		{"noCANIf", func(c *appConfig) {
			c.backend = backendSocketCAN
			c.canIf = ""
		}},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestNodeConfigFromFlags(t *testing.T) {
	c := validConfig()
	c.minorVersion = "C"
	c.consumeOwn = true
	nc := c.nodeConfig()
	if nc.ManufacturerID != 165 || nc.ModuleID != 58 || nc.MinorVersion != 'C' {
		t.Fatalf("unexpected identity: %+v", nc)
	}
	if !nc.FLiM || !nc.ConsumeOwnEvents || nc.NodeVariables != 8 {
		t.Fatalf("unexpected capabilities: %+v", nc)
	}
}

func TestParseArgs(t *testing.T) {
	fs := flag.NewFlagSet("cbus-node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, showVersion := parseArgs(fs, []string{
		"-backend", "socketcan", "-can-if", "vcan0", "-can-id", "99",
		"-data-dir", t.TempDir(), "-client-read-timeout", "5s", "-consumer=false",
	})
	if cfg == nil || showVersion {
		t.Fatalf("parse failed: cfg=%v version=%v", cfg, showVersion)
	}
	if cfg.backend != backendSocketCAN || cfg.canIf != "vcan0" || cfg.canID != 99 {
		t.Fatalf("unexpected backend config: %+v", cfg)
	}
	if cfg.clientReadTO != 5*time.Second || cfg.consumer {
		t.Fatalf("unexpected values: %v %v", cfg.clientReadTO, cfg.consumer)
	}
}

func TestParseArgsInvalid(t *testing.T) {
	fs := flag.NewFlagSet("cbus-node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if cfg, _ := parseArgs(fs, []string{"-backend", "gridconnect", "-baud", "0"}); cfg != nil {
		t.Fatalf("expected nil config for invalid baud")
	}
}
