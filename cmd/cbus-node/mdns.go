package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises the GridConnect TCP service.
const mdnsServiceType = "_cbus-gc._tcp"

type nodeInfo struct {
	nodeNumber uint16
	canID      uint8
}

// startMDNS registers the service and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int, info nodeInfo) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsMeta(cfg, info), nil)
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

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("cbus-node-%s", host)
}

func mdnsMeta(cfg *appConfig, info nodeInfo) []string {
	meta := []string{
		"node=" + strconv.Itoa(int(info.nodeNumber)),
		"module=" + strconv.Itoa(cfg.module),
		"name=" + cfg.name,
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
	}
	if info.canID != 0 {
		meta = append(meta, "can_id="+strconv.Itoa(int(info.canID)))
	}
	return meta
}

// listenPort extracts the port from a bound address (host:port or :port).
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
