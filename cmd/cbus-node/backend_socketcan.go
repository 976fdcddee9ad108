package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-cbus-node/internal/socketcan"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

func initSocketCANBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (transport.Link, func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	link := socketcan.NewLink(ctx, dev, rxCapacity, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		link.Run(ctx)
	}()
	return link, link.Close, nil
}
