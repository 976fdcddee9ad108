package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-cbus-node/internal/gridconnect"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

// openSerialPort is a hook for tests.
var openSerialPort = gridconnect.Open

func initGridConnectBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (transport.Link, func(), error) {
	p, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("serial open %s: %w", cfg.serialDev, err)
	}
	l.Info("serial_open", "dev", cfg.serialDev, "baud", cfg.baud)
	link := gridconnect.NewLink(ctx, p, rxCapacity, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		link.Run(ctx)
	}()
	return link, link.Close, nil
}
