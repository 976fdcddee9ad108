package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-cbus-node/internal/storage"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

// initBackend opens the selected CAN transport, starts its receive side and
// returns the link with its cleanup. st persists transport-owned state such
// as the self-enumerated CAN id.
func initBackend(ctx context.Context, cfg *appConfig, st storage.Store, l *slog.Logger, wg *sync.WaitGroup) (transport.Link, func(), error) {
	switch cfg.backend {
	case backendMCP2515:
		return initMCP2515Backend(cfg, st, l)
	case backendGridConnect:
		return initGridConnectBackend(ctx, cfg, l, wg)
	case backendSocketCAN:
		return initSocketCANBackend(ctx, cfg, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use mcp2515|gridconnect|socketcan)", cfg.backend)
	}
}
