package socketcan

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/logging"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Link is a SocketCAN interface presented as an engine transport.
type Link struct {
	*transport.Endpoint
	dev Dev
	tx  *TXWriter
	log *slog.Logger
}

func NewLink(ctx context.Context, dev Dev, rxCap, txBuf int) *Link {
	tx := NewTXWriter(ctx, dev, txBuf)
	return &Link{
		Endpoint: transport.NewEndpoint(rxCap, tx),
		dev:      dev,
		tx:       tx,
		log:      logging.L(),
	}
}

// Run reads frames until ctx is done or the interface disappears.
func (l *Link) Run(ctx context.Context) {
	defer l.log.Info("socketcan_rx_end")
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var fr cbus.Frame
		if err := l.dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errErrorFrame) {
				continue
			}
			if errors.Is(err, os.ErrClosed) || isDeviceGone(err) {
				l.log.Error("socketcan_device_lost", "error", err)
				l.SetDown(true)
				return
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			l.log.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		l.Deliver(fr)
		backoff = rxBackoffMin
	}
}

func (l *Link) Close() {
	_ = l.dev.Close()
	l.tx.Close()
}
