package gridconnect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/logging"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

const (
	readBufSize = 4096
	// largeBufferReclaimThreshold is the capacity above which the drained
	// accumulation buffer is reallocated after bursts of noise.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Link is a GridConnect adapter presented as an engine transport.
// Received frames are buffered in the endpoint ring; sends go through a
// single writer goroutine.
type Link struct {
	*transport.Endpoint
	port  Port
	tx    *TXWriter
	codec Codec
	log   *slog.Logger
}

// NewLink wraps an open port. Call Run to start receiving.
func NewLink(ctx context.Context, p Port, rxCap, txBuf int) *Link {
	tx := NewTXWriter(ctx, p, Codec{}, txBuf)
	return &Link{
		Endpoint: transport.NewEndpoint(rxCap, tx),
		port:     p,
		tx:       tx,
		log:      logging.L(),
	}
}

// Run reads the port until ctx is done or the device goes away. A removed
// device marks the link down so senders see transport.ErrLinkDown.
func (l *Link) Run(ctx context.Context) {
	defer l.log.Info("gridconnect_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := l.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = l.codec.DecodeStream(acc, func(f cbus.Frame) { l.Deliver(f) })
			if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				l.log.Error("gridconnect_device_lost", "error", err)
				l.SetDown(true)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			l.log.Warn("gridconnect_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

// Close releases the port and stops the writer.
func (l *Link) Close() {
	_ = l.port.Close()
	l.tx.Close()
}
