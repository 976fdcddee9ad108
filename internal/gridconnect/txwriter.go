package gridconnect

import (
	"context"
	"errors"
	"io"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/logging"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

var ErrTxOverflow = errors.New("gridconnect tx overflow")

// TXWriter funnels all adapter writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a TXWriter for w with a queue of buf frames.
func NewTXWriter(parent context.Context, w io.Writer, codec Codec, buf int) *TXWriter {
	send := func(fr cbus.Frame) error {
		_, err := w.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("gridconnect_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncCANTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous write (drops with ErrTxOverflow if the queue is full).
func (w *TXWriter) SendFrame(fr cbus.Frame) error { return w.base.SendFrame(fr) }

// Close stops the writer and waits for its goroutine to exit.
func (w *TXWriter) Close() { w.base.Close() }
