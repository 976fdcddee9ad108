package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/gridconnect"
	"github.com/kstaniek/go-cbus-node/internal/hub"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/socketcan"
)

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		buf := make([]byte, readBufSize)
		acc := bytes.NewBuffer(nil)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := conn.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = s.Codec.DecodeStream(acc, func(fr cbus.Frame) { s.fromClient(cl, fr, logger) })
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// fromClient routes one frame received from a tool.
func (s *Server) fromClient(cl *hub.Client, fr cbus.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(fr) {
		return
	}
	metrics.IncTCPRx()
	wire := cbus.Encode(fr)
	if s.Send != nil {
		if err := s.Send(wire); err != nil {
			if errors.Is(err, gridconnect.ErrTxOverflow) || errors.Is(err, socketcan.ErrTxOverflow) {
				s.totalBackendOverflow.Add(1)
				logger.Debug("backend_overflow_drop", "frame", wire)
			} else {
				wrap := fmt.Errorf("%w: %v", ErrBackendTx, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				s.totalBackendErrors.Add(1)
				logger.Error("backend_tx_error", "error", wrap, "frame", wire)
			}
		}
	}
	if s.Submit != nil {
		if err := s.Submit(wire); err != nil {
			logger.Warn("local_submit_failed", "error", err, "frame", wire)
		}
	}
	if s.Hub != nil {
		s.Hub.BroadcastExcept(cl, wire)
	}
}
