package server

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kstaniek/go-cbus-node/internal/metrics"
)

func TestMapErrToMetric(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("%w: reset", ErrConnRead):  metrics.ErrTCPRead,
		fmt.Errorf("%w: pipe", ErrConnWrite):  metrics.ErrTCPWrite,
		fmt.Errorf("%w: queue", ErrBackendTx): metrics.ErrBackendTx,
		fmt.Errorf("%w: bind", ErrListen):     metrics.ErrTCPRead,
		ErrContext:                            metrics.ErrContext,
		errors.New("boom"):                    metrics.ErrOther,
	}
	for err, want := range cases {
		if got := mapErrToMetric(err); got != want {
			t.Fatalf("mapErrToMetric(%v) = %q, want %q", err, got, want)
		}
	}
}
