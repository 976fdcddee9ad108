package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/nodestate"
	"github.com/kstaniek/go-cbus-node/internal/storage"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

// fakeLink queues inbound frames and captures outbound ones.
type fakeLink struct {
	mu      sync.Mutex
	in      []string
	out     []string
	sendErr error
	canID   uint8
}

func (l *fakeLink) Send(w string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.out = append(l.out, w)
	return nil
}

func (l *fakeLink) Receive() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.in) == 0 {
		return "", false
	}
	w := l.in[0]
	l.in = l.in[1:]
	return w, true
}

func (l *fakeLink) CANID() uint8 { return l.canID }

func (l *fakeLink) push(op cbus.Opcode, args ...byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.in = append(l.in, cbus.Encode(cbus.NewMessage(cbus.Header{MajorPriority: 2, MinorPriority: 3, CANID: 99}, op, args...)))
}

// take returns and clears the captured frames, decoded.
func (l *fakeLink) take(t *testing.T) []cbus.Frame {
	t.Helper()
	l.mu.Lock()
	out := l.out
	l.out = nil
	l.mu.Unlock()
	frames := make([]cbus.Frame, 0, len(out))
	for _, w := range out {
		f, err := cbus.Decode(w)
		if err != nil {
			t.Fatalf("engine sent malformed frame %q: %v", w, err)
		}
		frames = append(frames, f)
	}
	return frames
}

type rig struct {
	e      *Engine
	link   *fakeLink
	st     *nodestate.State
	kv     *storage.Memory
	events []AccessoryEvent
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	kv := storage.NewMemory()
	st, err := nodestate.Load(kv, nodestate.DefaultKey, nodestate.Config{
		ManufacturerID: 165, CPUManufacturerID: 3, ModuleID: 58, Name: "TEST",
		MajorVersion: 1, MinorVersion: 'A', Beta: 1,
		Consumer: true, Producer: true, FLiM: true,
		NodeVariables: 8, EventVariables: 8,
	})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	r := &rig{link: &fakeLink{canID: 75}, st: st, kv: kv}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEventHandler(func(ev AccessoryEvent) { r.events = append(r.events, ev) }),
	}, opts...)
	r.e = New(r.link, st, opts...)
	return r
}

// configure gives the node number nn and leaves it in learn mode.
func (r *rig) configure(t *testing.T, nn uint16) {
	t.Helper()
	if err := r.st.SetNodeID(nn); err != nil {
		t.Fatalf("set node: %v", err)
	}
	r.link.push(cbus.OpNNLRN, byte(nn>>8), byte(nn))
	r.e.ProcessIncoming()
	if r.e.Mode() != ModeLearn {
		t.Fatalf("not in learn mode")
	}
}

func expectOp(t *testing.T, f cbus.Frame, op cbus.Opcode, args ...byte) {
	t.Helper()
	got, _ := f.Opcode()
	if got != op {
		t.Fatalf("opcode %s, want %s (%s)", got, op, cbus.Encode(f))
	}
	for i, a := range args {
		if f.Arg(i) != a {
			t.Fatalf("%s arg %d = %02X, want %02X (%s)", op, i, f.Arg(i), a, cbus.Encode(f))
		}
	}
}

func TestTeachThenFire(t *testing.T) {
	r := newRig(t)
	r.configure(t, 0)
	r.link.push(cbus.OpEVLRN, 0x00, 0x00, 0x00, 0x0A, 1, 5)
	r.e.ProcessIncoming()
	r.link.take(t)

	r.link.push(cbus.OpNNULN, 0, 0)
	r.link.push(cbus.OpACON, 0x00, 0x00, 0x00, 0x0A)
	r.e.ProcessIncoming()
	if len(r.events) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(r.events))
	}
	ev := r.events[0]
	if ev.Task != "on" || ev.EventID != "0000000A" || ev.Variables[1] != 5 {
		t.Fatalf("event %+v", ev)
	}

	r.link.push(cbus.OpACOF, 0x00, 0x00, 0x00, 0x0A)
	r.link.push(cbus.OpACON, 0x00, 0x01, 0x00, 0x0A) // not taught
	r.e.ProcessIncoming()
	if len(r.events) != 2 || r.events[1].Task != "off" {
		t.Fatalf("events %+v", r.events)
	}
}

func TestShortEventsMatchDeviceNumber(t *testing.T) {
	r := newRig(t)
	r.configure(t, 0)
	r.link.push(cbus.OpEVLRN, 0x00, 0x00, 0x00, 0x07, 2, 9)
	r.e.ProcessIncoming()
	r.link.push(cbus.OpASON, 0x01, 0x02, 0x00, 0x07)
	r.link.push(cbus.OpASOF, 0x05, 0x06, 0x00, 0x07)
	r.e.ProcessIncoming()
	if len(r.events) != 2 || r.events[0].Task != "on" || r.events[1].Task != "off" || r.events[0].Variables[2] != 9 {
		t.Fatalf("events %+v", r.events)
	}
}

func TestLearnGating(t *testing.T) {
	r := newRig(t)
	before, _ := r.kv.Load(nodestate.DefaultKey)
	r.link.push(cbus.OpEVLRN, 0x00, 0x00, 0x00, 0x0A, 1, 5)
	r.link.push(cbus.OpSNN, 0x01, 0x00)
	r.link.push(cbus.OpRQNP)
	r.link.push(cbus.OpEVULN, 0x00, 0x00, 0x00, 0x0A)
	r.e.ProcessIncoming()
	after, _ := r.kv.Load(nodestate.DefaultKey)
	if string(before) != string(after) {
		t.Fatalf("state changed outside learn mode")
	}
	if r.st.NodeID() != 0 || r.st.EventCount() != 0 {
		t.Fatalf("mutation applied outside learn mode")
	}
	if out := r.link.take(t); len(out) != 0 {
		t.Fatalf("replies outside learn mode: %d", len(out))
	}
}

func TestSetNodeNumberAcknowledges(t *testing.T) {
	r := newRig(t)
	r.e.RequestNodeNumber()
	out := r.link.take(t)
	if len(out) != 1 {
		t.Fatalf("want RQNN, got %d frames", len(out))
	}
	expectOp(t, out[0], cbus.OpRQNN, 0, 0)
	if r.e.Mode() != ModeLearn {
		t.Fatalf("RQNN must enter learn mode")
	}
	r.link.push(cbus.OpSNN, 0x01, 0x02)
	r.e.ProcessIncoming()
	out = r.link.take(t)
	if len(out) != 1 {
		t.Fatalf("want NNACK, got %d frames", len(out))
	}
	expectOp(t, out[0], cbus.OpNNACK, 0x01, 0x02)
	if r.e.Mode() != ModeNormal || r.e.NodeNumber() != 0x0102 {
		t.Fatalf("mode %s node %d", r.e.Mode(), r.e.NodeNumber())
	}
}

func TestOutgoingHeaderUsesLinkCANID(t *testing.T) {
	r := newRig(t)
	r.link.push(cbus.OpQNN)
	r.e.ProcessIncoming()
	out := r.link.take(t)
	if len(out) != 1 {
		t.Fatalf("want PNN, got %d", len(out))
	}
	if h := cbus.ParseHeader(out[0].ID); h != (cbus.Header{MajorPriority: 2, MinorPriority: 3, CANID: 75}) {
		t.Fatalf("header %+v", h)
	}
	expectOp(t, out[0], cbus.OpPNN, 0, 0, 165, 58, nodestate.FlagConsumer|nodestate.FlagProducer|nodestate.FlagFLiM)
}

func TestRequestParams(t *testing.T) {
	r := newRig(t)
	r.configure(t, 0)
	r.link.push(cbus.OpRQNP)
	r.e.ProcessIncoming()
	out := r.link.take(t)
	if len(out) != 1 {
		t.Fatalf("want PARAMS, got %d", len(out))
	}
	expectOp(t, out[0], cbus.OpPARAMS, 165, 'A', 58, 255, 8, 8, 1)
}

func TestReadAllParametersPaginates(t *testing.T) {
	r := newRig(t)
	r.link.push(cbus.OpRQNPN, 0, 0, 0)
	r.e.ProcessIncoming()
	out := r.link.take(t)
	if len(out) != 21 {
		t.Fatalf("want 21 PARAN, got %d", len(out))
	}
	expectOp(t, out[0], cbus.OpPARAN, 0, 0, 0, 20)
	expectOp(t, out[20], cbus.OpPARAN, 0, 0, 20, 1)

	r.link.push(cbus.OpRQNPN, 0, 0, 3)
	r.link.push(cbus.OpRQNPN, 0, 0, 21)
	r.e.ProcessIncoming()
	out = r.link.take(t)
	if len(out) != 2 {
		t.Fatalf("want 2 replies, got %d", len(out))
	}
	expectOp(t, out[0], cbus.OpPARAN, 0, 0, 3, 58)
	expectOp(t, out[1], cbus.OpCMDERR, 0, 0, byte(cbus.ErrCodeInvalidParam))
}

func TestNodeVariables(t *testing.T) {
	r := newRig(t)
	r.link.push(cbus.OpNVSET, 0, 0, 3, 0x42)
	r.link.push(cbus.OpNVSET, 0, 0, 9, 0x01)
	r.link.push(cbus.OpNVRD, 0, 0, 3)
	r.link.push(cbus.OpNVRD, 0, 0, 0)
	r.link.push(cbus.OpNVRD, 0, 0, 9)
	r.e.ProcessIncoming()
	out := r.link.take(t)
	if len(out) != 13 {
		t.Fatalf("want 13 replies, got %d", len(out))
	}
	expectOp(t, out[0], cbus.OpWRACK, 0, 0)
	expectOp(t, out[1], cbus.OpCMDERR, 0, 0, byte(cbus.ErrCodeInvalidNVIndex))
	expectOp(t, out[2], cbus.OpNVANS, 0, 0, 3, 0x42)
	// Reading index 0 reports slots 0..8.
	expectOp(t, out[3], cbus.OpNVANS, 0, 0, 0, 0)
	for i := 1; i <= 8; i++ {
		expectOp(t, out[3+i], cbus.OpNVANS, 0, 0, byte(i))
	}
	expectOp(t, out[6], cbus.OpNVANS, 0, 0, 3, 0x42)
	expectOp(t, out[12], cbus.OpCMDERR, 0, 0, byte(cbus.ErrCodeInvalidNVIndex))
}

func TestNodeNumberMismatchIgnored(t *testing.T) {
	r := newRig(t)
	r.link.push(cbus.OpNVSET, 0x12, 0x34, 1, 1)
	r.link.push(cbus.OpNNLRN, 0x12, 0x34)
	r.link.push(cbus.OpRQEVN, 0x12, 0x34)
	r.e.ProcessIncoming()
	if out := r.link.take(t); len(out) != 0 {
		t.Fatalf("answered a message for another node")
	}
	if r.e.Mode() != ModeNormal {
		t.Fatalf("entered learn for another node")
	}
}

func TestEventTableReports(t *testing.T) {
	r := newRig(t)
	r.configure(t, 0x0100)
	r.link.push(cbus.OpEVLRN, 0x00, 0x05, 0x00, 0x01, 1, 7)
	r.link.push(cbus.OpEVLRN, 0x00, 0x05, 0x00, 0x02, 3, 9)
	r.link.push(cbus.OpEVLRN, 0x00, 0x05, 0x00, 0x02, 9, 9)
	r.e.ProcessIncoming()
	out := r.link.take(t)
	if len(out) != 3 {
		t.Fatalf("want 3 replies, got %d", len(out))
	}
	expectOp(t, out[0], cbus.OpWRACK, 0x01, 0x00)
	expectOp(t, out[2], cbus.OpCMDERR, 0x01, 0x00, byte(cbus.ErrCodeInvalidEVIndex))

	r.link.push(cbus.OpRQEVN, 0x01, 0x00)
	r.link.push(cbus.OpNERD, 0x01, 0x00)
	r.link.push(cbus.OpREVAL, 0x01, 0x00, 2, 3)
	r.link.push(cbus.OpREVAL, 0x01, 0x00, 3, 1)
	r.link.push(cbus.OpREVAL, 0x01, 0x00, 1, 9)
	r.link.push(cbus.OpREVAL, 0x01, 0x00, 1, 0)
	r.e.ProcessIncoming()
	out = r.link.take(t)
	if len(out) != 1+2+1+1+1+9 {
		t.Fatalf("want 15 replies, got %d", len(out))
	}
	expectOp(t, out[0], cbus.OpNUMEV, 0x01, 0x00, 2)
	expectOp(t, out[1], cbus.OpENRSP, 0x01, 0x00, 0x00, 0x05, 0x00, 0x01, 1)
	expectOp(t, out[2], cbus.OpENRSP, 0x01, 0x00, 0x00, 0x05, 0x00, 0x02, 2)
	expectOp(t, out[3], cbus.OpNEVAL, 0x01, 0x00, 2, 3, 9)
	expectOp(t, out[4], cbus.OpCMDERR, 0x01, 0x00, byte(cbus.ErrCodeInvalidEvent))
	expectOp(t, out[5], cbus.OpCMDERR, 0x01, 0x00, byte(cbus.ErrCodeInvalidEVIndex))
	expectOp(t, out[6], cbus.OpNEVAL, 0x01, 0x00, 1, 0, 0)
	expectOp(t, out[7], cbus.OpNEVAL, 0x01, 0x00, 1, 1, 7)
	expectOp(t, out[14], cbus.OpNEVAL, 0x01, 0x00, 1, 8, 0)
}

func TestUnlearnEvent(t *testing.T) {
	r := newRig(t)
	r.configure(t, 0)
	r.link.push(cbus.OpEVLRN, 0x00, 0x05, 0x00, 0x01, 1, 7)
	r.link.push(cbus.OpEVULN, 0x00, 0x05, 0x00, 0x01)
	r.link.push(cbus.OpEVULN, 0x00, 0x05, 0x00, 0x01)
	r.e.ProcessIncoming()
	out := r.link.take(t)
	if len(out) != 3 {
		t.Fatalf("want 3 replies, got %d", len(out))
	}
	expectOp(t, out[1], cbus.OpWRACK)
	expectOp(t, out[2], cbus.OpCMDERR, 0, 0, byte(cbus.ErrCodeInvalidEvent))
	if r.st.EventCount() != 0 {
		t.Fatalf("event not removed")
	}
}

func TestOwnLongEventsReplayLocally(t *testing.T) {
	r := newRig(t)
	r.configure(t, 0x0102)
	r.link.push(cbus.OpEVLRN, 0x01, 0x02, 0x00, 0x03, 1, 1)
	r.e.ProcessIncoming()
	r.link.take(t)

	r.e.ACON(3)
	r.e.ASON(3)
	r.e.ACOF(4)
	out := r.link.take(t)
	if len(out) != 3 {
		t.Fatalf("want 3 frames, got %d", len(out))
	}
	expectOp(t, out[0], cbus.OpACON, 0x01, 0x02, 0x00, 0x03)
	expectOp(t, out[1], cbus.OpASON, 0x01, 0x02, 0x00, 0x03)
	expectOp(t, out[2], cbus.OpACOF, 0x01, 0x02, 0x00, 0x04)
	if len(r.events) != 1 || r.events[0].Task != "on" || r.events[0].EventID != "01020003" {
		t.Fatalf("local replay %+v", r.events)
	}
}

func TestCallbackMayProduceEvents(t *testing.T) {
	var e *Engine
	r := newRig(t, WithEventHandler(func(ev AccessoryEvent) {
		if ev.Task == "on" {
			e.ACOF(uint16(ev.EventID[7] - '0'))
		}
	}))
	e = r.e
	r.configure(t, 0)
	r.link.push(cbus.OpEVLRN, 0x00, 0x09, 0x00, 0x01, 1, 1)
	r.link.push(cbus.OpACON, 0x00, 0x09, 0x00, 0x01)
	done := make(chan struct{})
	go func() { r.e.ProcessIncoming(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("callback deadlocked")
	}
	out := r.link.take(t)
	last := out[len(out)-1]
	expectOp(t, last, cbus.OpACOF, 0, 0, 0, 1)
}

func TestUnknownOpcodeFallback(t *testing.T) {
	var got []cbus.Opcode
	r := newRig(t, WithFallback(func(f cbus.Frame) {
		op, _ := f.Opcode()
		got = append(got, op)
	}))
	r.link.push(cbus.OpPLOC, 1, 0x12, 0x34, 0, 0, 0, 0)
	r.link.mu.Lock()
	r.link.in = append(r.link.in, ":SB020NE1;", "garbage", ":SB020R;")
	r.link.mu.Unlock()
	r.e.ProcessIncoming()
	if len(got) != 1 || got[0] != cbus.OpPLOC {
		t.Fatalf("fallback got %v", got)
	}
	s := r.e.Stats()
	if s.Unknown != 1 || s.Malformed != 2 || s.Messages != 1 {
		t.Fatalf("stats %+v", s)
	}
}

func TestLinkDownSignalsDegraded(t *testing.T) {
	r := newRig(t)
	r.link.sendErr = fmt.Errorf("wrapped: %w", transport.ErrLinkDown)
	r.link.push(cbus.OpQNN)
	r.e.ProcessIncoming()
	select {
	case <-r.e.Degraded():
	default:
		t.Fatalf("degraded not signalled")
	}
	// Later failures do not panic on a closed channel.
	r.link.push(cbus.OpQNN)
	r.e.ProcessIncoming()
	if r.e.Stats().SendErrors != 2 {
		t.Fatalf("send errors %d", r.e.Stats().SendErrors)
	}
}

func TestPersistFailureStillAcknowledges(t *testing.T) {
	r := newRig(t)
	r.kv.FailSaves(errors.New("read-only"))
	r.link.push(cbus.OpNVSET, 0, 0, 1, 5)
	r.e.ProcessIncoming()
	out := r.link.take(t)
	if len(out) != 1 {
		t.Fatalf("want WRACK, got %d", len(out))
	}
	expectOp(t, out[0], cbus.OpWRACK)
	if v, _ := r.st.NodeVariable(1); v != 5 {
		t.Fatalf("in-memory value %d", v)
	}
}

func TestRunProcessesSubmitted(t *testing.T) {
	var taps []string
	var tapMu sync.Mutex
	r := newRig(t, WithPollInterval(time.Millisecond), WithTap(func(d Direction, w string) {
		tapMu.Lock()
		taps = append(taps, d.String()+" "+w)
		tapMu.Unlock()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.e.Run(ctx) }()
	if err := r.e.Submit(cbus.Encode(cbus.NewMessage(cbus.Header{CANID: 1}, cbus.OpQNN))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		r.link.mu.Lock()
		n := len(r.link.out)
		r.link.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("submitted frame not processed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	tapMu.Lock()
	defer tapMu.Unlock()
	if len(taps) != 1 || taps[0][:3] != "tx " {
		t.Fatalf("taps %v", taps)
	}
}
