package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/metrics"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	// Nobody reads cl.Out: a slow client.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(":SB020N0D;")
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	h.Broadcast(":SB020N0D;")
	before := metrics.Snap().HubDrops
	for i := 0; i < 10; i++ {
		h.Broadcast(":SB020N90000100A;")
	}
	if got := len(fast.Out); got != 11 {
		t.Fatalf("fast client got %d frames, want 11", got)
	}
	if drops := metrics.Snap().HubDrops - before; drops != 10 {
		t.Fatalf("expected 10 drops for slow client, got %d", drops)
	}
}

func TestHub_KickPolicyClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	h.Add(slow)
	defer h.Remove(slow)
	h.Broadcast(":SB020N0D;")
	h.Broadcast(":SB020N0D;")
	select {
	case <-slow.Closed:
	default:
		t.Fatalf("slow client not kicked")
	}
}

func TestHub_BroadcastExceptSkipsOrigin(t *testing.T) {
	h := New()
	a, b := NewClient(2), NewClient(2)
	h.Add(a)
	h.Add(b)
	h.BroadcastExcept(a, ":SB020N0D;")
	if len(a.Out) != 0 || len(b.Out) != 1 {
		t.Fatalf("origin got %d, other got %d", len(a.Out), len(b.Out))
	}
	if w := <-b.Out; w != ":SB020N0D;" {
		t.Fatalf("frame %q", w)
	}
	h.Remove(a)
	h.Remove(a)
	if h.Count() != 1 {
		t.Fatalf("count %d", h.Count())
	}
}
