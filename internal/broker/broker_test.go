package broker

import (
	"testing"
	"time"

	"github.com/redgraph/redgraph/internal/types"
)

func recv(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestPublish_AssignsMonotonicSeq(t *testing.T) {
	// Sequence numbers increase by one per published event
	b := New(10)
	e1 := b.Publish(types.EventHeartbeat, "", nil)
	e2 := b.Publish(types.EventHeartbeat, "", nil)
	if e1.Seq != 1 || e2.Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", e1.Seq, e2.Seq)
	}
}

func TestSubscribe_PreservesOrder(t *testing.T) {
	// A subscriber sees events in publish order
	b := New(10)
	ch, cancel := b.Subscribe(0)
	defer cancel()
	b.Publish(types.EventPhaseChanged, "", map[string]any{"phase": "planning"})
	b.Publish(types.EventGraphChanged, "", nil)
	b.Publish(types.EventPhaseChanged, "", map[string]any{"phase": "executing"})
	var last uint64
	for i := 0; i < 3; i++ {
		ev := recv(t, ch)
		if ev.Seq <= last {
			t.Fatalf("seq %d not after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestSubscribe_ReplayFromSeq(t *testing.T) {
	// A late subscriber with from-seq receives retained history first
	b := New(10)
	b.Publish(types.EventHeartbeat, "", nil)
	b.Publish(types.EventGraphChanged, "", nil)
	b.Publish(types.EventGraphChanged, "", nil)
	ch, cancel := b.Subscribe(2)
	defer cancel()
	ev := recv(t, ch)
	if ev.Seq != 2 {
		t.Errorf("first replayed seq = %d, want 2", ev.Seq)
	}
	ev = recv(t, ch)
	if ev.Seq != 3 {
		t.Errorf("second replayed seq = %d, want 3", ev.Seq)
	}
}

func TestSubscribe_RingBounded(t *testing.T) {
	// Replay retains only the newest replayLimit events
	b := New(3)
	for i := 0; i < 6; i++ {
		b.Publish(types.EventHeartbeat, "", nil)
	}
	got := b.Replay(1)
	if len(got) != 3 || got[0].Seq != 4 {
		t.Errorf("replay = %d events starting at %d, want 3 starting at 4", len(got), got[0].Seq)
	}
}

func TestOverflow_TruncatesHeadAndMarks(t *testing.T) {
	// A slow subscriber's queue drops oldest events and surfaces one
	// overflow marker before the retained tail
	b := New(10)
	ch, cancel := b.Subscribe(0)
	defer cancel()

	// Let the pump pick up the first event and block on the idle consumer,
	// then flood the queue past its limit.
	first := b.Publish(types.EventHeartbeat, "", nil)
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < DefaultQueueLimit+50; i++ {
		b.Publish(types.EventGraphChanged, "", nil)
	}
	got := recv(t, ch)
	if got.Seq != first.Seq {
		t.Fatalf("first seq = %d, want %d", got.Seq, first.Seq)
	}
	ev := recv(t, ch)
	if ev.Event != types.EventOverflow {
		t.Fatalf("first event after stall = %s, want overflow marker", ev.Event)
	}
	if ev.Data["dropped"].(int) <= 0 {
		t.Error("marker missing dropped count")
	}
	// Remaining events still arrive in order.
	var last uint64
	for i := 0; i < DefaultQueueLimit; i++ {
		ev := recv(t, ch)
		if ev.Seq <= last {
			t.Fatalf("order violated: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestCancel_ClosesChannel(t *testing.T) {
	// Cancelling a subscription closes its channel
	b := New(10)
	ch, cancel := b.Subscribe(0)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel not closed after cancel")
	}
}

func TestPublish_NeverBlocksProducer(t *testing.T) {
	// Publishing with a stuck subscriber completes promptly
	b := New(10)
	_, cancel := b.Subscribe(0) // never read
	defer cancel()
	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultQueueLimit*3; i++ {
			b.Publish(types.EventHeartbeat, "", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
