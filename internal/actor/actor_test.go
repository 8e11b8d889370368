package actor

import (
	"context"
	"sync"
	"testing"
	"time"
)

type testMessage struct {
	kind    string
	payload string
}

func (m *testMessage) Type() string { return m.kind }

// recordingActor collects every message it receives.
type recordingActor struct {
	id string

	mu       sync.Mutex
	received []string
	started  bool
	stopped  bool
}

func (a *recordingActor) Receive(_ context.Context, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tm, ok := msg.(*testMessage); ok {
		a.received = append(a.received, tm.payload)
	}
	return nil
}

func (a *recordingActor) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *recordingActor) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

func (a *recordingActor) ID() string { return a.id }

func (a *recordingActor) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.received))
	copy(out, a.received)
	return out
}

func TestActorReceivesMessages(t *testing.T) {
	ctx := context.Background()
	impl := &recordingActor{id: "rec"}
	ref := NewActorRef("rec", impl, 16)

	if err := ref.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ref.Stop(ctx)

	for _, p := range []string{"one", "two", "three"} {
		if err := ref.Send(&testMessage{kind: "test", payload: p}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(impl.messages()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := impl.messages()
	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Errorf("messages not delivered in order: %v", got)
	}
}

func TestSequentialSendBlocksUntilProcessed(t *testing.T) {
	ctx := context.Background()
	impl := &recordingActor{id: "seq"}
	ref := NewActorRef("seq", impl, 1, WithSequentialProcessing())

	if err := ref.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ref.Stop(ctx)

	// In sequential mode the message must be processed by the time Send returns.
	if err := ref.Send(&testMessage{kind: "test", payload: "inline"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := impl.messages()
	if len(got) != 1 || got[0] != "inline" {
		t.Errorf("sequential Send returned before Receive completed: %v", got)
	}
}

func TestMailboxFull(t *testing.T) {
	impl := &recordingActor{id: "full"}
	ref := NewActorRef("full", impl, 1)
	// Not started: nothing drains the mailbox.

	if err := ref.Send(&testMessage{kind: "test", payload: "a"}); err != nil {
		t.Fatalf("first Send should fit in the mailbox: %v", err)
	}
	if err := ref.Send(&testMessage{kind: "test", payload: "b"}); err == nil {
		t.Error("second Send should fail with a full mailbox")
	}
}

func TestSendAfterStop(t *testing.T) {
	ctx := context.Background()
	impl := &recordingActor{id: "stopped"}
	ref := NewActorRef("stopped", impl, 4)

	if err := ref.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ref.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := ref.Send(&testMessage{kind: "test", payload: "late"}); err == nil {
		t.Error("Send after Stop should fail")
	}
	if !impl.stopped {
		t.Error("actor Stop hook was not invoked")
	}
}

func TestSystemSpawnAndStop(t *testing.T) {
	ctx := context.Background()
	sys := NewSystem()

	ref, err := sys.Spawn(ctx, "a", &recordingActor{id: "a"}, 4)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if ref.ID() != "a" {
		t.Errorf("unexpected id %q", ref.ID())
	}

	if _, err := sys.Spawn(ctx, "a", &recordingActor{id: "a"}, 4); err == nil {
		t.Error("duplicate Spawn should fail")
	}

	if got, ok := sys.Get("a"); !ok || got != ref {
		t.Error("Get did not return the spawned ref")
	}

	if err := sys.Stop(ctx, "a"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, ok := sys.Get("a"); ok {
		t.Error("actor should be gone after Stop")
	}
	if err := sys.Stop(ctx, "a"); err == nil {
		t.Error("stopping an unknown actor should fail")
	}
}

func TestSystemStopAll(t *testing.T) {
	ctx := context.Background()
	sys := NewSystem()

	for _, id := range []string{"x", "y", "z"} {
		if _, err := sys.Spawn(ctx, id, &recordingActor{id: id}, 4); err != nil {
			t.Fatalf("Spawn %s failed: %v", id, err)
		}
	}

	if err := sys.StopAll(ctx); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	for _, id := range []string{"x", "y", "z"} {
		if _, ok := sys.Get(id); ok {
			t.Errorf("actor %s still registered after StopAll", id)
		}
	}
}
