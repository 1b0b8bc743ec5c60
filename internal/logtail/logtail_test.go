package logtail

import (
	"testing"
	"time"
)

func TestSubscribeSeesBacklog(t *testing.T) {
	r := NewRegistry()
	r.Append("web", "stdout", 1, "line one", time.Now())
	r.Append("web", "stdout", 1, "line two", time.Now())

	sub := r.Subscribe("web")
	defer r.Unsubscribe("web", sub)

	if len(sub.Backlog) != 2 {
		t.Fatalf("expected 2 backlog lines, got %d", len(sub.Backlog))
	}
	if sub.Backlog[0].Text != "line one" || sub.Backlog[1].Text != "line two" {
		t.Fatalf("backlog out of order: %+v", sub.Backlog)
	}
}

func TestAppendFansOutToLiveSubscriber(t *testing.T) {
	r := NewRegistry()
	sub := r.Subscribe("web")
	defer r.Unsubscribe("web", sub)

	r.Append("web", "stderr", 2, "boom", time.Now())

	select {
	case line := <-sub.Lines:
		if line.Text != "boom" || line.Stream != "stderr" || line.WorkerID != 2 {
			t.Fatalf("unexpected line: %+v", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a live line")
	}
}

func TestRingBufferEvictsOldestPastCapacity(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < backlogSize+10; i++ {
		r.Append("web", "stdout", 1, "line", time.Now())
	}
	sub := r.Subscribe("web")
	defer r.Unsubscribe("web", sub)
	if len(sub.Backlog) != backlogSize {
		t.Fatalf("expected backlog capped at %d, got %d", backlogSize, len(sub.Backlog))
	}
}

func TestUnsubscribeStopsFanOut(t *testing.T) {
	r := NewRegistry()
	sub := r.Subscribe("web")
	r.Unsubscribe("web", sub)

	r.Append("web", "stdout", 1, "after unsubscribe", time.Now())
	select {
	case line, ok := <-sub.Lines:
		if ok {
			t.Fatalf("did not expect a line after unsubscribe, got %+v", line)
		}
	case <-time.After(50 * time.Millisecond):
		// No line delivered, as expected; channel is simply not closed since
		// Unsubscribe only removes it from the fan-out set.
	}
}
