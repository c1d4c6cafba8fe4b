package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/runtime"
)

func TestSafeSender(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"Alice", "alice"},
		{"Dr. Strange", "dr__strange"},
		{"__weird__", "weird"},
		{"日本語", "agent"},
		{"", "agent"},
		{"bot-7", "bot_7"},
	}
	for _, tc := range cases {
		if got := safeSender(tc.in); got != tc.want {
			t.Errorf("safeSender(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAgentMessageID(t *testing.T) {
	t.Parallel()

	pattern := regexp.MustCompile(`^dr__strange_[0-9a-f]{8}$`)
	id := agentMessageID("Dr. Strange")
	if !pattern.MatchString(id) {
		t.Fatalf("agentMessageID = %q, want match for %s", id, pattern)
	}
	if other := agentMessageID("Dr. Strange"); other == id {
		t.Errorf("two ids collided: %q", id)
	}
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	t.Parallel()

	// 80 chunks overflow the 64-slot subscriber buffer, so the idle
	// subscriber must be cut loose while the reading one sees everything.
	chunks := make([]string, 80)
	for i := range chunks {
		chunks[i] = "x"
	}
	m, store := newTestManager(t, &runtime.StubAdapter{Chunks: chunks}, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Proactivity: 0.9})
	sess := mustCreate(t, m, "acme", "u1")

	fast, cancelFast, err := m.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe fast: %v", err)
	}
	defer cancelFast()
	slow, cancelSlow, err := m.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe slow: %v", err)
	}
	defer cancelSlow()

	type tally struct {
		events int
		final  string
	}
	fastDone := make(chan tally, 1)
	go func() {
		var tl tally
		for evt := range fast {
			tl.events++
			if evt.Event == EventAgentEnd {
				tl.final, _ = evt.Data["content"].(string)
				fastDone <- tl
				return
			}
		}
		fastDone <- tl
	}()

	if err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var got tally
	select {
	case got = <-fastDone:
	case <-time.After(5 * time.Second):
		t.Fatal("fast subscriber never saw agent.end")
	}
	if got.events != 82 {
		t.Errorf("fast subscriber saw %d events, want 82", got.events)
	}
	if want := strings.Repeat("x", 80); got.final != want {
		t.Errorf("final content has %d bytes, want %d", len(got.final), len(want))
	}

	// The slow channel holds its buffered prefix and is then closed.
	var slowCount int
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-slow:
			if !ok {
				open = false
				break
			}
			slowCount++
		case <-deadline:
			t.Fatalf("slow subscriber channel never closed, read %d events", slowCount)
		}
	}
	if slowCount != SubscriberBuffer {
		t.Errorf("slow subscriber read %d events, want %d", slowCount, SubscriberBuffer)
	}

	if msgs := waitForMessages(t, store, sess.ID, 2); msgs[1].Content != strings.Repeat("x", 80) {
		t.Error("persisted content does not match the stream")
	}
}

func TestEnqueueOverloadedWhenQueueFull(t *testing.T) {
	t.Parallel()

	adapter := newBlockingAdapter()
	m, _ := newTestManager(t, adapter, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Proactivity: 0.9})
	sess := mustCreate(t, m, "acme", "u1")

	// First request occupies the worker goroutine indefinitely.
	if err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "first"}); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	select {
	case <-adapter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the adapter")
	}

	for i := 0; i < QueueCapacity; i++ {
		if err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "fill"}); err != nil {
			t.Fatalf("Enqueue fill %d: %v", i, err)
		}
	}

	err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "overflow"})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}

func TestCancellationDiscardsPartialTurn(t *testing.T) {
	t.Parallel()

	adapter := newBlockingAdapter()
	m, store := newTestManager(t, adapter, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Proactivity: 0.9})
	sess := mustCreate(t, m, "acme", "u1")

	events, cancel, err := m.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-adapter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the adapter")
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The stream carries the start event of the aborted turn but no end
	// event, then closes.
	var starts, ends int
	for evt := range events {
		switch evt.Event {
		case EventAgentStart:
			starts++
		case EventAgentEnd:
			ends++
		}
	}
	if starts != 1 {
		t.Errorf("got %d agent.start events, want 1", starts)
	}
	if ends != 0 {
		t.Errorf("got %d agent.end events, want 0", ends)
	}

	msgs, err := store.ListMessages(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "user" {
		t.Fatalf("store holds %d messages, want only the user message", len(msgs))
	}
}
