package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/runtime"
	"github.com/colloquyhq/colloquy/internal/scheduler"
	"github.com/colloquyhq/colloquy/pkg/provider/llm"
	"github.com/colloquyhq/colloquy/pkg/sessionstore"
)

// scriptedAdapter replies with a fixed text per persona handle, streamed as a
// single chunk.
type scriptedAdapter struct {
	replies map[string]string
}

func (a *scriptedAdapter) Stream(ctx context.Context, tenantID, personaHandle string, prompt runtime.Prompt) (<-chan llm.Chunk, error) {
	text, ok := a.replies[personaHandle]
	if !ok {
		text = "noted"
	}
	out := make(chan llm.Chunk, 2)
	out <- llm.Chunk{Text: text}
	out <- llm.Chunk{FinishReason: "stop"}
	close(out)
	return out, nil
}

func (a *scriptedAdapter) Health(ctx context.Context, tenantID, personaHandle string) (*runtime.HealthStatus, error) {
	return &runtime.HealthStatus{OK: true, Provider: "scripted"}, nil
}

// blockingAdapter streams nothing and only ends when the turn context is
// cancelled. started is closed on the first Stream call.
type blockingAdapter struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingAdapter() *blockingAdapter {
	return &blockingAdapter{started: make(chan struct{})}
}

func (a *blockingAdapter) Stream(ctx context.Context, tenantID, personaHandle string, prompt runtime.Prompt) (<-chan llm.Chunk, error) {
	a.once.Do(func() { close(a.started) })
	out := make(chan llm.Chunk)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (a *blockingAdapter) Health(ctx context.Context, tenantID, personaHandle string) (*runtime.HealthStatus, error) {
	return &runtime.HealthStatus{OK: true, Provider: "blocking"}, nil
}

// failingAdapter either refuses to start or streams the given chunks.
type failingAdapter struct {
	startErr error
	chunks   []llm.Chunk
}

func (a *failingAdapter) Stream(ctx context.Context, tenantID, personaHandle string, prompt runtime.Prompt) (<-chan llm.Chunk, error) {
	if a.startErr != nil {
		return nil, a.startErr
	}
	out := make(chan llm.Chunk, len(a.chunks))
	for _, c := range a.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (a *failingAdapter) Health(ctx context.Context, tenantID, personaHandle string) (*runtime.HealthStatus, error) {
	return &runtime.HealthStatus{OK: false, Provider: "failing"}, nil
}

func newTestManager(t *testing.T, adapter runtime.Adapter, cfg Config, personas ...persona.Persona) (*Manager, *sessionstore.MemoryStore) {
	t.Helper()

	store := sessionstore.NewMemoryStore()
	registry := persona.NewStaticRegistry(personas)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prompts := runtime.NewBuilder(nil, 0, logger)
	if len(cfg.SchedulerOpts) == 0 {
		cfg.SchedulerOpts = []scheduler.Option{scheduler.WithRand(func() float64 { return 0 })}
	}

	m := NewManager(store, registry, adapter, prompts, nil, logger, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, store
}

func mustCreate(t *testing.T, m *Manager, tenantID, userID string) *sessionstore.Session {
	t.Helper()
	sess, err := m.CreateSession(context.Background(), tenantID, userID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func nextEvent(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func waitForMessages(t *testing.T, store sessionstore.Store, sessionID string, n int) []sessionstore.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := store.ListMessages(context.Background(), sessionID, 0)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestEnqueueStreamsAndPersistsOneTurn(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, &runtime.StubAdapter{}, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Prompt: "helpful", Proactivity: 0.9})
	sess := mustCreate(t, m, "acme", "u1")

	events, cancel, err := m.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	start := nextEvent(t, events)
	if start.Event != EventAgentStart {
		t.Fatalf("first event = %q, want %q", start.Event, EventAgentStart)
	}
	if start.Data["sender"] != "alice" {
		t.Errorf("start sender = %v, want alice", start.Data["sender"])
	}
	if start.Data["session_id"] != sess.ID {
		t.Errorf("start session_id = %v, want %s", start.Data["session_id"], sess.ID)
	}
	messageID, _ := start.Data["message_id"].(string)
	if messageID == "" {
		t.Error("start event is missing message_id")
	}

	var content string
	for {
		evt := nextEvent(t, events)
		if evt.Event == EventAgentChunk {
			if evt.Data["message_id"] != messageID {
				t.Errorf("chunk message_id = %v, want %s", evt.Data["message_id"], messageID)
			}
			content += evt.Data["content"].(string)
			continue
		}
		if evt.Event != EventAgentEnd {
			t.Fatalf("unexpected event %q", evt.Event)
		}
		if evt.Data["content"] != "hi there" {
			t.Errorf("end content = %v, want %q", evt.Data["content"], "hi there")
		}
		if _, failed := evt.Data["error"]; failed {
			t.Error("end event reports an error")
		}
		if id, _ := evt.Data["persisted_message_id"].(string); id == "" {
			t.Error("end event is missing persisted_message_id")
		}
		break
	}
	if content != "hi there" {
		t.Errorf("accumulated chunks = %q, want %q", content, "hi there")
	}

	msgs := waitForMessages(t, store, sess.ID, 2)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Sender != "user" || msgs[0].Content != "hello" {
		t.Errorf("first message = %s/%q, want user/hello", msgs[0].Sender, msgs[0].Content)
	}
	if msgs[1].Sender != "alice" || msgs[1].Content != "hi there" {
		t.Errorf("second message = %s/%q, want alice/\"hi there\"", msgs[1].Sender, msgs[1].Content)
	}
}

func TestTargetPersonasOverrideScheduling(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, &runtime.StubAdapter{}, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Proactivity: 0},
		persona.Persona{Name: "Bob", Handle: "bob", Proactivity: 0})
	sess := mustCreate(t, m, "acme", "u1")

	events, cancel, err := m.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	err = m.Enqueue(context.Background(), sess.ID, InboundRequest{
		Content:        "hello",
		TargetPersonas: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	start := nextEvent(t, events)
	if start.Event != EventAgentStart || start.Data["sender"] != "bob" {
		t.Fatalf("first event = %s by %v, want agent.start by bob", start.Event, start.Data["sender"])
	}

	msgs := waitForMessages(t, store, sess.ID, 2)
	if msgs[1].Sender != "bob" {
		t.Errorf("reply sender = %s, want bob", msgs[1].Sender)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &runtime.StubAdapter{}, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Proactivity: 0.9})
	sess := mustCreate(t, m, "acme", "u1")

	t.Run("empty content", func(t *testing.T) {
		err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "   "})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		err := m.Enqueue(context.Background(), "sess_missing", InboundRequest{Content: "hi"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("unknown target persona", func(t *testing.T) {
		err := m.Enqueue(context.Background(), sess.ID, InboundRequest{
			Content:        "hi",
			TargetPersonas: []string{"ghost"},
		})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
	})
}

func TestFailedGenerationStillEmitsEndEvent(t *testing.T) {
	t.Parallel()

	t.Run("mid-stream error persists the partial", func(t *testing.T) {
		t.Parallel()

		adapter := &failingAdapter{chunks: []llm.Chunk{
			{Text: "par"},
			{FinishReason: "error", Text: "connection reset"},
		}}
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

		var end StreamEvent
		for {
			evt := nextEvent(t, events)
			if evt.Event == EventAgentEnd {
				end = evt
				break
			}
		}
		if end.Data["error"] != true {
			t.Errorf("end error = %v, want true", end.Data["error"])
		}
		if end.Data["content"] != "par" {
			t.Errorf("end content = %v, want the partial %q", end.Data["content"], "par")
		}
		if id, _ := end.Data["persisted_message_id"].(string); id == "" {
			t.Error("partial content should have been persisted")
		}

		msgs := waitForMessages(t, store, sess.ID, 2)
		if msgs[1].Sender != "alice" || msgs[1].Content != "par" {
			t.Errorf("persisted = %s/%q, want alice/par", msgs[1].Sender, msgs[1].Content)
		}
	})

	t.Run("start failure persists nothing", func(t *testing.T) {
		t.Parallel()

		adapter := &failingAdapter{startErr: &runtime.ProviderError{
			Kind:     runtime.KindTransient,
			Provider: "openai",
			Err:      errors.New("backend down"),
		}}
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

		start := nextEvent(t, events)
		if start.Event != EventAgentStart {
			t.Fatalf("first event = %q, want agent.start", start.Event)
		}
		end := nextEvent(t, events)
		if end.Event != EventAgentEnd {
			t.Fatalf("second event = %q, want agent.end", end.Event)
		}
		if end.Data["error"] != true {
			t.Errorf("end error = %v, want true", end.Data["error"])
		}
		if end.Data["content"] != "" {
			t.Errorf("end content = %v, want empty", end.Data["content"])
		}
		if _, ok := end.Data["persisted_message_id"]; ok {
			t.Error("nothing should have been persisted")
		}

		msgs := waitForMessages(t, store, sess.ID, 1)
		if len(msgs) != 1 || msgs[0].Sender != "user" {
			t.Fatalf("store should hold only the user message, got %d messages", len(msgs))
		}
	})
}

func TestContinuationStepsAreCapped(t *testing.T) {
	t.Parallel()

	// Each persona hands the floor to the next one, a chain that would never
	// end on its own. p0 opens; the chain must stop after MaxContinuation
	// further steps, so p7 is mentioned but never speaks.
	roster := []persona.Persona{
		{Name: "P0", Handle: "p0", Proactivity: 0.9},
	}
	replies := map[string]string{"p0": "over to @p1"}
	for i := 1; i <= 9; i++ {
		handle := "p" + string(rune('0'+i))
		roster = append(roster, persona.Persona{Name: "P" + string(rune('0'+i)), Handle: handle, Proactivity: 0})
		if i < 9 {
			replies[handle] = "over to @p" + string(rune('0'+i+1))
		} else {
			replies[handle] = "that is all"
		}
	}

	m, store := newTestManager(t, &scriptedAdapter{replies: replies}, Config{}, roster...)
	sess := mustCreate(t, m, "acme", "u1")

	events, cancel, err := m.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	// Keep the subscriber drained so no events are lost to backpressure.
	var mu sync.Mutex
	var collected []StreamEvent
	go func() {
		for evt := range events {
			mu.Lock()
			collected = append(collected, evt)
			mu.Unlock()
		}
	}()

	if err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// 1 user message + 22 agent turns: 1 on the user step, then steps of
	// growing width as mention sets accumulate, cut off by the cap.
	msgs := waitForMessages(t, store, sess.ID, 23)

	// Give the worker a moment to prove it stopped generating.
	time.Sleep(200 * time.Millisecond)
	msgs = waitForMessages(t, store, sess.ID, 23)
	if len(msgs) != 23 {
		t.Fatalf("got %d messages, want exactly 23", len(msgs))
	}
	for _, msg := range msgs {
		if msg.Sender == "p7" || msg.Sender == "p8" || msg.Sender == "p9" {
			t.Errorf("persona %s spoke beyond the continuation cap", msg.Sender)
		}
	}

	mu.Lock()
	var ends int
	for _, evt := range collected {
		if evt.Event == EventAgentEnd {
			ends++
		}
	}
	mu.Unlock()
	if ends != 22 {
		t.Errorf("got %d agent.end events, want 22", ends)
	}
}

func TestSchedulerSnapshot(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &runtime.StubAdapter{}, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Proactivity: 0.9})
	sess := mustCreate(t, m, "acme", "u1")

	if _, err := m.SchedulerSnapshot(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("snapshot before any worker: err = %v, want ErrNotFound", err)
	}

	_, cancel, err := m.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	snap, err := m.SchedulerSnapshot(sess.ID)
	if err != nil {
		t.Fatalf("SchedulerSnapshot: %v", err)
	}
	if len(snap.Personas) != 1 || snap.Personas[0].Handle != "alice" {
		t.Errorf("snapshot personas = %+v, want just alice", snap.Personas)
	}
}

func TestDeleteSessionStopsWorker(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, &runtime.StubAdapter{}, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Proactivity: 0.9})
	sess := mustCreate(t, m, "acme", "u1")

	events, cancel, err := m.Subscribe(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := m.DeleteSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	// The subscriber channel closes when the worker exits.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				goto deleted
			}
		case <-deadline:
			t.Fatal("event channel never closed after delete")
		}
	}
deleted:
	if _, err := store.Get(context.Background(), sess.ID); !errors.Is(err, sessionstore.ErrNotFound) {
		t.Fatalf("session still present after delete: err = %v", err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &runtime.StubAdapter{}, Config{},
		persona.Persona{Name: "Alice", Handle: "alice", Proactivity: 0.9})
	sess := mustCreate(t, m, "acme", "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	err := m.Enqueue(context.Background(), sess.ID, InboundRequest{Content: "hello"})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
}
