package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colloquyhq/colloquy/internal/observe"
	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/runtime"
	"github.com/colloquyhq/colloquy/internal/scheduler"
	"github.com/colloquyhq/colloquy/pkg/sessionstore"
)

const (
	// QueueCapacity bounds the inbound request queue per session.
	QueueCapacity = 16

	// EnqueueTimeout is how long a producer may block on a full queue before
	// failing with [ErrOverloaded].
	EnqueueTimeout = 2 * time.Second

	// SubscriberBuffer is the per-subscriber event channel capacity.
	SubscriberBuffer = 64

	// PublishTimeout is how long a publish may block on one subscriber
	// before that subscriber is dropped.
	PublishTimeout = 50 * time.Millisecond

	// MaxContinuation caps agent-driven continuation steps after the user
	// step of one request.
	MaxContinuation = 6

	// DefaultHistoryLimit is how many messages the worker snapshots for
	// prompt assembly when the manager does not configure its own limit.
	DefaultHistoryLimit = 50
)

// InboundRequest is one user message addressed to a session.
type InboundRequest struct {
	Content        string
	TargetPersonas []string
}

// workerDeps bundles the shared collaborators handed to every worker.
type workerDeps struct {
	store   sessionstore.Store
	adapter runtime.Adapter
	prompts *runtime.Builder
	metrics *observe.Metrics
	logger  *slog.Logger
}

// Worker owns one live session: its inbound queue, scheduler state, and
// subscriber set. All generation for the session runs on the worker's single
// goroutine, which serialises turns and keeps event ordering trivial.
type Worker struct {
	sessionID string
	tenantID  string

	deps         workerDeps
	personas     []persona.Persona
	byHandle     map[string]persona.Persona
	historyLimit int

	schedMu sync.Mutex
	sched   *scheduler.Scheduler

	queue  chan InboundRequest
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan StreamEvent
	nextSub int
	closed  bool

	// lastSpeaker is only touched from the worker goroutine.
	lastSpeaker string
}

// newWorker creates and starts a worker for one session. personas is the
// tenant's roster snapshot; the scheduler state starts fresh.
func newWorker(parent context.Context, sessionID, tenantID string, personas []persona.Persona, maxAgents, historyLimit int, deps workerDeps, schedOpts ...scheduler.Option) *Worker {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	states := make([]scheduler.PersonaState, len(personas))
	byHandle := make(map[string]persona.Persona, len(personas))
	for i, p := range personas {
		states[i] = scheduler.PersonaState{
			Handle:      p.Handle,
			Proactivity: p.Proactivity,
			Cooldown:    p.Cooldown,
		}
		byHandle[p.Handle] = p
	}

	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		sessionID:    sessionID,
		tenantID:     tenantID,
		deps:         deps,
		personas:     personas,
		byHandle:     byHandle,
		historyLimit: historyLimit,
		sched:        scheduler.New(states, maxAgents, schedOpts...),
		queue:        make(chan InboundRequest, QueueCapacity),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		subs:         make(map[int]chan StreamEvent),
	}
	go w.run()
	return w
}

// Enqueue submits a request to the worker. It blocks up to [EnqueueTimeout]
// on a full queue, then fails with [ErrOverloaded] without persisting
// anything; persistence happens inside the worker loop.
func (w *Worker) Enqueue(ctx context.Context, req InboundRequest) error {
	timer := time.NewTimer(EnqueueTimeout)
	defer timer.Stop()

	select {
	case w.queue <- req:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: session %s", ErrOverloaded, w.sessionID)
	case <-w.ctx.Done():
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe attaches a new event stream. The returned cancel func detaches
// and closes the channel; the channel is also closed when the worker exits or
// the subscriber falls behind.
func (w *Worker) Subscribe() (<-chan StreamEvent, func()) {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	if w.closed {
		ch := make(chan StreamEvent)
		close(ch)
		return ch, func() {}
	}

	id := w.nextSub
	w.nextSub++
	ch := make(chan StreamEvent, SubscriberBuffer)
	w.subs[id] = ch
	w.deps.metrics.ActiveSubscribers.Add(context.Background(), 1)

	cancel := func() {
		w.subMu.Lock()
		defer w.subMu.Unlock()
		if c, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(c)
			w.deps.metrics.ActiveSubscribers.Add(context.Background(), -1)
		}
	}
	return ch, cancel
}

// Stop cancels the worker. In-flight generation is aborted, partial buffers
// are discarded, and all subscriber channels close.
func (w *Worker) Stop() {
	w.cancel()
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// SchedulerSnapshot returns a copy of the scheduler state for debugging
// endpoints.
func (w *Worker) SchedulerSnapshot() scheduler.Snapshot {
	w.schedMu.Lock()
	defer w.schedMu.Unlock()
	return w.sched.Snapshot()
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.closeSubscribers()

	w.deps.metrics.ActiveSessions.Add(context.Background(), 1)
	defer w.deps.metrics.ActiveSessions.Add(context.Background(), -1)

	for {
		select {
		case <-w.ctx.Done():
			return
		case req := <-w.queue:
			w.handle(req)
		}
	}
}

// handle processes one inbound request: persist the user message, then run
// scheduling steps until no persona speaks, no new mentions appear, or the
// continuation cap is hit.
func (w *Worker) handle(req InboundRequest) {
	ctx := w.ctx

	if _, err := w.deps.store.AddMessage(ctx, w.sessionID, "user", req.Content); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.deps.logger.Error("persist user message failed",
			"session_id", w.sessionID, "error", err)
		return
	}

	tags := persona.MergeMentions(req.TargetPersonas, persona.ExtractMentions(req.Content, w.personas))
	isUser := true
	userMessage := req.Content

	for step := 0; step <= MaxContinuation; step++ {
		w.schedMu.Lock()
		speakers := w.sched.NextTurn(tags, w.lastSpeaker, isUser)
		w.schedMu.Unlock()
		if len(speakers) == 0 {
			return
		}

		var stepMentions []string
		for _, handle := range speakers {
			if ctx.Err() != nil {
				return
			}
			text, ok := w.generate(ctx, handle, userMessage)
			if !ok {
				return
			}
			w.lastSpeaker = handle
			stepMentions = persona.MergeMentions(stepMentions, persona.ExtractMentions(text, w.personas))
		}

		// Mentions parsed from finalised turns feed the next step only.
		merged := persona.MergeMentions(tags, stepMentions)
		if len(merged) == len(tags) {
			return
		}
		tags = merged
		isUser = false
		userMessage = ""
	}
}

// generate runs one persona turn: start event, prompt, token stream, persist,
// end event. Returns (finalText, false) only on cancellation, where the
// partial buffer is discarded without an end event or persistence.
func (w *Worker) generate(ctx context.Context, handle, userMessage string) (string, bool) {
	p, ok := w.byHandle[handle]
	if !ok {
		// Scheduler and roster share the same source; treat as internal.
		w.deps.logger.Error("scheduled unknown persona", "persona", handle)
		return "", true
	}

	messageID := agentMessageID(handle)
	started := time.Now()
	w.publish(startEvent(messageID, handle, w.sessionID, started))

	history, err := w.deps.store.ListMessages(ctx, w.sessionID, w.historyLimit)
	if err != nil {
		if ctx.Err() != nil {
			return "", false
		}
		w.deps.logger.Warn("history snapshot failed, prompting without history",
			"session_id", w.sessionID, "error", err)
		history = nil
	}
	// The trailing user row duplicates the turn trigger on user steps.
	if userMessage != "" && len(history) > 0 {
		last := history[len(history)-1]
		if last.Sender == "user" && last.Content == userMessage {
			history = history[:len(history)-1]
		}
	}

	prompt := w.deps.prompts.Build(ctx, runtime.TurnInput{
		TenantID:    w.tenantID,
		Persona:     p,
		History:     history,
		UserMessage: userMessage,
	})

	var buf strings.Builder
	failed := false

	stream, err := w.deps.adapter.Stream(ctx, w.tenantID, handle, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return "", false
		}
		w.deps.logger.Warn("generation failed to start",
			"session_id", w.sessionID, "persona", handle, "error", err)
		w.recordProviderError(ctx, err)
		failed = true
	} else {
		for chunk := range stream {
			if chunk.FinishReason == "error" {
				failed = true
				w.deps.logger.Warn("generation aborted mid-stream",
					"session_id", w.sessionID, "persona", handle, "detail", chunk.Text)
				break
			}
			if chunk.Text == "" {
				continue
			}
			buf.WriteString(chunk.Text)
			w.publish(chunkEvent(messageID, handle, chunk.Text))
		}
	}

	if ctx.Err() != nil {
		return "", false
	}

	text := buf.String()
	persistedID := ""
	if text != "" {
		msg, err := w.deps.store.AddMessage(ctx, w.sessionID, handle, text)
		if err != nil {
			if ctx.Err() != nil {
				return "", false
			}
			w.deps.logger.Error("persist agent message failed",
				"session_id", w.sessionID, "persona", handle, "error", err)
		} else {
			persistedID = msg.ID
		}
	}

	w.deps.metrics.RecordGeneration(ctx, w.tenantID, handle, time.Since(started).Seconds())
	w.publish(endEvent(messageID, handle, text, time.Now(), persistedID, failed))
	return text, true
}

// publish fans one event out to all subscribers. A subscriber that cannot
// take the event within [PublishTimeout] is closed and removed; the worker
// never waits on slow readers beyond that.
func (w *Worker) publish(evt StreamEvent) {
	w.deps.metrics.RecordStreamEvent(context.Background(), evt.Event)

	w.subMu.Lock()
	defer w.subMu.Unlock()

	var dropped []int
	for id, ch := range w.subs {
		select {
		case ch <- evt:
			continue
		default:
		}
		timer := time.NewTimer(PublishTimeout)
		select {
		case ch <- evt:
			timer.Stop()
		case <-timer.C:
			dropped = append(dropped, id)
		}
	}

	for _, id := range dropped {
		close(w.subs[id])
		delete(w.subs, id)
		w.deps.metrics.RecordDroppedSubscriber(context.Background(), w.sessionID)
		w.deps.metrics.ActiveSubscribers.Add(context.Background(), -1)
		w.deps.logger.Warn("dropped slow subscriber", "session_id", w.sessionID)
	}
}

func (w *Worker) closeSubscribers() {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	w.closed = true
	for id, ch := range w.subs {
		close(ch)
		delete(w.subs, id)
		w.deps.metrics.ActiveSubscribers.Add(context.Background(), -1)
	}
}

// recordProviderError feeds the provider error counters when the failure
// carries a classification.
func (w *Worker) recordProviderError(ctx context.Context, err error) {
	var pe *runtime.ProviderError
	if errors.As(err, &pe) {
		w.deps.metrics.RecordProviderError(ctx, pe.Provider, string(pe.Kind))
	}
}

// agentMessageID builds the stream message identifier for one turn,
// "{safe(sender)}_{8 hex}".
func agentMessageID(sender string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return safeSender(sender) + "_" + suffix
}

// safeSender lowercases sender and maps anything outside [a-z0-9] to "_",
// trimming leading and trailing underscores. Empty results become "agent".
func safeSender(sender string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(sender) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "agent"
	}
	return out
}
