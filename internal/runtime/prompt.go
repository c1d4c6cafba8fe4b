package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/colloquyhq/colloquy/internal/observe"
	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/rag"
	"github.com/colloquyhq/colloquy/pkg/provider/llm"
	"github.com/colloquyhq/colloquy/pkg/sessionstore"
)

// groupChatRules is the shared behavioural frame appended to every persona
// system prompt. Personas speak in a multi-party chat, not a request-response
// exchange, and the rules keep them from answering every single message.
const groupChatRules = `You are taking part in a free-flowing group conversation. Keep in mind:

Conversation rules:
1. This is a natural group chat, not a question-and-answer exchange.
2. You may respond to anyone's points even without being @-mentioned, raise
   your own questions or ideas, @ other participants to invite them in
   (format: @name), and agree with or push back on what was said.

When to speak:
- Someone @-mentioned you.
- The topic touches your expertise or interests.
- You have a distinct take on what was just said, or a correction to offer.
- The conversation has gone quiet and you can bring up something new.

When to stay quiet:
- Others have already covered the point.
- The topic is entirely outside your lane.
- You have nothing new to add. Never speak just to speak.

Style:
- Stay in character. Talk naturally, like a real person in a chat.
- Short replies are fine; not every turn needs a paragraph.
- Emotions and attitude are welcome, and relevant background can come up
  naturally.`

// backgroundHeader opens the retrieved-knowledge section of the system
// prompt. The delimiter line closes it so the rules block reads separately.
const backgroundHeader = `Background knowledge:
The following background and past experience of yours is relevant to the
current conversation. Draw on it naturally when you reply:`

// TurnInput is everything prompt assembly needs for one persona turn.
type TurnInput struct {
	TenantID string
	Persona  persona.Persona

	// History is the session history snapshot, oldest first. The persona's
	// effective memory window is applied here, not by the caller.
	History []sessionstore.Message

	// UserMessage is the latest user utterance. Empty for continuation turns,
	// where the trailing message invites but does not compel a response.
	UserMessage string

	// Instructions is an optional extra system-level directive.
	Instructions string
}

// Builder assembles prompts for persona turns. When a retriever is configured
// and the persona has knowledge enabled, the relevant chunks are folded into
// the system prompt; retrieval failures degrade to a prompt without the
// background section and are never fatal.
type Builder struct {
	retriever     *rag.Retriever
	defaultWindow int
	metrics       *observe.Metrics
	logger        *slog.Logger
}

// NewBuilder creates a prompt builder. retriever may be nil to disable
// retrieval. defaultWindow is the service-wide history window applied when a
// persona does not set its own.
func NewBuilder(retriever *rag.Retriever, defaultWindow int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultWindow == 0 {
		defaultWindow = persona.DefaultMemoryWindow
	}
	return &Builder{
		retriever:     retriever,
		defaultWindow: defaultWindow,
		metrics:       observe.DefaultMetrics(),
		logger:        logger,
	}
}

// WithMetrics replaces the metrics sink and returns the builder for chaining.
func (b *Builder) WithMetrics(m *observe.Metrics) *Builder {
	if m != nil {
		b.metrics = m
	}
	return b
}

// Build assembles the prompt for one turn.
func (b *Builder) Build(ctx context.Context, in TurnInput) Prompt {
	ragContext := b.retrieveContext(ctx, in)

	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s. %s\n", in.Persona.Name, in.Persona.Prompt)

	if ragContext != "" {
		sys.WriteString("\n")
		sys.WriteString(backgroundHeader)
		sys.WriteString("\n")
		sys.WriteString(ragContext)
		sys.WriteString("\n---\n")
	}

	sys.WriteString("\n")
	sys.WriteString(groupChatRules)

	if in.Persona.Tone != "" {
		fmt.Fprintf(&sys, "\n\nTone: %s", in.Persona.Tone)
	}
	if len(in.Persona.Catchphrases) > 0 {
		fmt.Fprintf(&sys, "\nCatchphrases: %s", strings.Join(in.Persona.Catchphrases, "; "))
	}
	if in.Instructions != "" {
		fmt.Fprintf(&sys, "\n\nAdditional instructions: %s", in.Instructions)
	}

	window := in.Persona.EffectiveMemoryWindow(b.defaultWindow)
	history := in.History
	if window != persona.UnboundedMemoryWindow && len(history) > window {
		history = history[len(history)-window:]
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("%s: %s", m.Sender, m.Content),
		})
	}

	if in.UserMessage != "" {
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("[user just said]: %s\n\nNow it's your turn to speak.", in.UserMessage),
		})
	} else {
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: "[Based on the conversation above, speak up if you have something to add; otherwise keep it brief or stay silent.]",
		})
	}

	return Prompt{
		System:   sys.String(),
		Messages: messages,
	}
}

// retrieveContext fetches the persona's background chunks for this turn.
// Returns "" when retrieval is disabled, empty, or failing.
func (b *Builder) retrieveContext(ctx context.Context, in TurnInput) string {
	if b.retriever == nil || !in.Persona.HasKnowledge() {
		return ""
	}

	contents := make([]string, len(in.History))
	for i, m := range in.History {
		contents[i] = m.Content
	}
	query := rag.BuildQuery(in.UserMessage, contents)
	if query == "" {
		return ""
	}

	topK := persona.DefaultRAGTopK
	if in.Persona.Background != nil && in.Persona.Background.TopK > 0 {
		topK = in.Persona.Background.TopK
	}

	start := time.Now()
	ragContext, err := b.retriever.BuildContext(ctx, in.TenantID, in.Persona.Handle, query, topK)
	b.metrics.RecordRetrieval(ctx, in.TenantID, in.Persona.Handle, time.Since(start).Seconds())
	if err != nil {
		b.logger.Warn("background retrieval failed, continuing without it",
			"tenant_id", in.TenantID,
			"persona", in.Persona.Handle,
			"error", err)
		return ""
	}
	return ragContext
}
