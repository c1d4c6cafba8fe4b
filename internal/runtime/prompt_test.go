package runtime

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/rag"
	"github.com/colloquyhq/colloquy/pkg/provider/embeddings/charfreq"
	"github.com/colloquyhq/colloquy/pkg/sessionstore"
	"github.com/colloquyhq/colloquy/pkg/vectorstore"
)

func testPersona() persona.Persona {
	p := persona.Persona{
		Name:         "Alice",
		Prompt:       "You are a marine biologist with a dry sense of humour.",
		Tone:         "wry",
		Proactivity:  0.8,
		Catchphrases: []string{"fascinating", "well actually"},
	}
	p.Normalize()
	return p
}

func historyOf(n int) []sessionstore.Message {
	msgs := make([]sessionstore.Message, n)
	for i := range msgs {
		msgs[i] = sessionstore.Message{
			Sender:  "user",
			Content: fmt.Sprintf("message %d", i),
		}
	}
	return msgs
}

func TestBuild_SystemPromptShape(t *testing.T) {
	t.Parallel()

	b := NewBuilder(nil, 8, nil)
	prompt := b.Build(context.Background(), TurnInput{
		TenantID:    "t1",
		Persona:     testPersona(),
		UserMessage: "hello",
	})

	sys := prompt.System
	if !strings.HasPrefix(sys, "You are Alice. You are a marine biologist") {
		t.Errorf("system prompt does not open with persona identity:\n%s", sys)
	}
	if !strings.Contains(sys, "group conversation") {
		t.Error("system prompt missing group chat rules")
	}
	if !strings.Contains(sys, "Tone: wry") {
		t.Error("system prompt missing tone line")
	}
	if !strings.Contains(sys, "Catchphrases: fascinating; well actually") {
		t.Error("system prompt missing catchphrases")
	}
	if strings.Contains(sys, "Background knowledge:") {
		t.Error("system prompt has a background section without a retriever")
	}
}

func TestBuild_TrailingMessage(t *testing.T) {
	t.Parallel()

	b := NewBuilder(nil, 8, nil)

	t.Run("user turn", func(t *testing.T) {
		prompt := b.Build(context.Background(), TurnInput{
			TenantID:    "t1",
			Persona:     testPersona(),
			UserMessage: "what do squid eat?",
		})
		last := prompt.Messages[len(prompt.Messages)-1]
		if !strings.Contains(last.Content, "[user just said]: what do squid eat?") {
			t.Errorf("trailing message = %q", last.Content)
		}
		if !strings.Contains(last.Content, "your turn to speak") {
			t.Errorf("trailing message missing turn trigger: %q", last.Content)
		}
	})

	t.Run("continuation turn", func(t *testing.T) {
		prompt := b.Build(context.Background(), TurnInput{
			TenantID: "t1",
			Persona:  testPersona(),
		})
		last := prompt.Messages[len(prompt.Messages)-1]
		if !strings.Contains(last.Content, "stay silent") {
			t.Errorf("continuation trailer should invite, not compel: %q", last.Content)
		}
	})
}

func TestBuild_HistoryWindow(t *testing.T) {
	t.Parallel()

	b := NewBuilder(nil, 8, nil)

	t.Run("persona window", func(t *testing.T) {
		p := testPersona()
		p.MemoryWindow = 3
		prompt := b.Build(context.Background(), TurnInput{
			TenantID:    "t1",
			Persona:     p,
			History:     historyOf(10),
			UserMessage: "hi",
		})
		// 3 history lines + trailing user message.
		if len(prompt.Messages) != 4 {
			t.Fatalf("len(messages) = %d, want 4", len(prompt.Messages))
		}
		if !strings.Contains(prompt.Messages[0].Content, "message 7") {
			t.Errorf("window should keep the newest entries, got %q", prompt.Messages[0].Content)
		}
	})

	t.Run("unbounded window", func(t *testing.T) {
		p := testPersona()
		p.MemoryWindow = persona.UnboundedMemoryWindow
		prompt := b.Build(context.Background(), TurnInput{
			TenantID:    "t1",
			Persona:     p,
			History:     historyOf(20),
			UserMessage: "hi",
		})
		if len(prompt.Messages) != 21 {
			t.Fatalf("len(messages) = %d, want 21", len(prompt.Messages))
		}
	})

	t.Run("history line format", func(t *testing.T) {
		prompt := b.Build(context.Background(), TurnInput{
			TenantID: "t1",
			Persona:  testPersona(),
			History: []sessionstore.Message{
				{Sender: "bob", Content: "any news?"},
			},
			UserMessage: "hi",
		})
		if prompt.Messages[0].Content != "bob: any news?" {
			t.Errorf("history line = %q, want %q", prompt.Messages[0].Content, "bob: any news?")
		}
		if prompt.Messages[0].Role != "user" {
			t.Errorf("history role = %q, want user", prompt.Messages[0].Role)
		}
	})
}

func TestBuild_BackgroundSection(t *testing.T) {
	t.Parallel()

	retriever := rag.NewRetriever(vectorstore.NewMemoryStore(), charfreq.New(64), nil)
	ctx := context.Background()
	if _, err := retriever.Ingest(ctx, "t1", "alice", "Alice spent a decade studying bioluminescent squid in the Pacific.", "background"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	p := testPersona()
	p.Background = &persona.Background{RAGEnabled: true, TopK: 2, Source: "background"}

	b := NewBuilder(retriever, 8, nil)
	prompt := b.Build(ctx, TurnInput{
		TenantID:    "t1",
		Persona:     p,
		UserMessage: "tell me about squid",
	})

	if !strings.Contains(prompt.System, "Background knowledge:") {
		t.Fatalf("system prompt missing background section:\n%s", prompt.System)
	}
	if !strings.Contains(prompt.System, "bioluminescent squid") {
		t.Errorf("system prompt missing retrieved chunk:\n%s", prompt.System)
	}
}

func TestBuild_RetrievalFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	// No ingest: the persona's collection does not exist.
	retriever := rag.NewRetriever(vectorstore.NewMemoryStore(), charfreq.New(64), nil)

	p := testPersona()
	p.Background = &persona.Background{RAGEnabled: true, TopK: 2}

	b := NewBuilder(retriever, 8, nil)
	prompt := b.Build(context.Background(), TurnInput{
		TenantID:    "t1",
		Persona:     p,
		UserMessage: "hello",
	})

	if strings.Contains(prompt.System, "Background knowledge:") {
		t.Error("background section should be absent when retrieval fails")
	}
	if len(prompt.Messages) == 0 {
		t.Fatal("prompt should still be assembled")
	}
}
