package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nstogner/agentrt/pkg/agent"
	"github.com/nstogner/agentrt/pkg/compaction"
	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/eventstore"
	"github.com/nstogner/agentrt/pkg/eventstore/sqlite"
	"github.com/nstogner/agentrt/pkg/orchestrator"
	"github.com/nstogner/agentrt/pkg/provider"
	"github.com/nstogner/agentrt/pkg/provider/anthropic"
	"github.com/nstogner/agentrt/pkg/provider/gemini"
	"github.com/nstogner/agentrt/pkg/provider/ratelimit"
	"github.com/nstogner/agentrt/pkg/tools"
	"github.com/nstogner/agentrt/pkg/turnrunner"
)

const systemPrompt = `You are a coding agent. Work through the user's request turn by turn, using the available tools when they help, and stop when the task is done.`

func main() {
	// Setup logger.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store.
	wd, _ := os.Getwd()
	dbPath := filepath.Join(wd, "data", "agentrt.db")
	os.MkdirAll(filepath.Dir(dbPath), 0755)

	store, err := sqlite.New(dbPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize the model provider, preferring Anthropic when configured.
	var (
		prov          provider.Provider
		model         string
		contextWindow int64
	)
	switch {
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		prov = anthropic.New(os.Getenv("ANTHROPIC_API_KEY"))
		model = "claude-opus-4-6"
		contextWindow = 200_000
	case os.Getenv("GEMINI_API_KEY") != "":
		g, err := gemini.New(ctx, os.Getenv("GEMINI_API_KEY"))
		if err != nil {
			slog.Error("Failed to initialize Gemini provider", "error", err)
			os.Exit(1)
		}
		prov = g
		model = "gemini-3-pro"
		contextWindow = 1_000_000
	default:
		slog.Error("Set ANTHROPIC_API_KEY or GEMINI_API_KEY")
		os.Exit(1)
	}
	prov = ratelimit.New(120_000, 480_000).Wrap(prov)

	// Register tools.
	registry := tools.NewRegistry()
	tools.RegisterDemoTools(registry, noteSearchAdapter{store: store}, instructionLog{})

	orch := orchestrator.New(store, orchestrator.Options{SystemPrompt: systemPrompt})

	sess, err := orch.Create(ctx, model, wd, "", registry.Definitions())
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		os.Exit(1)
	}
	defer orch.Close(context.Background(), sess.Meta.ID)

	events, cancelSub, err := orch.Subscribe(sess.Meta.ID)
	if err != nil {
		slog.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}
	defer cancelSub()
	go printEvents(events)

	ag := orch.NewAgent(sess, orchestrator.AgentConfig{
		Model:         model,
		ContextWindow: contextWindow,
		Provider:      prov,
		Registry:      registry,
		Compaction:    &compaction.Options{WriteMemoryLedger: true},
		Agent:         agent.Config{MaxTurns: 50, SubagentMaxDepth: 3},
	})

	// Simple REPL: one agent run per input line.
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		result, err := ag.Run(ctx, domain.Message{
			Role:    domain.RoleUser,
			Content: []domain.Content{{Type: domain.ContentText, Text: &domain.TextContent{Text: line}}},
		})
		if err != nil {
			slog.Error("Agent run failed", "error", err)
		} else {
			slog.Info("Agent run finished",
				"stopReason", result.StopReason,
				"turns", result.Turns,
				"inputTokens", result.TokenUsage.InputTokens,
				"outputTokens", result.TokenUsage.OutputTokens,
			)
		}
		if ctx.Err() != nil {
			break
		}
		fmt.Print("> ")
	}
}

// printEvents renders streamed text to stdout as it arrives.
func printEvents(events <-chan turnrunner.AgentEvent) {
	for ev := range events {
		switch ev.Type {
		case turnrunner.AgentEventStream:
			if ev.Stream != nil && ev.Stream.Type == provider.EventTextDelta {
				fmt.Print(ev.Stream.TextDelta)
			}
			if ev.Stream != nil && ev.Stream.Type == provider.EventDone {
				fmt.Println()
			}
		case turnrunner.AgentEventToolCall:
			fmt.Printf("[tool %s]\n", ev.ToolName)
		}
	}
}

// noteSearchAdapter serves the query_notes tool from the event store's
// full-text index.
type noteSearchAdapter struct {
	store *sqlite.Store
}

func (a noteSearchAdapter) Search(ctx context.Context, query string) ([]tools.NoteRef, error) {
	hits, err := a.store.Search(ctx, query, eventstore.SearchOptions{Limit: 10})
	if err != nil {
		return nil, err
	}
	refs := make([]tools.NoteRef, 0, len(hits))
	for _, h := range hits {
		refs = append(refs, tools.NoteRef{ID: h.Event.ID, Title: h.Snippet})
	}
	return refs, nil
}

// instructionLog is a stand-in InstructionSink that records instruction
// updates to the log.
type instructionLog struct{}

func (instructionLog) SetInstructions(ctx context.Context, instructions string) error {
	slog.Info("Agent updated its instructions", "instructions", instructions)
	return nil
}
