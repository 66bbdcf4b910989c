// Package engine is the utterance orchestrator: given a finalized transcript
// for a call it produces the assistant's reply, guarded so that overlapping
// transcript events for the same call never race into overlapping replies.
// It also generates the call-start greeting and the end-of-call summary.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/kestrelvoice/kestrel/internal/call"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
	"github.com/kestrelvoice/kestrel/pkg/types"
)

const (
	// historyLimit bounds how many recent messages feed reply generation.
	historyLimit = 10

	replyTemperature = 0.7
	replyMaxTokens   = 150

	greetingTemperature = 0.9
	greetingMaxTokens   = 20

	summaryTemperature = 0.5
	summaryMaxTokens   = 200
)

// FallbackReply is spoken whenever reply generation fails; the caller always
// hears something rather than silence.
const FallbackReply = "I'm sorry, I'm having trouble understanding. Could you please repeat that?"

const (
	fallbackGreeting = "Yo, what's up?"
	fallbackSummary  = "Call completed. Summary unavailable."
	emptySummary     = "No conversation recorded."
)

const greetingPrompt = `You are Sami picking up your phone. Generate a super casual, natural greeting like you're answering a call from a friend. Keep it SHORT - 4-6 words MAX.

Examples:
- "Yo, what's good?"
- "Hey! What's up?"
- "Sami here, what's up?"
- "Hey what's going on?"

Sound like a real person, not formal at all.`

// Engine turns finalized transcripts into replies via the reasoning provider,
// updating the session history as it goes.
//
// The response mode and custom message are mutable at runtime; all methods
// are safe for concurrent use across calls. Within one call, the session
// store's processing flag serializes reply generation.
type Engine struct {
	provider llm.Provider
	sessions *call.Store

	mu            sync.RWMutex
	mode          Mode
	customMessage string
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithMode sets the initial response mode. Defaults to [ModeNormal].
func WithMode(m Mode) Option {
	return func(e *Engine) {
		e.mode = m
	}
}

// WithCustomMessage sets the initial custom message appended to the persona
// prompt and used verbatim as the greeting.
func WithCustomMessage(msg string) Option {
	return func(e *Engine) {
		e.customMessage = strings.TrimSpace(msg)
	}
}

// New creates an Engine backed by the given reasoning provider and session store.
func New(provider llm.Provider, sessions *call.Store, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		sessions: sessions,
		mode:     ModeNormal,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetMode changes the response mode for subsequent replies.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

// Mode returns the current response mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetCustomMessage changes the custom message. An empty string clears it.
func (e *Engine) SetCustomMessage(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customMessage = strings.TrimSpace(msg)
}

// ProcessUtterance turns one finalized transcript into a reply.
//
// It returns ok=false without generating anything if another utterance for
// the same call is already being processed, or if the session is unknown or
// has ended — stray late events are expected and skipped, not errors. On any
// reasoning failure the fixed [FallbackReply] is returned instead, so the
// pipeline always has something to speak. The processing flag is released on
// every path.
func (e *Engine) ProcessUtterance(ctx context.Context, callID, transcript string) (reply string, ok bool) {
	if !e.sessions.TryBeginProcessing(callID) {
		slog.Debug("utterance skipped, reply already in flight", "call_id", callID)
		return "", false
	}
	defer e.sessions.EndProcessing(callID)

	e.sessions.AppendMessage(callID, call.RoleCaller, transcript)
	history := e.sessions.History(callID, historyLimit)

	e.mu.RLock()
	mode, customMessage := e.mode, e.customMessage
	e.mu.RUnlock()

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(mode, customMessage),
		Messages:     historyToMessages(history),
		Temperature:  replyTemperature,
		MaxTokens:    replyMaxTokens,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		if err != nil {
			slog.Error("reply generation failed", "call_id", callID, "error", err)
		}
		reply = FallbackReply
	} else {
		reply = strings.TrimSpace(resp.Content)
	}

	e.sessions.AppendMessage(callID, call.RoleAssistant, reply)
	return reply, true
}

// Greeting produces the opening line for a new call. A configured custom
// message short-circuits generation and is used verbatim; otherwise a short
// greeting is generated, falling back to a fixed line when the provider fails.
// The greeting is appended to the session history as an assistant message.
func (e *Engine) Greeting(ctx context.Context, callID string) string {
	e.mu.RLock()
	customMessage := e.customMessage
	e.mu.RUnlock()

	greeting := customMessage
	if greeting == "" {
		resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: greetingPrompt,
			Messages:     []types.Message{{Role: "user", Content: "Generate a greeting"}},
			Temperature:  greetingTemperature,
			MaxTokens:    greetingMaxTokens,
		})
		if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
			if err != nil {
				slog.Error("greeting generation failed", "call_id", callID, "error", err)
			}
			greeting = fallbackGreeting
		} else {
			greeting = strings.TrimSpace(resp.Content)
		}
	}

	e.sessions.AppendMessage(callID, call.RoleAssistant, greeting)
	return greeting
}

// Summary condenses the call's full conversation into 2-3 bullet points for
// the call log. It never returns an empty string: calls without messages get
// a fixed marker, and provider failures get a fixed fallback.
func (e *Engine) Summary(ctx context.Context, callID string) string {
	s, ok := e.sessions.Get(callID)
	if !ok {
		return emptySummary
	}
	messages := s.Messages()
	if len(messages) == 0 {
		return emptySummary
	}

	var transcript strings.Builder
	for _, m := range messages {
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Text)
		transcript.WriteString("\n")
	}

	prompt := `Summarize this phone call in 2-3 concise bullet points:
- Who called
- Why they called (purpose/request)
- Any important details (dates, times, callback info)

Transcript:
` + transcript.String() + `
Provide ONLY the bullet points, no additional text.`

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		if err != nil {
			slog.Error("summary generation failed", "call_id", callID, "error", err)
		}
		return fallbackSummary
	}
	return strings.TrimSpace(resp.Content)
}

// historyToMessages maps conversation turns onto LLM chat roles.
func historyToMessages(history []call.Message) []types.Message {
	out := make([]types.Message, 0, len(history))
	for _, m := range history {
		role := "assistant"
		if m.Role == call.RoleCaller {
			role = "user"
		}
		out = append(out, types.Message{Role: role, Content: m.Text})
	}
	return out
}
