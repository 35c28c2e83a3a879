package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// refinerSystemPrompt constrains the model to the frame schema. The model
// only sees the utterance, never session history.
const refinerSystemPrompt = `You classify a single user utterance for a website voice assistant.
Respond with JSON only, no prose, matching exactly:
{"intent":"buy_tickets|book_service|find_products|get_information|navigation","confidence":0.0,"slots":{"<name>":{"raw":"","normalized":"","confidence":0.0}}}
Slot names are limited to: time, quantity, location, genre, category, price, serviceType.`

// LLMRefiner implements [Refiner] on top of github.com/mozilla-ai/any-llm-go,
// so any of its supported backends (OpenAI, Anthropic, Gemini, Ollama,
// Mistral, Groq) can serve refinement.
type LLMRefiner struct {
	backend anyllmlib.Provider
	model   string
}

var _ Refiner = (*LLMRefiner)(nil)

// NewLLMRefiner builds a refiner for the named provider backend. An empty
// apiKey defers to the backend's environment variable convention.
func NewLLMRefiner(providerName, model, apiKey, baseURL string) (*LLMRefiner, error) {
	if providerName == "" || model == "" {
		return nil, fmt.Errorf("nlu refiner: provider and model must not be empty")
	}

	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}

	var backend anyllmlib.Provider
	var err error
	switch strings.ToLower(providerName) {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	case "mistral":
		backend, err = mistral.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	default:
		return nil, fmt.Errorf("nlu refiner: unsupported provider %q", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("nlu refiner: create %q backend: %w", providerName, err)
	}
	return &LLMRefiner{backend: backend, model: model}, nil
}

// refinement is the JSON shape the model returns.
type refinement struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Slots      map[string]struct {
		Raw        string  `json:"raw"`
		Normalized string  `json:"normalized"`
		Confidence float64 `json:"confidence"`
	} `json:"slots"`
}

// Refine asks the model to reclassify input and merges the answer over the
// rule-based frame. Slots the rules already resolved are kept; model-only
// slots come in with source "inference".
func (r *LLMRefiner) Refine(ctx context.Context, input string, frame *SlotFrame) (*SlotFrame, error) {
	temperature := 0.0
	resp, err := r.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model:       r.model,
		Temperature: &temperature,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: refinerSystemPrompt},
			{Role: anyllmlib.RoleUser, Content: input},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("nlu refiner: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("nlu refiner: empty choices")
	}

	var ref refinement
	content := stripFence(resp.Choices[0].Message.ContentString())
	if err := json.Unmarshal([]byte(content), &ref); err != nil {
		return nil, fmt.Errorf("nlu refiner: parse response: %w", err)
	}
	if !validIntent(ref.Intent) {
		return nil, fmt.Errorf("nlu refiner: unknown intent %q", ref.Intent)
	}

	out := &SlotFrame{
		Intent:      ref.Intent,
		Confidence:  clamp01(ref.Confidence),
		Slots:       make(map[string]SlotValue, len(frame.Slots)+len(ref.Slots)),
		Constraints: frame.Constraints,
	}
	for name, v := range ref.Slots {
		out.Slots[name] = SlotValue{
			Raw:        v.Raw,
			Normalized: v.Normalized,
			Confidence: clamp01(v.Confidence),
			Source:     SourceInference,
		}
	}
	// Rule-extracted values are already normalized; they win over the model.
	for name, v := range frame.Slots {
		out.Slots[name] = v
	}
	return out, nil
}

func validIntent(i Intent) bool {
	switch i {
	case IntentBuyTickets, IntentBookService, IntentFindProducts,
		IntentGetInformation, IntentNavigation:
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stripFence removes a markdown code fence if the model wrapped its JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
