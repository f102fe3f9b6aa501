package models

import "strings"

// ModelOption describes a selectable model and the provider whose credential it needs.
type ModelOption struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Provider    string `yaml:"provider" json:"provider"`
}

// Provider names, used both as catalog values and as credential map keys.
const (
	ProviderGoogle     = "Google"
	ProviderOpenAI     = "OpenAI"
	ProviderAnthropic  = "Anthropic"
	ProviderOpenRouter = "OpenRouter"
	ProviderOllama     = "Ollama"

	// SearchProvider is the fixed credential key used for search augmentation.
	SearchProvider = "Tavily"
)

// DefaultCatalog is the built-in model list used when the configuration does not provide one.
var DefaultCatalog = []ModelOption{
	{
		ID:          "gemini-3-pro-preview",
		Name:        "Gemini 3 Pro",
		Provider:    ProviderGoogle,
		Description: "Multimodal understanding and agentic coding.",
	},
	{
		ID:          "gemini-3-flash-preview",
		Name:        "Gemini 3 Flash",
		Provider:    ProviderGoogle,
		Description: "Balanced for speed and scalability.",
	},
	{
		ID:          "gemini-2.5-pro",
		Name:        "Gemini 2.5 Pro",
		Provider:    ProviderGoogle,
		Description: "Reasoning for complex code, math and long context.",
	},
	{
		ID:          "gemini-2.5-flash",
		Name:        "Gemini 2.5 Flash",
		Provider:    ProviderGoogle,
		Description: "Fast with good price-performance.",
	},
	{
		ID:          "gemini-2.5-flash-lite",
		Name:        "Gemini 2.5 Flash-Lite",
		Provider:    ProviderGoogle,
		Description: "Low cost version of 2.5 Flash.",
	},
	{
		ID:          "gemini-2.0-flash",
		Name:        "Gemini 2.0 Flash",
		Provider:    ProviderGoogle,
		Description: "1M token context window.",
	},
	{
		ID:          "gpt-5-2025-08-07",
		Name:        "GPT-5",
		Provider:    ProviderOpenAI,
		Description: "Reasoning with configurable effort.",
	},
	{
		ID:          "gpt-5-mini-2025-08-07",
		Name:        "GPT-5 mini",
		Provider:    ProviderOpenAI,
		Description: "Faster and cheaper for well-defined tasks.",
	},
	{
		ID:          "gpt-4.1-2025-04-14",
		Name:        "GPT-4.1",
		Provider:    ProviderOpenAI,
		Description: "Non-reasoning model.",
	},
	{
		ID:          "claude-opus-4-5-20251101",
		Name:        "Claude 4.5 Opus",
		Provider:    ProviderAnthropic,
		Description: "Highest capability.",
	},
	{
		ID:          "claude-sonnet-4-5-20250929",
		Name:        "Claude 4.5 Sonnet",
		Provider:    ProviderAnthropic,
		Description: "Balance of speed and intelligence.",
	},
	{
		ID:          "claude-haiku-4-5-20251001",
		Name:        "Claude 4.5 Haiku",
		Provider:    ProviderAnthropic,
		Description: "Lightweight model.",
	},
}

// FindModel returns the catalog entry with the given id.
func FindModel(catalog []ModelOption, id string) (ModelOption, bool) {
	for _, m := range catalog {
		if m.ID == id {
			return m, true
		}
	}
	return ModelOption{}, false
}

// SupportsThinking reports whether the model family accepts a thinking budget.
func SupportsThinking(modelID string) bool {
	return strings.Contains(modelID, "gemini-3")
}
