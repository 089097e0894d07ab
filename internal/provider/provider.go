// Package provider describes the agent backends the relay can drive: how to
// name them, how to invoke them, how to read their output and how to tell
// when they reject their credentials.
package provider

import "strings"

// Kind identifies an agent backend. The set is closed; every switch over Kind
// in this package is exhaustive.
type Kind string

const (
	KindClaude  Kind = "claude"
	KindCodex   Kind = "codex"
	KindGemini  Kind = "gemini"
	KindGateway Kind = "openclaw"
	KindAPI     Kind = "claude-api"
	KindCustom  Kind = "custom"
)

// Kinds lists every backend in display order.
var Kinds = []Kind{KindClaude, KindCodex, KindGemini, KindGateway, KindAPI, KindCustom}

// ParseKind maps a provider name to a Kind, ignoring case and surrounding
// space. Unknown or empty names resolve to KindClaude.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "codex":
		return KindCodex
	case "gemini":
		return KindGemini
	case "openclaw", "gateway":
		return KindGateway
	case "claude-api", "api", "anthropic":
		return KindAPI
	case "custom":
		return KindCustom
	default:
		return KindClaude
	}
}

func (k Kind) String() string { return string(k) }

// DisplayName is the human-readable backend name used in messages.
func (k Kind) DisplayName() string {
	switch k {
	case KindClaude:
		return "Claude Code"
	case KindCodex:
		return "Codex"
	case KindGemini:
		return "Gemini CLI"
	case KindGateway:
		return "OpenClaw gateway"
	case KindAPI:
		return "Anthropic API"
	case KindCustom:
		return "Custom agent"
	}
	return string(k)
}

// IsHTTP reports whether the backend is reached over HTTP instead of a
// local process.
func (k Kind) IsHTTP() bool {
	switch k {
	case KindGateway, KindAPI:
		return true
	case KindClaude, KindCodex, KindGemini, KindCustom:
		return false
	}
	return false
}

// APIKeyEnvVar names the environment variable through which the backend CLI
// accepts an API key, or "" if it has none.
func (k Kind) APIKeyEnvVar() string {
	switch k {
	case KindClaude:
		return "ANTHROPIC_API_KEY"
	case KindCodex:
		return "OPENAI_API_KEY"
	case KindGemini:
		return "GOOGLE_API_KEY"
	case KindGateway, KindAPI, KindCustom:
		return ""
	}
	return ""
}

// SupportsSystemPrompt reports whether the stream command carries the
// system prompt itself. When false the caller folds it into the prompt.
func (k Kind) SupportsSystemPrompt() bool {
	switch k {
	case KindClaude, KindCodex, KindGemini:
		return true
	case KindGateway, KindAPI:
		// sent in the request body
		return true
	case KindCustom:
		return false
	}
	return false
}

// Config is a resolved backend. It is immutable once built.
type Config struct {
	Kind          Kind
	CustomCommand string
}

// Resolve builds a Config from a provider name and the user's custom command
// template. The template is kept only for KindCustom.
func Resolve(name, customCommand string) Config {
	kind := ParseKind(name)
	cfg := Config{Kind: kind}
	if kind == KindCustom {
		cfg.CustomCommand = strings.TrimSpace(customCommand)
	}
	return cfg
}
