// Package relay turns a prompt into a stream of events from one of the
// supported agent backends, with a single API-key retry when a CLI's own
// login is rejected.
package relay

import (
	"strings"

	"github.com/google/uuid"

	"phobos.org.uk/relay/internal/remote"
)

// contextPreamble introduces prior conversation when a request carries it.
const contextPreamble = "Below is the recent conversation history for context. " +
	"Respond ONLY to the final user message. Be conversational and concise, " +
	"and reply directly to the user as a chat participant. " +
	"Do NOT narrate your thought process, planning steps, or internal reasoning. " +
	"Do NOT describe actions you would take (e.g. \"I should...\", \"Let me...\", \"I will...\"). " +
	"Just answer.\n\n"

const contextSeparator = "\n\n---\n\n"

// Request is one prompt to relay.
type Request struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// Context is earlier conversation, sent ahead of the prompt.
	Context string `json:"context,omitempty"`
	// WorkDir overrides the configured project directory.
	WorkDir string `json:"workDir,omitempty"`
	// Provider overrides the configured default backend.
	Provider string `json:"provider,omitempty"`
	// CredentialOverride is exported as the backend's API key on the
	// first attempt.
	CredentialOverride string              `json:"credential,omitempty"`
	Attachments        []remote.Attachment `json:"attachments,omitempty"`
}

// FullPrompt is the prompt text sent to the backend.
func (r Request) FullPrompt() string {
	if strings.TrimSpace(r.Context) == "" {
		return r.Prompt
	}
	return contextPreamble + r.Context + contextSeparator + r.Prompt
}

// NewResponseID returns a fresh response identifier.
func NewResponseID() string {
	return uuid.NewString()
}
