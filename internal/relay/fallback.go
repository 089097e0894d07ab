package relay

import (
	"fmt"

	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/provider"
	"phobos.org.uk/relay/internal/runner"
)

// apiKeyFor picks the configured fallback key for a backend.
func apiKeyFor(keys config.APIKeys, kind provider.Kind) string {
	switch kind {
	case provider.KindClaude, provider.KindAPI:
		return keys.Anthropic
	case provider.KindCodex:
		return keys.OpenAI
	case provider.KindGemini:
		return keys.Google
	case provider.KindGateway, provider.KindCustom:
		return ""
	}
	return ""
}

// fallbackCredential decides whether a finished attempt earns exactly one
// retry with the configured API key: the attempt must have failed on auth,
// the backend must accept a key through its environment, and a key must be
// configured.
func fallbackCredential(settings config.Config, p provider.Config, out runner.Outcome) (string, bool) {
	if out.State != runner.StateFailed || out.Reason != runner.ReasonAuth {
		return "", false
	}
	if p.Kind.APIKeyEnvVar() == "" {
		return "", false
	}
	key := apiKeyFor(settings.APIKeys, p.Kind)
	return key, key != ""
}

func fallbackMessage(kind provider.Kind) string {
	return fmt.Sprintf("%s login was rejected. Retrying once with the API key from settings (%s).",
		kind.DisplayName(), kind.APIKeyEnvVar())
}
