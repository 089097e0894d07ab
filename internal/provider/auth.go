package provider

import "strings"

// authPatterns are lower-case fragments that backends print when they
// reject a login or key.
var authPatterns = []string{
	"unauthorized",
	"authentication",
	"401",
	"expired",
	"login required",
	"invalid api key",
	"invalid_api_key",
	"api key",
	"permission denied",
	"access denied",
	"not authenticated",
	"auth token",
	"token expired",
	"credentials",
}

// notFoundPatterns are the shell messages for a missing executable.
var notFoundPatterns = []string{
	"command not found",
	": not found",
	"is not recognized as an internal or external command",
	"is not recognized as the name of a cmdlet",
}

// IsAuthError reports whether stderr text looks like a credential rejection.
func IsAuthError(stderr string) bool {
	return containsAny(stderr, authPatterns)
}

// IsCommandNotFound reports whether stderr text says the executable is missing.
func IsCommandNotFound(stderr string) bool {
	return containsAny(stderr, notFoundPatterns)
}

func containsAny(text string, patterns []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
