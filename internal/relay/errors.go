package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"phobos.org.uk/relay/internal/provider"
	"phobos.org.uk/relay/internal/remote"
	"phobos.org.uk/relay/internal/runner"
)

var (
	// ErrEmptyPrompt is returned when a request has no prompt text.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNoProjectDir is wrapped when no working directory is configured.
	ErrNoProjectDir = errors.New("no project directory configured")
)

const timeRounding = 100 * time.Millisecond

// ErrorKind classifies a failed invocation.
type ErrorKind int

const (
	KindSpawnFailure ErrorKind = iota
	KindNotInstalled
	KindAuthFailure
	KindTimeout
	KindNonZeroExit
	KindStreamProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindSpawnFailure:
		return "spawn_failure"
	case KindNotInstalled:
		return "not_installed"
	case KindAuthFailure:
		return "auth_failure"
	case KindTimeout:
		return "timeout"
	case KindNonZeroExit:
		return "non_zero_exit"
	case KindStreamProtocol:
		return "stream_protocol_error"
	}
	return "unknown"
}

// InvocationError is the terminal failure of an invocation. Message is the
// text shown to the user.
type InvocationError struct {
	Kind     ErrorKind
	Provider provider.Kind
	ExitCode int
	Message  string
	Err      error
}

func (e *InvocationError) Error() string { return e.Message }

func (e *InvocationError) Unwrap() error { return e.Err }

// stderrDetail trims captured stderr for inclusion in a message.
func stderrDetail(stderr string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return "(no error output)"
	}
	return s
}

// outcomeError converts a runner outcome into the invocation's error, or
// nil when the attempt completed.
func outcomeError(kind provider.Kind, out runner.Outcome, usedFallback bool) *InvocationError {
	name := kind.DisplayName()
	base := InvocationError{Provider: kind, ExitCode: out.ExitCode, Err: out.Err}

	switch out.State {
	case runner.StateCompleted:
		return nil

	case runner.StateTimedOut:
		base.Kind = KindTimeout
		switch {
		case errors.Is(out.Err, runner.ErrExitTimeout):
			base.Message = fmt.Sprintf("%s closed its output but did not exit, and was stopped.", name)
		case errors.Is(out.Err, runner.ErrIdleTimeout):
			base.Message = fmt.Sprintf("%s produced no output and was stopped after %s.", name, out.Duration.Round(timeRounding))
		default:
			base.Message = fmt.Sprintf("%s was stopped: %v", name, out.Err)
		}
		return &base
	}

	switch out.Reason {
	case runner.ReasonSpawn:
		base.Kind = KindSpawnFailure
		base.Message = fmt.Sprintf("Failed to start %s: %v", name, out.Err)
	case runner.ReasonNotInstalled:
		base.Kind = KindNotInstalled
		base.Message = kind.InstallHint()
	case runner.ReasonAuth:
		base.Kind = KindAuthFailure
		if usedFallback {
			base.Message = fmt.Sprintf("%s rejected both the local login and the configured API key. %s and check the API key in settings.\n\n%s",
				name, kind.ReauthHint(), stderrDetail(out.Stderr))
		} else {
			base.Message = fmt.Sprintf("%s authentication failed. %s, or add an API key in settings to fall back on.\n\n%s",
				name, kind.ReauthHint(), stderrDetail(out.Stderr))
		}
	default:
		base.Kind = KindNonZeroExit
		base.Message = fmt.Sprintf("%s exited with code %d: %s", name, out.ExitCode, stderrDetail(out.Stderr))
	}
	return &base
}

// remoteError converts an HTTP backend failure into the invocation's error.
func remoteError(kind provider.Kind, err error) *InvocationError {
	ie := &InvocationError{Provider: kind, Message: err.Error(), Err: err}

	var rerr *remote.Error
	if !errors.As(err, &rerr) {
		ie.Kind = KindStreamProtocol
		return ie
	}
	switch rerr.Kind {
	case remote.ErrConfig, remote.ErrConnect:
		ie.Kind = KindSpawnFailure
	case remote.ErrTimeout:
		ie.Kind = KindTimeout
	case remote.ErrStatus:
		if rerr.StatusCode == 401 || rerr.StatusCode == 403 {
			ie.Kind = KindAuthFailure
		} else {
			ie.Kind = KindStreamProtocol
		}
	case remote.ErrProtocol, remote.ErrProvider:
		ie.Kind = KindStreamProtocol
	}
	return ie
}
