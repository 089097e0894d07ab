package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/provider"
	"phobos.org.uk/relay/internal/remote"
	"phobos.org.uk/relay/internal/runner"
)

var allKeys = config.APIKeys{Anthropic: "sk-ant", OpenAI: "sk-oai", Google: "g-key"}

func authFailure() runner.Outcome {
	return runner.Outcome{State: runner.StateFailed, Reason: runner.ReasonAuth, ExitCode: 1}
}

func TestFallbackCredentialPerProvider(t *testing.T) {
	tests := []struct {
		kind    provider.Kind
		wantKey string
		wantOK  bool
	}{
		{provider.KindClaude, "sk-ant", true},
		{provider.KindCodex, "sk-oai", true},
		{provider.KindGemini, "g-key", true},
		{provider.KindAPI, "", false},
		{provider.KindGateway, "", false},
		{provider.KindCustom, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			key, ok := fallbackCredential(config.Config{APIKeys: allKeys}, provider.Config{Kind: tt.kind}, authFailure())
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestFallbackCredentialNeedsAuthFailureAndKey(t *testing.T) {
	claude := provider.Config{Kind: provider.KindClaude}

	_, ok := fallbackCredential(config.Config{}, claude, authFailure())
	assert.False(t, ok, "no key configured")

	exit := runner.Outcome{State: runner.StateFailed, Reason: runner.ReasonExit}
	_, ok = fallbackCredential(config.Config{APIKeys: allKeys}, claude, exit)
	assert.False(t, ok, "non-auth failure")

	timedOut := runner.Outcome{State: runner.StateTimedOut, Reason: runner.ReasonAuth}
	_, ok = fallbackCredential(config.Config{APIKeys: allKeys}, claude, timedOut)
	assert.False(t, ok, "timeout")
}

func TestFallbackCredentialProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom(provider.Kinds).Draw(t, "kind")
		state := rapid.SampledFrom([]runner.State{
			runner.StateCompleted, runner.StateTimedOut, runner.StateFailed,
		}).Draw(t, "state")
		reason := rapid.SampledFrom([]runner.FailureReason{
			runner.ReasonNone, runner.ReasonSpawn, runner.ReasonNotInstalled, runner.ReasonAuth, runner.ReasonExit,
		}).Draw(t, "reason")
		keys := config.APIKeys{
			Anthropic: rapid.SampledFrom([]string{"", "a"}).Draw(t, "anthropic"),
			OpenAI:    rapid.SampledFrom([]string{"", "o"}).Draw(t, "openai"),
			Google:    rapid.SampledFrom([]string{"", "g"}).Draw(t, "google"),
		}

		key, ok := fallbackCredential(config.Config{APIKeys: keys}, provider.Config{Kind: kind},
			runner.Outcome{State: state, Reason: reason})

		if ok {
			if state != runner.StateFailed || reason != runner.ReasonAuth {
				t.Fatalf("retry granted for %s/%s", state, reason)
			}
			if kind.APIKeyEnvVar() == "" {
				t.Fatalf("retry granted for %s which takes no key", kind)
			}
			if key == "" {
				t.Fatal("retry granted without a key")
			}
		} else if key != "" {
			t.Fatalf("key %q returned without a retry", key)
		}
	})
}

func TestOutcomeError(t *testing.T) {
	tests := []struct {
		name     string
		kind     provider.Kind
		out      runner.Outcome
		fallback bool
		wantKind ErrorKind
		contains string
	}{
		{
			name:     "spawn",
			kind:     provider.KindClaude,
			out:      runner.Outcome{State: runner.StateFailed, Reason: runner.ReasonSpawn, Err: errors.New("no bash")},
			wantKind: KindSpawnFailure,
			contains: "no bash",
		},
		{
			name:     "not installed",
			kind:     provider.KindGemini,
			out:      runner.Outcome{State: runner.StateFailed, Reason: runner.ReasonNotInstalled, ExitCode: 127},
			wantKind: KindNotInstalled,
			contains: "@google/gemini-cli",
		},
		{
			name:     "auth",
			kind:     provider.KindCodex,
			out:      runner.Outcome{State: runner.StateFailed, Reason: runner.ReasonAuth, Stderr: "401"},
			wantKind: KindAuthFailure,
			contains: "codex auth",
		},
		{
			name:     "auth after fallback",
			kind:     provider.KindCodex,
			out:      runner.Outcome{State: runner.StateFailed, Reason: runner.ReasonAuth, Stderr: "401"},
			fallback: true,
			wantKind: KindAuthFailure,
			contains: "rejected both",
		},
		{
			name:     "exit",
			kind:     provider.KindClaude,
			out:      runner.Outcome{State: runner.StateFailed, Reason: runner.ReasonExit, ExitCode: 2},
			wantKind: KindNonZeroExit,
			contains: "(no error output)",
		},
		{
			name:     "idle timeout",
			kind:     provider.KindClaude,
			out:      runner.Outcome{State: runner.StateTimedOut, Err: runner.ErrIdleTimeout, Duration: 5 * time.Minute},
			wantKind: KindTimeout,
			contains: "5m0s",
		},
		{
			name:     "exit wait",
			kind:     provider.KindClaude,
			out:      runner.Outcome{State: runner.StateTimedOut, Err: runner.ErrExitTimeout},
			wantKind: KindTimeout,
			contains: "did not exit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := outcomeError(tt.kind, tt.out, tt.fallback)
			require.NotNil(t, err)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.kind, err.Provider)
			assert.Contains(t, err.Message, tt.contains)
		})
	}

	assert.Nil(t, outcomeError(provider.KindClaude, runner.Outcome{State: runner.StateCompleted}, false))
}

func TestRemoteError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{&remote.Error{Kind: remote.ErrConfig}, KindSpawnFailure},
		{&remote.Error{Kind: remote.ErrConnect}, KindSpawnFailure},
		{&remote.Error{Kind: remote.ErrTimeout}, KindTimeout},
		{&remote.Error{Kind: remote.ErrStatus, StatusCode: 401}, KindAuthFailure},
		{&remote.Error{Kind: remote.ErrStatus, StatusCode: 429}, KindStreamProtocol},
		{&remote.Error{Kind: remote.ErrProtocol}, KindStreamProtocol},
		{&remote.Error{Kind: remote.ErrProvider}, KindStreamProtocol},
		{errors.New("plain"), KindStreamProtocol},
	}
	for _, tt := range tests {
		got := remoteError(provider.KindAPI, tt.err)
		assert.Equal(t, tt.want, got.Kind, tt.err.Error())
		assert.ErrorIs(t, got, tt.err)
	}
}

func TestEmitterDeliversOneTerminal(t *testing.T) {
	rec := api.NewRecorder()
	em := newEmitter("r1", rec)

	em.chunk("")
	em.chunk("a")
	em.notice("claude", "retrying")
	em.notice("claude", "again")
	assert.True(t, em.done())
	assert.False(t, em.fail("late"))
	assert.False(t, em.done())
	em.chunk("b")

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Chunk)
	assert.True(t, events[1].Done)
	assert.Len(t, rec.Notices(), 1)
}
