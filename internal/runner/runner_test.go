package runner

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phobos.org.uk/relay/internal/provider"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

// fastTimeouts keeps the two idle tiers far enough apart to tell them apart.
func fastTimeouts() Timeouts {
	return Timeouts{
		NoOutputIdle:  3 * time.Second,
		HasOutputIdle: 300 * time.Millisecond,
		ExitWait:      2 * time.Second,
		KillGrace:     500 * time.Millisecond,
	}
}

type chunks struct {
	mu  sync.Mutex
	got []string
}

func (c *chunks) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, s)
}

func run(t *testing.T, timeouts Timeouts, spec Spec) (Outcome, []string) {
	t.Helper()
	if spec.Dir == "" {
		spec.Dir = t.TempDir()
	}
	var c chunks
	out := New(timeouts).Run(context.Background(), spec, c.add)
	return out, c.got
}

func TestRunStreamsChunksInOrder(t *testing.T) {
	requireBash(t)
	t.Parallel()

	out, got := run(t, fastTimeouts(), Spec{Shell: "echo one; echo; echo two; echo three"})

	assert.Equal(t, StateCompleted, out.State)
	assert.True(t, out.HadOutput)
	assert.Equal(t, []string{"one\n", "two\n", "three\n"}, got)
	assert.Equal(t, "one\ntwo\nthree\n", out.Output)
	assert.Equal(t, 0, out.ExitCode)
}

func TestRunUsesParser(t *testing.T) {
	requireBash(t)
	t.Parallel()

	script := `echo '{"type":"system","subtype":"init"}'
echo '{"type":"content_block_delta","delta":{"text":"Hel"}}'
echo '{"type":"content_block_delta","delta":{"text":"lo"}}'`
	out, got := run(t, fastTimeouts(), Spec{
		Shell: script,
		Parse: func(line string) string { return provider.ExtractText(provider.KindClaude, line) },
	})

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestRunPassesPromptThroughEnvironment(t *testing.T) {
	requireBash(t)
	t.Parallel()

	prompt := `$(touch pwned) "quoted" ; echo injected`
	dir := t.TempDir()
	out, _ := run(t, fastTimeouts(), Spec{
		Shell:  `printf '%s|%s\n' "$RELAY_PROMPT" "$RELAY_SYSTEM"`,
		Dir:    dir,
		Prompt: prompt,
		System: "be terse",
	})

	require.Equal(t, StateCompleted, out.State)
	assert.Equal(t, prompt+"|be terse\n", out.Output)
	assert.NoFileExists(t, filepath.Join(dir, "pwned"))
}

func TestRunInjectsCredentialOnlyWhenSupplied(t *testing.T) {
	requireBash(t)
	t.Parallel()

	spec := Spec{Shell: `echo "key=${RELAY_TEST_KEY-unset}"`, APIKeyEnvVar: "RELAY_TEST_KEY"}

	out, _ := run(t, fastTimeouts(), spec)
	assert.Equal(t, "key=unset\n", out.Output)

	spec.Credential = "sk-test"
	out, _ = run(t, fastTimeouts(), spec)
	assert.Equal(t, "key=sk-test\n", out.Output)
}

func TestRunRunsInWorkDir(t *testing.T) {
	requireBash(t)
	t.Parallel()

	dir := t.TempDir()
	out, _ := run(t, fastTimeouts(), Spec{Shell: "pwd -P", Dir: dir})
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved+"\n", out.Output)
}

func TestRunOutputWinsOverExitCode(t *testing.T) {
	requireBash(t)
	t.Parallel()

	out, _ := run(t, fastTimeouts(), Spec{Shell: "echo partial; echo 'unauthorized' >&2; exit 3"})

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, ReasonNone, out.Reason)
	assert.Equal(t, 3, out.ExitCode)
}

func TestRunClassifiesFailures(t *testing.T) {
	requireBash(t)
	t.Parallel()

	tests := []struct {
		name     string
		shell    string
		reason   FailureReason
		exitCode int
		stderr   string
	}{
		{"not installed", "relay-test-no-such-binary --print", ReasonNotInstalled, 127, "command not found"},
		{"auth", "echo 'Error: 401 Unauthorized - run login' >&2; exit 1", ReasonAuth, 1, "401 Unauthorized"},
		{"expired login", "echo 'Your session token expired' >&2; exit 1", ReasonAuth, 1, "expired"},
		{"generic exit", "echo 'disk full' >&2; exit 4", ReasonExit, 4, "disk full"},
		{"silent 127", "exit 127", ReasonNotInstalled, 127, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, got := run(t, fastTimeouts(), Spec{Shell: tt.shell})

			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, tt.exitCode, out.ExitCode)
			assert.Contains(t, out.Stderr, tt.stderr)
			assert.False(t, out.HadOutput)
			assert.Empty(t, got)
		})
	}
}

func TestRunCleanExitWithoutOutputCompletes(t *testing.T) {
	requireBash(t)
	t.Parallel()

	out, _ := run(t, fastTimeouts(), Spec{Shell: "true"})
	assert.Equal(t, StateCompleted, out.State)
	assert.False(t, out.HadOutput)
}

func TestRunSpawnFailure(t *testing.T) {
	t.Parallel()

	out, _ := run(t, fastTimeouts(), Spec{Shell: "echo hi", Dir: filepath.Join(t.TempDir(), "missing")})
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonSpawn, out.Reason)
	assert.Error(t, out.Err)
}

func TestRunIdleTimeoutWithoutOutput(t *testing.T) {
	requireBash(t)
	t.Parallel()

	timeouts := fastTimeouts()
	timeouts.NoOutputIdle = 300 * time.Millisecond

	start := time.Now()
	out, _ := run(t, timeouts, Spec{Shell: "sleep 30"})

	assert.Equal(t, StateTimedOut, out.State)
	assert.ErrorIs(t, out.Err, ErrIdleTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunIdleTimeoutAfterOutputCompletes(t *testing.T) {
	requireBash(t)
	t.Parallel()

	start := time.Now()
	out, got := run(t, fastTimeouts(), Spec{Shell: "echo hello; sleep 30"})

	assert.Equal(t, StateCompleted, out.State)
	assert.True(t, out.HadOutput)
	assert.Equal(t, []string{"hello\n"}, got)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunUsesLongIdleLimitBeforeFirstOutput(t *testing.T) {
	requireBash(t)
	t.Parallel()

	// Slower than HasOutputIdle but well within NoOutputIdle.
	out, got := run(t, fastTimeouts(), Spec{Shell: "sleep 1; echo late"})

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []string{"late\n"}, got)
}

func TestRunKillsWholeProcessGroup(t *testing.T) {
	requireBash(t)
	t.Parallel()

	dir := t.TempDir()
	start := time.Now()
	out, _ := run(t, fastTimeouts(), Spec{
		Shell: "(sleep 2; touch survived) & echo started; wait",
		Dir:   dir,
	})
	assert.Equal(t, StateCompleted, out.State)
	assert.Less(t, time.Since(start), 2*time.Second)

	time.Sleep(2500 * time.Millisecond)
	assert.NoFileExists(t, filepath.Join(dir, "survived"))
}

func TestRunExitWaitAfterEOF(t *testing.T) {
	requireBash(t)
	t.Parallel()

	timeouts := fastTimeouts()
	timeouts.ExitWait = 300 * time.Millisecond

	start := time.Now()
	out, _ := run(t, timeouts, Spec{Shell: "exec 1>&-; sleep 30"})

	assert.Equal(t, StateTimedOut, out.State)
	assert.ErrorIs(t, out.Err, ErrExitTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunContextCancel(t *testing.T) {
	requireBash(t)
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	out := New(fastTimeouts()).Run(ctx, Spec{Shell: "sleep 30", Dir: t.TempDir()}, nil)
	assert.Equal(t, StateTimedOut, out.State)
	assert.True(t, errors.Is(out.Err, context.Canceled))
}

func TestRunCapsStderr(t *testing.T) {
	requireBash(t)
	t.Parallel()

	out, _ := run(t, fastTimeouts(), Spec{Shell: "head -c 20000 /dev/zero | tr '\\0' x >&2; exit 1"})

	assert.Equal(t, StateFailed, out.State)
	assert.Len(t, out.Stderr, StderrLimit)
	assert.Equal(t, strings.Repeat("x", StderrLimit), out.Stderr)
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()

	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.Truncated())

	n, _ = b.Write([]byte("defgh"))
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.Truncated())
}

func TestTimeoutsDefaults(t *testing.T) {
	t.Parallel()

	got := New(Timeouts{HasOutputIdle: time.Second}).Timeouts()
	assert.Equal(t, DefaultNoOutputIdle, got.NoOutputIdle)
	assert.Equal(t, time.Second, got.HasOutputIdle)
	assert.Equal(t, DefaultExitWait, got.ExitWait)
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "completed", StateCompleted.String())
	assert.True(t, StateTimedOut.IsTerminal())
	assert.False(t, StateRunningHasOutput.IsTerminal())
	assert.Equal(t, "not_installed", ReasonNotInstalled.String())
}
