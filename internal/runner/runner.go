// Package runner executes a single agent CLI attempt under bash, streams its
// stdout through a line parser and reports how the attempt ended.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/provider"
)

// Default timeouts. The idle limit is long until the backend says anything
// and short afterwards.
const (
	DefaultNoOutputIdle  = 5 * time.Minute
	DefaultHasOutputIdle = 60 * time.Second
	DefaultExitWait      = 30 * time.Second
	DefaultKillGrace     = 5 * time.Second
)

var (
	// ErrIdleTimeout is recorded when the idle limit stopped the attempt.
	ErrIdleTimeout = errors.New("agent produced no output within the idle limit")
	// ErrExitTimeout is recorded when the process closed stdout but did not exit.
	ErrExitTimeout = errors.New("agent did not exit after closing its output")
)

// State is where an attempt is in its lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateRunningNoOutput
	StateRunningHasOutput
	StateCompleted
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunningNoOutput:
		return "running"
	case StateRunningHasOutput:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// IsTerminal reports whether the attempt has ended.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// FailureReason classifies a failed attempt.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonSpawn
	ReasonNotInstalled
	ReasonAuth
	ReasonExit
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSpawn:
		return "spawn"
	case ReasonNotInstalled:
		return "not_installed"
	case ReasonAuth:
		return "auth"
	case ReasonExit:
		return "exit"
	}
	return "unknown"
}

// Timeouts bounds the phases of an attempt. Zero fields take the defaults.
type Timeouts struct {
	NoOutputIdle  time.Duration
	HasOutputIdle time.Duration
	ExitWait      time.Duration
	KillGrace     time.Duration
}

// DefaultTimeouts returns the production limits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		NoOutputIdle:  DefaultNoOutputIdle,
		HasOutputIdle: DefaultHasOutputIdle,
		ExitWait:      DefaultExitWait,
		KillGrace:     DefaultKillGrace,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.NoOutputIdle <= 0 {
		t.NoOutputIdle = d.NoOutputIdle
	}
	if t.HasOutputIdle <= 0 {
		t.HasOutputIdle = d.HasOutputIdle
	}
	if t.ExitWait <= 0 {
		t.ExitWait = d.ExitWait
	}
	if t.KillGrace <= 0 {
		t.KillGrace = d.KillGrace
	}
	return t
}

// Spec describes one attempt.
type Spec struct {
	Shell string // passed to bash -c
	Dir   string

	Prompt string // exported as RELAY_PROMPT
	System string // exported as RELAY_SYSTEM

	// Credential is exported under APIKeyEnvVar when both are set.
	APIKeyEnvVar string
	Credential   string

	// Parse turns a stdout line into text; "" means nothing to emit.
	// Defaults to provider.PlainText.
	Parse func(line string) string

	Log *logging.Scoped
}

// Outcome is the reconciled result of an attempt.
type Outcome struct {
	State     State
	Reason    FailureReason
	HadOutput bool
	ExitCode  int
	Stderr    string
	Output    string
	Err       error
	Duration  time.Duration
}

// Failed reports whether the attempt ended without usable output.
func (o Outcome) Failed() bool {
	return o.State != StateCompleted
}

// Runner spawns attempts. It holds no per-attempt state and is safe for
// concurrent use.
type Runner struct {
	shell    string
	timeouts Timeouts
}

// New creates a Runner that uses bash and the given limits.
func New(timeouts Timeouts) *Runner {
	return &Runner{shell: "bash", timeouts: timeouts.withDefaults()}
}

// Timeouts returns the limits in effect.
func (r *Runner) Timeouts() Timeouts {
	return r.timeouts
}

// Run executes spec and blocks until the attempt ends. onChunk, if set, is
// called on the calling goroutine for each non-empty parsed chunk, in order.
// Cancelling ctx stops the process group like an idle timeout.
func (r *Runner) Run(ctx context.Context, spec Spec, onChunk func(string)) Outcome {
	log := spec.Log
	if log == nil {
		log = logging.Discard().WithResponse("")
	}
	parse := spec.Parse
	if parse == nil {
		parse = provider.PlainText
	}
	start := time.Now()

	cmd := exec.Command(r.shell, "-c", spec.Shell)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec)
	setupProcessGroup(cmd)
	stderr := newCappedBuffer(StderrLimit)
	cmd.Stderr = stderr
	cmd.WaitDelay = r.timeouts.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(fmt.Errorf("creating stdout pipe: %w", err), start)
	}
	if err := cmd.Start(); err != nil {
		log.Error("failed to start agent process", map[string]any{"error": err.Error(), "dir": spec.Dir})
		return spawnFailure(fmt.Errorf("starting agent process: %w", err), start)
	}
	log.Debug("agent process started", map[string]any{"pid": cmd.Process.Pid, "dir": spec.Dir})

	lines := make(chan string, 64)
	go readLines(stdout, lines)

	state := StateRunningNoOutput
	var output strings.Builder
	var stopCause error

	idle := time.NewTimer(r.timeouts.NoOutputIdle)
	defer idle.Stop()

read:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break read
			}
			if text := parse(line); text != "" {
				if state == StateRunningNoOutput {
					state = StateRunningHasOutput
					log.Debug("first output received", map[string]any{"after_ms": time.Since(start).Milliseconds()})
				}
				output.WriteString(text)
				if onChunk != nil {
					onChunk(text)
				}
			}
			idle.Reset(r.idleLimit(state))
		case <-idle.C:
			stopCause = ErrIdleTimeout
			break read
		case <-ctx.Done():
			stopCause = ctx.Err()
			break read
		}
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var waitErr error
	if stopCause != nil {
		go drain(lines)
		log.Warn("stopping agent process", map[string]any{"reason": stopCause.Error(), "state": state.String()})
		waitErr = r.stop(cmd, exited)
	} else {
		select {
		case waitErr = <-exited:
		case <-time.After(r.timeouts.ExitWait):
			stopCause = ErrExitTimeout
			log.Warn("agent process did not exit after EOF, killing", map[string]any{"wait": r.timeouts.ExitWait.String()})
			waitErr = r.stop(cmd, exited)
		}
	}

	out := Outcome{
		HadOutput: state == StateRunningHasOutput,
		ExitCode:  exitCode(cmd, waitErr),
		Stderr:    stderr.String(),
		Output:    output.String(),
		Duration:  time.Since(start),
	}
	reconcile(&out, stopCause, waitErr)

	log.Info("agent process finished", map[string]any{
		"state":       out.State.String(),
		"reason":      out.Reason.String(),
		"exit_code":   out.ExitCode,
		"had_output":  out.HadOutput,
		"duration_ms": out.Duration.Milliseconds(),
	})
	return out
}

// reconcile decides the outcome. Any output means the attempt completed,
// whatever the exit status.
func reconcile(o *Outcome, stopCause, waitErr error) {
	switch {
	case o.HadOutput:
		o.State = StateCompleted
	case stopCause != nil:
		o.State = StateTimedOut
		o.Err = stopCause
	case waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay):
		o.State = StateCompleted
	default:
		o.State = StateFailed
		o.Reason = classify(o.ExitCode, o.Stderr)
		o.Err = waitErr
	}
}

func classify(exitCode int, stderr string) FailureReason {
	switch {
	case provider.IsCommandNotFound(stderr):
		return ReasonNotInstalled
	case provider.IsAuthError(stderr):
		return ReasonAuth
	case exitCode == 127 && strings.TrimSpace(stderr) == "":
		return ReasonNotInstalled
	default:
		return ReasonExit
	}
}

func (r *Runner) idleLimit(s State) time.Duration {
	if s == StateRunningHasOutput {
		return r.timeouts.HasOutputIdle
	}
	return r.timeouts.NoOutputIdle
}

// stop terminates the process group, escalating to a kill after the grace
// period, and returns the Wait result.
func (r *Runner) stop(cmd *exec.Cmd, exited <-chan error) error {
	terminateProcessGroup(cmd)
	select {
	case err := <-exited:
		return err
	case <-time.After(r.timeouts.KillGrace):
	}
	killProcessGroup(cmd)
	return <-exited
}

func buildEnv(spec Spec) []string {
	env := append(os.Environ(),
		provider.PromptEnvVar+"="+spec.Prompt,
		provider.SystemEnvVar+"="+spec.System,
	)
	if spec.APIKeyEnvVar != "" && spec.Credential != "" {
		env = append(env, spec.APIKeyEnvVar+"="+spec.Credential)
	}
	return env
}

// readLines delivers stdout line by line, including a final unterminated
// line, and closes out at EOF.
func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			out <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			return
		}
	}
}

func drain(lines <-chan string) {
	for range lines {
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func spawnFailure(err error, start time.Time) Outcome {
	return Outcome{
		State:    StateFailed,
		Reason:   ReasonSpawn,
		ExitCode: -1,
		Err:      err,
		Duration: time.Since(start),
	}
}
