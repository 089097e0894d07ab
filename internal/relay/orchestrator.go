package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/history"
	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/provider"
	"phobos.org.uk/relay/internal/remote"
	"phobos.org.uk/relay/internal/runner"
	"phobos.org.uk/relay/internal/tracing"
)

// Invocation modes.
const (
	ModeStream  = "stream"
	ModeOneShot = "oneshot"
)

// Settings supplies the configuration an invocation snapshots at start.
type Settings interface {
	Snapshot() config.Config
}

// Options configures an Orchestrator. Settings is required.
type Options struct {
	Settings Settings
	Remote   *remote.Client
	History  *history.Store // optional
	Logger   *logging.Logger
	Tracer   trace.Tracer
}

// Orchestrator runs invocations. It is safe for concurrent use and keeps
// no state between invocations beyond counters.
type Orchestrator struct {
	settings Settings
	remote   *remote.Client
	history  *history.Store
	log      *logging.Logger
	tracer   trace.Tracer

	active atomic.Int64
	total  atomic.Int64
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		settings: opts.Settings,
		remote:   opts.Remote,
		history:  opts.History,
		log:      opts.Logger,
		tracer:   opts.Tracer,
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	if o.remote == nil {
		o.remote = remote.NewClient(nil, o.log)
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("relay")
	}
	return o
}

// Active returns the number of invocations in flight.
func (o *Orchestrator) Active() int64 { return o.active.Load() }

// Total returns the number of invocations started.
func (o *Orchestrator) Total() int64 { return o.total.Load() }

// Wait blocks until every streaming invocation has delivered its terminal
// event.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Stream starts an invocation and returns its response ID at once. Events
// for that ID are delivered to sink from another goroutine, ending with
// exactly one terminal event. Cancelling ctx stops the backend.
func (o *Orchestrator) Stream(ctx context.Context, req Request, sink api.Sink) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}
	id := NewResponseID()
	o.active.Add(1)
	o.total.Add(1)
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer o.active.Add(-1)
		o.stream(ctx, id, req, sink)
	}()
	return id, nil
}

func (o *Orchestrator) stream(ctx context.Context, id string, req Request, sink api.Sink) {
	em := newEmitter(id, sink)
	inv := o.begin(ctx, id, ModeStream, req)

	defer func() {
		if r := recover(); r != nil {
			inv.log.Error("invocation panicked", map[string]any{"panic": fmt.Sprint(r)})
			em.fail(fmt.Sprintf("internal error: %v", r))
			inv.span.End()
		}
	}()

	res := o.execute(inv, em.chunk, func(message string) {
		em.notice(inv.provider.Kind.String(), message)
	})
	// Record first so the response is in history once its terminal event
	// is seen.
	o.finish(inv, res)
	if res.err != nil {
		em.fail(res.err.Message)
	} else {
		em.done()
	}
}

// Run executes an invocation to completion and returns its full output.
// Failures are returned as *InvocationError.
func (o *Orchestrator) Run(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}
	o.active.Add(1)
	o.total.Add(1)
	defer o.active.Add(-1)

	inv := o.begin(ctx, NewResponseID(), ModeOneShot, req)
	res := o.execute(inv, nil, func(message string) {
		inv.log.Info("auth fallback", map[string]any{"message": message})
	})
	o.finish(inv, res)
	if res.err != nil {
		return "", res.err
	}
	return res.output, nil
}

// invocation is the per-response state shared by the attempts.
type invocation struct {
	id       string
	mode     string
	req      Request
	settings config.Config
	provider provider.Config
	workDir  string
	prompt   string
	system   string
	started  time.Time

	ctx  context.Context
	span trace.Span
	log  *logging.Scoped
}

func (o *Orchestrator) begin(ctx context.Context, id, mode string, req Request) *invocation {
	settings := o.settings.Snapshot()

	name := req.Provider
	if name == "" {
		name = settings.DefaultProvider
	}
	p := provider.Resolve(name, settings.CustomCommand)

	workDir := req.WorkDir
	if workDir == "" {
		workDir = settings.ProjectDir
	}

	inv := &invocation{
		id:       id,
		mode:     mode,
		req:      req,
		settings: settings,
		provider: p,
		workDir:  workDir,
		prompt:   req.FullPrompt(),
		system:   req.SystemPrompt,
		started:  time.Now(),
	}
	// Backends that cannot take a separate system prompt, and one-shot CLI
	// commands, get it folded into the prompt text.
	oneShotCLI := mode == ModeOneShot && !p.Kind.IsHTTP()
	if inv.system != "" && (oneShotCLI || !p.Kind.SupportsSystemPrompt()) {
		inv.prompt = inv.system + "\n\n" + inv.prompt
		inv.system = ""
	}

	inv.ctx, inv.span = o.tracer.Start(ctx, tracing.SpanInvoke, trace.WithAttributes(
		tracing.AttrResponseID.String(id),
		tracing.AttrProvider.String(p.Kind.String()),
		tracing.AttrMode.String(mode),
	))
	inv.log = o.log.WithResponse(id).With(map[string]any{
		"provider": p.Kind.String(),
		"mode":     mode,
	})
	inv.log.Info("invocation started", map[string]any{
		"work_dir":    workDir,
		"has_context": strings.TrimSpace(req.Context) != "",
		"has_system":  req.SystemPrompt != "",
		"attachments": len(req.Attachments),
	})
	return inv
}

// result is what an invocation produced.
type result struct {
	output       string
	err          *InvocationError
	attempts     int
	usedFallback bool
	exitCode     *int
	stderr       string
}

func (o *Orchestrator) execute(inv *invocation, onChunk func(string), onNotice func(string)) result {
	var output strings.Builder
	collect := func(text string) {
		output.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
	}

	var res result
	switch inv.provider.Kind {
	case provider.KindAPI:
		res = o.executeAPI(inv, collect)
	case provider.KindGateway:
		res = o.executeGateway(inv, collect)
	default:
		res = o.executeCLI(inv, collect, onNotice)
	}
	res.output = output.String()
	return res
}

func (o *Orchestrator) executeAPI(inv *invocation, onChunk func(string)) result {
	s := inv.settings
	key := inv.req.CredentialOverride
	if key == "" {
		key = s.APIKeys.Anthropic
	}
	err := o.remote.StreamAPI(inv.ctx, remote.APIRequest{
		APIKey:       key,
		URL:          s.API.URL,
		Model:        s.API.Model,
		Version:      s.API.Version,
		MaxTokens:    s.API.MaxTokens,
		Timeout:      s.API.Timeout,
		Prompt:       inv.prompt,
		SystemPrompt: inv.system,
		Attachments:  inv.req.Attachments,
	}, onChunk)
	res := result{attempts: 1}
	if err != nil {
		res.err = remoteError(inv.provider.Kind, err)
	}
	return res
}

func (o *Orchestrator) executeGateway(inv *invocation, onChunk func(string)) result {
	s := inv.settings
	token := inv.req.CredentialOverride
	if token == "" {
		token = s.Gateway.Token
	}
	err := o.remote.StreamGateway(inv.ctx, remote.GatewayRequest{
		URL:          s.Gateway.URL,
		Token:        token,
		ConfigFile:   s.Gateway.ConfigFile,
		Model:        s.Gateway.Model,
		Timeout:      s.Gateway.Timeout,
		Prompt:       inv.prompt,
		SystemPrompt: inv.system,
	}, onChunk)
	res := result{attempts: 1}
	if err != nil {
		res.err = remoteError(inv.provider.Kind, err)
	}
	return res
}

func (o *Orchestrator) executeCLI(inv *invocation, onChunk func(string), onNotice func(string)) result {
	if inv.workDir == "" {
		return result{err: &InvocationError{
			Kind:     KindSpawnFailure,
			Provider: inv.provider.Kind,
			Message:  "No project directory configured. Set project_dir in settings.",
			Err:      ErrNoProjectDir,
		}}
	}

	out := o.attempt(inv, 1, inv.req.CredentialOverride, onChunk)
	res := result{attempts: 1}

	if key, ok := fallbackCredential(inv.settings, inv.provider, out); ok {
		message := fallbackMessage(inv.provider.Kind)
		inv.log.Warn("login rejected, retrying with configured API key", map[string]any{
			"env_var": inv.provider.Kind.APIKeyEnvVar(),
		})
		onNotice(message)
		out = o.attempt(inv, 2, key, onChunk)
		res.attempts = 2
		res.usedFallback = true
	}

	res.err = outcomeError(inv.provider.Kind, out, res.usedFallback)
	if out.State != runner.StateNotStarted && out.Reason != runner.ReasonSpawn {
		code := out.ExitCode
		res.exitCode = &code
	}
	res.stderr = out.Stderr
	return res
}

// attempt runs the backend CLI once.
func (o *Orchestrator) attempt(inv *invocation, n int, credential string, onChunk func(string)) runner.Outcome {
	ctx, span := o.tracer.Start(inv.ctx, tracing.SpanAttempt, trace.WithAttributes(
		tracing.AttrAttempt.Int(n),
		tracing.AttrFallback.Bool(n > 1),
	))
	defer span.End()

	var cmd provider.Command
	parse := provider.RawText
	if inv.mode == ModeOneShot {
		cmd = inv.provider.BuildOneShotCommand()
	} else {
		cmd = inv.provider.BuildStreamCommand(inv.system != "")
		kind := inv.provider.Kind
		parse = func(line string) string { return provider.ExtractText(kind, line) }
	}

	r := runner.New(timeoutsFrom(inv.settings.Timeouts))
	out := r.Run(ctx, runner.Spec{
		Shell:        cmd.Shell,
		Dir:          inv.workDir,
		Prompt:       inv.prompt,
		System:       inv.system,
		APIKeyEnvVar: cmd.APIKeyEnvVar,
		Credential:   credential,
		Parse:        parse,
		Log:          inv.log.With(map[string]any{"attempt": n}),
	}, onChunk)

	span.SetAttributes(
		tracing.AttrState.String(out.State.String()),
		tracing.AttrReason.String(out.Reason.String()),
		tracing.AttrExitCode.Int(out.ExitCode),
		tracing.AttrHadOutput.Bool(out.HadOutput),
	)
	if out.Failed() {
		span.SetStatus(codes.Error, out.State.String())
	}
	return out
}

func timeoutsFrom(c config.TimeoutConfig) runner.Timeouts {
	return runner.Timeouts{
		NoOutputIdle:  c.NoOutputIdle,
		HasOutputIdle: c.HasOutputIdle,
		ExitWait:      c.ExitWait,
		KillGrace:     c.KillGrace,
	}
}

// finish records the invocation and closes its span.
func (o *Orchestrator) finish(inv *invocation, res result) {
	completed := time.Now()
	state := "completed"
	if res.err != nil {
		state = "failed"
		if res.err.Kind == KindTimeout {
			state = "timed_out"
		}
		inv.span.SetStatus(codes.Error, res.err.Kind.String())
		inv.span.SetAttributes(tracing.AttrReason.String(res.err.Kind.String()))
	}
	inv.span.SetAttributes(
		tracing.AttrState.String(state),
		tracing.AttrAttempt.Int(res.attempts),
		tracing.AttrFallback.Bool(res.usedFallback),
	)
	inv.span.End()

	fields := map[string]any{
		"state":         state,
		"attempts":      res.attempts,
		"used_fallback": res.usedFallback,
		"duration_ms":   completed.Sub(inv.started).Milliseconds(),
		"output_bytes":  len(res.output),
	}
	if res.err != nil {
		fields["error_kind"] = res.err.Kind.String()
		inv.log.Warn("invocation failed", fields)
	} else {
		inv.log.Info("invocation completed", fields)
	}

	if o.history == nil {
		return
	}
	if res.err != nil && strings.TrimSpace(res.stderr) != "" {
		if err := o.history.SaveStderr(inv.id, []byte(res.stderr)); err != nil {
			inv.log.Warn("failed to save stderr", map[string]any{"error": err.Error()})
		}
	}
	entry := &history.Entry{
		ResponseID:   inv.id,
		Provider:     inv.provider.Kind.String(),
		Mode:         inv.mode,
		State:        state,
		Prompt:       inv.req.Prompt,
		WorkDir:      inv.workDir,
		Attempts:     res.attempts,
		UsedFallback: res.usedFallback,
		StartedAt:    inv.started,
		CompletedAt:  completed,
		ExitCode:     res.exitCode,
		Output:       res.output,
	}
	if res.err != nil {
		entry.Error = &history.EntryError{Type: res.err.Kind.String(), Message: res.err.Message}
	}
	if err := o.history.Save(entry); err != nil {
		inv.log.Warn("failed to save history", map[string]any{"error": err.Error()})
	}
}
