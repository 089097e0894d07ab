package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/history"
	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/relay"
	"phobos.org.uk/relay/internal/remote"
	"phobos.org.uk/relay/internal/server"
	"phobos.org.uk/relay/internal/tlsutil"
	"phobos.org.uk/relay/internal/tracing"
)

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	provider   string
	dir        string
	system     string
	context    string
}

func newRootCmd(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ag-relay",
		Short:         "Relay prompts to agent CLIs and APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to config file (default $RELAY_ROOT/config.yaml)")
	pf.StringVar(&opts.provider, "provider", "", "Backend: claude, codex, gemini, openclaw, claude-api, custom")
	pf.StringVar(&opts.dir, "dir", "", "Working directory for the agent CLI")
	pf.StringVar(&opts.system, "system", "", "System prompt")
	pf.StringVar(&opts.context, "context", "", "Earlier conversation to send ahead of the prompt")

	root.AddCommand(
		newRunCmd(opts),
		newStreamCmd(opts),
		newServeCmd(opts, version),
		newVersionCmd(version),
	)
	return root
}

// runtime is the wired relay for one command.
type runtime struct {
	settings *config.Store
	log      *logging.Logger
	history  *history.Store
	tracing  *tracing.Provider
	relay    *relay.Orchestrator
}

func (o *options) open(stderr io.Writer) (*runtime, error) {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	settings, err := config.OpenStore(path)
	if err != nil {
		return nil, err
	}
	cfg := settings.Snapshot()

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{Output: stderr, Level: level, Component: "relay"})

	var hist *history.Store
	if cfg.HistoryDir != "" {
		hist, err = history.NewStore(cfg.HistoryDir)
		if err != nil {
			log.Warn("failed to initialize history store", map[string]any{"error": err.Error()})
			hist = nil
		}
	}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		log.Warn("tracing disabled", map[string]any{"error": err.Error()})
		tp = tracing.Noop()
	}

	return &runtime{
		settings: settings,
		log:      log,
		history:  hist,
		tracing:  tp,
		relay: relay.New(relay.Options{
			Settings: settings,
			Remote:   remote.NewClient(tlsutil.NewHTTPClient(cfg.TLS.InsecureHosts), log),
			History:  hist,
			Logger:   log,
			Tracer:   tp.Tracer(),
		}),
	}, nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracing.Shutdown(ctx); err != nil {
		r.log.Warn("tracing shutdown failed", map[string]any{"error": err.Error()})
	}
}

// request builds a relay request from the flags and the prompt, which comes
// from the arguments or, when there are none, from stdin.
func (o *options) request(args []string, stdin io.Reader) (relay.Request, error) {
	prompt := strings.Join(args, " ")
	if prompt == "" || prompt == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return relay.Request{}, fmt.Errorf("reading prompt from stdin: %w", err)
		}
		prompt = strings.TrimRight(string(data), "\n")
	}
	return relay.Request{
		Prompt:       prompt,
		SystemPrompt: o.system,
		Context:      o.context,
		WorkDir:      o.dir,
		Provider:     o.provider,
	}, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run a prompt once and print the whole answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			rt, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			out, err := rt.relay.Run(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newStreamCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stream [prompt...]",
		Short: "Stream the answer as it arrives",
		Long: `Stream the answer as it arrives. On a terminal the text is printed as it
comes; otherwise every event is written as one JSON line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			rt, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			out := cmd.OutOrStdout()
			p := newPrinter(out, cmd.ErrOrStderr(), asJSON || !isTerminal(out))
			if _, err := rt.relay.Stream(ctx, req, p); err != nil {
				return err
			}
			<-p.done
			rt.relay.Wait()
			return p.err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Write JSON lines even on a terminal")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printer is a Sink that writes one response to the console.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	enc    *json.Encoder // nil for plain text
	done   chan struct{}
	err    error
}

// noticeLine is the JSON-lines form of an auth fallback notice.
type noticeLine struct {
	Event string `json:"event"`
	api.AuthFallbackNotice
}

func newPrinter(out, errOut io.Writer, asJSON bool) *printer {
	p := &printer{out: out, errOut: errOut, done: make(chan struct{})}
	if asJSON {
		p.enc = json.NewEncoder(out)
	}
	return p
}

func (p *printer) Emit(ev api.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enc != nil {
		p.enc.Encode(ev)
	} else if ev.Chunk != "" {
		fmt.Fprint(p.out, ev.Chunk)
	}

	if !ev.IsTerminal() {
		return
	}
	if ev.Error != nil {
		p.err = fmt.Errorf("%s", *ev.Error)
	}
	close(p.done)
}

func (p *printer) Notice(n api.AuthFallbackNotice) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enc != nil {
		p.enc.Encode(noticeLine{Event: api.EventAuthFallback, AuthFallbackNotice: n})
		return
	}
	fmt.Fprintf(p.errOut, "%s\n", n.Message)
}

func newServeCmd(opts *options, version string) *cobra.Command {
	var port int
	var bind string
	var useTLS bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close()

			cfg := rt.settings.Snapshot()
			if port > 0 {
				cfg.Port = port
			}
			if bind != "" {
				cfg.Bind = bind
			}
			if useTLS {
				cfg.TLS.Enabled = true
			}
			if opts.dir != "" {
				cfg.ProjectDir = opts.dir
			}
			if opts.provider != "" {
				cfg.DefaultProvider = opts.provider
			}
			rt.settings.Replace(&cfg)
			if !tlsutil.IsLoopback(cfg.Bind) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: bind=%q exposes unauthenticated endpoints. Prefer 127.0.0.1.\n", cfg.Bind)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if _, err := os.Stat(rt.settings.Path()); err == nil {
				go func() {
					if err := rt.settings.Watch(ctx, rt.log); err != nil {
						rt.log.Warn("settings watch stopped", map[string]any{"error": err.Error()})
					}
				}()
			}

			srv := server.New(server.Options{
				Settings: rt.settings,
				Relay:    rt.relay,
				History:  rt.history,
				Logger:   rt.log,
				Version:  version,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Shutting down...")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (overrides config)")
	cmd.Flags().StringVar(&bind, "bind", "", "Address to bind to (overrides config)")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "Serve HTTPS with a self-signed certificate")
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
