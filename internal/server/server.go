// Package server exposes the relay over HTTP: prompts stream back as
// Server-Sent Events, and history and logs are queryable.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/history"
	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/provider"
	"phobos.org.uk/relay/internal/relay"
	"phobos.org.uk/relay/internal/tlsutil"
)

const (
	maxRequestBytes = 8 << 20
	sinkBuffer      = 64
)

// Options configures a Server.
type Options struct {
	Settings *config.Store
	Relay    *relay.Orchestrator
	History  *history.Store // optional
	Logger   *logging.Logger
	Version  string
}

// Server is the relay HTTP server.
type Server struct {
	settings  *config.Store
	relay     *relay.Orchestrator
	history   *history.Store
	log       *logging.Logger
	version   string
	startTime time.Time

	mu     sync.Mutex
	server *http.Server
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Type          string       `json:"type"`
	Version       string       `json:"version"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Active        int64        `json:"active"`
	Total         int64        `json:"total"`
	Config        StatusConfig `json:"config"`
}

// StatusConfig is the part of the settings shown in /status. Keys are
// reported as present or not, never echoed.
type StatusConfig struct {
	Provider      string          `json:"provider"`
	ProjectDir    string          `json:"project_dir"`
	Port          int             `json:"port"`
	ConfiguredKey map[string]bool `json:"api_keys"`
}

// RunResponse is the /run body.
type RunResponse struct {
	Output string `json:"output"`
}

// New creates a Server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		settings:  opts.Settings,
		relay:     opts.Relay,
		history:   opts.History,
		log:       log,
		version:   opts.Version,
		startTime: time.Now(),
	}
}

// Router returns the HTTP router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/status", s.handleStatus)
	r.Post("/stream", s.handleStream)
	r.Post("/run", s.handleRun)

	r.Get("/history", s.handleListHistory)
	r.Get("/history/{id}", s.handleGetHistory)
	r.Get("/history/{id}/stderr", s.handleGetStderr)

	r.Get("/logs", s.handleLogs)
	r.Get("/logs/stats", s.handleLogStats)

	return r
}

// Start listens on the configured address and serves until shut down.
func (s *Server) Start() error {
	cfg := s.settings.Snapshot()
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.log.Info("relay starting", map[string]any{
		"addr":     cfg.Addr(),
		"version":  s.version,
		"provider": provider.ParseKind(cfg.DefaultProvider).String(),
		"tls":      cfg.TLS.Enabled,
	})

	var err error
	if cfg.TLS.Enabled {
		if err := tlsutil.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
			return fmt.Errorf("preparing TLS certificate: %w", err)
		}
		srv.TLSConfig = tlsutil.ServerConfig()
		err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, cancels in-flight streams through their
// request contexts and waits for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() {
		s.relay.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.Snapshot()
	api.WriteJSON(w, http.StatusOK, StatusResponse{
		Type:          "relay",
		Version:       s.version,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Active:        s.relay.Active(),
		Total:         s.relay.Total(),
		Config: StatusConfig{
			Provider:   provider.ParseKind(cfg.DefaultProvider).String(),
			ProjectDir: cfg.ProjectDir,
			Port:       cfg.Port,
			ConfiguredKey: map[string]bool{
				"anthropic": cfg.APIKeys.Anthropic != "",
				"openai":    cfg.APIKeys.OpenAI != "",
				"google":    cfg.APIKeys.Google != "",
			},
		},
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (relay.Request, bool) {
	var req relay.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON: "+err.Error())
		return req, false
	}
	return req, true
}

// handleStream starts an invocation and relays its events as SSE until the
// terminal event. Auth fallback notices go out as named events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	sink := api.NewChanSink(sinkBuffer)
	id, err := s.relay.Stream(r.Context(), req, sink)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	w.Header().Set("X-Response-Id", id)
	sse, ok := api.NewSSEWriter(w)
	if !ok {
		// The invocation still runs to its end; nobody is listening.
		go drain(sink)
		api.WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer cannot stream")
		return
	}
	log := s.log.WithResponse(id)

	for {
		select {
		case msg := <-sink.C:
			if msg.Notice != nil {
				if err := sse.Send(api.EventAuthFallback, msg.Notice); err != nil {
					log.Debug("client write failed", map[string]any{"error": err.Error()})
				}
				continue
			}
			if err := sse.Send("", msg.Event); err != nil {
				log.Debug("client write failed", map[string]any{"error": err.Error()})
			}
			if msg.Event.IsTerminal() {
				sse.SendDone()
				return
			}
		case <-r.Context().Done():
			log.Info("client disconnected")
			go drain(sink)
			return
		}
	}
}

// drain consumes a sink until its terminal event so the invocation never
// blocks on a departed client.
func drain(sink *api.ChanSink) {
	for msg := range sink.C {
		if msg.Event != nil && msg.Event.IsTerminal() {
			return
		}
	}
}

// handleRun executes a one-shot invocation and returns the whole output.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	out, err := s.relay.Run(r.Context(), req)
	if err != nil {
		var ie *relay.InvocationError
		switch {
		case errors.Is(err, relay.ErrEmptyPrompt):
			api.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.As(err, &ie):
			api.WriteError(w, statusFor(ie.Kind), ie.Kind.String(), ie.Message)
		default:
			api.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	api.WriteJSON(w, http.StatusOK, RunResponse{Output: out})
}

func statusFor(kind relay.ErrorKind) int {
	switch kind {
	case relay.KindNotInstalled, relay.KindSpawnFailure:
		return http.StatusServiceUnavailable
	case relay.KindAuthFailure:
		return http.StatusUnauthorized
	case relay.KindTimeout:
		return http.StatusGatewayTimeout
	case relay.KindNonZeroExit, relay.KindStreamProtocol:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handleListHistory returns paginated invocation history.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "history_unavailable", "History storage not configured")
		return
	}

	page, err := api.ParseIntParam(r.URL.Query().Get("page"), 1, 10000, 1)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "page "+err.Error())
		return
	}
	limit, err := api.ParseIntParam(r.URL.Query().Get("limit"), 1, 100, 20)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "limit "+err.Error())
		return
	}

	result := s.history.List(history.ListOptions{
		Page:     page,
		Limit:    limit,
		Provider: r.URL.Query().Get("provider"),
		State:    r.URL.Query().Get("state"),
	})
	api.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "history_unavailable", "History storage not configured")
		return
	}

	entry, err := s.history.Get(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, entry)
}

// handleGetStderr returns the stderr captured for a failed invocation.
func (s *Server) handleGetStderr(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "history_unavailable", "History storage not configured")
		return
	}

	stderr, err := s.history.GetStderr(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(stderr)
}

// handleLogs returns log entries with optional filtering.
// Query params:
//   - level: minimum log level (debug, info, warn, error)
//   - response_id: filter by response ID
//   - since, until: RFC3339 bounds
//   - limit: max entries to return (default 100)
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := logging.Query{Limit: 100}
	params := r.URL.Query()

	if v := params.Get("level"); v != "" {
		level, err := logging.ParseLevel(v)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		q.Level = level
	}
	q.ResponseID = params.Get("response_id")
	if v := params.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Since = t
		}
	}
	if v := params.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Until = t
		}
	}
	limit, err := api.ParseIntParam(params.Get("limit"), 1, 10000, 100)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "limit "+err.Error())
		return
	}
	q.Limit = limit

	api.WriteJSON(w, http.StatusOK, s.log.Query(q))
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.log.Stats())
}
