// Package server exposes the collector over HTTP: a WebSocket endpoint that
// carries the audio-in / turn-out protocol, plus metrics and health routes.
//
// One client session is served at a time; each connection gets its own
// normalizer, reconciler, finalizer, and dispatcher, all torn down together
// when the socket closes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rokasgie/ai-data-collector/internal/call"
	"github.com/rokasgie/ai-data-collector/internal/dispatch"
	"github.com/rokasgie/ai-data-collector/internal/health"
	"github.com/rokasgie/ai-data-collector/internal/observe"
	"github.com/rokasgie/ai-data-collector/internal/store"
	"github.com/rokasgie/ai-data-collector/internal/turn"
	"github.com/rokasgie/ai-data-collector/pkg/provider/llm"
	"github.com/rokasgie/ai-data-collector/pkg/provider/stt"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Options configures a Server. STT, LLM, Store, and Metrics are required.
type Options struct {
	// ListenAddr is the TCP address to serve on (e.g. ":8080").
	ListenAddr string

	// STT is the transcription provider for client audio.
	STT stt.Provider

	// LLM is the model provider backing the agent.
	LLM llm.Provider

	// Store receives the call snapshot when a connection ends.
	Store store.Store

	// Metrics is the instrument set used across the connection pipeline.
	Metrics *observe.Metrics

	// Turn configures the turn-engine windows.
	Turn turn.Config

	// Dispatch configures the agent dispatcher.
	Dispatch dispatch.Config

	// Patient identifies the patient for the agent persona. The zero value
	// falls back to the built-in test patient.
	Patient call.PatientInfo

	// Stream describes the client audio format. The zero value means
	// 16 kHz mono.
	Stream stt.StreamConfig

	// Probes are the readiness probes registered on /readyz.
	Probes []health.Probe
}

// Server serves the WebSocket protocol and the operational HTTP routes.
type Server struct {
	opts    Options
	handler http.Handler

	mu   sync.Mutex
	busy bool
}

// New validates opts and creates a Server.
func New(opts Options) (*Server, error) {
	if opts.STT == nil {
		return nil, errors.New("server: STT provider is required")
	}
	if opts.LLM == nil {
		return nil, errors.New("server: LLM provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("server: metrics are required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.Stream.SampleRate == 0 {
		opts.Stream.SampleRate = 16000
	}
	if opts.Stream.Channels == 0 {
		opts.Stream.Channels = 1
	}
	if opts.Patient == (call.PatientInfo{}) {
		opts.Patient = call.DefaultPatientInfo()
	}
	opts.Turn.Normalize()
	opts.Dispatch.Normalize()

	s := &Server{opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(opts.Probes...).Register(mux)
	s.handler = mux

	return s, nil
}

// Handler returns the HTTP handler serving /ws, /metrics, /healthz, /readyz.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.opts.ListenAddr,
		Handler:     s.handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen on %s: %w", s.opts.ListenAddr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}

// handleWS upgrades the request and runs the connection pipeline. A second
// concurrent connection is refused with a policy-violation close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	if !s.acquire() {
		ws.Close(websocket.StatusPolicyViolation, "another client session is active")
		return
	}
	defer s.release()

	ctx := r.Context()
	s.opts.Metrics.ActiveConnections.Add(ctx, 1)
	defer s.opts.Metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	c := newConn(s, ws)
	if err := c.run(ctx); err != nil &&
		!errors.Is(err, context.Canceled) && websocket.CloseStatus(err) < 0 {
		slog.Warn("connection ended with error", "conn_id", c.id, "err", err)
	}
	ws.Close(websocket.StatusNormalClosure, "session complete")
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}
