// Package gateway is the transport layer: websocket ingress, the HTTP
// injection endpoint, and the health probe, all in front of the space
// router.
//
// Both ingress paths share the same admission pipeline. A websocket sender
// whose envelope violates its capabilities gets a system/error reply; an
// HTTP injector gets a 403 carrying the identical diagnostic. The gateway
// never trusts client-supplied from, id, or ts; the space stamps them.
//
// Key Features:
// - Bearer-token authentication against the space descriptor
// - system/welcome handshake with membership and stream snapshots
// - Hot reload of the space descriptor (tokens, capabilities, legacy
//   protocol list) without dropping connections
// - Graceful drain on shutdown
//
// Called by: cmd/gateway
// Calls: config, space, envelope, stream
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/config"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
	"github.com/rjcorwin/mew-gateway/internal/space"
)

// Options tunes the server. Zero values select the defaults.
type Options struct {
	Addr    string // listen address, default ":8080"
	DataDir string // history root, default "./data"

	QueueBound  int
	FrameBound  int
	EchoToSelf  bool
	GraceWindow time.Duration

	Heartbeat     time.Duration // ping interval, default 30s
	ReadIdle      time.Duration // read deadline, default 60s
	WriteTimeout  time.Duration // per-message write deadline, default 10s
	ShutdownGrace time.Duration // drain window, default 5s

	Strict bool // reject envelopes with unknown top-level fields
	Debug  bool

	Logger *slog.Logger
}

// Server hosts one space behind HTTP and websocket endpoints.
type Server struct {
	opts Options
	cfg  atomic.Pointer[config.SpaceConfig]

	space    *space.Space
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	started     time.Time
	connections atomic.Int64
}

// NewServer creates the server and its space from a validated descriptor.
func NewServer(cfg *config.SpaceConfig, opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.DataDir == "" {
		opts.DataDir = "./data"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.ReadIdle <= 0 {
		opts.ReadIdle = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sp, err := space.New(cfg.Space.ID, filepath.Join(opts.DataDir, cfg.Space.ID), space.Options{
		QueueBound:  opts.QueueBound,
		FrameBound:  opts.FrameBound,
		EchoToSelf:  opts.EchoToSelf,
		GraceWindow: opts.GraceWindow,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:  opts,
		space: sp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Participants authenticate with bearer tokens, not cookies,
			// so cross-origin upgrades carry no ambient authority.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.cfg.Store(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /spaces/{space}", s.handleWebsocket)
	mux.HandleFunc("POST /participants/{id}/messages", s.handleInject)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux

	return s, nil
}

// Handler exposes the route table, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Space exposes the hosted space, mainly for tests and embedders.
func (s *Server) Space() *space.Space {
	return s.space
}

// SetConfig swaps the descriptor. New connections authenticate against the
// new tokens and baselines immediately; existing sessions keep their
// current capability sets.
func (s *Server) SetConfig(cfg *config.SpaceConfig) {
	s.cfg.Store(cfg)
	log.Printf("Gateway: descriptor updated (space %s, %d participants)",
		cfg.Space.ID, len(cfg.Participants))
}

// codec builds the wire codec from the current descriptor snapshot.
func (s *Server) codec() *envelope.Codec {
	return &envelope.Codec{
		Strict:       s.opts.Strict,
		AcceptLegacy: s.cfg.Load().AcceptLegacy,
	}
}

// Run serves until ctx is cancelled, then drains and closes the space. The
// background workers stop before the space closes so they cannot emit into
// a closed history log.
func (s *Server) Run(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.space.Start(bg)

	srv := &http.Server{Addr: s.opts.Addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Gateway: listening on %s (space %s)", s.opts.Addr, s.space.ID)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		s.space.Close()
		return err
	case <-ctx.Done():
	}

	log.Printf("Gateway: shutting down, draining for %v", s.opts.ShutdownGrace)
	shutdownCtx, done := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	cancel()
	return s.space.Close()
}

// handleWebsocket authenticates, joins the space, and runs the session.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	if r.PathValue("space") != cfg.Space.ID {
		http.Error(w, "unknown space", http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	ident, ok := cfg.Resolve(token)
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Gateway: upgrade failed for %s: %v", ident.ParticipantID, err)
		return
	}

	p, err := s.space.Join(ident.ParticipantID, ident.Capabilities)
	if err != nil {
		log.Printf("Gateway: join failed for %s: %v", ident.ParticipantID, err)
		conn.Close()
		return
	}

	s.connections.Add(1)
	defer s.connections.Add(-1)

	sess := &session{
		server: s,
		conn:   conn,
		space:  s.space,
		p:      p,
	}
	sess.run()
}

// injectError is the 403 body for refused injections, mirroring the
// websocket system/error payload.
type injectError struct {
	Error            string   `json:"error"`
	AttemptedKind    string   `json:"attempted_kind,omitempty"`
	YourCapabilities []string `json:"your_capabilities,omitempty"`
}

// handleInject accepts one envelope over HTTP on behalf of a participant.
// The token must resolve to the participant named in the path; admission is
// the same pipeline websocket senders go through.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	participantID := r.PathValue("id")

	token := bearerToken(r)
	ident, ok := cfg.Resolve(token)
	if token == "" || !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if ident.ParticipantID != participantID {
		http.Error(w, "token does not belong to participant", http.StatusForbidden)
		return
	}

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	data := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}

	env, err := s.codec().Decode(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caps, err := capability.NewSet(ident.Capabilities)
	if err != nil {
		http.Error(w, "invalid baseline capabilities", http.StatusInternalServerError)
		return
	}

	if err := s.space.Inject(participantID, caps, env); err != nil {
		writeInjectError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": env.ID})
}

func writeInjectError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch e := err.(type) {
	case *space.AdmissionError:
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(injectError{
			Error:            e.Decision.Reason,
			AttemptedKind:    e.Decision.AttemptedKind,
			YourCapabilities: e.Decision.EffectiveIDs,
		})
	case *space.RejectionError:
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(injectError{Error: e.Reason})
	default:
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(injectError{Error: err.Error()})
	}
}

// handleHealth reports liveness and basic counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"protocol":       envelope.Protocol,
		"space":          s.space.ID,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"participants":   s.space.ParticipantCount(),
		"connections":    s.connections.Load(),
	})
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers on
// websocket dials.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
