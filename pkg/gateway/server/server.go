// Package server exposes the companion over HTTP: a health endpoint and the
// /ws websocket the frontend speaks the session protocol on.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zyumo777/N.E.K.O/pkg/gateway/config"
	"github.com/zyumo777/N.E.K.O/pkg/gateway/lifecycle"
	"github.com/zyumo777/N.E.K.O/pkg/gateway/live/session"
	"github.com/zyumo777/N.E.K.O/pkg/gateway/mw"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	core   session.Core
	life   *lifecycle.Lifecycle
	mux    *http.ServeMux

	upgrader websocket.Upgrader

	// mu guards the current-connection bookkeeping. A newer /ws connection
	// supersedes the older one; teardown only runs when the finishing
	// connection is still the expected one, so a stale socket never tears
	// down its replacement.
	mu            sync.Mutex
	currentGen    uint64
	cancelCurrent context.CancelFunc
}

func New(cfg config.Config, core session.Core, life *lifecycle.Lifecycle, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if life == nil {
		life = lifecycle.New()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		core:   core,
		life:   life,
		mux:    http.NewServeMux(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/task_result", s.handleTaskResult)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if s.life.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "draining"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleTaskResult accepts a finished agent-task summary and queues it for
// spoken delivery at the next session swap.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	s.core.QueueExtraReply(r.Context(), req.Text)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.life.SessionStarted() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	defer s.life.SessionEnded()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	gen := s.adopt(cancel)
	defer cancel()

	sess := session.New(conn, s.core, session.Config{
		PingInterval:         s.cfg.WSPingInterval,
		WriteTimeout:         s.cfg.WSWriteTimeout,
		ReadTimeout:          s.cfg.WSReadTimeout,
		ReadLimit:            s.cfg.WSReadLimit,
		AudioFramesPerSecond: s.cfg.AudioMaxFPS,
		AudioBytesPerSecond:  s.cfg.AudioMaxBytesPerSec,
		AudioBurstSeconds:    s.cfg.AudioInboundBurstSecs,
		Logger:               s.logger,
	})

	err = sess.Run(ctx)
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, context.Canceled) {
		s.logger.Debug("websocket session ended", "error", err)
	}

	// End the vendor session only when this connection was not superseded,
	// so a reconnecting frontend keeps its fresh session alive.
	if s.release(gen) {
		endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.core.EndSession(endCtx, false)
		endCancel()
	}
}

// adopt makes this connection the current one, canceling its predecessor.
func (s *Server) adopt(cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCurrent != nil {
		s.cancelCurrent()
	}
	s.currentGen++
	s.cancelCurrent = cancel
	return s.currentGen
}

// release reports whether gen is still the current connection and clears the
// slot if so.
func (s *Server) release(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.currentGen {
		return false
	}
	s.cancelCurrent = nil
	return true
}

func (s *Server) closeCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCurrent != nil {
		s.cancelCurrent()
		s.cancelCurrent = nil
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.CORSAllowedOrigins) == 0 {
		// No allowlist configured: local single-user deployment, accept.
		return true
	}
	_, ok := s.cfg.CORSAllowedOrigins[origin]
	return ok
}

// ListenAndServe runs the HTTP server until ctx is canceled, then drains
// active sessions within the configured grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("draining", "active_sessions", s.life.ActiveSessions())
	if !s.life.DrainAndWait(s.cfg.ShutdownGracePeriod) {
		s.logger.Warn("drain timed out, closing remaining sessions")
		s.closeCurrent()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
