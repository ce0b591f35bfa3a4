// Package ws is the HTTP surface of the note server: account registration and login, the
// websocket that carries directory and session traffic, and the operational endpoints.
package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/metrics"
	"github.com/and161185/gophnotes/internal/service"
	"github.com/and161185/gophnotes/internal/transport"
)

// Directory admits authenticated connections. AddConnection runs on the event loop.
type Directory interface {
	AddConnection(conn transport.Connection)
}

// Server serves the HTTP endpoints.
type Server struct {
	log      *zap.Logger
	m        *transport.Manager
	dir      Directory
	auth     service.AuthService
	ready    func(ctx context.Context) bool
	settings transport.Settings
	upgrader websocket.Upgrader
}

// New wires the handlers. ready backs /healthz.
func New(log *zap.Logger, m *transport.Manager, dir Directory, auth service.AuthService, ready func(ctx context.Context) bool) *Server {
	return &Server{
		log:      log.Named("http"),
		m:        m,
		dir:      dir,
		auth:     auth,
		ready:    ready,
		settings: transport.DefaultSettings(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.logging(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponse struct {
	ID string `json:"id"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errs.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, errs.ErrAlreadyExists):
		status = http.StatusConflict
	}
	msg := http.StatusText(status)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	} else if status == http.StatusBadRequest {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func readCredentials(w http.ResponseWriter, r *http.Request) (credentials, error) {
	var c credentials
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return c, errors.Join(errs.ErrValidation, err)
	}
	return c, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	c, err := readCredentials(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.auth.Register(r.Context(), c.Username, c.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{ID: id.String()})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	c, err := readCredentials(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	tok, _, err := s.auth.LoginWithIP(r.Context(), c.Username, c.Password, remoteIP(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt})
}

// bearerToken reads the Authorization header, or the access_token query parameter for
// clients that cannot set headers on a websocket handshake.
func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); len(h) > len("bearer ") &&
		strings.EqualFold(h[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(h[len("bearer "):])
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		s.fail(w, errs.ErrUnauthorized)
		return
	}
	account, err := s.auth.Authenticate(tok)
	if err != nil {
		s.fail(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered
		s.log.Debug("websocket upgrade", zap.Error(err))
		return
	}
	conn := transport.Accept(s.m, ws, s.settings, s.dir.AddConnection)
	s.log.Info("connection accepted",
		zap.Stringer("conn", conn.ID()),
		zap.Stringer("account", account),
		zap.String("remote", conn.RemoteAddr()),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if !s.ready(ctx) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
