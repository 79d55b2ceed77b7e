package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"myaccounts/user-api/internal/audit"
	"myaccounts/user-api/internal/auth"
	"myaccounts/user-api/internal/config"
	"myaccounts/user-api/internal/observability"
)

const maxBodyBytes = 1 << 20

type AuthService interface {
	Register(ctx context.Context, in auth.RegisterInput) (auth.Account, error)
	Login(ctx context.Context, username, password string) (auth.Account, string, error)
	Authorize(ctx context.Context, token string) (auth.Account, error)
	UpdateProfile(ctx context.Context, account auth.Account, upd auth.ProfileUpdate) (auth.Account, error)
	Logout(ctx context.Context, account auth.Account) error
}

type AuditLogger interface {
	Record(ctx context.Context, e audit.Event) error
}

// ReadinessCheck reports whether backing storage is reachable.
type ReadinessCheck func(ctx context.Context) error

type Deps struct {
	Auth    AuthService
	Audit   AuditLogger
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Ready   ReadinessCheck
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewHandler(deps),
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// NewHandler returns the routed API wrapped in request-id, access-log and
// metrics middleware.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", h.ready)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	mux.HandleFunc("POST /api/users", h.register)
	mux.HandleFunc("POST /api/users/login", h.login)
	mux.HandleFunc("GET /api/users/current", h.current)
	mux.HandleFunc("PATCH /api/users/current", h.updateCurrent)
	mux.HandleFunc("DELETE /api/users/logout", h.logout)

	return middleware(deps, mux)
}

type handlers struct {
	deps Deps
}

// accountView is the public shape of an account; hash and token never leave
// the service through it.
type accountView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Token    string `json:"token,omitempty"`
}

func viewOf(a auth.Account) accountView {
	return accountView{ID: a.ID, Username: a.Username, Name: a.DisplayName}
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			h.deps.Logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := h.deps.Auth.Register(r.Context(), auth.RegisterInput{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.Name,
	})
	if err != nil {
		h.record(r, audit.Event{Action: audit.ActionRegister, Outcome: audit.OutcomeFailure, Username: req.Username, Detail: failureDetail(err)})
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, audit.Event{Action: audit.ActionRegister, Outcome: audit.OutcomeSuccess, Username: account.Username, AccountID: account.ID})
	writeData(w, http.StatusCreated, viewOf(account))
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	account, token, err := h.deps.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.record(r, audit.Event{Action: audit.ActionLogin, Outcome: audit.OutcomeFailure, Username: req.Username, Detail: failureDetail(err)})
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, audit.Event{Action: audit.ActionLogin, Outcome: audit.OutcomeSuccess, Username: account.Username, AccountID: account.ID})

	view := viewOf(account)
	view.Token = token
	writeData(w, http.StatusOK, view)
}

func (h *handlers) current(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, viewOf(account))
}

func (h *handlers) updateCurrent(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	var req struct {
		Password *string `json:"password"`
		Name     *string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.deps.Auth.UpdateProfile(r.Context(), account, auth.ProfileUpdate{
		Password:    req.Password,
		DisplayName: req.Name,
	})
	if err != nil {
		h.record(r, audit.Event{Action: audit.ActionUpdate, Outcome: audit.OutcomeFailure, Username: account.Username, AccountID: account.ID, Detail: failureDetail(err)})
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, audit.Event{Action: audit.ActionUpdate, Outcome: audit.OutcomeSuccess, Username: account.Username, AccountID: account.ID, Detail: changedFields(req.Password, req.Name)})
	writeData(w, http.StatusOK, viewOf(updated))
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	if err := h.deps.Auth.Logout(r.Context(), account); err != nil {
		h.record(r, audit.Event{Action: audit.ActionLogout, Outcome: audit.OutcomeFailure, Username: account.Username, AccountID: account.ID, Detail: failureDetail(err)})
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, audit.Event{Action: audit.ActionLogout, Outcome: audit.OutcomeSuccess, Username: account.Username, AccountID: account.ID})
	writeData(w, http.StatusOK, true)
}

// requireAccount resolves the Authorization header, taken verbatim with no
// scheme prefix, to an account.
func (h *handlers) requireAccount(w http.ResponseWriter, r *http.Request) (auth.Account, bool) {
	account, err := h.deps.Auth.Authorize(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		h.writeAuthError(w, r, err)
		return auth.Account{}, false
	}
	return account, true
}

func (h *handlers) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := auth.AsValidationError(err); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Fields})
		return
	}
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		writeFieldError(w, http.StatusBadRequest, "username", auth.ErrUsernameTaken.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	default:
		h.deps.Logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *handlers) record(r *http.Request, e audit.Event) {
	h.deps.Metrics.RecordAuth(e.Action, e.Outcome)
	if h.deps.Audit == nil {
		return
	}
	e.RemoteAddr = clientIP(r)
	e.UserAgent = strings.TrimSpace(r.UserAgent())
	if err := h.deps.Audit.Record(r.Context(), e); err != nil {
		h.deps.Logger.WarnContext(r.Context(), "audit write failed", "action", e.Action, "error", err)
	}
}

func failureDetail(err error) string {
	if _, ok := auth.AsValidationError(err); ok {
		return "validation failed"
	}
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		return "username taken"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid credentials"
	default:
		return "internal error"
	}
}

func changedFields(password, name *string) string {
	var fields []string
	if name != nil && *name != "" {
		fields = append(fields, "name")
	}
	if password != nil && *password != "" {
		fields = append(fields, "password")
	}
	return strings.Join(fields, ",")
}

// decodeBody treats an empty body as an empty object.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeFieldError(w, status, "message", message)
}

func writeFieldError(w http.ResponseWriter, status int, field, message string) {
	writeJSON(w, status, map[string]any{"error": map[string][]string{field: {message}}})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func middleware(deps Deps, next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(observability.WithRequestID(r.Context(), reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		// The mux records the matched pattern on r.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		deps.Metrics.ObserveHTTP(route, r.Method, rec.status, elapsed)
		deps.Logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote", clientIP(r),
		)
	})
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
