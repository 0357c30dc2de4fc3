// Package dashboard exposes the session lifecycle and bot supervision
// over an authenticated HTTP API. Visual design is out of scope; the
// dashboard frontend consumes these JSON and image endpoints.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/sirupsen/logrus"

	"github.com/walink/walinkd/pkg/lifecycle"
	"github.com/walink/walinkd/pkg/session"
	"github.com/walink/walinkd/pkg/supervisor"
)

// Lifecycle is the session generation surface consumed by the dashboard.
// Satisfied by *lifecycle.Manager.
type Lifecycle interface {
	RequestGeneration(ctx context.Context) (string, error)
	RequestPhoneLink(ctx context.Context, phone string) (string, error)
	CancelGeneration() error
	CurrentStatus() lifecycle.Status
}

// BotSupervisor is the process supervision surface consumed by the
// dashboard. Satisfied by *supervisor.Supervisor.
type BotSupervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() supervisor.Status
}

// Server wires the HTTP API. All routes except login require a valid
// signed session cookie issued against the admin credential.
type Server struct {
	cred       Credential
	secret     []byte
	manager    Lifecycle
	supervisor BotSupervisor
	store      session.Store
	log        *logrus.Entry
	mux        *http.ServeMux
}

// NewServer creates the dashboard server.
func NewServer(cred Credential, secret string, manager Lifecycle, sup BotSupervisor, store session.Store, log *logrus.Entry) *Server {
	s := &Server{
		cred:       cred,
		secret:     []byte(secret),
		manager:    manager,
		supervisor: sup,
		store:      store,
		log:        log,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/logout", s.handleLogout)

	s.mux.HandleFunc("GET /api/status", s.authed(s.handleStatus))
	s.mux.HandleFunc("GET /api/qr", s.authed(s.handleQR))

	s.mux.HandleFunc("POST /api/session/generate", s.authed(s.handleGenerate))
	s.mux.HandleFunc("POST /api/session/link", s.authed(s.handleLink))
	s.mux.HandleFunc("POST /api/session/cancel", s.authed(s.handleCancel))
	s.mux.HandleFunc("POST /api/session/validate", s.authed(s.handleValidate))
	s.mux.HandleFunc("POST /api/session/import", s.authed(s.handleImport))
	s.mux.HandleFunc("DELETE /api/session", s.authed(s.handleClearSession))

	s.mux.HandleFunc("POST /api/bot/start", s.authed(s.handleBotStart))
	s.mux.HandleFunc("POST /api/bot/stop", s.authed(s.handleBotStop))
	s.mux.HandleFunc("POST /api/bot/restart", s.authed(s.handleBotRestart))
}

// authed wraps a handler with cookie authentication.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := verifySession(s.secret, cookie.Value); err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type loginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.cred.Check(req.Phone, req.Password); err != nil {
		s.log.WithField("phone", req.Phone).Warn("Dashboard login rejected")
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	expiry := time.Now().Add(sessionTTL)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signSession(s.secret, req.Phone, expiry),
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleStatus reports the generation state, supervisor state and stored
// artifact metadata in one poll-friendly payload.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type artifactInfo struct {
		Present   bool      `json:"present"`
		Valid     bool      `json:"valid"`
		CreatedAt time.Time `json:"created_at,omitempty"`
	}

	info := artifactInfo{}
	if artifact, err := s.store.Load(); err == nil && artifact != nil {
		info.Present = true
		info.Valid = artifact.Valid
		info.CreatedAt = artifact.CreatedAt
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation": s.manager.CurrentStatus(),
		"bot":        s.supervisor.Status(),
		"session":    info,
	})
}

// handleQR serves the current QR as a PNG: the captured canvas image
// when available, otherwise rendered from the text payload.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	status := s.manager.CurrentStatus()

	var png []byte
	switch {
	case len(status.QRImage) > 0:
		png = status.QRImage
	case status.QRText != "":
		var err error
		png, err = qrcode.Encode(status.QRText, qrcode.Medium, 512)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "qr render failed")
			return
		}
	default:
		s.writeError(w, http.StatusNotFound, "no qr code available")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id, err := s.manager.RequestGeneration(r.Context())
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"attempt_id": id})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		s.writeError(w, http.StatusBadRequest, "phone is required")
		return
	}

	id, err := s.manager.RequestPhoneLink(r.Context(), req.Phone)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"attempt_id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CancelGeneration(); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleValidate marks the stored artifact valid after an external
// probe has confirmed it.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkValid(); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleImport accepts an externally supplied base64 artifact and stores
// it pending validation.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == "" {
		s.writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	artifact, err := session.Import(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.Save(artifact); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store session")
		return
	}

	s.log.Info("Session artifact imported, pending validation")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Stop(r.Context()); err != nil {
		s.log.WithError(err).Warn("Failed to stop bot before clearing session")
	}
	if err := s.store.Clear(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to clear session")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Start(r.Context()); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Stop(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Restart(r.Context()); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// writeActionError maps domain errors to HTTP status codes.
func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyInProgress):
		s.writeError(w, http.StatusConflict, "generation already in progress")
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, "bot already running")
	case errors.Is(err, supervisor.ErrNoValidSession):
		s.writeError(w, http.StatusConflict, "no valid session artifact")
	case errors.Is(err, supervisor.ErrSessionInvalid):
		s.writeError(w, http.StatusConflict, "stored session is invalid")
	case errors.Is(err, supervisor.ErrDegraded):
		s.writeError(w, http.StatusServiceUnavailable, "supervisor degraded, regenerate the session")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": message})
}
