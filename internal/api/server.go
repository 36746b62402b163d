// Package api is the HTTP and websocket shell around the controller. All
// business decisions live in internal/controller; handlers only decode,
// delegate and encode.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudexport/backend/internal/auth"
	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/controller"
	"github.com/cloudexport/backend/internal/errs"
	"github.com/cloudexport/backend/internal/metrics"
	"github.com/cloudexport/backend/internal/queue"
	"github.com/cloudexport/backend/internal/store"
	"github.com/cloudexport/backend/internal/webhook"
)

type Server struct {
	cfg      *config.Config
	store    store.Store
	ctrl     *controller.Controller
	hook     *webhook.Handler
	bus      queue.Bus
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	log      *slog.Logger
}

func NewServer(cfg *config.Config, st store.Store, ctrl *controller.Controller, hook *webhook.Handler, bus queue.Bus, m *metrics.Metrics, registry *prometheus.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, store: st, ctrl: ctrl, hook: hook, bus: bus, metrics: m, registry: registry, log: log}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.cors, s.observability)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/auth", s.handleAuth).Methods(http.MethodPost)

	r.HandleFunc("/estimate", s.requireUser(s.handleEstimate)).Methods(http.MethodPost)
	r.HandleFunc("/upload", s.requireUser(s.handleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/create", s.requireUser(s.handleCreateJob)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/status/{id}", s.requireUser(s.handleJobStatus)).Methods(http.MethodGet)
	r.HandleFunc("/jobs/result/{id}", s.requireUser(s.handleJobResult)).Methods(http.MethodGet)
	r.HandleFunc("/jobs/cancel/{id}", s.requireUser(s.handleCancelJob)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/history", s.requireUser(s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/credits", s.requireUser(s.handleCredits)).Methods(http.MethodGet)

	r.HandleFunc("/admin/credits/adjust", s.requireAdmin(s.handleAdminAdjust)).Methods(http.MethodPost)
	r.HandleFunc("/admin/users/api-keys", s.requireAdmin(s.handleAdminAPIKeys)).Methods(http.MethodPost)

	r.HandleFunc("/webhooks/lemon", s.handleLemonWebhook).Methods(http.MethodPost)

	r.HandleFunc("/ws/jobs/{id}", s.handleJobProgress).Methods(http.MethodGet)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"app":         s.cfg.AppName,
		"environment": s.cfg.Environment,
	})
}

type authResponse struct {
	AccessToken      string `json:"accessToken"`
	TokenType        string `json:"tokenType"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
}

// handleAuth exchanges a valid API key for a short-lived bearer token.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		var body struct {
			APIKey string `json:"apiKey"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			apiKey = body.APIKey
		}
	}
	if apiKey == "" {
		writeError(w, errs.New(errs.Auth, "Missing API key"))
		return
	}

	user, err := auth.AuthenticateAPIKey(r.Context(), s.store, apiKey)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := auth.CreateAccessToken(s.cfg, user.ID)
	if err != nil {
		writeError(w, errs.Wrap(errs.Internal, "issue token", err))
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:      token,
		TokenType:        "bearer",
		ExpiresInMinutes: s.cfg.AccessTokenExpireMinutes,
	})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req controller.EstimateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ctrl.Estimate(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req controller.UploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ctrl.UploadTicket(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req controller.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ctrl.CreateJob(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.ctrl.JobStatus(r.Context(), userFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	resp, err := s.ctrl.JobResult(r.Context(), userFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	resp, err := s.ctrl.CancelJob(r.Context(), userFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	resp, err := s.ctrl.History(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	resp, err := s.ctrl.Credits(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	var req controller.AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ctrl.AdminAdjust(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type apiKeyRequest struct {
	Email           string `json:"email"`
	Rotate          bool   `json:"rotate"`
	CreateIfMissing bool   `json:"createIfMissing"`
}

type apiKeyResponse struct {
	Email      string `json:"email"`
	APIKey     string `json:"apiKey"`
	APIKeyHint string `json:"apiKeyHint"`
	Created    bool   `json:"created"`
}

// handleAdminAPIKeys issues or rotates a user's API key. The plaintext key
// is returned exactly once; only the bcrypt hash and hint are stored.
func (s *Server) handleAdminAPIKeys(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" {
		writeError(w, errs.New(errs.Validation, "email is required"))
		return
	}

	ctx := r.Context()
	apiKey := auth.NewAPIKey()
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		writeError(w, errs.Wrap(errs.Internal, "hash api key", err))
		return
	}
	hint := auth.Hint(apiKey)

	user, err := s.store.UserByEmail(ctx, req.Email)
	switch {
	case err == nil:
		if user.APIKeyHash != "" && !req.Rotate {
			writeError(w, errs.New(errs.Validation, "User already has an API key; set rotate=true to replace it"))
			return
		}
		if err := s.store.UpdateUserKey(ctx, user.ID, hash, hint); err != nil {
			writeError(w, errs.Wrap(errs.Internal, "update api key", err))
			return
		}
		writeJSON(w, http.StatusOK, apiKeyResponse{Email: user.Email, APIKey: apiKey, APIKeyHint: hint})

	case req.CreateIfMissing:
		user = &store.User{Email: req.Email, APIKeyHash: hash, APIKeyHint: hint, IsActive: true}
		if err := s.store.CreateUser(ctx, user); err != nil {
			writeError(w, errs.Wrap(errs.Internal, "create user", err))
			return
		}
		writeJSON(w, http.StatusOK, apiKeyResponse{Email: user.Email, APIKey: apiKey, APIKeyHint: hint, Created: true})

	default:
		writeError(w, errs.Newf(errs.NotFound, "No user with email %s", req.Email))
	}
}

func (s *Server) handleLemonWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "read body", err))
		return
	}
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Lemon-Squeezy-Signature")
	}
	resp, err := s.hook.Process(r.Context(), signature, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.Validation, "Malformed request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), map[string]any{
		"error":   string(errs.KindOf(err)),
		"message": errs.Message(err),
	})
}
