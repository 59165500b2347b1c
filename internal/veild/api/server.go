// Package api exposes the key management HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/merdocx/veil-xray/internal/veild/keys"
	applogger "github.com/merdocx/veil-xray/pkg/logger"
)

// KeyService is what the API needs from the key layer.
type KeyService interface {
	Create(ctx context.Context, name string) (keys.Key, error)
	Revoke(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (keys.Key, error)
	List(ctx context.Context) ([]keys.Key, error)
	Traffic(ctx context.Context, id int64) (keys.Traffic, error)
	Link(ctx context.Context, id int64) (string, error)
}

// HealthChecker reports whether the proxy backend is reachable.
type HealthChecker interface {
	Healthy() bool
}

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Address     string
	SecretKey   string
	CORSOrigins []string
	Version     string
}

// Server is the HTTP API server with lifecycle management.
type Server struct {
	server *http.Server
	keys   KeyService
	health HealthChecker
	config ServerConfig
	logger *applogger.Logger
}

// NewServer creates the API server.
func NewServer(config ServerConfig, keySvc KeyService, health HealthChecker, logger *applogger.Logger) *Server {
	return &Server{
		keys:   keySvc,
		health: health,
		config: config,
		logger: logger.WithComponent("api"),
		server: &http.Server{
			Addr:         config.Address,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins serving requests. Returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.server.Handler = s.registerRoutes(mux)

	s.logger.InfoContext(ctx, "starting API server", "address", s.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("api server failed to start: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) http.Handler {
	mux.HandleFunc("GET /health", s.healthHandler())

	authed := Chain(BearerAuth(s.config.SecretKey))

	keysMux := http.NewServeMux()
	keysMux.HandleFunc("POST /api/keys", s.createKeyHandler())
	keysMux.HandleFunc("GET /api/keys", s.listKeysHandler())
	keysMux.HandleFunc("GET /api/keys/{id}", s.getKeyHandler())
	keysMux.HandleFunc("DELETE /api/keys/{id}", s.deleteKeyHandler())
	keysMux.HandleFunc("GET /api/keys/{id}/traffic", s.trafficHandler())
	keysMux.HandleFunc("GET /api/keys/{id}/link", s.linkHandler())
	mux.Handle("/api/", authed(keysMux))

	return Chain(
		RequestID(s.logger),
		Recovery(),
		Logging(),
		CORS(s.config.CORSOrigins),
	)(mux)
}

type healthResponse struct {
	Status  string `json:"status"`
	Xray    bool   `json:"xray"`
	Version string `json:"version"`
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "healthy",
			Xray:    s.health.Healthy(),
			Version: s.config.Version,
		}
		if !resp.Xray {
			resp.Status = "degraded"
		}
		_ = WriteSuccess(w, resp)
	}
}

type createKeyRequest struct {
	Name string `json:"name"`
}

func (s *Server) createKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req createKeyRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Request body must be JSON", GetRequestID(ctx))
				return
			}
		}
		if len(req.Name) > 128 {
			WriteError(w, http.StatusBadRequest, "invalid_request",
				"Name must be at most 128 characters", GetRequestID(ctx))
			return
		}

		key, err := s.keys.Create(ctx, req.Name)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteCreated(w, key)
	}
}

func (s *Server) listKeysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.keys.List(r.Context())
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteSuccess(w, list)
	}
}

func (s *Server) getKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		key, err := s.keys.Get(r.Context(), id)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteSuccess(w, key)
	}
}

type deleteKeyResponse struct {
	Message string `json:"message"`
	KeyID   int64  `json:"key_id"`
}

func (s *Server) deleteKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		if err := s.keys.Revoke(r.Context(), id); err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteSuccess(w, deleteKeyResponse{
			Message: "Key revoked",
			KeyID:   id,
		})
	}
}

func (s *Server) trafficHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		traffic, err := s.keys.Traffic(r.Context(), id)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteSuccess(w, traffic)
	}
}

type linkResponse struct {
	KeyID int64  `json:"key_id"`
	Link  string `json:"link"`
}

func (s *Server) linkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		link, err := s.keys.Link(r.Context(), id)
		if err != nil {
			WriteErrorResponse(w, r, err)
			return
		}
		_ = WriteSuccess(w, linkResponse{KeyID: id, Link: link})
	}
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		WriteError(w, http.StatusBadRequest, "invalid_key_id",
			"Key ID must be a positive integer", GetRequestID(r.Context()))
		return 0, false
	}
	return id, true
}
