// Package gateway exposes the HTTP and WebSocket ingress surface: app
// registration, app channel handshakes, device polling, health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/health"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/inbox"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/metric"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/registry"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/types"
)

// maxRequestSize caps inbound JSON bodies.
const maxRequestSize = 1 << 20

// Options configures the gateway.
type Options struct {
	Registry *registry.Registry
	Inbox    *inbox.Inbox
	Health   *health.Monitor
	Metrics  *metric.MetricsRegistry
	Logger   *slog.Logger
}

// Gateway routes external traffic to the registry and inbox.
type Gateway struct {
	registry *registry.Registry
	inbox    *inbox.Inbox
	health   *health.Monitor
	metrics  *metric.MetricsRegistry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New builds a gateway. Registry and Inbox are required.
func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil || opts.Inbox == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New",
			"registry and inbox are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry: opts.Registry,
		inbox:    opts.Inbox,
		health:   opts.Health,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Routes registers all gateway handlers on the mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/apps/register", g.handleRegister)
	mux.HandleFunc("POST /api/apps/unregister", g.handleUnregister)
	mux.HandleFunc("GET /api/apps", g.handleListApps)
	mux.HandleFunc("GET /channel/{app_id}", g.handleChannel)
	mux.HandleFunc("POST /api/poll", g.handlePoll)
	mux.HandleFunc("GET /api/users/{user_id}/devices", g.handleDevices)
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	if g.metrics != nil {
		mux.Handle("GET /metrics", g.metrics.Handler())
	}
}

type registerRequest struct {
	AppID          string   `json:"app_id"`
	AppName        string   `json:"app_name"`
	AppDescription string   `json:"app_description"`
	WebhookURL     string   `json:"app_webhook_url"`
	ChannelAddress string   `json:"channel_address"`
	Subscriptions  []string `json:"subscriptions"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !g.decode(w, r, &req) {
		return
	}

	err := g.registry.Register(types.AppRegistration{
		AppID:          req.AppID,
		AppName:        req.AppName,
		AppDescription: req.AppDescription,
		WebhookURL:     req.WebhookURL,
		ChannelAddress: req.ChannelAddress,
		Subscriptions:  req.Subscriptions,
	})
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusOK, map[string]string{
			"message": "app " + req.AppID + " registered",
		})
	case errors.Is(err, errors.ErrAlreadyRegistered):
		// Duplicate registration is reported, not failed.
		g.writeJSON(w, http.StatusOK, map[string]string{
			"message": "app " + req.AppID + " already registered",
		})
	default:
		g.writeError(w, err)
	}
}

func (g *Gateway) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID string `json:"app_id"`
	}
	if !g.decode(w, r, &req) {
		return
	}
	if req.AppID == "" {
		g.writeErrorMessage(w, http.StatusBadRequest, "app_id is required")
		return
	}

	g.registry.Unregister(req.AppID)
	g.writeJSON(w, http.StatusOK, map[string]string{
		"message": "app " + req.AppID + " unregistered",
	})
}

func (g *Gateway) handleListApps(w http.ResponseWriter, _ *http.Request) {
	apps := g.registry.List()
	out := make([]map[string]any, 0, len(apps))
	for _, app := range apps {
		out = append(out, map[string]any{
			"app_id":          app.AppID,
			"app_name":        app.AppName,
			"app_description": app.AppDescription,
			"subscriptions":   app.Subscriptions,
			"connected":       g.registry.IsConnected(app.AppID),
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"apps": out})
}

// handleChannel upgrades the connection and hands it to the registry. An
// unknown app_id is refused before the upgrade so the client sees a 403
// instead of a half-open socket.
func (g *Gateway) handleChannel(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")

	known := false
	for _, app := range g.registry.List() {
		if app.AppID == appID {
			known = true
			break
		}
	}
	if !known {
		g.logger.Warn("channel handshake refused", "app_id", appID)
		g.writeErrorMessage(w, http.StatusForbidden, "app "+appID+" is not registered")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn("websocket upgrade failed", "app_id", appID, "error", err)
		return
	}

	if err := g.registry.Accept(appID, conn); err != nil {
		g.logger.Warn("channel rejected", "app_id", appID, "error", err)
		return
	}
	g.logger.Info("channel established", "app_id", appID)

	// Drain the read side so close frames and pings are processed. The
	// registry owns the write side; a read error means the app went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				g.registry.Invalidate(appID, conn)
				return
			}
		}
	}()
}

type pollRequest struct {
	UserID   string   `json:"user_id"`
	DeviceID string   `json:"device_id"`
	Features []string `json:"features"`
}

func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		g.writeErrorMessage(w, http.StatusBadRequest, "user_id and device_id are required")
		return
	}

	// Validate the whole feature list before any consuming poll. Polling
	// consumes entries into the device cursor, so rejecting the request
	// halfway through would lose the already-polled entries to the device.
	categories := make([]types.Category, 0, len(req.Features))
	for _, feature := range req.Features {
		category, err := types.ParseCategory(feature)
		if err != nil {
			g.writeErrorMessage(w, http.StatusBadRequest,
				fmt.Sprintf("unknown category %q", feature))
			return
		}
		categories = append(categories, category)
	}

	response := make(map[string][]types.ResultEntry, len(categories))
	for idx, category := range categories {
		entries, err := g.inbox.Poll(r.Context(), req.UserID, req.DeviceID,
			category, inbox.DefaultPollOptions())
		if err != nil {
			g.writeError(w, err)
			return
		}
		if entries == nil {
			entries = []types.ResultEntry{}
		}
		response[req.Features[idx]] = entries
	}

	g.writeJSON(w, http.StatusOK, response)
}

// handleDevices lists the device ids that have polled for a user.
func (g *Gateway) handleDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	devices, err := g.inbox.Devices(r.Context(), userID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if devices == nil {
		devices = []string{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"devices": devices,
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if g.health == nil {
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}

	status := g.health.Aggregate("augmentos")
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, status)
}

// decode reads a size-limited JSON body into v, writing the 400 itself on
// failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		g.writeErrorMessage(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxRequestSize {
		g.writeErrorMessage(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxRequestSize))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeError maps a classified error onto an HTTP status with a sanitized
// message. Full detail stays in the log.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	g.logger.Error("request failed", "error", err)

	code := http.StatusInternalServerError
	message := "internal server error"
	switch {
	case errors.IsInvalid(err):
		code = http.StatusBadRequest
		message = "invalid request"
	case errors.Is(err, errors.ErrAppNotRegistered):
		code = http.StatusNotFound
		message = "app not registered"
	case errors.IsTransient(err):
		code = http.StatusServiceUnavailable
		message = "service temporarily unavailable"
		if strings.Contains(err.Error(), "timeout") {
			code = http.StatusGatewayTimeout
			message = "request timeout"
		}
	}
	g.writeErrorMessage(w, code, message)
}

func (g *Gateway) writeErrorMessage(w http.ResponseWriter, code int, message string) {
	g.writeJSON(w, code, map[string]any{
		"error":  message,
		"status": code,
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("response write failed", "error", err)
	}
}

// Server wraps the HTTP listener with graceful shutdown.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the HTTP server around the gateway's routes.
func NewServer(addr string, g *Gateway, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	g.Routes(mux)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "gateway-server"),
	}
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// normal shutdown and is not returned.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "ListenAndServe", "http serve")
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
