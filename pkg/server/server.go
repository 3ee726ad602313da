// Package server exposes the console over HTTP: a JSON API, a websocket
// stream of change notifications, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netconsole/netconsole/pkg/audit"
	"github.com/netconsole/netconsole/pkg/checkpoint"
	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/console"
	"github.com/netconsole/netconsole/pkg/util"
	"github.com/netconsole/netconsole/pkg/version"
)

// Options configures a Server.
type Options struct {
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// User is recorded as the actor of HTTP mutations. Empty means the
	// user running the server.
	User string
}

// Server is the HTTP front end.
type Server struct {
	svc    *console.Service
	hub    *Hub
	opts   Options
	router chi.Router
}

// New returns a server for svc. hub must be the presenter of svc's
// checkpoint coordinator for breaking changes to be retryable.
func New(svc *console.Service, hub *Hub, opts Options) *Server {
	s := &Server{svc: svc, hub: hub, opts: opts}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(serverHeader)
	s.RegisterRoutes(r)
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// RegisterRoutes registers all API endpoints to the given chi router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/snapshot", s.snapshotHandler)
		r.Get("/changes", s.hub.ServeWS)

		r.Route("/interfaces", func(r chi.Router) {
			r.Get("/", s.listInterfacesHandler)
			r.Get("/{name}", s.getInterfaceHandler)
			r.Post("/{name}/activate", s.activateHandler)
			r.Post("/{name}/deactivate", s.deactivateHandler)
			r.Post("/{name}/disconnect", s.disconnectHandler)
		})

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.listConnectionsHandler)
			r.Post("/", s.addConnectionHandler)
			r.Get("/{key}", s.getConnectionHandler)
			r.Put("/{key}", s.applySettingsHandler)
			r.Delete("/{key}", s.deleteConnectionHandler)
		})

		r.Get("/checkpoint", s.checkpointHandler)
		r.Post("/checkpoint/retry", s.retryHandler)
		r.Get("/audit", s.auditHandler)
	})
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	util.Infof("console listening on %s", l.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.UserAgent())
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) actor(r *http.Request) console.Actor {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return console.Actor{User: s.opts.User, ClientIP: ip}
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Model().Snapshot()
	if snap == nil {
		writeError(w, util.ErrNotReady)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listInterfacesHandler(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.Interfaces()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getInterfaceHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Interface(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type activateRequest struct {
	Connection string `json:"connection"`
}

func (s *Server) activateHandler(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, util.NewValidationError("invalid request body: "+err.Error()))
			return
		}
	}
	err := s.svc.Activate(r.Context(), s.actor(r), chi.URLParam(r, "name"), req.Connection)
	s.mutated(w, err)
}

func (s *Server) deactivateHandler(w http.ResponseWriter, r *http.Request) {
	s.mutated(w, s.svc.Deactivate(r.Context(), s.actor(r), chi.URLParam(r, "name")))
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	s.mutated(w, s.svc.Disconnect(r.Context(), s.actor(r), chi.URLParam(r, "name")))
}

func (s *Server) listConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Model().Snapshot()
	if snap == nil {
		writeError(w, util.ErrNotReady)
		return
	}
	writeJSON(w, http.StatusOK, snap.ListConnections())
}

func (s *Server) getConnectionHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Model().Snapshot()
	if snap == nil {
		writeError(w, util.ErrNotReady)
		return
	}
	c := snap.FindConnection(chi.URLParam(r, "key"))
	if c == nil {
		writeError(w, util.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) addConnectionHandler(w http.ResponseWriter, r *http.Request) {
	var settings codec.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, util.NewValidationError("invalid request body: "+err.Error()))
		return
	}
	path, err := s.svc.AddConnection(r.Context(), s.actor(r), &settings)
	if err != nil {
		s.mutated(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// applySettingsHandler overlays the request body on the connection's
// current settings, so sections the client does not send are kept.
func (s *Server) applySettingsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Model().Snapshot()
	if snap == nil {
		writeError(w, util.ErrNotReady)
		return
	}
	key := chi.URLParam(r, "key")
	c := snap.FindConnection(key)
	if c == nil || c.Settings == nil {
		writeError(w, util.ErrNotFound)
		return
	}
	settings := c.Settings.Clone()
	if err := json.NewDecoder(r.Body).Decode(settings); err != nil {
		writeError(w, util.NewValidationError("invalid request body: "+err.Error()))
		return
	}
	s.mutated(w, s.svc.ApplySettings(r.Context(), s.actor(r), key, settings))
}

func (s *Server) deleteConnectionHandler(w http.ResponseWriter, r *http.Request) {
	s.mutated(w, s.svc.DeleteConnection(r.Context(), s.actor(r), chi.URLParam(r, "key")))
}

type checkpointStatus struct {
	State   string `json:"state"`
	Curtain string `json:"curtain"`
}

func (s *Server) checkpointHandler(w http.ResponseWriter, r *http.Request) {
	cp := s.svc.Checkpoints()
	writeJSON(w, http.StatusOK, checkpointStatus{State: cp.State().String(), Curtain: string(cp.Curtain())})
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	bce := s.hub.TakePending()
	if bce == nil {
		writeError(w, util.ErrNotFound)
		return
	}
	s.mutated(w, s.svc.RetryUnguarded(r.Context(), s.actor(r), bce))
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		User:        q.Get("user"),
		Operation:   q.Get("operation"),
		Connection:  q.Get("connection"),
		Interface:   q.Get("interface"),
		Checkpoint:  q.Get("checkpoint"),
		FailureOnly: q.Get("failed") == "true",
	}
	for name, dest := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, util.NewValidationError("invalid "+name))
				return
			}
			*dest = n
		}
	}
	events, err := s.svc.AuditLog(s.actor(r), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// mutated answers a mutation: 204 on success, an error body otherwise.
func (s *Server) mutated(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Responses
// ============================================================================

type errorResponse struct {
	Error      string   `json:"error"`
	Details    []string `json:"details,omitempty"`
	FailText   string   `json:"fail_text,omitempty"`
	AnywayText string   `json:"anyway_text,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.WithOperation("http").Debugf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var ve *util.ValidationError
	if errors.As(err, &ve) {
		resp.Details = ve.Errors
	}
	var bce *checkpoint.BreakingChangeError
	if errors.As(err, &bce) {
		resp.FailText = bce.FailText
		resp.AnywayText = bce.AnywayText
	}
	writeJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, util.ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, util.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, util.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, util.ErrConnectivityLost):
		return http.StatusConflict
	case errors.Is(err, util.ErrNotReady), errors.Is(err, util.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, util.ErrRemoteCall):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
