package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/service/audit"
	"github.com/splax/modhost/internal/service/orchestrator"
	"github.com/splax/modhost/internal/ws"
)

// Router wires HTTP endpoints to the orchestration facade.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	svc            *orchestrator.Service
	auditSvc       *audit.Service
	hub            *ws.Hub
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	jwtSecret      string
	privilegedRole string
	dbHealth       func(context.Context) error
	engineHealth   func(context.Context) error
	licenseHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	lifecycleTotal     *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitMutate    = 30
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc *orchestrator.Service, auditSvc *audit.Service, hub *ws.Hub,
	limiter RateLimiter, jwtSecret, privilegedRole string,
	dbHealth, engineHealth, licenseHealth func(context.Context) error) *Router {
	rt := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		svc:      svc,
		auditSvc: auditSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		jwtSecret:      jwtSecret,
		privilegedRole: privilegedRole,
		dbHealth:       dbHealth,
		engineHealth:   engineHealth,
		licenseHealth:  licenseHealth,
	}
	if rt.limiter == nil {
		rt.limiter = NewMemoryRateLimiter()
	}
	rt.initMetrics()
	rt.register()
	return rt
}

// ServeHTTP delegates to the underlying mux.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (rt *Router) Close() {
	if rt.limiter != nil {
		rt.limiter.Close()
	}
}

func (rt *Router) register() {
	rt.mux.HandleFunc("/healthz", rt.logged("/healthz", rt.handleHealthz))
	rt.mux.Handle("/metrics", promhttp.Handler())
	rt.mux.HandleFunc("/modules", rt.logged("/modules", rt.handleModules))
	rt.mux.HandleFunc("/modules/", rt.logged("/modules/{name}", rt.handleModuleSubroutes))
	rt.mux.HandleFunc("/audit-log", rt.logged("/audit-log", rt.authRate("/audit-log", rateLimitRead, rateWindowDefault, rt.handleAuditLog)))
	rt.mux.HandleFunc("/ws/events", rt.logged("/ws/events", rt.authRate("/ws/events", rateLimitWebsocket, rateWindowRealtime, rt.handleEventsWS)))
}

func (rt *Router) handleModules(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		rt.privilegedRate("/modules", rateLimitMutate, rateWindowDefault, rt.handleInstall)(w, req)
	case http.MethodGet:
		rt.authRate("/modules", rateLimitRead, rateWindowDefault, rt.handleList)(w, req)
	default:
		rt.methodNotAllowed(w)
	}
}

func (rt *Router) handleInstall(w http.ResponseWriter, req *http.Request) {
	var payload orchestrator.InstallRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		rt.logger.Error("auth context missing for install", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	view, err := rt.svc.Install(req.Context(), info.PrincipalID, payload)
	rt.recordLifecycle("install", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (rt *Router) handleList(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	views, err := rt.svc.List(req.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (rt *Router) handleModuleSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/modules/")
	parts := strings.Split(trimmed, "/")
	name := parts[0]
	if name == "" || len(parts) > 2 {
		rt.notFound(w)
		return
	}
	if len(parts) == 2 {
		rt.handleModuleAction(w, req, name, parts[1])
		return
	}
	switch req.Method {
	case http.MethodGet:
		rt.authRate("/modules/{name}", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			detail, err := rt.svc.Status(req.Context(), name)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, detail)
		})(w, req)
	case http.MethodDelete:
		rt.privilegedRate("/modules/{name}", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			info, _ := authInfoFromContext(req.Context())
			err := rt.svc.Uninstall(req.Context(), info.PrincipalID, name)
			rt.recordLifecycle("uninstall", err)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
		})(w, req)
	default:
		rt.methodNotAllowed(w)
	}
}

func (rt *Router) handleModuleAction(w http.ResponseWriter, req *http.Request, name, action string) {
	if req.Method != http.MethodPost {
		rt.methodNotAllowed(w)
		return
	}
	var op func(context.Context, string, string) error
	switch action {
	case "stop":
		op = rt.svc.Stop
	case "start":
		op = rt.svc.Start
	case "restart":
		op = rt.svc.Restart
	default:
		rt.notFound(w)
		return
	}
	rt.privilegedRate("/modules/{name}/"+action, rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
		info, _ := authInfoFromContext(req.Context())
		err := op(req.Context(), info.PrincipalID, name)
		rt.recordLifecycle(action, err)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": action + "ed"})
	})(w, req)
}

func (rt *Router) handleAuditLog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		rt.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	filter := domain.AuditFilter{
		ModuleName:  q.Get("module"),
		Operation:   domain.AuditOperation(q.Get("operation")),
		Outcome:     domain.AuditOutcome(q.Get("outcome")),
		PrincipalID: q.Get("principal"),
		Limit:       limit,
		Offset:      offset,
	}
	entries, err := rt.auditSvc.List(req.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (rt *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		rt.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	moduleName := req.URL.Query().Get("module")
	conn, err := rt.upgrader.Upgrade(w, req, nil)
	if err != nil {
		rt.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, rt.logger)
	rt.hub.Register(moduleName, client)
	go func() {
		defer func() {
			rt.hub.Unregister(moduleName, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (rt *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		rt.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	check := func(name string, fn func(context.Context) error) {
		if fn == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", rt.dbHealth)
	check("engine", rt.engineHealth)
	check("license_service", rt.licenseHealth)

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// logged wraps a handler with structured request logging and metrics.
func (rt *Router) logged(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "principal", info.PrincipalID, "role", info.Role)
		}

		rt.recordRequestMetrics(req.Method, route, status, duration)
		switch {
		case status >= http.StatusInternalServerError:
			rt.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			rt.logger.Warn("http_request", fields...)
		default:
			rt.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (rt *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (rt *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (rt *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
