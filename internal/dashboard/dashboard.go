// Package dashboard serves the thoth-audit REST API and live feed.
//
// All audit routes are scoped to a tenant:
//
//   - GET  /health                                  liveness
//   - GET  /api/tenants/{tenantID}/audit/logs        filtered, paged logs
//   - POST /api/tenants/{tenantID}/audit/logs        record an entry
//   - GET  /api/tenants/{tenantID}/audit/stats       activity summary
//   - GET  /api/tenants/{tenantID}/audit/anomalies   anomaly scan
//   - GET  /api/tenants/{tenantID}/audit/integrity   checksum verification
//   - GET  /api/tenants/{tenantID}/audit/export      csv|json|jsonl|pdf download
//   - GET  /api/tenants/{tenantID}/audit/ws          websocket feed of new entries
//
// Request provenance (client IP, user agent, session) is taken from the
// HTTP request and attached to entries recorded through the API.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/horuscamacho/thoth-audit/internal/audit"
)

// Request headers carrying caller identity. Authentication happens in front
// of this service; these are trusted as given.
const (
	headerUserID      = "X-User-Id"
	headerSessionID   = "X-Session-Id"
	headerFingerprint = "X-Client-Fingerprint"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Service *audit.Service
	Logger  *slog.Logger

	// DefaultPageSize applies when a logs request has no limit;
	// MaxPageSize caps larger requests.
	DefaultPageSize int
	MaxPageSize     int

	// LiveFeed enables the websocket route.
	LiveFeed bool

	// RateLimit applies to every tenant route.
	RateLimit RateLimit
}

// Dashboard serves the REST API and websocket feed.
type Dashboard struct {
	svc      *audit.Service
	logger   *slog.Logger
	pageSize int
	maxPage  int
	liveFeed bool
	hub      *wsHub
	limiter  *rateLimiter

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Dashboard and starts its websocket hub.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		svc:      opts.Service,
		logger:   opts.Logger,
		pageSize: opts.DefaultPageSize,
		maxPage:  opts.MaxPageSize,
		liveFeed: opts.LiveFeed,
		done:     make(chan struct{}),
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.pageSize <= 0 {
		d.pageSize = audit.DefaultPageSize
	}
	if d.maxPage < d.pageSize {
		d.maxPage = d.pageSize
	}
	d.hub = newWSHub(d.logger)
	go d.hub.run()
	if opts.RateLimit.RequestsPerMinute > 0 {
		d.limiter = newRateLimiter(opts.RateLimit)
		go d.limiter.run(d.done)
	}
	return d
}

// Close stops the websocket hub, disconnects its clients and stops the
// rate limiter's background sweep.
func (d *Dashboard) Close() {
	d.hub.stop()
	d.closeOnce.Do(func() { close(d.done) })
}

// Handler returns the router for every route served by the dashboard.
func (d *Dashboard) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(d.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/tenants/{tenantID}/audit", func(r chi.Router) {
		if d.limiter != nil {
			r.Use(d.limiter.middleware)
		}
		r.Get("/logs", d.handleGetLogs)
		r.Post("/logs", d.handleCreateLog)
		r.Get("/stats", d.handleStats)
		r.Get("/anomalies", d.handleAnomalies)
		r.Get("/integrity", d.handleIntegrity)
		r.Get("/export", d.handleExport)
		if d.liveFeed {
			r.Get("/ws", d.handleWebSocket)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, d.logger, fmt.Errorf("%w: %s %s", audit.ErrNotFound, r.Method, r.URL.Path))
	})
	return r
}

// BroadcastEntry pushes a newly recorded entry to the websocket clients
// subscribed to its tenant. Entries without a tenant are not broadcast.
// Non-blocking: if the hub is saturated the event is dropped.
func (d *Dashboard) BroadcastEntry(e audit.Entry) {
	if e.TenantID == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		d.logger.Error("failed to marshal broadcast entry", "id", e.ID, "error", err)
		return
	}
	d.hub.broadcast(*e.TenantID, data)
}

// --- REST API Handlers ---

// handleGetLogs returns one page of logs.
// GET /api/tenants/{tenantID}/audit/logs?userId=&action=&entityType=&entityId=
//
//	&ipAddress=&securityLevel=&startDate=&endDate=&search=&limit=&offset=
func (d *Dashboard) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	switch {
	case f.Limit == 0:
		f.Limit = d.pageSize
	case f.Limit > d.maxPage:
		f.Limit = d.maxPage
	}

	page, err := d.svc.GetLogs(r.Context(), chi.URLParam(r, "tenantID"), f)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// createRequest is the body of POST .../logs.
type createRequest struct {
	UserID        string         `json:"userId"`
	Action        string         `json:"action"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	OldValues     map[string]any `json:"oldValues"`
	NewValues     map[string]any `json:"newValues"`
	Metadata      map[string]any `json:"metadata"`
	SecurityLevel string         `json:"securityLevel"`
}

// handleCreateLog records an entry for the tenant and returns it.
// POST /api/tenants/{tenantID}/audit/logs
func (d *Dashboard) handleCreateLog(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, d.logger, fmt.Errorf("%w: invalid JSON body: %v", audit.ErrInvalidArgument, err))
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get(headerUserID)
	}

	rc := requestContext(r)
	p := audit.CreateParams{
		TenantID:          audit.String(chi.URLParam(r, "tenantID")),
		UserID:            audit.String(req.UserID),
		Action:            audit.Action(req.Action),
		EntityType:        audit.EntityType(req.EntityType),
		EntityID:          audit.String(req.EntityID),
		OldValues:         req.OldValues,
		NewValues:         req.NewValues,
		Metadata:          req.Metadata,
		IPAddress:         audit.String(rc.IPAddress),
		UserAgent:         audit.String(rc.UserAgent),
		SessionID:         audit.String(rc.SessionID),
		ClientFingerprint: audit.String(rc.ClientFingerprint),
	}
	if req.SecurityLevel != "" {
		level, err := audit.ParseSecurityLevel(req.SecurityLevel)
		if err != nil {
			writeError(w, d.logger, err)
			return
		}
		p.SecurityLevel = &level
	}

	e, err := d.svc.CreateAuditLog(r.Context(), p)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleStats returns the tenant's activity summary.
// GET /api/tenants/{tenantID}/audit/stats
func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := d.svc.GetAuditStats(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAnomalies runs anomaly detection for the tenant.
// GET /api/tenants/{tenantID}/audit/anomalies
func (d *Dashboard) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := d.svc.DetectAnomalies(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}

// handleIntegrity verifies every checksum of the tenant and records that
// the check ran.
// GET /api/tenants/{tenantID}/audit/integrity
func (d *Dashboard) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	report, err := d.svc.VerifyIntegrity(r.Context(), tenantID)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	d.svc.LogAction(r.Context(), tenantID, audit.String(r.Header.Get(headerUserID)),
		audit.ActionIntegrityChecked, audit.EntityAuditLog,
		audit.Details{Metadata: map[string]any{
			"totalLogs":   report.TotalLogs,
			"invalidLogs": report.InvalidLogs,
		}},
		requestContext(r))
	writeJSON(w, http.StatusOK, report)
}

// handleExport serializes the tenant's filtered logs as a download and
// records the export.
// GET /api/tenants/{tenantID}/audit/export?format=csv&<logs filters>
func (d *Dashboard) handleExport(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	format, err := audit.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}

	data, err := d.svc.ExportLogs(r.Context(), tenantID, f, format)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	d.svc.LogAction(r.Context(), tenantID, audit.String(r.Header.Get(headerUserID)),
		audit.ActionAuditExported, audit.EntityAuditLog,
		audit.Details{Metadata: map[string]any{
			"format": string(format),
			"bytes":  len(data),
		}},
		requestContext(r))

	contentType, ext := exportMedia(format)
	name := fmt.Sprintf("audit-logs-%s.%s", time.Now().UTC().Format("20060102"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// exportMedia maps a format to its Content-Type and file extension. The
// pdf format is a plain-text report.
func exportMedia(f audit.Format) (string, string) {
	switch f {
	case audit.FormatCSV:
		return "text/csv; charset=utf-8", "csv"
	case audit.FormatJSON:
		return "application/json", "json"
	case audit.FormatJSONL:
		return "application/x-ndjson", "jsonl"
	default:
		return "text/plain; charset=utf-8", "txt"
	}
}

// --- Helpers ---

func filterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	return audit.FilterParams{
		UserID:        q.Get("userId"),
		Action:        q.Get("action"),
		EntityType:    q.Get("entityType"),
		EntityID:      q.Get("entityId"),
		IPAddress:     q.Get("ipAddress"),
		SecurityLevel: q.Get("securityLevel"),
		StartDate:     q.Get("startDate"),
		EndDate:       q.Get("endDate"),
		Search:        q.Get("search"),
		Limit:         q.Get("limit"),
		Offset:        q.Get("offset"),
	}.Filter()
}

// requestContext extracts provenance from r. RemoteAddr has already been
// rewritten from X-Forwarded-For / X-Real-IP by middleware.RealIP.
func requestContext(r *http.Request) *audit.RequestContext {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return &audit.RequestContext{
		IPAddress:         ip,
		UserAgent:         r.UserAgent(),
		SessionID:         r.Header.Get(headerSessionID),
		ClientFingerprint: r.Header.Get(headerFingerprint),
	}
}

// requestLogger logs one line per request at debug level, and failures at
// warn.
func (d *Dashboard) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		d.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// writeError maps core errors onto HTTP statuses.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, audit.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, audit.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	default:
		logger.Error("audit request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
