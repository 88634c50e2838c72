// Package server exposes the supervisor over HTTP for the beeswarm daemon.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/manager"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/metrics"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
)

const defaultOutputLimit = 100

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints, relative to basePath:
//
//	GET  /projects                       all known projects
//	GET  /projects/:id                   one project (unknown ids report Stopped)
//	POST /projects/:id/start             body: {"dir": "/abs/path"}
//	POST /projects/:id/stop              query: force=true
//	POST /projects/:id/restart           body optional: {"dir": "/abs/path"}
//	GET  /projects/:id/output            query: limit=N
//	GET  /projects/:id/health            last health status while Running
//	POST /projects/:id/health/check      run a health tick now
//	GET  /projects/:id/resources         last CPU/memory sample
//	GET  /active, PUT /active            body: {"id": "..."}
//	GET  /events                         server-sent events, query: project=...
//
// /metrics is mounted at the root when a metrics handler is configured.
type Router struct {
	mgr       *manager.Manager
	basePath  string
	resources *metrics.ResourceSampler
	metrics   http.Handler
	log       *slog.Logger
}

type Option func(*Router)

func WithResources(s *metrics.ResourceSampler) Option {
	return func(r *Router) { r.resources = s }
}

func WithMetricsHandler(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// NewRouter constructs a Router. basePath "/api" yields /api/projects etc.
func NewRouter(mgr *manager.Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/projects", r.handleList)
	group.GET("/projects/:id", r.handleGet)
	group.POST("/projects/:id/start", r.handleStart)
	group.POST("/projects/:id/stop", r.handleStop)
	group.POST("/projects/:id/restart", r.handleRestart)
	group.GET("/projects/:id/output", r.handleOutput)
	group.GET("/projects/:id/health", r.handleHealth)
	group.POST("/projects/:id/health/check", r.handleCheck)
	group.GET("/projects/:id/resources", r.handleResources)
	group.GET("/active", r.handleGetActive)
	group.PUT("/active", r.handleSetActive)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer listens on addr and serves the router in the background. Bind
// errors are returned synchronously. Start blocks for readiness and /events
// streams indefinitely, so there is no write timeout.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	return srv, nil
}

// --- Handlers ---

type dirReq struct {
	Dir string `json:"dir"`
}

type activeReq struct {
	ID string `json:"id"`
}

// projectID reads and validates the :id path parameter.
func projectID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid project id: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return id, true
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Projects())
}

func (r *Router) handleGet(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	info, err := r.mgr.Project(id)
	if errors.Is(err, manager.ErrUnknownProject) {
		info = manager.ProjectInfo{ID: id, State: manager.StateStopped, Active: id == r.mgr.Active()}
	} else if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	var req dirReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeWorkDir(req.Dir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid dir: must be an absolute path without traversal"})
		return
	}
	port, err := r.mgr.Start(c.Request.Context(), id, req.Dir)
	if err != nil {
		r.log.Warn("start failed", "project", id, "dir", req.Dir, "error", err)
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, portResp{ID: id, Port: port})
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	force := false
	if s := c.Query("force"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid force: " + err.Error()})
			return
		}
		force = v
	}
	if err := r.mgr.Stop(c.Request.Context(), id, force); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	var req dirReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Dir != "" && !isSafeWorkDir(req.Dir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid dir: must be an absolute path without traversal"})
		return
	}
	port, err := r.mgr.Restart(c.Request.Context(), id, req.Dir)
	if err != nil {
		r.log.Warn("restart failed", "project", id, "error", err)
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, portResp{ID: id, Port: port})
}

func (r *Router) handleOutput(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	limit := defaultOutputLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	lines := r.mgr.Output(id, limit)
	if lines == nil {
		lines = []process.Line{}
	}
	writeJSON(c, http.StatusOK, lines)
}

func (r *Router) handleHealth(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	st, ok := r.mgr.Health(id)
	if !ok {
		writeError(c, fmt.Errorf("%s: %w", id, manager.ErrNotRunning))
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleCheck(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	st, err := r.mgr.TriggerHealthCheck(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleResources(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	if r.resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	u, ok := r.resources.Latest(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sample for " + id})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func (r *Router) handleGetActive(c *gin.Context) {
	writeJSON(c, http.StatusOK, activeReq{ID: r.mgr.Active()})
}

func (r *Router) handleSetActive(c *gin.Context) {
	var req activeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	// empty clears the active project
	if req.ID != "" && !isSafeID(req.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid project id"})
		return
	}
	r.mgr.SetActive(req.ID)
	writeJSON(c, http.StatusOK, req)
}

// handleEvents streams bus events as server-sent events until the client
// goes away or the manager shuts down.
func (r *Router) handleEvents(c *gin.Context) {
	project := c.Query("project")
	if project != "" && !isSafeID(project) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid project id"})
		return
	}
	sub := r.mgr.Subscribe()
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return false
			}
			if project == "" || e.ProjectID == project {
				c.SSEvent(string(e.Type), e)
			}
			return true
		case <-ctx.Done():
			return false
		}
	})
}
