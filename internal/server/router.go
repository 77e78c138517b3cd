// Package server exposes the state of a running supervision over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proctrack/internal/tracker"
)

// Router provides embeddable HTTP handlers for a tracked run.
// Endpoints:
//
//	GET {basePath}/status    latest tracker snapshot as JSON
//	GET {basePath}/pids      seen pids, one per line; ?active=1 lists active pids
//	GET {basePath}/metrics   Prometheus exposition, when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	snapshot func() tracker.Snapshot
	metrics  http.Handler
	basePath string
}

// NewRouter constructs a Router reading state from snapshot. A nil snapshot
// func leaves /status and /pids unregistered.
func NewRouter(snapshot func() tracker.Snapshot, basePath string) *Router {
	return &Router{snapshot: snapshot, basePath: sanitizeBase(basePath)}
}

// WithMetrics mounts h on {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.snapshot != nil {
		group.GET("/status", r.handleStatus)
		group.GET("/pids", r.handlePids)
	}
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// Server is a started HTTP server bound to a listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start binds addr and serves h in the background. A bind failure is
// returned synchronously.
func Start(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return s, nil
}

// Addr returns the bound address, useful when addr used port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// --- Handlers ---

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.snapshot())
}

func (r *Router) handlePids(c *gin.Context) {
	snap := r.snapshot()
	pids := snap.Seen
	if active, _ := strconv.ParseBool(c.DefaultQuery("active", "false")); active {
		pids = snap.Active
	}
	var b strings.Builder
	for _, pid := range pids {
		b.WriteString(strconv.Itoa(pid))
		b.WriteByte('\n')
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
}
