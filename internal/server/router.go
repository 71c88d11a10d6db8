package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pgembed/internal/metrics"
	"github.com/loykin/pgembed/internal/supervisor"
)

// Instance is the view of a supervised server the router needs.
type Instance interface {
	Status() supervisor.Status
}

// Router provides embeddable HTTP handlers reporting on one instance.
// Endpoints:
//   GET {basePath}/status    Status JSON
//   GET {basePath}/healthz   200 while running, 503 otherwise
//   GET {basePath}/metrics   Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	inst     Instance
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(inst Instance, basePath string) *Router {
	return &Router{inst: inst, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// Server serves a Router until Shutdown.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer listens on addr and serves the router in the background. The
// listen error is returned immediately.
func NewServer(addr, basePath string, inst Instance) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           NewRouter(inst, basePath).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.inst.Status())
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.inst.Status()
	if st.State != supervisor.StateRunning.String() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "instance is " + st.State})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"state": st.State, "pid": st.PID})
}
