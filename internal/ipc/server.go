package ipc

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           corsMiddleware(Routes(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
	}
}

// Routes returns the API mux.
func Routes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Protocol state endpoints.
	mux.HandleFunc("GET /api/v1/state", h.GetState)
	mux.HandleFunc("POST /api/v1/advance", h.Advance)
	mux.HandleFunc("POST /api/v1/complete", h.Complete)
	mux.HandleFunc("POST /api/v1/retry", h.Retry)
	mux.HandleFunc("PUT /api/v1/progress", h.SetProgress)

	// Blocking endpoints.
	mux.HandleFunc("GET /api/v1/blocking", h.ListBlocking)
	mux.HandleFunc("POST /api/v1/blocking/{id}/resolve", h.ResolveBlocking)

	// Routing endpoints.
	mux.HandleFunc("POST /api/v1/route", h.Route)
	mux.HandleFunc("POST /api/v1/budget", h.Budget)
	mux.HandleFunc("GET /api/v1/routing", h.ListRouting)

	// Task endpoint.
	mux.HandleFunc("POST /api/v1/tasks", h.RunTask)

	// Usage and audit endpoints.
	mux.HandleFunc("GET /api/v1/usage", h.GetUsage)
	mux.HandleFunc("GET /api/v1/audit", h.ListAudit)

	// Event endpoints.
	mux.HandleFunc("GET /api/v1/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/events/stream", h.StreamEvents)

	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// FormatListenURL turns a listen address into a base URL a local client can
// dial. Wildcard hosts become 127.0.0.1.
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
