package observability

import (
    "context"
    "encoding/json"
    "errors"
    "net"
    "net/http"
    "time"

    "github.com/go-chi/chi/v5"
    chimw "github.com/go-chi/chi/v5/middleware"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"
)

// AdminOptions wires node state into the admin surface without importing
// the packages that own it.
type AdminOptions struct {
    NodeID string
    // Peers returns a JSON-encodable snapshot of the peer registry.
    Peers func() any
    // Peer returns one entry, false when unknown.
    Peer func(id string) (any, bool)
    // Store returns counters of the node's key-value store.
    Store func() any
}

// AdminServer serves /metrics, /healthz, /peers, /store and /log/level.
type AdminServer struct {
    srv *http.Server
    ln  net.Listener
}

// NewAdminRouter builds the admin routes.
func NewAdminRouter(o AdminOptions) *chi.Mux {
    r := chi.NewRouter()
    r.Use(chimw.Recoverer)
    r.Use(accessLog)

    r.Handle("/metrics", promhttp.Handler())
    r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
        writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node_id": o.NodeID})
    })
    r.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
        if o.Peers == nil { writeJSON(w, http.StatusOK, []any{}); return }
        writeJSON(w, http.StatusOK, o.Peers())
    })
    r.Get("/peers/{id}", func(w http.ResponseWriter, req *http.Request) {
        if o.Peer == nil { writeJSON(w, http.StatusNotFound, map[string]string{"error": "peer not found"}); return }
        p, ok := o.Peer(chi.URLParam(req, "id"))
        if !ok { writeJSON(w, http.StatusNotFound, map[string]string{"error": "peer not found"}); return }
        writeJSON(w, http.StatusOK, p)
    })
    r.Get("/store", func(w http.ResponseWriter, _ *http.Request) {
        if o.Store == nil { writeJSON(w, http.StatusNotFound, map[string]string{"error": "no store"}); return }
        writeJSON(w, http.StatusOK, o.Store())
    })
    // GET reports, PUT {"level":"debug"} changes the log level
    r.Method(http.MethodGet, "/log/level", Level)
    r.Method(http.MethodPut, "/log/level", Level)
    return r
}

// StartAdmin listens on addr and serves the admin routes in the background.
func StartAdmin(addr string, o AdminOptions) (*AdminServer, error) {
    ln, err := net.Listen("tcp", addr)
    if err != nil { return nil, err }
    a := &AdminServer{ln: ln, srv: &http.Server{Handler: NewAdminRouter(o), ReadHeaderTimeout: 5 * time.Second}}
    go func() {
        if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            zap.L().Error("admin server stopped", zap.Error(err))
        }
    }()
    zap.L().Info("admin listening", zap.String("addr", ln.Addr().String()))
    return a, nil
}

func (a *AdminServer) Addr() net.Addr { return a.ln.Addr() }

func (a *AdminServer) Shutdown(ctx context.Context) error { return a.srv.Shutdown(ctx) }

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func accessLog(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
        start := time.Now()
        next.ServeHTTP(ww, r)
        zap.L().Debug("admin request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Int("status", ww.Status()), zap.Duration("took", time.Since(start)))
    })
}
