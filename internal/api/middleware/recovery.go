package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/simconsole/internal/api/response"
	"github.com/kiranshivaraju/simconsole/internal/metrics"
)

// Recovery turns handler panics into a 500 envelope. Each panic is logged
// with the route and job it concerned and counted per route pattern.
type Recovery struct {
	metrics *metrics.Collector
}

// NewRecovery creates the panic middleware. A nil collector counts nothing.
func NewRecovery(m *metrics.Collector) *Recovery {
	return &Recovery{metrics: m}
}

// Recover is the middleware func.
func (rc *Recovery) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &startedWriter{ResponseWriter: w}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}

			route := routePattern(r)
			rc.metrics.Panic(route)
			slog.Error("panic recovered",
				"error", v,
				"method", r.Method,
				"route", route,
				"job_type", routeParam(r, "jobType"),
				"job_uid", routeParam(r, "uid"),
				"stack", string(debug.Stack()),
			)
			// A download may already be streaming; its headers cannot change.
			if sw.started {
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(sw, r)
	})
}

type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *startedWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func routeParam(r *http.Request, key string) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.URLParam(key)
	}
	return ""
}
