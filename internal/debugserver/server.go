package debugserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Addr     string
	Registry *prometheus.Registry
}

// NewServer exposes liveness and metrics for one drainer process.
func NewServer(cfg *Config) *http.Server {
	router := chi.NewRouter()

	router.Get("/healthz", handleHealthz)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte("ok"))
}
