package dashboard

import (
	_ "embed"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/quay/internal/domain"
	"github.com/MrSnakeDoc/quay/internal/logger"
	"github.com/MrSnakeDoc/quay/internal/version"
)

//go:embed index.html.tmpl
var indexTmpl string

// StatusSource is where the dashboard reads service state from; in
// production it is the supervisor group.
type StatusSource interface {
	Statuses() []domain.Status
}

// Options wires the dashboard's dependencies.
type Options struct {
	Source    StatusSource
	Log       logger.Logger
	StartTime time.Time
}

// New builds the read-only status view served at the reserved dashboard
// host. It exposes no mutation capability.
func New(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	tmpl := template.Must(template.New("index").Parse(indexTmpl))

	r.Get("/", index(tmpl, opts.Source))
	r.Get("/api/services", listServices(opts.Source))
	r.Get("/healthz", healthz(opts.StartTime))

	return r
}

type indexData struct {
	Services []domain.Status
	Version  string
	Now      time.Time
}

func index(tmpl *template.Template, src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = tmpl.Execute(w, indexData{
			Services: src.Statuses(),
			Version:  version.Version,
			Now:      time.Now(),
		})
	}
}

func listServices(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(src.Statuses())
	}
}

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Version       string  `json:"version,omitempty"`
	Commit        string  `json:"commit,omitempty"`
	GoVersion     string  `json:"go_version,omitempty"`
}

func healthz(start time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(healthzResponse{
			Status:        "ok",
			UptimeSeconds: time.Since(start).Seconds(),
			Version:       version.Version,
			Commit:        version.Commit,
			GoVersion:     version.GoVersion,
		})
	}
}
