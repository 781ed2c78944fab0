// Package httpapi assembles the HTTP surface: submission, job queries,
// video delivery, the admin surface, health and metrics.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"replaymill/internal/config"
	"replaymill/internal/httpapi/handlers"
	"replaymill/internal/httpkit"
	"replaymill/internal/jobstore"
	"replaymill/internal/pkg/logger"
	"replaymill/internal/pkg/middleware"
	"replaymill/internal/ports"
)

type Deps struct {
	Store   jobstore.Store
	Queue   handlers.JobQueue
	Pool    *pgxpool.Pool
	RDB     *redis.Client
	SP      ports.StorageProvider
	Deleter handlers.Deleter
	Log     *logger.Logger

	UploadDir      string
	InfoDir        string
	MaxUploadBytes int64
	AdminPassword  string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(d.Log))
	r.Use(middleware.Logging(d.Log))

	allowedOrigins := config.CSVEnv("CORS_ALLOWED_ORIGINS", []string{
		"http://localhost:8081",
		"http://localhost:5173",
	})
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", handlers.AdminPasswordHeader},
		AllowCredentials: true,
		MaxAgeSeconds:    600,
	}))

	h := handlers.New(handlers.Deps{
		Store:          d.Store,
		Queue:          d.Queue,
		Pool:           d.Pool,
		RDB:            d.RDB,
		SP:             d.SP,
		Deleter:        d.Deleter,
		Log:            d.Log,
		UploadDir:      d.UploadDir,
		InfoDir:        d.InfoDir,
		MaxUploadBytes: d.MaxUploadBytes,
		AdminPassword:  d.AdminPassword,
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", h.Upload)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobID}", h.GetJob)
		r.Get("/stream/{jobID}", h.Stream)
		r.Get("/download/{jobID}", h.Download)
		r.Get("/download-all", h.DownloadAll)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/jobs", h.AdminListJobs)
			r.Delete("/jobs", h.AdminDeleteAll)
			r.Delete("/jobs/{jobID}", h.AdminDeleteJob)
			r.Get("/jobs/{jobID}/video", h.AdminVideo)
			r.Get("/jobs/{jobID}/info", h.AdminJobInfo)
		})
	})

	return r
}
