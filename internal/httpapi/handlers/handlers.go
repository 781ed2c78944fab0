package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"replaymill/internal/jobstore"
	"replaymill/internal/pkg/logger"
	"replaymill/internal/ports"
)

const sessionCookie = "replaymill_session"

// JobQueue is the submission side of the render queue.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int64, error)
}

// Deleter removes jobs and their artifacts. Implemented by the sweeper so
// admin deletes and retention sweeps share one code path.
type Deleter interface {
	DeleteJob(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int, error)
}

type Deps struct {
	Store   jobstore.Store
	Queue   JobQueue
	Pool    *pgxpool.Pool
	RDB     *redis.Client
	SP      ports.StorageProvider
	Deleter Deleter
	Log     *logger.Logger

	UploadDir      string
	InfoDir        string
	MaxUploadBytes int64
	AdminPassword  string
}

type Handler struct {
	store   jobstore.Store
	queue   JobQueue
	pool    *pgxpool.Pool
	rdb     *redis.Client
	sp      ports.StorageProvider
	deleter Deleter
	log     *logger.Logger

	uploadDir      string
	infoDir        string
	maxUploadBytes int64
	adminPassword  string
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		store:          d.Store,
		queue:          d.Queue,
		pool:           d.Pool,
		rdb:            d.RDB,
		sp:             d.SP,
		deleter:        d.Deleter,
		log:            log.WithComponent("httpapi"),
		uploadDir:      d.UploadDir,
		infoDir:        d.InfoDir,
		maxUploadBytes: d.MaxUploadBytes,
		adminPassword:  d.AdminPassword,
	}
}

// session returns the caller's session id, minting and setting a cookie
// when the request carries none. Jobs are scoped to this id.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(365 * 24 * time.Hour),
	})
	return id
}
