package handlers

import (
	"archive/zip"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"replaymill/internal/httpkit"
	"replaymill/internal/job"
	"replaymill/internal/jobstore"
	"replaymill/internal/metrics"
	"replaymill/internal/pkg/errors"
)

const replayExt = ".wowsreplay"

// Upload accepts a multipart replay submission, records the job and
// enqueues it. Fields besides "file": anon, no_chat, no_logs, team_tracers,
// fps, quality, webhook.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "invalid multipart body", nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "file field is required", map[string]any{"field": "file"})
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if !strings.HasSuffix(strings.ToLower(filename), replayExt) {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "file must be a .wowsreplay", map[string]any{"filename": filename})
		return
	}

	cfg, err := configFromForm(r)
	if err != nil {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	session := h.session(w, r)
	j := job.New(filename, session, cfg)
	j.SourcePath = filepath.Join(h.uploadDir, j.ID+"_"+filename)

	if err := saveUpload(j.SourcePath, file); err != nil {
		log.Error("failed to save upload", "error", err.Error())
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "failed to save upload", nil)
		return
	}

	if err := h.store.Create(ctx, j); err != nil {
		os.Remove(j.SourcePath)
		log.Error("failed to create job record", "error", err.Error())
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "failed to record job", nil)
		return
	}

	// The record must never outlive a failed enqueue; a row no slot will
	// ever pop is a stuck job.
	if err := h.queue.Enqueue(ctx, j.ID); err != nil {
		_ = h.store.Delete(ctx, j.ID)
		os.Remove(j.SourcePath)
		log.Error("failed to enqueue job", "error", err.Error())
		httpkit.WriteErr(w, 503, "UNAVAILABLE", "job queue unavailable", nil)
		return
	}

	metrics.JobsSubmittedTotal.Inc()
	log.WithJobID(j.ID).Info("job submitted", "filename", filename, "fps", cfg.FPS, "quality", cfg.Quality)

	httpkit.WriteJSON(w, 201, map[string]any{"job": j})
}

// ListJobs returns the caller's jobs in submission order.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	session := h.session(w, r)

	jobs, err := h.store.List(r.Context(), jobstore.ListFilter{SessionID: session})
	if err != nil {
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "failed to list jobs", nil)
		return
	}

	httpkit.WriteJSON(w, 200, map[string]any{"jobs": jobs})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.sessionJob(w, r)
	if !ok {
		return
	}
	httpkit.WriteJSON(w, 200, map[string]any{"job": j})
}

// Stream serves a completed job's video inline for in-browser playback.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	j, ok := h.sessionJob(w, r)
	if !ok {
		return
	}
	h.serveVideo(w, r, j, false)
}

// Download serves a completed job's video as an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	j, ok := h.sessionJob(w, r)
	if !ok {
		return
	}
	h.serveVideo(w, r, j, true)
}

// DownloadAll streams a zip of every completed video in the session.
func (h *Handler) DownloadAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := h.session(w, r)

	jobs, err := h.store.List(ctx, jobstore.ListFilter{Status: job.StatusCompleted, SessionID: session})
	if err != nil {
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "failed to list jobs", nil)
		return
	}
	if len(jobs) == 0 {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "no completed videos in this session", nil)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="replays.zip"`)
	w.WriteHeader(200)

	zw := zip.NewWriter(w)
	defer zw.Close()

	seen := make(map[string]int, len(jobs))
	for _, j := range jobs {
		rc, _, _, err := h.sp.GetObject(ctx, j.OutputPath)
		if err != nil {
			h.log.WithJobID(j.ID).Warn("video missing from storage", "object_key", j.OutputPath, "error", err.Error())
			continue
		}
		name := videoName(j)
		if n := seen[name]; n > 0 {
			stem := strings.TrimSuffix(name, ".mp4")
			name = stem + "_" + strconv.Itoa(n+1) + ".mp4"
		}
		seen[videoName(j)]++
		entry, err := zw.Create(name)
		if err == nil {
			_, err = io.Copy(entry, rc)
		}
		rc.Close()
		if err != nil {
			// Mid-stream, nothing to send but a truncated archive.
			h.log.WithJobID(j.ID).Error("zip write failed", "error", err.Error())
			return
		}
	}
}

// sessionJob loads the job in the URL and checks it belongs to the caller's
// session. Foreign jobs read as not found so ids cannot be probed.
func (h *Handler) sessionJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	jobID := chi.URLParam(r, "jobID")
	session := h.session(w, r)

	j, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			httpkit.WriteErr(w, 404, "NOT_FOUND", "job not found", map[string]any{"job_id": jobID})
		} else {
			httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "failed to load job", nil)
		}
		return nil, false
	}
	if j.SessionID != session {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "job not found", map[string]any{"job_id": jobID})
		return nil, false
	}
	return j, true
}

func (h *Handler) serveVideo(w http.ResponseWriter, r *http.Request, j *job.Job, download bool) {
	if j.Status != job.StatusCompleted {
		httpkit.WriteErr(w, 409, "CONFLICT", "job has no video yet", map[string]any{"status": string(j.Status)})
		return
	}

	rc, contentType, size, err := h.sp.GetObject(r.Context(), j.OutputPath)
	if err != nil {
		h.log.WithJobID(j.ID).Error("video missing from storage", "object_key", j.OutputPath, "error", err.Error())
		httpkit.WriteErr(w, 404, "NOT_FOUND", "video not found in storage", nil)
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if download {
		w.Header().Set("Content-Disposition", `attachment; filename="`+videoName(j)+`"`)
	}

	_, _ = io.Copy(w, rc)
}

func configFromForm(r *http.Request) (job.Config, error) {
	cfg := job.DefaultConfig()
	cfg.Anonymize = formBool(r, "anon")
	cfg.NoChat = formBool(r, "no_chat")
	cfg.NoLogs = formBool(r, "no_logs")
	cfg.TeamTracers = formBool(r, "team_tracers")

	if v := strings.TrimSpace(r.FormValue("fps")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Validationf("fps must be an integer, got %q", v)
		}
		cfg.FPS = n
	}
	if v := strings.TrimSpace(r.FormValue("quality")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Validationf("quality must be an integer, got %q", v)
		}
		cfg.Quality = n
	}
	cfg.WebhookURL = strings.TrimSpace(r.FormValue("webhook"))

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func formBool(r *http.Request, field string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.FormValue(field)))
	return err == nil && v
}

func saveUpload(dst string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, src)
	return err
}

// videoName is the download filename: the replay's stem plus .mp4.
func videoName(j *job.Job) string {
	stem := strings.TrimSuffix(j.Filename, filepath.Ext(j.Filename))
	return stem + ".mp4"
}
