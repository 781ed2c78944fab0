package handlers

import (
	"crypto/subtle"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"replaymill/internal/httpkit"
	"replaymill/internal/job"
	"replaymill/internal/jobstore"
	"replaymill/internal/pkg/errors"
)

// AdminPasswordHeader carries the shared admin secret.
const AdminPasswordHeader = "X-Admin-Password"

// requireAdmin gates the admin surface. With no password configured the
// surface is disabled outright.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.adminPassword == "" {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "not found", nil)
		return false
	}
	given := r.Header.Get(AdminPasswordHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(h.adminPassword)) != 1 {
		httpkit.WriteErr(w, 401, "UNAUTHORIZED", "invalid admin password", nil)
		return false
	}
	return true
}

// AdminListJobs returns every job regardless of session.
func (h *Handler) AdminListJobs(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	jobs, err := h.store.List(r.Context(), jobstore.ListFilter{})
	if err != nil {
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "failed to list jobs", nil)
		return
	}

	// Admins see the session scoping the public view hides.
	type adminJob struct {
		*job.Job
		SessionID  string `json:"session_id"`
		OutputPath string `json:"output_path,omitempty"`
	}
	out := make([]adminJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, adminJob{Job: j, SessionID: j.SessionID, OutputPath: j.OutputPath})
	}

	httpkit.WriteJSON(w, 200, map[string]any{"jobs": out})
}

// AdminDeleteJob removes one job and its artifacts. Processing jobs are
// refused with a conflict.
func (h *Handler) AdminDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	jobID := chi.URLParam(r, "jobID")

	if err := h.deleter.DeleteJob(r.Context(), jobID); err != nil {
		httpkit.WriteError(w, err)
		return
	}

	h.log.WithJobID(jobID).Info("job deleted by admin")
	httpkit.WriteJSON(w, 200, map[string]any{"deleted": jobID})
}

// AdminDeleteAll removes every job that is not currently processing.
func (h *Handler) AdminDeleteAll(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	deleted, err := h.deleter.DeleteAll(r.Context())
	if err != nil {
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "failed to delete jobs", nil)
		return
	}

	h.log.Info("all jobs deleted by admin", "count", deleted)
	httpkit.WriteJSON(w, 200, map[string]any{"deleted": deleted})
}

// AdminVideo serves any job's video without session scoping.
func (h *Handler) AdminVideo(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	jobID := chi.URLParam(r, "jobID")

	j, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			httpkit.WriteErr(w, 404, "NOT_FOUND", "job not found", map[string]any{"job_id": jobID})
		} else {
			httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "failed to load job", nil)
		}
		return
	}

	h.serveVideo(w, r, j, false)
}

// AdminJobInfo serves the player-info JSON the renderer extracted.
func (h *Handler) AdminJobInfo(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	jobID := chi.URLParam(r, "jobID")

	f, err := os.Open(filepath.Join(h.infoDir, jobID+".json"))
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "no player info for job", map[string]any{"job_id": jobID})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.Copy(w, f)
}
