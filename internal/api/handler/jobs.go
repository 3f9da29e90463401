package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/BZM2000/ai-toolkit/internal/api/middleware"
	"github.com/BZM2000/ai-toolkit/internal/api/response"
	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/modules"
	"github.com/BZM2000/ai-toolkit/internal/quota"
	"github.com/BZM2000/ai-toolkit/internal/storage"
	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// maxUploadBytes bounds a whole submission, all files included.
const maxUploadBytes = 64 << 20

// multiFileFields lists payload keys that take a list of files. Every other
// file field carries exactly one upload.
var multiFileFields = map[string]bool{
	"documents": true,
}

type fileRef struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// NewSubmitHandler returns the handler for POST /api/v1/jobs/{module}.
// The request is multipart/form-data: a "payload" field with the module's
// JSON parameters plus one file part per payload file field. Uploads are
// staged under the job's directory before the job row is created.
func NewSubmitHandler(eng *engine.Engine, files *storage.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		moduleKey := chi.URLParam(r, "module")

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Request must be multipart/form-data within the size limit", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		var payload map[string]any
		raw := r.FormValue("payload")
		if raw == "" {
			raw = "{}"
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"payload field must be a JSON object", nil)
			return
		}

		jobID := uuid.New()
		if err := stageUploads(files, jobID, r.MultipartForm, payload); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		merged, err := json.Marshal(payload)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", nil)
			return
		}

		job, err := eng.SubmitWithID(r.Context(), jobID, userID, moduleKey, merged)
		if err != nil {
			// Submission failed; drop anything staged for this job.
			files.RemoveJobDir(jobID)
			writeSubmitError(w, err)
			return
		}

		response.Accepted(w, submitResponse{
			JobID:     job.ID,
			Status:    job.Status,
			StatusURL: fmt.Sprintf("/api/v1/jobs/%s", job.ID),
		})
	}
}

type submitResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	StatusURL string    `json:"status_url"`
}

// stageUploads saves each file part under the job directory and injects the
// resulting refs into the payload map under the part's field name.
func stageUploads(files *storage.Manager, jobID uuid.UUID, form *multipart.Form, payload map[string]any) error {
	for field, headers := range form.File {
		if len(headers) > 1 && !multiFileFields[field] {
			return fmt.Errorf("field %q takes a single file", field)
		}

		var refs []fileRef
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return fmt.Errorf("reading upload %q: %w", fh.Filename, err)
			}
			name := filepath.Base(fh.Filename)
			rel, _, err := files.SaveUpload(jobID, name, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("saving upload %q: %w", fh.Filename, err)
			}
			refs = append(refs, fileRef{Filename: name, Path: rel})
		}
		if len(refs) == 0 {
			continue
		}

		if multiFileFields[field] {
			payload[field] = refs
		} else {
			payload[field] = refs[0]
		}
	}
	return nil
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var admission *quota.AdmissionError
	switch {
	case errors.As(err, &admission):
		response.Error(w, http.StatusForbidden, "QUOTA_EXCEEDED", admission.Message,
			map[string]any{
				"kind":  admission.Kind,
				"used":  admission.Used,
				"limit": admission.Limit,
			})
	case errors.Is(err, engine.ErrUnknownModule):
		response.Error(w, http.StatusNotFound, "UNKNOWN_MODULE",
			"No such tool module", nil)
	case errors.Is(err, modules.ErrInvalidPayload):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		view, err := eng.GetJob(r.Context(), jobID, userID, mw.IsAdmin(r))
		if err != nil {
			writeJobError(w, err)
			return
		}

		response.JSON(w, newJobStatusResponse(view))
	}
}

type jobStatusResponse struct {
	Job         *models.Job   `json:"job"`
	Items       []jobItemView `json:"items"`
	DownloadURL *string       `json:"download_url,omitempty"`
	FilesPurged bool          `json:"files_purged"`
}

type jobItemView struct {
	ID           uuid.UUID `json:"id"`
	Round        int       `json:"round"`
	Ordinal      int       `json:"ordinal"`
	Label        string    `json:"label"`
	Status       string    `json:"status"`
	StatusDetail *string   `json:"status_detail,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	DownloadURL  *string   `json:"download_url,omitempty"`
}

func newJobStatusResponse(view *engine.JobView) jobStatusResponse {
	resp := jobStatusResponse{
		Job:         view.Job,
		Items:       make([]jobItemView, 0, len(view.Items)),
		FilesPurged: view.Job.Purged(),
	}
	if view.Job.Status == models.JobStatusCompleted && !view.Job.Purged() && view.Job.OutputPath != nil {
		u := fmt.Sprintf("/api/v1/jobs/%s/download", view.Job.ID)
		resp.DownloadURL = &u
	}
	for _, item := range view.Items {
		iv := jobItemView{
			ID:           item.ID,
			Round:        item.Round,
			Ordinal:      item.Ordinal,
			Label:        item.Label,
			Status:       item.Status,
			StatusDetail: item.StatusDetail,
			ErrorMessage: item.ErrorMessage,
			AttemptCount: item.AttemptCount,
		}
		if item.Status == models.JobStatusCompleted && !view.Job.Purged() && item.OutputPath != nil {
			u := fmt.Sprintf("/api/v1/jobs/%s/items/%s/download", view.Job.ID, item.ID)
			iv.DownloadURL = &u
		}
		resp.Items = append(resp.Items, iv)
	}
	return resp
}

// NewJobDownloadHandler returns the handler for GET /api/v1/jobs/{jobID}/download.
// Purged jobs answer 410 Gone, distinct from 404.
func NewJobDownloadHandler(eng *engine.Engine, files *storage.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		rel, err := eng.ResolveDownload(r.Context(), jobID, userID, mw.IsAdmin(r))
		if err != nil {
			writeJobError(w, err)
			return
		}

		serveArtifact(w, files, rel)
	}
}

// NewItemDownloadHandler returns the handler for
// GET /api/v1/jobs/{jobID}/items/{itemID}/download.
func NewItemDownloadHandler(eng *engine.Engine, files *storage.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}
		itemID, err := uuid.Parse(chi.URLParam(r, "itemID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid item id", nil)
			return
		}

		view, err := eng.GetJob(r.Context(), jobID, userID, mw.IsAdmin(r))
		if err != nil {
			writeJobError(w, err)
			return
		}
		if view.Job.Purged() {
			response.Error(w, http.StatusGone, "GONE",
				"Job files have been purged by retention", nil)
			return
		}

		for _, item := range view.Items {
			if item.ID != itemID {
				continue
			}
			if item.OutputPath == nil {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
					"Item has no output", nil)
				return
			}
			serveArtifact(w, files, *item.OutputPath)
			return
		}
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Item not found", nil)
	}
}

func serveArtifact(w http.ResponseWriter, files *storage.Manager, rel string) {
	f, err := files.Open(rel)
	if err != nil {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
			"Output file not found", nil)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(rel)))
	io.Copy(w, f)
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrGone):
		response.Error(w, http.StatusGone, "GONE",
			"Job files have been purged by retention", nil)
	case errors.Is(err, engine.ErrForbidden):
		response.Error(w, http.StatusForbidden, "FORBIDDEN",
			"Job belongs to another user", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
