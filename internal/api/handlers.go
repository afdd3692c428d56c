package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/beatsync/internal/db"
	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/presets"
	"github.com/bobarin/beatsync/internal/storage"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// Jobs is the orchestrator surface the handlers use.
type Jobs interface {
	Submit(ctx context.Context, req models.CreateRequest) (*models.SubmitResponse, error)
	SubmitAnalyze(ctx context.Context, req models.AnalyzeRequest) (*models.AnalyzeResponse, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context, filter db.ListFilter) ([]*models.SyncJob, int, error)
}

// Uploader stores raw inputs so they can be referenced by key.
type Uploader interface {
	PutInput(ctx context.Context, uploadID, name string, data []byte, contentType string) (string, error)
}

// FileServer serves objects behind local signed URLs.
type FileServer interface {
	Verify(key, expires, sig string) error
	Open(key string) (*os.File, error)
}

type Handler struct {
	jobs           Jobs
	presets        *presets.Registry
	uploads        Uploader   // optional
	files          FileServer // optional, local backend only
	maxUploadBytes int64
	logger         zerolog.Logger
}

type HandlerConfig struct {
	Jobs           Jobs
	Presets        *presets.Registry
	Uploads        Uploader
	Files          FileServer
	MaxUploadBytes int64
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		jobs:           cfg.Jobs,
		presets:        cfg.Presets,
		uploads:        cfg.Uploads,
		files:          cfg.Files,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         xlog.WithComponent("api"),
	}
}

// SubmitAnalyze handles POST /v1/analyze
func (h *Handler) SubmitAnalyze(w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.jobs.SubmitAnalyze(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// GetAnalyze handles GET /v1/analyze/{id}
func (h *Handler) GetAnalyze(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r, models.JobTypeAnalyze)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, models.AnalyzeStatusResponse{
		Status:  job.Status,
		BeatMap: job.BeatMap,
		Error:   job.Error,
	})
}

// SubmitCreate handles POST /v1/create
func (h *Handler) SubmitCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// GetCreate handles GET /v1/create/{id}
func (h *Handler) GetCreate(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r, models.JobTypeCreate)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, models.CreateStatusResponse{
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Result:      job.Result,
		Error:       job.Error,
	})
}

// CancelCreate handles DELETE /v1/create/{id}
func (h *Handler) CancelCreate(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r, models.JobTypeCreate)
	if !ok {
		return
	}

	cancelled, err := h.jobs.Cancel(r.Context(), job.ID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.CancelResponse{Cancelled: cancelled})
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - status: queued, processing, completed, failed or cancelled
//   - type:   analyze or create
//   - limit:  page size (default 50, max 500)
//   - offset: number of jobs to skip
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := db.ListFilter{
		Status: models.JobStatus(q.Get("status")),
		Type:   models.JobType(q.Get("type")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: queued, processing, completed, failed, cancelled")
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		respondError(w, http.StatusBadRequest, "Invalid type filter. Allowed: analyze, create")
		return
	}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}
	filter = filter.Normalize()

	jobs, total, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.SyncJob{}
	}

	respondJSON(w, http.StatusOK, models.ListJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// ListPresets handles GET /v1/presets
func (h *Handler) ListPresets(w http.ResponseWriter, r *http.Request) {
	list := []presets.Preset{}
	if h.presets != nil {
		list = h.presets.List()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"presets": list})
}

// ListTransitions handles GET /v1/transitions
func (h *Handler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"transitions": models.Transitions()})
}

// Upload handles POST /v1/uploads?name=song.mp3. The body is the raw file.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		respondError(w, http.StatusNotFound, "Uploads are disabled")
		return
	}

	name := path.Base(strings.TrimSpace(r.URL.Query().Get("name")))
	if name == "" || name == "." || name == "/" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	body := io.Reader(r.Body)
	if h.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		respondError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "Upload is empty")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	key, err := h.uploads.PutInput(r.Context(), uuid.New().String(), name, data, contentType)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.UploadResponse{Ref: key})
}

// ServeFile handles GET /files/* for URLs signed by the local backend.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		respondError(w, http.StatusNotFound, "Not found")
		return
	}

	key := chi.URLParam(r, "*")
	q := r.URL.Query()
	if err := h.files.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	f, err := h.files.Open(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Not found")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid key")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read file")
		return
	}
	if ct := models.OutputContentType(strings.TrimPrefix(path.Ext(key), ".")); ct != "application/octet-stream" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, path.Base(key), info.ModTime(), f)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadJob parses the {id} param and fetches the job, answering 404 for
// unknown IDs and for jobs of the other type.
func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request, jobType models.JobType) (*models.SyncJob, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}

	job, err := h.jobs.GetStatus(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return nil, false
	}
	if job.Type != jobType {
		respondError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	return job, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// respondErr maps an orchestrator error onto a status code. Internal
// details stay in the log.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, db.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	var merr *models.Error
	if errors.As(err, &merr) {
		switch merr.Code {
		case models.CodeInputError:
			respondJSON(w, http.StatusBadRequest, errorBody{Error: merr.Message, Code: merr.Code})
			return
		case models.CodeStorageError:
			h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("storage unavailable")
			respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Storage unavailable", Code: merr.Code})
			return
		}
	}

	h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	respondJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal error", Code: models.CodeInternal})
}

type errorBody struct {
	Error string           `json:"error"`
	Code  models.ErrorCode `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorBody{Error: message})
}
