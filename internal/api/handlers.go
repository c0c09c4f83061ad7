package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voteraction/rollimport-worker/internal/processor"
	"github.com/voteraction/rollimport-worker/internal/queue"
	"github.com/voteraction/rollimport-worker/internal/rollparser"
	"github.com/voteraction/rollimport-worker/internal/storage"
)

const (
	listLimit       = 50
	similarLimit    = 10
	maxSimilarLimit = 100
	sniffLen        = 512
	multipartMemory = 32 << 20
)

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.config.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	queueStats, err := s.config.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read queue stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	storageStats, err := s.config.Store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read storage stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read storage stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":   queueStats,
		"storage": storageStats,
	})
}

// POST /api/v1/parse
// Body: raw roll text. Query: village, area.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxFileSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}

	opts := s.config.Profile.ParserOptions()
	if v := strings.TrimSpace(r.URL.Query().Get("village")); v != "" {
		opts.Defaults.Village = v
	}
	if a := strings.TrimSpace(r.URL.Query().Get("area")); a != "" {
		opts.Defaults.Area = a
	}

	writeJSON(w, http.StatusOK, rollparser.New(opts).Parse(string(body)))
}

// uploadForm is the job metadata sent alongside uploaded files.
type uploadForm struct {
	assemblyID    int
	boothNumber   *int
	boothName     string
	commonAddress string
	startPage     int
	endPage       int
}

func parseUploadForm(form *multipart.Form) (*uploadForm, error) {
	value := func(key string) string {
		if vs := form.Value[key]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}
	optionalInt := func(key string) (int, error) {
		v := value(key)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return n, nil
	}

	f := &uploadForm{
		boothName:     value("boothName"),
		commonAddress: value("commonAddress"),
	}

	var err error
	if f.assemblyID, err = optionalInt("assemblyId"); err != nil {
		return nil, err
	}
	if f.assemblyID == 0 {
		return nil, fmt.Errorf("files and assemblyId are required")
	}
	if value("boothNumber") != "" {
		booth, err := optionalInt("boothNumber")
		if err != nil {
			return nil, err
		}
		f.boothNumber = &booth
	}
	if f.startPage, err = optionalInt("startPage"); err != nil {
		return nil, err
	}
	if f.endPage, err = optionalInt("endPage"); err != nil {
		return nil, err
	}
	if f.endPage > 0 && f.startPage > f.endPage {
		return nil, fmt.Errorf("startPage must not be after endPage")
	}
	return f, nil
}

// POST /api/v1/jobs
// Multipart: file (one or more), assemblyId, boothNumber, boothName,
// commonAddress, startPage, endPage.
func (s *Server) handleCreateJobs(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxFileSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "files and assemblyId are required")
		return
	}
	form, err := parseUploadForm(r.MultipartForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		s.logger.Error("Failed to create upload directory", "dir", s.config.UploadDir, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	jobs := make([]*storage.Job, 0, len(files))
	for _, fh := range files {
		job, status, err := s.createJob(r.Context(), fh, form)
		if err != nil {
			writeError(w, status, err.Error())
			return
		}
		jobs = append(jobs, job)
	}

	s.logger.Info("Queued roll uploads", "jobs", len(jobs), "assembly_id", form.assemblyID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"jobs":    jobs,
		"message": fmt.Sprintf("Queued %d file(s) for import.", len(jobs)),
	})
}

// createJob stores one uploaded file, records its pending job and enqueues
// it. The returned status is the HTTP status to report on failure.
func (s *Server) createJob(ctx context.Context, fh *multipart.FileHeader, form *uploadForm) (*storage.Job, int, error) {
	if fh.Size > s.config.MaxFileSize {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("%s exceeds the maximum file size", fh.Filename)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("failed to read %s", fh.Filename)
	}
	defer src.Close()

	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(src, head)
	if processor.DetectFileKind(head[:n], fh.Filename) == "" {
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("%s is not a PDF, image or text roll", fh.Filename)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to read %s", fh.Filename)
	}

	path := filepath.Join(s.config.UploadDir, uploadName(fh.Filename, time.Now()))
	if err := saveFile(src, path); err != nil {
		s.logger.Error("Failed to save upload", "path", path, "error", err)
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to store %s", fh.Filename)
	}

	job := &storage.Job{
		ID:            uuid.New().String(),
		FileName:      fh.Filename,
		FilePath:      path,
		AssemblyID:    form.assemblyID,
		BoothNumber:   form.boothNumber,
		BoothName:     form.boothName,
		CommonAddress: form.commonAddress,
		StartPage:     form.startPage,
		EndPage:       form.endPage,
		Status:        storage.StatusPending,
	}
	if err := s.config.Store.CreateJob(ctx, job); err != nil {
		os.Remove(path)
		s.logger.Error("Failed to create job", "file", fh.Filename, "error", err)
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to create job for %s", fh.Filename)
	}

	err = s.config.Queue.Enqueue(ctx, &queue.JobPayload{
		JobID:         job.ID,
		FileName:      job.FileName,
		FilePath:      job.FilePath,
		AssemblyID:    job.AssemblyID,
		BoothNumber:   job.BoothNumber,
		BoothName:     job.BoothName,
		CommonAddress: job.CommonAddress,
		StartPage:     job.StartPage,
		EndPage:       job.EndPage,
	})
	if err != nil {
		s.logger.Error("Failed to enqueue job", "job_id", job.ID, "error", err)
		if uerr := s.config.Store.UpdateJobStatus(ctx, &storage.JobUpdate{
			JobID:        job.ID,
			Status:       storage.StatusFailed,
			ErrorMessage: "failed to enqueue job",
			Completed:    true,
		}); uerr != nil {
			s.logger.Warn("Failed to mark unqueued job", "job_id", job.ID, "error", uerr)
		}
		os.Remove(path)
		return nil, http.StatusServiceUnavailable, fmt.Errorf("failed to queue %s", fh.Filename)
	}

	return job, 0, nil
}

func saveFile(src io.Reader, path string) error {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}

// uploadName is a unique, filesystem-safe name for an uploaded file:
// the upload time in milliseconds, then the sanitised original name.
func uploadName(original string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	safe := strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, base)
	safe = strings.TrimLeft(safe, ".")
	if strings.Trim(safe, "._") == "" {
		safe = "roll"
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), safe)
}

// GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.config.Store.ListJobs(r.Context(), listLimit)
	if err != nil {
		s.logger.Error("Failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.config.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// jobLocationRequest is the PATCH body. boothNumber accepts a number or a
// numeric string; empty or null clears it.
type jobLocationRequest struct {
	BoothNumber   json.RawMessage `json:"boothNumber"`
	BoothName     string          `json:"boothName"`
	CommonAddress string          `json:"commonAddress"`
}

func (req *jobLocationRequest) location() (storage.JobLocation, error) {
	loc := storage.JobLocation{
		BoothName:     strings.TrimSpace(req.BoothName),
		CommonAddress: strings.TrimSpace(req.CommonAddress),
	}

	raw := strings.TrimSpace(string(req.BoothNumber))
	if raw == "" || raw == "null" || raw == `""` {
		return loc, nil
	}
	var text string
	if err := json.Unmarshal(req.BoothNumber, &text); err == nil {
		raw = strings.TrimSpace(text)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return loc, fmt.Errorf("boothNumber must be a non-negative integer")
	}
	loc.BoothNumber = &n
	return loc, nil
}

// PATCH /api/v1/jobs/{id}
func (s *Server) handleUpdateJobLocation(w http.ResponseWriter, r *http.Request) {
	var req jobLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	loc, err := req.location()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, moved, err := s.config.Store.UpdateJobLocation(r.Context(), chi.URLParam(r, "id"), loc)
	if err != nil {
		s.storeError(w, "update job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"job":         job,
		"votersMoved": moved,
	})
}

// DELETE /api/v1/jobs/{id}
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, voters, err := s.config.Store.DeleteJob(r.Context(), id)
	if err != nil {
		s.storeError(w, "delete job", err)
		return
	}

	if job.FilePath != "" {
		if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove job file", "job_id", id, "path", job.FilePath, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"votersDeleted": voters,
		"message":       fmt.Sprintf("Job %s and %d voters deleted successfully.", id, voters),
	})
}

// GET /api/v1/voters/{epic}
func (s *Server) handleGetVoter(w http.ResponseWriter, r *http.Request) {
	epic := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "epic")))
	voter, err := s.config.Store.GetVoter(r.Context(), epic)
	if err != nil {
		s.storeError(w, "get voter", err)
		return
	}
	writeJSON(w, http.StatusOK, voter)
}

// GET /api/v1/voters/{epic}/similar?limit=
func (s *Server) handleSimilarVoters(w http.ResponseWriter, r *http.Request) {
	if !s.config.Store.SimilarityEnabled() {
		writeError(w, http.StatusServiceUnavailable, "near-duplicate index is not configured")
		return
	}

	limit := similarLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSimilarLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxSimilarLimit))
			return
		}
		limit = n
	}

	epic := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "epic")))
	similar, err := s.config.Store.FindSimilarVoters(r.Context(), epic, limit)
	if err != nil {
		s.storeError(w, "find similar voters", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epic":    epic,
		"similar": similar,
	})
}

// storeError maps storage errors to HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrJobBusy):
		writeError(w, http.StatusBadRequest, "cannot change a job while it is processing or waiting for a retry")
	default:
		s.logger.Error("Storage operation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to %s", op))
	}
}
