/**
 * Voter-roll Import Processor
 *
 * Orchestrates one import job end to end:
 * - text extraction (text layer, column OCR or image OCR)
 * - roll parsing into voter records
 * - EPIC filtering and de-duplication
 * - voter upsert and household family-size sync
 * - job status and progress reporting
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/voteraction/rollimport-worker/internal/config"
	apperrors "github.com/voteraction/rollimport-worker/internal/errors"
	"github.com/voteraction/rollimport-worker/internal/logging"
	"github.com/voteraction/rollimport-worker/internal/rollparser"
	"github.com/voteraction/rollimport-worker/internal/storage"
)

// MinTextChars is the shortest extracted text worth parsing.
const MinTextChars = 50

// Progress checkpoints outside the OCR span.
const (
	progressStarted   = 5
	progressExtracted = 40
	progressParsed    = 45
	progressSaved     = 90
	progressDone      = 100
)

// ImportProcessorInterface defines the interface for import processing
type ImportProcessorInterface interface {
	ProcessImport(ctx context.Context, req *ImportRequest) (*ImportResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// JobStore records job status.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// VoterSink persists voters and recomputes household sizes.
type VoterSink interface {
	SaveVoters(ctx context.Context, voters []storage.VoterRecord) (*storage.UpsertResult, error)
	SyncFamilySizes(ctx context.Context, assemblyID int, households []storage.Household) (int, error)
}

// Extractor turns a roll file into text.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Jobs      JobStore
	Voters    VoterSink
	Extractor Extractor
	Profile   *config.Profile

	MinEPICLength         int
	FingerprintDimensions int
	ProcessingTimeout     time.Duration
	DeleteAfterImport     bool
}

// ImportRequest represents one queued import job
type ImportRequest struct {
	JobID         string
	FileName      string
	FilePath      string
	AssemblyID    int
	BoothNumber   *int
	BoothName     string
	CommonAddress string
	StartPage     int
	EndPage       int

	// RetryPending is set by the queue when a transient failure of this
	// attempt will be retried; the file is then kept.
	RetryPending bool
}

// ImportResult represents the processing result
type ImportResult struct {
	TotalParsed      int            `json:"totalParsed"`
	ValidVoters      int            `json:"validVoters"`
	Duplicates       int            `json:"duplicates"`
	Rejected         int            `json:"rejected"`
	Created          int            `json:"created"`
	Updated          int            `json:"updated"`
	Skipped          int            `json:"skipped"`
	FamiliesSynced   int            `json:"familiesSynced"`
	Pages            int            `json:"pages"`
	TextSource       string         `json:"textSource"`
	FieldsDefaulted  map[string]int `json:"fieldsDefaulted"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}

// VoterImportProcessor handles import jobs
type VoterImportProcessor struct {
	config    *ProcessorConfig
	jobs      JobStore
	voters    VoterSink
	extractor Extractor
	profile   *config.Profile
	logger    *logging.Logger
}

// NewVoterImportProcessor creates a new import processor
func NewVoterImportProcessor(cfg *ProcessorConfig) (*VoterImportProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Voters == nil {
		return nil, fmt.Errorf("voter sink is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("text extractor is required")
	}

	profile := cfg.Profile
	if profile == nil {
		profile = config.DefaultProfile()
	}
	if cfg.MinEPICLength <= 0 {
		cfg.MinEPICLength = 9
	}

	return &VoterImportProcessor{
		config:    cfg,
		jobs:      cfg.Jobs,
		voters:    cfg.Voters,
		extractor: cfg.Extractor,
		profile:   profile,
		logger:    logging.NewLogger("Processor"),
	}, nil
}

// ProcessImport runs an import job through the complete pipeline
func (p *VoterImportProcessor) ProcessImport(ctx context.Context, req *ImportRequest) (res *ImportResult, err error) {
	startTime := time.Now()
	log := p.logger.With("job_id", req.JobID)
	log.Info("Starting import pipeline", "file", req.FileName)

	// Step 1: Check the uploaded file is still there
	if _, err := os.Stat(req.FilePath); err != nil {
		perr := apperrors.NewFileNotFoundError(req.JobID, req.FilePath)
		p.fail(ctx, req, 0, perr)
		return nil, perr
	}

	if p.config.DeleteAfterImport {
		defer func() {
			if err != nil && req.RetryPending && apperrors.IsRetryable(err) {
				log.Info("Keeping file for retry", "path", req.FilePath)
				return
			}
			p.removeFile(req)
		}()
	}

	if p.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessingTimeout)
		defer cancel()
	}

	progress := progressStarted
	setProgress := func(pct int) {
		progress = pct
		if err := p.UpdateJobStatus(ctx, req.JobID, storage.StatusProcessing, pct, nil); err != nil {
			log.Warn("Failed to record progress", "progress", pct, "error", err)
		}
	}

	// Step 2: Mark processing
	if err := p.UpdateJobStatus(ctx, req.JobID, storage.StatusProcessing, progressStarted, map[string]interface{}{
		"fileName": req.FileName,
	}); err != nil {
		return nil, apperrors.NewDatabaseFailedError(req.JobID, "mark processing", err)
	}

	// Step 3: Extract text
	log.Info("Step 3: Extracting text")
	extracted, err := p.extractor.Extract(ctx, ExtractRequest{
		JobID:     req.JobID,
		Path:      req.FilePath,
		FileName:  req.FileName,
		StartPage: req.StartPage,
		EndPage:   req.EndPage,
		Progress:  setProgress,
	})
	if err != nil {
		return nil, p.failWith(ctx, req, progress, err)
	}
	log.Info("Text extracted",
		"source", extracted.Source,
		"pages", extracted.Pages,
		"chars", len(extracted.Text),
		"confidence", extracted.Confidence)

	// Step 4: Reject empty extractions
	if chars := len(strings.TrimSpace(extracted.Text)); chars < MinTextChars {
		return nil, p.failWith(ctx, req, progress, apperrors.NewNoTextError(req.JobID, chars))
	}
	setProgress(progressExtracted)

	// Step 5: Parse
	parsed := rollparser.New(p.parserOptions(req)).Parse(extracted.Text)
	log.Info("Step 5: Roll parsed",
		"records", len(parsed.Records),
		"pages", parsed.Pages,
		"rejected_blocks", parsed.RejectedBlocks)
	setProgress(progressParsed)

	// Step 6: Filter and build records
	records, duplicates, rejected := p.buildRecords(req, parsed.Records)

	// Step 7: Persist
	saved, err := p.voters.SaveVoters(ctx, records)
	if err != nil {
		return nil, p.failWith(ctx, req, progress, apperrors.NewStorageFailedError(req.JobID, err))
	}
	setProgress(progressSaved)

	// Step 8: Family sizes
	synced, err := p.voters.SyncFamilySizes(ctx, req.AssemblyID, households(records))
	if err != nil {
		return nil, p.failWith(ctx, req, progress, apperrors.NewDatabaseFailedError(req.JobID, "sync family sizes", err))
	}

	result := &ImportResult{
		TotalParsed:      len(parsed.Records),
		ValidVoters:      len(records),
		Duplicates:       duplicates,
		Rejected:         rejected,
		Created:          saved.Created,
		Updated:          saved.Updated,
		Skipped:          saved.Skipped,
		FamiliesSynced:   synced,
		Pages:            parsed.Pages,
		TextSource:       extracted.Source,
		FieldsDefaulted:  parsed.FieldsDefaulted,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
	}

	// Step 9: Complete
	if err := p.UpdateJobStatus(ctx, req.JobID, storage.StatusCompleted, progressDone, map[string]interface{}{
		"totalVoters":    result.ValidVoters,
		"logs":           fmt.Sprintf("Success. Created: %d, Updated: %d.", result.Created, result.Updated),
		"completed":      true,
		"textSource":     result.TextSource,
		"duplicates":     result.Duplicates,
		"rejected":       result.Rejected,
		"skipped":        result.Skipped,
		"familiesSynced": result.FamiliesSynced,
		"processingTime": result.ProcessingTimeMs,
	}); err != nil {
		return nil, apperrors.NewDatabaseFailedError(req.JobID, "mark completed", err)
	}

	log.Info("Import pipeline complete",
		"created", result.Created,
		"updated", result.Updated,
		"duplicates", result.Duplicates,
		"rejected", result.Rejected,
		"duration_ms", result.ProcessingTimeMs)

	return result, nil
}

// parserOptions applies the job's booth name and common address over the
// profile defaults.
func (p *VoterImportProcessor) parserOptions(req *ImportRequest) rollparser.Options {
	opts := p.profile.ParserOptions()
	if req.BoothName != "" {
		opts.Defaults.Village = req.BoothName
	}
	if req.CommonAddress != "" {
		opts.Defaults.Area = req.CommonAddress
	}
	return opts
}

// buildRecords drops short and repeated EPICs and maps parsed voters to
// storage records.
func (p *VoterImportProcessor) buildRecords(req *ImportRequest, voters []rollparser.Voter) ([]storage.VoterRecord, int, int) {
	seen := make(map[string]struct{}, len(voters))
	records := make([]storage.VoterRecord, 0, len(voters))
	duplicates, rejected := 0, 0

	booth := 0
	if req.BoothNumber != nil {
		booth = *req.BoothNumber
	}
	area := joinNonEmpty(", ", req.BoothName, req.CommonAddress)

	for _, v := range voters {
		if len(v.EPIC) < p.config.MinEPICLength {
			rejected++
			continue
		}
		if _, dup := seen[v.EPIC]; dup {
			duplicates++
			continue
		}
		seen[v.EPIC] = struct{}{}

		rec := storage.VoterRecord{
			EPIC:         v.EPIC,
			Name:         orDefault(v.Name, "Unknown"),
			RelativeName: v.RelativeName,
			RelationType: orDefault(string(v.RelationType), string(rollparser.RelationFather)),
			Age:          v.Age,
			Gender:       orDefault(string(v.Gender), string(rollparser.GenderMale)),
			HouseNumber:  v.HouseNumber,
			BoothNumber:  booth,
			Village:      v.Village,
			Area:         orDefault(area, v.Area),
			AssemblyID:   req.AssemblyID,
			ImportJobID:  req.JobID,
			OriginalText: v.OriginalText,
		}
		if p.config.FingerprintDimensions > 0 {
			rec.Fingerprint = FingerprintVoter(rec, p.config.FingerprintDimensions)
		}
		records = append(records, rec)
	}
	return records, duplicates, rejected
}

// households returns the distinct households touched by records. Voters
// without a house number belong to none.
func households(records []storage.VoterRecord) []storage.Household {
	seen := make(map[storage.Household]struct{})
	out := make([]storage.Household, 0)
	for _, r := range records {
		if r.HouseNumber == "" {
			continue
		}
		h := storage.Household{Village: r.Village, Area: r.Area, HouseNumber: r.HouseNumber}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// UpdateJobStatus updates job status in the job store
func (p *VoterImportProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Metadata: metadata,
	}

	// Extract specific fields from metadata if present
	if metadata != nil {
		if total, ok := metadata["totalVoters"].(int); ok {
			update.TotalVoters = total
		}
		if logs, ok := metadata["logs"].(string); ok {
			update.Logs = logs
		}
		if completed, ok := metadata["completed"].(bool); ok {
			update.Completed = completed
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = errorMsg
		}
		if code, ok := metadata["errorCode"].(string); ok {
			update.ErrorCode = code
		}
	}

	return p.jobs.UpdateJobStatus(ctx, update)
}

// failWith converts err to a ProcessingError, records it on the job and
// returns it.
func (p *VoterImportProcessor) failWith(ctx context.Context, req *ImportRequest, progress int, err error) error {
	var perr *apperrors.ProcessingError
	switch {
	case errors.As(err, &perr):
	case errors.Is(err, context.DeadlineExceeded):
		perr = apperrors.NewProcessingTimeoutError(req.JobID, p.config.ProcessingTimeout, err)
	default:
		perr = apperrors.NewTextExtractionError(req.JobID, err)
	}
	if ctx.Err() == context.DeadlineExceeded && perr.Code != apperrors.ErrorProcessingTimeout {
		perr = apperrors.NewProcessingTimeoutError(req.JobID, p.config.ProcessingTimeout, perr)
	}

	p.fail(ctx, req, progress, perr)
	return perr
}

// fail records perr on the job. A retryable error with a retry still to come
// leaves the job in retrying so it is neither terminal nor deletable. The
// write never recreates a job row that was deleted meanwhile. It uses a
// fresh deadline so a timed-out job can still be recorded.
func (p *VoterImportProcessor) fail(ctx context.Context, req *ImportRequest, progress int, perr *apperrors.ProcessingError) {
	status, completed := storage.StatusFailed, true
	if req.RetryPending && apperrors.IsRetryable(perr) {
		status, completed = storage.StatusRetrying, false
	}

	p.logger.Error("Import failed",
		"job_id", req.JobID,
		"code", perr.Code,
		"stage", perr.Stage,
		"status", status,
		"error", perr)

	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := p.jobs.UpdateJobStatus(updateCtx, &storage.JobUpdate{
		JobID:        req.JobID,
		Status:       status,
		Progress:     progress,
		ErrorCode:    string(perr.Code),
		ErrorMessage: perr.Message,
		Completed:    completed,
		ExistingOnly: true,
		Metadata: map[string]interface{}{
			"errorDetails": perr.ToMap(),
		},
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p.logger.Warn("Job no longer exists, failure not recorded", "job_id", req.JobID)
	case err != nil:
		p.logger.Error("Failed to record job failure", "job_id", req.JobID, "error", err)
	}
}

func (p *VoterImportProcessor) removeFile(req *ImportRequest) {
	if err := os.Remove(req.FilePath); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("Failed to remove imported file", "job_id", req.JobID, "path", req.FilePath, "error", err)
		return
	}
	p.logger.Debug("Removed imported file", "job_id", req.JobID, "path", req.FilePath)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
