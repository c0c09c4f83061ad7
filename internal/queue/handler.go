package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voteraction/rollimport-worker/internal/logging"
	"github.com/voteraction/rollimport-worker/internal/processor"
	"github.com/voteraction/rollimport-worker/internal/storage"
)

var (
	errNoJobs         = errors.New("no jobs available")
	errInvalidPayload = errors.New("invalid job payload")
)

// Consumer is a running queue backend.
type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetStats(ctx context.Context) (map[string]int64, error)
}

// StuckJobRecoverer hands jobs stuck in processing back to pending.
type StuckJobRecoverer interface {
	RecoverStuckJobs(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// importHandler runs one attempt of an import job. Both backends share it so
// payload validation and retry bookkeeping behave the same.
type importHandler struct {
	processor processor.ImportProcessorInterface
	logger    *logging.Logger
}

func (h *importHandler) run(ctx context.Context, payload *JobPayload, retryPending bool) (*processor.ImportResult, error) {
	if err := payload.Validate(); err != nil {
		h.reject(ctx, payload.JobID, err)
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	req := payload.ImportRequest()
	req.RetryPending = retryPending

	startTime := time.Now()
	result, err := h.processor.ProcessImport(ctx, req)
	if err != nil {
		h.logger.Error("Import failed",
			"job_id", payload.JobID,
			"duration", time.Since(startTime),
			"retry_pending", retryPending,
			"error", err)
		return nil, err
	}

	h.logger.Info("Import completed",
		"job_id", payload.JobID,
		"duration", time.Since(startTime),
		"valid_voters", result.ValidVoters,
		"created", result.Created,
		"updated", result.Updated)
	return result, nil
}

// reject records a payload that can never be processed.
func (h *importHandler) reject(ctx context.Context, jobID string, cause error) {
	h.logger.Error("Rejecting job payload", "job_id", jobID, "error", cause)
	if jobID == "" {
		return
	}
	if err := h.processor.UpdateJobStatus(ctx, jobID, storage.StatusFailed, 0, map[string]interface{}{
		"error":     fmt.Sprintf("invalid job payload: %v", cause),
		"completed": true,
	}); err != nil {
		h.logger.Warn("Failed to record rejected job", "job_id", jobID, "error", err)
	}
}

func queueKey(queue, suffix string) string {
	return queue + ":" + suffix
}
