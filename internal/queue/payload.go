/**
 * Queue payloads shared by the Redis list and Asynq backends
 */

package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voteraction/rollimport-worker/internal/processor"
)

// TaskTypeImport is the task type carried by every import job.
const TaskTypeImport = "voterroll:import"

// DefaultMaxRetries applies when a job does not carry its own limit.
const DefaultMaxRetries = 3

// Retry backoff bounds
const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// Producer enqueues import jobs for the worker.
type Producer interface {
	Enqueue(ctx context.Context, payload *JobPayload) error
	Stats(ctx context.Context) (map[string]int64, error)
	Close() error
}

// JobPayload describes one uploaded roll waiting to be imported
type JobPayload struct {
	JobID         string `json:"jobId"`
	FileName      string `json:"fileName"`
	FilePath      string `json:"filePath"`
	AssemblyID    int    `json:"assemblyId"`
	BoothNumber   *int   `json:"boothNumber,omitempty"`
	BoothName     string `json:"boothName,omitempty"`
	CommonAddress string `json:"commonAddress,omitempty"`
	StartPage     int    `json:"startPage,omitempty"`
	EndPage       int    `json:"endPage,omitempty"`
}

// Validate rejects payloads the processor cannot act on.
func (p *JobPayload) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if strings.TrimSpace(p.FilePath) == "" {
		return fmt.Errorf("filePath is required")
	}
	if p.StartPage < 0 || p.EndPage < 0 {
		return fmt.Errorf("page range must not be negative")
	}
	if p.EndPage > 0 && p.StartPage > p.EndPage {
		return fmt.Errorf("startPage %d is after endPage %d", p.StartPage, p.EndPage)
	}
	return nil
}

// ImportRequest converts the payload into a processor request.
func (p *JobPayload) ImportRequest() *processor.ImportRequest {
	return &processor.ImportRequest{
		JobID:         p.JobID,
		FileName:      p.FileName,
		FilePath:      p.FilePath,
		AssemblyID:    p.AssemblyID,
		BoothNumber:   p.BoothNumber,
		BoothName:     p.BoothName,
		CommonAddress: p.CommonAddress,
		StartPage:     p.StartPage,
		EndPage:       p.EndPage,
	}
}

// RedisJobData represents a job stored in the Redis list queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RetryDelay is the exponential backoff for the nth retry: 5s, 10s, 20s, ...
// capped at one minute.
func RetryDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 4 {
		return retryMaxDelay
	}
	delay := retryBaseDelay * time.Duration(1<<uint(n))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
