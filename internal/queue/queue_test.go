package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voteraction/rollimport-worker/internal/errors"
	"github.com/voteraction/rollimport-worker/internal/logging"
	"github.com/voteraction/rollimport-worker/internal/processor"
	"github.com/voteraction/rollimport-worker/internal/storage"
)

type statusCall struct {
	jobID    string
	status   string
	metadata map[string]interface{}
}

type fakeProcessor struct {
	mu       sync.Mutex
	err      error
	requests []*processor.ImportRequest
	statuses []statusCall
}

func (f *fakeProcessor) ProcessImport(ctx context.Context, req *processor.ImportRequest) (*processor.ImportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &processor.ImportResult{TotalParsed: 3, ValidVoters: 3, Created: 3}, nil
}

func (f *fakeProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusCall{jobID: jobID, status: status, metadata: metadata})
	return nil
}

func (f *fakeProcessor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newHandler(p processor.ImportProcessorInterface) *importHandler {
	return &importHandler{processor: p, logger: logging.NewLogger("test")}
}

func validPayload() *JobPayload {
	booth := 12
	return &JobPayload{
		JobID:         "job-1",
		FileName:      "part-12.pdf",
		FilePath:      "/uploads/voter_lists/1700000000000-part-12.pdf",
		AssemblyID:    101,
		BoothNumber:   &booth,
		BoothName:     "Rampur",
		CommonAddress: "Ward 4",
		StartPage:     3,
		EndPage:       40,
	}
}

func TestJobPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*JobPayload)
		wantErr string
	}{
		{"valid", func(*JobPayload) {}, ""},
		{"missing job id", func(p *JobPayload) { p.JobID = " " }, "jobId"},
		{"missing path", func(p *JobPayload) { p.FilePath = "" }, "filePath"},
		{"negative page", func(p *JobPayload) { p.StartPage = -1 }, "negative"},
		{"reversed range", func(p *JobPayload) { p.StartPage = 50 }, "after endPage"},
		{"open range", func(p *JobPayload) { p.StartPage, p.EndPage = 50, 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestJobPayloadDecodesProducerJSON(t *testing.T) {
	raw := `{"jobId":"abc","fileName":"roll.pdf","filePath":"/tmp/roll.pdf","assemblyId":7,"boothNumber":3,"commonAddress":"Main Road","endPage":9}`

	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	req := p.ImportRequest()
	assert.Equal(t, "abc", req.JobID)
	assert.Equal(t, 7, req.AssemblyID)
	require.NotNil(t, req.BoothNumber)
	assert.Equal(t, 3, *req.BoothNumber)
	assert.Equal(t, "Main Road", req.CommonAddress)
	assert.Equal(t, 0, req.StartPage)
	assert.Equal(t, 9, req.EndPage)
	assert.False(t, req.RetryPending)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, 5 * time.Second},
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{30, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.n), "n=%d", tt.n)
	}
}

func TestHandlerPassesRetryPending(t *testing.T) {
	fp := &fakeProcessor{}
	h := newHandler(fp)

	result, err := h.run(context.Background(), validPayload(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ValidVoters)

	require.Len(t, fp.requests, 1)
	assert.True(t, fp.requests[0].RetryPending)
	assert.Equal(t, "Rampur", fp.requests[0].BoothName)
}

func TestHandlerRejectsInvalidPayload(t *testing.T) {
	fp := &fakeProcessor{}
	h := newHandler(fp)

	p := validPayload()
	p.FilePath = ""
	_, err := h.run(context.Background(), p, true)
	assert.ErrorIs(t, err, errInvalidPayload)
	assert.Zero(t, fp.calls())

	require.Len(t, fp.statuses, 1)
	assert.Equal(t, "job-1", fp.statuses[0].jobID)
	assert.Equal(t, storage.StatusFailed, fp.statuses[0].status)
	assert.Contains(t, fp.statuses[0].metadata["error"], "filePath")
}

func TestHandlerRejectWithoutJobIDSkipsStatus(t *testing.T) {
	fp := &fakeProcessor{}
	_, err := newHandler(fp).run(context.Background(), &JobPayload{}, false)
	assert.ErrorIs(t, err, errInvalidPayload)
	assert.Empty(t, fp.statuses)
}

func TestAsynqHandleImportRetryPolicy(t *testing.T) {
	payload, err := json.Marshal(validPayload())
	require.NoError(t, err)

	tests := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{"success", nil, false},
		{"storage failure retries", apperrors.NewStorageFailedError("job-1", stderrors.New("conn reset")), false},
		{"no text is final", apperrors.NewNoTextError("job-1", 3), true},
		{"unknown error is final", stderrors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &AsynqConsumer{
				handler: newHandler(&fakeProcessor{err: tt.err}),
				logger:  logging.NewLogger("test"),
			}
			err := c.handleImport(context.Background(), asynq.NewTask(TaskTypeImport, payload))
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.skipRetry, stderrors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestAsynqHandleImportBadJSON(t *testing.T) {
	c := &AsynqConsumer{handler: newHandler(&fakeProcessor{}), logger: logging.NewLogger("test")}
	err := c.handleImport(context.Background(), asynq.NewTask(TaskTypeImport, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
