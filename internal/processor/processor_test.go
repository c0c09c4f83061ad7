package processor

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voteraction/rollimport-worker/internal/errors"
	"github.com/voteraction/rollimport-worker/internal/storage"
)

type fakeJobStore struct {
	mu      sync.Mutex
	updates []storage.JobUpdate
}

func (f *fakeJobStore) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *update)
	return nil
}

func (f *fakeJobStore) last() storage.JobUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

func (f *fakeJobStore) progress() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.updates))
	for _, u := range f.updates {
		out = append(out, u.Progress)
	}
	return out
}

type fakeVoterSink struct {
	saved      []storage.VoterRecord
	households []storage.Household
	assemblyID int
	saveErr    error
}

func (f *fakeVoterSink) SaveVoters(ctx context.Context, voters []storage.VoterRecord) (*storage.UpsertResult, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saved = append(f.saved, voters...)
	return &storage.UpsertResult{Created: len(voters)}, nil
}

func (f *fakeVoterSink) SyncFamilySizes(ctx context.Context, assemblyID int, households []storage.Household) (int, error) {
	f.assemblyID = assemblyID
	f.households = households
	return len(households), nil
}

type fakeExtractor struct {
	text     string
	err      error
	progress []int
	block    bool
}

func (f *fakeExtractor) Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, pct := range f.progress {
		req.Progress(pct)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ExtractResult{Text: f.text, Source: SourceText, Kind: KindText, Pages: 1, Confidence: 1}, nil
}

const rollText = `AAA1111111
Name: Ram Kumar
Father: Mohan House No: 12
Age: 45
Gender: Male
BBB2222222
Name: Sita Devi
Husband: Ram Kumar House No: 12
Age: 40
AAA1111111
Name: Ram Kumar
Age: 45
AB12345
Name: Short Code`

func writeRollFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part-12.txt")
	require.NoError(t, os.WriteFile(path, []byte(rollText), 0o644))
	return path
}

func newTestProcessor(t *testing.T, jobs *fakeJobStore, sink *fakeVoterSink, ex Extractor, deleteAfter bool) *VoterImportProcessor {
	t.Helper()
	p, err := NewVoterImportProcessor(&ProcessorConfig{
		Jobs:                  jobs,
		Voters:                sink,
		Extractor:             ex,
		FingerprintDimensions: 64,
		ProcessingTimeout:     time.Minute,
		DeleteAfterImport:     deleteAfter,
	})
	require.NoError(t, err)
	return p
}

func TestNewVoterImportProcessorRequiresDependencies(t *testing.T) {
	_, err := NewVoterImportProcessor(nil)
	assert.Error(t, err)

	_, err = NewVoterImportProcessor(&ProcessorConfig{Voters: &fakeVoterSink{}, Extractor: &fakeExtractor{}})
	assert.Error(t, err)

	_, err = NewVoterImportProcessor(&ProcessorConfig{Jobs: &fakeJobStore{}, Extractor: &fakeExtractor{}})
	assert.Error(t, err)

	_, err = NewVoterImportProcessor(&ProcessorConfig{Jobs: &fakeJobStore{}, Voters: &fakeVoterSink{}})
	assert.Error(t, err)
}

func TestProcessImportSuccess(t *testing.T) {
	jobs := &fakeJobStore{}
	sink := &fakeVoterSink{}
	path := writeRollFile(t)
	p := newTestProcessor(t, jobs, sink, &fakeExtractor{text: rollText, progress: []int{25}}, true)

	booth := 12
	res, err := p.ProcessImport(context.Background(), &ImportRequest{
		JobID:         "job-1",
		FileName:      "part-12.txt",
		FilePath:      path,
		AssemblyID:    7,
		BoothNumber:   &booth,
		BoothName:     "Rampur",
		CommonAddress: "Main Road",
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.TotalParsed)
	assert.Equal(t, 2, res.ValidVoters)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.FamiliesSynced)
	assert.Equal(t, SourceText, res.TextSource)

	require.Len(t, sink.saved, 2)
	first := sink.saved[0]
	assert.Equal(t, "AAA1111111", first.EPIC)
	assert.Equal(t, "Ram Kumar", first.Name)
	assert.Equal(t, 12, first.BoothNumber)
	assert.Equal(t, "Rampur", first.Village)
	assert.Equal(t, "Rampur, Main Road", first.Area)
	assert.Equal(t, 7, first.AssemblyID)
	assert.Equal(t, "job-1", first.ImportJobID)
	assert.Len(t, first.Fingerprint, 64)

	second := sink.saved[1]
	assert.Equal(t, "BBB2222222", second.EPIC)
	assert.Equal(t, "F", second.Gender)
	assert.Equal(t, "Husband", second.RelationType)

	assert.Equal(t, 7, sink.assemblyID)
	assert.Equal(t, []storage.Household{{Village: "Rampur", Area: "Rampur, Main Road", HouseNumber: "12"}}, sink.households)

	final := jobs.last()
	assert.Equal(t, storage.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 2, final.TotalVoters)
	assert.Equal(t, "Success. Created: 2, Updated: 0.", final.Logs)
	assert.True(t, final.Completed)

	assert.Equal(t, []int{5, 25, 40, 45, 90, 100}, jobs.progress())

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "imported file should be removed")
}

func TestProcessImportKeepsFileWhenConfigured(t *testing.T) {
	path := writeRollFile(t)
	p := newTestProcessor(t, &fakeJobStore{}, &fakeVoterSink{}, &fakeExtractor{text: rollText}, false)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-keep", FilePath: path})
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestProcessImportDefaultsWithoutBooth(t *testing.T) {
	sink := &fakeVoterSink{}
	p := newTestProcessor(t, &fakeJobStore{}, sink, &fakeExtractor{text: rollText}, false)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-2", FilePath: writeRollFile(t)})
	require.NoError(t, err)

	require.NotEmpty(t, sink.saved)
	assert.Equal(t, 0, sink.saved[0].BoothNumber)
	assert.Equal(t, "Unknown", sink.saved[0].Village)
	assert.Equal(t, "Unknown", sink.saved[0].Area)
}

func assertProcessingError(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	var perr *apperrors.ProcessingError
	require.True(t, stderrors.As(err, &perr), "expected ProcessingError, got %v", err)
	assert.Equal(t, code, perr.Code)
}

func TestProcessImportMissingFile(t *testing.T) {
	jobs := &fakeJobStore{}
	p := newTestProcessor(t, jobs, &fakeVoterSink{}, &fakeExtractor{text: rollText}, true)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{
		JobID:    "job-missing",
		FilePath: filepath.Join(t.TempDir(), "gone.pdf"),
	})
	assertProcessingError(t, err, apperrors.ErrorFileNotFound)

	final := jobs.last()
	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.Equal(t, string(apperrors.ErrorFileNotFound), final.ErrorCode)
	assert.NotEmpty(t, final.ErrorMessage)
	assert.True(t, final.ExistingOnly, "a job deleted meanwhile is not recreated")
}

func TestProcessImportNoText(t *testing.T) {
	jobs := &fakeJobStore{}
	path := writeRollFile(t)
	p := newTestProcessor(t, jobs, &fakeVoterSink{}, &fakeExtractor{text: "too short"}, true)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-empty", FilePath: path})
	assertProcessingError(t, err, apperrors.ErrorNoText)

	final := jobs.last()
	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.Equal(t, string(apperrors.ErrorNoText), final.ErrorCode)
	assert.True(t, final.Completed)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "file is removed on failure too")
}

func TestProcessImportExtractionError(t *testing.T) {
	jobs := &fakeJobStore{}
	p := newTestProcessor(t, jobs, &fakeVoterSink{}, &fakeExtractor{err: stderrors.New("broken pdf"), progress: []int{20}}, false)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-broken", FilePath: writeRollFile(t)})
	assertProcessingError(t, err, apperrors.ErrorTextExtraction)

	final := jobs.last()
	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.Equal(t, 20, final.Progress, "failure keeps the last reported progress")
}

func TestProcessImportStorageFailure(t *testing.T) {
	jobs := &fakeJobStore{}
	sink := &fakeVoterSink{saveErr: stderrors.New("connection refused")}
	p := newTestProcessor(t, jobs, sink, &fakeExtractor{text: rollText}, false)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-db", FilePath: writeRollFile(t)})
	assertProcessingError(t, err, apperrors.ErrorStorageFailed)
	assert.Equal(t, string(apperrors.ErrorStorageFailed), jobs.last().ErrorCode)
}

func TestProcessImportKeepsFileForRetry(t *testing.T) {
	jobs := &fakeJobStore{}
	sink := &fakeVoterSink{saveErr: stderrors.New("connection refused")}
	p := newTestProcessor(t, jobs, sink, &fakeExtractor{text: rollText}, true)
	path := writeRollFile(t)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-retry", FilePath: path, RetryPending: true})
	assertProcessingError(t, err, apperrors.ErrorStorageFailed)
	assert.FileExists(t, path)

	pending := jobs.last()
	assert.Equal(t, storage.StatusRetrying, pending.Status)
	assert.False(t, pending.Completed, "a job waiting for a retry is not finished")
	assert.Equal(t, string(apperrors.ErrorStorageFailed), pending.ErrorCode)
	assert.True(t, pending.ExistingOnly)

	_, err = p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-retry", FilePath: path})
	assertProcessingError(t, err, apperrors.ErrorStorageFailed)
	assert.NoFileExists(t, path, "last attempt removes the file")

	final := jobs.last()
	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.True(t, final.Completed)
}

func TestProcessImportPermanentErrorIgnoresPendingRetry(t *testing.T) {
	jobs := &fakeJobStore{}
	p := newTestProcessor(t, jobs, &fakeVoterSink{}, &fakeExtractor{err: stderrors.New("broken pdf")}, false)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-broken", FilePath: writeRollFile(t), RetryPending: true})
	assertProcessingError(t, err, apperrors.ErrorTextExtraction)
	assert.Equal(t, storage.StatusFailed, jobs.last().Status)
	assert.True(t, jobs.last().Completed)
}

func TestProcessImportRemovesFileOnPermanentFailure(t *testing.T) {
	p := newTestProcessor(t, &fakeJobStore{}, &fakeVoterSink{}, &fakeExtractor{text: "too short"}, true)
	path := writeRollFile(t)

	_, err := p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-empty", FilePath: path, RetryPending: true})
	assertProcessingError(t, err, apperrors.ErrorNoText)
	assert.NoFileExists(t, path)
}

func TestProcessImportTimeout(t *testing.T) {
	jobs := &fakeJobStore{}
	p, err := NewVoterImportProcessor(&ProcessorConfig{
		Jobs:              jobs,
		Voters:            &fakeVoterSink{},
		Extractor:         &fakeExtractor{block: true},
		ProcessingTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = p.ProcessImport(context.Background(), &ImportRequest{JobID: "job-slow", FilePath: writeRollFile(t)})
	assertProcessingError(t, err, apperrors.ErrorProcessingTimeout)

	final := jobs.last()
	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.Equal(t, string(apperrors.ErrorProcessingTimeout), final.ErrorCode)
}

func TestUpdateJobStatusTranslatesMetadata(t *testing.T) {
	jobs := &fakeJobStore{}
	p := newTestProcessor(t, jobs, &fakeVoterSink{}, &fakeExtractor{}, false)

	err := p.UpdateJobStatus(context.Background(), "job-3", storage.StatusFailed, 30, map[string]interface{}{
		"error":       "boom",
		"totalVoters": 4,
		"logs":        "partial",
		"completed":   true,
	})
	require.NoError(t, err)

	u := jobs.last()
	assert.Equal(t, "job-3", u.JobID)
	assert.Equal(t, 30, u.Progress)
	assert.Equal(t, "PROCESSING_ERROR", u.ErrorCode)
	assert.Equal(t, "boom", u.ErrorMessage)
	assert.Equal(t, 4, u.TotalVoters)
	assert.Equal(t, "partial", u.Logs)
	assert.True(t, u.Completed)
}

func TestHouseholdsSkipsEmptyHouseNumbers(t *testing.T) {
	got := households([]storage.VoterRecord{
		{Village: "A", Area: "B", HouseNumber: "1"},
		{Village: "A", Area: "B", HouseNumber: "1"},
		{Village: "A", Area: "B", HouseNumber: ""},
		{Village: "A", Area: "C", HouseNumber: "1"},
	})
	assert.Equal(t, []storage.Household{
		{Village: "A", Area: "B", HouseNumber: "1"},
		{Village: "A", Area: "C", HouseNumber: "1"},
	}, got)
}

func TestJoinNonEmpty(t *testing.T) {
	assert.Equal(t, "Rampur, Main Road", joinNonEmpty(", ", "Rampur", "Main Road"))
	assert.Equal(t, "Main Road", joinNonEmpty(", ", "", "Main Road"))
	assert.Equal(t, "", joinNonEmpty(", ", "", ""))
	assert.False(t, strings.Contains(joinNonEmpty(", ", "Rampur", ""), ","))
}
