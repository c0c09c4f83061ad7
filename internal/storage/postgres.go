/**
 * PostgreSQL Client for the voter-roll import worker
 *
 * Handles import job persistence and voter upserts.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a job or voter does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobBusy is returned for changes refused while a job is processing or retrying.
	ErrJobBusy = errors.New("job is busy")
)

// Job statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRetrying   = "retrying"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// Job is one uploaded voter-roll file and its import state.
type Job struct {
	ID               string         `json:"id"`
	FileName         string         `json:"fileName"`
	FilePath         string         `json:"filePath"`
	AssemblyID       int            `json:"assemblyId"`
	BoothNumber      *int           `json:"boothNumber,omitempty"`
	BoothName        string         `json:"boothName,omitempty"`
	CommonAddress    string         `json:"commonAddress,omitempty"`
	StartPage        int            `json:"startPage,omitempty"`
	EndPage          int            `json:"endPage,omitempty"`
	Status           string         `json:"status"`
	Progress         int            `json:"progress"`
	TotalVoters      int            `json:"totalVoters"`
	ErrorCode        string         `json:"errorCode,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	Logs             string         `json:"logs,omitempty"`
	AddedAt          time.Time      `json:"addedAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	DetectedVillages []VillageCount `json:"detectedVillages,omitempty"`
}

// VillageCount is the number of voters a job produced for one village.
type VillageCount struct {
	Village string `json:"village"`
	Count   int    `json:"count"`
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID        string
	Status       string
	Progress     int
	TotalVoters  int
	ErrorCode    string
	ErrorMessage string
	Logs         string
	Completed    bool
	Metadata     map[string]interface{}

	// ExistingOnly updates the job only if its row exists, returning
	// ErrNotFound otherwise.
	ExistingOnly bool
}

// VoterRecord is a voter as stored.
type VoterRecord struct {
	EPIC         string `json:"epic"`
	Name         string `json:"name"`
	RelativeName string `json:"relativeName"`
	RelationType string `json:"relationType"`
	Age          int    `json:"age"`
	Gender       string `json:"gender"`
	HouseNumber  string `json:"houseNumber"`
	BoothNumber  int    `json:"boothNumber"`
	Village      string `json:"village"`
	Area         string `json:"area"`
	FamilySize   int    `json:"familySize"`
	AssemblyID   int    `json:"assemblyId"`
	ImportJobID  string `json:"importJobId,omitempty"`
	OriginalText string `json:"originalText,omitempty"`

	// Fingerprint feeds the near-duplicate index; it is not stored in Postgres.
	Fingerprint []float32 `json:"-"`
}

// UpsertResult counts what an upsert batch did.
type UpsertResult struct {
	Created int
	Updated int
	Skipped int
}

// Household identifies the voters sharing one house within an assembly.
type Household struct {
	Village     string
	Area        string
	HouseNumber string
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresClient{db: db}, nil
}

// CreateJob inserts a new pending job.
func (p *PostgresClient) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Status == "" {
		job.Status = StatusPending
	}

	query := `
		INSERT INTO voterroll.import_jobs (
			id, file_name, file_path, assembly_id, booth_number, booth_name,
			common_address, start_page, end_page, status
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, 0), NULLIF($9, 0), $10)
		RETURNING added_at, updated_at
	`

	var booth sql.NullInt64
	if job.BoothNumber != nil {
		booth = sql.NullInt64{Int64: int64(*job.BoothNumber), Valid: true}
	}

	err := p.db.QueryRowContext(ctx, query,
		job.ID, job.FileName, job.FilePath, job.AssemblyID, booth, job.BoothName,
		job.CommonAddress, job.StartPage, job.EndPage, job.Status,
	).Scan(&job.AddedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJobStatus updates job status in the database
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var filename string
	if fn, ok := metadata["fileName"].(string); ok {
		filename = fn
	}

	args := []interface{}{
		update.JobID,                // $1
		update.Status,               // $2
		update.Progress,             // $3
		update.TotalVoters,          // $4
		update.ErrorCode,            // $5
		update.ErrorMessage,         // $6
		update.Logs,                 // $7
		string(metadataJSON),        // $8
		update.Completed,            // $9
		isLiveStatus(update.Status), // $10
	}

	// completed_at is set by a terminal update and cleared when the job goes
	// back to a live status (a retry after a recorded failure).
	query := `
		UPDATE voterroll.import_jobs SET
			status = $2,
			progress = $3,
			total_voters = COALESCE(NULLIF($4, 0), total_voters),
			error_code = NULLIF($5, ''),
			error_message = NULLIF($6, ''),
			logs = COALESCE(NULLIF($7, ''), logs),
			metadata = metadata || COALESCE($8::jsonb, '{}'::jsonb),
			completed_at = CASE
				WHEN $9 THEN NOW()
				WHEN $10 THEN NULL
				ELSE completed_at
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`
	if !update.ExistingOnly {
		// UPSERT so a worker can record status for a job the API never
		// inserted (jobs enqueued straight onto Redis).
		query = `
			INSERT INTO voterroll.import_jobs (
				id, file_name, status, progress, total_voters,
				error_code, error_message, logs, metadata, completed_at,
				added_at, updated_at
			) VALUES (
				$1, COALESCE(NULLIF($11, ''), 'unknown.pdf'), $2, $3, NULLIF($4, 0),
				NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
				COALESCE($8::jsonb, '{}'::jsonb),
				CASE WHEN $9 THEN NOW() END,
				NOW(), NOW()
			)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				progress = EXCLUDED.progress,
				total_voters = COALESCE(EXCLUDED.total_voters, voterroll.import_jobs.total_voters),
				error_code = EXCLUDED.error_code,
				error_message = EXCLUDED.error_message,
				logs = COALESCE(EXCLUDED.logs, voterroll.import_jobs.logs),
				metadata = voterroll.import_jobs.metadata || EXCLUDED.metadata,
				completed_at = CASE
					WHEN $9 THEN EXCLUDED.completed_at
					WHEN $10 THEN NULL
					ELSE voterroll.import_jobs.completed_at
				END,
				updated_at = NOW()
			RETURNING id
		`
		args = append(args, filename) // $11
	}

	var returnedID string
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&returnedID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", update.JobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// isLiveStatus reports whether a job with this status is still in flight.
func isLiveStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusRetrying:
		return true
	}
	return false
}

const jobColumns = `
	id, file_name, file_path, assembly_id, booth_number,
	COALESCE(booth_name, ''), COALESCE(common_address, ''),
	COALESCE(start_page, 0), COALESCE(end_page, 0),
	status, progress, COALESCE(total_voters, 0),
	COALESCE(error_code, ''), COALESCE(error_message, ''), COALESCE(logs, ''),
	added_at, updated_at, completed_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		booth     sql.NullInt64
		completed sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.FileName, &job.FilePath, &job.AssemblyID, &booth,
		&job.BoothName, &job.CommonAddress, &job.StartPage, &job.EndPage,
		&job.Status, &job.Progress, &job.TotalVoters,
		&job.ErrorCode, &job.ErrorMessage, &job.Logs,
		&job.AddedAt, &job.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	if booth.Valid {
		b := int(booth.Int64)
		job.BoothNumber = &b
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// GetJob retrieves a job by ID
func (p *PostgresClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM voterroll.import_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs, with the villages detected by the
// completed ones.
func (p *PostgresClient) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM voterroll.import_jobs ORDER BY added_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0, limit)
	byID := make(map[string]*Job)
	var completedIDs []string
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
		byID[job.ID] = job
		if job.Status == StatusCompleted {
			completedIDs = append(completedIDs, job.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(completedIDs) == 0 {
		return jobs, nil
	}

	vrows, err := p.db.QueryContext(ctx, `
		SELECT import_job_id, village, COUNT(*)
		FROM voterroll.voters
		WHERE import_job_id = ANY($1) AND village <> 'Unknown' AND village <> ''
		GROUP BY import_job_id, village
		ORDER BY COUNT(*) DESC
	`, pq.Array(completedIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load detected villages: %w", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var jobID string
		var vc VillageCount
		if err := vrows.Scan(&jobID, &vc.Village, &vc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan village count: %w", err)
		}
		if job, ok := byID[jobID]; ok {
			job.DetectedVillages = append(job.DetectedVillages, vc)
		}
	}
	return jobs, vrows.Err()
}

// DeleteJob removes a job together with the voters it imported. It returns
// the job so the caller can clean up its file, and the EPICs of the removed
// voters. A job still processing or retrying is refused with ErrJobBusy.
func (p *PostgresClient) DeleteJob(ctx context.Context, jobID string) (*Job, []string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM voterroll.import_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status == StatusProcessing || job.Status == StatusRetrying {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, ErrJobBusy)
	}

	rows, err := tx.QueryContext(ctx, `DELETE FROM voterroll.voters WHERE import_job_id = $1 RETURNING epic`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to delete job voters: %w", err)
	}
	var epics []string
	for rows.Next() {
		var epic string
		if err := rows.Scan(&epic); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan voter epic: %w", err)
		}
		epics = append(epics, epic)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to delete job voters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM voterroll.import_jobs WHERE id = $1`, jobID); err != nil {
		return nil, nil, fmt.Errorf("failed to delete job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit job delete: %w", err)
	}
	return job, epics, nil
}

// JobLocation is the booth and address a job's voters are filed under.
type JobLocation struct {
	BoothNumber   *int
	BoothName     string
	CommonAddress string
}

// Area is the voter area for the location: booth name and common address
// joined with ", ", skipping empty parts.
func (l JobLocation) Area() string {
	parts := make([]string, 0, 2)
	for _, s := range []string{l.BoothName, l.CommonAddress} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// UpdateJobLocation changes a job's booth and address. When the job has
// already completed, its voters are moved to the new location and the
// family sizes of the affected households are recomputed. Returns the
// updated job and the number of voters moved.
func (p *PostgresClient) UpdateJobLocation(ctx context.Context, jobID string, loc JobLocation) (*Job, int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var booth sql.NullInt64
	if loc.BoothNumber != nil {
		booth = sql.NullInt64{Int64: int64(*loc.BoothNumber), Valid: true}
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE voterroll.import_jobs
		SET booth_number = $2, booth_name = NULLIF($3, ''), common_address = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns,
		jobID, booth, strings.TrimSpace(loc.BoothName), strings.TrimSpace(loc.CommonAddress))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to update job location: %w", err)
	}

	moved := 0
	if job.Status == StatusCompleted {
		left, err := jobHouseholds(ctx, tx, jobID)
		if err != nil {
			return nil, 0, err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE voterroll.voters
			SET booth_number = COALESCE($2, 0), village = $3, area = $4, updated_at = NOW()
			WHERE import_job_id = $1
		`, jobID, booth, job.BoothName, loc.Area())
		if err != nil {
			return nil, 0, fmt.Errorf("failed to move job voters: %w", err)
		}
		n, _ := res.RowsAffected()
		moved = int(n)

		if moved > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE voterroll.voters v
				SET family_size = h.cnt, updated_at = NOW()
				FROM (
					SELECT assembly_id, village, area, house_number, COUNT(*) AS cnt
					FROM voterroll.voters
					WHERE (assembly_id, village, area, house_number) IN (
						SELECT assembly_id, village, area, house_number
						FROM voterroll.voters
						WHERE import_job_id = $1 AND house_number <> ''
					)
					GROUP BY assembly_id, village, area, house_number
				) h
				WHERE v.assembly_id = h.assembly_id AND v.village = h.village
					AND v.area = h.area AND v.house_number = h.house_number
			`, jobID); err != nil {
				return nil, 0, fmt.Errorf("failed to resync family sizes: %w", err)
			}
			if err := resyncHouseholds(ctx, tx, left); err != nil {
				return nil, 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit job location: %w", err)
	}
	return job, moved, nil
}

// householdKey identifies a household across assemblies.
type householdKey struct {
	assemblyID  int64
	village     string
	area        string
	houseNumber string
}

// jobHouseholds lists the households the job's voters currently belong to.
func jobHouseholds(ctx context.Context, tx *sql.Tx, jobID string) ([]householdKey, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT assembly_id, village, area, house_number
		FROM voterroll.voters
		WHERE import_job_id = $1 AND house_number <> ''
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job households: %w", err)
	}
	defer rows.Close()

	var keys []householdKey
	for rows.Next() {
		var k householdKey
		if err := rows.Scan(&k.assemblyID, &k.village, &k.area, &k.houseNumber); err != nil {
			return nil, fmt.Errorf("failed to scan household: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// resyncHouseholds recomputes family_size for the voters still living in
// the given households.
func resyncHouseholds(ctx context.Context, tx *sql.Tx, keys []householdKey) error {
	if len(keys) == 0 {
		return nil
	}
	assemblies := make([]int64, len(keys))
	villages := make([]string, len(keys))
	areas := make([]string, len(keys))
	houses := make([]string, len(keys))
	for i, k := range keys {
		assemblies[i], villages[i], areas[i], houses[i] = k.assemblyID, k.village, k.area, k.houseNumber
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE voterroll.voters v
		SET family_size = h.cnt, updated_at = NOW()
		FROM (
			SELECT x.assembly_id, x.village, x.area, x.house_number, COUNT(*) AS cnt
			FROM voterroll.voters x
			JOIN unnest($1::int[], $2::text[], $3::text[], $4::text[])
				AS k(assembly_id, village, area, house_number)
				USING (assembly_id, village, area, house_number)
			GROUP BY x.assembly_id, x.village, x.area, x.house_number
		) h
		WHERE v.assembly_id = h.assembly_id AND v.village = h.village
			AND v.area = h.area AND v.house_number = h.house_number
	`, pq.Array(assemblies), pq.Array(villages), pq.Array(areas), pq.Array(houses))
	if err != nil {
		return fmt.Errorf("failed to resync vacated households: %w", err)
	}
	return nil
}

// RecoverStuckJobs hands jobs left in processing by a crashed worker back
// to pending. Jobs updated within olderThan are left alone.
func (p *PostgresClient) RecoverStuckJobs(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE voterroll.import_jobs
		SET status = 'pending', updated_at = NOW()
		WHERE status IN ('processing', 'retrying') AND updated_at < NOW() - ($1 * INTERVAL '1 second')
		RETURNING id
	`, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to recover stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertVoters inserts or updates voters by EPIC in one transaction. A voter
// that fails is rolled back to its savepoint and counted as skipped.
func (p *PostgresClient) UpsertVoters(ctx context.Context, voters []VoterRecord) (*UpsertResult, error) {
	res := &UpsertResult{}
	if len(voters) == 0 {
		return res, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO voterroll.voters (
			epic, name, relative_name, relation_type, age, gender, house_number,
			booth_number, village, area, assembly_id, import_job_id, original_text
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13)
		ON CONFLICT (epic) DO UPDATE SET
			name = EXCLUDED.name,
			relative_name = EXCLUDED.relative_name,
			relation_type = EXCLUDED.relation_type,
			age = EXCLUDED.age,
			gender = EXCLUDED.gender,
			house_number = EXCLUDED.house_number,
			booth_number = EXCLUDED.booth_number,
			village = EXCLUDED.village,
			area = EXCLUDED.area,
			assembly_id = EXCLUDED.assembly_id,
			import_job_id = EXCLUDED.import_job_id,
			original_text = EXCLUDED.original_text,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`

	for _, v := range voters {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT voter_upsert"); err != nil {
			return nil, fmt.Errorf("failed to create savepoint: %w", err)
		}

		var inserted bool
		err := tx.QueryRowContext(ctx, query,
			v.EPIC, v.Name, v.RelativeName, v.RelationType, v.Age, v.Gender, v.HouseNumber,
			v.BoothNumber, v.Village, v.Area, v.AssemblyID, v.ImportJobID, v.OriginalText,
		).Scan(&inserted)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT voter_upsert"); rbErr != nil {
				return nil, fmt.Errorf("failed to roll back voter %s: %w", v.EPIC, rbErr)
			}
			res.Skipped++
			continue
		}

		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit voters: %w", err)
	}
	return res, nil
}

// SyncFamilySizes sets family_size on every voter of each household to the
// household's voter count within the assembly.
func (p *PostgresClient) SyncFamilySizes(ctx context.Context, assemblyID int, households []Household) (int, error) {
	query := `
		UPDATE voterroll.voters v
		SET family_size = h.cnt, updated_at = NOW()
		FROM (
			SELECT COUNT(*) AS cnt FROM voterroll.voters
			WHERE assembly_id = $1 AND village = $2 AND area = $3 AND house_number = $4
		) h
		WHERE v.assembly_id = $1 AND v.village = $2 AND v.area = $3 AND v.house_number = $4
	`

	synced := 0
	for _, h := range households {
		if h.HouseNumber == "" {
			continue
		}
		if _, err := p.db.ExecContext(ctx, query, assemblyID, h.Village, h.Area, h.HouseNumber); err != nil {
			return synced, fmt.Errorf("failed to sync family size for house %q: %w", h.HouseNumber, err)
		}
		synced++
	}
	return synced, nil
}

// GetVoter retrieves a voter by EPIC.
func (p *PostgresClient) GetVoter(ctx context.Context, epic string) (*VoterRecord, error) {
	var v VoterRecord
	var jobID, original sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT epic, name, relative_name, relation_type, age, gender, house_number,
			booth_number, village, area, family_size, assembly_id, import_job_id, original_text
		FROM voterroll.voters WHERE epic = $1
	`, epic).Scan(
		&v.EPIC, &v.Name, &v.RelativeName, &v.RelationType, &v.Age, &v.Gender, &v.HouseNumber,
		&v.BoothNumber, &v.Village, &v.Area, &v.FamilySize, &v.AssemblyID, &jobID, &original,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("voter %s: %w", epic, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get voter: %w", err)
	}
	v.ImportJobID = jobID.String
	v.OriginalText = original.String
	return &v, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
