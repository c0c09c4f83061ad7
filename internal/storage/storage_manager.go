/**
 * Storage Manager for the voter-roll import worker
 *
 * Coordinates PostgreSQL (jobs, voters) and the optional Qdrant
 * near-duplicate index. Postgres is the source of truth; an index failure
 * is logged and never fails an import.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/voteraction/rollimport-worker/internal/logging"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient
	logger   *logging.Logger
}

// StorageConfig holds connection settings. An empty QdrantAddress disables
// the similarity index.
type StorageConfig struct {
	PostgresURL      string
	QdrantAddress    string
	QdrantCollection string
	Dimensions       int
}

// SimilarVoter is a near-duplicate candidate.
type SimilarVoter struct {
	EPIC        string  `json:"epic"`
	Name        string  `json:"name"`
	HouseNumber string  `json:"houseNumber"`
	Village     string  `json:"village"`
	Area        string  `json:"area"`
	Score       float32 `json:"score"`
}

// NewStorageManager creates a new storage manager
func NewStorageManager(cfg StorageConfig) (*StorageManager, error) {
	postgres, err := NewPostgresClient(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	sm := &StorageManager{
		postgres: postgres,
		logger:   logging.NewLogger("Storage"),
	}

	if cfg.QdrantAddress == "" {
		sm.logger.Warn("Qdrant address not configured, near-duplicate search disabled")
		return sm, nil
	}

	qdrantClient, err := NewQdrantClient(cfg.QdrantAddress, cfg.QdrantCollection, cfg.Dimensions)
	if err != nil {
		postgres.Close() // Cleanup on failure
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}
	sm.qdrant = qdrantClient

	return sm, nil
}

// SimilarityEnabled reports whether the Qdrant index is configured.
func (sm *StorageManager) SimilarityEnabled() bool {
	return sm.qdrant != nil
}

// CreateJob inserts a pending job.
func (sm *StorageManager) CreateJob(ctx context.Context, job *Job) error {
	return sm.postgres.CreateJob(ctx, job)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJob retrieves job by ID
func (sm *StorageManager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return sm.postgres.GetJob(ctx, jobID)
}

// ListJobs returns the newest jobs.
func (sm *StorageManager) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	return sm.postgres.ListJobs(ctx, limit)
}

// DeleteJob removes a job and its voters, dropping their fingerprints from
// the index. Returns the job's last state and the number of voters removed.
func (sm *StorageManager) DeleteJob(ctx context.Context, jobID string) (*Job, int, error) {
	job, epics, err := sm.postgres.DeleteJob(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}

	if sm.qdrant != nil && len(epics) > 0 {
		ids := make([]string, len(epics))
		for i, epic := range epics {
			ids[i] = VoterPointID(epic)
		}
		if err := sm.qdrant.DeleteVectors(ctx, ids); err != nil {
			sm.logger.Warn("Failed to drop voter fingerprints", "job_id", jobID, "count", len(ids), "error", err)
		}
	}

	sm.logger.Info("Deleted job", "job_id", jobID, "voters", len(epics))
	return job, len(epics), nil
}

// UpdateJobLocation changes a job's booth and address, moving its voters
// when the job has completed.
func (sm *StorageManager) UpdateJobLocation(ctx context.Context, jobID string, loc JobLocation) (*Job, int, error) {
	job, moved, err := sm.postgres.UpdateJobLocation(ctx, jobID, loc)
	if err != nil {
		return nil, 0, err
	}
	if moved > 0 {
		sm.logger.Info("Moved job voters", "job_id", jobID, "voters", moved, "village", job.BoothName)
	}
	return job, moved, nil
}

// RecoverStuckJobs resets jobs stuck in processing.
func (sm *StorageManager) RecoverStuckJobs(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return sm.postgres.RecoverStuckJobs(ctx, olderThan)
}

// SaveVoters upserts voters in Postgres, then indexes their fingerprints.
func (sm *StorageManager) SaveVoters(ctx context.Context, voters []VoterRecord) (*UpsertResult, error) {
	res, err := sm.postgres.UpsertVoters(ctx, voters)
	if err != nil {
		return nil, err
	}

	if sm.qdrant == nil {
		return res, nil
	}

	points := make([]*VectorPoint, 0, len(voters))
	for _, v := range voters {
		if len(v.Fingerprint) == 0 {
			continue
		}
		points = append(points, &VectorPoint{
			ID:     VoterPointID(v.EPIC),
			Vector: v.Fingerprint,
			Metadata: map[string]interface{}{
				"epic":         v.EPIC,
				"name":         v.Name,
				"house_number": v.HouseNumber,
				"village":      v.Village,
				"area":         v.Area,
				"assembly_id":  v.AssemblyID,
				"job_id":       v.ImportJobID,
				"indexed_at":   time.Now().Unix(),
			},
		})
	}

	if err := sm.qdrant.UpsertVectors(ctx, points); err != nil {
		sm.logger.Warn("Failed to index voter fingerprints", "count", len(points), "error", err)
	}

	return res, nil
}

// SyncFamilySizes recomputes family sizes for the given households.
func (sm *StorageManager) SyncFamilySizes(ctx context.Context, assemblyID int, households []Household) (int, error) {
	return sm.postgres.SyncFamilySizes(ctx, assemblyID, households)
}

// GetVoter retrieves a voter by EPIC.
func (sm *StorageManager) GetVoter(ctx context.Context, epic string) (*VoterRecord, error) {
	return sm.postgres.GetVoter(ctx, epic)
}

// FindSimilarVoters returns the voters whose fingerprints are closest to the
// stored fingerprint of epic, excluding epic itself.
func (sm *StorageManager) FindSimilarVoters(ctx context.Context, epic string, limit int) ([]SimilarVoter, error) {
	if sm.qdrant == nil {
		return nil, fmt.Errorf("near-duplicate index is not configured")
	}
	if limit <= 0 {
		limit = 10
	}

	self, err := sm.qdrant.GetVector(ctx, VoterPointID(epic))
	if err != nil {
		return nil, err
	}

	points, err := sm.qdrant.SearchVectors(ctx, self.Vector, limit+1)
	if err != nil {
		return nil, err
	}

	similar := make([]SimilarVoter, 0, len(points))
	for _, p := range points {
		if p.ID == self.ID {
			continue
		}
		sv := SimilarVoter{Score: p.Score}
		sv.EPIC, _ = p.Metadata["epic"].(string)
		sv.Name, _ = p.Metadata["name"].(string)
		sv.HouseNumber, _ = p.Metadata["house_number"].(string)
		sv.Village, _ = p.Metadata["village"].(string)
		sv.Area, _ = p.Metadata["area"].(string)
		similar = append(similar, sv)
		if len(similar) == limit {
			break
		}
	}
	return similar, nil
}

// Ping checks PostgreSQL connectivity.
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}
