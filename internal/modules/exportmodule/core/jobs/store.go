package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/database"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
	"gorm.io/gorm"
)

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 50

// Store persists export job records.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
}

// NewStore creates a store over db.
func NewStore(db *gorm.DB, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{db: db, logger: logger.Named("job-store")}
}

// Create records a queued job.
func (s *Store) Create(id string, req types.ExportRequest) (*database.ExportJob, error) {
	rec := &database.ExportJob{
		ID:        id,
		Status:    database.ExportStatusQueued,
		CreatedAt: time.Now(),
	}
	if err := rec.SetRequest(&req); err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}
	if err := s.db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create export job: %w", err)
	}
	s.logger.Debug("created export job", "job_id", id, "out", req.OutPath)
	return rec, nil
}

// StatusUpdate is a state transition of a job.
type StatusUpdate struct {
	Status database.ExportStatus
	Result *types.ExportResult
	Err    error
}

// UpdateStatus applies a transition. Running sets the start time; terminal
// states set the finish time, and completion pins progress to 1.
func (s *Store) UpdateStatus(id string, update StatusUpdate) error {
	now := time.Now()
	fields := map[string]interface{}{"status": update.Status}

	switch update.Status {
	case database.ExportStatusRunning:
		fields["started_at"] = now
	case database.ExportStatusCompleted:
		fields["finished_at"] = now
		fields["progress"] = 1.0
		if update.Result != nil {
			var rec database.ExportJob
			if err := rec.SetResult(update.Result); err != nil {
				return fmt.Errorf("failed to serialize result: %w", err)
			}
			fields["result"] = rec.Result
		}
	case database.ExportStatusFailed, database.ExportStatusCancelled:
		fields["finished_at"] = now
	}

	if update.Err != nil {
		fields["error"] = update.Err.Error()
		var exportErr *exportErrors.ExportError
		if errors.As(update.Err, &exportErr) {
			fields["error_code"] = exportErr.Code()
			fields["error_type"] = exportErr.Kind()
		}
	}

	res := s.db.Model(&database.ExportJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update export job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", exportErrors.ErrJobNotFound, id)
	}
	return nil
}

// UpdateProgress raises the stored progress. Lower values are ignored.
func (s *Store) UpdateProgress(id string, progress float64) error {
	err := s.db.Model(&database.ExportJob{}).
		Where("id = ? AND progress < ?", id, progress).
		Update("progress", progress).Error
	if err != nil {
		return fmt.Errorf("failed to update progress of %s: %w", id, err)
	}
	return nil
}

// Get returns the record of id.
func (s *Store) Get(id string) (*database.ExportJob, error) {
	var rec database.ExportJob
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", exportErrors.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to load export job %s: %w", id, err)
	}
	return &rec, nil
}

// List returns the most recent jobs first.
func (s *Store) List(limit int) ([]database.ExportJob, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var recs []database.ExportJob
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list export jobs: %w", err)
	}
	return recs, nil
}

// FailInterrupted marks jobs left queued or running by a previous process
// as failed. It returns how many were changed.
func (s *Store) FailInterrupted() (int64, error) {
	res := s.db.Model(&database.ExportJob{}).
		Where("status IN ?", []database.ExportStatus{database.ExportStatusQueued, database.ExportStatusRunning}).
		Updates(map[string]interface{}{
			"status":      database.ExportStatusFailed,
			"error":       "interrupted by restart",
			"finished_at": time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark interrupted jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("marked interrupted export jobs as failed", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
