package exportmodule

import (
	"context"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/validation"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

// ExportServiceImpl implements the ExportService interface.
// This is the API the HTTP handlers and the CLI use to run exports.
type ExportServiceImpl struct {
	manager *Manager
}

// NewExportServiceImpl creates a new export service implementation
func NewExportServiceImpl(manager *Manager) types.ExportService {
	return &ExportServiceImpl{
		manager: manager,
	}
}

// Submit validates and schedules an export
func (s *ExportServiceImpl) Submit(ctx context.Context, req types.ExportRequest, obs progress.Observer) (*types.ExportJob, error) {
	if err := validation.Request(req); err != nil {
		return nil, exportErrors.ValidationError("submit", err)
	}

	job, err := s.manager.Submit(req, obs)
	if err != nil {
		return nil, err
	}
	return s.GetJob(job.ID)
}

// Run schedules an export and waits for its result
func (s *ExportServiceImpl) Run(ctx context.Context, req types.ExportRequest, obs progress.Observer) (*types.ExportResult, error) {
	if err := validation.Request(req); err != nil {
		return nil, exportErrors.ValidationError("run", err)
	}

	job, err := s.manager.Submit(req, obs)
	if err != nil {
		return nil, err
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		s.manager.Cancel(job.ID)
		<-job.Done()
	}
	return job.Outcome()
}

// GetJob returns the current state of a job
func (s *ExportServiceImpl) GetJob(id string) (*types.ExportJob, error) {
	rec, err := s.manager.Store().Get(id)
	if err != nil {
		return nil, exportErrors.Wrap("get_job", err).WithJob(id)
	}
	return rec.ToJob()
}

// ListJobs returns the most recent jobs first
func (s *ExportServiceImpl) ListJobs(limit int) ([]*types.ExportJob, error) {
	recs, err := s.manager.Store().List(limit)
	if err != nil {
		return nil, exportErrors.Wrap("list_jobs", err)
	}

	out := make([]*types.ExportJob, 0, len(recs))
	for i := range recs {
		job, err := recs[i].ToJob()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// CancelJob cancels a queued or running job
func (s *ExportServiceImpl) CancelJob(id string) error {
	if err := s.manager.Cancel(id); err != nil {
		return exportErrors.Wrap("cancel_job", err).WithJob(id)
	}
	return nil
}

// Watch attaches obs to a scheduled job
func (s *ExportServiceImpl) Watch(id string, obs progress.Observer) (<-chan struct{}, func(), error) {
	done, detach, err := s.manager.Watch(id, obs)
	if err != nil {
		return nil, nil, exportErrors.Wrap("watch_job", err).WithJob(id)
	}
	return done, detach, nil
}
