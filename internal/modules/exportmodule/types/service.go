package types

import (
	"context"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
)

// ExportService is the public API of the export module.
type ExportService interface {
	// Submit schedules an export and returns its queued job. obs, if not
	// nil, receives the job's progress.
	Submit(ctx context.Context, req ExportRequest, obs progress.Observer) (*ExportJob, error)

	// Run schedules an export and waits for it. Cancelling ctx cancels the
	// job.
	Run(ctx context.Context, req ExportRequest, obs progress.Observer) (*ExportResult, error)

	GetJob(id string) (*ExportJob, error)
	ListJobs(limit int) ([]*ExportJob, error)
	CancelJob(id string) error

	// Watch attaches obs to a scheduled job. The returned channel is closed
	// when the job finishes; it is already closed for jobs that are not
	// scheduled any more. Call detach to stop receiving progress.
	Watch(id string, obs progress.Observer) (done <-chan struct{}, detach func(), err error)
}
