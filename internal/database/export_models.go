package database

import (
	"encoding/json"
	"time"

	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

// ExportStatus represents the status of an export job
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusCompleted ExportStatus = "completed"
	ExportStatusFailed    ExportStatus = "failed"
	ExportStatusCancelled ExportStatus = "cancelled"
)

// ExportJob is the persisted record of one export
type ExportJob struct {
	ID         string       `gorm:"primaryKey;type:varchar(64)"`
	Status     ExportStatus `gorm:"type:varchar(32);not null;index"`
	Request    string       `gorm:"type:text"` // JSON string
	Result     string       `gorm:"type:text"` // JSON string
	Progress   float64      `gorm:"not null;default:0"`
	Error      string       `gorm:"type:text"`
	ErrorCode  string       `gorm:"type:varchar(32)"`
	ErrorType  string       `gorm:"type:varchar(32)"`
	OutPath    string       `gorm:"type:varchar(1024)"`
	CreatedAt  time.Time    `gorm:"not null;index"`
	UpdatedAt  time.Time
	StartedAt  *time.Time `gorm:"index"`
	FinishedAt *time.Time `gorm:"index"`
}

// TableName returns the table name for GORM
func (ExportJob) TableName() string {
	return "export_jobs"
}

// GetRequest deserializes the Request JSON string
func (j *ExportJob) GetRequest() (*types.ExportRequest, error) {
	if j.Request == "" {
		return nil, nil
	}
	var req types.ExportRequest
	if err := json.Unmarshal([]byte(j.Request), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// SetRequest serializes and sets the Request
func (j *ExportJob) SetRequest(req *types.ExportRequest) error {
	if req == nil {
		j.Request = ""
		return nil
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	j.Request = string(data)
	j.OutPath = req.OutPath
	return nil
}

// GetResult deserializes the Result JSON string
func (j *ExportJob) GetResult() (*types.ExportResult, error) {
	if j.Result == "" {
		return nil, nil
	}
	var res types.ExportResult
	if err := json.Unmarshal([]byte(j.Result), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetResult serializes and sets the Result
func (j *ExportJob) SetResult(res *types.ExportResult) error {
	if res == nil {
		j.Result = ""
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	j.Result = string(data)
	return nil
}

// ToJob converts the record to the caller-facing view.
func (j *ExportJob) ToJob() (*types.ExportJob, error) {
	req, err := j.GetRequest()
	if err != nil {
		return nil, err
	}
	res, err := j.GetResult()
	if err != nil {
		return nil, err
	}
	job := &types.ExportJob{
		ID:         j.ID,
		Status:     types.JobStatus(j.Status),
		Progress:   j.Progress,
		Error:      j.Error,
		ErrorCode:  j.ErrorCode,
		ErrorType:  j.ErrorType,
		Result:     res,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
	if req != nil {
		job.Request = *req
	}
	return job, nil
}
