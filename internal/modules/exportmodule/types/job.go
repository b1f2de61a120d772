package types

import "time"

// JobStatus is the lifecycle state of an export job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions follow.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ExportPath records which branch of the pipeline produced the output.
type ExportPath string

const (
	// ExportPathFast moves the video-only intermediate into place.
	ExportPathFast ExportPath = "fast"
	// ExportPathFull mixes audio and muxes it with the video track.
	ExportPathFull ExportPath = "full"
)

// SourceInfo is the descriptive metadata of one mixed audio source.
type SourceInfo struct {
	Path     string `json:"path"`
	Format   string `json:"format,omitempty"`
	FileType string `json:"fileType,omitempty"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
}

// ExportResult summarizes a finished export.
type ExportResult struct {
	JobID           string       `json:"jobId"`
	OutPath         string       `json:"outPath"`
	Path            ExportPath   `json:"path"`
	Frames          int          `json:"frames"`
	VideoDurationUs int64        `json:"videoDurationUs"`
	PixelFormat     string       `json:"pixelFormat"`
	UsableSources   int          `json:"usableSources"`
	SampleRate      int          `json:"sampleRate,omitempty"`
	Channels        int          `json:"channels,omitempty"`
	AudioFrames     int64        `json:"audioFrames,omitempty"`
	Sources         []SourceInfo `json:"sources,omitempty"`
	ElapsedMs       int64        `json:"elapsedMs"`
}

// ExportJob is the caller-facing view of a job.
type ExportJob struct {
	ID         string        `json:"id"`
	Request    ExportRequest `json:"request"`
	Status     JobStatus     `json:"status"`
	Progress   float64       `json:"progress"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"errorCode,omitempty"`
	ErrorType  string        `json:"errorType,omitempty"`
	Result     *ExportResult `json:"result,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}
