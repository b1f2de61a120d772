package exportmodule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/config"
	"github.com/mantonx/framecast/internal/database"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/jobs"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/pipeline"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

// ConfigSource supplies the current configuration.
type ConfigSource interface {
	GetConfig() *config.Config
}

// Manager schedules export jobs and records their history.
type Manager struct {
	configs ConfigSource
	codecs  pipeline.Codecs
	store   *jobs.Store
	queue   *jobs.Queue
	logger  hclog.Logger

	mu       sync.Mutex
	watchers map[string]*fanout
}

// NewManager creates a manager. The queue size is taken from the
// configuration at construction; every other export setting is read again
// when a job starts.
func NewManager(configs ConfigSource, codecs pipeline.Codecs, store *jobs.Store, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	m := &Manager{
		configs:  configs,
		codecs:   codecs,
		store:    store,
		logger:   logger.Named("export-manager"),
		watchers: make(map[string]*fanout),
	}
	m.queue = jobs.NewQueue(configs.GetConfig().Export.QueueSize, m.execute, logger)
	return m
}

// Initialize fails jobs interrupted by a previous shutdown and starts the
// worker.
func (m *Manager) Initialize() error {
	if _, err := m.store.FailInterrupted(); err != nil {
		return err
	}
	m.queue.Start()
	m.logger.Info("Export manager started", "queue_size", m.configs.GetConfig().Export.QueueSize)
	return nil
}

// Shutdown cancels all jobs and waits for the worker.
func (m *Manager) Shutdown() error {
	m.queue.Stop()
	m.logger.Info("Export manager stopped")
	return nil
}

// Submit records and schedules a job.
func (m *Manager) Submit(req types.ExportRequest, obs progress.Observer) (*jobs.Job, error) {
	id := uuid.NewString()
	if _, err := m.store.Create(id, req); err != nil {
		return nil, err
	}

	fan := newFanout(obs)
	job := jobs.NewJob(id, req, progress.NewHandle(fan))

	m.mu.Lock()
	m.watchers[id] = fan
	m.mu.Unlock()

	if err := m.queue.Submit(job); err != nil {
		m.dropWatchers(id)
		exportErr := exportErrors.Wrap("submit", err).WithJob(id)
		if updateErr := m.store.UpdateStatus(id, jobs.StatusUpdate{Status: database.ExportStatusFailed, Err: exportErr}); updateErr != nil {
			m.logger.Error("Failed to record rejected job", "job_id", id, "error", updateErr)
		}
		return nil, exportErr
	}

	m.logger.Info("Export job queued", "job_id", id, "out", req.OutPath, "frames_dir", req.FramesDir, "audio_sources", len(req.Audio))
	return job, nil
}

// Cancel cancels a queued or running job.
func (m *Manager) Cancel(id string) error {
	if m.queue.Cancel(id) {
		return nil
	}
	rec, err := m.store.Get(id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is already %s", exportErrors.ErrInvalidInput, id, rec.Status)
}

// Watch attaches obs to a scheduled job.
func (m *Manager) Watch(id string, obs progress.Observer) (<-chan struct{}, func(), error) {
	job, ok := m.queue.Lookup(id)
	m.mu.Lock()
	fan := m.watchers[id]
	m.mu.Unlock()

	if !ok || fan == nil {
		if _, err := m.store.Get(id); err != nil {
			return nil, nil, err
		}
		done := make(chan struct{})
		close(done)
		return done, func() {}, nil
	}
	return job.Done(), fan.add(obs), nil
}

// Store returns the job repository.
func (m *Manager) Store() *jobs.Store {
	return m.store
}

func (m *Manager) dropWatchers(id string) {
	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
}

// execute is the queue's run function.
func (m *Manager) execute(ctx context.Context, job *jobs.Job) (*types.ExportResult, error) {
	defer m.dropWatchers(job.ID)
	logger := m.logger.With("job_id", job.ID)

	if err := ctx.Err(); err != nil {
		exportErr := exportErrors.PipelineError("start", fmt.Errorf("%w: cancelled while queued", exportErrors.ErrCancelled)).WithJob(job.ID)
		m.finish(job.ID, nil, exportErr)
		return nil, exportErr
	}

	if err := m.store.UpdateStatus(job.ID, jobs.StatusUpdate{Status: database.ExportStatusRunning}); err != nil {
		logger.Error("Failed to mark job running", "error", err)
	}

	cfg := m.configs.GetConfig()
	orchestrator := pipeline.NewOrchestrator(pipelineConfig(cfg.Export), m.codecs, m.logger)
	reporter := progress.NewReporter(job.Handle, func(v float64) {
		if err := m.store.UpdateProgress(job.ID, v); err != nil {
			logger.Warn("Failed to persist progress", "error", err)
		}
	})

	result, err := orchestrator.Run(ctx, pipeline.Job{ID: job.ID, Request: job.Request}, reporter)
	m.finish(job.ID, result, err)
	return result, err
}

func (m *Manager) finish(id string, result *types.ExportResult, err error) {
	update := jobs.StatusUpdate{Status: database.ExportStatusCompleted, Result: result}
	switch {
	case errors.Is(err, exportErrors.ErrCancelled):
		update = jobs.StatusUpdate{Status: database.ExportStatusCancelled, Err: err}
	case err != nil:
		update = jobs.StatusUpdate{Status: database.ExportStatusFailed, Err: err}
	}
	if updateErr := m.store.UpdateStatus(id, update); updateErr != nil {
		m.logger.Error("Failed to record job outcome", "job_id", id, "status", update.Status, "error", updateErr)
	}
}

func pipelineConfig(e config.ExportConfig) pipeline.Config {
	return pipeline.Config{
		TempDir:         e.TempDir,
		FrameExtensions: e.FrameExtensions,
		ChunkFrames:     e.ChunkFrames,
		RingBufferBytes: e.RingBufferBytes,
		MinFreeDiskMB:   e.MinFreeDiskMB,
		DefaultFormat:   codec.PCMFormat{SampleRate: e.DefaultSampleRate, Channels: e.DefaultChannels},
		AudioBitrate:    e.AudioBitrate,
		PollTimeout:     e.PollTimeout,
		CodecTimeout:    e.CodecTimeout,
		FormatWait:      e.FormatWait,
	}
}

// fanout delivers one job's progress to several observers.
type fanout struct {
	mu        sync.RWMutex
	next      int
	observers map[int]progress.Observer
}

func newFanout(obs progress.Observer) *fanout {
	f := &fanout{observers: make(map[int]progress.Observer)}
	if obs != nil {
		f.add(obs)
	}
	return f
}

func (f *fanout) add(obs progress.Observer) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.observers[id] = obs
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

// OnProgress implements progress.Observer.
func (f *fanout) OnProgress(value float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, obs := range f.observers {
		obs.OnProgress(value)
	}
}
