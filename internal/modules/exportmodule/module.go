// Package exportmodule renders movies from still-image frame sequences and
// optional audio tracks.
//
// The module supports:
// - A fast path that writes a video-only MP4 when no audio is audible
// - A full path that mixes any number of offset, gain-scaled sources into
//   an AAC track muxed with the video
// - A single-worker job queue with cancellation and progress streaming
// - Persistent job history
//
// Architecture:
//
//	API/CLI → ExportService → Manager → jobs.Queue → pipeline.Orchestrator → stages
package exportmodule

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/config"
	"github.com/mantonx/framecast/internal/database"
	"github.com/mantonx/framecast/internal/logger"
	"github.com/mantonx/framecast/internal/modules/exportmodule/api"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/ffmpeg"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/frames"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/jobs"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/mp4"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/pipeline"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
	"gorm.io/gorm"
)

const (
	// ModuleID is the unique identifier for the export module
	ModuleID = "system.export"

	// ModuleName is the display name for the export module
	ModuleName = "Movie Export"

	// ModuleVersion is the version of the export module
	ModuleVersion = "1.0.0"
)

// Module wires the export manager, its service and its routes
type Module struct {
	db      *gorm.DB
	configs ConfigSource
	codecs  pipeline.Codecs
	logger  hclog.Logger

	manager *Manager
	service types.ExportService
}

// NewModule creates a new export module
func NewModule(db *gorm.DB, configs ConfigSource, codecs pipeline.Codecs, logger hclog.Logger) *Module {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Module{
		db:      db,
		configs: configs,
		codecs:  codecs,
		logger:  logger,
	}
}

// DefaultCodecs returns the ffmpeg-backed codecs with the built-in frame
// decoder and MP4 container.
func DefaultCodecs(cfg config.FFmpegConfig, logger hclog.Logger) (pipeline.Codecs, error) {
	ff := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:  cfg.Path,
		FFprobePath: cfg.FFprobePath,
		VideoCodec:  cfg.VideoCodec,
		Preset:      cfg.Preset,
	}, logger)
	if err := ff.Available(); err != nil {
		return pipeline.Codecs{}, fmt.Errorf("ffmpeg is not usable: %w", err)
	}
	return pipeline.Codecs{
		Images:     frames.NewDecoder(),
		Video:      ff,
		Audio:      ff,
		Sources:    ff,
		Containers: mp4.Files{},
	}, nil
}

// ID returns the unique module identifier
func (m *Module) ID() string {
	return ModuleID
}

// Name returns the module display name
func (m *Module) Name() string {
	return ModuleName
}

// GetVersion returns the module version
func (m *Module) GetVersion() string {
	return ModuleVersion
}

// Core returns whether this is a core module
func (m *Module) Core() bool {
	return true
}

// Migrate performs any necessary database migrations
func (m *Module) Migrate(db *gorm.DB) error {
	logger.Info("Migrating export database schema")
	return database.Migrate(db)
}

// Init creates the manager and starts the worker
func (m *Module) Init() error {
	logger.Info("Initializing export module")

	if m.db == nil {
		return fmt.Errorf("export module requires a database")
	}
	if err := m.Migrate(m.db); err != nil {
		return err
	}

	store := jobs.NewStore(m.db, m.logger)
	m.manager = NewManager(m.configs, m.codecs, store, m.logger)
	if err := m.manager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize export manager: %w", err)
	}
	m.service = NewExportServiceImpl(m.manager)

	logger.Info("Export module initialized successfully")
	return nil
}

// Service returns the export service. It is nil before Init.
func (m *Module) Service() types.ExportService {
	return m.service
}

// RegisterRoutes registers all export module HTTP routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	if m.service == nil {
		logger.Error("Cannot register routes: export service is nil")
		return
	}
	api.RegisterRoutes(router, api.NewAPIHandler(m.service))
	logger.Info("Export module routes registered")
}

// Shutdown cancels running jobs and stops the worker
func (m *Module) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down export module")
	if m.manager == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- m.manager.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("export module shutdown: %w", ctx.Err())
	}
}
