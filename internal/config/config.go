// Package config loads the framecast configuration from a YAML or JSON
// file with environment overrides, and reloads it when the file changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "FRAMECAST_CONFIG_PATH"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "./framecast.yaml"

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Export   ExportConfig   `yaml:"export" json:"export"`
	FFmpeg   FFmpegConfig   `yaml:"ffmpeg" json:"ffmpeg"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"FRAMECAST_HOST"`
	Port         int           `yaml:"port" json:"port" env:"FRAMECAST_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"FRAMECAST_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"FRAMECAST_WRITE_TIMEOUT"`
}

// DatabaseConfig selects and locates the job history database
type DatabaseConfig struct {
	Type     string `yaml:"type" json:"type" env:"FRAMECAST_DATABASE_TYPE"`
	Path     string `yaml:"path" json:"path" env:"FRAMECAST_DATABASE_PATH"`
	URL      string `yaml:"url" json:"url" env:"FRAMECAST_DATABASE_URL"`
	Host     string `yaml:"host" json:"host" env:"FRAMECAST_POSTGRES_HOST"`
	Port     int    `yaml:"port" json:"port" env:"FRAMECAST_POSTGRES_PORT"`
	Username string `yaml:"username" json:"username" env:"FRAMECAST_POSTGRES_USER"`
	Password string `yaml:"password" json:"-" env:"FRAMECAST_POSTGRES_PASSWORD"`
	Name     string `yaml:"name" json:"name" env:"FRAMECAST_POSTGRES_DB"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"FRAMECAST_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"FRAMECAST_LOG_FORMAT"`
}

// ExportConfig holds the tunables of export jobs. They are read again at
// the start of every job, so a reload applies to the next job.
type ExportConfig struct {
	TempDir           string        `yaml:"temp_dir" json:"temp_dir" env:"FRAMECAST_TEMP_DIR"`
	FrameExtensions   []string      `yaml:"frame_extensions" json:"frame_extensions" env:"FRAMECAST_FRAME_EXTENSIONS"`
	QueueSize         int           `yaml:"queue_size" json:"queue_size" env:"FRAMECAST_QUEUE_SIZE"`
	ChunkFrames       int           `yaml:"chunk_frames" json:"chunk_frames" env:"FRAMECAST_CHUNK_FRAMES"`
	RingBufferBytes   int           `yaml:"ring_buffer_bytes" json:"ring_buffer_bytes" env:"FRAMECAST_RING_BUFFER_BYTES"`
	PollTimeout       time.Duration `yaml:"poll_timeout" json:"poll_timeout" env:"FRAMECAST_POLL_TIMEOUT"`
	CodecTimeout      time.Duration `yaml:"codec_timeout" json:"codec_timeout" env:"FRAMECAST_CODEC_TIMEOUT"`
	FormatWait        time.Duration `yaml:"format_wait" json:"format_wait" env:"FRAMECAST_FORMAT_WAIT"`
	MinFreeDiskMB     int           `yaml:"min_free_disk_mb" json:"min_free_disk_mb" env:"FRAMECAST_MIN_FREE_DISK_MB"`
	DefaultSampleRate int           `yaml:"default_sample_rate" json:"default_sample_rate" env:"FRAMECAST_DEFAULT_SAMPLE_RATE"`
	DefaultChannels   int           `yaml:"default_channels" json:"default_channels" env:"FRAMECAST_DEFAULT_CHANNELS"`
	AudioBitrate      int           `yaml:"audio_bitrate" json:"audio_bitrate" env:"FRAMECAST_AUDIO_BITRATE"`
}

// FFmpegConfig locates the codec binaries
type FFmpegConfig struct {
	Path        string `yaml:"path" json:"path" env:"FRAMECAST_FFMPEG_PATH"`
	FFprobePath string `yaml:"ffprobe_path" json:"ffprobe_path" env:"FRAMECAST_FFPROBE_PATH"`
	VideoCodec  string `yaml:"video_codec" json:"video_codec" env:"FRAMECAST_VIDEO_CODEC"`
	Preset      string `yaml:"preset" json:"preset" env:"FRAMECAST_PRESET"`
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

// ConfigManager manages application configuration with hot-reload support
type ConfigManager struct {
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	mu         sync.RWMutex
}

var (
	globalConfigManager *ConfigManager
	configOnce          sync.Once
)

// GetConfigManager returns the global configuration manager instance
func GetConfigManager() *ConfigManager {
	configOnce.Do(func() {
		globalConfigManager = NewConfigManager()
	})
	return globalConfigManager
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config:   DefaultConfig(),
		watchers: make([]ConfigWatcher, 0),
	}
}

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8085,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "./data/framecast.db",
			Host: "localhost",
			Port: 5432,
			Name: "framecast",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Export: ExportConfig{
			FrameExtensions:   []string{".png"},
			QueueSize:         8,
			ChunkFrames:       1024,
			RingBufferBytes:   1 << 20,
			PollTimeout:       10 * time.Millisecond,
			CodecTimeout:      10 * time.Second,
			FormatWait:        2 * time.Second,
			MinFreeDiskMB:     100,
			DefaultSampleRate: 44100,
			DefaultChannels:   2,
			AudioBitrate:      192_000,
		},
		FFmpeg: FFmpegConfig{
			Path:        "ffmpeg",
			FFprobePath: "ffprobe",
			VideoCodec:  "libx264",
			Preset:      "veryfast",
		},
	}
}

// ResolvePath returns the config file path from the environment, falling
// back to DefaultConfigPath.
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig loads configuration from file and environment variables
func (cm *ConfigManager) LoadConfig(configPath string) error {
	newConfig := DefaultConfig()

	if configPath != "" && fileExists(configPath) {
		if err := loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := validateConfig(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	applyDerivedConfig(newConfig)

	cm.mu.Lock()
	oldConfig := cm.config
	cm.config = newConfig
	cm.configPath = configPath
	watchers := append([]ConfigWatcher(nil), cm.watchers...)
	cm.mu.Unlock()

	for _, watcher := range watchers {
		go watcher(oldConfig, newConfig)
	}
	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	// Return a copy to prevent external modifications
	configCopy := *cm.config
	configCopy.Export.FrameExtensions = append([]string(nil), cm.config.Export.FrameExtensions...)
	return &configCopy
}

// ConfigPath returns the path of the last loaded file.
func (cm *ConfigManager) ConfigPath() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.configPath
}

// AddWatcher adds a configuration change watcher
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

// SaveConfig saves the current configuration to file
func (cm *ConfigManager) SaveConfig() error {
	cfg := cm.GetConfig()
	path := cm.ConfigPath()
	if path == "" {
		return fmt.Errorf("no config path set")
	}
	return saveToFile(path, cfg)
}

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func saveToFile(path string, config *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// loadStructFromEnv overrides fields whose env tag names a set variable.
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %v", field.Type())
		}
		values := strings.Split(value, ",")
		for i, v := range values {
			values[i] = strings.TrimSpace(v)
		}
		field.Set(reflect.ValueOf(values))
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}

func validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Type != "sqlite" && config.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", config.Database.Type)
	}

	e := config.Export
	if e.QueueSize < 1 {
		return fmt.Errorf("invalid export queue size: %d", e.QueueSize)
	}
	if e.RingBufferBytes != 0 && e.RingBufferBytes < 1<<20 {
		return fmt.Errorf("export ring buffer must hold at least 1 MiB, got %d bytes", e.RingBufferBytes)
	}
	if e.ChunkFrames < 0 {
		return fmt.Errorf("invalid export chunk size: %d", e.ChunkFrames)
	}
	if e.MinFreeDiskMB < 0 {
		return fmt.Errorf("invalid minimum free disk space: %d", e.MinFreeDiskMB)
	}
	if e.DefaultChannels < 0 || e.DefaultChannels > 2 {
		return fmt.Errorf("default channels must be 1 or 2, got %d", e.DefaultChannels)
	}

	switch strings.ToLower(config.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", config.Logging.Format)
	}

	return nil
}

func applyDerivedConfig(config *Config) {
	if config.Database.Type == "sqlite" && config.Database.Path == "" {
		config.Database.Path = "./data/framecast.db"
	}

	e := &config.Export
	if len(e.FrameExtensions) == 0 {
		e.FrameExtensions = []string{".png"}
	}
	if e.ChunkFrames == 0 {
		e.ChunkFrames = 1024
	}
	if e.RingBufferBytes == 0 {
		e.RingBufferBytes = 1 << 20
	}
	if e.PollTimeout <= 0 {
		e.PollTimeout = 10 * time.Millisecond
	}
	if e.CodecTimeout <= 0 {
		e.CodecTimeout = 10 * time.Second
	}
	if e.FormatWait <= 0 {
		e.FormatWait = 2 * time.Second
	}
	if e.DefaultSampleRate <= 0 {
		e.DefaultSampleRate = 44100
	}
	if e.DefaultChannels == 0 {
		e.DefaultChannels = 2
	}
}

// DSN returns the connection string for the configured database.
func (d DatabaseConfig) DSN() string {
	if d.Type == "sqlite" {
		return d.Path
	}
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		d.Host, d.Username, d.Password, d.Name, d.Port)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Global convenience functions

// Get returns the current global configuration
func Get() *Config {
	return GetConfigManager().GetConfig()
}

// Load loads configuration from the specified path
func Load(configPath string) error {
	return GetConfigManager().LoadConfig(configPath)
}

// AddWatcher adds a global configuration watcher
func AddWatcher(watcher ConfigWatcher) {
	GetConfigManager().AddWatcher(watcher)
}
