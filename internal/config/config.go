// Package config provides configuration management for vigil using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/vigil-video/vigil/pkg/bytesize"
)

// Default configuration values.
const (
	defaultWorkerPort       = 7020
	defaultSourceWidth      = 640
	defaultSourceHeight     = 480
	defaultSourceFPS        = 15.0
	defaultModelWidth       = 640
	defaultModelHeight      = 640
	defaultMaxInflight      = 4
	defaultConfidence       = 0.5
	defaultIdleFPS          = 2.0
	defaultActiveFPS        = 8.0
	defaultDwell            = 500 * time.Millisecond
	defaultSilence          = 3 * time.Second
	defaultPostroll         = 2 * time.Second
	defaultFrameTTL         = 2 * time.Second
	defaultSegmentDuration  = 10 * time.Second
	defaultMaxFrameBytes    = 64 * bytesize.MB
	defaultInitialCredits   = 4
	defaultWindowMin        = 2
	defaultWindowMax        = 16
	defaultRetentionMaxAge  = 7 * 24 * time.Hour
	defaultRetentionCron    = "@hourly"
	defaultShmSizeMB        = 64
	defaultPublisherRTSP    = 8554
	defaultStoreOpenRetries = 5
)

// Config holds all configuration for both vigil binaries. A deployment
// usually populates only the section its binary consumes.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Edge   EdgeConfig   `mapstructure:"edge"`
	Worker WorkerConfig `mapstructure:"worker"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// EdgeConfig holds edge agent configuration.
type EdgeConfig struct {
	DeviceID  string          `mapstructure:"device_id"`
	Source    SourceConfig    `mapstructure:"source"`
	Inference InferenceConfig `mapstructure:"inference"`
	FSM       FSMConfig       `mapstructure:"fsm"`
	Store     StoreConfig     `mapstructure:"store"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Status    ListenConfig    `mapstructure:"status"`
}

// SourceConfig describes the capture child and its shared-memory output.
type SourceConfig struct {
	URI        string   `mapstructure:"uri"`
	Width      int      `mapstructure:"width"`
	Height     int      `mapstructure:"height"`
	FPSHub     float64  `mapstructure:"fps_hub"`
	SocketPath string   `mapstructure:"socket_path"`
	ShmSizeMB  int      `mapstructure:"shm_size_mb"`
	Binary     string   `mapstructure:"binary"`
	ExtraArgs  []string `mapstructure:"extra_args"`
}

// InferenceConfig holds the edge side of the worker contract.
type InferenceConfig struct {
	WorkerHost          string    `mapstructure:"worker_host"`
	WorkerPort          int       `mapstructure:"worker_port"`
	ModelName           string    `mapstructure:"model_name"`
	Width               int       `mapstructure:"width"`
	Height              int       `mapstructure:"height"`
	MaxInflight         int       `mapstructure:"max_inflight"`
	ClassesFilter       []string  `mapstructure:"classes_filter"`
	ConfidenceThreshold float64   `mapstructure:"confidence_threshold"`
	FPS                 FPSConfig `mapstructure:"fps"`
}

// FPSConfig holds the AI sampling rates for idle vs active recording.
type FPSConfig struct {
	Idle   float64 `mapstructure:"idle"`
	Active float64 `mapstructure:"active"`
}

// FSMConfig holds the recording orchestrator timer durations.
type FSMConfig struct {
	Dwell    Duration `mapstructure:"dwell"`
	Silence  Duration `mapstructure:"silence"`
	Postroll Duration `mapstructure:"postroll"`
}

// StoreConfig holds the HTTP session store endpoint.
type StoreConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Token       string `mapstructure:"token"`
	OpenRetries int    `mapstructure:"open_retries"`
}

// PublisherConfig holds the RTSP publisher child configuration.
type PublisherConfig struct {
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	Path      string   `mapstructure:"path"`
	Binary    string   `mapstructure:"binary"`
	ExtraArgs []string `mapstructure:"extra_args"`
}

// CacheConfig holds the edge frame cache settings.
type CacheConfig struct {
	FrameTTL Duration `mapstructure:"frame_ttl"`
}

// JournalConfig holds the edge session journal settings. An empty path
// disables the journal.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// ListenConfig is a toggleable listen address (status/health endpoints).
type ListenConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// WorkerConfig holds inference worker configuration.
type WorkerConfig struct {
	Listen          string          `mapstructure:"listen"`
	OutDir          string          `mapstructure:"out_dir"`
	SegmentDuration Duration        `mapstructure:"segment_duration"`
	MaxFrameBytes   ByteSize        `mapstructure:"max_frame_bytes"`
	Model           ModelConfig     `mapstructure:"model"`
	Window          WindowConfig    `mapstructure:"window"`
	Retention       RetentionConfig `mapstructure:"retention"`
	Health          ListenConfig    `mapstructure:"health"`
}

// ModelConfig selects and locates the inference backend.
type ModelConfig struct {
	Backend     string `mapstructure:"backend"` // onnx, static
	LibraryPath string `mapstructure:"library_path"`
	Dir         string `mapstructure:"dir"`
}

// WindowConfig bounds the flow-control window the worker grants.
type WindowConfig struct {
	InitialCredits int  `mapstructure:"initial_credits"`
	Min            int  `mapstructure:"min"`
	Max            int  `mapstructure:"max"`
	Autotune       bool `mapstructure:"autotune"`
}

// RetentionConfig schedules removal of old session artifacts.
type RetentionConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	MaxAge   Duration `mapstructure:"max_age"`
	Schedule string   `mapstructure:"schedule"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration; they are
// prefixed with VIGIL_ and use underscores for nesting.
// Example: VIGIL_WORKER_LISTEN=0.0.0.0:7020.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("vigil")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/vigil")
		v.AddConfigPath("/etc/vigil")
	}

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)
	v.SetDefault("log.time_format", time.RFC3339)

	// Edge defaults
	v.SetDefault("edge.device_id", "")
	v.SetDefault("edge.source.uri", "")
	v.SetDefault("edge.source.width", defaultSourceWidth)
	v.SetDefault("edge.source.height", defaultSourceHeight)
	v.SetDefault("edge.source.fps_hub", defaultSourceFPS)
	v.SetDefault("edge.source.socket_path", "/run/vigil/frames.sock")
	v.SetDefault("edge.source.shm_size_mb", defaultShmSizeMB)
	v.SetDefault("edge.source.binary", "vigil-capture")
	v.SetDefault("edge.inference.worker_host", "127.0.0.1")
	v.SetDefault("edge.inference.worker_port", defaultWorkerPort)
	v.SetDefault("edge.inference.model_name", "yolo11n")
	v.SetDefault("edge.inference.width", defaultModelWidth)
	v.SetDefault("edge.inference.height", defaultModelHeight)
	v.SetDefault("edge.inference.max_inflight", defaultMaxInflight)
	v.SetDefault("edge.inference.classes_filter", []string{"person"})
	v.SetDefault("edge.inference.confidence_threshold", defaultConfidence)
	v.SetDefault("edge.inference.fps.idle", defaultIdleFPS)
	v.SetDefault("edge.inference.fps.active", defaultActiveFPS)
	v.SetDefault("edge.fsm.dwell", defaultDwell)
	v.SetDefault("edge.fsm.silence", defaultSilence)
	v.SetDefault("edge.fsm.postroll", defaultPostroll)
	v.SetDefault("edge.store.base_url", "http://127.0.0.1:8080")
	v.SetDefault("edge.store.token", "")
	v.SetDefault("edge.store.open_retries", defaultStoreOpenRetries)
	v.SetDefault("edge.publisher.host", "127.0.0.1")
	v.SetDefault("edge.publisher.port", defaultPublisherRTSP)
	v.SetDefault("edge.publisher.path", "live/cam")
	v.SetDefault("edge.publisher.binary", "ffmpeg")
	v.SetDefault("edge.cache.frame_ttl", defaultFrameTTL)
	v.SetDefault("edge.journal.path", "")
	v.SetDefault("edge.status.enabled", false)
	v.SetDefault("edge.status.listen", "127.0.0.1:8089")

	// Worker defaults
	v.SetDefault("worker.listen", "0.0.0.0:7020")
	v.SetDefault("worker.out_dir", "./sessions")
	v.SetDefault("worker.segment_duration", defaultSegmentDuration)
	v.SetDefault("worker.max_frame_bytes", int64(defaultMaxFrameBytes))
	v.SetDefault("worker.model.backend", "onnx")
	v.SetDefault("worker.model.library_path", "")
	v.SetDefault("worker.model.dir", "./models")
	v.SetDefault("worker.window.initial_credits", defaultInitialCredits)
	v.SetDefault("worker.window.min", defaultWindowMin)
	v.SetDefault("worker.window.max", defaultWindowMax)
	v.SetDefault("worker.window.autotune", true)
	v.SetDefault("worker.retention.enabled", false)
	v.SetDefault("worker.retention.max_age", defaultRetentionMaxAge)
	v.SetDefault("worker.retention.schedule", defaultRetentionCron)
	v.SetDefault("worker.health.enabled", false)
	v.SetDefault("worker.health.listen", "127.0.0.1:7021")
}

// Validate checks configuration shared by both binaries.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}
	return nil
}

// ValidateEdge checks the fields the edge agent requires.
func (c *Config) ValidateEdge() error {
	e := &c.Edge
	if e.DeviceID == "" {
		return fmt.Errorf("edge.device_id is required")
	}
	if e.Source.Width < 1 || e.Source.Height < 1 {
		return fmt.Errorf("edge.source dimensions must be positive")
	}
	if e.Source.SocketPath == "" {
		return fmt.Errorf("edge.source.socket_path is required")
	}
	if e.Inference.WorkerHost == "" {
		return fmt.Errorf("edge.inference.worker_host is required")
	}
	if e.Inference.WorkerPort < 1 || e.Inference.WorkerPort > 65535 {
		return fmt.Errorf("edge.inference.worker_port must be between 1 and 65535")
	}
	if e.Inference.ModelName == "" {
		return fmt.Errorf("edge.inference.model_name is required")
	}
	if e.Inference.MaxInflight < 1 {
		return fmt.Errorf("edge.inference.max_inflight must be at least 1")
	}
	if t := e.Inference.ConfidenceThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("edge.inference.confidence_threshold must be in (0, 1]")
	}
	if e.FSM.Dwell <= 0 || e.FSM.Silence <= 0 || e.FSM.Postroll <= 0 {
		return fmt.Errorf("edge.fsm timers must be positive")
	}
	if e.Store.BaseURL == "" {
		return fmt.Errorf("edge.store.base_url is required")
	}
	if e.Cache.FrameTTL <= 0 {
		return fmt.Errorf("edge.cache.frame_ttl must be positive")
	}
	return nil
}

// ValidateWorker checks the fields the inference worker requires.
func (c *Config) ValidateWorker() error {
	w := &c.Worker
	if w.Listen == "" {
		return fmt.Errorf("worker.listen is required")
	}
	if w.OutDir == "" {
		return fmt.Errorf("worker.out_dir is required")
	}
	if w.SegmentDuration <= 0 {
		return fmt.Errorf("worker.segment_duration must be positive")
	}
	if w.MaxFrameBytes < 1 {
		return fmt.Errorf("worker.max_frame_bytes must be positive")
	}
	validBackends := map[string]bool{"onnx": true, "static": true}
	if !validBackends[w.Model.Backend] {
		return fmt.Errorf("worker.model.backend must be one of: onnx, static")
	}
	if w.Window.Min < 1 || w.Window.Max < w.Window.Min {
		return fmt.Errorf("worker.window bounds must satisfy 1 <= min <= max")
	}
	if w.Window.InitialCredits < w.Window.Min || w.Window.InitialCredits > w.Window.Max {
		return fmt.Errorf("worker.window.initial_credits must be within [min, max]")
	}
	if w.Retention.Enabled {
		if w.Retention.MaxAge <= 0 {
			return fmt.Errorf("worker.retention.max_age must be positive")
		}
		if w.Retention.Schedule == "" {
			return fmt.Errorf("worker.retention.schedule is required when retention is enabled")
		}
	}
	return nil
}

// WorkerAddr returns the worker endpoint in host:port format.
func (c *InferenceConfig) WorkerAddr() string {
	return fmt.Sprintf("%s:%d", c.WorkerHost, c.WorkerPort)
}

// TargetURL returns the RTSP URL the publisher pushes to.
func (c *PublisherConfig) TargetURL() string {
	return fmt.Sprintf("rtsp://%s:%d/%s", c.Host, c.Port, strings.TrimPrefix(c.Path, "/"))
}
