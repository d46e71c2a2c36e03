// Package config provides configuration for the sessionprep pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/internal/loader"
	"github.com/sessionprep/sessionprep/internal/logger"
	"github.com/sessionprep/sessionprep/internal/sink"
	"github.com/sessionprep/sessionprep/internal/storage"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "SESSIONPREP_"

// Config holds the configuration of one pipeline run.
type Config struct {
	// WorkDir is the base directory for downloaded inputs and local storage
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// Timeout bounds the whole run; zero means no limit
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	Input   InputConfig   `json:"input" yaml:"input"`
	Output  OutputConfig  `json:"output" yaml:"output"`
	Loader  LoaderConfig  `json:"loader" yaml:"loader"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Upload  UploadConfig  `json:"upload" yaml:"upload"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// InputConfig selects the session file.
type InputConfig struct {
	// Path is a local JSON Lines file, optionally snappy framed (.sz)
	Path string `json:"path" yaml:"path"`

	// Object is a storage key downloaded into WorkDir before loading.
	// It takes precedence over Path.
	Object string `json:"object" yaml:"object"`

	// SampleSize is the number of leading lines to load
	SampleSize int `json:"sample_size" yaml:"sample_size"`
}

// OutputConfig controls the written tables.
type OutputConfig struct {
	// Path is the feature table destination
	Path string `json:"path" yaml:"path"`

	// Format is parquet or sqlite
	Format string `json:"format" yaml:"format"`

	// Compression is the parquet codec
	Compression string `json:"compression" yaml:"compression"`

	// Parallelism is the number of parquet marshalling goroutines
	Parallelism int64 `json:"parallelism" yaml:"parallelism"`

	// EventsPath, when set, also writes the flat event table as parquet
	EventsPath string `json:"events_path" yaml:"events_path"`

	// Sidecar writes a .meta.json file next to the feature table
	Sidecar bool `json:"sidecar" yaml:"sidecar"`
}

// LoaderConfig holds session loader limits.
type LoaderConfig struct {
	MaxLineBytes int `json:"max_line_bytes" yaml:"max_line_bytes"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level   string `json:"level" yaml:"level"`
	File    string `json:"file" yaml:"file"`
	Console bool   `json:"console" yaml:"console"`
	Pretty  bool   `json:"pretty" yaml:"pretty"`
}

// UploadConfig controls publishing outputs to object storage.
type UploadConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Prefix is prepended to every uploaded object key
	Prefix string `json:"prefix" yaml:"prefix"`

	// Concurrency bounds parallel uploads
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// MetricsConfig controls where run metrics are exported. Both outputs are
// optional.
type MetricsConfig struct {
	// Textfile is a .prom file for the node_exporter textfile collector
	Textfile string `json:"textfile" yaml:"textfile"`

	// PushURL is a Prometheus Pushgateway base URL
	PushURL string `json:"push_url" yaml:"push_url"`

	// Job is the Pushgateway job label
	Job string `json:"job" yaml:"job"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage backend: local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the base directory for local storage
	Path string `json:"path" yaml:"path"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3-specific configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
	MaxRetries   int    `json:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		WorkDir: "./data/sessionprep",
		Input: InputConfig{
			SampleSize: loader.DefaultSampleSize,
		},
		Output: OutputConfig{
			Format:      string(sink.FormatParquet),
			Compression: "snappy",
			Parallelism: 4,
			Sidecar:     true,
		},
		Loader: LoaderConfig{
			MaxLineBytes: loader.DefaultMaxLineBytes,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Upload: UploadConfig{
			Concurrency: 4,
		},
		Storage: StorageConfig{
			Type: string(storage.TypeLocal),
			S3: S3Config{
				Region:     "us-east-1",
				MaxRetries: 3,
			},
		},
		Metrics: MetricsConfig{
			Job: "sessionprep",
		},
	}
}

// Resolve fills derived paths left empty.
func (c *Config) Resolve() {
	if c.WorkDir == "" {
		c.WorkDir = "./data/sessionprep"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.WorkDir, "storage")
	}
	if c.Output.Format == "" {
		c.Output.Format = string(sink.FormatParquet)
	}
	// The default name takes the extension of the format
	if c.Output.Path == "" {
		format := sink.Format(strings.ToLower(strings.TrimSpace(c.Output.Format)))
		c.Output.Path = filepath.Join("out", "session_features"+format.Ext())
	}
}

// InputDownloadPath returns where Input.Object is downloaded to.
func (c *Config) InputDownloadPath() string {
	return filepath.Join(c.WorkDir, "inputs", filepath.Base(filepath.FromSlash(c.Input.Object)))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Input.Path == "" && c.Input.Object == "" {
		return invalid("input.path or input.object is required")
	}
	if c.Input.SampleSize < 0 {
		return invalid(fmt.Sprintf("input.sample_size must be non-negative, got %d", c.Input.SampleSize))
	}

	if c.Output.Path == "" {
		return invalid("output.path is required")
	}
	format, err := sink.ParseFormat(c.Output.Format)
	if err != nil {
		return err
	}
	if format == sink.FormatParquet {
		if _, err := sink.NewParquetWriter(c.SinkConfig()); err != nil {
			return err
		}
	}
	if err := c.checkOutputPaths(); err != nil {
		return err
	}
	if c.Output.Parallelism < 1 {
		return invalid(fmt.Sprintf("output.parallelism must be at least 1, got %d", c.Output.Parallelism))
	}

	if c.Loader.MaxLineBytes <= 0 {
		return invalid(fmt.Sprintf("loader.max_line_bytes must be positive, got %d", c.Loader.MaxLineBytes))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return invalid(fmt.Sprintf("invalid log.level: %s", c.Log.Level))
	}

	if c.Upload.Enabled || c.Input.Object != "" {
		if c.Storage.Type != string(storage.TypeLocal) && c.Storage.Type != string(storage.TypeS3) {
			return invalid(fmt.Sprintf("invalid storage type: %s (must be local or s3)", c.Storage.Type))
		}
		if c.Storage.Type == string(storage.TypeS3) && c.Storage.S3.Bucket == "" {
			return invalid("storage.s3.bucket is required when storage type is s3")
		}
	}
	if c.Metrics.PushURL != "" && c.Metrics.Job == "" {
		return invalid("metrics.job is required when metrics.push_url is set")
	}
	if c.Upload.Enabled && c.Upload.Concurrency < 1 {
		return invalid(fmt.Sprintf("upload.concurrency must be at least 1, got %d", c.Upload.Concurrency))
	}

	return nil
}

type outputFile struct {
	key  string
	path string
}

// checkOutputPaths rejects outputs that would overwrite each other on disk,
// or under the same object key when uploading.
func (c *Config) checkOutputPaths() error {
	files := []outputFile{{"output.path", c.Output.Path}}
	if c.Output.EventsPath != "" {
		files = append(files, outputFile{"output.events_path", c.Output.EventsPath})
	}
	if c.Output.Sidecar {
		files = append(files, outputFile{"output.sidecar", sink.SidecarPath(c.Output.Path)})
	}

	paths := make(map[string]string, len(files))
	names := make(map[string]string, len(files))
	for _, f := range files {
		p := filepath.Clean(f.path)
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if prev, ok := paths[p]; ok {
			return invalid(fmt.Sprintf("%s and %s both write %s", prev, f.key, f.path))
		}
		paths[p] = f.key

		if !c.Upload.Enabled {
			continue
		}
		name := filepath.Base(p)
		if prev, ok := names[name]; ok {
			return invalid(fmt.Sprintf("%s and %s would upload to the same object name %s", prev, f.key, name))
		}
		names[name] = f.key
	}

	if c.Metrics.Textfile != "" {
		p := filepath.Clean(c.Metrics.Textfile)
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if prev, ok := paths[p]; ok {
			return invalid(fmt.Sprintf("%s and metrics.textfile both write %s", prev, c.Metrics.Textfile))
		}
	}
	return nil
}

// SinkConfig converts the output section for the sink package.
func (c *Config) SinkConfig() sink.Config {
	return sink.Config{
		Format:      sink.Format(strings.ToLower(strings.TrimSpace(c.Output.Format))),
		Compression: c.Output.Compression,
		Parallelism: c.Output.Parallelism,
	}
}

// LoaderConfig converts the loader section for the loader package.
func (c *Config) LoaderConfig() loader.Config {
	return loader.Config{MaxLineBytes: c.Loader.MaxLineBytes}
}

// LoggerConfig converts the log section for the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:   c.Log.Level,
		File:    c.Log.File,
		Console: c.Log.Console,
		Pretty:  c.Log.Pretty,
	}
}

// StorageConfig converts the storage section for the storage package.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Type:   storage.Type(c.Storage.Type),
		Path:   c.Storage.Path,
		Bucket: c.Storage.S3.Bucket,
		S3: storage.S3Config{
			Region:       c.Storage.S3.Region,
			Endpoint:     c.Storage.S3.Endpoint,
			UsePathStyle: c.Storage.S3.UsePathStyle,
			MaxRetries:   c.Storage.S3.MaxRetries,
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.NewIOError(perrors.CodeReadFailed, "failed to read config file", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, perrors.NewParseError(perrors.CodeMalformedRecord, "failed to parse YAML config", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, perrors.NewParseError(perrors.CodeMalformedRecord, "failed to parse JSON config", err)
		}
	default:
		return nil, invalid(fmt.Sprintf("unsupported config file format: %s", ext))
	}

	return cfg, nil
}

// LoadFromEnv applies SESSIONPREP_* environment variables to cfg.
// Unparseable numeric values are ignored.
func LoadFromEnv(cfg *Config) {
	if v := env("WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := env("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}

	// Input
	if v := env("INPUT_PATH"); v != "" {
		cfg.Input.Path = v
	}
	if v := env("INPUT_OBJECT"); v != "" {
		cfg.Input.Object = v
	}
	if v := env("SAMPLE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Input.SampleSize)
	}

	// Output
	if v := env("OUTPUT_PATH"); v != "" {
		cfg.Output.Path = v
	}
	if v := env("OUTPUT_FORMAT"); v != "" {
		cfg.Output.Format = v
	}
	if v := env("OUTPUT_COMPRESSION"); v != "" {
		cfg.Output.Compression = v
	}
	if v := env("EVENTS_PATH"); v != "" {
		cfg.Output.EventsPath = v
	}
	if v := env("SIDECAR"); v != "" {
		cfg.Output.Sidecar = parseBool(v)
	}

	// Loader
	if v := env("MAX_LINE_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Loader.MaxLineBytes)
	}

	// Logging
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := env("LOG_PRETTY"); v != "" {
		cfg.Log.Pretty = parseBool(v)
	}

	// Upload and storage
	if v := env("UPLOAD_ENABLED"); v != "" {
		cfg.Upload.Enabled = parseBool(v)
	}
	if v := env("UPLOAD_PREFIX"); v != "" {
		cfg.Upload.Prefix = v
	}
	if v := env("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := env("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := env("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := env("S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := env("S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := env("S3_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = parseBool(v)
	}

	// Metrics
	if v := env("METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
	if v := env("METRICS_PUSH_URL"); v != "" {
		cfg.Metrics.PushURL = v
	}
	if v := env("METRICS_JOB"); v != "" {
		cfg.Metrics.Job = v
	}
}

func env(name string) string {
	return os.Getenv(EnvPrefix + name)
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func invalid(msg string) error {
	return perrors.NewValidationError(perrors.CodeInvalidConfig, msg)
}
