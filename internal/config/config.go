// SPDX-License-Identifier: MIT

// Package config loads tonearm configuration with precedence
// ENV > YAML file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	LogLevel string
	DataDir  string

	Store     Store
	Queue     Queue
	Pool      Pool
	Models    Models
	Scanner   Scanner
	Tags      Tags
	Broker    Broker
	API       API
	Telemetry Telemetry

	Libraries []Library
}

// Store configures the SQLite durable store.
type Store struct {
	DBPath       string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Queue configures worker-loop polling.
type Queue struct {
	PollInterval time.Duration
}

// Pool configures the inference worker process pool.
type Pool struct {
	Workers      int
	JobTimeout   time.Duration
	DrainTimeout time.Duration
	StopGrace    time.Duration
	ReadyTimeout time.Duration
}

// Models configures predictor discovery and cache eviction.
type Models struct {
	Dir         string
	AnalyzerBin string
	AutoEvict   bool
	IdleTimeout time.Duration
}

// Scanner configures library scanning.
type Scanner struct {
	Extensions           []string
	BatchSize            int
	ProgressRate         float64 // progress events per second
	FingerprintParallel  int
	Watch                bool
	WatchDebounce        time.Duration
	RescanInterval       time.Duration // 0 disables periodic rescan
	MP4FreeformBlocklist []string
}

// Tags configures the tag namespace written by the tagger.
type Tags struct {
	Namespace     string
	VersionKey    string
	TaggerVersion string
}

// Broker configures the in-memory state broker.
type Broker struct {
	BufferSize int
}

// API configures the embedded HTTP adapter.
type API struct {
	Enabled    bool
	ListenAddr string
	RateLimit  int // requests per minute per IP, 0 disables
}

// Telemetry configures OTLP tracing.
type Telemetry struct {
	Enabled      bool
	ExporterType string // "grpc", "http" or "noop"
	Endpoint     string
	SampleRate   float64
	Environment  string
}

// Library declares one library root from configuration.
type Library struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Default bool   `yaml:"default"`
}

// DefaultAudioExtensions is the stock extension whitelist for audio files.
func DefaultAudioExtensions() []string {
	return []string{".mp3", ".m4a", ".mp4", ".flac", ".ogg", ".opus", ".wav", ".aac"}
}

func defaults() Config {
	dataDir := "/var/lib/tonearm"
	return Config{
		LogLevel: "info",
		DataDir:  dataDir,
		Store: Store{
			DBPath:       "", // resolved against DataDir when empty
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 16,
		},
		Queue: Queue{
			PollInterval: 2 * time.Second,
		},
		Pool: Pool{
			Workers:      2,
			JobTimeout:   3600 * time.Second,
			DrainTimeout: 60 * time.Second,
			StopGrace:    10 * time.Second,
			ReadyTimeout: 120 * time.Second,
		},
		Models: Models{
			Dir:         filepath.Join(dataDir, "models"),
			AnalyzerBin: "",
			AutoEvict:   true,
			IdleTimeout: 10 * time.Minute,
		},
		Scanner: Scanner{
			Extensions:          DefaultAudioExtensions(),
			BatchSize:           200,
			ProgressRate:        5,
			FingerprintParallel: 4,
			Watch:               false,
			WatchDebounce:       2 * time.Second,
			RescanInterval:      0,
			MP4FreeformBlocklist: []string{
				"com.apple.iTunes:Acoustid Id",
				"com.apple.iTunes:Acoustid Fingerprint",
				"com.apple.iTunes:MusicBrainz",
				"com.apple.iTunes:iTunNORM",
				"com.apple.iTunes:iTunSMPB",
			},
		},
		Tags: Tags{
			Namespace:     "nom",
			VersionKey:    "nom_version",
			TaggerVersion: "1",
		},
		Broker: Broker{
			BufferSize: 1000,
		},
		API: API{
			Enabled:    true,
			ListenAddr: ":8732",
			RateLimit:  120,
		},
		Telemetry: Telemetry{
			Enabled:      false,
			ExporterType: "noop",
			Endpoint:     "localhost:4317",
			SampleRate:   0.1,
			Environment:  "production",
		},
	}
}

// Load resolves the configuration with precedence ENV > file > defaults.
// An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(cfg.DataDir, "tonearm.db")
	}
	if cfg.Models.Dir == "" {
		cfg.Models.Dir = filepath.Join(cfg.DataDir, "models")
	}

	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = ParseString("TONEARM_LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = ParseString("TONEARM_DATA", cfg.DataDir)

	cfg.Store.DBPath = ParseString("TONEARM_DB_PATH", cfg.Store.DBPath)
	cfg.Store.BusyTimeout = ParseDuration("TONEARM_DB_BUSY_TIMEOUT", cfg.Store.BusyTimeout)
	cfg.Store.MaxOpenConns = ParseInt("TONEARM_DB_MAX_CONNS", cfg.Store.MaxOpenConns)

	cfg.Queue.PollInterval = ParseDuration("TONEARM_POLL_INTERVAL", cfg.Queue.PollInterval)

	cfg.Pool.Workers = ParseInt("TONEARM_WORKERS", cfg.Pool.Workers)
	cfg.Pool.JobTimeout = ParseDuration("TONEARM_JOB_TIMEOUT", cfg.Pool.JobTimeout)
	cfg.Pool.DrainTimeout = ParseDuration("TONEARM_DRAIN_TIMEOUT", cfg.Pool.DrainTimeout)
	cfg.Pool.StopGrace = ParseDuration("TONEARM_STOP_GRACE", cfg.Pool.StopGrace)
	cfg.Pool.ReadyTimeout = ParseDuration("TONEARM_READY_TIMEOUT", cfg.Pool.ReadyTimeout)

	cfg.Models.Dir = ParseString("TONEARM_MODELS_DIR", cfg.Models.Dir)
	cfg.Models.AnalyzerBin = ParseString("TONEARM_ANALYZER_BIN", cfg.Models.AnalyzerBin)
	cfg.Models.AutoEvict = ParseBool("TONEARM_MODELS_AUTO_EVICT", cfg.Models.AutoEvict)
	cfg.Models.IdleTimeout = ParseDuration("TONEARM_MODELS_IDLE_TIMEOUT", cfg.Models.IdleTimeout)

	if exts := ParseString("TONEARM_AUDIO_EXTENSIONS", ""); exts != "" {
		cfg.Scanner.Extensions = splitList(exts)
	}
	cfg.Scanner.BatchSize = ParseInt("TONEARM_SCAN_BATCH_SIZE", cfg.Scanner.BatchSize)
	cfg.Scanner.ProgressRate = ParseFloat("TONEARM_SCAN_PROGRESS_RATE", cfg.Scanner.ProgressRate)
	cfg.Scanner.FingerprintParallel = ParseInt("TONEARM_SCAN_FP_PARALLEL", cfg.Scanner.FingerprintParallel)
	cfg.Scanner.Watch = ParseBool("TONEARM_SCAN_WATCH", cfg.Scanner.Watch)
	cfg.Scanner.WatchDebounce = ParseDuration("TONEARM_SCAN_WATCH_DEBOUNCE", cfg.Scanner.WatchDebounce)
	cfg.Scanner.RescanInterval = ParseDuration("TONEARM_RESCAN_INTERVAL", cfg.Scanner.RescanInterval)

	cfg.Tags.Namespace = ParseString("TONEARM_TAG_NAMESPACE", cfg.Tags.Namespace)
	cfg.Tags.VersionKey = ParseString("TONEARM_TAG_VERSION_KEY", cfg.Tags.VersionKey)
	cfg.Tags.TaggerVersion = ParseString("TONEARM_TAGGER_VERSION", cfg.Tags.TaggerVersion)

	cfg.Broker.BufferSize = ParseInt("TONEARM_BROKER_BUFFER", cfg.Broker.BufferSize)

	cfg.API.Enabled = ParseBool("TONEARM_API_ENABLED", cfg.API.Enabled)
	cfg.API.ListenAddr = ParseString("TONEARM_API_LISTEN", cfg.API.ListenAddr)
	cfg.API.RateLimit = ParseInt("TONEARM_API_RATE_LIMIT", cfg.API.RateLimit)

	cfg.Telemetry.Enabled = ParseBool("TONEARM_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString("TONEARM_OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString("TONEARM_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SampleRate = ParseFloat("TONEARM_OTEL_SAMPLE_RATE", cfg.Telemetry.SampleRate)
	cfg.Telemetry.Environment = ParseString("TONEARM_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)

	if libs := ParseString("TONEARM_LIBRARY", ""); libs != "" {
		// Single-library shortcut: TONEARM_LIBRARY=/music
		cfg.Libraries = []Library{{Name: filepath.Base(libs), Path: libs, Default: true}}
	}
}

func (c Config) validate() error {
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool workers must be >= 1, got %d", c.Pool.Workers)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Queue.PollInterval)
	}
	if c.Broker.BufferSize < 1 {
		return fmt.Errorf("broker buffer size must be >= 1, got %d", c.Broker.BufferSize)
	}
	if c.Scanner.BatchSize < 1 {
		return fmt.Errorf("scan batch size must be >= 1, got %d", c.Scanner.BatchSize)
	}
	for _, l := range c.Libraries {
		if l.Path == "" {
			return fmt.Errorf("library %q has no path", l.Name)
		}
		if !filepath.IsAbs(l.Path) {
			return fmt.Errorf("library %q path must be absolute, got %q", l.Name, l.Path)
		}
	}
	return nil
}

// fileConfig mirrors the YAML layout of the optional config file.
type fileConfig struct {
	LogLevel string `yaml:"logLevel"`
	DataDir  string `yaml:"dataDir"`

	Store struct {
		DBPath       string `yaml:"dbPath"`
		BusyTimeout  string `yaml:"busyTimeout"`
		MaxOpenConns *int   `yaml:"maxOpenConns"`
	} `yaml:"store"`

	Queue struct {
		PollInterval string `yaml:"pollInterval"`
	} `yaml:"queue"`

	Pool struct {
		Workers      *int   `yaml:"workers"`
		JobTimeout   string `yaml:"jobTimeout"`
		DrainTimeout string `yaml:"drainTimeout"`
		StopGrace    string `yaml:"stopGrace"`
	} `yaml:"pool"`

	Models struct {
		Dir         string `yaml:"dir"`
		AnalyzerBin string `yaml:"analyzerBin"`
		AutoEvict   *bool  `yaml:"autoEvict"`
		IdleTimeout string `yaml:"idleTimeout"`
	} `yaml:"models"`

	Scanner struct {
		Extensions           []string `yaml:"extensions"`
		BatchSize            *int     `yaml:"batchSize"`
		ProgressRate         *float64 `yaml:"progressRate"`
		Watch                *bool    `yaml:"watch"`
		WatchDebounce        string   `yaml:"watchDebounce"`
		RescanInterval       string   `yaml:"rescanInterval"`
		MP4FreeformBlocklist []string `yaml:"mp4FreeformBlocklist"`
	} `yaml:"scanner"`

	Tags struct {
		Namespace     string `yaml:"namespace"`
		VersionKey    string `yaml:"versionKey"`
		TaggerVersion string `yaml:"taggerVersion"`
	} `yaml:"tags"`

	Broker struct {
		BufferSize *int `yaml:"bufferSize"`
	} `yaml:"broker"`

	API struct {
		Enabled    *bool  `yaml:"enabled"`
		ListenAddr string `yaml:"listenAddr"`
		RateLimit  *int   `yaml:"rateLimit"`
	} `yaml:"api"`

	Telemetry struct {
		Enabled      *bool    `yaml:"enabled"`
		ExporterType string   `yaml:"exporter"`
		Endpoint     string   `yaml:"endpoint"`
		SampleRate   *float64 `yaml:"sampleRate"`
		Environment  string   `yaml:"environment"`
	} `yaml:"telemetry"`

	Libraries []Library `yaml:"libraries"`
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator flag/env
	if err != nil {
		return err
	}

	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*dst = d
		return nil
	}

	setStr(&cfg.LogLevel, fc.LogLevel)
	setStr(&cfg.DataDir, fc.DataDir)
	setStr(&cfg.Store.DBPath, fc.Store.DBPath)
	if err := setDur(&cfg.Store.BusyTimeout, fc.Store.BusyTimeout); err != nil {
		return err
	}
	if fc.Store.MaxOpenConns != nil {
		cfg.Store.MaxOpenConns = *fc.Store.MaxOpenConns
	}
	if err := setDur(&cfg.Queue.PollInterval, fc.Queue.PollInterval); err != nil {
		return err
	}
	if fc.Pool.Workers != nil {
		cfg.Pool.Workers = *fc.Pool.Workers
	}
	if err := setDur(&cfg.Pool.JobTimeout, fc.Pool.JobTimeout); err != nil {
		return err
	}
	if err := setDur(&cfg.Pool.DrainTimeout, fc.Pool.DrainTimeout); err != nil {
		return err
	}
	if err := setDur(&cfg.Pool.StopGrace, fc.Pool.StopGrace); err != nil {
		return err
	}
	setStr(&cfg.Models.Dir, fc.Models.Dir)
	setStr(&cfg.Models.AnalyzerBin, fc.Models.AnalyzerBin)
	if fc.Models.AutoEvict != nil {
		cfg.Models.AutoEvict = *fc.Models.AutoEvict
	}
	if err := setDur(&cfg.Models.IdleTimeout, fc.Models.IdleTimeout); err != nil {
		return err
	}
	if len(fc.Scanner.Extensions) > 0 {
		cfg.Scanner.Extensions = fc.Scanner.Extensions
	}
	if fc.Scanner.BatchSize != nil {
		cfg.Scanner.BatchSize = *fc.Scanner.BatchSize
	}
	if fc.Scanner.ProgressRate != nil {
		cfg.Scanner.ProgressRate = *fc.Scanner.ProgressRate
	}
	if fc.Scanner.Watch != nil {
		cfg.Scanner.Watch = *fc.Scanner.Watch
	}
	if err := setDur(&cfg.Scanner.WatchDebounce, fc.Scanner.WatchDebounce); err != nil {
		return err
	}
	if err := setDur(&cfg.Scanner.RescanInterval, fc.Scanner.RescanInterval); err != nil {
		return err
	}
	if len(fc.Scanner.MP4FreeformBlocklist) > 0 {
		cfg.Scanner.MP4FreeformBlocklist = fc.Scanner.MP4FreeformBlocklist
	}
	setStr(&cfg.Tags.Namespace, fc.Tags.Namespace)
	setStr(&cfg.Tags.VersionKey, fc.Tags.VersionKey)
	setStr(&cfg.Tags.TaggerVersion, fc.Tags.TaggerVersion)
	if fc.Broker.BufferSize != nil {
		cfg.Broker.BufferSize = *fc.Broker.BufferSize
	}
	if fc.API.Enabled != nil {
		cfg.API.Enabled = *fc.API.Enabled
	}
	setStr(&cfg.API.ListenAddr, fc.API.ListenAddr)
	if fc.API.RateLimit != nil {
		cfg.API.RateLimit = *fc.API.RateLimit
	}
	if fc.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *fc.Telemetry.Enabled
	}
	setStr(&cfg.Telemetry.ExporterType, fc.Telemetry.ExporterType)
	setStr(&cfg.Telemetry.Endpoint, fc.Telemetry.Endpoint)
	if fc.Telemetry.SampleRate != nil {
		cfg.Telemetry.SampleRate = *fc.Telemetry.SampleRate
	}
	setStr(&cfg.Telemetry.Environment, fc.Telemetry.Environment)
	if len(fc.Libraries) > 0 {
		cfg.Libraries = fc.Libraries
	}

	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
