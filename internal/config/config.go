package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/NamanBalaji/fetchd/internal/logger"
)

const configFileName = "fetchd"

// Config holds the configuration options for the daemon. Values are resolved
// in order: defaults, then the YAML config file, then FETCHD_* environment
// variables.
type Config struct {
	ListenAddr string       `yaml:"listenAddr,omitempty"`
	DBPath     string       `yaml:"dbPath,omitempty"`
	Jobs       *JobsConfig  `yaml:"jobs,omitempty"`
	YTDLP      *YTDLPConfig `yaml:"ytdlp,omitempty"`
	SSE        *SSEConfig   `yaml:"sse,omitempty"`
}

// JobsConfig holds job tracking and scheduling options.
type JobsConfig struct {
	DownloadDir       string        `yaml:"dir,omitempty"`
	MaxConcurrent     int           `yaml:"maxConcurrent,omitempty"`
	MaxRetries        int           `yaml:"maxRetries,omitempty"`
	RetryDelay        time.Duration `yaml:"retryDelay,omitempty"`
	MaxDuration       time.Duration `yaml:"maxDuration,omitempty"`
	RetentionWindow   time.Duration `yaml:"retentionWindow,omitempty"`
	SweepInterval     time.Duration `yaml:"sweepInterval,omitempty"`
	ProgressInterval  time.Duration `yaml:"progressInterval,omitempty"`
}

// YTDLPConfig holds options for the yt-dlp subprocess.
type YTDLPConfig struct {
	BinaryPath string   `yaml:"binaryPath,omitempty"`
	Args       []string `yaml:"args,omitempty"`
}

// SSEConfig holds options for event stream subscribers.
type SSEConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval,omitempty"`
	TerminalGrace     time.Duration `yaml:"terminalGrace,omitempty"`
}

// Load reads configuration from path, or from the XDG config directory when
// path is empty, and returns the merged Config. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(xdg.ConfigHome, configFileName)
	}

	return getConfig(path)
}

func getConfig(configFilePath string) (*Config, error) {
	defaults := DefaultConfig()

	merged := defaults

	b, err := os.ReadFile(configFilePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if len(b) > 0 {
		var cfg Config
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}

		jobsCfg := zeroOr(cfg.Jobs, defaults.Jobs)
		ytdlpCfg := zeroOr(cfg.YTDLP, defaults.YTDLP)
		sseCfg := zeroOr(cfg.SSE, defaults.SSE)

		merged = Config{
			ListenAddr: zeroOr(cfg.ListenAddr, defaults.ListenAddr),
			DBPath:     zeroOr(cfg.DBPath, defaults.DBPath),
			Jobs: &JobsConfig{
				DownloadDir:      zeroOr(jobsCfg.DownloadDir, defaults.Jobs.DownloadDir),
				MaxConcurrent:    zeroOr(jobsCfg.MaxConcurrent, defaults.Jobs.MaxConcurrent),
				MaxRetries:       zeroOr(jobsCfg.MaxRetries, defaults.Jobs.MaxRetries),
				RetryDelay:       zeroOr(jobsCfg.RetryDelay, defaults.Jobs.RetryDelay),
				MaxDuration:      zeroOr(jobsCfg.MaxDuration, defaults.Jobs.MaxDuration),
				RetentionWindow:  zeroOr(jobsCfg.RetentionWindow, defaults.Jobs.RetentionWindow),
				SweepInterval:    zeroOr(jobsCfg.SweepInterval, defaults.Jobs.SweepInterval),
				ProgressInterval: zeroOr(jobsCfg.ProgressInterval, defaults.Jobs.ProgressInterval),
			},
			YTDLP: &YTDLPConfig{
				BinaryPath: zeroOr(ytdlpCfg.BinaryPath, defaults.YTDLP.BinaryPath),
				Args:       zeroOr(ytdlpCfg.Args, defaults.YTDLP.Args),
			},
			SSE: &SSEConfig{
				HeartbeatInterval: zeroOr(sseCfg.HeartbeatInterval, defaults.SSE.HeartbeatInterval),
				TerminalGrace:     zeroOr(sseCfg.TerminalGrace, defaults.SSE.TerminalGrace),
			},
		}
	}

	applyEnvOverrides(&merged)

	return &merged, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr: listenAddr,
		DBPath:     dbPath,
		Jobs: &JobsConfig{
			DownloadDir:      downloadDir,
			MaxConcurrent:    maxConcurrentJobs,
			MaxRetries:       maxRetries,
			RetryDelay:       retryDelay,
			MaxDuration:      maxJobDuration,
			RetentionWindow:  retentionWindow,
			SweepInterval:    sweepInterval,
			ProgressInterval: progressInterval,
		},
		YTDLP: &YTDLPConfig{
			BinaryPath: binaryPath,
		},
		SSE: &SSEConfig{
			HeartbeatInterval: heartbeatInterval,
			TerminalGrace:     terminalGrace,
		},
	}
}

// applyEnvOverrides lets deployments override the values that commonly differ
// per environment without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FETCHD_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv("FETCHD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv("FETCHD_DOWNLOAD_DIR"); v != "" {
		cfg.Jobs.DownloadDir = v
	}

	if v := os.Getenv("FETCHD_YTDLP_PATH"); v != "" {
		cfg.YTDLP.BinaryPath = v
	}

	if v := os.Getenv("FETCHD_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs.MaxConcurrent = n
		} else {
			logger.Warnf("ignoring invalid FETCHD_MAX_CONCURRENT_JOBS %q", v)
		}
	}

	if v := os.Getenv("FETCHD_RETENTION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Jobs.RetentionWindow = d
		} else {
			logger.Warnf("ignoring invalid FETCHD_RETENTION_WINDOW %q", v)
		}
	}

	if v := os.Getenv("FETCHD_MAX_JOB_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Jobs.MaxDuration = d
		} else {
			logger.Warnf("ignoring invalid FETCHD_MAX_JOB_DURATION %q", v)
		}
	}

	if v := os.Getenv("FETCHD_PROGRESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Jobs.ProgressInterval = d
		} else {
			logger.Warnf("ignoring invalid FETCHD_PROGRESS_INTERVAL %q", v)
		}
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
