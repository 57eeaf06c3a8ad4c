package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Munging policies for uploads.
const (
	MungeFallback = "fallback"
	MungeAlways   = "always"
	MungeNever    = "never"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	NodeID             string        `mapstructure:"node_id" yaml:"node_id"`
	StoragePath        string        `mapstructure:"storage_path" yaml:"storage_path"`
	ServerURL          string        `mapstructure:"server_url" yaml:"server_url"`
	HubURL             string        `mapstructure:"hub_url" yaml:"hub_url"`
	ParallelDownloads  int           `mapstructure:"parallel_downloads" yaml:"parallel_downloads"`
	ParallelUploads    int           `mapstructure:"parallel_uploads" yaml:"parallel_uploads"`
	DownloadSpeedLimit int64         `mapstructure:"download_speed_limit" yaml:"download_speed_limit"`
	UploadMunging      string        `mapstructure:"upload_munging" yaml:"upload_munging"`
	VerifyWindow       time.Duration `mapstructure:"verify_window" yaml:"verify_window"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BackupPath         string        `mapstructure:"backup_path" yaml:"backup_path"`
	Debug              bool          `mapstructure:"debug" yaml:"debug"`
}

// Provider hands out the current configuration. Components read a fresh
// snapshot whenever they need a value so reloads take effect without
// rebuilding them.
type Provider interface {
	Snapshot() AppConfig
}

// Static is a Provider that never changes.
type Static AppConfig

func (s Static) Snapshot() AppConfig { return AppConfig(s) }

// Defaults returns the configuration used when no file sets a value.
func Defaults() AppConfig {
	return AppConfig{
		NodeID:            "disktrosync-default-node",
		StoragePath:       "./data",
		ServerURL:         "http://127.0.0.1:8080",
		HubURL:            "ws://127.0.0.1:8080/hub",
		ParallelDownloads: 10,
		ParallelUploads:   10,
		UploadMunging:     MungeFallback,
		VerifyWindow:      10 * time.Minute,
		ReadyTimeout:      5 * time.Second,
		BackupPath:        "./backups",
	}
}

// MinReadyTimeout is the shortest accepted wait between queue checks.
const MinReadyTimeout = 100 * time.Millisecond

// Validate rejects values the engines cannot work with.
func (c AppConfig) Validate() error {
	var errs []error
	if c.ParallelDownloads < 1 {
		errs = append(errs, fmt.Errorf("parallel_downloads must be positive, got %d", c.ParallelDownloads))
	}
	if c.ParallelUploads < 1 {
		errs = append(errs, fmt.Errorf("parallel_uploads must be positive, got %d", c.ParallelUploads))
	}
	if c.ReadyTimeout < MinReadyTimeout {
		errs = append(errs, fmt.Errorf("ready_timeout must be at least %s, got %s", MinReadyTimeout, c.ReadyTimeout))
	}
	switch c.UploadMunging {
	case MungeFallback, MungeAlways, MungeNever:
	default:
		errs = append(errs, fmt.Errorf("upload_munging must be one of fallback, always, never; got %q", c.UploadMunging))
	}
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	return errors.Join(errs...)
}

// Store is a viper-backed Provider. Reload is explicit: either call Reload
// or hook a file watch with Watch.
type Store struct {
	v *viper.Viper

	mu      sync.RWMutex
	current AppConfig
}

// Load reads config.yaml from dir. A missing file is fine and yields the
// defaults (plus any environment overrides).
func Load(dir string) (*Store, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("disktrosync")
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("storage_path", d.StoragePath)
	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("hub_url", d.HubURL)
	v.SetDefault("parallel_downloads", d.ParallelDownloads)
	v.SetDefault("parallel_uploads", d.ParallelUploads)
	v.SetDefault("download_speed_limit", d.DownloadSpeedLimit)
	v.SetDefault("upload_munging", d.UploadMunging)
	v.SetDefault("verify_window", d.VerifyWindow)
	v.SetDefault("ready_timeout", d.ReadyTimeout)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("backup_path", d.BackupPath)
	v.SetDefault("debug", d.Debug)

	s := &Store{v: v}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the config file. On a decode or validation failure the
// previous configuration stays active.
func (s *Store) Reload() error {
	if err := s.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := s.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return nil
}

// Watch reloads the configuration whenever the file changes on disk and
// reports the outcome to fn. Only the file watch triggers reloads; there is
// no polling.
func (s *Store) Watch(fn func(old, updated AppConfig, err error)) {
	s.v.OnConfigChange(func(fsnotify.Event) {
		old := s.Snapshot()
		err := s.Reload()
		if fn != nil {
			fn(old, s.Snapshot(), err)
		}
	})
	s.v.WatchConfig()
}
