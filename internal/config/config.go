package config

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/fieldbooks/bridgeclient/internal/bridge"
)

// RateLimitSettings is the on-disk shape of one provider's quota numbers.
type RateLimitSettings struct {
	WindowSeconds int     `mapstructure:"window_seconds"`
	MaxRequests   int     `mapstructure:"max_requests"`
	WarnFraction  float64 `mapstructure:"warn_fraction"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

type Config struct {
	BackendBaseURL      string                       `mapstructure:"backend_base_url"`
	WSBaseURL           string                       `mapstructure:"ws_base_url"`
	StatusAddr          string                       `mapstructure:"status_addr"`
	MockMode            bool                         `mapstructure:"mock_mode"`
	Debug               bool                         `mapstructure:"debug"`
	DefaultUserID       string                       `mapstructure:"default_user_id"`
	TokenBackendDSN     string                       `mapstructure:"token_backend_dsn"`
	EncodeTokens        bool                         `mapstructure:"encode_tokens"`
	PollIntervalSeconds int                          `mapstructure:"poll_interval_seconds"`
	SweepMinutes        int                          `mapstructure:"sweep_minutes"`
	RateLimits          map[string]RateLimitSettings `mapstructure:"rate_limits"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("bridgeclient")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bridgeclient/")
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend_base_url", "http://127.0.0.1:3001")
	v.SetDefault("ws_base_url", "ws://127.0.0.1:3001")
	v.SetDefault("status_addr", "127.0.0.1:8390")
	v.SetDefault("mock_mode", false)
	v.SetDefault("debug", false)
	v.SetDefault("default_user_id", "default")
	v.SetDefault("token_backend_dsn", "file://.bridgeclient/tokens.json")
	v.SetDefault("encode_tokens", true)
	v.SetDefault("poll_interval_seconds", 60)
	v.SetDefault("sweep_minutes", 10)
	v.SetDefault("rate_limits.jobber.window_seconds", 60)
	v.SetDefault("rate_limits.jobber.max_requests", 120)
	v.SetDefault("rate_limits.quickbooks.window_seconds", 60)
	v.SetDefault("rate_limits.quickbooks.max_requests", 450)
	v.SetDefault("rate_limits.quickbooks.max_concurrent", 10)
	return v
}

// Load reads configuration from file (when present), environment, and
// defaults. A missing config file is not an error.
func Load() (*Config, error) {
	return load("")
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToRateLimits converts the on-disk rate settings into gate configuration.
func (c *Config) ToRateLimits() map[string]bridge.RateLimitConfig {
	if len(c.RateLimits) == 0 {
		return bridge.DefaultRateLimits()
	}
	out := make(map[string]bridge.RateLimitConfig, len(c.RateLimits))
	for provider, settings := range c.RateLimits {
		out[provider] = bridge.RateLimitConfig{
			Window:        time.Duration(settings.WindowSeconds) * time.Second,
			MaxRequests:   settings.MaxRequests,
			WarnFraction:  settings.WarnFraction,
			MaxConcurrent: settings.MaxConcurrent,
		}
	}
	return out
}

// Watcher reloads the config file on change and hands the result to a
// callback, used to apply rate-limit updates without a restart.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func Watch(path string, log logrus.FieldLogger, onChange func(*Config)) (*Watcher, error) {
	if strings.TrimSpace(path) == "" || onChange == nil {
		return nil, bridge.ErrInvalidInput
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and orchestrators typically replace the
	// file by rename, which drops a watch held on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{watcher: fsw, done: make(chan struct{})}
	target := filepath.Clean(path)
	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := LoadFile(path)
				if err != nil {
					log.WithError(err).Warn("config reload failed; keeping previous settings")
					continue
				}
				onChange(cfg)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return w, nil
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
