package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string

	mu        sync.RWMutex
	config    *Config
	viper     *viper.Viper
	watchChan chan Config
	watchOnce sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	v := viper.New()
	v.SetConfigFile(m.configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PYAMOOZ")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return err
	}

	m.mu.Lock()
	m.viper = v
	m.mu.Unlock()

	return m.refresh(false)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads. Invalid
// configurations are not delivered; the previous one stays in effect.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.mu.RLock()
		v := m.viper
		m.mu.RUnlock()
		if v == nil {
			return
		}
		v.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			if err := m.refresh(true); err != nil {
				return
			}
			select {
			case m.watchChan <- *m.Get(ctx):
			default:
				// Channel full, skip this update
			}
		})
		v.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()
	if v == nil {
		return m.Load(ctx)
	}
	if err := readConfigFile(v); err != nil {
		return err
	}
	return m.refresh(true)
}

func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// refresh rebuilds the Config from viper. With strict set, an invalid
// result is rejected and the current configuration is kept.
func (m *viperConfigManager) refresh(strict bool) error {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()

	cfg := unmarshalConfig(v)
	applyEnvOverrides(cfg)
	if strict {
		if errs := cfg.Validate(); len(errs) > 0 {
			return fmt.Errorf("reloaded configuration is invalid: %w", errors.Join(errs...))
		}
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
