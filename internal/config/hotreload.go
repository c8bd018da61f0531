package config

import (
	"context"
	"sync"
	"time"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"go.uber.org/zap"
)

// HotReloadManager manages hot reloading of configuration
type HotReloadManager struct {
	config     *Config
	mu         sync.RWMutex
	reloadFunc func(*Config) error
	modTime    time.Time
	stat       func(path string) (time.Time, error)
}

// NewHotReloadManager creates a new hot reload manager
func NewHotReloadManager(initialConfig *Config, reloadFunc func(*Config) error) *HotReloadManager {
	return &HotReloadManager{
		config:     initialConfig,
		reloadFunc: reloadFunc,
		stat:       fileModTime,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (h *HotReloadManager) GetConfig() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig validates and applies a new configuration (thread-safe)
func (h *HotReloadManager) UpdateConfig(newConfig *Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := validateConfig(newConfig); err != nil {
		return err
	}

	if h.reloadFunc != nil {
		if err := h.reloadFunc(newConfig); err != nil {
			return err
		}
	}

	h.config = newConfig
	return nil
}

// WatchConfigFile polls configPath every interval until ctx is done. A file
// that fails to load or validate leaves the current configuration in place.
func (h *HotReloadManager) WatchConfigFile(ctx context.Context, configPath string, interval time.Duration) error {
	if mt, err := h.stat(configPath); err == nil {
		h.modTime = mt
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		changed, err := h.reloadIfChanged(configPath)
		switch {
		case err != nil:
			logger.L.Warn("config reload failed, keeping current config",
				zap.String("path", configPath),
				zap.Error(err),
			)
		case changed:
			logger.L.Info("configuration reloaded", zap.String("path", configPath))
		}
	}
}

// reloadIfChanged applies configPath when its modification time moved.
// A file restored to an older version counts as a change.
func (h *HotReloadManager) reloadIfChanged(configPath string) (bool, error) {
	mt, err := h.stat(configPath)
	if err != nil {
		return false, err
	}
	if mt.Equal(h.modTime) {
		return false, nil
	}
	h.modTime = mt

	next, err := Load(configPath)
	if err != nil {
		return false, err
	}
	if err := h.UpdateConfig(next); err != nil {
		return false, err
	}
	return true, nil
}
