package gateway

import (
	"fmt"

	"github.com/SkynetNext/push-gateway/internal/config"
	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"go.uber.org/zap"
)

// UpdateConfig updates the gateway configuration (hot reload).
// Limits, intervals and timeouts apply to new work immediately; listener
// addresses, buffer sizes and the events backend need a restart.
func (g *Gateway) UpdateConfig(newConfig *config.Config) error {
	if err := config.ValidateConfig(newConfig); err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		return fmt.Errorf("invalid configuration: %w", err)
	}

	g.configMu.Lock()
	defer g.configMu.Unlock()
	old := g.config

	if newConfig.Security.MaxConnections != old.Security.MaxConnections {
		g.rateLimiter.SetMax(int64(newConfig.Security.MaxConnections))
		logger.L.Info("rate limiter updated",
			zap.Int("old_max", old.Security.MaxConnections),
			zap.Int("new_max", newConfig.Security.MaxConnections),
		)
	}

	if newConfig.Security.MaxConnectionsPerIP != old.Security.MaxConnectionsPerIP ||
		newConfig.Security.ConnectionRateLimit != old.Security.ConnectionRateLimit {
		g.ipLimiter.SetLimits(
			newConfig.Security.MaxConnectionsPerIP,
			newConfig.Security.ConnectionRateLimit,
		)
		logger.L.Info("IP limiter updated",
			zap.Int("old_max_per_ip", old.Security.MaxConnectionsPerIP),
			zap.Int("new_max_per_ip", newConfig.Security.MaxConnectionsPerIP),
			zap.Int("old_rate_limit", old.Security.ConnectionRateLimit),
			zap.Int("new_rate_limit", newConfig.Security.ConnectionRateLimit),
		)
	}

	if newConfig.Broadcast.DeliveryTimeout != old.Broadcast.DeliveryTimeout {
		g.broadcasts.SetTimeout(newConfig.Broadcast.DeliveryTimeout)
	}

	if newConfig.Server.ListenAddr != old.Server.ListenAddr ||
		newConfig.Server.HealthCheckPort != old.Server.HealthCheckPort ||
		newConfig.Events.Backend != old.Events.Backend ||
		newConfig.Session.WorkingBufferSize != old.Session.WorkingBufferSize ||
		newConfig.Session.MaxTimers != old.Session.MaxTimers ||
		newConfig.Session.MaxSubscriptions != old.Session.MaxSubscriptions ||
		newConfig.History.MaxEntries != old.History.MaxEntries ||
		newConfig.Maintenance.Interval != old.Maintenance.Interval {
		logger.L.Warn("some configuration changes take effect after restart")
	}

	g.config = newConfig
	metrics.ConfigReloads.WithLabelValues("applied").Inc()

	logger.L.Info("configuration updated successfully")
	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (g *Gateway) GetConfig() *config.Config {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.config
}
