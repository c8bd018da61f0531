package gateway

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"time"

	"github.com/SkynetNext/push-gateway/internal/events"
	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"go.uber.org/zap"
)

// housekeepingSummary is published on the maintenance event every tick
type housekeepingSummary struct {
	Timestamp     time.Time `json:"timestamp"`
	Sessions      int       `json:"sessions"`
	Broadcasts    int       `json:"broadcasts"`
	Pruned        int       `json:"pruned"`
	HistoryLength int       `json:"historyLength"`
	ScratchBytes  int       `json:"scratchBytes"`
	ScratchDigest uint32    `json:"scratchDigest"`
	Connections   int       `json:"connections"`
}

// housekeeping is the maintenance task. Its scratch block is allocated per
// tick and nothing is carried to the next tick.
func (g *Gateway) housekeeping(ctx context.Context) error {
	cfg := g.GetConfig()

	pruned := g.broadcasts.Prune(g.registry.Alive)

	scratch := make([]byte, cfg.Maintenance.ScratchSize)
	for i := range scratch {
		scratch[i] = byte(i)
	}

	summary := housekeepingSummary{
		Timestamp:     time.Now(),
		Sessions:      g.registry.Count(),
		Broadcasts:    g.broadcasts.Count(),
		Pruned:        pruned,
		HistoryLength: g.history.Len(),
		ScratchBytes:  len(scratch),
		ScratchDigest: crc32.ChecksumIEEE(scratch),
		Connections:   g.conns.Count(),
	}

	metrics.ActiveSessions.Set(float64(summary.Sessions))
	metrics.BroadcastRegistrations.Set(float64(summary.Broadcasts))
	metrics.HistoryLength.Set(float64(summary.HistoryLength))

	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	if err := g.bus.Publish(ctx, events.Maintenance, payload); err != nil {
		return err
	}

	logger.L.Debug("maintenance tick",
		zap.Int("sessions", summary.Sessions),
		zap.Int("broadcasts", summary.Broadcasts),
		zap.Int("pruned", pruned),
		zap.Int("history_length", summary.HistoryLength),
	)
	return nil
}
