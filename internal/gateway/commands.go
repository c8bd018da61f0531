package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"github.com/SkynetNext/push-gateway/internal/protocol"
	"github.com/SkynetNext/push-gateway/internal/session"
	"github.com/SkynetNext/push-gateway/internal/tracing"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// dispatch applies one inbound frame to the connection's session. Replies go
// through the session so nothing reaches a destroyed connection.
func (g *Gateway) dispatch(ctx context.Context, c *connection, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		g.reply(ctx, c.id, protocol.EventError, protocol.Error{Error: err.Error()})
		return
	}

	command := env.Event
	label := command
	if !protocol.Known(command) {
		label = "unknown"
	}
	metrics.MessagesProcessed.WithLabelValues("inbound", label).Inc()

	ctx, span := tracing.StartCommandSpan(ctx, label, c.id)
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.CommandLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	event, payload, err := g.execute(ctx, c.id, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, session.ErrSessionNotFound) {
			return
		}
		logger.DebugWithTrace(ctx, "command failed",
			zap.String("connection_id", c.id),
			zap.String("command", command),
			zap.Error(err),
		)
		if event == "" {
			event, payload = protocol.EventError, protocol.Error{Command: command, Error: err.Error()}
		}
	}
	if event != "" {
		g.reply(ctx, c.id, event, payload)
	}
}

// execute runs a command and returns the reply to send. A non-empty event with
// an error means the reply already describes the failure.
func (g *Gateway) execute(ctx context.Context, connectionID string, env *protocol.Envelope) (string, any, error) {
	switch env.Event {
	case protocol.CmdSubscribeUpdates:
		var req protocol.SubscribeUpdatesRequest
		if err := env.Bind(&req); err != nil {
			return "", nil, err
		}
		ack, err := g.SubscribeUpdates(connectionID, req.UserID, req.Preferences)
		if err != nil {
			return "", nil, err
		}
		return protocol.EventAck, ack, nil

	case protocol.CmdHeavyComputation:
		var req protocol.HeavyComputationRequest
		if err := env.Bind(&req); err != nil {
			return "", nil, err
		}
		processed, err := g.RunComputation(ctx, connectionID, req.Iterations)
		if err != nil {
			return "", nil, err
		}
		return protocol.EventAck, protocol.Ack{Command: env.Event, Processed: &processed}, nil

	case protocol.CmdGetMemoryStats:
		return protocol.EventMemoryStats, g.Stats(), nil

	case protocol.CmdForceGC:
		result, err := g.ForceReclaim()
		return protocol.EventGCResult, result, err

	case protocol.CmdSubscribeEvent:
		var req protocol.SubscribeEventRequest
		if err := env.Bind(&req); err != nil {
			return "", nil, err
		}
		ack, err := g.SubscribeEvent(ctx, connectionID, req.Event)
		if err != nil {
			return "", nil, err
		}
		return protocol.EventAck, ack, nil

	case protocol.CmdBroadcast:
		var req protocol.BroadcastRequest
		if err := env.Bind(&req); err != nil {
			return "", nil, err
		}
		result, err := g.Broadcast(ctx, connectionID, req.Message)
		if err != nil {
			return "", nil, err
		}
		return protocol.EventAck, protocol.Ack{
			Command:   env.Event,
			Delivered: &result.Delivered,
			Failed:    &result.Failed,
		}, nil

	case protocol.CmdGetHistory:
		var req protocol.GetHistoryRequest
		if err := env.Bind(&req); err != nil {
			return "", nil, err
		}
		return protocol.EventHistory, protocol.History{Entries: g.History(req.Limit)}, nil

	default:
		return "", nil, protocol.ErrUnknownCommand
	}
}

// reply delivers an event to a live session, waiting for queue space. It is
// dropped once the session is gone.
func (g *Gateway) reply(ctx context.Context, connectionID, event string, payload any) {
	s, err := g.registry.Lookup(connectionID)
	if err != nil {
		return
	}
	if err := s.DeliverWait(ctx, event, payload); err != nil {
		logger.L.Debug("reply dropped",
			zap.String("connection_id", connectionID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
