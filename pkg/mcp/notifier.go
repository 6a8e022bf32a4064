package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/flowstate/flowstate/internal/streaming"
)

// ThreadNotifier pushes notifications to the client watching a thread.
type ThreadNotifier interface {
	Notify(ctx context.Context, threadID string, payload map[string]any) error
}

// MCPNotifier implements ThreadNotifier using MCP notification push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching the thread.
// Best-effort: returns nil if no client is watching.
func (n *MCPNotifier) Notify(_ context.Context, threadID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(threadID)
	if !ok {
		return nil // nobody watching, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// EventForwarder relays run events from the streaming hub to connected MCP
// clients, keyed by thread. Events for threads nobody registered are dropped.
type EventForwarder struct {
	hub      streaming.EventHub
	notifier ThreadNotifier
	logger   *slog.Logger
}

// NewEventForwarder creates a forwarder over the given hub and notifier.
func NewEventForwarder(hub streaming.EventHub, notifier ThreadNotifier, logger *slog.Logger) *EventForwarder {
	return &EventForwarder{hub: hub, notifier: notifier, logger: logger}
}

// Run subscribes to the hub and forwards events until ctx is cancelled or
// the hub closes the subscription. Returns nil on clean shutdown.
func (f *EventForwarder) Run(ctx context.Context) error {
	events, cancel, err := f.hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.ThreadID == "" {
				continue
			}
			if err := f.notifier.Notify(ctx, ev.ThreadID, notificationPayload(ev)); err != nil {
				f.logger.Warn("event notification failed",
					slog.String("thread_id", ev.ThreadID),
					slog.String("type", ev.Type),
					slog.Any("error", err))
			}
		}
	}
}

// notificationPayload flattens a hub event into a notification body.
func notificationPayload(ev streaming.Event) map[string]any {
	payload := map[string]any{
		"type":      ev.Type,
		"thread_id": ev.ThreadID,
	}
	if ev.RunID != "" {
		payload["run_id"] = ev.RunID
	}
	if ev.StepSlug != "" {
		payload["step_slug"] = ev.StepSlug
	}
	if ev.Branch != "" {
		payload["branch"] = ev.Branch
	}
	if len(ev.Payload) > 0 {
		payload["payload"] = ev.Payload
	}
	if !ev.At.IsZero() {
		payload["at"] = ev.At.UTC().Format(time.RFC3339Nano)
	}
	return payload
}
