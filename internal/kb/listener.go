package kb

import (
	"context"
	"errors"
	"log/slog"

	"agentmesh/internal/bus"
)

// StartListening subscribes the adapter to its own query subject,
// {kb_id}.adapter.query, and serves request-reply. Replies carry the raw
// operation result; no policy or masking is applied here.
func StartListening(conn bus.Conn, kbID string, adapter Adapter) error {
	subject := kbID + ".adapter.query"
	return conn.Subscribe(subject, func(ctx context.Context, msg map[string]any) (map[string]any, error) {
		operation, _ := msg["operation"].(string)
		if operation == "" {
			return nil, errors.New("missing operation")
		}
		params, _ := msg["params"].(map[string]any)

		result, err := adapter.Execute(ctx, operation, params)
		if err != nil {
			slog.Warn("adapter operation failed",
				"kb_id", kbID, "operation", operation, "error", err)
			return nil, err
		}
		return map[string]any{"status": "success", "data": result}, nil
	})
}
