// Package main implements the operator CLI for the mesh. Every
// subcommand is a request over the bus; meshctl holds no state of its
// own.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"agentmesh/internal/bus"
	"agentmesh/internal/directory"
	"agentmesh/internal/logging"
	"agentmesh/internal/mesh"
	"agentmesh/internal/router"
)

const usage = `Usage: meshctl [-nats URL] <command> [flags]

Commands:
  agents     List registered agents
  kbs        List registered knowledge bases
  query      Run a governed KB query
  invoke     Invoke an operation on another agent
  audit      Query the audit log
  stats      Show audit outcome and event-type counts
  health     Show mesh component health
`

func main() {
	args := logging.Init(os.Args[1:])

	natsURL := flag.String("nats", envOrDefault("MESH_NATS_URL", "nats://127.0.0.1:4222"), "Bus URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.CommandLine.Parse(args) //nolint:errcheck

	rest := flag.Args()
	if len(rest) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conn, err := bus.Connect(*natsURL)
	if err != nil {
		slog.Error("failed to connect to bus", "url", *natsURL, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reply map[string]any
	switch rest[0] {
	case "agents":
		reply, err = cmdDirectory(ctx, conn, "agents", rest[1:])
	case "kbs":
		reply, err = cmdDirectory(ctx, conn, "kbs", rest[1:])
	case "query":
		reply, err = cmdQuery(ctx, conn, rest[1:])
	case "invoke":
		reply, err = cmdInvoke(ctx, conn, rest[1:])
	case "audit":
		reply, err = cmdAudit(ctx, conn, rest[1:])
	case "stats":
		reply, err = cmdStats(ctx, conn, rest[1:])
	case "health":
		reply, err = conn.Request(ctx, mesh.HealthSubject, map[string]any{}, bus.DefaultTimeout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", rest[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("request failed", "command", rest[0], "err", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		slog.Error("encode reply", "err", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if status, _ := reply["status"].(string); status == "error" || status == "denied" {
		os.Exit(1)
	}
}

func cmdDirectory(ctx context.Context, conn bus.Conn, queryType string, args []string) (map[string]any, error) {
	fs := flag.NewFlagSet(queryType, flag.ExitOnError)
	capability := fs.String("capability", "", "Filter agents by capability")
	status := fs.String("status", "", "Filter by status (active, degraded, offline)")
	kbType := fs.String("type", "", "Filter KBs by type (postgres, neo4j)")
	limit := fs.Int("limit", 100, "Maximum entries to return")
	fs.Parse(args) //nolint:errcheck

	return conn.Request(ctx, directory.QuerySubject, map[string]any{
		"type":              queryType,
		"capability_filter": *capability,
		"status_filter":     *status,
		"type_filter":       *kbType,
		"limit":             float64(*limit),
	}, bus.DefaultTimeout)
}

func cmdQuery(ctx context.Context, conn bus.Conn, args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	requester := fs.String("requester", "meshctl", "Requesting agent identity")
	kbID := fs.String("kb", "", "Target knowledge base id")
	operation := fs.String("op", "", "KB operation to run")
	paramsJSON := fs.String("params", "{}", "Operation parameters as JSON")
	fs.Parse(args) //nolint:errcheck

	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		return nil, fmt.Errorf("parse -params: %w", err)
	}
	return conn.Request(ctx, router.KBQuerySubject, map[string]any{
		"requester_id": *requester,
		"kb_id":        *kbID,
		"operation":    *operation,
		"params":       params,
	}, bus.DefaultTimeout)
}

func cmdInvoke(ctx context.Context, conn bus.Conn, args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	source := fs.String("source", "meshctl", "Source agent identity")
	target := fs.String("target", "", "Target agent identity")
	operation := fs.String("op", "", "Operation to invoke")
	payloadJSON := fs.String("payload", "{}", "Invocation payload as JSON")
	fs.Parse(args) //nolint:errcheck

	var payload map[string]any
	if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("parse -payload: %w", err)
	}
	return conn.Request(ctx, router.AgentInvokeSubject, map[string]any{
		"source":    *source,
		"target":    *target,
		"operation": *operation,
		"payload":   payload,
	}, bus.DefaultTimeout)
}

func cmdAudit(ctx context.Context, conn bus.Conn, args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	eventType := fs.String("event-type", "", "Filter by event type (register, query, invoke, policy_decision)")
	source := fs.String("source", "", "Filter by source id")
	target := fs.String("target", "", "Filter by target id")
	outcome := fs.String("outcome", "", "Filter by outcome (success, denied, error)")
	start := fs.String("start", "", "Only events at or after this RFC3339 time")
	end := fs.String("end", "", "Only events before this RFC3339 time")
	limit := fs.Int("limit", 100, "Maximum events to return")
	fs.Parse(args) //nolint:errcheck

	return conn.Request(ctx, mesh.AuditQuerySubject, map[string]any{
		"event_type": *eventType,
		"source_id":  *source,
		"target_id":  *target,
		"outcome":    *outcome,
		"start_time": *start,
		"end_time":   *end,
		"limit":      float64(*limit),
	}, bus.DefaultTimeout)
}

func cmdStats(ctx context.Context, conn bus.Conn, args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	source := fs.String("source", "", "Restrict counts to one source id")
	fs.Parse(args) //nolint:errcheck

	return conn.Request(ctx, mesh.AuditQuerySubject, map[string]any{
		"stats":     true,
		"source_id": *source,
	}, bus.DefaultTimeout)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
