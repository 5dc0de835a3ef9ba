// Package main implements a minimal mesh agent. It registers with the
// control plane, serves invocations on its own subject by echoing the
// payload back, and prints completion notifications for calls it made.
// Useful for smoke-testing routing and policy end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentmesh/internal/bus"
	"agentmesh/internal/logging"
	"agentmesh/internal/mesh"
	"agentmesh/internal/router"
)

func main() {
	natsURL := flag.String("nats", envOrDefault("MESH_NATS_URL", "nats://127.0.0.1:4222"), "Bus URL")
	identity := flag.String("identity", "echo-agent", "Agent identity")
	healthAddr := flag.String("health", "127.0.0.1:0", "Health endpoint listen address")

	remaining := logging.Init(os.Args[1:])
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	conn, err := bus.Connect(*natsURL)
	if err != nil {
		slog.Error("failed to connect to bus", "url", *natsURL, "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	healthURL, shutdownHealth, err := serveHealth(*healthAddr)
	if err != nil {
		slog.Error("failed to start health endpoint", "err", err)
		os.Exit(1)
	}
	defer shutdownHealth()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reply, err := conn.Request(ctx, mesh.AgentRegisterSubject, map[string]any{
		"identity":     *identity,
		"version":      "1.0.0",
		"capabilities": []any{"echo"},
		"operations":   []any{"invoke"},
		"schemas": map[string]any{
			"echo": map[string]any{
				"type":       "object",
				"properties": map[string]any{"message": map[string]any{"type": "string"}},
			},
		},
		"health_endpoint": healthURL,
	}, bus.DefaultTimeout)
	if err != nil {
		slog.Error("registration failed", "err", err)
		os.Exit(1)
	}
	if status, _ := reply["status"].(string); status == "error" {
		slog.Error("registration rejected", "error", reply["error"])
		os.Exit(1)
	}
	slog.Info("registered", "identity", *identity, "status", reply["status"])

	// Serve invocations: echo the payload back through the completion
	// subject.
	invokeSubject := "mesh.agent." + *identity + ".invoke"
	err = conn.Subscribe(invokeSubject, func(ctx context.Context, msg map[string]any) (map[string]any, error) {
		trackingID, _ := msg["tracking_id"].(string)
		operation, _ := msg["operation"].(string)
		payload, _ := msg["payload"].(map[string]any)
		slog.Info("invocation received",
			"tracking_id", trackingID, "source", msg["source"], "operation", operation)

		completion := map[string]any{
			"tracking_id": trackingID,
			"status":      "complete",
			"result": map[string]any{
				"echo":      payload,
				"operation": operation,
			},
		}
		if operation != "invoke" && operation != "echo" {
			completion = map[string]any{
				"tracking_id": trackingID,
				"status":      "failed",
				"error":       fmt.Sprintf("unsupported operation %q", operation),
			}
		}
		if err := conn.Publish(router.CompletionSubject, completion); err != nil {
			slog.Error("publish completion failed", "tracking_id", trackingID, "err", err)
		}
		return nil, nil
	})
	if err != nil {
		slog.Error("subscribe invocations failed", "err", err)
		os.Exit(1)
	}

	// Print notifications for invocations this agent initiated.
	notifySubject := "mesh.agent." + *identity + ".notifications"
	err = conn.Subscribe(notifySubject, func(ctx context.Context, msg map[string]any) (map[string]any, error) {
		slog.Info("invocation notification",
			"tracking_id", msg["tracking_id"], "status", msg["status"],
			"result", msg["result"], "error", msg["error"])
		return nil, nil
	})
	if err != nil {
		slog.Error("subscribe notifications failed", "err", err)
		os.Exit(1)
	}

	slog.Info("echo agent running", "invoke_subject", invokeSubject, "health", healthURL)
	<-ctx.Done()

	// Best effort deregistration on the way out.
	deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Request(deregCtx, mesh.AgentDeregisterSubject,
		map[string]any{"identity": *identity}, bus.DefaultTimeout); err != nil {
		slog.Warn("deregistration failed", "err", err)
	}
	slog.Info("echo agent stopped")
}

// serveHealth starts the HTTP endpoint the control plane probes, and
// returns its URL.
func serveHealth(addr string) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln) //nolint:errcheck

	url := fmt.Sprintf("http://%s/health", ln.Addr().String())
	return url, func() { srv.Close() }, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
