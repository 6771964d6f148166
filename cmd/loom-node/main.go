// ABOUTME: Minimal fake node for E2E testing; connects as a node and echoes invokes.
// ABOUTME: Usage: loom-node [-url ws://localhost:8787/ws] [-name "Echo Node"]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/loom-gateway/internal/client"
	"github.com/2389/loom-gateway/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8787/ws", "Gateway WebSocket URL")
	name := flag.String("name", "Echo Node", "Node display name")
	nodeID := flag.String("id", "e2e-echo-node", "Node ID")
	token := flag.String("token", "", "Auth token (empty relies on loopback)")
	flag.Parse()

	if err := run(*url, *name, *nodeID, *token); err != nil {
		log.Fatal(err)
	}
}

func run(url, name, nodeID, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	opts := client.Options{
		ClientID:    nodeID,
		DisplayName: name,
		Version:     "e2e",
		Role:        protocol.RoleNode,
		Caps:        []string{"echo"},
		Commands:    []string{"echo", "time"},
	}
	if token != "" {
		opts.Auth = &protocol.ConnectAuth{Token: token}
	}

	c, err := client.Dial(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer c.Close()

	hello := c.Hello()
	fmt.Fprintf(os.Stderr, "registered as %s (conn: %s)\n", nodeID, hello.Server.ConnID)

	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return nil
			}
			if ev.Event != "node.invoke.request" {
				continue
			}
			if err := answer(ctx, c, ev.Payload); err != nil {
				log.Printf("answer error: %v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// answer decodes an invoke request and sends back node.invoke.result.
func answer(ctx context.Context, c *client.Client, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("re-encoding invoke payload: %w", err)
	}
	var req struct {
		InvokeID string          `json:"invoke_id"`
		Command  string          `json:"command"`
		Params   json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decoding invoke payload: %w", err)
	}

	log.Printf("received invoke [%s]: %s", req.InvokeID, req.Command)

	result := map[string]any{"invoke_id": req.InvokeID}
	switch req.Command {
	case "echo":
		result["ok"] = true
		result["payload"] = map[string]any{"echo": echoReply(string(req.Params))}
	case "time":
		result["ok"] = true
		result["payload"] = map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}
	default:
		result["ok"] = false
		result["error"] = fmt.Sprintf("unknown command %q", req.Command)
	}

	return c.Call(ctx, "node.invoke.result", result, nil)
}

func echoReply(input string) string {
	if strings.TrimSpace(input) == "" {
		return "nothing to echo"
	}
	return input
}
