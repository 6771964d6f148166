// ABOUTME: Admin CLI for loom-gateway node and pairing management
// ABOUTME: Connects over WebSocket with JWT or device-token authentication

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/loom-gateway/internal/client"
	"github.com/2389/loom-gateway/internal/protocol"
)

var version = "dev"

const banner = `
 _                                         _           _
| | ___   ___  _ __ ___         __ _  __| |_ __ ___ (_)_ __
| |/ _ \ / _ \| '_ ' _ \ _____ / _' |/ _' | '_ ' _ \| | '_ \
| | (_) | (_) | | | | | |_____| (_| | (_| | | | | | | | | | |
|_|\___/ \___/|_| |_| |_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	var err error
	switch cmd {
	case "status":
		err = withClient(func(ctx context.Context, c *client.Client) error {
			return cmdStatus(ctx, c)
		})
	case "nodes":
		err = withClient(func(ctx context.Context, c *client.Client) error {
			return cmdNodes(ctx, c, args)
		})
	case "invoke":
		err = withClient(func(ctx context.Context, c *client.Client) error {
			return cmdInvoke(ctx, c, args)
		})
	case "pair":
		err = withClient(func(ctx context.Context, c *client.Client) error {
			return cmdPair(ctx, c, args)
		})
	case "devices":
		err = withClient(func(ctx context.Context, c *client.Client) error {
			return cmdDevices(ctx, c, args)
		})
	case "approvals":
		err = withClient(func(ctx context.Context, c *client.Client) error {
			return cmdApprovals(ctx, c, args)
		})
	case "watch":
		err = withClient(cmdWatch)
	case "disconnect-all":
		err = withClient(func(ctx context.Context, c *client.Client) error {
			return cmdDisconnectAll(ctx, c)
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: loom-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                     Show gateway status")
	fmt.Println("  nodes                      List connected nodes")
	fmt.Println("  nodes describe <node-id>   Show one node in detail")
	fmt.Println("  nodes rename <node-id> <name>  Set a node's display name")
	fmt.Println("  invoke <node-id> <command> [json-params]  Run a command on a node")
	fmt.Println("  pair list                  List pending pair requests")
	fmt.Println("  pair approve <pair-id>     Approve a pair request")
	fmt.Println("  pair reject <pair-id>      Reject a pair request")
	fmt.Println("  devices                    List paired devices")
	fmt.Println("  devices rotate <device-id> Rotate a device token")
	fmt.Println("  devices revoke <device-id> Revoke a device token")
	fmt.Println("  approvals list             List pending execution approvals")
	fmt.Println("  approvals resolve <id> <approve|deny>  Resolve an approval")
	fmt.Println("  watch                      Stream gateway events")
	fmt.Println("  disconnect-all             Kick every connected client")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  LOOM_GATEWAY_URL    WebSocket URL (default: ws://localhost:8787/ws)")
	fmt.Println("  LOOM_TOKEN          JWT token (default: read from ~/.config/loom/token)")
	fmt.Println()
}

func gatewayURL() string {
	if url := os.Getenv("LOOM_GATEWAY_URL"); url != "" {
		return url
	}
	return "ws://localhost:8787/ws"
}

// getToken reads the JWT from the environment or the token file written
// by loom-gateway bootstrap.
func getToken() string {
	if token := os.Getenv("LOOM_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "loom", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// withClient dials the gateway, runs fn, and closes the connection.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := client.Options{DisplayName: "loom-admin", Version: version}
	if token := getToken(); token != "" {
		opts.Auth = &protocol.ConnectAuth{Token: token}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.Dial(dialCtx, gatewayURL(), opts)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

func cmdStatus(ctx context.Context, c *client.Client) error {
	var status struct {
		Clients   int   `json:"clients"`
		Nodes     int   `json:"nodes"`
		HasMobile bool  `json:"has_mobile"`
		UptimeMs  int64 `json:"uptime_ms"`
	}
	if err := c.Call(ctx, "status", nil, &status); err != nil {
		return err
	}

	hello := c.Hello()
	cyan := color.New(color.FgCyan)

	fmt.Println()
	cyan.Println("  Gateway")
	cyan.Println("  -------")
	fmt.Printf("  Version:  %s\n", hello.Server.Version)
	fmt.Printf("  Uptime:   %s\n", (time.Duration(status.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("  Clients:  %d\n", status.Clients)
	fmt.Printf("  Nodes:    %d\n", status.Nodes)
	fmt.Printf("  Mobile:   %t\n", status.HasMobile)
	fmt.Printf("  Scopes:   %s\n", strings.Join(hello.Auth.Scopes, ", "))
	fmt.Println()
	return nil
}

type nodeView struct {
	NodeID      string   `json:"node_id"`
	DisplayName string   `json:"display_name"`
	Platform    string   `json:"platform"`
	Version     string   `json:"version"`
	Commands    []string `json:"commands"`
	RemoteIP    string   `json:"remote_ip"`
	ConnectedAt int64    `json:"connected_at_ms"`
}

func cmdNodes(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		var list struct {
			Nodes []nodeView `json:"nodes"`
		}
		if err := c.Call(ctx, "node.list", nil, &list); err != nil {
			return err
		}
		if len(list.Nodes) == 0 {
			fmt.Println("No nodes connected.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE ID\tNAME\tPLATFORM\tVERSION\tCOMMANDS\tCONNECTED")
		for _, n := range list.Nodes {
			connected := time.UnixMilli(n.ConnectedAt).Format("15:04:05")
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				n.NodeID, n.DisplayName, n.Platform, n.Version,
				strings.Join(n.Commands, ","), connected)
		}
		return w.Flush()
	}

	switch args[0] {
	case "describe":
		if len(args) < 2 {
			return fmt.Errorf("usage: nodes describe <node-id>")
		}
		var view nodeView
		if err := c.Call(ctx, "node.describe", map[string]string{"node_id": args[1]}, &view); err != nil {
			return err
		}
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	case "rename":
		if len(args) < 3 {
			return fmt.Errorf("usage: nodes rename <node-id> <name>")
		}
		params := map[string]string{"node_id": args[1], "display_name": strings.Join(args[2:], " ")}
		if err := c.Call(ctx, "node.rename", params, nil); err != nil {
			return err
		}
		color.Green("Renamed %s to %q", args[1], params["display_name"])
		return nil
	default:
		return fmt.Errorf("unknown nodes subcommand: %s", args[0])
	}
}

func cmdInvoke(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: invoke <node-id> <command> [json-params]")
	}

	params := map[string]any{"node_id": args[0], "command": args[1]}
	if len(args) > 2 {
		var extra map[string]any
		if err := json.Unmarshal([]byte(args[2]), &extra); err != nil {
			return fmt.Errorf("params must be a JSON object: %w", err)
		}
		params["params"] = extra
	}

	var result any
	if err := c.Call(ctx, "node.invoke", params, &result); err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func cmdPair(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		var list struct {
			Pending []struct {
				PairID      string `json:"pair_id"`
				DeviceID    string `json:"device_id"`
				DisplayName string `json:"display_name"`
				Platform    string `json:"platform"`
				ExpiresAt   int64  `json:"expires_at"`
			} `json:"pending"`
		}
		if err := c.Call(ctx, "device.pair.list", nil, &list); err != nil {
			return err
		}
		if len(list.Pending) == 0 {
			fmt.Println("No pending pair requests.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PAIR ID\tDEVICE\tNAME\tPLATFORM\tEXPIRES")
		for _, p := range list.Pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.PairID, p.DeviceID, p.DisplayName, p.Platform,
				time.UnixMilli(p.ExpiresAt).Format("15:04:05"))
		}
		return w.Flush()
	}

	if len(args) < 2 {
		return fmt.Errorf("usage: pair %s <pair-id>", args[0])
	}

	switch args[0] {
	case "approve":
		var result struct {
			DeviceID    string `json:"device_id"`
			DeviceToken string `json:"device_token"`
		}
		if err := c.Call(ctx, "device.pair.approve", map[string]string{"pair_id": args[1]}, &result); err != nil {
			return err
		}
		color.Green("Approved device %s", result.DeviceID)
		fmt.Printf("Device token: %s\n", result.DeviceToken)
		return nil
	case "reject":
		if err := c.Call(ctx, "device.pair.reject", map[string]string{"pair_id": args[1]}, nil); err != nil {
			return err
		}
		color.Yellow("Rejected pair request %s", args[1])
		return nil
	default:
		return fmt.Errorf("unknown pair subcommand: %s", args[0])
	}
}

func cmdDevices(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		var list struct {
			Devices []struct {
				DeviceID   string   `json:"device_id"`
				Scopes     []string `json:"scopes"`
				IssuedAtMs int64    `json:"issued_at_ms"`
			} `json:"devices"`
		}
		if err := c.Call(ctx, "device.list", nil, &list); err != nil {
			return err
		}
		if len(list.Devices) == 0 {
			fmt.Println("No paired devices.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tSCOPES\tISSUED")
		for _, d := range list.Devices {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				d.DeviceID, strings.Join(d.Scopes, ","),
				time.UnixMilli(d.IssuedAtMs).Format("2006-01-02 15:04"))
		}
		return w.Flush()
	}

	if len(args) < 2 {
		return fmt.Errorf("usage: devices %s <device-id>", args[0])
	}

	switch args[0] {
	case "rotate":
		var result struct {
			DeviceToken string `json:"device_token"`
		}
		if err := c.Call(ctx, "device.token.rotate", map[string]string{"device_id": args[1]}, &result); err != nil {
			return err
		}
		color.Green("Rotated token for %s", args[1])
		fmt.Printf("New token: %s\n", result.DeviceToken)
		return nil
	case "revoke":
		if err := c.Call(ctx, "device.token.revoke", map[string]string{"device_id": args[1]}, nil); err != nil {
			return err
		}
		color.Yellow("Revoked token for %s", args[1])
		return nil
	default:
		return fmt.Errorf("unknown devices subcommand: %s", args[0])
	}
}

func cmdApprovals(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		var list struct {
			Pending []struct {
				ApprovalID string `json:"approval_id"`
				Command    string `json:"command"`
				CreatedAt  int64  `json:"created_at"`
			} `json:"pending"`
		}
		if err := c.Call(ctx, "exec.approval.list", nil, &list); err != nil {
			return err
		}
		if len(list.Pending) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "APPROVAL ID\tCOMMAND\tREQUESTED")
		for _, a := range list.Pending {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				a.ApprovalID, a.Command, time.UnixMilli(a.CreatedAt).Format("15:04:05"))
		}
		return w.Flush()
	}

	if args[0] != "resolve" || len(args) < 3 {
		return fmt.Errorf("usage: approvals resolve <approval-id> <approve|deny>")
	}

	var approved bool
	switch args[2] {
	case "approve", "yes":
		approved = true
	case "deny", "no":
		approved = false
	default:
		return fmt.Errorf("decision must be approve or deny, got %q", args[2])
	}

	params := map[string]any{"approval_id": args[1], "approved": approved}
	if err := c.Call(ctx, "exec.approval.resolve", params, nil); err != nil {
		return err
	}
	if approved {
		color.Green("Approved %s", args[1])
	} else {
		color.Yellow("Denied %s", args[1])
	}
	return nil
}

func cmdWatch(ctx context.Context, c *client.Client) error {
	gray := color.New(color.FgHiBlack)
	fmt.Println("Watching gateway events (ctrl-c to stop)...")

	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return nil
			}
			ts := time.Now().Format("15:04:05")
			gray.Printf("%s ", ts)
			fmt.Printf("%-28s", ev.Event)
			if ev.Seq != nil {
				gray.Printf(" seq=%d", *ev.Seq)
			}
			if ev.Payload != nil {
				data, err := json.Marshal(ev.Payload)
				if err == nil {
					gray.Printf(" %s", string(data))
				}
			}
			fmt.Println()
		case <-ctx.Done():
			return nil
		}
	}
}

func cmdDisconnectAll(ctx context.Context, c *client.Client) error {
	var result struct {
		Disconnected int `json:"disconnected"`
	}
	if err := c.Call(ctx, "admin.disconnect_all", nil, &result); err != nil {
		return err
	}
	color.Green("Disconnected %d clients", result.Disconnected)
	return nil
}
