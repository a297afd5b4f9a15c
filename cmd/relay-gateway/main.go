// ABOUTME: Entry point for relay-gateway, the host that routes envelopes between workers
// ABOUTME: Subcommands: serve, init, health, directory

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/host"
	"github.com/2389/relay-gateway/internal/logging"
)

// Version is set at build time.
var version = "dev"

const banner = `
           _                                 _
 _ __ ___| | __ _ _   _        __ _  __ _| |_ _____      ____ _ _   _
| '__/ _ \ |/ _' | | | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | |  __/ | (_| | |_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|  \___|_|\__,_|\__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                  |___/       |___/                             |___/
`

// getConfigPath returns the path to the host config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/host.yaml > ~/.config/relay/host.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "host.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "host.yaml")
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context) error
}

var commands = []command{
	{"serve", "Start the relay host", runServe},
	{"init", "Create a new config file interactively", func(context.Context) error { return runInit(os.Stdin, os.Stdout) }},
	{"health", "Check host readiness", runHealth},
	{"directory", "List which worker serves each agent type", runDirectory},
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: relay-gateway <command>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-11s %s\n", c.name, c.summary)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, c := range commands {
		if c.name != os.Args[1] {
			continue
		}
		if err := c.run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
	usage(os.Stderr)
	os.Exit(1)
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cfg.Logging, os.Stdout)

	printStartup(os.Stdout, configPath, cfg)

	logger.Info("starting relay-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"registration", cfg.Routing.Registration,
	)

	h, err := host.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}

	return h.Run(ctx)
}

// printStartup lists the listeners and policies the host will run with.
func printStartup(out io.Writer, configPath string, cfg *config.Config) {
	rows := [][2]string{
		{"Config", configPath},
		{"gRPC", cfg.Server.GRPCAddr},
		{"HTTP", cfg.Server.HTTPAddr},
		{"Owners", cfg.Routing.Registration},
	}
	if cfg.Metrics.Enabled {
		rows = append(rows, [2]string{"Metrics", cfg.Metrics.Path})
	}
	if cfg.Tailscale.Enabled {
		node := cfg.Tailscale.Hostname
		if cfg.Tailscale.Ephemeral {
			node += " (ephemeral)"
		}
		rows = append(rows, [2]string{"Tailscale", node})
	}

	arrow := color.New(color.FgGreen)
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		arrow.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", row[0]+":", row[1])
	}
	fmt.Fprintln(out)
}

// httpGet fetches path from the configured HTTP surface.
func httpGet(ctx context.Context, path string) (*http.Response, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return nil, fmt.Errorf("server.http_addr is not configured")
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	resp, err := httpGet(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

func runDirectory(ctx context.Context) error {
	resp, err := httpGet(ctx, "/api/directory")
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory request failed: status %d", resp.StatusCode)
	}

	var body struct {
		HostID  string       `json:"host_id"`
		Entries []host.Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printDirectory(os.Stdout, body.HostID, body.Entries)
	return nil
}

func printDirectory(out io.Writer, hostID string, entries []host.Entry) {
	color.New(color.FgHiBlack).Fprintf(out, "host %s\n\n", hostID)

	if len(entries) == 0 {
		fmt.Fprintln(out, "  no agent types registered")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  AGENT TYPE\tWORKER\tCONNECTION")
	fmt.Fprintln(w, "  ----------\t------\t----------")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", e.AgentType, e.WorkerID, truncate(e.ConnectionID, 8))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
