// ABOUTME: Entry point for the tablegate MCP gateway
// ABOUTME: Subcommands to serve, write a config, mint and revoke tokens, and probe health

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/tablegate/internal/config"
	"github.com/2389/tablegate/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _        _     _                  _
 | |_ __ _| |__ | | ___  __ _  __ _| |_ ___
 | __/ _' | '_ \| |/ _ \/ _' |/ _' | __/ _ \
 | || (_| | |_) | |  __/ (_| | (_| | ||  __/
  \__\__,_|_.__/|_|\___|\__, |\__,_|\__\___|
                        |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: TABLEGATE_CONFIG env var > XDG_CONFIG_HOME/tablegate/config.yaml > ~/.config/tablegate/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TABLEGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tablegate", "config.yaml")
}

// getDataPath returns the path to the tablegate data directory.
// Priority: XDG_DATA_HOME/tablegate > ~/.local/share/tablegate
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tablegate")
}

func usage() {
	fmt.Println("Usage: tablegate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the gateway server")
	fmt.Println("  init                                Create a new config file interactively")
	fmt.Println("  token --login LOGIN [--tier TIER]   Mint a bearer token without the OAuth flow")
	fmt.Println("  revoke --jti ID                     Revoke a bearer token")
	fmt.Println("  tokens --user-id ID | --login LOGIN List a user's tokens")
	fmt.Println("  audit [--user ID] [--tool NAME]     List recorded tool calls")
	fmt.Println("        [--session ID] [--since DUR] [--limit N]")
	fmt.Println("  health                              Check gateway health")
	fmt.Println("  version                             Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "revoke":
		err = runRevoke(ctx, os.Args[2:])
	case "tokens":
		err = runTokens(ctx, os.Args[2:])
	case "audit":
		err = runAudit(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("MCP:       %s/mcp  %s/sse\n", cfg.Server.BaseURL, cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Driver, redactDSN(cfg.Database.DSN))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting tablegate",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, path := range []string{"/health", "/health/ready"} {
		status, body, err := probe(ctx, cfg.Server.BaseURL+path)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("unhealthy: %s returned %d: %s", path, status, body)
		}
	}

	fmt.Println("healthy")
	return nil
}

func probe(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return 0, "", fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}
