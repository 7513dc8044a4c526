// ABOUTME: Entry point for coven-relay: the session event relay, its local bridge and client tools
// ABOUTME: Dispatches subcommands and resolves the config file location

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/bridge"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                              _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// loadConfig reads the config file. Client commands run on defaults when
// there is no file; serve and bridge need one for their secrets.
func loadConfig(requireFile bool) (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !requireFile && errors.Is(err, os.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func usage() {
	fmt.Println("Usage: coven-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                  Start the relay server")
	fmt.Println("  bridge                                 Start the local bridge")
	fmt.Println("  tail --session KEY [--after N]         Follow sessions, replaying missed events")
	fmt.Println("  emit --session KEY --type T [--payload JSON]")
	fmt.Println("                                         Append an event")
	fmt.Println("  prune --session KEY [--upto N]         Prune a session (through its latest seq without --upto)")
	fmt.Println("  token --sub NAME [--ttl 24h] [--bridge]")
	fmt.Println("                                         Issue a token signed with the relay or bridge secret")
	fmt.Println("  health [--bridge]                      Check relay or bridge readiness")
	fmt.Println()
	fmt.Println("tail, emit and prune accept --url URL, or --bridge to go through the local bridge.")
	fmt.Println("token accepts --save PATH to write the token file.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bridge":
		err = runBridge(ctx)
	case "tail":
		err = runTail(ctx, args, os.Stdout)
	case "emit":
		err = runEmit(ctx, args, os.Stdout)
	case "prune":
		err = runPrune(ctx, args, os.Stdout)
	case "token":
		err = runToken(args, os.Stdout)
	case "health":
		err = runHealth(ctx, args, os.Stdout)
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

func printBanner() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)
}

func printSetting(name, value string) {
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("%-10s %s\n", name+":", value)
}

func runServe(ctx context.Context) error {
	printBanner()

	cfg, configPath, err := loadConfig(true)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stderr)

	printSetting("Config", configPath)
	printSetting("HTTP", cfg.Server.HTTPAddr)
	printSetting("Database", cfg.Database.Path)
	if cfg.Metrics.Enabled {
		printSetting("Metrics", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	return srv.Run(ctx)
}

func runBridge(ctx context.Context) error {
	printBanner()

	cfg, configPath, err := loadConfig(true)
	if err != nil {
		return err
	}
	if err := cfg.ValidateBridge(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stderr)

	printSetting("Config", configPath)
	printSetting("Listen", cfg.Bridge.ListenAddr)
	printSetting("Upstream", cfg.Bridge.UpstreamURL)
	fmt.Println()

	b, err := bridge.NewFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	return b.Run(ctx)
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	flags, err := parseFlags(args, nil, []string{"bridge"})
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(false)
	if err != nil {
		return err
	}

	addr := cfg.Server.HTTPAddr
	if flags.bool("bridge") {
		addr = cfg.Bridge.ListenAddr
	}

	url := fmt.Sprintf("http://%s/health/ready", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
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

	fmt.Fprintln(out, string(body))
	return nil
}
