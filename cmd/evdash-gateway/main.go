// ABOUTME: Entry point for evdash-gateway, the EV charging dashboard WebSocket server
// ABOUTME: Provides serve, init, user management and health check commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/evdash-gateway/internal/config"
	"github.com/2389/evdash-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _           _
  _____   ____ _| | __ _ ___| |__
 / _ \ \ / / _' | |/ _' / __| '_ \
|  __/\ V / (_| | | (_| \__ \ | | |
 \___| \_/ \__,_|_|\__,_|___/_| |_|  gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: EVDASH_CONFIG env var > XDG_CONFIG_HOME/evdash/gateway.yaml > ~/.config/evdash/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("EVDASH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "evdash", "gateway.yaml")
}

// getDataPath returns the path to the evdash data directory.
// Priority: XDG_DATA_HOME/evdash > ~/.local/share/evdash
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "evdash")
}

func usage() {
	fmt.Println("Usage: evdash-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the gateway server")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println("  user add NAME [PASSWORD]   Create a dashboard user (prompts if no password)")
	fmt.Println("  user remove NAME           Delete a dashboard user")
	fmt.Println("  user list                  List dashboard users")
	fmt.Println("  audit [LIMIT]              Show recent user and enable/disable changes")
	fmt.Println("  health                     Check gateway health")
	fmt.Println("  ready                      Show backend readiness")
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
	case "user":
		err = runUser(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "audit":
		err = runAudit(ctx, os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "ready":
		err = runReady(ctx)
	case "-h", "--help", "help":
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

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("D-Bus:     %s bus\n", cfg.Backends.Bus)
	if cfg.Auth.TokenSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("No token secret configured, tokens will not survive a restart")
	}
	fmt.Println()

	logger.Info("starting evdash-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"bus", cfg.Backends.Bus,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = &colorHandler{
			out:   w,
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		out:    h.out,
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		out:    h.out,
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// localURL turns a listen address into a URL reachable from this host.
func localURL(addr, path string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}

func getEndpoint(ctx context.Context, path string) (int, string, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return 0, "", fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, localURL(cfg.Server.HTTPAddr, path), nil)
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

func runHealth(ctx context.Context) error {
	status, _, err := getEndpoint(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

func runReady(ctx context.Context) error {
	status, body, err := getEndpoint(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}

	fmt.Println(body)
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d", status)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("evdash-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	wsPath := prompt(reader, "WebSocket path", config.DefaultWSPath)
	grpcAddr := prompt(reader, "gRPC health address (leave empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Backend Configuration ---")
	bus := prompt(reader, "D-Bus bus (system/session)", config.DefaultBus)

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating token secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# evdash-gateway configuration\n")
	cfg.WriteString("# Generated by evdash-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  ws_path: %q\n", wsPath)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  token_secret: %q\n", base64.StdEncoding.EncodeToString(secretBytes))
	cfg.WriteString("  token_lifetime: \"1h\"\n")
	fmt.Fprintf(&cfg, "  min_password_length: %d\n", config.DefaultMinPasswordLength)
	cfg.WriteString("\n")

	cfg.WriteString("backends:\n")
	fmt.Fprintf(&cfg, "  bus: %q\n", bus)
	cfg.WriteString("\n")

	cfg.WriteString("requests:\n")
	cfg.WriteString("  timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the token secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  evdash-gateway user add admin")
	fmt.Println("  evdash-gateway serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
