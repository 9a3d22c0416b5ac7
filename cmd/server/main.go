package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remote-test-proxy/backend/internal/config"
	"github.com/remote-test-proxy/backend/internal/db"
	"github.com/remote-test-proxy/backend/internal/logger"
	"github.com/remote-test-proxy/backend/internal/repository"
	"github.com/remote-test-proxy/backend/internal/server"
)

func main() {
	if err := newRootCmd(run).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(runFn func(*config.Config) error) *cobra.Command {
	var (
		configPath string
		port       int
		baseDir    string
	)

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve test code with coverage instrumentation and relay test events",
		Long: `proxy serves a directory of test code to browsers, instruments JavaScript
for coverage on the fly and relays the events emitted by the test runner in
the order they were produced.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := applyOverrides(cmd, cfg, port, baseDir); err != nil {
				return err
			}
			return runFn(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", getEnv("PROXY_CONFIG", ""), "path to a YAML config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (WebSocket listens on port+1)")
	cmd.Flags().StringVar(&baseDir, "base-dir", "", "directory served to browsers")

	return cmd
}

// applyOverrides layers environment variables, then flags, over the file config.
func applyOverrides(cmd *cobra.Command, cfg *config.Config, port int, baseDir string) error {
	if v := getEnv("PROXY_PORT", ""); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PROXY_PORT %q: %w", v, err)
		}
		setPort(cfg, p)
	}
	cfg.Assets.BaseDir = getEnv("PROXY_BASE_DIR", cfg.Assets.BaseDir)
	cfg.Journal.Path = getEnv("PROXY_JOURNAL", cfg.Journal.Path)

	if cmd.Flags().Changed("port") {
		setPort(cfg, port)
	}
	if cmd.Flags().Changed("base-dir") {
		cfg.Assets.BaseDir = baseDir
	}

	if cfg.Assets.InstallDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		cfg.Assets.InstallDir = filepath.Dir(exe)
	}

	return cfg.Validate()
}

// setPort moves the socket port along with the HTTP port unless it is disabled.
func setPort(cfg *config.Config, port int) {
	cfg.Server.Port = port
	if cfg.Server.SocketPort != 0 {
		cfg.Server.SocketPort = port + 1
	}
}

func run(cfg *config.Config) error {
	var opts []server.Option

	if cfg.Journal.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		database, err := db.InitDB(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize journal: %w", err)
		}
		defer db.CloseDB()
		opts = append(opts, server.WithJournal(repository.NewEventRepository(database)))
	}

	if cfg.EventLog.Path != "" {
		eventLog, err := logger.NewEventLog(cfg.EventLog.Path)
		if err != nil {
			return err
		}
		defer eventLog.Close()
		opts = append(opts, server.WithEventLog(eventLog))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down server...")
	srv.Stop()
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
