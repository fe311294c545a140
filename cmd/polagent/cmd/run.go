package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/polagent/agent"
	"github.com/jmcleod/polagent/fido"
	"github.com/jmcleod/polagent/ipc"
	"github.com/jmcleod/polagent/polkit"
	"github.com/jmcleod/polagent/security"
)

var (
	socketPath string
	dataDir    string
	helperPath string
	debugAddr  string
	logLevel   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the authentication agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(viper.GetString("log-level"))

		dir := viper.GetString("data-dir")
		if dir == "" {
			dir = defaultDataDir()
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		sec, err := security.NewContext()
		if err != nil {
			return fmt.Errorf("failed to initialize security context: %w", err)
		}

		store, err := security.OpenAuditStore(filepath.Join(dir, "audit.db"))
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer store.Close()

		monitor := security.NewFailureMonitor(func(alert security.AlertEvent) {
			logger.Warn("authentication anomaly detected",
				"message", alert.Message,
				"count", alert.Count,
				"threshold", alert.Threshold)
		})
		auditor := security.NewAuditor(logger,
			security.WithStore(store),
			security.WithFailureMonitor(monitor))
		auditor.Log(security.EventSecurityInit, "process key generated", "SUCCESS")

		detector := fido.NewUSBDetector(logger)
		convs := polkit.NewHelperFactory(viper.GetString("helper"), logger)

		a := agent.New(convs, detector, agent.WithLogger(logger))

		metrics := ipc.NewMetrics(prometheus.DefaultRegisterer)
		server := ipc.NewServer(resolveSocketPath(), a,
			ipc.WithLogger(logger),
			ipc.WithSecurity(sec),
			ipc.WithAuditor(auditor),
			ipc.WithMetrics(metrics))
		a.SetSink(server)

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start IPC server: %w", err)
		}
		defer server.Close()

		registrar, err := polkit.NewRegistrar(logger)
		if err != nil {
			return fmt.Errorf("failed to connect to system bus: %w", err)
		}
		if err := registrar.Register(a); err != nil {
			return fmt.Errorf("failed to register authentication agent: %w", err)
		}
		defer registrar.Unregister()

		var debugServer *http.Server
		if addr := viper.GetString("debug-addr"); addr != "" {
			debugServer = startDebugServer(addr, logger)
			defer debugServer.Close()
		}

		printBanner()
		fmt.Printf("Agent listening on %s (data: %s)...\n", server.SocketPath(), dir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		return nil
	},
}

// newLogger builds the process-wide structured logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveSocketPath picks the socket location: explicit configuration
// first, then the service manager's runtime directory, then the user
// runtime directory, then a world-unreadable /tmp fallback.
func resolveSocketPath() string {
	if p := viper.GetString("socket"); p != "" {
		return p
	}
	if dir := os.Getenv("RUNTIME_DIRECTORY"); dir != "" {
		return filepath.Join(dir, "polagent.sock")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "polagent", "polagent.sock")
	}
	return filepath.Join(fmt.Sprintf("/tmp/polagent-%d", os.Getuid()), "polagent.sock")
}

// defaultDataDir is where the audit trail lives between runs.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "polagent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "state", "polagent")
}

// startDebugServer exposes liveness and metrics on a loopback address.
func startDebugServer(addr string, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("debug server stopped", "error", err)
		}
	}()
	logger.Info("debug server listening", "addr", addr)
	return server
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&socketPath, "socket", "", "Path to the IPC socket (default: runtime directory)")
	runCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for persistent data (default: state directory)")
	runCmd.Flags().StringVar(&helperPath, "helper", "", "Path to the setuid authentication helper")
	runCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "Loopback address for the debug endpoint (disabled when empty)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	viper.SetEnvPrefix("POLAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlags(runCmd.Flags())
}
