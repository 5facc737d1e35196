package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nimbus-ci/nimbus/internal/buildinfo"
	"github.com/nimbus-ci/nimbus/internal/config"
	"github.com/nimbus-ci/nimbus/internal/health"
	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/otel"
	"github.com/nimbus-ci/nimbus/internal/provider"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

var (
	cfgPath       string
	flagOverrides config.Config

	tenantID   string
	providerID string
	machineID  string

	specOS        string
	specArch      string
	specLabels    []string
	specSSHKey    string
	specImageID   string
	specImageType string
	specScript    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nimbus",
	Short: "nimbus -- CI runner machine provisioning across local and cloud backends",
	Long: `nimbus provisions machines for CI workloads, installs the forge runner
toolchain on them, and manages their lifecycle through pluggable
provider backends (local host, AWS, Hetzner, GCP, Azure).

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings. Tenants, provider
configurations, and forge settings are seeded from the same file.`,
	SilenceUsage: true,
	Version:      buildinfo.Version,
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a machine and run the full runner setup on it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application) error {
			m, err := app.service.Provision(ctx, tenantID, providerID, provider.Specs{
				OS:           machine.OS(specOS),
				Arch:         machine.Arch(specArch),
				Labels:       specLabels,
				SSHPublicKey: specSSHKey,
				ImageID:      specImageID,
				ImageType:    machine.ImageType(specImageType),
				SetupScript:  specScript,
			})
			if err != nil {
				return err
			}
			return printJSON(m)
		})
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Terminate a machine, subject to the provider's allocation rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application) error {
			m, err := app.service.GetMachine(ctx, tenantID, providerID, machineID)
			if err != nil {
				return err
			}
			return app.service.Terminate(ctx, tenantID, m)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's machines known to a provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application) error {
			machines, err := app.service.ListMachines(ctx, tenantID, providerID)
			if err != nil {
				return err
			}
			return printJSON(machines)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Show a single machine by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application) error {
			m, err := app.service.GetMachine(ctx, tenantID, providerID, machineID)
			if err != nil {
				return err
			}
			return printJSON(m)
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "nimbus.yaml", "Path to YAML configuration file")

	// Tenant scoping
	pf.StringVar(&tenantID, "tenant", "", "Tenant id every operation is scoped to")
	pf.StringVar(&providerID, "provider", "", "Provider configuration id to dispatch through")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	// Metrics override
	pf.IntVar(&flagOverrides.Metrics.Port, "metrics-port", 0, "Serve /metrics and /healthz on this port while the command runs")

	f := provisionCmd.Flags()
	f.StringVar(&specOS, "os", "", "Target OS (linux, macos); auto-detected by the local provider when empty")
	f.StringVar(&specArch, "arch", "", "Target architecture (arm64, x86_64); auto-detected by the local provider when empty")
	f.StringSliceVar(&specLabels, "label", nil, "Label to attach to the machine (repeatable)")
	f.StringVar(&specSSHKey, "ssh-public-key", "", "SSH public key to authorize on the machine")
	f.StringVar(&specImageID, "image-id", "", "VM image to install (macOS hosts)")
	f.StringVar(&specImageType, "image-type", "", "VM image type (e.g. raw)")
	f.StringVar(&specScript, "setup-script", "", "Shell script to run on the machine after setup")

	terminateCmd.Flags().StringVar(&machineID, "machine-id", "", "Machine id")
	getCmd.Flags().StringVar(&machineID, "machine-id", "", "Machine id")

	rootCmd.AddCommand(provisionCmd, terminateCmd, listCmd, getCmd)
	_ = rootCmd.MarkPersistentFlagRequired("tenant")
	_ = rootCmd.MarkPersistentFlagRequired("provider")
	_ = terminateCmd.MarkFlagRequired("machine-id")
	_ = getCmd.MarkFlagRequired("machine-id")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Metrics.Port != 0 {
		cfg.Metrics.Port = flagOverrides.Metrics.Port
	}
}

// application holds the wired object graph a subcommand runs against.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *provider.Service
}

// withApp loads configuration, wires the service, optionally serves
// /metrics + /healthz for the duration of the command, and runs fn
// under a signal-aware context.
func withApp(cmd *cobra.Command, fn func(context.Context, *application) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	// A .env next to the binary is a convenience for local use; its
	// absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Debug("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("tenant", tenantID),
		slog.String("provider", providerID),
	)

	shutdown, err := otel.Setup(ctx, "nimbus", otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.Metrics.Port,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer shutdownCancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	store, err := cfg.NewStore()
	if err != nil {
		return fmt.Errorf("seeding store: %w", err)
	}

	emitter := telemetry.NewLog(logger.WithGroup("telemetry"))
	registry := cfg.NewRegistry(logger, emitter)

	service := provider.NewService(provider.ServiceConfig{
		Store:    store,
		Registry: registry,
		Emitter:  emitter,
		Logger:   logger.WithGroup("provider"),
	})

	if cfg.Metrics.Port > 0 {
		srv := newMetricsServer(cfg.Metrics.Port, registry.Types())
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics endpoint up", slog.Int("port", cfg.Metrics.Port))
	}

	return fn(ctx, &application{cfg: cfg, logger: logger, service: service})
}

// newMetricsServer serves Prometheus metrics and the liveness check.
func newMetricsServer(port int, providers []string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.Handler(providers))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
