package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/dobachi/omni-meeting-recorder/internal/audio"
	"github.com/dobachi/omni-meeting-recorder/internal/config"
	"github.com/dobachi/omni-meeting-recorder/internal/logging"
	"github.com/dobachi/omni-meeting-recorder/internal/observe"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "omr",
	Short:         "Omni Meeting Recorder",
	Long:          `omr records system audio and microphone input into one synchronized file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "omr %s (%s)\n", Version, Commit)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog.Close()

		backend, err := audio.NewBackend(cfg.Backend, log)
		if err != nil {
			return err
		}
		defer backend.Close()

		devices, err := backend.Devices()
		if err != nil {
			return err
		}
		return printDevices(cmd.OutOrStdout(), devices)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.Path()+")")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "log file path")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	rootCmd.PersistentFlags().String("backend", "", "audio backend: portaudio or miniaudio")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration with the command's flags applied and builds
// the logger.
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	log, closer := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	return cfg, log, closer, nil
}

// startMetrics installs the Prometheus-backed meter provider and serves it
// on addr. An empty addr disables metrics.
func startMetrics(ctx context.Context, addr string, log zerolog.Logger) (*observe.Metrics, func()) {
	if addr == "" {
		return observe.Nop(), func() {}
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without")
		return observe.Nop(), func() {}
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create instruments, continuing without")
		metrics = observe.Nop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		if err := shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics shutdown error")
		}
	}
}

func printDevices(out io.Writer, devices []audio.Device) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No capture devices found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tRATE\tCHANNELS\tDEFAULT")
	for _, d := range devices {
		rate, channels := "-", "-"
		if d.SampleRate > 0 {
			rate = fmt.Sprintf("%d", d.SampleRate)
		}
		if d.Channels > 0 {
			channels = fmt.Sprintf("%d", d.Channels)
		}
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Kind, d.Name, rate, channels, def)
	}
	return tw.Flush()
}
