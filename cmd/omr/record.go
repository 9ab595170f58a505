package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dobachi/omni-meeting-recorder/internal/aec"
	"github.com/dobachi/omni-meeting-recorder/internal/audio"
	"github.com/dobachi/omni-meeting-recorder/internal/config"
	"github.com/dobachi/omni-meeting-recorder/internal/permissions"
	"github.com/dobachi/omni-meeting-recorder/internal/session"
	"github.com/dobachi/omni-meeting-recorder/internal/sink"
	"github.com/dobachi/omni-meeting-recorder/internal/status"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record system audio, microphone, or both",
	Long: `Record until Ctrl+C. Without --mic or --loopback the system audio is
recorded. With both flags the microphone goes to the left channel and the
system audio to the right, unless --mix is given.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	f := recordCmd.Flags()
	f.Bool("mic", false, "record the microphone")
	f.Bool("loopback", false, "record system audio")
	f.StringP("output", "o", "", "output file (default: output.dir/output.filename_template)")
	f.String("output-dir", "", "directory for generated file names")
	f.String("mic-device", "", "microphone name or id")
	f.String("loopback-device", "", "loopback device name or id")
	f.String("format", "", "output format: wav or opus")
	f.Int("bitrate", 0, "opus bitrate in kbit/s")
	f.Bool("mix", false, "mix both sources to mono instead of stereo split")
	f.Bool("aec", false, "cancel loopback echo picked up by the microphone")
	f.Float64("mic-gain", 1.0, "microphone gain multiplier")
	f.Float64("loopback-gain", 1.0, "system audio gain multiplier")
	f.Float64("mix-ratio", 0.5, "microphone share when mixing, 0 to 1")
	f.String("clock", "", "output clock: loopback or highest")
	f.Int("chunk-frames", 0, "frames per device read")
}

// recordMode maps the --mic/--loopback flags to a mode. Neither flag keeps
// the configured mode.
func recordMode(mic, loopback bool, configured string) string {
	switch {
	case mic && loopback:
		return config.ModeBoth
	case mic:
		return config.ModeMic
	case loopback:
		return config.ModeLoopback
	default:
		return configured
	}
}

func runRecord(cmd *cobra.Command, args []string) error {
	return record(cmd, func(cfg *config.Config) error {
		mic, _ := cmd.Flags().GetBool("mic")
		loopback, _ := cmd.Flags().GetBool("loopback")
		cfg.Recording.Mode = recordMode(mic, loopback, cfg.Recording.Mode)
		if mix, _ := cmd.Flags().GetBool("mix"); mix {
			cfg.Recording.StereoSplit = false
		}
		return nil
	})
}

// record loads the configuration, lets apply adjust it for the command,
// and records until interrupted.
func record(cmd *cobra.Command, apply func(*config.Config) error) error {
	cfg, log, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	if err := apply(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// macOS requires explicit microphone approval before capture works
	if cfg.Recording.Mode != config.ModeLoopback {
		if err := permissions.EnsureMicrophone(); err != nil {
			return err
		}
	}

	format, err := sink.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath == "" {
		outputPath = sink.OutputPath(cfg.Output.Dir, cfg.Output.FilenameTemplate, format, time.Now())
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, stopMetrics := startMetrics(ctx, cfg.Metrics.Addr, log)
	defer stopMetrics()

	backend, err := audio.NewBackend(cfg.Backend, log)
	if err != nil {
		return err
	}
	defer backend.Close()

	reporter := status.New(cmd.ErrOrStderr(), log)
	recorder := session.New(session.Config{
		Backend:       backend,
		EchoFactory:   aec.Builtin,
		Logger:        log,
		Metrics:       metrics,
		StatusUpdater: reporter,
	})

	opts, err := session.OptionsFromConfig(cfg, outputPath)
	if err != nil {
		return err
	}
	sess, err := recorder.NewSession(opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if d, ok := sess.Device(audio.KindMic); ok {
		fmt.Fprintf(out, "Microphone: %s\n", d.Name)
	}
	if d, ok := sess.Device(audio.KindLoopback); ok {
		fmt.Fprintf(out, "Loopback:   %s\n", d.Name)
	}
	fmt.Fprintf(out, "Output:     %s\n\n", outputPath)

	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Recording started! Press Ctrl+C to stop.")

	statusCtx, stopStatus := context.WithCancel(context.Background())
	statusDone := make(chan struct{})
	go func() {
		reporter.Run(statusCtx)
		close(statusDone)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Interrupt received")
	case <-sess.Done():
	}
	err = sess.Stop()
	stopStatus()
	<-statusDone

	if err != nil {
		return fmt.Errorf("recording failed: %w", err)
	}
	fmt.Fprintf(out, "\nRecording complete!\n%s\n", status.Summary(sess.State(), time.Now()))
	return nil
}
