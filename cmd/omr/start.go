package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dobachi/omni-meeting-recorder/internal/config"
)

// Defaults of the start shortcut. They apply unless the matching flag is
// given, and take precedence over the config file.
const (
	startMicGain    = 1.5
	startEchoCancel = true
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Record microphone and system audio (shortcut for 'record --mic --loopback --mix --aec')",
	Long: `Start records the microphone and system audio mixed to one track, with
echo cancellation on and the microphone boosted to 1.5x. Use -L or -M to
record a single source and --stereo-split to keep the sources apart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return record(cmd, func(cfg *config.Config) error {
			return applyStartDefaults(cmd.Flags(), cfg)
		})
	},
}

func init() {
	registerStartFlags(startCmd.Flags())
	rootCmd.AddCommand(startCmd)
}

func registerStartFlags(f *pflag.FlagSet) {
	f.BoolP("loopback-only", "L", false, "record system audio only")
	f.BoolP("mic-only", "M", false, "record microphone only")
	f.StringP("output", "o", "", "output file (default: output.dir/output.filename_template)")
	f.String("output-dir", "", "directory for generated file names")
	f.String("mic-device", "", "microphone name or id")
	f.String("loopback-device", "", "loopback device name or id")
	f.Bool("stereo-split", false, "left channel microphone, right channel system audio")
	f.Bool("mix", false, "mix both sources to one track (default)")
	f.Bool("aec", startEchoCancel, "cancel loopback echo picked up by the microphone (default on)")
	f.Bool("no-aec", false, "disable echo cancellation")
	f.Float64("mic-gain", startMicGain, "microphone gain multiplier")
	f.Float64("loopback-gain", 1.0, "system audio gain multiplier")
	f.Float64("mix-ratio", 0.5, "microphone share when mixing, 0 to 1")
	f.StringP("format", "f", "", "output format: wav or opus")
	f.IntP("bitrate", "b", 0, "opus bitrate in kbit/s")
	f.String("clock", "", "output clock: loopback or highest")
	f.Int("chunk-frames", 0, "frames per device read")
}

// applyStartDefaults sets the mode and layout from the shortcut flags and
// fills in the shortcut's gain and echo defaults where no flag was given.
func applyStartDefaults(f *pflag.FlagSet, cfg *config.Config) error {
	loopbackOnly, _ := f.GetBool("loopback-only")
	micOnly, _ := f.GetBool("mic-only")
	switch {
	case loopbackOnly && micOnly:
		return fmt.Errorf("%w: --loopback-only and --mic-only are exclusive", config.ErrConfiguration)
	case loopbackOnly:
		cfg.Recording.Mode = config.ModeLoopback
	case micOnly:
		cfg.Recording.Mode = config.ModeMic
	default:
		cfg.Recording.Mode = config.ModeBoth
	}

	split, _ := f.GetBool("stereo-split")
	mix, _ := f.GetBool("mix")
	if split && mix {
		return fmt.Errorf("%w: --stereo-split and --mix are exclusive", config.ErrConfiguration)
	}
	cfg.Recording.StereoSplit = split

	if noAEC, _ := f.GetBool("no-aec"); noAEC {
		cfg.Recording.EchoCancel = false
	} else if !f.Changed("aec") {
		cfg.Recording.EchoCancel = startEchoCancel
	}
	if !f.Changed("mic-gain") {
		cfg.Recording.MicGain = startMicGain
	}
	return nil
}
