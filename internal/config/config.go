package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrConfiguration marks an invalid or contradictory configuration.
var ErrConfiguration = errors.New("invalid configuration")

// Recording modes.
const (
	ModeLoopback = "loopback"
	ModeMic      = "mic"
	ModeBoth     = "both"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level" json:"log_level"`
	LogFile   string          `mapstructure:"log_file" json:"log_file,omitempty"`
	Backend   string          `mapstructure:"backend" json:"backend"`
	Audio     AudioConfig     `mapstructure:"audio" json:"audio"`
	Output    OutputConfig    `mapstructure:"output" json:"output"`
	Recording RecordingConfig `mapstructure:"recording" json:"recording"`
	Metrics   MetricsConfig   `mapstructure:"metrics" json:"metrics"`
}

type AudioConfig struct {
	ChunkFrames   int `mapstructure:"chunk_frames" json:"chunk_frames"`
	QueueCapacity int `mapstructure:"queue_capacity" json:"queue_capacity"`
}

type OutputConfig struct {
	Format           string `mapstructure:"format" json:"format"` // "wav" or "opus"
	Dir              string `mapstructure:"dir" json:"dir"`
	FilenameTemplate string `mapstructure:"filename_template" json:"filename_template"`
	Bitrate          int    `mapstructure:"bitrate" json:"bitrate"` // kbit/s
}

type RecordingConfig struct {
	Mode           string        `mapstructure:"mode" json:"mode"`
	MicDevice      string        `mapstructure:"mic_device" json:"mic_device"`
	LoopbackDevice string        `mapstructure:"loopback_device" json:"loopback_device"`
	StereoSplit    bool          `mapstructure:"stereo_split" json:"stereo_split"`
	EchoCancel     bool          `mapstructure:"echo_cancel" json:"echo_cancel"`
	MicGain        float64       `mapstructure:"mic_gain" json:"mic_gain"`
	LoopbackGain   float64       `mapstructure:"loopback_gain" json:"loopback_gain"`
	MixRatio       float64       `mapstructure:"mix_ratio" json:"mix_ratio"`
	ClockPolicy    string        `mapstructure:"clock_policy" json:"clock_policy"` // "loopback" or "highest"
	JoinTimeout    time.Duration `mapstructure:"join_timeout" json:"join_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Backend:  "portaudio",
		Audio: AudioConfig{
			ChunkFrames:   1024,
			QueueCapacity: 100,
		},
		Output: OutputConfig{
			Format:           "wav",
			Dir:              ".",
			FilenameTemplate: "recording_{timestamp}",
			Bitrate:          128,
		},
		Recording: RecordingConfig{
			Mode:         ModeLoopback,
			StereoSplit:  true,
			MicGain:      1.0,
			LoopbackGain: 1.0,
			MixRatio:     0.5,
			ClockPolicy:  "loopback",
			JoinTimeout:  5 * time.Second,
		},
	}
}

// FlagKeys maps CLI flag names to configuration keys. Flags that are not
// registered on the flag set are skipped.
var FlagKeys = map[string]string{
	"log-level":       "log_level",
	"log-file":        "log_file",
	"backend":         "backend",
	"chunk-frames":    "audio.chunk_frames",
	"format":          "output.format",
	"output-dir":      "output.dir",
	"bitrate":         "output.bitrate",
	"mic-device":      "recording.mic_device",
	"loopback-device": "recording.loopback_device",
	"aec":             "recording.echo_cancel",
	"mic-gain":        "recording.mic_gain",
	"loopback-gain":   "recording.loopback_gain",
	"mix-ratio":       "recording.mix_ratio",
	"clock":           "recording.clock_policy",
	"metrics-addr":    "metrics.addr",
}

// Load reads the config file, then applies OMR_* environment variables and
// any changed flags. An empty path reads config.json from Dir() if present.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(Dir())
	}

	v.SetEnvPrefix("OMR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("audio.chunk_frames", d.Audio.ChunkFrames)
	v.SetDefault("audio.queue_capacity", d.Audio.QueueCapacity)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.filename_template", d.Output.FilenameTemplate)
	v.SetDefault("output.bitrate", d.Output.Bitrate)
	v.SetDefault("recording.mode", d.Recording.Mode)
	v.SetDefault("recording.mic_device", d.Recording.MicDevice)
	v.SetDefault("recording.loopback_device", d.Recording.LoopbackDevice)
	v.SetDefault("recording.stereo_split", d.Recording.StereoSplit)
	v.SetDefault("recording.echo_cancel", d.Recording.EchoCancel)
	v.SetDefault("recording.mic_gain", d.Recording.MicGain)
	v.SetDefault("recording.loopback_gain", d.Recording.LoopbackGain)
	v.SetDefault("recording.mix_ratio", d.Recording.MixRatio)
	v.SetDefault("recording.clock_policy", d.Recording.ClockPolicy)
	v.SetDefault("recording.join_timeout", d.Recording.JoinTimeout)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate checks ranges and enumerations and reports every violation.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend != "portaudio" && c.Backend != "miniaudio" {
		errs = append(errs, fmt.Errorf("backend %q must be portaudio or miniaudio", c.Backend))
	}
	if c.Audio.ChunkFrames < 256 || c.Audio.ChunkFrames > 8192 {
		errs = append(errs, fmt.Errorf("audio.chunk_frames %d outside 256-8192", c.Audio.ChunkFrames))
	}
	if c.Audio.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("audio.queue_capacity must be positive, got %d", c.Audio.QueueCapacity))
	}
	if f := strings.ToLower(c.Output.Format); f != "wav" && f != "opus" && f != "ogg" {
		errs = append(errs, fmt.Errorf("output.format %q must be wav or opus", c.Output.Format))
	}
	if c.Output.Bitrate < 64 || c.Output.Bitrate > 320 {
		errs = append(errs, fmt.Errorf("output.bitrate %d outside 64-320", c.Output.Bitrate))
	}
	switch c.Recording.Mode {
	case ModeLoopback, ModeMic, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("recording.mode %q must be loopback, mic or both", c.Recording.Mode))
	}
	if c.Recording.MicGain < 0 || c.Recording.LoopbackGain < 0 {
		errs = append(errs, errors.New("recording gains must not be negative"))
	}
	if c.Recording.MixRatio < 0 || c.Recording.MixRatio > 1 {
		errs = append(errs, fmt.Errorf("recording.mix_ratio %v outside 0-1", c.Recording.MixRatio))
	}
	if p := c.Recording.ClockPolicy; p != "loopback" && p != "highest" {
		errs = append(errs, fmt.Errorf("recording.clock_policy %q must be loopback or highest", p))
	}
	if c.Recording.JoinTimeout < time.Second || c.Recording.JoinTimeout > 5*time.Second {
		errs = append(errs, fmt.Errorf("recording.join_timeout %s outside 1s-5s", c.Recording.JoinTimeout))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
}

// Save writes the config as JSON to path, or to Path() when path is empty.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the platform-specific config file path.
func Path() string {
	return filepath.Join(Dir(), "config.json")
}

// Dir returns the platform-specific config directory.
func Dir() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "omr")
}
