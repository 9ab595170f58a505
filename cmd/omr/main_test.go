package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/dobachi/omni-meeting-recorder/internal/audio"
	"github.com/dobachi/omni-meeting-recorder/internal/config"
)

func TestRecordMode(t *testing.T) {
	tests := []struct {
		mic, loopback bool
		want          string
	}{
		{false, false, config.ModeLoopback},
		{true, false, config.ModeMic},
		{false, true, config.ModeLoopback},
		{true, true, config.ModeBoth},
	}
	for _, tt := range tests {
		if got := recordMode(tt.mic, tt.loopback, config.ModeLoopback); got != tt.want {
			t.Errorf("mic=%v loopback=%v: expected %s, got %s", tt.mic, tt.loopback, tt.want, got)
		}
	}
	if got := recordMode(false, false, config.ModeBoth); got != config.ModeBoth {
		t.Errorf("expected configured mode to be kept, got %s", got)
	}
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	err := printDevices(&buf, []audio.Device{
		{ID: "0", Name: "USB Microphone", Kind: audio.KindMic, SampleRate: 48000, Channels: 1, Default: true},
		{ID: "1", Name: "Monitor of Speakers", Kind: audio.KindLoopback},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", buf.String())
	}
	if !strings.Contains(lines[1], "48000") || !strings.HasSuffix(lines[1], "*") {
		t.Errorf("unexpected mic row %q", lines[1])
	}
	if !strings.Contains(lines[2], "loopback") || !strings.Contains(lines[2], "-") {
		t.Errorf("unexpected loopback row %q", lines[2])
	}

	buf.Reset()
	printDevices(&buf, nil)
	if !strings.Contains(buf.String(), "No capture devices") {
		t.Fatalf("unexpected empty output %q", buf.String())
	}
}

func TestRecordFlagsMapToConfig(t *testing.T) {
	for name := range config.FlagKeys {
		if recordCmd.Flags().Lookup(name) == nil && rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("config flag %q is not registered", name)
		}
	}
}

func TestStartDefaults(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		mode    string
		split   bool
		aec     bool
		micGain float64
	}{
		{"defaults", nil, config.ModeBoth, false, true, 1.5},
		{"loopback only", []string{"-L"}, config.ModeLoopback, false, true, 1.5},
		{"mic only", []string{"--mic-only"}, config.ModeMic, false, true, 1.5},
		{"stereo split", []string{"--stereo-split"}, config.ModeBoth, true, true, 1.5},
		{"no aec", []string{"--no-aec"}, config.ModeBoth, false, false, 1.5},
		{"mic gain", []string{"--mic-gain", "2"}, config.ModeBoth, false, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := pflag.NewFlagSet("start", pflag.ContinueOnError)
			registerStartFlags(f)
			if err := f.Parse(tt.args); err != nil {
				t.Fatal(err)
			}
			cfg := config.Default()
			if tt.name == "mic gain" {
				// Bound flags reach the config through viper.
				cfg.Recording.MicGain = 2
			}
			if err := applyStartDefaults(f, cfg); err != nil {
				t.Fatal(err)
			}
			r := cfg.Recording
			if r.Mode != tt.mode || r.StereoSplit != tt.split || r.EchoCancel != tt.aec || r.MicGain != tt.micGain {
				t.Fatalf("unexpected recording config %+v", r)
			}
		})
	}
}

func TestStartRejectsConflictingFlags(t *testing.T) {
	for _, args := range [][]string{{"-L", "-M"}, {"--stereo-split", "--mix"}} {
		f := pflag.NewFlagSet("start", pflag.ContinueOnError)
		registerStartFlags(f)
		if err := f.Parse(args); err != nil {
			t.Fatal(err)
		}
		if err := applyStartDefaults(f, config.Default()); !errors.Is(err, config.ErrConfiguration) {
			t.Errorf("%v: expected ErrConfiguration, got %v", args, err)
		}
	}
}

func TestStartFlagsMapToConfig(t *testing.T) {
	for name := range config.FlagKeys {
		if startCmd.Flags().Lookup(name) == nil && rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("config flag %q is not registered on start", name)
		}
	}
}
