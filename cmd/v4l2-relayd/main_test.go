package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noDefaultConfig(t *testing.T) {
	t.Helper()
	prev := defaultConfigPath
	defaultConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { defaultConfigPath = prev })
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name: "defaults",
			args: nil,
			want: options{logFormat: "text"},
		},
		{
			name: "short flags",
			args: []string{"-D", "-d", "-c", "/dev/video2", "-o", "/dev/video20"},
			want: options{background: true, debug: true, capture: "/dev/video2", output: "/dev/video20", logFormat: "text"},
		},
		{
			name: "long flags",
			args: []string{"--capture=/dev/video2", "--output", "/dev/video20", "--config", "/tmp/r.yaml", "--log-format=json"},
			want: options{capture: "/dev/video2", output: "/dev/video20", configPath: "/tmp/r.yaml", logFormat: "json"},
		},
		{name: "unknown flag", args: []string{"--bogus"}, wantErr: true},
		{name: "positional", args: []string{"extra"}, wantErr: true},
		{name: "bad log format", args: []string{"--log-format=xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseArgs(tt.args, &bytes.Buffer{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *opts)
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	code := run([]string{"--version"}, &stdout, &bytes.Buffer{})

	assert.Equal(t, 0, code)
	assert.Equal(t, "v4l2-relayd ("+version+")\n", stdout.String())
}

func TestRun_Help(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"-h"}, &bytes.Buffer{}, &stderr)

	assert.Equal(t, 0, code)
	assert.Contains(t, stderr.String(), "--background")
	assert.Contains(t, stderr.String(), "--capture")
}

func TestRun_BadOption(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"--nope"}, &bytes.Buffer{}, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "option parsing failed")
}

func TestLoadConfig_Defaults(t *testing.T) {
	noDefaultConfig(t)

	cfg, err := loadConfig(&options{})
	require.NoError(t, err)
	assert.Equal(t, "/dev/video0", cfg.Capture.Device)
	assert.Equal(t, "/dev/video10", cfg.Output.Device)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	noDefaultConfig(t)

	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capture:
  pipeline: videotestsrc is-live=true
output:
  device: /dev/video11
placeholder:
  image: /srv/away.png
`), 0o644))

	cfg, err := loadConfig(&options{configPath: path, capture: "/dev/video3"})
	require.NoError(t, err)

	assert.Equal(t, "/dev/video3", cfg.Capture.Device)
	assert.Empty(t, cfg.Capture.Pipeline, "-c replaces a configured capture pipeline")
	assert.Equal(t, "/dev/video11", cfg.Output.Device)
	assert.Equal(t, "/srv/away.png", cfg.Placeholder.Image)

	t.Logf("✅ Flags layered over file over defaults")
}

func TestLoadConfig_Invalid(t *testing.T) {
	noDefaultConfig(t)

	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  caps: image/jpeg\n"), 0o644))

	_, err := loadConfig(&options{configPath: path})
	assert.Error(t, err)
}
