package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/e7canasta/v4l2-relayd/internal/config"
	"github.com/e7canasta/v4l2-relayd/internal/core"
	"github.com/e7canasta/v4l2-relayd/internal/gstgraph"
)

// Populated via -ldflags="-X main.version=...".
var version = "0.1.0"

const progName = "v4l2-relayd"

// defaultConfigPath is read when present and --config is not given.
var defaultConfigPath = config.DefaultPath

type options struct {
	background bool
	debug      bool
	version    bool
	help       bool
	capture    string
	output     string
	configPath string
	logFormat  string
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet(progName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVarP(&opts.background, "background", "D", false, "Run in the background")
	fs.BoolVarP(&opts.debug, "debug", "d", false, "Print debugging information")
	fs.BoolVarP(&opts.version, "version", "v", false, "Show version")
	fs.BoolVarP(&opts.help, "help", "h", false, "Show this help")
	fs.StringVarP(&opts.capture, "capture", "c", "", "Specify capturing device")
	fs.StringVarP(&opts.output, "output", "o", "", "Specify output device")
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file (default "+config.DefaultPath+")")
	fs.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if opts.logFormat != "text" && opts.logFormat != "json" {
		return nil, fmt.Errorf("invalid --log-format %q", opts.logFormat)
	}
	if opts.help {
		fs.Usage()
	}
	return opts, nil
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides on top.
func loadConfig(opts *options) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.capture != "" {
		cfg.Capture.Device = opts.capture
		cfg.Capture.Pipeline = ""
	}
	if opts.output != "" {
		cfg.Output.Device = opts.output
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogger(opts *options, w io.Writer) {
	logLevel := slog.LevelInfo
	if opts.debug {
		logLevel = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler = slog.NewTextHandler(w, handlerOpts)
	if opts.logFormat == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler).With("service", progName))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "option parsing failed: %v\n", err)
		return 1
	}
	if opts.help {
		return 0
	}
	if opts.version {
		fmt.Fprintf(stdout, "%s (%s)\n", progName, version)
		return 0
	}

	if opts.background && !detached() {
		if err := detach(args); err != nil {
			fmt.Fprintf(stderr, "Could not daemonize: %v\n", err)
			return 1
		}
		return 0
	}

	setupLogger(opts, stderr)

	cfg, err := loadConfig(opts)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	slog.Info("starting v4l2-relayd",
		"version", version,
		"capture", cfg.Capture.Device,
		"output", cfg.Output.Device,
		"debug", opts.debug,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	builder, err := gstgraph.NewBuilder()
	if err != nil {
		slog.Error("failed to initialize gstreamer", "error", err)
		return 1
	}

	relayd, err := core.New(cfg, core.WithBuilder(builder))
	if err != nil {
		slog.Error("failed to create relay", "error", err)
		return 1
	}

	if err := relayd.Run(ctx); err != nil {
		slog.Error("relay stopped with error", "error", err)
		return 1
	}

	slog.Info("v4l2-relayd stopped successfully")
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
