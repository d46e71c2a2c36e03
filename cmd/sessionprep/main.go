// Package main implements the sessionprep binary.
// It loads a prefix of a session JSON Lines file, aggregates per-session
// event features and writes them as a Parquet or SQLite table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sessionprep/sessionprep/internal/config"
	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/internal/logger"
	"github.com/sessionprep/sessionprep/internal/pipeline"
)

var (
	version = "dev"
	commit  = "unknown"
)

// cliFlags holds command line values. Only flags present on the command
// line override the file and environment.
type cliFlags struct {
	configFile  string
	envFile     string
	input       string
	object      string
	sampleSize  int
	output      string
	format      string
	compression string
	events      string
	noSidecar   bool
	upload      bool
	prefix      string
	logLevel    string
	pretty      bool
	metricsFile string
	showVersion bool
	showHelp    bool

	set map[string]bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs, flags := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	flags.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })

	if flags.showHelp {
		fs.Usage()
		return 0
	}
	if flags.showVersion {
		fmt.Fprintf(stdout, "sessionprep version %s (commit: %s)\n", version, commit)
		return 0
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 2
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create logger: %v\n", err)
		return 2
	}
	defer log.Close()

	p, err := pipeline.New(cfg, pipeline.WithLogger(log.Component("pipeline")))
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := p.Run(ctx)
	if err != nil {
		if errors.Is(err, perrors.ErrEmptyInput) {
			fmt.Fprintf(stderr, "No events to aggregate: %v\n", err)
		} else {
			fmt.Fprintf(stderr, "Run failed: %v\n", err)
		}
		return 1
	}

	fmt.Fprintf(stdout, "run %s: %d sessions (%d converted, %.2f%%) from %d events -> %s\n",
		res.RunID, res.Summary.Sessions, res.Summary.Converted,
		res.Summary.ConversionRate*100, res.Events, res.OutputPath)
	return 0
}

func newFlagSet(stderr io.Writer) (*flag.FlagSet, *cliFlags) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("sessionprep", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&f.envFile, "env-file", ".env", "Dotenv file with SESSIONPREP_* variables, ignored if absent")
	fs.StringVar(&f.input, "input", "", "Session JSON Lines file (.sz for snappy framed)")
	fs.StringVar(&f.object, "object", "", "Storage key of the input, downloaded before loading")
	fs.IntVar(&f.sampleSize, "n", 50000, "Number of leading lines to load")
	fs.StringVar(&f.output, "output", "", "Feature table destination")
	fs.StringVar(&f.format, "format", "", "Output format: parquet or sqlite")
	fs.StringVar(&f.compression, "compression", "", "Parquet codec: snappy, gzip, zstd, uncompressed")
	fs.StringVar(&f.events, "events", "", "Also write the flat event table to this parquet file")
	fs.BoolVar(&f.noSidecar, "no-sidecar", false, "Skip the .meta.json sidecar")
	fs.BoolVar(&f.upload, "upload", false, "Upload outputs to the configured storage")
	fs.StringVar(&f.prefix, "prefix", "", "Object key prefix for uploads")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&f.pretty, "pretty", false, "Human-readable console logs")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	fs.BoolVar(&f.showHelp, "help", false, "Show help message")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "sessionprep - per-session event features for conversion modelling\n\n")
		fmt.Fprintf(stderr, "Usage: sessionprep [options]\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  sessionprep --input train.jsonl\n")
		fmt.Fprintf(stderr, "  sessionprep --input train.jsonl.sz --n 100000 --format sqlite --output out/features.sqlite\n")
		fmt.Fprintf(stderr, "  sessionprep --config /etc/sessionprep/config.yaml --upload\n")
		fmt.Fprintf(stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(stderr, "  SESSIONPREP_INPUT_PATH     Session file\n")
		fmt.Fprintf(stderr, "  SESSIONPREP_SAMPLE_SIZE    Number of leading lines to load\n")
		fmt.Fprintf(stderr, "  SESSIONPREP_OUTPUT_PATH    Feature table destination\n")
		fmt.Fprintf(stderr, "  SESSIONPREP_OUTPUT_FORMAT  parquet or sqlite\n")
		fmt.Fprintf(stderr, "  SESSIONPREP_STORAGE_TYPE   Storage type (local, s3)\n")
		fmt.Fprintf(stderr, "  SESSIONPREP_S3_BUCKET      S3 bucket for upload and remote input\n")
	}
	return fs, f
}

// loadConfig layers defaults or the config file, then the environment,
// then command line flags.
func loadConfig(f *cliFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Variables already in the environment win over the dotenv file.
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) || f.set["env-file"] {
				return nil, fmt.Errorf("failed to load env file: %w", err)
			}
		}
	}
	config.LoadFromEnv(cfg)

	if f.set["input"] {
		cfg.Input.Path = f.input
	}
	if f.set["object"] {
		cfg.Input.Object = f.object
	}
	if f.set["n"] {
		cfg.Input.SampleSize = f.sampleSize
	}
	if f.set["output"] {
		cfg.Output.Path = f.output
	}
	if f.set["format"] {
		cfg.Output.Format = f.format
	}
	if f.set["compression"] {
		cfg.Output.Compression = f.compression
	}
	if f.set["events"] {
		cfg.Output.EventsPath = f.events
	}
	if f.set["no-sidecar"] {
		cfg.Output.Sidecar = !f.noSidecar
	}
	if f.set["upload"] {
		cfg.Upload.Enabled = f.upload
	}
	if f.set["prefix"] {
		cfg.Upload.Prefix = f.prefix
	}
	if f.set["log-level"] {
		cfg.Log.Level = f.logLevel
	}
	if f.set["pretty"] {
		cfg.Log.Pretty = f.pretty
	}
	if f.set["metrics-file"] {
		cfg.Metrics.Textfile = f.metricsFile
	}

	return cfg, nil
}
