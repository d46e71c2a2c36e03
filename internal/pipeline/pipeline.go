// Package pipeline composes the load, flatten, aggregate and save stages
// into a single run.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sessionprep/sessionprep/internal/config"
	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/internal/features"
	"github.com/sessionprep/sessionprep/internal/flatten"
	"github.com/sessionprep/sessionprep/internal/loader"
	"github.com/sessionprep/sessionprep/internal/observability"
	"github.com/sessionprep/sessionprep/internal/sink"
	"github.com/sessionprep/sessionprep/internal/storage"
	"github.com/sessionprep/sessionprep/pkg/types"
)

// Result describes a finished run.
type Result struct {
	RunID string

	// Sessions and Events are the loaded session and flattened event counts
	Sessions int
	Events   int

	Features *types.FeatureTable
	Summary  features.Summary

	OutputPath  string
	EventsPath  string
	SidecarPath string

	// Uploaded maps local paths to object keys when upload is enabled
	Uploaded map[string]string

	Stats *observability.RunStats
}

// Pipeline runs the session feature pipeline for one configuration.
type Pipeline struct {
	cfg     *config.Config
	log     zerolog.Logger
	storage storage.ObjectStorage
	metrics *observability.Metrics
	newID   func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards output.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithStorage sets the object storage used for remote input and upload
// instead of building one from the configuration.
func WithStorage(s storage.ObjectStorage) Option {
	return func(p *Pipeline) { p.storage = s }
}

// WithMetrics sets the metrics collectors. A private set is created
// otherwise.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRunID fixes the run id instead of generating a UUID.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.newID = func() string { return id } }
}

// New resolves and validates cfg and creates a pipeline.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Pipeline{
		cfg:   cfg,
		log:   zerolog.Nop(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observability.NewMetrics()
	}
	return p, nil
}

// Metrics returns the collectors updated by Run.
func (p *Pipeline) Metrics() *observability.Metrics { return p.metrics }

// Run executes the pipeline once. Any stage error aborts the run and is
// returned wrapped with the stage name; the structured error stays
// reachable through errors.Is and errors.As.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	runID := p.newID()
	stats := observability.NewRunStats(runID)
	log := p.log.With().Str("run_id", runID).Logger()
	res := &Result{RunID: runID, Stats: stats, OutputPath: p.cfg.Output.Path}

	fail := func(stage string, err error) (*Result, error) {
		p.metrics.ObserveFailure(stats, stage, perrors.GetCode(err))
		log.Error().Err(err).Str("stage", stage).Msg("Pipeline run failed")
		p.exportMetrics(ctx, log)
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	inputPath, err := p.resolveInput(ctx, stats, log)
	if err != nil {
		return fail(observability.StageDownload, err)
	}

	// Load
	done := stats.Begin(observability.StageLoad)
	ld, err := loader.NewLoader(p.cfg.LoaderConfig(), log)
	if err != nil {
		done(0, err)
		return fail(observability.StageLoad, err)
	}
	sessions, err := ld.Load(ctx, inputPath, p.cfg.Input.SampleSize)
	done(int64(len(sessions)), err)
	if err != nil {
		return fail(observability.StageLoad, err)
	}
	res.Sessions = len(sessions)
	log.Info().Str("input", inputPath).Int("sessions", res.Sessions).Msg("Loaded sessions")

	// Flatten
	done = stats.Begin(observability.StageFlatten)
	events, tracker := flatten.FlattenWithStats(sessions)
	done(int64(events.Len()), nil)
	res.Events = events.Len()
	eventStats := tracker.Snapshot()
	log.Debug().Int("events", res.Events).Int64("distinct_sessions", eventStats.SessionCount).Msg("Flattened events")

	// Aggregate
	done = stats.Begin(observability.StageAggregate)
	ft, err := features.BuildSessionFeatures(events)
	done(int64(ft.Len()), err)
	if err != nil {
		return fail(observability.StageAggregate, err)
	}
	res.Features = ft
	res.Summary = features.Summarize(ft)
	if n := eventStats.UnknownTypeCount(); n > 0 {
		log.Warn().Int64("unknown_events", n).Msg("Events with unknown type counted in total_events only")
	}

	// Save
	done = stats.Begin(observability.StageSave)
	written, err := p.save(ctx, runID, ft, events, eventStats, res)
	done(int64(ft.Len()), err)
	if err != nil {
		return fail(observability.StageSave, err)
	}
	log.Info().
		Str("output", res.OutputPath).
		Int("sessions", res.Summary.Sessions).
		Int("converted", res.Summary.Converted).
		Float64("conversion_rate", res.Summary.ConversionRate).
		Msg("Saved session features")

	// Upload
	if p.cfg.Upload.Enabled {
		done = stats.Begin(observability.StageUpload)
		uploaded, err := p.upload(ctx, runID, written)
		done(int64(len(uploaded)), err)
		if err != nil {
			return fail(observability.StageUpload, err)
		}
		res.Uploaded = uploaded
		log.Info().Int("objects", len(uploaded)).Msg("Uploaded outputs")
	}

	p.metrics.ObserveRun(stats, observability.RunTotals{
		Sessions:      res.Summary.Sessions,
		Events:        res.Events,
		Converted:     res.Summary.Converted,
		UnknownEvents: eventStats.UnknownTypeCount(),
	})
	p.exportMetrics(ctx, log)
	log.Info().Object("timings", stats).Msg("Pipeline run complete")
	return res, nil
}

// resolveInput downloads Input.Object when set and returns the local path
// to load.
func (p *Pipeline) resolveInput(ctx context.Context, stats *observability.RunStats, log zerolog.Logger) (string, error) {
	if p.cfg.Input.Object == "" {
		return p.cfg.Input.Path, nil
	}

	done := stats.Begin(observability.StageDownload)
	store, err := p.objectStorage(ctx)
	if err != nil {
		done(0, err)
		return "", err
	}
	local := p.cfg.InputDownloadPath()
	err = store.Download(ctx, p.cfg.Input.Object, local)
	done(0, err)
	if err != nil {
		return "", err
	}
	log.Info().Str("object", p.cfg.Input.Object).Str("local", local).Msg("Downloaded input")
	return local, nil
}

// save writes the feature table and the optional event table and sidecar,
// returning every file written.
func (p *Pipeline) save(ctx context.Context, runID string, ft *types.FeatureTable, events *types.EventTable, eventStats flatten.Stats, res *Result) ([]string, error) {
	sinkCfg := p.cfg.SinkConfig()
	if err := sink.Save(ctx, sinkCfg, p.cfg.Output.Path, ft); err != nil {
		return nil, err
	}
	written := []string{p.cfg.Output.Path}

	if p.cfg.Output.EventsPath != "" {
		pw, err := sink.NewParquetWriter(sinkCfg)
		if err != nil {
			return nil, err
		}
		if err := pw.WriteEvents(p.cfg.Output.EventsPath, events); err != nil {
			return nil, err
		}
		res.EventsPath = p.cfg.Output.EventsPath
		written = append(written, p.cfg.Output.EventsPath)
	}

	if p.cfg.Output.Sidecar {
		sc, err := sink.NewSidecar(runID, sinkCfg.Format, p.cfg.Output.Path, ft, eventStats)
		if err != nil {
			return nil, err
		}
		path := sink.SidecarPath(p.cfg.Output.Path)
		if err := sc.WriteToFile(path); err != nil {
			return nil, err
		}
		res.SidecarPath = path
		written = append(written, path)
	}
	return written, nil
}

// upload publishes files under <prefix>/<run id>/.
func (p *Pipeline) upload(ctx context.Context, runID string, files []string) (map[string]string, error) {
	store, err := p.objectStorage(ctx)
	if err != nil {
		return nil, err
	}
	prefix := storage.ObjectKey(p.cfg.Upload.Prefix, runID)
	result := storage.NewPublisher(store, prefix, p.cfg.Upload.Concurrency).Publish(ctx, files)
	if result.Failed() {
		return nil, result.FirstError()
	}
	return result.Keys, nil
}

func (p *Pipeline) objectStorage(ctx context.Context) (storage.ObjectStorage, error) {
	if p.storage != nil {
		return p.storage, nil
	}
	s, err := storage.New(ctx, p.cfg.StorageConfig())
	if err != nil {
		return nil, err
	}
	p.storage = s
	return s, nil
}

// exportMetrics writes and pushes metrics when configured. Export failures
// are logged and never fail the run.
func (p *Pipeline) exportMetrics(ctx context.Context, log zerolog.Logger) {
	if path := p.cfg.Metrics.Textfile; path != "" {
		if err := p.metrics.WriteTextfile(filepath.Clean(path)); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to write metrics textfile")
		}
	}
	if url := p.cfg.Metrics.PushURL; url != "" {
		if err := p.metrics.Push(ctx, url, p.cfg.Metrics.Job); err != nil {
			log.Warn().Err(err).Str("url", url).Msg("Failed to push metrics")
		}
	}
}
