// Package executor runs the four task-family pipelines. Each pipeline is a
// plain function of context: it materializes inputs, assembles tool argument
// vectors through the planner/downloader/transcriber packages, executes them
// through the runner and finishes the task record one way or the other.
package executor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"mediamill/internal/cache"
	"mediamill/internal/config"
	"mediamill/internal/downloader"
	"mediamill/internal/hwaccel"
	"mediamill/internal/logging"
	"mediamill/internal/media"
	"mediamill/internal/resource"
	"mediamill/internal/runner"
	"mediamill/internal/task"
	"mediamill/internal/taskerr"
	"mediamill/internal/transcriber"
)

const probeTimeout = time.Minute

// Executor owns the per-family pipelines and their collaborators.
type Executor struct {
	cfg      *config.Config
	registry *task.Registry
	runner   *runner.Runner
	cache    *cache.Cache
	detector *hwaccel.Detector
	sampler  *resource.Sampler
	trans    *transcriber.Transcriber
	errors   *taskerr.Ring
	logger   logging.Logger
}

func New(cfg *config.Config, registry *task.Registry, run *runner.Runner, store *cache.Cache,
	detector *hwaccel.Detector, sampler *resource.Sampler, trans *transcriber.Transcriber,
	errs *taskerr.Ring, logger logging.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		registry: registry,
		runner:   run,
		cache:    store,
		detector: detector,
		sampler:  sampler,
		trans:    trans,
		errors:   errs,
		logger:   logging.OrNop(logger),
	}
}

// launch runs one pipeline in its own goroutine under the task timeout,
// wiring the cancel function into the registry for /cancel endpoints and
// finishing the record when the pipeline returns.
func (e *Executor) launch(taskID string, fn func(ctx context.Context) (any, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TaskTimeout)
		defer cancel()
		e.registry.RegisterCancel(taskID, cancel)
		defer e.registry.UnregisterCancel(taskID)

		result, err := fn(ctx)
		if err != nil {
			te := e.errors.Record(err, taskID, nil)
			e.registry.Fail(taskID, te)
			e.cleanupTemp(taskID)
			return
		}
		e.registry.Complete(taskID, result)
		e.cleanupTemp(taskID)
	}()
}

// cleanupTemp removes the scratch paths the pipeline registered along the
// way. The janitor performs the same removal for tasks it expires.
func (e *Executor) cleanupTemp(taskID string) {
	for _, p := range e.registry.TakeTempPaths(taskID) {
		if err := os.RemoveAll(p); err != nil {
			e.logger.Warn("cleanup %s: %v", p, err)
		}
	}
}

func (e *Executor) stage(taskID, name string, progress int) {
	e.registry.Update(taskID, func(rec *task.Record) {
		rec.CurrentStage = name
		rec.Message = name
		if progress > rec.Progress {
			rec.Progress = progress
		}
	})
	e.logger.Debug("task %s stage %s", taskID, name)
}

func probeArgv(path string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_streams", "-show_format",
		path,
	}
}

// probeFile returns probed metadata, answering from the artifact cache when
// the file is unchanged since the last probe.
func (e *Executor) probeFile(ctx context.Context, path string) (media.Info, error) {
	fp := cache.Fingerprint(path)
	if info, ok := e.cache.GetMetadata(fp); ok {
		return info, nil
	}
	out, err := e.runner.Probe(ctx, probeArgv(path), probeTimeout)
	if err != nil {
		return media.Info{}, err
	}
	info, err := media.ParseProbe(path, []byte(out))
	if err != nil {
		return media.Info{}, err
	}
	if err := e.cache.PutMetadata(fp, path, info); err != nil {
		e.logger.Warn("cache metadata for %s: %v", path, err)
	}
	return info, nil
}

// isRemote reports whether the source must be fetched by the downloader.
func isRemote(source string) bool {
	return downloader.ValidateURL(source) == nil
}

// materialize turns a source identifier into a local file path, downloading
// remote sources once and caching the result keyed on the URL.
func (e *Executor) materialize(ctx context.Context, taskID, source string) (string, error) {
	if !isRemote(source) {
		if _, err := os.Stat(source); err != nil {
			return "", taskerr.Wrap(taskerr.KindInputValidation, err, "source not found: %s", source)
		}
		return source, nil
	}

	fp := cache.Fingerprint(source)
	params := cache.HashParams("download:best:mp4")
	if path, ok := e.cache.GetArtifact(fp, params); ok {
		return path, nil
	}

	dir := e.cfg.TaskDir(config.DirDownloads, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", taskerr.Wrap(taskerr.KindFileSystem, err, "create download dir")
	}
	e.registry.AddTempPath(taskID, dir)

	path, _, err := e.fetch(ctx, taskID, source, downloader.QualityBest, downloader.ContainerMP4, dir, nil)
	if err != nil {
		return "", err
	}
	cached, err := e.cache.PutArtifact(fp, params, source, path)
	if err != nil {
		e.logger.Warn("cache download %s: %v", source, err)
		return path, nil
	}
	return cached, nil
}

// fetch runs the downloader into dir and returns the produced file path and
// the pre-flight metadata. onProgress may be nil.
func (e *Executor) fetch(ctx context.Context, taskID, url, quality, container, dir string,
	onProgress func(pct float64)) (string, downloader.Metadata, error) {
	out, err := e.runner.RunTool(ctx, e.cfg.YtDlpBin, downloader.MetadataArgv(url),
		5*time.Minute, taskID, taskerr.KindNetwork, nil)
	if err != nil {
		return "", downloader.Metadata{}, err
	}
	meta, err := downloader.ParseMetadata([]byte(out))
	if err != nil {
		return "", meta, err
	}
	if err := downloader.Preflight(meta, e.sampler.Latest().FreeDiskBytes); err != nil {
		return "", meta, err
	}

	template := filepath.Join(dir, "%(title)s.%(ext)s")
	argv, err := downloader.Argv(url, quality, container, template)
	if err != nil {
		return "", meta, err
	}

	var dest string
	hook := func(line string) {
		if pct, ok := downloader.ParseProgress(line); ok && onProgress != nil {
			onProgress(pct)
		}
		if path, ok := downloader.ParseDestination(line); ok {
			dest = path
		}
	}
	if _, err := e.runner.RunTool(ctx, e.cfg.YtDlpBin, argv, e.cfg.TaskTimeout, taskID,
		taskerr.KindNetwork, hook); err != nil {
		return "", meta, err
	}
	if dest == "" {
		dest = newestFile(dir)
	}
	if dest == "" {
		return "", meta, taskerr.New(taskerr.KindNetwork, "downloader produced no file for %s", url)
	}
	return dest, meta, nil
}

// newestFile is the fallback when the downloader's log never named the
// merged output.
func newestFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestMod time.Time
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, ent.Name())
			bestMod = info.ModTime()
		}
	}
	return best
}
