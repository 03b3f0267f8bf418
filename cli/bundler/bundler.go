// Package bundler runs bundle configurations through esbuild.
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/config"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
	"github.com/mass-aquaponics/assetpipe/internal/stats"
)

// ErrUnsupportedFilename is returned for output patterns using placeholders other than [name]
var ErrUnsupportedFilename = errors.New("unsupported output filename")

var placeholderRegex = regexp.MustCompile(`\[(\w+)\]`)

// Result describes a finished build of one application
type Result struct {
	App string

	// Chunks maps bundle names to their emitted files
	Chunks map[string][]stats.Chunk

	// Sizes maps bundle names to the total size of their emitted files
	Sizes map[string]int64

	// Metafile is the raw esbuild metafile JSON
	Metafile string

	Warnings []string
	Duration time.Duration
}

// BuildError carries the messages of a failed build
type BuildError struct {
	App      string
	Messages []api.Message
}

func (e *BuildError) Error() string {
	msgs := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		msgs = append(msgs, formatMessage(m))
	}
	return fmt.Sprintf("build of %q failed: %s", e.App, strings.Join(msgs, "; "))
}

func formatMessage(m api.Message) string {
	text := m.Text
	if m.PluginName != "" {
		text = "[" + m.PluginName + "] " + text
	}
	if m.Location != nil {
		return fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, text)
	}
	return text
}

// Runner executes bundle configurations
type Runner struct {
	settings config.BuildConfig
	metrics  *observability.Metrics
	sass     *SassCompiler
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithMetrics records build metrics on m
func WithMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithSass sets the compiler used for .scss modules
func WithSass(s *SassCompiler) RunnerOption {
	return func(r *Runner) {
		r.sass = s
	}
}

// NewRunner creates a runner using the given build settings
func NewRunner(settings config.BuildConfig, opts ...RunnerOption) *Runner {
	r := &Runner{settings: settings}
	for _, opt := range opts {
		opt(r)
	}
	if r.sass == nil {
		r.sass = NewSassCompiler(settings.SassPath, "")
	}
	return r
}

// Run builds every bundle of bc once and updates its tracking file
func (r *Runner) Run(ctx context.Context, bc *bundleconfig.Config) (_ *Result, err error) {
	ctx, span := observability.StartRunSpan(ctx, bc.App)
	defer func() { observability.EndSpan(span, err) }()

	if r.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.settings.Timeout)
		defer cancel()
	}

	var (
		result   *Result
		buildErr error
	)
	opts, err := r.buildOptions(ctx, bc, func(built *Result, err error) {
		result, buildErr = built, err
	})
	if err != nil {
		return nil, err
	}

	esctx, ctxErr := api.Context(opts)
	if ctxErr != nil {
		return nil, &BuildError{App: bc.App, Messages: ctxErr.Errors}
	}
	defer esctx.Dispose()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			esctx.Cancel()
		case <-done:
		}
	}()

	esctx.Rebuild()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("build of %q cancelled: %w", bc.App, ctx.Err())
	}
	if buildErr != nil {
		return nil, buildErr
	}
	if result == nil {
		return nil, fmt.Errorf("build of %q produced no result", bc.App)
	}
	return result, nil
}

// Watch builds bc and rebuilds whenever one of its inputs changes, until ctx is done.
// onRebuild, when not nil, is called after every build.
func (r *Runner) Watch(ctx context.Context, bc *bundleconfig.Config, onRebuild func(*Result, error)) error {
	opts, err := r.buildOptions(ctx, bc, func(res *Result, err error) {
		if err != nil {
			log.Error().Err(err).Str("app", bc.App).Msg("Rebuild failed")
		} else {
			log.Info().
				Str("app", bc.App).
				Int("bundles", len(res.Chunks)).
				Dur("duration", res.Duration).
				Msg("Rebuilt bundles")
		}
		if onRebuild != nil {
			onRebuild(res, err)
		}
	})
	if err != nil {
		return err
	}

	esctx, ctxErr := api.Context(opts)
	if ctxErr != nil {
		return &BuildError{App: bc.App, Messages: ctxErr.Errors}
	}
	defer esctx.Dispose()

	if err := esctx.Watch(api.WatchOptions{}); err != nil {
		return fmt.Errorf("failed to watch %q: %w", bc.App, err)
	}
	log.Info().Str("app", bc.App).Str("source", bc.SourceDir()).Msg("Watching for changes")

	<-ctx.Done()
	return nil
}

// BuildOptions returns the esbuild options bc translates to, without the
// tracking plugin. It is used to inspect a configuration.
func (r *Runner) BuildOptions(bc *bundleconfig.Config) (api.BuildOptions, error) {
	return r.buildOptions(context.Background(), bc, nil)
}

func (r *Runner) buildOptions(ctx context.Context, bc *bundleconfig.Config, report func(*Result, error)) (api.BuildOptions, error) {
	absContext, err := filepath.Abs(bc.Context)
	if err != nil {
		return api.BuildOptions{}, fmt.Errorf("failed to resolve build context: %w", err)
	}

	target, err := parseTarget(r.settings.Target)
	if err != nil {
		return api.BuildOptions{}, err
	}
	engines, err := parseEngines(r.settings.Browsers)
	if err != nil {
		return api.BuildOptions{}, err
	}

	entryPoints, err := entryPoints(bc, absContext)
	if err != nil {
		return api.BuildOptions{}, err
	}

	_, extract := bc.Plugin(bundleconfig.PluginExtractText)
	if extract {
		if err := checkStylesheetFilename(bc); err != nil {
			return api.BuildOptions{}, err
		}
	}
	_, sfc := bc.Plugin(bundleconfig.PluginVueLoader)

	bt := newBuildTrace(ctx, bc.App)
	pipe, err := newPipeline(ctx, bc.Module.Rules, pipelineOptions{
		target:  target,
		engines: engines,
		extract: extract,
		sfc:     sfc,
		sass:    r.sass,
		trace:   bt,
	})
	if err != nil {
		return api.BuildOptions{}, err
	}

	var plugins []api.Plugin
	if len(bc.Resolve.Alias) > 0 {
		plugins = append(plugins, aliasPlugin(bc.Resolve.Alias))
	}
	if sfc {
		plugins = append(plugins, componentPlugin())
	}
	plugins = append(plugins, pipe.plugin())

	outdir := filepath.Join(absContext, filepath.FromSlash(bc.Output.Path))
	if report != nil {
		plugins = append(plugins, r.trackingPlugin(bc, absContext, outdir, bt, report))
	}

	sourcemap := api.SourceMapNone
	if r.settings.Sourcemap {
		sourcemap = api.SourceMapLinked
	}

	return api.BuildOptions{
		AbsWorkingDir:       absContext,
		EntryPointsAdvanced: entryPoints,
		Outdir:              outdir,
		PublicPath:          bc.Output.PublicPath,
		Bundle:              true,
		Write:               true,
		Metafile:            true,
		Format:              api.FormatIIFE,
		Platform:            api.PlatformBrowser,
		Target:              target,
		Engines:             engines,
		NodePaths:           nodePaths(bc.Resolve.Modules, absContext),
		Sourcemap:           sourcemap,
		MinifyWhitespace:    r.settings.Minify,
		MinifyIdentifiers:   r.settings.Minify,
		MinifySyntax:        r.settings.Minify,
		LogLevel:            api.LogLevelSilent,
		Plugins:             plugins,
	}, nil
}

// trackingPlugin keeps the tracking file and metrics in step with every build
func (r *Runner) trackingPlugin(bc *bundleconfig.Config, absContext, outdir string, bt *buildTrace, report func(*Result, error)) api.Plugin {
	var tracker *stats.Tracker
	if p := bc.StatsPath(); p != "" {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		tracker = stats.NewTracker(p, bc.Output.PublicPath)
	}

	var (
		mu     sync.Mutex
		start  time.Time
		finish func(error)
	)

	return api.Plugin{
		Name: "bundle-tracker",
		Setup: func(build api.PluginBuild) {
			build.OnStart(func() (api.OnStartResult, error) {
				mu.Lock()
				defer mu.Unlock()

				start = time.Now()
				bt.start()
				if r.metrics != nil {
					finish = r.metrics.BuildStarted(bc.App)
				}
				log.Debug().Str("app", bc.App).Int("entries", len(bc.Entry)).Msg("Building bundles")

				if tracker != nil {
					if err := tracker.Compiling(); err != nil {
						bt.end(err)
						return api.OnStartResult{}, err
					}
				}
				return api.OnStartResult{}, nil
			})

			build.OnEnd(func(res *api.BuildResult) (api.OnEndResult, error) {
				mu.Lock()
				defer mu.Unlock()

				result, err := r.collect(bc, res, absContext, outdir)
				if result != nil {
					result.Duration = time.Since(start)
				}

				if finish != nil {
					finish(err)
					finish = nil
				}

				if tracker != nil {
					var trackErr error
					if err != nil {
						trackErr = tracker.Error("BuildError", err.Error())
					} else {
						trackErr = tracker.Done(result.Chunks)
					}
					if trackErr != nil {
						log.Warn().Err(trackErr).Str("file", tracker.Path()).Msg("Failed to update tracking file")
						if err == nil {
							err = trackErr
						}
					}
				}

				bt.end(err)
				report(result, err)
				return api.OnEndResult{}, nil
			})
		},
	}
}

func (r *Runner) collect(bc *bundleconfig.Config, res *api.BuildResult, absContext, outdir string) (*Result, error) {
	if len(res.Errors) > 0 {
		return nil, &BuildError{App: bc.App, Messages: res.Errors}
	}

	var meta Metafile
	if err := json.Unmarshal([]byte(res.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metafile: %w", err)
	}

	chunks, sizes, err := collectChunks(&meta, absContext, outdir)
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		for name, size := range sizes {
			r.metrics.RecordBundleSize(bc.App, name, size)
		}
	}

	result := &Result{
		App:      bc.App,
		Chunks:   chunks,
		Sizes:    sizes,
		Metafile: res.Metafile,
	}
	for _, w := range res.Warnings {
		result.Warnings = append(result.Warnings, formatMessage(w))
	}
	return result, nil
}

// collectChunks groups the emitted files of the metafile by bundle name. An entry
// output carries its extracted stylesheet along; source maps are left out.
func collectChunks(meta *Metafile, absContext, outdir string) (map[string][]stats.Chunk, map[string]int64, error) {
	chunks := make(map[string][]stats.Chunk)
	sizes := make(map[string]int64)
	seen := make(map[string]bool)

	keys := make([]string, 0, len(meta.Outputs))
	for key := range meta.Outputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	add := func(bundle, key string) error {
		if seen[key] {
			return nil
		}
		seen[key] = true

		abs := filepath.Join(absContext, filepath.FromSlash(key))
		rel, err := filepath.Rel(outdir, abs)
		if err != nil {
			return fmt.Errorf("output %s is outside %s: %w", key, outdir, err)
		}
		chunks[bundle] = append(chunks[bundle], stats.Chunk{Name: filepath.ToSlash(rel), Path: abs})
		sizes[bundle] += int64(meta.Outputs[key].Bytes)
		return nil
	}

	// scripts first, so an entry's stylesheet follows its script
	for _, pass := range []func(key string) bool{
		func(key string) bool { return path.Ext(key) != ".css" },
		func(key string) bool { return path.Ext(key) == ".css" },
	} {
		for _, key := range keys {
			out := meta.Outputs[key]
			if out.EntryPoint == "" || strings.HasSuffix(key, ".map") || !pass(key) {
				continue
			}

			rel, err := filepath.Rel(outdir, filepath.Join(absContext, filepath.FromSlash(key)))
			if err != nil {
				return nil, nil, fmt.Errorf("output %s is outside %s: %w", key, outdir, err)
			}
			rel = filepath.ToSlash(rel)
			bundle := strings.TrimSuffix(rel, path.Ext(rel))

			if err := add(bundle, key); err != nil {
				return nil, nil, err
			}
			if out.CSSBundle != "" {
				if err := add(bundle, out.CSSBundle); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	return chunks, sizes, nil
}

func entryPoints(bc *bundleconfig.Config, absContext string) ([]api.EntryPoint, error) {
	stem, err := filenameStem(bc.Output.Filename)
	if err != nil {
		return nil, err
	}

	entries := make([]api.EntryPoint, 0, len(bc.Entry))
	for _, e := range bc.Entry {
		entries = append(entries, api.EntryPoint{
			InputPath:  filepath.Join(absContext, filepath.FromSlash(e.Import)),
			OutputPath: strings.ReplaceAll(stem, "[name]", e.Name),
		})
	}
	return entries, nil
}

// filenameStem strips the extension from an output pattern such as "[name].js"
func filenameStem(pattern string) (string, error) {
	if !strings.Contains(pattern, "[name]") {
		return "", fmt.Errorf("%w %q: must contain [name]", ErrUnsupportedFilename, pattern)
	}
	for _, m := range placeholderRegex.FindAllStringSubmatch(pattern, -1) {
		if m[1] != "name" {
			return "", fmt.Errorf("%w %q: placeholder [%s] is not supported", ErrUnsupportedFilename, pattern, m[1])
		}
	}
	return strings.TrimSuffix(pattern, path.Ext(pattern)), nil
}

// checkStylesheetFilename ensures extracted stylesheets can sit next to their scripts
func checkStylesheetFilename(bc *bundleconfig.Config) error {
	p, _ := bc.Plugin(bundleconfig.PluginExtractText)
	if p.Filename == "" {
		return nil
	}
	cssStem, err := filenameStem(p.Filename)
	if err != nil {
		return err
	}
	jsStem, err := filenameStem(bc.Output.Filename)
	if err != nil {
		return err
	}
	if cssStem != jsStem || path.Ext(p.Filename) != ".css" {
		return fmt.Errorf("%w %q: stylesheets are emitted next to their scripts as %s.css",
			ErrUnsupportedFilename, p.Filename, jsStem)
	}
	return nil
}

// nodePaths maps resolution directories other than the standard dependency
// directory, which esbuild searches on its own, to absolute node paths.
func nodePaths(modules []string, absContext string) []string {
	var paths []string
	for _, m := range modules {
		if m == bundleconfig.DependencyDir {
			continue
		}
		if !filepath.IsAbs(m) {
			m = filepath.Join(absContext, filepath.FromSlash(m))
		}
		paths = append(paths, m)
	}
	return paths
}
