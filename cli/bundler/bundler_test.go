package bundler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/config"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
	"github.com/mass-aquaponics/assetpipe/internal/stats"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0750))
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
}

func readFile(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

func chunkNames(chunks []stats.Chunk) []string {
	names := make([]string, 0, len(chunks))
	for _, c := range chunks {
		names = append(names, c.Name)
	}
	return names
}

// homeProject lays out the sources of the "home" application under a temp root
func homeProject(t *testing.T) (string, *bundleconfig.Config) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "home/static/src/imports.js", `import "./style.css";
export const answer = 42;
console.log("imports", answer);
`)
	writeFile(t, root, "home/static/src/basic.js", `const greet = (name) => "hello " + name;
console.log(greet("basic"));
`)
	writeFile(t, root, "home/static/src/style.css", `.banner { user-select: none; color: red; }
`)

	bc, err := bundleconfig.Build("home", "imports.js", "basic.js")
	require.NoError(t, err)
	return root, bc.WithContext(root)
}

func testSettings() config.BuildConfig {
	settings := config.Default().Build
	settings.Timeout = time.Minute
	return settings
}

func TestRunner_Run_ExtractsStylesheets(t *testing.T) {
	root, bc := homeProject(t)
	metrics := observability.NewMetrics()

	result, err := NewRunner(testSettings(), WithMetrics(metrics)).Run(context.Background(), bc)
	require.NoError(t, err)

	assert.Equal(t, "home", result.App)
	require.Contains(t, result.Chunks, "imports")
	require.Contains(t, result.Chunks, "basic")
	assert.Equal(t, []string{"imports.js", "imports.css"}, chunkNames(result.Chunks["imports"]))
	assert.Equal(t, []string{"basic.js"}, chunkNames(result.Chunks["basic"]))
	assert.Equal(t, filepath.Join(root, "home/static/dist/home/basic.js"), result.Chunks["basic"][0].Path)
	assert.Positive(t, result.Sizes["imports"])
	assert.NotEmpty(t, result.Metafile)

	css := readFile(t, root, "home/static/dist/home/imports.css")
	assert.Contains(t, css, ".banner")
	assert.Contains(t, css, "-webkit-user-select")

	tracking, err := stats.Load(filepath.Join(root, "home", bundleconfig.StatsFile))
	require.NoError(t, err)
	assert.Equal(t, stats.StatusDone, tracking.Status)
	assert.Equal(t, result.Chunks, tracking.Chunks)

	n, err := testutil.GatherAndCount(metrics.Registry(), "assetpipe_bundle_bytes")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunner_Run_InjectsStylesheetsWithoutExtraction(t *testing.T) {
	root, bc := homeProject(t)

	var plugins []bundleconfig.Plugin
	for _, p := range bc.Plugins {
		if p.Kind != bundleconfig.PluginExtractText {
			plugins = append(plugins, p)
		}
	}
	bc.Plugins = plugins

	result, err := NewRunner(testSettings()).Run(context.Background(), bc)
	require.NoError(t, err)

	assert.Equal(t, []string{"imports.js"}, chunkNames(result.Chunks["imports"]))
	assert.NoFileExists(t, filepath.Join(root, "home/static/dist/home/imports.css"))

	script := readFile(t, root, "home/static/dist/home/imports.js")
	assert.Contains(t, script, `document.createElement("style")`)
	assert.Contains(t, script, ".banner")
}

func TestRunner_Run_PublicPath(t *testing.T) {
	root, bc := homeProject(t)
	bc.Output.PublicPath = "/static/home/"

	_, err := NewRunner(testSettings()).Run(context.Background(), bc)
	require.NoError(t, err)

	tracking, err := stats.Load(filepath.Join(root, "home", bundleconfig.StatsFile))
	require.NoError(t, err)
	assert.Equal(t, "/static/home/", tracking.PublicPath)
	assert.Equal(t, "/static/home/basic.js", tracking.Chunks["basic"][0].PublicPath)
}

func TestRunner_Run_BuildError(t *testing.T) {
	root, bc := homeProject(t)
	writeFile(t, root, "home/static/src/basic.js", "const = ;\n")
	metrics := observability.NewMetrics()

	_, err := NewRunner(testSettings(), WithMetrics(metrics)).Run(context.Background(), bc)
	require.Error(t, err)

	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, "home", buildErr.App)
	assert.NotEmpty(t, buildErr.Messages)

	tracking, err := stats.Load(filepath.Join(root, "home", bundleconfig.StatsFile))
	require.NoError(t, err)
	assert.Equal(t, stats.StatusError, tracking.Status)
	assert.Equal(t, "BuildError", tracking.Error)
	assert.Contains(t, tracking.Message, "basic.js")

	n, err := testutil.GatherAndCount(metrics.Registry(), "assetpipe_builds_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunner_Run_UnknownLoader(t *testing.T) {
	_, bc := homeProject(t)
	bc.Module.Rules = append(bc.Module.Rules, bundleconfig.Rule{
		Test: `\.coffee$`,
		Use:  []bundleconfig.Loader{{Name: "coffee-loader"}},
	})

	_, err := NewRunner(testSettings()).Run(context.Background(), bc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownLoader))
	assert.Contains(t, err.Error(), "coffee-loader")
}

func TestRunner_Run_Component(t *testing.T) {
	root, bc := homeProject(t)
	writeFile(t, root, "home/static/src/imports.js", `import Card from "./components/Card.vue";
console.log(Card.name, Card.template);
`)
	writeFile(t, root, "home/static/src/components/Card.vue", `<template>
  <div class="card">{{ title }}</div>
</template>

<script>
export default {
  name: "card-component",
  props: ["title"],
};
</script>

<style>
.card { border: 1px solid #ccc; }
</style>
`)

	result, err := NewRunner(testSettings()).Run(context.Background(), bc)
	require.NoError(t, err)

	assert.Equal(t, []string{"imports.js", "imports.css"}, chunkNames(result.Chunks["imports"]))

	script := readFile(t, root, "home/static/dist/home/imports.js")
	assert.Contains(t, script, "card-component")
	assert.Contains(t, script, "{{ title }}")
	assert.Contains(t, readFile(t, root, "home/static/dist/home/imports.css"), ".card")
}

func TestRunner_Run_Alias(t *testing.T) {
	root, bc := homeProject(t)
	writeFile(t, root, "shared/lib/util.js", `export const marker = "shared-util-marker";
`)
	writeFile(t, root, "home/static/src/basic.js", `import { marker } from "shared/util.js";
console.log(marker);
`)
	bc.Resolve.Alias = map[string]string{"shared": filepath.Join(root, "shared", "lib")}

	_, err := NewRunner(testSettings()).Run(context.Background(), bc)
	require.NoError(t, err)
	assert.Contains(t, readFile(t, root, "home/static/dist/home/basic.js"), "shared-util-marker")
}

func TestRunner_Run_Cancelled(t *testing.T) {
	_, bc := homeProject(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(testSettings()).Run(ctx, bc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunner_Run_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, bc := homeProject(t)
	_, err := NewRunner(testSettings()).Run(context.Background(), bc)
	require.NoError(t, err)

	byName := make(map[string][]sdktrace.ReadOnlySpan)
	for _, span := range rec.Ended() {
		byName[span.Name()] = append(byName[span.Name()], span)
	}

	require.Len(t, byName["run home"], 1)
	require.Len(t, byName["build home"], 1)
	run, build := byName["run home"][0], byName["build home"][0]
	assert.Equal(t, run.SpanContext().SpanID(), build.Parent().SpanID())
	assert.NotEqual(t, codes.Error, build.Status().Code)

	loaderSpans := byName["loader "+bundleconfig.LoaderBabel]
	require.NotEmpty(t, loaderSpans)
	for _, span := range loaderSpans {
		assert.Equal(t, build.SpanContext().SpanID(), span.Parent().SpanID())
	}
	assert.NotEmpty(t, byName["loader "+bundleconfig.LoaderCSS])
}

func TestRunner_Run_SpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	root, bc := homeProject(t)
	writeFile(t, root, "home/static/src/basic.js", "const = ;\n")

	_, err := NewRunner(testSettings()).Run(context.Background(), bc)
	require.Error(t, err)

	var runStatus, buildStatus codes.Code
	for _, span := range rec.Ended() {
		switch span.Name() {
		case "run home":
			runStatus = span.Status().Code
		case "build home":
			buildStatus = span.Status().Code
		}
	}
	assert.Equal(t, codes.Error, runStatus)
	assert.Equal(t, codes.Error, buildStatus)
}

type watchedBuild struct {
	result *Result
	err    error
}

func nextBuild(t *testing.T, builds <-chan watchedBuild) watchedBuild {
	t.Helper()
	select {
	case b := <-builds:
		return b
	case <-time.After(30 * time.Second):
		require.FailNow(t, "timed out waiting for a build")
		return watchedBuild{}
	}
}

func TestRunner_Watch(t *testing.T) {
	root, bc := homeProject(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builds := make(chan watchedBuild, 16)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- NewRunner(testSettings()).Watch(ctx, bc, func(res *Result, err error) {
			builds <- watchedBuild{result: res, err: err}
		})
	}()

	first := nextBuild(t, builds)
	require.NoError(t, first.err)
	require.Contains(t, first.result.Sizes, "basic")
	before := first.result.Sizes["basic"]

	writeFile(t, root, "home/static/src/basic.js",
		`console.log("rebuilt after a change with a noticeably longer message than before");`+"\n")

	second := nextBuild(t, builds)
	require.NoError(t, second.err)
	after := second.result.Sizes["basic"]
	assert.NotEqual(t, before, after)
	assert.Contains(t, readFile(t, root, "home/static/dist/home/basic.js"), "rebuilt after a change")

	f, err := stats.Load(bc.StatsPath())
	require.NoError(t, err)
	assert.Equal(t, stats.StatusDone, f.Status)
	require.Len(t, f.Chunks["basic"], 1)
	info, err := os.Stat(f.Chunks["basic"][0].Path)
	require.NoError(t, err)
	assert.Equal(t, after, info.Size())

	cancel()
	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "Watch did not return after cancellation")
	}
}

func TestRunner_BuildOptions(t *testing.T) {
	root, bc := homeProject(t)
	bc.Resolve.Modules = []string{"node_modules", "vendor"}

	settings := testSettings()
	settings.Minify = true
	settings.Sourcemap = true

	opts, err := NewRunner(settings).BuildOptions(bc)
	require.NoError(t, err)

	assert.Equal(t, root, opts.AbsWorkingDir)
	assert.Equal(t, filepath.Join(root, "home/static/dist/home"), opts.Outdir)
	require.Len(t, opts.EntryPointsAdvanced, 2)
	assert.Equal(t, "imports", opts.EntryPointsAdvanced[0].OutputPath)
	assert.Equal(t, filepath.Join(root, "home/static/src/imports.js"), opts.EntryPointsAdvanced[0].InputPath)
	assert.Equal(t, "basic", opts.EntryPointsAdvanced[1].OutputPath)
	assert.Equal(t, []string{filepath.Join(root, "vendor")}, opts.NodePaths)
	assert.True(t, opts.MinifyWhitespace)
	assert.Len(t, opts.Engines, 4)

	// alias, component and rule plugins; no tracking outside Run
	assert.Len(t, opts.Plugins, 3)
}

func TestFilenameStem(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
		wantErr bool
	}{
		{pattern: "[name].js", want: "[name]"},
		{pattern: "js/[name].bundle.js", want: "js/[name].bundle"},
		{pattern: "bundle.js", wantErr: true},
		{pattern: "[name].[hash].js", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := filenameStem(tt.pattern)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnsupportedFilename))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckStylesheetFilename(t *testing.T) {
	bc, err := bundleconfig.Build("home")
	require.NoError(t, err)
	assert.NoError(t, checkStylesheetFilename(bc))

	bc.Plugins[2].Filename = "css/[name].css"
	assert.True(t, errors.Is(checkStylesheetFilename(bc), ErrUnsupportedFilename))
}

func TestCollectChunks(t *testing.T) {
	meta := &Metafile{
		Outputs: map[string]MetafileOutput{
			"home/static/dist/home/imports.js": {
				Bytes:      100,
				EntryPoint: "home/static/src/imports.js",
				CSSBundle:  "home/static/dist/home/imports.css",
			},
			"home/static/dist/home/imports.css":    {Bytes: 20, EntryPoint: "home/static/src/imports.js"},
			"home/static/dist/home/imports.js.map": {Bytes: 300},
			"home/static/dist/home/nested/index.js": {
				Bytes:      50,
				EntryPoint: "home/static/src/nested/index.js",
			},
			"home/static/dist/home/chunk-ABC.js": {Bytes: 10},
		},
	}

	chunks, sizes, err := collectChunks(meta, "/srv", "/srv/home/static/dist/home")
	require.NoError(t, err)

	assert.Equal(t, []string{"imports.js", "imports.css"}, chunkNames(chunks["imports"]))
	assert.Equal(t, []string{"nested/index.js"}, chunkNames(chunks["nested/index"]))
	assert.Len(t, chunks, 2)
	assert.Equal(t, int64(120), sizes["imports"])
	assert.Equal(t, "/srv/home/static/dist/home/imports.css", chunks["imports"][1].Path)
}

func TestNodePaths(t *testing.T) {
	got := nodePaths([]string{"node_modules", "vendor", "/opt/js"}, "/srv")
	assert.Equal(t, []string{"/srv/vendor", "/opt/js"}, got)
}

func TestParseEngines(t *testing.T) {
	engines, err := parseEngines([]string{"chrome58", "safari11.1"})
	require.NoError(t, err)
	require.Len(t, engines, 2)
	assert.Equal(t, "11.1", engines[1].Version)

	_, err = parseEngines([]string{"netscape4"})
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	_, err := parseTarget("es2020")
	assert.NoError(t, err)

	_, err = parseTarget("es3")
	assert.Error(t, err)
}
