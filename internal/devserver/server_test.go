package devserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
	"github.com/mass-aquaponics/assetpipe/internal/stats"
)

func setupServer(t *testing.T, opts Options) (*Server, *bundleconfig.Config) {
	t.Helper()
	root := t.TempDir()

	bc, err := bundleconfig.Build("home", "imports.js", "basic.js")
	require.NoError(t, err)
	bc = bc.WithContext(root)

	return New([]*bundleconfig.Config{bc}, opts), bc
}

func writeOutput(t *testing.T, bc *bundleconfig.Config, name, content string) {
	t.Helper()
	p := filepath.Join(bc.OutputDir(), filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0750))
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
}

func get(t *testing.T, s *Server, target string) (*http.Response, string) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(body)
}

func TestServer_Health(t *testing.T) {
	s, _ := setupServer(t, Options{})

	resp, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status        string   `json:"status"`
		Apps          []string `json:"apps"`
		ReloadClients int      `json:"reload_clients"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"home"}, health.Apps)
	assert.Zero(t, health.ReloadClients)
}

func TestServer_Static(t *testing.T) {
	s, bc := setupServer(t, Options{})
	writeOutput(t, bc, "basic.js", "console.log('basic');")
	writeOutput(t, bc, "imports.css", ".banner{}")

	resp, body := get(t, s, "/static/dist/home/basic.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('basic');", body)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	resp, _ = get(t, s, "/static/dist/home/imports.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")

	// rebuilt files are served right away
	writeOutput(t, bc, "basic.js", "console.log('rebuilt');")
	_, body = get(t, s, "/static/dist/home/basic.js")
	assert.Equal(t, "console.log('rebuilt');", body)
}

func TestServer_StaticNotFound(t *testing.T) {
	s, bc := setupServer(t, Options{})
	writeOutput(t, bc, "basic.js", "1;")
	require.NoError(t, os.WriteFile(filepath.Join(bc.Context, "secret.txt"), []byte("secret"), 0600))

	for _, target := range []string{
		"/static/dist/home/missing.js",
		"/static/dist/blog/basic.js",
		"/static/dist/home/..%2F..%2F..%2F..%2Fsecret.txt",
	} {
		t.Run(target, func(t *testing.T) {
			resp, body := get(t, s, target)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.NotContains(t, body, "secret")
		})
	}
}

func TestServer_Stats(t *testing.T) {
	s, bc := setupServer(t, Options{})

	resp, body := get(t, s, "/__stats/home")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "not been built yet")

	tracker := stats.NewTracker(bc.StatsPath(), "/static/dist/home/")
	require.NoError(t, tracker.Done(map[string][]stats.Chunk{
		"basic": {{Name: "basic.js", Path: filepath.Join(bc.OutputDir(), "basic.js")}},
	}))

	resp, body = get(t, s, "/__stats/home")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var f stats.File
	require.NoError(t, json.Unmarshal([]byte(body), &f))
	assert.Equal(t, stats.StatusDone, f.Status)
	assert.Equal(t, "/static/dist/home/basic.js", f.Chunks["basic"][0].PublicPath)

	resp, _ = get(t, s, "/__stats/blog")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SetConfigs(t *testing.T) {
	s, bc := setupServer(t, Options{})

	blog, err := bundleconfig.Build("blog")
	require.NoError(t, err)
	s.SetConfigs([]*bundleconfig.Config{blog.WithContext(bc.Context)})

	_, body := get(t, s, "/healthz")
	assert.Contains(t, body, `"apps":["blog"]`)

	resp, _ := get(t, s, "/__stats/home")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	s, _ := setupServer(t, Options{})
	resp, _ := get(t, s, "/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	metrics := observability.NewMetrics()
	metrics.BuildStarted("home")(nil)

	s, _ = setupServer(t, Options{Metrics: metrics})
	resp, body := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `assetpipe_builds_total{app="home",status="success"} 1`)
}

func TestServer_CORS(t *testing.T) {
	s, bc := setupServer(t, Options{AllowOrigins: "http://localhost:8000"})
	writeOutput(t, bc, "basic.js", "1;")

	req := httptest.NewRequest(http.MethodGet, "/static/dist/home/basic.js", nil)
	req.Header.Set("Origin", "http://localhost:8000")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_ReloadRequiresUpgrade(t *testing.T) {
	s, _ := setupServer(t, Options{})

	resp, _ := get(t, s, "/__reload")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	s, _ := setupServer(t, Options{})

	assert.NotPanics(t, func() {
		s.NotifyBuild("home", nil)
	})
	assert.Zero(t, s.Hub().Count())
}

func TestServer_StaticETag(t *testing.T) {
	s, bc := setupServer(t, Options{})
	writeOutput(t, bc, "basic.js", "console.log('basic');")

	resp, _ := get(t, s, "/static/dist/home/basic.js")
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/static/dist/home/basic.js", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	// a rebuild changes the tag
	writeOutput(t, bc, "basic.js", "console.log('rebuilt');")
	req = httptest.NewRequest(http.MethodGet, "/static/dist/home/basic.js", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, etag, resp.Header.Get("ETag"))
}

func TestETagMatches(t *testing.T) {
	etag := contentETag([]byte("console.log('basic');"))

	tests := []struct {
		name        string
		ifNoneMatch string
		want        bool
	}{
		{"empty", "", false},
		{"wildcard", "*", true},
		{"exact", etag, true},
		{"weak", "W/" + etag, true},
		{"list", `"other", ` + etag, true},
		{"different", `"other"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, etagMatches(etag, tt.ifNoneMatch))
		})
	}
}

func TestServer_Tracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	s, bc := setupServer(t, Options{Tracing: true})
	writeOutput(t, bc, "basic.js", "1;")

	req := httptest.NewRequest(http.MethodGet, "/static/dist/home/basic.js", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", resp.Header.Get("X-Trace-ID"))

	get(t, s, "/static/dist/home/missing.js")
	get(t, s, "/healthz")

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", http.StatusOK))
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestServer_TracingDisabled(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	s, bc := setupServer(t, Options{})
	writeOutput(t, bc, "basic.js", "1;")

	resp, _ := get(t, s, "/static/dist/home/basic.js")
	assert.Empty(t, resp.Header.Get("X-Trace-ID"))
	assert.Empty(t, rec.Ended())
}
