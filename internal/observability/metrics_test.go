package observability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_BuildStarted(t *testing.T) {
	m := NewMetrics()

	done := m.BuildStarted("home")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildsInFlight))
	done(nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.buildsInFlight))

	m.BuildStarted("home")(errors.New("boom"))
	m.BuildStarted("blog")(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues("home", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues("home", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues("blog", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.buildDuration))
}

func TestMetrics_RecordBundleSize(t *testing.T) {
	m := NewMetrics()

	m.RecordBundleSize("home", "imports", 1024)
	m.RecordBundleSize("home", "imports", 2048)

	assert.Equal(t, 2048.0, testutil.ToFloat64(m.bundleBytes.WithLabelValues("home", "imports")))
}

func TestMetrics_WriteFile(t *testing.T) {
	m := NewMetrics()
	m.BuildStarted("home")(nil)
	m.RecordBundleSize("home", "basic", 512)

	path := filepath.Join(t.TempDir(), "assetpipe.prom")
	require.NoError(t, m.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `assetpipe_builds_total{app="home",status="success"} 1`)
	assert.Contains(t, string(data), `assetpipe_bundle_bytes{app="home",bundle="basic"} 512`)
}

func TestMetrics_Isolated(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.BuildStarted("home")(nil)

	assert.Equal(t, 0.0, testutil.ToFloat64(b.buildsTotal.WithLabelValues("home", "success")))
}
