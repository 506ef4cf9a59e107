package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nci/gsky-openeo/utils"
)

type recordingLogger struct {
	mu      sync.Mutex
	records []*MetricsInfo
}

func (r *recordingLogger) Log(info *MetricsInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, info)
}

func TestMetricsCollector(t *testing.T) {
	rec := &recordingLogger{}
	a := NewMetricsCollector(rec)
	b := NewMetricsCollector(rec)

	assert.NotEmpty(t, a.Info.ReqID)
	assert.NotEqual(t, a.Info.ReqID, b.Info.ReqID)
	require.NotNil(t, a.Info.Stack)
	require.NotNil(t, a.Info.RPC)

	a.Log()
	require.Len(t, rec.records, 1)
	assert.Same(t, a.Info, rec.records[0])

	// a collector without a logger is inert
	NewMetricsCollector(nil).Log()
}

func TestToJSON(t *testing.T) {
	info := NewMetricsCollector(nil).Info
	info.Operation = "pixel_selection"
	info.RemoteAddr = "10.0.0.1:4242"
	info.Footprint = utils.BBoxGeometry([]float64{0, 0, 1, 1}, utils.WGS84)
	info.Stack.NumTimestamps = 3
	info.Stack.EarlyTerminated = true

	out, err := info.ToJSON()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "pixel_selection", decoded["operation"])
	assert.Equal(t, "10.0.0.1", decoded["remote_host"])
	assert.Equal(t, "4242", decoded["remote_port"])
	assert.InDelta(t, 1.0, decoded["geometry_area"], 1e-9)
	assert.True(t, strings.HasPrefix(decoded["geometry"].(string), "MULTIPOLYGON"))
	assert.NotContains(t, decoded, "Footprint")

	stack := decoded["stack"].(map[string]interface{})
	assert.Equal(t, 3.0, stack["num_timestamps"])
	assert.Equal(t, true, stack["early_terminated"])
}

func TestToJSONGeometry(t *testing.T) {
	info := NewMetricsCollector(nil).Info
	_, err := info.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, "POLYGON EMPTY", info.Geometry)

	// footprints are reported in lon/lat
	info = NewMetricsCollector(nil).Info
	info.Footprint = utils.BBoxGeometry([]float64{0, 0, 111319.49079327357, 111325.14286638486}, "EPSG:3857")
	_, err = info.ToJSON()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, info.GeometryArea, 1e-6)

	// an address without a port is kept as the host
	info = NewMetricsCollector(nil).Info
	info.RemoteAddr = "bufconn"
	_, err = info.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, "bufconn", info.RemoteHost)
	assert.Empty(t, info.RemotePort)
}

func TestMultiLogger(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	info := NewMetricsCollector(nil).Info
	MultiLogger{a, b}.Log(info)
	assert.Len(t, a.records, 1)
	assert.Len(t, b.records, 1)
}

func readRecords(t *testing.T, filename string) []map[string]interface{} {
	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "metrics")
	logger, err := NewFileLogger(dir, 0, 0, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c := NewMetricsCollector(logger)
		c.Info.Operation = "reduce_temporal"
		c.Log()
	}
	logger.Close()
	logger.Close()

	records := readRecords(t, filepath.Join(dir, "metrics.log"))
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, "reduce_temporal", r["operation"])
	}
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(dir, 1, 3, true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		NewMetricsCollector(logger).Log()
	}
	logger.Close()

	// every write after the first rotates
	for _, name := range []string{"metrics.log.0", "metrics.log.1", "metrics.log.2"} {
		_, err = os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(dir, "metrics.log.3"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Len(t, readRecords(t, filepath.Join(dir, "metrics.log")), 1)
}

func TestPrometheus(t *testing.T) {
	p := NewPrometheus()

	ok := NewMetricsCollector(p)
	ok.Info.Operation = "read_tile"
	ok.Info.ReqDuration = 20 * time.Millisecond
	ok.Info.Stack.NumRealized = 4
	ok.Info.Stack.EarlyTerminated = true
	ok.Info.RPC.NumTiles = 2
	ok.Info.RPC.CacheHits = 1
	ok.Log()

	failed := NewMetricsCollector(p)
	failed.Info.Operation = "read_tile"
	failed.Info.Error = "asset not found"
	failed.Log()

	NewMetricsCollector(p).Log()

	families, err := p.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, `gsky_openeo_operations_total{operation="read_tile"} 2`)
	assert.Contains(t, body, `gsky_openeo_operations_total{operation="unknown"} 1`)
	assert.Contains(t, body, `gsky_openeo_operation_errors_total{operation="read_tile"} 1`)
	assert.Contains(t, body, "gsky_openeo_images_realized_total 4")
	assert.Contains(t, body, "gsky_openeo_early_terminations_total 1")
	assert.Contains(t, body, "gsky_openeo_tiles_served_total 2")
	assert.Contains(t, body, "gsky_openeo_tile_cache_hits_total 1")
	assert.Contains(t, body, "gsky_openeo_operation_duration_seconds_count{operation=\"read_tile\"} 2")
}
