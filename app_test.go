package main

import (
	"bytes"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/mesh"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testScans returns a reference scan and a second scan that truth maps onto it.
func testScans() (reference, other *cloud.PointSet[float64], truth cloud.RigidTransform[float64]) {
	other = cloud.RandomCloud[float64](2, 100, -10, 10, 1)
	truth = cloud.Rotation2D[float64](0.02, 0.1, -0.05)
	return truth.ApplyAll(other), other, truth
}

// saveScan writes ps to dir in the scan-<id>.json format and returns the path.
func saveScan(t *testing.T, dir, id string, ps *cloud.PointSet[float64]) string {
	t.Helper()
	path := filepath.Join(dir, mesh.ScanFileName(id))
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create scan file: %v", err)
	}
	defer f.Close()
	if err := cloud.EncodeScanJSON(f, id, ps); err != nil {
		t.Fatalf("Failed to encode scan: %v", err)
	}
	return path
}

// newTestApp returns an App reading scans from dir and writing its report to out.
func newTestApp(dir string, out *bytes.Buffer) *App {
	app := NewApp()
	app.ApplyOptions(AppOptions{
		DataDir:          dir,
		ConfigFile:       "config.yaml",
		CalibrationCache: ".calibration-cache.json",
		OutputFile:       filepath.Join(dir, "overlay.png"),
		RenderFormat:     "raster",
		VectorFormat:     "svg",
	})
	app.out = out
	return app
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.StateTracker == nil {
		t.Error("StateTracker should be initialized")
	}
	if app.out == nil {
		t.Error("output writer should default to stdout")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		DataDir:          "/test/data",
		ConfigFile:       "test-config.yaml",
		CalibrationCache: ".test-cache.json",
		RotateAll:        90.0,
		ForceRotation:    "rover-b=180",
		Reference:        "rover-a",
		OutputFile:       "out.svg",
		RenderFormat:     "vector",
		VectorFormat:     "svg",
		PlotFile:         "plot.png",
		GridSpacing:      2.5,
		Tolerance:        0.1,
		MinInterval:      time.Minute,
		HttpPort:         9000,
		MqttMode:         true,
		HttpMode:         true,
	}
	app.ApplyOptions(opts)

	assert.Equal(t, "/test/data", app.DataDir)
	assert.Equal(t, "test-config.yaml", app.ConfigFile)
	assert.Equal(t, ".test-cache.json", app.CalibrationCache)
	assert.Equal(t, 90.0, app.RotateAll)
	assert.Equal(t, "rover-b=180", app.ForceRotation)
	assert.Equal(t, "rover-a", app.Reference)
	assert.Equal(t, "out.svg", app.OutputFile)
	assert.Equal(t, "vector", app.RenderFormat)
	assert.Equal(t, "svg", app.VectorFormat)
	assert.Equal(t, "plot.png", app.PlotFile)
	assert.Equal(t, 2.5, app.GridSpacing)
	assert.Equal(t, 0.1, app.Tolerance)
	assert.Equal(t, time.Minute, app.MinInterval)
	assert.Equal(t, 9000, app.HttpPort)
	assert.True(t, app.MqttMode)
	assert.True(t, app.HttpMode)
}

func TestResolvePaths(t *testing.T) {
	tests := []struct {
		name       string
		dataDir    string
		config     string
		cache      string
		wantConfig string
		wantCache  string
	}{
		{"defaults in cwd", ".", "config.yaml", ".calibration-cache.json", "config.yaml", ".calibration-cache.json"},
		{"defaults follow data dir", "/data", "config.yaml", ".calibration-cache.json", "/data/config.yaml", "/data/.calibration-cache.json"},
		{"explicit paths kept", "/data", "/etc/tudoscan.yaml", "/var/cache.json", "/etc/tudoscan.yaml", "/var/cache.json"},
		{"empty falls back to defaults", "", "", "", "config.yaml", ".calibration-cache.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &App{DataDir: tt.dataDir, ConfigFile: tt.config, CalibrationCache: tt.cache}
			gotConfig, gotCache := app.resolvePaths()
			if gotConfig != tt.wantConfig {
				t.Errorf("config = %s, want %s", gotConfig, tt.wantConfig)
			}
			if gotCache != tt.wantCache {
				t.Errorf("cache = %s, want %s", gotCache, tt.wantCache)
			}
		})
	}
}

func TestApp_Align(t *testing.T) {
	dir := t.TempDir()
	ref, other, _ := testScans()
	target := saveScan(t, dir, "alpha", ref)
	source := saveScan(t, dir, "beta", other)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	app.PlotFile = filepath.Join(dir, "convergence.png")

	require.NoError(t, app.align(source, target))

	report := out.String()
	assert.Contains(t, report, "Source: "+source+" (100 points, 2D)")
	assert.Contains(t, report, "State:      converged")
	assert.Contains(t, report, "Angle:      1.146°")
	assert.Contains(t, report, "Convergence plot saved to")

	f, err := os.Open(app.PlotFile)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	assert.NoError(t, err)
}

func TestApp_Align_Verbose(t *testing.T) {
	dir := t.TempDir()
	ref, other, _ := testScans()
	target := saveScan(t, dir, "alpha", ref)
	source := saveScan(t, dir, "beta", other)

	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	app.Verbose = true
	require.NoError(t, app.align(source, target))

	assert.Contains(t, logs.String(), "[ICP] iteration 1:")
}

func TestApp_Align_Errors(t *testing.T) {
	dir := t.TempDir()
	ref, _, _ := testScans()
	target := saveScan(t, dir, "alpha", ref)

	var out bytes.Buffer
	app := newTestApp(dir, &out)

	assert.Error(t, app.align(filepath.Join(dir, "missing.json"), target))
	assert.Error(t, app.align(target, filepath.Join(dir, "missing.json")))

	solid := saveScan(t, dir, "solid", cloud.RandomCloud[float64](3, 20, 0, 1, 2))
	err := app.align(solid, target)
	assert.Error(t, err, "3D source against 2D target")
}

func TestApp_Align_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	ref, other, _ := testScans()
	target := saveScan(t, dir, "alpha", ref)
	source := saveScan(t, dir, "beta", other)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("robots: [oops"), 0644))

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	assert.Error(t, app.align(source, target))
}

func TestApp_Calibrate(t *testing.T) {
	dir := t.TempDir()
	ref, other, truth := testScans()
	saveScan(t, dir, "alpha", ref)
	saveScan(t, dir, "beta", other)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	app.PlotFile = filepath.Join(dir, "calibration.png")

	require.NoError(t, app.calibrate())

	report := out.String()
	assert.Contains(t, report, "Loaded 2 scans")
	assert.Contains(t, report, "Reference robot: alpha")
	assert.Contains(t, report, "Calibration saved to "+filepath.Join(dir, ".calibration-cache.json"))
	assert.NotContains(t, report, "Missing:")

	cal, err := mesh.LoadCalibration(filepath.Join(dir, ".calibration-cache.json"))
	require.NoError(t, err)
	require.NotNil(t, cal)
	assert.Equal(t, "alpha", cal.ReferenceRobot)
	beta := cal.GetRobotCalibration("beta")
	require.NotNil(t, beta)
	assert.True(t, beta.Converged)
	assert.True(t, beta.Transform.ApproxEqual(truth, 1e-6))
	assert.NotNil(t, app.Calibration)

	_, err = os.Stat(app.PlotFile)
	assert.NoError(t, err)
}

func TestApp_Calibrate_ConfigReportsMissingRobots(t *testing.T) {
	dir := t.TempDir()
	ref, other, _ := testScans()
	saveScan(t, dir, "alpha", ref)
	saveScan(t, dir, "beta", other)

	configYAML := `reference: alpha
robots:
  - id: alpha
    topic: robots/alpha/scan
  - id: beta
    topic: robots/beta/scan
  - id: gamma
    topic: robots/gamma/scan
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0644))

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	require.NoError(t, app.calibrate())

	assert.Contains(t, out.String(), "Missing: gamma")
}

func TestApp_Calibrate_ReferenceOverride(t *testing.T) {
	dir := t.TempDir()
	ref, other, _ := testScans()
	saveScan(t, dir, "alpha", ref)
	saveScan(t, dir, "beta", other)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	app.Reference = "missing"
	assert.Error(t, app.calibrate())
}

func TestApp_Calibrate_NeedsTwoScans(t *testing.T) {
	dir := t.TempDir()
	ref, _, _ := testScans()
	saveScan(t, dir, "alpha", ref)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	err := app.calibrate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 2 scans")
}

// calibratedDir returns a data directory holding two scans and their
// calibration cache.
func calibratedDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ref, other, _ := testScans()
	saveScan(t, dir, "alpha", ref)
	saveScan(t, dir, "beta", other)

	var out bytes.Buffer
	require.NoError(t, newTestApp(dir, &out).calibrate())
	return dir
}

func TestApp_Render_Raster(t *testing.T) {
	dir := calibratedDir(t)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	app.RotateAll = 90
	require.NoError(t, app.render())
	assert.Contains(t, out.String(), "Overlay of 2 scans saved to")
	assert.Contains(t, out.String(), "(reference: alpha)")

	f, err := os.Open(app.OutputFile)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 100)
}

func TestApp_Render_Vector(t *testing.T) {
	dir := calibratedDir(t)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	app.RenderFormat = "vector"
	app.OutputFile = filepath.Join(dir, "overlay.svg")
	app.GridSpacing = 5
	require.NoError(t, app.render())

	data, err := os.ReadFile(app.OutputFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "<svg"), "output should be an SVG document")

	app.VectorFormat = "png"
	app.OutputFile = filepath.Join(dir, "overlay-vector.png")
	require.NoError(t, app.render())
	f, err := os.Open(app.OutputFile)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	assert.NoError(t, err)
}

func TestApp_Render_GeoJSON(t *testing.T) {
	dir := calibratedDir(t)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	app.RenderFormat = "geojson"
	app.OutputFile = filepath.Join(dir, "aligned.geojson")
	require.NoError(t, app.render())
	assert.Contains(t, out.String(), "GeoJSON with 4 features")

	data, err := os.ReadFile(app.OutputFile)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 4)
}

func TestApp_Render_Errors(t *testing.T) {
	var out bytes.Buffer

	app := newTestApp(t.TempDir(), &out)
	assert.Error(t, app.render(), "no scans")

	dir := calibratedDir(t)
	app = newTestApp(dir, &out)
	app.RenderFormat = "pdf"
	app.OutputFile = filepath.Join(dir, "overlay.pdf")
	assert.Error(t, app.render())
	_, err := os.Stat(app.OutputFile)
	assert.True(t, os.IsNotExist(err), "unknown format should not create the output file")
}

func TestApp_Render_WithoutCache(t *testing.T) {
	dir := t.TempDir()
	ref, other, _ := testScans()
	saveScan(t, dir, "alpha", ref)
	saveScan(t, dir, "beta", other)

	var out bytes.Buffer
	app := newTestApp(dir, &out)
	require.NoError(t, app.render())
	_, err := os.Stat(app.OutputFile)
	assert.NoError(t, err)
}

func TestRobotColors(t *testing.T) {
	assert.Empty(t, robotColors(nil))

	config := &mesh.Config{Robots: []mesh.RobotConfig{
		{ID: "alpha", Color: "#FF0000"},
		{ID: "beta"},
	}}
	assert.Equal(t, map[string]string{"alpha": "#FF0000"}, robotColors(config))
}
