package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
	"github.com/kwv/tudoscan/mesh"
	"github.com/tdewolff/canvas"
)

const (
	defaultConfigFile = "config.yaml"
	defaultCacheFile  = mesh.DefaultCalibrationCachePath
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	Calibration  *mesh.CalibrationData
	StateTracker *mesh.StateTracker
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher
	Aligner      *mesh.ScanAligner

	// CLI Flags (effectively dependencies)
	DataDir          string
	ConfigFile       string
	CalibrationCache string
	RotateAll        float64
	ForceRotation    string
	Reference        string
	OutputFile       string
	RenderFormat     string
	VectorFormat     string
	PlotFile         string
	GridSpacing      float64
	Tolerance        float64
	MinInterval      time.Duration
	HttpPort         int
	MqttMode         bool
	HttpMode         bool
	Verbose          bool

	out io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: mesh.NewStateTracker(),
		DataDir:      ".",
		out:          os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.CalibrationCache = opts.CalibrationCache
	a.RotateAll = opts.RotateAll
	a.ForceRotation = opts.ForceRotation
	a.Reference = opts.Reference
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.VectorFormat = opts.VectorFormat
	a.PlotFile = opts.PlotFile
	a.GridSpacing = opts.GridSpacing
	a.Tolerance = opts.Tolerance
	a.MinInterval = opts.MinInterval
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.Verbose = opts.Verbose
}

// resolvePaths returns the config and cache paths. Paths still at their
// defaults are resolved relative to the data directory.
func (a *App) resolvePaths() (configPath, cachePath string) {
	configPath, cachePath = a.ConfigFile, a.CalibrationCache
	if configPath == "" {
		configPath = defaultConfigFile
	}
	if cachePath == "" {
		cachePath = defaultCacheFile
	}
	if a.DataDir != "" && a.DataDir != "." {
		if configPath == defaultConfigFile {
			configPath = filepath.Join(a.DataDir, defaultConfigFile)
		}
		if cachePath == defaultCacheFile {
			cachePath = filepath.Join(a.DataDir, defaultCacheFile)
		}
	}
	return configPath, cachePath
}

// loadOptionalConfig loads the config if the file exists. Offline commands
// run without one; --force-rotation is applied on top.
func (a *App) loadOptionalConfig(path string) (*mesh.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	config, err := mesh.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	a.applyForceRotation(config)
	return config, nil
}

func (a *App) applyForceRotation(config *mesh.Config) {
	if a.ForceRotation == "" || config == nil {
		return
	}
	rotations := mesh.BuildForceRotationMap(a.ForceRotation)
	mesh.ApplyForceRotation(config, rotations)
	for id, deg := range rotations {
		log.Printf("Forcing initial rotation for %s: %.1f°", id, deg)
	}
}

// RunAlign aligns one scan file onto another and prints the result
func (a *App) RunAlign(source, target string) {
	if err := a.align(source, target); err != nil {
		log.Fatalf("Alignment failed: %v", err)
	}
}

func (a *App) align(source, target string) error {
	src, err := cloud.ParseScanFile(source)
	if err != nil {
		return fmt.Errorf("loading source %s: %w", source, err)
	}
	tgt, err := cloud.ParseScanFile(target)
	if err != nil {
		return fmt.Errorf("loading target %s: %w", target, err)
	}

	configPath, _ := a.resolvePaths()
	config, err := a.loadOptionalConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if config == nil {
		config = &mesh.Config{ICP: icp.DefaultConfig()}
	}

	srcID := mesh.ScanIDFromPath(source)
	fmt.Fprintf(a.out, "Source: %s (%d points, %dD)\n", source, src.Len(), src.Dim())
	fmt.Fprintf(a.out, "Target: %s (%d points, %dD)\n", target, tgt.Len(), tgt.Dim())

	if src, err = mesh.PrepareScan(src, config); err != nil {
		return err
	}
	if tgt, err = mesh.PrepareScan(tgt, config); err != nil {
		return err
	}

	if a.Verbose {
		config.ICP.Logger = log.Printf
	}
	res, err := icp.Align(src, tgt, mesh.InitialGuess(config, srcID, src.Dim()), config.ICP)
	printResult(a.out, res)
	if err != nil {
		return err
	}

	if a.PlotFile != "" {
		histories := map[string][]icp.IterationStats{srcID: res.History}
		if err := writePlot(a.PlotFile, histories, nil); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Convergence plot saved to %s\n", a.PlotFile)
	}
	return nil
}

func printResult(w io.Writer, res icp.Result[float64]) {
	fmt.Fprintf(w, "\nState:      %s\n", res.State)
	fmt.Fprintf(w, "Iterations: %d\n", res.Iterations)
	fmt.Fprintf(w, "Mean error: %.6g\n", res.MeanError)
	if res.Transform.Dim() == 0 {
		return
	}
	fmt.Fprintln(w, "Rotation:")
	for _, row := range res.Transform.Rotation() {
		fmt.Fprintf(w, "  %v\n", formatRow(row))
	}
	fmt.Fprintf(w, "Translation: %v\n", formatRow(res.Transform.Translation()))
	if res.Transform.Dim() == 2 {
		fmt.Fprintf(w, "Angle:      %.3f°\n", res.Transform.Angle2D()*180/math.Pi)
	}
}

func formatRow(row []float64) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = fmt.Sprintf("%10.6f", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func writePlot(path string, histories map[string][]icp.IterationStats, colors map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating plot file: %w", err)
	}
	if err := mesh.PlotConvergence(f, histories, colors); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RunCalibration aligns every scan in the data directory onto the reference
// and writes the calibration cache
func (a *App) RunCalibration() {
	if err := a.calibrate(); err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}
}

func (a *App) calibrate() error {
	configPath, cachePath := a.resolvePaths()

	scans := mesh.LoadScanDir(a.DataDir)
	if len(scans) < 2 {
		return fmt.Errorf("need at least 2 scans in %s, found %d", a.DataDir, len(scans))
	}
	fmt.Fprintf(a.out, "Loaded %d scans from %s\n", len(scans), a.DataDir)

	config, err := a.loadOptionalConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	refID := a.Reference
	if refID == "" {
		refID = mesh.GetEffectiveReference(config, nil, scans)
	}
	fmt.Fprintf(a.out, "Reference robot: %s\n\n", refID)

	cal, results, err := mesh.CalibrateRobots(scans, refID, config)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%-20s %-24s %6s %12s %10s\n", "ROBOT", "STATE", "ITER", "MEAN ERROR", "ANGLE")
	for _, id := range slices.Sorted(maps.Keys(results)) {
		res := results[id]
		angle := "-"
		if res.Transform.Dim() == 2 {
			angle = fmt.Sprintf("%.2f°", res.Transform.Angle2D()*180/math.Pi)
		}
		fmt.Fprintf(a.out, "%-20s %-24s %6d %12.6g %10s\n", id, res.State, res.Iterations, res.MeanError, angle)
	}

	if err := mesh.SaveCalibration(cachePath, cal); err != nil {
		return err
	}
	a.Calibration = cal
	fmt.Fprintf(a.out, "\nCalibration saved to %s\n", cachePath)

	expected := slices.Sorted(maps.Keys(scans))
	if config != nil {
		expected = config.RobotIDs()
	}
	status := cal.GetStatus(expected)
	if len(status.MissingRobots) > 0 {
		fmt.Fprintf(a.out, "Missing: %s\n", strings.Join(status.MissingRobots, ", "))
	}
	for _, id := range slices.Sorted(maps.Keys(status.Errors)) {
		fmt.Fprintf(a.out, "Warning: %s %s\n", id, status.Errors[id])
	}

	if a.PlotFile != "" {
		histories := make(map[string][]icp.IterationStats, len(results))
		for id, res := range results {
			histories[id] = res.History
		}
		if err := writePlot(a.PlotFile, histories, robotColors(config)); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Convergence plot saved to %s\n", a.PlotFile)
	}
	return nil
}

// RunRender renders the aligned scans as a raster overlay, vector drawing,
// or GeoJSON
func (a *App) RunRender() {
	if err := a.render(); err != nil {
		log.Fatalf("Render failed: %v", err)
	}
}

func (a *App) render() error {
	switch a.RenderFormat {
	case "", "raster", "vector", "geojson":
	default:
		return fmt.Errorf("unknown render format %q (want raster, vector, or geojson)", a.RenderFormat)
	}
	configPath, cachePath := a.resolvePaths()

	scans := mesh.LoadScanDir(a.DataDir)
	if len(scans) == 0 {
		return fmt.Errorf("no scans found in %s", a.DataDir)
	}

	config, err := a.loadOptionalConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cache, err := mesh.LoadCalibration(cachePath)
	if err != nil {
		log.Printf("Warning: Failed to load calibration cache %s: %v", cachePath, err)
	}
	if cache == nil {
		log.Printf("Warning: No calibration cache at %s; scans are drawn unaligned", cachePath)
	}

	refID := a.Reference
	if refID == "" {
		refID = mesh.GetEffectiveReference(config, cache, scans)
	}
	colors := robotColors(config)

	out, err := os.Create(a.OutputFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer out.Close()

	switch a.RenderFormat {
	case "geojson":
		fc := mesh.ExportGeoJSON(scans, cache, colors, a.Tolerance)
		data, err := fc.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encoding GeoJSON: %w", err)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "GeoJSON with %d features saved to %s\n", len(fc.Features), a.OutputFile)
		return nil

	case "vector":
		vr := mesh.NewVectorRenderer(mesh.BuildLayers(scans, cache, refID, colors))
		vr.GlobalRotation = a.RotateAll
		vr.GridSpacing = a.GridSpacing
		if config != nil && config.VectorResolution > 0 {
			vr.Resolution = canvas.DPI(config.VectorResolution)
		}
		if a.VectorFormat == "png" {
			err = vr.RenderToPNG(out)
		} else {
			err = vr.RenderToSVG(out)
		}
		if err != nil {
			return err
		}

	case "", "raster":
		renderer := mesh.NewCompositeRenderer(mesh.BuildLayers(scans, cache, refID, colors))
		renderer.GlobalRotation = a.RotateAll
		if !renderer.HasDrawableContent() {
			return fmt.Errorf("no 2D scans to draw")
		}
		if err := encodePNG(out, renderer); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.out, "Overlay of %d scans saved to %s (reference: %s)\n", len(scans), a.OutputFile, refID)
	return nil
}

// RunService runs the MQTT and/or HTTP service until interrupted
func (a *App) RunService() {
	fmt.Fprintln(a.out, "Starting tudoscan service...")

	configPath, cachePath := a.resolvePaths()
	if err := a.prepareService(configPath, cachePath); err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, configPath)
	}
	config := a.Config

	if a.MqttMode {
		mqttClient, err := mesh.InitMQTT(config, a.Aligner.OnScan)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient

		a.Publisher = mesh.NewPublisher(mqttClient.GetClient(), config.MQTT.PublishPrefix)
		a.Aligner.SetPublisher(a.Publisher)
		fmt.Fprintln(a.out, "MQTT alignment publisher initialized")
	}

	if a.HttpMode {
		httpServer := newHTTPServer(a.StateTracker, a.Aligner, config, a.RotateAll)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.MqttMode {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintln(a.out, "  Subscribed topics:")
		for _, rc := range config.Robots {
			fmt.Fprintf(a.out, "    - %s (%s)\n", rc.Topic, rc.ID)
		}
		prefix := a.Publisher.Prefix()
		fmt.Fprintf(a.out, "  Publishing to: %s/{robotID}/transform\n", prefix)
		fmt.Fprintf(a.out, "  Combined transforms: %s/transforms\n", prefix)
	}

	if a.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.out, "  GET /health                 - Health check")
		fmt.Fprintln(a.out, "  GET /transforms             - Calibration cache and alignment status")
		fmt.Fprintln(a.out, "  GET /overlay.png            - Raster overlay of aligned scans")
		fmt.Fprintln(a.out, "  GET /overlay.svg            - Vector overlay of aligned scans")
		fmt.Fprintln(a.out, "  GET /aligned.geojson        - Aligned scans as GeoJSON")
		fmt.Fprintln(a.out, "  GET /convergence.png[?robot=ID] - ICP convergence plot")
	}

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(a.out, "\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.out, "Service stopped")
}

// prepareService loads the config and cache, seeds the state tracker from
// scans on disk, and creates the aligner.
func (a *App) prepareService(configPath, cachePath string) error {
	config, err := mesh.LoadConfig(configPath)
	if err != nil {
		return err
	}
	a.applyForceRotation(config)
	if a.Reference != "" {
		config.Reference = a.Reference
	}
	a.Config = config
	log.Printf("Loaded config from %s", configPath)

	cache, err := mesh.LoadCalibration(cachePath)
	switch {
	case err != nil:
		log.Printf("Warning: Failed to load calibration cache %s: %v", cachePath, err)
	case cache != nil:
		log.Printf("Loaded calibration cache from %s", cachePath)
	default:
		log.Printf("Warning: No calibration cache found at %s. Robots are aligned as scans arrive.", cachePath)
	}
	a.Calibration = cache

	for _, rc := range config.Robots {
		if rc.Color != "" {
			a.StateTracker.SetColor(rc.ID, rc.Color)
		}
	}

	a.Aligner = mesh.NewScanAligner(config, cache, cachePath, a.DataDir, a.StateTracker, a.Publisher)
	a.Aligner.MinInterval = a.MinInterval

	initial := mesh.LoadScanDir(a.DataDir)
	if len(initial) == 0 {
		log.Println("Reference robot: (will auto-select on first scan)")
		return nil
	}

	refID := mesh.GetEffectiveReference(config, cache, initial)
	log.Printf("Reference robot: %s", refID)
	order := slices.Sorted(maps.Keys(initial))
	if _, ok := initial[refID]; ok {
		order = slices.DeleteFunc(order, func(id string) bool { return id == refID })
		order = append([]string{refID}, order...)
	}
	for _, id := range order {
		if _, err := a.Aligner.Process(id, initial[id]); err != nil {
			log.Printf("Warning: initial scan %s: %v", id, err)
		}
	}
	fmt.Fprintf(a.out, "Loaded %d initial scans from %s\n", len(initial), a.DataDir)
	return nil
}

// robotColors returns the configured hex color per robot.
func robotColors(config *mesh.Config) map[string]string {
	colors := make(map[string]string)
	if config == nil {
		return colors
	}
	for _, rc := range config.Robots {
		if rc.Color != "" {
			colors[rc.ID] = rc.Color
		}
	}
	return colors
}
