package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line flags
type AppOptions struct {
	ConfigFile       string
	DataDir          string
	CalibrationCache string
	OutputFile       string
	RenderFormat     string
	VectorFormat     string
	ForceRotation    string
	Reference        string
	AlignSource      string
	AlignTarget      string
	PlotFile         string
	RotateAll        float64
	GridSpacing      float64
	Tolerance        float64
	MinInterval      time.Duration
	HttpPort         int
	CalibrateOnly    bool
	RenderOnly       bool
	MqttMode         bool
	HttpMode         bool
	Verbose          bool
}

// Application is the set of commands the CLI dispatches to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunAlign(source, target string)
	RunCalibration()
	RunRender()
	RunService()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		os.Exit(2)
	}
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("tudoscan", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory containing scan files (scan-<id>.json or <id>.pcd)")
	fs.StringVar(&opts.CalibrationCache, "calibration-cache", ".calibration-cache.json", "Path to calibration cache file")
	fs.StringVar(&opts.OutputFile, "output", "overlay.png", "Output file for --render mode")
	fs.StringVar(&opts.RenderFormat, "format", "raster", "Render format: raster, vector, or geojson")
	fs.StringVar(&opts.VectorFormat, "vector-format", "svg", "Vector output format: svg or png")
	fs.StringVar(&opts.ForceRotation, "force-rotation", "", "Force initial-guess rotation: ROBOT_ID=DEGREES[,ROBOT_ID=DEGREES]")
	fs.StringVar(&opts.Reference, "reference", "", "Override reference robot (default: from config or largest scan)")
	fs.StringVar(&opts.AlignSource, "align", "", "Align this scan file onto --target and exit")
	fs.StringVar(&opts.AlignTarget, "target", "", "Target scan file for --align")
	fs.StringVar(&opts.PlotFile, "plot", "", "Write an ICP convergence plot PNG (--align and --calibrate)")
	fs.Float64Var(&opts.RotateAll, "rotate-all", 0, "Rotate rendered output by degrees")
	fs.Float64Var(&opts.GridSpacing, "grid-spacing", 0, "Grid line spacing in scan units for vector output (0 disables)")
	fs.Float64Var(&opts.Tolerance, "simplify", 0, "Douglas-Peucker tolerance for GeoJSON coverage outlines (0 disables)")
	fs.DurationVar(&opts.MinInterval, "min-interval", 0, "Skip re-aligning a robot whose cached transform is younger than this")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.BoolVar(&opts.CalibrateOnly, "calibrate", false, "Align every scan in --data-dir onto the reference and write the calibration cache")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render aligned scans and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for live scan alignment")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for overlays and alignment status")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Log every ICP iteration")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "tudoscan version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.AlignSource != "":
		if opts.AlignTarget == "" {
			fmt.Fprintln(out, "--align requires --target")
			return fmt.Errorf("--align requires --target")
		}
		app.RunAlign(opts.AlignSource, opts.AlignTarget)
	case opts.CalibrateOnly:
		app.RunCalibration()
	case opts.RenderOnly:
		app.RunRender()
	case opts.MqttMode || opts.HttpMode:
		app.RunService()
	default:
		fmt.Fprintln(out, "tudoscan service starting...")
		fmt.Fprintln(out, "Use --align=SOURCE --target=TARGET to align two scan files")
		fmt.Fprintln(out, "Use --calibrate to align all scans in --data-dir")
		fmt.Fprintln(out, "Use --render to output an overlay (raster, vector, or geojson)")
		fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
		fmt.Fprintln(out, "Use --http to run HTTP server mode")
		fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - MQTT settings, robots, and ICP parameters")
		fmt.Fprintln(out, "  .calibration-cache.json - Computed ICP transforms (cached)")
	}
	return nil
}
