package main

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/tudoscan/icp"
	"github.com/kwv/tudoscan/mesh"
)

// transformsResponse is the body served on /transforms
type transformsResponse struct {
	Calibration *mesh.CalibrationData            `json:"calibration"`
	Statuses    map[string]*mesh.AlignmentStatus `json:"statuses"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *mesh.StateTracker, aligner *mesh.ScanAligner, config *mesh.Config, rotateAll float64) http.Handler {
	mux := http.NewServeMux()
	colors := robotColors(config)

	// layers builds the overlay layers from the latest scans and cache.
	layers := func() ([]mesh.ScanLayer, bool) {
		scans := stateTracker.GetScans()
		if len(scans) == 0 {
			return nil, false
		}
		cal := aligner.Snapshot()
		refID := mesh.GetEffectiveReference(config, cal, scans)
		return mesh.BuildLayers(scans, cal, refID, colors), true
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasScans  bool      `json:"hasScans"`
			Reference string    `json:"reference,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasScans:  stateTracker.HasScans(),
			Reference: aligner.Snapshot().ReferenceRobot,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	mux.HandleFunc("/transforms", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		resp := transformsResponse{
			Calibration: aligner.Snapshot(),
			Statuses:    stateTracker.GetStatuses(),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("Error encoding transforms: %v", err)
		}
	})

	mux.HandleFunc("/overlay.png", func(w http.ResponseWriter, r *http.Request) {
		ls, ok := layers()
		if !ok {
			http.Error(w, "No scans available", http.StatusServiceUnavailable)
			return
		}
		renderer := mesh.NewCompositeRenderer(ls)
		renderer.GlobalRotation = rotateAll
		if !renderer.HasDrawableContent() {
			log.Printf("Warning: scans present but no drawable content; endpoint=/overlay.png")
			http.Error(w, "No drawable scan content", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := encodePNG(w, renderer); err != nil {
			log.Printf("Error encoding overlay PNG: %v", err)
		}
	})

	mux.HandleFunc("/overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		ls, ok := layers()
		if !ok {
			http.Error(w, "No scans available", http.StatusServiceUnavailable)
			return
		}
		vr := mesh.NewVectorRenderer(ls)
		vr.GlobalRotation = rotateAll
		if g, err := strconv.ParseFloat(r.URL.Query().Get("grid"), 64); err == nil && g > 0 {
			vr.GridSpacing = g
		}

		// Render into a buffer so a failure can still return a proper status.
		var buf bytes.Buffer
		if err := vr.RenderToSVG(&buf); err != nil {
			http.Error(w, "No drawable scan content", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := buf.WriteTo(w); err != nil {
			log.Printf("Error writing overlay SVG: %v", err)
		}
	})

	mux.HandleFunc("/aligned.geojson", func(w http.ResponseWriter, r *http.Request) {
		scans := stateTracker.GetScans()
		if len(scans) == 0 {
			http.Error(w, "No scans available", http.StatusServiceUnavailable)
			return
		}
		tolerance, _ := strconv.ParseFloat(r.URL.Query().Get("simplify"), 64)
		fc := mesh.ExportGeoJSON(scans, aligner.Snapshot(), colors, tolerance)
		data, err := fc.MarshalJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(data); err != nil {
			log.Printf("Error writing GeoJSON: %v", err)
		}
	})

	mux.HandleFunc("/convergence.png", func(w http.ResponseWriter, r *http.Request) {
		histories := make(map[string][]icp.IterationStats)
		if id := r.URL.Query().Get("robot"); id != "" {
			res, ok := stateTracker.GetResult(id)
			if !ok {
				http.Error(w, "Unknown robot", http.StatusNotFound)
				return
			}
			histories[id] = res.History
		} else {
			for id := range stateTracker.GetStatuses() {
				if res, ok := stateTracker.GetResult(id); ok {
					histories[id] = res.History
				}
			}
		}

		var buf bytes.Buffer
		if err := mesh.PlotConvergence(&buf, histories, colors); err != nil {
			http.Error(w, "No alignment history available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := buf.WriteTo(w); err != nil {
			log.Printf("Error writing convergence plot: %v", err)
		}
	})

	return mux
}

// encodePNG renders the overlay and writes it as PNG
func encodePNG(w io.Writer, renderer *mesh.CompositeRenderer) error {
	return png.Encode(w, renderer.Render())
}
