package main

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
	"github.com/kwv/tudoscan/mesh"
	"github.com/paulmach/orb/geojson"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func serverConfig() *mesh.Config {
	return &mesh.Config{
		Reference: "alpha",
		Robots: []mesh.RobotConfig{
			{ID: "alpha", Topic: "robots/alpha/scan", Color: "#FF0000"},
			{ID: "beta", Topic: "robots/beta/scan", Color: "#0000FF"},
		},
		ICP: icp.DefaultConfig(),
	}
}

// populatedServer returns a handler whose tracker holds two aligned scans.
func populatedServer(t *testing.T) http.Handler {
	t.Helper()
	ref, other, _ := testScans()
	config := serverConfig()
	st := mesh.NewStateTracker()
	aligner := mesh.NewScanAligner(config, nil, "", "", st, nil)
	if _, err := aligner.Process("alpha", ref); err != nil {
		t.Fatalf("Process(alpha) failed: %v", err)
	}
	if _, err := aligner.Process("beta", other); err != nil {
		t.Fatalf("Process(beta) failed: %v", err)
	}
	return newHTTPServer(st, aligner, config, 0)
}

// emptyServer returns a handler with no scans.
func emptyServer() http.Handler {
	config := serverConfig()
	st := mesh.NewStateTracker()
	return newHTTPServer(st, mesh.NewScanAligner(config, nil, "", "", st, nil), config, 0)
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name          string
		handler       http.Handler
		wantHasScans  bool
		wantReference string
	}{
		{"with scans", populatedServer(t), true, "alpha"},
		{"empty", emptyServer(), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(tt.handler, "/health")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var body struct {
				Status    string `json:"status"`
				HasScans  bool   `json:"hasScans"`
				Reference string `json:"reference"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Status != "ok" {
				t.Errorf("status = %q, want ok", body.Status)
			}
			if body.HasScans != tt.wantHasScans {
				t.Errorf("hasScans = %v, want %v", body.HasScans, tt.wantHasScans)
			}
			if body.Reference != tt.wantReference {
				t.Errorf("reference = %q, want %q", body.Reference, tt.wantReference)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// /transforms
// ---------------------------------------------------------------------------

func TestTransformsEndpoint(t *testing.T) {
	rec := get(populatedServer(t), "/transforms")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body transformsResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Calibration == nil || body.Calibration.ReferenceRobot != "alpha" {
		t.Fatalf("unexpected calibration: %+v", body.Calibration)
	}
	if len(body.Calibration.Robots) != 2 {
		t.Errorf("calibration has %d robots, want 2", len(body.Calibration.Robots))
	}
	beta, ok := body.Statuses["beta"]
	if !ok {
		t.Fatal("missing status for beta")
	}
	if !beta.Converged || beta.State != icp.StateConverged {
		t.Errorf("beta status = %+v, want converged", beta)
	}
	if beta.Points != 100 {
		t.Errorf("beta points = %d, want 100", beta.Points)
	}
}

// ---------------------------------------------------------------------------
// overlays
// ---------------------------------------------------------------------------

func TestOverlayPNGEndpoint(t *testing.T) {
	rec := get(populatedServer(t), "/overlay.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Errorf("body is not a PNG: %v", err)
	}
}

func TestOverlaySVGEndpoint(t *testing.T) {
	rec := get(populatedServer(t), "/overlay.svg?grid=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q, want image/svg+xml", ct)
	}
	if !strings.Contains(rec.Body.String(), "<svg") {
		t.Error("body is not an SVG document")
	}
}

func TestOverlay_NoDrawableContent(t *testing.T) {
	config := serverConfig()
	st := mesh.NewStateTracker()
	st.UpdateScan("solid", cloud.RandomCloud[float64](3, 10, 0, 1, 1))
	h := newHTTPServer(st, mesh.NewScanAligner(config, nil, "", "", st, nil), config, 0)

	for _, path := range []string{"/overlay.png", "/overlay.svg"} {
		if rec := get(h, path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// /aligned.geojson
// ---------------------------------------------------------------------------

func TestAlignedGeoJSONEndpoint(t *testing.T) {
	rec := get(populatedServer(t), "/aligned.geojson?simplify=0.5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q, want application/geo+json", ct)
	}

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("body is not GeoJSON: %v", err)
	}
	if len(fc.Features) != 4 {
		t.Errorf("got %d features, want 4 (points and coverage per robot)", len(fc.Features))
	}
	if got := fc.Features[0].Properties["color"]; got != "#FF0000" {
		t.Errorf("alpha color = %v, want #FF0000", got)
	}
}

// ---------------------------------------------------------------------------
// /convergence.png
// ---------------------------------------------------------------------------

func TestConvergenceEndpoint(t *testing.T) {
	h := populatedServer(t)

	tests := []struct {
		target string
		want   int
	}{
		{"/convergence.png", http.StatusOK},
		{"/convergence.png?robot=beta", http.StatusOK},
		{"/convergence.png?robot=alpha", http.StatusServiceUnavailable}, // the reference has no iterations
		{"/convergence.png?robot=nobody", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := get(h, tt.target)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK {
				if _, err := png.Decode(rec.Body); err != nil {
					t.Errorf("body is not a PNG: %v", err)
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// empty state
// ---------------------------------------------------------------------------

func TestEndpoints_NoScans(t *testing.T) {
	h := emptyServer()
	for _, path := range []string{"/overlay.png", "/overlay.svg", "/aligned.geojson", "/convergence.png"} {
		t.Run(path, func(t *testing.T) {
			if rec := get(h, path); rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
		})
	}
}

func TestTransformsEndpoint_NoScans(t *testing.T) {
	rec := get(emptyServer(), "/transforms")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body transformsResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Statuses) != 0 {
		t.Errorf("expected no statuses, got %v", body.Statuses)
	}
}
