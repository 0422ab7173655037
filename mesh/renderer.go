package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/kwv/tudoscan/cloud"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultColors returns the palette used for robots without a configured
// color. The reference robot always gets the first entry.
func DefaultColors() []color.NRGBA {
	return []color.NRGBA{
		{0, 0, 255, 220},    // Blue
		{255, 0, 0, 200},    // Red
		{0, 160, 0, 200},    // Green
		{218, 165, 32, 200}, // Goldenrod
		{148, 0, 211, 200},  // Purple
		{255, 140, 0, 200},  // Orange
	}
}

// ScanLayer is one robot's scan already mapped into the reference frame.
type ScanLayer struct {
	ID        string
	Points    [][2]float64
	Color     color.NRGBA
	Reference bool
}

// BuildLayers transforms every 2D scan with its cached transform. The
// reference comes first, then the rest by ID. Colors come from hexColors
// when set, otherwise from DefaultColors.
func BuildLayers(scans map[string]*cloud.PointSet[float64], cal *CalibrationData, reference string, hexColors map[string]string) []ScanLayer {
	ids := slices.Sorted(maps.Keys(scans))
	if i := slices.Index(ids, reference); i > 0 {
		ids = append([]string{reference}, slices.Delete(ids, i, i+1)...)
	}

	palette := DefaultColors()
	layers := make([]ScanLayer, 0, len(ids))
	next := 1
	for _, id := range ids {
		ps := scans[id]
		if ps.Dim() != 2 || ps.Len() == 0 {
			continue
		}
		m := cal.GetAffine(id)
		pts := make([][2]float64, ps.Len())
		for i, p := range ps.Points() {
			x, y := m.TransformXY(p[0], p[1])
			pts[i] = [2]float64{x, y}
		}

		layer := ScanLayer{ID: id, Points: pts, Reference: id == reference}
		switch {
		case hexColors[id] != "":
			c := parseHexColor(hexColors[id])
			layer.Color = color.NRGBA{c.R, c.G, c.B, 200}
		case layer.Reference:
			layer.Color = palette[0]
		default:
			layer.Color = palette[next]
			next = next%(len(palette)-1) + 1
		}
		layers = append(layers, layer)
	}
	return layers
}

// layerBounds returns the bounding box of all layer points; ok is false when
// there are none.
func layerBounds(layers []ScanLayer) (minX, minY, maxX, maxY float64, ok bool) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	for _, l := range layers {
		for _, p := range l.Points {
			minX = math.Min(minX, p[0])
			minY = math.Min(minY, p[1])
			maxX = math.Max(maxX, p[0])
			maxY = math.Max(maxY, p[1])
			ok = true
		}
	}
	return
}

// RotateLayers rotates every layer CCW by degrees about the common bounds
// center. The input is not modified.
func RotateLayers(layers []ScanLayer, degrees float64) []ScanLayer {
	if degrees == 0 {
		return layers
	}
	minX, minY, maxX, maxY, ok := layerBounds(layers)
	if !ok {
		return layers
	}
	cx, cy := (minX+maxX)/2, (minY+maxY)/2
	rot := cloud.RotationDeg(degrees)

	out := make([]ScanLayer, len(layers))
	for i, l := range layers {
		out[i] = l
		out[i].Points = make([][2]float64, len(l.Points))
		for j, p := range l.Points {
			x, y := rot.TransformXY(p[0]-cx, p[1]-cy)
			out[i].Points[j] = [2]float64{x + cx, y + cy}
		}
	}
	return out
}

// CompositeRenderer rasterizes aligned scans into a single image
type CompositeRenderer struct {
	Layers         []ScanLayer
	Size           int     // Longest image side in pixels
	Padding        int     // Padding around the drawing
	PointRadius    int     // Dot radius in pixels
	GlobalRotation float64 // Rotate entire output (degrees CCW)
}

// NewCompositeRenderer creates a renderer with default settings
func NewCompositeRenderer(layers []ScanLayer) *CompositeRenderer {
	return &CompositeRenderer{
		Layers:      layers,
		Size:        1000,
		Padding:     30,
		PointRadius: 1,
	}
}

// HasDrawableContent returns true if any layer has points
func (r *CompositeRenderer) HasDrawableContent() bool {
	_, _, _, _, ok := layerBounds(r.Layers)
	return ok
}

// Render creates the composite image. World y grows upwards, image rows
// downwards, so the drawing is flipped vertically.
func (r *CompositeRenderer) Render() *image.RGBA {
	layers := RotateLayers(r.Layers, r.GlobalRotation)
	minX, minY, maxX, maxY, ok := layerBounds(layers)

	span := math.Max(maxX-minX, maxY-minY)
	inner := float64(r.Size - 2*r.Padding)
	scale := 1.0
	if ok && span > 0 && inner > 0 {
		scale = inner / span
	}

	width := 2*r.Padding + 1
	height := 2*r.Padding + 1
	if ok {
		width += int((maxX - minX) * scale)
		height += int((maxY - minY) * scale)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	toImage := func(p [2]float64) (int, int) {
		x := int((p[0]-minX)*scale) + r.Padding
		y := int((maxY-p[1])*scale) + r.Padding
		return x, y
	}

	for _, l := range layers {
		for _, p := range l.Points {
			ix, iy := toImage(p)
			for dy := -r.PointRadius; dy <= r.PointRadius; dy++ {
				for dx := -r.PointRadius; dx <= r.PointRadius; dx++ {
					px, py := ix+dx, iy+dy
					if dx*dx+dy*dy > r.PointRadius*r.PointRadius || px < 0 || px >= width || py < 0 || py >= height {
						continue
					}
					img.Set(px, py, blendColors(img.RGBAAt(px, py), l.Color))
				}
			}
		}
	}

	r.drawLegend(img)
	return img
}

// SavePNG saves the composite image to a file
func (r *CompositeRenderer) SavePNG(path string) error {
	img := r.Render()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

// blendColors performs alpha blending of two colors
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// RGBA is premultiplied; un-premultiply before blending
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgNRGBA.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bgNRGBA.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bgNRGBA.B)*invAlpha),
		A: 255,
	}
}

// drawLegend adds a color swatch and label per robot in the top-left corner
func (r *CompositeRenderer) drawLegend(img *image.RGBA) {
	y := 15
	for _, l := range r.Layers {
		swatch := color.RGBA{l.Color.R, l.Color.G, l.Color.B, 255}
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				if img.Bounds().Max.X > 10+dx && img.Bounds().Max.Y > y+dy-6 {
					img.Set(10+dx, y+dy-6, swatch)
				}
			}
		}

		label := l.ID
		if l.Reference {
			label += " (ref)"
		}
		drawText(img, 28, y+4, label, color.RGBA{0, 0, 0, 255})

		y += 18
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}

	if hex[0] == '#' {
		hex = hex[1:]
	}

	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	_, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b)
	if err != nil {
		return defaultColor
	}

	return color.RGBA{r, g, b, 255}
}
