package mesh

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha,
// which is what the canvas library expects
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorRenderer draws aligned scans as vector graphics. Drawing units are
// millimetres on the page; world coordinates are scaled so the longest side
// spans PageSize.
type VectorRenderer struct {
	Layers         []ScanLayer
	PageSize       float64 // Longest drawing side in mm
	Padding        float64 // Padding in mm
	PointSize      float64 // Dot diameter in mm
	GlobalRotation float64
	Resolution     canvas.Resolution // Resolution for PNG output
	GridSpacing    float64           // Grid spacing in world units; 0 disables
	DrawHull       bool              // Outline each scan's convex hull
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(layers []ScanLayer) *VectorRenderer {
	return &VectorRenderer{
		Layers:     layers,
		PageSize:   200,
		Padding:    10,
		PointSize:  0.8,
		Resolution: canvas.DPI(150),
		DrawHull:   true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// pageGeometry maps world coordinates onto the page.
type pageGeometry struct {
	minX, minY    float64
	scale         float64
	width, height float64
}

func (r *VectorRenderer) geometry(layers []ScanLayer) (pageGeometry, error) {
	minX, minY, maxX, maxY, ok := layerBounds(layers)
	if !ok {
		return pageGeometry{}, fmt.Errorf("no 2D scan points to render")
	}
	span := math.Max(maxX-minX, maxY-minY)
	scale := 1.0
	if span > 0 {
		scale = r.PageSize / span
	}
	return pageGeometry{
		minX:   minX,
		minY:   minY,
		scale:  scale,
		width:  (maxX-minX)*scale + 2*r.Padding,
		height: (maxY-minY)*scale + 2*r.Padding,
	}, nil
}

// RenderToSVG writes the overlay as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	layers := RotateLayers(r.Layers, r.GlobalRotation)
	g, err := r.geometry(layers)
	if err != nil {
		return err
	}

	svgRenderer := svg.New(w, g.width, g.height, nil)
	r.renderToCanvas(svgRenderer, layers, g)

	// Close writes the closing tags
	return svgRenderer.Close()
}

// RenderToPNG writes the overlay as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	layers := RotateLayers(r.Layers, r.GlobalRotation)
	g, err := r.geometry(layers)
	if err != nil {
		return err
	}

	rast := rasterizer.New(g.width, g.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, layers, g)

	return png.Encode(w, rast)
}

// renderToCanvas holds the drawing shared by SVG and PNG output
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, layers []ScanLayer, g pageGeometry) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(g.width, g.height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x-g.minX)*g.scale + r.Padding, (y-g.minY)*g.scale + r.Padding
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		maxX := g.minX + (g.width-2*r.Padding)/g.scale
		maxY := g.minY + (g.height-2*r.Padding)/g.scale
		for x := math.Ceil(g.minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(x, g.minY)
			x2, y2 := toCanvas(x, maxY)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Ceil(g.minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(g.minX, y)
			x2, y2 := toCanvas(maxX, y)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	for _, l := range layers {
		if r.DrawHull {
			if hull := convexHull(toOrb(l.Points)); len(hull) >= 3 {
				hullStyle := canvas.DefaultStyle
				hullStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(color.NRGBA{l.Color.R, l.Color.G, l.Color.B, 40})}
				hullStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(l.Color)}
				hullStyle.StrokeWidth = 0.3

				cp := &canvas.Path{}
				for i, p := range hull {
					cx, cy := toCanvas(p[0], p[1])
					if i == 0 {
						cp.MoveTo(cx, cy)
					} else {
						cp.LineTo(cx, cy)
					}
				}
				cp.Close()
				renderer.RenderPath(cp, hullStyle, canvas.Identity)
			}
		}

		pointStyle := canvas.DefaultStyle
		pointStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(l.Color)}
		pointStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		dot := canvas.Circle(r.PointSize / 2)
		for _, p := range l.Points {
			cx, cy := toCanvas(p[0], p[1])
			renderer.RenderPath(dot, pointStyle, canvas.Identity.Translate(cx, cy))
		}
	}

	// Legend: one colored tag per layer, top-left.
	tagStyle := canvas.DefaultStyle
	tagStyle.Stroke = canvas.Paint{Color: canvas.Black}
	tagStyle.StrokeWidth = 0.2
	for i, l := range layers {
		tagStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(l.Color)}
		tag := canvas.Rectangle(6, 3).Translate(2, g.height-5-float64(i)*4)
		renderer.RenderPath(tag, tagStyle, canvas.Identity)
	}
}
