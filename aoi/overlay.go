package aoi

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// Overlay colors, matching the capture app's annotations.
var (
	markerColor  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	outlineColor = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	topEdgeColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	fillColor    = color.RGBA{R: 0, G: 128, B: 128, A: 128} // premultiplied cyan at 50%
	gazeColor    = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// OverlayRenderer draws detected markers, located AOIs and gaze for one
// frame in distorted image pixels (1 px = 1 canvas unit).
type OverlayRenderer struct {
	Camera        *Camera
	PointsPerEdge int
	GazeRadius    float64
	LineWidth     float64
	// Background, when set, is drawn underneath the annotations.
	Background image.Image
}

// NewOverlayRenderer creates a renderer with the capture app's defaults.
func NewOverlayRenderer(cam *Camera) *OverlayRenderer {
	return &OverlayRenderer{
		Camera:        cam,
		PointsPerEdge: 20,
		GazeRadius:    80,
		LineWidth:     5,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
	RenderImage(img image.Image, m canvas.Matrix)
}

// RenderSVG writes the overlay for result as SVG.
func (r *OverlayRenderer) RenderSVG(w io.Writer, bounds image.Rectangle, result *FrameResult, gaze []GazeSample) error {
	width, height := float64(bounds.Dx()), float64(bounds.Dy())
	svgRenderer := svg.New(w, width, height, nil)
	r.render(svgRenderer, height, result, gaze)
	return svgRenderer.Close()
}

// RenderPNG writes the overlay for result as PNG.
func (r *OverlayRenderer) RenderPNG(w io.Writer, bounds image.Rectangle, result *FrameResult, gaze []GazeSample) error {
	width, height := float64(bounds.Dx()), float64(bounds.Dy())
	rast := rasterizer.New(width, height, canvas.DPMM(1), canvas.DefaultColorSpace)
	r.render(rast, height, result, gaze)
	return png.Encode(w, rast)
}

// render draws onto renderer. Canvas y points up, image y points down, so
// every image point is flipped against height.
func (r *OverlayRenderer) render(renderer canvasRenderer, height float64, result *FrameResult, gaze []GazeSample) {
	if r.Background != nil {
		renderer.RenderImage(r.Background, canvas.Identity)
	}
	if result == nil {
		return
	}

	toCanvas := func(p Point) (float64, float64) {
		return p.X, height - p.Y
	}
	polyline := func(points []Point, closed bool) *canvas.Path {
		path := &canvas.Path{}
		for i, p := range points {
			x, y := toCanvas(p)
			if i == 0 {
				path.MoveTo(x, y)
			} else {
				path.LineTo(x, y)
			}
		}
		if closed {
			path.Close()
		}
		return path
	}

	markerStyle := canvas.DefaultStyle
	markerStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	markerStyle.Stroke = canvas.Paint{Color: markerColor}
	markerStyle.StrokeWidth = 1
	for _, m := range result.Markers {
		corners := r.Camera.DistortPoints(m.Vertices())
		renderer.RenderPath(polyline(corners, true), markerStyle, canvas.Identity)
	}

	for _, uid := range result.SurfaceIDs() {
		loc := result.LocatedAOIs[uid]
		if loc == nil {
			continue
		}

		outline := make([]Point, 0, 4*r.PointsPerEdge)
		for _, p := range loc.ImageOutline(r.Camera, r.PointsPerEdge) {
			outline = append(outline, Point{X: p[0], Y: p[1]})
		}

		if gazeOnAOI(result.MappedGaze[uid]) {
			fillStyle := canvas.DefaultStyle
			fillStyle.Fill = canvas.Paint{Color: fillColor}
			fillStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
			renderer.RenderPath(polyline(outline, true), fillStyle, canvas.Identity)
		}

		outlineStyle := canvas.DefaultStyle
		outlineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		outlineStyle.Stroke = canvas.Paint{Color: outlineColor}
		outlineStyle.StrokeWidth = r.LineWidth
		renderer.RenderPath(polyline(outline, false), outlineStyle, canvas.Identity)

		top := make([]Point, 0, r.PointsPerEdge)
		for _, p := range loc.TopEdge(r.Camera, r.PointsPerEdge) {
			top = append(top, Point{X: p[0], Y: p[1]})
		}
		topStyle := outlineStyle
		topStyle.Stroke = canvas.Paint{Color: topEdgeColor}
		renderer.RenderPath(polyline(top, false), topStyle, canvas.Identity)
	}

	gazeStyle := canvas.DefaultStyle
	gazeStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gazeStyle.Stroke = canvas.Paint{Color: gazeColor}
	gazeStyle.StrokeWidth = r.LineWidth * 3
	for _, g := range gaze {
		x, y := toCanvas(g.Point())
		renderer.RenderPath(canvas.Circle(r.GazeRadius).Translate(x, y), gazeStyle, canvas.Identity)
	}
}

// RenderSurfaceGazeSVG draws gaze mapped onto one surface as a width x
// height view of the surface itself; surface y points up like canvas y.
func RenderSurfaceGazeSVG(w io.Writer, width, height float64, gaze []MappedGaze) error {
	svgRenderer := svg.New(w, width, height, nil)

	border := canvas.DefaultStyle
	border.Fill = canvas.Paint{Color: canvas.White}
	border.Stroke = canvas.Paint{Color: outlineColor}
	border.StrokeWidth = 2
	svgRenderer.RenderPath(canvas.Rectangle(width, height), border, canvas.Identity)

	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: canvas.Transparent}
	style.Stroke = canvas.Paint{Color: gazeColor}
	style.StrokeWidth = 4
	for _, g := range gaze {
		if !g.IsOnAOI {
			continue
		}
		svgRenderer.RenderPath(canvas.Circle(width/40).Translate(g.X*width, g.Y*height), style, canvas.Identity)
	}
	return svgRenderer.Close()
}

func gazeOnAOI(gaze []MappedGaze) bool {
	for _, g := range gaze {
		if g.IsOnAOI {
			return true
		}
	}
	return false
}
