package main

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/kwv/gazeaoi/aoi"
)

// testView maps the unit surface into a 64x48 image, y flipped.
var testView = aoi.Homography{40, 0, 10, 0, -30, 40, 0, 0, 1}

// testSurface has one 0.2 sized marker in each corner.
func testSurface(t *testing.T) aoi.Surface {
	t.Helper()
	origins := []aoi.Point{{X: 0, Y: 0}, {X: 0.8, Y: 0}, {X: 0.8, Y: 0.8}, {X: 0, Y: 0.8}}
	markers := make([]aoi.Marker, len(origins))
	for i, o := range origins {
		markers[i] = aoi.NewMarker(aoi.MarkerUID("tag36h11", i), aoi.SurfaceUndistorted, [4]aoi.Point{
			{X: o.X, Y: o.Y + 0.2},
			{X: o.X + 0.2, Y: o.Y + 0.2},
			{X: o.X + 0.2, Y: o.Y},
			{X: o.X, Y: o.Y},
		})
	}
	s, err := aoi.NewSurface("screen-uid", "screen", markers, aoi.Orientation{})
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	return s
}

// testDetections are the raw detections of every marker of s seen through
// testView.
func testDetections(s aoi.Surface) []aoi.RawDetection {
	var dets []aoi.RawDetection
	for i := range 4 {
		m, ok := s.RegisteredMarker(aoi.MarkerUID("tag36h11", i))
		if !ok {
			continue
		}
		var corners [4]aoi.Point
		copy(corners[:], testView.TransformPoints(m.Vertices()))
		dets = append(dets, aoi.RawDetection{Family: "tag36h11", ID: i, Corners: corners, Confidence: 1})
	}
	return dets
}

// fakeDetector returns the same detections for every frame.
type fakeDetector struct {
	detections []aoi.RawDetection
	grayCalls  int
	colorCalls int
	closed     bool
}

func (d *fakeDetector) DetectFromGray(*image.Gray) ([]aoi.RawDetection, error) {
	d.grayCalls++
	return d.detections, nil
}

func (d *fakeDetector) DetectFromImage(image.Image) ([]aoi.RawDetection, error) {
	d.colorCalls++
	return d.detections, nil
}

func (d *fakeDetector) CornerOrder() aoi.CornerOrder { return aoi.CanonicalCornerOrder }

func (d *fakeDetector) Close() error {
	d.closed = true
	return nil
}

func (d *fakeDetector) factory(*aoi.Camera) (aoi.Detector, error) {
	return d, nil
}

// fakeGrabber hands out n gray frames, then io.EOF.
type fakeGrabber struct {
	remaining int
	closed    bool
}

func (g *fakeGrabber) Grab(ctx context.Context) (image.Image, error) {
	if g.remaining == 0 {
		return nil, io.EOF
	}
	g.remaining--
	return image.NewGray(image.Rect(0, 0, 64, 48)), nil
}

func (g *fakeGrabber) Close() error {
	g.closed = true
	return nil
}

// writeFixtures writes a surface definitions file, an identity intrinsics
// file and a config referencing both. It returns their paths.
func writeFixtures(t *testing.T, extraConfig string) (surfacesPath, intrinsicsPath, configPath string) {
	t.Helper()
	dir := t.TempDir()

	surfacesPath = filepath.Join(dir, "surface_definitions_v01")
	if err := aoi.SaveSurfaceDefinitions(surfacesPath, []aoi.Surface{testSurface(t)}); err != nil {
		t.Fatalf("SaveSurfaceDefinitions: %v", err)
	}

	intrinsicsPath = filepath.Join(dir, "intrinsics.json")
	data, _ := json.Marshal(aoi.Intrinsics{
		CameraMatrix: [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		DistCoefs:    [][]float64{{0, 0, 0, 0, 0}},
	})
	if err := os.WriteFile(intrinsicsPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	configPath = filepath.Join(dir, "config.yaml")
	body := "surfaces: " + surfacesPath + "\ncamera:\n  intrinsicsFile: " + intrinsicsPath + "\nvideo:\n  device: test\n" + extraConfig
	if err := os.WriteFile(configPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return surfacesPath, intrinsicsPath, configPath
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
}

// testApp returns an App wired to a fake detector and grabber.
func testApp(det *fakeDetector, frames int) (*App, *fakeGrabber) {
	app := NewApp()
	grabber := &fakeGrabber{remaining: frames}
	app.DetectorFactory = det.factory
	app.OpenGrabber = func(string) (aoi.FrameGrabber, error) { return grabber, nil }
	return app, grabber
}
