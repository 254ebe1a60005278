package aoi

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-10

// almostEqual checks if two floats are equal within epsilon tolerance
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// pointsNear checks if two points are within tol of each other
func pointsNear(p1, p2 Point, tol float64) bool {
	return math.Abs(p1.X-p2.X) <= tol && math.Abs(p1.Y-p2.Y) <= tol
}

// squareVerts returns a marker square with lower-left corner (x0, y0) in a
// y-up frame, listed TL, TR, BR, BL.
func squareVerts(x0, y0, size float64) [4]Point {
	return [4]Point{
		{X: x0, Y: y0 + size},
		{X: x0 + size, Y: y0 + size},
		{X: x0 + size, Y: y0},
		{X: x0, Y: y0},
	}
}

// cornerSurface is a unit surface with a 0.1 sized marker in each corner:
// tag36h11:0 bottom-left, :1 bottom-right, :2 top-right, :3 top-left.
func cornerSurface(t *testing.T, orientation Orientation) Surface {
	t.Helper()
	origins := []Point{{X: 0, Y: 0}, {X: 0.9, Y: 0}, {X: 0.9, Y: 0.9}, {X: 0, Y: 0.9}}
	markers := make([]Marker, len(origins))
	for i, o := range origins {
		markers[i] = NewMarker(MarkerUID("tag36h11", i), SurfaceUndistorted, squareVerts(o.X, o.Y, 0.1))
	}
	s, err := NewSurface("surface-1", "screen", markers, orientation)
	require.NoError(t, err)
	return s
}

// testViewHomography maps the y-up unit surface into a 1280x720 image with
// some perspective.
func testViewHomography() Homography {
	return Homography{
		420, 60, 300,
		-20, -380, 560,
		0.05, -0.1, 1,
	}
}

// observeMarkers projects the registered markers of s through h into
// UndistortedImage markers.
func observeMarkers(s Surface, h Homography, ids ...int) []Marker {
	var out []Marker
	for _, id := range ids {
		uid := MarkerUID("tag36h11", id)
		reg, ok := s.RegisteredMarker(uid)
		if !ok {
			continue
		}
		var verts [4]Point
		copy(verts[:], h.TransformPoints(reg.Vertices()))
		out = append(out, NewMarker(uid, UndistortedImage, verts))
	}
	return out
}

// detectionsFor turns observed markers back into canonical-order raw
// detections.
func detectionsFor(markers []Marker) []RawDetection {
	dets := make([]RawDetection, len(markers))
	for i, m := range markers {
		var corners [4]Point
		copy(corners[:], m.Vertices())
		dets[i] = RawDetection{Family: "tag36h11", ID: i, Corners: corners, Confidence: 1}
		// Recover the numeric id from the uid for realism.
		for id := 0; id < 64; id++ {
			if MarkerUID("tag36h11", id) == m.UID {
				dets[i].ID = id
				break
			}
		}
	}
	return dets
}

// mockDetector is a testify mock implementing Detector.
type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) DetectFromGray(img *image.Gray) ([]RawDetection, error) {
	args := m.Called(img)
	dets, _ := args.Get(0).([]RawDetection)
	return dets, args.Error(1)
}

func (m *mockDetector) DetectFromImage(img image.Image) ([]RawDetection, error) {
	args := m.Called(img)
	dets, _ := args.Get(0).([]RawDetection)
	return dets, args.Error(1)
}

func (m *mockDetector) CornerOrder() CornerOrder {
	return CanonicalCornerOrder
}

func (m *mockDetector) Close() error {
	args := m.Called()
	return args.Error(0)
}

// factoryFor returns a DetectorFactory that always hands out det.
func factoryFor(det Detector) DetectorFactory {
	return func(*Camera) (Detector, error) {
		return det, nil
	}
}
