package aoi

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Locating ---

func TestLocateSurfaceAllMarkers(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	h := testViewHomography()

	loc := LocateSurface(s, observeMarkers(s, h, 0, 1, 2, 3))
	require.NotNil(t, loc)
	assert.Equal(t, s.UID, loc.SurfaceUID)
	assert.Equal(t, 4, loc.NumMarkersDetected)

	for _, p := range []Point{{X: 0.5, Y: 0.5}, {X: 0.05, Y: 0.05}, {X: 1, Y: 1}} {
		img := h.TransformPoint(p)
		got := loc.MapFromImageToSurface([]Point{img})[0]
		assert.InDelta(t, p.X, got.X, 1e-6)
		assert.InDelta(t, p.Y, got.Y, 1e-6)

		back := loc.MapFromSurfaceToImage([]Point{p})[0]
		assert.InDelta(t, img.X, back.X, 1e-4)
		assert.InDelta(t, img.Y, back.Y, 1e-4)
	}
}

func TestLocateSurfaceMarkerCentroid(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	h := testViewHomography()
	observed := observeMarkers(s, h, 0, 1, 2, 3)

	loc := LocateSurface(s, observed)
	require.NotNil(t, loc)

	// The image centroid of a marker is not the projection of its surface
	// centroid under perspective, so map the surface centroid forward.
	gaze := h.TransformPoint(Point{X: 0.05, Y: 0.05})
	got := loc.MapFromImageToSurface([]Point{gaze})[0]
	mapped := MappedGazeFromNormPos(loc.SurfaceUID, got, GazeSample{X: gaze.X, Y: gaze.Y})
	assert.True(t, mapped.IsOnAOI)
	assert.InDelta(t, 0.05, mapped.X, 1e-6)
	assert.InDelta(t, 0.05, mapped.Y, 1e-6)
}

func TestProcessFrameSingleMarkerCentroid(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	// Affine view, so a marker's image centroid is the image of its surface
	// centroid.
	view := Homography{400, 0, 100, 0, -400, 500, 0, 0, 1}
	observed := observeMarkers(s, view, 0)
	require.Len(t, observed, 1)

	dets := detectionsFor(observed)
	shifted := dets[0]
	shifted.Confidence = 0.5
	for i := range shifted.Corners {
		shifted.Corners[i].X += 30
	}
	det := &mockDetector{}
	det.On("DetectFromGray", mock.Anything).Return([]RawDetection{shifted, dets[0]}, nil)

	m, err := NewMarkerMapper(factoryFor(det), NewIdentityCamera(), []Surface{s})
	require.NoError(t, err)

	centroid := Centroid(observed[0].Vertices())
	res, err := m.ProcessFrame(image.NewGray(image.Rect(0, 0, 640, 480)), []GazeSample{{X: centroid.X, Y: centroid.Y}})
	require.NoError(t, err)
	require.Len(t, res.Markers, 1)

	loc := res.LocatedAOIs[s.UID]
	require.NotNil(t, loc)
	assert.Equal(t, 1, loc.NumMarkersDetected)

	mapped := res.MappedGaze[s.UID]
	require.Len(t, mapped, 1)
	assert.True(t, mapped[0].IsOnAOI)
	assert.InDelta(t, 0.05, mapped[0].X, 1e-6)
	assert.InDelta(t, 0.05, mapped[0].Y, 1e-6)
}

func TestLocateSurfaceStaysResolvedUntilLastMarker(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	h := testViewHomography()
	visible := []int{0, 1, 2, 3}

	for len(visible) > 0 {
		loc := LocateSurface(s, observeMarkers(s, h, visible...))
		require.NotNil(t, loc, "markers %v", visible)
		assert.Equal(t, len(visible), loc.NumMarkersDetected)

		got := loc.MapFromImageToSurface([]Point{h.TransformPoint(Point{X: 0.5, Y: 0.5})})[0]
		assert.InDelta(t, 0.5, got.X, 1e-6, "markers %v", visible)
		assert.InDelta(t, 0.5, got.Y, 1e-6, "markers %v", visible)

		visible = visible[1:]
	}
	assert.Nil(t, LocateSurface(s, observeMarkers(s, h)))
}

func TestLocateSurfacePartialOcclusion(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	h := testViewHomography()

	loc := LocateSurface(s, observeMarkers(s, h, 2))
	require.NotNil(t, loc)
	assert.Equal(t, 1, loc.NumMarkersDetected)

	got := loc.MapFromImageToSurface([]Point{h.TransformPoint(Point{X: 0.95, Y: 0.95})})[0]
	assert.InDelta(t, 0.95, got.X, 1e-6)
	assert.InDelta(t, 0.95, got.Y, 1e-6)
}

func TestLocateSurfaceIgnoresUnknownMarkers(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	stranger := NewMarker("tag36h11:42", UndistortedImage, squareVerts(100, 100, 20))

	assert.Nil(t, LocateSurface(s, nil))
	assert.Nil(t, LocateSurface(s, []Marker{stranger}))

	observed := append(observeMarkers(s, testViewHomography(), 1), stranger)
	loc := LocateSurface(s, observed)
	require.NotNil(t, loc)
	assert.Equal(t, 1, loc.NumMarkersDetected)
}

func TestLocateSurfaceDegenerateObservation(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	collapsed := NewMarker("tag36h11:0", UndistortedImage, [4]Point{{X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}})
	assert.Nil(t, LocateSurface(s, []Marker{collapsed}))
}

func TestLocateSurfaceAppliesOrientation(t *testing.T) {
	o := Orientation{Rotation: 90}
	s := cornerSurface(t, o)
	h := testViewHomography()

	loc := LocateSurface(s, observeMarkers(s, h, 0, 1, 2, 3))
	require.NotNil(t, loc)

	registered := Point{X: 0.05, Y: 0.05}
	want := TransformPoint(registered, o.Transform())
	got := loc.MapFromImageToSurface([]Point{h.TransformPoint(registered)})[0]
	assert.InDelta(t, want.X, got.X, 1e-6)
	assert.InDelta(t, want.Y, got.Y, 1e-6)
	assert.InDelta(t, 0.05, want.X, 1e-12)
	assert.InDelta(t, 0.95, want.Y, 1e-12)
}

func TestLocateSurfaceNoisyCornersStayClose(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	h := testViewHomography()
	observed := observeMarkers(s, h, 0, 1, 2, 3)

	// Deterministic sub-pixel jitter
	for i := range observed {
		verts := observed[i].Vertices()
		var noisy [4]Point
		for j, v := range verts {
			noisy[j] = Point{X: v.X + 0.3*math.Sin(float64(i*4+j)), Y: v.Y + 0.3*math.Cos(float64(i*4+j))}
		}
		observed[i] = NewMarker(observed[i].UID, UndistortedImage, noisy)
	}

	loc := LocateSurface(s, observed)
	require.NotNil(t, loc)
	got := loc.MapFromImageToSurface([]Point{h.TransformPoint(Point{X: 0.5, Y: 0.5})})[0]
	assert.InDelta(t, 0.5, got.X, 0.01)
	assert.InDelta(t, 0.5, got.Y, 0.01)
}

// --- Outline ---

func TestEdgePoints(t *testing.T) {
	points, top := EdgePoints(3)
	require.Len(t, points, 12)
	require.Len(t, top, 3)

	assert.Equal(t, Point{X: 0, Y: 0}, points[0])
	assert.Equal(t, Point{X: 1, Y: 0}, points[2])
	assert.Equal(t, Point{X: 1, Y: 1}, points[5])
	for _, idx := range top {
		assert.Equal(t, 1.0, points[idx].Y)
	}
	assert.Equal(t, Point{X: 1, Y: 1}, points[top[0]])
	assert.Equal(t, Point{X: 0, Y: 1}, points[top[2]])

	points, top = EdgePoints(0)
	assert.Len(t, points, 8)
	assert.Len(t, top, 2)
}

func TestImageOutlineAndArea(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	h := testViewHomography()
	loc := LocateSurface(s, observeMarkers(s, h, 0, 1, 2, 3))
	require.NotNil(t, loc)
	cam := NewIdentityCamera()

	ring := loc.ImageOutline(cam, 5)
	require.Len(t, ring, 21)
	assert.True(t, ring.Closed())

	// Projective maps keep straight edges straight, so the area is the area
	// of the projected quad.
	q := h.TransformPoints(unitSquare())
	var shoelace float64
	for i := range q {
		j := (i + 1) % len(q)
		shoelace += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	assert.InDelta(t, math.Abs(shoelace)/2, math.Abs(loc.OutlineArea(cam, 5)), 1e-3)

	top := loc.TopEdge(cam, 4)
	require.Len(t, top, 4)
	topLeft := h.TransformPoint(Point{X: 0, Y: 1})
	assert.InDelta(t, topLeft.X, top[3][0], 1e-4)
	assert.InDelta(t, topLeft.Y, top[3][1], 1e-4)

	assert.True(t, loc.OutlineContains(cam, h.TransformPoint(Point{X: 0.5, Y: 0.5})))
	assert.False(t, loc.OutlineContains(cam, h.TransformPoint(Point{X: 1.5, Y: 0.5})))
}
