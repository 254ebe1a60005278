package aoi

import (
	"errors"
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func readyMapper(t *testing.T, det *mockDetector, surfaces []Surface, opts ...MapperOption) *MarkerMapper {
	t.Helper()
	m, err := NewMarkerMapper(factoryFor(det), NewIdentityCamera(), surfaces, opts...)
	require.NoError(t, err)
	require.Equal(t, StateReady, m.State())
	return m
}

// --- Configuration ---

func TestNewMarkerMapperRequiresFactory(t *testing.T) {
	_, err := NewMarkerMapper(nil, nil, nil)
	assert.Error(t, err)
}

func TestProcessFrameNotConfigured(t *testing.T) {
	m, err := NewMarkerMapper(factoryFor(&mockDetector{}), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateUnconfigured, m.State())
	assert.Equal(t, "unconfigured", m.State().String())

	res, err := m.ProcessFrame(image.NewGray(image.Rect(0, 0, 4, 4)), nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSetCameraFactoryErrorKeepsState(t *testing.T) {
	det := &mockDetector{}
	calls := 0
	factory := func(*Camera) (Detector, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("no detector")
		}
		return det, nil
	}
	cam := NewIdentityCamera()
	m, err := NewMarkerMapper(factory, cam, nil)
	require.NoError(t, err)

	err = m.SetCamera(testCamera(t, nil))
	assert.Error(t, err)
	assert.Equal(t, StateReady, m.State())
	assert.Same(t, cam, m.Camera())
	det.AssertNotCalled(t, "Close")
}

func TestSetCameraClosesPreviousDetector(t *testing.T) {
	first := &mockDetector{}
	first.On("Close").Return(errors.New("already closed")).Once()
	second := &mockDetector{}
	second.On("Close").Return(nil).Once()

	detectors := []*mockDetector{first, second}
	factory := func(*Camera) (Detector, error) {
		d := detectors[0]
		detectors = detectors[1:]
		return d, nil
	}

	m, err := NewMarkerMapper(factory, NewIdentityCamera(), nil)
	require.NoError(t, err)

	require.NoError(t, m.SetCamera(NewIdentityCamera()))
	first.AssertExpectations(t)

	require.NoError(t, m.Close())
	second.AssertExpectations(t)
	assert.Equal(t, StateUnconfigured, m.State())
	assert.Nil(t, m.Camera())
}

func TestAddSurfacesReplacesByUID(t *testing.T) {
	m := readyMapper(t, &mockDetector{}, nil)
	a := cornerSurface(t, Orientation{})
	b, err := NewSurface("surface-2", "poster", nil, Orientation{})
	require.NoError(t, err)
	m.AddSurfaces(a, b)

	renamed, err := NewSurface(a.UID, "monitor", nil, Orientation{Rotation: 180})
	require.NoError(t, err)
	m.AddSurfaces(renamed)

	surfaces := m.Surfaces()
	require.Len(t, surfaces, 2)
	assert.Equal(t, "monitor", surfaces[0].Name)
	assert.Equal(t, "poster", surfaces[1].Name)

	got, ok := m.SurfaceByName("poster")
	assert.True(t, ok)
	assert.Equal(t, SurfaceID("surface-2"), got.UID)
	_, ok = m.SurfaceByName("screen")
	assert.False(t, ok)
}

func TestAddSurfaceDefinitionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surface_definitions_v01")
	require.NoError(t, SaveSurfaceDefinitions(path, []Surface{cornerSurface(t, Orientation{})}))

	m := readyMapper(t, &mockDetector{}, nil)
	require.NoError(t, m.AddSurfaceDefinitionsFromFile(path))
	assert.Len(t, m.Surfaces(), 1)

	assert.Error(t, m.AddSurfaceDefinitionsFromFile(filepath.Join(t.TempDir(), "missing")))
	assert.Len(t, m.Surfaces(), 1)
}

// --- Processing ---

func TestProcessFrameNoMarkers(t *testing.T) {
	det := &mockDetector{}
	det.On("DetectFromGray", mock.Anything).Return([]RawDetection{}, nil)

	a := cornerSurface(t, Orientation{})
	b, err := NewSurface("surface-2", "poster", nil, Orientation{})
	require.NoError(t, err)
	m := readyMapper(t, det, []Surface{a, b})

	res, err := m.ProcessFrame(image.NewGray(image.Rect(0, 0, 8, 8)), []GazeSample{{X: 1, Y: 1}})
	require.NoError(t, err)
	assert.Empty(t, res.Markers)
	require.Len(t, res.LocatedAOIs, 2)
	for _, uid := range []SurfaceID{a.UID, b.UID} {
		loc, present := res.LocatedAOIs[uid]
		assert.True(t, present)
		assert.Nil(t, loc)
		gaze, present := res.MappedGaze[uid]
		assert.True(t, present)
		assert.NotNil(t, gaze)
		assert.Empty(t, gaze)
	}
	assert.Equal(t, []SurfaceID{a.UID, b.UID}, res.SurfaceIDs())
}

func TestProcessFrameUsesGrayOrColorPath(t *testing.T) {
	det := &mockDetector{}
	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))
	det.On("DetectFromGray", gray).Return([]RawDetection(nil), nil).Once()
	det.On("DetectFromImage", rgba).Return([]RawDetection(nil), nil).Once()

	m := readyMapper(t, det, nil)
	_, err := m.ProcessFrame(gray, nil)
	require.NoError(t, err)
	_, err = m.ProcessFrame(rgba, nil)
	require.NoError(t, err)

	det.AssertExpectations(t)
}

func TestProcessFrameDetectorError(t *testing.T) {
	det := &mockDetector{}
	boom := errors.New("boom")
	det.On("DetectFromImage", mock.Anything).Return(nil, boom)

	m := readyMapper(t, det, nil)
	_, err := m.ProcessFrame(image.NewRGBA(image.Rect(0, 0, 4, 4)), nil)
	assert.ErrorIs(t, err, boom)
}

func TestProcessFrameMapsGaze(t *testing.T) {
	s := cornerSurface(t, Orientation{})
	h := testViewHomography()
	det := &mockDetector{}
	det.On("DetectFromGray", mock.Anything).Return(detectionsFor(observeMarkers(s, h, 0, 1, 2, 3)), nil)

	m := readyMapper(t, det, []Surface{s})

	center := h.TransformPoint(Point{X: 0.05, Y: 0.05})
	outside := h.TransformPoint(Point{X: 1.4, Y: 0.5})
	gaze := []GazeSample{
		{X: center.X, Y: center.Y, Timestamp: 12.5, Confidence: 0.9},
		{X: outside.X, Y: outside.Y, Timestamp: 12.6},
	}

	res, err := m.ProcessFrame(image.NewGray(image.Rect(0, 0, 1280, 720)), gaze)
	require.NoError(t, err)
	require.Len(t, res.Markers, 4)
	require.NotNil(t, res.LocatedAOIs[s.UID])
	assert.Equal(t, 4, res.LocatedAOIs[s.UID].NumMarkersDetected)

	mapped := res.MappedGaze[s.UID]
	require.Len(t, mapped, 2)
	assert.Equal(t, s.UID, mapped[0].AOIID)
	assert.True(t, mapped[0].IsOnAOI)
	assert.InDelta(t, 0.05, mapped[0].X, 1e-6)
	assert.InDelta(t, 0.05, mapped[0].Y, 1e-6)
	assert.Equal(t, gaze[0], mapped[0].Base)

	assert.False(t, mapped[1].IsOnAOI)
	assert.InDelta(t, 1.4, mapped[1].X, 1e-6)
	assert.Equal(t, 12.6, mapped[1].Base.Timestamp)

	summary := res.Summary()
	require.Len(t, summary.AOIs, 1)
	assert.True(t, summary.AOIs[0].Located)
	assert.True(t, summary.AOIs[0].GazeOnAOI)
	assert.Equal(t, "screen", res.SurfaceName(s.UID))
}

func TestProcessFrameIsOnAOIMatchesRange(t *testing.T) {
	s := cornerSurface(t, Orientation{FlipX: true})
	h := testViewHomography()
	det := &mockDetector{}
	det.On("DetectFromGray", mock.Anything).Return(detectionsFor(observeMarkers(s, h, 0, 2)), nil)
	m := readyMapper(t, det, []Surface{s})

	var gaze []GazeSample
	for u := -0.5; u <= 1.5; u += 0.25 {
		for v := -0.5; v <= 1.5; v += 0.25 {
			p := h.TransformPoint(Point{X: u, Y: v})
			gaze = append(gaze, GazeSample{X: p.X, Y: p.Y})
		}
	}

	res, err := m.ProcessFrame(image.NewGray(image.Rect(0, 0, 1280, 720)), gaze)
	require.NoError(t, err)
	for _, g := range res.MappedGaze[s.UID] {
		inRange := g.X >= 0 && g.X <= 1 && g.Y >= 0 && g.Y <= 1
		assert.Equal(t, inRange, g.IsOnAOI, "gaze %v,%v", g.X, g.Y)
	}
}

func TestProcessFrameParallelMatchesSequential(t *testing.T) {
	h := testViewHomography()
	surfaces := []Surface{cornerSurface(t, Orientation{})}
	for i, o := range []Orientation{{Rotation: 90}, {FlipY: true}} {
		s := cornerSurface(t, o)
		s.UID = SurfaceID([]string{"surface-2", "surface-3"}[i])
		surfaces = append(surfaces, s)
	}
	dets := detectionsFor(observeMarkers(surfaces[0], h, 0, 1, 2, 3))
	gaze := []GazeSample{{X: 400, Y: 300}, {X: 650, Y: 200}}
	frame := image.NewGray(image.Rect(0, 0, 1280, 720))

	seqDet := &mockDetector{}
	seqDet.On("DetectFromGray", mock.Anything).Return(dets, nil)
	parDet := &mockDetector{}
	parDet.On("DetectFromGray", mock.Anything).Return(dets, nil)

	seq, err := readyMapper(t, seqDet, surfaces).ProcessFrame(frame, gaze)
	require.NoError(t, err)
	par, err := readyMapper(t, parDet, surfaces, WithParallelLocalization()).ProcessFrame(frame, gaze)
	require.NoError(t, err)

	assert.Equal(t, seq.SurfaceIDs(), par.SurfaceIDs())
	for _, uid := range seq.SurfaceIDs() {
		assert.Equal(t, seq.MappedGaze[uid], par.MappedGaze[uid])
	}
}
