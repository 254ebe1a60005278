package aoi

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/gazeaoi/internal/log"
)

// MapperState is the configuration state of a MarkerMapper.
type MapperState int

const (
	// StateUnconfigured means no camera is set, so there is no detector.
	StateUnconfigured MapperState = iota
	// StateReady means camera and detector are present.
	StateReady
)

func (s MapperState) String() string {
	if s == StateReady {
		return "ready"
	}
	return "unconfigured"
}

// MarkerMapper runs the per-frame pipeline: detect markers, locate every
// configured surface and map gaze into each located surface.
//
// A MarkerMapper is owned by a single driving loop and is not safe for
// concurrent use.
type MarkerMapper struct {
	factory  DetectorFactory
	camera   *Camera
	detector Detector
	surfaces []Surface
	parallel bool
}

// MapperOption configures a MarkerMapper.
type MapperOption func(*MarkerMapper)

// WithParallelLocalization locates surfaces concurrently. Each surface only
// reads the shared markers and writes its own result slot.
func WithParallelLocalization() MapperOption {
	return func(m *MarkerMapper) {
		m.parallel = true
	}
}

// NewMarkerMapper creates a mapper. cam may be nil, in which case the mapper
// starts unconfigured and ProcessFrame returns ErrNotConfigured until
// SetCamera is called.
func NewMarkerMapper(factory DetectorFactory, cam *Camera, surfaces []Surface, opts ...MapperOption) (*MarkerMapper, error) {
	if factory == nil {
		return nil, errors.New("detector factory is required")
	}
	m := &MarkerMapper{factory: factory}
	for _, opt := range opts {
		opt(m)
	}
	m.AddSurfaces(surfaces...)
	if err := m.SetCamera(cam); err != nil {
		return nil, err
	}
	return m, nil
}

// State reports whether the mapper can process frames.
func (m *MarkerMapper) State() MapperState {
	if m.camera != nil && m.detector != nil {
		return StateReady
	}
	return StateUnconfigured
}

// Camera returns the current camera, or nil.
func (m *MarkerMapper) Camera() *Camera {
	return m.camera
}

// SetCamera replaces the camera and rebuilds the detector for it. A nil
// camera closes the detector and leaves the mapper unconfigured. If the
// factory fails, the previous camera and detector stay in place.
func (m *MarkerMapper) SetCamera(cam *Camera) error {
	var detector Detector
	if cam != nil {
		d, err := m.factory(cam)
		if err != nil {
			return fmt.Errorf("failed to create detector: %w", err)
		}
		detector = d
	}

	if m.detector != nil {
		if err := m.detector.Close(); err != nil {
			log.Warn(log.Fields{"error": err}, "failed to close previous detector")
		}
	}
	m.camera = cam
	m.detector = detector

	log.Debug(log.Fields{"state": m.State().String()}, "marker mapper camera updated")
	return nil
}

// Close releases the detector.
func (m *MarkerMapper) Close() error {
	return m.SetCamera(nil)
}

// AddSurfaces appends surfaces. A surface whose UID is already configured
// replaces the earlier definition.
func (m *MarkerMapper) AddSurfaces(surfaces ...Surface) {
	for _, s := range surfaces {
		replaced := false
		for i := range m.surfaces {
			if m.surfaces[i].UID == s.UID {
				m.surfaces[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			m.surfaces = append(m.surfaces, s)
		}
	}
}

// AddSurfaceDefinitionsFromFile loads a definition file and adds every
// surface in it. Nothing is added when the file fails to load.
func (m *MarkerMapper) AddSurfaceDefinitionsFromFile(path string) error {
	surfaces, err := LoadSurfaceDefinitions(path)
	if err != nil {
		return err
	}
	m.AddSurfaces(surfaces...)
	log.Info(log.Fields{"path": path, "count": len(surfaces)}, "loaded surface definitions")
	return nil
}

// Surfaces returns the configured surfaces in insertion order.
func (m *MarkerMapper) Surfaces() []Surface {
	out := make([]Surface, len(m.surfaces))
	copy(out, m.surfaces)
	return out
}

// SurfaceByName returns the first surface with the given name.
func (m *MarkerMapper) SurfaceByName(name string) (Surface, bool) {
	for _, s := range m.surfaces {
		if s.Name == name {
			return s, true
		}
	}
	return Surface{}, false
}

// ProcessFrame detects markers in frame, locates every surface and maps the
// gaze samples into each located surface. Gray frames go through the
// detector's gray path, everything else through its color path. It returns
// ErrNotConfigured when no camera is set.
func (m *MarkerMapper) ProcessFrame(frame image.Image, gaze []GazeSample) (*FrameResult, error) {
	if m.State() != StateReady {
		return nil, ErrNotConfigured
	}

	var (
		detections []RawDetection
		err        error
	)
	if gray, ok := frame.(*image.Gray); ok {
		detections, err = m.detector.DetectFromGray(gray)
	} else {
		detections, err = m.detector.DetectFromImage(frame)
	}
	if err != nil {
		return nil, fmt.Errorf("marker detection failed: %w", err)
	}

	markers := MarkersFromDetections(m.camera, detections, m.detector.CornerOrder())
	locations := m.locateSurfaces(markers)

	gazePoints := make([]Point, len(gaze))
	for i, g := range gaze {
		gazePoints[i] = g.Point()
	}
	undistortedGaze := m.camera.UndistortPoints(gazePoints)

	result := newFrameResult(markers, len(m.surfaces))
	for i, s := range m.surfaces {
		loc := locations[i]
		result.add(s, loc)
		if loc == nil {
			continue
		}
		mapped := result.MappedGaze[s.UID]
		for j, p := range loc.MapFromImageToSurface(undistortedGaze) {
			mapped = append(mapped, MappedGazeFromNormPos(s.UID, p, gaze[j]))
		}
		result.MappedGaze[s.UID] = mapped
	}
	return result, nil
}

func (m *MarkerMapper) locateSurfaces(markers []Marker) []*SurfaceLocation {
	locations := make([]*SurfaceLocation, len(m.surfaces))
	if !m.parallel || len(m.surfaces) < 2 {
		for i, s := range m.surfaces {
			locations[i] = LocateSurface(s, markers)
		}
		return locations
	}

	var g errgroup.Group
	for i, s := range m.surfaces {
		g.Go(func() error {
			locations[i] = LocateSurface(s, markers)
			return nil
		})
	}
	_ = g.Wait()
	return locations
}
