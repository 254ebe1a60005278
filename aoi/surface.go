package aoi

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// SurfaceSchemaVersion is the only persisted surface version this package reads.
const SurfaceSchemaVersion = 1

// legacyMarkerPrefix is prepended to marker uids by older Pupil Capture releases.
const legacyMarkerPrefix = "apriltag_v3:"

// Orientation reconciles the authored surface axes with the reported ones.
// Flips are applied first, then Rotation degrees clockwise (y axis up), both
// about the surface center. The zero value is the canonical orientation.
type Orientation struct {
	Rotation int  `json:"rotation"`
	FlipX    bool `json:"flipX"`
	FlipY    bool `json:"flipY"`
}

// IsCanonical reports whether o leaves surface coordinates unchanged.
func (o Orientation) IsCanonical() bool {
	return o.normalizedRotation() == 0 && !o.FlipX && !o.FlipY
}

func (o Orientation) normalizedRotation() int {
	return ((o.Rotation % 360) + 360) % 360
}

// Validate rejects rotations that are not a multiple of 90 degrees.
func (o Orientation) Validate() error {
	if o.normalizedRotation()%90 != 0 {
		return fmt.Errorf("orientation rotation %d is not a multiple of 90", o.Rotation)
	}
	return nil
}

// Transform returns the map from authored surface coordinates to oriented
// surface coordinates. It always maps the unit square onto itself.
func (o Orientation) Transform() AffineMatrix {
	m := Translation(-0.5, -0.5)

	sx, sy := 1.0, 1.0
	if o.FlipX {
		sx = -1
	}
	if o.FlipY {
		sy = -1
	}
	m = MultiplyMatrices(Scale(sx, sy), m)

	// Clockwise with y up is a negative quarter turn.
	m = MultiplyMatrices(RotationQuarterTurns(-o.normalizedRotation()/90), m)

	return MultiplyMatrices(Translation(0.5, 0.5), m)
}

// OrientationRecord is the persisted form of an Orientation.
type OrientationRecord struct {
	Rotation int  `msgpack:"rotation" json:"rotation"`
	FlipX    bool `msgpack:"flip_x" json:"flip_x"`
	FlipY    bool `msgpack:"flip_y" json:"flip_y"`
}

// Record converts the orientation to its persisted form.
func (o Orientation) Record() OrientationRecord {
	return OrientationRecord{Rotation: o.Rotation, FlipX: o.FlipX, FlipY: o.FlipY}
}

// Surface is a named AOI defined by markers registered in a shared,
// surface-local undistorted frame.
type Surface struct {
	UID         SurfaceID
	Name        string
	Orientation Orientation

	registered map[MarkerID]Marker
}

// NewSurface validates and copies the registered markers. Every marker
// must be in SurfaceUndistorted space.
func NewSurface(uid SurfaceID, name string, markers []Marker, orientation Orientation) (Surface, error) {
	if uid == "" {
		return Surface{}, fmt.Errorf("surface uid is empty")
	}
	if name == "" {
		return Surface{}, fmt.Errorf("surface %s has an empty name", uid)
	}
	if err := orientation.Validate(); err != nil {
		return Surface{}, fmt.Errorf("surface %s: %w", name, err)
	}

	registered := make(map[MarkerID]Marker, len(markers))
	for _, m := range markers {
		if m.Space != SurfaceUndistorted {
			return Surface{}, fmt.Errorf("surface %s: marker %s is in %s space, want %s",
				name, m.UID, m.Space, SurfaceUndistorted)
		}
		registered[m.UID] = m
	}

	return Surface{
		UID:         uid,
		Name:        name,
		Orientation: orientation,
		registered:  registered,
	}, nil
}

// NewSurfaceID returns a fresh random surface uid.
func NewSurfaceID() SurfaceID {
	return SurfaceID(uuid.New().String())
}

// RegisteredMarker looks up a registered marker by uid.
func (s Surface) RegisteredMarker(uid MarkerID) (Marker, bool) {
	m, ok := s.registered[uid]
	return m, ok
}

// MarkerIDs returns the registered marker uids in sorted order.
func (s Surface) MarkerIDs() []MarkerID {
	ids := make([]MarkerID, 0, len(s.registered))
	for id := range s.registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumMarkers returns the number of registered markers.
func (s Surface) NumMarkers() int {
	return len(s.registered)
}

// SurfaceRecord is the persisted form of a surface.
type SurfaceRecord struct {
	Version     int                `msgpack:"version" json:"version"`
	UID         string             `msgpack:"uid,omitempty" json:"uid,omitempty"`
	Name        string             `msgpack:"name" json:"name"`
	RegMarkers  []MarkerRecord     `msgpack:"reg_markers" json:"reg_markers"`
	Orientation *OrientationRecord `msgpack:"orientation,omitempty" json:"orientation,omitempty"`
}

// Record converts the surface to its persisted form.
func (s Surface) Record() SurfaceRecord {
	markers := make([]MarkerRecord, 0, len(s.registered))
	for _, id := range s.MarkerIDs() {
		markers = append(markers, s.registered[id].Record())
	}
	orientation := s.Orientation.Record()
	return SurfaceRecord{
		Version:     SurfaceSchemaVersion,
		UID:         string(s.UID),
		Name:        s.Name,
		RegMarkers:  markers,
		Orientation: &orientation,
	}
}

// SurfaceFromRecord restores a surface. A version other than
// SurfaceSchemaVersion yields ErrSchemaVersionMismatch; any other structural
// problem yields ErrMalformedDefinition. A missing uid gets a fresh UUID and
// a missing orientation falls back to the canonical one.
func SurfaceFromRecord(rec SurfaceRecord) (Surface, error) {
	if rec.Version != SurfaceSchemaVersion {
		return Surface{}, fmt.Errorf("%w: expected %d, but got %d",
			ErrSchemaVersionMismatch, SurfaceSchemaVersion, rec.Version)
	}

	markers := make([]Marker, 0, len(rec.RegMarkers))
	for _, mr := range rec.RegMarkers {
		mr.UID = strings.ReplaceAll(mr.UID, legacyMarkerPrefix, "")
		m, err := MarkerFromRecord(mr)
		if err != nil {
			return Surface{}, fmt.Errorf("surface %q: %w", rec.Name, err)
		}
		markers = append(markers, m)
	}

	var orientation Orientation
	if rec.Orientation != nil {
		orientation = Orientation{
			Rotation: rec.Orientation.Rotation,
			FlipX:    rec.Orientation.FlipX,
			FlipY:    rec.Orientation.FlipY,
		}
	}

	uid := SurfaceID(rec.UID)
	if uid == "" {
		uid = NewSurfaceID()
	}

	s, err := NewSurface(uid, rec.Name, markers, orientation)
	if err != nil {
		return Surface{}, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}
	return s, nil
}
