package aoi

import "fmt"

// CoordinateSpace names the frame a marker's corner values are expressed in.
type CoordinateSpace int

const (
	DistortedImage CoordinateSpace = iota
	UndistortedImage
	SurfaceUndistorted
)

func (s CoordinateSpace) String() string {
	switch s {
	case DistortedImage:
		return "distorted_image"
	case UndistortedImage:
		return "undistorted_image"
	case SurfaceUndistorted:
		return "surface_undistorted"
	default:
		return fmt.Sprintf("coordinate_space(%d)", int(s))
	}
}

// CornerID is a logical marker corner. The numeric order is clockwise
// starting at the top-left corner.
type CornerID int

const (
	TopLeft CornerID = iota
	TopRight
	BottomRight
	BottomLeft
)

// CornerOrder describes how a detector lists marker corners.
type CornerOrder struct {
	StartingWith CornerID
	Clockwise    bool
}

// CanonicalCornerOrder is TL, TR, BR, BL.
var CanonicalCornerOrder = CornerOrder{StartingWith: TopLeft, Clockwise: true}

// Marker is an identified planar fiducial with four corners.
type Marker struct {
	UID     MarkerID
	Space   CoordinateSpace
	corners [4]Point
}

// NewMarker builds a marker from corners already in TL, TR, BR, BL order.
func NewMarker(uid MarkerID, space CoordinateSpace, corners [4]Point) Marker {
	return Marker{UID: uid, Space: space, corners: corners}
}

// NewMarkerFromVertices reorders verts, listed from startingWith in the given
// winding, into canonical TL-first clockwise order.
func NewMarkerFromVertices(uid MarkerID, space CoordinateSpace, verts [4]Point, order CornerOrder) Marker {
	var corners [4]Point
	for i, v := range verts {
		step := i
		if !order.Clockwise {
			step = -i
		}
		corner := ((int(order.StartingWith)+step)%4 + 4) % 4
		corners[corner] = v
	}
	return Marker{UID: uid, Space: space, corners: corners}
}

// Vertices returns the corners in TL, TR, BR, BL order.
func (m Marker) Vertices() []Point {
	out := make([]Point, 4)
	copy(out, m.corners[:])
	return out
}

// Vertex returns a single corner.
func (m Marker) Vertex(c CornerID) Point {
	return m.corners[c]
}

// MarkerRecord is the persisted form of a marker registered on a surface.
type MarkerRecord struct {
	UID     string      `msgpack:"uid" json:"uid"`
	VertsUV [][]float64 `msgpack:"verts_uv" json:"verts_uv"`
}

// Record converts the marker to its persisted form.
func (m Marker) Record() MarkerRecord {
	verts := make([][]float64, 4)
	for i, c := range m.corners {
		verts[i] = []float64{c.X, c.Y}
	}
	return MarkerRecord{UID: string(m.UID), VertsUV: verts}
}

// MarkerFromRecord restores a registered marker. Vertices are assigned to
// TL, TR, BR, BL in that fixed order and the marker lives in
// SurfaceUndistorted space.
func MarkerFromRecord(rec MarkerRecord) (Marker, error) {
	if rec.UID == "" {
		return Marker{}, fmt.Errorf("%w: marker uid is empty", ErrMalformedDefinition)
	}
	if len(rec.VertsUV) != 4 {
		return Marker{}, fmt.Errorf("%w: marker %s has %d vertices, want 4", ErrMalformedDefinition, rec.UID, len(rec.VertsUV))
	}
	var corners [4]Point
	for i, v := range rec.VertsUV {
		if len(v) != 2 {
			return Marker{}, fmt.Errorf("%w: marker %s vertex %d has %d components, want 2", ErrMalformedDefinition, rec.UID, i, len(v))
		}
		corners[i] = Point{X: v[0], Y: v[1]}
	}
	return NewMarker(MarkerID(rec.UID), SurfaceUndistorted, corners), nil
}
