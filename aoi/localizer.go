package aoi

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// SurfaceLocation is the pose of one surface in one frame, expressed as a
// pair of homographies between oriented surface-normalized coordinates and
// the undistorted image plane.
type SurfaceLocation struct {
	SurfaceUID         SurfaceID
	NumMarkersDetected int

	surfaceToImage Homography
	imageToSurface Homography
}

// SurfaceToImage returns the surface -> undistorted image homography.
func (l *SurfaceLocation) SurfaceToImage() Homography {
	return l.surfaceToImage
}

// ImageToSurface returns the undistorted image -> surface homography.
func (l *SurfaceLocation) ImageToSurface() Homography {
	return l.imageToSurface
}

// MapFromImageToSurface maps undistorted image points to surface-normalized
// coordinates.
func (l *SurfaceLocation) MapFromImageToSurface(points []Point) []Point {
	return l.imageToSurface.TransformPoints(points)
}

// MapFromSurfaceToImage maps surface-normalized coordinates to undistorted
// image points.
func (l *SurfaceLocation) MapFromSurfaceToImage(points []Point) []Point {
	return l.surfaceToImage.TransformPoints(points)
}

// LocateSurface estimates where surface lies in the current frame from the
// markers detected in it (UndistortedImage space). It returns nil when no
// registered marker is visible or when the visible markers do not determine
// a homography; both are normal per-frame conditions.
func LocateSurface(surface Surface, markers []Marker) *SurfaceLocation {
	var (
		surfacePts []Point
		imagePts   []Point
		used       int
	)
	for _, detected := range markers {
		registered, ok := surface.RegisteredMarker(detected.UID)
		if !ok {
			continue
		}
		for c := TopLeft; c <= BottomLeft; c++ {
			surfacePts = append(surfacePts, registered.Vertex(c))
			imagePts = append(imagePts, detected.Vertex(c))
		}
		used++
	}
	if used == 0 {
		return nil
	}

	registeredToImage, err := EstimateHomography(surfacePts, imagePts)
	if err != nil {
		return nil
	}

	// Reported coordinates are oriented: oriented = O(registered).
	orient := surface.Orientation.Transform()
	surfaceToImage := registeredToImage.Multiply(HomographyFromAffine(InvertMatrix(orient))).normalized()
	imageToSurface, err := surfaceToImage.Invert()
	if err != nil {
		return nil
	}

	return &SurfaceLocation{
		SurfaceUID:         surface.UID,
		NumMarkersDetected: used,
		surfaceToImage:     surfaceToImage,
		imageToSurface:     imageToSurface,
	}
}

// EdgePoints samples the unit square outline with pointsPerEdge points per
// edge: bottom left-to-right, right bottom-to-top, top right-to-left, left
// top-to-bottom. The second return value holds the indices of the top edge.
func EdgePoints(pointsPerEdge int) ([]Point, []int) {
	if pointsPerEdge < 2 {
		pointsPerEdge = 2
	}
	step := 1.0 / float64(pointsPerEdge-1)
	points := make([]Point, 0, 4*pointsPerEdge)
	for i := range pointsPerEdge {
		points = append(points, Point{X: float64(i) * step, Y: 0})
	}
	for i := range pointsPerEdge {
		points = append(points, Point{X: 1, Y: float64(i) * step})
	}
	for i := range pointsPerEdge {
		points = append(points, Point{X: 1 - float64(i)*step, Y: 1})
	}
	for i := range pointsPerEdge {
		points = append(points, Point{X: 0, Y: 1 - float64(i)*step})
	}

	top := make([]int, pointsPerEdge)
	for i := range top {
		top[i] = 2*pointsPerEdge + i
	}
	return points, top
}

// ImageOutline returns the surface border in distorted image pixels as a
// closed ring. Edges are sampled so lens curvature shows up in the outline.
func (l *SurfaceLocation) ImageOutline(cam *Camera, pointsPerEdge int) orb.Ring {
	edges, _ := EdgePoints(pointsPerEdge)
	pts := cam.DistortPoints(l.MapFromSurfaceToImage(edges))
	ring := make(orb.Ring, 0, len(pts)+1)
	for _, p := range pts {
		ring = append(ring, orb.Point{p.X, p.Y})
	}
	if len(ring) > 0 {
		ring = append(ring, ring[0])
	}
	return ring
}

// TopEdge returns the top edge of the surface in distorted image pixels.
func (l *SurfaceLocation) TopEdge(cam *Camera, pointsPerEdge int) orb.LineString {
	edges, top := EdgePoints(pointsPerEdge)
	topPts := make([]Point, len(top))
	for i, idx := range top {
		topPts[i] = edges[idx]
	}
	pts := cam.DistortPoints(l.MapFromSurfaceToImage(topPts))
	line := make(orb.LineString, len(pts))
	for i, p := range pts {
		line[i] = orb.Point{p.X, p.Y}
	}
	return line
}

// OutlineArea returns the area covered by the surface in distorted image
// pixels.
func (l *SurfaceLocation) OutlineArea(cam *Camera, pointsPerEdge int) float64 {
	return planar.Area(orb.Polygon{l.ImageOutline(cam, pointsPerEdge)})
}

// OutlineContains reports whether a distorted image point lies within the
// surface outline.
func (l *SurfaceLocation) OutlineContains(cam *Camera, p Point) bool {
	return planar.PolygonContains(orb.Polygon{l.ImageOutline(cam, 20)}, orb.Point{p.X, p.Y})
}
