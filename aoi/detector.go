package aoi

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// RawDetection is one marker reported by a Detector, in distorted image
// pixels. Corners are listed in the detector's CornerOrder.
type RawDetection struct {
	Family     string
	ID         int
	Corners    [4]Point
	Confidence float64
}

// Detector finds fiducial markers in scene frames.
type Detector interface {
	DetectFromGray(img *image.Gray) ([]RawDetection, error)
	DetectFromImage(img image.Image) ([]RawDetection, error)
	// CornerOrder reports how Corners are listed in every detection.
	CornerOrder() CornerOrder
	Close() error
}

// DetectorFactory builds a detector for a camera. A detector is only valid
// for the camera it was built for.
type DetectorFactory func(cam *Camera) (Detector, error)

// MarkerUID joins a tag family and numeric id into a marker uid.
func MarkerUID(family string, id int) MarkerID {
	return MarkerID(fmt.Sprintf("%s:%d", family, id))
}

// MarkersFromDetections converts raw detections into UndistortedImage
// markers. Detections sharing a uid are collapsed: the higher Confidence
// wins and ties go to the later detection. Markers are returned in order of
// first appearance of their uid.
func MarkersFromDetections(cam *Camera, detections []RawDetection, order CornerOrder) []Marker {
	var (
		uids   []MarkerID
		chosen = make(map[MarkerID]RawDetection, len(detections))
	)
	for _, d := range detections {
		uid := MarkerUID(d.Family, d.ID)
		prev, seen := chosen[uid]
		if !seen {
			uids = append(uids, uid)
		} else if prev.Confidence > d.Confidence {
			continue
		}
		chosen[uid] = d
	}

	markers := make([]Marker, 0, len(uids))
	for _, uid := range uids {
		d := chosen[uid]
		undistorted := cam.UndistortPoints(d.Corners[:])
		var verts [4]Point
		copy(verts[:], undistorted)
		markers = append(markers, NewMarkerFromVertices(uid, UndistortedImage, verts, order))
	}
	return markers
}

// ToGray converts any image to 8-bit grayscale. Gray input is returned as is.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}
