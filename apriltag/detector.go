// Package apriltag adapts OpenCV's ArUco module to the aoi.Detector
// interface. It is the only package that links OpenCV.
package apriltag

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/kwv/gazeaoi/aoi"
)

// Family is the tag family name used in marker uids, matching the uids
// written by Pupil Capture surface definitions.
const Family = "tag36h11"

// CornerLabels is the order in which Pupil Capture labelled the corners of
// registered markers: counter-clockwise from the tag's bottom-left. OpenCV
// lists the physical corners TL, TR, BR, BL, so its first corner is stored
// as BottomLeft and its last as TopLeft. Observations must use the same
// labels as the definition files or every marker is mirrored about its
// horizontal axis.
var CornerLabels = aoi.CornerOrder{StartingWith: aoi.BottomLeft, Clockwise: false}

// Detector finds AprilTag 36h11 markers. OpenCV reports corners clockwise
// starting at the top-left corner; CornerOrder relabels them to match
// Pupil Capture definitions.
type Detector struct {
	detector gocv.ArucoDetector
	closed   bool
}

var _ aoi.Detector = (*Detector)(nil)

// NewDetector creates a detector. The camera is not used by the ArUco
// pipeline, which works on distorted pixels.
func NewDetector(_ *aoi.Camera) (aoi.Detector, error) {
	dict := gocv.GetPredefinedDictionary(gocv.ArucoDictAprilTag_36h11)
	params := gocv.NewArucoDetectorParameters()
	return &Detector{detector: gocv.NewArucoDetectorWithParams(dict, params)}, nil
}

// Factory is NewDetector as an aoi.DetectorFactory.
var Factory aoi.DetectorFactory = NewDetector

// DetectFromGray runs detection on a single-channel frame.
func (d *Detector) DetectFromGray(img *image.Gray) ([]aoi.RawDetection, error) {
	if d.closed {
		return nil, errors.New("detector is closed")
	}
	mat, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, fmt.Errorf("converting gray frame: %w", err)
	}
	defer mat.Close()
	return d.detect(mat), nil
}

// DetectFromImage runs detection on a color frame; it is converted to gray
// by OpenCV first.
func (d *Detector) DetectFromImage(img image.Image) ([]aoi.RawDetection, error) {
	if d.closed {
		return nil, errors.New("detector is closed")
	}
	color, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("converting color frame: %w", err)
	}
	defer color.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(color, &gray, gocv.ColorBGRToGray)
	return d.detect(gray), nil
}

func (d *Detector) detect(gray gocv.Mat) []aoi.RawDetection {
	corners, ids, _ := d.detector.DetectMarkers(gray)
	detections := make([]aoi.RawDetection, 0, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) != 4 {
			continue
		}
		det := aoi.RawDetection{Family: Family, ID: id, Confidence: 1}
		for j, c := range corners[i] {
			det.Corners[j] = aoi.Point{X: float64(c.X), Y: float64(c.Y)}
		}
		detections = append(detections, det)
	}
	return detections
}

// CornerOrder implements aoi.Detector.
func (d *Detector) CornerOrder() aoi.CornerOrder {
	return CornerLabels
}

// Close releases the OpenCV detector.
func (d *Detector) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.detector.Close()
	return nil
}
