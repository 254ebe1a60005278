package apriltag

import (
	"context"
	"fmt"
	"image"
	"io"
	"strconv"

	"gocv.io/x/gocv"

	"github.com/kwv/gazeaoi/aoi"
)

// CaptureGrabber reads scene frames from a camera device or a video file.
type CaptureGrabber struct {
	capture *gocv.VideoCapture
	frame   gocv.Mat
}

var _ aoi.FrameGrabber = (*CaptureGrabber)(nil)

// OpenCapture opens device, which is either a device index ("0") or a file
// or stream URL.
func OpenCapture(device string) (*CaptureGrabber, error) {
	var source interface{} = device
	if idx, err := strconv.Atoi(device); err == nil {
		source = idx
	}
	capture, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return nil, fmt.Errorf("opening video source %q: %w", device, err)
	}
	return &CaptureGrabber{capture: capture, frame: gocv.NewMat()}, nil
}

// Grab reads the next frame. It returns io.EOF when the source has no more
// frames.
func (g *CaptureGrabber) Grab(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := g.capture.Read(&g.frame); !ok || g.frame.Empty() {
		return nil, io.EOF
	}
	img, err := g.frame.ToImage()
	if err != nil {
		return nil, fmt.Errorf("converting frame: %w", err)
	}
	return img, nil
}

// Close releases the capture device.
func (g *CaptureGrabber) Close() error {
	g.frame.Close()
	return g.capture.Close()
}
