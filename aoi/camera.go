package aoi

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
)

const (
	// maxDistortionCoefficients covers k1 k2 p1 p2 k3 k4 k5 k6 (OpenCV
	// rational model). Shorter vectors are zero padded.
	maxDistortionCoefficients = 8

	undistortMaxIterations = 20
	undistortTolerance     = 1e-12
	jacobianStep           = 1e-7
)

// Camera is a pinhole camera with OpenCV-style radial/tangential lens
// distortion. It is immutable after construction and safe to share.
type Camera struct {
	k [3][3]float64
	d [maxDistortionCoefficients]float64
	n int // number of coefficients supplied by the caller
}

// NewCamera builds a camera from a 3x3 intrinsic matrix and up to 8
// distortion coefficients ordered k1, k2, p1, p2, k3, k4, k5, k6.
func NewCamera(k [][]float64, d []float64) (*Camera, error) {
	if len(k) != 3 {
		return nil, fmt.Errorf("%w: camera matrix has %d rows, want 3", ErrInvalidCamera, len(k))
	}
	if len(d) > maxDistortionCoefficients {
		return nil, fmt.Errorf("%w: %d distortion coefficients, max %d", ErrInvalidCamera, len(d), maxDistortionCoefficients)
	}

	c := &Camera{n: len(d)}
	for r := range 3 {
		if len(k[r]) != 3 {
			return nil, fmt.Errorf("%w: camera matrix row %d has %d columns, want 3", ErrInvalidCamera, r, len(k[r]))
		}
		for col := range 3 {
			v := k[r][col]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: camera matrix contains non-finite values", ErrInvalidCamera)
			}
			c.k[r][col] = v
		}
	}
	if c.k[0][0] == 0 || c.k[1][1] == 0 {
		return nil, fmt.Errorf("%w: zero focal length", ErrInvalidCamera)
	}
	copy(c.d[:], d)
	return c, nil
}

// NewIdentityCamera returns a camera with identity intrinsics and no lens
// distortion. Pixel and normalized coordinates coincide.
func NewIdentityCamera() *Camera {
	c, _ := NewCamera([][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, nil)
	return c
}

// K returns a copy of the intrinsic matrix.
func (c *Camera) K() [3][3]float64 {
	return c.k
}

// D returns a copy of the distortion coefficients as supplied.
func (c *Camera) D() []float64 {
	out := make([]float64, c.n)
	copy(out, c.d[:c.n])
	return out
}

// UndistortPoints maps distorted pixel coordinates to the coordinates an
// ideal pinhole camera with the same K would have produced.
func (c *Camera) UndistortPoints(points []Point) []Point {
	return c.Project(c.Unproject(points, true), false)
}

// DistortPoints is the inverse of UndistortPoints.
func (c *Camera) DistortPoints(points []Point) []Point {
	return c.Project(c.Unproject(points, false), true)
}

// Unproject converts pixel coordinates into rays on the z = 1 plane,
// removing lens distortion when useDistortion is set.
func (c *Camera) Unproject(points []Point, useDistortion bool) []r3.Vector {
	rays := make([]r3.Vector, len(points))
	for i, p := range points {
		x, y := c.pixelToNormalized(p)
		if useDistortion {
			x, y = c.undistortNormalized(x, y)
		}
		rays[i] = r3.Vector{X: x, Y: y, Z: 1}
	}
	return rays
}

// Project converts camera-frame rays into pixel coordinates, applying lens
// distortion when useDistortion is set.
func (c *Camera) Project(rays []r3.Vector, useDistortion bool) []Point {
	points := make([]Point, len(rays))
	for i, ray := range rays {
		x, y := ray.X/ray.Z, ray.Y/ray.Z
		if useDistortion {
			x, y = c.distortNormalized(x, y)
		}
		points[i] = c.normalizedToPixel(x, y)
	}
	return points
}

func (c *Camera) pixelToNormalized(p Point) (float64, float64) {
	y := (p.Y - c.k[1][2]) / c.k[1][1]
	x := (p.X - c.k[0][2] - c.k[0][1]*y) / c.k[0][0]
	return x, y
}

func (c *Camera) normalizedToPixel(x, y float64) Point {
	return Point{
		X: c.k[0][0]*x + c.k[0][1]*y + c.k[0][2],
		Y: c.k[1][1]*y + c.k[1][2],
	}
}

// distortNormalized applies the lens model to ideal normalized coordinates:
//
//	x_d = x*(1+k1*r²+k2*r⁴+k3*r⁶)/(1+k4*r²+k5*r⁴+k6*r⁶) + 2*p1*x*y + p2*(r²+2*x²)
//	y_d = y*(1+k1*r²+k2*r⁴+k3*r⁶)/(1+k4*r²+k5*r⁴+k6*r⁶) + p1*(r²+2*y²) + 2*p2*x*y
func (c *Camera) distortNormalized(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := c.d[0], c.d[1], c.d[2], c.d[3], c.d[4]
	k4, k5, k6 := c.d[5], c.d[6], c.d[7]

	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2

	radial := (1 + k1*r2 + k2*r4 + k3*r6) / (1 + k4*r2 + k5*r4 + k6*r6)
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// undistortNormalized inverts distortNormalized with Newton-Raphson,
// starting from the distorted point itself.
func (c *Camera) undistortNormalized(xd, yd float64) (float64, float64) {
	if c.hasNoDistortion() {
		return xd, yd
	}

	xu, yu := xd, yd
	for range undistortMaxIterations {
		fx, fy := c.distortNormalized(xu, yu)
		errX, errY := fx-xd, fy-yd
		if errX*errX+errY*errY < undistortTolerance*undistortTolerance {
			break
		}

		// Central-difference Jacobian of the forward model
		hx := jacobianStep * (1 + math.Abs(xu))
		hy := jacobianStep * (1 + math.Abs(yu))
		xp, yp := c.distortNormalized(xu+hx, yu)
		xm, ym := c.distortNormalized(xu-hx, yu)
		dxdx, dydx := (xp-xm)/(2*hx), (yp-ym)/(2*hx)
		xp, yp = c.distortNormalized(xu, yu+hy)
		xm, ym = c.distortNormalized(xu, yu-hy)
		dxdy, dydy := (xp-xm)/(2*hy), (yp-ym)/(2*hy)

		det := dxdx*dydy - dxdy*dydx
		if det == 0 || math.IsNaN(det) {
			break
		}

		xu -= (dydy*errX - dxdy*errY) / det
		yu -= (-dydx*errX + dxdx*errY) / det
	}
	return xu, yu
}

func (c *Camera) hasNoDistortion() bool {
	for _, v := range c.d {
		if v != 0 {
			return false
		}
	}
	return true
}

// UndistortImage remaps img so it looks as if taken by the ideal pinhole
// camera. Output pixels whose source falls outside img are black.
func (c *Camera) UndistortImage(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			nx, ny := c.pixelToNormalized(Point{X: float64(x), Y: float64(y)})
			dx, dy := c.distortNormalized(nx, ny)
			src := c.normalizedToPixel(dx, dy)
			out.SetRGBA(x, y, sampleBilinear(img, src.X+float64(b.Min.X), src.Y+float64(b.Min.Y)))
		}
	}
	return out
}

// sampleBilinear interpolates img at a sub-pixel position.
func sampleBilinear(img image.Image, fx, fy float64) color.RGBA {
	b := img.Bounds()
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	if x0 < b.Min.X || y0 < b.Min.Y || x0 >= b.Max.X || y0 >= b.Max.Y {
		return color.RGBA{}
	}
	x1 := min(x0+1, b.Max.X-1)
	y1 := min(y0+1, b.Max.Y-1)
	ax := fx - float64(x0)
	ay := fy - float64(y0)

	var acc [4]float64
	weights := [4]float64{(1 - ax) * (1 - ay), ax * (1 - ay), (1 - ax) * ay, ax * ay}
	pixels := [4]image.Point{{x0, y0}, {x1, y0}, {x0, y1}, {x1, y1}}
	for i, p := range pixels {
		r, g, bl, a := img.At(p.X, p.Y).RGBA()
		acc[0] += weights[i] * float64(r>>8)
		acc[1] += weights[i] * float64(g>>8)
		acc[2] += weights[i] * float64(bl>>8)
		acc[3] += weights[i] * float64(a>>8)
	}
	return color.RGBA{
		R: uint8(math.Round(acc[0])),
		G: uint8(math.Round(acc[1])),
		B: uint8(math.Round(acc[2])),
		A: uint8(math.Round(acc[3])),
	}
}
