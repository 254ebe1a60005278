package aoi

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// minCorrespondences is the number of point pairs that fix the eight
	// degrees of freedom of a homography.
	minCorrespondences = 4

	// rankTolerance is the smallest acceptable ratio between the eighth and
	// the first singular value of the normalized DLT system.
	rankTolerance = 1e-10

	// singularTolerance bounds the determinant of the unit-norm solution in
	// normalized coordinates.
	singularTolerance = 1e-10
)

// Homography is a row-major 3x3 projective transform.
type Homography [9]float64

// IdentityHomography returns the identity transform.
func IdentityHomography() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// HomographyFromAffine lifts an affine transform.
func HomographyFromAffine(m AffineMatrix) Homography {
	return Homography{m.A, m.B, m.Tx, m.C, m.D, m.Ty, 0, 0, 1}
}

// TransformPoint applies the homography to a single point.
func (h Homography) TransformPoint(p Point) Point {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// TransformPoints applies the homography to every point. An empty input
// yields an empty, non-nil slice.
func (h Homography) TransformPoints(points []Point) []Point {
	result := make([]Point, len(points))
	for i, p := range points {
		result[i] = h.TransformPoint(p)
	}
	return result
}

// Multiply composes two homographies: result = h * o
// Applying result is equivalent to applying o first, then h
func (h Homography) Multiply(o Homography) Homography {
	var out mat.Dense
	out.Mul(h.dense(), o.dense())
	return homographyFromDense(&out)
}

// Invert returns the inverse transform, normalized so that the bottom-right
// element is 1 when possible.
func (h Homography) Invert() (Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(h.dense()); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerateHomography, err)
	}
	out := homographyFromDense(&inv)
	if !out.finite() {
		return Homography{}, fmt.Errorf("%w: inverse is not finite", ErrDegenerateHomography)
	}
	return out.normalized(), nil
}

func (h Homography) dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, h[:])
	return mat.NewDense(3, 3, data)
}

func homographyFromDense(m *mat.Dense) Homography {
	var h Homography
	for r := range 3 {
		for c := range 3 {
			h[r*3+c] = m.At(r, c)
		}
	}
	return h
}

func (h Homography) finite() bool {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// normalized scales h so h[8] == 1, or to unit Frobenius norm when h[8] is
// numerically zero.
func (h Homography) normalized() Homography {
	scale := h[8]
	if math.Abs(scale) < 1e-12 {
		var sum float64
		for _, v := range h {
			sum += v * v
		}
		scale = math.Sqrt(sum)
	}
	if scale == 0 {
		return h
	}
	for i := range h {
		h[i] /= scale
	}
	return h
}

// EstimateHomography computes the least-squares homography mapping source
// points to target points: target ≈ H(source). It uses the normalized DLT:
// both point sets are centered and scaled to mean distance sqrt(2), the
// stacked 2Nx9 system is solved by SVD, and the result is denormalized.
// All correspondences contribute equally.
func EstimateHomography(source, target []Point) (Homography, error) {
	n := len(source)
	if n != len(target) {
		return Homography{}, fmt.Errorf("%w: %d source points but %d target points",
			ErrDegenerateHomography, n, len(target))
	}
	if n < minCorrespondences {
		return Homography{}, fmt.Errorf("%w: %d correspondences, need at least %d",
			ErrDegenerateHomography, n, minCorrespondences)
	}

	srcT, ok := normalizingTransform(source)
	if !ok {
		return Homography{}, fmt.Errorf("%w: source points coincide", ErrDegenerateHomography)
	}
	dstT, ok := normalizingTransform(target)
	if !ok {
		return Homography{}, fmt.Errorf("%w: target points coincide", ErrDegenerateHomography)
	}

	// Each pair (X,Y) -> (x,y) contributes two rows:
	//   [-X, -Y, -1,  0,  0,  0, xX, xY, x]
	//   [ 0,  0,  0, -X, -Y, -1, yX, yY, y]
	data := make([]float64, 0, 2*n*9)
	for i := range source {
		s := TransformPoint(source[i], srcT)
		t := TransformPoint(target[i], dstT)
		X, Y, x, y := s.X, s.Y, t.X, t.Y
		data = append(data,
			-X, -Y, -1, 0, 0, 0, x*X, x*Y, x,
			0, 0, 0, -X, -Y, -1, y*X, y*Y, y,
		)
	}
	a := mat.NewDense(2*n, 9, data)

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Homography{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateHomography)
	}
	sigma := svd.Values(nil)
	if len(sigma) < 8 || sigma[0] == 0 || sigma[7]/sigma[0] < rankTolerance {
		return Homography{}, fmt.Errorf("%w: correspondences are collinear", ErrDegenerateHomography)
	}

	// The solution is the right singular vector of the smallest singular
	// value, i.e. the last column of V (9x9 for a full factorization).
	var v mat.Dense
	svd.VTo(&v)
	var hn Homography
	for i := range 9 {
		hn[i] = v.At(i, 8)
	}
	// hn has unit norm in normalized coordinates, so its determinant is
	// independent of the pixel scale of either point set.
	if math.Abs(mat.Det(hn.dense())) < singularTolerance {
		return Homography{}, fmt.Errorf("%w: result is singular", ErrDegenerateHomography)
	}

	// H = dstT^-1 * Hn * srcT
	h := HomographyFromAffine(InvertMatrix(dstT)).Multiply(hn).Multiply(HomographyFromAffine(srcT))
	h = h.normalized()
	if !h.finite() {
		return Homography{}, fmt.Errorf("%w: result is not finite", ErrDegenerateHomography)
	}
	return h, nil
}

// normalizingTransform returns the similarity that moves the centroid of
// points to the origin and scales their mean distance to sqrt(2).
func normalizingTransform(points []Point) (AffineMatrix, bool) {
	c := Centroid(points)
	var meanDist float64
	for _, p := range points {
		meanDist += Distance(p, c)
	}
	meanDist /= float64(len(points))
	if meanDist < 1e-12 {
		return Identity(), false
	}
	s := math.Sqrt2 / meanDist
	return AffineMatrix{A: s, B: 0, Tx: -s * c.X, C: 0, D: s, Ty: -s * c.Y}, true
}
