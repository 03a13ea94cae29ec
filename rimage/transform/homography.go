package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 matrix (represented as a 2D array) used to transform a plane from the perspective of a 2D
// camera to the perspective of another 2D camera. Indices are [row][column].
type Homography [3][3]float64

// NewHomographyFromDense copies a 3x3 gonum matrix.
func NewHomographyFromDense(m mat.Matrix) (*Homography, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return nil, errors.Errorf("homography must be 3x3, got %dx%d", r, c)
	}
	h := &Homography{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i][j] = m.At(i, j)
		}
	}
	return h, nil
}

// At returns the element at row, col.
func (h *Homography) At(row, col int) float64 {
	return h[row][col]
}

// Col returns a column as a slice.
func (h *Homography) Col(col int) []float64 {
	return []float64{h[0][col], h[1][col], h[2][col]}
}

// Dense returns the homography as a gonum matrix.
func (h *Homography) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		h[0][0], h[0][1], h[0][2],
		h[1][0], h[1][1], h[1][2],
		h[2][0], h[2][1], h[2][2],
	})
}

// Apply maps a point through the homography.
func (h *Homography) Apply(pt r2.Point) r2.Point {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	return r2.Point{X: x / z, Y: y / z}
}

// Inverse returns the inverse homography, normalized so that element (2, 2) is one when possible.
func (h *Homography) Inverse() (*Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(h.Dense()); err != nil {
		return nil, errors.Wrap(err, "homography is not invertible")
	}
	out, err := NewHomographyFromDense(&inv)
	if err != nil {
		return nil, err
	}
	out.normalize()
	return out, nil
}

func (h *Homography) normalize() {
	s := h[2][2]
	if math.Abs(s) < 1e-12 {
		return
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i][j] /= s
		}
	}
}

// EstimateHomography computes the homography mapping src onto dst with the normalized direct
// linear transform (Multiple View Geometry, Alg 4.2). At least four correspondences are needed.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.New("sets of points src and dst must have the same number of elements")
	}
	if len(src) < 4 {
		return nil, errors.Errorf("need at least 4 point correspondences, got %d", len(src))
	}
	srcN, tSrc := normalizePoints(src)
	dstN, tDst := normalizePoints(dst)
	if tSrc == nil || tDst == nil {
		return nil, errors.New("points are degenerate, cannot normalize")
	}

	nRows := 2 * len(src)
	if nRows < 9 {
		// pad with a zero row so the system has a full 9 column null space basis
		nRows = 9
	}
	a := mat.NewDense(nRows, 9, nil)
	for i := range srcN {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	mats := performSVD(a)
	if mats == nil {
		return nil, errors.New("svd factorization failed")
	}
	if mats.S.At(7, 7) < 1e-9*mats.S.At(0, 0) {
		return nil, errors.New("points are degenerate, homography is not unique")
	}
	hn := mat.NewDense(3, 3, nil)
	for k := 0; k < 9; k++ {
		hn.Set(k/3, k%3, mats.V.At(k, 8))
	}
	// H = T_dst^-1 * Hn * T_src
	var tDstInv, tmp, full mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return nil, errors.Wrap(err, "cannot invert normalization")
	}
	tmp.Mul(&tDstInv, hn)
	full.Mul(&tmp, tSrc)
	h, err := NewHomographyFromDense(&full)
	if err != nil {
		return nil, err
	}
	h.normalize()
	return h, nil
}
