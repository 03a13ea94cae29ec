package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// getCrossProductMatFromPoint returns the skew-symmetric matrix [p]x such that [p]x*v = p x v.
func getCrossProductMatFromPoint(p r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -p.Z, p.Y,
		p.Z, 0, -p.X,
		-p.Y, p.X, 0,
	})
}

// GetEssentialMatrixFromPose returns E = [T]x*R for the transform taking points of the first
// camera frame to the second one. Corresponding normalized points satisfy x2^T*E*x1 = 0.
func GetEssentialMatrixFromPose(firstToSecond *Extrinsics) *mat.Dense {
	var essMat mat.Dense
	essMat.Mul(getCrossProductMatFromPoint(firstToSecond.Translation), firstToSecond.Rotation.Dense())
	return &essMat
}

// GetFundamentalMatrixFromEssential returns F = K2^-T*E*K1^-1, scaled so that its largest
// element has magnitude one. Corresponding pixels satisfy p2^T*F*p1 = 0.
func GetFundamentalMatrixFromEssential(k1, k2 *PinholeCameraIntrinsics, essMat *mat.Dense) *mat.Dense {
	var tmp, fMat mat.Dense
	tmp.Mul(k2.GetInverseCameraMatrix().T(), essMat)
	fMat.Mul(&tmp, k1.GetInverseCameraMatrix())
	maxAbs := 0.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			maxAbs = math.Max(maxAbs, math.Abs(fMat.At(i, j)))
		}
	}
	if maxAbs > 0 {
		fMat.Scale(1/maxAbs, &fMat)
	}
	return &fMat
}

// SampsonDistance returns the first order geometric distance of the pair (p1, p2) to the epipolar
// constraint p2^T*F*p1 = 0, in pixels when F is a fundamental matrix.
func SampsonDistance(fMat mat.Matrix, p1, p2 r2.Point) float64 {
	x1 := mat.NewVecDense(3, []float64{p1.X, p1.Y, 1})
	x2 := mat.NewVecDense(3, []float64{p2.X, p2.Y, 1})
	var fx1, ftx2 mat.VecDense
	fx1.MulVec(fMat, x1)
	ftx2.MulVec(fMat.T(), x2)
	num := mat.Dot(x2, &fx1)
	den := fx1.AtVec(0)*fx1.AtVec(0) + fx1.AtVec(1)*fx1.AtVec(1) + ftx2.AtVec(0)*ftx2.AtVec(0) + ftx2.AtVec(1)*ftx2.AtVec(1)
	if den == 0 {
		return 0
	}
	return math.Abs(num) / math.Sqrt(den)
}

// helpers
// normalizePoints normalizes points as described in Multiple View Geometry, Alg 4.2: the centroid
// is moved to the origin and the mean distance to it scaled to sqrt(2). A nil transform is returned
// when every point coincides.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	if d == 0 || math.IsNaN(d) {
		return nil, nil
	}
	scale := math.Sqrt(2) / d
	transformData := []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	}
	T := mat.NewDense(3, 3, transformData)
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = pts[i].Sub(mu).Mul(scale)
	}
	return pointsTransformed, T
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
}

// performSVD performs SVD on inputMatrix and returns matrices U, Sigma and V from the decomposition.
func performSVD(inputMatrix *mat.Dense) *matsSVD {
	var svd mat.SVD
	ok := svd.Factorize(inputMatrix, mat.SVDFull)
	if !ok {
		return nil
	}

	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}

	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())

	singularValues := svd.Values(nil)
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))

	return &matsSVD{u, v, vt, sigma}
}
