package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/rimage/transform"
)

// targetHomographies fits the homography from the target plane to the pixels of every entry.
func targetHomographies(set *CorrespondenceSet) ([]*transform.Homography, error) {
	plane := make([]r2.Point, set.Target().NumPoints())
	for i, obj := range set.ObjectPoints() {
		plane[i] = r2.Point{X: obj.X, Y: obj.Y}
	}
	hs := make([]*transform.Homography, set.Len())
	for i, e := range set.Entries() {
		h, err := transform.EstimateHomography(plane, e.ImagePoints)
		if err != nil {
			return nil, errors.Wrapf(ErrDegenerateGeometry, "image %d: %v", e.ImageIndex, err)
		}
		hs[i] = h
	}
	return hs, nil
}

// initIntrinsics estimates the focal lengths from the homographies with the principal point at
// the image center: the columns h and v of K^-1*H are orthogonal with equal norms, giving two
// linear equations in 1/fx² and 1/fy² per view.
func initIntrinsics(hs []*transform.Homography, width, height int) (*transform.PinholeCameraIntrinsics, error) {
	cx, cy := float64(width-1)/2, float64(height-1)/2
	a := mat.NewDense(2*len(hs), 2, nil)
	b := mat.NewVecDense(2*len(hs), nil)
	for i, h := range hs {
		var hc, vc [3]float64
		for j := 0; j < 3; j++ {
			hc[j], vc[j] = h.At(j, 0), h.At(j, 1)
		}
		hc[0] -= hc[2] * cx
		hc[1] -= hc[2] * cy
		vc[0] -= vc[2] * cx
		vc[1] -= vc[2] * cy
		var d1, d2 [3]float64
		for j := 0; j < 3; j++ {
			d1[j] = (hc[j] + vc[j]) / 2
			d2[j] = (hc[j] - vc[j]) / 2
		}
		hn, vn, d1n, d2n := unit3(hc), unit3(vc), unit3(d1), unit3(d2)
		a.SetRow(2*i, []float64{hn[0] * vn[0], hn[1] * vn[1]})
		b.SetVec(2*i, -hn[2]*vn[2])
		a.SetRow(2*i+1, []float64{d1n[0] * d2n[0], d1n[1] * d2n[1]})
		b.SetVec(2*i+1, -d1n[2]*d2n[2])
	}
	var ata mat.Dense
	ata.Mul(a.T(), a)
	scale := ata.At(0, 0) * ata.At(1, 1)
	if scale <= 0 || math.Abs(mat.Det(&ata)) < 1e-9*scale {
		return nil, errors.Wrap(ErrDegenerateGeometry, "views do not constrain the focal lengths, tilt the target more")
	}
	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
	}
	fx := math.Sqrt(math.Abs(1 / f.AtVec(0)))
	fy := math.Sqrt(math.Abs(1 / f.AtVec(1)))
	intrinsics := &transform.PinholeCameraIntrinsics{Width: width, Height: height, Fx: fx, Fy: fy, Ppx: cx, Ppy: cy}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
	}
	return intrinsics, nil
}

func unit3(v [3]float64) [3]float64 {
	n := r3.Vector{X: v[0], Y: v[1], Z: v[2]}.Norm()
	if n == 0 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
