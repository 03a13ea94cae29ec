package transform

import (
	"math"

	"github.com/pkg/errors"
)

// BrownConrady is the radial (k1, k2, k3) and tangential (p1, p2) lens distortion model. It acts
// on normalized image coordinates, i.e. x/z and y/z in the camera frame.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	for _, p := range bc.Parameters() {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return InvalidDistortionError("BrownConrady parameters must be finite")
		}
	}
	return nil
}

// NewBrownConrady takes in a slice of floats that will be passed into the struct in order
// (k1, k2, k3, p1, p2). Missing trailing values are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > 5 {
		return nil, errors.Errorf("list of parameters too long, expected max 5, got %d", len(inp))
	}
	if len(inp) == 0 {
		return &BrownConrady{}, nil
	}
	params := make([]float64, 5)
	copy(params, inp)
	return &BrownConrady{params[0], params[1], params[2], params[3], params[4]}, nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// Transform distorts the normalized point (x, y):
//
//	x_d = x * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p2*x*y + p1*(r² + 2*y²)
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	radDist := 1. + r2*(bc.RadialK1+r2*(bc.RadialK2+r2*bc.RadialK3))
	xd := x*radDist + 2.*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2.*x*x)
	yd := y*radDist + 2.*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2.*y*y)
	return xd, yd
}

// jacobian returns the partial derivatives of Transform at (x, y), row major.
func (bc *BrownConrady) jacobian(x, y float64) (dxx, dxy, dyx, dyy float64) {
	r2 := x*x + y*y
	radial := 1. + r2*(bc.RadialK1+r2*(bc.RadialK2+r2*bc.RadialK3))
	// d(radial)/d(r2)
	dRadial := bc.RadialK1 + r2*(2*bc.RadialK2+3*r2*bc.RadialK3)
	dxx = radial + 2*x*x*dRadial + 2*bc.TangentialP1*y + 6*bc.TangentialP2*x
	dxy = 2*x*y*dRadial + 2*bc.TangentialP1*x + 2*bc.TangentialP2*y
	dyx = 2*x*y*dRadial + 2*bc.TangentialP2*y + 2*bc.TangentialP1*x
	dyy = radial + 2*y*y*dRadial + 2*bc.TangentialP2*x + 6*bc.TangentialP1*y
	return dxx, dxy, dyx, dyy
}

// Undistort inverts Transform with Newton steps started at the distorted point. Points far
// outside the field of view the model was fit on may not converge; the last estimate is returned.
func (bc *BrownConrady) Undistort(xd, yd float64) (float64, float64) {
	if bc == nil {
		return xd, yd
	}
	const maxIterations, tolerance = 20, 1e-12
	x, y := xd, yd
	for i := 0; i < maxIterations; i++ {
		ex, ey := bc.Transform(x, y)
		ex, ey = ex-xd, ey-yd
		if ex*ex+ey*ey < tolerance*tolerance {
			break
		}
		a, b, c, d := bc.jacobian(x, y)
		det := a*d - b*c
		if det == 0 {
			break
		}
		x -= (d*ex - b*ey) / det
		y -= (a*ey - c*ex) / det
	}
	return x, y
}
