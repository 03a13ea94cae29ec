package calibration

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/rigcalib/rimage/transform"
)

// Parameter layout of a camera: fx, fy, cx, cy, k1, k2, k3, p1, p2. A pose is a rotation
// vector followed by a translation.
const (
	numIntrinsicParams = 9
	numPoseParams      = 6
)

// ParameterFlags selects camera parameters held at their initial value during refinement.
type ParameterFlags struct {
	FixPrincipalPoint bool `json:"fix_principal_point"`
	FixK3             bool `json:"fix_k3"`
	ZeroTangentDist   bool `json:"zero_tangent_dist"`
}

func (f ParameterFlags) fixedIntrinsics() [numIntrinsicParams]bool {
	var fixed [numIntrinsicParams]bool
	fixed[2], fixed[3] = f.FixPrincipalPoint, f.FixPrincipalPoint
	fixed[6] = f.FixK3
	fixed[7], fixed[8] = f.ZeroTangentDist, f.ZeroTangentDist
	return fixed
}

func intrinsicParams(model *transform.PinholeCameraModel) []float64 {
	p := []float64{model.Fx, model.Fy, model.Ppx, model.Ppy, 0, 0, 0, 0, 0}
	if bc, ok := model.Distortion.(*transform.BrownConrady); ok && bc != nil {
		copy(p[4:], bc.Parameters())
	}
	return p
}

func modelFromParams(p []float64, width, height int) *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{
			Width: width, Height: height,
			Fx: p[0], Fy: p[1], Ppx: p[2], Ppy: p[3],
		},
		Distortion: &transform.BrownConrady{
			RadialK1: p[4], RadialK2: p[5], RadialK3: p[6],
			TangentialP1: p[7], TangentialP2: p[8],
		},
	}
}

func poseParams(pose *transform.Extrinsics) []float64 {
	r := pose.RotationVector()
	t := pose.Translation
	return []float64{r.X, r.Y, r.Z, t.X, t.Y, t.Z}
}

func poseFromParams(p []float64) *transform.Extrinsics {
	return transform.NewExtrinsicsFromRotationVector(
		r3.Vector{X: p[0], Y: p[1], Z: p[2]},
		r3.Vector{X: p[3], Y: p[4], Z: p[5]},
	)
}

// reprojectionResiduals writes the x and y pixel errors of every point, returning false if one
// lands behind the camera.
func reprojectionResiduals(
	model *transform.PinholeCameraModel,
	targetToCamera *transform.Extrinsics,
	objectPts []r3.Vector,
	imagePts []r2.Point,
	out []float64,
) bool {
	for i, obj := range objectPts {
		p, ok := model.Project(targetToCamera.Apply(obj))
		if !ok {
			return false
		}
		out[2*i] = p.X - imagePts[i].X
		out[2*i+1] = p.Y - imagePts[i].Y
	}
	return true
}

// Reproject projects the target points through a pose and model.
func Reproject(model *transform.PinholeCameraModel, targetToCamera *transform.Extrinsics, objectPts []r3.Vector) []r2.Point {
	out := make([]r2.Point, len(objectPts))
	for i, obj := range objectPts {
		out[i], _ = model.Project(targetToCamera.Apply(obj))
	}
	return out
}
