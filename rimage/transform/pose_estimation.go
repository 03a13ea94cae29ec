package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/spatialmath"
)

// ErrDegeneratePose is returned when a pose cannot be recovered from a homography.
var ErrDegeneratePose = errors.New("target pose cannot be recovered")

// PoseFromHomography recovers the target-to-camera transform from a homography mapping target
// plane coordinates (X, Y) to pixels: with B = K^-1*H, r1 = l*b1, r2 = l*b2, r3 = r1 x r2 and
// t = l*b3, the scale l being chosen so the target sits in front of the camera. The rotation is
// re-orthonormalized.
func PoseFromHomography(h *Homography, intrinsics *PinholeCameraIntrinsics) (*Extrinsics, error) {
	var b mat.Dense
	b.Mul(intrinsics.GetInverseCameraMatrix(), h.Dense())
	b1 := r3.Vector{X: b.At(0, 0), Y: b.At(1, 0), Z: b.At(2, 0)}
	b2 := r3.Vector{X: b.At(0, 1), Y: b.At(1, 1), Z: b.At(2, 1)}
	b3 := r3.Vector{X: b.At(0, 2), Y: b.At(1, 2), Z: b.At(2, 2)}
	n1, n2 := b1.Norm(), b2.Norm()
	if n1 < 1e-12 || n2 < 1e-12 {
		return nil, errors.Wrap(ErrDegeneratePose, "homography columns vanish")
	}
	lambda := 2 / (n1 + n2)
	if b3.Z < 0 {
		lambda = -lambda
	}
	r1, r2, t := b1.Mul(lambda), b2.Mul(lambda), b3.Mul(lambda)
	r3v := r1.Cross(r2)
	rot := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	rm, err := spatialmath.OrthonormalizeRotation(rot)
	if err != nil {
		return nil, errors.Wrap(ErrDegeneratePose, err.Error())
	}
	return &Extrinsics{Rotation: rm, Translation: t}, nil
}

// ReprojectionSquaredError sums the squared pixel distances between the observed points and the
// object points projected through pose and model.
func ReprojectionSquaredError(model *PinholeCameraModel, pose *Extrinsics, objectPts []r3.Vector, imagePts []r2.Point) float64 {
	sum := 0.
	for i, obj := range objectPts {
		p, ok := model.Project(pose.Apply(obj))
		if !ok {
			return math.Inf(1)
		}
		d := p.Sub(imagePts[i])
		sum += d.Dot(d)
	}
	return sum
}

// BuildTargetPoseProblem makes the optimization problem refining a target pose, parameterized
// as (rotation vector, translation / translationScale).
func BuildTargetPoseProblem(
	model *PinholeCameraModel,
	objectPts []r3.Vector,
	imagePts []r2.Point,
	translationScale float64,
) *optimize.Problem {
	poseOf := func(x []float64) *Extrinsics {
		return NewExtrinsicsFromRotationVector(
			r3.Vector{X: x[0], Y: x[1], Z: x[2]},
			r3.Vector{X: x[3], Y: x[4], Z: x[5]}.Mul(translationScale),
		)
	}
	f := func(x []float64) float64 {
		return ReprojectionSquaredError(model, poseOf(x), objectPts, imagePts)
	}
	return &optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, &fd.Settings{Formula: fd.Central})
		},
	}
}

// EstimateTargetPose returns the transform from the planar target (Z = 0) to a calibrated camera
// given the detected image points: the pose is initialized from the homography of the undistorted
// points and refined by minimizing the reprojection error.
func EstimateTargetPose(
	model *PinholeCameraModel,
	objectPts []r3.Vector,
	imagePts []r2.Point,
	logger logging.Logger,
) (*Extrinsics, error) {
	if len(objectPts) != len(imagePts) {
		return nil, errors.Errorf("got %d object points but %d image points", len(objectPts), len(imagePts))
	}
	if err := model.CheckValid(); err != nil {
		return nil, err
	}
	plane := make([]r2.Point, len(objectPts))
	undistorted := make([]r2.Point, len(imagePts))
	for i := range objectPts {
		plane[i] = r2.Point{X: objectPts[i].X, Y: objectPts[i].Y}
		undistorted[i] = model.UndistortPixel(imagePts[i])
	}
	h, err := EstimateHomography(plane, undistorted)
	if err != nil {
		return nil, errors.Wrap(ErrDegeneratePose, err.Error())
	}
	initial, err := PoseFromHomography(h, model.PinholeCameraIntrinsics)
	if err != nil {
		return nil, err
	}

	scale := math.Max(initial.Translation.Norm(), 1)
	prob := BuildTargetPoseProblem(model, objectPts, imagePts, scale)
	rvec := initial.RotationVector()
	x0 := []float64{rvec.X, rvec.Y, rvec.Z, initial.Translation.X / scale, initial.Translation.Y / scale, initial.Translation.Z / scale}
	f0 := prob.Func(x0)

	result, err := optimize.Minimize(*prob, x0, &optimize.Settings{MajorIterations: 200, GradientThreshold: 1e-9}, &optimize.LBFGS{})
	if result == nil || result.F > f0 || math.IsNaN(result.F) {
		if err != nil {
			logger.Debugw("target pose refinement failed, keeping homography pose", "error", err)
		}
		return initial, nil
	}
	if err != nil {
		// line searches commonly give up once the error is at numerical precision
		logger.Debugw("target pose refinement stopped early", "error", err, "status", result.Status.String())
	}
	x := result.X
	return NewExtrinsicsFromRotationVector(
		r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		r3.Vector{X: x[3], Y: x[4], Z: x[5]}.Mul(scale),
	), nil
}
