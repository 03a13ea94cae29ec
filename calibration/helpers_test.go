package calibration

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/spatialmath"
	"go.viam.com/rigcalib/testutils"
)

var board = testutils.Checkerboard{Rows: 7, Cols: 10, SquareSize: 33.5}

func newTarget(t *testing.T) *CalibrationTarget {
	t.Helper()
	target, err := NewCalibrationTarget(board.Rows, board.Cols, board.SquareSize)
	test.That(t, err, test.ShouldBeNil)
	return target
}

func trueModel() *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 600, Fy: 598, Ppx: 322.5, Ppy: 236.0},
		Distortion:              &transform.BrownConrady{RadialK1: -0.1, RadialK2: 0.03, TangentialP1: 0.0005, TangentialP2: -0.0003},
	}
}

// observe projects the target through every pose, adding gaussian noise of sigma pixels.
func observe(
	t *testing.T,
	target *CalibrationTarget,
	model *transform.PinholeCameraModel,
	poses []*transform.Extrinsics,
	sigma float64,
	seed int64,
) *CorrespondenceSet {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	set := NewCorrespondenceSet(target)
	for i, pose := range poses {
		pts, err := testutils.ProjectPoints(model, pose, target.ObjectPoints())
		test.That(t, err, test.ShouldBeNil)
		if sigma > 0 {
			pts = testutils.AddNoise(pts, sigma, rng)
		}
		test.That(t, set.Add(i, pts), test.ShouldBeNil)
	}
	return set
}

// lookAt returns the reference-to-camera transform of a camera at center looking at point, image
// y pointing down along the reference y axis.
func lookAt(t *testing.T, center, point r3.Vector) *transform.Extrinsics {
	t.Helper()
	z := point.Sub(center).Normalize()
	x := r3.Vector{Y: 1}.Cross(z).Normalize()
	y := z.Cross(x)
	rot, err := spatialmath.NewRotationMatrix([]float64{x.X, x.Y, x.Z, y.X, y.Y, y.Z, z.X, z.Y, z.Z})
	test.That(t, err, test.ShouldBeNil)
	return &transform.Extrinsics{Rotation: rot, Translation: rot.Mul(center).Mul(-1)}
}

type rigCamera struct {
	name              string
	center            r3.Vector
	referenceToCamera *transform.Extrinsics
}

// rigScene is four cameras on a 300 x 250 mm rectangle converging on a target 700 mm away.
func rigScene(t *testing.T) ([]rigCamera, []*transform.Extrinsics) {
	t.Helper()
	aim := r3.Vector{X: 150, Y: -125, Z: 700}
	centers := []struct {
		name string
		c    r3.Vector
	}{
		{"bl", r3.Vector{}},
		{"br", r3.Vector{X: 300}},
		{"tl", r3.Vector{Y: -250}},
		{"tr", r3.Vector{X: 300, Y: -250}},
	}
	first := lookAt(t, centers[0].c, aim)
	cams := make([]rigCamera, len(centers))
	for i, c := range centers {
		// express every camera relative to bl
		refToCam := lookAt(t, c.c, aim).Compose(first.Inverse())
		cams[i] = rigCamera{name: c.name, center: first.Apply(c.c), referenceToCamera: refToCam}
	}
	// target poses in the bl frame, bl looking straight at the aim point
	poses := testutils.TargetPoses(board, 28, aim.Norm(), 7)
	return cams, poses
}

func maxPixelDistance(a, b []r2.Point) float64 {
	worst := 0.
	for i := range a {
		if d := a[i].Sub(b[i]).Norm(); d > worst {
			worst = d
		}
	}
	return worst
}
