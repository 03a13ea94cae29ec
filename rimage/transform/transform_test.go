package transform

import (
	"encoding/json"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/logging"
)

func testModel() *PinholeCameraModel {
	return &PinholeCameraModel{
		PinholeCameraIntrinsics: &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 610, Fy: 605, Ppx: 322, Ppy: 238},
		Distortion:              &BrownConrady{RadialK1: -0.12, RadialK2: 0.05, TangentialP1: 0.001, TangentialP2: -0.0005},
	}
}

func targetGrid(rows, cols int, square float64) []r3.Vector {
	pts := make([]r3.Vector, 0, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			pts = append(pts, r3.Vector{X: float64(x) * square, Y: float64(y) * square})
		}
	}
	return pts
}

func TestBrownConradyUndistort(t *testing.T) {
	bc, err := NewBrownConrady([]float64{-0.2, 0.08, 0.01, 0.002, -0.001})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bc.CheckValid(), test.ShouldBeNil)
	for _, p := range []r2.Point{{X: 0, Y: 0}, {X: 0.3, Y: -0.2}, {X: -0.45, Y: 0.35}} {
		xd, yd := bc.Transform(p.X, p.Y)
		xu, yu := bc.Undistort(xd, yd)
		test.That(t, xu, test.ShouldAlmostEqual, p.X, 1e-9)
		test.That(t, yu, test.ShouldAlmostEqual, p.Y, 1e-9)
	}

	short, err := NewBrownConrady([]float64{0.1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, short.Parameters(), test.ShouldResemble, []float64{0.1, 0, 0, 0, 0})
	_, err = NewBrownConrady(make([]float64, 6))
	test.That(t, err, test.ShouldNotBeNil)

	var nilBC *BrownConrady
	test.That(t, nilBC.CheckValid(), test.ShouldNotBeNil)
	x, y := nilBC.Transform(1, 2)
	test.That(t, x, test.ShouldEqual, 1.)
	test.That(t, y, test.ShouldEqual, 2.)

	d, err := NewDistorter(BrownConradyDistortionType, []float64{-0.2, 0.05, 0, 0.001, -0.002})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ModelType(), test.ShouldEqual, BrownConradyDistortionType)
	test.That(t, d.Parameters(), test.ShouldResemble, []float64{-0.2, 0.05, 0, 0.001, -0.002})
	x, y = nilBC.Undistort(1, 2)
	test.That(t, x, test.ShouldEqual, 1.)
	test.That(t, y, test.ShouldEqual, 2.)
	_, err = NewDistorter("fisheye", nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestProjectAndUndistort(t *testing.T) {
	model := testModel()
	test.That(t, model.CheckValid(), test.ShouldBeNil)
	pt := r3.Vector{X: 120, Y: -80, Z: 700}
	px, ok := model.Project(pt)
	test.That(t, ok, test.ShouldBeTrue)
	n := model.UndistortPoint(px)
	test.That(t, n.X, test.ShouldAlmostEqual, pt.X/pt.Z, 1e-9)
	test.That(t, n.Y, test.ShouldAlmostEqual, pt.Y/pt.Z, 1e-9)

	ideal := model.UndistortPixel(px)
	u, v := model.PointToPixel(pt.X, pt.Y, pt.Z)
	test.That(t, ideal.X, test.ShouldAlmostEqual, u, 1e-6)
	test.That(t, ideal.Y, test.ShouldAlmostEqual, v, 1e-6)

	_, ok = model.Project(r3.Vector{X: 1, Y: 1, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)

	x, y, z := model.PixelToPoint(u, v, pt.Z)
	test.That(t, x, test.ShouldAlmostEqual, pt.X, 1e-9)
	test.That(t, y, test.ShouldAlmostEqual, pt.Y, 1e-9)
	test.That(t, z, test.ShouldEqual, pt.Z)

	var k, kInv mat.Dense
	k.CloneFrom(model.GetCameraMatrix())
	kInv.Mul(&k, model.GetInverseCameraMatrix())
	test.That(t, mat.EqualApprox(&kInv, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-12), test.ShouldBeTrue)
}

func TestIntrinsicsCheckValid(t *testing.T) {
	var nilIntrinsics *PinholeCameraIntrinsics
	test.That(t, nilIntrinsics.CheckValid(), test.ShouldNotBeNil)
	bad := &PinholeCameraIntrinsics{Width: 10, Height: 10, Fx: -1, Fy: 1}
	test.That(t, bad.CheckValid().Error(), test.ShouldContainSubstring, "Fx")
	bad = &PinholeCameraIntrinsics{Width: 10, Height: 10, Fx: 1, Fy: math.NaN()}
	test.That(t, bad.CheckValid().Error(), test.ShouldContainSubstring, "Fy")
	bad = &PinholeCameraIntrinsics{Fx: 1, Fy: 1}
	test.That(t, bad.CheckValid().Error(), test.ShouldContainSubstring, "size")
}

func TestModelJSON(t *testing.T) {
	model := testModel()
	data, err := json.Marshal(model)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, `"distortion_type":"brown_conrady"`)
	var back PinholeCameraModel
	test.That(t, json.Unmarshal(data, &back), test.ShouldBeNil)
	test.That(t, *back.PinholeCameraIntrinsics, test.ShouldResemble, *model.PinholeCameraIntrinsics)
	test.That(t, back.Distortion.Parameters(), test.ShouldResemble, model.Distortion.Parameters())

	test.That(t, json.Unmarshal([]byte(`{"distortion_type":"fisheye","distortion":{}}`), &back), test.ShouldNotBeNil)

	path := filepath.Join(t.TempDir(), "intrinsics.json")
	raw, err := json.Marshal(model.PinholeCameraIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(path, raw, 0o600), test.ShouldBeNil)
	intrinsics, err := NewPinholeCameraIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, intrinsics.Fx, test.ShouldEqual, 610.)
	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestUndistortImage(t *testing.T) {
	model := &PinholeCameraModel{
		PinholeCameraIntrinsics: &PinholeCameraIntrinsics{Width: 40, Height: 30, Fx: 50, Fy: 50, Ppx: 20, Ppy: 15},
	}
	img := image.NewGray(image.Rect(0, 0, 40, 30))
	img.SetGray(20, 15, color.Gray{Y: 200})
	out, err := model.UndistortImage(img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.GrayAt(20, 15).Y, test.ShouldEqual, uint8(200))

	_, err = model.UndistortImage(image.NewGray(image.Rect(0, 0, 4, 4)))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = model.UndistortImage(nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEstimateHomography(t *testing.T) {
	truth := &Homography{{1.2, 0.1, 30}, {-0.05, 0.9, 12}, {0.0004, -0.0002, 1}}
	var src, dst []r2.Point
	for _, p := range []r2.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 80}, {X: 0, Y: 80}, {X: 50, Y: 40}, {X: 20, Y: 70}} {
		src = append(src, p)
		dst = append(dst, truth.Apply(p))
	}
	h, err := EstimateHomography(src, dst)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, h.At(i, j), test.ShouldAlmostEqual, truth.At(i, j), 1e-8)
		}
	}
	// exactly four points is enough
	h, err = EstimateHomography(src[:4], dst[:4])
	test.That(t, err, test.ShouldBeNil)
	back := h.Apply(src[4])
	test.That(t, back.X, test.ShouldAlmostEqual, dst[4].X, 1e-6)

	inv, err := h.Inverse()
	test.That(t, err, test.ShouldBeNil)
	p := inv.Apply(dst[5])
	test.That(t, p.X, test.ShouldAlmostEqual, src[5].X, 1e-6)
	test.That(t, p.Y, test.ShouldAlmostEqual, src[5].Y, 1e-6)

	_, err = EstimateHomography(src[:3], dst[:3])
	test.That(t, err, test.ShouldNotBeNil)
	collinear := []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}
	_, err = EstimateHomography(collinear, collinear)
	test.That(t, err, test.ShouldNotBeNil)
	same := []r2.Point{{X: 1, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 1}}
	_, err = EstimateHomography(same, same)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEstimateTargetPose(t *testing.T) {
	logger := logging.NewTestLogger(t)
	model := testModel()
	objectPts := targetGrid(7, 10, 33.5)
	truth := NewExtrinsicsFromRotationVector(r3.Vector{X: 0.25, Y: -0.3, Z: 0.05}, r3.Vector{X: -140, Y: -90, Z: 820})
	imagePts := make([]r2.Point, len(objectPts))
	for i, obj := range objectPts {
		var ok bool
		imagePts[i], ok = model.Project(truth.Apply(obj))
		test.That(t, ok, test.ShouldBeTrue)
	}

	pose, err := EstimateTargetPose(model, objectPts, imagePts, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Rotation.AngleTo(truth.Rotation), test.ShouldBeLessThan, 1e-4)
	test.That(t, pose.Translation.Distance(truth.Translation), test.ShouldBeLessThan, 0.1)
	rms := math.Sqrt(ReprojectionSquaredError(model, pose, objectPts, imagePts) / float64(len(objectPts)))
	test.That(t, rms, test.ShouldBeLessThan, 0.01)

	_, err = EstimateTargetPose(model, objectPts, imagePts[:3], logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPoseFromHomographyFrontal(t *testing.T) {
	intrinsics := &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
	// frontal target 1000 units away, shifted by (10, 20)
	h := &Homography{{500, 0, 500*10 + 320*1000}, {0, 500, 500*20 + 240*1000}, {0, 0, 1000}}
	pose, err := PoseFromHomography(h, intrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Rotation.AngleTo(NewIdentityExtrinsics().Rotation), test.ShouldBeLessThan, 1e-9)
	test.That(t, pose.Translation.X, test.ShouldAlmostEqual, 10, 1e-6)
	test.That(t, pose.Translation.Y, test.ShouldAlmostEqual, 20, 1e-6)
	test.That(t, pose.Translation.Z, test.ShouldAlmostEqual, 1000, 1e-6)

	// the same homography up to a negative scale still gives a target in front of the camera
	neg := &Homography{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			neg[i][j] = -h[i][j]
		}
	}
	pose, err = PoseFromHomography(neg, intrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Translation.Z, test.ShouldAlmostEqual, 1000, 1e-6)

	_, err = PoseFromHomography(&Homography{}, intrinsics)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestExtrinsics(t *testing.T) {
	a := NewExtrinsicsFromRotationVector(r3.Vector{X: 0.1, Y: 0.2, Z: -0.3}, r3.Vector{X: 10, Y: -5, Z: 3})
	b := NewExtrinsicsFromRotationVector(r3.Vector{X: -0.4, Z: 0.2}, r3.Vector{X: 1, Y: 2, Z: 3})
	p := r3.Vector{X: 4, Y: 5, Z: 6}

	composed := a.Compose(b).Apply(p)
	direct := a.Apply(b.Apply(p))
	test.That(t, composed.Distance(direct), test.ShouldBeLessThan, 1e-9)

	back := a.Inverse().Apply(a.Apply(p))
	test.That(t, back.Distance(p), test.ShouldBeLessThan, 1e-9)

	center := a.CameraCenter()
	test.That(t, a.Apply(center).Norm(), test.ShouldBeLessThan, 1e-9)
	test.That(t, a.TransformPointToPoint(p.X, p.Y, p.Z), test.ShouldResemble, a.Apply(p))
	test.That(t, a.RotationVector().Z, test.ShouldAlmostEqual, -0.3, 1e-12)
}

func TestEpipolarGeometry(t *testing.T) {
	k1 := &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 600, Fy: 600, Ppx: 320, Ppy: 240}
	k2 := &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 650, Fy: 640, Ppx: 310, Ppy: 250}
	firstToSecond := NewExtrinsicsFromRotationVector(r3.Vector{Y: 0.1}, r3.Vector{X: -150, Y: 5, Z: 2})
	essMat := GetEssentialMatrixFromPose(firstToSecond)
	fMat := GetFundamentalMatrixFromEssential(k1, k2, essMat)

	for _, pt := range []r3.Vector{{X: 10, Y: 20, Z: 900}, {X: -200, Y: 110, Z: 1100}, {X: 60, Y: -90, Z: 700}} {
		p2 := firstToSecond.Apply(pt)
		u1, v1 := k1.PointToPixel(pt.X, pt.Y, pt.Z)
		u2, v2 := k2.PointToPixel(p2.X, p2.Y, p2.Z)
		test.That(t, SampsonDistance(fMat, r2.Point{X: u1, Y: v1}, r2.Point{X: u2, Y: v2}), test.ShouldBeLessThan, 1e-6)
		test.That(t, SampsonDistance(fMat, r2.Point{X: u1, Y: v1}, r2.Point{X: u2, Y: v2 + 3}), test.ShouldBeGreaterThan, 0.5)
	}
}
