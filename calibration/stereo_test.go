package calibration

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
)

func newStereo(t *testing.T, opts StereoOptions) *StereoCalibrator {
	t.Helper()
	s, err := NewStereoCalibrator(opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return s
}

// observeRig returns the correspondences of cam for the target poses given in the reference frame.
func observeRig(
	t *testing.T,
	target *CalibrationTarget,
	model *transform.PinholeCameraModel,
	cam rigCamera,
	poses []*transform.Extrinsics,
	sigma float64,
	seed int64,
) *CorrespondenceSet {
	t.Helper()
	inCamera := make([]*transform.Extrinsics, len(poses))
	for i, pose := range poses {
		inCamera[i] = cam.referenceToCamera.Compose(pose)
	}
	return observe(t, target, model, inCamera, sigma, seed)
}

func TestStereoRecoversRelativePose(t *testing.T) {
	target := newTarget(t)
	cams, poses := rigScene(t)
	model := trueModel()
	first := observeRig(t, target, model, cams[0], poses, 0, 0)
	second := observeRig(t, target, model, cams[1], poses, 0, 0)

	res, err := newStereo(t, DefaultStereoOptions()).Calibrate(context.Background(), model, model, first, second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.RMS, test.ShouldBeLessThan, 1e-3)
	test.That(t, res.FirstRMS, test.ShouldBeLessThan, 1e-3)
	test.That(t, res.SecondRMS, test.ShouldBeLessThan, 1e-3)
	test.That(t, res.EpipolarError, test.ShouldBeLessThan, 1e-3)

	truth := cams[1].referenceToCamera
	test.That(t, res.FirstToSecond.Translation.Sub(truth.Translation).Norm(), test.ShouldBeLessThan, 0.01)
	test.That(t, res.FirstToSecond.Rotation.AngleTo(truth.Rotation), test.ShouldBeLessThan, 1e-5)
	// 300 mm baseline
	test.That(t, res.FirstToSecond.Translation.Norm(), test.ShouldAlmostEqual, 300, 0.01)
	test.That(t, res.FirstToSecond.CameraCenter().Sub(cams[1].center).Norm(), test.ShouldBeLessThan, 0.01)

	test.That(t, len(res.TargetToFirst), test.ShouldEqual, len(poses))
	test.That(t, res.TargetToFirst[3].Translation.Sub(poses[3].Translation).Norm(), test.ShouldBeLessThan, 0.01)
	test.That(t, res.ImageIndices, test.ShouldResemble, first.ImageIndices())
	// the models are returned untouched
	test.That(t, res.First, test.ShouldEqual, model)
	test.That(t, res.Second, test.ShouldEqual, model)

	// the essential matrix is [t]x R
	e := transform.GetEssentialMatrixFromPose(res.FirstToSecond)
	test.That(t, res.Essential[0][1], test.ShouldAlmostEqual, e.At(0, 1))
	test.That(t, res.Essential[2][0], test.ShouldAlmostEqual, e.At(2, 0))
}

func TestStereoNoisy(t *testing.T) {
	target := newTarget(t)
	cams, poses := rigScene(t)
	model := trueModel()
	first := observeRig(t, target, model, cams[0], poses, 0.2, 1)
	second := observeRig(t, target, model, cams[2], poses, 0.2, 2)

	res, err := newStereo(t, DefaultStereoOptions()).Calibrate(context.Background(), model, model, first, second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.RMS, test.ShouldBeLessThan, 0.4)
	test.That(t, res.FirstToSecond.CameraCenter().Sub(cams[2].center).Norm(), test.ShouldBeLessThan, 2)
	test.That(t, res.EpipolarError, test.ShouldBeLessThan, 0.5)
}

func TestStereoRefineIntrinsics(t *testing.T) {
	target := newTarget(t)
	cams, poses := rigScene(t)
	model := trueModel()
	first := observeRig(t, target, model, cams[0], poses, 0, 0)
	second := observeRig(t, target, model, cams[3], poses, 0, 0)

	off := trueModel()
	off.Fx *= 1.01
	opts := DefaultStereoOptions()
	opts.RefineIntrinsics = true
	res, err := newStereo(t, opts).Calibrate(context.Background(), model, off, first, second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Second, test.ShouldNotEqual, off)
	test.That(t, res.Second.Fx, test.ShouldAlmostEqual, model.Fx, 0.5)
	test.That(t, res.First.Fx, test.ShouldAlmostEqual, model.Fx, 0.5)
	test.That(t, res.RMS, test.ShouldBeLessThan, 0.01)
	test.That(t, res.FirstToSecond.CameraCenter().Sub(cams[3].center).Norm(), test.ShouldBeLessThan, 0.5)
	// the caller's model is not modified
	test.That(t, off.Fx, test.ShouldAlmostEqual, model.Fx*1.01)
}

func TestStereoMisaligned(t *testing.T) {
	target := newTarget(t)
	cams, poses := rigScene(t)
	model := trueModel()
	first := observeRig(t, target, model, cams[0], poses, 0, 0)
	fewer := observeRig(t, target, model, cams[1], poses[:20], 0, 0)

	s := newStereo(t, DefaultStereoOptions())
	_, err := s.Calibrate(context.Background(), model, model, first, fewer)
	test.That(t, errors.Is(err, ErrMisalignedCorrespondence), test.ShouldBeTrue)
	test.That(t, KindOf(err), test.ShouldEqual, KindMisalignedCorrespondence)

	// same count but a different capture at one position
	shifted := NewCorrespondenceSet(target)
	for i := 0; i < first.Len(); i++ {
		idx := i
		if i == 7 {
			idx = 100
		}
		test.That(t, shifted.Add(idx, first.Entry(i).ImagePoints), test.ShouldBeNil)
	}
	_, err = s.Calibrate(context.Background(), model, model, first, shifted)
	test.That(t, errors.Is(err, ErrMisalignedCorrespondence), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "entry 7")

	other, err := NewCalibrationTarget(6, 9, 25)
	test.That(t, err, test.ShouldBeNil)
	_, err = s.Calibrate(context.Background(), model, model, NewCorrespondenceSet(other), NewCorrespondenceSet(target))
	test.That(t, errors.Is(err, ErrMisalignedCorrespondence), test.ShouldBeTrue)
}

func TestStereoInsufficientData(t *testing.T) {
	target := newTarget(t)
	cams, poses := rigScene(t)
	model := trueModel()
	first := observeRig(t, target, model, cams[0], poses[:2], 0, 0)
	second := observeRig(t, target, model, cams[1], poses[:2], 0, 0)
	_, err := newStereo(t, DefaultStereoOptions()).Calibrate(context.Background(), model, model, first, second)
	test.That(t, errors.Is(err, ErrInsufficientData), test.ShouldBeTrue)

	_, err = newStereo(t, DefaultStereoOptions()).Calibrate(context.Background(), nil, model, first, second)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStereoOptionsValidate(t *testing.T) {
	opts := DefaultStereoOptions()
	test.That(t, opts.Validate("stereo"), test.ShouldBeNil)
	opts.MaxRMS = -1
	_, err := NewStereoCalibrator(opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "stereo")
}
