package calibration

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
)

// CameraInput is one camera of the rig with the correspondences detected in its images and the
// resolution they were captured at. Diagnostics from detection are carried into the layout.
type CameraInput struct {
	Name            string
	Correspondences *CorrespondenceSet
	Width           int
	Height          int
	Diagnostics     []Diagnostic
}

// RigOptions configures a rig calibration.
type RigOptions struct {
	// ReferenceCamera is the index of the camera every other one is related to.
	ReferenceCamera int                 `json:"reference_camera"`
	Single          SingleCameraOptions `json:"calibration"`
	Stereo          StereoOptions       `json:"stereo"`
}

// DefaultRigOptions returns the options used when none are configured.
func DefaultRigOptions() RigOptions {
	return RigOptions{Single: DefaultSingleCameraOptions(), Stereo: DefaultStereoOptions()}
}

// RigCalibrator calibrates every camera on its own and then relates each one to the reference
// camera with a stereo calibration of the pair. Non reference cameras are never related to each
// other and no global adjustment ties the pairs together.
type RigCalibrator struct {
	opts   RigOptions
	single *SingleCameraCalibrator
	stereo *StereoCalibrator
	logger logging.Logger
}

// NewRigCalibrator returns a rig calibrator after validating its options.
func NewRigCalibrator(opts RigOptions, logger logging.Logger) (*RigCalibrator, error) {
	if opts.ReferenceCamera < 0 {
		return nil, errors.Errorf("reference camera index must be non negative, got %d", opts.ReferenceCamera)
	}
	single, err := NewSingleCameraCalibrator(opts.Single, logger.Sublogger("single"))
	if err != nil {
		return nil, err
	}
	stereo, err := NewStereoCalibrator(opts.Stereo, logger.Sublogger("stereo"))
	if err != nil {
		return nil, err
	}
	return &RigCalibrator{opts: opts, single: single, stereo: stereo, logger: logger}, nil
}

// Calibrate produces the layout of the rig. Failures of single cameras or pairs are reported in
// the layout and never abort the others; the returned error is for unusable input or
// cancellation only.
func (r *RigCalibrator) Calibrate(ctx context.Context, cameras []CameraInput) (*RigLayout, error) {
	if len(cameras) == 0 {
		return nil, errors.New("rig has no cameras")
	}
	if r.opts.ReferenceCamera >= len(cameras) {
		return nil, errors.Errorf("reference camera %d out of range for %d cameras", r.opts.ReferenceCamera, len(cameras))
	}
	names := lo.Map(cameras, func(c CameraInput, _ int) string { return c.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return nil, errors.Errorf("camera names must be unique, got duplicates %v", dups)
	}
	for _, c := range cameras {
		if c.Correspondences == nil {
			return nil, errors.Errorf("camera %q has no correspondences", c.Name)
		}
	}

	calibs := make([]*CameraCalibration, len(cameras))
	calibErrs := make([]error, len(cameras))
	g, gctx := errgroup.WithContext(ctx)
	for i := range cameras {
		g.Go(func() error {
			cam := cameras[i]
			calibs[i], calibErrs[i] = r.single.Calibrate(gctx, cam.Correspondences, cam.Width, cam.Height)
			if calibErrs[i] != nil {
				r.logger.Warnw("camera calibration failed", "camera", cam.Name, "kind", KindOf(calibErrs[i]), "error", calibErrs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := r.opts.ReferenceCamera
	stereos := make([]*StereoCalibration, len(cameras))
	stereoErrs := make([]error, len(cameras))
	g, gctx = errgroup.WithContext(ctx)
	for i := range cameras {
		if i == ref || calibErrs[i] != nil {
			continue
		}
		if calibErrs[ref] != nil {
			stereoErrs[i] = errors.Wrapf(ErrReferenceUnavailable, "reference camera %q failed", cameras[ref].Name)
			continue
		}
		g.Go(func() error {
			stereos[i], stereoErrs[i] = r.calibratePair(gctx, cameras[ref], cameras[i], calibs[ref], calibs[i])
			if stereoErrs[i] != nil {
				r.logger.Warnw("stereo calibration failed", "reference", cameras[ref].Name, "camera", cameras[i].Name,
					"kind", KindOf(stereoErrs[i]), "error", stereoErrs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newRigLayout(cameras, ref, calibs, calibErrs, stereos, stereoErrs), nil
}

// calibratePair relates cam to the reference camera on the captures both accepted.
func (r *RigCalibrator) calibratePair(
	ctx context.Context,
	refCam, cam CameraInput,
	refCalib, camCalib *CameraCalibration,
) (*StereoCalibration, error) {
	refSet, camSet, dropped := refCam.Correspondences.Intersect(cam.Correspondences)
	if len(dropped) > 0 {
		r.logger.Infow("captures not accepted by both cameras are left out of the pair",
			"reference", refCam.Name, "camera", cam.Name, "image_indices", dropped)
	}
	stereo, err := r.stereo.Calibrate(ctx, refCalib.Model, camCalib.Model, refSet, camSet)
	if err != nil {
		return nil, errors.Wrapf(err, "pair %s-%s", refCam.Name, cam.Name)
	}
	return stereo, nil
}

// referenceToCamera returns the rig pose of camera i: identity for the reference.
func referenceToCamera(i, ref int, stereos []*StereoCalibration) *transform.Extrinsics {
	if i == ref {
		return transform.NewIdentityExtrinsics()
	}
	if stereos[i] == nil {
		return nil
	}
	return stereos[i].FirstToSecond
}
