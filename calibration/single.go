package calibration

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/utils"
)

// SingleCameraOptions configures the calibration of one camera.
type SingleCameraOptions struct {
	// MinimumImageCount is the number of accepted images below which calibration is refused.
	MinimumImageCount int `json:"minimum_image_count"`
	// MaxRMS is the largest acceptable RMS reprojection error in pixels; 0 disables the check.
	MaxRMS float64 `json:"max_rms_error"`
	// ReferenceImageIndex selects, among the accepted images in insertion order, the one whose
	// pose represents the camera.
	ReferenceImageIndex int `json:"reference_image_index"`
	ParameterFlags
	TermCriteria TermCriteria `json:"term_criteria"`
}

// DefaultSingleCameraOptions returns the options used when none are configured.
func DefaultSingleCameraOptions() SingleCameraOptions {
	return SingleCameraOptions{
		MinimumImageCount: 6,
		MaxRMS:            2,
		TermCriteria:      DefaultTermCriteria,
	}
}

// Validate ensures the options are usable.
func (o *SingleCameraOptions) Validate(path string) error {
	if o.MinimumImageCount < 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("minimum_image_count must be at least 1, got %d", o.MinimumImageCount))
	}
	if o.MaxRMS < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_rms_error must be non negative, got %v", o.MaxRMS))
	}
	if o.ReferenceImageIndex < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("reference_image_index must be non negative, got %d", o.ReferenceImageIndex))
	}
	return o.TermCriteria.Validate(path + ".term_criteria")
}

// CameraCalibration is the fitted model of one camera with the target pose of every accepted image.
type CameraCalibration struct {
	Model          *transform.PinholeCameraModel `json:"model"`
	TargetToCamera []*transform.Extrinsics       `json:"target_to_camera"`
	ImageIndices   []int                         `json:"image_indices"`
	PerImageRMS    []float64                     `json:"per_image_rms"`
	RMS            float64                       `json:"rms"`
	Iterations     int                           `json:"iterations"`
	Converged      bool                          `json:"converged"`
	// RepresentativeImage is the position in TargetToCamera of the pose representing the camera.
	RepresentativeImage int `json:"representative_image"`
}

// RepresentativePose is the target-to-camera pose of the representative image.
func (c *CameraCalibration) RepresentativePose() *transform.Extrinsics {
	return c.TargetToCamera[c.RepresentativeImage]
}

// SingleCameraCalibrator fits a pinhole model with Brown-Conrady distortion to one camera.
type SingleCameraCalibrator struct {
	opts   SingleCameraOptions
	logger logging.Logger
}

// NewSingleCameraCalibrator returns a calibrator after validating its options.
func NewSingleCameraCalibrator(opts SingleCameraOptions, logger logging.Logger) (*SingleCameraCalibrator, error) {
	if err := opts.Validate("calibration"); err != nil {
		return nil, err
	}
	return &SingleCameraCalibrator{opts: opts, logger: logger}, nil
}

// Calibrate fits the intrinsics and per image poses minimizing the reprojection error of every
// accepted image of set, captured at width x height.
func (c *SingleCameraCalibrator) Calibrate(ctx context.Context, set *CorrespondenceSet, width, height int) (*CameraCalibration, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("image resolution must be positive, got %dx%d", width, height)
	}
	n := set.Len()
	if n < c.opts.MinimumImageCount {
		return nil, errors.Wrapf(ErrInsufficientData, "%d of %d images accepted, need at least %d",
			n, set.Supplied(), c.opts.MinimumImageCount)
	}
	if c.opts.ReferenceImageIndex >= n {
		return nil, errors.Wrapf(ErrInsufficientData, "reference image %d requested but only %d images accepted",
			c.opts.ReferenceImageIndex, n)
	}
	c.logger.Debugw("calibrating camera", "accepted", n, "supplied", set.Supplied(), "width", width, "height", height)

	hs, err := targetHomographies(set)
	if err != nil {
		return nil, err
	}
	intrinsics, err := initIntrinsics(hs, width, height)
	if err != nil {
		return nil, err
	}
	numParams := numIntrinsicParams + numPoseParams*n
	x0 := make([]float64, numParams)
	copy(x0, []float64{intrinsics.Fx, intrinsics.Fy, intrinsics.Ppx, intrinsics.Ppy})
	for i, h := range hs {
		pose, err := transform.PoseFromHomography(h, intrinsics)
		if err != nil {
			return nil, errors.Wrapf(ErrDegenerateGeometry, "image %d: %v", set.Entry(i).ImageIndex, err)
		}
		copy(x0[numIntrinsicParams+numPoseParams*i:], poseParams(pose))
	}
	c.logger.Debugw("initial intrinsics", "fx", intrinsics.Fx, "fy", intrinsics.Fy)

	prob := c.problem(set, width, height)
	res, err := levenbergMarquardt(ctx, prob, x0, c.opts.TermCriteria)
	if err != nil {
		return nil, err
	}
	return c.result(set, prob, res, width, height)
}

func (c *SingleCameraCalibrator) problem(set *CorrespondenceSet, width, height int) *blockProblem {
	n := set.Len()
	objectPts := set.ObjectPoints()
	prob := &blockProblem{numParams: numIntrinsicParams + numPoseParams*n, fixed: make([]bool, numIntrinsicParams+numPoseParams*n)}
	fixed := c.opts.fixedIntrinsics()
	copy(prob.fixed, fixed[:])
	for i := 0; i < n; i++ {
		imagePts := set.Entry(i).ImagePoints
		params := make([]int, 0, numIntrinsicParams+numPoseParams)
		for k := 0; k < numIntrinsicParams; k++ {
			params = append(params, k)
		}
		for k := 0; k < numPoseParams; k++ {
			params = append(params, numIntrinsicParams+numPoseParams*i+k)
		}
		prob.blocks = append(prob.blocks, residualBlock{
			params: params,
			size:   2 * len(objectPts),
			eval: func(local, out []float64) bool {
				model := modelFromParams(local[:numIntrinsicParams], width, height)
				return reprojectionResiduals(model, poseFromParams(local[numIntrinsicParams:]), objectPts, imagePts, out)
			},
		})
	}
	return prob
}

func (c *SingleCameraCalibrator) result(
	set *CorrespondenceSet,
	prob *blockProblem,
	res *lmResult,
	width, height int,
) (*CameraCalibration, error) {
	n := set.Len()
	model := modelFromParams(res.X[:numIntrinsicParams], width, height)
	if err := model.CheckValid(); err != nil {
		return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
	}
	residuals, ok := prob.Residuals(res.X)
	if !ok {
		return nil, errors.Wrap(ErrDegenerateGeometry, "target ends up behind the camera")
	}
	out := &CameraCalibration{
		Model:               model,
		TargetToCamera:      make([]*transform.Extrinsics, n),
		ImageIndices:        set.ImageIndices(),
		PerImageRMS:         make([]float64, n),
		Iterations:          res.Iterations,
		Converged:           res.Converged,
		RepresentativeImage: c.opts.ReferenceImageIndex,
	}
	total, count := 0., 0
	for i := 0; i < n; i++ {
		out.TargetToCamera[i] = poseFromParams(res.X[numIntrinsicParams+numPoseParams*i:])
		sq := 0.
		for _, r := range residuals[i] {
			sq += r * r
		}
		points := len(residuals[i]) / 2
		out.PerImageRMS[i] = math.Sqrt(sq / float64(points))
		total += sq
		count += points
	}
	out.RMS = math.Sqrt(total / float64(count))
	if math.IsNaN(out.RMS) {
		return nil, errors.Wrap(ErrDegenerateGeometry, "reprojection error is not finite")
	}
	if !res.Converged {
		c.logger.Warnw("refinement hit the iteration cap", "iterations", res.Iterations, "rms", out.RMS)
	}
	if c.opts.MaxRMS > 0 && out.RMS > c.opts.MaxRMS {
		return nil, errors.Wrapf(ErrDegenerateGeometry, "rms reprojection error %.3f px exceeds %.3f px", out.RMS, c.opts.MaxRMS)
	}
	c.logger.Infow("camera calibrated",
		"rms", out.RMS, "images", n, "iterations", res.Iterations,
		"fx", model.Fx, "fy", model.Fy, "ppx", model.Ppx, "ppy", model.Ppy,
		"distortion", model.Distortion.Parameters())
	return out, nil
}
