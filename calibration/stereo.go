package calibration

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/utils"
)

// StereoOptions configures the calibration of a camera pair.
type StereoOptions struct {
	// RefineIntrinsics lets both camera models move with the relative pose; they are held fixed
	// otherwise.
	RefineIntrinsics bool `json:"refine_intrinsics"`
	// ParameterFlags applies to both cameras when RefineIntrinsics is set.
	ParameterFlags
	MinimumImageCount int          `json:"minimum_image_count"`
	MaxRMS            float64      `json:"max_rms_error"`
	TermCriteria      TermCriteria `json:"term_criteria"`
}

// DefaultStereoOptions returns the options used when none are configured.
func DefaultStereoOptions() StereoOptions {
	return StereoOptions{
		MinimumImageCount: 3,
		MaxRMS:            2,
		TermCriteria:      DefaultTermCriteria,
	}
}

// Validate ensures the options are usable.
func (o *StereoOptions) Validate(path string) error {
	if o.MinimumImageCount < 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("minimum_image_count must be at least 1, got %d", o.MinimumImageCount))
	}
	if o.MaxRMS < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_rms_error must be non negative, got %v", o.MaxRMS))
	}
	return o.TermCriteria.Validate(path + ".term_criteria")
}

// StereoCalibration relates the frames of two cameras that watched the same target placements.
type StereoCalibration struct {
	First  *transform.PinholeCameraModel `json:"first"`
	Second *transform.PinholeCameraModel `json:"second"`
	// FirstToSecond maps points from the first camera frame to the second.
	FirstToSecond *transform.Extrinsics `json:"first_to_second"`
	Essential     [3][3]float64         `json:"essential"`
	Fundamental   [3][3]float64         `json:"fundamental"`
	// TargetToFirst is the target pose of every paired image in the first camera.
	TargetToFirst []*transform.Extrinsics `json:"target_to_first"`
	ImageIndices  []int                   `json:"image_indices"`
	// RMS is the reprojection error over both cameras, FirstRMS and SecondRMS per camera.
	RMS       float64 `json:"rms"`
	FirstRMS  float64 `json:"first_rms"`
	SecondRMS float64 `json:"second_rms"`
	// EpipolarError is the mean Sampson distance of the undistorted pairs to their epipolar lines.
	EpipolarError float64 `json:"epipolar_error"`
	Iterations    int     `json:"iterations"`
	Converged     bool    `json:"converged"`
}

// StereoCalibrator solves for the rigid transform between two calibrated cameras.
type StereoCalibrator struct {
	opts   StereoOptions
	logger logging.Logger
}

// NewStereoCalibrator returns a calibrator after validating its options.
func NewStereoCalibrator(opts StereoOptions, logger logging.Logger) (*StereoCalibrator, error) {
	if err := opts.Validate("stereo"); err != nil {
		return nil, err
	}
	return &StereoCalibrator{opts: opts, logger: logger}, nil
}

// checkAligned ensures entry i of both sets is the same capture.
func checkAligned(first, second *CorrespondenceSet) error {
	if first.Len() != second.Len() {
		return errors.Wrapf(ErrMisalignedCorrespondence, "first camera has %d images, second has %d", first.Len(), second.Len())
	}
	if first.Target().NumPoints() != second.Target().NumPoints() {
		return errors.Wrap(ErrMisalignedCorrespondence, "cameras observed different targets")
	}
	for i := 0; i < first.Len(); i++ {
		a, b := first.Entry(i).ImageIndex, second.Entry(i).ImageIndex
		if a != b {
			return errors.Wrapf(ErrMisalignedCorrespondence, "entry %d is image %d in the first camera but %d in the second", i, a, b)
		}
	}
	return nil
}

// Calibrate estimates the transform from the first camera frame to the second from
// correspondences aligned capture by capture, starting from the given camera models.
func (s *StereoCalibrator) Calibrate(
	ctx context.Context,
	firstModel, secondModel *transform.PinholeCameraModel,
	first, second *CorrespondenceSet,
) (*StereoCalibration, error) {
	if err := checkAligned(first, second); err != nil {
		return nil, err
	}
	if err := firstModel.CheckValid(); err != nil {
		return nil, err
	}
	if err := secondModel.CheckValid(); err != nil {
		return nil, err
	}
	n := first.Len()
	if n < s.opts.MinimumImageCount {
		return nil, errors.Wrapf(ErrInsufficientData, "%d paired images, need at least %d", n, s.opts.MinimumImageCount)
	}

	targetToFirst, firstToSecond, err := s.initialPoses(firstModel, secondModel, first, second)
	if err != nil {
		return nil, err
	}
	prob, x0 := s.problem(firstModel, secondModel, first, second, targetToFirst, firstToSecond)
	res, err := levenbergMarquardt(ctx, prob, x0, s.opts.TermCriteria)
	if err != nil {
		return nil, err
	}
	return s.result(first, second, firstModel, secondModel, prob, res)
}

// initialPoses estimates the target pose of every capture in each camera and combines the implied
// relative poses by their component wise median.
func (s *StereoCalibrator) initialPoses(
	firstModel, secondModel *transform.PinholeCameraModel,
	first, second *CorrespondenceSet,
) ([]*transform.Extrinsics, *transform.Extrinsics, error) {
	n := first.Len()
	objectPts := first.ObjectPoints()
	targetToFirst := make([]*transform.Extrinsics, n)
	var rx, ry, rz, tx, ty, tz []float64
	for i := 0; i < n; i++ {
		poseA, err := transform.EstimateTargetPose(firstModel, objectPts, first.Entry(i).ImagePoints, s.logger)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrDegenerateGeometry, "image %d in first camera: %v", first.Entry(i).ImageIndex, err)
		}
		poseB, err := transform.EstimateTargetPose(secondModel, objectPts, second.Entry(i).ImagePoints, s.logger)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrDegenerateGeometry, "image %d in second camera: %v", second.Entry(i).ImageIndex, err)
		}
		targetToFirst[i] = poseA
		rel := poseB.Compose(poseA.Inverse())
		r := rel.RotationVector()
		rx, ry, rz = append(rx, r.X), append(ry, r.Y), append(rz, r.Z)
		tx, ty, tz = append(tx, rel.Translation.X), append(ty, rel.Translation.Y), append(tz, rel.Translation.Z)
	}
	median := func(vals []float64) float64 {
		m, err := stats.Median(vals)
		if err != nil {
			return 0
		}
		return m
	}
	rvec := r3.Vector{X: median(rx), Y: median(ry), Z: median(rz)}
	tvec := r3.Vector{X: median(tx), Y: median(ty), Z: median(tz)}
	s.logger.Debugw("initial relative pose", "rvec", rvec, "tvec", tvec)
	return targetToFirst, transform.NewExtrinsicsFromRotationVector(rvec, tvec), nil
}

// problem lays out the parameters as the relative pose, the target pose of every capture in the
// first camera and, when refining intrinsics, both camera models.
func (s *StereoCalibrator) problem(
	firstModel, secondModel *transform.PinholeCameraModel,
	first, second *CorrespondenceSet,
	targetToFirst []*transform.Extrinsics,
	firstToSecond *transform.Extrinsics,
) (*blockProblem, []float64) {
	n := first.Len()
	numParams := numPoseParams * (n + 1)
	firstIntr, secondIntr := -1, -1
	if s.opts.RefineIntrinsics {
		firstIntr = numParams
		secondIntr = numParams + numIntrinsicParams
		numParams += 2 * numIntrinsicParams
	}
	x0 := make([]float64, numParams)
	copy(x0, poseParams(firstToSecond))
	for i, pose := range targetToFirst {
		copy(x0[numPoseParams*(i+1):], poseParams(pose))
	}
	prob := &blockProblem{numParams: numParams, fixed: make([]bool, numParams)}
	if s.opts.RefineIntrinsics {
		copy(x0[firstIntr:], intrinsicParams(firstModel))
		copy(x0[secondIntr:], intrinsicParams(secondModel))
		fixed := s.opts.fixedIntrinsics()
		copy(prob.fixed[firstIntr:], fixed[:])
		copy(prob.fixed[secondIntr:], fixed[:])
	}
	indexRange := func(start, count int) []int {
		out := make([]int, count)
		for k := range out {
			out[k] = start + k
		}
		return out
	}
	// the model of a camera: from the parameters when refined, as given otherwise
	modelOf := func(local []float64, fixedModel *transform.PinholeCameraModel) *transform.PinholeCameraModel {
		if local == nil {
			return fixedModel
		}
		return modelFromParams(local, fixedModel.Width, fixedModel.Height)
	}
	objectPts := first.ObjectPoints()
	for i := 0; i < n; i++ {
		pose := indexRange(numPoseParams*(i+1), numPoseParams)
		ptsA, ptsB := first.Entry(i).ImagePoints, second.Entry(i).ImagePoints

		paramsA := pose
		if firstIntr >= 0 {
			paramsA = append(append([]int{}, pose...), indexRange(firstIntr, numIntrinsicParams)...)
		}
		prob.blocks = append(prob.blocks, residualBlock{
			params: paramsA,
			size:   2 * len(objectPts),
			eval: func(local, out []float64) bool {
				var intr []float64
				if len(local) > numPoseParams {
					intr = local[numPoseParams:]
				}
				return reprojectionResiduals(modelOf(intr, firstModel), poseFromParams(local[:numPoseParams]), objectPts, ptsA, out)
			},
		})

		paramsB := append(indexRange(0, numPoseParams), pose...)
		if secondIntr >= 0 {
			paramsB = append(paramsB, indexRange(secondIntr, numIntrinsicParams)...)
		}
		prob.blocks = append(prob.blocks, residualBlock{
			params: paramsB,
			size:   2 * len(objectPts),
			eval: func(local, out []float64) bool {
				var intr []float64
				if len(local) > 2*numPoseParams {
					intr = local[2*numPoseParams:]
				}
				targetToSecond := poseFromParams(local[:numPoseParams]).Compose(poseFromParams(local[numPoseParams : 2*numPoseParams]))
				return reprojectionResiduals(modelOf(intr, secondModel), targetToSecond, objectPts, ptsB, out)
			},
		})
	}
	return prob, x0
}

func (s *StereoCalibrator) result(
	first, second *CorrespondenceSet,
	firstModel, secondModel *transform.PinholeCameraModel,
	prob *blockProblem,
	res *lmResult,
) (*StereoCalibration, error) {
	n := first.Len()
	out := &StereoCalibration{
		First:         firstModel,
		Second:        secondModel,
		FirstToSecond: poseFromParams(res.X[:numPoseParams]),
		TargetToFirst: make([]*transform.Extrinsics, n),
		ImageIndices:  first.ImageIndices(),
		Iterations:    res.Iterations,
		Converged:     res.Converged,
	}
	if s.opts.RefineIntrinsics {
		base := numPoseParams * (n + 1)
		out.First = modelFromParams(res.X[base:base+numIntrinsicParams], firstModel.Width, firstModel.Height)
		out.Second = modelFromParams(res.X[base+numIntrinsicParams:], secondModel.Width, secondModel.Height)
		if err := out.First.CheckValid(); err != nil {
			return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
		}
		if err := out.Second.CheckValid(); err != nil {
			return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
		}
	}
	for i := 0; i < n; i++ {
		out.TargetToFirst[i] = poseFromParams(res.X[numPoseParams*(i+1):])
	}
	residuals, ok := prob.Residuals(res.X)
	if !ok {
		return nil, errors.Wrap(ErrDegenerateGeometry, "target ends up behind a camera")
	}
	var sqA, sqB float64
	var ptsA, ptsB int
	for b, r := range residuals {
		sq := 0.
		for _, v := range r {
			sq += v * v
		}
		// blocks alternate between the first and the second camera
		if b%2 == 0 {
			sqA += sq
			ptsA += len(r) / 2
		} else {
			sqB += sq
			ptsB += len(r) / 2
		}
	}
	out.FirstRMS = math.Sqrt(sqA / float64(ptsA))
	out.SecondRMS = math.Sqrt(sqB / float64(ptsB))
	out.RMS = math.Sqrt((sqA + sqB) / float64(ptsA+ptsB))

	essential := transform.GetEssentialMatrixFromPose(out.FirstToSecond)
	fundamental := transform.GetFundamentalMatrixFromEssential(out.First.PinholeCameraIntrinsics, out.Second.PinholeCameraIntrinsics, essential)
	out.Essential = toArray(essential)
	out.Fundamental = toArray(fundamental)
	out.EpipolarError = epipolarError(out.First, out.Second, fundamental, first, second)

	if math.IsNaN(out.RMS) {
		return nil, errors.Wrap(ErrDegenerateGeometry, "reprojection error is not finite")
	}
	if !res.Converged {
		s.logger.Warnw("stereo refinement hit the iteration cap", "iterations", res.Iterations, "rms", out.RMS)
	}
	if s.opts.MaxRMS > 0 && out.RMS > s.opts.MaxRMS {
		return nil, errors.Wrapf(ErrDegenerateGeometry, "stereo rms reprojection error %.3f px exceeds %.3f px", out.RMS, s.opts.MaxRMS)
	}
	s.logger.Infow("stereo pair calibrated",
		"rms", out.RMS, "epipolar_error", out.EpipolarError, "images", n,
		"translation", out.FirstToSecond.Translation, "baseline", out.FirstToSecond.Translation.Norm())
	return out, nil
}

// epipolarError is the mean Sampson distance of every undistorted point pair under fundamental.
func epipolarError(
	firstModel, secondModel *transform.PinholeCameraModel,
	fundamental mat.Matrix,
	first, second *CorrespondenceSet,
) float64 {
	sum, count := 0., 0
	for i := 0; i < first.Len(); i++ {
		a, b := first.Entry(i).ImagePoints, second.Entry(i).ImagePoints
		for k := range a {
			sum += transform.SampsonDistance(fundamental, firstModel.UndistortPixel(a[k]), secondModel.UndistortPixel(b[k]))
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func toArray(m mat.Matrix) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
