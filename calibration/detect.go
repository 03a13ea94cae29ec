package calibration

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/utils"
)

// ImageSource supplies the grayscale frames of one camera, indexed from 0 to Len()-1. A missing
// or corrupt frame is an error for that index only.
type ImageSource interface {
	Len() int
	Image(index int) (*image.Gray, error)
}

// PatternDetector locates the inner corners of the target in one image, row major, or fails.
type PatternDetector interface {
	Detect(img *image.Gray) ([]r2.Point, error)
}

// Previewer renders intermediate results for a human. Its failures are logged and never stop a
// calibration.
type Previewer interface {
	PreviewDetection(camera string, imageIndex int, img *image.Gray, corners []r2.Point) error
	PreviewReprojection(
		camera string,
		imageIndex int,
		img *image.Gray,
		model *transform.PinholeCameraModel,
		observed, reprojected []r2.Point,
	) error
	PreviewLayout(layout *RigLayout) error
}

// CameraDetection describes how to turn the frames of one camera into correspondences.
type CameraDetection struct {
	Camera   string
	Source   ImageSource
	Detector PatternDetector
	Target   *CalibrationTarget
	// Width and Height are the capture resolution; frames of another size are rejected.
	Width, Height int
	// Previewer is optional.
	Previewer Previewer
}

type frameResult struct {
	img     *image.Gray
	corners []r2.Point
	err     error
}

// DetectCamera runs the detector on every frame of the camera in parallel and records the
// detections in frame order. Every unreadable frame and every frame without the full pattern
// yields a diagnostic and a warning.
func DetectCamera(ctx context.Context, job CameraDetection, logger logging.Logger) (CameraInput, error) {
	if job.Source == nil || job.Detector == nil || job.Target == nil {
		return CameraInput{}, errors.Errorf("camera %q needs an image source, a detector and a target", job.Camera)
	}
	n := job.Source.Len()
	results := make([]frameResult, n)
	err := utils.ParallelForEachIndex(ctx, n, func(i int) {
		results[i] = detectFrame(job, i)
	})
	if err != nil {
		return CameraInput{}, err
	}

	input := CameraInput{
		Name:            job.Camera,
		Correspondences: NewCorrespondenceSet(job.Target),
		Width:           job.Width,
		Height:          job.Height,
	}
	for i, res := range results {
		if res.err != nil && errors.Is(res.err, ErrImageUnreadable) {
			input.Diagnostics = append(input.Diagnostics, NewDiagnostic(job.Camera, i, res.err))
			logger.Warnw("skipping image", "camera", job.Camera, "image_index", i, "kind", KindImageUnreadable, "error", res.err)
			continue
		}
		if addErr := input.Correspondences.Add(i, res.corners); addErr != nil {
			if res.err != nil {
				addErr = res.err
			}
			input.Diagnostics = append(input.Diagnostics, NewDiagnostic(job.Camera, i, addErr))
			logger.Warnw("skipping image", "camera", job.Camera, "image_index", i, "kind", KindOf(addErr), "error", addErr)
			continue
		}
		logger.Debugw("pattern found", "camera", job.Camera, "image_index", i)
		if job.Previewer != nil {
			if perr := job.Previewer.PreviewDetection(job.Camera, i, res.img, res.corners); perr != nil {
				logger.Warnw("preview failed", "camera", job.Camera, "image_index", i, "error", perr)
			}
		}
	}
	logger.Infow("detection done", "camera", job.Camera,
		"supplied", input.Correspondences.Supplied(), "accepted", input.Correspondences.Len(), "unreadable",
		n-input.Correspondences.Supplied())
	return input, nil
}

func detectFrame(job CameraDetection, i int) (res frameResult) {
	defer func() {
		if r := recover(); r != nil {
			res = frameResult{img: res.img, err: errors.Wrapf(ErrPatternNotFound, "detection panicked: %v", r)}
		}
	}()
	img, err := job.Source.Image(i)
	if err != nil {
		if !errors.Is(err, ErrImageUnreadable) {
			err = errors.Wrap(ErrImageUnreadable, err.Error())
		}
		return frameResult{err: err}
	}
	if job.Width > 0 && job.Height > 0 && (img.Bounds().Dx() != job.Width || img.Bounds().Dy() != job.Height) {
		return frameResult{err: errors.Wrapf(ErrImageUnreadable, "image is %dx%d but the camera captures %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), job.Width, job.Height)}
	}
	res.img = img
	corners, err := job.Detector.Detect(img)
	if err != nil {
		if !errors.Is(err, ErrPatternNotFound) {
			err = errors.Wrap(ErrPatternNotFound, err.Error())
		}
		return frameResult{img: img, err: err}
	}
	return frameResult{img: img, corners: corners}
}

// PreviewRepresentative reloads the representative image of a calibrated camera and hands it to
// the previewer with its observed and reprojected corners.
func PreviewRepresentative(src ImageSource, input CameraInput, cam *CameraLayout, previewer Previewer) error {
	if cam.Intrinsics == nil || cam.RepresentativePose == nil {
		return errors.Errorf("camera %q is not calibrated", cam.Name)
	}
	entry, ok := input.Correspondences.Lookup(cam.RepresentativeImageIndex)
	if !ok {
		return errors.Errorf("camera %q has no detection for image %d", cam.Name, cam.RepresentativeImageIndex)
	}
	img, err := src.Image(entry.ImageIndex)
	if err != nil {
		return errors.Wrap(ErrImageUnreadable, err.Error())
	}
	reprojected := Reproject(cam.Intrinsics, cam.RepresentativePose, input.Correspondences.ObjectPoints())
	return previewer.PreviewReprojection(cam.Name, entry.ImageIndex, img, cam.Intrinsics, entry.ImagePoints, reprojected)
}
