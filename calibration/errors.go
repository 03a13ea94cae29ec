package calibration

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"go.viam.com/rigcalib/rimage/detection/chessboard"
)

var (
	// ErrImageUnreadable is returned when a source image is missing or cannot be decoded.
	ErrImageUnreadable = errors.New("image unreadable")
	// ErrPatternNotFound is returned when the target could not be detected in an image.
	ErrPatternNotFound = chessboard.ErrPatternNotFound
	// ErrInsufficientData is returned when too few images were accepted to calibrate.
	ErrInsufficientData = errors.New("insufficient calibration data")
	// ErrDegenerateGeometry is returned when the views do not constrain the solve or the fit is implausible.
	ErrDegenerateGeometry = errors.New("degenerate calibration geometry")
	// ErrMisalignedCorrespondence is returned when two cameras' correspondences do not pair up capture by capture.
	ErrMisalignedCorrespondence = errors.New("misaligned correspondences")
	// ErrReferenceUnavailable is reported for the rig pose of every camera when the reference camera failed.
	ErrReferenceUnavailable = errors.New("reference camera unavailable")
)

// ErrorKind names the class of a calibration failure in reports.
type ErrorKind string

// The kinds of calibration failures.
const (
	KindNone                     ErrorKind = ""
	KindImageUnreadable          ErrorKind = "ImageUnreadable"
	KindPatternNotFound          ErrorKind = "PatternNotFound"
	KindInsufficientData         ErrorKind = "InsufficientData"
	KindDegenerateGeometry       ErrorKind = "DegenerateGeometry"
	KindMisalignedCorrespondence ErrorKind = "MisalignedCorrespondence"
	KindReferenceUnavailable     ErrorKind = "ReferenceUnavailable"
	KindCanceled                 ErrorKind = "Canceled"
	KindUnknown                  ErrorKind = "Unknown"
)

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrImageUnreadable):
		return KindImageUnreadable
	case errors.Is(err, ErrPatternNotFound):
		return KindPatternNotFound
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.Is(err, ErrDegenerateGeometry):
		return KindDegenerateGeometry
	case errors.Is(err, ErrMisalignedCorrespondence):
		return KindMisalignedCorrespondence
	case errors.Is(err, ErrReferenceUnavailable):
		return KindReferenceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// Diagnostic attributes one skipped image or failed camera. ImageIndex is -1 for failures that
// concern a whole camera or pair.
type Diagnostic struct {
	Camera     string    `json:"camera"`
	ImageIndex int       `json:"image_index"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Err        error     `json:"-"`
}

// NewDiagnostic builds the diagnostic of err.
func NewDiagnostic(camera string, imageIndex int, err error) Diagnostic {
	d := Diagnostic{Camera: camera, ImageIndex: imageIndex, Kind: KindOf(err), Err: err}
	if err != nil {
		d.Message = err.Error()
	}
	return d
}

func (d Diagnostic) String() string {
	if d.ImageIndex < 0 {
		return fmt.Sprintf("camera %q: %s: %s", d.Camera, d.Kind, d.Message)
	}
	return fmt.Sprintf("camera %q image %d: %s: %s", d.Camera, d.ImageIndex, d.Kind, d.Message)
}
