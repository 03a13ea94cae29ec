package calibration

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/spatialmath"
	"go.viam.com/rigcalib/utils"
)

// CameraStatus is the outcome of the calibration of one camera of a rig.
type CameraStatus string

// The camera statuses.
const (
	// StatusOK cameras have intrinsics and a pose in the reference frame.
	StatusOK CameraStatus = "ok"
	// StatusPoseUnavailable cameras have intrinsics but could not be related to the reference.
	StatusPoseUnavailable CameraStatus = "pose_unavailable"
	// StatusFailed cameras could not be calibrated at all.
	StatusFailed CameraStatus = "failed"
)

// CameraLayout is the entry of one camera in a RigLayout.
type CameraLayout struct {
	Name           string       `json:"name"`
	Status         CameraStatus `json:"status"`
	ErrorKind      ErrorKind    `json:"error_kind,omitempty"`
	Error          string       `json:"error,omitempty"`
	Reference      bool         `json:"reference"`
	ImagesSupplied int          `json:"images_supplied"`
	ImagesAccepted int          `json:"images_accepted"`

	Intrinsics *transform.PinholeCameraModel `json:"intrinsics,omitempty"`
	RMS        float64                       `json:"rms"`
	// Converged is false when the intrinsic refinement stopped at its iteration cap.
	Converged bool `json:"converged"`
	// RepresentativeImageIndex is the capture index of the image whose target pose represents the camera.
	RepresentativeImageIndex int                   `json:"representative_image_index"`
	RepresentativePose       *transform.Extrinsics `json:"representative_pose,omitempty"`

	ReferenceToCamera *transform.Extrinsics `json:"reference_to_camera,omitempty"`
	StereoRMS         float64               `json:"stereo_rms,omitempty"`
	EpipolarError     float64               `json:"epipolar_error,omitempty"`
	// StereoConverged reports the same for the refinement against the reference.
	StereoConverged bool `json:"stereo_converged,omitempty"`
	// Position is the camera center in the reference camera frame, Position2D its x and y.
	Position   *r3.Vector `json:"position,omitempty"`
	Position2D *r2.Point  `json:"position_2d,omitempty"`
	// TargetPosition2D is the x and y translation of the representative target pose.
	TargetPosition2D *r2.Point `json:"target_position_2d,omitempty"`
	// Orientation is the rotation of the camera in the reference camera frame.
	Orientation *spatialmath.R4AA `json:"orientation,omitempty"`

	err error
}

// Err is the failure of the camera, nil when it is fully calibrated.
func (c *CameraLayout) Err() error {
	return c.err
}

// RigLayout is the calibrated rig: intrinsics, fit error and pose relative to the reference of
// every camera, and the diagnostics of every skipped image and failed camera.
type RigLayout struct {
	Reference   string         `json:"reference"`
	Cameras     []CameraLayout `json:"cameras"`
	Diagnostics []Diagnostic   `json:"diagnostics"`
}

func newRigLayout(
	cameras []CameraInput,
	ref int,
	calibs []*CameraCalibration,
	calibErrs []error,
	stereos []*StereoCalibration,
	stereoErrs []error,
) *RigLayout {
	layout := &RigLayout{Reference: cameras[ref].Name, Diagnostics: []Diagnostic{}}
	for i, cam := range cameras {
		layout.Diagnostics = append(layout.Diagnostics, cam.Diagnostics...)
		entry := CameraLayout{
			Name:           cam.Name,
			Reference:      i == ref,
			ImagesSupplied: cam.Correspondences.Supplied(),
			ImagesAccepted: cam.Correspondences.Len(),
		}
		if calibErrs[i] != nil {
			entry.Status = StatusFailed
			entry.setError(calibErrs[i])
			layout.Diagnostics = append(layout.Diagnostics, NewDiagnostic(cam.Name, -1, calibErrs[i]))
			layout.Cameras = append(layout.Cameras, entry)
			continue
		}
		calib := calibs[i]
		entry.Intrinsics = calib.Model
		entry.RMS = calib.RMS
		entry.Converged = calib.Converged
		entry.RepresentativeImageIndex = calib.ImageIndices[calib.RepresentativeImage]
		entry.RepresentativePose = calib.RepresentativePose()
		t := entry.RepresentativePose.Translation
		entry.TargetPosition2D = &r2.Point{X: t.X, Y: t.Y}

		if stereoErrs[i] != nil {
			entry.Status = StatusPoseUnavailable
			entry.setError(stereoErrs[i])
			layout.Diagnostics = append(layout.Diagnostics, NewDiagnostic(cam.Name, -1, stereoErrs[i]))
			layout.Cameras = append(layout.Cameras, entry)
			continue
		}
		entry.Status = StatusOK
		entry.ReferenceToCamera = referenceToCamera(i, ref, stereos)
		if stereos[i] != nil {
			entry.StereoRMS = stereos[i].RMS
			entry.EpipolarError = stereos[i].EpipolarError
			entry.StereoConverged = stereos[i].Converged
		}
		center := entry.ReferenceToCamera.CameraCenter()
		entry.Position = &center
		entry.Position2D = &r2.Point{X: center.X, Y: center.Y}
		entry.Orientation = entry.ReferenceToCamera.Rotation.Transpose().AxisAngles()
		layout.Cameras = append(layout.Cameras, entry)
	}
	return layout
}

func (c *CameraLayout) setError(err error) {
	c.err = err
	c.ErrorKind = KindOf(err)
	c.Error = err.Error()
}

// Camera returns the entry of the named camera.
func (l *RigLayout) Camera(name string) (*CameraLayout, bool) {
	for i := range l.Cameras {
		if l.Cameras[i].Name == name {
			return &l.Cameras[i], true
		}
	}
	return nil, false
}

// Located returns the names of the cameras with a pose in the reference frame.
func (l *RigLayout) Located() []string {
	located := lo.Filter(l.Cameras, func(c CameraLayout, _ int) bool { return c.Status == StatusOK })
	return lo.Map(located, func(c CameraLayout, _ int) string { return c.Name })
}

// Err combines the failure of every camera that is not fully calibrated.
func (l *RigLayout) Err() error {
	var err error
	for i := range l.Cameras {
		if e := l.Cameras[i].err; e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "camera %q", l.Cameras[i].Name))
		}
	}
	return err
}

// PositionLabel formats the 2D position of the camera relative to the reference as "(x, y)",
// rounded to 0.1 with trailing zeros dropped. It is empty for cameras without a pose.
func (c *CameraLayout) PositionLabel() string {
	if c.Position2D == nil {
		return ""
	}
	format := func(v float64) string {
		return strconv.FormatFloat(utils.RoundToStep(v, 0.1), 'f', -1, 64)
	}
	return fmt.Sprintf("(%s, %s)", format(c.Position2D.X), format(c.Position2D.Y))
}

// WriteJSON writes the layout as indented JSON.
func (l *RigLayout) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l)
}

// Table renders a one line per camera summary.
func (l *RigLayout) Table() string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"camera", "status", "images", "rms px", "fx", "fy", "ppx", "ppy", "position mm", "rotation deg", "stereo rms px", "converged"})
	for i := range l.Cameras {
		c := &l.Cameras[i]
		name := c.Name
		if c.Reference {
			name += " (ref)"
		}
		status := string(c.Status)
		if c.ErrorKind != KindNone {
			status = fmt.Sprintf("%s: %s", c.Status, c.ErrorKind)
		}
		images := fmt.Sprintf("%d/%d", c.ImagesAccepted, c.ImagesSupplied)
		row := table.Row{name, status, images, "-", "-", "-", "-", "-", "-", "-", "-", "-"}
		if c.Intrinsics != nil {
			row[3] = fmt.Sprintf("%.3f", c.RMS)
			row[4] = fmt.Sprintf("%.1f", c.Intrinsics.Fx)
			row[5] = fmt.Sprintf("%.1f", c.Intrinsics.Fy)
			row[6] = fmt.Sprintf("%.1f", c.Intrinsics.Ppx)
			row[7] = fmt.Sprintf("%.1f", c.Intrinsics.Ppy)
			row[11] = converged(c.Converged)
		}
		if c.Position2D != nil {
			row[8] = c.PositionLabel()
			if c.Orientation != nil {
				row[9] = fmt.Sprintf("%.2f", c.Orientation.Theta*180/math.Pi)
			}
			if !c.Reference {
				row[10] = fmt.Sprintf("%.3f", c.StereoRMS)
				row[11] = converged(c.Converged && c.StereoConverged)
			}
		}
		t.AppendRow(row)
	}
	return t.Render()
}

func converged(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
