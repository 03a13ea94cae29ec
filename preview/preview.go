// Package preview renders calibration intermediates to PNG files for a human to inspect.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/rigcalib/calibration"
	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/utils"
)

var (
	colorObserved    = color.NRGBA{G: 220, A: 255}
	colorReprojected = color.NRGBA{R: 255, A: 255}
	colorOrigin      = color.NRGBA{R: 255, G: 40, B: 200, A: 255}
	colorGrid        = color.NRGBA{R: 40, G: 120, B: 255, A: 200}
	colorText        = color.NRGBA{R: 255, G: 255, A: 255}
)

// PNGWriter is a calibration.Previewer writing overlays into a directory, downscaled by Scale.
type PNGWriter struct {
	dir    string
	Scale  float64
	logger logging.Logger
}

var _ calibration.Previewer = (*PNGWriter)(nil)

// NewPNGWriter creates dir if needed and returns a writer halving every image.
func NewPNGWriter(dir string, logger logging.Logger) (*PNGWriter, error) {
	if dir == "" {
		return nil, errors.New("preview output directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, errors.Wrap(err, "cannot create preview directory")
	}
	return &PNGWriter{dir: abs, Scale: 0.5, logger: logger}, nil
}

// Dir returns the output directory.
func (w *PNGWriter) Dir() string {
	return w.dir
}

func (w *PNGWriter) path(name string) (string, error) {
	return utils.SafeJoinDir(w.dir, name)
}

func (w *PNGWriter) save(name string, img image.Image) error {
	path, err := w.path(name)
	if err != nil {
		return err
	}
	if w.Scale > 0 && w.Scale != 1 {
		width := int(math.Round(float64(img.Bounds().Dx()) * w.Scale))
		img = imaging.Resize(img, utils.MaxInt(width, 1), 0, imaging.Linear)
	}
	if err := rimage.WriteImageToFile(path, img); err != nil {
		return err
	}
	w.logger.Debugw("wrote preview", "path", path)
	return nil
}

// DetectionFile is the name of the corner overlay of an image.
func DetectionFile(camera string, imageIndex int) string {
	return fmt.Sprintf("%s_%02d_corners.png", camera, imageIndex)
}

// ReprojectionFile is the name of the reprojection overlay of an image.
func ReprojectionFile(camera string, imageIndex int) string {
	return fmt.Sprintf("%s_%02d_reprojection.png", camera, imageIndex)
}

// UndistortedFile is the name of the undistorted copy of an image.
func UndistortedFile(camera string, imageIndex int) string {
	return fmt.Sprintf("%s_%02d_undistorted.png", camera, imageIndex)
}

// PreviewDetection draws the corners joined in row major order with corner 0 marked.
func (w *PNGWriter) PreviewDetection(camera string, imageIndex int, img *image.Gray, corners []r2.Point) error {
	if img == nil {
		return errors.New("no image to preview")
	}
	dc := gg.NewContextForImage(img)
	rimage.DrawPolyline(dc, corners, colorGrid, 1)
	for _, c := range corners {
		rimage.DrawCircle(dc, c, 4, colorObserved, 1.5)
	}
	if len(corners) > 0 {
		rimage.DrawCross(dc, corners[0], 8, colorOrigin, 2)
	}
	rimage.DrawString(dc, fmt.Sprintf("%s #%d: %d corners", camera, imageIndex, len(corners)), image.Pt(8, 8), colorText, 16)
	return w.save(DetectionFile(camera, imageIndex), dc.Image())
}

// PreviewReprojection draws the observed corners as circles and their reprojection through the
// fitted model as crosses, and writes the undistorted image next to it.
func (w *PNGWriter) PreviewReprojection(
	camera string,
	imageIndex int,
	img *image.Gray,
	model *transform.PinholeCameraModel,
	observed, reprojected []r2.Point,
) error {
	if img == nil {
		return errors.New("no image to preview")
	}
	if len(observed) != len(reprojected) {
		return errors.Errorf("%d observed corners but %d reprojected", len(observed), len(reprojected))
	}
	dc := gg.NewContextForImage(img)
	sq := make([]float64, len(observed))
	for i := range observed {
		rimage.DrawCircle(dc, observed[i], 4, colorObserved, 1.5)
		rimage.DrawCross(dc, reprojected[i], 4, colorReprojected, 1.5)
		d := observed[i].Sub(reprojected[i])
		sq[i] = d.Dot(d)
	}
	caption := fmt.Sprintf("%s #%d", camera, imageIndex)
	if meanSq, err := stats.Mean(sq); err == nil {
		worst, _ := stats.Max(sq)
		caption += fmt.Sprintf(": rms %.3f px, max %.3f px", math.Sqrt(meanSq), math.Sqrt(worst))
	}
	rimage.DrawString(dc, caption, image.Pt(8, 8), colorText, 16)
	if err := w.save(ReprojectionFile(camera, imageIndex), dc.Image()); err != nil {
		return err
	}

	undistorted, err := model.UndistortImage(img)
	if err != nil {
		return errors.Wrap(err, "cannot undistort preview image")
	}
	return w.save(UndistortedFile(camera, imageIndex), undistorted)
}
