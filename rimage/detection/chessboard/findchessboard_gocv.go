//go:build gocv

package chessboard

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage"
)

// OpenCVDetector finds the board with OpenCV's findChessboardCorners and cornerSubPix, then
// orders the corners with the same convention as Detector.
type OpenCVDetector struct {
	rows, cols int
	cfg        DetectionConfiguration
	logger     logging.Logger
}

// NewOpenCVDetector returns an OpenCV backed detector for a board with rows x cols inner corners.
func NewOpenCVDetector(rows, cols int, cfg DetectionConfiguration, logger logging.Logger) (*OpenCVDetector, error) {
	if rows < 3 || cols < 3 {
		return nil, errors.Errorf("board needs at least 3x3 inner corners, got %dx%d", cols, rows)
	}
	if err := cfg.Validate("detection"); err != nil {
		return nil, err
	}
	return &OpenCVDetector{rows: rows, cols: cols, cfg: cfg, logger: logger}, nil
}

// Detect returns the inner corners of img in row major order.
func (d *OpenCVDetector) Detect(img *image.Gray) ([]r2.Point, error) {
	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, errors.Wrap(ErrPatternNotFound, err.Error())
	}
	defer src.Close()
	corners := gocv.NewMat()
	defer corners.Close()

	patternSize := image.Pt(d.cols, d.rows)
	flags := gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage
	if !gocv.FindChessboardCorners(src, patternSize, &corners, flags) {
		return nil, errors.Wrap(ErrPatternNotFound, "findChessboardCorners failed")
	}
	if d.cfg.SubPixel.Enabled {
		win := d.cfg.SubPixel.WindowSize
		criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, d.cfg.SubPixel.MaxIterations, d.cfg.SubPixel.Epsilon)
		gocv.CornerSubPix(src, &corners, image.Pt(win, win), image.Pt(-1, -1), criteria)
	}
	if corners.Rows() != d.rows*d.cols {
		return nil, errors.Wrapf(ErrPatternNotFound, "got %d corners, need %d", corners.Rows(), d.rows*d.cols)
	}
	pts := make([]r2.Point, corners.Rows())
	for i := range pts {
		v := corners.GetVecfAt(i, 0)
		pts[i] = r2.Point{X: float64(v[0]), Y: float64(v[1])}
	}
	m := rimage.GrayToMatrix(img)
	if d.cfg.Saddle.BlurSigma > 0 {
		m = rimage.GaussianBlur(m, d.cfg.Saddle.BlurSigma)
	}
	oriented, err := orientGrid(pts, d.rows, d.cols, m)
	if err != nil {
		return nil, errors.Wrap(ErrPatternNotFound, err.Error())
	}
	d.logger.Debugw("opencv chessboard found", "corners", len(oriented))
	return oriented, nil
}
