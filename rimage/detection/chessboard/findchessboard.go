// Package chessboard finds the inner corners of a printed checkerboard in grayscale images.
//
// Candidates are the peaks of the saddle response of the smoothed image that look like an X
// junction on a ring around them. The grid is recovered from the convex hull of the strongest
// candidates and the corners are refined to sub-pixel precision.
package chessboard

import (
	"image"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage"
)

// ErrPatternNotFound is returned when the full grid of inner corners cannot be located.
var ErrPatternNotFound = errors.New("chessboard pattern not found")

// Result holds the detected corners and the intermediate products of a detection.
type Result struct {
	Corners    []r2.Point // row major, nil when the pattern was not found
	Candidates []r2.Point // candidates that passed the ring test, strongest first
	SaddleMap  *mat.Dense
}

// Detector finds a rows x cols grid of inner corners.
type Detector struct {
	rows, cols int
	cfg        DetectionConfiguration
	logger     logging.Logger
}

// NewDetector returns a detector for a board with rows x cols inner corners.
func NewDetector(rows, cols int, cfg DetectionConfiguration, logger logging.Logger) (*Detector, error) {
	if rows < 3 || cols < 3 {
		return nil, errors.Errorf("board needs at least 3x3 inner corners, got %dx%d", cols, rows)
	}
	if err := cfg.Validate("detection"); err != nil {
		return nil, err
	}
	return &Detector{rows: rows, cols: cols, cfg: cfg, logger: logger}, nil
}

// Detect returns the inner corners of img in row major order. Corner 0 is the one whose diagonal
// square is dark, the first row runs along the board's columns.
func (d *Detector) Detect(img *image.Gray) ([]r2.Point, error) {
	res, err := FindChessboard(rimage.GrayToMatrix(img), d.rows, d.cols, &d.cfg, d.logger)
	if err != nil {
		return nil, err
	}
	return res.Corners, nil
}

// FindChessboard runs the detection on a gray level matrix. The returned Result is non nil
// whenever the saddle map could be computed, even if the pattern was not found.
func FindChessboard(img *mat.Dense, rows, cols int, cfg *DetectionConfiguration, logger logging.Logger) (*Result, error) {
	saddleMap, peaks, err := GetSaddlePoints(img, &cfg.Saddle)
	if err != nil {
		return nil, errors.Wrap(ErrPatternNotFound, err.Error())
	}
	smoothed := img
	if cfg.Saddle.BlurSigma > 0 {
		smoothed = rimage.GaussianBlur(img, cfg.Saddle.BlurSigma)
	}
	checkers := filterCheckerCorners(smoothed, peaks, &cfg.Saddle)
	res := &Result{SaddleMap: saddleMap, Candidates: make([]r2.Point, len(checkers))}
	for i, c := range checkers {
		res.Candidates[i] = c.Point
	}
	logger.Debugw("chessboard candidates", "saddle_peaks", len(peaks), "checker_corners", len(checkers))

	n := rows * cols
	if len(checkers) < n {
		return res, errors.Wrapf(ErrPatternNotFound, "found %d corner candidates, need %d", len(checkers), n)
	}
	var corners []r2.Point
	for _, subset := range candidateSubsets(res.Candidates, n) {
		corners, err = assignGrid(subset, rows, cols, cfg.GridTolerance, smoothed)
		if err == nil {
			break
		}
		logger.Debugw("grid assignment failed", "error", err)
	}
	if corners == nil {
		return res, errors.Wrap(ErrPatternNotFound, err.Error())
	}
	if cfg.SubPixel.Enabled {
		refineCorners(img, corners, &cfg.SubPixel)
	}
	res.Corners = corners
	return res, nil
}

// candidateSubsets returns the sets of n candidates worth trying: the n strongest and, when there
// are extra candidates, the n nearest to the median position of all of them.
func candidateSubsets(candidates []r2.Point, n int) [][]r2.Point {
	subsets := [][]r2.Point{candidates[:n]}
	if len(candidates) == n {
		return subsets
	}
	xs := make([]float64, len(candidates))
	ys := make([]float64, len(candidates))
	for i, c := range candidates {
		xs[i], ys[i] = c.X, c.Y
	}
	mx, errX := stats.Median(xs)
	my, errY := stats.Median(ys)
	if errX != nil || errY != nil {
		return subsets
	}
	center := r2.Point{X: mx, Y: my}
	byDistance := make([]r2.Point, len(candidates))
	copy(byDistance, candidates)
	sort.SliceStable(byDistance, func(a, b int) bool {
		da, db := byDistance[a].Sub(center), byDistance[b].Sub(center)
		return da.Dot(da) < db.Dot(db)
	})
	return append(subsets, byDistance[:n])
}
