package calibration

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// CalibrationTarget is a planar checkerboard described by its inner corner grid, Cols corners
// across and Rows down, spaced SquareSize apart. The square diagonally inside corner 0 is dark.
type CalibrationTarget struct {
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	SquareSize float64 `json:"square_size_mm"`

	objectPoints []r3.Vector
}

// NewCalibrationTarget returns a target and generates its object points once.
func NewCalibrationTarget(rows, cols int, squareSize float64) (*CalibrationTarget, error) {
	if rows < 2 || cols < 2 {
		return nil, errors.Errorf("target needs at least 2x2 inner corners, got %dx%d", cols, rows)
	}
	if squareSize <= 0 {
		return nil, errors.Errorf("square size must be positive, got %v", squareSize)
	}
	t := &CalibrationTarget{Rows: rows, Cols: cols, SquareSize: squareSize}
	t.objectPoints = make([]r3.Vector, 0, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			t.objectPoints = append(t.objectPoints, r3.Vector{X: float64(x) * squareSize, Y: float64(y) * squareSize})
		}
	}
	return t, nil
}

// NumPoints is the number of inner corners.
func (t *CalibrationTarget) NumPoints() int {
	return t.Rows * t.Cols
}

// ObjectPoints returns the inner corners in the target frame, row major at Z = 0. The slice is
// shared by every user of the target and must not be modified.
func (t *CalibrationTarget) ObjectPoints() []r3.Vector {
	return t.objectPoints
}
