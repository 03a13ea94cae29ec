package chessboard

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/rimage"
)

// refineCorner moves a corner estimate to the point where the image gradients in a window around
// it are orthogonal to the vectors pointing back to it, the fixed point used by cornerSubPix.
// Samples are weighted by a gaussian of the window half size. The estimate is left unchanged if
// the iteration leaves the window or the system is singular.
func refineCorner(img *mat.Dense, start r2.Point, conf *SubPixelConfiguration) r2.Point {
	win := conf.WindowSize
	sigma := float64(win)
	weights := make([]float64, 2*win+1)
	for k := range weights {
		d := float64(k-win) / sigma
		weights[k] = math.Exp(-d * d)
	}
	h, w := img.Dims()
	if start.X-float64(win)-1 < 0 || start.Y-float64(win)-1 < 0 ||
		start.X+float64(win)+1 > float64(w-1) || start.Y+float64(win)+1 > float64(h-1) {
		return start
	}
	maxIter := conf.MaxIterations
	if maxIter < 1 {
		maxIter = 100
	}
	eps2 := conf.Epsilon * conf.Epsilon
	current := start
	for iter := 0; iter < maxIter; iter++ {
		var a, b, c, bb1, bb2 float64
		for dy := -win; dy <= win; dy++ {
			for dx := -win; dx <= win; dx++ {
				x, y := current.X+float64(dx), current.Y+float64(dy)
				gx := (rimage.BilinearInterpolationClamped(img, x+1, y) - rimage.BilinearInterpolationClamped(img, x-1, y)) / 2
				gy := (rimage.BilinearInterpolationClamped(img, x, y+1) - rimage.BilinearInterpolationClamped(img, x, y-1)) / 2
				m := weights[dx+win] * weights[dy+win]
				gxx, gxy, gyy := gx*gx*m, gx*gy*m, gy*gy*m
				a += gxx
				b += gxy
				c += gyy
				bb1 += gxx*x + gxy*y
				bb2 += gxy*x + gyy*y
			}
		}
		det := a*c - b*b
		if math.Abs(det) <= 1e-12*math.Max(1, a*c) {
			return start
		}
		next := r2.Point{
			X: (c*bb1 - b*bb2) / det,
			Y: (a*bb2 - b*bb1) / det,
		}
		step := next.Sub(current)
		current = next
		if math.Abs(current.X-start.X) > float64(win) || math.Abs(current.Y-start.Y) > float64(win) {
			return start
		}
		if step.Dot(step) <= eps2 {
			break
		}
	}
	return current
}

// refineCorners refines every corner in place.
func refineCorners(img *mat.Dense, corners []r2.Point, conf *SubPixelConfiguration) {
	for i, pt := range corners {
		corners[i] = refineCorner(img, pt, conf)
	}
}
