package chessboard

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/rimage"
)

const ringSamples = 32

// isCheckerCorner samples a ring around pt and accepts it when the ring crosses exactly four
// dark/light boundaries, the pattern is point symmetric and the contrast is high enough. Corners of
// a single square (two boundaries) and blobs (none) are rejected.
func isCheckerCorner(img *mat.Dense, pt r2.Point, conf *SaddleConfiguration) bool {
	var values [ringSamples]float64
	minV, maxV, mean := math.Inf(1), math.Inf(-1), 0.
	for k := range values {
		angle := 2 * math.Pi * float64(k) / ringSamples
		v, ok := rimage.BilinearInterpolation(img, pt.X+conf.RingRadius*math.Cos(angle), pt.Y+conf.RingRadius*math.Sin(angle))
		if !ok {
			return false
		}
		values[k] = v
		minV, maxV = math.Min(minV, v), math.Max(maxV, v)
		mean += v
	}
	mean /= ringSamples
	if maxV-minV < conf.MinContrast {
		return false
	}
	var dark [ringSamples]bool
	for k, v := range values {
		dark[k] = v < mean
	}
	transitions := 0
	for k := range dark {
		if dark[k] != dark[(k+1)%ringSamples] {
			transitions++
		}
	}
	if transitions != 4 {
		return false
	}
	symmetric := 0
	for k := 0; k < ringSamples/2; k++ {
		if dark[k] == dark[k+ringSamples/2] {
			symmetric++
		}
	}
	return symmetric >= 13
}

// filterCheckerCorners keeps the candidates that pass the ring test on img, preserving order.
func filterCheckerCorners(img *mat.Dense, candidates []saddlePoint, conf *SaddleConfiguration) []saddlePoint {
	out := make([]saddlePoint, 0, len(candidates))
	for _, c := range candidates {
		if isCheckerCorner(img, c.Point, conf) {
			out = append(out, c)
		}
	}
	return out
}
