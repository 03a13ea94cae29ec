package chessboard

import (
	"image/color"
	"math"
	"sort"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/rimage"
)

// saddlePoint is a candidate inner corner with the strength of its saddle response.
type saddlePoint struct {
	r2.Point
	score float64
}

// computePixelWiseHessianDeterminant computes hessian components for each pixel and returns a *mat.Dense containing
// the value of the determinant of the Hessian for each pixel.
// The sign and value of the determinant of the Hessian gives location of saddle points.
func computePixelWiseHessianDeterminant(img *mat.Dense) (*mat.Dense, error) {
	nRows, nCols := img.Dims()
	sobelX := rimage.GetSobelX()
	sobelY := rimage.GetSobelY()
	gX, err := rimage.ConvolveGrayFloat64(img, &sobelX)
	if err != nil {
		return nil, err
	}
	gY, err := rimage.ConvolveGrayFloat64(img, &sobelY)
	if err != nil {
		return nil, err
	}
	gXX, err := rimage.ConvolveGrayFloat64(gX, &sobelX)
	if err != nil {
		return nil, err
	}
	gYY, err := rimage.ConvolveGrayFloat64(gY, &sobelY)
	if err != nil {
		return nil, err
	}
	gXY, err := rimage.ConvolveGrayFloat64(gX, &sobelY)
	if err != nil {
		return nil, err
	}
	m1 := mat.NewDense(nRows, nCols, nil)
	m2 := mat.NewDense(nRows, nCols, nil)
	out := mat.NewDense(nRows, nCols, nil)
	m1.MulElem(gXX, gYY)
	m2.MulElem(gXY, gXY)
	out.Sub(m1, m2)
	return out, nil
}

// ComputeSaddleMap returns the saddle response of an already smoothed image: the negated
// determinant of the Hessian, clamped at zero so only saddle shaped neighborhoods remain.
func ComputeSaddleMap(img *mat.Dense) (*mat.Dense, error) {
	hessian, err := computePixelWiseHessianDeterminant(img)
	if err != nil {
		return nil, err
	}
	// saddle points are points where determinant of hessian is < 0
	hessian.Apply(func(r, c int, v float64) float64 {
		if v > 0 {
			return 0
		}
		return -v
	}, hessian)
	return hessian, nil
}

// NonMaxSuppression returns the local maxima of saddleMap over a (2*winSize+1)^2 window that
// reach threshold. Plateaus keep their first pixel in raster order. Peaks are placed with
// sub-pixel precision by fitting a parabola along each axis.
func NonMaxSuppression(saddleMap *mat.Dense, winSize int, threshold float64) []saddlePoint {
	h, w := saddleMap.Dims()
	peaks := make([]saddlePoint, 0)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			v := saddleMap.At(i, j)
			if v < threshold || v <= 0 {
				continue
			}
			if !isWindowMax(saddleMap, i, j, winSize) {
				continue
			}
			peaks = append(peaks, saddlePoint{Point: refinePeak(saddleMap, i, j), score: v})
		}
	}
	return peaks
}

func isWindowMax(m *mat.Dense, i, j, winSize int) bool {
	h, w := m.Dims()
	v := m.At(i, j)
	for di := -winSize; di <= winSize; di++ {
		ii := i + di
		if ii < 0 || ii >= h {
			continue
		}
		for dj := -winSize; dj <= winSize; dj++ {
			jj := j + dj
			if jj < 0 || jj >= w || (di == 0 && dj == 0) {
				continue
			}
			other := m.At(ii, jj)
			earlier := di < 0 || (di == 0 && dj < 0)
			if other > v || (earlier && other == v) {
				return false
			}
		}
	}
	return true
}

func refinePeak(m *mat.Dense, i, j int) r2.Point {
	h, w := m.Dims()
	pt := r2.Point{X: float64(j), Y: float64(i)}
	if j > 0 && j < w-1 {
		pt.X += parabolaOffset(m.At(i, j-1), m.At(i, j), m.At(i, j+1))
	}
	if i > 0 && i < h-1 {
		pt.Y += parabolaOffset(m.At(i-1, j), m.At(i, j), m.At(i+1, j))
	}
	return pt
}

// parabolaOffset returns the abscissa of the vertex of the parabola through (-1, a), (0, b), (1, c).
func parabolaOffset(a, b, c float64) float64 {
	den := a - 2*b + c
	if den >= 0 {
		return 0
	}
	off := (a - c) / (2 * den)
	return math.Max(-0.5, math.Min(0.5, off))
}

// GetSaddlePoints smooths img, computes its saddle map and returns it with the thresholded,
// non-max suppressed peaks sorted by decreasing score.
func GetSaddlePoints(img *mat.Dense, conf *SaddleConfiguration) (*mat.Dense, []saddlePoint, error) {
	if img == nil {
		return nil, nil, errors.New("input image is nil")
	}
	smoothed := img
	if conf.BlurSigma > 0 {
		smoothed = rimage.GaussianBlur(img, conf.BlurSigma)
	}
	saddleMap, err := ComputeSaddleMap(smoothed)
	if err != nil {
		return nil, nil, err
	}
	maxResponse := mat.Max(saddleMap)
	if maxResponse <= 0 {
		return saddleMap, nil, nil
	}
	peaks := NonMaxSuppression(saddleMap, conf.NMSWindowSize, conf.RelativeThreshold*maxResponse)
	sort.SliceStable(peaks, func(a, b int) bool { return peaks[a].score > peaks[b].score })
	return saddleMap, peaks, nil
}

// visualization functions

// PlotSaddleMap draws the saddle map, normalized to its maximum, with the candidate corners as
// red dots and the detected grid as a green polyline, and saves it to outFile.
func PlotSaddleMap(saddleMap *mat.Dense, candidates, grid []r2.Point, outFile string) error {
	maxResponse := mat.Max(saddleMap)
	norm := mat.DenseCopyOf(saddleMap)
	if maxResponse > 0 {
		// the square root keeps weak responses visible
		norm.Apply(func(r, c int, v float64) float64 { return 255 * math.Sqrt(v/maxResponse) }, norm)
	}
	dc := gg.NewContextForImage(rimage.MatrixToGray(norm))
	for _, pt := range candidates {
		dc.SetColor(color.RGBA{R: 255, A: 255})
		dc.DrawPoint(pt.X, pt.Y, 2.5)
		dc.Fill()
	}
	rimage.DrawPolyline(dc, grid, color.RGBA{G: 255, A: 255}, 1)
	return dc.SavePNG(outFile)
}
