package chessboard

import (
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/testutils"
)

var board = testutils.Checkerboard{Rows: 7, Cols: 10, SquareSize: 33.5}

func testModel(distortion *transform.BrownConrady) *transform.PinholeCameraModel {
	model := &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 600, Fy: 600, Ppx: 319.5, Ppy: 239.5},
	}
	if distortion != nil {
		model.Distortion = distortion
	}
	return model
}

// renderView renders the board and returns the image with the ground truth corners.
func renderView(t *testing.T, model *transform.PinholeCameraModel, tilt r3.Vector, center r3.Vector) (*image.Gray, []r2.Point) {
	t.Helper()
	pose := testutils.LookAtTarget(board, tilt, center)
	truth, err := testutils.ProjectPoints(model, pose, board.Points())
	test.That(t, err, test.ShouldBeNil)
	return testutils.RenderCheckerboard(model, pose, board, 4), truth
}

func maxDistance(a, b []r2.Point) float64 {
	worst := 0.
	for i := range a {
		worst = math.Max(worst, a[i].Sub(b[i]).Norm())
	}
	return worst
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(board.Rows, board.Cols, DefaultDetectionConfiguration(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return d
}

func TestDetectRenderedBoard(t *testing.T) {
	d := newTestDetector(t)
	for _, tc := range []struct {
		name   string
		tilt   r3.Vector
		center r3.Vector
		model  *transform.PinholeCameraModel
	}{
		{"frontal", r3.Vector{X: 0.05, Y: -0.05}, r3.Vector{Z: 700}, testModel(nil)},
		{"tilted", r3.Vector{X: 0.35, Y: -0.25, Z: 0.1}, r3.Vector{X: 20, Y: -10, Z: 720}, testModel(nil)},
		{"upside down", r3.Vector{Z: math.Pi - 0.15}, r3.Vector{Z: 700}, testModel(nil)},
		{"quarter turn", r3.Vector{X: 0.1, Z: math.Pi / 2}, r3.Vector{Z: 800}, testModel(nil)},
		{
			"distorted", r3.Vector{X: -0.2, Y: 0.3}, r3.Vector{Z: 680},
			testModel(&transform.BrownConrady{RadialK1: -0.15, RadialK2: 0.04, TangentialP1: 0.001}),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img, truth := renderView(t, tc.model, tc.tilt, tc.center)
			test.That(t, testutils.InImage(truth, 640, 480, 20), test.ShouldBeTrue)
			corners, err := d.Detect(img)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, len(corners), test.ShouldEqual, board.Rows*board.Cols)
			// same physical corner ordering as the object points
			test.That(t, maxDistance(corners, truth), test.ShouldBeLessThan, 0.3)
		})
	}
}

func TestDetectWithoutSubPixel(t *testing.T) {
	cfg := DefaultDetectionConfiguration()
	cfg.SubPixel.Enabled = false
	d, err := NewDetector(board.Rows, board.Cols, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	img, truth := renderView(t, testModel(nil), r3.Vector{X: 0.2, Y: 0.1}, r3.Vector{Z: 700})
	coarse, err := d.Detect(img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, maxDistance(coarse, truth), test.ShouldBeLessThan, 1)

	fine, err := newTestDetector(t).Detect(img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, maxDistance(fine, truth), test.ShouldBeLessThanOrEqualTo, maxDistance(coarse, truth))
}

func TestDetectPatternNotFound(t *testing.T) {
	d := newTestDetector(t)

	blank := image.NewGray(image.Rect(0, 0, 320, 240))
	for i := range blank.Pix {
		blank.Pix[i] = 128
	}
	_, err := d.Detect(blank)
	test.That(t, errors.Is(err, ErrPatternNotFound), test.ShouldBeTrue)

	// board partly outside the frame
	img, _ := renderView(t, testModel(nil), r3.Vector{}, r3.Vector{X: 250, Z: 700})
	_, err = d.Detect(img)
	test.That(t, errors.Is(err, ErrPatternNotFound), test.ShouldBeTrue)

	// a smaller board than configured is rejected, never partially returned
	small, err := NewDetector(board.Rows+1, board.Cols, DefaultDetectionConfiguration(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	img, _ = renderView(t, testModel(nil), r3.Vector{}, r3.Vector{Z: 700})
	corners, err := small.Detect(img)
	test.That(t, errors.Is(err, ErrPatternNotFound), test.ShouldBeTrue)
	test.That(t, corners, test.ShouldBeNil)
}

func TestNewDetectorValidation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewDetector(2, 10, DefaultDetectionConfiguration(), logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg := DefaultDetectionConfiguration()
	cfg.GridTolerance = 0.7
	_, err = NewDetector(7, 10, cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "grid_tolerance")

	cfg = DefaultDetectionConfiguration()
	cfg.SubPixel.WindowSize = 0
	_, err = NewDetector(7, 10, cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
	cfg.SubPixel.Enabled = false
	_, err = NewDetector(7, 10, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
}

func TestNonMaxSuppression(t *testing.T) {
	img, _ := renderView(t, testModel(nil), r3.Vector{}, r3.Vector{Z: 700})
	m := rimage.GrayToMatrix(img)
	saddleMap, peaks, err := GetSaddlePoints(m, &DefaultSaddleConf)
	test.That(t, err, test.ShouldBeNil)
	h, w := saddleMap.Dims()
	test.That(t, h, test.ShouldEqual, 480)
	test.That(t, w, test.ShouldEqual, 640)
	test.That(t, len(peaks), test.ShouldBeGreaterThanOrEqualTo, board.Rows*board.Cols)
	for i := 1; i < len(peaks); i++ {
		test.That(t, peaks[i].score, test.ShouldBeLessThanOrEqualTo, peaks[i-1].score)
	}

	// a plateau yields a single peak
	flat := rimage.GrayToMatrix(image.NewGray(image.Rect(0, 0, 9, 9)))
	for i := 3; i < 6; i++ {
		for j := 3; j < 6; j++ {
			flat.Set(i, j, 10)
		}
	}
	flat.Set(0, 8, 5)
	got := NonMaxSuppression(flat, 2, 1)
	test.That(t, len(got), test.ShouldEqual, 2)
	// raster order, border peaks are not interpolated
	test.That(t, got[0].Point, test.ShouldResemble, r2.Point{X: 8, Y: 0})
	test.That(t, got[0].score, test.ShouldAlmostEqual, 5)
	// the parabola through 0, 10, 10 peaks half a pixel towards the plateau
	test.That(t, got[1].X, test.ShouldAlmostEqual, 3.5)
	test.That(t, got[1].Y, test.ShouldAlmostEqual, 3.5)
}

func TestIsCheckerCorner(t *testing.T) {
	img, truth := renderView(t, testModel(nil), r3.Vector{X: 0.1}, r3.Vector{Z: 700})
	m := rimage.GaussianBlur(rimage.GrayToMatrix(img), DefaultSaddleConf.BlurSigma)
	test.That(t, isCheckerCorner(m, truth[12], &DefaultSaddleConf), test.ShouldBeTrue)
	// middle of a square
	mid := truth[12].Add(truth[13]).Add(truth[22]).Add(truth[23]).Mul(0.25)
	test.That(t, isCheckerCorner(m, mid, &DefaultSaddleConf), test.ShouldBeFalse)
	// middle of an edge between two squares
	edge := truth[12].Add(truth[13]).Mul(0.5)
	test.That(t, isCheckerCorner(m, edge, &DefaultSaddleConf), test.ShouldBeFalse)
	// outer corner of the board, an L junction
	outer := truth[0].Mul(2).Sub(truth[11])
	test.That(t, isCheckerCorner(m, outer, &DefaultSaddleConf), test.ShouldBeFalse)
}

func TestConvexHullCorners(t *testing.T) {
	var pts []r2.Point
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			// slight bowing so the edge points stay on the hull
			pts = append(pts, r2.Point{X: float64(x) * 10, Y: float64(y)*10 - 0.2*math.Sin(float64(x)*math.Pi/4)})
		}
	}
	hull := convexHull(pts)
	test.That(t, len(hull), test.ShouldBeGreaterThanOrEqualTo, 4)
	corners, err := hullCorners(pts, hull)
	test.That(t, err, test.ShouldBeNil)
	got := map[int]bool{}
	for _, c := range corners {
		got[c] = true
	}
	test.That(t, got, test.ShouldResemble, map[int]bool{0: true, 4: true, 15: true, 19: true})

	_, err = hullCorners(pts[:3], convexHull(pts[:3]))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRefineCorner(t *testing.T) {
	img, truth := renderView(t, testModel(nil), r3.Vector{Y: 0.25}, r3.Vector{Z: 700})
	m := rimage.GrayToMatrix(img)
	start := truth[30].Add(r2.Point{X: 1.4, Y: -1.1})
	refined := refineCorner(m, start, &DefaultSubPixelConf)
	test.That(t, refined.Sub(truth[30]).Norm(), test.ShouldBeLessThan, 0.15)

	// too close to the border to place the window
	test.That(t, refineCorner(m, r2.Point{X: 3, Y: 3}, &DefaultSubPixelConf), test.ShouldResemble, r2.Point{X: 3, Y: 3})
}

func TestOrientGrid(t *testing.T) {
	img, truth := renderView(t, testModel(nil), r3.Vector{X: 0.15, Y: -0.1}, r3.Vector{Z: 700})
	m := rimage.GaussianBlur(rimage.GrayToMatrix(img), 1.5)
	n := len(truth)
	reversed := make([]r2.Point, n)
	for i := range truth {
		reversed[i] = truth[n-1-i]
	}
	got, err := orientGrid(reversed, board.Rows, board.Cols, m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, maxDistance(got, truth), test.ShouldAlmostEqual, 0)

	got, err = orientGrid(truth, board.Rows, board.Cols, m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, maxDistance(got, truth), test.ShouldAlmostEqual, 0)

	_, err = orientGrid(truth[1:], board.Rows, board.Cols, m)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPlotSaddleMap(t *testing.T) {
	img, _ := renderView(t, testModel(nil), r3.Vector{}, r3.Vector{Z: 700})
	cfg := DefaultDetectionConfiguration()
	res, err := FindChessboard(rimage.GrayToMatrix(img), board.Rows, board.Cols, &cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Candidates), test.ShouldBeGreaterThanOrEqualTo, len(res.Corners))

	out := filepath.Join(t.TempDir(), "saddles.png")
	test.That(t, PlotSaddleMap(res.SaddleMap, res.Candidates, res.Corners, out), test.ShouldBeNil)
	written, err := rimage.ReadGrayImageFromFile(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written.Bounds().Dx(), test.ShouldEqual, 640)
	test.That(t, written.At(0, 0), test.ShouldResemble, color.Gray{Y: 0})
}
