// Package testutils generates synthetic checkerboard observations for tests.
package testutils

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/utils"
)

// Checkerboard describes a printed target by its inner corner grid. The squares diagonally
// adjacent to corner 0 are dark.
type Checkerboard struct {
	Rows       int
	Cols       int
	SquareSize float64
}

// Points returns the inner corners in row major order at Z = 0.
func (cb Checkerboard) Points() []r3.Vector {
	pts := make([]r3.Vector, 0, cb.Rows*cb.Cols)
	for y := 0; y < cb.Rows; y++ {
		for x := 0; x < cb.Cols; x++ {
			pts = append(pts, r3.Vector{X: float64(x) * cb.SquareSize, Y: float64(y) * cb.SquareSize})
		}
	}
	return pts
}

// Center returns the middle of the inner corner grid.
func (cb Checkerboard) Center() r3.Vector {
	return r3.Vector{X: float64(cb.Cols-1) * cb.SquareSize / 2, Y: float64(cb.Rows-1) * cb.SquareSize / 2}
}

// Sample returns the printed gray level at target plane coordinates: squares over a white
// margin one square wide, background beyond.
func (cb Checkerboard) Sample(x, y float64, dark, light, background float64) float64 {
	gx, gy := x/cb.SquareSize, y/cb.SquareSize
	if gx < -2 || gy < -2 || gx > float64(cb.Cols)+1 || gy > float64(cb.Rows)+1 {
		return background
	}
	if gx < -1 || gy < -1 || gx > float64(cb.Cols) || gy > float64(cb.Rows) {
		return light
	}
	i, j := int(math.Floor(gx))+1, int(math.Floor(gy))+1
	if (i+j)%2 == 0 {
		return dark
	}
	return light
}

// ProjectPoints projects target points through the target-to-camera pose and the camera model.
func ProjectPoints(model *transform.PinholeCameraModel, targetToCamera *transform.Extrinsics, pts []r3.Vector) ([]r2.Point, error) {
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		px, ok := model.Project(targetToCamera.Apply(pt))
		if !ok {
			return nil, errors.Errorf("point %d is behind the camera", i)
		}
		out[i] = px
	}
	return out, nil
}

// AddNoise perturbs every point by independent gaussian noise of the given sigma.
func AddNoise(pts []r2.Point, sigma float64, rng *rand.Rand) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: p.X + rng.NormFloat64()*sigma, Y: p.Y + rng.NormFloat64()*sigma}
	}
	return out
}

// InImage reports whether every point lies at least margin pixels inside the image.
func InImage(pts []r2.Point, width, height int, margin float64) bool {
	for _, p := range pts {
		if p.X < margin || p.Y < margin || p.X > float64(width-1)-margin || p.Y > float64(height-1)-margin {
			return false
		}
	}
	return true
}

// RenderCheckerboard renders the target as seen by the camera, casting supersample x supersample
// rays per pixel through the inverse lens model onto the target plane.
func RenderCheckerboard(
	model *transform.PinholeCameraModel,
	targetToCamera *transform.Extrinsics,
	cb Checkerboard,
	supersample int,
) *image.Gray {
	if supersample < 1 {
		supersample = 1
	}
	const dark, light, background = 30., 220., 90.
	img := image.NewGray(image.Rect(0, 0, model.Width, model.Height))
	camToTarget := targetToCamera.Inverse()
	origin := camToTarget.Translation
	step := 1 / float64(supersample)
	weight := 1 / float64(supersample*supersample)
	utils.ParallelForEachRow(model.Height, func(v int) {
		for u := 0; u < model.Width; u++ {
			sum := 0.
			for sy := 0; sy < supersample; sy++ {
				for sx := 0; sx < supersample; sx++ {
					px := r2.Point{
						X: float64(u) - 0.5 + (float64(sx)+0.5)*step,
						Y: float64(v) - 0.5 + (float64(sy)+0.5)*step,
					}
					n := model.UndistortPoint(px)
					dir := camToTarget.Rotation.Mul(r3.Vector{X: n.X, Y: n.Y, Z: 1})
					if math.Abs(dir.Z) < 1e-12 {
						sum += background * weight
						continue
					}
					lambda := -origin.Z / dir.Z
					if lambda <= 0 {
						sum += background * weight
						continue
					}
					hit := origin.Add(dir.Mul(lambda))
					sum += cb.Sample(hit.X, hit.Y, dark, light, background) * weight
				}
			}
			img.SetGray(u, v, color.Gray{Y: uint8(math.Round(utils.ClampFloat(sum, 0, 255)))})
		}
	})
	return img
}

// LookAtTarget returns a target-to-camera pose that tilts the target by the given rotation vector
// about its own center and places that center at centerInCamera.
func LookAtTarget(cb Checkerboard, tilt, centerInCamera r3.Vector) *transform.Extrinsics {
	pose := transform.NewExtrinsicsFromRotationVector(tilt, r3.Vector{})
	pose.Translation = centerInCamera.Sub(pose.Rotation.Mul(cb.Center()))
	return pose
}

// TargetPoses returns n deterministic, varied target poses in front of a camera at the origin
// looking down +Z, at roughly the given distance.
func TargetPoses(cb Checkerboard, n int, distance float64, seed int64) []*transform.Extrinsics {
	rng := rand.New(rand.NewSource(seed))
	poses := make([]*transform.Extrinsics, n)
	for i := range poses {
		// alternate strong tilts about both axes so the focal lengths are observable
		ax := (rng.Float64()*2 - 1) * 0.45
		ay := (rng.Float64()*2 - 1) * 0.45
		if i%2 == 0 && math.Abs(ax) < 0.15 {
			ax = math.Copysign(0.2, ax+1e-9)
		}
		if i%2 == 1 && math.Abs(ay) < 0.15 {
			ay = math.Copysign(0.2, ay+1e-9)
		}
		az := (rng.Float64()*2 - 1) * 0.2
		center := r3.Vector{
			X: (rng.Float64()*2 - 1) * distance * 0.08,
			Y: (rng.Float64()*2 - 1) * distance * 0.08,
			Z: distance * (0.9 + 0.2*rng.Float64()),
		}
		poses[i] = LookAtTarget(cb, r3.Vector{X: ax, Y: ay, Z: az}, center)
	}
	return poses
}
