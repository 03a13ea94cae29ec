package rimage

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/utils"
)

// Kernel is a 2D convolution kernel.
type Kernel struct {
	Content [][]float64
	Height  int
	Width   int
}

// At returns the kernel coefficient at column x, row y.
func (k *Kernel) At(x, y int) float64 {
	return k.Content[y][x]
}

// GetSobelX returns the Kernel corresponding to the Sobel kernel in the x direction.
func GetSobelX() Kernel {
	return Kernel{
		[][]float64{
			{-1, 0, 1},
			{-2, 0, 2},
			{-1, 0, 1},
		},
		3,
		3,
	}
}

// GetSobelY returns the Kernel corresponding to the Sobel kernel in the y direction.
func GetSobelY() Kernel {
	return Kernel{
		[][]float64{
			{-1, -2, -1},
			{0, 0, 0},
			{1, 2, 1},
		},
		3,
		3,
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// ConvolveGrayFloat64 applies a centered kernel to a float image, replicating the border pixels.
// Strictly speaking this is a correlation; with the symmetric and anti-symmetric kernels used
// here the distinction only flips a sign.
func ConvolveGrayFloat64(m *mat.Dense, kernel *Kernel) (*mat.Dense, error) {
	if kernel == nil || kernel.Height == 0 || kernel.Width == 0 {
		return nil, errors.New("empty convolution kernel")
	}
	if kernel.Height%2 == 0 || kernel.Width%2 == 0 {
		return nil, errors.Errorf("kernel must have odd dimensions, got %dx%d", kernel.Width, kernel.Height)
	}
	h, w := m.Dims()
	src := m.RawMatrix()
	out := mat.NewDense(h, w, nil)
	dst := out.RawMatrix()
	ky, kx := kernel.Height/2, kernel.Width/2
	utils.ParallelForEachRow(h, func(y int) {
		for x := 0; x < w; x++ {
			sum := 0.
			for j := 0; j < kernel.Height; j++ {
				yy := clampIndex(y+j-ky, h)
				row := src.Data[yy*src.Stride : yy*src.Stride+w]
				for i := 0; i < kernel.Width; i++ {
					sum += kernel.Content[j][i] * row[clampIndex(x+i-kx, w)]
				}
			}
			dst.Data[y*dst.Stride+x] = sum
		}
	})
	return out, nil
}

// SeparableConvolve convolves the image with hKernel along rows and then vKernel along columns.
// Both kernels must have odd length and are centered.
func SeparableConvolve(m *mat.Dense, hKernel, vKernel []float64) *mat.Dense {
	h, w := m.Dims()
	src := m.RawMatrix()
	tmp := make([]float64, h*w)
	hr := len(hKernel) / 2
	utils.ParallelForEachRow(h, func(y int) {
		row := src.Data[y*src.Stride : y*src.Stride+w]
		for x := 0; x < w; x++ {
			sum := 0.
			for i, c := range hKernel {
				sum += c * row[clampIndex(x+i-hr, w)]
			}
			tmp[y*w+x] = sum
		}
	})
	out := mat.NewDense(h, w, nil)
	dst := out.RawMatrix()
	vr := len(vKernel) / 2
	utils.ParallelForEachRow(h, func(y int) {
		for x := 0; x < w; x++ {
			sum := 0.
			for j, c := range vKernel {
				sum += c * tmp[clampIndex(y+j-vr, h)*w+x]
			}
			dst.Data[y*dst.Stride+x] = sum
		}
	})
	return out
}

// GaussianBlur smooths the image with an isotropic gaussian of the given sigma.
func GaussianBlur(m *mat.Dense, sigma float64) *mat.Dense {
	kernel := GaussianKernel1D(sigma)
	return SeparableConvolve(m, kernel, kernel)
}

// BilinearInterpolation samples the image at the sub-pixel position (x, y), x being the column.
// The second return value is false when the position falls outside the image.
func BilinearInterpolation(m *mat.Dense, x, y float64) (float64, bool) {
	h, w := m.Dims()
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) || math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := utils.MinInt(x0+1, w-1), utils.MinInt(y0+1, h-1)
	dx, dy := x-float64(x0), y-float64(y0)
	raw := m.RawMatrix()
	at := func(c, r int) float64 { return raw.Data[r*raw.Stride+c] }
	top := at(x0, y0)*(1-dx) + at(x1, y0)*dx
	bottom := at(x0, y1)*(1-dx) + at(x1, y1)*dx
	return top*(1-dy) + bottom*dy, true
}

// BilinearInterpolationClamped is BilinearInterpolation with positions clamped to the image.
func BilinearInterpolationClamped(m *mat.Dense, x, y float64) float64 {
	h, w := m.Dims()
	v, _ := BilinearInterpolation(m, utils.ClampFloat(x, 0, float64(w-1)), utils.ClampFloat(y, 0, float64(h-1)))
	return v
}
