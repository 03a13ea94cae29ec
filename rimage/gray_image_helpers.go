package rimage

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SameImgSize compares images to see if they're the same size.
func SameImgSize(g1, g2 image.Image) bool {
	return g1.Bounds().Size() == g2.Bounds().Size()
}

// MakeGray converts any image to an 8 bit grayscale image anchored at the origin.
func MakeGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok && gray.Bounds().Min == (image.Point{}) {
		return gray
	}
	size := img.Bounds().Size()
	result := image.NewGray(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(result, result.Bounds(), img, img.Bounds().Min, draw.Src)
	return result
}

// GrayToMatrix converts a grayscale image to a float matrix with values in [0, 255], rows being
// image rows.
func GrayToMatrix(img *image.Gray) *mat.Dense {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		for x, v := range img.Pix[off : off+w] {
			data[y*w+x] = float64(v)
		}
	}
	return mat.NewDense(h, w, data)
}

// MatrixToGray converts a float matrix back to a grayscale image, rounding and clamping to [0, 255].
func MatrixToGray(m mat.Matrix) *image.Gray {
	h, w := m.Dims()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := math.Round(m.At(y, x))
			img.SetGray(x, y, color.Gray{Y: uint8(math.Max(0, math.Min(255, v)))})
		}
	}
	return img
}
