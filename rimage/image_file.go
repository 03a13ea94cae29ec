package rimage

import (
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"go.viam.com/rigcalib/utils"
)

// ReadGrayImageFromFile decodes the image at path (any format imaging understands) and converts
// it to grayscale. EXIF orientation is applied so the pixels match what a viewer shows.
func ReadGrayImageFromFile(path string) (*image.Gray, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode image %q", path)
	}
	return MakeGray(img), nil
}

// WriteImageToFile encodes the image according to the extension of path, creating parent
// directories as needed.
func WriteImageToFile(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return imaging.Save(img, path)
}

// FrameSource reads a numbered sequence of frames from disk. Frame i is read from the path
// obtained by filling Template with i.
type FrameSource struct {
	Template string
	Count    int
}

// NewFrameSource returns a FrameSource after checking the template is usable.
func NewFrameSource(template string, count int) (*FrameSource, error) {
	if count <= 0 {
		return nil, errors.Errorf("frame count must be positive, got %d", count)
	}
	if _, err := utils.ExpandFrameTemplate(template, 0); err != nil {
		return nil, err
	}
	return &FrameSource{Template: template, Count: count}, nil
}

// Len returns the number of frames.
func (fs *FrameSource) Len() int {
	return fs.Count
}

// Path returns the file path of a frame.
func (fs *FrameSource) Path(index int) string {
	path, err := utils.ExpandFrameTemplate(fs.Template, index)
	if err != nil {
		return fs.Template
	}
	return path
}

// Image reads and decodes a frame.
func (fs *FrameSource) Image(index int) (*image.Gray, error) {
	if index < 0 || index >= fs.Count {
		return nil, errors.Errorf("frame index %d out of range [0, %d)", index, fs.Count)
	}
	return ReadGrayImageFromFile(fs.Path(index))
}
