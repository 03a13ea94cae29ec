package testutils

import (
	"fmt"
	"image"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/rigcalib/rimage"
)

// WriteFrames writes the images as dir/prefix_NN.png and returns the matching path template.
func WriteFrames(t *testing.T, dir, prefix string, frames []*image.Gray) string {
	t.Helper()
	for i, frame := range frames {
		if frame == nil {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%02d.png", prefix, i))
		test.That(t, rimage.WriteImageToFile(path, frame), test.ShouldBeNil)
	}
	return filepath.Join(dir, prefix+"_%02d.png")
}
