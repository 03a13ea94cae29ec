package calibration

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Correspondence is one accepted image: its index in the capture sequence and the detected
// corners, index aligned with the target's object points.
type Correspondence struct {
	ImageIndex  int        `json:"image_index"`
	ImagePoints []r2.Point `json:"image_points"`
}

// CorrespondenceSet accumulates the accepted images of one camera in insertion order. It is not
// safe for concurrent writes.
type CorrespondenceSet struct {
	target   *CalibrationTarget
	entries  []Correspondence
	byIndex  map[int]int
	supplied int
}

// NewCorrespondenceSet returns an empty set for the target.
func NewCorrespondenceSet(target *CalibrationTarget) *CorrespondenceSet {
	return &CorrespondenceSet{target: target, byIndex: map[int]int{}}
}

// Add records the detection of image imageIndex. Every call with a new index counts as a supplied
// image; a missing detection (nil points) or one of the wrong length is not recorded and the
// returned error wraps ErrPatternNotFound. Adding an index twice is a caller error.
func (c *CorrespondenceSet) Add(imageIndex int, pts []r2.Point) error {
	if _, ok := c.byIndex[imageIndex]; ok {
		return errors.Errorf("image %d was already added", imageIndex)
	}
	c.supplied++
	if pts == nil {
		return errors.Wrapf(ErrPatternNotFound, "image %d has no detection", imageIndex)
	}
	if len(pts) != c.target.NumPoints() {
		return errors.Wrapf(ErrPatternNotFound, "image %d has %d points, need %d", imageIndex, len(pts), c.target.NumPoints())
	}
	own := make([]r2.Point, len(pts))
	copy(own, pts)
	c.byIndex[imageIndex] = len(c.entries)
	c.entries = append(c.entries, Correspondence{ImageIndex: imageIndex, ImagePoints: own})
	return nil
}

// Target returns the target the set was built for.
func (c *CorrespondenceSet) Target() *CalibrationTarget {
	return c.target
}

// ObjectPoints returns the shared object points of every entry.
func (c *CorrespondenceSet) ObjectPoints() []r3.Vector {
	return c.target.ObjectPoints()
}

// Len is the number of accepted images.
func (c *CorrespondenceSet) Len() int {
	return len(c.entries)
}

// Supplied is the number of images offered to Add.
func (c *CorrespondenceSet) Supplied() int {
	return c.supplied
}

// Rejected is the number of supplied images that were not recorded.
func (c *CorrespondenceSet) Rejected() int {
	return c.supplied - len(c.entries)
}

// Entry returns the i-th accepted image.
func (c *CorrespondenceSet) Entry(i int) Correspondence {
	return c.entries[i]
}

// Entries returns the accepted images in insertion order.
func (c *CorrespondenceSet) Entries() []Correspondence {
	out := make([]Correspondence, len(c.entries))
	copy(out, c.entries)
	return out
}

// Lookup returns the entry recorded for imageIndex.
func (c *CorrespondenceSet) Lookup(imageIndex int) (Correspondence, bool) {
	i, ok := c.byIndex[imageIndex]
	if !ok {
		return Correspondence{}, false
	}
	return c.entries[i], true
}

// ImageIndices returns the capture index of every accepted image in insertion order.
func (c *CorrespondenceSet) ImageIndices() []int {
	out := make([]int, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.ImageIndex
	}
	return out
}

// Intersect returns the entries of c and other restricted to the image indices both accepted, in
// c's order, and the indices accepted by only one of them.
func (c *CorrespondenceSet) Intersect(other *CorrespondenceSet) (*CorrespondenceSet, *CorrespondenceSet, []int) {
	mine := NewCorrespondenceSet(c.target)
	theirs := NewCorrespondenceSet(other.target)
	var dropped []int
	for _, e := range c.entries {
		o, ok := other.Lookup(e.ImageIndex)
		if !ok {
			dropped = append(dropped, e.ImageIndex)
			continue
		}
		mine.addEntry(e)
		theirs.addEntry(o)
	}
	for _, o := range other.entries {
		if _, ok := c.byIndex[o.ImageIndex]; !ok {
			dropped = append(dropped, o.ImageIndex)
		}
	}
	return mine, theirs, dropped
}

func (c *CorrespondenceSet) addEntry(e Correspondence) {
	c.supplied++
	c.byIndex[e.ImageIndex] = len(c.entries)
	c.entries = append(c.entries, e)
}
