package transform

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

// BrownConradyDistortionType is the radial and tangential model fit by the calibration.
const BrownConradyDistortionType = DistortionType("brown_conrady")

// Distorter maps undistorted normalized image points to distorted ones.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns the Distorter of the given type built from its parameter list.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	if distortionType != BrownConradyDistortionType {
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
	return NewBrownConrady(parameters)
}
