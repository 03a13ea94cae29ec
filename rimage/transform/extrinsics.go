package transform

import (
	"github.com/golang/geo/r3"

	"go.viam.com/rigcalib/spatialmath"
)

// Extrinsics is a rigid transform between two frames: a point X expressed in the source frame
// is expressed in the destination frame as Rotation*X + Translation.
type Extrinsics struct {
	Rotation    *spatialmath.RotationMatrix `json:"rotation"`
	Translation r3.Vector                   `json:"translation"`
}

// NewIdentityExtrinsics returns the transform that leaves every point in place.
func NewIdentityExtrinsics() *Extrinsics {
	return &Extrinsics{Rotation: spatialmath.NewZeroRotation()}
}

// NewExtrinsicsFromRotationVector builds the transform from a rotation vector and a translation.
func NewExtrinsicsFromRotationVector(rvec, tvec r3.Vector) *Extrinsics {
	return &Extrinsics{Rotation: spatialmath.R3ToRotationMatrix(rvec), Translation: tvec}
}

// TransformPointToPoint applies the transform to the point (x, y, z).
func (e *Extrinsics) TransformPointToPoint(x, y, z float64) r3.Vector {
	return e.Apply(r3.Vector{X: x, Y: y, Z: z})
}

// Apply applies the transform to pt.
func (e *Extrinsics) Apply(pt r3.Vector) r3.Vector {
	return e.Rotation.Mul(pt).Add(e.Translation)
}

// Compose returns the transform applying inner first and then e.
func (e *Extrinsics) Compose(inner *Extrinsics) *Extrinsics {
	return &Extrinsics{
		Rotation:    e.Rotation.Compose(inner.Rotation),
		Translation: e.Rotation.Mul(inner.Translation).Add(e.Translation),
	}
}

// Inverse returns the transform going back from the destination to the source frame.
func (e *Extrinsics) Inverse() *Extrinsics {
	rt := e.Rotation.Transpose()
	return &Extrinsics{Rotation: rt, Translation: rt.Mul(e.Translation).Mul(-1)}
}

// RotationVector returns the rotation as an R3 axis angle.
func (e *Extrinsics) RotationVector() r3.Vector {
	return e.Rotation.RotationVector()
}

// CameraCenter returns the origin of the destination frame expressed in the source frame, -R^T*T.
// For a reference-to-camera transform this is the camera center in the reference frame.
func (e *Extrinsics) CameraCenter() r3.Vector {
	return e.Inverse().Translation
}
