package chessboard

import (
	"github.com/pkg/errors"

	"go.viam.com/rigcalib/utils"
)

// SaddleConfiguration stores the parameters to process the Hessian determinant image into candidate corners.
type SaddleConfiguration struct {
	BlurSigma         float64 `json:"blur_sigma"`         // gaussian smoothing applied before differentiation
	NMSWindowSize     int     `json:"win_size"`           // half size of the non-maximum suppression window
	RelativeThreshold float64 `json:"relative_threshold"` // fraction of the strongest response a peak must reach
	RingRadius        float64 `json:"ring_radius"`        // radius of the intensity ring checked around a peak
	MinContrast       float64 `json:"min_contrast"`       // minimum gray level spread on the ring
}

// SubPixelConfiguration stores the parameters of the iterative corner refinement.
type SubPixelConfiguration struct {
	Enabled       bool    `json:"enabled"`
	WindowSize    int     `json:"window_size"` // half size of the search window
	MaxIterations int     `json:"max_iterations"`
	Epsilon       float64 `json:"epsilon"` // stop once a corner moves less than this, in pixels
}

// DetectionConfiguration stores the parameters necessary for chessboard detection in an image.
type DetectionConfiguration struct {
	Saddle        SaddleConfiguration   `json:"saddle"`
	SubPixel      SubPixelConfiguration `json:"sub_pixel"`
	GridTolerance float64               `json:"grid_tolerance"` // max distance to a grid node, in cells
}

// DefaultSaddleConf stores the default parameters for saddle detection.
var DefaultSaddleConf = SaddleConfiguration{
	BlurSigma:         1.5,
	NMSWindowSize:     3,
	RelativeThreshold: 0.05,
	RingRadius:        5,
	MinContrast:       30,
}

// DefaultSubPixelConf mirrors the usual cornerSubPix settings: 9 pixel half window, 20 iterations or 0.03 pixels.
var DefaultSubPixelConf = SubPixelConfiguration{
	Enabled:       true,
	WindowSize:    9,
	MaxIterations: 20,
	Epsilon:       0.03,
}

// DefaultDetectionConfiguration returns the configuration used when none is given.
func DefaultDetectionConfiguration() DetectionConfiguration {
	return DetectionConfiguration{
		Saddle:        DefaultSaddleConf,
		SubPixel:      DefaultSubPixelConf,
		GridTolerance: 0.3,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *DetectionConfiguration) Validate(path string) error {
	if cfg.Saddle.BlurSigma < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("blur_sigma must be non negative, got %v", cfg.Saddle.BlurSigma))
	}
	if cfg.Saddle.NMSWindowSize < 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("win_size must be at least 1, got %d", cfg.Saddle.NMSWindowSize))
	}
	if cfg.Saddle.RelativeThreshold <= 0 || cfg.Saddle.RelativeThreshold >= 1 {
		return utils.NewConfigValidationError(path,
			errors.Errorf("relative_threshold must be in (0, 1), got %v", cfg.Saddle.RelativeThreshold))
	}
	if cfg.Saddle.RingRadius < 2 {
		return utils.NewConfigValidationError(path, errors.Errorf("ring_radius must be at least 2, got %v", cfg.Saddle.RingRadius))
	}
	if cfg.GridTolerance <= 0 || cfg.GridTolerance >= 0.5 {
		return utils.NewConfigValidationError(path, errors.Errorf("grid_tolerance must be in (0, 0.5), got %v", cfg.GridTolerance))
	}
	if cfg.SubPixel.Enabled {
		if cfg.SubPixel.WindowSize < 1 {
			return utils.NewConfigValidationFieldRequiredError(path, "sub_pixel.window_size")
		}
		if cfg.SubPixel.MaxIterations < 1 && cfg.SubPixel.Epsilon <= 0 {
			return utils.NewConfigValidationError(path,
				errors.New("sub_pixel needs max_iterations or epsilon to terminate"))
		}
	}
	return nil
}
