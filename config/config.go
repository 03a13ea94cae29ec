// Package config defines the structures to configure a rig calibration run.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/rigcalib/calibration"
	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage"
	"go.viam.com/rigcalib/rimage/detection/chessboard"
	"go.viam.com/rigcalib/utils"
)

// The pattern detectors a config may select.
const (
	DetectorSaddle = "saddle"
	DetectorOpenCV = "opencv"
)

// Config describes a calibration run: the target, the cameras and where their images are, and
// how detection and the solvers are tuned.
type Config struct {
	Target          TargetConfig   `json:"target"`
	Cameras         []CameraConfig `json:"cameras"`
	ImageCount      int            `json:"image_count"`
	ReferenceCamera string         `json:"reference_camera,omitempty"`

	Detector    string                            `json:"detector,omitempty"`
	Detection   chessboard.DetectionConfiguration `json:"detection"`
	Calibration calibration.SingleCameraOptions   `json:"calibration"`
	Stereo      calibration.StereoOptions         `json:"stereo"`

	Preview  PreviewConfig `json:"preview"`
	Output   OutputConfig  `json:"output"`
	LogLevel string        `json:"log_level,omitempty"`

	ConfigFilePath string `json:"-"`
}

// TargetConfig is the printed checkerboard, counted in inner corners.
type TargetConfig struct {
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	SquareSize float64 `json:"square_size_mm"`
}

// CameraConfig is one camera of the rig. Frame i of the camera is read from PathTemplate filled
// with i; relative templates are relative to the config file.
type CameraConfig struct {
	Name         string `json:"name"`
	PathTemplate string `json:"path_template"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// PreviewConfig enables the PNG previews.
type PreviewConfig struct {
	Enabled   bool   `json:"enabled"`
	OutputDir string `json:"output_dir,omitempty"`
}

// OutputConfig says where the rig layout is written; an empty path means standard output.
type OutputConfig struct {
	LayoutPath string `json:"layout_path,omitempty"`
}

// Default returns the configuration of a 10 x 7 inner corner board with 33.5 mm squares shot 28
// times per camera. Cameras must still be supplied.
func Default() Config {
	return Config{
		Target:      TargetConfig{Rows: 7, Cols: 10, SquareSize: 33.5},
		ImageCount:  28,
		Detector:    DetectorSaddle,
		Detection:   chessboard.DefaultDetectionConfiguration(),
		Calibration: calibration.DefaultSingleCameraOptions(),
		Stereo:      calibration.DefaultStereoOptions(),
		Preview:     PreviewConfig{OutputDir: "preview"},
		LogLevel:    "info",
	}
}

// Validate ensures all parts of the target are valid.
func (tc *TargetConfig) Validate(path string) error {
	if tc.Rows < 2 {
		return utils.NewConfigValidationError(path, errors.Errorf("rows must be at least 2, got %d", tc.Rows))
	}
	if tc.Cols < 2 {
		return utils.NewConfigValidationError(path, errors.Errorf("cols must be at least 2, got %d", tc.Cols))
	}
	if tc.SquareSize <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("square_size_mm must be positive, got %v", tc.SquareSize))
	}
	return nil
}

// Validate ensures all parts of the camera are valid.
func (cc *CameraConfig) Validate(path string) error {
	if cc.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if cc.PathTemplate == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "path_template")
	}
	if _, err := utils.ExpandFrameTemplate(cc.PathTemplate, 0); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if cc.Width <= 0 || cc.Height <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("width and height must be positive, got %dx%d", cc.Width, cc.Height))
	}
	return nil
}

// Ensure validates the config, resolving relative paths against the config file.
func (c *Config) Ensure() error {
	if err := c.Target.Validate("target"); err != nil {
		return err
	}
	if len(c.Cameras) == 0 {
		return utils.NewConfigValidationError("cameras", errors.New("at least one camera is required"))
	}
	for idx := range c.Cameras {
		if err := c.Cameras[idx].Validate(fmt.Sprintf("%s.%d", "cameras", idx)); err != nil {
			return err
		}
	}
	names := lo.Map(c.Cameras, func(cc CameraConfig, _ int) string { return cc.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return utils.NewConfigValidationError("cameras", errors.Errorf("camera names must be unique, got duplicates %v", dups))
	}
	if c.ReferenceCamera != "" && !lo.Contains(names, c.ReferenceCamera) {
		return utils.NewConfigValidationError("reference_camera", errors.Errorf("no camera named %q", c.ReferenceCamera))
	}
	if c.ImageCount < 1 {
		return utils.NewConfigValidationError("image_count", errors.Errorf("must be at least 1, got %d", c.ImageCount))
	}
	switch c.Detector {
	case "":
		c.Detector = DetectorSaddle
	case DetectorSaddle, DetectorOpenCV:
	default:
		return utils.NewConfigValidationError("detector", errors.Errorf("unknown detector %q", c.Detector))
	}
	if err := c.Detection.Validate("detection"); err != nil {
		return err
	}
	if err := c.Calibration.Validate("calibration"); err != nil {
		return err
	}
	if err := c.Stereo.Validate("stereo"); err != nil {
		return err
	}
	if c.Preview.Enabled && c.Preview.OutputDir == "" {
		return utils.NewConfigValidationFieldRequiredError("preview", "output_dir")
	}
	if c.LogLevel != "" {
		if _, err := logging.LevelFromString(c.LogLevel); err != nil {
			return utils.NewConfigValidationError("log_level", err)
		}
	}

	base := filepath.Dir(c.ConfigFilePath)
	if c.ConfigFilePath == "" {
		base = ""
	}
	for idx := range c.Cameras {
		c.Cameras[idx].PathTemplate = resolve(base, c.Cameras[idx].PathTemplate)
	}
	c.Preview.OutputDir = resolve(base, c.Preview.OutputDir)
	c.Output.LayoutPath = resolve(base, c.Output.LayoutPath)
	return nil
}

func resolve(base, path string) string {
	if base == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// Level returns the configured log level, info when unset.
func (c *Config) Level() logging.Level {
	level, err := logging.LevelFromString(c.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}

// CalibrationTarget returns the target described by the config.
func (c *Config) CalibrationTarget() (*calibration.CalibrationTarget, error) {
	return calibration.NewCalibrationTarget(c.Target.Rows, c.Target.Cols, c.Target.SquareSize)
}

// ReferenceIndex returns the index of the reference camera, the first camera when unset.
func (c *Config) ReferenceIndex() int {
	if c.ReferenceCamera == "" {
		return 0
	}
	_, idx, ok := lo.FindIndexOf(c.Cameras, func(cc CameraConfig) bool { return cc.Name == c.ReferenceCamera })
	if !ok {
		return 0
	}
	return idx
}

// RigOptions returns the options of the rig calibrator.
func (c *Config) RigOptions() calibration.RigOptions {
	return calibration.RigOptions{
		ReferenceCamera: c.ReferenceIndex(),
		Single:          c.Calibration,
		Stereo:          c.Stereo,
	}
}

// FrameSource returns the reader of the camera's images.
func (c *Config) FrameSource(cam CameraConfig) (*rimage.FrameSource, error) {
	return rimage.NewFrameSource(cam.PathTemplate, c.ImageCount)
}
