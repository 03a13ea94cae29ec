//go:build gocv

package main

import (
	"go.viam.com/rigcalib/calibration"
	"go.viam.com/rigcalib/config"
	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/detection/chessboard"
)

func newDetector(cfg *config.Config, logger logging.Logger) (calibration.PatternDetector, error) {
	switch cfg.Detector {
	case config.DetectorOpenCV:
		return chessboard.NewOpenCVDetector(cfg.Target.Rows, cfg.Target.Cols, cfg.Detection, logger)
	default:
		return chessboard.NewDetector(cfg.Target.Rows, cfg.Target.Cols, cfg.Detection, logger)
	}
}
