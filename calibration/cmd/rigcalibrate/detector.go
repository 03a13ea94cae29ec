//go:build !gocv

package main

import (
	"github.com/pkg/errors"

	"go.viam.com/rigcalib/calibration"
	"go.viam.com/rigcalib/config"
	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/detection/chessboard"
)

func newDetector(cfg *config.Config, logger logging.Logger) (calibration.PatternDetector, error) {
	switch cfg.Detector {
	case config.DetectorOpenCV:
		return nil, errors.New("the opencv detector needs a build with the gocv tag")
	default:
		return chessboard.NewDetector(cfg.Target.Rows, cfg.Target.Cols, cfg.Detection, logger)
	}
}
