package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/rigcalib/calibration"
	"go.viam.com/rigcalib/config"
	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/preview"
	"go.viam.com/rigcalib/rimage"
	"go.viam.com/rigcalib/rimage/detection/chessboard"
)

func calibrateAction(c *cli.Context, logger logging.Logger) error {
	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	if !c.Bool(flagDebug) {
		logger.SetLevel(cfg.Level())
	}
	if dir := c.String(flagPreviewDir); dir != "" {
		cfg.Preview = config.PreviewConfig{Enabled: true, OutputDir: dir}
	}
	target, err := cfg.CalibrationTarget()
	if err != nil {
		return err
	}
	detector, err := newDetector(cfg, logger.Sublogger("detection"))
	if err != nil {
		return err
	}
	var previewer *preview.PNGWriter
	if cfg.Preview.Enabled {
		if previewer, err = preview.NewPNGWriter(cfg.Preview.OutputDir, logger.Sublogger("preview")); err != nil {
			return err
		}
	}

	ctx := c.Context
	inputs := make([]calibration.CameraInput, len(cfg.Cameras))
	sources := make([]*rimage.FrameSource, len(cfg.Cameras))
	for i, cam := range cfg.Cameras {
		if sources[i], err = cfg.FrameSource(cam); err != nil {
			return err
		}
		job := calibration.CameraDetection{
			Camera:   cam.Name,
			Source:   sources[i],
			Detector: detector,
			Target:   target,
			Width:    cam.Width,
			Height:   cam.Height,
		}
		if previewer != nil {
			job.Previewer = previewer
		}
		if inputs[i], err = calibration.DetectCamera(ctx, job, logger); err != nil {
			return err
		}
	}

	rig, err := calibration.NewRigCalibrator(cfg.RigOptions(), logger.Sublogger("calibration"))
	if err != nil {
		return err
	}
	layout, err := rig.Calibrate(ctx, inputs)
	if err != nil {
		return err
	}
	for _, d := range layout.Diagnostics {
		logger.Debugw("diagnostic", "camera", d.Camera, "image_index", d.ImageIndex, "kind", d.Kind, "message", d.Message)
	}

	if previewer != nil {
		for i := range layout.Cameras {
			cam := &layout.Cameras[i]
			if cam.Intrinsics == nil {
				continue
			}
			if err := calibration.PreviewRepresentative(sources[i], inputs[i], cam, previewer); err != nil {
				logger.Warnw("preview failed", "camera", cam.Name, "error", err)
			}
		}
		if len(layout.Located()) > 0 {
			if err := previewer.PreviewLayout(layout); err != nil {
				logger.Warnw("layout preview failed", "error", err)
			}
		}
	}

	if err := writeLayout(c, cfg.Output.LayoutPath, layout); err != nil {
		return err
	}
	if err := layout.Err(); err != nil && !c.Bool(flagAllowPartial) {
		return errors.Wrapf(err, "%d of %d cameras located", len(layout.Located()), len(layout.Cameras))
	}
	return nil
}

func writeLayout(c *cli.Context, path string, layout *calibration.RigLayout) (err error) {
	if path == "" {
		if err := layout.WriteJSON(c.App.Writer); err != nil {
			return err
		}
		fmt.Fprintln(c.App.ErrWriter, layout.Table())
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "cannot create layout file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if err := layout.WriteJSON(f); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, layout.Table())
	fmt.Fprintf(c.App.Writer, "layout written to %s\n", path)
	return nil
}

type detection struct {
	Image   string     `json:"image"`
	Corners []r2.Point `json:"corners,omitempty"`
	Error   string     `json:"error,omitempty"`
}

func detectAction(c *cli.Context, logger logging.Logger) error {
	if c.NArg() == 0 {
		return errors.New("no image given")
	}
	cfg := chessboard.DefaultDetectionConfiguration()
	rows, cols := c.Int(flagRows), c.Int(flagCols)
	if path := c.String(flagConfig); path != "" {
		conf, err := config.Read(path)
		if err != nil {
			return err
		}
		cfg = conf.Detection
		// explicit board flags win over the target of the config
		if !c.IsSet(flagRows) {
			rows = conf.Target.Rows
		}
		if !c.IsSet(flagCols) {
			cols = conf.Target.Cols
		}
	}
	// validates the board size and the configuration
	if _, err := chessboard.NewDetector(rows, cols, cfg, logger); err != nil {
		return err
	}
	debugDir := c.String(flagDebugDir)

	var combined error
	results := make([]detection, 0, c.NArg())
	for _, path := range c.Args().Slice() {
		res := detection{Image: path}
		corners, err := detectImage(path, rows, cols, &cfg, debugDir, logger)
		if err != nil {
			res.Error = err.Error()
			combined = multierr.Append(combined, errors.Wrap(err, path))
		}
		res.Corners = corners
		results = append(results, res)
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	return combined
}

func detectImage(
	path string,
	rows, cols int,
	cfg *chessboard.DetectionConfiguration,
	debugDir string,
	logger logging.Logger,
) ([]r2.Point, error) {
	img, err := rimage.ReadGrayImageFromFile(path)
	if err != nil {
		return nil, errors.Wrap(calibration.ErrImageUnreadable, err.Error())
	}
	res, err := chessboard.FindChessboard(rimage.GrayToMatrix(img), rows, cols, cfg, logger)
	if debugDir != "" && res != nil {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_saddle.png"
		if perr := os.MkdirAll(debugDir, 0o750); perr != nil {
			logger.Warnw("cannot create debug directory", "error", perr)
		} else if perr := chessboard.PlotSaddleMap(res.SaddleMap, res.Candidates, res.Corners, filepath.Join(debugDir, name)); perr != nil {
			logger.Warnw("cannot plot saddle map", "image", path, "error", perr)
		}
	}
	if err != nil {
		return nil, err
	}
	return res.Corners, nil
}

func validateAction(c *cli.Context) error {
	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "config OK: %d cameras, %d images each, %dx%d board of %v mm squares, reference %q\n",
		len(cfg.Cameras), cfg.ImageCount, cfg.Target.Cols, cfg.Target.Rows, cfg.Target.SquareSize,
		cfg.Cameras[cfg.ReferenceIndex()].Name)
	return nil
}
