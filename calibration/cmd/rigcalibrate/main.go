// Package main is the rig calibration command: it detects the checkerboard in the images of
// every camera, calibrates them and writes the rig layout.
package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"go.viam.com/rigcalib/logging"
)

const (
	flagConfig       = "config"
	flagDebug        = "debug"
	flagAllowPartial = "allow-partial"
	flagPreviewDir   = "preview-dir"
	flagRows         = "rows"
	flagCols         = "cols"
	flagDebugDir     = "debug-dir"
)

func main() {
	logger := logging.NewLogger("rigcalibrate")
	app := newApp(logger)
	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func newApp(logger logging.Logger) *cli.App {
	return &cli.App{
		Name:  "rigcalibrate",
		Usage: "calibrate a multi camera rig from checkerboard images",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "calibrate",
				Usage: "detect, calibrate every camera and relate them to the reference camera",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{
						Name:  flagAllowPartial,
						Usage: "exit successfully even if some cameras could not be located",
					},
					&cli.StringFlag{
						Name:  flagPreviewDir,
						Usage: "write previews to `DIR`, overriding the config",
					},
				},
				Action: func(c *cli.Context) error {
					return calibrateAction(c, logger)
				},
			},
			{
				Name:      "detect",
				Usage:     "find the checkerboard corners in single images",
				ArgsUsage: "IMAGE...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    flagConfig,
						Aliases: []string{"c"},
						Usage:   "take the board size and detection settings from `FILE`",
					},
					&cli.IntFlag{Name: flagRows, Value: 7, Usage: "inner corner rows of the board"},
					&cli.IntFlag{Name: flagCols, Value: 10, Usage: "inner corner columns of the board"},
					&cli.StringFlag{
						Name:  flagDebugDir,
						Usage: "plot the saddle map and candidates of every image into `DIR`",
					},
				},
				Action: func(c *cli.Context) error {
					return detectAction(c, logger)
				},
			},
			{
				Name:  "validate",
				Usage: "check a configuration file",
				Flags: []cli.Flag{configFlag()},
				Action: func(c *cli.Context) error {
					return validateAction(c)
				},
			},
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     flagConfig,
		Aliases:  []string{"c"},
		Usage:    "load configuration from `FILE`",
		Required: true,
	}
}
