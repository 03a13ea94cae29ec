package preview

import (
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"go.viam.com/rigcalib/calibration"
)

// LayoutFile is the name of the rig layout plot.
const LayoutFile = "layout.png"

// LayoutPlot plots the camera positions of the layout in the reference camera's x-y plane,
// labeled with their name and position. Cameras without a pose are left out.
func LayoutPlot(layout *calibration.RigLayout) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Rig layout relative to " + layout.Reference
	p.X.Label.Text = "x (mm)"
	p.Y.Label.Text = "y (mm)"
	p.Add(plotter.NewGrid())

	var pts plotter.XYs
	var labels []string
	var target plotter.XYs
	for i := range layout.Cameras {
		c := &layout.Cameras[i]
		if c.Position2D == nil {
			continue
		}
		pts = append(pts, plotter.XY{X: c.Position2D.X, Y: c.Position2D.Y})
		labels = append(labels, c.Name+" "+c.PositionLabel())
		if c.Reference && c.TargetPosition2D != nil {
			target = append(target, plotter.XY{X: c.TargetPosition2D.X, Y: c.TargetPosition2D.Y})
		}
	}
	if len(pts) == 0 {
		return nil, errors.New("no camera of the rig has a pose")
	}

	cams, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	cams.GlyphStyle.Shape = draw.CircleGlyph{}
	cams.GlyphStyle.Radius = vg.Points(4)
	cams.GlyphStyle.Color = color.NRGBA{B: 200, A: 255}
	p.Add(cams)
	p.Legend.Add("camera", cams)

	names, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
	if err != nil {
		return nil, err
	}
	names.Offset = vg.Point{X: vg.Points(6), Y: vg.Points(6)}
	p.Add(names)

	if len(target) > 0 {
		tgt, err := plotter.NewScatter(target)
		if err != nil {
			return nil, err
		}
		tgt.GlyphStyle.Shape = draw.CrossGlyph{}
		tgt.GlyphStyle.Radius = vg.Points(4)
		tgt.GlyphStyle.Color = color.NRGBA{R: 200, A: 255}
		p.Add(tgt)
		p.Legend.Add("target origin", tgt)
	}
	p.Legend.Top = true
	return p, nil
}

// PreviewLayout saves the layout plot.
func (w *PNGWriter) PreviewLayout(layout *calibration.RigLayout) error {
	p, err := LayoutPlot(layout)
	if err != nil {
		return err
	}
	path, err := w.path(LayoutFile)
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrap(err, "cannot save layout plot")
	}
	w.logger.Infow("wrote rig layout plot", "path", path)
	return nil
}
