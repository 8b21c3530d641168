package telemetry

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	leftColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	rightColor  = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	outputColor = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

type series struct {
	label  string
	color  color.Color
	dashed bool
	pts    plotter.XYs
}

// PlotRun renders a run's cycle records to PNG files in dir and returns
// their paths. Lane positions are evaluated at referenceRow. The power plot
// is skipped when no voltage was ever recorded.
func PlotRun(cycles []Cycle, dir string, referenceRow float64) ([]string, error) {
	if len(cycles) == 0 {
		return nil, fmt.Errorf("no cycles to plot")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}

	t0 := cycles[0].Time
	at := func(c Cycle) float64 { return c.Time.Sub(t0).Seconds() }

	var (
		measL, measR, trackL, trackR series
		errS, outS                   series
		speedL, speedR               series
		rpi, motor                   series
	)
	measL = series{label: "left measured", color: leftColor, dashed: true}
	measR = series{label: "right measured", color: rightColor, dashed: true}
	trackL = series{label: "left tracked", color: leftColor}
	trackR = series{label: "right tracked", color: rightColor}
	errS = series{label: "error", color: leftColor}
	outS = series{label: "output", color: outputColor}
	speedL = series{label: "left", color: leftColor}
	speedR = series{label: "right", color: rightColor}
	rpi = series{label: "rpi", color: leftColor}
	motor = series{label: "motor", color: rightColor}

	for _, c := range cycles {
		x := at(c)
		addFit := func(s *series, valid bool, v float64) {
			if valid {
				s.pts = append(s.pts, plotter.XY{X: x, Y: v})
			}
		}
		addFit(&measL, c.Measured.Left.Valid, c.Measured.Left.Eval(referenceRow))
		addFit(&measR, c.Measured.Right.Valid, c.Measured.Right.Eval(referenceRow))
		addFit(&trackL, c.Tracked.Left.Valid, c.Tracked.Left.Eval(referenceRow))
		addFit(&trackR, c.Tracked.Right.Valid, c.Tracked.Right.Eval(referenceRow))
		if c.Steering {
			errS.pts = append(errS.pts, plotter.XY{X: x, Y: c.Terms.Error})
			outS.pts = append(outS.pts, plotter.XY{X: x, Y: c.Terms.Output})
		}
		speedL.pts = append(speedL.pts, plotter.XY{X: x, Y: float64(c.Command.Left)})
		speedR.pts = append(speedR.pts, plotter.XY{X: x, Y: float64(c.Command.Right)})
		if c.RPiBatteryVoltage != nil {
			rpi.pts = append(rpi.pts, plotter.XY{X: x, Y: *c.RPiBatteryVoltage})
		}
		if c.MotorBatteryVoltage != nil {
			motor.pts = append(motor.pts, plotter.XY{X: x, Y: *c.MotorBatteryVoltage})
		}
	}

	charts := []struct {
		file, title, ylabel string
		series              []series
	}{
		{"lanes.png", fmt.Sprintf("Lane position at row %.0f", referenceRow), "x (px)", []series{measL, measR, trackL, trackR}},
		{"steering.png", "Steering", "px / speed units", []series{errS, outS}},
		{"speeds.png", "Wheel speeds", "speed", []series{speedL, speedR}},
		{"power.png", "Battery voltage", "V", []series{rpi, motor}},
	}

	var files []string
	for _, ch := range charts {
		if empty(ch.series) {
			continue
		}
		path := filepath.Join(dir, ch.file)
		if err := savePlot(path, ch.title, ch.ylabel, ch.series); err != nil {
			return files, err
		}
		files = append(files, path)
	}
	return files, nil
}

func empty(ss []series) bool {
	for _, s := range ss {
		if len(s.pts) > 0 {
			return false
		}
	}
	return true
}

func savePlot(path, title, ylabel string, ss []series) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = ylabel

	for _, s := range ss {
		if len(s.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			return err
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		if s.dashed {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	return nil
}
