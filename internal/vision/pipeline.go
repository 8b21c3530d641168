package vision

import (
	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/lane"
)

// Output is the result of processing one frame.
type Output[I any] struct {
	Measured    lane.Pair
	Left, Right lane.Sample
	Segments    []lane.Segment
	// Display is the stage selected by Settings.Display. The caller owns it.
	Display I
	// Disabled is set when perception was switched off and nothing beyond
	// the raw frame was produced.
	Disabled bool
}

// Pipeline runs undistort, grayscale, blur, edge detection, ROI masking and
// Hough segment extraction, then classifies and fits the two lanes.
type Pipeline[I any] struct {
	prims Primitives[I]
}

// NewPipeline returns a pipeline over prims.
func NewPipeline[I any](prims Primitives[I]) *Pipeline[I] {
	return &Pipeline[I]{prims: prims}
}

// Process runs one frame through the pipeline with settings s. The frame is
// read only; every intermediate image except the returned display is
// released before Process returns.
func (p *Pipeline[I]) Process(frame I, s config.Settings) Output[I] {
	prims := p.prims
	if !s.Enabled {
		return Output[I]{Display: prims.Clone(frame), Disabled: true}
	}

	undistorted := prims.Undistort(frame)
	gray := prims.Grayscale(undistorted)

	blurred := prims.Clone(gray)
	if s.BlurKernelSize > 1 {
		for range s.BlurIterations {
			next := prims.GaussianBlur(blurred, s.BlurKernelSize)
			prims.Release(blurred)
			blurred = next
		}
	}

	edges := prims.Canny(blurred, s.CannyLowThreshold, s.CannyHighThreshold)
	masked := prims.MaskPolygon(edges, ROIPolygon(prims.Size(frame).X, s))
	segs := prims.HoughSegments(masked, HoughParamsFrom(s))

	left, right := lane.Classify(segs, s.AbsMinLineAngle)
	out := Output[I]{
		Measured: lane.Pair{Left: lane.FitSample(left), Right: lane.FitSample(right)},
		Left:     left,
		Right:    right,
		Segments: segs,
	}

	switch s.Display {
	case config.DisplayUndistorted:
		out.Display = prims.Clone(undistorted)
	case config.DisplayGray:
		out.Display = prims.Clone(gray)
	case config.DisplayBlur:
		out.Display = prims.Clone(blurred)
	case config.DisplayEdges:
		out.Display = prims.Clone(edges)
	case config.DisplayMaskedEdges:
		out.Display = prims.Clone(masked)
	case config.DisplayHoughLines:
		out.Display = prims.Clone(undistorted)
		p.drawLanes(out, s)
	default:
		out.Display = prims.Clone(frame)
	}

	for _, img := range []I{undistorted, gray, blurred, edges, masked} {
		prims.Release(img)
	}
	return out
}

// drawLanes overlays the detected segments and the fitted lane lines
// between laneMaxY and laneMinY.
func (p *Pipeline[I]) drawLanes(out Output[I], s config.Settings) {
	if s.DrawAllLines {
		p.prims.DrawSegments(out.Display, out.Segments, SegmentColor, 1)
	}
	var lanes []lane.Segment
	for _, f := range []lane.Fit{out.Measured.Left, out.Measured.Right} {
		if f.Valid {
			lanes = append(lanes, f.Endpoints(s.LaneMaxY, s.LaneMinY))
		}
	}
	if len(lanes) > 0 {
		p.prims.DrawSegments(out.Display, lanes, LaneColor, 3)
	}
}
