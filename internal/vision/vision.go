// Package vision turns camera frames into lane line measurements.
//
// The image operations themselves are behind Primitives so the pipeline can
// run on OpenCV matrices on the vehicle (build tag gocv) or on recorded
// segment fixtures in development and tests.
package vision

import (
	"context"
	"errors"
	"image"
	"image/color"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/lane"
)

// ErrFrameDropped is returned by a FrameSource when a frame could not be
// read but the source remains usable.
var ErrFrameDropped = errors.New("frame dropped")

// FrameSource produces frames. Next blocks until a frame is available or ctx
// ends; io.EOF marks the end of a finite source. The caller owns each
// returned frame and releases it through Primitives.Release.
type FrameSource[I any] interface {
	Next(ctx context.Context) (I, error)
	Close() error
}

// HoughParams are the probabilistic Hough transform parameters.
type HoughParams struct {
	Rho           float64
	Theta         float64
	Threshold     int
	MinLineLength float64
	MaxLineGap    float64
}

// Primitives are the image operations the pipeline is built from. Every
// method that returns an image returns a new one owned by the caller.
type Primitives[I any] interface {
	Size(img I) image.Point
	Clone(img I) I
	Undistort(img I) I
	Grayscale(img I) I
	GaussianBlur(img I, kernel int) I
	Canny(img I, low, high float64) I
	MaskPolygon(img I, poly []image.Point) I
	HoughSegments(img I, p HoughParams) []lane.Segment
	// DrawSegments draws onto img in place.
	DrawSegments(img I, segs []lane.Segment, c color.RGBA, thickness int)
	Release(img I)
}

// Encoder serialises a display image for the operator.
type Encoder[I any] interface {
	Encode(img I) ([]byte, error)
}

// Overlay colours.
var (
	SegmentColor = color.RGBA{R: 255, A: 255}
	LaneColor    = color.RGBA{G: 255, A: 255}
)

// ROIPolygon returns the trapezoid kept by the region-of-interest mask for a
// frame of the given width: roiTop wide at row roiY0 and roiBottom wide at
// row roiY1, centred horizontally.
func ROIPolygon(width int, s config.Settings) []image.Point {
	x0 := (width - s.RoiTop) / 2
	x1 := (width - s.RoiBottom) / 2
	return []image.Point{
		{X: x0, Y: s.RoiY0},
		{X: x1, Y: s.RoiY1},
		{X: width - x1, Y: s.RoiY1},
		{X: width - x0, Y: s.RoiY0},
	}
}

// HoughParamsFrom extracts the Hough parameters from a settings snapshot.
func HoughParamsFrom(s config.Settings) HoughParams {
	return HoughParams{
		Rho:           s.HoughRho,
		Theta:         s.HoughTheta,
		Threshold:     s.HoughThreshold,
		MinLineLength: s.HoughMinLineLength,
		MaxLineGap:    s.HoughMaxLineGap,
	}
}
