package vision

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"slices"
	"time"

	"github.com/banshee-data/lanekeeper/internal/lane"
	"github.com/banshee-data/lanekeeper/internal/timeutil"
)

// ReplayFrame is a recorded frame reduced to the segments a Hough transform
// found in it. It lets the whole loop run without a camera.
type ReplayFrame struct {
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Segments []lane.Segment `json:"segments"`
	// Stage names the last operation applied.
	Stage string `json:"stage,omitempty"`
	// Mask is the region of interest applied by MaskPolygon.
	Mask  []image.Point  `json:"mask,omitempty"`
	Drawn []lane.Segment `json:"drawn,omitempty"`
}

func (f *ReplayFrame) clone(stage string) *ReplayFrame {
	out := *f
	out.Segments = slices.Clone(f.Segments)
	out.Mask = slices.Clone(f.Mask)
	out.Drawn = slices.Clone(f.Drawn)
	if stage != "" {
		out.Stage = stage
	}
	return &out
}

// ReplayPrimitives implements Primitives over ReplayFrame. Pixel stages
// only relabel the frame; the ROI mask and minimum line length filter the
// recorded segments the way the real transform would.
type ReplayPrimitives struct{}

var _ Primitives[*ReplayFrame] = ReplayPrimitives{}

func (ReplayPrimitives) Size(f *ReplayFrame) image.Point { return image.Pt(f.Width, f.Height) }
func (ReplayPrimitives) Clone(f *ReplayFrame) *ReplayFrame { return f.clone("") }
func (ReplayPrimitives) Undistort(f *ReplayFrame) *ReplayFrame {
	return f.clone("undistorted")
}
func (ReplayPrimitives) Grayscale(f *ReplayFrame) *ReplayFrame { return f.clone("gray") }
func (ReplayPrimitives) GaussianBlur(f *ReplayFrame, kernel int) *ReplayFrame {
	return f.clone("blur")
}
func (ReplayPrimitives) Canny(f *ReplayFrame, low, high float64) *ReplayFrame {
	return f.clone("edges")
}

func (ReplayPrimitives) MaskPolygon(f *ReplayFrame, poly []image.Point) *ReplayFrame {
	out := f.clone("maskedEdges")
	out.Mask = slices.Clone(poly)
	return out
}

func (ReplayPrimitives) HoughSegments(f *ReplayFrame, p HoughParams) []lane.Segment {
	var out []lane.Segment
	for _, s := range f.Segments {
		if math.Hypot(s.X2-s.X1, s.Y2-s.Y1) < p.MinLineLength {
			continue
		}
		if f.Mask != nil && !(insidePolygon(f.Mask, s.X1, s.Y1) && insidePolygon(f.Mask, s.X2, s.Y2)) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (ReplayPrimitives) DrawSegments(f *ReplayFrame, segs []lane.Segment, _ color.RGBA, _ int) {
	f.Drawn = append(f.Drawn, segs...)
}

func (ReplayPrimitives) Release(*ReplayFrame) {}

// insidePolygon is the even-odd ray casting test.
func insidePolygon(poly []image.Point, x, y float64) bool {
	in := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		xi, yi := float64(poly[i].X), float64(poly[i].Y)
		xj, yj := float64(poly[j].X), float64(poly[j].Y)
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}

// ReplayEncoder renders a replay frame as JSON for the operator.
type ReplayEncoder struct{}

func (ReplayEncoder) Encode(f *ReplayFrame) ([]byte, error) {
	return json.Marshal(f)
}

// LoadReplay reads a JSON-lines file with one ReplayFrame per line. Blank
// lines are skipped.
func LoadReplay(path string) ([]*ReplayFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()
	return ReadReplay(f)
}

// ReadReplay decodes JSON-lines replay frames from r.
func ReadReplay(r io.Reader) ([]*ReplayFrame, error) {
	var frames []*ReplayFrame
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; scan.Scan(); n++ {
		line := scan.Bytes()
		if len(line) == 0 {
			continue
		}
		var fr ReplayFrame
		if err := json.Unmarshal(line, &fr); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", n, err)
		}
		if fr.Width <= 0 || fr.Height <= 0 {
			return nil, fmt.Errorf("replay line %d: frame size %dx%d", n, fr.Width, fr.Height)
		}
		frames = append(frames, &fr)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read replay: %w", err)
	}
	return frames, nil
}

// ReplaySource plays recorded frames at a fixed rate.
type ReplaySource struct {
	frames []*ReplayFrame
	loop   bool
	next   int
	ticker timeutil.Ticker
}

// NewReplaySource returns a source yielding frames every period. A zero
// period yields frames as fast as they are read. With loop set the frames
// repeat forever; otherwise Next returns io.EOF after the last one.
func NewReplaySource(frames []*ReplayFrame, period time.Duration, loop bool, clock timeutil.Clock) *ReplaySource {
	s := &ReplaySource{frames: frames, loop: loop}
	if period > 0 {
		s.ticker = timeutil.OrReal(clock).NewTicker(period)
	}
	return s
}

// Next returns a copy of the next recorded frame.
func (s *ReplaySource) Next(ctx context.Context) (*ReplayFrame, error) {
	if s.next >= len(s.frames) {
		if !s.loop || len(s.frames) == 0 {
			return nil, io.EOF
		}
		s.next = 0
	}
	if s.ticker != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ticker.C():
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := s.frames[s.next].clone("raw")
	s.next++
	return f, nil
}

// Close stops the pacing ticker.
func (s *ReplaySource) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}
