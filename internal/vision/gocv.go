//go:build gocv

package vision

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/banshee-data/lanekeeper/internal/lane"
)

// GocvPrimitives implements Primitives with OpenCV. Frames are BGR.
type GocvPrimitives struct {
	calib  Calibration
	camera gocv.Mat
	dist   gocv.Mat
}

var _ Primitives[gocv.Mat] = (*GocvPrimitives)(nil)

// NewGocvPrimitives returns OpenCV primitives undistorting with calib scaled
// to width×height. Close releases the calibration matrices.
func NewGocvPrimitives(calib Calibration, width, height int) *GocvPrimitives {
	c := calib.Scaled(width, height)
	camera := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for i, v := range c.Camera {
		camera.SetDoubleAt(i/3, i%3, v)
	}
	dist := gocv.NewMatWithSize(1, len(c.Distortion), gocv.MatTypeCV64F)
	for i, v := range c.Distortion {
		dist.SetDoubleAt(0, i, v)
	}
	return &GocvPrimitives{calib: c, camera: camera, dist: dist}
}

// Close releases the calibration matrices.
func (g *GocvPrimitives) Close() error {
	g.camera.Close()
	return g.dist.Close()
}

func (g *GocvPrimitives) Size(img gocv.Mat) image.Point { return image.Pt(img.Cols(), img.Rows()) }
func (g *GocvPrimitives) Clone(img gocv.Mat) gocv.Mat   { return img.Clone() }

func (g *GocvPrimitives) Undistort(img gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	gocv.Undistort(img, &out, g.camera, g.dist, g.camera)
	return out
}

func (g *GocvPrimitives) Grayscale(img gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	gocv.CvtColor(img, &out, gocv.ColorBGRToGray)
	return out
}

func (g *GocvPrimitives) GaussianBlur(img gocv.Mat, kernel int) gocv.Mat {
	out := gocv.NewMat()
	gocv.GaussianBlur(img, &out, image.Pt(kernel, kernel), 0, 0, gocv.BorderDefault)
	return out
}

func (g *GocvPrimitives) Canny(img gocv.Mat, low, high float64) gocv.Mat {
	out := gocv.NewMat()
	gocv.Canny(img, &out, float32(low), float32(high))
	return out
}

func (g *GocvPrimitives) MaskPolygon(img gocv.Mat, poly []image.Point) gocv.Mat {
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), img.Rows(), img.Cols(), img.Type())
	defer mask.Close()
	pts := gocv.NewPointsVectorFromPoints([][]image.Point{poly})
	defer pts.Close()
	gocv.FillPoly(&mask, pts, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	out := gocv.NewMat()
	gocv.BitwiseAnd(img, mask, &out)
	return out
}

func (g *GocvPrimitives) HoughSegments(img gocv.Mat, p HoughParams) []lane.Segment {
	lines := gocv.NewMat()
	defer lines.Close()
	gocv.HoughLinesPWithParams(img, &lines, float32(p.Rho), float32(p.Theta), p.Threshold,
		float32(p.MinLineLength), float32(p.MaxLineGap))

	segs := make([]lane.Segment, 0, lines.Rows())
	for i := 0; i < lines.Rows(); i++ {
		v := lines.GetVeciAt(i, 0)
		if len(v) < 4 {
			continue
		}
		segs = append(segs, lane.Segment{
			X1: float64(v[0]), Y1: float64(v[1]),
			X2: float64(v[2]), Y2: float64(v[3]),
		})
	}
	return segs
}

func (g *GocvPrimitives) DrawSegments(img gocv.Mat, segs []lane.Segment, c color.RGBA, thickness int) {
	// BGR frames: swap so callers can name colours naturally.
	bgr := color.RGBA{R: c.B, G: c.G, B: c.R, A: c.A}
	for _, s := range segs {
		gocv.Line(&img,
			image.Pt(int(s.X1), int(s.Y1)),
			image.Pt(int(s.X2), int(s.Y2)),
			bgr, thickness)
	}
}

func (g *GocvPrimitives) Release(img gocv.Mat) { img.Close() }

// CameraSource reads frames from a V4L2 device or a video file.
type CameraSource struct {
	capture *gocv.VideoCapture
}

// OpenCamera opens device (an index such as "0", or a path or URL) and asks
// for the given frame size and rate.
func OpenCamera(device string, width, height, fps int) (*CameraSource, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open camera %q: %w", device, err)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	vc.Set(gocv.VideoCaptureFPS, float64(fps))
	return &CameraSource{capture: vc}, nil
}

// Next reads the next frame. A failed read is reported as ErrFrameDropped.
func (c *CameraSource) Next(ctx context.Context) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, err
	}
	frame := gocv.NewMat()
	if ok := c.capture.Read(&frame); !ok || frame.Empty() {
		frame.Close()
		return gocv.Mat{}, ErrFrameDropped
	}
	return frame, nil
}

// Close releases the capture device.
func (c *CameraSource) Close() error {
	return c.capture.Close()
}

// JPEGEncoder encodes display frames as JPEG.
type JPEGEncoder struct{}

func (JPEGEncoder) Encode(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
