package vision

// Calibration holds the pinhole camera matrix and the distortion
// coefficients (k1, k2, p1, p2, k3) for one frame size.
type Calibration struct {
	Width, Height int
	// Camera is the 3×3 intrinsic matrix in row-major order.
	Camera     [9]float64
	Distortion [5]float64
}

// DefaultCalibration returns the intrinsics measured for the vehicle's
// camera at 1280×720.
func DefaultCalibration() Calibration {
	return Calibration{
		Width:  1280,
		Height: 720,
		Camera: [9]float64{
			1006.12323, 0, 631.540281,
			0, 1005.5144, 348.207362,
			0, 0, 1,
		},
		Distortion: [5]float64{0.18541226, -0.32660915, 0.00088513, -0.00038131, -0.02052374},
	}
}

// Scaled returns the calibration for frames of width×height. Focal lengths
// and principal point scale with the frame; distortion is resolution
// independent.
func (c Calibration) Scaled(width, height int) Calibration {
	kx := float64(width) / float64(c.Width)
	ky := float64(height) / float64(c.Height)
	out := c
	out.Width, out.Height = width, height
	out.Camera[0] *= kx // fx
	out.Camera[2] *= kx // cx
	out.Camera[4] *= ky // fy
	out.Camera[5] *= ky // cy
	return out
}
