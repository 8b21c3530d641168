package lane

import "math"

// Classify splits segments into left and right lane samples by direction.
// Segments within minAngle degrees of horizontal are discarded as noise.
// Positive angles (descending to the right in image coordinates) belong to
// the right lane, the rest to the left. Each kept segment contributes both
// endpoints.
func Classify(segs []Segment, minAngle float64) (left, right Sample) {
	for _, s := range segs {
		angle := s.Angle()
		if math.Abs(angle) <= minAngle {
			continue
		}
		target := &left
		if angle > 0 {
			target = &right
		}
		target.add(s.X1, s.Y1)
		target.add(s.X2, s.Y2)
	}
	return left, right
}
