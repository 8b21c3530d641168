package config

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Display stages that can be streamed back to the operator.
const (
	DisplayRaw         = "raw"
	DisplayUndistorted = "undistorted"
	DisplayGray        = "gray"
	DisplayBlur        = "blur"
	DisplayEdges       = "edges"
	DisplayMaskedEdges = "maskedEdges"
	DisplayHoughLines  = "houghLines"
)

// Settings is an immutable snapshot of the perception tunables. A running
// pipeline never sees a half-applied change: patches produce a new snapshot
// through Apply.
type Settings struct {
	Enabled            bool    `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Display            string  `json:"display" mapstructure:"display" yaml:"display" validate:"oneof=raw undistorted gray blur edges maskedEdges houghLines"`
	BlurKernelSize     int     `json:"blurKernelSize" mapstructure:"blurKernelSize" yaml:"blurKernelSize" validate:"gte=1,odd"`
	BlurIterations     int     `json:"blurIterations" mapstructure:"blurIterations" yaml:"blurIterations" validate:"gte=0,lte=20"`
	CannyLowThreshold  float64 `json:"cannyLowThreshold" mapstructure:"cannyLowThreshold" yaml:"cannyLowThreshold" validate:"gte=0"`
	CannyHighThreshold float64 `json:"cannyHighThreshold" mapstructure:"cannyHighThreshold" yaml:"cannyHighThreshold" validate:"gtefield=CannyLowThreshold"`
	RoiTop             int     `json:"roiTop" mapstructure:"roiTop" yaml:"roiTop" validate:"gte=0"`
	RoiBottom          int     `json:"roiBottom" mapstructure:"roiBottom" yaml:"roiBottom" validate:"gte=0"`
	RoiY0              int     `json:"roiY0" mapstructure:"roiY0" yaml:"roiY0" validate:"gte=0"`
	RoiY1              int     `json:"roiY1" mapstructure:"roiY1" yaml:"roiY1" validate:"gte=0"`
	HoughRho           float64 `json:"houghRho" mapstructure:"houghRho" yaml:"houghRho" validate:"gt=0"`
	HoughTheta         float64 `json:"houghTheta" mapstructure:"houghTheta" yaml:"houghTheta" validate:"gt=0"`
	HoughThreshold     int     `json:"houghThreshold" mapstructure:"houghThreshold" yaml:"houghThreshold" validate:"gte=1"`
	HoughMinLineLength float64 `json:"houghMinLineLength" mapstructure:"houghMinLineLength" yaml:"houghMinLineLength" validate:"gte=0"`
	HoughMaxLineGap    float64 `json:"houghMaxLineGap" mapstructure:"houghMaxLineGap" yaml:"houghMaxLineGap" validate:"gte=0"`
	AbsMinLineAngle    float64 `json:"absMinLineAngle" mapstructure:"absMinLineAngle" yaml:"absMinLineAngle" validate:"gte=0,lte=90"`
	LaneMinY           float64 `json:"laneMinY" mapstructure:"laneMinY" yaml:"laneMinY" validate:"gte=0"`
	LaneMaxY           float64 `json:"laneMaxY" mapstructure:"laneMaxY" yaml:"laneMaxY" validate:"gte=0"`
	DrawAllLines       bool    `json:"drawAllLines" mapstructure:"drawAllLines" yaml:"drawAllLines"`
}

// DefaultSettings returns the perception tunables the vehicle starts with.
func DefaultSettings() Settings {
	return Settings{
		Enabled:            true,
		Display:            DisplayRaw,
		BlurKernelSize:     5,
		BlurIterations:     1,
		CannyLowThreshold:  10,
		CannyHighThreshold: 40,
		RoiTop:             200,
		RoiBottom:          300,
		RoiY0:              100,
		RoiY1:              200,
		HoughRho:           1,
		HoughTheta:         math.Pi / 180,
		HoughThreshold:     20,
		HoughMinLineLength: 5,
		HoughMaxLineGap:    60,
		AbsMinLineAngle:    15,
		LaneMinY:           50,
		LaneMaxY:           300,
	}
}

// Validate reports the first invalid field, if any.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid perception settings: %w", err)
	}
	return nil
}

// SettingsPatch is a partial update to Settings. Nil fields leave the
// current value untouched.
type SettingsPatch struct {
	Enabled            *bool    `json:"enabled,omitempty"`
	Display            *string  `json:"display,omitempty"`
	BlurKernelSize     *int     `json:"blurKernelSize,omitempty"`
	BlurIterations     *int     `json:"blurIterations,omitempty"`
	CannyLowThreshold  *float64 `json:"cannyLowThreshold,omitempty"`
	CannyHighThreshold *float64 `json:"cannyHighThreshold,omitempty"`
	RoiTop             *int     `json:"roiTop,omitempty"`
	RoiBottom          *int     `json:"roiBottom,omitempty"`
	RoiY0              *int     `json:"roiY0,omitempty"`
	RoiY1              *int     `json:"roiY1,omitempty"`
	HoughRho           *float64 `json:"houghRho,omitempty"`
	HoughTheta         *float64 `json:"houghTheta,omitempty"`
	HoughThreshold     *int     `json:"houghThreshold,omitempty"`
	HoughMinLineLength *float64 `json:"houghMinLineLength,omitempty"`
	HoughMaxLineGap    *float64 `json:"houghMaxLineGap,omitempty"`
	AbsMinLineAngle    *float64 `json:"absMinLineAngle,omitempty"`
	LaneMinY           *float64 `json:"laneMinY,omitempty"`
	LaneMaxY           *float64 `json:"laneMaxY,omitempty"`
	DrawAllLines       *bool    `json:"drawAllLines,omitempty"`
}

// patchKeys is the closed set of keys a patch may carry.
var patchKeys = jsonKeys(reflect.TypeFor[SettingsPatch]())

func jsonKeys(t reflect.Type) []string {
	keys := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		keys = append(keys, name)
	}
	return keys
}

// SettingsKeys returns the names accepted in a settings patch.
func SettingsKeys() []string {
	return slices.Clone(patchKeys)
}

// DecodePatch parses a JSON object of settings. Keys outside the known set
// are ignored and returned, sorted, so the caller can report them.
func DecodePatch(data []byte) (SettingsPatch, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return SettingsPatch{}, nil, fmt.Errorf("decode settings patch: %w", err)
	}
	unknown := lo.Without(lo.Keys(raw), patchKeys...)
	slices.Sort(unknown)

	var p SettingsPatch
	if err := json.Unmarshal(data, &p); err != nil {
		return SettingsPatch{}, unknown, fmt.Errorf("decode settings patch: %w", err)
	}
	return p, unknown, nil
}

// IsEmpty reports whether the patch changes nothing.
func (p SettingsPatch) IsEmpty() bool {
	return p == SettingsPatch{}
}

// Merge returns p overlaid with every key set in newer. Later keys win.
func (p SettingsPatch) Merge(newer SettingsPatch) SettingsPatch {
	out := p
	dst := reflect.ValueOf(&out).Elem()
	src := reflect.ValueOf(newer)
	for i := range src.NumField() {
		if f := src.Field(i); !f.IsNil() {
			dst.Field(i).Set(f)
		}
	}
	return out
}

// Apply returns a new snapshot with the patch applied. The receiver is left
// unchanged. An invalid result is rejected as a whole.
func (s Settings) Apply(p SettingsPatch) (Settings, error) {
	next := s
	set(&next.Enabled, p.Enabled)
	set(&next.Display, p.Display)
	set(&next.BlurKernelSize, p.BlurKernelSize)
	set(&next.BlurIterations, p.BlurIterations)
	set(&next.CannyLowThreshold, p.CannyLowThreshold)
	set(&next.CannyHighThreshold, p.CannyHighThreshold)
	set(&next.RoiTop, p.RoiTop)
	set(&next.RoiBottom, p.RoiBottom)
	set(&next.RoiY0, p.RoiY0)
	set(&next.RoiY1, p.RoiY1)
	set(&next.HoughRho, p.HoughRho)
	set(&next.HoughTheta, p.HoughTheta)
	set(&next.HoughThreshold, p.HoughThreshold)
	set(&next.HoughMinLineLength, p.HoughMinLineLength)
	set(&next.HoughMaxLineGap, p.HoughMaxLineGap)
	set(&next.AbsMinLineAngle, p.AbsMinLineAngle)
	set(&next.LaneMinY, p.LaneMinY)
	set(&next.LaneMaxY, p.LaneMaxY)
	set(&next.DrawAllLines, p.DrawAllLines)

	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Ptr returns a pointer to v, for building patches in code.
func Ptr[T any](v T) *T { return &v }
