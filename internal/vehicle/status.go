package vehicle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedStatus is returned for a status line that does not carry
// exactly seven well-formed fields.
var ErrMalformedStatus = errors.New("malformed status line")

const statusFields = 7

// Status is the board's power telemetry.
type Status struct {
	RPiBatteryVoltage        float64   `json:"rpiBatteryVoltage"`
	MotorBatteryVoltage      float64   `json:"motorBatteryVoltage"`
	MotorBatteryCell1Voltage float64   `json:"motorBatteryCell1Voltage"`
	MotorBatteryCell2Voltage float64   `json:"motorBatteryCell2Voltage"`
	RPiBatteryCharge         int       `json:"rpiBatteryCharge"`
	MotorBatteryCharge       int       `json:"motorBatteryCharge"`
	ShutdownFlag             bool      `json:"shutdownFlag"`
	Received                 time.Time `json:"time"`
}

// ParseStatus decodes a reply of the form
//
//	rpiV,motorV,cell1V,cell2V,rpiCharge,motorCharge,shutdown
//
// Fields are trimmed of surrounding whitespace. The shutdown flag is set
// only by the literal "1".
func ParseStatus(line string) (Status, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != statusFields {
		return Status{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformedStatus, len(fields), statusFields)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var (
		s      Status
		floats = []*float64{&s.RPiBatteryVoltage, &s.MotorBatteryVoltage, &s.MotorBatteryCell1Voltage, &s.MotorBatteryCell2Voltage}
		ints   = []*int{&s.RPiBatteryCharge, &s.MotorBatteryCharge}
	)
	for i, dst := range floats {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return Status{}, fmt.Errorf("%w: field %d: %v", ErrMalformedStatus, i+1, err)
		}
		*dst = v
	}
	for i, dst := range ints {
		idx := len(floats) + i
		v, err := strconv.Atoi(fields[idx])
		if err != nil {
			return Status{}, fmt.Errorf("%w: field %d: %v", ErrMalformedStatus, idx+1, err)
		}
		*dst = v
	}
	s.ShutdownFlag = fields[statusFields-1] == "1"
	return s, nil
}
