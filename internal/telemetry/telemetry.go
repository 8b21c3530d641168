// Package telemetry publishes what the vehicle is doing: a live snapshot for
// the operator and a per-cycle record persisted to sqlite for later review
// and plotting.
package telemetry

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/banshee-data/lanekeeper/internal/control"
	"github.com/banshee-data/lanekeeper/internal/lane"
	"github.com/banshee-data/lanekeeper/internal/vehicle"
)

// NoImage is the value of the image field when no frame is attached.
const NoImage = -1

// Link states reported in snapshots.
const (
	LinkUp   = "up"
	LinkDown = "down"
)

// Snapshot is the operator-facing telemetry for one control cycle.
// Voltages are nil when no status has been received or the link is down.
type Snapshot struct {
	Time                time.Time
	RPiBatteryVoltage   *float64
	MotorBatteryVoltage *float64
	Image               []byte
	LinkDown            bool
}

type snapshotJSON struct {
	Time                time.Time `json:"time"`
	RPiBatteryVoltage   *float64  `json:"rpiBatteryVoltage"`
	MotorBatteryVoltage *float64  `json:"motorBatteryVoltage"`
	Image               any       `json:"image"`
	Link                string    `json:"link"`
}

// MarshalJSON encodes the snapshot for the operator dashboard: the image is
// base64 or the sentinel -1, and missing voltages are null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Time:                s.Time,
		RPiBatteryVoltage:   s.RPiBatteryVoltage,
		MotorBatteryVoltage: s.MotorBatteryVoltage,
		Image:               NoImage,
		Link:                LinkUp,
	}
	if len(s.Image) > 0 {
		out.Image = base64.StdEncoding.EncodeToString(s.Image)
	}
	if s.LinkDown {
		out.Link = LinkDown
		out.RPiBatteryVoltage, out.MotorBatteryVoltage = nil, nil
	}
	return json.Marshal(out)
}

// Cycle is the persisted record of one control cycle.
type Cycle struct {
	Seq  uint64
	Time time.Time
	// FrameSeq is the perception result used this cycle, 0 for none.
	FrameSeq uint64
	Measured lane.Pair
	Tracked  lane.Pair
	Tracking bool
	Control  bool
	Motors   bool
	// Steering is set when the controller ran and Terms are meaningful.
	Steering bool
	Terms    control.Terms
	Command  vehicle.Command

	RPiBatteryVoltage   *float64
	MotorBatteryVoltage *float64
	LinkDown            bool
}

// Run describes one process run in the store.
type Run struct {
	ID      string
	Started time.Time
	Ended   time.Time
	Version string
	Source  string
	Reason  string
}
