package drive

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/banshee-data/lanekeeper/internal/config"
)

// Action is what an operator command asks for.
type Action int

const (
	// ActionManual sets wheel speeds directly while automatic control is off.
	ActionManual Action = iota + 1
	// ActionStop disables automatic control and halts the vehicle.
	ActionStop
	ActionToggleControl
	ActionToggleMotors
	// ActionCamera patches the perception settings.
	ActionCamera
	// ActionInspect logs the latest unfiltered lane coefficients.
	ActionInspect
	ActionQuit
)

var actionNames = map[Action]string{
	ActionManual:        "manual",
	ActionStop:          "stop",
	ActionToggleControl: "toggle-control",
	ActionToggleMotors:  "toggle-motors",
	ActionCamera:        "camera",
	ActionInspect:       "inspect",
	ActionQuit:          "quit",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ManualLimit bounds manual wheel speeds; negative values reverse.
const ManualLimit = 100

// OperatorCommand is one request from the operator console or dashboard.
type OperatorCommand struct {
	Action Action
	Left   int
	Right  int
	Camera config.SettingsPatch
}

// Manual returns a command setting both wheel speeds, clamped to
// ±ManualLimit.
func Manual(left, right int) OperatorCommand {
	return OperatorCommand{
		Action: ActionManual,
		Left:   lo.Clamp(left, -ManualLimit, ManualLimit),
		Right:  lo.Clamp(right, -ManualLimit, ManualLimit),
	}
}

// Camera returns a command patching the perception settings.
func Camera(p config.SettingsPatch) OperatorCommand {
	return OperatorCommand{Action: ActionCamera, Camera: p}
}

// Do returns a command carrying no arguments.
func Do(a Action) OperatorCommand {
	return OperatorCommand{Action: a}
}

// dashboardMessage is the JSON the operator dashboard posts.
type dashboardMessage struct {
	LeftSpeed  *int            `json:"leftSpeed"`
	RightSpeed *int            `json:"rightSpeed"`
	Camera     json.RawMessage `json:"camera"`
	Action     string          `json:"action"`
}

// DecodeDashboard converts a dashboard message into operator commands. Wheel
// speeds must come as a pair. Unknown camera keys are returned and otherwise
// ignored.
func DecodeDashboard(data []byte) ([]OperatorCommand, []string, error) {
	var msg dashboardMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("decode dashboard message: %w", err)
	}

	var (
		cmds    []OperatorCommand
		unknown []string
	)
	if msg.Action != "" {
		a, ok := lo.FindKeyBy(actionNames, func(_ Action, name string) bool { return name == msg.Action })
		if !ok || a == ActionManual || a == ActionCamera {
			return nil, nil, fmt.Errorf("unknown action %q", msg.Action)
		}
		cmds = append(cmds, Do(a))
	}
	switch {
	case msg.LeftSpeed != nil && msg.RightSpeed != nil:
		cmds = append(cmds, Manual(*msg.LeftSpeed, *msg.RightSpeed))
	case msg.LeftSpeed != nil || msg.RightSpeed != nil:
		return nil, nil, fmt.Errorf("leftSpeed and rightSpeed must be sent together")
	}
	if len(msg.Camera) > 0 && string(msg.Camera) != "null" {
		p, unk, err := config.DecodePatch(msg.Camera)
		if err != nil {
			return nil, nil, err
		}
		unknown = unk
		if !p.IsEmpty() {
			cmds = append(cmds, Camera(p))
		}
	}
	return cmds, unknown, nil
}
