// Package vehicle speaks the motor board's line protocol over a serial
// session: it sends wheel speed commands, polls power telemetry and
// guarantees the vehicle is told to stop when the session ends.
package vehicle

import "fmt"

// StatusRequest is the line that asks the board for a status reply.
const StatusRequest = "STATUS"

// Command is a differential wheel speed request. Note is a human-readable
// annotation for logs and is never transmitted.
type Command struct {
	Left  int    `json:"left"`
	Right int    `json:"right"`
	Note  string `json:"note,omitempty"`
}

// Vel returns a command for the given wheel speeds.
func Vel(left, right int) Command {
	return Command{Left: left, Right: right}
}

// Stop returns the command that halts both wheels.
func Stop() Command {
	return Command{Note: "stop"}
}

// Line returns the wire form of the command without its terminator.
func (c Command) Line() string {
	return fmt.Sprintf("VEL %d %d", c.Left, c.Right)
}

// IsStop reports whether the command halts both wheels.
func (c Command) IsStop() bool {
	return c.Left == 0 && c.Right == 0
}

// WithNote returns a copy of c annotated with note.
func (c Command) WithNote(format string, args ...any) Command {
	c.Note = fmt.Sprintf(format, args...)
	return c
}

func (c Command) String() string {
	if c.Note == "" {
		return c.Line()
	}
	return c.Line() + " (" + c.Note + ")"
}
