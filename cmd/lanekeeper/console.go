package main

import (
	"bufio"
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/banshee-data/lanekeeper/internal/drive"
)

// consoleKeys are the single-key operator commands read from stdin.
var consoleKeys = map[byte]drive.OperatorCommand{
	'w': drive.Manual(50, 50),
	's': drive.Manual(-50, -50),
	'a': drive.Manual(0, 50),
	'd': drive.Manual(50, 0),
	' ': drive.Do(drive.ActionStop),
	'c': drive.Do(drive.ActionToggleControl),
	'm': drive.Do(drive.ActionToggleMotors),
	'k': drive.Do(drive.ActionInspect),
	'q': drive.Do(drive.ActionQuit),
}

const consoleHelp = "keys: w/s/a/d drive, space stop, c control, m motors, k lanes, q quit"

type operator interface {
	Operate(drive.OperatorCommand) bool
}

// runConsole forwards key presses from r to op until r is exhausted, ctx
// ends, or the operator quits. Unknown keys are ignored.
func runConsole(ctx context.Context, r io.Reader, op operator, logger *zap.Logger) error {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		cmd, ok := consoleKeys[b]
		if !ok {
			if b != '\n' && b != '\r' {
				logger.Debug("unknown console key", zap.String("key", string(rune(b))))
			}
			continue
		}
		op.Operate(cmd)
		if cmd.Action == drive.ActionQuit {
			return nil
		}
	}
}
