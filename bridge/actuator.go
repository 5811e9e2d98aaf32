// Package bridge is the reference socket bridge: a WebSocket server that
// applies MOVE and ACTION frames to the host pointer through an Actuator.
package bridge

import (
	"log/slog"
	"sync"
)

// Button is a pointer button.
type Button string

const (
	ButtonLeft  Button = "left"
	ButtonRight Button = "right"
)

// Actuator performs pointer primitives on the host.
type Actuator interface {
	MoveBy(dx, dy int) error
	Click(button Button, double bool) error
	// SetDrag presses (true) or releases (false) the left button.
	SetDrag(down bool) error
}

// PixelStep returns the pointer delta per direction unit for intensity.
func PixelStep(intensity int) int {
	if intensity == 1 {
		return 2
	}
	return 15
}

// LogActuator records primitives in the log and tracks a virtual position.
type LogActuator struct {
	Logger *slog.Logger

	mu   sync.Mutex
	x, y int
	drag bool
}

func (a *LogActuator) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func (a *LogActuator) MoveBy(dx, dy int) error {
	a.mu.Lock()
	a.x += dx
	a.y += dy
	x, y := a.x, a.y
	a.mu.Unlock()
	a.logger().Debug("pointer moved", "dx", dx, "dy", dy, "x", x, "y", y)
	return nil
}

func (a *LogActuator) Click(button Button, double bool) error {
	a.logger().Info("pointer click", "button", button, "double", double)
	return nil
}

func (a *LogActuator) SetDrag(down bool) error {
	a.mu.Lock()
	a.drag = down
	a.mu.Unlock()
	a.logger().Info("pointer drag", "down", down)
	return nil
}

// Position returns the virtual pointer offset from where the bridge started.
func (a *LogActuator) Position() (x, y int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.x, a.y
}
