// Package input turns held directional keys and action taps into protocol
// frames on the controller, and applies inbound frames to a virtual pointer
// on the receiver.
package input

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"touchmouse/clock"
	"touchmouse/protocol"
)

// DefaultRepeatInterval is how often a held direction resends MOVE.
const DefaultRepeatInterval = 100 * time.Millisecond

// Sensitivity selects the MOVE intensity.
type Sensitivity string

const (
	SensitivityPrecision  Sensitivity = "precision"
	SensitivityNavigation Sensitivity = "navigation"
)

// ErrUnknownSensitivity indicates a sensitivity name outside the known set.
var ErrUnknownSensitivity = errors.New("input: unknown sensitivity")

// Intensity returns the MOVE intensity for s. Unknown values map to
// precision.
func (s Sensitivity) Intensity() int {
	if s == SensitivityNavigation {
		return 3
	}
	return 1
}

// ParseSensitivity accepts "precision" or "navigation" in any case.
func ParseSensitivity(value string) (Sensitivity, error) {
	switch s := Sensitivity(strings.ToLower(strings.TrimSpace(value))); s {
	case SensitivityPrecision, SensitivityNavigation:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSensitivity, value)
	}
}

// Sink receives shaped frames. Errors are logged and do not stop a hold.
type Sink func(msg protocol.Message) error

// ShaperConfig configures a Shaper.
type ShaperConfig struct {
	Sink           Sink
	Sensitivity    Sensitivity
	RepeatInterval time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

func (c ShaperConfig) withDefaults() ShaperConfig {
	out := c
	if out.Sensitivity == "" {
		out.Sensitivity = SensitivityPrecision
	}
	if out.RepeatInterval <= 0 {
		out.RepeatInterval = DefaultRepeatInterval
	}
	out.Clock = clock.OrReal(out.Clock)
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Shaper converts pointer-pad input into MOVE and ACTION messages. At most
// one hold repeats at a time.
type Shaper struct {
	cfg    ShaperConfig
	logger *slog.Logger

	intensity atomic.Int32

	mu          sync.Mutex
	sensitivity Sensitivity
	held        protocol.Direction
	repeat      *clock.Repeater
	dragging    bool
}

// NewShaper creates a Shaper. A nil Sink discards frames.
func NewShaper(config ShaperConfig) *Shaper {
	cfg := config.withDefaults()
	s := &Shaper{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "shaper"),
		sensitivity: cfg.Sensitivity,
	}
	s.intensity.Store(int32(cfg.Sensitivity.Intensity()))
	return s
}

// Press starts holding dir: one MOVE now, then one every repeat interval
// until Release. A new Press replaces the previous hold.
func (s *Shaper) Press(dir protocol.Direction) error {
	if !dir.Valid() {
		return fmt.Errorf("%w: direction %q", protocol.ErrInvalidMessage, dir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRepeatLocked()
	s.held = dir
	s.repeat = clock.Every(s.cfg.Clock, s.cfg.RepeatInterval, true, func() {
		s.send(protocol.MoveMessage{Direction: dir, Intensity: int(s.intensity.Load())})
	})
	return nil
}

// Release ends the current hold. No MOVE is sent after Release returns.
func (s *Shaper) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRepeatLocked()
}

// Held returns the direction being repeated, or "" when idle.
func (s *Shaper) Held() protocol.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Tap sends one ACTION. Tapping DRAG toggles the drag latch.
func (s *Shaper) Tap(action protocol.Action) error {
	if !action.Valid() {
		return fmt.Errorf("%w: action %q", protocol.ErrInvalidMessage, action)
	}
	if action == protocol.ActionDrag {
		s.ToggleDrag()
		return nil
	}
	s.send(protocol.ActionMessage{Action: action})
	return nil
}

// TapCenter is the pad's center button: a left click.
func (s *Shaper) TapCenter() {
	s.send(protocol.ActionMessage{Action: protocol.ActionLeftClick})
}

// ToggleDrag flips the drag latch and sends one ACTION{DRAG} for the edge.
// It returns the new latch value.
func (s *Shaper) ToggleDrag() bool {
	s.mu.Lock()
	s.dragging = !s.dragging
	dragging := s.dragging
	s.mu.Unlock()

	s.send(protocol.ActionMessage{Action: protocol.ActionDrag})
	return dragging
}

// Dragging reports the drag latch.
func (s *Shaper) Dragging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dragging
}

// SetSensitivity changes the intensity of subsequent MOVE frames, including
// those of a hold already in progress.
func (s *Shaper) SetSensitivity(sensitivity Sensitivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensitivity = sensitivity
	s.intensity.Store(int32(sensitivity.Intensity()))
}

// ToggleSensitivity switches between precision and navigation.
func (s *Shaper) ToggleSensitivity() Sensitivity {
	s.mu.Lock()
	next := SensitivityNavigation
	if s.sensitivity == SensitivityNavigation {
		next = SensitivityPrecision
	}
	s.mu.Unlock()
	s.SetSensitivity(next)
	return next
}

// Sensitivity returns the current sensitivity.
func (s *Shaper) Sensitivity() Sensitivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensitivity
}

// Reset stops any hold and clears the drag latch without sending frames.
// It runs on every session teardown.
func (s *Shaper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRepeatLocked()
	s.dragging = false
}

func (s *Shaper) stopRepeatLocked() {
	if s.repeat != nil {
		s.repeat.Stop()
		s.repeat = nil
	}
	s.held = ""
}

func (s *Shaper) send(msg protocol.Message) {
	if s.cfg.Sink == nil {
		return
	}
	if err := s.cfg.Sink(msg); err != nil {
		s.logger.Debug("frame not sent", "type", msg.Type(), "error", err)
	}
}
