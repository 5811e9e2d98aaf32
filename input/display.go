package input

import (
	"log/slog"
	"sync"
	"time"

	"touchmouse/clock"
	"touchmouse/protocol"
)

const (
	// ClickPulse is how long a left click stays visible.
	ClickPulse = 150 * time.Millisecond
	// DisplayMin and DisplayMax bound each axis, in percent of the surface.
	DisplayMin = 0.0
	DisplayMax = 100.0
)

// stepByIntensity maps MOVE intensity to display units per frame.
var stepByIntensity = map[int]float64{1: 2, 2: 5, 3: 10}

// Step returns the display step for intensity, clamping into the table.
func Step(intensity int) float64 {
	switch {
	case intensity < 1:
		intensity = 1
	case intensity > 3:
		intensity = 3
	}
	return stepByIntensity[intensity]
}

// Snapshot is the visible pointer state.
type Snapshot struct {
	X, Y     float64
	Visible  bool
	Clicking bool
	Dragging bool
}

// DisplayConfig configures a Display.
type DisplayConfig struct {
	Clock clock.Clock
	// OnChange, when set, receives every new snapshot. It is called without
	// the display lock held.
	OnChange func(Snapshot)
	Logger   *slog.Logger
}

// Display is the receiver's virtual pointer. It starts centered and hidden
// until the first MOVE.
type Display struct {
	clock    clock.Clock
	onChange func(Snapshot)
	logger   *slog.Logger

	mu       sync.Mutex
	snap     Snapshot
	pulse    *clock.Timer
	pulseGen uint64
}

// NewDisplay creates a centered, hidden pointer.
func NewDisplay(cfg DisplayConfig) *Display {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Display{
		clock:    clock.OrReal(cfg.Clock),
		onChange: cfg.OnChange,
		logger:   logger.With("component", "display"),
		snap:     Snapshot{X: 50, Y: 50},
	}
}

// Apply updates the pointer for one inbound message. It never blocks on the
// click pulse.
func (d *Display) Apply(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.MoveMessage:
		d.move(m)
	case protocol.ActionMessage:
		d.action(m.Action)
	default:
		d.logger.Debug("display ignoring message", "type", msg.Type())
	}
}

// Snapshot returns the current pointer state.
func (d *Display) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap
}

// Reset recenters and hides the pointer and cancels any click pulse.
func (d *Display) Reset() {
	d.mu.Lock()
	d.stopPulseLocked()
	d.snap = Snapshot{X: 50, Y: 50}
	snap := d.snap
	d.mu.Unlock()
	d.notify(snap)
}

func (d *Display) move(m protocol.MoveMessage) {
	dx, dy := m.Direction.Vector()
	step := Step(m.Intensity)

	d.mu.Lock()
	d.snap.X = clamp(d.snap.X + float64(dx)*step)
	d.snap.Y = clamp(d.snap.Y + float64(dy)*step)
	d.snap.Visible = true
	snap := d.snap
	d.mu.Unlock()
	d.notify(snap)
}

func (d *Display) action(action protocol.Action) {
	d.mu.Lock()
	switch action {
	case protocol.ActionLeftClick:
		d.stopPulseLocked()
		d.snap.Clicking = true
		gen := d.pulseGen
		d.pulse = d.clock.AfterFunc(ClickPulse, func() { d.endPulse(gen) })
	case protocol.ActionDrag:
		d.snap.Dragging = !d.snap.Dragging
	default:
		d.mu.Unlock()
		return
	}
	snap := d.snap
	d.mu.Unlock()
	d.notify(snap)
}

func (d *Display) endPulse(gen uint64) {
	d.mu.Lock()
	if gen != d.pulseGen || !d.snap.Clicking {
		d.mu.Unlock()
		return
	}
	d.snap.Clicking = false
	d.pulse = nil
	snap := d.snap
	d.mu.Unlock()
	d.notify(snap)
}

func (d *Display) stopPulseLocked() {
	d.pulseGen++
	if d.pulse != nil {
		d.pulse.Stop()
		d.pulse = nil
	}
}

func (d *Display) notify(snap Snapshot) {
	if d.onChange != nil {
		d.onChange(snap)
	}
}

func clamp(v float64) float64 {
	if v < DisplayMin {
		return DisplayMin
	}
	if v > DisplayMax {
		return DisplayMax
	}
	return v
}
