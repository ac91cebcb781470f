package pi

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	mockIDN           = "(c)2021 Physik Instrumente (PI) GmbH & Co. KG, MOCK-GCS2, 0000000000, 0.0.0"
	mockVelocity      = 1000. // units per second
	mockPositionError = 1e-8  // up to 10 nm on lengths, 10 nrad on angles
)

// ErrNotImplemented is generated by the mock for operations it does not model
var ErrNotImplemented = errors.New("not implemented")

// trajectory is a constant velocity move from start to target
type trajectory struct {
	start, target float64
	t0            time.Time
	vel           float64
}

func (tr trajectory) at(t time.Time) float64 {
	dist := tr.target - tr.start
	travelled := tr.vel * t.Sub(tr.t0).Seconds()
	if travelled >= math.Abs(dist) {
		return tr.target
	}
	return tr.start + math.Copysign(travelled, dist)
}

// MockController is an in-memory GCS2 controller.  Moves take
// distance / velocity of wall time to complete.
type MockController struct {
	sync.Mutex
	id       int
	axes     []string
	missing  map[string]bool
	servo    map[string]bool
	homed    map[string]bool
	joystick bool
	demux    string
	steps    map[string]float64
	traj     map[string]trajectory
	vel      map[string]float64
	min, max float64

	// Unit is reported by Units
	Unit string
}

// NewControllerMock returns a mock controller with the given ID and axes,
// "1", "2", "3" if none are given
func NewControllerMock(id int, axes ...string) *MockController {
	if len(axes) == 0 {
		axes = []string{"1", "2", "3"}
	}
	return &MockController{
		id:      id,
		axes:    axes,
		missing: map[string]bool{},
		servo:   map[string]bool{},
		homed:   map[string]bool{},
		steps:   map[string]float64{},
		traj:    map[string]trajectory{},
		vel:     map[string]float64{},
		min:     -100,
		max:     100,
		Unit:    "mm"}
}

// Without marks commands as unsupported by the mock's firmware
func (c *MockController) Without(cmds ...string) *MockController {
	c.Lock()
	defer c.Unlock()
	for _, cmd := range cmds {
		c.missing[normalizeCommand(cmd)] = true
	}
	return c
}

func (c *MockController) checkAxis(axis string) error {
	for _, a := range c.axes {
		if a == axis {
			return nil
		}
	}
	return GCS2Err(15)
}

func (c *MockController) pos(axis string) float64 {
	return c.traj[axis].at(time.Now())
}

func (c *MockController) velocity(axis string) float64 {
	if v, ok := c.vel[axis]; ok {
		return v
	}
	return mockVelocity
}

func (c *MockController) startMove(axis string, target float64) error {
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	if !c.servo[axis] {
		return GCS2Err(5)
	}
	if target < c.min || target > c.max {
		return GCS2Err(7)
	}
	c.traj[axis] = trajectory{start: c.pos(axis), target: target, t0: time.Now(), vel: c.velocity(axis)}
	return nil
}

// Identify returns a fixed IDN string
func (c *MockController) Identify() (string, error) {
	return mockIDN, nil
}

// Axes returns the axes the mock was made with
func (c *MockController) Axes() ([]string, error) {
	c.Lock()
	defer c.Unlock()
	return append([]string(nil), c.axes...), nil
}

// Has is false for commands removed with Without
func (c *MockController) Has(cmd string) (bool, error) {
	c.Lock()
	defer c.Unlock()
	return !c.missing[normalizeCommand(cmd)], nil
}

func (c *MockController) has(cmd string) bool {
	ok, _ := c.Has(cmd)
	return ok
}

// GetPos returns the position along the current trajectory
func (c *MockController) GetPos(axis string) (float64, error) {
	c.Lock()
	defer c.Unlock()
	if err := c.checkAxis(axis); err != nil {
		return 0, err
	}
	return c.pos(axis), nil
}

// MoveAbs starts a move to pos
func (c *MockController) MoveAbs(axis string, pos float64) error {
	c.Lock()
	defer c.Unlock()
	return c.startMove(axis, pos)
}

// MoveRel starts a move by delta, error 2 if MVR was removed
func (c *MockController) MoveRel(axis string, delta float64) error {
	if !c.has("MVR") {
		return GCS2Err(2)
	}
	c.Lock()
	defer c.Unlock()
	return c.startMove(axis, c.pos(axis)+delta)
}

// Home moves the axis to 0 and marks it referenced
func (c *MockController) Home(axis string) error {
	c.Lock()
	defer c.Unlock()
	if err := c.startMove(axis, 0); err != nil {
		return err
	}
	c.homed[axis] = true
	return nil
}

// Stop ends the trajectory of an axis where it is
func (c *MockController) Stop(axis string) error {
	c.Lock()
	defer c.Unlock()
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	p := c.pos(axis)
	c.traj[axis] = trajectory{start: p, target: p, t0: time.Now(), vel: c.velocity(axis)}
	return nil
}

// StopAll stops every axis
func (c *MockController) StopAll() error {
	for _, axis := range c.axes {
		if err := c.Stop(axis); err != nil {
			return err
		}
	}
	return nil
}

// Enable turns the servo on
func (c *MockController) Enable(axis string) error {
	return c.SetServo(axis, true)
}

// Disable turns the servo off
func (c *MockController) Disable(axis string) error {
	return c.SetServo(axis, false)
}

// GetEnabled returns the servo state
func (c *MockController) GetEnabled(axis string) (bool, error) {
	c.Lock()
	defer c.Unlock()
	if err := c.checkAxis(axis); err != nil {
		return false, err
	}
	return c.servo[axis], nil
}

// SetServo sets the servo state.  It cannot be turned off mid-move
func (c *MockController) SetServo(axis string, on bool) error {
	c.Lock()
	defer c.Unlock()
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	// moving
	if !on && c.pos(axis) != c.traj[axis].target {
		return GCS2Err(53)
	}
	c.servo[axis] = on
	return nil
}

// GetReferenced is true after Home, false if FRF? was removed
func (c *MockController) GetReferenced(axis string) (bool, error) {
	if !c.has("FRF?") {
		return false, nil
	}
	c.Lock()
	defer c.Unlock()
	if err := c.checkAxis(axis); err != nil {
		return false, err
	}
	return c.homed[axis], nil
}

// SetReferencing homes every referenced axis of axes
func (c *MockController) SetReferencing(axes ...string) error {
	for _, axis := range axes {
		ref, err := c.GetReferenced(axis)
		if err != nil {
			return err
		}
		if ref {
			if err = c.Initialize(axis); err != nil {
				return err
			}
		}
	}
	return nil
}

// Initialize homes the axis
func (c *MockController) Initialize(axis string) error {
	return c.Home(axis)
}

// GetInPosition is true when the axis is at its target
func (c *MockController) GetInPosition(axis string) (bool, error) {
	c.Lock()
	defer c.Unlock()
	if err := c.checkAxis(axis); err != nil {
		return false, err
	}
	return math.Abs(c.pos(axis)-c.traj[axis].target) < mockPositionError, nil
}

// SetVelocity sets the speed of later moves
func (c *MockController) SetVelocity(axis string, v float64) error {
	c.Lock()
	defer c.Unlock()
	if err := c.checkAxis(axis); err != nil {
		return err
	}
	if v <= 0 {
		return GCS2Err(8)
	}
	c.vel[axis] = v
	return nil
}

// GetVelocity returns the speed of the axis
func (c *MockController) GetVelocity(axis string) (float64, error) {
	c.Lock()
	defer c.Unlock()
	if err := c.checkAxis(axis); err != nil {
		return 0, err
	}
	return c.velocity(axis), nil
}

// Limits returns the travel range, NaN where TMN?/TMX? were removed
func (c *MockController) Limits(axis string) (float64, float64, error) {
	min, max := math.NaN(), math.NaN()
	if c.has("TMN?") {
		min = c.min
	}
	if c.has("TMX?") {
		max = c.max
	}
	return min, max, nil
}

// Units returns Unit, or def if SPA? was removed
func (c *MockController) Units(axis, def string) string {
	if !c.has("SPA?") {
		return def
	}
	return NormalizeUnit(c.Unit, def)
}

// UseJoystick records the joystick state
func (c *MockController) UseJoystick(on bool) error {
	c.Lock()
	defer c.Unlock()
	c.joystick = on
	return nil
}

// Joystick returns true if the joystick is attached
func (c *MockController) Joystick() bool {
	c.Lock()
	defer c.Unlock()
	return c.joystick
}

// OpenLoopStep adds steps to the selected demux axis
func (c *MockController) OpenLoopStep(channel int, steps float64) error {
	if !c.has("OSM") {
		return ErrUnsupported{"OSM"}
	}
	c.Lock()
	defer c.Unlock()
	c.steps[c.demux] += steps
	return nil
}

// Steps returns the accumulated open loop steps sent to an axis
func (c *MockController) Steps(axis string) float64 {
	c.Lock()
	defer c.Unlock()
	return c.steps[axis]
}

// SelectDemuxAxis selects the axis driven by OpenLoopStep
func (c *MockController) SelectDemuxAxis(axis string) error {
	if !c.has("OSM") {
		return ErrUnsupported{"OSM"}
	}
	c.Lock()
	defer c.Unlock()
	c.demux = axis
	return nil
}

// Raw is not supported by the mock
func (c *MockController) Raw(s string) (string, error) {
	return "", fmt.Errorf("raw %q: %w", s, ErrNotImplemented)
}

// Close does nothing
func (c *MockController) Close() error {
	return nil
}
