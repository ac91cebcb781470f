/*Package actuator adapts PI controllers to a single-axis actuator contract:
initialize, move absolute or relative, home, stop, read the position, close.

Positions cross the contract in user units.  With scaling on, a controller
value x is shown to the user as x*Multiplier + Offset.  With bounds on,
targets are clamped to [Min, Max] before they are sent.

Several actuators may drive axes of the same controller.  The first is the
Master, which opens the link; the others are Slaves, which receive the
Master's Handle in Initialize and never open or close the link themselves.
*/
package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultEpsilon is the distance from the target under which a move is done
	DefaultEpsilon = 0.01

	// DefaultPoll is the interval between position reads in WaitDone
	DefaultPoll = 50 * time.Millisecond
)

var (
	// ErrNotInitialized is generated when an actuator is used before Initialize
	ErrNotInitialized = errors.New("actuator not initialized")

	// ErrNoHandle is generated when a Slave is initialized without a handle,
	// or with the handle of another kind of actuator
	ErrNoHandle = errors.New("slave actuators need the handle of their master")
)

// MultiStatus is the role of an actuator sharing a controller
type MultiStatus string

const (
	// Master opens and closes the link
	Master MultiStatus = "Master"

	// Slave borrows the link of a Master
	Slave MultiStatus = "Slave"
)

// Daisy holds the daisy chain options of a PI actuator
type Daisy struct {
	// Enabled turns on controller addressing
	Enabled bool `yaml:"Enabled"`

	// Master is true for the actuator which enumerates the chain.  Others
	// address their ID without a scan.
	Master bool `yaml:"Master"`

	// ID is the controller ID on the chain
	ID int `yaml:"ID"`

	// Index is the position of the controller in the chain, counted from 0.
	// Only legacy actuators use it.
	Index int `yaml:"Index"`
}

// Scaling maps controller values to user values
type Scaling struct {
	Use        bool    `yaml:"Use"`
	Multiplier float64 `yaml:"Multiplier"`
	Offset     float64 `yaml:"Offset"`
}

// Bounds clamps user targets
type Bounds struct {
	Use bool    `yaml:"Use"`
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// AxisLimits is the travel range the controller reports, NaN if unknown
type AxisLimits struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// MarshalJSON encodes unknown bounds as null
func (l AxisLimits) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	}{finite(l.Min), finite(l.Max)})
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Settings configure an actuator.  ControllerID, Limits and Units are
// filled in by Initialize.
type Settings struct {
	// Connection is RS232, USB or TCP/IP
	Connection string `yaml:"Connection" json:"connection"`

	// Device is a port, an address, or a description from discovery
	Device string `yaml:"Device" json:"device"`

	// Baud overrides the default baud rate of serial links
	Baud int `yaml:"Baud" json:"baud,omitempty"`

	// Mock replaces the hardware with a simulation
	Mock bool `yaml:"Mock" json:"mock"`

	Daisy Daisy `yaml:"Daisy" json:"daisy"`

	UseJoystick bool `yaml:"UseJoystick" json:"useJoystick"`
	ClosedLoop  bool `yaml:"ClosedLoop" json:"closedLoop"`

	// Axis is the controller axis driven by the actuator
	Axis string `yaml:"Axis" json:"axis"`

	ControllerID string     `yaml:"-" json:"controllerID"`
	Limits       AxisLimits `yaml:"-" json:"limits"`
	Units        string     `yaml:"-" json:"units"`

	Scaling Scaling `yaml:"Scaling" json:"scaling"`
	Bounds  Bounds  `yaml:"Bounds" json:"bounds"`

	// Epsilon is the distance from the target under which a move is done
	Epsilon float64 `yaml:"Epsilon" json:"epsilon"`

	MultiStatus MultiStatus `yaml:"MultiStatus" json:"multiStatus"`

	// Stage, ComPort and ControllerAddress are used by Mercury actuators
	Stage             string `yaml:"Stage" json:"stage,omitempty"`
	ComPort           string `yaml:"ComPort" json:"comPort,omitempty"`
	ControllerAddress int    `yaml:"ControllerAddress" json:"controllerAddress,omitempty"`

	// Timeout bounds WaitDone over HTTP
	Timeout time.Duration `yaml:"Timeout" json:"timeout"`
}

// DefaultSettings returns the settings of an unscaled, unbounded, USB Master
func DefaultSettings() Settings {
	return Settings{
		Connection:  "USB",
		Scaling:     Scaling{Multiplier: 1},
		Epsilon:     DefaultEpsilon,
		MultiStatus: Master,
		Timeout:     30 * time.Second,
		Limits:      AxisLimits{Min: math.NaN(), Max: math.NaN()},
		Units:       "mm",
	}
}

// Handle is a live link shared between a Master and its Slaves
type Handle interface {
	Close() error
}

// StatusFunc receives the human readable status messages of an actuator
type StatusFunc func(string)

// Actuator is a single axis of a motion controller
type Actuator interface {
	// Initialize opens the link (Master) or borrows shared (Slave) and
	// reads the state of the axis.  It returns a description of the device.
	Initialize(shared Handle) (string, error)

	// MoveAbs moves to an absolute position in user units
	MoveAbs(float64) error

	// MoveRel moves by a distance in user units
	MoveRel(float64) error

	MoveHome() error
	Stop() error

	// GetPosition returns the position in user units
	GetPosition() (float64, error)

	// Close frees the link if the actuator is a Master
	Close() error

	Settings() Settings

	// Target is the last requested position in user units
	Target() float64

	// Handle returns the link for Slaves to share, nil before Initialize
	Handle() Handle
}

// LoopCloser can turn the closed loop of its axis on and off
type LoopCloser interface {
	SetClosedLoop(bool) error
}

// JoystickUser can attach a joystick to the controller
type JoystickUser interface {
	SetJoystick(bool) error
}

// AxisSelector can change the axis it drives
type AxisSelector interface {
	SelectAxis(string) error
}

// StageSetter can change the calibration of its stage
type StageSetter interface {
	SetStage(string) error
}

// ControllerSelector can change the controller it drives on a network
type ControllerSelector interface {
	SelectController(int) error
}

// base holds the state every actuator shares
type base struct {
	mu       sync.Mutex
	settings Settings
	target   float64
	current  float64
	ready    bool

	// Status receives status messages, log.Println if nil
	Status StatusFunc
}

func newBase(s Settings) base {
	if s.Epsilon == 0 {
		s.Epsilon = DefaultEpsilon
	}
	if s.MultiStatus == "" {
		s.MultiStatus = Master
	}
	if s.Scaling.Multiplier == 0 {
		s.Scaling.Multiplier = 1
	}
	return base{settings: s}
}

func (b *base) status(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if b.Status != nil {
		b.Status(msg)
		return
	}
	log.Println(msg)
}

// Settings returns a copy of the settings
func (b *base) Settings() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings
}

func (b *base) update(fcn func(*Settings)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fcn(&b.settings)
}

// Target returns the last requested position in user units
func (b *base) Target() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

func (b *base) setTarget(t float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = t
}

func (b *base) setCurrent(c float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = c
}

func (b *base) setReady(r bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = r
}

func (b *base) checkReady() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return ErrNotInitialized
	}
	return nil
}

func (b *base) isSlave() bool {
	return b.Settings().MultiStatus == Slave
}

// toController converts a user position to a controller position
func (b *base) toController(x float64) float64 {
	sc := b.Settings().Scaling
	if !sc.Use {
		return x
	}
	return (x - sc.Offset) / sc.Multiplier
}

// toControllerRel converts a user distance to a controller distance
func (b *base) toControllerRel(x float64) float64 {
	sc := b.Settings().Scaling
	if !sc.Use {
		return x
	}
	return x / sc.Multiplier
}

// fromController converts a controller position to a user position
func (b *base) fromController(x float64) float64 {
	sc := b.Settings().Scaling
	if !sc.Use {
		return x
	}
	return x*sc.Multiplier + sc.Offset
}

// checkBound clamps a user position to the bounds, if they are in use
func (b *base) checkBound(x float64) float64 {
	bd := b.Settings().Bounds
	if !bd.Use {
		return x
	}
	if x > bd.Max {
		b.status("position %g out of bounds, set to max %g", x, bd.Max)
		return bd.Max
	}
	if x < bd.Min {
		b.status("position %g out of bounds, set to min %g", x, bd.Min)
		return bd.Min
	}
	return x
}

// absTarget bounds an absolute move and records it as the target.
// The returned value is in controller units.
func (b *base) absTarget(x float64) float64 {
	x = b.checkBound(x)
	b.setTarget(x)
	return b.toController(x)
}

// relTarget bounds a relative move on current+delta and records the
// target.  The returned distance is in controller units.
func (b *base) relTarget(current, delta float64) float64 {
	delta = b.checkBound(current+delta) - current
	b.setTarget(current + delta)
	return b.toControllerRel(delta)
}

// WaitDone polls the position of a until it is within epsilon of the
// target, or ctx is done.  poll <= 0 means DefaultPoll.
func WaitDone(ctx context.Context, a Actuator, poll time.Duration) (float64, error) {
	if poll <= 0 {
		poll = DefaultPoll
	}
	eps := a.Settings().Epsilon
	lim := rate.NewLimiter(rate.Every(poll), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// the next poll would land past the deadline
				err = context.DeadlineExceeded
			}
			pos, _ := a.GetPosition()
			return pos, err
		}
		pos, err := a.GetPosition()
		if err != nil {
			return pos, err
		}
		if math.Abs(pos-a.Target()) < eps {
			return pos, nil
		}
	}
}
