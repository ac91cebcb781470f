package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/pimotion/discovery"
	"github.com/nasa-jpl/pimotion/pi"
)

// DefaultUnits is reported when the controller cannot tell the unit of an axis
const DefaultUnits = "mm"

var (
	// ScanTimeout bounds the TCP/IP part of a discovery scan used to
	// resolve a device description
	ScanTimeout = 2 * time.Second

	// Scan lists the attached controllers when Settings.Device is a
	// description rather than a port or address
	Scan = func(ctx context.Context) ([]discovery.Device, error) {
		return discovery.Scan(ctx, ScanTimeout)
	}

	errMockLink = errors.New("mock controllers have no link")
)

// PIHandle is the link of a PI actuator
type PIHandle struct {
	Net *pi.Network

	// Chain lists the controllers which answered on a daisy chain.  It is
	// only filled in by a daisy master.
	Chain []pi.DaisyDevice

	// Device is the port or address of the link
	Device string

	mock    bool
	scanned bool
}

// Close frees the link
func (h *PIHandle) Close() error {
	if h == nil || h.Net == nil {
		return nil
	}
	return h.Net.Close()
}

// inChain is true if id answered the chain scan, or if no scan was made
func (h *PIHandle) inChain(id int) bool {
	if !h.scanned {
		return true
	}
	for _, d := range h.Chain {
		if d.ID == id {
			return true
		}
	}
	return false
}

// PI is an axis of a GCS2 controller
type PI struct {
	base
	legacy bool
	handle *PIHandle
	ctl    pi.PIController
}

// NewPI returns a new actuator for a GCS2 controller
func NewPI(s Settings) *PI {
	return &PI{base: newBase(s)}
}

// NewPILegacy returns a new actuator for the controllers of older firmware.
// Daisy chained controllers are addressed by their index in the chain,
// relative moves become absolute moves when MVR is missing, and failures
// to read limits, units or referencing are not fatal.
func NewPILegacy(s Settings) *PI {
	return &PI{base: newBase(s), legacy: true}
}

func looksLikePort(dev string) bool {
	return strings.HasPrefix(dev, "/dev/") || strings.HasPrefix(strings.ToUpper(dev), "COM")
}

// resolve turns the connection settings into a link address
func resolve(ctx context.Context, s Settings) (addr string, serial bool, baud int, err error) {
	ct, err := discovery.ParseConnectionType(s.Connection)
	if err != nil {
		return "", false, 0, err
	}
	baud = s.Baud
	switch ct {
	case discovery.RS232:
		if baud == 0 {
			baud = pi.RS232Baud
		}
		return s.Device, true, baud, nil
	case discovery.USB:
		if baud == 0 {
			baud = pi.DefaultBaud
		}
		if looksLikePort(s.Device) {
			return s.Device, true, baud, nil
		}
	case discovery.TCPIP:
		if _, _, err := net.SplitHostPort(s.Device); err == nil {
			return s.Device, false, 0, nil
		}
		if net.ParseIP(s.Device) != nil {
			return net.JoinHostPort(s.Device, strconv.Itoa(discovery.GCS2Port)), false, 0, nil
		}
	}
	devs, err := Scan(ctx)
	if err != nil && len(devs) == 0 {
		return "", false, 0, err
	}
	d, err := discovery.Find(devs, s.Device)
	if err != nil {
		return "", false, 0, err
	}
	if d.Addr == "" {
		return "", false, 0, fmt.Errorf("%s has no port or address", d)
	}
	return d.Addr, d.Connection.IsSerial(), baud, nil
}

// openPI creates the link of a Master
func openPI(s Settings) (*PIHandle, error) {
	if s.Mock {
		h := &PIHandle{
			Net:    pi.NewNetworkFromMaker(func() (io.ReadWriteCloser, error) { return nil, errMockLink }),
			Device: "mock",
			mock:   true}
		if s.Daisy.Enabled {
			h.Net.SetDaisy(true)
		}
		if s.Daisy.Enabled && s.Daisy.Master {
			h.scanned = true
			for id := 1; id <= 3; id++ {
				h.Chain = append(h.Chain, pi.DaisyDevice{ID: id, Name: "MOCK-GCS2"})
			}
		}
		return h, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*ScanTimeout)
	defer cancel()
	addr, serial, baud, err := resolve(ctx, s)
	if err != nil {
		return nil, err
	}
	h := &PIHandle{Net: pi.NewNetwork(addr, serial, baud), Device: addr}
	switch {
	case s.Daisy.Enabled && s.Daisy.Master:
		chain, err := h.Net.OpenDaisyChain()
		if err != nil {
			h.Close()
			return nil, err
		}
		h.Chain = chain
		h.scanned = true
	case s.Daisy.Enabled:
		// connect straight to our own ID
		h.Net.SetDaisy(true)
	}
	return h, nil
}

// controllerID is the address of the controller on the link
func (a *PI) controllerID() int {
	d := a.Settings().Daisy
	if !d.Enabled {
		return 1
	}
	if a.legacy {
		return d.Index + 1
	}
	return d.ID
}

// Initialize connects to the controller and reads the state of the axis
func (a *PI) Initialize(shared Handle) (string, error) {
	var h *PIHandle
	if a.isSlave() {
		ph, ok := shared.(*PIHandle)
		if !ok || ph == nil {
			return "", ErrNoHandle
		}
		h = ph
	} else {
		var err error
		if h, err = openPI(a.Settings()); err != nil {
			return "", err
		}
	}
	id := a.controllerID()
	if a.Settings().Daisy.Enabled && !h.inChain(id) {
		if !a.isSlave() {
			h.Close()
		}
		return "", fmt.Errorf("controller %d: %w", id, pi.ErrNotInChain)
	}
	a.handle = h
	a.ctl = h.Net.Add(id, true, h.mock)

	info, err := a.readState()
	if err != nil {
		if !a.isSlave() {
			h.Close()
		}
		return "", err
	}
	a.setReady(true)
	return info, nil
}

func (a *PI) readState() (string, error) {
	idn, err := a.ctl.Identify()
	if err != nil {
		return "", err
	}
	axes, err := a.ctl.Axes()
	if err != nil {
		return "", err
	}
	if len(axes) == 0 {
		return "", fmt.Errorf("controller %s reported no axes", idn)
	}
	axis := a.Settings().Axis
	found := false
	for _, ax := range axes {
		if ax == axis {
			found = true
			break
		}
	}
	if !found {
		axis = axes[0]
	}
	a.update(func(s *Settings) {
		s.ControllerID = idn
		s.Axis = axis
	})

	if err = a.referencing(axis); err != nil {
		return "", err
	}
	servoAxis := axis
	if a.legacy {
		servoAxis = axes[0]
	}
	closed, err := a.ctl.GetEnabled(servoAxis)
	if err != nil {
		return "", err
	}
	if err = a.refreshLimits(axis); err != nil {
		return "", err
	}
	units := a.ctl.Units(axis, DefaultUnits)
	a.update(func(s *Settings) {
		s.ClosedLoop = closed
		s.Units = units
	})
	if pos, err := a.ctl.GetPos(axis); err == nil {
		a.setCurrent(a.fromController(pos))
		a.setTarget(a.fromController(pos))
	}
	return fmt.Sprintf("connected on device:%s /%s", a.handle.Device, idn), nil
}

func (a *PI) referencing(axis string) error {
	err := a.ctl.SetReferencing(axis)
	if err != nil && a.legacy {
		a.status("%v / referencing not enabled with this controller", err)
		return nil
	}
	return err
}

func (a *PI) refreshLimits(axis string) error {
	min, max, err := a.ctl.Limits(axis)
	if err != nil {
		if a.legacy {
			return nil
		}
		return err
	}
	a.update(func(s *Settings) { s.Limits = AxisLimits{Min: min, Max: max} })
	return nil
}

// Handle returns the link, nil before Initialize
func (a *PI) Handle() Handle {
	if a.handle == nil {
		return nil
	}
	return a.handle
}

// Controller returns the controller the actuator drives, nil before Initialize
func (a *PI) Controller() pi.PIController {
	return a.ctl
}

// GetPosition returns the position of the axis in user units
func (a *PI) GetPosition() (float64, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	pos, err := a.ctl.GetPos(a.Settings().Axis)
	if err != nil {
		return 0, err
	}
	pos = a.fromController(pos)
	a.setCurrent(pos)
	return pos, nil
}

// MoveAbs moves the axis to a position in user units, clamped to the bounds
func (a *PI) MoveAbs(x float64) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	return a.ctl.MoveAbs(a.Settings().Axis, a.absTarget(x))
}

// MoveRel moves the axis by a distance in user units, clamped so the
// target stays within the bounds
func (a *PI) MoveRel(dx float64) error {
	cur, err := a.GetPosition()
	if err != nil {
		return err
	}
	ok, err := a.ctl.Has("MVR")
	if err != nil {
		return err
	}
	if !ok && !a.legacy {
		a.status("the controller cannot make relative moves")
		return nil
	}
	delta := a.relTarget(cur, dx)
	if !ok {
		return a.MoveAbs(a.Target())
	}
	return a.ctl.MoveRel(a.Settings().Axis, delta)
}

// MoveHome references the axis if it was referenced before, then homes it
func (a *PI) MoveHome() error {
	if err := a.checkReady(); err != nil {
		return err
	}
	axis := a.Settings().Axis
	if err := a.referencing(axis); err != nil {
		return err
	}
	a.setTarget(a.fromController(0))
	return a.ctl.Home(axis)
}

// Stop stops every axis of the controller
func (a *PI) Stop() error {
	if err := a.checkReady(); err != nil {
		return err
	}
	err := a.ctl.StopAll()
	if pos, perr := a.GetPosition(); perr == nil {
		a.setTarget(pos)
	}
	return err
}

// Close frees the link if the actuator is a Master
func (a *PI) Close() error {
	a.setReady(false)
	if a.isSlave() || a.handle == nil {
		return nil
	}
	return a.handle.Close()
}

// SetClosedLoop turns the servo of the axis on or off
func (a *PI) SetClosedLoop(on bool) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if err := a.ctl.SetServo(a.Settings().Axis, on); err != nil {
		return err
	}
	a.update(func(s *Settings) { s.ClosedLoop = on })
	return nil
}

// SetJoystick attaches or detaches the joystick of the controller
func (a *PI) SetJoystick(on bool) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if err := a.ctl.UseJoystick(on); err != nil {
		return err
	}
	a.update(func(s *Settings) { s.UseJoystick = on })
	return nil
}

// SelectAxis switches the actuator to another axis of the controller,
// reading its servo state, referencing it and refreshing its limits
func (a *PI) SelectAxis(axis string) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	axes, err := a.ctl.Axes()
	if err != nil {
		return err
	}
	found := false
	for _, ax := range axes {
		if ax == axis {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("axis %s not one of %v", axis, axes)
	}
	closed, err := a.ctl.GetEnabled(axis)
	if err != nil {
		return err
	}
	a.update(func(s *Settings) {
		s.Axis = axis
		s.ClosedLoop = closed
		s.Limits = AxisLimits{Min: math.NaN(), Max: math.NaN()}
	})
	if err = a.referencing(axis); err != nil {
		return err
	}
	if err = a.refreshLimits(axis); err != nil {
		return err
	}
	if pos, err := a.GetPosition(); err == nil {
		a.setTarget(pos)
	}
	return nil
}
