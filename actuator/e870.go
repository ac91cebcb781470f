package actuator

import (
	"fmt"

	"github.com/nasa-jpl/pimotion/pi"
)

// E870 is an axis of an E-870 PIShift controller driving PiezoMike
// actuators.  It works open loop with relative moves only; the single
// PIShift channel is routed to an axis by the demultiplexer.
type E870 struct {
	base
	handle *PIHandle
	ctl    pi.PIController
}

// NewE870 returns a new E-870 actuator.  Axis defaults to "1", units to
// steps and epsilon to one step.
func NewE870(s Settings) *E870 {
	if s.Axis == "" {
		s.Axis = "1"
	}
	if s.Epsilon == 0 {
		s.Epsilon = 1
	}
	s.Units = "step"
	s.Daisy = Daisy{}
	return &E870{base: newBase(s)}
}

// Initialize connects to the controller and routes the channel to the axis
func (a *E870) Initialize(shared Handle) (string, error) {
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
	fail := func(err error) (string, error) {
		a.setReady(false)
		if !a.isSlave() {
			h.Close()
		}
		return "", err
	}
	a.handle = h
	a.ctl = h.Net.Add(1, true, h.mock)
	idn, err := a.ctl.Identify()
	if err != nil {
		return fail(err)
	}
	a.update(func(s *Settings) { s.ControllerID = idn })
	a.setReady(true)
	if err = a.SelectAxis(a.Settings().Axis); err != nil {
		return fail(err)
	}
	return fmt.Sprintf("connected on device:%s /%s", h.Device, idn), nil
}

// Handle returns the link, nil before Initialize
func (a *E870) Handle() Handle {
	if a.handle == nil {
		return nil
	}
	return a.handle
}

// Controller returns the controller the actuator drives, nil before Initialize
func (a *E870) Controller() pi.PIController {
	return a.ctl
}

func (a *E870) hasOSM() (bool, error) {
	ok, err := a.ctl.Has("OSM")
	if err != nil {
		return false, err
	}
	if !ok {
		a.status("the controller cannot use the OSM command")
	}
	return ok, nil
}

// SelectAxis routes the PIShift channel to an axis
func (a *E870) SelectAxis(axis string) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	a.update(func(s *Settings) { s.Axis = axis })
	ok, err := a.hasOSM()
	if err != nil || !ok {
		return err
	}
	return a.ctl.SelectDemuxAxis(axis)
}

// GetPosition always returns zero, open loop axes have no position
func (a *E870) GetPosition() (float64, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	a.status("open loop axes have no position, returning 0")
	return 0, nil
}

// MoveAbs is not possible open loop and only reports a status
func (a *E870) MoveAbs(float64) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	a.status("only relative moves are possible, absolute move ignored")
	return nil
}

// MoveRel steps the selected axis by a number of steps
func (a *E870) MoveRel(dx float64) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	ok, err := a.hasOSM()
	if err != nil || !ok {
		return err
	}
	return a.ctl.OpenLoopStep(1, a.toControllerRel(dx))
}

// MoveHome is not possible without a reference and only reports a status
func (a *E870) MoveHome() error {
	if err := a.checkReady(); err != nil {
		return err
	}
	a.status("the actuators have no reference, home move ignored")
	return nil
}

// Stop stops every axis of the controller
func (a *E870) Stop() error {
	if err := a.checkReady(); err != nil {
		return err
	}
	return a.ctl.StopAll()
}

// Close frees the link if the actuator is a Master
func (a *E870) Close() error {
	a.setReady(false)
	if a.isSlave() || a.handle == nil {
		return nil
	}
	return a.handle.Close()
}
