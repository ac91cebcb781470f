package actuator

import (
	"context"
	"fmt"
	"sync"

	"github.com/nasa-jpl/pimotion/mmc"
)

const (
	// DefaultStage is the stage of Mercury actuators without one configured
	DefaultStage = "M521DG"

	// mmcScanDepth is the number of addresses scanned on a Mercury network
	mmcScanDepth = 3
)

// MMC is a device on a network of legacy Mercury controllers
type MMC struct {
	base
	ctl *mmc.Controller

	homeMu     sync.Mutex
	homeCancel context.CancelFunc
}

// NewMMC returns a new Mercury actuator.  The link is Settings.ComPort, or
// Settings.Device if that is empty.
func NewMMC(s Settings) *MMC {
	if s.Stage == "" {
		s.Stage = DefaultStage
	}
	if s.ComPort == "" {
		s.ComPort = s.Device
	}
	return &MMC{base: newBase(s)}
}

// Initialize opens the network and selects the first device (Master) or
// borrows the network of a Master (Slave)
func (a *MMC) Initialize(shared Handle) (string, error) {
	s := a.Settings()
	if a.isSlave() {
		ctl, ok := shared.(*mmc.Controller)
		if !ok || ctl == nil {
			return "", ErrNoHandle
		}
		a.ctl = ctl
		if s.ControllerAddress == 0 {
			s.ControllerAddress = ctl.Selected()
		}
	} else {
		var (
			ctl *mmc.Controller
			err error
		)
		if s.Mock {
			ctl, err = mmc.NewMock(s.Stage)
		} else {
			ctl, err = mmc.NewController(s.ComPort, true, s.Stage, s.Baud)
		}
		if err != nil {
			return "", err
		}
		if err = ctl.Open(); err != nil {
			return "", err
		}
		devs, err := ctl.InitNetwork(mmcScanDepth)
		if err != nil {
			ctl.Close()
			return "", err
		}
		if err = ctl.Select(devs[0]); err != nil {
			ctl.Close()
			return "", err
		}
		a.ctl = ctl
		if !contains(devs, s.ControllerAddress) {
			s.ControllerAddress = devs[0]
		}
	}
	_, stage := a.ctl.Stage()
	a.update(func(set *Settings) {
		set.ControllerAddress = s.ControllerAddress
		set.Units = stage.Units
	})
	a.setReady(true)
	pos, err := a.GetPosition()
	if err != nil {
		return "", err
	}
	a.setTarget(pos)
	return fmt.Sprintf("MMC stage initialized, device %d of %v", s.ControllerAddress, a.ctl.Devices()), nil
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Handle returns the Mercury network, nil before Initialize
func (a *MMC) Handle() Handle {
	if a.ctl == nil {
		return nil
	}
	return a.ctl
}

// Controller returns the Mercury network, nil before Initialize
func (a *MMC) Controller() *mmc.Controller {
	return a.ctl
}

func (a *MMC) dev() int {
	return a.Settings().ControllerAddress
}

// GetPosition returns the position of the device in user units
func (a *MMC) GetPosition() (float64, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	counts, err := a.ctl.GetPosCounts(a.dev())
	if err != nil {
		return 0, err
	}
	pos := a.fromController(a.ctl.CountsToUnits(counts))
	a.setCurrent(pos)
	return pos, nil
}

// MoveAbs moves the device to a position in user units, clamped to the bounds
func (a *MMC) MoveAbs(x float64) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	return a.ctl.MoveA(a.dev(), a.ctl.UnitsToCounts(a.absTarget(x)))
}

// MoveRel moves the device by a distance in user units, clamped so the
// target stays within the bounds
func (a *MMC) MoveRel(dx float64) error {
	cur, err := a.GetPosition()
	if err != nil {
		return err
	}
	return a.ctl.MoveR(a.dev(), a.ctl.UnitsToCounts(a.relTarget(cur, dx)))
}

// MoveHome finds the reference edge, defines it as zero and refreshes the
// position.  Stop cancels a home move in progress.
func (a *MMC) MoveHome() error {
	if err := a.checkReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.homeMu.Lock()
	a.homeCancel = cancel
	a.homeMu.Unlock()
	defer func() {
		a.homeMu.Lock()
		a.homeCancel = nil
		a.homeMu.Unlock()
		cancel()
	}()
	if err := a.ctl.HomeContext(ctx, a.dev()); err != nil {
		return err
	}
	a.setTarget(a.fromController(0))
	_, err := a.GetPosition()
	return err
}

// Stop cancels a home move and aborts motion of the device
func (a *MMC) Stop() error {
	if err := a.checkReady(); err != nil {
		return err
	}
	a.homeMu.Lock()
	if a.homeCancel != nil {
		a.homeCancel()
	}
	a.homeMu.Unlock()
	err := a.ctl.Abort(a.dev())
	if pos, perr := a.GetPosition(); perr == nil {
		a.setTarget(pos)
	}
	return err
}

// Close frees the network if the actuator is a Master
func (a *MMC) Close() error {
	a.setReady(false)
	if a.isSlave() || a.ctl == nil {
		return nil
	}
	return a.ctl.Close()
}

// SetStage changes the stage calibration of the network
func (a *MMC) SetStage(name string) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if err := a.ctl.SetStage(name); err != nil {
		return err
	}
	_, stage := a.ctl.Stage()
	a.update(func(s *Settings) {
		s.Stage = name
		s.Units = stage.Units
	})
	return nil
}

// SelectController switches the actuator to another device of the network
func (a *MMC) SelectController(dev int) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if err := a.ctl.Select(dev); err != nil {
		return err
	}
	a.update(func(s *Settings) { s.ControllerAddress = dev })
	pos, err := a.GetPosition()
	if err != nil {
		return err
	}
	a.setTarget(pos)
	return nil
}
