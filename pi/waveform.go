package pi

import (
	"strconv"
	"time"

	"github.com/nasa-jpl/pimotion/util"
)

// Ramp describes a RAMP curve segment for the WAV command
type Ramp struct {
	SegLength   int
	Amplitude   float64
	Offset      float64
	WaveLength  int
	StartPoint  int
	SpeedUpDown int
	CenterPoint int
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

// ClearWaveTable empties a wave table
func (c *Controller) ClearWaveTable(table int) error {
	return c.gCodeWriteOnly("WCL", itoa(table))
}

// DefineRamp writes a ramp into a wave table, replacing its contents
func (c *Controller) DefineRamp(table int, r Ramp) error {
	return c.gCodeWriteOnly("WAV", itoa(table), "X", "RAMP",
		itoa(r.SegLength),
		formatFloat(r.Amplitude),
		formatFloat(r.Offset),
		itoa(r.WaveLength),
		itoa(r.StartPoint),
		itoa(r.SpeedUpDown),
		itoa(r.CenterPoint))
}

// LinearRamp is the ramp used for a single linear sweep of npts points:
// the sweep rises over npts points and returns over npts/2
func LinearRamp(amplitude, offset float64, npts int) Ramp {
	return Ramp{
		SegLength:   npts,
		Amplitude:   amplitude,
		Offset:      offset,
		WaveLength:  npts + npts/2,
		StartPoint:  0,
		SpeedUpDown: 0,
		CenterPoint: npts + npts/2}
}

// SetLinearWaveform loads a linear sweep into the wave table of the same
// number as the wave generator (axis), connects them and sets the output
// rate in servo cycles per point
func (c *Controller) SetLinearWaveform(amplitude, offset float64, npts, axis, rate int) error {
	if err := c.ClearWaveTable(axis); err != nil {
		return err
	}
	if err := c.DefineRamp(axis, LinearRamp(amplitude, offset, npts)); err != nil {
		return err
	}
	if err := c.gCodeWriteOnly("WSL", itoa(axis), itoa(axis)); err != nil {
		return err
	}
	return c.gCodeWriteOnly("WTR", "0", itoa(rate), "1")
}

// StartWaveform runs a wave generator for a number of cycles
func (c *Controller) StartWaveform(axis, cycles int) error {
	if err := c.gCodeWriteOnly("WGC", itoa(axis), itoa(cycles)); err != nil {
		return err
	}
	return c.gCodeWriteOnly("WGO", itoa(axis), "1")
}

// StopWaveform stops a wave generator
func (c *Controller) StopWaveform(axis int) error {
	return c.gCodeWriteOnly("WGO", itoa(axis), "0")
}

// SetTriggerWaveform clears the trigger table and pulses digital output
// line do at each of the given wave points
func (c *Controller) SetTriggerWaveform(points []int, do int) error {
	if err := c.gCodeWriteOnly("TWC"); err != nil {
		return err
	}
	// trigger mode 4 = generator pulse
	if err := c.gCodeWriteOnly("CTO", itoa(do), "3", "4"); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	args := make([]string, 0, 3*len(points))
	for _, p := range points {
		args = append(args, itoa(do), itoa(p), "1")
	}
	return c.gCodeWriteOnly("TWS", args...)
}

// ServoCycle returns the servo update period of the controller
func (c *Controller) ServoCycle() (time.Duration, error) {
	resp, err := c.query("SPA?", "1", "0x"+strconv.FormatInt(paramServoCycle, 16))
	if err != nil {
		return 0, err
	}
	s, err := axisValue(resp, "")
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return util.SecsToDuration(secs), nil
}
