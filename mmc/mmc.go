/*Package mmc talks to legacy PI Mercury controllers (C-862, C-863, C-663,
C-170) in their native ASCII command set.

Up to 16 controllers share one RS-232 line.  Each has a hex address 0..F,
known to the user as device number 1..16.  A command is addressed by
prefixing it with the select sequence "\x01<address>"; replies end in ETX.
*/
package mmc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/pimotion/comm"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaud is the factory baud rate of Mercury controllers
	DefaultBaud = 9600

	// MaxDevices is the largest device number on a Mercury network
	MaxDevices = 16

	// MovingThreshold is the |target - position| in counts above which an
	// axis is considered moving
	MovingThreshold = 100

	etx = 0x03
)

var (
	// Baudrates are the rates the controllers can be strapped to
	Baudrates = []int{9600, 19200}

	// Stages holds the calibration of known stages
	Stages = map[string]Stage{
		"M521DG": {CountsNum: 2458624, CountsDenom: 81, Units: "mm"},
	}

	// ScanTimeout bounds the wait for a reply from each address during InitNetwork
	ScanTimeout = 500 * time.Millisecond

	// HomePoll is the interval between position checks while homing
	HomePoll = 100 * time.Millisecond

	// HomeSettle is the pause after defining home before the position is refreshed
	HomeSettle = 500 * time.Millisecond

	// HomeTolerance is the change in position between polls, in stage units,
	// under which a homing move is considered done
	HomeTolerance = 0.001
)

var (
	// ErrInvalidBaud is generated for a baud rate not in Baudrates
	ErrInvalidBaud = errors.New("invalid baud rate, must be 9600 or 19200")

	// ErrUnknownStage is generated for a stage not in Stages
	ErrUnknownStage = errors.New("unknown stage")

	// ErrBadDevice is generated for a device number outside 1..16
	ErrBadDevice = errors.New("device number must be between 1 and 16")

	// ErrNotRegistered is generated when selecting a device InitNetwork did not find
	ErrNotRegistered = errors.New("device not registered on the network")

	// ErrNoDevice is generated when a command is issued with no device selected
	ErrNoDevice = errors.New("no device selected")

	// ErrMalformedReply is generated when a reply cannot be parsed
	ErrMalformedReply = errors.New("malformed reply")
)

// Err wraps a failure with the device and command it happened on
type Err struct {
	Dev int
	Cmd string
	Err error
}

func (e Err) Error() string {
	return fmt.Sprintf("mercury device %d, %s: %v", e.Dev, e.Cmd, e.Err)
}

func (e Err) Unwrap() error {
	return e.Err
}

// Stage is the calibration of a stage: CountsNum/CountsDenom encoder counts
// per unit
type Stage struct {
	CountsNum   float64 `json:"countsNum" yaml:"CountsNum"`
	CountsDenom float64 `json:"countsDenom" yaml:"CountsDenom"`
	Units       string  `json:"units" yaml:"Units"`
}

// CountsToUnits converts encoder counts to stage units
func (s Stage) CountsToUnits(counts int) float64 {
	return float64(counts) / (s.CountsNum / s.CountsDenom)
}

// UnitsToCounts converts stage units to encoder counts, truncating
func (s Stage) UnitsToCounts(units float64) int {
	return int(units / (s.CountsDenom / s.CountsNum))
}

// LookupStage returns the calibration of a named stage
func LookupStage(name string) (Stage, error) {
	s, ok := Stages[name]
	if !ok {
		return Stage{}, fmt.Errorf("%w %q", ErrUnknownStage, name)
	}
	return s, nil
}

// ValidBaud returns nil if baud is one of Baudrates
func ValidBaud(baud int) error {
	for _, b := range Baudrates {
		if b == baud {
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrInvalidBaud, baud)
}

func makeSerConf(addr string, baud int) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: ScanTimeout}
}

// Controller is a Mercury network on one link.  Commands are sent to the
// selected device unless a device number is given.
type Controller struct {
	*comm.RemoteDevice

	mu        sync.Mutex
	stageName string
	stage     Stage
	selected  int
	devices   []int
}

// NewController returns a controller for a Mercury network at addr, a serial
// port or a host:port of a serial port server.  baud zero means DefaultBaud.
func NewController(addr string, isSerial bool, stage string, baud int) (*Controller, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	if err := ValidBaud(baud); err != nil {
		return nil, err
	}
	s, err := LookupStage(stage)
	if err != nil {
		return nil, err
	}
	terms := &comm.Terminators{Rx: etx, Tx: '\r'}
	rd := comm.NewRemoteDevice(addr, isSerial, terms, makeSerConf(addr, baud))
	return &Controller{RemoteDevice: rd, stageName: stage, stage: s}, nil
}

// Stage returns the name and calibration of the stage in use
func (c *Controller) Stage() (string, Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stageName, c.stage
}

// SetStage changes the stage calibration
func (c *Controller) SetStage(name string) error {
	s, err := LookupStage(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stageName = name
	c.stage = s
	return nil
}

// Selected returns the selected device number, 0 if none is
func (c *Controller) Selected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Devices returns the device numbers found by InitNetwork
func (c *Controller) Devices() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.devices...)
}

func selectSeq(dev int) string {
	return "\x01" + strings.ToUpper(strconv.FormatInt(int64(dev-1), 16))
}

func checkDev(dev int) error {
	if dev < 1 || dev > MaxDevices {
		return fmt.Errorf("%w, got %d", ErrBadDevice, dev)
	}
	return nil
}

// resolve maps device 0 to the selected device
func (c *Controller) resolve(dev int) (int, error) {
	if dev == 0 {
		dev = c.Selected()
		if dev == 0 {
			return 0, ErrNoDevice
		}
	}
	return dev, checkDev(dev)
}

func (c *Controller) send(dev int, cmd string) error {
	dev, err := c.resolve(dev)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	if err = c.RemoteDevice.Open(); err != nil {
		return err
	}
	if err = c.Send([]byte(selectSeq(dev) + cmd)); err != nil {
		return Err{dev, cmd, err}
	}
	return nil
}

func (c *Controller) query(dev int, cmd string) (string, error) {
	dev, err := c.resolve(dev)
	if err != nil {
		return "", err
	}
	c.Lock()
	defer c.Unlock()
	return c.queryLocked(dev, cmd)
}

func (c *Controller) queryLocked(dev int, cmd string) (string, error) {
	if err := c.RemoteDevice.Open(); err != nil {
		return "", err
	}
	resp, err := c.SendRecv([]byte(selectSeq(dev) + cmd))
	if err != nil {
		return "", Err{dev, cmd, err}
	}
	return strings.TrimSpace(string(resp)), nil
}

// parseCounts parses a "P:+0001234" style reply
func parseCounts(resp string) (int, error) {
	idx := strings.IndexByte(resp, ':')
	if idx == -1 {
		return 0, fmt.Errorf("%w %q", ErrMalformedReply, resp)
	}
	v, err := strconv.Atoi(strings.TrimSpace(resp[idx+1:]))
	if err != nil {
		return 0, fmt.Errorf("%w %q", ErrMalformedReply, resp)
	}
	return v, nil
}

// Open opens the link.  The link stays open until Close.
func (c *Controller) Open() error {
	c.Lock()
	defer c.Unlock()
	return c.RemoteDevice.Open()
}

// Close closes the link
func (c *Controller) Close() error {
	c.Lock()
	defer c.Unlock()
	return c.RemoteDevice.Close()
}

// InitNetwork searches addresses from device number maxAxis down to 1 and
// registers every device that answers.  The devices are returned in the order
// they were found.
func (c *Controller) InitNetwork(maxAxis int) ([]int, error) {
	if err := checkDev(maxAxis); err != nil {
		return nil, err
	}
	c.Lock()
	prev := c.Timeout
	c.Timeout = ScanTimeout
	var found []int
	var lastErr error
	for dev := maxAxis; dev >= 1; dev-- {
		resp, err := c.queryLocked(dev, "VE")
		if err != nil {
			lastErr = err
			continue
		}
		if resp != "" {
			found = append(found, dev)
		}
	}
	c.Timeout = prev
	c.Unlock()

	c.mu.Lock()
	c.devices = found
	c.mu.Unlock()
	if len(found) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("no Mercury devices found: %w", lastErr)
		}
		return nil, errors.New("no Mercury devices found")
	}
	return found, nil
}

// Select makes dev the target of commands issued to device 0.  When
// InitNetwork has been called, dev must be one of the devices it found.
func (c *Controller) Select(dev int) error {
	if err := checkDev(dev); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.devices != nil {
		ok := false
		for _, d := range c.devices {
			if d == dev {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrNotRegistered, dev)
		}
	}
	c.selected = dev
	return nil
}

// MoveA moves a device to an absolute position in counts
func (c *Controller) MoveA(dev, counts int) error {
	return c.send(dev, "MA"+strconv.Itoa(counts))
}

// MoveR moves a device by a number of counts
func (c *Controller) MoveR(dev, counts int) error {
	return c.send(dev, "MR"+strconv.Itoa(counts))
}

// GetPosCounts returns the position of a device in counts
func (c *Controller) GetPosCounts(dev int) (int, error) {
	resp, err := c.query(dev, "TP")
	if err != nil {
		return 0, err
	}
	return parseCounts(resp)
}

// GetTargetCounts returns the target position of a device in counts
func (c *Controller) GetTargetCounts(dev int) (int, error) {
	resp, err := c.query(dev, "TT")
	if err != nil {
		return 0, err
	}
	return parseCounts(resp)
}

// FindHome starts a move to the reference edge
func (c *Controller) FindHome(dev int) error {
	return c.send(dev, "FE1")
}

// DefineHome makes the current position zero
func (c *Controller) DefineHome(dev int) error {
	return c.send(dev, "DH")
}

// Abort stops a device abruptly
func (c *Controller) Abort(dev int) error {
	return c.send(dev, "AB")
}

// GlobalBreak aborts every registered device, or the selected one if
// InitNetwork has not been called
func (c *Controller) GlobalBreak() error {
	devs := c.Devices()
	if len(devs) == 0 {
		return c.Abort(0)
	}
	var errs []string
	for _, dev := range devs {
		if err := c.Abort(dev); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// SendCommand sends a command with no reply to a device
func (c *Controller) SendCommand(dev int, cmd string) error {
	return c.send(dev, cmd)
}

// Raw sends a command to the selected device.  Commands starting with T
// (tell) or V (version) are queries and their reply is returned.
func (c *Controller) Raw(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty command", ErrMalformedReply)
	}
	switch s[0] {
	case 'T', 'V', 't', 'v':
		return c.query(0, s)
	default:
		return "", c.send(0, s)
	}
}

// Moving returns true if a device is further than MovingThreshold counts from its target
func (c *Controller) Moving(dev int) (bool, error) {
	target, err := c.GetTargetCounts(dev)
	if err != nil {
		return false, err
	}
	pos, err := c.GetPosCounts(dev)
	if err != nil {
		return false, err
	}
	d := target - pos
	if d < 0 {
		d = -d
	}
	return d > MovingThreshold, nil
}

func parseAxis(axis string) (int, error) {
	dev, err := strconv.Atoi(strings.TrimSpace(axis))
	if err != nil {
		return 0, fmt.Errorf("%w: axis %q is not a device number", ErrBadDevice, axis)
	}
	return dev, nil
}

// CountsToUnits converts counts to units of the current stage
func (c *Controller) CountsToUnits(counts int) float64 {
	_, s := c.Stage()
	return s.CountsToUnits(counts)
}

// UnitsToCounts converts units of the current stage to counts
func (c *Controller) UnitsToCounts(units float64) int {
	_, s := c.Stage()
	return s.UnitsToCounts(units)
}

// MoveAbs moves the device numbered axis to a position in stage units
func (c *Controller) MoveAbs(axis string, pos float64) error {
	dev, err := parseAxis(axis)
	if err != nil {
		return err
	}
	return c.MoveA(dev, c.UnitsToCounts(pos))
}

// MoveRel moves the device numbered axis by a distance in stage units
func (c *Controller) MoveRel(axis string, delta float64) error {
	dev, err := parseAxis(axis)
	if err != nil {
		return err
	}
	return c.MoveR(dev, c.UnitsToCounts(delta))
}

// GetPos returns the position of the device numbered axis in stage units
func (c *Controller) GetPos(axis string) (float64, error) {
	dev, err := parseAxis(axis)
	if err != nil {
		return 0, err
	}
	counts, err := c.GetPosCounts(dev)
	if err != nil {
		return 0, err
	}
	return c.CountsToUnits(counts), nil
}

// Stop aborts motion of the device numbered axis
func (c *Controller) Stop(axis string) error {
	dev, err := parseAxis(axis)
	if err != nil {
		return err
	}
	return c.Abort(dev)
}

// Home homes the device numbered axis, see HomeContext
func (c *Controller) Home(axis string) error {
	dev, err := parseAxis(axis)
	if err != nil {
		return err
	}
	return c.HomeContext(context.Background(), dev)
}

// HomeContext finds the reference edge, waits for the stage to settle,
// and defines the position as zero
func (c *Controller) HomeContext(ctx context.Context, dev int) error {
	if err := c.FindHome(dev); err != nil {
		return err
	}
	lim := rate.NewLimiter(rate.Every(HomePoll), 1)
	lim.Allow() // the first poll waits a full period
	last, err := c.GetPosCounts(dev)
	if err != nil {
		return err
	}
	for {
		if err = lim.Wait(ctx); err != nil {
			return err
		}
		pos, err := c.GetPosCounts(dev)
		if err != nil {
			return err
		}
		moved := math.Abs(c.CountsToUnits(pos - last))
		last = pos
		if moved <= HomeTolerance {
			break
		}
	}
	if err = c.DefineHome(dev); err != nil {
		return err
	}
	select {
	case <-time.After(HomeSettle):
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err = c.GetPosCounts(dev)
	return err
}
