// Package pi provides a Go interface to PI motion control systems
// based on PI's GCS2 communication language.
package pi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/pimotion/comm"
	"github.com/tarm/serial"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBaud is the factory baud rate of USB and most RS-232 controllers
	DefaultBaud = 115200

	// RS232Baud is the baud used by the RS-232 connect of legacy setups
	RS232Baud = 19200

	// MaxDaisyID is the largest controller ID on a daisy chain
	MaxDaisyID = 16

	// paramUnit is the SPA parameter holding the axis unit string
	paramUnit = 0x07000601

	// paramServoCycle is the SPA parameter holding the servo update time, in s
	paramServoCycle = 0x0E000200
)

// DaisyScanTimeout bounds the wait for each ID during OpenDaisyChain
var DaisyScanTimeout = 300 * time.Millisecond

var (
	// ErrBlankResponse is generated when the controller replies with nothing
	ErrBlankResponse = errors.New("the response from the controller was blank, is the axis label correct")

	// ErrNotInChain is generated when a controller ID did not answer on the daisy chain
	ErrNotInChain = errors.New("controller ID not found on the daisy chain")
)

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string, baud int) *serial.Config {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

// DaisyDevice is a controller which answered on a daisy chain
type DaisyDevice struct {
	ID   int    `json:"id"`
	IDN  string `json:"idn"`
	Name string `json:"name"`
}

// Network is a physical link (one cable or socket) to one or more
// controllers.  With daisy chaining off, there is exactly one controller and
// commands are sent bare.  With it on, each command is prefixed by the
// target controller's ID.
type Network struct {
	// Timeout bounds each transaction on TCP links
	Timeout time.Duration

	pool  *comm.Pool
	daisy bool

	// scanTimeout replaces Timeout while the daisy chain is enumerated
	scanTimeout time.Duration

	mu      sync.Mutex
	members map[int]PIController
}

// NewNetwork creates a new network on a TCP address (host:port) or a serial
// port.  baud is ignored for TCP; zero means DefaultBaud.
func NewNetwork(addr string, serial bool, baud int) *Network {
	var n *Network
	n = NewNetworkFromMaker(func() (io.ReadWriteCloser, error) {
		timeout := n.linkTimeout()
		cfg := makeSerConf(addr, baud)
		cfg.ReadTimeout = timeout
		return comm.Maker(addr, serial, cfg, timeout)()
	})
	return n
}

// NewNetworkFromMaker creates a network whose link is produced by maker
func NewNetworkFromMaker(maker comm.CreationFunc) *Network {
	return &Network{
		Timeout: 10 * time.Second,
		// a single connection per physical link, idle links are closed
		pool:    comm.NewPool(1, time.Minute, maker),
		members: map[int]PIController{}}
}

// SetDaisy turns controller ID addressing on or off
func (n *Network) SetDaisy(daisy bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.daisy = daisy
}

// linkTimeout is the timeout of new links and of each transaction
func (n *Network) linkTimeout() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.scanTimeout > 0 {
		return n.scanTimeout
	}
	return n.Timeout
}

func (n *Network) setScanTimeout(d time.Duration) {
	n.mu.Lock()
	n.scanTimeout = d
	n.mu.Unlock()
	// idle links carry the old timeout
	n.pool.Close()
}

// Daisy returns true if controller ID addressing is on
func (n *Network) Daisy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.daisy
}

// Add returns a controller at the given ID on the network.  If mock is
// true, the returned controller is an in-memory mock and never touches the link.
func (n *Network) Add(id int, handshaking, mock bool) PIController {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.members[id]; ok {
		return c
	}
	var c PIController
	if mock {
		c = NewControllerMock(id)
	} else {
		c = &Controller{net: n, id: id, handshaking: handshaking}
	}
	n.members[id] = c
	return c
}

// Members returns the IDs of the controllers added to the network, sorted
func (n *Network) Members() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]int, 0, len(n.members))
	for id := range n.members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// OpenDaisyChain turns on addressing and queries *IDN? on every ID from 1
// to MaxDaisyID, waiting at most DaisyScanTimeout for each.  Controllers
// that answer are returned, in ID order.
func (n *Network) OpenDaisyChain() ([]DaisyDevice, error) {
	n.SetDaisy(true)
	n.setScanTimeout(DaisyScanTimeout)
	defer n.setScanTimeout(0)
	var out []DaisyDevice
	var lastErr error
	for id := 1; id <= MaxDaisyID; id++ {
		resp, err := n.transact(id, "*IDN?", true)
		if err != nil {
			lastErr = err
			continue
		}
		if resp == "" {
			continue
		}
		out = append(out, DaisyDevice{ID: id, IDN: resp, Name: deviceName(resp)})
	}
	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("no controllers answered on the daisy chain: %w", lastErr)
	}
	return out, nil
}

// StopAll stops every controller added to the network
func (n *Network) StopAll(ctx context.Context) error {
	n.mu.Lock()
	ctls := make([]PIController, 0, len(n.members))
	for _, c := range n.members {
		ctls = append(ctls, c)
	}
	n.mu.Unlock()
	g, _ := errgroup.WithContext(ctx)
	for _, c := range ctls {
		c := c
		g.Go(c.StopAll)
	}
	return g.Wait()
}

// Close frees the link
func (n *Network) Close() error {
	return n.pool.Close()
}

// transact sends cmd to the controller with the given id, and if
// expectReply, reads a (possibly multi-line) reply
func (n *Network) transact(id int, cmd string, expectReply bool) (string, error) {
	daisy := n.Daisy()
	rw, err := n.pool.Get()
	if err != nil {
		return "", err
	}
	comm.SetDeadline(rw, n.linkTimeout())
	msg := cmd
	if daisy {
		msg = strconv.Itoa(id) + " " + cmd
	}
	_, err = io.WriteString(rw, msg+"\n")
	if err != nil {
		n.pool.Destroy(rw)
		return "", err
	}
	if !expectReply {
		n.pool.Put(rw)
		return "", nil
	}
	lines, err := readReply(bufio.NewReader(rw))
	if err != nil {
		n.pool.Destroy(rw)
		return "", err
	}
	n.pool.Put(rw)
	if daisy {
		prefix := "0 " + strconv.Itoa(id) + " "
		for i := range lines {
			lines[i] = strings.TrimPrefix(lines[i], prefix)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// readReply reads lines until one does not end in a space, which GCS2 uses
// to mark that more lines follow
func readReply(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return lines, err
		}
		line = strings.TrimRight(line, "\r\n")
		more := strings.HasSuffix(line, " ")
		lines = append(lines, strings.TrimSpace(line))
		if !more {
			return lines, nil
		}
	}
}

// deviceName extracts the model from an *IDN? string,
// "(c)2015 Physik Instrumente (PI) GmbH & Co. KG, E-727, 0115029397, 1.2.3" => "E-727"
func deviceName(idn string) string {
	parts := strings.Split(idn, ",")
	if len(parts) < 2 {
		return strings.TrimSpace(idn)
	}
	return strings.TrimSpace(parts[1])
}

// Controller maps to any PI GCS2 controller, e.g. E-509, E-727, C-884
type Controller struct {
	net         *Network
	id          int
	handshaking bool

	// DV is the maximum allowed voltage delta between commands
	DV *float64

	mu       sync.Mutex
	commands map[string]struct{}
	axes     []string
}

// NewController returns a fully configured new controller on its own link
func NewController(addr string, serial bool, baud int) *Controller {
	n := NewNetwork(addr, serial, baud)
	return n.Add(1, true, false).(*Controller)
}

// ID returns the daisy chain ID of the controller
func (c *Controller) ID() int {
	return c.id
}

// Close frees the link to the controller.  Controllers sharing a daisy
// chain share the link, and close it together.
func (c *Controller) Close() error {
	return c.net.Close()
}

func (c *Controller) writeOnly(msg string) error {
	_, err := c.net.transact(c.id, msg, false)
	if err != nil {
		return err
	}
	if c.handshaking {
		return c.PopError()
	}
	return nil
}

func (c *Controller) gCodeWriteOnly(msg string, more ...string) error {
	str := strings.Join(append([]string{msg}, more...), " ")
	return c.writeOnly(str)
}

func (c *Controller) query(cmd string, args ...string) (string, error) {
	str := strings.Join(append([]string{cmd}, args...), " ")
	return c.net.transact(c.id, str, true)
}

// axisValue extracts the value for key from "key=value" lines
func axisValue(resp, key string) (string, error) {
	if len(resp) == 0 {
		return "", ErrBlankResponse
	}
	for _, line := range strings.Split(resp, "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == key || key == "" {
			return strings.TrimSpace(parts[1]), nil
		}
	}
	return "", fmt.Errorf("axis %s not found in response %q", key, resp)
}

func (c *Controller) readString(cmd, axis string) (string, error) {
	resp, err := c.query(cmd, axis)
	if err != nil {
		return "", err
	}
	return axisValue(resp, axis)
}

func (c *Controller) readBool(cmd, axis string) (bool, error) {
	s, err := c.readString(cmd, axis)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(s)
}

func (c *Controller) readFloat(cmd, axis string) (float64, error) {
	// "POS? A" -> "A=+0080.4106"
	s, err := c.readString(cmd, axis)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Identify returns the *IDN? string of the controller
func (c *Controller) Identify() (string, error) {
	return c.query("*IDN?")
}

// Axes returns the axis identifiers of the controller, cached after the first call
func (c *Controller) Axes() ([]string, error) {
	c.mu.Lock()
	if c.axes != nil {
		defer c.mu.Unlock()
		return c.axes, nil
	}
	c.mu.Unlock()
	resp, err := c.query("SAI?")
	if err != nil {
		return nil, err
	}
	var axes []string
	for _, line := range strings.Split(resp, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			axes = append(axes, line)
		}
	}
	c.mu.Lock()
	c.axes = axes
	c.mu.Unlock()
	return axes, nil
}

// Commands returns the list of commands the firmware supports, from HLP?
func (c *Controller) Commands() ([]string, error) {
	if err := c.loadCommands(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.commands))
	for k := range c.commands {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Controller) loadCommands() error {
	c.mu.Lock()
	loaded := c.commands != nil
	c.mu.Unlock()
	if loaded {
		return nil
	}
	resp, err := c.query("HLP?")
	if err != nil {
		return err
	}
	cmds := parseHelp(resp)
	c.mu.Lock()
	c.commands = cmds
	c.mu.Unlock()
	return nil
}

// parseHelp pulls the command names out of an HLP? reply,
// "MOV {<AxisID> <Position>} - Set Target Position" => "MOV"
func parseHelp(resp string) map[string]struct{} {
	cmds := map[string]struct{}{}
	for _, line := range strings.Split(resp, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if !isCommandName(name) {
			continue
		}
		cmds[name] = struct{}{}
	}
	return cmds
}

func isCommandName(s string) bool {
	if len(s) < 2 || len(s) > 5 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '?', r == '*', r == '#':
		default:
			return false
		}
	}
	return true
}

// normalizeCommand maps the pipython style qFRF to FRF?
func normalizeCommand(cmd string) string {
	if len(cmd) > 1 && cmd[0] == 'q' {
		return strings.ToUpper(cmd[1:]) + "?"
	}
	return strings.ToUpper(cmd)
}

// Has returns true if the firmware supports cmd.  Queries may be written
// as "FRF?" or "qFRF".
func (c *Controller) Has(cmd string) (bool, error) {
	if err := c.loadCommands(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.commands[normalizeCommand(cmd)]
	return ok, nil
}

// has is Has with errors treated as unsupported
func (c *Controller) has(cmd string) bool {
	ok, _ := c.Has(cmd)
	return ok
}

// MoveAbs commands the controller to move an axis to an absolute position
func (c *Controller) MoveAbs(axis string, pos float64) error {
	return c.gCodeWriteOnly("MOV", axis, formatFloat(pos))
}

// MoveRel commands the controller to move an axis by a delta
func (c *Controller) MoveRel(axis string, delta float64) error {
	return c.gCodeWriteOnly("MVR", axis, formatFloat(delta))
}

// MultiAxisMoveAbs sends a single command to the controller to move several axes
func (c *Controller) MultiAxisMoveAbs(axes []string, positions []float64) error {
	pieces, err := interleave(axes, positions)
	if err != nil {
		return err
	}
	return c.gCodeWriteOnly("MOV", pieces...)
}

func interleave(axes []string, values []float64) ([]string, error) {
	if len(axes) != len(values) {
		return nil, fmt.Errorf("got %d axes and %d values", len(axes), len(values))
	}
	pieces := make([]string, 0, 2*len(axes))
	for i := range axes {
		pieces = append(pieces, axes[i], formatFloat(values[i]))
	}
	return pieces, nil
}

// GetPos returns the current position of an axis
func (c *Controller) GetPos(axis string) (float64, error) {
	return c.readFloat("POS?", axis)
}

// Home moves an axis to its home position: GOH if the firmware has it,
// else a reference move, else an absolute move to zero
func (c *Controller) Home(axis string) error {
	switch {
	case c.has("GOH"):
		return c.gCodeWriteOnly("GOH", axis)
	case c.has("FRF"):
		return c.gCodeWriteOnly("FRF", axis)
	default:
		return c.MoveAbs(axis, 0)
	}
}

// Stop halts motion of one axis, or of the whole controller if HLT is missing
func (c *Controller) Stop(axis string) error {
	if c.has("HLT") {
		return c.ignoreStopped(c.net.transact(c.id, "HLT "+axis, false))
	}
	return c.StopAll()
}

// StopAll stops every axis of the controller.  The controller flags
// error 10 after a stop, which is consumed here.
func (c *Controller) StopAll() error {
	return c.ignoreStopped(c.net.transact(c.id, "STP", false))
}

func (c *Controller) ignoreStopped(_ string, err error) error {
	if err != nil {
		return err
	}
	err = c.PopError()
	if IsCode(err, 10) {
		return nil
	}
	return err
}

// Enable turns the servo (closed loop) on for an axis
func (c *Controller) Enable(axis string) error {
	return c.gCodeWriteOnly("SVO", axis, "1")
}

// Disable turns the servo off for an axis
func (c *Controller) Disable(axis string) error {
	return c.gCodeWriteOnly("SVO", axis, "0")
}

// GetEnabled returns true if the servo of an axis is on
func (c *Controller) GetEnabled(axis string) (bool, error) {
	return c.readBool("SVO?", axis)
}

// SetServo turns the servo on or off, only issuing SVO if the state differs
func (c *Controller) SetServo(axis string, on bool) error {
	axes, err := c.Axes()
	if err != nil {
		return err
	}
	found := false
	for _, a := range axes {
		if a == axis {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("axis %s not one of %v", axis, axes)
	}
	cur, err := c.GetEnabled(axis)
	if err != nil {
		return err
	}
	if cur == on {
		return nil
	}
	return c.gCodeWriteOnly("SVO", axis, formatBool(on))
}

// GetReferenced returns true if the axis has been referenced.  Firmware
// without FRF? reports false.
func (c *Controller) GetReferenced(axis string) (bool, error) {
	if !c.has("FRF?") {
		return false, nil
	}
	return c.readBool("FRF?", axis)
}

// SetReferencing re-runs the reference move on each axis which reports
// being referenced, turning on reference mode first if the firmware has RON
func (c *Controller) SetReferencing(axes ...string) error {
	for _, axis := range axes {
		ref, err := c.GetReferenced(axis)
		if err != nil {
			return err
		}
		if !ref {
			continue
		}
		if c.has("RON") {
			if err = c.gCodeWriteOnly("RON", axis, "1"); err != nil {
				return err
			}
		}
		if err = c.gCodeWriteOnly("FRF", axis); err != nil {
			return err
		}
	}
	return nil
}

// Initialize runs a reference move on an axis
func (c *Controller) Initialize(axis string) error {
	return c.gCodeWriteOnly("FRF", axis)
}

// GetInPosition returns true if the axis is on target
func (c *Controller) GetInPosition(axis string) (bool, error) {
	return c.readBool("ONT?", axis)
}

// SetVelocity sets the velocity setpoint on the axis
func (c *Controller) SetVelocity(axis string, v float64) error {
	return c.gCodeWriteOnly("VEL", axis, formatFloat(v))
}

// GetVelocity gets the velocity setpoint on the axis
func (c *Controller) GetVelocity(axis string) (float64, error) {
	return c.readFloat("VEL?", axis)
}

// Limits returns the travel range of an axis.  A bound the firmware cannot
// report is NaN.
func (c *Controller) Limits(axis string) (float64, float64, error) {
	min, max := math.NaN(), math.NaN()
	var err error
	if c.has("TMN?") {
		min, err = c.readFloat("TMN?", axis)
		if err != nil {
			return min, max, err
		}
	}
	if c.has("TMX?") {
		max, err = c.readFloat("TMX?", axis)
	}
	return min, max, err
}

// Units returns the physical unit of an axis, or def if the controller
// cannot report one or reports something that is not a length or angle
func (c *Controller) Units(axis, def string) string {
	if !c.has("SPA?") {
		return def
	}
	resp, err := c.query("SPA?", axis, "0x"+strconv.FormatInt(paramUnit, 16))
	if err != nil {
		return def
	}
	u, err := axisValue(resp, "")
	if err != nil {
		return def
	}
	return NormalizeUnit(u, def)
}

// UseJoystick attaches (or detaches) a joystick axis to every controller axis
func (c *Controller) UseJoystick(on bool) error {
	axes, err := c.Axes()
	if err != nil {
		return err
	}
	for i, axis := range axes {
		idx := strconv.Itoa(i + 1)
		if on {
			if err = c.gCodeWriteOnly("JAX", "1", idx, axis); err != nil {
				return err
			}
		}
		if err = c.gCodeWriteOnly("JON", idx, formatBool(on)); err != nil {
			return err
		}
	}
	return nil
}

// OpenLoopStep moves a PIShift channel by a number of steps, open loop
func (c *Controller) OpenLoopStep(channel int, steps float64) error {
	if !c.has("OSM") {
		return ErrUnsupported{"OSM"}
	}
	return c.gCodeWriteOnly("OSM", strconv.Itoa(channel), formatFloat(steps))
}

// SelectDemuxAxis routes the single PIShift channel of an E-870 to an axis
func (c *Controller) SelectDemuxAxis(axis string) error {
	if !c.has("OSM") {
		return ErrUnsupported{"OSM"}
	}
	return c.gCodeWriteOnly("MOD", "1", "2", axis)
}

// SetVoltage sets the voltage on an axis
func (c *Controller) SetVoltage(axis string, volts float64) error {
	return c.gCodeWriteOnly("SVA", axis, formatFloat(volts))
}

// GetVoltage returns the voltage on an axis
func (c *Controller) GetVoltage(axis string) (float64, error) {
	return c.readFloat("SVA?", axis)
}

// MultiAxisSetVoltage sets the voltage for multiple axes
func (c *Controller) MultiAxisSetVoltage(axes []string, voltages []float64) error {
	pieces, err := interleave(axes, voltages)
	if err != nil {
		return err
	}
	return c.gCodeWriteOnly("SVA", pieces...)
}

// SetVoltageSafe sets the voltage, but first does a query and enforces that
// |c.DV| is not exceeded.  If it is, the output is clamped and no error generated
func (c *Controller) SetVoltageSafe(axis string, voltage float64) error {
	v, err := c.GetVoltage(axis)
	if err != nil {
		return err
	}
	if c.DV != nil {
		dV := *c.DV
		voltage = math.Max(v-dV, math.Min(voltage, v+dV))
	}
	return c.SetVoltage(axis, voltage)
}

// PopError returns the last error from the controller
func (c *Controller) PopError() error {
	resp, err := c.query("ERR?")
	if err != nil {
		return err
	}
	return parseErrorCode(resp)
}

// Raw sends a command and returns the reply, for commands ending in ? or
// starting with * or #.  Anything else, and the #24 stop, is sent write-only.
func (c *Controller) Raw(s string) (string, error) {
	s = strings.TrimSpace(s)
	first := strings.Fields(s)
	if len(first) == 0 {
		return "", ErrBlankResponse
	}
	cmd := first[0]
	query := strings.HasSuffix(cmd, "?") || strings.HasPrefix(cmd, "*") ||
		(strings.HasPrefix(cmd, "#") && cmd != "#24")
	if query {
		return c.query(s)
	}
	return "", c.writeOnly(s)
}

// ErrUnsupported is generated when the firmware lacks a command
type ErrUnsupported struct {
	Cmd string
}

func (e ErrUnsupported) Error() string {
	return fmt.Sprintf("controller does not support %s", e.Cmd)
}
