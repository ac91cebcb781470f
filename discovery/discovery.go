/*Package discovery enumerates PI controllers attached over RS-232, USB or
TCP/IP.

USB controllers enumerate as virtual serial ports; they are found both by
libusb (vendor ID 0x1a72) and by the operating system's list of serial
ports, and the two are joined on the serial number.  Network controllers
answer a UDP broadcast of "PI" on port 50000 and accept GCS2 connections on
TCP port 50000.
*/
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"
	"golang.org/x/sync/errgroup"
)

const (
	// PIVendorID is the USB vendor ID of Physik Instrumente
	PIVendorID = 0x1a72

	// GCS2Port is the TCP port PI controllers listen on, and the UDP port
	// they answer discovery broadcasts on
	GCS2Port = 50000
)

var (
	// BroadcastAddr is where TCPDevices sends its discovery datagram
	BroadcastAddr = fmt.Sprintf("255.255.255.255:%d", GCS2Port)

	// DiscoveryMessage is the payload of the discovery datagram
	DiscoveryMessage = []byte("PI")
)

// ConnectionType is the kind of link to a controller
type ConnectionType int

const (
	// RS232 is a plain serial port
	RS232 ConnectionType = iota

	// USB is a USB virtual serial port
	USB

	// TCPIP is an ethernet connection
	TCPIP
)

func (c ConnectionType) String() string {
	switch c {
	case RS232:
		return "RS232"
	case USB:
		return "USB"
	case TCPIP:
		return "TCP/IP"
	default:
		return fmt.Sprintf("ConnectionType(%d)", int(c))
	}
}

// IsSerial returns true if the link is a serial port
func (c ConnectionType) IsSerial() bool {
	return c != TCPIP
}

// ParseConnectionType converts "RS232", "USB" or "TCP/IP" to a ConnectionType.
// Case is ignored, "serial", "tcp" and "tcpip" are also accepted.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rs232", "rs-232", "serial":
		return RS232, nil
	case "usb":
		return USB, nil
	case "tcp/ip", "tcpip", "tcp", "ethernet":
		return TCPIP, nil
	}
	return RS232, fmt.Errorf("unknown connection type %q, must be RS232, USB or TCP/IP", s)
}

// Device is a controller found by one of the enumerators
type Device struct {
	// Name is a human readable description, e.g. "PI E-727 Controller SN 0115029397"
	Name string `json:"name"`

	// Connection is how the controller is attached
	Connection ConnectionType `json:"-"`

	// Addr is a serial port name or a host:port
	Addr string `json:"addr"`

	// Serial is the serial number, if known
	Serial string `json:"serial"`
}

// MarshalJSON encodes the connection type by name
func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name       string `json:"name"`
		Connection string `json:"connection"`
		Addr       string `json:"addr"`
		Serial     string `json:"serial"`
	}{d.Name, d.Connection.String(), d.Addr, d.Serial})
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s %s)", d.Name, d.Connection, d.Addr)
}

// SerialPorts lists the serial ports of the machine.  Ports belonging to a
// PI USB controller are reported as USB.
func SerialPorts() ([]Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(ports))
	for _, p := range ports {
		d := Device{Name: p.Name, Connection: RS232, Addr: p.Name, Serial: p.SerialNumber}
		if p.IsUSB && strings.EqualFold(p.VID, fmt.Sprintf("%04x", PIVendorID)) {
			d.Connection = USB
			if p.Product != "" {
				d.Name = p.Product
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// USBDevices lists the PI controllers on the USB bus and resolves each to
// its serial port, when the operating system exposes one with the same
// serial number
func USBDevices() (devs []Device, err error) {
	defer func() {
		// libusb missing or failing to initialize
		if r := recover(); r != nil {
			err = fmt.Errorf("usb enumeration unavailable: %v", r)
		}
	}()
	ctx := gousb.NewContext()
	defer ctx.Close()
	usb, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(PIVendorID)
	})
	defer func() {
		for _, u := range usb {
			u.Close()
		}
	}()
	if err != nil && len(usb) == 0 {
		return nil, err
	}

	ports, perr := SerialPorts()
	if perr != nil {
		log.Println("serial port enumeration failed, USB devices will lack a port", perr)
	}
	for _, u := range usb {
		product, _ := u.Product()
		sn, _ := u.SerialNumber()
		if product == "" {
			product = fmt.Sprintf("PI USB device %s", u.Desc.Product)
		}
		d := Device{Name: fmt.Sprintf("%s SN %s", product, sn), Connection: USB, Serial: sn}
		for _, p := range ports {
			if sn != "" && p.Serial == sn {
				d.Addr = p.Addr
				break
			}
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// TCPDevices broadcasts a discovery datagram and collects the replies that
// arrive before timeout elapses or ctx is done
func TCPDevices(ctx context.Context, timeout time.Duration) ([]Device, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	dst, err := net.ResolveUDPAddr("udp4", BroadcastAddr)
	if err != nil {
		return nil, err
	}
	if _, err = conn.WriteTo(DiscoveryMessage, dst); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	var out []Device
	seen := map[string]bool{}
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return out, err
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr := net.JoinHostPort(udp.IP.String(), fmt.Sprint(GCS2Port))
		if seen[addr] {
			continue
		}
		seen[addr] = true
		name := strings.TrimSpace(string(buf[:n]))
		out = append(out, Device{Name: name, Connection: TCPIP, Addr: addr, Serial: serialFromIDN(name)})
	}
	return out, ctx.Err()
}

// serialFromIDN pulls the serial number out of an *IDN? style description,
// "(c)2015 Physik Instrumente (PI) GmbH & Co. KG, E-727, 0115029397, 1.2.3" => "0115029397"
func serialFromIDN(idn string) string {
	parts := strings.Split(idn, ",")
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSpace(parts[2])
}

// Scan runs every enumerator concurrently and returns the union of their
// results, USB devices first.  An enumerator that fails is logged and skipped.
func Scan(ctx context.Context, tcpTimeout time.Duration) ([]Device, error) {
	var (
		mu                 sync.Mutex
		serial, usb, tcpip []Device
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		devs, err := SerialPorts()
		if err != nil {
			log.Println("serial port enumeration failed", err)
			return nil
		}
		mu.Lock()
		serial = devs
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		devs, err := USBDevices()
		if err != nil {
			log.Println("USB enumeration failed", err)
			return nil
		}
		mu.Lock()
		usb = devs
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		devs, err := TCPDevices(ctx, tcpTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Println("TCP/IP discovery failed", err)
		}
		mu.Lock()
		tcpip = devs
		mu.Unlock()
		return nil
	})
	err := g.Wait()
	return Merge(usb, serial, tcpip), err
}

// Merge joins device lists, dropping serial ports which duplicate an
// earlier entry with the same address
func Merge(lists ...[]Device) []Device {
	var out []Device
	seen := map[string]bool{}
	for _, l := range lists {
		for _, d := range l {
			key := d.Connection.String() + d.Addr
			if d.Connection != TCPIP {
				key = d.Addr
			}
			if d.Addr != "" && seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, d)
		}
	}
	return out
}

// Find returns the device whose name, address or serial number matches
// name.  Exact matches win over substring matches of the name.
func Find(devices []Device, name string) (Device, error) {
	for _, d := range devices {
		if d.Name == name || d.Addr == name || (d.Serial != "" && d.Serial == name) {
			return d, nil
		}
	}
	var candidates []Device
	for _, d := range devices {
		if strings.Contains(d.Name, name) {
			candidates = append(candidates, d)
		}
	}
	switch len(candidates) {
	case 0:
		return Device{}, fmt.Errorf("no device matching %q", name)
	case 1:
		return candidates[0], nil
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	sort.Strings(names)
	return Device{}, fmt.Errorf("%q is ambiguous, matches %s", name, strings.Join(names, ", "))
}
