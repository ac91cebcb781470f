/*Package comm provides interfaces and embeddable types for communication with
motion controllers over TCP or RS-232.

Most usages of this package will boil down to:
	1.  embed *RemoteDevice in a type that represents your controller.
	2.  pass the right Terminators and serial.Config to NewRemoteDevice.
	3.  write any methods you see fit on top of Send, Recv and SendRecv.

A minimal example for a controller which responds to "TP" with its position:

	type Stage struct {
		*comm.RemoteDevice
	}

	func (s *Stage) Pos() (float64, error) {
		resp, err := s.OpenSendRecvClose([]byte("TP"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when IsSerial is true and no serial config was given
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the receipt and transmission termination bytes
type Terminators struct {
	Rx byte
	Tx byte
}

// DefaultTerminators are carriage returns both ways
var DefaultTerminators = Terminators{Rx: '\r', Tx: '\r'}

/*RemoteDevice has an address and can Open, Send, Recv and Close.

The mutex is not taken by Send, Recv or SendRecv; callers which interleave
commands from several goroutines must Lock around a transaction.
OpenSendRecvClose does this for you.
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is a host:port for TCP or a device path (COM3, /dev/ttyUSB0) for serial
	Addr string

	// IsSerial selects serial.OpenPort over a TCP dial
	IsSerial bool

	// Conn is the live connection, nil when closed
	Conn io.ReadWriteCloser

	// Timeout bounds the connect and each read/write on TCP
	Timeout time.Duration

	// IdleTimeout is how long CloseEventually waits before closing
	IdleTimeout time.Duration

	terms  Terminators
	serCfg *serial.Config
	reader *bufio.Reader
	idle   *time.Timer
	idleMu sync.Mutex
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms may be nil,
// in which case DefaultTerminators are used.  serCfg is only used if serial is true.
func NewRemoteDevice(addr string, serial bool, terms *Terminators, serCfg *serial.Config) *RemoteDevice {
	t := DefaultTerminators
	if terms != nil {
		t = *terms
	}
	return &RemoteDevice{
		Addr:        addr,
		IsSerial:    serial,
		Timeout:     3 * time.Second,
		IdleTimeout: 30 * time.Second,
		terms:       t,
		serCfg:      serCfg}
}

// SerialConf returns the serial config, which may be nil
func (rd *RemoteDevice) SerialConf() *serial.Config {
	return rd.serCfg
}

// Open the connection, setting the Conn variable.  Open is a no-op if the
// connection is already open.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// exponential backoff; port servers do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") || errors.Is(err, ErrNoSerialConf) {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	conn, err := Maker(rd.Addr, rd.IsSerial, rd.serCfg, rd.Timeout)()
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

// CloseEventually closes the connection after IdleTimeout has elapsed with
// no other call to CloseEventually.  Each call resets the countdown.
func (rd *RemoteDevice) CloseEventually() {
	rd.idleMu.Lock()
	defer rd.idleMu.Unlock()
	if rd.idle != nil {
		rd.idle.Stop()
	}
	rd.idle = time.AfterFunc(rd.IdleTimeout, func() {
		rd.Lock()
		defer rd.Unlock()
		rd.Close()
	})
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	return rd.terms.Tx
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	return rd.terms.Rx
}

// Send writes data to the remote after appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	SetDeadline(rd.Conn, rd.Timeout)
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.TxTerminator())
	_, err := rd.Conn.Write(buf)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	if rd.reader == nil {
		rd.reader = bufio.NewReader(rd.Conn)
	}
	SetDeadline(rd.Conn, rd.Timeout)
	term := rd.RxTerminator()
	buf, err := rd.reader.ReadBytes(term)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return []byte{}, err
	}
	return bytes.TrimSuffix(buf, []byte{term}), nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if rd.Conn == nil {
		return []byte{}, ErrNotConnected
	}
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// OpenSendRecvClose opens the connection if needed, performs a locked
// SendRecv, and schedules the connection to be closed once idle
func (rd *RemoteDevice) OpenSendRecvClose(b []byte) ([]byte, error) {
	rd.Lock()
	defer func() {
		rd.Unlock()
		rd.CloseEventually()
	}()
	err := rd.Open()
	if err != nil {
		return []byte{}, err
	}
	resp, err := rd.SendRecv(b)
	if err != nil {
		// a broken link will not heal on its own
		rd.Close()
	}
	return resp, err
}

// OpenSendClose is OpenSendRecvClose for commands with no reply
func (rd *RemoteDevice) OpenSendClose(b []byte) error {
	rd.Lock()
	defer func() {
		rd.Unlock()
		rd.CloseEventually()
	}()
	err := rd.Open()
	if err != nil {
		return err
	}
	err = rd.Send(b)
	if err != nil {
		rd.Close()
	}
	return err
}

// Maker returns a CreationFunc which dials addr over TCP, or opens it as a
// serial port if isSerial is true
func Maker(addr string, isSerial bool, cfg *serial.Config, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		if isSerial {
			if cfg == nil {
				return nil, ErrNoSerialConf
			}
			return serial.OpenPort(cfg)
		}
		return TCPSetup(addr, timeout)
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// SetDeadline pushes the read and write deadline of rw out by timeout,
// if rw is a net.Conn.  Serial ports carry their timeout in their config.
func SetDeadline(rw io.ReadWriter, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	if conn, ok := rw.(net.Conn); ok {
		conn.SetDeadline(time.Now().Add(timeout))
	}
}
