package mmc

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/pimotion/comm"
)

const (
	simVelocity  = 500000. // counts per second
	simReference = 12345   // counts from power-on zero to the reference edge
)

type simAxis struct {
	start, target int
	t0            time.Time
}

func (a simAxis) pos(t time.Time) int {
	dist := a.target - a.start
	travelled := int(simVelocity * t.Sub(a.t0).Seconds())
	if dist >= 0 {
		if travelled >= dist {
			return a.target
		}
		return a.start + travelled
	}
	if travelled >= -dist {
		return a.target
	}
	return a.start - travelled
}

// simulator answers the Mercury command set for a set of device numbers
type simulator struct {
	mu   sync.Mutex
	axes map[int]*simAxis
}

func (s *simulator) move(dev, target int) {
	now := time.Now()
	a := s.axes[dev]
	a.start, a.target, a.t0 = a.pos(now), target, now
}

// exec runs one command and returns the reply, "" for commands with none
func (s *simulator) exec(dev int, cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.axes[dev]
	if !ok {
		return ""
	}
	now := time.Now()
	op, arg := cmd, ""
	if len(cmd) > 2 {
		op, arg = cmd[:2], cmd[2:]
	}
	n, _ := strconv.Atoi(arg)
	switch strings.ToUpper(op) {
	case "VE":
		return fmt.Sprintf("MOCK C-863 Mercury device %d", dev)
	case "TP":
		return fmt.Sprintf("P:%+011d", a.pos(now))
	case "TT":
		return fmt.Sprintf("T:%+011d", a.target)
	case "MA":
		s.move(dev, n)
	case "MR":
		s.move(dev, a.target+n)
	case "FE":
		s.move(dev, simReference)
	case "DH":
		p := a.pos(now)
		a.start, a.target = a.start-p, a.target-p
	case "AB":
		p := a.pos(now)
		a.start, a.target, a.t0 = p, p, now
	}
	return ""
}

func (s *simulator) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\r")
		if len(line) < 2 || line[0] != 0x01 {
			continue
		}
		addr, err := strconv.ParseInt(line[1:2], 16, 64)
		if err != nil {
			continue
		}
		reply := s.exec(int(addr)+1, line[2:])
		if reply == "" {
			continue
		}
		if _, err = io.WriteString(conn, reply+"\r\n\x03"); err != nil {
			return
		}
	}
}

// NewMock returns a controller connected to an in-memory Mercury network
// with the given device numbers, 1, 2 and 3 if none are given.  The
// simulated stages move at a finite speed and have their reference edge
// a short distance from power-on zero.
func NewMock(stage string, devices ...int) (*Controller, error) {
	if len(devices) == 0 {
		devices = []int{1, 2, 3}
	}
	s, err := LookupStage(stage)
	if err != nil {
		return nil, err
	}
	sim := &simulator{axes: map[int]*simAxis{}}
	for _, dev := range devices {
		if err = checkDev(dev); err != nil {
			return nil, err
		}
		sim.axes[dev] = &simAxis{t0: time.Now()}
	}
	client, server := net.Pipe()
	go sim.serve(server)

	terms := &comm.Terminators{Rx: etx, Tx: '\r'}
	rd := comm.NewRemoteDevice("mock", false, terms, nil)
	rd.Conn = client
	return &Controller{RemoteDevice: rd, stageName: stage, stage: s}, nil
}
