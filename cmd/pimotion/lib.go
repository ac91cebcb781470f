package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/pimotion/actuator"
	"github.com/nasa-jpl/pimotion/generichttp"
	"github.com/nasa-jpl/pimotion/generichttp/ascii"
	"github.com/nasa-jpl/pimotion/generichttp/motion"
	"github.com/nasa-jpl/pimotion/mmc"
	"github.com/nasa-jpl/pimotion/pi"
	"github.com/nasa-jpl/pimotion/server/middleware/locker"
	"github.com/nasa-jpl/pimotion/util"
)

// Daisy holds a controller ID, endpoint, and limits
type Daisy struct {
	ControllerID int                     `yaml:"ControllerID"`
	Endpoint     string                  `yaml:"Endpoint"`
	Limits       map[string]util.Limiter `yaml:"Limits"`
}

// ObjSetup describes one node of the server
type ObjSetup struct {
	// Addr holds the network or filesystem address of the controller,
	// e.g. 192.168.100.123:50000 for a controller on ethernet,
	// or /dev/ttyUSB0 for one on a serial or USB cable
	Addr string `yaml:"Addr"`

	// Endpoint is the path the routes of this node are served under,
	// "stages/x" produces /stages/x/axis/{axis}/pos, etc.
	Endpoint string `yaml:"Endpoint"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial"`

	// Baud overrides the default baud rate of serial links
	Baud int `yaml:"Baud"`

	// Type is the kind of node, see help
	Type string `yaml:"Type"`

	// Devices is the highest device number scanned on a Mercury network
	Devices int `yaml:"Devices"`

	// Stage is the stage calibration of a Mercury network
	Stage string `yaml:"Stage"`

	// Limits are software limits per axis, for controller nodes
	Limits map[string]util.Limiter `yaml:"Limits"`

	DaisyChain []Daisy `yaml:"DaisyChain"`

	// Actuator configures actuator nodes
	Actuator actuator.Settings `yaml:"Actuator"`

	// Master is the endpoint of the Master of a Slave actuator node
	Master string `yaml:"Master"`
}

// Config is the configuration of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock replaces every controller with a simulation
	Mock bool `yaml:"Mock"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `yaml:"Nodes"`
}

// node is a built node, ready to be mounted
type node struct {
	httper     generichttp.HTTPer
	middleware []func(http.Handler) http.Handler
	lock       locker.ManipulableLock
}

// Server is the root mux and the links it owns
type Server struct {
	chi.Router

	closers []io.Closer
}

// Close frees every link the server opened
func (s *Server) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func limited(m motion.Mover, h generichttp.HTTPer, limits map[string]util.Limiter) node {
	l := motion.LimitMiddleware{Limits: limits, Mov: m}
	l.Inject(h)
	return node{httper: h, middleware: []func(http.Handler) http.Handler{l.Check}, lock: locker.NewAL()}
}

// BuildMux constructs the root router from the config.  Every node is
// mounted at its endpoint, behind a lock, and /endpoints lists the routes
// of every node.
func BuildMux(c Config) (*Server, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	srv := &Server{Router: root}
	supergraph := map[string][]string{}
	actuators := map[string]actuator.Actuator{}

	mount := func(endpoint string, n node) error {
		// "omc/nkt" => "/omc/nkt"
		hndlS := generichttp.SubMuxSanitize(endpoint)
		if _, exists := supergraph[hndlS]; exists {
			return fmt.Errorf("endpoint %s used more than once", hndlS)
		}
		locker.Inject(n.httper, n.lock)
		supergraph[hndlS] = n.httper.RT().Endpoints()
		r := chi.NewRouter()
		r.Use(n.middleware...)
		r.Use(n.lock.Check)
		n.httper.RT().Bind(r)
		root.Mount(hndlS, r)
		return nil
	}

	for _, cfg := range c.Nodes {
		typ := strings.ToLower(cfg.Type)
		switch typ {
		case "pi", "gcs2":
			network := pi.NewNetwork(cfg.Addr, cfg.Serial, cfg.Baud)
			srv.closers = append(srv.closers, network)
			ctl := network.Add(1, true, c.Mock) // true => handshaking//error checking
			h := motion.NewHTTPMotionController(ctl)
			ascii.InjectRawComm(h.RT(), ctl)
			if err := mount(cfg.Endpoint, limited(ctl, h, cfg.Limits)); err != nil {
				srv.Close()
				return nil, err
			}

		case "pi-daisy-chain":
			// a single link is shared by every controller on the chain
			network := pi.NewNetwork(cfg.Addr, cfg.Serial, cfg.Baud)
			network.SetDaisy(true)
			srv.closers = append(srv.closers, network)
			for _, daisy := range cfg.DaisyChain {
				ctl := network.Add(daisy.ControllerID, true, c.Mock)
				h := motion.NewHTTPMotionController(ctl)
				ascii.InjectRawComm(h.RT(), ctl)
				if err := mount(daisy.Endpoint, limited(ctl, h, daisy.Limits)); err != nil {
					srv.Close()
					return nil, err
				}
			}

		case "mercury", "mmc":
			var (
				ctl *mmc.Controller
				err error
			)
			stage := cfg.Stage
			if stage == "" {
				stage = actuator.DefaultStage
			}
			if c.Mock {
				ctl, err = mmc.NewMock(stage)
			} else {
				ctl, err = mmc.NewController(cfg.Addr, cfg.Serial, stage, cfg.Baud)
			}
			if err != nil {
				srv.Close()
				return nil, err
			}
			srv.closers = append(srv.closers, ctl)
			devices := cfg.Devices
			if devices == 0 {
				devices = 3
			}
			if _, err = ctl.InitNetwork(devices); err != nil {
				srv.Close()
				return nil, err
			}
			h := motion.NewHTTPMotionController(ctl)
			ascii.InjectRawComm(h.RT(), ctl)
			if err := mount(cfg.Endpoint, limited(ctl, h, cfg.Limits)); err != nil {
				srv.Close()
				return nil, err
			}

		case "pi-actuator", "pi-legacy", "pi-e870", "pi-mmc":
			s := cfg.Actuator
			s.Mock = s.Mock || c.Mock
			if s.Device == "" {
				s.Device = cfg.Addr
			}
			var a actuator.Actuator
			switch typ {
			case "pi-actuator":
				a = actuator.NewPI(s)
			case "pi-legacy":
				a = actuator.NewPILegacy(s)
			case "pi-e870":
				a = actuator.NewE870(s)
			case "pi-mmc":
				a = actuator.NewMMC(s)
			}
			var shared actuator.Handle
			if s.MultiStatus == actuator.Slave {
				master, ok := actuators[generichttp.SubMuxSanitize(cfg.Master)]
				if !ok {
					srv.Close()
					return nil, fmt.Errorf("node %s: master %q must be configured before its slaves", cfg.Endpoint, cfg.Master)
				}
				shared = master.Handle()
			}
			info, err := a.Initialize(shared)
			if err != nil {
				srv.Close()
				return nil, fmt.Errorf("node %s: %w", cfg.Endpoint, err)
			}
			log.Println(cfg.Endpoint, info)
			srv.closers = append(srv.closers, a)
			actuators[generichttp.SubMuxSanitize(cfg.Endpoint)] = a
			h := actuator.NewHTTPWrapper(a, info)
			if err := mount(cfg.Endpoint, node{httper: h, lock: locker.New()}); err != nil {
				srv.Close()
				return nil, err
			}

		default:
			srv.Close()
			return nil, fmt.Errorf("type %s not understood", typ)
		}
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return srv, nil
}
