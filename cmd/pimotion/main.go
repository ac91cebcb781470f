package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/pimotion/actuator"
	"github.com/nasa-jpl/pimotion/discovery"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "pimotion.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr: ":8000",
		Nodes: []ObjSetup{{
			Addr:     "/dev/ttyUSB0",
			Endpoint: "stage",
			Type:     "pi-actuator",
			Actuator: actuator.DefaultSettings()}}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `pimotion drives Physik Instrumente (PI) motion controllers and exposes an
HTTP interface to them.

Usage:
	pimotion <command>

Commands:
	run
	discover
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `pimotion is configured by its .yml file, see mkconf for an example.
For a primer on YAML, see https://yaml.org/start.html

No two nodes can have the same Endpoint.  Endpoints may look like any variation
of "stages/x" or "/stages/x/*", the leading slash is added and the trailing
slash and * are removed by the server.

Setting Mock: true at the top level replaces every controller with a simulation.

Node types, case insensitive:
- controllers, routes under /axis/{axis}/ for every axis:
	> "pi", "gcs2"        a GCS2 controller on one link
	> "pi-daisy-chain"    GCS2 controllers sharing one link, see DaisyChain
	> "mercury", "mmc"    a network of legacy Mercury controllers, the axes
	                      are the device numbers 1..Devices
- actuators, routes under /actuator/ for one axis, see Actuator:
	> "pi-actuator"       a GCS2 controller
	> "pi-legacy"         a GCS2 controller of older firmware
	> "pi-e870"           an E-870 PIShift controller, open loop
	> "pi-mmc"            a legacy Mercury controller

An actuator with MultiStatus: Slave shares the link of the actuator whose
endpoint is its Master; the Master must come first in the file.

discover lists the controllers attached over USB, RS-232 and TCP/IP; their
names and addresses may be used as the Device of an actuator.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("pimotion version %v\n", Version)
}

func discover() {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " searching for controllers",
		StopCharacter:   "✓",
		StopMessage:     "done",
		StopFailMessage: "failed",
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	devs, err := discovery.Scan(ctx, 2*time.Second)
	if err != nil {
		spinner.StopFail()
		log.Fatal(err)
	}
	spinner.Stop()
	if len(devs) == 0 {
		fmt.Println("no controllers found")
		return
	}
	for _, d := range devs {
		fmt.Printf("%-8s %-24s %s\n", d.Connection, d.Addr, d.Name)
	}
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	srv, err := BuildMux(c)
	if err != nil {
		log.Fatal(err)
	}
	defer srv.Close()
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, srv))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "discover":
		discover()
	case "run":
		run()
	default:
		log.Fatal("unknown command")
	}
}
