package main

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/observatory-tools/goacq/camera"
	"github.com/observatory-tools/goacq/cmdsrv"
	"github.com/observatory-tools/goacq/datalink"
	"github.com/observatory-tools/goacq/exposure"
	"github.com/observatory-tools/goacq/focalplane"
	"github.com/observatory-tools/goacq/imgrec"
	"github.com/observatory-tools/goacq/monitor"
)

// CtlSetup selects and addresses the camera controller
type CtlSetup struct {
	// Type is the controller variant: "arc", "archon" or "sim"
	Type string `yaml:"Type"`

	// Addr is the controller's command port
	Addr string `yaml:"Addr"`

	// DataAddr is the controller's binary data port, for controllers
	// that use a separate one
	DataAddr string `yaml:"DataAddr"`
}

// FocalPlaneSetup describes the sensor and its amplifier grid
type FocalPlaneSetup struct {
	VisCols  int `yaml:"VisCols"`
	VisRows  int `yaml:"VisRows"`
	NumAmpsX int `yaml:"NumAmpsX"`
	NumAmpsY int `yaml:"NumAmpsY"`

	// Flips names each amplifier's readout orientation in row-major
	// order: none, flip-x, flip-y, flip-xy
	Flips []string `yaml:"Flips"`

	// DataOrder permutes raw channels into amplifier slots; empty is
	// identity
	DataOrder []int `yaml:"DataOrder"`
}

// RecorderSetup configures where images land on disk
type RecorderSetup struct {
	Root    string `yaml:"Root"`
	Prefix  string `yaml:"Prefix"`
	Enabled bool   `yaml:"Enabled"`
}

// ArchiveSetup configures forwarding of written images; an empty Addr
// disables forwarding
type ArchiveSetup struct {
	Addr string `yaml:"Addr"`

	// Async returns control to the client before the transfer completes
	Async bool `yaml:"Async"`
}

// MonitorSetup configures registration with a process monitor; an empty
// Host disables it
type MonitorSetup struct {
	Host string `yaml:"Host"`

	// WatchdogSec is the keepalive interval promised to the monitor
	WatchdogSec int `yaml:"WatchdogSec"`
}

// Config holds the initialization parameters for the server.  It is to be
// populated by a yaml unmarshal call.
type Config struct {
	// Addr is the address to listen for commands at
	Addr string `yaml:"Addr"`

	// SystemName identifies this instrument in logs and to the monitor
	SystemName string `yaml:"SystemName"`

	Controller CtlSetup        `yaml:"Controller"`
	FocalPlane FocalPlaneSetup `yaml:"FocalPlane"`
	Recorder   RecorderSetup   `yaml:"Recorder"`
	Archive    ArchiveSetup    `yaml:"Archive"`
	Monitor    MonitorSetup    `yaml:"Monitor"`
}

// DefaultConfig runs the simulator with a single-amplifier 1k sensor.
func DefaultConfig() Config {
	return Config{
		Addr:       ":2402",
		SystemName: "goacq",
		Controller: CtlSetup{Type: "sim"},
		FocalPlane: FocalPlaneSetup{
			VisCols:  1024,
			VisRows:  1024,
			NumAmpsX: 1,
			NumAmpsY: 1,
			Flips:    []string{"none"},
		},
		Recorder: RecorderSetup{Root: "images", Prefix: "image.", Enabled: true},
	}
}

var flipNames = map[string]focalplane.FlipCode{
	"none":    focalplane.FlipNone,
	"flip-x":  focalplane.FlipX,
	"flip-y":  focalplane.FlipY,
	"flip-xy": focalplane.FlipXY,
}

func parseFlips(names []string) ([]focalplane.FlipCode, error) {
	out := make([]focalplane.FlipCode, len(names))
	for i, n := range names {
		code, ok := flipNames[strings.ToLower(n)]
		if !ok {
			return nil, fmt.Errorf("flip %q not understood, want none, flip-x, flip-y or flip-xy", n)
		}
		out[i] = code
	}
	return out, nil
}

// BuildServer wires the configured controller, focal plane, recorder and
// archive into an exposure controller and returns a command server
// exposing them.
func BuildServer(c Config) (*cmdsrv.Server, error) {
	flips, err := parseFlips(c.FocalPlane.Flips)
	if err != nil {
		return nil, err
	}
	geom, err := focalplane.NewGeometry(c.FocalPlane.VisCols, c.FocalPlane.VisRows,
		c.FocalPlane.NumAmpsX, c.FocalPlane.NumAmpsY, flips)
	if err != nil {
		return nil, err
	}

	rec := imgrec.NewRecorder(c.Recorder.Root, c.Recorder.Prefix)
	rec.Enabled = c.Recorder.Enabled

	var exp *exposure.Controller
	typ := strings.ToLower(c.Controller.Type)
	switch typ {
	case "sim":
		sim, err := camera.NewSim(camera.RampFrame(geom.NumPixImage(), geom.NumAmpsImage()))
		if err != nil {
			return nil, err
		}
		exp = exposure.New(sim, geom, rec)
		exp.AttachPuller(datalink.NewPuller(sim.DataAddr()))

	case "arc":
		arc := camera.NewARC(c.Controller.Addr, c.Controller.DataAddr)
		arc.SetImagePixels(geom.NumPixImage())
		exp = exposure.New(arc, geom, rec)
		exp.AttachPuller(datalink.NewPuller(arc.DataAddr()))

	case "archon":
		arch := camera.NewArchon(c.Controller.Addr)
		exp = exposure.New(arch, geom, rec)
		exp.AttachBulkFetcher(datalink.NewBulkFetcher(arch.DataAddr(), arch.FetchCommand))

	default:
		return nil, fmt.Errorf("controller type %q not understood", c.Controller.Type)
	}

	if c.Archive.Addr != "" {
		exp.Sender = imgrec.NewSender(c.Archive.Addr)
		exp.WriteAsync = c.Archive.Async
	}
	if len(c.FocalPlane.DataOrder) > 0 {
		if err := exp.SetDataOrder(c.FocalPlane.DataOrder); err != nil {
			return nil, err
		}
	}

	reg := cmdsrv.NewRegistry()
	reg.DefaultTool = "exposure"
	reg.Register("exposure", exposureTool(exp))
	reg.Register("controller", controllerTool(exp))
	reg.Register("recorder", recorderTool(rec))

	srv := cmdsrv.NewServer(reg)
	srv.WelcomeMessage = fmt.Sprintf("%s acquisition server", c.SystemName)
	if c.Monitor.Host != "" {
		mon := monitor.New(c.Monitor.Host, c.SystemName, listenPort(c.Addr))
		mon.Watchdog = time.Duration(c.Monitor.WatchdogSec) * time.Second
		srv.Monitor = mon
		if err := mon.Register(); err != nil {
			log.Printf("monitor registration failed: %v", err)
		}
	}
	return srv, nil
}

// listenPort extracts the numeric port from a listen address
func listenPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
