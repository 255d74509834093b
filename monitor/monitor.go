/*Package monitor registers the acquisition server with a process monitor
over UDP.

The monitor listens on a well known UDP port for single-datagram register
requests of the form

	1 <pid> <mode> <command-port> <host> <path> <flags> <watchdog>

where the leading 1 is the register command code and watchdog is the
keepalive interval in seconds the process promises to honor.  A process
that promised a watchdog interval re-registers on that cadence so the
monitor can flag it when the pings stop.
*/
package monitor

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/observatory-tools/goacq/errkind"
)

// DefaultRegisterPort is the UDP port the monitor listens on
const DefaultRegisterPort = 2400

// Interface sends register datagrams to a process monitor.  It satisfies
// the command server's Monitor interface.
type Interface struct {
	// Host is the machine the monitor runs on
	Host string

	// RegisterPort is the monitor's UDP registration port
	RegisterPort int

	// SystemName identifies this process to the monitor
	SystemName string

	// Mode is the server mode string reported on registration
	Mode string

	// CommandPort is the TCP port our command server listens on
	CommandPort int

	// Watchdog is the keepalive interval promised to the monitor;
	// zero disables the keepalive loop
	Watchdog time.Duration

	// Log receives registration messages; nil uses the standard logger
	Log *log.Logger

	mu         sync.Mutex
	registered bool
	stop       chan struct{}
}

// New returns an Interface for the monitor at host using the default
// registration port.
func New(host, systemName string, commandPort int) *Interface {
	return &Interface{
		Host:         host,
		RegisterPort: DefaultRegisterPort,
		SystemName:   systemName,
		Mode:         "server",
		CommandPort:  commandPort,
	}
}

func (m *Interface) logf(format string, args ...interface{}) {
	if m.Log != nil {
		m.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Register sends one register datagram to the monitor.  When a Watchdog
// interval is set the first call also starts the keepalive loop.
func (m *Interface) Register() error {
	if err := m.sendRegister(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.registered {
		m.registered = true
		if m.Watchdog > 0 {
			m.stop = make(chan struct{})
			go m.keepalive(m.stop)
		}
	}
	return nil
}

// Registered reports whether a register datagram has been sent.
func (m *Interface) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// Close stops the keepalive loop.
func (m *Interface) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.registered = false
}

func (m *Interface) sendRegister() error {
	path, _ := os.Executable()
	cmd := fmt.Sprintf("1 %d %s %d %s %s %d %d",
		os.Getpid(),
		m.Mode,
		m.CommandPort,
		m.Host,
		path,
		0,
		int(m.Watchdog/time.Second))

	addr := fmt.Sprintf("%s:%d", m.Host, m.RegisterPort)
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return errkind.Wrap(errkind.Transport, "monitor not reachable", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return errkind.Wrap(errkind.Transport, "monitor register send failed", err)
	}
	m.logf("registered with monitor at %s", addr)
	return nil
}

func (m *Interface) keepalive(stop chan struct{}) {
	tick := time.NewTicker(m.Watchdog)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if err := m.sendRegister(); err != nil {
				m.logf("monitor keepalive failed: %v", err)
			}
		}
	}
}
