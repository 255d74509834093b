package cmdsrv

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync/atomic"
)

// Monitor is the liveness hook fired by the updatemonitor verb.
type Monitor interface {
	Register() error
}

// Server is the command socket: newline-terminated text requests, one
// goroutine per connection.
type Server struct {
	Registry *Registry

	// Monitor, when set, is pinged by the updatemonitor verb
	Monitor Monitor

	// WelcomeMessage, when set, is sent on connect
	WelcomeMessage string

	// LogCommands echoes every request and reply to the log
	LogCommands bool

	Log *log.Logger

	// Exit terminates the process for the exit verb; overridable in tests
	Exit func(code int)

	ln         net.Listener
	nextClient int64
}

// NewServer returns a server dispatching against reg.
func NewServer(reg *Registry) *Server {
	return &Server{Registry: reg, Exit: os.Exit}
}

// Listen binds the command port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		id := int(atomic.AddInt64(&s.nextClient, 1))
		go s.handle(conn, id)
	}
}

// ListenAndServe binds addr and serves until the listener closes.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops accepting connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) logf(prefix, format string, v ...interface{}) {
	if s.Log != nil {
		s.Log.Printf(prefix+format, v...)
		return
	}
	log.Printf(prefix+format, v...)
}

// handle runs one client connection.  Commands execute sequentially per
// connection; concurrency comes from multiple connections.
func (s *Server) handle(conn net.Conn, id int) {
	defer conn.Close()

	prefixIn := fmt.Sprintf("Rcv%d> ", id)
	prefixOut := fmt.Sprintf("Out%d>  ", id) // extra space for indent
	name := fmt.Sprintf("unknown_%d", id)

	if s.WelcomeMessage != "" {
		fmt.Fprintf(conn, "%s\r\n", s.WelcomeMessage)
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")

		// empty line is a liveness probe: ack and drop the connection
		if strings.TrimSpace(line) == "" {
			fmt.Fprint(conn, "OK\r\n")
			return
		}
		if s.LogCommands {
			s.logf(prefixIn, "%s", line)
		}

		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "closeconnection":
			s.logf(prefixIn, "closing connection to %s", name)
			fmt.Fprint(conn, "OK\r\n")
			return
		case "register":
			if len(fields) > 1 {
				name = fmt.Sprintf("%s_%d", fields[1], id)
			}
			fmt.Fprint(conn, "OK\r\n")
			s.logf(prefixOut, "OK client %d", id)
			continue
		case "echo":
			reply := "OK"
			if len(fields) > 1 {
				reply = "OK " + strings.Join(fields[1:], " ")
			}
			fmt.Fprintf(conn, "%s\r\n", reply)
			if s.LogCommands {
				s.logf(prefixOut, "%s", reply)
			}
			continue
		case "updatemonitor":
			reply := "OK"
			if s.Monitor != nil {
				if err := s.Monitor.Register(); err != nil {
					reply = "ERROR " + err.Error()
				}
			}
			fmt.Fprintf(conn, "%s\r\n", reply)
			s.logf(prefixOut, "%s", reply)
			continue
		case "exit":
			// reply for the handshake before shutting down
			fmt.Fprint(conn, "OK\r\n")
			conn.Close()
			s.logf(prefixOut, "OK")
			if s.Exit != nil {
				s.Exit(0)
			}
			return
		}

		reply := s.execute(line)
		if s.LogCommands {
			s.logf(prefixOut, "%s", reply)
		}
		fmt.Fprintf(conn, "%s\r\n", reply)
	}
}

// execute runs one command line.  Handler errors and panics become ERROR
// replies; a misbehaving handler never takes the connection down.
func (s *Server) execute(line string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			reply = fmt.Sprintf("ERROR %v", r)
		}
	}()

	cmd, err := ParseCommand(line, s.Registry.DefaultTool)
	if err != nil {
		return "ERROR " + err.Error()
	}
	v, err := s.Registry.Dispatch(cmd)
	if err != nil {
		return "ERROR " + err.Error()
	}
	return FormatReply(v)
}
