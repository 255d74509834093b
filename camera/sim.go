package camera

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sim is an in-process controller used for demo mode and tests.  It
// integrates against the wall clock and serves the pull-model data
// protocol on a loopback listener: requests of the form
// "GetImageData <n>" are answered with a 16-digit ASCII length, one
// delimiter byte, and that many bytes of frame data.
type Sim struct {
	mu sync.Mutex

	reset     bool
	expTime   time.Duration
	started   time.Time
	remaining time.Duration
	paused    bool
	exposing  bool
	shutter   bool

	// frame generator and readout cursor
	genFrame func() []byte
	frame    []byte
	cursor   int

	ln net.Listener
}

// NewSim starts a simulator whose readouts serve frames from genFrame.
// The data listener binds a random loopback port; see DataAddr.
func NewSim(genFrame func() []byte) (*Sim, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Sim{genFrame: genFrame, ln: ln}
	go s.serve()
	return s, nil
}

// Close stops the data listener.
func (s *Sim) Close() error {
	return s.ln.Close()
}

// DataAddr returns the host:port of the simulated data socket.
func (s *Sim) DataAddr() string {
	return s.ln.Addr().String()
}

// IsReset reports whether Reset has been called.
func (s *Sim) IsReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset
}

// Reset marks the controller ready.
func (s *Sim) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset = true
	return nil
}

// SetExposureTime programs the integration time.
func (s *Sim) SetExposureTime(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expTime = d
	return nil
}

// StartExposure begins integrating against the wall clock.
func (s *Sim) StartExposure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
	s.remaining = s.expTime
	s.exposing = true
	s.paused = false
	return nil
}

// ExposureTimeRemaining counts down in real time, frozen while paused.
func (s *Sim) ExposureTimeRemaining() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exposing || s.paused {
		return s.remaining, nil
	}
	rem := s.remaining - time.Since(s.started)
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// PauseExposure freezes the countdown.
func (s *Sim) PauseExposure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exposing && !s.paused {
		s.remaining -= time.Since(s.started)
		if s.remaining < 0 {
			s.remaining = 0
		}
		s.paused = true
	}
	return nil
}

// ResumeExposure continues the countdown.
func (s *Sim) ResumeExposure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exposing && s.paused {
		s.started = time.Now()
		s.paused = false
	}
	return nil
}

// AbortExposure stops integrating.
func (s *Sim) AbortExposure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposing = false
	s.remaining = 0
	return nil
}

// AbortReadout discards the rest of the current frame.
func (s *Sim) AbortReadout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = len(s.frame)
	return nil
}

// StartReadout materializes a frame and rewinds the readout cursor.
func (s *Sim) StartReadout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposing = false
	s.frame = s.genFrame()
	s.cursor = 0
	return nil
}

// PixelsRemaining reports unread pixels assuming 2 bytes per pixel.
func (s *Sim) PixelsRemaining() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (len(s.frame) - s.cursor) / 2, nil
}

// SetShutter forces the shutter state.
func (s *Sim) SetShutter(open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutter = open
	return nil
}

// Flush is a no-op for the simulator.
func (s *Sim) Flush(cycles int) error {
	return nil
}

func (s *Sim) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Sim) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 128)
	line := ""
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		line += string(buf[:n])
		for {
			idx := strings.IndexByte(line, '\n')
			if idx < 0 {
				break
			}
			req := strings.TrimSpace(line[:idx])
			line = line[idx+1:]
			if err := s.answer(conn, req); err != nil {
				return
			}
		}
	}
}

// answer serves one GetImageData request.  The request count includes the
// 17 framing bytes, mirroring the controller server's convention.
func (s *Sim) answer(conn net.Conn, req string) error {
	fields := strings.Fields(req)
	if len(fields) != 2 || fields[0] != "GetImageData" {
		return fmt.Errorf("sim: bad data request %q", req)
	}
	want, err := strconv.Atoi(fields[1])
	if err != nil {
		return err
	}
	want -= 17
	if want < 0 {
		want = 0
	}

	s.mu.Lock()
	avail := len(s.frame) - s.cursor
	if want > avail {
		want = avail
	}
	chunk := s.frame[s.cursor : s.cursor+want]
	s.cursor += want
	s.mu.Unlock()

	header := fmt.Sprintf("%16d ", len(chunk))
	if _, err := conn.Write([]byte(header)); err != nil {
		return err
	}
	_, err = conn.Write(chunk)
	return err
}

// RampFrame returns a frame generator producing numPix little-endian
// 16-bit pixels interleaved across numAmps amplifiers, each amp counting
// 0,1,2...  Useful for tests and demo images.
func RampFrame(numPix, numAmps int) func() []byte {
	return func() []byte {
		perAmp := numPix / numAmps
		out := make([]byte, numPix*2)
		i := 0
		for p := 0; p < perAmp; p++ {
			for a := 0; a < numAmps; a++ {
				v := uint16(p)
				out[i] = byte(v)
				out[i+1] = byte(v >> 8)
				i += 2
			}
		}
		return out
	}
}
