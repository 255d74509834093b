package camera

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/observatory-tools/goacq/comm"
	"github.com/observatory-tools/goacq/errkind"
)

// Archon drives an STA Archon controller over its ASCII command channel.
// Every command carries a one-byte rolling message reference: the client
// sends ">NNVERB", the controller answers "<NN..." on success or "?NN" on
// failure, NN being the reference in hex.  Frame data is pulled from the
// same port with a FETCH command; see datalink.BulkFetcher for the
// sub-frame format.
type Archon struct {
	comm.Link

	cmdID uint8

	// frame is the last FRAME response, keyed by field name
	frame map[string]string

	// readBuf is the buffer (1..3) holding the most recent complete frame
	readBuf int

	// bufFrames records the per-buffer frame numbers at exposure start so
	// a change marks the end of integration
	bufFrames [3]int

	expTime  time.Duration
	expStart time.Time
	isReset  bool
}

// NewArchon returns a driver for an Archon controller at addr.
func NewArchon(addr string) *Archon {
	return &Archon{Link: comm.NewLink(addr, false)}
}

// DataAddr returns the controller address; Archon serves frame data on
// its command port.
func (c *Archon) DataAddr() string {
	return c.Addr
}

// command sends one framed verb and strips the reference from the reply.
func (c *Archon) command(verb string) (string, error) {
	if c.Conn == nil {
		if err := c.Open(); err != nil {
			return "", errkind.Wrap(errkind.Transport, "archon", err)
		}
	}
	c.cmdID++
	// the controller wants CRLF line endings; Send appends the LF
	framed := fmt.Sprintf(">%02X%s\r", c.cmdID, verb)
	resp, err := c.SendRecv([]byte(framed))
	if err != nil {
		return "", errkind.Wrap(errkind.Transport, verb, err)
	}
	s := string(resp)
	wantOK := fmt.Sprintf("<%02X", c.cmdID)
	wantErr := fmt.Sprintf("?%02X", c.cmdID)
	switch {
	case strings.HasPrefix(s, wantOK):
		return s[len(wantOK):], nil
	case strings.HasPrefix(s, wantErr):
		return "", errkind.Newf(errkind.Transport, "%s: controller refused command", verb)
	}
	return "", errkind.Newf(errkind.Transport, "%s: reply %q out of sync", verb, s)
}

// kvMap parses the space-separated KEY=VALUE replies of STATUS and FRAME
func kvMap(s string) map[string]string {
	out := map[string]string{}
	for _, field := range strings.Fields(s) {
		if i := strings.IndexByte(field, '='); i > 0 {
			out[field[:i]] = field[i+1:]
		}
	}
	return out
}

func (c *Archon) getFrame() (map[string]string, error) {
	resp, err := c.command("FRAME")
	if err != nil {
		return nil, err
	}
	c.frame = kvMap(resp)
	return c.frame, nil
}

func (c *Archon) frameInt(key string) int {
	n, _ := strconv.Atoi(c.frame[key])
	return n
}

// loadParam writes one timing-core parameter by name.
func (c *Archon) loadParam(name string, value int) error {
	_, err := c.command(fmt.Sprintf("FASTLOADPARAM %s %d", name, value))
	return err
}

// IsReset reports whether the controller has been initialized this session.
func (c *Archon) IsReset() bool {
	return c.isReset
}

// Reset powers the controller on and waits for its status to go valid.
func (c *Archon) Reset() error {
	c.isReset = false
	if _, err := c.command("POWERON"); err != nil {
		return err
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, err := c.command("STATUS")
		if err != nil {
			return err
		}
		if kvMap(resp)["VALID"] == "1" {
			break
		}
		if time.Now().After(deadline) {
			return errkind.New(errkind.Timeout, "controller status did not go valid after power on")
		}
		time.Sleep(time.Second)
	}
	if _, err := c.command("RESETTIMING"); err != nil {
		return err
	}
	if err := c.loadParam("ContinuousExposures", 0); err != nil {
		return err
	}
	c.isReset = true
	return nil
}

// SetExposureTime writes the integration time parameter in milliseconds.
func (c *Archon) SetExposureTime(d time.Duration) error {
	if err := c.loadParam("IntMS", int(d.Milliseconds())); err != nil {
		return err
	}
	c.expTime = d
	return nil
}

// ExposureTimeRemaining counts down from the exposure start; the Archon
// has no readable countdown register.
func (c *Archon) ExposureTimeRemaining() (time.Duration, error) {
	rem := c.expTime - time.Since(c.expStart)
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// StartExposure records the current buffer frame numbers and triggers one
// exposure.  Integration is over when a buffer frame number changes.
func (c *Archon) StartExposure() error {
	if _, err := c.command("RESETTIMING"); err != nil {
		return err
	}
	if _, err := c.getFrame(); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		c.bufFrames[i] = c.frameInt(fmt.Sprintf("BUF%dFRAME", i+1))
	}
	if err := c.loadParam("Exposures", 1); err != nil {
		return err
	}
	c.expStart = time.Now()
	return nil
}

// StartReadout waits for a buffer frame number to change, marking that
// buffer as the one to fetch.
func (c *Archon) StartReadout() error {
	deadline := time.Now().Add(c.expTime + 60*time.Second)
	for {
		if _, err := c.getFrame(); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if c.frameInt(fmt.Sprintf("BUF%dFRAME", i+1)) != c.bufFrames[i] {
				c.readBuf = i + 1
				return nil
			}
		}
		if time.Now().After(deadline) {
			return errkind.New(errkind.Timeout, "no frame buffer completed")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// FetchCommand builds the framed FETCH for the most recent frame buffer.
// It is wired as the datalink BulkFetcher's fetch builder.
func (c *Archon) FetchCommand(totalBytes int) string {
	base := c.frameInt(fmt.Sprintf("BUF%dBASE", c.readBuf))
	lines := (totalBytes + 1023) / 1024
	c.cmdID++
	return fmt.Sprintf(">%02XFETCH%08X%08X\r", c.cmdID, base, lines)
}

// PixelsRemaining always reports zero; fetch progress is observed by the
// receive loop, not the controller.
func (c *Archon) PixelsRemaining() (int, error) {
	return 0, nil
}

// SetShutter forces the shutter line.
func (c *Archon) SetShutter(open bool) error {
	v := 0
	if open {
		v = 1
	}
	return c.loadParam("ShutterEnable", v)
}

// Flush restarts the timing core, clearing accumulated charge.
func (c *Archon) Flush(cycles int) error {
	for i := 0; i < cycles; i++ {
		if _, err := c.command("RESETTIMING"); err != nil {
			return err
		}
	}
	return nil
}

// PauseExposure is not supported by this controller.
func (c *Archon) PauseExposure() error {
	return errkind.New(errkind.Protocol, "pause is not supported by this controller")
}

// ResumeExposure is not supported by this controller.
func (c *Archon) ResumeExposure() error {
	return errkind.New(errkind.Protocol, "resume is not supported by this controller")
}

// AbortExposure cancels the pending exposure and restarts timing.
func (c *Archon) AbortExposure() error {
	if err := c.loadParam("Exposures", 0); err != nil {
		return err
	}
	_, err := c.command("RESETTIMING")
	return err
}

// AbortReadout is a no-op; the fetch is client-driven and stops when the
// data socket closes.
func (c *Archon) AbortReadout() error {
	return nil
}
