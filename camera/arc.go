package camera

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/observatory-tools/goacq/comm"
	"github.com/observatory-tools/goacq/errkind"
)

// ARC drives an ARC-family controller through its controller server: an
// ASCII command channel plus a separate data socket for pixels.  The
// controller server answers every command with "OK [value]" or
// "ERROR message".
type ARC struct {
	comm.Link

	// dataAddr is the controller server's binary data socket
	dataAddr string

	// numPixImage lets PixelsRemaining convert the server's read count
	// into a countdown
	numPixImage int

	expTime time.Duration
	isReset bool
}

// NewARC returns a driver for a controller server at cmdAddr whose pixel
// data flows from dataAddr.
func NewARC(cmdAddr, dataAddr string) *ARC {
	return &ARC{Link: comm.NewLink(cmdAddr, false), dataAddr: dataAddr}
}

// DataAddr returns the host:port of the controller server's data socket.
func (c *ARC) DataAddr() string {
	return c.dataAddr
}

// SetImagePixels tells the driver the full-frame pixel count so the pixel
// countdown can be derived from the server's running read count.
func (c *ARC) SetImagePixels(n int) {
	c.numPixImage = n
}

// command sends one verb and checks the status word of the reply.
func (c *ARC) command(verb string) (string, error) {
	if c.Conn == nil {
		if err := c.Open(); err != nil {
			return "", errkind.Wrap(errkind.Transport, "controller server", err)
		}
	}
	resp, err := c.SendRecv([]byte(verb))
	if err != nil {
		return "", errkind.Wrap(errkind.Transport, verb, err)
	}
	s := string(resp)
	if strings.HasPrefix(s, "ERROR") {
		return "", errkind.Newf(errkind.Transport, "%s: %s", verb, s)
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "OK")), nil
}

// get reads one named controller server parameter.
func (c *ARC) get(name string) (int, error) {
	v, err := c.command("Get " + name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errkind.Newf(errkind.Transport, "Get %s: bad integer %q", name, v)
	}
	return n, nil
}

// IsReset reports whether the controller has been reset this session.
func (c *ARC) IsReset() bool {
	return c.isReset
}

// Reset issues ResetController and reloads timing.
func (c *ARC) Reset() error {
	if _, err := c.command("ResetController"); err != nil {
		return err
	}
	c.isReset = true
	return nil
}

// SetExposureTime writes the integration time in milliseconds.
func (c *ARC) SetExposureTime(d time.Duration) error {
	_, err := c.command(fmt.Sprintf("Set ExposureTime %d", d.Milliseconds()))
	if err == nil {
		c.expTime = d
	}
	return err
}

// ExposureTimeRemaining derives the countdown from the server's elapsed
// time counter.
func (c *ARC) ExposureTimeRemaining() (time.Duration, error) {
	elapsedMS, err := c.get("ExposureTimeRemaining") // server reports elapsed
	if err != nil {
		return 0, err
	}
	if elapsedMS < 0 {
		elapsedMS = 0
	}
	rem := c.expTime - time.Duration(elapsedMS)*time.Millisecond
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// StartExposure begins integration; returns immediately.
func (c *ARC) StartExposure() error {
	_, err := c.command("StartExposure")
	return err
}

// StartReadout begins pixel readout; returns immediately.
func (c *ARC) StartReadout() error {
	_, err := c.command("ReadImage")
	return err
}

// PixelsRemaining converts the server's running read count to a countdown.
func (c *ARC) PixelsRemaining() (int, error) {
	count, err := c.get("PixelCount")
	if err != nil {
		return 0, err
	}
	rem := c.numPixImage - count
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// SetShutter forces the shutter open or closed.
func (c *ARC) SetShutter(open bool) error {
	verb := "CloseShutter"
	if open {
		verb = "OpenShutter"
	}
	_, err := c.command(verb)
	return err
}

// Flush clears the sensor the given number of times.
func (c *ARC) Flush(cycles int) error {
	for i := 0; i < cycles; i++ {
		if _, err := c.command("Flush"); err != nil {
			return err
		}
	}
	return nil
}

// PauseExposure suspends integration.
func (c *ARC) PauseExposure() error {
	_, err := c.command("PauseExposure")
	return err
}

// ResumeExposure continues a paused integration.
func (c *ARC) ResumeExposure() error {
	_, err := c.command("ResumeExposure")
	return err
}

// AbortExposure stops integration without readout.
func (c *ARC) AbortExposure() error {
	_, err := c.command("AbortExposure")
	return err
}

// AbortReadout stops an in-progress readout.
func (c *ARC) AbortReadout() error {
	_, err := c.command("AbortReadout")
	return err
}
