/*Package camera describes the capability set consumed from sensor
controllers during an exposure.

Hardware families (ARC, Archon, and friends) each provide one concrete
implementation; the exposure state machine depends only on the Controller
interface and is selected at configuration time.  Sim is a pure in-process
implementation used for demo mode and tests.
*/
package camera

import "time"

// Controller is the capability set the exposure pipeline needs from a
// sensor controller.  Implementations are not required to be safe for
// concurrent use; one exposure drives a controller at a time.
type Controller interface {
	// IsReset reports whether the controller has been reset since power-on
	IsReset() bool

	// Reset re-initializes the controller
	Reset() error

	// SetExposureTime programs the integration time
	SetExposureTime(d time.Duration) error

	// ExposureTimeRemaining reads the controller's estimate of the
	// remaining integration time
	ExposureTimeRemaining() (time.Duration, error)

	// StartExposure opens the shutter (if programmed) and begins
	// integration
	StartExposure() error

	// StartReadout begins pixel readout; data flows on the data socket
	StartReadout() error

	// PixelsRemaining reads the count of pixels not yet read out
	PixelsRemaining() (int, error)

	// SetShutter forces the shutter open (true) or closed (false)
	SetShutter(open bool) error

	// Flush clears the sensor the given number of times
	Flush(cycles int) error

	// PauseExposure suspends integration, closing the shutter
	PauseExposure() error

	// ResumeExposure continues a paused integration
	ResumeExposure() error

	// AbortExposure stops integration without reading out
	AbortExposure() error

	// AbortReadout stops an in-progress readout
	AbortReadout() error
}

// DataSource describes where a controller's image data comes from, used
// by the receiver to open the data channel.
type DataSource interface {
	// DataAddr is the host:port of the controller server's data socket
	DataAddr() string
}
