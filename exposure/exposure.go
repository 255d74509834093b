/*Package exposure drives one exposure through setup, integration, readout
and writing.

The Controller owns the lifecycle of a single exposure at a time.  It is
driven synchronously by Expose (or on a background goroutine by Expose1)
while command handlers on other connections steer it by setting the
exposure flag: Pause, Resume, Abort and StartReadout only store a flag
value, which the running exposure observes at its next poll tick or chunk
boundary.  Cancellation is cooperative; there is no forced preemption.
*/
package exposure

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/observatory-tools/goacq/camera"
	"github.com/observatory-tools/goacq/datalink"
	"github.com/observatory-tools/goacq/errkind"
	"github.com/observatory-tools/goacq/focalplane"
)

// ErrBusy is returned when a new exposure is requested while one is in
// flight.
var ErrBusy = errors.New("exposure: an exposure is already in progress")

// KeepCurrent passed as an exposure time means "use the current setting".
const KeepCurrent = time.Duration(-1)

const (
	// DefaultPollInterval is how often the integration loop re-checks the
	// flag and the controller's remaining-time estimate.  Worst-case abort
	// latency during integration equals this interval.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultStuckLimit is the number of consecutive polls with an
	// unchanged remaining time after which integration is declared stuck.
	DefaultStuckLimit = 20
)

// Sink receives finished images.
type Sink interface {
	// NeedsAssembled reports whether Write requires an assembled mosaic
	// rather than raw per-amplifier buffers
	NeedsAssembled() bool

	// NextFile is the path the next Write will use
	NextFile() string

	// Write persists the image and returns the path actually written
	Write(m *focalplane.Mosaic, g *focalplane.Geometry, cards []fitsio.Card) (string, error)
}

// Sender forwards a written image to a remote archive.
type Sender interface {
	Send(path string) error
}

// Receiver pulls one frame of raw image bytes from the controller's data
// socket.
type Receiver interface {
	Receive(totalBytes int) ([]byte, error)
}

// HeaderProvider contributes keywords to the image header.  Providers are
// polled during exposure setup, optionally on a background goroutine.
type HeaderProvider interface {
	HeaderCards() ([]fitsio.Card, error)
}

// FlushPolicy selects how a sequence clears the sensor between exposures.
type FlushPolicy int

const (
	// FlushDefault uses the controller's configured sequence policy
	FlushDefault FlushPolicy = iota - 1

	// FlushEvery clears the sensor before every exposure
	FlushEvery

	// FlushFirstOnly clears the sensor before the first exposure only
	FlushFirstOnly

	// NeverFlush never clears the sensor during the sequence
	NeverFlush
)

// shutter state per image type; unknown types are comparison exposures
// and open the shutter
var shutterStates = map[string]bool{
	"zero":   false,
	"object": true,
	"flat":   true,
	"dark":   false,
}

// Controller is the exposure state machine.
type Controller struct {
	Cam  camera.Controller
	Geom *focalplane.Geometry
	Asm  *focalplane.Assembler
	Recv Receiver

	Sink   Sink
	Sender Sender

	// Headers contribute extra image header keywords at setup time
	Headers []HeaderProvider

	State *State

	PollInterval time.Duration
	StuckLimit   int

	// ImageType is one of zero, object, flat, dark; other values are
	// treated as comparison exposures
	ImageType string
	Title     string
	AutoTitle bool

	// FlushBeforeExposure clears the sensor during setup
	FlushBeforeExposure bool

	// SequenceFlush and SequenceDelay are the defaults applied by Sequence
	SequenceFlush FlushPolicy
	SequenceDelay time.Duration

	// SaveFile enables the Sink; WriteAsync returns control before the
	// archive send completes
	SaveFile   bool
	WriteAsync bool

	// HeadersInBackground polls HeaderProviders on a goroutine during setup
	HeadersInBackground bool

	// DataOrder permutes raw channels into amplifier slots when the
	// controller does not send them in physical order; empty is identity
	DataOrder []int

	Log *log.Logger

	busy           int32
	guideStatus    int32
	updatingHeader int32
	guideMode      bool
	newROI         bool
	valid          bool
	written        bool
	obsStart       time.Time

	amps     []focalplane.RawAmpBuffer
	mosaic   *focalplane.Mosaic
	lastGood *focalplane.Mosaic

	hdrMu      sync.Mutex
	extraCards []fitsio.Card
}

// New returns a Controller with the default poll interval, stuck limit
// and flush behavior.
func New(cam camera.Controller, geom *focalplane.Geometry, sink Sink) *Controller {
	return &Controller{
		Cam:                 cam,
		Geom:                geom,
		Asm:                 focalplane.NewAssembler(geom),
		Sink:                sink,
		State:               &State{},
		PollInterval:        DefaultPollInterval,
		StuckLimit:          DefaultStuckLimit,
		ImageType:           "zero",
		FlushBeforeExposure: true,
		SaveFile:            true,
	}
}

// AttachPuller installs p as the image receiver and wires its abort and
// progress hooks to this controller's state.
func (c *Controller) AttachPuller(p *datalink.Puller) {
	p.Aborted = func() bool { return c.State.Flag() == FlagAbort }
	p.InSequence = c.State.InSequence
	p.StopReadout = c.Cam.AbortReadout
	p.OnProgress = func(bytesRemaining int) {
		c.State.setPixelsRemaining(bytesRemaining / c.Geom.BytesPerPixel)
	}
	c.Recv = p
}

// AttachBulkFetcher installs f as the image receiver and wires its
// progress hook to this controller's state.
func (c *Controller) AttachBulkFetcher(f *datalink.BulkFetcher) {
	f.OnProgress = func(bytesRemaining int) {
		c.State.setPixelsRemaining(bytesRemaining / c.Geom.BytesPerPixel)
	}
	c.Recv = f
}

func (c *Controller) logf(format string, v ...interface{}) {
	if c.Log != nil {
		c.Log.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// Expose makes one complete exposure, blocking until it finishes.
// Negative exposure times keep the current setting; empty imageType and
// title likewise.
func (c *Controller) Expose(expTime time.Duration, imageType, title string) error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrBusy
	}
	defer atomic.StoreInt32(&c.busy, 0)
	return c.expose(expTime, imageType, title)
}

// Expose1 starts an exposure and returns immediately.  Completion is
// observed via Finished or Status.
func (c *Controller) Expose1(expTime time.Duration, imageType, title string) error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrBusy
	}
	go func() {
		defer atomic.StoreInt32(&c.busy, 0)
		if err := c.expose(expTime, imageType, title); err != nil {
			c.logf("exposure failed: %v", err)
		}
	}()
	return nil
}

// Sequence makes n exposures with the current type and title.  The flush
// policy and inter-exposure delay apply for the duration of the sequence;
// FlushDefault and a negative delay keep the configured values.  The
// pre-sequence flush setting is restored on every exit path.
func (c *Controller) Sequence(n int, policy FlushPolicy, delay time.Duration) error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrBusy
	}
	defer atomic.StoreInt32(&c.busy, 0)
	return c.sequence(n, policy, delay)
}

// Sequence1 is Sequence with an immediate return.
func (c *Controller) Sequence1(n int, policy FlushPolicy, delay time.Duration) error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrBusy
	}
	go func() {
		defer atomic.StoreInt32(&c.busy, 0)
		if err := c.sequence(n, policy, delay); err != nil {
			c.logf("sequence failed: %v", err)
		}
	}()
	return nil
}

// Guide runs a continuous exposure loop for telescope guiding; n == -1
// loops until aborted.  A failed readout logs, reports guide status 2 and
// re-uses the last good image rather than stalling the loop.
func (c *Controller) Guide(n int) error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrBusy
	}
	defer atomic.StoreInt32(&c.busy, 0)
	return c.guide(n)
}

// Guide1 is Guide with an immediate return.
func (c *Controller) Guide1(n int) error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrBusy
	}
	go func() {
		defer atomic.StoreInt32(&c.busy, 0)
		if err := c.guide(n); err != nil {
			c.logf("guide failed: %v", err)
		}
	}()
	return nil
}

// Test makes one test exposure, restoring the image type and exposure
// time afterwards.  The shutter argument selects a dark (closed) or
// object (open) frame.
func (c *Controller) Test(expTime time.Duration, shutter bool) error {
	prevType := c.ImageType
	prevTime := c.State.ExposureTime()

	imageType := "dark"
	if shutter {
		imageType = "object"
	}
	err := c.Expose(expTime, imageType, "test image")

	c.ImageType = prevType
	c.setExposureTime(prevTime)
	return err
}

// Pause requests that the integrating exposure pause.  A no-op when no
// exposure is in progress.
func (c *Controller) Pause() {
	st := c.State
	st.mu.Lock()
	st.pausedStart = time.Now()
	st.mu.Unlock()
	st.setFlagIfActive(FlagPause)
}

// Resume requests that a paused exposure continue.  A no-op when no
// exposure is in progress.
func (c *Controller) Resume() {
	st := c.State
	st.mu.Lock()
	if !st.pausedStart.IsZero() {
		st.pausedTotal += time.Since(st.pausedStart)
		st.pausedStart = time.Time{}
	}
	st.mu.Unlock()
	st.setFlagIfActive(FlagResume)
}

// Abort requests that the current exposure stop.  Inside a sequence the
// current exposure is allowed to complete and only the remaining
// exposures are cancelled.  Idempotent: a no-op when no exposure is in
// progress.
func (c *Controller) Abort() {
	c.State.setFlagIfActive(FlagAbort)
}

// StartReadout requests immediate readout of the integrating image.  A
// no-op when no exposure is in progress.
func (c *Controller) StartReadout() {
	c.State.setFlagIfActive(FlagRead)
}

// Flush clears the sensor the given number of times.
func (c *Controller) Flush(cycles int) error {
	c.logf("flushing")
	return c.Cam.Flush(cycles)
}

// Finished reports whether the last exposure ran to completion.
func (c *Controller) Finished() bool {
	return c.State.Completed()
}

// Flag returns the current exposure flag.
func (c *Controller) Flag() Flag {
	return c.State.Flag()
}

// GuideStatus reports the last guide readout: 0 idle, 1 image read, 2
// image re-used after a failed read.
func (c *Controller) GuideStatus() int {
	return int(atomic.LoadInt32(&c.guideStatus))
}

// expose runs the full lifecycle.  Callers hold the busy token.
func (c *Controller) expose(expTime time.Duration, imageType, title string) error {
	if c.State.Flag() == FlagAbort {
		c.logf("previous exposure was aborted")
	}
	c.State.setAborted(false)
	c.State.setCompleted(false)
	c.logf("exposure started")

	err := c.begin(expTime, imageType, title)
	if err == nil && c.State.Flag() != FlagAbort {
		err = c.integrate()
	}
	if err == nil && c.State.Flag() == FlagRead {
		if rerr := c.readout(); rerr != nil {
			if errkind.Has(rerr, errkind.AbortedDuringReceive) {
				c.logf("exposure aborted")
			} else {
				err = rerr
			}
		}
	}
	if err == nil && c.State.Flag() != FlagAbort {
		err = c.end()
	}

	c.State.setFlag(FlagNone)
	c.State.setCompleted(true)
	if err == nil {
		c.logf("exposure finished")
	}
	return err
}

// begin covers the SETUP phase, through sensor flushing.
func (c *Controller) begin(expTime time.Duration, imageType, title string) error {
	if !c.Cam.IsReset() {
		if err := c.Cam.Reset(); err != nil {
			return errkind.Wrap(errkind.Transport, "controller reset failed", err)
		}
	}

	c.State.setFlag(FlagSetup)

	// new data coming; clear prior image validity
	c.valid = false
	c.written = false
	c.amps = nil
	if c.newROI || c.mosaic == nil {
		c.mosaic = &focalplane.Mosaic{}
		c.newROI = false
	} else {
		c.mosaic.Reset()
	}

	if imageType != "" {
		c.ImageType = imageType
	}
	typ := strings.ToLower(c.ImageType)

	st := c.State
	st.mu.Lock()
	st.saved = st.expTime
	if expTime >= 0 {
		st.expTime = expTime
	}
	if typ == "zero" {
		st.expTime = 0
	}
	st.pausedTotal = 0
	st.pausedStart = time.Time{}
	st.remaining = st.expTime
	st.actual = st.expTime
	requested := st.expTime
	st.mu.Unlock()

	c.SetImageTitle(title)

	if err := c.Cam.SetExposureTime(requested); err != nil {
		return errkind.Wrap(errkind.Transport, "set exposure time failed", err)
	}

	st.setPixelsRemaining(c.Geom.NumPixImage())

	if !c.guideMode {
		open, known := shutterStates[typ]
		if !known {
			open = true
		}
		if err := c.Cam.SetShutter(open); err != nil {
			return errkind.Wrap(errkind.Transport, "set shutter failed", err)
		}
	}

	if c.HeadersInBackground {
		go c.updateHeaders()
	} else {
		c.updateHeaders()
	}

	if c.FlushBeforeExposure {
		if err := c.Flush(1); err != nil {
			return errkind.Wrap(errkind.Transport, "flush failed", err)
		}
	}

	c.obsStart = time.Now()
	return nil
}

// integrate covers EXPOSING through READ, polling the flag and the
// controller's remaining-time estimate every PollInterval.
func (c *Controller) integrate() error {
	st := c.State
	st.setFlag(FlagExposing)
	typ := strings.ToLower(c.ImageType)
	if typ != "zero" {
		c.logf("integration started")
	}

	if err := c.Cam.StartExposure(); err != nil {
		st.setFlag(FlagError)
		return errkind.Wrap(errkind.Transport, "start exposure failed", err)
	}

	st.mu.Lock()
	st.darkStart = time.Now()
	st.mu.Unlock()

	poll := c.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	stuckLimit := c.StuckLimit
	if stuckLimit <= 0 {
		stuckLimit = DefaultStuckLimit
	}

	remtime, err := c.pollRemaining()
	if err != nil {
		st.setFlag(FlagError)
		return err
	}
	lasttime := remtime
	stuck := 0
	var ierr error

loop:
	for remtime > poll+100*time.Millisecond {
		switch st.Flag() {
		case FlagExposing:
			d := poll
			if remtime < d {
				d = remtime
			}
			time.Sleep(d)
			remtime, err = c.pollRemaining()
			if err != nil {
				st.setFlag(FlagAbort)
				st.setAborted(true)
				c.Cam.AbortExposure()
				ierr = err
				break loop
			}
			if remtime == lasttime {
				stuck++
			} else {
				stuck = 0
				lasttime = remtime
			}
			if stuck > stuckLimit {
				c.logf("integration time stuck")
				st.setFlag(FlagAbort)
				st.setAborted(true)
				c.Cam.AbortExposure()
				ierr = errkind.New(errkind.Timeout, "integration time stuck")
				break loop
			}
		case FlagAbort:
			if st.InSequence() {
				c.logf("stopping exposure sequence")
				st.stopSequence()
				st.setAborted(true)
				st.setFlag(FlagExposing)
			} else {
				st.setAborted(true)
				c.Cam.AbortExposure()
				break loop
			}
		case FlagPause:
			c.Cam.PauseExposure()
			st.setFlag(FlagPaused)
			c.logf("integration paused")
		case FlagPaused:
			time.Sleep(poll)
		case FlagResume:
			c.Cam.ResumeExposure()
			st.setFlag(FlagExposing)
			if remtime, err = c.pollRemaining(); err != nil {
				st.setFlag(FlagError)
				return err
			}
			lasttime = remtime
			c.logf("integration resumed")
		case FlagRead:
			st.mu.Lock()
			st.actual = st.expTime - st.remaining
			st.mu.Unlock()
			remtime = 0
			break loop
		default:
			time.Sleep(poll)
		}
	}

	if st.Flag() == FlagAbort {
		c.logf("integration aborted")
	} else {
		time.Sleep(remtime + 100*time.Millisecond)
		st.setFlag(FlagRead)
	}

	st.mu.Lock()
	st.darkTime = time.Since(st.darkStart)
	st.remaining = 0
	if typ == "zero" {
		st.expTime = st.saved
	}
	st.mu.Unlock()

	// extra close shutter command
	if err := c.Cam.SetShutter(false); err != nil {
		c.logf("close shutter failed: %v", err)
	}

	return ierr
}

// readout covers READOUT: start the controller readout, pull the frame
// off the data socket and split it into per-amplifier buffers.
func (c *Controller) readout() error {
	st := c.State
	st.setFlag(FlagRead)

	if err := c.Cam.StartReadout(); err != nil {
		st.setFlag(FlagError)
		return errkind.Wrap(errkind.Transport, "start readout failed", err)
	}
	st.setFlag(FlagReadout)
	c.logf("readout started")

	raw, err := c.Recv.Receive(c.Geom.NumBytesImage())
	if err != nil {
		if !errkind.Has(err, errkind.AbortedDuringReceive) {
			st.setFlag(FlagError)
			return err
		}
		c.logf("readout aborted by user")
	} else {
		amps, serr := datalink.SplitAmps(raw, c.Geom.NumAmpsImage(), c.Geom.BytesPerPixel, c.DataOrder)
		if serr != nil {
			st.setFlag(FlagError)
			return serr
		}
		c.amps = amps
		c.valid = true
	}

	switch st.Flag() {
	case FlagAbort:
		// aborted inside a sequence: reset flags and let this image finish
		if st.InSequence() {
			c.logf("stopping exposure sequence")
			st.stopSequence()
			st.setAborted(true)
			st.setFlag(FlagRead)
			return nil
		}
		st.setAborted(true)
		return errkind.New(errkind.AbortedDuringReceive, "readout aborted")
	case FlagError:
		st.setAborted(true)
		return errkind.New(errkind.AbortedDuringReceive, "readout aborted")
	default:
		c.logf("readout finished")
		st.setFlag(FlagNone)
		return nil
	}
}

// end covers WRITING: assemble if the sink needs it, write, and
// optionally forward to the archive.
func (c *Controller) end() error {
	st := c.State
	st.setFlag(FlagWriting)

	m := c.mosaic
	if !c.SaveFile || c.Sink == nil || m == nil || (!c.valid && !m.Assembled) {
		st.setFlag(FlagNone)
		return nil
	}

	cards := c.headerCards()

	if c.Sink.NeedsAssembled() && !m.Assembled {
		if err := c.Asm.Assemble(c.amps, m); err != nil {
			return err
		}
	}

	path, err := c.Sink.Write(m, c.Geom, cards)
	if err != nil {
		return err
	}
	if path == "" {
		// recording disabled
		st.setFlag(FlagNone)
		return nil
	}
	c.written = true
	c.logf("wrote %s", path)

	if c.Sender != nil {
		if c.WriteAsync {
			// reset the flag now so the next exposure can start
			st.setFlag(FlagNone)
			c.logf("starting asynchronous image transfer")
			go func() {
				if err := c.Sender.Send(path); err != nil {
					c.logf("image send failed: %v", err)
				}
			}()
			return nil
		}
		if err := c.Sender.Send(path); err != nil {
			return err
		}
	}

	st.setFlag(FlagNone)
	return nil
}

func (c *Controller) sequence(n int, policy FlushPolicy, delay time.Duration) error {
	if n < 1 {
		return errkind.Newf(errkind.Protocol, "bad sequence length %d", n)
	}
	st := c.State
	st.startSequence(n)
	if delay >= 0 {
		c.SequenceDelay = delay
	}
	if policy == FlushDefault {
		policy = c.SequenceFlush
	}

	prevFlush := c.FlushBeforeExposure
	defer func() {
		c.FlushBeforeExposure = prevFlush
		st.stopSequence()
	}()
	c.FlushBeforeExposure = policy != NeverFlush

	for i := 0; i < n; i++ {
		if i > 0 {
			time.Sleep(c.SequenceDelay)
		}
		if i > 0 && policy == FlushFirstOnly {
			c.FlushBeforeExposure = false
		}
		if err := c.expose(KeepCurrent, c.ImageType, c.Title); err != nil {
			return fmt.Errorf("exposure %d of %d: %w", i+1, n, err)
		}
		if st.Aborted() || !st.InSequence() {
			break
		}
		st.advanceSequence()
	}
	return nil
}

func (c *Controller) guide(n int) error {
	if !c.Cam.IsReset() {
		if err := c.Cam.Reset(); err != nil {
			return errkind.Wrap(errkind.Transport, "controller reset failed", err)
		}
	}

	prevFlush := c.FlushBeforeExposure
	prevType, prevTitle := c.ImageType, c.Title
	c.guideMode = true
	defer func() {
		c.guideMode = false
		c.FlushBeforeExposure = prevFlush
		c.ImageType, c.Title = prevType, prevTitle
		atomic.StoreInt32(&c.guideStatus, 0)
	}()

	c.State.setAborted(false)
	c.logf("guide started")

	count := 0
	for {
		if err := c.begin(KeepCurrent, "object", "guide image"); err != nil {
			return err
		}
		if err := c.integrate(); err != nil {
			return err
		}

		if c.State.Flag() == FlagRead {
			if err := c.readout(); err == nil && c.valid {
				atomic.StoreInt32(&c.guideStatus, 1)
			} else {
				// keep the guider fed: fall back to the last good image
				atomic.StoreInt32(&c.guideStatus, 2)
				c.State.setFlag(FlagGuideError)
				if c.lastGood != nil {
					c.mosaic = c.lastGood
				}
			}
		}

		if err := c.end(); err != nil {
			c.logf("guide image write failed: %v", err)
		}
		if c.GuideStatus() == 1 {
			c.lastGood = c.mosaic
			c.mosaic = nil
		}
		c.State.setFlag(FlagNone)

		if c.State.Aborted() {
			c.logf("guide aborted")
			return nil
		}
		if n != -1 {
			count++
			if count >= n {
				break
			}
		}
	}
	c.logf("guide finished")
	return nil
}

// pollRemaining reads the controller's remaining-time estimate and
// records it in the state.
func (c *Controller) pollRemaining() (time.Duration, error) {
	rem, err := c.Cam.ExposureTimeRemaining()
	if err != nil {
		return 0, errkind.Wrap(errkind.Transport, "read exposure time remaining failed", err)
	}
	st := c.State
	st.mu.Lock()
	st.remaining = rem
	st.mu.Unlock()
	return rem, nil
}

// updateHeaders polls every header provider, collecting their cards for
// the next write.  Provider failures are logged so the rest still update.
func (c *Controller) updateHeaders() {
	atomic.StoreInt32(&c.updatingHeader, 1)
	defer atomic.StoreInt32(&c.updatingHeader, 0)

	var cards []fitsio.Card
	for _, p := range c.Headers {
		got, err := p.HeaderCards()
		if err != nil {
			c.logf("header provider failed: %v", err)
			continue
		}
		cards = append(cards, got...)
	}
	c.hdrMu.Lock()
	c.extraCards = cards
	c.hdrMu.Unlock()
}

// headerCards builds the image header for the write.
func (c *Controller) headerCards() []fitsio.Card {
	st := c.State
	st.mu.Lock()
	requested := st.expTime
	actual := st.actual
	dark := st.darkTime
	seq := st.inSequence
	seqNum, seqTotal := st.seqNum, st.seqTotal
	st.mu.Unlock()

	cards := []fitsio.Card{
		{Name: "OBJECT", Value: c.Title},
		{Name: "IMAGETYP", Value: strings.ToLower(c.ImageType), Comment: "Image type"},
		{Name: "EXPTIME", Value: actual.Seconds(), Comment: "Exposure time (seconds)"},
		{Name: "EXPREQ", Value: requested.Seconds(), Comment: "Exposure time requested (seconds)"},
		{Name: "DARKTIME", Value: dark.Seconds(), Comment: "Dark time (seconds)"},
		{Name: "DATE-OBS", Value: c.obsStart.UTC().Format("2006-01-02T15:04:05.000"), Comment: "UTC shutter opened"},
	}
	if seq {
		cards = append(cards,
			fitsio.Card{Name: "SEQNUM", Value: seqNum, Comment: "Exposure number in sequence"},
			fitsio.Card{Name: "SEQTOT", Value: seqTotal, Comment: "Total exposures in sequence"},
		)
	}

	c.hdrMu.Lock()
	cards = append(cards, c.extraCards...)
	c.hdrMu.Unlock()
	return cards
}

// Status returns a snapshot of the exposure state for status polling.
func (c *Controller) Status() map[string]interface{} {
	st := c.State
	f := st.Flag()
	seqNum, seqTotal := st.SequenceProgress()

	var progress float64
	label := ""
	switch f {
	case FlagExposing, FlagPaused:
		if et := st.ExposureTime(); et > 0 {
			rem := st.TimeRemaining()
			progress = 100 * rem.Seconds() / et.Seconds()
			label = fmt.Sprintf("%.1f sec remaining", rem.Seconds())
		}
	case FlagReadout:
		if total := c.Geom.NumPixImage(); total > 0 {
			progress = 100 * float64(st.PixelsRemaining()) / float64(total)
			label = fmt.Sprintf("%.0f%% readout", progress)
		}
	}

	state := ""
	message := ""
	if f != FlagNone {
		state = f.String()
		message = state
		if seqTotal > 0 {
			message = fmt.Sprintf("%s - %d of %d", state, seqNum, seqTotal)
		}
	}

	filename := ""
	if c.Sink != nil {
		filename = c.Sink.NextFile()
	}
	roi := c.Geom.ROI()

	return map[string]interface{}{
		"message":       message,
		"exposurestate": state,
		"exposurelabel": label,
		"progressbar":   progress,
		"filename":      filename,
		"seqcount":      seqNum,
		"seqtotal":      seqTotal,
		"imagetitle":    c.Title,
		"imagetype":     c.ImageType,
		"exposuretime":  st.ExposureTime().Seconds(),
		"colbin":        roi.ColBin,
		"rowbin":        roi.RowBin,
		"timestamp":     time.Now().Format(time.RFC3339),
	}
}

// SetExposureTime programs the integration time on the controller and
// records it for the next exposure.
func (c *Controller) SetExposureTime(d time.Duration) error {
	c.setExposureTime(d)
	return c.Cam.SetExposureTime(d)
}

func (c *Controller) setExposureTime(d time.Duration) {
	st := c.State
	st.mu.Lock()
	st.expTime = d
	st.actual = d
	st.mu.Unlock()
}

// ExposureTime returns the requested integration time.
func (c *Controller) ExposureTime() time.Duration {
	return c.State.ExposureTime()
}

// ExposureTimeRemaining reads the remaining integration time, querying
// the controller when it is reset and idle enough to answer.
func (c *Controller) ExposureTimeRemaining() (time.Duration, error) {
	if f := c.State.Flag(); f == FlagExposing || f == FlagPaused || f == FlagNone {
		if c.Cam.IsReset() {
			if _, err := c.pollRemaining(); err != nil {
				return 0, err
			}
		}
	}
	return c.State.TimeRemaining(), nil
}

// PixelsRemaining reads the readout countdown.  During a receive the
// value tracks the progress of the data socket; otherwise the controller
// is asked directly.
func (c *Controller) PixelsRemaining() (int, error) {
	if c.State.Flag() != FlagReadout && c.Cam.IsReset() {
		n, err := c.Cam.PixelsRemaining()
		if err != nil {
			return 0, errkind.Wrap(errkind.Transport, "read pixel count failed", err)
		}
		c.State.setPixelsRemaining(n)
	}
	return c.State.PixelsRemaining(), nil
}

// SetImageType sets the exposure type: zero, object, flat or dark.
// Unknown types are treated as comparison exposures.
func (c *Controller) SetImageType(imageType string) {
	c.ImageType = imageType
	if c.AutoTitle {
		c.SetImageTitle("")
	}
}

// SetImageTitle sets the image title.  With AutoTitle the title follows
// the lowercase image type, except object frames which keep their title.
func (c *Controller) SetImageTitle(title string) {
	if c.AutoTitle && title == "" {
		if typ := strings.ToLower(c.ImageType); typ != "object" {
			title = typ
		} else {
			return
		}
	}
	c.Title = title
}

// SetROI applies a readout region of interest; takes effect at the next
// exposure.
func (c *Controller) SetROI(r focalplane.ROI) error {
	if err := c.Geom.SetROI(r); err != nil {
		return err
	}
	c.newROI = true
	return nil
}

// ResetROI restores full-frame readout.
func (c *Controller) ResetROI() {
	c.Geom.ResetROI()
	c.newROI = true
}

// SetFormat installs a new detector format; call SetROI (or rely on full
// frame) before the next exposure.
func (c *Controller) SetFormat(f focalplane.Format) {
	c.Geom.Format = f
	c.Geom.ResetROI()
	c.newROI = true
}

// SetFocalPlane installs the amplifier grid and per-amplifier flip codes.
func (c *Controller) SetFocalPlane(numAmpsX, numAmpsY int, flips []focalplane.FlipCode) error {
	g := c.Geom
	prevX, prevY, prevFlips := g.NumAmpsX, g.NumAmpsY, g.Flips
	g.NumAmpsX, g.NumAmpsY, g.Flips = numAmpsX, numAmpsY, flips
	if err := g.Validate(); err != nil {
		g.NumAmpsX, g.NumAmpsY, g.Flips = prevX, prevY, prevFlips
		return err
	}
	c.Asm = focalplane.NewAssembler(g)
	c.newROI = true
	return nil
}

// SetDataOrder installs the channel permutation applied when splitting
// raw frames into amplifier buffers.  Empty restores wire order.
func (c *Controller) SetDataOrder(order []int) error {
	if len(order) == 0 {
		c.DataOrder = nil
		return nil
	}
	n := c.Geom.NumAmpsImage()
	if len(order) != n {
		return errkind.Newf(errkind.Protocol, "data order has %d entries for %d amplifiers", len(order), n)
	}
	seen := make([]bool, n)
	for _, idx := range order {
		if idx < 0 || idx >= n || seen[idx] {
			return errkind.Newf(errkind.Protocol, "data order is not a permutation of 0..%d", n-1)
		}
		seen[idx] = true
	}
	c.DataOrder = order
	return nil
}

// LastMosaic returns the most recent assembled image, or nil.  Used by
// display consumers; the buffer is immutable once assembled.
func (c *Controller) LastMosaic() *focalplane.Mosaic {
	if c.mosaic != nil && c.mosaic.Assembled {
		return c.mosaic
	}
	return c.lastGood
}
