package exposure

import (
	"sync"
	"sync/atomic"
	"time"
)

// Flag is the exposure state discriminator.  It is the only value shared
// between the exposure goroutine and command handlers on other
// connections, so all access goes through atomic loads and stores; a
// handler setting Abort is observed at the next poll tick of the
// integration loop or the next chunk boundary of the receive loop.
type Flag int32

const (
	// FlagNone means no exposure is in progress
	FlagNone Flag = iota

	// FlagSetup covers begin-of-exposure configuration
	FlagSetup

	// FlagExposing means the sensor is integrating
	FlagExposing

	// FlagPause requests an integration pause
	FlagPause

	// FlagPaused means integration is suspended
	FlagPaused

	// FlagResume requests that a paused integration continue
	FlagResume

	// FlagRead requests immediate readout of the integrating image
	FlagRead

	// FlagReadout means pixel data is being received
	FlagReadout

	// FlagWriting means the image is being written to its sink
	FlagWriting

	// FlagAbort requests that the current exposure stop
	FlagAbort

	// FlagGuideError marks a failed readout inside a guide loop
	FlagGuideError

	// FlagError marks a failed exposure
	FlagError
)

var flagNames = [...]string{
	"NONE", "SETUP", "EXPOSING", "PAUSE", "PAUSED", "RESUME",
	"READ", "READOUT", "WRITING", "ABORT", "GUIDEERROR", "ERROR",
}

func (f Flag) String() string {
	if f < 0 || int(f) >= len(flagNames) {
		return "UNKNOWN"
	}
	return flagNames[f]
}

// State holds one exposure's lifecycle data: the flag, the exposure
// timers, and the sequence and pixel counters.  Exactly one State exists
// per Controller; it is created at startup and mutated for every
// exposure.
type State struct {
	flag      int32
	pixRemain int64
	aborted   int32
	completed int32

	mu          sync.Mutex
	expTime     time.Duration
	remaining   time.Duration
	actual      time.Duration
	saved       time.Duration
	darkTime    time.Duration
	darkStart   time.Time
	pausedTotal time.Duration
	pausedStart time.Time
	inSequence  bool
	seqNum      int
	seqTotal    int
}

// Flag returns the current exposure flag.
func (s *State) Flag() Flag {
	return Flag(atomic.LoadInt32(&s.flag))
}

func (s *State) setFlag(f Flag) {
	atomic.StoreInt32(&s.flag, int32(f))
}

// setFlagIfActive stores f unless no exposure is in progress; pause,
// resume, abort and read requests against an idle controller are no-ops.
func (s *State) setFlagIfActive(f Flag) {
	for {
		cur := atomic.LoadInt32(&s.flag)
		if Flag(cur) == FlagNone {
			return
		}
		if atomic.CompareAndSwapInt32(&s.flag, cur, int32(f)) {
			return
		}
	}
}

// PixelsRemaining returns the readout countdown.
func (s *State) PixelsRemaining() int {
	return int(atomic.LoadInt64(&s.pixRemain))
}

func (s *State) setPixelsRemaining(n int) {
	atomic.StoreInt64(&s.pixRemain, int64(n))
}

// Completed reports whether the last exposure ran to the end of its
// lifecycle.  Cleared when a new exposure begins.
func (s *State) Completed() bool {
	return atomic.LoadInt32(&s.completed) != 0
}

func (s *State) setCompleted(v bool) {
	var n int32
	if v {
		n = 1
	}
	atomic.StoreInt32(&s.completed, n)
}

// Aborted reports whether the current or last exposure saw an abort.
// Latched so sequence and guide loops can stop after the exposure that
// observed it has finished; cleared when a new exposure begins.
func (s *State) Aborted() bool {
	return atomic.LoadInt32(&s.aborted) != 0
}

func (s *State) setAborted(v bool) {
	var n int32
	if v {
		n = 1
	}
	atomic.StoreInt32(&s.aborted, n)
}

// InSequence reports whether an exposure sequence is in progress.
func (s *State) InSequence() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSequence
}

// SequenceProgress returns the current exposure number and the sequence
// total, both zero outside a sequence.
func (s *State) SequenceProgress() (num, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inSequence {
		return 0, 0
	}
	return s.seqNum, s.seqTotal
}

func (s *State) startSequence(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSequence = true
	s.seqNum = 1
	s.seqTotal = total
}

func (s *State) advanceSequence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqNum++
}

func (s *State) stopSequence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSequence = false
	s.seqNum = 1
}

// ExposureTime returns the requested integration time.
func (s *State) ExposureTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expTime
}

// TimeRemaining returns the remaining integration time from the last
// controller poll.
func (s *State) TimeRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// ActualTime returns the elapsed integration time of the last exposure,
// which differs from the request when readout was forced early.
func (s *State) ActualTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actual
}

// DarkTime returns the wall-clock time from start of integration to
// start of readout, including any paused time.
func (s *State) DarkTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.darkTime
}
