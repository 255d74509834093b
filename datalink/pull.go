package datalink

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/observatory-tools/goacq/errkind"
)

const (
	// headerLen is the length framing on every data reply:
	// 16 ASCII digits plus one delimiter byte
	headerLen = 17

	// DefaultMaxChunk bounds one data request; large reads help write
	// throughput on the remote end
	DefaultMaxChunk = 5 * 1024 * 1024

	// DefaultEmptyRetryLimit is how many consecutive empty replies are
	// tolerated before the receive is declared dead.  Frames can be slow
	// to start, so the ceiling is generous.
	DefaultEmptyRetryLimit = 50

	// DefaultRetrySleep is the pause after an empty reply
	DefaultRetrySleep = 200 * time.Millisecond
)

// Puller receives a frame over the pull-model data protocol.  The data
// socket is exclusive to one exposure at a time; every exit path closes it.
type Puller struct {
	// Addr is the controller server's data socket
	Addr string

	// MaxChunk bounds a single data request in bytes
	MaxChunk int

	// EmptyRetryLimit is the consecutive-empty-reply ceiling
	EmptyRetryLimit int

	// RetrySleep is the pause after an empty reply
	RetrySleep time.Duration

	// ReadTimeout bounds each socket read
	ReadTimeout time.Duration

	// Aborted reports whether an operator abort is pending.  Nil means
	// no abort source.  The abort is observed at chunk boundaries only.
	Aborted func() bool

	// InSequence reports whether a multi-exposure sequence is running.
	// A sequence abort lets the in-flight readout finish, matching the
	// exposure state machine.
	InSequence func() bool

	// StopReadout is called to halt the controller when an abort
	// terminates the read loop.  May be nil.
	StopReadout func() error

	// OnProgress, when set, receives the remaining byte count after
	// every chunk.
	OnProgress func(bytesRemaining int)
}

// NewPuller returns a puller with the documented defaults.
func NewPuller(addr string) *Puller {
	return &Puller{
		Addr:            addr,
		MaxChunk:        DefaultMaxChunk,
		EmptyRetryLimit: DefaultEmptyRetryLimit,
		RetrySleep:      DefaultRetrySleep,
		ReadTimeout:     10 * time.Second,
	}
}

// Receive pulls exactly total bytes from the data socket.  It returns an
// AbortedDuringReceive error when an operator abort cut the transfer, a
// Timeout error when the retry ceiling was hit, and a Transport error for
// anything else.
func (p *Puller) Receive(total int) ([]byte, error) {
	conn, err := dialData(p.Addr, 3*time.Second)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, "opening data socket", err)
	}
	defer conn.Close()

	buf := make([]byte, total)
	rd := bufio.NewReaderSize(conn, 64*1024)

	got := 0
	emptyReads := 0
	aborted := false

	for got < total && emptyReads < p.EmptyRetryLimit {
		if p.Aborted != nil && p.Aborted() {
			if p.InSequence != nil && p.InSequence() {
				// let this readout finish; only the sequence stops
			} else {
				aborted = true
				if p.StopReadout != nil {
					p.StopReadout()
				}
				break
			}
		}

		want := total - got
		if want > p.MaxChunk {
			want = p.MaxChunk
		}
		n, err := p.request(conn, rd, buf[got:got+want], want)
		if err != nil {
			return nil, errkind.Wrap(errkind.Transport, "data request", err)
		}
		if n > 0 {
			got += n
			emptyReads = 0
			if p.OnProgress != nil {
				p.OnProgress(total - got)
			}
		} else {
			emptyReads++
			time.Sleep(p.RetrySleep)
		}
	}

	if got == total {
		if p.OnProgress != nil {
			p.OnProgress(0)
		}
		return buf, nil
	}
	if aborted {
		return nil, errkind.Newf(errkind.AbortedDuringReceive,
			"receive stopped after %d of %d bytes", got, total)
	}
	return nil, errkind.Newf(errkind.Timeout,
		"no data after %d empty replies, received %d of %d bytes",
		p.EmptyRetryLimit, got, total)
}

// request issues one GetImageData round trip.  The request count carries
// the 17 framing bytes, per the controller server convention.  dst must
// have room for want bytes; the reply may be shorter, including zero
// length when the server has nothing buffered yet.
func (p *Puller) request(conn net.Conn, rd *bufio.Reader, dst []byte, want int) (int, error) {
	conn.SetWriteDeadline(time.Now().Add(p.ReadTimeout))
	_, err := fmt.Fprintf(conn, "GetImageData %d\n", want+headerLen)
	if err != nil {
		return 0, err
	}

	conn.SetReadDeadline(time.Now().Add(p.ReadTimeout))
	var header [headerLen]byte
	if _, err := io.ReadFull(rd, header[:]); err != nil {
		return 0, err
	}
	declared, err := parseLength(header[:16])
	if err != nil {
		return 0, err
	}
	if declared == 0 {
		return 0, nil
	}
	if declared > len(dst) {
		return 0, fmt.Errorf("server declared %d bytes for a %d byte request", declared, len(dst))
	}
	if _, err := io.ReadFull(rd, dst[:declared]); err != nil {
		return 0, err
	}
	return declared, nil
}

// parseLength decodes the 16-digit ASCII length prefix, which may be
// space padded.
func parseLength(b []byte) (int, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad length prefix %q", string(b))
	}
	return n, nil
}
