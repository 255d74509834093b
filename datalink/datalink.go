/*Package datalink receives raw pixel data from controller servers.

Two wire models exist.  Puller speaks the pull protocol: each request
line "GetImageData <n>" is answered with a 16-ASCII-digit length, one
delimiter byte, and that many data bytes; the puller loops until the
declared frame size has arrived, tolerating empty replies up to a retry
ceiling.  BulkFetcher speaks the bulk model: one fetch command, then a
stream of preamble-tagged 1024-byte sub-frames.

Both models yield one flat byte buffer which SplitAmps de-interleaves
into per-amplifier pixel slices.
*/
package datalink

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/observatory-tools/goacq/comm"
	"github.com/observatory-tools/goacq/errkind"
	"github.com/observatory-tools/goacq/focalplane"
)

// dialData connects to a data socket with a short retry; controller
// servers take a moment to arm the socket after readout starts.
func dialData(addr string, timeout time.Duration) (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		c, err := comm.TCPSetup(addr, timeout)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	return conn, err
}

// SplitAmps de-interleaves a raw frame into per-amplifier buffers.  The
// stream is pixel-interleaved: pixel k of every amplifier arrives before
// pixel k+1 of any.  order, when non-empty, maps output slot i to the
// wire channel feeding it, for controllers whose amplifiers are not
// cabled in physical order.  bytesPerPixel is 1 or 2 (little-endian).
func SplitAmps(raw []byte, numAmps, bytesPerPixel int, order []int) ([]focalplane.RawAmpBuffer, error) {
	if bytesPerPixel != 1 && bytesPerPixel != 2 {
		return nil, errkind.Newf(errkind.Protocol, "unsupported bytes per pixel %d", bytesPerPixel)
	}
	if len(raw)%bytesPerPixel != 0 {
		return nil, errkind.Newf(errkind.Protocol, "frame of %d bytes is not a whole pixel count", len(raw))
	}
	totalPix := len(raw) / bytesPerPixel
	if numAmps < 1 || totalPix%numAmps != 0 {
		return nil, errkind.Newf(errkind.Protocol, "%d pixels do not divide across %d amplifiers", totalPix, numAmps)
	}
	if len(order) != 0 && len(order) != numAmps {
		return nil, errkind.Newf(errkind.Protocol, "data order has %d entries for %d amplifiers", len(order), numAmps)
	}

	perAmp := totalPix / numAmps
	amps := make([]focalplane.RawAmpBuffer, numAmps)
	for i := range amps {
		amps[i] = make(focalplane.RawAmpBuffer, perAmp)
	}
	for p := 0; p < perAmp; p++ {
		base := p * numAmps
		for a := 0; a < numAmps; a++ {
			src := a
			if len(order) != 0 {
				src = order[a]
			}
			var v uint16
			if bytesPerPixel == 1 {
				v = uint16(raw[base+src])
			} else {
				v = binary.LittleEndian.Uint16(raw[(base+src)*2:])
			}
			amps[a][p] = v
		}
	}
	return amps, nil
}
