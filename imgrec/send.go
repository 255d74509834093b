package imgrec

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/snksoft/crc"

	"github.com/observatory-tools/goacq/comm"
	"github.com/observatory-tools/goacq/errkind"
)

// sendChunk is the write size used when streaming file data
const sendChunk = 32 * 1024

var crcTable = crc.NewTable(crc.XMODEM)

// ArchiveSender forwards written image files to a remote archive server
// over TCP.  Each transfer is framed as a 16 ASCII digit byte count, the
// raw file data, and a big-endian CRC-16/XMODEM trailer over the data.
// The server answers with a 16 byte ASCII status whose first character
// is '0' on success.
type ArchiveSender struct {
	// Addr is the host:port of the archive server
	Addr string

	// Timeout bounds the dial and the status read
	Timeout time.Duration
}

// NewSender returns an ArchiveSender pointed at addr with a 10 second
// timeout.
func NewSender(addr string) *ArchiveSender {
	return &ArchiveSender{Addr: addr, Timeout: 10 * time.Second}
}

// Send transfers the file at path to the archive server.
func (s *ArchiveSender) Send(path string) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}

	conn, err := comm.TCPSetup(s.Addr, s.Timeout)
	if err != nil {
		return errkind.Wrap(errkind.Transport, "archive server not reachable", err)
	}
	defer conn.Close()

	header := fmt.Sprintf("%16d", len(buf))
	if _, err := conn.Write([]byte(header)); err != nil {
		return errkind.Wrap(errkind.Transport, "could not send image header to archive server", err)
	}

	for start := 0; start < len(buf); start += sendChunk {
		end := start + sendChunk
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := conn.Write(buf[start:end]); err != nil {
			return errkind.Wrap(errkind.Transport, "could not send image data to archive server", err)
		}
	}

	trailer := make([]byte, 2)
	binary.BigEndian.PutUint16(trailer, uint16(crcTable.CalculateCRC(buf)))
	if _, err := conn.Write(trailer); err != nil {
		return errkind.Wrap(errkind.Transport, "could not send CRC trailer to archive server", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.Timeout))
	status := make([]byte, 16)
	n, err := conn.Read(status)
	if err != nil {
		return errkind.Wrap(errkind.Transport, "no status reply from archive server", err)
	}
	if n < 1 || status[0] != '0' {
		return errkind.Newf(errkind.Transport, "bad status from archive server: %q", status[:n])
	}
	return nil
}
