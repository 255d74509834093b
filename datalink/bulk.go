package datalink

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/observatory-tools/goacq/errkind"
)

const (
	// bulkPayload is the payload size of one sub-frame
	bulkPayload = 1024

	// bulkPreamble is the tag size preceding every payload
	bulkPreamble = 4
)

// BulkFetcher receives a frame over the bulk-fetch data model: a single
// fetch command followed by a stream of fixed-size sub-frames, each a
// 4-byte preamble tag and 1024 bytes of payload.  The final sub-frame is
// padded out to the full payload size.
type BulkFetcher struct {
	// Addr is the controller's data socket
	Addr string

	// FetchCommand builds the fetch command for a frame of the given
	// size in bytes, e.g. "FETCH%08X%08X" with base address and line
	// count for Archon-style controllers.
	FetchCommand func(totalBytes int) string

	// TagDelim is the byte every preamble must end with; a mismatch is
	// fatal for the receive.
	TagDelim byte

	// ReadTimeout bounds each socket read
	ReadTimeout time.Duration

	// OnProgress, when set, receives the remaining byte count after
	// every sub-frame.
	OnProgress func(bytesRemaining int)
}

// NewBulkFetcher returns a fetcher using the ':' preamble delimiter.
func NewBulkFetcher(addr string, fetchCommand func(totalBytes int) string) *BulkFetcher {
	return &BulkFetcher{
		Addr:         addr,
		FetchCommand: fetchCommand,
		TagDelim:     ':',
		ReadTimeout:  10 * time.Second,
	}
}

// Receive issues one fetch and consumes sub-frames until total payload
// bytes have arrived.  Every exit path closes the data socket.
func (b *BulkFetcher) Receive(total int) ([]byte, error) {
	conn, err := dialData(b.Addr, 3*time.Second)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, "opening data socket", err)
	}
	defer conn.Close()

	frames := (total + bulkPayload - 1) / bulkPayload
	cmd := b.FetchCommand(total)
	conn.SetWriteDeadline(time.Now().Add(b.ReadTimeout))
	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return nil, errkind.Wrap(errkind.Transport, "fetch command", err)
	}

	buf := make([]byte, 0, total)
	rd := bufio.NewReaderSize(conn, 64*1024)
	sub := make([]byte, bulkPreamble+bulkPayload)

	for f := 0; f < frames; f++ {
		conn.SetReadDeadline(time.Now().Add(b.ReadTimeout))
		if _, err := io.ReadFull(rd, sub); err != nil {
			return nil, errkind.Wrap(errkind.Transport,
				fmt.Sprintf("sub-frame %d of %d", f+1, frames), err)
		}
		if sub[bulkPreamble-1] != b.TagDelim {
			return nil, errkind.Newf(errkind.Transport,
				"sub-frame %d preamble %q lacks delimiter %q", f+1, sub[:bulkPreamble], b.TagDelim)
		}
		want := total - len(buf)
		if want > bulkPayload {
			want = bulkPayload
		}
		buf = append(buf, sub[bulkPreamble:bulkPreamble+want]...)
		if b.OnProgress != nil {
			b.OnProgress(total - len(buf))
		}
	}
	return buf, nil
}
