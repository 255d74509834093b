package datalink

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/observatory-tools/goacq/errkind"
)

// bulkServer answers one fetch command with framed sub-frames built from
// frame, using the given 4-byte preamble on every sub-frame.
func bulkServer(t *testing.T, frame []byte, preamble []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			return
		}
		for off := 0; off < len(frame); off += bulkPayload {
			payload := make([]byte, bulkPayload)
			copy(payload, frame[off:])
			conn.Write(preamble)
			conn.Write(payload)
		}
	}()
	return ln.Addr().String()
}

func TestBulkReceive(t *testing.T) {
	// a frame that does not fill its last sub-frame
	frame := testFrame(2*bulkPayload + 100)
	addr := bulkServer(t, frame, []byte{'<', '0', '1', ':'})

	f := NewBulkFetcher(addr, func(total int) string { return "FETCH" })
	got, err := f.Receive(len(frame))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("reassembled frame differs from source")
	}
}

func TestBulkPreambleMismatchFatal(t *testing.T) {
	frame := testFrame(2 * bulkPayload)
	addr := bulkServer(t, frame, []byte{'<', '0', '1', '?'})

	f := NewBulkFetcher(addr, func(total int) string { return "FETCH" })
	_, err := f.Receive(len(frame))
	if err == nil {
		t.Fatal("expected mismatched tag delimiter to fail the receive")
	}
	if !errkind.Has(err, errkind.Transport) {
		t.Errorf("expected Transport kind, got %v", err)
	}
}
