package imgrec

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"

	"github.com/observatory-tools/goacq/focalplane"
)

func testMosaic() *focalplane.Mosaic {
	m := &focalplane.Mosaic{Width: 4, Height: 2, Pix: make([]float32, 8), Assembled: true}
	for i := range m.Pix {
		m.Pix[i] = float32(i * 100)
	}
	return m
}

func TestRecorderWriteIncrementsCounter(t *testing.T) {
	root, err := ioutil.TempDir("", "imgrec")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	r := NewRecorder(root, "test.")
	m := testMosaic()
	cards := []fitsio.Card{{Name: "OBJECT", Value: "flat field"}}

	want := r.NextFile()
	p1, err := r.Write(m, nil, cards)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != want {
		t.Errorf("Write wrote %s, NextFile promised %s", p1, want)
	}
	p2, err := r.Write(m, nil, cards)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Errorf("counter did not advance, both writes used %s", p1)
	}
	if filepath.Base(p1) != "test.000000.fits" || filepath.Base(p2) != "test.000001.fits" {
		t.Errorf("unexpected filenames %s, %s", p1, p2)
	}

	fldr := filepath.Base(filepath.Dir(p1))
	if _, err := time.Parse("2006-01-02", fldr); err != nil {
		t.Errorf("folder %s is not a date: %v", fldr, err)
	}
}

func TestRecorderRescanSkipsExistingFiles(t *testing.T) {
	root, err := ioutil.TempDir("", "imgrec")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	fldr := filepath.Join(root, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(fldr, 0777); err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 1, 5} {
		name := filepath.Join(fldr, fmt.Sprintf("test.%06d.fits", n))
		if err := ioutil.WriteFile(name, []byte("x"), 0666); err != nil {
			t.Fatal(err)
		}
	}

	r := NewRecorder(root, "test.")
	got := r.NextFile()
	if filepath.Base(got) != "test.000006.fits" {
		t.Errorf("expected counter to resume past existing files, got %s", got)
	}
}

func TestRecorderDisabledSkipsWrite(t *testing.T) {
	root, err := ioutil.TempDir("", "imgrec")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	r := NewRecorder(root, "test.")
	r.SetEnabled(false)
	path, err := r.Write(testMosaic(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if path != "" {
		t.Errorf("disabled recorder wrote %s", path)
	}
	if !r.IsEnabled() {
		r.SetEnabled(true)
	}
	if !r.IsEnabled() {
		t.Error("SetEnabled(true) did not re-enable")
	}
}

func TestClamp16(t *testing.T) {
	cases := []struct {
		in   float32
		want uint16
	}{
		{-5, 0},
		{0, 0},
		{100.4, 100},
		{100.6, 101},
		{70000, 65535},
	}
	for _, c := range cases {
		if got := clamp16(c.in); got != c.want {
			t.Errorf("clamp16(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

// archiveServer accepts one framed transfer and reports what it saw
type archiveServer struct {
	addr   string
	length int64
	data   []byte
	crc    uint16
	status string
	done   chan error
}

func newArchiveServer(t *testing.T, status string) *archiveServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	srv := &archiveServer{addr: ln.Addr().String(), status: status, done: make(chan error, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			srv.done <- err
			return
		}
		defer conn.Close()
		header := make([]byte, 16)
		if _, err := io.ReadFull(conn, header); err != nil {
			srv.done <- err
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(string(header)), 10, 64)
		if err != nil {
			srv.done <- err
			return
		}
		srv.length = n
		srv.data = make([]byte, n)
		if _, err := io.ReadFull(conn, srv.data); err != nil {
			srv.done <- err
			return
		}
		trailer := make([]byte, 2)
		if _, err := io.ReadFull(conn, trailer); err != nil {
			srv.done <- err
			return
		}
		srv.crc = binary.BigEndian.Uint16(trailer)
		conn.Write([]byte(fmt.Sprintf("%-16s", srv.status)))
		srv.done <- nil
	}()
	return srv
}

func TestSenderFramesFileWithLengthAndCRC(t *testing.T) {
	dir, err := ioutil.TempDir("", "imgrec")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "test.000000.fits")
	payload := []byte("SIMPLE  =                    T")
	if err := ioutil.WriteFile(path, payload, 0666); err != nil {
		t.Fatal(err)
	}

	srv := newArchiveServer(t, "0")
	s := NewSender(srv.addr)
	s.Timeout = 2 * time.Second
	if err := s.Send(path); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-srv.done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if srv.length != int64(len(payload)) {
		t.Errorf("header length %d, want %d", srv.length, len(payload))
	}
	if string(srv.data) != string(payload) {
		t.Error("payload mismatch")
	}
	want := uint16(crc.CalculateCRC(crc.XMODEM, payload))
	if srv.crc != want {
		t.Errorf("CRC %04x, want %04x", srv.crc, want)
	}
}

func TestSenderRejectsBadStatus(t *testing.T) {
	dir, err := ioutil.TempDir("", "imgrec")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "test.000000.fits")
	if err := ioutil.WriteFile(path, []byte("data"), 0666); err != nil {
		t.Fatal(err)
	}

	srv := newArchiveServer(t, "3 no such folder")
	s := NewSender(srv.addr)
	s.Timeout = 2 * time.Second
	if err := s.Send(path); err == nil {
		t.Fatal("expected error on nonzero status")
	}
	<-srv.done
}
