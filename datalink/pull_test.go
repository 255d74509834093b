package datalink

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/observatory-tools/goacq/errkind"
)

// pullServer serves the GetImageData protocol from frame, answering each
// request with at most the next value from chunkPlan (0 means an empty
// reply); once the plan is exhausted it serves whatever was requested.
func pullServer(t *testing.T, frame []byte, chunkPlan []int) string {
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
		rd := bufio.NewReader(conn)
		cursor := 0
		plan := chunkPlan
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			fields := strings.Fields(strings.TrimSpace(line))
			if len(fields) != 2 || fields[0] != "GetImageData" {
				return
			}
			want, _ := strconv.Atoi(fields[1])
			want -= 17
			n := want
			if len(plan) > 0 {
				n = plan[0]
				plan = plan[1:]
			}
			if n > want {
				n = want
			}
			if n > len(frame)-cursor {
				n = len(frame) - cursor
			}
			fmt.Fprintf(conn, "%16d ", n)
			conn.Write(frame[cursor : cursor+n])
			cursor += n
		}
	}()
	return ln.Addr().String()
}

func testFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = byte(i)
	}
	return frame
}

func fastPuller(addr string) *Puller {
	p := NewPuller(addr)
	p.RetrySleep = time.Millisecond
	p.ReadTimeout = 2 * time.Second
	return p
}

func TestReceiveArbitraryChunking(t *testing.T) {
	frame := testFrame(1000)
	// ragged chunks with empty replies interleaved
	addr := pullServer(t, frame, []int{100, 0, 1, 0, 0, 399, 250})
	p := fastPuller(addr)

	var progress []int
	p.OnProgress = func(rem int) { progress = append(progress, rem) }

	got, err := p.Receive(len(frame))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("reassembled frame differs from source")
	}
	if len(progress) == 0 || progress[len(progress)-1] != 0 {
		t.Errorf("progress did not end at zero: %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] > progress[i-1] {
			t.Errorf("progress went up: %v", progress)
		}
	}
}

func TestReceiveRetryCeiling(t *testing.T) {
	// plan of all zeros: the server never delivers
	plan := make([]int, 100)
	addr := pullServer(t, testFrame(64), plan)
	p := fastPuller(addr)
	p.EmptyRetryLimit = 5

	_, err := p.Receive(64)
	if err == nil {
		t.Fatal("expected failure after retry ceiling")
	}
	if !errkind.Has(err, errkind.Timeout) {
		t.Errorf("expected Timeout kind, got %v", err)
	}
}

func TestReceiveAbortOutsideSequence(t *testing.T) {
	frame := testFrame(10000)
	// trickle so the abort is observed mid-receive
	addr := pullServer(t, frame, []int{100, 100, 100, 100, 100, 100, 100, 100})
	p := fastPuller(addr)

	delivered := 0
	stopped := false
	p.OnProgress = func(rem int) { delivered = len(frame) - rem }
	p.Aborted = func() bool { return delivered >= 200 }
	p.InSequence = func() bool { return false }
	p.StopReadout = func() error { stopped = true; return nil }

	_, err := p.Receive(len(frame))
	if err == nil {
		t.Fatal("expected aborted receive to fail")
	}
	if !errkind.Has(err, errkind.AbortedDuringReceive) {
		t.Errorf("expected AbortedDuringReceive kind, got %v", err)
	}
	if !stopped {
		t.Error("controller readout was not stopped")
	}
}

func TestReceiveAbortInsideSequenceCompletes(t *testing.T) {
	frame := testFrame(1000)
	addr := pullServer(t, frame, []int{100})
	p := fastPuller(addr)

	p.Aborted = func() bool { return true }
	p.InSequence = func() bool { return true }

	got, err := p.Receive(len(frame))
	if err != nil {
		t.Fatalf("sequence abort should let the readout finish: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("frame corrupted")
	}
}

func TestParseLength(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"            1024", 1024, true},
		{"               0", 0, true},
		{"                ", 0, true},
		{"          garbage", 0, false},
	}
	for _, tc := range cases {
		got, err := parseLength([]byte(tc.in))
		if tc.ok && err != nil {
			t.Errorf("parseLength(%q): %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("parseLength(%q): expected error", tc.in)
		}
		if tc.ok && got != tc.want {
			t.Errorf("parseLength(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSplitAmpsTwoByte(t *testing.T) {
	// 3 pixels x 2 amps, little-endian, pixel-interleaved
	raw := []byte{
		1, 0, 10, 0,
		2, 0, 20, 0,
		3, 0, 30, 0,
	}
	amps, err := SplitAmps(raw, 2, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if amps[0][0] != 1 || amps[0][1] != 2 || amps[0][2] != 3 {
		t.Errorf("amp 0 = %v", amps[0])
	}
	if amps[1][0] != 10 || amps[1][1] != 20 || amps[1][2] != 30 {
		t.Errorf("amp 1 = %v", amps[1])
	}
}

func TestSplitAmpsOrderPermutation(t *testing.T) {
	raw := []byte{1, 10, 2, 20}
	amps, err := SplitAmps(raw, 2, 1, []int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if amps[0][0] != 10 || amps[1][0] != 1 {
		t.Errorf("order not applied: %v %v", amps[0], amps[1])
	}
}

func TestSplitAmpsRejectsRaggedFrame(t *testing.T) {
	if _, err := SplitAmps([]byte{1, 2, 3}, 2, 1, nil); err == nil {
		t.Error("expected error for pixels not divisible by amps")
	}
	if _, err := SplitAmps([]byte{1, 2, 3}, 1, 2, nil); err == nil {
		t.Error("expected error for odd byte count at 2 bytes per pixel")
	}
}
