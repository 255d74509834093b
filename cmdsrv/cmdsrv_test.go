package cmdsrv

import (
	"bufio"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/observatory-tools/goacq/errkind"
)

func TestTokenizeQuoting(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"expose 1.5 object 'ngc 1300'", []string{"expose", "1.5", "object", "ngc 1300"}},
		{`set_image_title "a b c"`, []string{"set_image_title", "a b c"}},
		{"echo", []string{"echo"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{`key="v w"`, []string{"key=v w"}},
	}
	for _, tc := range cases {
		got, err := Tokenize(tc.in)
		if err != nil {
			t.Errorf("Tokenize(%q): %v", tc.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Tokenize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := Tokenize("bad 'quote"); err == nil {
		t.Error("unterminated quote accepted")
	}
}

func TestTokenizeQuoteJoinRoundTrip(t *testing.T) {
	lists := [][]string{
		{"a", "b", "c"},
		{"one token", "two"},
		{"m31", "field 2", "x"},
	}
	for _, args := range lists {
		got, err := Tokenize(QuoteJoin(args))
		if err != nil {
			t.Fatalf("round trip %q: %v", args, err)
		}
		if !reflect.DeepEqual(got, args) {
			t.Errorf("round trip %q -> %q", args, got)
		}
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("exposure.expose 1.5 object 'a title'", "")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Tool != "exposure" || cmd.Method != "expose" {
		t.Errorf("parsed %s.%s", cmd.Tool, cmd.Method)
	}
	if !reflect.DeepEqual(cmd.Args, []string{"1.5", "object", "a title"}) {
		t.Errorf("args %q", cmd.Args)
	}

	cmd, err = ParseCommand("expose 1.5", "exposure")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Tool != "exposure" {
		t.Errorf("default tool not applied: %s", cmd.Tool)
	}

	cmd, err = ParseCommand("exposure.set_roi first_col=1 last_col=512", "")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Kwargs["first_col"] != "1" || cmd.Kwargs["last_col"] != "512" {
		t.Errorf("kwargs %v", cmd.Kwargs)
	}

	if _, err = ParseCommand("exposure.set_roi 1 last_col=512", ""); err == nil {
		t.Error("mixed positional and keyword arguments accepted")
	}
	if _, err = ParseCommand("expose", ""); err == nil {
		t.Error("bare method without a default tool accepted")
	}
	if _, err = ParseCommand("a.b.c", ""); !errkind.Has(err, errkind.Protocol) {
		t.Errorf("deep dotted name: %v", err)
	}
}

func TestFormatReply(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, "OK"},
		{"", "OK"},
		{"ready", "OK ready"},
		{"OK already prefixed", "OK already prefixed"},
		{"WARNING watch out", "WARNING watch out"},
		{[]string{"a", "b c"}, "OK a 'b c'"},
		{42, "OK 42"},
		{1.5, "OK 1.5"},
		{true, "OK true"},
		{map[string]interface{}{"seqtotal": 5}, `OK {"seqtotal":5}`},
	}
	for _, tc := range cases {
		if got := FormatReply(tc.in); got != tc.want {
			t.Errorf("FormatReply(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// testServer starts a server with the given tools on a loopback port.
func testServer(t *testing.T, tools map[string]Tool) *Server {
	t.Helper()
	reg := NewRegistry()
	for name, tool := range tools {
		reg.Register(name, tool)
	}
	srv := NewServer(reg)
	srv.Exit = func(int) {}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

type client struct {
	conn net.Conn
	rd   *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, rd: bufio.NewReader(conn)}
}

func (c *client) roundTrip(t *testing.T, line string) string {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
	reply, err := c.rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimRight(reply, "\r\n")
}

func TestServerReservedVerbs(t *testing.T) {
	srv := testServer(t, nil)
	c := dial(t, srv)

	if got := c.roundTrip(t, "echo"); got != "OK" {
		t.Errorf("echo: %q", got)
	}
	if got := c.roundTrip(t, "echo hello there"); got != "OK hello there" {
		t.Errorf("echo args: %q", got)
	}
	if got := c.roundTrip(t, "register console"); got != "OK" {
		t.Errorf("register: %q", got)
	}
	if got := c.roundTrip(t, "closeconnection"); got != "OK" {
		t.Errorf("closeconnection: %q", got)
	}
	if _, err := c.rd.ReadByte(); err == nil {
		t.Error("connection still open after closeconnection")
	}
}

func TestServerEmptyLineProbe(t *testing.T) {
	srv := testServer(t, nil)
	c := dial(t, srv)

	if got := c.roundTrip(t, ""); got != "OK" {
		t.Errorf("probe: %q", got)
	}
	if _, err := c.rd.ReadByte(); err == nil {
		t.Error("connection still open after probe")
	}
}

func TestServerExitVerb(t *testing.T) {
	srv := testServer(t, nil)
	exited := make(chan int, 1)
	srv.Exit = func(code int) { exited <- code }

	c := dial(t, srv)
	if got := c.roundTrip(t, "exit"); got != "OK" {
		t.Errorf("exit handshake: %q", got)
	}
	select {
	case code := <-exited:
		if code != 0 {
			t.Errorf("exit code %d", code)
		}
	case <-time.After(time.Second):
		t.Error("exit hook not called")
	}
}

func TestServerDispatchAndErrors(t *testing.T) {
	status := Tool{
		"ping": func(args []string, kwargs map[string]string) (interface{}, error) {
			return "pong", nil
		},
		"fail": func(args []string, kwargs map[string]string) (interface{}, error) {
			return nil, errkind.New(errkind.Timeout, "integration time stuck")
		},
		"panic": func(args []string, kwargs map[string]string) (interface{}, error) {
			panic("handler bug")
		},
	}
	srv := testServer(t, map[string]Tool{"status": status})
	c := dial(t, srv)

	if got := c.roundTrip(t, "status.ping"); got != "OK pong" {
		t.Errorf("dispatch: %q", got)
	}
	if got := c.roundTrip(t, "status.fail"); !strings.HasPrefix(got, "ERROR") {
		t.Errorf("handler error: %q", got)
	}
	if got := c.roundTrip(t, "status.panic"); !strings.HasPrefix(got, "ERROR") {
		t.Errorf("handler panic: %q", got)
	}
	// the connection survives errors and panics
	if got := c.roundTrip(t, "status.ping"); got != "OK pong" {
		t.Errorf("dispatch after panic: %q", got)
	}
	if got := c.roundTrip(t, "nosuchtool.ping"); !strings.Contains(got, "remote call not allowed") {
		t.Errorf("allow-list: %q", got)
	}
	if got := c.roundTrip(t, "status.nosuchmethod"); !strings.HasPrefix(got, "ERROR") {
		t.Errorf("unknown method: %q", got)
	}
}

func TestServerConcurrentConnections(t *testing.T) {
	block := make(chan struct{})
	slow := Tool{
		"wait": func(args []string, kwargs map[string]string) (interface{}, error) {
			<-block
			return "done", nil
		},
		"ping": func(args []string, kwargs map[string]string) (interface{}, error) {
			return "pong", nil
		},
	}
	srv := testServer(t, map[string]Tool{"exposure": slow})

	blocked := dial(t, srv)
	if _, err := blocked.conn.Write([]byte("exposure.wait\n")); err != nil {
		t.Fatal(err)
	}

	// a second connection stays responsive while the first blocks
	other := dial(t, srv)
	if got := other.roundTrip(t, "exposure.ping"); got != "OK pong" {
		t.Errorf("concurrent dispatch: %q", got)
	}

	close(block)
	reply, err := blocked.rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimRight(reply, "\r\n") != "OK done" {
		t.Errorf("blocked reply: %q", reply)
	}
}
