/*Package comm provides the low-level link to camera controller servers.

Controller servers speak newline-terminated ASCII on their command port.
A Link wraps either a TCP connection or a serial port and provides
terminator-framed Send/Recv/SendRecv.  Opening a link retries with an
exponential backoff because controller servers are slow to accept
connections right after a restart.

A minimal example for a controller that responds to "Version" with a
version string:

	type MyController struct {
		comm.Link
	}

	func (c *MyController) Version() (string, error) {
		err := c.Open()
		if err != nil {
			return "", err
		}
		defer c.Close()
		resp, err := c.SendRecv([]byte("Version"))
		return string(resp), err
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	terminator = byte('\n')

	// ErrNoSerialConf is generated when .SerialConf is not overriden
	// and the link is marked serial
	ErrNoSerialConf = errors.New("type does not define .SerialConf() method and instance IsSerial=true")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Sender has a Send method that passes along a byte slice as well as a
// TxTerminator returning the transmission termination byte
type Sender interface {
	Send([]byte) error
	TxTerminator() byte
}

// Recver has a Recv method that gets a byte slice as well as an
// RxTerminator returning the receipt termination byte
type Recver interface {
	Recv() ([]byte, error)
	RxTerminator() byte
}

// SendRecver can send and recieve, and provides a method that sends then recieves
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

// SerialConfigurator has a SerialConf method that provides a serial.Config
// suitable for passing to serial.OpenPort
type SerialConfigurator interface {
	SerialConf() *serial.Config
}

/*Link has an address and implements Communicator.

If IsSerial is true, the embedding type must satisfy the
SerialConfigurator interface.
*/
type Link struct {
	Addr     string
	IsSerial bool
	Conn     io.ReadWriteCloser
}

// NewLink creates a new Link instance
func NewLink(addr string, isSerial bool) Link {
	return Link{Addr: addr, IsSerial: isSerial}
}

// SerialConf yields a pointer to a serial config object for use with serial.OpenPort
func (l *Link) SerialConf() *serial.Config {
	return nil
}

// Open the connection, setting the Conn variable.  Controller servers
// do not like being connection thrashed, so connect failures that look
// like the server is still coming up are retried with backoff.
func (l *Link) Open() error {
	wasTimeout := false
	op := func() error {
		err := l.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff will cease on a timeout so we don't wait
	// forever, so we need to check for err != nil && !wasTimeout
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", l.Addr)
	}
	return err
}

func (l *Link) open() error {
	var err error
	var conn io.ReadWriteCloser
	if l.IsSerial {
		conf := l.SerialConf()
		if conf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(conf)
	} else {
		conn, err = TCPSetup(l.Addr, 3*time.Second)
	}
	if err != nil {
		return err
	}
	l.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable
func (l *Link) Close() error {
	if l.Conn == nil {
		return nil
	}
	err := l.Conn.Close()
	if err == nil {
		l.Conn = nil
	}
	return err
}

// TxTerminator returns the transmission termination byte
func (l *Link) TxTerminator() byte {
	return terminator
}

// Send writes data to the remote
func (l *Link) Send(b []byte) error {
	if l.Conn == nil {
		return ErrNotConnected
	}
	b = append(b, l.TxTerminator())
	_, err := l.Conn.Write(b)
	return err
}

// RxTerminator returns the receipt termination byte
func (l *Link) RxTerminator() byte {
	return terminator
}

// Recv recieves data from the remote and strips the Rx terminator
// along with any trailing carriage return
func (l *Link) Recv() ([]byte, error) {
	if l.Conn == nil {
		return nil, ErrNotConnected
	}
	term := l.RxTerminator()
	buf, err := bufio.NewReader(l.Conn).ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		buf = buf[:len(buf)-1]
		buf = bytes.TrimSuffix(buf, []byte{'\r'})
		return buf, nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (l *Link) SendRecv(b []byte) ([]byte, error) {
	if l.Conn == nil {
		return []byte{}, ErrNotConnected
	}
	err := l.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return l.Recv()
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
