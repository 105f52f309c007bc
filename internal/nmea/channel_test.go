package nmea

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// chunkPort returns one queued chunk per Read, like a tty in canonical mode.
type chunkPort struct {
	chunks  [][]byte
	written bytes.Buffer
	closed  bool
}

func (p *chunkPort) Read(b []byte) (int, error) {
	if len(p.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.chunks[0])
	p.chunks = p.chunks[1:]
	return n, nil
}

func (p *chunkPort) Write(b []byte) (int, error) { return p.written.Write(b) }

func (p *chunkPort) Close() error {
	p.closed = true
	return nil
}

func TestChannel_ReadLine(t *testing.T) {
	port := &chunkPort{chunks: [][]byte{
		[]byte("$GPGGA,123519,4807.038,N\r\n"),
		[]byte("$GPRMC,partial"),
		[]byte("x"),
	}}
	c := NewChannel(port, "/dev/fake")

	l, err := c.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if l != "$GPGGA,123519,4807.038,N" {
		t.Fatalf("line=%q", l)
	}
	if _, err := c.ReadLine(); !errors.Is(err, ErrMalformedLine) {
		t.Fatalf("err=%v want ErrMalformedLine", err)
	}
	if _, err := c.ReadLine(); !errors.Is(err, ErrMalformedLine) {
		t.Fatalf("single byte read: err=%v want ErrMalformedLine", err)
	}
	if _, err := c.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v want EOF", err)
	}
}

func TestChannel_Activate(t *testing.T) {
	port := &chunkPort{}
	c := NewChannel(port, "/dev/fake")
	if err := c.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := port.written.String(); got != "AT*E2GPSNPD\r\n" {
		t.Fatalf("written=%q", got)
	}
	_ = c.Close()
	if !port.closed {
		t.Fatalf("port not closed")
	}
}
