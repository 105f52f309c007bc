package nmea

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxLineBytes = 1024

	probeCmd    = "AT"
	activateCmd = "AT*E2GPSNPD"
)

// Channel is an open NMEA port.
type Channel struct {
	rw   io.ReadWriteCloser
	path string
	buf  []byte
}

// Open configures the tty at path and pokes the port so the modem starts
// treating it as an NMEA sink. settle is how long to wait after the poke.
func Open(ctx context.Context, path string, baud int, settle time.Duration) (*Channel, error) {
	f, err := openSerial(path, baud)
	if err != nil {
		return nil, fmt.Errorf("nmea open %s: %w", path, err)
	}
	c := NewChannel(f, path)
	if err := c.writeLine(probeCmd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("nmea setup %s: %w", path, err)
	}
	log.Debug().Str("dev", path).Dur("settle", settle).Msg("nmea port settling")
	select {
	case <-ctx.Done():
		_ = f.Close()
		return nil, ctx.Err()
	case <-time.After(settle):
	}
	return c, nil
}

// NewChannel wraps an already open port.
func NewChannel(rw io.ReadWriteCloser, path string) *Channel {
	return &Channel{rw: rw, path: path, buf: make([]byte, maxLineBytes)}
}

func (c *Channel) Path() string {
	return c.path
}

// Activate asks the modem to route NMEA output to this port.
func (c *Channel) Activate() error {
	if err := c.writeLine(activateCmd); err != nil {
		return fmt.Errorf("nmea activate %s: %w", c.path, err)
	}
	return nil
}

// ReadLine performs one read and frames it. Read errors are returned as is so
// the caller can tell a lost device from a malformed line.
func (c *Channel) ReadLine() (Line, error) {
	n, err := c.rw.Read(c.buf)
	if err != nil {
		return "", err
	}
	return ParseLine(c.buf[:n])
}

func (c *Channel) Close() error {
	if c == nil || c.rw == nil {
		return nil
	}
	return c.rw.Close()
}

func (c *Channel) writeLine(s string) error {
	log.Debug().Str("dev", c.path).Str("line", s).Msg("nmea >")
	b := []byte(s + terminator)
	for len(b) > 0 {
		n, err := c.rw.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
