package atchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.bug.st/serial"
)

// Transport is an open byte stream to the modem control port.
type Transport interface {
	io.ReadWriteCloser
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens a tty through go.bug.st/serial.
type SerialDialer struct {
	Path string
	Mode *serial.Mode
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Path == "" {
		return nil, errors.New("atchan: serial path is required")
	}
	if ctx == nil {
		return nil, errors.New("atchan: context is nil")
	}

	type result struct {
		p   serial.Port
		err error
	}
	ch := make(chan result, 1)

	// serial.Open has no context; race it against cancellation.
	go func() {
		p, err := serial.Open(d.Path, d.Mode)
		ch <- result{p: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err == nil && r.p != nil {
				_ = r.p.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open serial port %q: %w", d.Path, r.err)
		}
		return r.p, nil
	}
}

// FileDialer opens a character device that is not a tty, such as a USB
// bulk endpoint node exposed by the modem driver.
type FileDialer struct {
	Path string
}

func (d FileDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Path == "" {
		return nil, errors.New("atchan: device path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", d.Path, err)
	}
	return f, nil
}

// DialerFor picks a dialer for a control device path. ACM ttys get a raw
// serial port at baud; everything else is opened as a file.
func DialerFor(path string, baud int) Dialer {
	if strings.HasPrefix(path, "/dev/ttyA") {
		if baud <= 0 {
			baud = 115200
		}
		return SerialDialer{Path: path, Mode: &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}}
	}
	return FileDialer{Path: path}
}
