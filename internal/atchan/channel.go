package atchan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrClosed  = errors.New("atchan: channel closed")
	ErrTimeout = errors.New("atchan: command timeout")
)

// CommandError reports a command that finished with anything but OK.
type CommandError struct {
	Cmd   string
	Final string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("atchan: %s: %s", e.Cmd, e.Final)
}

// Handlers are invoked from the reader goroutine, except OnTimeout which runs
// on the goroutine whose command timed out.
type Handlers struct {
	OnUnsolicited  func(line string)
	OnReaderClosed func(err error)
	OnTimeout      func()
	// OnResult observes every completed command.
	OnResult func(cmd string, err error)
}

const (
	DefaultTimeout = 180 * time.Second

	handshakeCmd      = "ATE0Q0V1"
	handshakeAttempts = 8
	handshakeTimeout  = 250 * time.Millisecond
)

type respKind int

const (
	respNone respKind = iota
	respSingle
	respMulti
)

type request struct {
	cmd     string
	kind    respKind
	prefix  string
	timeout time.Duration
	// quiet requests do not escalate a timeout to OnTimeout.
	quiet bool

	lines  []string
	prompt chan struct{}
	done   chan string
}

func (r *request) accepts(line string) bool {
	switch r.kind {
	case respSingle:
		return len(r.lines) == 0 && strings.HasPrefix(line, r.prefix)
	case respMulti:
		return strings.HasPrefix(line, r.prefix)
	default:
		return false
	}
}

type Channel struct {
	t Transport
	h Handlers

	timeout atomic.Int64
	closed  atomic.Bool

	cmdMu   sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex
	pending *request

	done    chan struct{}
	traffic *trafficRing
}

// Open starts the reader on t. The channel owns t from here on.
func Open(t Transport, h Handlers) (*Channel, error) {
	if t == nil {
		return nil, errors.New("atchan: transport is nil")
	}
	c := &Channel{
		t:       t,
		h:       h,
		done:    make(chan struct{}),
		traffic: newTrafficRing(64, 512),
	}
	c.timeout.Store(int64(DefaultTimeout))
	go c.readLoop()
	return c, nil
}

func (c *Channel) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.timeout.Store(int64(d))
}

func (c *Channel) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// Done is closed once the reader goroutine has stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Traffic() []Traffic {
	if c == nil {
		return nil
	}
	return c.traffic.snapshot()
}

// Send issues a command that returns no intermediate lines.
func (c *Channel) Send(cmd string) error {
	_, err := c.exec(&request{cmd: cmd}, nil)
	return err
}

// SendSingleline issues a command and returns the first intermediate line
// starting with prefix.
func (c *Channel) SendSingleline(cmd string, prefix string) (string, error) {
	resp, err := c.exec(&request{cmd: cmd, kind: respSingle, prefix: prefix}, nil)
	if err != nil {
		return "", err
	}
	if len(resp) == 0 {
		return "", fmt.Errorf("atchan: %s: no %q line in response", cmd, prefix)
	}
	return resp[0], nil
}

func (c *Channel) SendMultiline(cmd string, prefix string) ([]string, error) {
	return c.exec(&request{cmd: cmd, kind: respMulti, prefix: prefix}, nil)
}

// Poll issues a short query with its own timeout. A poll that times out is
// not treated as a stuck modem.
func (c *Channel) Poll(cmd string, prefix string, timeout time.Duration) (string, error) {
	resp, err := c.exec(&request{cmd: cmd, kind: respSingle, prefix: prefix, timeout: timeout, quiet: true}, nil)
	if err != nil {
		return "", err
	}
	if len(resp) == 0 {
		return "", fmt.Errorf("atchan: %s: no %q line in response", cmd, prefix)
	}
	return resp[0], nil
}

// SendTransparent issues cmd, waits for the payload prompt and then writes
// payload verbatim.
func (c *Channel) SendTransparent(cmd string, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	_, err := c.exec(&request{cmd: cmd}, payload)
	return err
}

// Escape writes the escape byte outside of command sequencing. It is the
// recovery path for a modem that stopped answering.
func (c *Channel) Escape() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.write(Esc)
}

// Handshake synchronizes with the modem by sending a short command until it
// is acknowledged.
func (c *Channel) Handshake(ctx context.Context) error {
	var lastErr error
	for i := 0; i < handshakeAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := c.exec(&request{cmd: handshakeCmd, timeout: handshakeTimeout, quiet: true}, nil)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("atchan: handshake failed: %w", lastErr)
}

func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	if c.closed.Swap(true) {
		return nil
	}
	err := c.t.Close()
	<-c.done
	return err
}

func (c *Channel) exec(req *request, payload []byte) (lines []string, err error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	defer func() {
		if c.h.OnResult != nil {
			c.h.OnResult(req.cmd, err)
		}
	}()

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	req.done = make(chan string, 1)
	if payload != nil {
		req.prompt = make(chan struct{}, 1)
	}
	c.mu.Lock()
	c.pending = req
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == req {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	if err := c.write(req.cmd + "\r"); err != nil {
		return nil, fmt.Errorf("atchan: write %q: %w", req.cmd, err)
	}

	timeout := req.timeout
	if timeout <= 0 {
		timeout = c.Timeout()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if payload != nil {
		select {
		case <-req.prompt:
		case final := <-req.done:
			return c.finish(req, final)
		case <-c.done:
			return nil, ErrClosed
		case <-timer.C:
			return nil, c.timedOut(req)
		}
		if err := c.writeBytes(payload); err != nil {
			return nil, fmt.Errorf("atchan: write payload for %q: %w", req.cmd, err)
		}
	}

	select {
	case final := <-req.done:
		return c.finish(req, final)
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, c.timedOut(req)
	}
}

func (c *Channel) finish(req *request, final string) ([]string, error) {
	if !isSuccess(final) {
		return req.lines, &CommandError{Cmd: req.cmd, Final: final}
	}
	return req.lines, nil
}

func (c *Channel) timedOut(req *request) error {
	c.mu.Lock()
	if c.pending == req {
		c.pending = nil
	}
	c.mu.Unlock()

	if !req.quiet {
		log.Warn().Str("cmd", req.cmd).Msg("at command timed out")
		if c.h.OnTimeout != nil {
			c.h.OnTimeout()
		}
	}
	return fmt.Errorf("%w: %s", ErrTimeout, req.cmd)
}

func (c *Channel) write(s string) error {
	c.traffic.add(dirOut, strings.TrimRight(s, "\r"))
	log.Debug().Str("line", strings.TrimRight(s, "\r")).Msg("at >")
	return c.writeBytes([]byte(s))
}

func (c *Channel) writeBytes(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for len(b) > 0 {
		n, err := c.t.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (c *Channel) readLoop() {
	sc := bufio.NewScanner(c.t)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	sc.Split(Splitter)

	for sc.Scan() {
		line := sc.Text()
		if line != Prompt {
			line = strings.TrimSpace(line)
		}
		if line == "" {
			continue
		}
		c.traffic.add(dirIn, line)
		log.Debug().Str("line", line).Msg("at <")
		c.dispatch(line)
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	close(c.done)

	if !c.closed.Load() && c.h.OnReaderClosed != nil {
		c.h.OnReaderClosed(err)
	}
}

func (c *Channel) dispatch(line string) {
	c.mu.Lock()
	req := c.pending
	c.mu.Unlock()

	switch Classify(line) {
	case KindPrompt:
		if req != nil && req.prompt != nil {
			select {
			case req.prompt <- struct{}{}:
			default:
			}
		}
		return
	case KindFinal:
		if req == nil {
			log.Debug().Str("line", line).Msg("at final result with no command in flight")
			return
		}
		c.mu.Lock()
		if c.pending == req {
			c.pending = nil
		}
		c.mu.Unlock()
		select {
		case req.done <- line:
		default:
		}
		return
	}

	if req != nil {
		// Command echo.
		if line == req.cmd {
			return
		}
		if req.accepts(line) {
			req.lines = append(req.lines, line)
			return
		}
	}
	if c.h.OnUnsolicited != nil {
		c.h.OnUnsolicited(line)
	}
}
