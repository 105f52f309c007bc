package companion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HelperConfig describes the out-of-process helper that connects back to
// the bridge socket. The socket path is passed in MBM_SOCKET.
type HelperConfig struct {
	Command string
	Args    []string
	Socket  string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	TailLines      int
}

// Helper keeps the helper process running, restarting it with a doubling
// backoff when it exits.
type Helper struct {
	cfg HelperConfig

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	pid      int
	state    string
	lastErr  string
	restarts uint64
	tail     []string

	cancel context.CancelFunc
	done   chan struct{}
}

type HelperSnapshot struct {
	Command   string   `json:"command"`
	Running   bool     `json:"running"`
	PID       int      `json:"pid,omitempty"`
	State     string   `json:"state"`
	LastError string   `json:"last_error,omitempty"`
	Restarts  uint64   `json:"restarts"`
	Output    []string `json:"output_tail,omitempty"`
}

func NewHelper(cfg HelperConfig) (*Helper, error) {
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Command == "" {
		return nil, fmt.Errorf("companion helper command is required")
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 50
	}
	return &Helper{cfg: cfg, state: "stopped", done: make(chan struct{})}, nil
}

func (h *Helper) Start(ctx context.Context) error {
	if h == nil {
		return fmt.Errorf("companion helper is nil")
	}
	if h.closed.Load() {
		return fmt.Errorf("companion helper is closed")
	}
	if h.started.Swap(true) {
		return fmt.Errorf("companion helper already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.setState("starting", "")
	go h.runLoop(runCtx)
	return nil
}

// Close kills the helper and waits for the loop to exit.
func (h *Helper) Close() {
	if h == nil || h.closed.Swap(true) {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	if h.started.Load() {
		<-h.done
	}
}

func (h *Helper) Snapshot() HelperSnapshot {
	if h == nil {
		return HelperSnapshot{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HelperSnapshot{
		Command:   h.cfg.Command,
		Running:   h.pid != 0 && h.state == "running",
		PID:       h.pid,
		State:     h.state,
		LastError: h.lastErr,
		Restarts:  h.restarts,
		Output:    append([]string(nil), h.tail...),
	}
}

func (h *Helper) runLoop(ctx context.Context) {
	defer close(h.done)

	backoff := h.cfg.BackoffInitial
	for {
		err := h.runOnce(ctx)
		if ctx.Err() != nil {
			h.setState("stopped", "")
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("cmd", h.cfg.Command).Msg("companion helper exited")
			h.setState("exited", err.Error())
		} else {
			log.Info().Str("cmd", h.cfg.Command).Msg("companion helper exited")
			h.setState("exited", "")
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			h.setState("stopped", "")
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > h.cfg.BackoffMax {
			backoff = h.cfg.BackoffMax
		}
		h.mu.Lock()
		h.restarts++
		h.mu.Unlock()
		h.setState("restarting", "")
	}
}

func (h *Helper) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, h.cfg.Command, h.cfg.Args...)
	if h.cfg.Socket != "" {
		cmd.Env = append(cmd.Environ(), "MBM_SOCKET="+h.cfg.Socket)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	// Both streams go to the same tail.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	h.mu.Lock()
	h.pid = cmd.Process.Pid
	h.state = "running"
	h.lastErr = ""
	h.mu.Unlock()
	log.Info().Str("cmd", h.cfg.Command).Int("pid", cmd.Process.Pid).Msg("companion helper started")

	h.readOutput(out)
	waitErr := cmd.Wait()

	h.mu.Lock()
	h.pid = 0
	h.mu.Unlock()

	if waitErr == nil || errors.Is(waitErr, context.Canceled) {
		return nil
	}
	return waitErr
}

func (h *Helper) readOutput(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 16*1024)
	for sc.Scan() {
		line := sc.Text()
		log.Debug().Str("cmd", h.cfg.Command).Str("line", line).Msg("helper >")
		h.mu.Lock()
		h.tail = append(h.tail, line)
		if over := len(h.tail) - h.cfg.TailLines; over > 0 {
			h.tail = h.tail[over:]
		}
		h.mu.Unlock()
	}
}

func (h *Helper) setState(state string, lastErr string) {
	h.mu.Lock()
	h.state = state
	if strings.TrimSpace(lastErr) != "" {
		h.lastErr = lastErr
	}
	h.mu.Unlock()
}
