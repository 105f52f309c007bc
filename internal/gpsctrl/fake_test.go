package gpsctrl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeModem records commands. Responses for SendSingleline are looked up by
// command; commands listed in fail return an error.
type fakeModem struct {
	mu        sync.Mutex
	cmds      []string
	payloads  [][]byte
	single    map[string]string
	fail      map[string]error
	timeout   time.Duration
	handshake error
}

func newFakeModem() *fakeModem {
	return &fakeModem{single: map[string]string{}, fail: map[string]error{}}
}

func (m *fakeModem) record(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, cmd)
	return m.fail[cmd]
}

func (m *fakeModem) Send(cmd string) error { return m.record(cmd) }

func (m *fakeModem) SendSingleline(cmd string, prefix string) (string, error) {
	if err := m.record(cmd); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	line, ok := m.single[cmd]
	if !ok {
		return "", errors.New("no response")
	}
	return line, nil
}

func (m *fakeModem) SendTransparent(cmd string, payload []byte) error {
	m.mu.Lock()
	m.payloads = append(m.payloads, append([]byte(nil), payload...))
	m.mu.Unlock()
	return m.record(cmd)
}

func (m *fakeModem) Handshake(ctx context.Context) error { return m.handshake }

func (m *fakeModem) SetTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

func (m *fakeModem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cmds...)
}

func (m *fakeModem) Reset() {
	m.mu.Lock()
	m.cmds = nil
	m.mu.Unlock()
}

type fakeNMEA struct {
	mu        sync.Mutex
	activated int
}

func (p *fakeNMEA) Activate() error {
	p.mu.Lock()
	p.activated++
	p.mu.Unlock()
	return nil
}

type recordingNI struct {
	mu   sync.Mutex
	reqs []SuplNiRequest
}

func (h *recordingNI) HandleNI(req SuplNiRequest) {
	h.mu.Lock()
	h.reqs = append(h.reqs, req)
	h.mu.Unlock()
}

type recordingDownloader struct {
	ids  []int
	urls []string
}

func (d *recordingDownloader) RequestDownload(id int, url string) error {
	d.ids = append(d.ids, id)
	d.urls = append(d.urls, url)
	return nil
}

// syncDispatcher runs queued events inline so tests observe them directly.
type syncDispatcher struct{}

func (syncDispatcher) Dispatch(ev QueuedEvent) { ev.Handle(ev.Line) }

// gatedDispatcher runs events on goroutines like GoDispatcher but holds
// events with the given prefix until release is closed.
type gatedDispatcher struct {
	GoDispatcher
	prefix  string
	release chan struct{}
}

func (d *gatedDispatcher) Dispatch(ev QueuedEvent) {
	if ev.Prefix == d.prefix {
		handle := ev.Handle
		ev.Handle = func(line string) {
			<-d.release
			handle(line)
		}
	}
	d.GoDispatcher.Dispatch(ev)
}

// newReadyController returns an opened, ready controller with its recorder
// cleared of the opening commands.
func newReadyController(t *testing.T, cfg Config, deps Deps) (*Controller, *fakeModem, *fakeNMEA) {
	t.Helper()
	oldSleep := sleepFn
	sleepFn = func(time.Duration) {}
	t.Cleanup(func() { sleepFn = oldSleep })

	if deps.Dispatcher == nil {
		deps.Dispatcher = syncDispatcher{}
	}
	c := New(cfg, deps)
	m := newFakeModem()
	if err := c.Open(context.Background(), m); err != nil {
		t.Fatalf("Open: %v", err)
	}
	p := &fakeNMEA{}
	c.AttachNMEA(p)
	c.SetReady(true)
	m.Reset()
	return c, m, p
}

func hasCommand(cmds []string, want string) bool {
	for _, c := range cmds {
		if c == want {
			return true
		}
	}
	return false
}

func commandsWithPrefix(cmds []string, prefix string) []string {
	var out []string
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}
