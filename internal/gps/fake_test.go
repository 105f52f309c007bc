package gps

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mbm-gps/internal/atchan"
	"mbm-gps/internal/gpsctrl"
	"mbm-gps/internal/nmea"
)

// fakeModem answers AT commands on one end of a pipe.
type fakeModem struct {
	conn net.Conn

	// silentReady suppresses the EMRDY answer so the ready poll never
	// succeeds.
	silentReady bool

	writeMu sync.Mutex
	mu      sync.Mutex
	cmds    []string
}

func (m *fakeModem) serve() {
	r := bufio.NewReader(m.conn)
	for {
		s, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(s)
		if cmd == "" {
			continue
		}
		m.mu.Lock()
		m.cmds = append(m.cmds, cmd)
		m.mu.Unlock()

		switch {
		case cmd == "AT*EMRDY?":
			if m.silentReady {
				continue
			}
			m.write("\r\n*EMRDY: 1\r\n\r\nOK\r\n")
		default:
			m.write("\r\nOK\r\n")
		}
	}
}

func (m *fakeModem) write(s string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, _ = io.WriteString(m.conn, s)
}

// push sends an unsolicited line.
func (m *fakeModem) push(line string) {
	m.write("\r\n" + line + "\r\n")
}

func (m *fakeModem) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cmds...)
}

func (m *fakeModem) has(cmd string) bool {
	for _, c := range m.commands() {
		if c == cmd {
			return true
		}
	}
	return false
}

// fakeDialer hands out a new fake modem per dial.
type fakeDialer struct {
	silentReady bool

	mu     sync.Mutex
	modems []*fakeModem
	dials  atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (atchan.Transport, error) {
	a, b := net.Pipe()
	m := &fakeModem{conn: b, silentReady: d.silentReady}
	d.mu.Lock()
	d.modems = append(d.modems, m)
	d.mu.Unlock()
	d.dials.Add(1)
	go m.serve()
	return a, nil
}

func (d *fakeDialer) modem(i int) *fakeModem {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.modems) {
		return nil
	}
	return d.modems[i]
}

type fakePort struct {
	lines     chan []byte
	closed    chan struct{}
	once      sync.Once
	activated atomic.Int32
}

func newFakePort() *fakePort {
	return &fakePort{lines: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Activate() error {
	p.activated.Add(1)
	return nil
}

func (p *fakePort) ReadLine() (nmea.Line, error) {
	select {
	case b := <-p.lines:
		return nmea.ParseLine(b)
	case <-p.closed:
		return "", io.EOF
	}
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	nis      []Notification
	agps     []AgpsStatus
	nmea     []string
	fixes    []nmea.Fix
	caps     Capability
}

func (r *recorder) ReportStatus(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) ReportNI(n Notification) {
	r.mu.Lock()
	r.nis = append(r.nis, n)
	r.mu.Unlock()
}

func (r *recorder) ReportAgpsStatus(a AgpsStatus) {
	r.mu.Lock()
	r.agps = append(r.agps, a)
	r.mu.Unlock()
}

func (r *recorder) ReportNMEA(ts time.Time, s string) {
	r.mu.Lock()
	r.nmea = append(r.nmea, s)
	r.mu.Unlock()
}

func (r *recorder) ReportLocation(f nmea.Fix) {
	r.mu.Lock()
	r.fixes = append(r.fixes, f)
	r.mu.Unlock()
}

func (r *recorder) SetCapabilities(c Capability) {
	r.mu.Lock()
	r.caps = c
	r.mu.Unlock()
}

func (r *recorder) statusList() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

type fakeResetter struct{ n atomic.Int32 }

func (f *fakeResetter) Reset(ctx context.Context) error {
	f.n.Add(1)
	return nil
}

type fakeCompanion struct {
	mu        sync.Mutex
	downloads []string
	infoReqs  int
}

func (c *fakeCompanion) RequestDownload(id int, url string) error {
	c.mu.Lock()
	c.downloads = append(c.downloads, url)
	c.mu.Unlock()
	return nil
}

func (c *fakeCompanion) RequestAllInfo() error {
	c.mu.Lock()
	c.infoReqs++
	c.mu.Unlock()
	return nil
}

type harness struct {
	svc    *Service
	dialer *fakeDialer
	ports  chan *fakePort
	rec    *recorder
	power  *fakeResetter
}

func testConfig() Config {
	return Config{
		CtrlDevice:        "fake-ctrl",
		NMEADevice:        "fake-nmea",
		PrefMode:          gpsctrl.ModePgps,
		ReadyPollStep:     5 * time.Millisecond,
		ReadyPollInterval: 20 * time.Millisecond,
		ReadyTimeout:      500 * time.Millisecond,
		OpenRetry:         10 * time.Millisecond,
		ATTimeout:         2 * time.Second,
		ClearDelay:        time.Nanosecond,
	}
}

func newHarness(t *testing.T, cfg Config, dialer *fakeDialer) *harness {
	t.Helper()
	return newHarnessWithDispatcher(t, cfg, dialer, nil)
}

func newHarnessWithDispatcher(t *testing.T, cfg Config, dialer *fakeDialer, d gpsctrl.Dispatcher) *harness {
	t.Helper()
	if dialer == nil {
		dialer = &fakeDialer{}
	}
	h := &harness{dialer: dialer, ports: make(chan *fakePort, 8), rec: &recorder{}, power: &fakeResetter{}}
	h.svc = New(cfg, Deps{
		Dialer: dialer,
		OpenNMEA: func(ctx context.Context) (NMEAPort, error) {
			p := newFakePort()
			h.ports <- p
			return p, nil
		},
		Power:      h.power,
		Dispatcher: d,
	})
	t.Cleanup(h.svc.Cleanup)
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	if err := h.svc.Init(context.Background(), h.rec); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func (h *harness) port(t *testing.T) *fakePort {
	t.Helper()
	select {
	case p := <-h.ports:
		return p
	case <-time.After(3 * time.Second):
		t.Fatalf("nmea port never opened")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	waitFor(t, "ready", func() bool {
		return h.svc.Snapshot().State == "ready"
	})
}

// blockingDispatcher holds every queued handler until release is closed.
type blockingDispatcher struct {
	gpsctrl.GoDispatcher
	started  chan struct{}
	release  chan struct{}
	finished atomic.Bool
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (d *blockingDispatcher) Dispatch(ev gpsctrl.QueuedEvent) {
	handle := ev.Handle
	ev.Handle = func(line string) {
		select {
		case d.started <- struct{}{}:
		default:
		}
		<-d.release
		handle(line)
		d.finished.Store(true)
	}
	d.GoDispatcher.Dispatch(ev)
}
