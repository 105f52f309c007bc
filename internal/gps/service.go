package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tevino/abool/v2"
	"go.uber.org/ratelimit"

	"mbm-gps/internal/atchan"
	"mbm-gps/internal/gpsctrl"
	"mbm-gps/internal/metrics"
	"mbm-gps/internal/nmea"
)

var (
	// ErrCancelled is returned by blocking steps that observed Cleanup.
	ErrCancelled = errors.New("gps: cancelled")

	errDeviceLost = errors.New("gps: device lost")
)

// Command tags an event for the loop.
type Command byte

const (
	CmdStatus Command = iota
	CmdAgpsStatus
	CmdNI
	CmdDeviceLost
	CmdQuit
)

type event struct {
	cmd Command
	// gen is the connection the event belongs to; 0 matches any.
	gen    uint64
	status Status
	agps   AgpsStatus
	ni     Notification
}

type Config struct {
	CtrlDevice string
	NMEADevice string
	Baud       int

	PrefMode    gpsctrl.Mode
	Interval    int
	EnableNI    bool
	AllowUncert bool
	SuplServer  string

	// RequestInfoOnReady asks the companion to replay its facts after every
	// successful open.
	RequestInfoOnReady bool

	ReadyPollInterval time.Duration
	ReadyPollStep     time.Duration
	ReadyTimeout      time.Duration
	OpenRetry         time.Duration
	ATTimeout         time.Duration
	ClearDelay        time.Duration
	NMEASettle        time.Duration
}

// NMEAPort is an open NMEA channel.
type NMEAPort interface {
	Activate() error
	ReadLine() (nmea.Line, error)
	Close() error
}

// Resetter power-cycles the modem between reconnect attempts.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Companion is the out-of-process helper as seen from the loop.
type Companion interface {
	RequestDownload(id int, url string) error
	RequestAllInfo() error
}

type Deps struct {
	// Dialer opens the control device. Defaults to atchan.DialerFor.
	Dialer atchan.Dialer
	// OpenNMEA opens the NMEA device. Defaults to nmea.Open.
	OpenNMEA func(ctx context.Context) (NMEAPort, error)
	Power    Resetter
	// Sink receives every relevant sentence, e.g. a UDP relay.
	Sink    nmea.Sink
	Metrics *metrics.Metrics
	// Dispatcher runs queued unsolicited handlers. Defaults to a
	// gpsctrl.GoDispatcher. Cleanup waits for it when it has a Wait method.
	Dispatcher gpsctrl.Dispatcher
}

// waiter is a dispatcher that can be joined on cleanup.
type waiter interface {
	Wait()
}

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 10 * time.Second

	emrdyCmd    = "AT*EMRDY?"
	emrdyPrefix = "*EMRDY:"
	emrdyReady  = "EMRDY: 1"
)

type Snapshot struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	LastError string `json:"last_error,omitempty"`

	Session gpsctrl.DeviceSession `json:"session"`
	Supl    gpsctrl.SuplConfig    `json:"supl"`

	CtrlDevice string `json:"ctrl_device"`
	NMEADevice string `json:"nmea_device"`

	LastFix    *nmea.Fix `json:"last_fix,omitempty"`
	LastFixUTC string    `json:"last_fix_utc,omitempty"`
	NMEALines  uint64    `json:"nmea_lines"`
	Malformed  uint64    `json:"nmea_malformed"`
	Reconnects uint64    `json:"reconnects"`

	Traffic []atchan.Traffic `json:"at_traffic,omitempty"`
}

type Service struct {
	cfg  Config
	deps Deps
	ctrl *gpsctrl.Controller
	caps Capability

	initialized *abool.AtomicBool
	cleanup     *abool.AtomicBool
	openLimiter ratelimit.Limiter

	mu        sync.Mutex
	companion Companion
	rep       reporters
	at        *atchan.Channel

	cmds  chan event
	emrdy chan struct{}
	quit  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	gen       atomic.Uint64
	last      atomic.Value // Snapshot
	quitOnce  sync.Once
	parser    *nmea.Parser
	lineCount atomic.Uint64
	badCount  atomic.Uint64
	reconnect atomic.Uint64
}

func New(cfg Config, deps Deps) *Service {
	if cfg.PrefMode == 0 {
		cfg.PrefMode = gpsctrl.ModePgps
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadyPollStep <= 0 {
		cfg.ReadyPollStep = 200 * time.Millisecond
	}
	if cfg.ReadyPollInterval < cfg.ReadyPollStep {
		cfg.ReadyPollInterval = 5 * cfg.ReadyPollStep
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.OpenRetry <= 0 {
		cfg.OpenRetry = time.Second
	}
	if cfg.NMEASettle <= 0 {
		cfg.NMEASettle = time.Second
	}
	if deps.Dialer == nil {
		deps.Dialer = atchan.DialerFor(cfg.CtrlDevice, cfg.Baud)
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = &gpsctrl.GoDispatcher{}
	}
	if deps.OpenNMEA == nil {
		path, baud, settle := cfg.NMEADevice, cfg.Baud, cfg.NMEASettle
		deps.OpenNMEA = func(ctx context.Context) (NMEAPort, error) {
			return nmea.Open(ctx, path, baud, settle)
		}
	}

	s := &Service{
		cfg:         cfg,
		deps:        deps,
		caps:        CapScheduling | CapMSB | CapMSA | CapSingleShot,
		initialized: abool.New(),
		cleanup:     abool.New(),
		openLimiter: ratelimit.New(1, ratelimit.Per(cfg.OpenRetry), ratelimit.WithoutSlack),
		cmds:        make(chan event, 64),
		emrdy:       make(chan struct{}, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		parser:      nmea.NewParser(),
	}
	s.ctrl = gpsctrl.New(gpsctrl.Config{
		PrefMode:   cfg.PrefMode,
		Interval:   cfg.Interval,
		ATTimeout:  cfg.ATTimeout,
		ClearDelay: cfg.ClearDelay,
	}, gpsctrl.Deps{
		NI:         s,
		Downloader: downloader{s},
		Dispatcher: deps.Dispatcher,
		Metrics:    deps.Metrics,
	})
	if cfg.SuplServer != "" {
		_ = s.ctrl.SetSuplServer(cfg.SuplServer)
	}
	s.last.Store(Snapshot{State: "stopped", CtrlDevice: cfg.CtrlDevice, NMEADevice: cfg.NMEADevice})
	return s
}

// AttachCompanion sets the helper that downloads ephemeris. It may be called
// before or after Init.
func (s *Service) AttachCompanion(c Companion) {
	s.mu.Lock()
	s.companion = c
	s.mu.Unlock()
}

// Controller exposes the device controller for status views and tests.
func (s *Service) Controller() *gpsctrl.Controller {
	return s.ctrl
}

// Init announces capabilities, registers reporters and starts the loop.
func (s *Service) Init(ctx context.Context, reps ...any) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if s.cleanup.IsSet() {
		return fmt.Errorf("gps service is cleaned up")
	}
	if !s.initialized.SetToIf(false, true) {
		return fmt.Errorf("gps service already initialized")
	}

	rep := collectReporters(s.caps, reps)
	s.mu.Lock()
	s.rep = rep
	s.mu.Unlock()

	log.Info().Str("ctrl", s.cfg.CtrlDevice).Str("nmea", s.cfg.NMEADevice).Stringer("pref", s.cfg.PrefMode).Msg("gps init")
	go s.run(ctx)
	return nil
}

// Cleanup stops the loop and waits for it. Blocking steps in progress
// return ErrCancelled.
func (s *Service) Cleanup() {
	if s == nil {
		return
	}
	s.cleanup.Set()
	s.quitOnce.Do(func() { close(s.quit) })
	if !s.initialized.IsSet() {
		return
	}
	s.enqueue(event{cmd: CmdQuit})
	log.Debug().Msg("waiting for gps loop to exit")
	<-s.done
	s.wg.Wait()
	if w, ok := s.deps.Dispatcher.(waiter); ok {
		w.Wait()
	}
	s.ctrl.Close()
	log.Info().Msg("gps cleaned up")
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out, _ := s.last.Load().(Snapshot)
	out.Session = s.ctrl.Session()
	out.Supl = s.ctrl.Supl()
	out.NMEALines = s.lineCount.Load()
	out.Malformed = s.badCount.Load()
	out.Reconnects = s.reconnect.Load()
	s.mu.Lock()
	at := s.at
	s.mu.Unlock()
	out.Traffic = at.Traffic()
	return out
}

func (s *Service) setState(state string, lastErr string) {
	cur, _ := s.last.Load().(Snapshot)
	cur.State = state
	if lastErr != "" {
		cur.LastError = lastErr
	} else if state == "ready" || state == "stopped" {
		cur.LastError = ""
	}
	s.last.Store(cur)
}

func (s *Service) setSessionID(id string) {
	cur, _ := s.last.Load().(Snapshot)
	cur.SessionID = id
	s.last.Store(cur)
}

func (s *Service) setFix(fix nmea.Fix) {
	cur, _ := s.last.Load().(Snapshot)
	f := fix
	cur.LastFix = &f
	cur.LastFixUTC = time.Now().UTC().Format(time.RFC3339Nano)
	s.last.Store(cur)
}

// enqueue hands an event to the loop. It never blocks: callers include the
// AT reader goroutine.
func (s *Service) enqueue(ev event) {
	select {
	case s.cmds <- ev:
	default:
		log.Warn().Uint8("cmd", uint8(ev.cmd)).Msg("gps command queue full, event dropped")
	}
}

func (s *Service) currentReporters() reporters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rep
}

func (s *Service) deliver(ev event) {
	rep := s.currentReporters()
	switch ev.cmd {
	case CmdStatus:
		log.Debug().Stringer("status", ev.status).Msg("gps status")
		for _, r := range rep.status {
			r.ReportStatus(ev.status)
		}
	case CmdAgpsStatus:
		for _, r := range rep.agps {
			r.ReportAgpsStatus(ev.agps)
		}
	case CmdNI:
		for _, r := range rep.ni {
			r.ReportNI(ev.ni)
		}
	}
}

// HandleNI runs on the AT reader goroutine.
func (s *Service) HandleNI(req gpsctrl.SuplNiRequest) {
	s.enqueue(event{cmd: CmdNI, ni: notificationFor(req)})
}

// downloader forwards ephemeris requests to the companion and reports them.
type downloader struct{ s *Service }

func (d downloader) RequestDownload(id int, url string) error {
	d.s.mu.Lock()
	c := d.s.companion
	d.s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("gps: no companion attached")
	}
	if err := c.RequestDownload(id, url); err != nil {
		return err
	}
	d.s.enqueue(event{cmd: CmdAgpsStatus, agps: AgpsStatus{Type: "PGPS", Status: AgpsDownloadRequested, ID: id}})
	return nil
}
