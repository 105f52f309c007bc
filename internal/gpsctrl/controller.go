package gpsctrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mbm-gps/internal/metrics"
)

var (
	ErrNotReady     = errors.New("gpsctrl: device not ready")
	ErrNotSupported = errors.New("gpsctrl: not supported")
)

// Modem is the command surface of an open AT channel.
type Modem interface {
	Send(cmd string) error
	SendSingleline(cmd string, prefix string) (string, error)
	SendTransparent(cmd string, payload []byte) error
}

// Channel is a Modem that still needs its opening handshake.
type Channel interface {
	Modem
	Handshake(ctx context.Context) error
	SetTimeout(d time.Duration)
}

// NMEAPort is the modem's NMEA output port.
type NMEAPort interface {
	Activate() error
}

// NIHandler receives network-initiated location requests. It is called on
// the AT reader goroutine and must not block or issue commands.
type NIHandler interface {
	HandleNI(req SuplNiRequest)
}

// Downloader fetches predicted ephemeris out of band.
type Downloader interface {
	RequestDownload(id int, url string) error
}

type Config struct {
	PrefMode   Mode
	Interval   int
	ATTimeout  time.Duration
	ClearDelay time.Duration
}

type Deps struct {
	NI         NIHandler
	Downloader Downloader
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
}

type Controller struct {
	cfg  Config
	deps Deps

	mu              sync.Mutex
	at              Modem
	nmea            NMEAPort
	sess            DeviceSession
	supl            SuplConfig
	suplInitialized bool

	// niMu is separate from mu: NI requests arrive on the reader goroutine,
	// which must never wait behind a command in flight.
	niMu   sync.Mutex
	lastNI *SuplNiRequest
}

var sleepFn = time.Sleep

func New(cfg Config, deps Deps) *Controller {
	if cfg.PrefMode == 0 {
		cfg.PrefMode = ModeStandalone
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2
	}
	if cfg.ATTimeout <= 0 {
		cfg.ATTimeout = 180 * time.Second
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = &GoDispatcher{}
	}
	c := &Controller{cfg: cfg, deps: deps}
	c.sess.PrefMode = cfg.PrefMode
	c.sess.Interval = cfg.Interval
	c.supl = defaultSuplConfig()
	return c
}

// Open runs the baseline setup on a freshly opened channel and makes it the
// controller's command channel. The device is not marked ready here.
func (c *Controller) Open(ctx context.Context, ch Channel) error {
	if ch == nil {
		return errors.New("gpsctrl: channel is nil")
	}
	if err := ch.Handshake(ctx); err != nil {
		return err
	}
	if err := ch.Send("AT"); err != nil {
		return fmt.Errorf("gpsctrl: probe: %w", err)
	}
	if err := ch.Send(`AT+CSCS="UTF-8"`); err != nil {
		return fmt.Errorf("gpsctrl: set charset: %w", err)
	}
	ch.SetTimeout(c.cfg.ATTimeout)

	c.mu.Lock()
	c.at = ch
	c.mu.Unlock()
	return nil
}

// AttachNMEA sets the port that Start activates.
func (c *Controller) AttachNMEA(p NMEAPort) {
	c.mu.Lock()
	c.nmea = p
	c.mu.Unlock()
}

// Close forgets the channels. The caller owns closing them.
func (c *Controller) Close() {
	c.mu.Lock()
	c.at = nil
	c.nmea = nil
	c.sess.Ready = false
	c.mu.Unlock()
	c.deps.Metrics.SetReady(false)
}

func (c *Controller) SetReady(ready bool) {
	c.mu.Lock()
	c.sess.Ready = ready
	c.mu.Unlock()
	c.deps.Metrics.SetReady(ready)
}

func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Ready
}

// Session returns a copy of the device session.
func (c *Controller) Session() DeviceSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Supl returns a copy of the SUPL configuration.
func (c *Controller) Supl() SuplConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supl
}

func (c *Controller) SetDataEnabled(v bool) {
	c.mu.Lock()
	c.sess.DataEnabled = v
	c.mu.Unlock()
}

func (c *Controller) SetBackgroundDataAllowed(v bool) {
	c.mu.Lock()
	c.sess.BackgroundData = v
	c.mu.Unlock()
}

func (c *Controller) SetRoamingAllowed(v bool) {
	c.mu.Lock()
	c.sess.RoamingAllowed = v
	c.mu.Unlock()
}

func (c *Controller) SetRoaming(v bool) {
	c.mu.Lock()
	c.sess.Roaming = v
	c.mu.Unlock()
}

func (c *Controller) SetNetworkType(kind string) {
	c.mu.Lock()
	c.sess.NetworkType = kind
	c.mu.Unlock()
}

// readyModemLocked returns the command channel when the device is ready.
func (c *Controller) readyModemLocked() (Modem, error) {
	if !c.sess.Ready || c.at == nil {
		return nil, ErrNotReady
	}
	return c.at, nil
}

func (c *Controller) sendLocked(cmd string) error {
	m, err := c.readyModemLocked()
	if err != nil {
		return err
	}
	return m.Send(cmd)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func logErr(err error, msg string) {
	if err != nil {
		log.Error().Err(err).Msg(msg)
	}
}
