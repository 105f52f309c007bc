package gps

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mbm-gps/internal/atchan"
	"mbm-gps/internal/nmea"
)

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	log.Debug().Msg("starting gps loop")

	backoff := initialBackoff
	for {
		served, err := s.session(ctx)
		if errors.Is(err, ErrCancelled) {
			s.setState("stopped", "")
			log.Info().Msg("gps loop quitting")
			return
		}
		if err != nil {
			s.setState("reconnecting", err.Error())
		}
		s.reconnect.Add(1)
		s.deps.Metrics.Reconnect()

		if served {
			backoff = initialBackoff
		}
		s.resetModem(ctx)
		log.Info().Dur("backoff", backoff).Msg("reconnecting to modem")
		if !s.sleep(ctx, backoff) {
			s.setState("stopped", "")
			return
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// sleep waits for d unless cleanup or ctx interrupts it.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.quit:
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) cancelled(ctx context.Context) bool {
	return s.cleanup.IsSet() || ctx.Err() != nil
}

func (s *Service) resetModem(ctx context.Context) {
	if s.deps.Power == nil || s.cancelled(ctx) {
		return
	}
	if err := s.deps.Power.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("modem reset failed")
	}
}

// session runs one connection from open to loss or quit. served reports
// whether the device got as far as ready.
func (s *Service) session(ctx context.Context) (served bool, err error) {
	s.setState("opening", "")
	gen := s.gen.Add(1)
	at, err := s.openControl(ctx, gen)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.at = at
	s.mu.Unlock()
	defer func() {
		_ = at.Close()
	}()

	s.setState("waiting_ready", "")
	if err := s.waitReady(ctx, at); err != nil {
		return false, err
	}

	if err := s.ctrl.Open(ctx, at); err != nil {
		if s.cancelled(ctx) {
			return false, ErrCancelled
		}
		log.Error().Err(err).Msg("error opening ctrl device")
		return false, err
	}

	port, err := s.deps.OpenNMEA(ctx)
	if err != nil {
		if s.cancelled(ctx) {
			return false, ErrCancelled
		}
		log.Error().Err(err).Str("dev", s.cfg.NMEADevice).Msg("error opening nmea device")
		return false, err
	}
	s.ctrl.AttachNMEA(port)

	id := uuid.NewString()
	s.setSessionID(id)
	log.Info().Str("session", id).Msg("modem connected")

	lines := make(chan nmeaResult, 16)
	stop := make(chan struct{})
	s.wg.Add(1)
	go s.readNMEA(port, lines, stop)

	defer func() {
		s.ctrl.Close()
		close(stop)
		_ = port.Close()
		if errors.Is(err, errDeviceLost) {
			s.deliver(event{cmd: CmdStatus, status: StatusEngineOff})
		}
	}()

	s.deliver(event{cmd: CmdStatus, status: StatusEngineOn})
	s.ctrl.SetReady(true)
	s.ctrl.SetPositionMode(s.cfg.PrefMode, 1)
	if err := s.ctrl.InitSupl(s.cfg.AllowUncert, s.cfg.EnableNI); err != nil {
		log.Error().Err(err).Msg("error initing supl")
	}
	if err := s.ctrl.InitPgps(); err != nil {
		log.Error().Err(err).Msg("error initing pgps")
	}
	if s.cfg.RequestInfoOnReady {
		s.mu.Lock()
		c := s.companion
		s.mu.Unlock()
		if c != nil {
			if err := c.RequestAllInfo(); err != nil {
				log.Warn().Err(err).Msg("requesting companion info failed")
			}
		}
	}
	if begun, err := s.ctrl.Resume(); err != nil {
		log.Error().Err(err).Msg("error restoring gps state")
	} else if begun {
		s.deliver(event{cmd: CmdStatus, status: StatusSessionBegin})
	}
	s.setState("ready", "")

	for {
		select {
		case <-ctx.Done():
			return true, ErrCancelled
		case <-s.quit:
			return true, ErrCancelled
		case <-at.Done():
			log.Warn().Msg("at channel closed, device lost")
			return true, errDeviceLost
		case ev := <-s.cmds:
			switch ev.cmd {
			case CmdQuit:
				return true, ErrCancelled
			case CmdDeviceLost:
				if ev.gen != 0 && ev.gen != gen {
					continue
				}
				log.Warn().Msg("device lost, will try to recover")
				return true, errDeviceLost
			default:
				s.deliver(ev)
			}
		case r := <-lines:
			if r.err != nil {
				if errors.Is(r.err, nmea.ErrMalformedLine) {
					s.badCount.Add(1)
					s.deps.Metrics.NMEALine("malformed")
					continue
				}
				log.Warn().Err(r.err).Msg("nmea read failed, device lost")
				return true, errDeviceLost
			}
			s.handleNMEA(r.line)
		}
	}
}

// openControl opens the control device, retrying at the configured pace
// until it succeeds or cleanup is requested.
func (s *Service) openControl(ctx context.Context, gen uint64) (*atchan.Channel, error) {
	log.Debug().Str("dev", s.cfg.CtrlDevice).Msg("trying to open ctrl device")
	for {
		if s.cancelled(ctx) {
			log.Debug().Msg("aborting ctrl device open because of cleanup")
			return nil, ErrCancelled
		}
		s.openLimiter.Take()
		if s.cancelled(ctx) {
			return nil, ErrCancelled
		}

		t, err := s.deps.Dialer.Dial(ctx)
		if err != nil {
			log.Debug().Err(err).Str("dev", s.cfg.CtrlDevice).Msg("ctrl device open failed, trying again")
			continue
		}

		var ch *atchan.Channel
		ch, err = atchan.Open(t, atchan.Handlers{
			OnUnsolicited: s.onUnsolicited,
			OnReaderClosed: func(err error) {
				log.Info().Err(err).Msg("at channel closed")
				s.enqueue(event{cmd: CmdDeviceLost, gen: gen})
			},
			OnTimeout: func() {
				if ch != nil {
					if err := ch.Escape(); err != nil {
						log.Warn().Err(err).Msg("escape after timeout failed")
					}
				}
			},
			OnResult: func(cmd string, err error) {
				s.deps.Metrics.ATCommand(err)
			},
		})
		if err != nil {
			_ = t.Close()
			log.Error().Err(err).Msg("at channel open failed")
			continue
		}
		return ch, nil
	}
}

// onUnsolicited runs on the AT reader goroutine.
func (s *Service) onUnsolicited(line string) {
	if strings.Contains(line, emrdyReady) {
		select {
		case s.emrdy <- struct{}{}:
		default:
		}
		return
	}
	if !s.ctrl.HandleUnsolicited(line) {
		log.Debug().Str("line", line).Msg("unhandled unsolicited line")
	}
}

// waitReady polls the modem until it reports ready. A timeout is not an
// error: the device may work anyway.
func (s *Service) waitReady(ctx context.Context, at *atchan.Channel) error {
	log.Info().Msg("waiting for EMRDY")
	select {
	case <-s.emrdy:
	default:
	}

	start := time.Now()
	nextPoll := start
	for {
		if s.cancelled(ctx) {
			log.Debug().Msg("aborting ready wait because of cleanup")
			return ErrCancelled
		}
		if time.Since(start) >= s.cfg.ReadyTimeout {
			log.Warn().Msg("ready wait timed out, going ahead anyway")
			return nil
		}

		if !time.Now().Before(nextPoll) {
			nextPoll = nextPoll.Add(s.cfg.ReadyPollInterval)
			line, err := at.Poll(emrdyCmd, emrdyPrefix, s.cfg.ReadyPollStep)
			if err == nil && strings.Contains(line, emrdyReady) {
				return s.gotReady(ctx)
			}
			if errors.Is(err, atchan.ErrClosed) {
				return errDeviceLost
			}
			continue
		}

		t := time.NewTimer(s.cfg.ReadyPollStep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ErrCancelled
		case <-s.quit:
			t.Stop()
			return ErrCancelled
		case <-at.Done():
			t.Stop()
			return errDeviceLost
		case <-s.emrdy:
			t.Stop()
			return s.gotReady(ctx)
		case <-t.C:
		}
	}
}

func (s *Service) gotReady(ctx context.Context) error {
	if s.cancelled(ctx) {
		log.Debug().Msg("got EMRDY but aborting because of cleanup")
		return ErrCancelled
	}
	log.Info().Msg("got EMRDY")
	return nil
}

type nmeaResult struct {
	line nmea.Line
	err  error
}

func (s *Service) readNMEA(port NMEAPort, out chan<- nmeaResult, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		line, err := port.ReadLine()
		select {
		case out <- nmeaResult{line: line, err: err}:
		case <-stop:
			return
		}
		if err != nil && !errors.Is(err, nmea.ErrMalformedLine) {
			return
		}
	}
}

func (s *Service) handleNMEA(line nmea.Line) {
	if !nmea.Relevant(line) {
		s.deps.Metrics.NMEALine("ignored")
		return
	}
	s.lineCount.Add(1)
	s.deps.Metrics.NMEALine("ok")
	sentence := string(line)
	log.Debug().Str("line", sentence).Msg("nmea <")

	now := time.Now().UTC()
	rep := s.currentReporters()
	for _, r := range rep.nmea {
		r.ReportNMEA(now, sentence)
	}
	if s.deps.Sink != nil {
		s.deps.Sink.HandleSentence(sentence)
	}

	fix, ok, err := s.parser.Parse(sentence)
	if err != nil {
		log.Debug().Err(err).Str("line", sentence).Msg("nmea parse failed")
		return
	}
	if !ok {
		return
	}
	s.setFix(fix)
	s.deps.Metrics.Fix()
	for _, r := range rep.location {
		r.ReportLocation(fix)
	}
}
