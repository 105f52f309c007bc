package gpsctrl

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// SetPositionMode stores the preferred mode and the fix interval in seconds.
// SUPL cannot run with a one second interval; it gets two.
func (c *Controller) SetPositionMode(mode Mode, interval int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sess.PrefMode = mode
	if mode == ModeSupl && interval == 1 {
		log.Debug().Msg("supl interval can not be 1, using 2")
		interval = 2
	}
	c.sess.Interval = interval
}

// Start starts the engine. When the device is not ready yet the request is
// remembered and begun is false; Resume carries it out after the next open.
func (c *Controller) Start() (begun bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sess.Ready {
		log.Info().Msg("gps start deferred until device is ready")
		c.sess.ShouldStart = true
		return false, nil
	}
	if err := c.startLocked(); err != nil {
		return false, err
	}
	c.sess.Started = true
	return true, nil
}

// Resume restarts the engine after a reconnect if a session was running or
// requested.
func (c *Controller) Resume() (begun bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sess.ShouldStart && !c.sess.Started {
		return false, nil
	}
	if !c.sess.Ready {
		return false, ErrNotReady
	}
	log.Info().Msg("restoring gps state to started")
	if err := c.startLocked(); err != nil {
		return false, err
	}
	c.sess.Started = true
	return true, nil
}

func (c *Controller) startLocked() error {
	m, err := c.readyModemLocked()
	if err != nil {
		return err
	}
	if c.nmea == nil {
		return fmt.Errorf("gpsctrl: nmea port not attached: %w", ErrNotReady)
	}

	mode := c.sess.takeStartMode()

	if err := c.nmea.Activate(); err != nil {
		return err
	}
	if mode == ModeSupl {
		if err := m.Send("AT*E2GPSSTAT=1"); err != nil {
			return err
		}
	}
	if err := m.Send(fmt.Sprintf("AT*E2GPSCTL=%d,%d", mode, c.sess.Interval)); err != nil {
		return err
	}
	c.sess.Mode = mode
	log.Info().Stringer("mode", mode).Stringer("pref", c.sess.PrefMode).Int("interval", c.sess.Interval).Msg("gps engine started")
	return nil
}

// Stop stops the engine. A failure to confirm the off state is returned for
// logging; the session is considered stopped either way. An aiding-data
// clear deferred while the engine was running is executed here.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.sess.Ready {
		err = c.stopLocked()
	}
	c.sess.Started = false
	c.sess.ShouldStart = false

	if flag := c.sess.PendingClear; flag != ClearNone {
		c.sess.PendingClear = ClearNone
		logErr(c.deleteAidingLocked(flag), "deferred aiding data clear failed")
	}
	return err
}

func (c *Controller) stopLocked() error {
	m, err := c.readyModemLocked()
	if err != nil {
		return err
	}
	// Turning off SUPL status reports fails when they were never on.
	_ = m.Send("AT*E2GPSSTAT=0")
	if err := m.Send("AT*E2GPSCTL=0"); err != nil {
		return err
	}
	log.Info().Msg("gps engine stopped")
	return nil
}

// DeleteAidingData clears aiding data now, or after the running session
// stops. Clearing requires an idle engine.
func (c *Controller) DeleteAidingData(flag ClearFlag) error {
	if flag != ClearAll && flag != ClearEphemerisOnly {
		return ErrNotSupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.Started {
		log.Info().Stringer("clear", flag).Msg("aiding data clear deferred until stop")
		c.sess.PendingClear = flag
		return nil
	}
	return c.deleteAidingLocked(flag)
}

func (c *Controller) deleteAidingLocked(flag ClearFlag) error {
	m, err := c.readyModemLocked()
	if err != nil {
		log.Info().Msg("device not ready, not clearing aiding data")
		return err
	}

	// The engine needs time to settle after a stop before it accepts a clear.
	sleepFn(c.cfg.ClearDelay)

	arg := 1
	if flag == ClearAll {
		arg = 0
	}
	if err := m.Send(fmt.Sprintf("AT*E2GPSCLM=%d", arg)); err != nil {
		return err
	}
	if err := m.Send(fmt.Sprintf("AT*EEGPSEECLM=%d", arg)); err != nil {
		return err
	}
	log.Info().Stringer("clear", flag).Msg("aiding data cleared")
	return nil
}
