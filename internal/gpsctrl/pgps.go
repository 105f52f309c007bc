package gpsctrl

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"mbm-gps/internal/atchan"
)

// PendingPgpsDownload is an ephemeris set the modem asked for.
type PendingPgpsDownload struct {
	ID  int
	URL string
}

func parseEphemerisURL(line string) (PendingPgpsDownload, error) {
	tok := atchan.NewTokenizer(line)
	if err := tok.SkipInts(1); err != nil {
		return PendingPgpsDownload{}, err
	}
	id, err := tok.NextInt()
	if err != nil {
		return PendingPgpsDownload{}, err
	}
	url, err := tok.NextStr()
	if err != nil {
		return PendingPgpsDownload{}, err
	}
	return PendingPgpsDownload{ID: id, URL: url}, nil
}

// onEphemerisURL hands the download to the Downloader. There is no local
// retry; the downloader reports failure explicitly.
func (c *Controller) onEphemerisURL(line string) {
	d, err := parseEphemerisURL(line)
	if err != nil {
		log.Warn().Err(err).Str("line", line).Msg("bad ephemeris url event")
		return
	}
	log.Info().Int("id", d.ID).Str("url", d.URL).Msg("pgps data requested")
	if c.deps.Downloader == nil {
		log.Warn().Int("id", d.ID).Msg("no pgps downloader, request dropped")
		return
	}
	if err := c.deps.Downloader.RequestDownload(d.ID, d.URL); err != nil {
		log.Error().Err(err).Int("id", d.ID).Msg("pgps download request failed")
	}
}

// OnDownloadFailed records a failed ephemeris download.
func (c *Controller) OnDownloadFailed() {
	log.Warn().Msg("pgps data download failed")
}

// PushEphemerisData uploads a downloaded ephemeris file as a bulk payload.
func (c *Controller) PushEphemerisData(id int, path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("gpsctrl: read pgps data: %w", err)
	}
	size := len(buf)

	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.readyModemLocked()
	if err != nil {
		return err
	}
	if err := m.SendTransparent(fmt.Sprintf("AT*EEGPSEEDATA=1,%d,%d", id, size), buf); err != nil {
		return err
	}
	log.Info().Int("id", id).Int("bytes", size).Msg("pgps data uploaded")
	return nil
}

// SetConnectivity tells the modem whether it may fetch ephemeris itself. It
// only applies in PGPS mode on a ready device.
func (c *Controller) SetConnectivity(connected bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sess.Connected = connected
	if c.sess.PrefMode != ModePgps {
		log.Debug().Msg("not setting eedata since preferred mode is not PGPS")
		return nil
	}
	if !c.sess.Ready {
		log.Debug().Msg("not setting eedata since the device is not ready")
		return nil
	}
	return c.sendLocked(fmt.Sprintf("AT*EEGPSEEDATA=%d", boolInt(connected)))
}

// InitPgps pushes the current connectivity after an open.
func (c *Controller) InitPgps() error {
	c.mu.Lock()
	connected := c.sess.Connected
	pgps := c.sess.PrefMode == ModePgps
	c.mu.Unlock()
	if !pgps {
		return nil
	}
	return c.SetConnectivity(connected)
}
