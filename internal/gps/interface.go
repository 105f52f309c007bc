package gps

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"mbm-gps/internal/gpsctrl"
)

// Start begins navigating. When the device is not ready the start is
// deferred until the next successful open.
func (s *Service) Start() error {
	begun, err := s.ctrl.Start()
	if err != nil {
		log.Error().Err(err).Msg("error starting gps")
		return err
	}
	if begun {
		s.enqueue(event{cmd: CmdStatus, status: StatusSessionBegin})
	}
	return nil
}

// Stop ends navigation. A modem that does not confirm the stop is logged;
// the session ends regardless.
func (s *Service) Stop() error {
	if !s.ctrl.Ready() {
		log.Debug().Msg("stop while device not ready")
	}
	if err := s.ctrl.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping gps")
	}
	s.enqueue(event{cmd: CmdStatus, status: StatusSessionEnd})
	return nil
}

// SetPositionMode maps a host request onto the modem. Assisted requests use
// the configured preferred mode, and an explicitly configured standalone
// preference overrides them.
func (s *Service) SetPositionMode(mode PositionMode, rec Recurrence, minIntervalMs uint32) error {
	var m gpsctrl.Mode
	switch mode {
	case PositionModeMSAssisted, PositionModeMSBased:
		switch s.cfg.PrefMode {
		case gpsctrl.ModeSupl:
			m = gpsctrl.ModeSupl
		case gpsctrl.ModeStandalone:
			m = gpsctrl.ModeStandalone
		default:
			m = gpsctrl.ModePgps
		}
	case PositionModeStandalone:
		m = gpsctrl.ModeStandalone
	default:
		return fmt.Errorf("gps: unknown position mode %d", mode)
	}

	var interval int
	switch {
	case rec == RecurrenceSingle || minIntervalMs == SingleShotInterval:
		interval = 0
	case minIntervalMs < 1000:
		interval = 1
	default:
		interval = int(minIntervalMs / 1000)
	}

	log.Debug().Stringer("mode", m).Int("interval", interval).Uint32("min_interval_ms", minIntervalMs).Msg("set position mode")
	s.ctrl.SetPositionMode(m, interval)
	return nil
}

// DeleteAidingData supports ephemeris alone, or ephemeris with almanac which
// clears everything.
func (s *Service) DeleteAidingData(flags AidingData) error {
	var f gpsctrl.ClearFlag
	switch {
	case flags&(DeleteEphemeris|DeleteAlmanac) == DeleteEphemeris|DeleteAlmanac:
		f = gpsctrl.ClearAll
	case flags&DeleteEphemeris != 0:
		f = gpsctrl.ClearEphemerisOnly
	default:
		log.Info().Uint16("flags", uint16(flags)).Msg("parameters not supported for deleting")
		return gpsctrl.ErrNotSupported
	}
	return s.ctrl.DeleteAidingData(f)
}

// InjectTime is accepted and logged; the modem keeps its own time.
func (s *Service) InjectTime(t time.Time, reference int64, uncertaintyMs int) error {
	week, tow := gpsWeekTOW(t)
	log.Debug().Str("cmd", fmt.Sprintf("AT*E2GPSTIME=%d,%d", tow, week)).Int64("ref", reference).Int("unc_ms", uncertaintyMs).Msg("inject time ignored")
	return nil
}

// InjectLocation is accepted and logged.
func (s *Service) InjectLocation(lat, lon float64, accuracyM float32) error {
	log.Debug().Float64("lat", lat).Float64("lon", lon).Float32("acc", accuracyM).Msg("inject location ignored")
	return nil
}

func (s *Service) Capabilities() Capability {
	return s.caps
}

const (
	ExtensionAGPS    = "agps"
	ExtensionAGPSRIL = "agps_ril"
	ExtensionNI      = "gps-ni"
)

// Extension returns the named sub-interface, or nil.
func (s *Service) Extension(name string) any {
	switch name {
	case ExtensionAGPS:
		return s.AGPS()
	case ExtensionAGPSRIL:
		return s.AGPSRIL()
	case ExtensionNI:
		return s.NI()
	default:
		log.Debug().Str("name", name).Msg("unknown extension")
		return nil
	}
}

type AgpsType int

const (
	AgpsTypeSUPL AgpsType = iota + 1
	AgpsTypeC2K
)

// AGPS configures the assistance server.
type AGPS struct{ s *Service }

func (s *Service) AGPS() *AGPS { return &AGPS{s: s} }

func (a *AGPS) SetServer(typ AgpsType, host string, port int) error {
	kind := "SUPL"
	if typ == AgpsTypeC2K {
		kind = "C2K"
	}
	log.Info().Str("host", host).Int("port", port).Str("type", kind).Msg("agps set server")
	return a.s.ctrl.SetSuplServer(host)
}

// The data connection is owned by the modem; these only log.
func (a *AGPS) DataConnOpen(apn string) { log.Debug().Str("apn", apn).Msg("agps data conn open") }
func (a *AGPS) DataConnClosed()         { log.Debug().Msg("agps data conn closed") }
func (a *AGPS) DataConnFailed()         { log.Debug().Msg("agps data conn failed") }

// AGPSRIL carries radio-layer facts.
type AGPSRIL struct{ s *Service }

func (s *Service) AGPSRIL() *AGPSRIL { return &AGPSRIL{s: s} }

// UpdateNetworkState records connectivity and roaming. Facts that arrive
// before the device is ready are kept and applied once it opens.
func (r *AGPSRIL) UpdateNetworkState(connected bool, kind string, roaming bool, extra string) {
	log.Debug().Bool("connected", connected).Str("type", kind).Bool("roaming", roaming).Str("extra", extra).Msg("network state")
	r.s.ctrl.SetNetworkType(kind)
	r.s.ctrl.SetRoaming(roaming)
	if err := r.s.ctrl.SetConnectivity(connected); err != nil {
		log.Error().Err(err).Msg("setting connectivity failed")
	}
}

func (r *AGPSRIL) SetRefLocation(kind string, mcc, mnc, lac, cid int) {
	log.Debug().Str("type", kind).Int("mcc", mcc).Int("mnc", mnc).Int("lac", lac).Int("cid", cid).Msg("ref location ignored")
}

func (r *AGPSRIL) SetSetID(kind string, id string) {
	log.Debug().Str("type", kind).Str("setid", id).Msg("set id ignored")
}

func (r *AGPSRIL) NIMessage(msg []byte) {
	log.Debug().Int("len", len(msg)).Msg("ril ni message ignored")
}

func (r *AGPSRIL) UpdateNetworkAvailability(available bool, apn string) {
	log.Debug().Bool("available", available).Str("apn", apn).Msg("network availability")
}

// NI answers network-initiated requests.
type NI struct{ s *Service }

func (s *Service) NI() *NI { return &NI{s: s} }

// Respond answers the request with the given id. Answers to anything but the
// latest request are dropped.
func (n *NI) Respond(id int, resp gpsctrl.NiResponse) error {
	sent, err := n.s.ctrl.RespondNI(id, resp)
	if err != nil {
		return err
	}
	if !sent {
		log.Debug().Int("id", id).Msg("mismatch in notification ids, ignoring the response")
	}
	return nil
}
