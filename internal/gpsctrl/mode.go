package gpsctrl

import (
	"fmt"
	"strings"
)

// Mode is the engine mode value sent in AT*E2GPSCTL.
type Mode int

const (
	ModeStandalone Mode = 1
	ModeSupl       Mode = 3
	ModePgps       Mode = 4
)

func (m Mode) String() string {
	switch m {
	case ModeStandalone:
		return "STANDALONE"
	case ModeSupl:
		return "SUPL"
	case ModePgps:
		return "PGPS"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STANDALONE":
		return ModeStandalone, nil
	case "SUPL":
		return ModeSupl, nil
	case "PGPS":
		return ModePgps, nil
	default:
		return 0, fmt.Errorf("unknown gps mode %q", s)
	}
}

// ClearFlag selects which aiding data AT*E2GPSCLM removes.
type ClearFlag int

const (
	ClearNone ClearFlag = iota
	ClearAll
	ClearEphemerisOnly
)

func (f ClearFlag) String() string {
	switch f {
	case ClearNone:
		return "none"
	case ClearAll:
		return "all"
	case ClearEphemerisOnly:
		return "ephemeris"
	default:
		return fmt.Sprintf("ClearFlag(%d)", int(f))
	}
}

func (f ClearFlag) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// DeviceSession is the engine and connectivity state of one controller.
type DeviceSession struct {
	PrefMode Mode `json:"pref_mode"`
	// Mode is the effective mode of the last start.
	Mode     Mode `json:"mode,omitempty"`
	Interval int  `json:"interval"`

	Fallback    bool `json:"fallback"`
	Ready       bool `json:"ready"`
	Started     bool `json:"started"`
	ShouldStart bool `json:"should_start"`

	Roaming        bool   `json:"roaming"`
	Connected      bool   `json:"connected"`
	NetworkType    string `json:"network_type,omitempty"`
	DataEnabled    bool   `json:"data_enabled"`
	BackgroundData bool   `json:"background_data"`
	RoamingAllowed bool   `json:"roaming_allowed"`

	PendingClear ClearFlag `json:"pending_clear"`
}

// StartMode is the mode a start issued now would use. A pending fallback
// forces standalone; otherwise SUPL degrades to standalone when the data
// connection it needs is not permitted.
func (s DeviceSession) StartMode() Mode {
	if s.Fallback {
		return ModeStandalone
	}
	if s.PrefMode == ModeSupl {
		if s.Roaming && !s.RoamingAllowed {
			return ModeStandalone
		}
		if !s.DataEnabled || !s.BackgroundData {
			return ModeStandalone
		}
	}
	return s.PrefMode
}

// takeStartMode is StartMode plus consuming the fallback.
func (s *DeviceSession) takeStartMode() Mode {
	m := s.StartMode()
	s.Fallback = false
	return m
}
