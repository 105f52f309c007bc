package gps

import (
	"fmt"
	"time"

	"mbm-gps/internal/gpsctrl"
	"mbm-gps/internal/nmea"
)

// Status is an engine or session state change.
type Status int

const (
	StatusNone Status = iota
	StatusSessionBegin
	StatusSessionEnd
	StatusEngineOn
	StatusEngineOff
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSessionBegin:
		return "session_begin"
	case StatusSessionEnd:
		return "session_end"
	case StatusEngineOn:
		return "engine_on"
	case StatusEngineOff:
		return "engine_off"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Capability is the bit set announced at init.
type Capability uint32

const (
	CapScheduling Capability = 1 << iota
	CapMSB
	CapMSA
	CapSingleShot
)

// PositionMode is what the host asks for; the preferred mode from
// configuration decides what an assisted request turns into.
type PositionMode int

const (
	PositionModeStandalone PositionMode = iota
	PositionModeMSBased
	PositionModeMSAssisted
)

type Recurrence int

const (
	RecurrencePeriodic Recurrence = iota
	RecurrenceSingle
)

// SingleShotInterval is the minimum interval value some hosts use to ask for
// a single fix.
const SingleShotInterval = 9999

// AidingData selects aiding data to delete.
type AidingData uint16

const (
	DeleteEphemeris AidingData = 1 << iota
	DeleteAlmanac
	DeletePosition
	DeleteTime
	DeleteIono
	DeleteUTC
	DeleteHealth
	DeleteSVDir
	DeleteSVSteer
	DeleteSADATA
	DeleteRTI
	DeleteCellDB AidingData = 0x8000
	DeleteAll    AidingData = 0xFFFF
)

// NotifyFlags tell the host how to present an NI request.
type NotifyFlags uint32

const (
	NeedNotify NotifyFlags = 1 << iota
	NeedVerify
	PrivacyOverride
)

// Notification is a network-initiated request as delivered to the host.
type Notification struct {
	ID                  int                `json:"id"`
	Type                string             `json:"type"`
	Flags               NotifyFlags        `json:"flags"`
	TimeoutSec          int                `json:"timeout_sec"`
	DefaultResponse     gpsctrl.NiResponse `json:"default_response"`
	RequestorID         string             `json:"requestor_id,omitempty"`
	Text                string             `json:"text,omitempty"`
	RequestorIDEncoding string             `json:"requestor_id_encoding"`
	TextEncoding        string             `json:"text_encoding"`
}

const niTimeoutSec = 30

// notificationFor maps a modem request to what the host sees.
func notificationFor(req gpsctrl.SuplNiRequest) Notification {
	n := Notification{
		ID:                  req.MessageID,
		Type:                "UMTS_SUPL",
		TimeoutSec:          niTimeoutSec,
		RequestorID:         req.RequestorID,
		Text:                req.ClientName,
		RequestorIDEncoding: "UCS2",
		TextEncoding:        "UCS2",
	}
	switch req.MessageType {
	case gpsctrl.NiVerifyAllow:
		n.Flags = NeedVerify | NeedNotify
		n.DefaultResponse = gpsctrl.NiAccept
	case gpsctrl.NiVerifyDeny:
		n.Flags = NeedVerify | NeedNotify
		n.DefaultResponse = gpsctrl.NiDeny
	case gpsctrl.NiNotify:
		n.Flags = NeedNotify
		n.DefaultResponse = gpsctrl.NiAccept
	case gpsctrl.NiNotifyDenied:
		n.Flags = NeedNotify
		n.DefaultResponse = gpsctrl.NiDeny
	}
	return n
}

// AgpsStatusValue tracks predicted ephemeris delivery.
type AgpsStatusValue int

const (
	AgpsDownloadRequested AgpsStatusValue = iota + 1
	AgpsDownloadFailed
	AgpsDataInjected
)

func (v AgpsStatusValue) String() string {
	switch v {
	case AgpsDownloadRequested:
		return "download_requested"
	case AgpsDownloadFailed:
		return "download_failed"
	case AgpsDataInjected:
		return "data_injected"
	default:
		return fmt.Sprintf("AgpsStatusValue(%d)", int(v))
	}
}

func (v AgpsStatusValue) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

type AgpsStatus struct {
	Type   string          `json:"type"`
	Status AgpsStatusValue `json:"status"`
	ID     int             `json:"id,omitempty"`
}

// Reporters. Init accepts any value and uses whichever of these it
// implements. All calls are made from the loop goroutine.
type (
	StatusReporter interface {
		ReportStatus(Status)
	}
	LocationReporter interface {
		ReportLocation(nmea.Fix)
	}
	NMEAReporter interface {
		ReportNMEA(ts time.Time, sentence string)
	}
	NIReporter interface {
		ReportNI(Notification)
	}
	AgpsStatusReporter interface {
		ReportAgpsStatus(AgpsStatus)
	}
	// CapabilityReporter is called once from Init.
	CapabilityReporter interface {
		SetCapabilities(Capability)
	}
)

type reporters struct {
	status   []StatusReporter
	location []LocationReporter
	nmea     []NMEAReporter
	ni       []NIReporter
	agps     []AgpsStatusReporter
}

func collectReporters(caps Capability, rs []any) reporters {
	var out reporters
	for _, r := range rs {
		if r == nil {
			continue
		}
		if v, ok := r.(StatusReporter); ok {
			out.status = append(out.status, v)
		}
		if v, ok := r.(LocationReporter); ok {
			out.location = append(out.location, v)
		}
		if v, ok := r.(NMEAReporter); ok {
			out.nmea = append(out.nmea, v)
		}
		if v, ok := r.(NIReporter); ok {
			out.ni = append(out.ni, v)
		}
		if v, ok := r.(AgpsStatusReporter); ok {
			out.agps = append(out.agps, v)
		}
		if v, ok := r.(CapabilityReporter); ok {
			v.SetCapabilities(caps)
		}
	}
	return out
}

var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// gpsWeekTOW converts UTC to GPS week and time of week in seconds. Leap
// seconds are not applied.
func gpsWeekTOW(t time.Time) (week int, tow int) {
	secs := int64(t.UTC().Sub(gpsEpoch) / time.Second)
	if secs < 0 {
		return 0, 0
	}
	const weekSecs = 7 * 24 * 3600
	return int(secs / weekSecs), int(secs % weekSecs)
}
