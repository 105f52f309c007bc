package web

import (
	"runtime"
	"runtime/debug"
	"time"

	"mbm-gps/internal/companion"
	"mbm-gps/internal/gps"
)

type GPSSource interface {
	Snapshot() gps.Snapshot
}

type CompanionSource interface {
	Snapshot() companion.Snapshot
}

type HelperSource interface {
	Snapshot() companion.HelperSnapshot
}

type RelaySource interface {
	Dest() string
	Stats() (sent, failed uint64)
}

type PowerSource interface {
	Resets() uint64
}

// Sources feeds the status view. Nil members are left out.
type Sources struct {
	GPS       GPSSource
	Companion CompanionSource
	Helper    HelperSource
	Relay     RelaySource
	Power     PowerSource
}

type Status struct {
	started time.Time
	src     Sources
}

func NewStatus(src Sources) *Status {
	return &Status{started: time.Now().UTC(), src: src}
}

type RelaySnapshot struct {
	Dest   string `json:"dest"`
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

type StatusSnapshot struct {
	Service   string  `json:"service"`
	NowUTC    string  `json:"now_utc"`
	UptimeSec float64 `json:"uptime_sec"`

	GPS         *gps.Snapshot             `json:"gps,omitempty"`
	Companion   *companion.Snapshot       `json:"companion,omitempty"`
	Helper      *companion.HelperSnapshot `json:"helper,omitempty"`
	Relay       *RelaySnapshot            `json:"relay,omitempty"`
	PowerResets *uint64                   `json:"power_resets,omitempty"`
}

// Snapshot leaves out the AT traffic log; /api/traffic serves it.
func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	out := StatusSnapshot{
		Service:   "mbm-gpsd",
		NowUTC:    nowUTC.Format(time.RFC3339Nano),
		UptimeSec: nowUTC.Sub(s.started).Seconds(),
	}
	if s.src.GPS != nil {
		g := s.src.GPS.Snapshot()
		g.Traffic = nil
		out.GPS = &g
	}
	if s.src.Companion != nil {
		c := s.src.Companion.Snapshot()
		out.Companion = &c
	}
	if s.src.Helper != nil {
		h := s.src.Helper.Snapshot()
		out.Helper = &h
	}
	if s.src.Relay != nil {
		sent, failed := s.src.Relay.Stats()
		out.Relay = &RelaySnapshot{Dest: s.src.Relay.Dest(), Sent: sent, Failed: failed}
	}
	if s.src.Power != nil {
		n := s.src.Power.Resets()
		out.PowerResets = &n
	}
	return out
}

type AboutResponse struct {
	Service    string `json:"service"`
	NowUTC     string `json:"now_utc"`
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
}

func about() AboutResponse {
	resp := AboutResponse{
		Service:   "mbm-gpsd",
		NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		resp.ModulePath = bi.Main.Path
		resp.Version = bi.Main.Version
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				resp.Commit = s.Value
			case "vcs.modified":
				resp.Dirty = s.Value == "true"
			}
		}
	}
	return resp
}
