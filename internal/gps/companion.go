package gps

import (
	"github.com/rs/zerolog/log"

	"mbm-gps/internal/companion"
	"mbm-gps/internal/gpsctrl"
)

// The methods below make Service a companion.Handler.

func (s *Service) SetBackgroundData(allowed bool) {
	log.Debug().Bool("allowed", allowed).Msg("background data")
	s.ctrl.SetBackgroundDataAllowed(allowed)
}

func (s *Service) SetMobileData(allowed bool) {
	log.Debug().Bool("allowed", allowed).Msg("mobile data")
	s.ctrl.SetDataEnabled(allowed)
}

func (s *Service) SetRoamingAllowed(allowed bool) {
	log.Debug().Bool("allowed", allowed).Msg("roaming data")
	s.ctrl.SetRoamingAllowed(allowed)
}

func (s *Service) SetApnInfo(info companion.ApnInfo) {
	log.Debug().Str("apn", info.APN).Str("user", info.User).Str("authtype", info.AuthType).Msg("apn info")
	err := s.ctrl.SetApnInfo(gpsctrl.ApnInfo{
		APN:      info.APN,
		User:     info.User,
		Password: info.Password,
		AuthType: info.AuthType,
	})
	if err != nil {
		log.Error().Err(err).Msg("setting apn info failed")
	}
}

func (s *Service) PgpsData(id int, path string) {
	if err := s.ctrl.PushEphemerisData(id, path); err != nil {
		log.Error().Err(err).Int("id", id).Str("path", path).Msg("pgps data push failed")
		s.enqueue(event{cmd: CmdAgpsStatus, agps: AgpsStatus{Type: "PGPS", Status: AgpsDownloadFailed, ID: id}})
		return
	}
	s.enqueue(event{cmd: CmdAgpsStatus, agps: AgpsStatus{Type: "PGPS", Status: AgpsDataInjected, ID: id}})
}

func (s *Service) PgpsFailed() {
	s.ctrl.OnDownloadFailed()
	s.enqueue(event{cmd: CmdAgpsStatus, agps: AgpsStatus{Type: "PGPS", Status: AgpsDownloadFailed}})
}

func (s *Service) NetworkState(connected bool, roaming bool, kind string) {
	s.AGPSRIL().UpdateNetworkState(connected, kind, roaming, "")
}

var _ companion.Handler = (*Service)(nil)
