package nmea

import (
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
)

// Flags marks which Fix fields are valid.
type Flags uint16

const (
	HasLatLong Flags = 1 << iota
	HasAltitude
	HasSpeed
	HasBearing
	HasAccuracy
)

const knotsToMS = 0.514444

// Fix is a location report assembled from one RMC and the GGA/GSA sentences
// that preceded it.
type Fix struct {
	Flags      Flags     `json:"flags"`
	LatDeg     float64   `json:"lat_deg"`
	LonDeg     float64   `json:"lon_deg"`
	AltitudeM  float64   `json:"altitude_m,omitempty"`
	SpeedMS    float64   `json:"speed_ms,omitempty"`
	BearingDeg float64   `json:"bearing_deg,omitempty"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	Satellites int       `json:"satellites,omitempty"`
	Time       time.Time `json:"time"`
}

// Parser accumulates sentence fields across a reporting cycle. It is not
// safe for concurrent use.
type Parser struct {
	pending Fix
	hdop    float64
}

func NewParser() *Parser {
	return &Parser{}
}

// Parse feeds one sentence. It returns a fix when the sentence completes a
// valid one. Sentences of types the parser does not use are ignored.
func (p *Parser) Parse(sentence string) (Fix, bool, error) {
	s, err := gonmea.Parse(strings.TrimSpace(sentence))
	if err != nil {
		return Fix{}, false, err
	}

	switch m := s.(type) {
	case gonmea.GGA:
		if m.FixQuality == "0" || m.FixQuality == "" {
			p.pending.Flags &^= HasAltitude
			return Fix{}, false, nil
		}
		p.pending.AltitudeM = m.Altitude
		p.pending.Flags |= HasAltitude
		p.pending.Satellites = int(m.NumSatellites)
		p.hdop = m.HDOP
	case gonmea.GSA:
		if m.HDOP > 0 {
			p.hdop = m.HDOP
		}
	case gonmea.RMC:
		if !strings.EqualFold(m.Validity, "A") {
			p.reset()
			return Fix{}, false, nil
		}
		fix := p.pending
		fix.LatDeg = m.Latitude
		fix.LonDeg = m.Longitude
		fix.Flags |= HasLatLong
		fix.SpeedMS = m.Speed * knotsToMS
		fix.Flags |= HasSpeed
		fix.BearingDeg = m.Course
		fix.Flags |= HasBearing
		if p.hdop > 0 {
			fix.AccuracyM = p.hdop * 5
			fix.Flags |= HasAccuracy
		}
		fix.Time = fixTime(m.Date, m.Time)
		p.reset()
		return fix, true, nil
	}
	return Fix{}, false, nil
}

func (p *Parser) reset() {
	p.pending = Fix{}
	p.hdop = 0
}

func fixTime(d gonmea.Date, t gonmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return time.Now().UTC()
	}
	return time.Date(fullYear(d.YY), time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

// fullYear expands an RMC two-digit year; 80-99 are 1980-1999.
func fullYear(yy int) int {
	if yy < 80 {
		return 2000 + yy
	}
	return 1900 + yy
}
