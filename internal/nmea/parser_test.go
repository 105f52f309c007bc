package nmea

import (
	"math"
	"testing"
	"time"
)

const (
	ggaValid   = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	rmcValid   = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	rmcNoFix   = "$GPRMC,123520,V,,,,,,,230394,,*39"
	gsaSample  = "$GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*39"
	badChecksm = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-4 }

func TestParser_GGAThenRMC(t *testing.T) {
	p := NewParser()
	if _, ok, err := p.Parse(ggaValid); err != nil || ok {
		t.Fatalf("GGA: ok=%v err=%v", ok, err)
	}
	fix, ok, err := p.Parse(rmcValid)
	if err != nil || !ok {
		t.Fatalf("RMC: ok=%v err=%v", ok, err)
	}
	want := HasLatLong | HasAltitude | HasSpeed | HasBearing | HasAccuracy
	if fix.Flags != want {
		t.Fatalf("flags=%b want %b", fix.Flags, want)
	}
	if !approx(fix.LatDeg, 48.1173) || !approx(fix.LonDeg, 11.516666) {
		t.Fatalf("lat/lon=%f,%f", fix.LatDeg, fix.LonDeg)
	}
	if !approx(fix.AltitudeM, 545.4) {
		t.Fatalf("alt=%f", fix.AltitudeM)
	}
	if fix.Satellites != 8 {
		t.Fatalf("sats=%d", fix.Satellites)
	}
	if !approx(fix.SpeedMS, 22.4*knotsToMS) || !approx(fix.BearingDeg, 84.4) {
		t.Fatalf("speed/bearing=%f,%f", fix.SpeedMS, fix.BearingDeg)
	}
	wantTime := time.Date(1994, time.March, 23, 12, 35, 19, 0, time.UTC)
	if !fix.Time.Equal(wantTime) {
		t.Fatalf("time=%s want %s", fix.Time, wantTime)
	}
}

func TestParser_RMCAloneHasNoAltitude(t *testing.T) {
	p := NewParser()
	fix, ok, err := p.Parse(rmcValid)
	if err != nil || !ok {
		t.Fatalf("RMC: ok=%v err=%v", ok, err)
	}
	if fix.Flags&HasAltitude != 0 || fix.Flags&HasAccuracy != 0 {
		t.Fatalf("unexpected flags %b", fix.Flags)
	}
}

func TestParser_GSAAccuracy(t *testing.T) {
	p := NewParser()
	if _, _, err := p.Parse(gsaSample); err != nil {
		t.Fatalf("GSA: %v", err)
	}
	fix, ok, err := p.Parse(rmcValid)
	if err != nil || !ok {
		t.Fatalf("RMC: ok=%v err=%v", ok, err)
	}
	if !approx(fix.AccuracyM, 1.3*5) {
		t.Fatalf("accuracy=%f", fix.AccuracyM)
	}
}

func TestParser_NoFixNotReported(t *testing.T) {
	p := NewParser()
	if _, ok, _ := p.Parse(rmcNoFix); ok {
		t.Fatalf("void RMC reported a fix")
	}
}

func TestParser_BadChecksum(t *testing.T) {
	p := NewParser()
	if _, _, err := p.Parse(badChecksm); err == nil {
		t.Fatalf("expected checksum error")
	}
}

func TestFullYear(t *testing.T) {
	tests := []struct {
		yy   int
		want int
	}{
		{0, 2000},
		{24, 2024},
		{79, 2079},
		{80, 1980},
		{94, 1994},
		{99, 1999},
	}
	for _, tt := range tests {
		if got := fullYear(tt.yy); got != tt.want {
			t.Fatalf("fullYear(%d)=%d want %d", tt.yy, got, tt.want)
		}
	}
}

func TestParser_RMCYearPivot(t *testing.T) {
	tests := []struct {
		name     string
		sentence string
		want     int
	}{
		{"nineties", rmcValid, 1994},
		{"current", "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,150624,003.1,W*61", 2024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fix, ok, err := NewParser().Parse(tt.sentence)
			if err != nil || !ok {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
			if fix.Time.Year() != tt.want {
				t.Fatalf("year=%d want %d", fix.Time.Year(), tt.want)
			}
		})
	}
}
