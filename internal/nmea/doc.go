// Package nmea reads the modem's NMEA port.
//
// The port is opened in canonical mode so each read yields one sentence.
// ParseLine frames that read, Relevant filters it, and Parser turns GPS
// sentences into fixes.
package nmea
