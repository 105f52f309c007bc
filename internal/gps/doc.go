// Package gps is the session controller. It owns the connection to the
// modem, runs the single event loop that delivers status, NI and AGPS
// reports, and exposes the location interface (start, stop, position mode,
// aiding data, extensions) the host runtime drives.
//
// The loop reconnects on its own when the modem disappears. Cleanup is the
// only way to stop it.
package gps
