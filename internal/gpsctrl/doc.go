// Package gpsctrl drives the modem's GPS engine over the AT channel.
//
// A Controller holds the device session (readiness, preferred and effective
// mode, connectivity facts) and the SUPL configuration behind one mutex, and
// issues every AT command that changes engine state. Unsolicited lines from
// the modem enter through HandleUnsolicited on the channel's reader goroutine;
// handlers that must send commands are handed to a Dispatcher instead of
// running there.
package gpsctrl
