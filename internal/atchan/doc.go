// Package atchan talks to the modem's AT control port.
//
// A Channel owns one Transport. A single reader goroutine splits the byte
// stream into lines and either attaches them to the command in flight or hands
// them to the unsolicited handler. Only one command is in flight at a time.
//
// Handlers run on the reader goroutine and must not issue commands on the same
// Channel; the response they would wait for can only be read by the goroutine
// they are blocking.
package atchan
