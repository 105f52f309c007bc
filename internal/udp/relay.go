// Package udp relays NMEA sentences to a UDP destination.
package udp

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Relay sends each sentence as one datagram with CRLF restored. It
// implements nmea.Sink.
type Relay struct {
	dest   string
	conn   udpConn
	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewRelay(dest string) (*Relay, error) {
	return newRelay(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newRelay(dest string, resolve resolveFunc, dial dialFunc) (*Relay, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Relay{dest: dest, conn: conn}, nil
}

func (r *Relay) Dest() string {
	return r.dest
}

func (r *Relay) Send(sentence string) error {
	if sentence == "" {
		return nil
	}
	_, err := r.conn.Write([]byte(sentence + "\r\n"))
	if err != nil {
		r.failed.Add(1)
		return err
	}
	r.sent.Add(1)
	return nil
}

// HandleSentence logs the first failure of a run only; a missing listener
// makes every datagram fail.
func (r *Relay) HandleSentence(sentence string) {
	if err := r.Send(sentence); err != nil && r.failed.Load() == 1 {
		log.Warn().Err(err).Str("dest", r.dest).Msg("nmea relay send failed")
	}
}

// Stats returns sent and failed datagram counts.
func (r *Relay) Stats() (sent, failed uint64) {
	return r.sent.Load(), r.failed.Load()
}

func (r *Relay) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
