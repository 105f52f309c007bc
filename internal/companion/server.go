package companion

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"mbm-gps/internal/metrics"
)

// Command is an outbound request to the companion.
type Command byte

const (
	CmdDownloadPgpsData Command = 1
	CmdServiceQuit      Command = 2
	CmdSendAllInfo      Command = 3
)

var ErrNotConnected = errors.New("companion: not connected")

// Handler receives typed updates. Calls are made from the connection
// goroutine, one at a time.
type Handler interface {
	SetBackgroundData(allowed bool)
	SetMobileData(allowed bool)
	SetRoamingAllowed(allowed bool)
	SetApnInfo(info ApnInfo)
	PgpsData(id int, path string)
	PgpsFailed()
	NetworkState(connected bool, roaming bool, kind string)
}

type Config struct {
	Socket string
	// RequestInfoOnConnect asks every new connection to replay its state.
	RequestInfoOnConnect bool
	MaxFrameBytes        int
}

type Server struct {
	cfg     Config
	h       Handler
	metrics *metrics.Metrics

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
	conns    uint64

	connMu sync.Mutex
	ln     net.Listener
	conn   net.Conn
	cancel context.CancelFunc
	// lastNetwork holds the last EXTRA_NETWORK_INFO so a no-connectivity
	// report can be combined with it.
	lastNetwork NetworkInfo

	done chan struct{}
}

type Snapshot struct {
	Socket      string `json:"socket"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Messages    uint64 `json:"messages"`
	Connections uint64 `json:"connections"`
}

func New(cfg Config, h Handler, m *metrics.Metrics) (*Server, error) {
	if cfg.Socket == "" {
		return nil, fmt.Errorf("companion socket is required")
	}
	if h == nil {
		return nil, fmt.Errorf("companion handler is nil")
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1024
	}
	return &Server{cfg: cfg, h: h, metrics: m, state: "stopped", done: make(chan struct{})}, nil
}

// Start binds the socket and serves connections until ctx is done or Close
// is called.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("companion server is nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("companion server is closed")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("companion server already started")
	}

	// A socket left behind by a previous run blocks the bind.
	if err := os.Remove(s.cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("socket", s.cfg.Socket).Msg("could not remove stale companion socket")
	}
	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		s.setState("error", err.Error())
		close(s.done)
		return fmt.Errorf("companion listen: %w", err)
	}
	if err := os.Chmod(s.cfg.Socket, 0o666); err != nil {
		log.Error().Err(err).Str("socket", s.cfg.Socket).Msg("error setting permissions of companion socket")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.connMu.Lock()
	s.ln = ln
	s.cancel = cancel
	closing := s.closed.Load()
	s.connMu.Unlock()
	// Close ran before cancel was published.
	if closing {
		cancel()
	}
	s.setState("listening", "")
	log.Info().Str("socket", s.cfg.Socket).Msg("companion socket listening")

	go func() {
		<-runCtx.Done()
		_ = ln.Close()
	}()
	go func() {
		defer close(s.done)
		s.acceptLoop(runCtx, ln)
	}()
	return nil
}

// Close tells the companion to quit, then stops serving and removes the
// socket.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.closed.Swap(true) {
		return
	}
	if err := s.Send(CmdServiceQuit, ""); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Warn().Err(err).Msg("companion quit not delivered")
	}
	s.connMu.Lock()
	cancel := s.cancel
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.started.Load() {
		<-s.done
		_ = os.Remove(s.cfg.Socket)
	}
}

// Send writes one command frame to the connected companion.
func (s *Server) Send(cmd Command, payload string) error {
	if len(payload) > 255 {
		return fmt.Errorf("companion: payload of %d bytes exceeds 255", len(payload))
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, byte(cmd), byte(len(payload)))
	frame = append(frame, payload...)
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("companion write: %w", err)
	}
	log.Debug().Uint8("cmd", uint8(cmd)).Str("payload", payload).Msg("companion >")
	return nil
}

// RequestDownload asks the companion to fetch predicted ephemeris.
func (s *Server) RequestDownload(id int, url string) error {
	return s.Send(CmdDownloadPgpsData, fmt.Sprintf("%d\n%s", id, url))
}

// RequestAllInfo asks the companion to replay every fact it knows.
func (s *Server) RequestAllInfo() error {
	return s.Send(CmdSendAllInfo, "")
}

func (s *Server) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Socket:      s.cfg.Socket,
		State:       s.state,
		LastError:   s.lastErr,
		Messages:    s.count,
		Connections: s.conns,
	}
	if !s.lastSeen.IsZero() {
		out.LastSeenUTC = s.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.setState("stopped", "")
				return
			}
			s.setState("error", err.Error())
			log.Error().Err(err).Msg("companion accept failed, exiting service loop")
			return
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		s.setState("connected", "")
		log.Info().Msg("companion connected")

		if s.cfg.RequestInfoOnConnect {
			if err := s.RequestAllInfo(); err != nil {
				log.Warn().Err(err).Msg("companion info request failed")
			}
		}

		err = s.serveConn(conn)

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		_ = conn.Close()
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			s.setState("disconnected", err.Error())
			log.Warn().Err(err).Msg("companion connection lost")
		} else {
			s.setState("disconnected", "")
			log.Info().Msg("companion disconnected")
		}
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return
		}
	}
}

func (s *Server) serveConn(conn net.Conn) error {
	var hdr [2]byte
	buf := make([]byte, s.cfg.MaxFrameBytes)
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return err
		}
		n := int(binary.BigEndian.Uint16(hdr[:]))
		if n > len(buf) {
			return fmt.Errorf("companion frame of %d bytes exceeds %d", n, len(buf))
		}
		if _, err := io.ReadFull(conn, buf[:n]); err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		s.mu.Lock()
		s.count++
		s.lastSeen = time.Now().UTC()
		s.mu.Unlock()
		s.dispatch(string(buf[:n]))
	}
}

func (s *Server) dispatch(text string) {
	msg := ParseMessage(text)
	log.Debug().Str("tag", msg.Tag).Str("data", msg.Data).Msg("companion <")
	if msg.Tag == "" {
		s.metrics.CompanionMessage("unknown")
		log.Debug().Msg("unknown message from companion received")
		return
	}
	s.metrics.CompanionMessage(msg.Tag)

	switch msg.Tag {
	case TagBackgroundData:
		s.h.SetBackgroundData(ParseBool(msg.Data))
	case TagMobileDataAllowed:
		s.h.SetMobileData(ParseBool(msg.Data))
	case TagRoamingAllowed:
		s.h.SetRoamingAllowed(ParseBool(msg.Data))
	case TagApnInfo:
		info, err := ParseApnInfo(msg.Data)
		if err != nil {
			log.Warn().Err(err).Msg("apn info ignored")
			return
		}
		s.h.SetApnInfo(info)
	case TagPgpsData:
		d, err := ParsePgpsData(msg.Data)
		if err != nil {
			log.Warn().Err(err).Msg("bad pgps data message")
			s.h.PgpsFailed()
			return
		}
		if d.Failed {
			s.h.PgpsFailed()
			return
		}
		s.h.PgpsData(d.ID, d.Path)
	case TagNetworkInfo:
		ni, err := ParseNetworkInfo(msg.Data)
		if err != nil {
			log.Warn().Err(err).Msg("bad network info message")
			return
		}
		s.connMu.Lock()
		s.lastNetwork = ni
		s.connMu.Unlock()
		s.h.NetworkState(true, ni.Roaming, ni.Type)
	case TagNoConnectivity:
		s.connMu.Lock()
		last := s.lastNetwork
		s.connMu.Unlock()
		s.h.NetworkState(!ParseBool(msg.Data), last.Roaming, last.Type)
	default:
		log.Debug().Str("tag", msg.Tag).Str("data", msg.Data).Msg("companion info")
	}
}

func (s *Server) setState(state string, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	} else if state == "connected" || state == "listening" || state == "stopped" {
		s.lastErr = ""
	}
	s.mu.Unlock()
}
