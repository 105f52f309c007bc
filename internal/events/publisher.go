// Package events publishes controller reports on NATS and accepts NI
// replies from there.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"mbm-gps/internal/gps"
	"mbm-gps/internal/gpsctrl"
	"mbm-gps/internal/nmea"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Connect dials the broker. Disconnects are logged and retried by the
// client library.
func Connect(cfg Config) (*nats.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("events: nats url is empty")
	}
	name := cfg.Name
	if name == "" {
		name = "mbm-gpsd"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", cfg.URL).Msg("nats connected")
	return nc, nil
}

// Publisher implements the gps reporter interfaces. Publish failures are
// logged and dropped; reports are not queued.
type Publisher struct {
	conn   Conn
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewPublisher(conn Conn, prefix string) *Publisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "mbmgps"
	}
	return &Publisher{conn: conn, prefix: prefix}
}

func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

type statusMsg struct {
	Status gps.Status `json:"status"`
	Time   time.Time  `json:"time"`
}

type locationMsg struct {
	nmea.Fix
	Received time.Time `json:"received"`
}

func (p *Publisher) ReportStatus(s gps.Status) {
	p.publish("status", statusMsg{Status: s, Time: time.Now().UTC()})
}

func (p *Publisher) ReportLocation(f nmea.Fix) {
	p.publish("location", locationMsg{Fix: f, Received: time.Now().UTC()})
}

func (p *Publisher) ReportNI(n gps.Notification) {
	p.publish("ni", n)
}

func (p *Publisher) ReportAgpsStatus(a gps.AgpsStatus) {
	p.publish("agps", a)
}

func (p *Publisher) publish(kind string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("event encode failed")
		return
	}
	subj := p.Subject(kind)
	if err := p.conn.Publish(subj, b); err != nil {
		log.Warn().Err(err).Str("subject", subj).Msg("event publish failed")
	}
}

// Responder answers NI requests; *gps.NI implements it.
type Responder interface {
	Respond(id int, resp gpsctrl.NiResponse) error
}

// NIReply is the payload expected on <prefix>.ni.reply.
type NIReply struct {
	ID       int    `json:"id"`
	Response string `json:"response"`
}

// SubscribeNIReplies routes replies from the broker to r.
func (p *Publisher) SubscribeNIReplies(r Responder) error {
	subj := p.Subject("ni.reply")
	sub, err := p.conn.Subscribe(subj, func(msg *nats.Msg) {
		p.handleNIReply(r, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj, err)
	}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	log.Info().Str("subject", subj).Msg("listening for ni replies")
	return nil
}

func (p *Publisher) handleNIReply(r Responder, data []byte) {
	var reply NIReply
	if err := json.Unmarshal(data, &reply); err != nil {
		log.Warn().Err(err).Msg("bad ni reply")
		return
	}
	resp, err := gpsctrl.ParseNiResponse(reply.Response)
	if err != nil {
		log.Warn().Err(err).Int("id", reply.ID).Msg("bad ni reply")
		return
	}
	if err := r.Respond(reply.ID, resp); err != nil {
		log.Error().Err(err).Int("id", reply.ID).Msg("ni reply failed")
	}
}

// Close drops subscriptions. The connection belongs to the caller.
func (p *Publisher) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			_ = s.Unsubscribe()
		}
	}
}

var (
	_ gps.StatusReporter     = (*Publisher)(nil)
	_ gps.LocationReporter   = (*Publisher)(nil)
	_ gps.NIReporter         = (*Publisher)(nil)
	_ gps.AgpsStatusReporter = (*Publisher)(nil)
)
